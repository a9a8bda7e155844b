// Package daemon wires the offload control plane together: engine
// selection, the controller, event fanout, and the admin API.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"

	"github.com/psaab/tethrx/pkg/api"
	"github.com/psaab/tethrx/pkg/forwarder"
	"github.com/psaab/tethrx/pkg/forwarder/bpfmaps"
	_ "github.com/psaab/tethrx/pkg/forwarder/simfwd" // register the sim backend
	"github.com/psaab/tethrx/pkg/notify"
	"github.com/psaab/tethrx/pkg/offload"
)

// probeWindow bounds how long an auto-selection waits for BPF support to
// come up (bpffs mount, etc.) before falling back to the simulator.
const probeWindow = 5 * time.Second

// Daemon is the tethrx offload daemon.
type Daemon struct {
	cfg  Config
	ctrl *offload.Controller
	ring *notify.Ring
}

// New creates a new Daemon.
func New(cfg Config) *Daemon {
	return &Daemon{cfg: cfg}
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.cfg.Validate(); err != nil {
		return err
	}
	slog.Info("starting tethrx daemon",
		"engine", d.cfg.Engine,
		"api", d.cfg.APIAddr,
		"pid", os.Getpid())

	// Two control planes programming the same maps would fight; refuse to
	// start while another instance holds the lock.
	fileLock := flock.New(d.cfg.LockFile)
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", d.cfg.LockFile, err)
	}
	if !locked {
		return fmt.Errorf("another instance holds %s", d.cfg.LockFile)
	}
	defer fileLock.Unlock()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	engine, kind, err := d.selectEngine(ctx)
	if err != nil {
		return err
	}

	d.ctrl = offload.New(offload.Options{
		Engine:       engine,
		PollInterval: d.cfg.PollInterval,
	})
	d.ring = notify.NewRing(d.cfg.EventRing)
	sink := notify.MultiSink(d.ring, notify.SinkFunc(logEvent))

	// API server; a nil channel blocks forever, so with the API disabled
	// the select below waits on the signal context alone.
	var apiErr chan error
	if d.cfg.APIAddr != "" {
		var auth *api.AuthConfig
		if d.cfg.APIKey != "" {
			auth = &api.AuthConfig{APIKeys: map[string]bool{d.cfg.APIKey: true}}
		}
		srv := api.NewServer(api.Config{
			Addr:       d.cfg.APIAddr,
			HTTPSAddr:  d.cfg.HTTPSAddr,
			TLS:        d.cfg.TLS,
			Auth:       auth,
			Ctrl:       d.ctrl,
			Events:     d.ring,
			Sink:       sink,
			EngineKind: kind,
		})
		apiErr = make(chan error, 1)
		go func() { apiErr <- srv.Run(ctx) }()
	}

	var runErr error
	select {
	case err := <-apiErr:
		if err != nil {
			runErr = fmt.Errorf("API server: %w", err)
		}
	case <-ctx.Done():
		slog.Info("signal received, shutting down")
	}

	stop()
	logFinalStats(d.ctrl)
	if err := d.ctrl.Close(); err != nil {
		slog.Error("closing controller failed", "err", err)
	}
	slog.Info("shutdown complete")
	return runErr
}

// selectEngine builds the forwarding engine for the configured kind. For
// "auto" it probes the BPF backend, retrying with exponential backoff
// inside probeWindow, and falls back to the simulator when the host cannot
// support offload.
func (d *Daemon) selectEngine(ctx context.Context) (forwarder.Engine, string, error) {
	if d.cfg.Engine != EngineAuto {
		if d.cfg.Engine == forwarder.KindBPF {
			return bpfmaps.NewManager(d.cfg.PinPath), forwarder.KindBPF, nil
		}
		eng, err := forwarder.New(d.cfg.Engine)
		if err != nil {
			return nil, "", err
		}
		return eng, d.cfg.Engine, nil
	}

	probe := bpfmaps.NewManager(d.cfg.PinPath)
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = probeWindow
	err := backoff.Retry(func() error {
		return probe.Open(ctx)
	}, backoff.WithContext(bo, ctx))
	if err == nil {
		probe.Close()
		slog.Info("BPF offload supported", "pin_path", d.cfg.PinPath)
		return bpfmaps.NewManager(d.cfg.PinPath), forwarder.KindBPF, nil
	}

	slog.Warn("BPF offload unavailable, using simulator", "err", err)
	eng, err := forwarder.New(forwarder.KindSim)
	if err != nil {
		return nil, "", err
	}
	return eng, forwarder.KindSim, nil
}

// logEvent mirrors every offload notification into the daemon log.
func logEvent(ev notify.Event) {
	attrs := []any{"type", ev.Type}
	if ev.Upstream != "" {
		attrs = append(attrs, "upstream", ev.Upstream)
	}
	if ev.Reason != "" {
		attrs = append(attrs, "reason", ev.Reason)
	}
	switch ev.Type {
	case notify.EventStoppedError, notify.EventStoppedUnsupported:
		slog.Error("offload event", attrs...)
	case notify.EventStoppedLimitReached:
		slog.Warn("offload event", attrs...)
	default:
		slog.Info("offload event", attrs...)
	}
}

// logFinalStats logs a counter summary before shutdown.
func logFinalStats(ctrl *offload.Controller) {
	ms := ctrl.MetricsSnapshot()
	attrs := []any{
		"downstreams", ms.Downstreams,
		"quota_breaches", ms.QuotaBreaches,
		"hardware_stops", ms.HardwareStops,
		"program_errors", ms.ProgramErrors,
		"rejected_downstreams", ms.RejectedDownstreams,
	}
	for upstream, bytes := range ms.Totals {
		attrs = append(attrs, "rx_bytes_"+upstream, bytes[0], "tx_bytes_"+upstream, bytes[1])
	}
	slog.Info("final statistics", attrs...)
}
