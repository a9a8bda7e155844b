// tethrxd is the tethering offload daemon.
//
// It programs hardware forwarding state for tethered downstreams and
// exposes an HTTP admin API to drive the offload session.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/psaab/tethrx/pkg/daemon"
	"github.com/psaab/tethrx/pkg/forwarder/bpfmaps"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "cleanup" {
		pin := bpfmaps.DefaultPinPath
		if len(os.Args) > 2 {
			pin = os.Args[2]
		}
		if err := bpfmaps.Cleanup(pin); err != nil {
			fmt.Fprintf(os.Stderr, "cleanup BPF: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("all pinned tether maps removed")
		return
	}

	cfg, err := daemon.ConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tethrxd: %v\n", err)
		os.Exit(1)
	}
	if cfg.PinPath == "" {
		cfg.PinPath = bpfmaps.DefaultPinPath
	}

	flag.StringVar(&cfg.Engine, "engine", cfg.Engine, "forwarding engine: bpf, sim, or auto")
	flag.StringVar(&cfg.PinPath, "pin-path", cfg.PinPath, "BPF map pin directory")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "counter sweep period")
	flag.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "HTTP API listen address (empty to disable)")
	flag.StringVar(&cfg.HTTPSAddr, "https-addr", cfg.HTTPSAddr, "HTTPS API listen address")
	flag.BoolVar(&cfg.TLS, "tls", cfg.TLS, "serve HTTPS with a self-signed certificate")
	flag.StringVar(&cfg.LockFile, "lock-file", cfg.LockFile, "single-instance lock file")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	d := daemon.New(cfg)
	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "tethrxd: %v\n", err)
		os.Exit(1)
	}
}
