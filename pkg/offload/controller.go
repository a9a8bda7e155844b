// Package offload implements the tethering offload control plane: the
// lifecycle gate, the upstream binding, the downstream prefix table, quota
// enforcement, and forwarded-byte accounting. Every external call runs as
// one atomic transition: hardware is programmed first and the in-memory
// model commits only on success, so a failed call leaves both exactly as
// they were.
package offload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/psaab/tethrx/pkg/forwarder"
	"github.com/psaab/tethrx/pkg/notify"
)

// State is the session lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateActive
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	}
	return "unknown"
}

// DefaultPollInterval is how often the watcher pulls byte counters from
// the engine when no interval is configured.
const DefaultPollInterval = time.Second

// Options configures a Controller.
type Options struct {
	Engine forwarder.Engine

	// PollInterval is the counter sweep period. Zero means
	// DefaultPollInterval.
	PollInterval time.Duration

	// Clock defaults to the real clock; tests substitute a fake.
	Clock clockwork.Clock
}

// Controller is the offload control state machine, one per device. A
// single mutex serializes every control call against the background
// watcher, so no caller ever observes a partial transition.
type Controller struct {
	engine forwarder.Engine
	clock  clockwork.Clock
	poll   time.Duration

	mu       sync.Mutex
	state    State
	binding  *UpstreamBinding
	prefixes *PrefixTable
	quotas   *quotaLedger
	stats    *statsAggregator
	queue    *notify.Queue

	watchCancel context.CancelFunc
	watchDone   chan struct{}

	// counters for the metrics surface, guarded by mu
	rejectedDownstreams uint64
	quotaBreaches       uint64
	hardwareStops       uint64
	programErrors       uint64
}

// New creates an offload controller in the Uninitialized state.
func New(opts Options) *Controller {
	c := &Controller{
		engine:   opts.Engine,
		clock:    opts.Clock,
		poll:     opts.PollInterval,
		prefixes: NewPrefixTable(),
		quotas:   newQuotaLedger(),
		stats:    newStatsAggregator(),
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.poll <= 0 {
		c.poll = DefaultPollInterval
	}
	return c
}

// Init transitions Uninitialized -> Active, opening the engine and
// registering sink as the notification listener for the session. A second
// Init without an intervening Teardown fails with ErrAlreadyInitialized
// and changes nothing; an engine that cannot offload fails the call with
// ErrHardwareUnavailable, also without side effects.
func (c *Controller) Init(ctx context.Context, sink notify.Sink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateActive {
		return ErrAlreadyInitialized
	}
	if sink == nil {
		return fmt.Errorf("%w: nil notification sink", ErrInvalidParameter)
	}
	if err := c.engine.Open(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrHardwareUnavailable, err)
	}

	// Events emitted before this session belong to no one.
	events := c.engine.Events()
	drainEvents(events)

	c.state = StateActive
	c.queue = notify.NewQueue(sink)
	watchCtx, cancel := context.WithCancel(context.Background())
	c.watchCancel = cancel
	c.watchDone = make(chan struct{})
	go c.watch(watchCtx, events, c.watchDone)

	slog.Info("offload initialized", "poll_interval", c.poll, "capacity", c.engine.Capacity())
	return nil
}

// Teardown transitions Active -> Uninitialized: all forwarding stops, the
// model empties, byte counters reset, and the notification sink is
// released. After Teardown returns, no sink callback will run. Calling it
// while Uninitialized fails with ErrNotInitialized.
func (c *Controller) Teardown() error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	// Flip first: a monitoring event racing with teardown observes
	// Uninitialized and is discarded.
	c.state = StateUninitialized

	if err := c.engine.Clear(); err != nil {
		slog.Error("engine clear during teardown failed", "err", err)
	}
	c.binding = nil
	c.prefixes.ClearAll()
	c.quotas.Clear()
	c.stats.Reset()

	queue := c.queue
	cancel := c.watchCancel
	done := c.watchDone
	c.queue = nil
	c.watchCancel = nil
	c.watchDone = nil
	c.mu.Unlock()

	cancel()
	<-done
	queue.Close()

	slog.Info("offload torn down")
	return nil
}

// Close tears down the session if one is active and releases the engine.
// Used at daemon shutdown; the control API never calls it.
func (c *Controller) Close() error {
	if err := c.Teardown(); err != nil && !errors.Is(err, ErrNotInitialized) {
		slog.Error("teardown during close failed", "err", err)
	}
	return c.engine.Close()
}

// SetUpstreamParameters atomically replaces the upstream binding. An
// absent iface stops forwarding for both families; an incomplete IPv4
// triple or empty gateway list disables just that family. On success every
// stored downstream entry of an enabled family is (re)programmed against
// the new upstream. On engine rejection the call fails with
// ErrHardwareProgram and the prior binding and rules remain programmed.
func (c *Controller) SetUpstreamParameters(p UpstreamParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActiveLocked(); err != nil {
		return err
	}
	nb, err := parseUpstreamParams(p)
	if err != nil {
		return err
	}

	// Bytes forwarded up to this moment belong to the outgoing binding.
	// A quota breach surfacing here runs its full course (stop, notify)
	// before the new binding is considered.
	if c.binding != nil {
		if err := c.collectLocked(c.binding.Iface); err != nil {
			slog.Warn("draining counters before rebind failed", "upstream", c.binding.Iface, "err", err)
		}
	}
	wasForwarding := c.binding.Forwarding()

	if nb == nil {
		if err := c.engine.SetUpstream(nil, nil); err != nil {
			c.programErrors++
			return fmt.Errorf("%w: clearing upstream: %w", ErrHardwareProgram, err)
		}
		prev := ""
		if c.binding != nil {
			prev = c.binding.Iface
		}
		c.binding = nil
		slog.Info("upstream cleared", "prev", prev)
		return nil
	}

	rules := c.prefixes.RulesForFamilies(nb.V4Active(), nb.V6Active())
	if err := c.engine.SetUpstream(nb.engineState(), rules); err != nil {
		c.programErrors++
		return fmt.Errorf("%w: binding %s: %w", ErrHardwareProgram, nb.Iface, err)
	}
	c.binding = nb

	if nb.Forwarding() && !wasForwarding {
		c.publishLocked(notify.EventStarted, nb.Iface, "")
	}
	slog.Info("upstream bound",
		"iface", nb.Iface,
		"v4", nb.V4Active(),
		"v6_gateways", len(nb.V6Gateways),
		"rules", len(rules))
	return nil
}

// SetLocalPrefixes atomically replaces the set of prefixes excluded from
// forwarding under all configurations.
func (c *Controller) SetLocalPrefixes(prefixes []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActiveLocked(); err != nil {
		return err
	}
	parsed, err := parseLocalPrefixes(prefixes)
	if err != nil {
		return err
	}
	if err := c.engine.SetExcludedPrefixes(parsed); err != nil {
		c.programErrors++
		return fmt.Errorf("%w: local prefixes: %w", ErrHardwareProgram, err)
	}
	c.prefixes.SetLocal(parsed)
	slog.Info("local prefixes replaced", "count", len(parsed))
	return nil
}

// AddDownstream stores a downstream (iface, prefix) pair and, when an
// upstream of the matching family is bound, programs its forwarding rule
// immediately. Engine rejection fails the call with ErrDownstreamRejected
// and the entry is not stored; rules for other entries are untouched. With
// no matching upstream the entry is stored for later activation. Adding a
// pair that is already stored succeeds without effect; the same prefix on
// a different downstream is rejected.
func (c *Controller) AddDownstream(iface, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActiveLocked(); err != nil {
		return err
	}
	e, err := parseDownstream(iface, prefix)
	if err != nil {
		return err
	}
	if c.prefixes.Contains(e) {
		return nil
	}
	if owner, ok := c.prefixes.ConflictingIface(e); ok {
		c.rejectedDownstreams++
		return fmt.Errorf("%w: prefix %s already tethered via %s", ErrDownstreamRejected, e.Prefix, owner)
	}
	if c.binding.FamilyActive(e.Family()) {
		if err := c.engine.AddForward(e.rule()); err != nil {
			c.rejectedDownstreams++
			return fmt.Errorf("%w: %s via %s: %w", ErrDownstreamRejected, e.Prefix, e.Iface, err)
		}
	}
	c.prefixes.Add(e)
	slog.Debug("downstream added", "iface", e.Iface, "prefix", e.Prefix)
	return nil
}

// RemoveDownstream removes a stored downstream pair, tearing down its
// forwarding rule if one is active. Removing a pair that was never added
// succeeds as a no-op.
func (c *Controller) RemoveDownstream(iface, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActiveLocked(); err != nil {
		return err
	}
	e, err := parseDownstream(iface, prefix)
	if err != nil {
		return err
	}
	if !c.prefixes.Contains(e) {
		return nil
	}
	if c.binding.FamilyActive(e.Family()) {
		if err := c.engine.RemoveForward(e.rule()); err != nil {
			c.programErrors++
			return fmt.Errorf("%w: removing %s via %s: %w", ErrHardwareProgram, e.Prefix, e.Iface, err)
		}
	}
	c.prefixes.Remove(e)
	slog.Debug("downstream removed", "iface", e.Iface, "prefix", e.Prefix)
	return nil
}

// SetDataLimit installs a byte quota for the named upstream, replacing any
// prior one. Counting starts from this call: bytes forwarded earlier do
// not count toward the new limit, though they still appear in stats. The
// upstream must currently be forwarding, else ErrNoActiveUpstream. A zero
// limit breaches immediately.
func (c *Controller) SetDataLimit(upstream string, limitBytes uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActiveLocked(); err != nil {
		return err
	}
	if upstream == "" {
		return fmt.Errorf("%w: empty upstream name", ErrInvalidParameter)
	}
	if c.binding == nil || c.binding.Iface != upstream || !c.binding.Forwarding() {
		return fmt.Errorf("%w: %s is not forwarding", ErrNoActiveUpstream, upstream)
	}
	delta, err := c.engine.FetchCounters(upstream)
	if err != nil {
		c.programErrors++
		return fmt.Errorf("%w: draining counters for %s: %w", ErrHardwareProgram, upstream, err)
	}
	c.stats.Record(upstream, delta.RxBytes, delta.TxBytes)
	c.quotas.Set(upstream, limitBytes, c.clock.Now())
	slog.Info("data limit set", "upstream", upstream, "limit_bytes", limitBytes)
	if c.quotas.Breached(upstream) {
		c.breachLocked(upstream)
	}
	return nil
}

// ForwardedStats returns the hardware-forwarded (rx, tx) byte counts for
// the upstream accumulated since the previous call (or since the upstream
// was first bound) and resets them to zero in the same step.
func (c *Controller) ForwardedStats(upstream string) (rx, tx uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActiveLocked(); err != nil {
		return 0, 0, err
	}
	if upstream == "" {
		return 0, 0, fmt.Errorf("%w: empty upstream name", ErrInvalidParameter)
	}
	if err := c.collectLocked(upstream); err != nil {
		return 0, 0, fmt.Errorf("%w: reading counters for %s: %w", ErrHardwareProgram, upstream, err)
	}
	rx, tx = c.stats.Take(upstream)
	return rx, tx, nil
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot is a point-in-time copy of the control-plane model.
type Snapshot struct {
	State         string                `json:"state"`
	Upstream      *UpstreamBinding      `json:"upstream,omitempty"`
	Downstreams   []DownstreamEntry     `json:"downstreams"`
	LocalPrefixes []string              `json:"local_prefixes"`
	Quotas        map[string]QuotaLimit `json:"quotas"`
	Capacity      int                   `json:"capacity"`
}

// Snapshot returns a consistent copy of the current model.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		State:         c.state.String(),
		Downstreams:   c.prefixes.Entries(),
		LocalPrefixes: []string{},
		Quotas:        c.quotas.Snapshot(),
		Capacity:      c.engine.Capacity(),
	}
	if snap.Downstreams == nil {
		snap.Downstreams = []DownstreamEntry{}
	}
	for _, p := range c.prefixes.LocalPrefixes() {
		snap.LocalPrefixes = append(snap.LocalPrefixes, p.String())
	}
	if c.binding != nil {
		b := *c.binding
		snap.Upstream = &b
	}
	return snap
}

// MetricsSnapshot is the counter set exported to the metrics surface.
type MetricsSnapshot struct {
	Active              bool
	Downstreams         int
	LocalPrefixes       int
	Quotas              int
	RejectedDownstreams uint64
	QuotaBreaches       uint64
	HardwareStops       uint64
	ProgramErrors       uint64
	Totals              map[string][2]uint64
}

// MetricsSnapshot returns current counter values for the metrics surface.
func (c *Controller) MetricsSnapshot() MetricsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return MetricsSnapshot{
		Active:              c.state == StateActive,
		Downstreams:         c.prefixes.Len(),
		LocalPrefixes:       len(c.prefixes.LocalPrefixes()),
		Quotas:              c.quotas.Len(),
		RejectedDownstreams: c.rejectedDownstreams,
		QuotaBreaches:       c.quotaBreaches,
		HardwareStops:       c.hardwareStops,
		ProgramErrors:       c.programErrors,
		Totals:              c.stats.Totals(),
	}
}

func (c *Controller) requireActiveLocked() error {
	if c.state != StateActive {
		return ErrNotInitialized
	}
	return nil
}

// publishLocked enqueues a notification for async delivery. No-op unless
// Active, so an event racing with teardown is discarded rather than
// delivered against a released sink.
func (c *Controller) publishLocked(t notify.EventType, upstream, reason string) {
	if c.state != StateActive || c.queue == nil {
		return
	}
	c.queue.Publish(notify.Event{
		Time:     c.clock.Now(),
		Type:     t,
		Upstream: upstream,
		Reason:   reason,
	})
}

// collectLocked pulls the engine's pending byte counters for the upstream
// into the aggregator, credits any active quota, and enforces a breach.
func (c *Controller) collectLocked(upstream string) error {
	delta, err := c.engine.FetchCounters(upstream)
	if err != nil {
		return err
	}
	if delta.RxBytes == 0 && delta.TxBytes == 0 {
		return nil
	}
	c.stats.Record(upstream, delta.RxBytes, delta.TxBytes)
	if c.quotas.Add(upstream, delta.RxBytes+delta.TxBytes) {
		c.breachLocked(upstream)
	}
	return nil
}

// breachLocked enforces a reached quota: forwarding on the upstream stops
// for both families, the limit is destroyed, and the listener is told.
// Downstream entries, local prefixes, and unread stats survive; forwarding
// resumes only when the caller reprograms the upstream.
func (c *Controller) breachLocked(upstream string) {
	q, _ := c.quotas.Get(upstream)
	c.quotas.Remove(upstream)
	c.quotaBreaches++
	if c.binding != nil && c.binding.Iface == upstream {
		if err := c.engine.SetUpstream(nil, nil); err != nil {
			slog.Error("stopping forwarding after quota breach failed", "upstream", upstream, "err", err)
		}
		// Bytes between the breach read and the stop still count in
		// stats.
		if tail, err := c.engine.FetchCounters(upstream); err == nil {
			c.stats.Record(upstream, tail.RxBytes, tail.TxBytes)
		}
		c.binding = nil
	}
	slog.Warn("data limit reached",
		"upstream", upstream,
		"limit_bytes", q.LimitBytes,
		"counted_bytes", q.CountedBytes)
	c.publishLocked(notify.EventStoppedLimitReached, upstream,
		fmt.Sprintf("data limit of %d bytes reached", q.LimitBytes))
}
