// Package simfwd provides an in-memory forwarding engine. It is used by
// tests and by tethrxd -engine sim to exercise the control plane on hosts
// without BPF support.
package simfwd

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/psaab/tethrx/pkg/forwarder"
)

const defaultCapacity = 64

// Manager implements forwarder.Engine entirely in memory. Test hooks allow
// injecting traffic, failures, and engine-initiated events.
type Manager struct {
	mu       sync.Mutex
	opened   bool
	capacity int

	upstream *forwarder.UpstreamState
	rules    map[forwarder.ForwardRule]struct{}
	excluded []netip.Prefix
	pending  map[string]forwarder.CounterDelta

	events chan forwarder.Event

	// failure injection
	openErr     error
	upstreamErr error
	addErr      error
	removeErr   error
	excludeErr  error
}

var _ forwarder.Engine = (*Manager)(nil)

func init() {
	forwarder.Register(forwarder.KindSim, func() (forwarder.Engine, error) {
		return NewManager(), nil
	})
}

// NewManager returns an unopened sim engine with the default capacity.
func NewManager() *Manager {
	return &Manager{
		capacity: defaultCapacity,
		rules:    make(map[forwarder.ForwardRule]struct{}),
		pending:  make(map[string]forwarder.CounterDelta),
	}
}

func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	if m.opened {
		return nil
	}
	m.opened = true
	m.events = make(chan forwarder.Event, 16)
	slog.Debug("sim engine opened", "capacity", m.capacity)
	return nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return nil
	}
	m.opened = false
	m.clearLocked()
	close(m.events)
	return nil
}

func (m *Manager) Capacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capacity
}

func (m *Manager) SetUpstream(up *forwarder.UpstreamState, rules []forwarder.ForwardRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upstreamErr != nil {
		return m.upstreamErr
	}
	if up == nil {
		m.upstream = nil
		m.rules = make(map[forwarder.ForwardRule]struct{})
		return nil
	}
	if len(rules) > m.capacity {
		return fmt.Errorf("%d rules for %s: %w", len(rules), up.Iface, forwarder.ErrTableFull)
	}
	next := make(map[forwarder.ForwardRule]struct{}, len(rules))
	for _, r := range rules {
		next[r] = struct{}{}
	}
	m.upstream = up
	m.rules = next
	return nil
}

func (m *Manager) AddForward(rule forwarder.ForwardRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return m.addErr
	}
	if _, ok := m.rules[rule]; ok {
		return nil
	}
	if len(m.rules) >= m.capacity {
		return fmt.Errorf("adding %s via %s: %w", rule.Prefix, rule.Downstream, forwarder.ErrTableFull)
	}
	m.rules[rule] = struct{}{}
	return nil
}

func (m *Manager) RemoveForward(rule forwarder.ForwardRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeErr != nil {
		return m.removeErr
	}
	delete(m.rules, rule)
	return nil
}

func (m *Manager) SetExcludedPrefixes(prefixes []netip.Prefix) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.excludeErr != nil {
		return m.excludeErr
	}
	m.excluded = append([]netip.Prefix(nil), prefixes...)
	return nil
}

func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked()
	return nil
}

func (m *Manager) clearLocked() {
	m.upstream = nil
	m.rules = make(map[forwarder.ForwardRule]struct{})
	m.excluded = nil
	m.pending = make(map[string]forwarder.CounterDelta)
}

func (m *Manager) FetchCounters(upstream string) (forwarder.CounterDelta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.pending[upstream]
	delete(m.pending, upstream)
	return d, nil
}

func (m *Manager) Events() <-chan forwarder.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events
}

// Advance simulates hardware-forwarded traffic on the named upstream. Bytes
// accumulate until the next FetchCounters.
func (m *Manager) Advance(upstream string, rx, tx uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.pending[upstream]
	d.RxBytes += rx
	d.TxBytes += tx
	m.pending[upstream] = d
}

// EmitStopped simulates the engine halting forwarding on its own. The
// engine drops its programmed state before the event is delivered, matching
// what real hardware does on an internal fault.
func (m *Manager) EmitStopped(upstream, reason string) {
	m.emitStop(forwarder.EventStopped, upstream, reason)
}

// EmitStoppedUnsupported simulates the engine halting forwarding and
// losing offload support entirely.
func (m *Manager) EmitStoppedUnsupported(upstream, reason string) {
	m.emitStop(forwarder.EventStoppedUnsupported, upstream, reason)
}

func (m *Manager) emitStop(kind forwarder.EventKind, upstream, reason string) {
	m.mu.Lock()
	m.upstream = nil
	m.rules = make(map[forwarder.ForwardRule]struct{})
	ev := m.events
	m.mu.Unlock()
	if ev == nil {
		return
	}
	select {
	case ev <- forwarder.Event{Kind: kind, Upstream: upstream, Reason: reason}:
	default:
		slog.Warn("sim engine event dropped", "upstream", upstream)
	}
}

// EmitSupportAvailable simulates offload support coming back.
func (m *Manager) EmitSupportAvailable() {
	m.mu.Lock()
	ev := m.events
	m.mu.Unlock()
	if ev == nil {
		return
	}
	select {
	case ev <- forwarder.Event{Kind: forwarder.EventSupportAvailable}:
	default:
		slog.Warn("sim engine event dropped")
	}
}

// SetOpenFailure makes subsequent Open calls fail with err.
func (m *Manager) SetOpenFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// SetUpstreamFailure makes subsequent SetUpstream calls fail with err.
func (m *Manager) SetUpstreamFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upstreamErr = err
}

// SetAddFailure makes subsequent AddForward calls fail with err.
func (m *Manager) SetAddFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addErr = err
}

// SetRemoveFailure makes subsequent RemoveForward calls fail with err.
func (m *Manager) SetRemoveFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeErr = err
}

// SetExcludeFailure makes subsequent SetExcludedPrefixes calls fail with err.
func (m *Manager) SetExcludeFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.excludeErr = err
}

// SetCapacity overrides the rule capacity.
func (m *Manager) SetCapacity(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capacity = n
}

// Rules returns a snapshot of the programmed forwarding rules.
func (m *Manager) Rules() []forwarder.ForwardRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]forwarder.ForwardRule, 0, len(m.rules))
	for r := range m.rules {
		out = append(out, r)
	}
	return out
}

// Upstream returns the programmed upstream binding, or nil.
func (m *Manager) Upstream() *forwarder.UpstreamState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upstream
}

// Excluded returns a snapshot of the programmed exclusion prefixes.
func (m *Manager) Excluded() []netip.Prefix {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]netip.Prefix(nil), m.excluded...)
}
