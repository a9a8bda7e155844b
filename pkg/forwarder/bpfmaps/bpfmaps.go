// Package bpfmaps implements the forwarding engine on pinned eBPF maps.
//
// The control plane owns the maps: LPM tries for forward and exclude
// prefixes, an array holding the upstream config, a per-CPU hash of byte
// counters, and a ring buffer for datapath-initiated events. The datapath
// programs that consume them are loaded separately by the platform driver
// and attach to the same pins under the pin path.
package bpfmaps

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/psaab/tethrx/pkg/forwarder"
)

// Manager programs tether offload state into pinned eBPF maps.
type Manager struct {
	mu      sync.Mutex
	pinPath string
	opened  bool

	nl   *netlink.Handle
	maps map[string]*ebpf.Map
	rd   *ringbuf.Reader

	events chan forwarder.Event
	done   chan struct{}

	// mirrors of programmed state, for net-effect updates and rollback
	programmed map[forwarder.ForwardRule]struct{}
	excluded   map[netip.Prefix]struct{}
	upstream   *forwarder.UpstreamState

	ifindexByName map[string]uint32
	nameByIfindex map[uint32]string
}

var _ forwarder.Engine = (*Manager)(nil)

func init() {
	forwarder.Register(forwarder.KindBPF, func() (forwarder.Engine, error) {
		return NewManager(DefaultPinPath), nil
	})
}

// NewManager returns an unopened BPF engine pinning its maps under pinPath.
func NewManager(pinPath string) *Manager {
	return &Manager{
		pinPath:       pinPath,
		maps:          make(map[string]*ebpf.Map),
		programmed:    make(map[forwarder.ForwardRule]struct{}),
		excluded:      make(map[netip.Prefix]struct{}),
		ifindexByName: make(map[string]uint32),
		nameByIfindex: make(map[uint32]string),
	}
}

// Open creates the pinned maps and starts the event reader. Failure to
// create maps means the kernel cannot host the tether datapath, so the
// error wraps forwarder.ErrNotSupported. Stale table contents from a
// previous incarnation are cleared.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opened {
		return nil
	}

	h, err := netlink.NewHandle()
	if err != nil {
		return fmt.Errorf("netlink handle: %w", err)
	}

	if err := os.MkdirAll(m.pinPath, 0o755); err != nil {
		h.Close()
		return fmt.Errorf("%w: pin path %s: %w", forwarder.ErrNotSupported, m.pinPath, err)
	}
	if err := m.createMaps(); err != nil {
		h.Close()
		m.closeMapsLocked()
		return fmt.Errorf("%w: %w", forwarder.ErrNotSupported, err)
	}

	evm, err := m.mapByName("tether_events")
	if err != nil {
		h.Close()
		m.closeMapsLocked()
		return err
	}
	rd, err := ringbuf.NewReader(evm)
	if err != nil {
		h.Close()
		m.closeMapsLocked()
		return fmt.Errorf("%w: event reader: %w", forwarder.ErrNotSupported, err)
	}

	m.nl = h
	m.rd = rd
	m.events = make(chan forwarder.Event, 16)
	m.done = make(chan struct{})
	m.opened = true

	// A fresh control plane starts with empty tables even if pins
	// survived a crash.
	if err := m.clearLocked(); err != nil {
		slog.Warn("stale tether state not fully cleared", "err", err)
	}

	go m.readEvents()

	slog.Info("bpf engine opened", "pin_path", m.pinPath, "capacity", maxForwardEntries)
	return nil
}

// Close clears programmed state and releases all map and netlink resources.
func (m *Manager) Close() error {
	m.mu.Lock()
	if !m.opened {
		m.mu.Unlock()
		return nil
	}
	m.opened = false
	rd := m.rd
	done := m.done
	m.mu.Unlock()

	// Unblocks the reader, which closes the events channel on exit.
	rd.Close()
	<-done

	m.mu.Lock()
	defer m.mu.Unlock()
	var errs *multierror.Error
	if err := m.clearLocked(); err != nil {
		errs = multierror.Append(errs, err)
	}
	m.closeMapsLocked()
	m.nl.Close()
	m.nl = nil
	m.rd = nil
	return errs.ErrorOrNil()
}

func (m *Manager) closeMapsLocked() {
	for name, bm := range m.maps {
		bm.Close()
		delete(m.maps, name)
	}
}

func (m *Manager) Capacity() int {
	return maxForwardEntries
}

// SetUpstream atomically replaces the upstream config and forward tries.
// All interface names are resolved before anything is written; a mid-way
// trie failure rolls back the entries added so far.
func (m *Manager) SetUpstream(up *forwarder.UpstreamState, rules []forwarder.ForwardRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return fmt.Errorf("engine not open")
	}

	if up == nil {
		var errs *multierror.Error
		if err := m.writeUpstreamLocked(nil); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := m.clearTrieV4("tether_forward_v4"); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := m.clearTrieV6("tether_forward_v6"); err != nil {
			errs = multierror.Append(errs, err)
		}
		m.programmed = make(map[forwarder.ForwardRule]struct{})
		m.upstream = nil
		return errs.ErrorOrNil()
	}

	if _, err := m.resolveLocked(up.Iface); err != nil {
		return fmt.Errorf("upstream %s: %w", up.Iface, err)
	}
	for _, r := range rules {
		if _, err := m.resolveLocked(r.Downstream); err != nil {
			return fmt.Errorf("downstream %s: %w: %w", r.Downstream, forwarder.ErrRejected, err)
		}
	}

	target := make(map[forwarder.ForwardRule]struct{}, len(rules))
	for _, r := range rules {
		target[r] = struct{}{}
	}

	var added []forwarder.ForwardRule
	rollback := func() {
		for _, r := range added {
			if err := m.deletePrefix("tether_forward_v4", "tether_forward_v6", r.Prefix); err != nil {
				slog.Error("rollback of forward entry failed", "prefix", r.Prefix, "err", err)
			}
		}
	}

	for r := range target {
		if _, ok := m.programmed[r]; ok {
			continue
		}
		if err := m.writeRuleLocked(r); err != nil {
			rollback()
			return err
		}
		added = append(added, r)
	}

	if err := m.writeUpstreamLocked(up); err != nil {
		rollback()
		return fmt.Errorf("upstream config: %w", err)
	}

	for r := range m.programmed {
		if _, ok := target[r]; ok {
			continue
		}
		if err := m.deletePrefix("tether_forward_v4", "tether_forward_v6", r.Prefix); err != nil {
			slog.Warn("removing stale forward entry failed", "prefix", r.Prefix, "err", err)
		}
	}

	m.programmed = target
	m.upstream = up
	return nil
}

func (m *Manager) AddForward(rule forwarder.ForwardRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return fmt.Errorf("engine not open")
	}
	if _, ok := m.programmed[rule]; ok {
		return nil
	}
	if _, err := m.resolveLocked(rule.Downstream); err != nil {
		return fmt.Errorf("downstream %s: %w: %w", rule.Downstream, forwarder.ErrRejected, err)
	}
	if err := m.writeRuleLocked(rule); err != nil {
		return err
	}
	m.programmed[rule] = struct{}{}
	return nil
}

func (m *Manager) RemoveForward(rule forwarder.ForwardRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return fmt.Errorf("engine not open")
	}
	if err := m.deletePrefix("tether_forward_v4", "tether_forward_v6", rule.Prefix); err != nil {
		return fmt.Errorf("remove %s: %w", rule.Prefix, err)
	}
	delete(m.programmed, rule)
	return nil
}

// SetExcludedPrefixes replaces the exclude tries with the given set,
// net-effect against the mirror, with rollback on a mid-way failure.
func (m *Manager) SetExcludedPrefixes(prefixes []netip.Prefix) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return fmt.Errorf("engine not open")
	}

	target := make(map[netip.Prefix]struct{}, len(prefixes))
	for _, p := range prefixes {
		target[p] = struct{}{}
	}

	var added []netip.Prefix
	for p := range target {
		if _, ok := m.excluded[p]; ok {
			continue
		}
		if err := m.writePrefix("tether_exclude_v4", "tether_exclude_v6", p, uint8(1)); err != nil {
			for _, q := range added {
				m.deletePrefix("tether_exclude_v4", "tether_exclude_v6", q)
			}
			return fmt.Errorf("exclude %s: %w", p, wrapTableErr(err))
		}
		added = append(added, p)
	}
	for p := range m.excluded {
		if _, ok := target[p]; ok {
			continue
		}
		if err := m.deletePrefix("tether_exclude_v4", "tether_exclude_v6", p); err != nil {
			slog.Warn("removing stale exclude entry failed", "prefix", p, "err", err)
		}
	}

	m.excluded = target
	return nil
}

// Clear removes all programmed state. Errors are aggregated so every table
// gets a removal attempt.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return fmt.Errorf("engine not open")
	}
	return m.clearLocked()
}

func (m *Manager) clearLocked() error {
	var errs *multierror.Error
	if err := m.writeUpstreamLocked(nil); err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, name := range []string{"tether_forward_v4", "tether_exclude_v4"} {
		if err := m.clearTrieV4(name); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("clear %s: %w", name, err))
		}
	}
	for _, name := range []string{"tether_forward_v6", "tether_exclude_v6"} {
		if err := m.clearTrieV6(name); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("clear %s: %w", name, err))
		}
	}
	if err := m.drainCounterMap(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("drain counters: %w", err))
	}
	m.programmed = make(map[forwarder.ForwardRule]struct{})
	m.excluded = make(map[netip.Prefix]struct{})
	m.upstream = nil
	return errs.ErrorOrNil()
}

// FetchCounters reads and resets the per-CPU byte counters for the named
// upstream in one map operation.
func (m *Manager) FetchCounters(upstream string) (forwarder.CounterDelta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return forwarder.CounterDelta{}, fmt.Errorf("engine not open")
	}

	ifindex, ok := m.ifindexByName[upstream]
	if !ok {
		idx, err := m.resolveLocked(upstream)
		if err != nil {
			// Nothing was ever forwarded via an interface that does
			// not exist.
			return forwarder.CounterDelta{}, nil
		}
		ifindex = idx
	}

	bm, err := m.mapByName("tether_counters")
	if err != nil {
		return forwarder.CounterDelta{}, err
	}
	var perCPU []CounterValue
	if err := bm.LookupAndDelete(ifindex, &perCPU); err != nil {
		if isKeyNotExist(err) {
			return forwarder.CounterDelta{}, nil
		}
		return forwarder.CounterDelta{}, fmt.Errorf("counters for %s: %w", upstream, err)
	}
	var total forwarder.CounterDelta
	for _, v := range perCPU {
		total.RxBytes += v.RxBytes
		total.TxBytes += v.TxBytes
	}
	return total, nil
}

func (m *Manager) Events() <-chan forwarder.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events
}

// writeRuleLocked writes one forward trie entry.
func (m *Manager) writeRuleLocked(r forwarder.ForwardRule) error {
	ifindex, err := m.resolveLocked(r.Downstream)
	if err != nil {
		return fmt.Errorf("downstream %s: %w: %w", r.Downstream, forwarder.ErrRejected, err)
	}
	val := RuleValue{Ifindex: ifindex}
	if err := m.writePrefix("tether_forward_v4", "tether_forward_v6", r.Prefix, val); err != nil {
		return fmt.Errorf("forward %s via %s: %w", r.Prefix, r.Downstream, wrapTableErr(err))
	}
	return nil
}

// writeUpstreamLocked writes slot 0 of the upstream array. nil zeroes it.
func (m *Manager) writeUpstreamLocked(up *forwarder.UpstreamState) error {
	bm, err := m.mapByName("tether_upstream")
	if err != nil {
		return err
	}
	var val UpstreamValue
	if up != nil {
		ifindex, err := m.resolveLocked(up.Iface)
		if err != nil {
			return err
		}
		val.Ifindex = ifindex
		if up.V4Enabled() {
			val.Flags |= upstreamFlagV4
			a4 := up.V4Addr.As4()
			g4 := up.V4Gateway.As4()
			val.V4Addr = binary.BigEndian.Uint32(a4[:])
			val.V4Gateway = binary.BigEndian.Uint32(g4[:])
		}
		if up.V6Enabled() {
			val.Flags |= upstreamFlagV6
			gws := up.V6Gateways
			if len(gws) > maxV6Gateways {
				slog.Warn("truncating upstream gateway list",
					"iface", up.Iface, "count", len(gws), "max", maxV6Gateways)
				gws = gws[:maxV6Gateways]
			}
			val.V6Count = uint32(len(gws))
			for i, gw := range gws {
				a := gw.As16()
				copy(val.V6Gateways[i][:], a[:])
			}
		}
	}
	return bm.Update(uint32(0), val, ebpf.UpdateAny)
}

// resolveLocked resolves an interface name to its ifindex, caching the
// result for counter reads and event decoding.
func (m *Manager) resolveLocked(name string) (uint32, error) {
	if idx, ok := m.ifindexByName[name]; ok {
		return idx, nil
	}
	link, err := m.nl.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("link %s: %w", name, err)
	}
	idx := uint32(link.Attrs().Index)
	m.ifindexByName[name] = idx
	m.nameByIfindex[idx] = name
	return idx, nil
}

func (m *Manager) ifaceName(ifindex uint32) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nameByIfindex[ifindex]
}

// readEvents decodes datapath event records until the ring reader closes.
func (m *Manager) readEvents() {
	defer close(m.events)
	defer close(m.done)
	for {
		rec, err := m.rd.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			slog.Warn("tether event read failed", "err", err)
			continue
		}
		var raw eventRecord
		if err := binary.Read(bytes.NewReader(rec.RawSample), binary.NativeEndian, &raw); err != nil {
			slog.Warn("malformed tether event", "len", len(rec.RawSample), "err", err)
			continue
		}
		ev, ok := m.decodeEvent(raw)
		if !ok {
			continue
		}
		select {
		case m.events <- ev:
		default:
			slog.Warn("tether event dropped", "kind", ev.Kind, "upstream", ev.Upstream)
		}
	}
}

func (m *Manager) decodeEvent(raw eventRecord) (forwarder.Event, bool) {
	switch raw.Kind {
	case eventKindStopped, eventKindStoppedUnsupported:
		name := m.ifaceName(raw.Ifindex)
		// The datapath halted on its own; drop the control-plane view
		// of its tables before reporting the stop.
		m.mu.Lock()
		if m.opened {
			if err := m.writeUpstreamLocked(nil); err != nil {
				slog.Error("zeroing upstream after datapath stop failed", "err", err)
			}
			m.clearTrieV4("tether_forward_v4")
			m.clearTrieV6("tether_forward_v6")
			m.programmed = make(map[forwarder.ForwardRule]struct{})
			m.upstream = nil
		}
		m.mu.Unlock()
		kind := forwarder.EventStopped
		if raw.Kind == eventKindStoppedUnsupported {
			kind = forwarder.EventStoppedUnsupported
		}
		return forwarder.Event{
			Kind:     kind,
			Upstream: name,
			Reason:   cstring(raw.Reason[:]),
		}, true
	case eventKindSupportAvailable:
		return forwarder.Event{Kind: forwarder.EventSupportAvailable}, true
	default:
		slog.Warn("unknown tether event kind", "kind", raw.Kind)
		return forwarder.Event{}, false
	}
}

// Cleanup removes every pinned tether map under pinPath, for recovery
// after an unclean shutdown. Must not run while a control plane is using
// the maps. An empty pinPath means DefaultPinPath.
func Cleanup(pinPath string) error {
	if pinPath == "" {
		pinPath = DefaultPinPath
	}
	var errs *multierror.Error
	for _, spec := range mapSpecs() {
		p := filepath.Join(pinPath, spec.Name)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = multierror.Append(errs, fmt.Errorf("unpin %s: %w", p, err))
		}
	}
	// The directory may hold pins that are not ours; only remove it when
	// it is empty.
	if err := os.Remove(pinPath); err != nil && !os.IsNotExist(err) {
		slog.Debug("pin directory kept", "path", pinPath, "err", err)
	}
	return errs.ErrorOrNil()
}

// wrapTableErr maps kernel capacity errors onto ErrTableFull.
func wrapTableErr(err error) error {
	if errors.Is(err, unix.E2BIG) || errors.Is(err, unix.ENOSPC) {
		return fmt.Errorf("%w: %w", forwarder.ErrTableFull, err)
	}
	return err
}

func isKeyNotExist(err error) bool {
	return errors.Is(err, ebpf.ErrKeyNotExist)
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
