// Package forwarder defines the contract between the offload control plane
// and the hardware forwarding engine (switch ASIC, DSP firmware, or an eBPF
// datapath) that moves tethered traffic without CPU involvement.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
)

// Engine type constants used by the -engine flag and TETHRX_ENGINE.
const (
	KindBPF = "bpf" // default
	KindSim = "sim"
)

// Engine failure classes. Backends wrap these so the control plane can map
// a rejection onto its own error taxonomy without knowing the backend.
var (
	// ErrNotSupported means the backend cannot support offload at all on
	// this device (missing hardware, missing kernel support).
	ErrNotSupported = errors.New("offload not supported")

	// ErrTableFull means a forwarding table has no room for another rule.
	ErrTableFull = errors.New("forwarding table full")

	// ErrRejected means the engine refused a specific rule for a reason
	// other than capacity (malformed for this hardware, concurrency limit).
	ErrRejected = errors.New("rule rejected by engine")
)

// backendRegistry holds constructors for forwarding engine backends.
// Backend packages register themselves in their init().
var backendRegistry = map[string]func() (Engine, error){}

// Register registers an engine constructor for the given kind.
func Register(kind string, ctor func() (Engine, error)) {
	backendRegistry[kind] = ctor
}

// New creates an Engine of the given kind. An empty kind defaults to bpf.
func New(kind string) (Engine, error) {
	if kind == "" {
		kind = KindBPF
	}
	ctor, ok := backendRegistry[kind]
	if !ok {
		return nil, fmt.Errorf("unknown engine kind %q (valid: bpf, sim)", kind)
	}
	return ctor()
}

// Engine is the abstract forwarding engine the control plane programs.
//
// All methods are synchronous directives: they return once the engine has
// either committed the requested state or rejected it, leaving prior state
// intact. SetUpstream is transactional over the whole binding plus rule set;
// AddForward and RemoveForward are incremental. Byte counters account
// hardware-forwarded traffic only, including IP headers and excluding
// link-layer headers.
type Engine interface {
	// Open readies the engine for programming. It is the availability
	// probe: an engine that cannot support offload on this device returns
	// an error wrapping ErrNotSupported. Open may be called again after
	// Clear or Close.
	Open(ctx context.Context) error

	// Close releases engine resources. Programmed forwarding state is
	// removed. The Events channel is closed.
	Close() error

	// Capacity reports the maximum number of concurrent forwarding rules,
	// or 0 when the backend cannot tell.
	Capacity() int

	// SetUpstream atomically replaces the upstream binding and the complete
	// set of active forwarding rules. A nil upstream tears down all
	// forwarding. On error, the previously programmed binding and rules
	// are intact.
	SetUpstream(up *UpstreamState, rules []ForwardRule) error

	// AddForward programs one additional forwarding rule against the
	// current upstream. Capacity exhaustion surfaces as ErrTableFull,
	// other refusals as ErrRejected; in both cases previously programmed
	// rules are unaffected.
	AddForward(rule ForwardRule) error

	// RemoveForward removes one forwarding rule. Removing a rule that is
	// not programmed is a no-op.
	RemoveForward(rule ForwardRule) error

	// SetExcludedPrefixes atomically replaces the set of prefixes the
	// engine must never forward, regardless of upstream and rule state.
	SetExcludedPrefixes(prefixes []netip.Prefix) error

	// Clear removes all programmed state: upstream, rules, exclusions,
	// and pending counter deltas.
	Clear() error

	// FetchCounters returns bytes forwarded via the named upstream since
	// the previous fetch, and resets the pending count as part of the same
	// operation. An upstream the engine has never forwarded for reads as
	// zero.
	FetchCounters(upstream string) (CounterDelta, error)

	// Events returns the channel carrying engine-initiated conditions
	// (forwarding stopped by hardware, support restored). May return nil
	// if the backend has no event source. The channel is closed by Close.
	Events() <-chan Event
}
