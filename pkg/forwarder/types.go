package forwarder

import "net/netip"

// Address families used to decide rule eligibility.
const (
	FamilyV4 = 4
	FamilyV6 = 6
)

// UpstreamState is the upstream binding handed to the engine. The IPv4 side
// is enabled only when both Addr and Gateway are set; the IPv6 side is
// enabled when at least one gateway is present.
type UpstreamState struct {
	Iface      string
	V4Addr     netip.Addr
	V4Gateway  netip.Addr
	V6Gateways []netip.Addr
}

// V4Enabled reports whether the IPv4 half of the binding carries the full
// address/gateway pair.
func (u *UpstreamState) V4Enabled() bool {
	return u.V4Addr.IsValid() && u.V4Gateway.IsValid()
}

// V6Enabled reports whether the binding carries at least one IPv6 gateway.
func (u *UpstreamState) V6Enabled() bool {
	return len(u.V6Gateways) > 0
}

// ForwardRule identifies one downstream subnet whose traffic the engine
// forwards to and from the current upstream. Prefix is in masked canonical
// form.
type ForwardRule struct {
	Downstream string
	Prefix     netip.Prefix
}

// Family returns FamilyV4 or FamilyV6 for the rule's prefix.
func (r ForwardRule) Family() int {
	if r.Prefix.Addr().Is4() {
		return FamilyV4
	}
	return FamilyV6
}

// CounterDelta is the number of bytes the engine forwarded since the last
// destructive fetch.
type CounterDelta struct {
	RxBytes uint64
	TxBytes uint64
}

// EventKind classifies engine-initiated conditions.
type EventKind int

const (
	// EventStopped reports that the engine ceased forwarding on its own
	// (internal fault, firmware reset). The engine has already dropped
	// its forwarding state when this is delivered.
	EventStopped EventKind = iota

	// EventStoppedUnsupported reports that the engine ceased forwarding
	// and can no longer offload on this device at all (firmware
	// downgrade, resource revoked). Also delivered with state dropped.
	EventStoppedUnsupported

	// EventSupportAvailable reports that an engine previously unable to
	// offload can now do so.
	EventSupportAvailable
)

// Event is an engine-initiated condition delivered on the Events channel.
type Event struct {
	Kind     EventKind
	Upstream string
	Reason   string
}
