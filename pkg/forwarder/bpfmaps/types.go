package bpfmaps

// Key and value layouts mirror the C structs consumed by the tether
// datapath programs. Field order and sizes are part of the map ABI.

// LPMKeyV4 mirrors struct lpm_key_v4 for the IPv4 forward and exclude tries.
type LPMKeyV4 struct {
	PrefixLen uint32
	Addr      uint32 // network byte order
}

// LPMKeyV6 mirrors struct lpm_key_v6 for the IPv6 forward and exclude tries.
type LPMKeyV6 struct {
	PrefixLen uint32
	Addr      [16]byte
}

// RuleValue mirrors struct tether_rule_value: the downstream ifindex the
// datapath redirects matching traffic to.
type RuleValue struct {
	Ifindex uint32
}

// Upstream config flag bits.
const (
	upstreamFlagV4 = 1 << 0
	upstreamFlagV6 = 1 << 1
)

// maxV6Gateways bounds the gateway list carried in the upstream config.
// Gateways beyond the bound are dropped with a warning; the datapath only
// consults the list for neighbor resolution hints.
const maxV6Gateways = 4

// UpstreamValue mirrors struct tether_upstream_config, slot 0 of the
// upstream array map. A zero value disables all forwarding.
type UpstreamValue struct {
	Ifindex    uint32
	Flags      uint32
	V4Addr     uint32 // network byte order
	V4Gateway  uint32 // network byte order
	V6Count    uint32
	_          uint32 // pad to 8-byte alignment
	V6Gateways [maxV6Gateways][16]byte
}

// CounterValue mirrors struct tether_counter_value, the per-CPU byte
// counters keyed by upstream ifindex.
type CounterValue struct {
	RxBytes uint64
	TxBytes uint64
}

// eventRecord mirrors struct tether_event emitted on the event ring buffer.
type eventRecord struct {
	Kind    uint32
	Ifindex uint32
	Reason  [32]byte
}

// Event kinds written by the datapath.
const (
	eventKindStopped            = 1
	eventKindSupportAvailable   = 2
	eventKindStoppedUnsupported = 3
)
