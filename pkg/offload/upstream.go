package offload

import (
	"fmt"
	"net/netip"

	"github.com/psaab/tethrx/pkg/forwarder"
)

// UpstreamParams is the raw form of a "set upstream parameters" request.
// Empty strings and an empty gateway list mean absent. Absent fields are
// legal; present fields must parse.
type UpstreamParams struct {
	Iface      string
	V4Addr     string
	V4Gateway  string
	V6Gateways []string
}

// V4Binding is the complete IPv4 half of an upstream binding. It exists
// only when both the address and the gateway were supplied.
type V4Binding struct {
	Addr    netip.Addr `json:"addr"`
	Gateway netip.Addr `json:"gateway"`
}

// UpstreamBinding is the parsed, validated upstream configuration. A nil
// *UpstreamBinding means no upstream is bound. The IPv4 triple and the
// IPv6 gateway list enable their families independently.
type UpstreamBinding struct {
	Iface      string       `json:"iface"`
	V4         *V4Binding   `json:"v4,omitempty"`
	V6Gateways []netip.Addr `json:"v6_gateways,omitempty"`
}

// V4Active reports whether IPv4 forwarding is enabled by this binding.
func (b *UpstreamBinding) V4Active() bool {
	return b != nil && b.V4 != nil
}

// V6Active reports whether IPv6 forwarding is enabled by this binding.
func (b *UpstreamBinding) V6Active() bool {
	return b != nil && len(b.V6Gateways) > 0
}

// FamilyActive reports whether the given family is enabled.
func (b *UpstreamBinding) FamilyActive(family int) bool {
	switch family {
	case forwarder.FamilyV4:
		return b.V4Active()
	case forwarder.FamilyV6:
		return b.V6Active()
	}
	return false
}

// Forwarding reports whether at least one family is enabled.
func (b *UpstreamBinding) Forwarding() bool {
	return b.V4Active() || b.V6Active()
}

// engineState converts the binding to the engine's upstream form.
func (b *UpstreamBinding) engineState() *forwarder.UpstreamState {
	if b == nil {
		return nil
	}
	st := &forwarder.UpstreamState{Iface: b.Iface}
	if b.V4 != nil {
		st.V4Addr = b.V4.Addr
		st.V4Gateway = b.V4.Gateway
	}
	st.V6Gateways = append([]netip.Addr(nil), b.V6Gateways...)
	return st
}

// parseUpstreamParams validates and normalizes raw upstream parameters.
//
// An absent iface clears the binding entirely (nil, nil). An incomplete
// IPv4 triple disables IPv4 rather than failing; a present-but-malformed
// value fails with ErrInvalidParameter. Same for each IPv6 gateway.
func parseUpstreamParams(p UpstreamParams) (*UpstreamBinding, error) {
	if p.Iface == "" {
		return nil, nil
	}
	b := &UpstreamBinding{Iface: p.Iface}

	if p.V4Addr != "" && p.V4Gateway != "" {
		addr, err := parseV4(p.V4Addr)
		if err != nil {
			return nil, fmt.Errorf("%w: v4 address %q: %v", ErrInvalidParameter, p.V4Addr, err)
		}
		gw, err := parseV4(p.V4Gateway)
		if err != nil {
			return nil, fmt.Errorf("%w: v4 gateway %q: %v", ErrInvalidParameter, p.V4Gateway, err)
		}
		b.V4 = &V4Binding{Addr: addr, Gateway: gw}
	} else if p.V4Addr != "" || p.V4Gateway != "" {
		// Incomplete triple: IPv4 stays down, the other family is
		// unaffected. Still reject garbage in the present field.
		present := p.V4Addr
		if present == "" {
			present = p.V4Gateway
		}
		if _, err := parseV4(present); err != nil {
			return nil, fmt.Errorf("%w: v4 parameter %q: %v", ErrInvalidParameter, present, err)
		}
	}

	for _, g := range p.V6Gateways {
		gw, err := parseV6(g)
		if err != nil {
			return nil, fmt.Errorf("%w: v6 gateway %q: %v", ErrInvalidParameter, g, err)
		}
		b.V6Gateways = append(b.V6Gateways, gw)
	}
	return b, nil
}

func parseV4(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("not an IPv4 address")
	}
	return addr, nil
}

func parseV6(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	if addr.Is4() || addr.Is4In6() {
		return netip.Addr{}, fmt.Errorf("not an IPv6 address")
	}
	return addr, nil
}
