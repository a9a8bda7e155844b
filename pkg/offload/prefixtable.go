package offload

import (
	"fmt"
	"net/netip"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/psaab/tethrx/pkg/forwarder"
)

// DownstreamEntry is one tethered (interface, prefix) pair. Prefix is held
// in masked canonical form so equal networks written differently compare
// equal.
type DownstreamEntry struct {
	Iface  string       `json:"iface"`
	Prefix netip.Prefix `json:"prefix"`
}

// Family returns the entry's address family.
func (e DownstreamEntry) Family() int {
	if e.Prefix.Addr().Is4() {
		return forwarder.FamilyV4
	}
	return forwarder.FamilyV6
}

func (e DownstreamEntry) rule() forwarder.ForwardRule {
	return forwarder.ForwardRule{Downstream: e.Iface, Prefix: e.Prefix}
}

// parseDownstream validates a raw (iface, prefix) pair.
func parseDownstream(iface, prefix string) (DownstreamEntry, error) {
	if iface == "" {
		return DownstreamEntry{}, fmt.Errorf("%w: empty downstream interface", ErrInvalidParameter)
	}
	p, err := netip.ParsePrefix(prefix)
	if err != nil {
		return DownstreamEntry{}, fmt.Errorf("%w: prefix %q: %v", ErrInvalidParameter, prefix, err)
	}
	return DownstreamEntry{Iface: iface, Prefix: p.Masked()}, nil
}

// parseLocalPrefixes validates and canonicalizes a veto prefix list.
func parseLocalPrefixes(prefixes []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(prefixes))
	for _, s := range prefixes {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("%w: local prefix %q: %v", ErrInvalidParameter, s, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// PrefixTable stores downstream entries and the local (never-forward)
// prefix set. It carries no upstream state: entries persist across
// upstream rebinds and activate whenever a matching-family upstream is
// bound. Not self-locking; the controller's mutex guards it.
type PrefixTable struct {
	entries mapset.Set[DownstreamEntry]
	local   mapset.Set[netip.Prefix]
}

// NewPrefixTable returns an empty table.
func NewPrefixTable() *PrefixTable {
	return &PrefixTable{
		entries: mapset.NewSet[DownstreamEntry](),
		local:   mapset.NewSet[netip.Prefix](),
	}
}

// Add inserts an entry. Inserting a present entry is a no-op.
func (t *PrefixTable) Add(e DownstreamEntry) {
	t.entries.Add(e)
}

// Remove deletes an entry, reporting whether it was present.
func (t *PrefixTable) Remove(e DownstreamEntry) bool {
	if !t.entries.Contains(e) {
		return false
	}
	t.entries.Remove(e)
	return true
}

// Contains reports whether the exact entry is present.
func (t *PrefixTable) Contains(e DownstreamEntry) bool {
	return t.entries.Contains(e)
}

// ConflictingIface returns the interface already holding this exact prefix
// on a different downstream, if any.
func (t *PrefixTable) ConflictingIface(e DownstreamEntry) (string, bool) {
	var owner string
	var found bool
	t.entries.Each(func(cur DownstreamEntry) bool {
		if cur.Prefix == e.Prefix && cur.Iface != e.Iface {
			owner = cur.Iface
			found = true
			return true // stop
		}
		return false
	})
	return owner, found
}

// Entries returns all entries, sorted by interface then prefix.
func (t *PrefixTable) Entries() []DownstreamEntry {
	out := t.entries.ToSlice()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Iface != out[j].Iface {
			return out[i].Iface < out[j].Iface
		}
		return out[i].Prefix.String() < out[j].Prefix.String()
	})
	return out
}

// RulesForFamilies returns forwarding rules for every entry whose family
// is enabled, in deterministic order.
func (t *PrefixTable) RulesForFamilies(v4, v6 bool) []forwarder.ForwardRule {
	var rules []forwarder.ForwardRule
	for _, e := range t.Entries() {
		switch e.Family() {
		case forwarder.FamilyV4:
			if v4 {
				rules = append(rules, e.rule())
			}
		case forwarder.FamilyV6:
			if v6 {
				rules = append(rules, e.rule())
			}
		}
	}
	return rules
}

// Len returns the number of downstream entries.
func (t *PrefixTable) Len() int {
	return t.entries.Cardinality()
}

// SetLocal replaces the local prefix set.
func (t *PrefixTable) SetLocal(prefixes []netip.Prefix) {
	next := mapset.NewSet[netip.Prefix]()
	for _, p := range prefixes {
		next.Add(p)
	}
	t.local = next
}

// LocalPrefixes returns the local set, sorted.
func (t *PrefixTable) LocalPrefixes() []netip.Prefix {
	out := t.local.ToSlice()
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

// ClearAll empties both the downstream entries and the local set.
func (t *PrefixTable) ClearAll() {
	t.entries.Clear()
	t.local.Clear()
}
