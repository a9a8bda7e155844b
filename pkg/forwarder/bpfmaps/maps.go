package bpfmaps

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

// DefaultPinPath is where the tether maps are pinned. The datapath programs
// attach to the same maps by pin name, so the path is part of the ABI with
// the driver that loads them.
const DefaultPinPath = "/sys/fs/bpf/tethrx"

// maxForwardEntries bounds each forward trie. Reported via Capacity.
const maxForwardEntries = 1024

const maxExcludeEntries = 256

// eventRingSize is the event ring buffer size in bytes (page multiple).
const eventRingSize = 1 << 16

func mapSpecs() []*ebpf.MapSpec {
	return []*ebpf.MapSpec{
		{
			Name:       "tether_forward_v4",
			Type:       ebpf.LPMTrie,
			KeySize:    8,
			ValueSize:  4,
			MaxEntries: maxForwardEntries,
			Flags:      unix.BPF_F_NO_PREALLOC,
			Pinning:    ebpf.PinByName,
		},
		{
			Name:       "tether_forward_v6",
			Type:       ebpf.LPMTrie,
			KeySize:    20,
			ValueSize:  4,
			MaxEntries: maxForwardEntries,
			Flags:      unix.BPF_F_NO_PREALLOC,
			Pinning:    ebpf.PinByName,
		},
		{
			Name:       "tether_exclude_v4",
			Type:       ebpf.LPMTrie,
			KeySize:    8,
			ValueSize:  1,
			MaxEntries: maxExcludeEntries,
			Flags:      unix.BPF_F_NO_PREALLOC,
			Pinning:    ebpf.PinByName,
		},
		{
			Name:       "tether_exclude_v6",
			Type:       ebpf.LPMTrie,
			KeySize:    20,
			ValueSize:  1,
			MaxEntries: maxExcludeEntries,
			Flags:      unix.BPF_F_NO_PREALLOC,
			Pinning:    ebpf.PinByName,
		},
		{
			Name:       "tether_upstream",
			Type:       ebpf.Array,
			KeySize:    4,
			ValueSize:  uint32(binary.Size(UpstreamValue{})),
			MaxEntries: 1,
			Pinning:    ebpf.PinByName,
		},
		{
			Name:       "tether_counters",
			Type:       ebpf.PerCPUHash,
			KeySize:    4,
			ValueSize:  uint32(binary.Size(CounterValue{})),
			MaxEntries: 16,
			Pinning:    ebpf.PinByName,
		},
		{
			Name:       "tether_events",
			Type:       ebpf.RingBuf,
			MaxEntries: eventRingSize,
			Pinning:    ebpf.PinByName,
		},
	}
}

// createMaps creates (or reopens, when already pinned) all tether maps.
func (m *Manager) createMaps() error {
	for _, spec := range mapSpecs() {
		bm, err := ebpf.NewMapWithOptions(spec, ebpf.MapOptions{PinPath: m.pinPath})
		if err != nil {
			return fmt.Errorf("create map %s: %w", spec.Name, err)
		}
		m.maps[spec.Name] = bm
	}
	return nil
}

func (m *Manager) mapByName(name string) (*ebpf.Map, error) {
	bm, ok := m.maps[name]
	if !ok {
		return nil, fmt.Errorf("%s map not found", name)
	}
	return bm, nil
}

// v4Key converts a masked IPv4 prefix to its trie key.
func v4Key(p netip.Prefix) LPMKeyV4 {
	a := p.Addr().As4()
	return LPMKeyV4{
		PrefixLen: uint32(p.Bits()),
		Addr:      binary.BigEndian.Uint32(a[:]),
	}
}

// v6Key converts a masked IPv6 prefix to its trie key.
func v6Key(p netip.Prefix) LPMKeyV6 {
	key := LPMKeyV6{PrefixLen: uint32(p.Bits())}
	a := p.Addr().As16()
	copy(key.Addr[:], a[:])
	return key
}

// writePrefix writes one trie entry, routing by address family.
func (m *Manager) writePrefix(v4Name, v6Name string, p netip.Prefix, val any) error {
	if p.Addr().Is4() {
		bm, err := m.mapByName(v4Name)
		if err != nil {
			return err
		}
		return bm.Update(v4Key(p), val, ebpf.UpdateAny)
	}
	bm, err := m.mapByName(v6Name)
	if err != nil {
		return err
	}
	return bm.Update(v6Key(p), val, ebpf.UpdateAny)
}

// deletePrefix removes one trie entry. A missing entry is not an error.
func (m *Manager) deletePrefix(v4Name, v6Name string, p netip.Prefix) error {
	var err error
	if p.Addr().Is4() {
		bm, merr := m.mapByName(v4Name)
		if merr != nil {
			return merr
		}
		err = bm.Delete(v4Key(p))
	} else {
		bm, merr := m.mapByName(v6Name)
		if merr != nil {
			return merr
		}
		err = bm.Delete(v6Key(p))
	}
	if err != nil && !isKeyNotExist(err) {
		return err
	}
	return nil
}

// clearTrieV4 deletes every entry of a v4-keyed trie.
func (m *Manager) clearTrieV4(name string) error {
	bm, err := m.mapByName(name)
	if err != nil {
		return err
	}
	var key LPMKeyV4
	iter := bm.Iterate()
	var keys []LPMKeyV4
	for iter.Next(&key, nil) {
		keys = append(keys, key)
	}
	for _, k := range keys {
		bm.Delete(k)
	}
	return iter.Err()
}

// clearTrieV6 deletes every entry of a v6-keyed trie.
func (m *Manager) clearTrieV6(name string) error {
	bm, err := m.mapByName(name)
	if err != nil {
		return err
	}
	var key LPMKeyV6
	iter := bm.Iterate()
	var keys []LPMKeyV6
	for iter.Next(&key, nil) {
		keys = append(keys, key)
	}
	for _, k := range keys {
		bm.Delete(k)
	}
	return iter.Err()
}

// drainCounterMap deletes every pending counter entry.
func (m *Manager) drainCounterMap() error {
	bm, err := m.mapByName("tether_counters")
	if err != nil {
		return err
	}
	var key uint32
	iter := bm.Iterate()
	var keys []uint32
	for iter.Next(&key, nil) {
		keys = append(keys, key)
	}
	for _, k := range keys {
		bm.Delete(k)
	}
	return iter.Err()
}
