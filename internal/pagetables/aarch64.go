package pagetables

import (
	"encoding/binary"

	"github.com/obhv/obhv/internal/debug"
)

// AArch64 16 KiB granule, 4-level paging (L0 -> L1 -> L2 -> L3), 48-bit
// output address. Virtual address bit layout:
//
//	L0 = bit 47
//	L1 = bits 46..36
//	L2 = bits 35..25
//	L3 = bits 24..14
//	page offset = bits 13..0
//
// All tables are 2048 entries (16 KiB) except L0, whose allocation size
// is max(32*8, vm_page_size) since only two of its slots are
// addressable from a 48-bit VA.
const (
	aarch64PageSize   = 0x4000
	aarch64EntryBytes = 8
	aarch64L0Entries  = 32
	aarch64L123Count  = 2048
	aarch64L123Bytes  = aarch64L123Count * aarch64EntryBytes
	aarch64Valid      = 0b11 // valid + table/page
	aarch64AF         = 1 << 10
	aarch64InnerShare = 0b11 << 8
)

func aarch64SetEntry(mem []byte, idx uint64, val uint64) {
	binary.LittleEndian.PutUint64(mem[idx*aarch64EntryBytes:idx*aarch64EntryBytes+aarch64EntryBytes], val)
}

type aarch64Walker struct {
	alloc  Allocator
	l0PA   uint64
	l0     []byte
	l1s    map[uint64]tableHandle
	l2s    map[uint64]tableHandle
	l3s    map[uint64]tableHandle
	mapped map[uint64]bool
}

func newAarch64Walker(alloc Allocator) (*aarch64Walker, error) {
	// The allocator rounds requests up to its own page granularity, so
	// the L0 table ends up sized like every other table even though
	// only two of its 32 slots are reachable from a 48-bit VA.
	pa, mem, err := allocZeroedTable(alloc, aarch64L0Entries*aarch64EntryBytes, Level0)
	if err != nil {
		return nil, err
	}
	return &aarch64Walker{
		alloc:  alloc,
		l0PA:   pa,
		l0:     mem,
		l1s:    make(map[uint64]tableHandle),
		l2s:    make(map[uint64]tableHandle),
		l3s:    make(map[uint64]tableHandle),
		mapped: make(map[uint64]bool),
	}, nil
}

func (w *aarch64Walker) getOrCreate(cache map[uint64]tableHandle, key uint64, level Level) (tableHandle, error) {
	if h, ok := cache[key]; ok {
		return h, nil
	}
	pa, mem, err := allocZeroedTable(w.alloc, aarch64L123Bytes, level)
	if err != nil {
		return tableHandle{}, err
	}
	h := tableHandle{pa: pa, mem: mem}
	cache[key] = h
	return h, nil
}

func (w *aarch64Walker) mapPage(va, pa uint64, attr uint8) error {
	page := va &^ uint64(aarch64PageSize-1)
	if w.mapped[page] {
		return &DuplicatedVirtualAddrError{VAddr: page}
	}

	i0 := (va >> 47) & 0x1
	i1 := (va >> 36) & 0x7FF
	i2 := (va >> 25) & 0x7FF
	i3 := (va >> 14) & 0x7FF

	l1, err := w.getOrCreate(w.l1s, compositeKey(i0), Level1)
	if err != nil {
		return err
	}
	aarch64SetEntry(w.l0, i0, l1.pa|aarch64AF|aarch64Valid)

	l2, err := w.getOrCreate(w.l2s, compositeKey(i0, i1), Level2)
	if err != nil {
		return err
	}
	aarch64SetEntry(l1.mem, i1, l2.pa|aarch64AF|aarch64Valid)

	l3, err := w.getOrCreate(w.l3s, compositeKey(i0, i1, i2), Level3)
	if err != nil {
		return err
	}
	aarch64SetEntry(l2.mem, i2, l3.pa|aarch64AF|aarch64Valid)

	leaf := pa | (uint64(attr&0b111) << 2) | aarch64InnerShare | aarch64AF | aarch64Valid
	aarch64SetEntry(l3.mem, i3, leaf)

	w.mapped[page] = true
	return nil
}

func buildAArch64(alloc Allocator, allocs []AllocInfo, physVAddr uint64, mappings []PhysMapping) (uint64, error) {
	w, err := newAarch64Walker(alloc)
	if err != nil {
		return 0, err
	}

	for _, a := range allocs {
		for off := uint64(0); off < a.Len; off += aarch64PageSize {
			if err := w.mapPage(a.VAddr+off, a.PAddr+off, a.Attr); err != nil {
				return 0, err
			}
		}
	}
	for _, m := range mappings {
		for off := uint64(0); off < m.Len; off += aarch64PageSize {
			if err := w.mapPage(physVAddr+m.PA+off, m.PA+off, m.Attr); err != nil {
				return 0, err
			}
		}
	}
	debug.Writef("pagetables.aarch64", "built root table at pa=0x%x (%d allocs, %d mappings)", w.l0PA, len(allocs), len(mappings))
	return w.l0PA, nil
}
