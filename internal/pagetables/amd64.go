package pagetables

import (
	"encoding/binary"

	"github.com/obhv/obhv/internal/debug"
)

// x86-64 4 KiB granule, 4-level paging (PML4 -> PDPT -> PDT -> PT), long
// mode. Only Present|RW are ever set on any entry, leaf or otherwise;
// Attr is not encoded into x86 leaf flags (no PCD/PWT, no U/S, no NX,
// no PAT) - it is meaningful only to the AArch64 builder.
const (
	amd64PageSize    = 0x1000
	amd64EntryBytes  = 8
	amd64EntryCount  = 512
	amd64TableBytes  = amd64EntryCount * amd64EntryBytes
	amd64FlagPresent = 1 << 0
	amd64FlagWrite   = 1 << 1
)

func amd64SetEntry(mem []byte, idx uint64, val uint64) {
	binary.LittleEndian.PutUint64(mem[idx*amd64EntryBytes:idx*amd64EntryBytes+amd64EntryBytes], val)
}

func amd64GetEntry(mem []byte, idx uint64) uint64 {
	return binary.LittleEndian.Uint64(mem[idx*amd64EntryBytes : idx*amd64EntryBytes+amd64EntryBytes])
}

type amd64Walker struct {
	alloc  Allocator
	pml4PA uint64
	pml4   []byte
	pdpts  map[uint64]tableHandle
	pdts   map[uint64]tableHandle
	pts    map[uint64]tableHandle
	mapped map[uint64]bool
}

type tableHandle struct {
	pa  uint64
	mem []byte
}

func newAmd64Walker(alloc Allocator) (*amd64Walker, error) {
	pa, mem, err := allocZeroedTable(alloc, amd64TableBytes, Level0)
	if err != nil {
		return nil, err
	}
	return &amd64Walker{
		alloc:  alloc,
		pml4PA: pa,
		pml4:   mem,
		pdpts:  make(map[uint64]tableHandle),
		pdts:   make(map[uint64]tableHandle),
		pts:    make(map[uint64]tableHandle),
		mapped: make(map[uint64]bool),
	}, nil
}

// compositeKey packs the indices seen so far into a single map key so
// that sibling branches of the tree (same PML4 index, different PDPT
// index, say) don't collide. Each index gets 11 bits, enough for both
// the 9-bit amd64 and the 11-bit aarch64 table indices.
func compositeKey(parts ...uint64) uint64 {
	var k uint64
	for _, p := range parts {
		k = (k << 11) | (p & 0x7FF)
	}
	return k
}

func (w *amd64Walker) getOrCreate(cache map[uint64]tableHandle, key uint64, level Level) (tableHandle, error) {
	if h, ok := cache[key]; ok {
		return h, nil
	}
	pa, mem, err := allocZeroedTable(w.alloc, amd64TableBytes, level)
	if err != nil {
		return tableHandle{}, err
	}
	h := tableHandle{pa: pa, mem: mem}
	cache[key] = h
	return h, nil
}

func (w *amd64Walker) mapPage(va, pa uint64, attr uint8) error {
	page := va &^ uint64(amd64PageSize-1)
	if w.mapped[page] {
		return &DuplicatedVirtualAddrError{VAddr: page}
	}

	i4 := (va >> 39) & 0x1FF
	i3 := (va >> 30) & 0x1FF
	i2 := (va >> 21) & 0x1FF
	i1 := (va >> 12) & 0x1FF

	pdpt, err := w.getOrCreate(w.pdpts, compositeKey(i4), Level1)
	if err != nil {
		return err
	}
	amd64SetEntry(w.pml4, i4, pdpt.pa|amd64FlagWrite|amd64FlagPresent)

	pdt, err := w.getOrCreate(w.pdts, compositeKey(i4, i3), Level2)
	if err != nil {
		return err
	}
	amd64SetEntry(pdpt.mem, i3, pdt.pa|amd64FlagWrite|amd64FlagPresent)

	pt, err := w.getOrCreate(w.pts, compositeKey(i4, i3, i2), Level3)
	if err != nil {
		return err
	}
	amd64SetEntry(pdt.mem, i2, pt.pa|amd64FlagWrite|amd64FlagPresent)

	amd64SetEntry(pt.mem, i1, pa|amd64FlagWrite|amd64FlagPresent)
	w.mapped[page] = true
	return nil
}

func buildAMD64(alloc Allocator, allocs []AllocInfo, physVAddr uint64, mappings []PhysMapping) (uint64, error) {
	w, err := newAmd64Walker(alloc)
	if err != nil {
		return 0, err
	}

	for _, a := range allocs {
		for off := uint64(0); off < a.Len; off += amd64PageSize {
			if err := w.mapPage(a.VAddr+off, a.PAddr+off, a.Attr); err != nil {
				return 0, err
			}
		}
	}
	for _, m := range mappings {
		for off := uint64(0); off < m.Len; off += amd64PageSize {
			if err := w.mapPage(physVAddr+m.PA+off, m.PA+off, m.Attr); err != nil {
				return 0, err
			}
		}
	}
	debug.Writef("pagetables.amd64", "built root table at pa=0x%x (%d allocs, %d mappings)", w.pml4PA, len(allocs), len(mappings))
	return w.pml4PA, nil
}
