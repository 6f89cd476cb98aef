package ram

import (
	"fmt"

	"github.com/obhv/obhv/internal/pagetables"
)

// BuilderError reports a failure while staging guest memory for boot.
type BuilderError struct {
	Op  string
	Err error
}

func (e *BuilderError) Error() string { return fmt.Sprintf("ram: builder: %s: %v", e.Op, e.Err) }
func (e *BuilderError) Unwrap() error { return e.Err }

// Builder lays out a guest's initial memory image - kernel image,
// initrd, device tree blob, page tables - as a single bump allocation
// over a GuestRam, then hands the staged layout to internal/pagetables
// to build the guest's page tables in place.
//
// A Builder is single-use: once BuildPageTables has been called it
// should be discarded.
type Builder struct {
	ram    *GuestRam
	next   uint64
	allocs []pagetables.AllocInfo
	locks  []*LockedMem
}

// NewBuilder starts staging allocations at guest-physical address 0.
func NewBuilder(ram *GuestRam) *Builder {
	return &Builder{ram: ram}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// AllocKernel reserves length bytes (rounded up to the guest page size)
// at the next bump-pointer position, records it as mapping to vaddr
// with page attribute attr, and returns a writable host view of the
// freshly committed range so the caller can copy the kernel image,
// initrd, or similar payload directly into guest RAM.
//
// The backing LockedMem is held for the Builder's lifetime: boot-staged
// memory stays pinned so nothing can race a Dealloc against it before
// the guest starts running.
func (b *Builder) AllocKernel(vaddr uint64, length uint64, attr uint8) ([]byte, error) {
	length = alignUp(length, b.ram.VMPageSize())

	lm, err := b.ram.Alloc(b.next, length)
	if err != nil {
		return nil, &BuilderError{Op: "alloc_kernel", Err: err}
	}

	b.allocs = append(b.allocs, pagetables.AllocInfo{
		VAddr: vaddr,
		PAddr: b.next,
		Len:   length,
		Attr:  attr,
	})
	b.locks = append(b.locks, lm)

	data := lm.Bytes()
	b.next += length
	return data, nil
}

// AllocTable satisfies pagetables.Allocator: it services page-table
// storage requests from the same bump pointer as AllocKernel, so tables
// and kernel regions share one contiguous, monotonically growing image.
func (b *Builder) AllocTable(size uint64) (uint64, []byte, error) {
	size = alignUp(size, b.ram.VMPageSize())

	lm, err := b.ram.Alloc(b.next, size)
	if err != nil {
		return 0, nil, &BuilderError{Op: "alloc_table", Err: err}
	}
	b.locks = append(b.locks, lm)

	pa := b.next
	b.next += size
	return pa, lm.Bytes(), nil
}

// BuildPageTables constructs page tables for arch mapping every staged
// AllocKernel region plus a linear physical-memory aperture based at
// physVAddr, and returns the guest-physical address of the root table.
func (b *Builder) BuildPageTables(arch pagetables.Arch, physVAddr uint64, mappings []pagetables.PhysMapping) (uint64, error) {
	rootPA, err := pagetables.Build(b, arch, b.allocs, physVAddr, mappings)
	if err != nil {
		return 0, &BuilderError{Op: "build_page_tables", Err: err}
	}
	return rootPA, nil
}

// Allocs returns the staged kernel allocations recorded so far, in the
// order they were made.
func (b *Builder) Allocs() []pagetables.AllocInfo {
	return append([]pagetables.AllocInfo(nil), b.allocs...)
}

// Next returns the current bump-pointer position: the guest-physical
// address the next AllocKernel or AllocTable call will use.
func (b *Builder) Next() uint64 {
	return b.next
}
