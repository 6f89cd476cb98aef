//go:build linux || darwin

package hostmem

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func pageSize() uintptr {
	return uintptr(unix.Getpagesize())
}

type unixRegion struct {
	addr uintptr
	len  uintptr
	mem  []byte
}

// reserve mmaps an anonymous, inaccessible range. PROT_NONE reservations
// still occupy address space but touching them faults, which is what lets
// alloc/dealloc treat "reserved but not committed" as a distinct state
// from "committed".
func reserve(length uintptr) (Region, error) {
	mem, err := unix.Mmap(-1, 0, int(length), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, &Error{Op: "reserve", Err: err}
	}
	return &unixRegion{
		addr: uintptr(unsafe.Pointer(&mem[0])),
		len:  length,
		mem:  mem,
	}, nil
}

func (r *unixRegion) Addr() uintptr { return r.addr }
func (r *unixRegion) Len() uintptr  { return r.len }

func (r *unixRegion) Commit(off, length uintptr) error {
	if err := unix.Mprotect(r.mem[off:off+length], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return &Error{Op: "commit", Err: err}
	}
	return nil
}

func (r *unixRegion) Decommit(off, length uintptr) error {
	// Drop the physical backing first so the next commit starts zeroed,
	// then remove all access so stray guest pointers trap instead of
	// silently reading stale host memory.
	if err := unix.Madvise(r.mem[off:off+length], unix.MADV_DONTNEED); err != nil {
		return &Error{Op: "decommit", Err: err}
	}
	if err := unix.Mprotect(r.mem[off:off+length], unix.PROT_NONE); err != nil {
		return &Error{Op: "decommit", Err: err}
	}
	return nil
}

func (r *unixRegion) Protect(off, length uintptr, prot Protection) error {
	var p int
	if prot&ProtRead != 0 {
		p |= unix.PROT_READ
	}
	if prot&ProtWrite != 0 {
		p |= unix.PROT_WRITE
	}
	if prot&ProtExec != 0 {
		p |= unix.PROT_EXEC
	}
	if err := unix.Mprotect(r.mem[off:off+length], p); err != nil {
		return &Error{Op: "protect", Err: err}
	}
	return nil
}

func (r *unixRegion) Bytes(off, length uintptr) []byte {
	return r.mem[off : off+length]
}

func (r *unixRegion) Release() error {
	if err := unix.Munmap(r.mem); err != nil {
		return &Error{Op: "release", Err: err}
	}
	return nil
}
