//go:build windows

package hostmem

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

func pageSize() uintptr {
	var info windows.SystemInfo
	windows.GetSystemInfo(&info)
	return uintptr(info.PageSize)
}

type winRegion struct {
	addr uintptr
	len  uintptr
}

func reserve(length uintptr) (Region, error) {
	addr, err := windows.VirtualAlloc(0, length, windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return nil, &Error{Op: "reserve", Err: err}
	}
	return &winRegion{addr: addr, len: length}, nil
}

func (r *winRegion) Addr() uintptr { return r.addr }
func (r *winRegion) Len() uintptr  { return r.len }

func (r *winRegion) Commit(off, length uintptr) error {
	if _, err := windows.VirtualAlloc(r.addr+off, length, windows.MEM_COMMIT, windows.PAGE_READWRITE); err != nil {
		return &Error{Op: "commit", Err: err}
	}
	return nil
}

func (r *winRegion) Decommit(off, length uintptr) error {
	if err := windows.VirtualFree(r.addr+off, length, windows.MEM_DECOMMIT); err != nil {
		return &Error{Op: "decommit", Err: err}
	}
	return nil
}

func (r *winRegion) Protect(off, length uintptr, prot Protection) error {
	var newProt uint32
	switch {
	case prot&ProtExec != 0 && prot&ProtWrite != 0:
		newProt = windows.PAGE_EXECUTE_READWRITE
	case prot&ProtExec != 0 && prot&ProtRead != 0:
		newProt = windows.PAGE_EXECUTE_READ
	case prot&ProtWrite != 0:
		newProt = windows.PAGE_READWRITE
	case prot&ProtRead != 0:
		newProt = windows.PAGE_READONLY
	default:
		newProt = windows.PAGE_NOACCESS
	}
	var old uint32
	if err := windows.VirtualProtect(r.addr+off, length, newProt, &old); err != nil {
		return &Error{Op: "protect", Err: err}
	}
	return nil
}

func (r *winRegion) Bytes(off, length uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(r.addr+off)), length)
}

func (r *winRegion) Release() error {
	if err := windows.VirtualFree(r.addr, 0, windows.MEM_RELEASE); err != nil {
		return &Error{Op: "release", Err: err}
	}
	return nil
}
