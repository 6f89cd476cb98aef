package ram

import "sync"

// ForwardMapper breaks the initialization cycle between GuestRam and a
// hypervisor backend's VirtualMachine: New needs a Mapper before any
// memory exists to register with a VM, while a VirtualMachine can only
// be built once it has a GuestRam (and its host reservation) to hand to
// the platform. A caller constructs a ForwardMapper, passes it to New,
// stages or boots as needed, then calls SetTarget once the backend's VM
// exists so later Alloc calls reach it. Calls made before SetTarget are
// silently dropped - that's expected while a Builder is staging a boot
// image against a GuestRam with no VM behind it yet.
type ForwardMapper struct {
	mu     sync.Mutex
	target Mapper
}

// SetTarget installs m as the Mapper every subsequent Map call forwards
// to. Passing nil detaches the current target.
func (f *ForwardMapper) SetTarget(m Mapper) {
	f.mu.Lock()
	f.target = m
	f.mu.Unlock()
}

// Map implements Mapper.
func (f *ForwardMapper) Map(hostAddr uintptr, guestPA uint64, length uint64) error {
	f.mu.Lock()
	target := f.target
	f.mu.Unlock()

	if target == nil {
		return nil
	}
	return target.Map(hostAddr, guestPA, length)
}
