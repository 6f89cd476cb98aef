//go:build linux

package kvm

import (
	"testing"

	"github.com/obhv/obhv/internal/ram"
)

func checkKVMAvailable(t testing.TB) {
	t.Helper()

	hv, err := Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	if err := hv.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func newTestGuestRam(t testing.TB, length uint64) (*ram.GuestRam, *ram.ForwardMapper) {
	t.Helper()

	var fwd ram.ForwardMapper
	guestRam, err := ram.New(0x1000, length, &fwd)
	if err != nil {
		t.Fatalf("create guest ram: %v", err)
	}
	t.Cleanup(func() { guestRam.Dealloc(0, length) })
	return guestRam, &fwd
}

func TestOpen(t *testing.T) {
	checkKVMAvailable(t)

	hv, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}

	if err := hv.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func TestNewVirtualMachine(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	guestRam, fwd := newTestGuestRam(t, 0x200000)

	vm, err := kvm.NewVirtualMachine(1, guestRam)
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	fwd.SetTarget(vm.(ram.Mapper))

	if err := vm.Close(); err != nil {
		t.Fatalf("Close KVM virtual machine: %v", err)
	}
}
