//go:build darwin && arm64

package hvf

import (
	"testing"

	"github.com/obhv/obhv/internal/ram"
)

func checkHVFAvailable(t testing.TB) {
	t.Helper()

	h, err := Open()
	if err != nil {
		t.Skipf("HVF not available: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close HVF hypervisor: %v", err)
	}
}

func newTestGuestRam(t testing.TB, length uint64) (*ram.GuestRam, *ram.ForwardMapper) {
	t.Helper()

	var fwd ram.ForwardMapper
	guestRam, err := ram.New(0x4000, length, &fwd)
	if err != nil {
		t.Fatalf("create guest ram: %v", err)
	}
	t.Cleanup(func() { guestRam.Dealloc(0, length) })
	return guestRam, &fwd
}

func TestOpen(t *testing.T) {
	checkHVFAvailable(t)

	h, err := Open()
	if err != nil {
		t.Fatalf("Open HVF hypervisor: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close HVF hypervisor: %v", err)
	}
}

func TestNewVirtualMachine(t *testing.T) {
	checkHVFAvailable(t)

	h, err := Open()
	if err != nil {
		t.Fatalf("Open HVF hypervisor: %v", err)
	}
	defer h.Close()

	guestRam, fwd := newTestGuestRam(t, 0x200000)

	vm, err := h.NewVirtualMachine(1, guestRam)
	if err != nil {
		t.Fatalf("Create HVF virtual machine: %v", err)
	}
	fwd.SetTarget(vm.(ram.Mapper))

	if err := vm.Close(); err != nil {
		t.Fatalf("Close HVF virtual machine: %v", err)
	}
}
