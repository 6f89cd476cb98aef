//go:build windows

package whp

import (
	"testing"

	"github.com/obhv/obhv/internal/ram"
)

func checkWHPAvailable(t testing.TB) {
	t.Helper()

	h, err := Open()
	if err != nil {
		t.Skipf("WHP not available: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close WHP hypervisor: %v", err)
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
	checkWHPAvailable(t)

	h, err := Open()
	if err != nil {
		t.Fatalf("Open WHP hypervisor: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close WHP hypervisor: %v", err)
	}
}

func TestNewVirtualMachine(t *testing.T) {
	checkWHPAvailable(t)

	h, err := Open()
	if err != nil {
		t.Fatalf("Open WHP hypervisor: %v", err)
	}
	defer h.Close()

	guestRam, fwd := newTestGuestRam(t, 0x200000)

	vm, err := h.NewVirtualMachine(1, guestRam)
	if err != nil {
		t.Fatalf("Create WHP virtual machine: %v", err)
	}
	fwd.SetTarget(vm.(ram.Mapper))

	if err := vm.Close(); err != nil {
		t.Fatalf("Close WHP virtual machine: %v", err)
	}
}
