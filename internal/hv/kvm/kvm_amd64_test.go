//go:build linux && amd64

package kvm

import (
	"context"
	"testing"

	"github.com/obhv/obhv/internal/hv"
	"github.com/obhv/obhv/internal/pagetables"
	"github.com/obhv/obhv/internal/ram"
)

// testBumpAllocator hands out successive pages from a GuestRam for
// page-table storage, committing each one as it goes.
type testBumpAllocator struct {
	t        testing.TB
	guestRam *ram.GuestRam
	next     uint64
}

func (a *testBumpAllocator) AllocTable(size uint64) (uint64, []byte, error) {
	a.t.Helper()

	const pageSize = 0x1000
	n := (size + pageSize - 1) &^ (pageSize - 1)

	pa := a.next
	a.next += n

	lm, err := a.guestRam.Alloc(pa, n)
	if err != nil {
		return 0, nil, err
	}
	defer lm.Close()

	return pa, lm.Bytes(), nil
}

// writeCode commits a page at pa and copies code into its start.
func writeCode(t testing.TB, guestRam *ram.GuestRam, pa uint64, code []byte) {
	t.Helper()

	const pageSize = 0x1000
	lm, err := guestRam.Alloc(pa, pageSize)
	if err != nil {
		t.Fatalf("allocate code page: %v", err)
	}
	defer lm.Close()

	copy(lm.Bytes(), code)
}

const (
	testCodeBase  = 0x100000
	testStackBase = 0x180000
	testTableBase = 0x1a0000
)

func setupLongModeCPU(t testing.TB, vm hv.VirtualMachine, guestRam *ram.GuestRam, code []byte) hv.Cpu {
	t.Helper()

	writeCode(t, guestRam, testCodeBase, code)

	alloc := &testBumpAllocator{t: t, guestRam: guestRam, next: testTableBase}
	pml4, err := pagetables.Build(alloc, pagetables.ArchAMD64, []pagetables.AllocInfo{
		{VAddr: testCodeBase, PAddr: testCodeBase, Len: 0x1000},
		{VAddr: testStackBase, PAddr: testStackBase, Len: 0x1000},
	}, 0, nil)
	if err != nil {
		t.Fatalf("build page tables: %v", err)
	}

	if _, err := guestRam.Alloc(testStackBase, 0x1000); err != nil {
		t.Fatalf("allocate stack page: %v", err)
	}

	cpu, err := vm.CreateCpu(0)
	if err != nil {
		t.Fatalf("create vCPU: %v", err)
	}

	states, err := cpu.States()
	if err != nil {
		t.Fatalf("get vCPU states: %v", err)
	}
	amd64States, ok := states.(*AMD64States)
	if !ok {
		t.Fatalf("unexpected States type %T", states)
	}

	amd64States.SetLongMode(pml4, 0x8, 0x10)
	amd64States.SetRip(testCodeBase)
	amd64States.SetRsp(testStackBase + 0x1000)

	if err := amd64States.Commit(); err != nil {
		t.Fatalf("commit vCPU states: %v", err)
	}

	return cpu
}

func newTestVM(t testing.TB) (hv.Hypervisor, hv.VirtualMachine, *ram.GuestRam) {
	t.Helper()
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	t.Cleanup(func() { kvm.Close() })

	guestRam, fwd := newTestGuestRam(t, 0x400000)

	vm, err := kvm.NewVirtualMachine(1, guestRam)
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	t.Cleanup(func() { vm.Close() })
	fwd.SetTarget(vm.(ram.Mapper))

	return kvm, vm, guestRam
}

func TestRunSimpleHalt(t *testing.T) {
	_, vm, guestRam := newTestVM(t)

	cpu := setupLongModeCPU(t, vm, guestRam, []byte{0xf4}) // hlt

	exit, err := cpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run vCPU: %v", err)
	}
	if err := exit.IntoHalt(); err != nil {
		t.Fatalf("expected halt exit, got %+v: %v", exit, err)
	}
}

func TestRunSimpleAddition(t *testing.T) {
	_, vm, guestRam := newTestVM(t)

	code := []byte{
		0xb8, 0x28, 0x00, 0x00, 0x00, // mov eax, 40
		0x83, 0xc0, 0x02, // add eax, 2
		0xf4, // hlt
	}
	cpu := setupLongModeCPU(t, vm, guestRam, code)

	exit, err := cpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run vCPU: %v", err)
	}
	if err := exit.IntoHalt(); err != nil {
		t.Fatalf("expected halt exit, got %+v: %v", exit, err)
	}

	states, err := cpu.States()
	if err != nil {
		t.Fatalf("get vCPU states: %v", err)
	}
	amd64States := states.(*AMD64States)

	if rax := amd64States.Rax(); rax != 42 {
		t.Fatalf("unexpected RAX value: got %d, want 42", rax)
	}
}
