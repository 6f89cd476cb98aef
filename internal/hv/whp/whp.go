//go:build windows

package whp

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/obhv/obhv/internal/hv"
	"github.com/obhv/obhv/internal/hv/whp/bindings"
	"github.com/obhv/obhv/internal/ram"
)

// cpu is a single WHP virtual processor. Like the kvm and hvf backends,
// every platform call against id runs on the OS thread that created it,
// funnelled through runQueue to a goroutine pinned with LockOSThread.
type cpu struct {
	vm       *virtualMachine
	runQueue chan func()
	id       int

	// pending carries a deferred register writeback for an I/O read
	// exit, resolved at the top of the next runOnce. Its concrete type
	// is arch-specific (amd64 always targets Rax; arm64 targets the
	// data-abort's decoded Srt register).
	pending *ioWriteback
}

func (c *cpu) ID() int { return c.id }

func (c *cpu) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for fn := range c.runQueue {
		fn()
	}
}

// submit runs fn on the vCPU's pinned OS thread and waits for it.
func (c *cpu) submit(fn func() error) error {
	done := make(chan error, 1)
	c.runQueue <- func() { done <- fn() }
	return <-done
}

func getRegisters(part bindings.PartitionHandle, id int, names []bindings.RegisterName) ([]bindings.RegisterValue, error) {
	values := make([]bindings.RegisterValue, len(names))
	if err := bindings.GetVirtualProcessorRegisters(part, uint32(id), names, values); err != nil {
		return nil, err
	}
	return values, nil
}

func setRegisters(part bindings.PartitionHandle, id int, names []bindings.RegisterName, values []bindings.RegisterValue) error {
	return bindings.SetVirtualProcessorRegisters(part, uint32(id), names, values)
}

// Run implements hv.Cpu.
func (c *cpu) Run(ctx context.Context) (hv.Exit, error) {
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			bindings.CancelRunVirtualProcessor(c.vm.part, uint32(c.id), 0)
		})
		defer stop()
	}

	type result struct {
		exit hv.Exit
		err  error
	}
	resultCh := make(chan result, 1)
	c.runQueue <- func() {
		exit, err := c.runOnce()
		resultCh <- result{exit, err}
	}

	r := <-resultCh
	if ctx.Err() != nil && r.exit.Kind == hv.ExitUnknown {
		return hv.Exit{}, ctx.Err()
	}
	return r.exit, r.err
}

var _ hv.Cpu = (*cpu)(nil)

// virtualMachine is a single WHP partition. It implements ram.Mapper so
// a GuestRam can register newly committed blocks via MapGPARange after
// this VM exists.
type virtualMachine struct {
	hv       *hypervisor
	part     bindings.PartitionHandle
	guestRam *ram.GuestRam

	mu     sync.Mutex
	cpus   map[int]*cpu
	closed bool
}

func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }
func (v *virtualMachine) Ram() *ram.GuestRam         { return v.guestRam }

// Map implements ram.Mapper.
func (v *virtualMachine) Map(hostAddr uintptr, guestPA uint64, length uint64) error {
	return bindings.MapGPARange(
		v.part,
		unsafe.Pointer(hostAddr), //nolint:govet // hostAddr comes from an mmap'd guest RAM block
		bindings.GuestPhysicalAddress(guestPA),
		length,
		bindings.MapGPARangeFlagRead|bindings.MapGPARangeFlagWrite|bindings.MapGPARangeFlagExecute,
	)
}

// CreateCpu implements hv.VirtualMachine.
func (v *virtualMachine) CreateCpu(id int) (hv.Cpu, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.cpus[id]; exists {
		return nil, fmt.Errorf("whp: vCPU %d already exists", id)
	}

	if err := bindings.CreateVirtualProcessor(v.part, uint32(id), 0); err != nil {
		return nil, fmt.Errorf("whp: CreateVirtualProcessor: %w", err)
	}

	c := &cpu{vm: v, id: id, runQueue: make(chan func(), 16)}
	if err := v.hv.archVCPUInit(v, c); err != nil {
		return nil, fmt.Errorf("whp: archVCPUInit: %w", err)
	}

	go c.start()

	v.cpus[id] = c
	return c, nil
}

// Close implements hv.VirtualMachine and io.Closer.
func (v *virtualMachine) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true

	for _, c := range v.cpus {
		close(c.runQueue)
	}

	if err := bindings.DeletePartition(v.part); err != nil {
		return fmt.Errorf("whp: DeletePartition: %w", err)
	}
	v.hv.vm = nil
	return nil
}

var _ hv.VirtualMachine = (*virtualMachine)(nil)

// hypervisor owns a WHP session. WHP allows multiple partitions per
// process, but this module tracks one at a time since every other
// backend does.
type hypervisor struct {
	vm *virtualMachine
}

func (h *hypervisor) Close() error {
	if h.vm != nil {
		return h.vm.Close()
	}
	return nil
}

// CpuFeatures implements hv.Hypervisor.
func (h *hypervisor) CpuFeatures() hv.CpuFeats {
	return archReadCpuFeats()
}

// NewVirtualMachine implements hv.Hypervisor.
func (h *hypervisor) NewVirtualMachine(numCpus int, guestRam *ram.GuestRam) (hv.VirtualMachine, error) {
	if h.vm != nil {
		return nil, fmt.Errorf("whp: a partition already exists in this process")
	}
	if numCpus < 1 {
		return nil, hv.ErrMaxCpuTooLow
	}

	part, err := bindings.CreatePartition()
	if err != nil {
		return nil, fmt.Errorf("whp: CreatePartition: %w", err)
	}

	if err := bindings.SetPartitionPropertyUnsafe(part, bindings.PartitionPropertyCodeProcessorCount, uint32(numCpus)); err != nil {
		bindings.DeletePartition(part)
		return nil, fmt.Errorf("whp: set processor count: %w", err)
	}

	vm := &virtualMachine{hv: h, part: part, guestRam: guestRam, cpus: make(map[int]*cpu)}

	if err := h.archVMInit(vm, numCpus); err != nil {
		bindings.DeletePartition(part)
		return nil, fmt.Errorf("whp: archVMInit: %w", err)
	}

	if err := bindings.SetupPartition(part); err != nil {
		bindings.DeletePartition(part)
		return nil, fmt.Errorf("whp: SetupPartition: %w", err)
	}

	h.vm = vm

	for _, region := range guestRam.Regions() {
		if err := vm.Map(region.HostAddr, region.GuestPA, region.Len); err != nil {
			vm.Close()
			return nil, fmt.Errorf("whp: map guest ram region at 0x%x: %w", region.GuestPA, err)
		}
	}

	return vm, nil
}

var _ hv.Hypervisor = (*hypervisor)(nil)

func Open() (hv.Hypervisor, error) {
	return &hypervisor{}, nil
}
