//go:build darwin && arm64

package hvf

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/obhv/obhv/internal/debug"
	"github.com/obhv/obhv/internal/hv"
	"github.com/obhv/obhv/internal/hv/hvf/bindings"
	"github.com/obhv/obhv/internal/ram"
)

const arm64InstructionSizeBytes = 4

// ioWriteback records a pending MMIO read exit's destination register,
// resolved the next time Run is called: by then the caller has filled
// Exit.Io.Data and Run must push it into the register and advance PC
// before resuming the guest.
type ioWriteback struct {
	reg  bindings.Reg
	data []byte
}

// cpu is a single HVF vCPU. Every hv_vcpu_* call against id must run on
// the OS thread that created it, so all work - including register
// access, not just Run - is funnelled through runQueue to a goroutine
// pinned with LockOSThread.
type cpu struct {
	vm *virtualMachine

	runQueue chan func()

	id   bindings.VCPU
	exit *bindings.VcpuExit

	pending *ioWriteback
}

func (c *cpu) ID() int { return int(c.id) }

// submit runs fn on the vCPU's pinned OS thread and waits for it.
func (c *cpu) submit(fn func() error) error {
	done := make(chan error, 1)
	c.runQueue <- func() { done <- fn() }
	return <-done
}

func (c *cpu) start(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cfg := bindings.HvVcpuConfigCreate()

	var id bindings.VCPU
	var exit *bindings.VcpuExit
	if ret := bindings.HvVcpuCreate(&id, &exit, cfg); ret != bindings.HV_SUCCESS {
		ready <- fmt.Errorf("hvf: hv_vcpu_create: %w", ret)
		return
	}

	c.id = id
	c.exit = exit
	ready <- nil

	for fn := range c.runQueue {
		fn()
	}
}

// Run implements hv.Cpu.
func (c *cpu) Run(ctx context.Context) (hv.Exit, error) {
	var stop func() bool
	if ctx.Done() != nil {
		stop = context.AfterFunc(ctx, func() {
			id := c.id
			bindings.HvVcpusExit(&id, 1)
		})
	}
	if stop != nil {
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

// runOnce resolves any pending MMIO read writeback, issues one
// hv_vcpu_run, and demultiplexes the result. Must run on c's pinned
// thread.
func (c *cpu) runOnce() (hv.Exit, error) {
	if c.pending != nil {
		if err := c.resolvePendingIo(); err != nil {
			return hv.Exit{}, err
		}
	}

	if ret := bindings.HvVcpuRun(c.id); ret != bindings.HV_SUCCESS {
		return hv.Exit{}, &hv.RunError{Err: ret}
	}

	debug.Writef("hvf.Run exit", "vCPU %d exited with reason %s", c.id, c.exit.Reason)

	switch c.exit.Reason {
	case bindings.HV_EXIT_REASON_CANCELED:
		return hv.Exit{Kind: hv.ExitUnknown}, nil
	case bindings.HV_EXIT_REASON_EXCEPTION:
		return c.handleException()
	default:
		return hv.Exit{}, fmt.Errorf("hvf: unhandled exit reason %s", c.exit.Reason)
	}
}

func (c *cpu) resolvePendingIo() error {
	p := c.pending
	c.pending = nil

	var value uint64
	for i := len(p.data) - 1; i >= 0; i-- {
		value = value<<8 | uint64(p.data[i])
	}
	if ret := bindings.HvVcpuSetReg(c.id, p.reg, value); ret != bindings.HV_SUCCESS {
		return &hv.RunError{Err: fmt.Errorf("hvf: set reg %d after mmio read: %w", p.reg, ret)}
	}
	return c.advancePc()
}

func (c *cpu) advancePc() error {
	var pc uint64
	if ret := bindings.HvVcpuGetReg(c.id, bindings.HV_REG_PC, &pc); ret != bindings.HV_SUCCESS {
		return &hv.RunError{Err: fmt.Errorf("hvf: get pc: %w", ret)}
	}
	if ret := bindings.HvVcpuSetReg(c.id, bindings.HV_REG_PC, pc+arm64InstructionSizeBytes); ret != bindings.HV_SUCCESS {
		return &hv.RunError{Err: fmt.Errorf("hvf: set pc: %w", ret)}
	}
	return nil
}

// exceptionClass is ESR_ELx.EC: the trap reason for an EXCEPTION exit.
type exceptionClass uint64

const (
	exceptionClassHvc              exceptionClass = 0x16
	exceptionClassDataAbortLowerEL exceptionClass = 0x24
)

const (
	exceptionClassMask  = 0x3F
	exceptionClassShift = 26
)

// psciSystemOff/psciSystemReset are the only PSCI calls this backend
// recognizes: a guest issuing either is folded into hv.ExitHalt, the
// same way the kvm backend folds PSCI-triggered shutdown into a halt
// exit. CPU_ON/power-state management is out of scope - guest images
// here are single-vCPU boot payloads, not firmware with SMP support.
const (
	psciSystemOff   uint64 = 0x84000008
	psciSystemReset uint64 = 0x84000009
)

func (c *cpu) handleException() (hv.Exit, error) {
	syndrome := c.exit.Exception.Syndrome
	ec := exceptionClass((uint64(syndrome) >> exceptionClassShift) & exceptionClassMask)

	switch ec {
	case exceptionClassHvc:
		var x0 uint64
		if ret := bindings.HvVcpuGetReg(c.id, bindings.HV_REG_X0, &x0); ret != bindings.HV_SUCCESS {
			return hv.Exit{}, &hv.RunError{Err: fmt.Errorf("hvf: get x0: %w", ret)}
		}
		if x0 == psciSystemOff || x0 == psciSystemReset {
			return hv.Exit{Kind: hv.ExitHalt}, nil
		}
		return hv.Exit{}, fmt.Errorf("hvf: unsupported hvc call x0=0x%x", x0)

	case exceptionClassDataAbortLowerEL:
		return c.handleDataAbort(syndrome, uint64(c.exit.Exception.PhysicalAddress))

	default:
		return hv.Exit{}, fmt.Errorf("hvf: unsupported exception class 0x%x (syndrome=0x%x)", ec, syndrome)
	}
}

const (
	dataAbortISSMask uint64 = (1 << 25) - 1
	dataAbortIsvBit         = 24
	dataAbortSasShift       = 22
	dataAbortSasMask uint64 = 0x3
	dataAbortSrtShift       = 16
	dataAbortSrtMask uint64 = 0x1F
	dataAbortWnrBit         = 6
)

// handleDataAbort services a stage-2 data abort as MMIO: it decodes the
// ISS to find the transfer size, direction, and target register, then
// returns an hv.Io exit for the caller to service. Register writeback
// and PC advance for reads are deferred to the next runOnce via
// c.pending, since the caller fills Exit.Io.Data after this returns.
func (c *cpu) handleDataAbort(syndrome bindings.ExceptionSyndrome, physAddr uint64) (hv.Exit, error) {
	iss := uint64(syndrome) & dataAbortISSMask
	if (iss>>dataAbortIsvBit)&0x1 == 0 {
		return hv.Exit{}, fmt.Errorf("hvf: data abort without ISV set (syndrome=0x%x)", syndrome)
	}

	sas := (iss >> dataAbortSasShift) & dataAbortSasMask
	size := 1 << sas

	srt := int((iss >> dataAbortSrtShift) & dataAbortSrtMask)
	reg, ok := arm64RegFromGpIndex(srt)
	if !ok {
		return hv.Exit{}, fmt.Errorf("hvf: unsupported data abort target register index %d", srt)
	}

	write := (iss>>dataAbortWnrBit)&0x1 == 1
	debug.Writef("hvf.handleDataAbort", "physAddr=0x%016x size=%d write=%v reg=%d", physAddr, size, write, reg)

	if write {
		var value uint64
		if ret := bindings.HvVcpuGetReg(c.id, reg, &value); ret != bindings.HV_SUCCESS {
			return hv.Exit{}, &hv.RunError{Err: fmt.Errorf("hvf: get reg %d: %w", reg, ret)}
		}
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(value >> (8 * i))
		}
		if err := c.advancePc(); err != nil {
			return hv.Exit{}, err
		}
		return hv.Exit{Kind: hv.ExitIo, Io: hv.Io{Addr: physAddr, Direction: hv.IoWrite, Data: data}}, nil
	}

	data := make([]byte, size)
	c.pending = &ioWriteback{reg: reg, data: data}
	return hv.Exit{Kind: hv.ExitIo, Io: hv.Io{Addr: physAddr, Direction: hv.IoRead, Data: data}}, nil
}

// arm64RegFromGpIndex maps a data-abort ISS Srt index to the GP
// register HVF selector. Index 31 encodes the zero register in this
// context and, like any index outside 0..30, is rejected (ok is false).
func arm64RegFromGpIndex(idx int) (bindings.Reg, bool) {
	if idx < 0 || idx > 30 {
		return 0, false
	}
	return bindings.HV_REG_X0 + bindings.Reg(idx), true
}

var (
	_ hv.Cpu = (*cpu)(nil)
)

// virtualMachine is a single HVF VM. Hypervisor.framework allows only
// one VM per process, tracked by hypervisor.vm.
type virtualMachine struct {
	hv *hypervisor

	guestRam *ram.GuestRam

	mu   sync.Mutex
	cpus map[int]*cpu

	closed bool
}

func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }
func (v *virtualMachine) Ram() *ram.GuestRam         { return v.guestRam }

// Map implements ram.Mapper: it wires a committed guest RAM block into
// the VM's stage-2 mapping via hv_vm_map.
func (v *virtualMachine) Map(hostAddr uintptr, guestPA uint64, length uint64) error {
	ret := bindings.HvVmMap(
		unsafe.Pointer(hostAddr), //nolint:govet // hostAddr comes from an mmap'd guest RAM block
		bindings.IPA(guestPA),
		uintptr(length),
		bindings.HV_MEMORY_READ|bindings.HV_MEMORY_WRITE|bindings.HV_MEMORY_EXEC,
	)
	if ret != bindings.HV_SUCCESS {
		return fmt.Errorf("hvf: hv_vm_map(0x%x, len=0x%x): %w", guestPA, length, ret)
	}
	return nil
}

// CreateCpu implements hv.VirtualMachine.
func (v *virtualMachine) CreateCpu(id int) (hv.Cpu, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.cpus[id]; exists {
		return nil, fmt.Errorf("hvf: vCPU %d already exists", id)
	}

	c := &cpu{vm: v, runQueue: make(chan func(), 16)}

	ready := make(chan error, 1)
	go c.start(ready)
	if err := <-ready; err != nil {
		return nil, err
	}

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
		c.submit(func() error {
			if ret := bindings.HvVcpuDestroy(c.id); ret != bindings.HV_SUCCESS {
				return fmt.Errorf("hvf: hv_vcpu_destroy: %w", ret)
			}
			return nil
		})
		close(c.runQueue)
	}

	if ret := bindings.HvVmDestroy(); ret != bindings.HV_SUCCESS {
		return fmt.Errorf("hvf: hv_vm_destroy: %w", ret)
	}
	v.hv.vm = nil
	return nil
}

var (
	_ hv.VirtualMachine = (*virtualMachine)(nil)
)

type hypervisor struct {
	vm *virtualMachine
}

func (h *hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureARM64 }

func (h *hypervisor) Close() error {
	if h.vm != nil {
		return h.vm.Close()
	}
	return nil
}

// CpuFeatures implements hv.Hypervisor by reading the MMU feature
// registers off a scratch vCPU config - Hypervisor.framework exposes
// these at vCPU-config time rather than through a live register read.
func (h *hypervisor) CpuFeatures() hv.CpuFeats {
	cfg := bindings.HvVcpuConfigCreate()

	var feats hv.CpuFeats
	bindings.HvVcpuConfigGetFeatureReg(cfg, bindings.HV_FEATURE_REG_ID_AA64MMFR0_EL1, &feats.MMFR0)
	bindings.HvVcpuConfigGetFeatureReg(cfg, bindings.HV_FEATURE_REG_ID_AA64MMFR1_EL1, &feats.MMFR1)
	bindings.HvVcpuConfigGetFeatureReg(cfg, bindings.HV_FEATURE_REG_ID_AA64MMFR2_EL1, &feats.MMFR2)
	return feats
}

// NewVirtualMachine implements hv.Hypervisor. Hypervisor.framework
// supports only one VM per process.
func (h *hypervisor) NewVirtualMachine(numCpus int, guestRam *ram.GuestRam) (hv.VirtualMachine, error) {
	if h.vm != nil {
		return nil, fmt.Errorf("hvf: a VM already exists in this process")
	}

	var maxVcpus uint32
	if ret := bindings.HvVmGetMaxVcpuCount(&maxVcpus); ret != bindings.HV_SUCCESS {
		return nil, fmt.Errorf("hvf: hv_vm_get_max_vcpu_count: %w", ret)
	}
	if numCpus < 1 || uint32(numCpus) > maxVcpus {
		return nil, hv.ErrMaxCpuTooLow
	}

	cfg := bindings.HvVmConfigCreate()
	if ret := bindings.HvVmCreate(cfg); ret != bindings.HV_SUCCESS {
		return nil, fmt.Errorf("hvf: hv_vm_create: %w", ret)
	}

	vm := &virtualMachine{hv: h, guestRam: guestRam, cpus: make(map[int]*cpu)}
	h.vm = vm

	for _, region := range guestRam.Regions() {
		if err := vm.Map(region.HostAddr, region.GuestPA, region.Len); err != nil {
			return nil, err
		}
	}

	return vm, nil
}

var (
	_ hv.Hypervisor = (*hypervisor)(nil)
)

func Open() (hv.Hypervisor, error) {
	if err := bindings.Load(); err != nil {
		return nil, fmt.Errorf("hvf: load Hypervisor.framework: %w", err)
	}
	return &hypervisor{}, nil
}
