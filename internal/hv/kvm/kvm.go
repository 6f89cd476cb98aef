//go:build linux

package kvm

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/obhv/obhv/internal/debug"
	"github.com/obhv/obhv/internal/hv"
	"github.com/obhv/obhv/internal/ram"
	"github.com/obhv/obhv/internal/timeslice"
	"golang.org/x/sys/unix"
)

var (
	tsKvmCreateVm    = timeslice.RegisterKind("kvm_create_vm", 0)
	tsKvmRegisterRam = timeslice.RegisterKind("kvm_register_ram", 0)
	tsKvmCreateVCPU  = timeslice.RegisterKind("kvm_create_vcpu", 0)
	tsKvmRun         = timeslice.RegisterKind("kvm_run", timeslice.SliceFlagGuestTime)
)

// cpu is a single KVM vCPU. Like the teacher's virtualCPU, every ioctl
// against fd must run on the OS thread that created it, so all work is
// funnelled through runQueue to a goroutine pinned with LockOSThread.
type cpu struct {
	rec *timeslice.Recorder

	vm       *virtualMachine
	runQueue chan func()
	id       int
	fd       int
	run      []byte
	tid      atomic.Int32
}

func (c *cpu) ID() int { return c.id }

func (c *cpu) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c.tid.Store(int32(unix.Gettid()))

	for fn := range c.runQueue {
		fn()
	}
}

// requestImmediateExit sets kvm_run.immediate_exit and signals the
// vCPU's thread so a blocked KVM_RUN returns EINTR instead of running
// the guest further. Used to honor Run's context cancellation.
func (c *cpu) requestImmediateExit() {
	runData := (*kvmRunData)(unsafe.Pointer(&c.run[0]))
	runData.immediate_exit = 1

	if tid := c.tid.Load(); tid != 0 {
		if err := unix.Tgkill(unix.Getpid(), int(tid), unix.SIGUSR1); err != nil {
			slog.Error("kvm: signal vcpu thread", "vcpu", c.id, "error", err)
		}
	}
}

type runResult struct {
	exit hv.Exit
	err  error
}

// Run implements hv.Cpu.
func (c *cpu) Run(ctx context.Context) (hv.Exit, error) {
	stop := context.AfterFunc(ctx, c.requestImmediateExit)
	defer stop()

	result := make(chan runResult, 1)
	c.runQueue <- func() {
		exit, err := c.runOnce()
		result <- runResult{exit, err}
	}

	r := <-result
	if r.err == nil {
		c.rec.Record(tsKvmRun)
	}
	if ctx.Err() != nil && r.exit.Kind == hv.ExitUnknown {
		return hv.Exit{}, ctx.Err()
	}
	return r.exit, r.err
}

// runOnce issues one KVM_RUN and demultiplexes the result. It is
// shared between architectures: kvm_run's io/mmio/debug/halt shapes are
// the same on amd64 and arm64, only the register banks (States) and
// the address translation differ per architecture.
func (c *cpu) runOnce() (hv.Exit, error) {
	runData := (*kvmRunData)(unsafe.Pointer(&c.run[0]))

	for {
		_, err := ioctl(uintptr(c.fd), uint64(kvmRun), 0)
		if err == nil {
			break
		}
		if err != unix.EINTR {
			return hv.Exit{}, &hv.RunError{Err: err}
		}
		if runData.immediate_exit != 0 {
			runData.immediate_exit = 0
			return hv.Exit{Kind: hv.ExitUnknown}, nil
		}
	}
	runData.immediate_exit = 0

	reason := kvmExitReason(runData.exit_reason)
	debug.Writef("kvm.Run exit", "vCPU %d exited with reason %s", c.id, reason)

	switch reason {
	case kvmExitHlt:
		return hv.Exit{Kind: hv.ExitHalt}, nil

	case kvmExitIo:
		ioData := (*kvmExitIoData)(unsafe.Pointer(&runData.anon0[0]))
		direction := hv.IoRead
		if ioData.direction == 1 {
			direction = hv.IoWrite
		}
		size := int(ioData.size) * int(ioData.count)
		data := unsafe.Slice((*byte)(unsafe.Pointer(&c.run[ioData.dataOffset])), size)
		debug.Writef("kvm.handleIO", "port=0x%04x size=%d count=%d direction=%d", ioData.port, ioData.size, ioData.count, ioData.direction)
		return hv.Exit{
			Kind: hv.ExitIo,
			Io:   hv.Io{Addr: uint64(ioData.port), Direction: direction, Data: data},
		}, nil

	case kvmExitMmio:
		mmioData := (*kvmExitMMIOData)(unsafe.Pointer(&runData.anon0[0]))
		direction := hv.IoRead
		if mmioData.isWrite != 0 {
			direction = hv.IoWrite
		}
		debug.Writef("kvm.handleMMIO", "physAddr=0x%016x len=%d isWrite=%d", mmioData.physAddr, mmioData.len, mmioData.isWrite)
		return hv.Exit{
			Kind: hv.ExitIo,
			Io:   hv.Io{Addr: mmioData.physAddr, Direction: direction, Data: mmioData.data[:mmioData.len]},
		}, nil

	case kvmExitDebug:
		return hv.Exit{Kind: hv.ExitDebug, Debug: hv.Debug{Reason: hv.DebugReasonBreakpoint}}, nil

	case kvmExitShutdown, kvmExitSystemEvent:
		debug.Writef("kvm.Run shutdown", "vCPU %d exited with shutdown/system-event reason", c.id)
		return hv.Exit{Kind: hv.ExitHalt}, nil

	case kvmExitIntr:
		return hv.Exit{Kind: hv.ExitUnknown}, nil

	case kvmExitInternalError:
		ierr := (*internalError)(unsafe.Pointer(&runData.anon0[0]))
		return hv.Exit{}, &hv.RunError{Err: fmt.Errorf("kvm: internal error: %s", ierr.Suberror)}

	default:
		return hv.Exit{}, &hv.RunError{Err: fmt.Errorf("kvm: unhandled exit reason %s", reason)}
	}
}

var _ hv.Cpu = (*cpu)(nil)

// virtualMachine owns a KVM VM file descriptor and the vCPUs created
// against it. It implements ram.Mapper so a GuestRam can register
// newly committed blocks with this VM after creation, the same way
// Regions() lets it register blocks a Builder staged before this VM
// existed.
type virtualMachine struct {
	rec *timeslice.Recorder

	hv       *hypervisor
	vmFd     int
	guestRam *ram.GuestRam

	mu             sync.Mutex
	vcpus          map[int]*cpu
	nextMemorySlot uint32
}

func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }
func (v *virtualMachine) Ram() *ram.GuestRam         { return v.guestRam }

// Map implements ram.Mapper.
func (v *virtualMachine) Map(hostAddr uintptr, guestPA uint64, length uint64) error {
	v.mu.Lock()
	slot := v.nextMemorySlot
	v.nextMemorySlot++
	v.mu.Unlock()

	return setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPA,
		MemorySize:    length,
		UserspaceAddr: uint64(hostAddr),
	})
}

// CreateCpu implements hv.VirtualMachine.
func (v *virtualMachine) CreateCpu(id int) (hv.Cpu, error) {
	mmapSize, err := getVcpuMmapSize(v.hv.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: get vcpu mmap size: %w", err)
	}

	vcpuFd, err := createVCPU(v.vmFd, id)
	if err != nil {
		return nil, fmt.Errorf("kvm: create vcpu %d: %w", id, err)
	}

	run, err := unix.Mmap(vcpuFd, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(vcpuFd)
		return nil, fmt.Errorf("kvm: mmap vcpu %d run: %w", id, err)
	}

	c := &cpu{
		rec:      timeslice.NewState(),
		vm:       v,
		id:       id,
		fd:       vcpuFd,
		run:      run,
		runQueue: make(chan func(), 16),
	}

	if err := archVCPUInit(v.hv, c); err != nil {
		unix.Munmap(run)
		unix.Close(vcpuFd)
		return nil, fmt.Errorf("kvm: init vcpu %d: %w", id, err)
	}

	v.hv.ensureFeats(vcpuFd)

	go c.start()

	v.mu.Lock()
	v.vcpus[id] = c
	v.mu.Unlock()

	v.rec.Record(tsKvmCreateVCPU)

	return c, nil
}

// Close implements hv.VirtualMachine. Like the teacher, vCPU and VM
// fd teardown runs in the background since it can take tens of
// milliseconds; the run queues are drained synchronously first so no
// goroutine is left blocked on a channel send.
func (v *virtualMachine) Close() error {
	v.mu.Lock()
	vcpus := v.vcpus
	v.vcpus = nil
	v.mu.Unlock()

	vmFd := v.vmFd
	v.vmFd = -1

	for _, c := range vcpus {
		close(c.runQueue)
	}

	cleanup := func() {
		for _, c := range vcpus {
			if err := unix.Close(c.fd); err != nil {
				slog.Error("kvm: close vcpu fd", "vcpu", c.id, "error", err)
			}
			if err := unix.Munmap(c.run); err != nil {
				slog.Error("kvm: munmap vcpu run", "vcpu", c.id, "error", err)
			}
		}
		if vmFd >= 0 {
			if err := unix.Close(vmFd); err != nil {
				slog.Error("kvm: close vm fd", "error", err)
			}
		}
	}

	if runtime.GOARCH == "arm64" {
		cleanup()
	} else {
		go cleanup()
	}

	return nil
}

var _ hv.VirtualMachine = (*virtualMachine)(nil)

// hypervisor is a handle to /dev/kvm.
type hypervisor struct {
	fd   int
	arch hv.CpuArchitecture

	featsOnce sync.Once
	feats     hv.CpuFeats
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("kvm: close fd: %w", err)
	}
	return nil
}

func (h *hypervisor) Architecture() hv.CpuArchitecture { return h.arch }

func (h *hypervisor) CpuFeatures() hv.CpuFeats { return h.feats }

// ensureFeats reads the feature-register snapshot the first time any
// vCPU is created; later calls are no-ops.
func (h *hypervisor) ensureFeats(vcpuFd int) {
	h.featsOnce.Do(func() {
		feats, err := archReadCpuFeats(vcpuFd)
		if err != nil {
			slog.Error("kvm: read cpu features", "error", err)
			return
		}
		h.feats = feats
	})
}

// NewVirtualMachine implements hv.Hypervisor. Every block already
// committed in guestRam - memory a Builder staged before this VM
// existed - is registered immediately; guestRam's Mapper must be a
// ram.ForwardMapper so later Alloc calls reach this VM too (wired by
// the caller via SetTarget after NewVirtualMachine returns).
func (h *hypervisor) NewVirtualMachine(numCpus int, guestRam *ram.GuestRam) (hv.VirtualMachine, error) {
	if numCpus < 1 {
		return nil, fmt.Errorf("kvm: numCpus must be at least 1")
	}
	if max, err := checkExtension(h.fd, kvmCapMaxVcpus); err == nil && max > 0 && numCpus > max {
		return nil, hv.ErrMaxCpuTooLow
	}

	var ipaSize uint32
	if h.arch == hv.ArchitectureARM64 {
		cap, err := checkExtension(h.fd, kvmCapArmVmIpaSize)
		if err != nil {
			return nil, fmt.Errorf("kvm: check ipa size: %w", err)
		}
		ipaSize = uint32(cap)
	}

	vmFd, err := createVm(h.fd, ipaSize)
	if err != nil {
		return nil, fmt.Errorf("kvm: create vm: %w", err)
	}

	vm := &virtualMachine{
		rec:      timeslice.NewState(),
		hv:       h,
		vmFd:     vmFd,
		guestRam: guestRam,
		vcpus:    make(map[int]*cpu),
	}
	vm.rec.Record(tsKvmCreateVm)

	for _, region := range guestRam.Regions() {
		if err := vm.Map(region.HostAddr, region.GuestPA, region.Len); err != nil {
			unix.Close(vmFd)
			return nil, fmt.Errorf("kvm: register guest ram region at 0x%x: %w", region.GuestPA, err)
		}
	}
	vm.rec.Record(tsKvmRegisterRam)

	if err := archVMInit(h, vm); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: init vm: %w", err)
	}

	runtime.SetFinalizer(vm, func(v *virtualMachine) {
		if v.vmFd >= 0 {
			slog.Debug("kvm: VM was not closed before garbage collection, cleaning up")
			v.Close()
		}
	})

	return vm, nil
}

var _ hv.Hypervisor = (*hypervisor)(nil)

// Open opens /dev/kvm and validates its API version.
func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: open /dev/kvm: %w", err)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: get api version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported api version %d, want %d", version, kvmApiVersion)
	}

	return &hypervisor{fd: fd, arch: hv.ArchitectureNative}, nil
}
