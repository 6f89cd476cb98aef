// Command obhv-boot loads a flat guest binary into a fresh GuestRam,
// builds page tables for it, and runs it to completion on the host's
// accelerated hypervisor backend, echoing port-I/O writes to stdout.
//
// It exists to exercise internal/ram, internal/pagetables and
// internal/hv end to end; it is not a general-purpose VMM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/obhv/obhv/internal/debug"
	"github.com/obhv/obhv/internal/hv"
	"github.com/obhv/obhv/internal/hv/factory"
	"github.com/obhv/obhv/internal/pagetables"
	"github.com/obhv/obhv/internal/ram"
)

const (
	defaultMemSize  = 128 << 20
	defaultBaseAddr = 0x100000
	guestStackTop   = 0x90000

	// consolePort is the single I/O address this driver services: a
	// byte written here is echoed to stdout, mirroring a minimal
	// 16550-style single-register UART.
	consolePort = 0x3f8
)

func main() {
	if err := run(); err != nil {
		slog.Error("obhv-boot failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		kernelPath = flag.String("kernel", "", "flat binary to load at -base and run")
		memSize    = flag.Uint64("mem", defaultMemSize, "guest RAM size in bytes")
		numCpus    = flag.Int("cpus", 1, "number of vCPUs")
		baseAddr   = flag.Uint64("base", defaultBaseAddr, "guest-virtual load address")
		maxRuns    = flag.Uint64("max-exits", 1_000_000, "abort after this many vCPU exits without a halt")
	)
	flag.Parse()

	if *kernelPath == "" {
		return errors.New("obhv-boot: -kernel is required")
	}

	image, err := os.ReadFile(*kernelPath)
	if err != nil {
		return fmt.Errorf("read kernel image: %w", err)
	}

	if err := debug.OpenFile(*kernelPath + ".obhv.log"); err != nil {
		slog.Warn("structured event log disabled", "err", err)
	}
	defer debug.Close()

	hyp, err := factory.Open()
	if err != nil {
		return fmt.Errorf("open hypervisor: %w", err)
	}
	defer hyp.Close()

	arch := hyp.Architecture()
	slog.Info("opened hypervisor backend", "architecture", arch, "cpus", *numCpus, "mem", *memSize)

	vmPageSize := uint64(0x1000)
	if arch == hv.ArchitectureARM64 {
		vmPageSize = 0x4000
	}

	var fwd ram.ForwardMapper
	guestRam, err := ram.New(vmPageSize, *memSize, &fwd)
	if err != nil {
		return fmt.Errorf("create guest ram: %w", err)
	}
	defer guestRam.Dealloc(0, *memSize)

	builder := ram.NewBuilder(guestRam)

	dst, err := builder.AllocKernel(*baseAddr, uint64(len(image)), 0)
	if err != nil {
		return fmt.Errorf("stage kernel image: %w", err)
	}
	copy(dst, image)

	rootPA, err := builder.BuildPageTables(pagetablesArch(arch), 0, []pagetables.PhysMapping{
		{PA: 0, Len: *memSize, Attr: 0},
	})
	if err != nil {
		return fmt.Errorf("build page tables: %w", err)
	}
	debug.Writef("obhv-boot", "page tables built, root=0x%x", rootPA)

	vm, err := hyp.NewVirtualMachine(*numCpus, guestRam)
	if err != nil {
		return fmt.Errorf("create virtual machine: %w", err)
	}
	defer vm.Close()
	fwd.SetTarget(vm.(ram.Mapper))

	cpu, err := vm.CreateCpu(0)
	if err != nil {
		return fmt.Errorf("create vCPU 0: %w", err)
	}

	if err := bootCpu(cpu, arch, rootPA, *baseAddr); err != nil {
		return fmt.Errorf("boot vCPU 0: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return runLoop(ctx, cpu, *maxRuns)
}

func pagetablesArch(arch hv.CpuArchitecture) pagetables.Arch {
	if arch == hv.ArchitectureARM64 {
		return pagetables.ArchAArch64
	}
	return pagetables.ArchAMD64
}

// amd64Setup is the subset of kvm/whp's AMD64States a boot driver needs
// to enter long mode. Any backend's concrete States value satisfies it
// structurally; no backend package import is required.
type amd64Setup interface {
	SetLongMode(pml4Addr uint64, codeSelector, dataSelector uint16)
	SetRip(uint64)
	SetRflags(uint64)
	SetRsp(uint64)
	Commit() error
}

// arm64Setup is the equivalent subset of kvm/hvf/whp's ARM64States.
type arm64Setup interface {
	SetMMU(ttbr0, tcr, mair uint64)
	SetPc(uint64)
	SetPstate(uint64)
	SetSp(uint64)
	Commit() error
}

const (
	amd64CodeSelector = 0x08
	amd64DataSelector = 0x10
	amd64Rflags       = 0x2

	// TCR_EL1 configuring a 16 KiB granule, 48-bit VA/PA for TTBR0.
	arm64Tcr = (16 << 0) | (0b101 << 32) | (0b10 << 14) | (0b10 << 30)
	// MAIR_EL1 attr 0 = normal, write-back cacheable.
	arm64Mair   = 0xff
	arm64Pstate = 0x3c5 // EL1h, all exceptions masked
)

// bootCpu brings vCPU 0 into the guest's entry state: paging enabled,
// stack and program counter set, ready for its first Run.
func bootCpu(cpu hv.Cpu, arch hv.CpuArchitecture, rootPA uint64, entry uint64) error {
	states, err := cpu.States()
	if err != nil {
		return fmt.Errorf("get states: %w", err)
	}

	switch arch {
	case hv.ArchitectureX86_64:
		s, ok := states.(amd64Setup)
		if !ok {
			return fmt.Errorf("backend states type %T does not support amd64 boot setup", states)
		}
		s.SetLongMode(rootPA, amd64CodeSelector, amd64DataSelector)
		s.SetRip(entry)
		s.SetRflags(amd64Rflags)
		s.SetRsp(guestStackTop)
	case hv.ArchitectureARM64:
		s, ok := states.(arm64Setup)
		if !ok {
			return fmt.Errorf("backend states type %T does not support arm64 boot setup", states)
		}
		s.SetMMU(rootPA, arm64Tcr, arm64Mair)
		s.SetPc(entry)
		s.SetPstate(arm64Pstate)
		s.SetSp(guestStackTop)
	default:
		return fmt.Errorf("unsupported guest architecture %q", arch)
	}

	return states.Commit()
}

// runLoop drives the vCPU until it halts, the context is canceled, or
// maxRuns exits pass without a halt. Port-I/O writes to consolePort are
// echoed to stdout; every other I/O exit, reads from consolePort
// included, is skipped without writing Io.Data.
func runLoop(ctx context.Context, cpu hv.Cpu, maxRuns uint64) error {
	for i := uint64(0); i < maxRuns; i++ {
		exit, err := cpu.Run(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("run vCPU: %w", err)
		}

		if err := exit.IntoHalt(); err == nil {
			debug.Writef("obhv-boot", "vCPU halted after %d exits", i)
			return nil
		}

		if io, err := exit.IntoIo(); err == nil {
			if io.Addr == consolePort && io.Direction == hv.IoWrite {
				os.Stdout.Write(io.Data)
			}
			continue
		}

		return fmt.Errorf("unhandled exit kind %v", exit.Kind)
	}

	return fmt.Errorf("exceeded %d vCPU exits without halting", maxRuns)
}
