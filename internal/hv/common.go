// Package hv defines the platform-independent hypervisor backend
// surface: the Hypervisor/Cpu/States/Exit contract every backend
// (internal/hv/kvm, internal/hv/hvf, internal/hv/whp) implements, plus
// the CpuArchitecture and Register vocabulary shared across them.
package hv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/obhv/obhv/internal/ram"
)

var (
	ErrInterrupted           = errors.New("operation interrupted")
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
	ErrMaxCpuTooLow          = errors.New("platform does not support the requested vCPU count")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

var ArchitectureNative CpuArchitecture

func init() {
	switch runtime.GOARCH {
	case "amd64":
		ArchitectureNative = ArchitectureX86_64
	case "arm64":
		ArchitectureNative = ArchitectureARM64
	}
}

// Register names a single architectural register for logging and
// debugger-channel register reads; it is not used to get/set state in
// bulk (States' typed accessors do that).
type Register uint64

const (
	RegisterInvalid Register = iota

	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags
	RegisterAMD64Cr0
	RegisterAMD64Cr3
	RegisterAMD64Cr4
	RegisterAMD64Efer

	RegisterARM64X0
	RegisterARM64X1
	RegisterARM64X2
	RegisterARM64Sp
	RegisterARM64Pc
	RegisterARM64Pstate
	RegisterARM64Sctlr
	RegisterARM64Mair
	RegisterARM64Tcr
	RegisterARM64Ttbr0
	RegisterARM64Ttbr1
)

var registerNames = map[Register]string{
	RegisterAMD64Rax:    "RAX",
	RegisterAMD64Rbx:    "RBX",
	RegisterAMD64Rcx:    "RCX",
	RegisterAMD64Rdx:    "RDX",
	RegisterAMD64Rsi:    "RSI",
	RegisterAMD64Rdi:    "RDI",
	RegisterAMD64Rsp:    "RSP",
	RegisterAMD64Rbp:    "RBP",
	RegisterAMD64R8:     "R8",
	RegisterAMD64R9:     "R9",
	RegisterAMD64R10:    "R10",
	RegisterAMD64R11:    "R11",
	RegisterAMD64R12:    "R12",
	RegisterAMD64R13:    "R13",
	RegisterAMD64R14:    "R14",
	RegisterAMD64R15:    "R15",
	RegisterAMD64Rip:    "RIP",
	RegisterAMD64Rflags: "RFLAGS",
	RegisterAMD64Cr0:    "CR0",
	RegisterAMD64Cr3:    "CR3",
	RegisterAMD64Cr4:    "CR4",
	RegisterAMD64Efer:   "EFER",

	RegisterARM64X0:     "X0",
	RegisterARM64X1:     "X1",
	RegisterARM64X2:     "X2",
	RegisterARM64Sp:     "SP",
	RegisterARM64Pc:     "PC",
	RegisterARM64Pstate: "PSTATE",
	RegisterARM64Sctlr:  "SCTLR_EL1",
	RegisterARM64Mair:   "MAIR_EL1",
	RegisterARM64Tcr:    "TCR_EL1",
	RegisterARM64Ttbr0:  "TTBR0_EL1",
	RegisterARM64Ttbr1:  "TTBR1_EL1",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Register(0x%X)", uint64(r))
}

// CpuFeats holds the feature-register snapshot a backend reads once at
// vCPU creation (AArch64 MMFR0/1/2 via KVM_GET_ONE_REG or
// hv_vcpu_config_get_feature_reg; x86-64 leaves this largely unused
// since long mode support is assumed).
type CpuFeats struct {
	// MMFR0/1/2 are AArch64 ID_AA64MMFR{0,1,2}_EL1 snapshots; zero on
	// backends that don't need them.
	MMFR0, MMFR1, MMFR2 uint64
}

// StatesError reports a failure getting or setting one bank of
// register state.
type StatesError struct {
	Op  string
	Err error
}

func (e *StatesError) Error() string { return fmt.Sprintf("hv: states: %s: %v", e.Op, e.Err) }
func (e *StatesError) Unwrap() error { return e.Err }

// States is a snapshot of a vCPU's register file taken at the start of
// a states transaction. Concrete backends return an
// architecture-specific type (e.g. kvm.AMD64States) satisfying this
// marker plus their own typed getters/setters; callers that need
// specific registers type-assert to the concrete type for the
// architecture they're driving.
//
// Setters on the concrete type mark their bank dirty; Commit writes
// back only dirty banks, one platform call per bank.
type States interface {
	// Commit writes back every bank marked dirty since the states
	// transaction was obtained, in a single platform call per bank.
	Commit() error
}

// TranslateError reports a failure walking guest page tables to
// resolve a virtual address.
type TranslateError struct {
	VAddr uint64
	Err   error
}

func (e *TranslateError) Error() string {
	return fmt.Sprintf("hv: translate 0x%x: %v", e.VAddr, e.Err)
}
func (e *TranslateError) Unwrap() error { return e.Err }

// RunError reports a failure from a backend's run() platform call.
type RunError struct {
	Err error
}

func (e *RunError) Error() string { return fmt.Sprintf("hv: run: %v", e.Err) }
func (e *RunError) Unwrap() error { return e.Err }

// IoDirection distinguishes a port-I/O read from a write.
type IoDirection int

const (
	IoRead IoDirection = iota
	IoWrite
)

// Io is an Exit carrying a port-I/O (or MMIO, on backends that fold
// MMIO into the same path) access the driver must service.
type Io struct {
	Addr      uint64
	Direction IoDirection
	// Data is the transfer buffer: for IoWrite it holds the bytes the
	// guest wrote; for IoRead the driver fills it before the caller
	// acknowledges the exit.
	Data []byte
}

// DebugReason classifies why a Debug exit occurred.
type DebugReason int

const (
	DebugReasonUnknown DebugReason = iota
	DebugReasonBreakpoint
	DebugReasonSingleStep
	DebugReasonSignal
)

// Debug is an Exit reporting that the vCPU stopped for a
// debugger-visible reason.
type Debug struct {
	Reason DebugReason
}

// ExitKind discriminates the Exit sum type.
type ExitKind int

const (
	ExitUnknown ExitKind = iota
	ExitHalt
	ExitIo
	ExitDebug
)

// Exit is the demultiplexed result of Cpu.Run: exactly one of the
// IntoXxx methods succeeds, matching Kind.
type Exit struct {
	Kind  ExitKind
	Io    Io
	Debug Debug
}

var errNotThisExitKind = errors.New("hv: exit is not of the requested kind")

// IntoHalt reports whether this Exit was a halt instruction.
func (e Exit) IntoHalt() error {
	if e.Kind != ExitHalt {
		return errNotThisExitKind
	}
	return nil
}

// IntoIo returns the Io payload if this Exit was a port-I/O access.
func (e Exit) IntoIo() (Io, error) {
	if e.Kind != ExitIo {
		return Io{}, errNotThisExitKind
	}
	return e.Io, nil
}

// IntoDebug returns the Debug payload if this Exit was a
// debugger-visible stop.
func (e Exit) IntoDebug() (Debug, error) {
	if e.Kind != ExitDebug {
		return Debug{}, errNotThisExitKind
	}
	return e.Debug, nil
}

// Cpu is a single vCPU, bound to the OS thread that created it. It is
// not safe to share across goroutines.
type Cpu interface {
	ID() int

	// States snapshots the current register file. The concrete return
	// type is architecture-specific; see States.
	States() (States, error)

	// Run executes the vCPU until it exits, demultiplexing the
	// platform-specific exit reason into the shared Exit sum type.
	Run(ctx context.Context) (Exit, error)

	// Translate walks this vCPU's current guest page tables to resolve
	// a guest-virtual address to a guest-physical one.
	Translate(vaddr uint64) (uint64, error)
}

// VirtualMachine owns a GuestRam and the vCPUs created against it.
type VirtualMachine interface {
	io.Closer

	Hypervisor() Hypervisor

	// CreateCpu creates vCPU id. Must be called from the OS thread that
	// will drive it.
	CreateCpu(id int) (Cpu, error)

	Ram() *ram.GuestRam
}

// Hypervisor is a single platform hypervisor backend: KVM, HVF, or WHP.
type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture

	// NewVirtualMachine creates a VM with numCpus vCPUs worth of
	// platform-side resources (not the vCPUs themselves - those come
	// from VirtualMachine.CreateCpu) backed by ram. It validates the
	// platform supports numCpus, failing ErrMaxCpuTooLow otherwise, and
	// registers ram's host reservation with the platform as the guest's
	// physical memory.
	NewVirtualMachine(numCpus int, guestRam *ram.GuestRam) (VirtualMachine, error)

	// CpuFeatures returns the AArch64 MMU feature-register snapshot. kvm
	// reads it once, when its first vCPU is created, and returns zero
	// before then; hvf and whp read it on every call.
	CpuFeatures() CpuFeats
}
