//go:build windows && arm64

package whp

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/obhv/obhv/internal/debug"
	"github.com/obhv/obhv/internal/hv"
	"github.com/obhv/obhv/internal/hv/whp/bindings"
)

// Architecture implements hv.Hypervisor.
func (h *hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureARM64 }

const arm64InstructionSizeBytes = 4

// ioWriteback records a pending MMIO read's decoded destination
// register, mirroring hvf's deferred writeback: WHP's own data-abort
// exit gives no help resolving a read until the caller has filled
// Exit.Io.Data.
type ioWriteback struct {
	reg  bindings.RegisterName
	data []byte
}

// arm64Reg indexes ARM64States' value/dirty arrays; order matches
// hv.Register's ARM64 block.
type arm64Reg int

const (
	arm64RegX0 arm64Reg = iota
	arm64RegX1
	arm64RegX2
	arm64RegSp
	arm64RegPc
	arm64RegPstate
	arm64RegSctlr
	arm64RegMair
	arm64RegTcr
	arm64RegTtbr0
	arm64RegTtbr1
	arm64RegCount
)

var arm64RegisterMap = [arm64RegCount]bindings.RegisterName{
	arm64RegX0:     bindings.Arm64RegisterX0,
	arm64RegX1:     bindings.Arm64RegisterX1,
	arm64RegX2:     bindings.Arm64RegisterX2,
	arm64RegSp:     bindings.Arm64RegisterSp,
	arm64RegPc:     bindings.Arm64RegisterPc,
	arm64RegPstate: bindings.Arm64RegisterPstate,
	arm64RegSctlr:  bindings.Arm64RegisterSctlrEl1,
	arm64RegMair:   bindings.Arm64RegisterMairEl1,
	arm64RegTcr:    bindings.Arm64RegisterTcrEl1,
	arm64RegTtbr0:  bindings.Arm64RegisterTtbr0El1,
	arm64RegTtbr1:  bindings.Arm64RegisterTtbr1El1,
}

// ARM64States is the AArch64 register snapshot returned by cpu.States.
// WHP reads/writes the whole set in one GetVirtualProcessorRegisters
// call, so Commit carries a single dirty flag rather than kvm's
// per-register tracking.
type ARM64States struct {
	c *cpu

	vals  [arm64RegCount]uint64
	dirty bool
}

func (s *ARM64States) get(r arm64Reg) uint64   { return s.vals[r] }
func (s *ARM64States) set(r arm64Reg, v uint64) { s.vals[r] = v; s.dirty = true }

func (s *ARM64States) X0() uint64         { return s.get(arm64RegX0) }
func (s *ARM64States) SetX0(v uint64)     { s.set(arm64RegX0, v) }
func (s *ARM64States) X1() uint64         { return s.get(arm64RegX1) }
func (s *ARM64States) SetX1(v uint64)     { s.set(arm64RegX1, v) }
func (s *ARM64States) X2() uint64         { return s.get(arm64RegX2) }
func (s *ARM64States) SetX2(v uint64)     { s.set(arm64RegX2, v) }
func (s *ARM64States) Sp() uint64         { return s.get(arm64RegSp) }
func (s *ARM64States) SetSp(v uint64)     { s.set(arm64RegSp, v) }
func (s *ARM64States) Pc() uint64         { return s.get(arm64RegPc) }
func (s *ARM64States) SetPc(v uint64)     { s.set(arm64RegPc, v) }
func (s *ARM64States) Pstate() uint64     { return s.get(arm64RegPstate) }
func (s *ARM64States) SetPstate(v uint64) { s.set(arm64RegPstate, v) }
func (s *ARM64States) Sctlr() uint64      { return s.get(arm64RegSctlr) }
func (s *ARM64States) SetSctlr(v uint64)  { s.set(arm64RegSctlr, v) }
func (s *ARM64States) Mair() uint64       { return s.get(arm64RegMair) }
func (s *ARM64States) SetMair(v uint64)   { s.set(arm64RegMair, v) }
func (s *ARM64States) Tcr() uint64        { return s.get(arm64RegTcr) }
func (s *ARM64States) SetTcr(v uint64)    { s.set(arm64RegTcr, v) }
func (s *ARM64States) Ttbr0() uint64      { return s.get(arm64RegTtbr0) }
func (s *ARM64States) SetTtbr0(v uint64)  { s.set(arm64RegTtbr0, v) }
func (s *ARM64States) Ttbr1() uint64      { return s.get(arm64RegTtbr1) }
func (s *ARM64States) SetTtbr1(v uint64)  { s.set(arm64RegTtbr1, v) }

// SCTLR_EL1 bits a flat identity/linear guest mapping needs: MMU
// enable, data cache, instruction cache. Matches hvf's constants.
const (
	arm64SctlrM = 1 << 0
	arm64SctlrC = 1 << 2
	arm64SctlrI = 1 << 12
)

// SetMMU points TTBR0_EL1 at the guest's translation table root and
// turns the MMU on, with mair/tcr supplying the attribute and
// granule/range configuration internal/pagetables built the tables
// against.
func (s *ARM64States) SetMMU(ttbr0, tcr, mair uint64) {
	s.SetTtbr0(ttbr0)
	s.SetTcr(tcr)
	s.SetMair(mair)
	s.SetSctlr(s.Sctlr() | arm64SctlrM | arm64SctlrC | arm64SctlrI)
}

// Commit implements hv.States.
func (s *ARM64States) Commit() error {
	if !s.dirty {
		return nil
	}
	return s.c.submit(func() error {
		names := make([]bindings.RegisterName, arm64RegCount)
		values := make([]bindings.RegisterValue, arm64RegCount)
		for r := arm64Reg(0); r < arm64RegCount; r++ {
			names[r] = arm64RegisterMap[r]
			values[r].SetUint64(s.vals[r])
		}
		if err := setRegisters(s.c.vm.part, s.c.id, names, values); err != nil {
			return &hv.StatesError{Op: "set_registers", Err: err}
		}
		s.dirty = false
		return nil
	})
}

var _ hv.States = (*ARM64States)(nil)

// States implements hv.Cpu.
func (c *cpu) States() (hv.States, error) {
	s := &ARM64States{c: c}
	err := c.submit(func() error {
		names := make([]bindings.RegisterName, arm64RegCount)
		for r := arm64Reg(0); r < arm64RegCount; r++ {
			names[r] = arm64RegisterMap[r]
		}
		values, err := getRegisters(c.vm.part, c.id, names)
		if err != nil {
			return err
		}
		for r := arm64Reg(0); r < arm64RegCount; r++ {
			s.vals[r] = *values[r].AsUint64()
		}
		return nil
	})
	if err != nil {
		return nil, &hv.StatesError{Op: "get_registers", Err: err}
	}
	return s, nil
}

// AArch64 16 KiB granule, 4-level page table layout - mirrors hvf's
// and internal/pagetables' aarch64 builder.
const (
	arm64PTEValid    = 0b11
	arm64PTEAddrMask = 0xffffffffc000
	arm64PageSize    = 0x4000
)

func arm64ReadGuestU64(v *virtualMachine, pa uint64) (uint64, error) {
	lm := v.guestRam.Lock(pa, 8)
	if lm == nil {
		return 0, fmt.Errorf("guest physical address 0x%x is not mapped", pa)
	}
	defer lm.Close()
	return binary.LittleEndian.Uint64(lm.Bytes()), nil
}

// Translate implements hv.Cpu by walking the guest's stage-1 AArch64
// tables rooted at TTBR0_EL1 (vaddr bit 63 clear) or TTBR1_EL1 (set).
func (c *cpu) Translate(vaddr uint64) (uint64, error) {
	reg := bindings.Arm64RegisterTtbr0El1
	if vaddr>>63 != 0 {
		reg = bindings.Arm64RegisterTtbr1El1
	}

	var ttbr uint64
	err := c.submit(func() error {
		values, err := getRegisters(c.vm.part, c.id, []bindings.RegisterName{reg})
		if err != nil {
			return err
		}
		ttbr = *values[0].AsUint64()
		return nil
	})
	if err != nil {
		return 0, &hv.TranslateError{VAddr: vaddr, Err: err}
	}

	table := ttbr & arm64PTEAddrMask
	shifts := [4]uint64{47, 36, 25, 14}
	masks := [4]uint64{0x1, 0x7FF, 0x7FF, 0x7FF}

	for level := 0; level < 4; level++ {
		idx := (vaddr >> shifts[level]) & masks[level]
		entry, err := arm64ReadGuestU64(c.vm, table+idx*8)
		if err != nil {
			return 0, &hv.TranslateError{VAddr: vaddr, Err: err}
		}
		if entry&arm64PTEValid != arm64PTEValid {
			return 0, &hv.TranslateError{VAddr: vaddr, Err: fmt.Errorf("page not present at level %d", level)}
		}
		table = entry & arm64PTEAddrMask
	}

	return table | (vaddr & (arm64PageSize - 1)), nil
}

// archReadCpuFeats has no ARM64 MMFR-register API exposed by WHP, so
// unlike kvm/hvf there is nothing to read here.
func archReadCpuFeats() hv.CpuFeats { return hv.CpuFeats{} }

func (h *hypervisor) archVMInit(vm *virtualMachine, numCpus int) error { return nil }
func (h *hypervisor) archVCPUInit(vm *virtualMachine, c *cpu) error    { return nil }

func arm64RegisterFromGpIndex(idx int) (bindings.RegisterName, bool) {
	switch {
	case idx >= 0 && idx <= 30:
		return arm64RegisterMap[arm64RegX0] + bindings.RegisterName(idx), true
	default:
		return 0, false
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

// runOnce issues one RunVirtualProcessor and demultiplexes the result.
func (c *cpu) runOnce() (hv.Exit, error) {
	if c.pending != nil {
		if err := c.resolvePendingIo(); err != nil {
			return hv.Exit{}, err
		}
	}

	var exit bindings.RunVPExitContext
	if err := bindings.RunVirtualProcessorContext(c.vm.part, uint32(c.id), &exit); err != nil {
		return hv.Exit{}, &hv.RunError{Err: err}
	}

	debug.Writef("whp-arm64.Run exit", "vCPU %d exited with reason %s", c.id, exit.ExitReason)

	switch exit.ExitReason {
	case bindings.WHvRunVpExitReasonCanceled:
		return hv.Exit{Kind: hv.ExitUnknown}, nil

	case bindings.WHvRunVpExitReasonArm64Reset:
		reset := exit.Arm64Reset()
		switch reset.ResetType {
		case bindings.Arm64ResetTypePowerOff, bindings.WHvArm64ResetTypeReboot:
			return hv.Exit{Kind: hv.ExitHalt}, nil
		default:
			return hv.Exit{}, fmt.Errorf("whp: unsupported arm64 reset type %d", reset.ResetType)
		}

	case bindings.WHvRunVpExitReasonUnmappedGpa:
		return c.handleDataAbort(&exit)

	default:
		return hv.Exit{}, fmt.Errorf("whp: unsupported vCPU exit reason %s", exit.ExitReason)
	}
}

// handleDataAbort services an unmapped-GPA exit as MMIO: decodes the
// ISS for transfer size/direction/target register and returns an Io
// exit. A read's register writeback and PC advance wait for the next
// runOnce (c.pending), since the caller fills Exit.Io.Data after this
// returns - a write resolves and advances PC immediately since the
// value is already known.
func (c *cpu) handleDataAbort(exit *bindings.RunVPExitContext) (hv.Exit, error) {
	mem := exit.MemoryAccess()
	syndrome := mem.Syndrome
	physAddr := uint64(mem.Gpa)

	iss := syndrome & dataAbortISSMask
	if (iss>>dataAbortIsvBit)&0x1 == 0 {
		return hv.Exit{}, fmt.Errorf("whp: data abort without ISV set (syndrome=0x%x)", syndrome)
	}

	sas := (iss >> dataAbortSasShift) & dataAbortSasMask
	size := 1 << sas

	srt := int((iss >> dataAbortSrtShift) & dataAbortSrtMask)
	reg, ok := arm64RegisterFromGpIndex(srt)
	if !ok {
		return hv.Exit{}, fmt.Errorf("whp: unsupported data abort target register index %d", srt)
	}

	write := (iss>>dataAbortWnrBit)&0x1 == 1

	if write {
		values, err := getRegisters(c.vm.part, c.id, []bindings.RegisterName{reg})
		if err != nil {
			return hv.Exit{}, &hv.RunError{Err: fmt.Errorf("whp: get reg %d: %w", reg, err)}
		}
		value := *values[0].AsUint64()
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

func (c *cpu) advancePc() error {
	values, err := getRegisters(c.vm.part, c.id, []bindings.RegisterName{bindings.Arm64RegisterPc})
	if err != nil {
		return &hv.RunError{Err: fmt.Errorf("whp: get pc: %w", err)}
	}
	pc := *values[0].AsUint64()

	var v bindings.RegisterValue
	v.SetUint64(pc + arm64InstructionSizeBytes)
	if err := setRegisters(c.vm.part, c.id, []bindings.RegisterName{bindings.Arm64RegisterPc}, []bindings.RegisterValue{v}); err != nil {
		return &hv.RunError{Err: fmt.Errorf("whp: set pc: %w", err)}
	}
	return nil
}

func (c *cpu) resolvePendingIo() error {
	p := c.pending
	c.pending = nil

	var value uint64
	for i := len(p.data) - 1; i >= 0; i-- {
		value = value<<8 | uint64(p.data[i])
	}

	var v bindings.RegisterValue
	v.SetUint64(value)
	if err := setRegisters(c.vm.part, c.id, []bindings.RegisterName{p.reg}, []bindings.RegisterValue{v}); err != nil {
		return &hv.RunError{Err: fmt.Errorf("whp: set reg %d after mmio read: %w", p.reg, err)}
	}
	return c.advancePc()
}
