//go:build darwin && arm64

package hvf

import (
	"encoding/binary"
	"fmt"

	"github.com/obhv/obhv/internal/hv"
	"github.com/obhv/obhv/internal/hv/hvf/bindings"
)

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

// arm64RegIsSys/arm64RegGP/arm64RegSys classify each register by which
// of HVF's two register APIs (general purpose vs. system) serves it.
var (
	arm64RegIsSys = [arm64RegCount]bool{
		arm64RegSp:    true,
		arm64RegSctlr: true,
		arm64RegMair:  true,
		arm64RegTcr:   true,
		arm64RegTtbr0: true,
		arm64RegTtbr1: true,
	}
	arm64RegGP = [arm64RegCount]bindings.Reg{
		arm64RegX0:     bindings.HV_REG_X0,
		arm64RegX1:     bindings.HV_REG_X1,
		arm64RegX2:     bindings.HV_REG_X2,
		arm64RegPc:     bindings.HV_REG_PC,
		arm64RegPstate: bindings.HV_REG_CPSR,
	}
	arm64RegSys = [arm64RegCount]bindings.SysReg{
		arm64RegSp:    bindings.HV_SYS_REG_SP_EL1,
		arm64RegSctlr: bindings.HV_SYS_REG_SCTLR_EL1,
		arm64RegMair:  bindings.HV_SYS_REG_MAIR_EL1,
		arm64RegTcr:   bindings.HV_SYS_REG_TCR_EL1,
		arm64RegTtbr0: bindings.HV_SYS_REG_TTBR0_EL1,
		arm64RegTtbr1: bindings.HV_SYS_REG_TTBR1_EL1,
	}
)

func getArm64Reg(id bindings.VCPU, r arm64Reg) (uint64, error) {
	var v uint64
	var ret bindings.Return
	if arm64RegIsSys[r] {
		ret = bindings.HvVcpuGetSysReg(id, arm64RegSys[r], &v)
	} else {
		ret = bindings.HvVcpuGetReg(id, arm64RegGP[r], &v)
	}
	if ret != bindings.HV_SUCCESS {
		return 0, ret
	}
	return v, nil
}

func setArm64Reg(id bindings.VCPU, r arm64Reg, v uint64) error {
	var ret bindings.Return
	if arm64RegIsSys[r] {
		ret = bindings.HvVcpuSetSysReg(id, arm64RegSys[r], v)
	} else {
		ret = bindings.HvVcpuSetReg(id, arm64RegGP[r], v)
	}
	if ret != bindings.HV_SUCCESS {
		return ret
	}
	return nil
}

// ARM64States is the AArch64 register snapshot returned by cpu.States.
// Unlike a bulk-ioctl backend, every register is its own
// hv_vcpu_get/set_(sys_)reg call, so Commit issues one call per dirty
// register rather than per bank.
type ARM64States struct {
	c *cpu

	vals  [arm64RegCount]uint64
	dirty [arm64RegCount]bool
}

func (s *ARM64States) X0() uint64     { return s.vals[arm64RegX0] }
func (s *ARM64States) SetX0(v uint64) { s.vals[arm64RegX0] = v; s.dirty[arm64RegX0] = true }
func (s *ARM64States) X1() uint64     { return s.vals[arm64RegX1] }
func (s *ARM64States) SetX1(v uint64) { s.vals[arm64RegX1] = v; s.dirty[arm64RegX1] = true }
func (s *ARM64States) X2() uint64     { return s.vals[arm64RegX2] }
func (s *ARM64States) SetX2(v uint64) { s.vals[arm64RegX2] = v; s.dirty[arm64RegX2] = true }
func (s *ARM64States) Sp() uint64     { return s.vals[arm64RegSp] }
func (s *ARM64States) SetSp(v uint64) { s.vals[arm64RegSp] = v; s.dirty[arm64RegSp] = true }
func (s *ARM64States) Pc() uint64     { return s.vals[arm64RegPc] }
func (s *ARM64States) SetPc(v uint64) { s.vals[arm64RegPc] = v; s.dirty[arm64RegPc] = true }
func (s *ARM64States) Pstate() uint64     { return s.vals[arm64RegPstate] }
func (s *ARM64States) SetPstate(v uint64) { s.vals[arm64RegPstate] = v; s.dirty[arm64RegPstate] = true }
func (s *ARM64States) Sctlr() uint64      { return s.vals[arm64RegSctlr] }
func (s *ARM64States) SetSctlr(v uint64)  { s.vals[arm64RegSctlr] = v; s.dirty[arm64RegSctlr] = true }
func (s *ARM64States) Mair() uint64       { return s.vals[arm64RegMair] }
func (s *ARM64States) SetMair(v uint64)   { s.vals[arm64RegMair] = v; s.dirty[arm64RegMair] = true }
func (s *ARM64States) Tcr() uint64        { return s.vals[arm64RegTcr] }
func (s *ARM64States) SetTcr(v uint64)    { s.vals[arm64RegTcr] = v; s.dirty[arm64RegTcr] = true }
func (s *ARM64States) Ttbr0() uint64      { return s.vals[arm64RegTtbr0] }
func (s *ARM64States) SetTtbr0(v uint64)  { s.vals[arm64RegTtbr0] = v; s.dirty[arm64RegTtbr0] = true }
func (s *ARM64States) Ttbr1() uint64      { return s.vals[arm64RegTtbr1] }
func (s *ARM64States) SetTtbr1(v uint64)  { s.vals[arm64RegTtbr1] = v; s.dirty[arm64RegTtbr1] = true }

// arm64SctlrM/C/I are the SCTLR_EL1 bits a flat identity/linear guest
// mapping needs: MMU enable, data cache, instruction cache.
const (
	arm64SctlrM = 1 << 0
	arm64SctlrC = 1 << 2
	arm64SctlrI = 1 << 12
)

// SetMMU points TTBR0_EL1 at the guest's translation table root and
// turns the MMU on, with mair/tcr supplying the attribute and
// granule/range configuration internal/pagetables built the tables
// against. It does not touch general-purpose registers - callers set
// Pc/X0 themselves.
func (s *ARM64States) SetMMU(ttbr0, tcr, mair uint64) {
	s.SetTtbr0(ttbr0)
	s.SetTcr(tcr)
	s.SetMair(mair)
	s.SetSctlr(s.Sctlr() | arm64SctlrM | arm64SctlrC | arm64SctlrI)
}

// Commit implements hv.States.
func (s *ARM64States) Commit() error {
	return s.c.submit(func() error {
		for r := arm64Reg(0); r < arm64RegCount; r++ {
			if !s.dirty[r] {
				continue
			}
			if err := setArm64Reg(s.c.id, r, s.vals[r]); err != nil {
				return &hv.StatesError{Op: fmt.Sprintf("set_reg(%d)", r), Err: err}
			}
			s.dirty[r] = false
		}
		return nil
	})
}

var _ hv.States = (*ARM64States)(nil)

// States implements hv.Cpu.
func (c *cpu) States() (hv.States, error) {
	s := &ARM64States{c: c}
	err := c.submit(func() error {
		for r := arm64Reg(0); r < arm64RegCount; r++ {
			v, err := getArm64Reg(c.id, r)
			if err != nil {
				return &hv.StatesError{Op: fmt.Sprintf("get_reg(%d)", r), Err: err}
			}
			s.vals[r] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// AArch64 16 KiB granule, 4-level page table layout - the mirror image
// of internal/pagetables' aarch64 builder. The builder only ever
// produces page (not block) leaf entries, so Translate does not need
// to handle large pages at intermediate levels.
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
	var ttbr uint64
	err := c.submit(func() error {
		reg := arm64RegTtbr0
		if vaddr>>63 != 0 {
			reg = arm64RegTtbr1
		}
		v, err := getArm64Reg(c.id, reg)
		if err != nil {
			return err
		}
		ttbr = v
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
