//go:build linux && arm64

package kvm

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/obhv/obhv/internal/hv"
)

const (
	kvmRegArm64         uint64 = 0x6000000000000000
	kvmRegSizeU64       uint64 = 0x0030000000000000
	kvmRegArmCoproShift        = 16
	kvmRegArmCore       uint64 = 0x0010 << kvmRegArmCoproShift
	kvmRegArm64SysReg   uint64 = 0x0013 << kvmRegArmCoproShift

	kvmRegArm64SysRegOp0Mask  uint64 = 0x000000000000c000
	kvmRegArm64SysRegOp0Shift        = 14
	kvmRegArm64SysRegOp1Mask  uint64 = 0x0000000000003800
	kvmRegArm64SysRegOp1Shift        = 11
	kvmRegArm64SysRegCrnMask  uint64 = 0x0000000000000780
	kvmRegArm64SysRegCrnShift        = 7
	kvmRegArm64SysRegCrmMask  uint64 = 0x0000000000000078
	kvmRegArm64SysRegCrmShift        = 3
	kvmRegArm64SysRegOp2Mask  uint64 = 0x0000000000000007
	kvmRegArm64SysRegOp2Shift        = 0
)

func arm64SysReg(op0, op1, crn, crm, op2 uint64) uint64 {
	return kvmRegArm64 | kvmRegSizeU64 | kvmRegArm64SysReg |
		((op0 << kvmRegArm64SysRegOp0Shift) & kvmRegArm64SysRegOp0Mask) |
		((op1 << kvmRegArm64SysRegOp1Shift) & kvmRegArm64SysRegOp1Mask) |
		((crn << kvmRegArm64SysRegCrnShift) & kvmRegArm64SysRegCrnMask) |
		((crm << kvmRegArm64SysRegCrmShift) & kvmRegArm64SysRegCrmMask) |
		((op2 << kvmRegArm64SysRegOp2Shift) & kvmRegArm64SysRegOp2Mask)
}

func arm64CoreRegister(offsetBytes uintptr) uint64 {
	return kvmRegArm64 | kvmRegSizeU64 | kvmRegArmCore | uint64(offsetBytes/4)
}

var (
	arm64SysRegSctlrEl1 = arm64SysReg(3, 0, 1, 0, 0)
	arm64SysRegTcrEl1   = arm64SysReg(3, 0, 2, 0, 2)
	arm64SysRegTtbr0El1 = arm64SysReg(3, 0, 2, 0, 0)
	arm64SysRegTtbr1El1 = arm64SysReg(3, 0, 2, 0, 1)
	arm64SysRegMairEl1  = arm64SysReg(3, 0, 10, 2, 0)

	arm64SysRegIdAa64Mmfr0El1 = arm64SysReg(3, 0, 0, 7, 0)
	arm64SysRegIdAa64Mmfr1El1 = arm64SysReg(3, 0, 0, 7, 1)
	arm64SysRegIdAa64Mmfr2El1 = arm64SysReg(3, 0, 0, 7, 2)
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

var arm64RegKvmID = [arm64RegCount]uint64{
	arm64RegX0:     arm64CoreRegister(0 * 8),
	arm64RegX1:     arm64CoreRegister(1 * 8),
	arm64RegX2:     arm64CoreRegister(2 * 8),
	arm64RegSp:     arm64CoreRegister(31 * 8),
	arm64RegPc:     arm64CoreRegister(32 * 8),
	arm64RegPstate: arm64CoreRegister(33 * 8),
	arm64RegSctlr:  arm64SysRegSctlrEl1,
	arm64RegMair:   arm64SysRegMairEl1,
	arm64RegTcr:    arm64SysRegTcrEl1,
	arm64RegTtbr0:  arm64SysRegTtbr0El1,
	arm64RegTtbr1:  arm64SysRegTtbr1El1,
}

// ARM64States is the AArch64 register snapshot returned by cpu.States.
// Unlike AMD64States there is no bulk get/set ioctl: every register is
// its own KVM_GET_ONE_REG/KVM_SET_ONE_REG call, so Commit issues one
// ioctl per dirty register rather than per bank.
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

// arm64SctlrM, arm64SctlrC and arm64SctlrI are the SCTLR_EL1 bits a flat identity/linear guest
// mapping needs: M (MMU enable), C (data cache), I (instruction cache).
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
	for r, dirty := range s.dirty {
		if !dirty {
			continue
		}
		v := s.vals[r]
		if err := setOneReg(s.c.fd, arm64RegKvmID[r], unsafe.Pointer(&v)); err != nil {
			return &hv.StatesError{Op: fmt.Sprintf("set_one_reg(%d)", r), Err: err}
		}
		s.dirty[r] = false
	}
	return nil
}

var _ hv.States = (*ARM64States)(nil)

// States implements hv.Cpu.
func (c *cpu) States() (hv.States, error) {
	s := &ARM64States{c: c}
	for r, id := range arm64RegKvmID {
		if err := getOneReg(c.fd, id, unsafe.Pointer(&s.vals[r])); err != nil {
			return nil, &hv.StatesError{Op: fmt.Sprintf("get_one_reg(%d)", r), Err: err}
		}
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

func arm64ReadGuestU64(vm *virtualMachine, pa uint64) (uint64, error) {
	lm := vm.guestRam.Lock(pa, 8)
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
	if vaddr>>63 != 0 {
		if err := getOneReg(c.fd, arm64SysRegTtbr1El1, unsafe.Pointer(&ttbr)); err != nil {
			return 0, &hv.TranslateError{VAddr: vaddr, Err: err}
		}
	} else {
		if err := getOneReg(c.fd, arm64SysRegTtbr0El1, unsafe.Pointer(&ttbr)); err != nil {
			return 0, &hv.TranslateError{VAddr: vaddr, Err: err}
		}
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

// archReadCpuFeats reads the AArch64 MMU feature registers KVM exposes
// once the preferred target is known, for hypervisor.CpuFeatures to
// report.
func archReadCpuFeats(vcpuFd int) (hv.CpuFeats, error) {
	var feats hv.CpuFeats
	if err := getOneReg(vcpuFd, arm64SysRegIdAa64Mmfr0El1, unsafe.Pointer(&feats.MMFR0)); err != nil {
		return hv.CpuFeats{}, fmt.Errorf("kvm: get id_aa64mmfr0_el1: %w", err)
	}
	if err := getOneReg(vcpuFd, arm64SysRegIdAa64Mmfr1El1, unsafe.Pointer(&feats.MMFR1)); err != nil {
		return hv.CpuFeats{}, fmt.Errorf("kvm: get id_aa64mmfr1_el1: %w", err)
	}
	if err := getOneReg(vcpuFd, arm64SysRegIdAa64Mmfr2El1, unsafe.Pointer(&feats.MMFR2)); err != nil {
		return hv.CpuFeats{}, fmt.Errorf("kvm: get id_aa64mmfr2_el1: %w", err)
	}
	return feats, nil
}

// archVMInit has nothing to do on ARM64: interrupt controller setup is
// out of scope, so the VM needs no additional configuration beyond
// memory region registration.
func archVMInit(h *hypervisor, vm *virtualMachine) error {
	return nil
}

// archVCPUInit asks KVM for the preferred CPU target, enables PSCI 0.2
// so the guest can request power-state transitions, and initializes
// the vCPU against that target.
func archVCPUInit(h *hypervisor, c *cpu) error {
	init, err := armPreferredTarget(c.vm.vmFd)
	if err != nil {
		return fmt.Errorf("kvm: arm preferred target: %w", err)
	}

	enableArmVcpuFeature(&init, kvmArmVcpuFeaturePsci02)

	if err := armVcpuInit(c.fd, &init); err != nil {
		return fmt.Errorf("kvm: arm vcpu init: %w", err)
	}

	return nil
}

func enableArmVcpuFeature(init *kvmVcpuInit, feature uint32) {
	word := feature / 32
	bit := feature % 32
	if int(word) >= kvmArmVcpuInitFeatureWords {
		return
	}
	init.Features[word] |= 1 << bit
}
