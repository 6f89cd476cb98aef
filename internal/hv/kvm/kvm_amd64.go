//go:build linux && amd64

package kvm

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/obhv/obhv/internal/hv"
)

// AMD64States is the x86-64 register-bank snapshot returned by
// cpu.States. Getters read the snapshot taken when States was called;
// setters mutate it in place and mark the owning bank (general-purpose
// or special) dirty so Commit only issues the ioctls it needs to.
type AMD64States struct {
	c *cpu

	regs  kvmRegs
	sregs kvmSRegs

	regsDirty  bool
	sregsDirty bool
}

func (s *AMD64States) Rax() uint64        { return s.regs.Rax }
func (s *AMD64States) SetRax(v uint64)    { s.regs.Rax = v; s.regsDirty = true }
func (s *AMD64States) Rbx() uint64        { return s.regs.Rbx }
func (s *AMD64States) SetRbx(v uint64)    { s.regs.Rbx = v; s.regsDirty = true }
func (s *AMD64States) Rcx() uint64        { return s.regs.Rcx }
func (s *AMD64States) SetRcx(v uint64)    { s.regs.Rcx = v; s.regsDirty = true }
func (s *AMD64States) Rdx() uint64        { return s.regs.Rdx }
func (s *AMD64States) SetRdx(v uint64)    { s.regs.Rdx = v; s.regsDirty = true }
func (s *AMD64States) Rsi() uint64        { return s.regs.Rsi }
func (s *AMD64States) SetRsi(v uint64)    { s.regs.Rsi = v; s.regsDirty = true }
func (s *AMD64States) Rdi() uint64        { return s.regs.Rdi }
func (s *AMD64States) SetRdi(v uint64)    { s.regs.Rdi = v; s.regsDirty = true }
func (s *AMD64States) Rsp() uint64        { return s.regs.Rsp }
func (s *AMD64States) SetRsp(v uint64)    { s.regs.Rsp = v; s.regsDirty = true }
func (s *AMD64States) Rbp() uint64        { return s.regs.Rbp }
func (s *AMD64States) SetRbp(v uint64)    { s.regs.Rbp = v; s.regsDirty = true }
func (s *AMD64States) Rip() uint64        { return s.regs.Rip }
func (s *AMD64States) SetRip(v uint64)    { s.regs.Rip = v; s.regsDirty = true }
func (s *AMD64States) Rflags() uint64     { return s.regs.Rflags }
func (s *AMD64States) SetRflags(v uint64) { s.regs.Rflags = v; s.regsDirty = true }

func (s *AMD64States) Cr0() uint64     { return s.sregs.Cr0 }
func (s *AMD64States) SetCr0(v uint64) { s.sregs.Cr0 = v; s.sregsDirty = true }
func (s *AMD64States) Cr3() uint64     { return s.sregs.Cr3 }
func (s *AMD64States) SetCr3(v uint64) { s.sregs.Cr3 = v; s.sregsDirty = true }
func (s *AMD64States) Cr4() uint64     { return s.sregs.Cr4 }
func (s *AMD64States) SetCr4(v uint64) { s.sregs.Cr4 = v; s.sregsDirty = true }
func (s *AMD64States) Efer() uint64    { return s.sregs.Efer }
func (s *AMD64States) SetEfer(v uint64) { s.sregs.Efer = v; s.sregsDirty = true }

// CR0/CR4/EFER bits needed to enter 64-bit long mode.
const (
	amd64Cr0PE = 1 << 0
	amd64Cr0MP = 1 << 1
	amd64Cr0ET = 1 << 4
	amd64Cr0NE = 1 << 5
	amd64Cr0WP = 1 << 16
	amd64Cr0AM = 1 << 18
	amd64Cr0PG = 1 << 31

	amd64Cr4PAE = 1 << 5

	amd64EferLME = 1 << 8
	amd64EferLMA = 1 << 10
)

// SetLongMode points CR3 at pml4Addr and flips on the CR0/CR4/EFER bits
// long mode requires, plus flat 64-bit code/data segments. It does not
// touch general-purpose registers - callers set Rip/Rsp themselves.
func (s *AMD64States) SetLongMode(pml4Addr uint64, codeSelector, dataSelector uint16) {
	s.sregs.Cr3 = pml4Addr
	s.sregs.Cr4 |= amd64Cr4PAE
	s.sregs.Cr0 |= amd64Cr0PE | amd64Cr0MP | amd64Cr0ET | amd64Cr0NE | amd64Cr0WP | amd64Cr0AM | amd64Cr0PG
	s.sregs.Efer |= amd64EferLME | amd64EferLMA

	code := kvmSegment{
		Base: 0, Limit: 0xffffffff, Selector: codeSelector,
		Present: 1, Type: 11, Dpl: 0, Db: 0, S: 1, L: 1, G: 1,
	}
	s.sregs.Cs = code

	data := code
	data.Type = 3
	data.L = 0
	data.Db = 1
	data.Selector = dataSelector
	s.sregs.Ds, s.sregs.Es, s.sregs.Fs, s.sregs.Gs, s.sregs.Ss = data, data, data, data, data

	s.sregsDirty = true
}

// Commit implements hv.States.
func (s *AMD64States) Commit() error {
	if s.regsDirty {
		if err := setRegisters(s.c.fd, &s.regs); err != nil {
			return &hv.StatesError{Op: "set_regs", Err: err}
		}
		s.regsDirty = false
	}
	if s.sregsDirty {
		if err := setSRegs(s.c.fd, &s.sregs); err != nil {
			return &hv.StatesError{Op: "set_sregs", Err: err}
		}
		s.sregsDirty = false
	}
	return nil
}

var _ hv.States = (*AMD64States)(nil)

// States implements hv.Cpu.
func (c *cpu) States() (hv.States, error) {
	regs, err := getRegisters(c.fd)
	if err != nil {
		return nil, &hv.StatesError{Op: "get_regs", Err: err}
	}
	sregs, err := getSRegs(c.fd)
	if err != nil {
		return nil, &hv.StatesError{Op: "get_sregs", Err: err}
	}
	return &AMD64States{c: c, regs: regs, sregs: sregs}, nil
}

const (
	amd64PTEPresent  = 1 << 0
	amd64PTEPageSize = 1 << 7
	amd64PTEAddrMask = 0x000ffffffffff000
)

func readGuestU64(vm *virtualMachine, pa uint64) (uint64, error) {
	lm := vm.guestRam.Lock(pa, 8)
	if lm == nil {
		return 0, fmt.Errorf("guest physical address 0x%x is not mapped", pa)
	}
	defer lm.Close()
	return binary.LittleEndian.Uint64(lm.Bytes()), nil
}

// Translate implements hv.Cpu by walking the standard 4-level,
// 4 KiB-granule x86-64 page tables rooted at CR3 - the mirror image of
// the layout internal/pagetables builds.
func (c *cpu) Translate(vaddr uint64) (uint64, error) {
	sregs, err := getSRegs(c.fd)
	if err != nil {
		return 0, &hv.TranslateError{VAddr: vaddr, Err: err}
	}

	table := sregs.Cr3 & amd64PTEAddrMask
	shifts := [4]uint64{39, 30, 21, 12}

	for level, shift := range shifts {
		idx := (vaddr >> shift) & 0x1FF
		entry, err := readGuestU64(c.vm, table+idx*8)
		if err != nil {
			return 0, &hv.TranslateError{VAddr: vaddr, Err: err}
		}
		if entry&amd64PTEPresent == 0 {
			return 0, &hv.TranslateError{VAddr: vaddr, Err: fmt.Errorf("page not present at level %d", level)}
		}
		if level < 3 && entry&amd64PTEPageSize != 0 {
			pageSize := uint64(1) << shift
			return (entry & amd64PTEAddrMask &^ (pageSize - 1)) | (vaddr & (pageSize - 1)), nil
		}
		table = entry & amd64PTEAddrMask
	}

	return table | (vaddr & 0xFFF), nil
}

// archReadCpuFeats implements the amd64 side of CpuFeats collection:
// x86-64 has no analogue to AArch64's ID_AA64MMFR registers here, so
// there is nothing to snapshot.
func archReadCpuFeats(vcpuFd int) (hv.CpuFeats, error) {
	return hv.CpuFeats{}, nil
}

// archVMInit sets the TSS address KVM needs to emulate real-mode/vm86
// transitions correctly on Intel hosts.
func archVMInit(h *hypervisor, vm *virtualMachine) error {
	if err := setTSSAddr(vm.vmFd, 0xfffbd000); err != nil {
		return fmt.Errorf("kvm: set tss addr: %w", err)
	}
	return nil
}

// archVCPUInit installs the host's supported CPUID leaves, normalizing
// the APIC ID fields so every vCPU presents as LAPIC ID 0.
func archVCPUInit(h *hypervisor, c *cpu) error {
	cpuID, err := getSupportedCpuId(h.fd)
	if err != nil {
		return fmt.Errorf("kvm: get supported cpuid: %w", err)
	}

	entries := unsafe.Slice((*kvmCPUIDEntry2)(unsafe.Pointer(uintptr(unsafe.Pointer(cpuID))+unsafe.Sizeof(*cpuID))), cpuID.Nr)
	for i := range entries {
		switch entries[i].Function {
		case 0x1:
			entries[i].Ebx &^= 0xFF000000
		case 0xB:
			entries[i].Ebx = 1
			entries[i].Edx = 0
		}
	}

	if err := setVCPUID(c.fd, cpuID); err != nil {
		return fmt.Errorf("kvm: set vcpu cpuid: %w", err)
	}

	return nil
}
