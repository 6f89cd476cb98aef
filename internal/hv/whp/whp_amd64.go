//go:build windows && amd64

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
func (h *hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

// ioWriteback records a pending port-I/O read's destination: on amd64
// that's always Rax, with only the low accessSize bytes overwritten.
type ioWriteback struct {
	data []byte
}

var amd64RegisterMap = map[hv.Register]bindings.RegisterName{
	hv.RegisterAMD64Rax:    bindings.RegisterRax,
	hv.RegisterAMD64Rbx:    bindings.RegisterRbx,
	hv.RegisterAMD64Rcx:    bindings.RegisterRcx,
	hv.RegisterAMD64Rdx:    bindings.RegisterRdx,
	hv.RegisterAMD64Rsi:    bindings.RegisterRsi,
	hv.RegisterAMD64Rdi:    bindings.RegisterRdi,
	hv.RegisterAMD64Rsp:    bindings.RegisterRsp,
	hv.RegisterAMD64Rbp:    bindings.RegisterRbp,
	hv.RegisterAMD64R8:     bindings.RegisterR8,
	hv.RegisterAMD64R9:     bindings.RegisterR9,
	hv.RegisterAMD64R10:    bindings.RegisterR10,
	hv.RegisterAMD64R11:    bindings.RegisterR11,
	hv.RegisterAMD64R12:    bindings.RegisterR12,
	hv.RegisterAMD64R13:    bindings.RegisterR13,
	hv.RegisterAMD64R14:    bindings.RegisterR14,
	hv.RegisterAMD64R15:    bindings.RegisterR15,
	hv.RegisterAMD64Rip:    bindings.RegisterRip,
	hv.RegisterAMD64Rflags: bindings.RegisterRflags,
	hv.RegisterAMD64Cr0:    bindings.RegisterCr0,
	hv.RegisterAMD64Cr3:    bindings.RegisterCr3,
	hv.RegisterAMD64Cr4:    bindings.RegisterCr4,
}

var amd64RegisterOrder = []hv.Register{
	hv.RegisterAMD64Rax, hv.RegisterAMD64Rbx, hv.RegisterAMD64Rcx, hv.RegisterAMD64Rdx,
	hv.RegisterAMD64Rsi, hv.RegisterAMD64Rdi, hv.RegisterAMD64Rsp, hv.RegisterAMD64Rbp,
	hv.RegisterAMD64R8, hv.RegisterAMD64R9, hv.RegisterAMD64R10, hv.RegisterAMD64R11,
	hv.RegisterAMD64R12, hv.RegisterAMD64R13, hv.RegisterAMD64R14, hv.RegisterAMD64R15,
	hv.RegisterAMD64Rip, hv.RegisterAMD64Rflags, hv.RegisterAMD64Cr0, hv.RegisterAMD64Cr3,
	hv.RegisterAMD64Cr4,
}

// AMD64States is the register snapshot returned by cpu.States. WHP
// gets/sets the whole register set in one call, so unlike kvm's two
// banks (general-purpose/special) this tracks a single dirty flag.
type AMD64States struct {
	c *cpu

	vals  map[hv.Register]uint64
	efer  uint64
	dirty bool

	codeSelector, dataSelector uint16
}

func (s *AMD64States) get(r hv.Register) uint64     { return s.vals[r] }
func (s *AMD64States) set(r hv.Register, v uint64)   { s.vals[r] = v; s.dirty = true }

func (s *AMD64States) Rax() uint64        { return s.get(hv.RegisterAMD64Rax) }
func (s *AMD64States) SetRax(v uint64)    { s.set(hv.RegisterAMD64Rax, v) }
func (s *AMD64States) Rbx() uint64        { return s.get(hv.RegisterAMD64Rbx) }
func (s *AMD64States) SetRbx(v uint64)    { s.set(hv.RegisterAMD64Rbx, v) }
func (s *AMD64States) Rcx() uint64        { return s.get(hv.RegisterAMD64Rcx) }
func (s *AMD64States) SetRcx(v uint64)    { s.set(hv.RegisterAMD64Rcx, v) }
func (s *AMD64States) Rdx() uint64        { return s.get(hv.RegisterAMD64Rdx) }
func (s *AMD64States) SetRdx(v uint64)    { s.set(hv.RegisterAMD64Rdx, v) }
func (s *AMD64States) Rsi() uint64        { return s.get(hv.RegisterAMD64Rsi) }
func (s *AMD64States) SetRsi(v uint64)    { s.set(hv.RegisterAMD64Rsi, v) }
func (s *AMD64States) Rdi() uint64        { return s.get(hv.RegisterAMD64Rdi) }
func (s *AMD64States) SetRdi(v uint64)    { s.set(hv.RegisterAMD64Rdi, v) }
func (s *AMD64States) Rsp() uint64        { return s.get(hv.RegisterAMD64Rsp) }
func (s *AMD64States) SetRsp(v uint64)    { s.set(hv.RegisterAMD64Rsp, v) }
func (s *AMD64States) Rbp() uint64        { return s.get(hv.RegisterAMD64Rbp) }
func (s *AMD64States) SetRbp(v uint64)    { s.set(hv.RegisterAMD64Rbp, v) }
func (s *AMD64States) Rip() uint64        { return s.get(hv.RegisterAMD64Rip) }
func (s *AMD64States) SetRip(v uint64)    { s.set(hv.RegisterAMD64Rip, v) }
func (s *AMD64States) Rflags() uint64     { return s.get(hv.RegisterAMD64Rflags) }
func (s *AMD64States) SetRflags(v uint64) { s.set(hv.RegisterAMD64Rflags, v) }
func (s *AMD64States) Cr0() uint64        { return s.get(hv.RegisterAMD64Cr0) }
func (s *AMD64States) SetCr0(v uint64)    { s.set(hv.RegisterAMD64Cr0, v) }
func (s *AMD64States) Cr3() uint64        { return s.get(hv.RegisterAMD64Cr3) }
func (s *AMD64States) SetCr3(v uint64)    { s.set(hv.RegisterAMD64Cr3, v) }
func (s *AMD64States) Cr4() uint64        { return s.get(hv.RegisterAMD64Cr4) }
func (s *AMD64States) SetCr4(v uint64)    { s.set(hv.RegisterAMD64Cr4, v) }
func (s *AMD64States) Efer() uint64       { return s.efer }
func (s *AMD64States) SetEfer(v uint64)   { s.efer = v; s.dirty = true }

// CR0/CR4/EFER bits needed to enter 64-bit long mode - same values kvm's
// AMD64States.SetLongMode uses.
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

func makeSegmentAttributes(typeVal, s, dpl, p, avl, l, db, g uint16) uint16 {
	return (typeVal & 0xF) |
		((s & 0x1) << 4) |
		((dpl & 0x3) << 5) |
		((p & 0x1) << 7) |
		((avl & 0x1) << 12) |
		((l & 0x1) << 13) |
		((db & 0x1) << 14) |
		((g & 0x1) << 15)
}

// SetLongMode points CR3 at pml4Addr and flips on the CR0/CR4/EFER bits
// long mode requires, plus flat 64-bit code/data segments. It does not
// touch general-purpose registers - callers set Rip/Rsp themselves.
func (s *AMD64States) SetLongMode(pml4Addr uint64, codeSelector, dataSelector uint16) {
	s.SetCr3(pml4Addr)
	s.SetCr4(s.Cr4() | amd64Cr4PAE)
	s.SetCr0(s.Cr0() | amd64Cr0PE | amd64Cr0MP | amd64Cr0ET | amd64Cr0NE | amd64Cr0WP | amd64Cr0AM | amd64Cr0PG)
	s.SetEfer(s.Efer() | amd64EferLME | amd64EferLMA)

	s.codeSelector = codeSelector
	s.dataSelector = dataSelector
	s.dirty = true
}

// Commit implements hv.States.
func (s *AMD64States) Commit() error {
	if !s.dirty {
		return nil
	}
	return s.c.submit(func() error {
		names := make([]bindings.RegisterName, 0, len(amd64RegisterOrder)+7)
		values := make([]bindings.RegisterValue, 0, cap(names))
		for _, r := range amd64RegisterOrder {
			names = append(names, amd64RegisterMap[r])
			var v bindings.RegisterValue
			v.SetUint64(s.vals[r])
			values = append(values, v)
		}

		var efer bindings.RegisterValue
		efer.SetUint64(s.efer)
		names = append(names, bindings.RegisterEfer)
		values = append(values, efer)

		if s.codeSelector != 0 || s.dataSelector != 0 {
			codeAttrs := makeSegmentAttributes(11, 1, 0, 1, 0, 1, 0, 1)
			dataAttrs := makeSegmentAttributes(3, 1, 0, 1, 0, 0, 1, 1)

			seg := func(selector uint16, attrs uint16) bindings.RegisterValue {
				var v bindings.RegisterValue
				segVal := v.AsSegment()
				segVal.Base = 0
				segVal.Limit = 0xffffffff
				segVal.Selector = selector
				segVal.Attributes = attrs
				return v
			}

			names = append(names, bindings.RegisterCs, bindings.RegisterDs, bindings.RegisterEs,
				bindings.RegisterFs, bindings.RegisterGs, bindings.RegisterSs)
			values = append(values,
				seg(s.codeSelector, codeAttrs),
				seg(s.dataSelector, dataAttrs),
				seg(s.dataSelector, dataAttrs),
				seg(s.dataSelector, dataAttrs),
				seg(s.dataSelector, dataAttrs),
				seg(s.dataSelector, dataAttrs),
			)
		}

		if err := setRegisters(s.c.vm.part, s.c.id, names, values); err != nil {
			return &hv.StatesError{Op: "set_registers", Err: err}
		}
		s.dirty = false
		return nil
	})
}

var _ hv.States = (*AMD64States)(nil)

// States implements hv.Cpu.
func (c *cpu) States() (hv.States, error) {
	s := &AMD64States{c: c, vals: make(map[hv.Register]uint64, len(amd64RegisterOrder)+1)}
	err := c.submit(func() error {
		names := make([]bindings.RegisterName, len(amd64RegisterOrder)+1)
		for i, r := range amd64RegisterOrder {
			names[i] = amd64RegisterMap[r]
		}
		names[len(amd64RegisterOrder)] = bindings.RegisterEfer

		values, err := getRegisters(c.vm.part, c.id, names)
		if err != nil {
			return err
		}
		for i, r := range amd64RegisterOrder {
			s.vals[r] = *values[i].AsUint64()
		}
		s.efer = *values[len(amd64RegisterOrder)].AsUint64()
		return nil
	})
	if err != nil {
		return nil, &hv.StatesError{Op: "get_registers", Err: err}
	}
	return s, nil
}

const (
	amd64PTEPresent  = 1 << 0
	amd64PTEPageSize = 1 << 7
	amd64PTEAddrMask = 0x000ffffffffff000
)

func amd64ReadGuestU64(v *virtualMachine, pa uint64) (uint64, error) {
	lm := v.guestRam.Lock(pa, 8)
	if lm == nil {
		return 0, fmt.Errorf("guest physical address 0x%x is not mapped", pa)
	}
	defer lm.Close()
	return binary.LittleEndian.Uint64(lm.Bytes()), nil
}

// Translate implements hv.Cpu by walking the standard 4-level, 4 KiB
// granule x86-64 page tables rooted at CR3, the mirror image of the
// layout internal/pagetables builds - same walk as the kvm backend.
func (c *cpu) Translate(vaddr uint64) (uint64, error) {
	var cr3 uint64
	err := c.submit(func() error {
		values, err := getRegisters(c.vm.part, c.id, []bindings.RegisterName{bindings.RegisterCr3})
		if err != nil {
			return err
		}
		cr3 = *values[0].AsUint64()
		return nil
	})
	if err != nil {
		return 0, &hv.TranslateError{VAddr: vaddr, Err: err}
	}

	table := cr3 & amd64PTEAddrMask
	shifts := [4]uint64{39, 30, 21, 12}

	for level, shift := range shifts {
		idx := (vaddr >> shift) & 0x1FF
		entry, err := amd64ReadGuestU64(c.vm, table+idx*8)
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
// x86-64 has no analogue to AArch64's ID_AA64MMFR registers, so there
// is nothing to snapshot.
func archReadCpuFeats() hv.CpuFeats { return hv.CpuFeats{} }

// archVMInit sets no partition properties on amd64; the halt and
// I/O-port-access exits runOnce handles are not requested here. CPUID
// and MSR trapping are left at WHP's default
// (handled by the platform, not exited to us), mirroring kvm's default
// in-kernel handling of both.
func (h *hypervisor) archVMInit(vm *virtualMachine, numCpus int) error {
	return nil
}

func (h *hypervisor) archVCPUInit(vm *virtualMachine, c *cpu) error {
	return nil
}

// runOnce issues one RunVirtualProcessor and demultiplexes the result.
// MMIO is deliberately unsupported here: WHP gives no ARM64-style
// decoded data-abort syndrome for a memory-access exit on x86, only
// raw instruction bytes, and the platform's own instruction-emulation
// API (WHvEmulatorTryMmioEmulation) resolves accesses synchronously
// inside a callback rather than returning a caller-visible exit - a
// shape that doesn't fit the next-Run()-resolves-it Io contract every
// other backend follows. Guests on this backend must use port I/O.
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

	debug.Writef("whp-amd64.Run exit", "vCPU %d exited with reason %s", c.id, exit.ExitReason)

	switch exit.ExitReason {
	case bindings.RunVPExitReasonCanceled:
		return hv.Exit{Kind: hv.ExitUnknown}, nil

	case bindings.RunVPExitReasonX64Halt:
		return hv.Exit{Kind: hv.ExitHalt}, nil

	case bindings.RunVPExitReasonX64IoPortAccess:
		return c.handleIoPortAccess(&exit)

	default:
		return hv.Exit{}, fmt.Errorf("whp: unsupported vCPU exit reason %s", exit.ExitReason)
	}
}

// handleIoPortAccess services a port I/O exit. RIP is advanced right
// away since WHP reports the exit with RIP still pointing at the IN/OUT
// instruction. For a read, the Rax writeback is deferred to the start
// of the next runOnce (c.pending), the same pattern hvf uses for MMIO
// reads, since the caller fills Exit.Io.Data after this call returns.
func (c *cpu) handleIoPortAccess(exit *bindings.RunVPExitContext) (hv.Exit, error) {
	io := exit.IoPortAccess()

	accessSize := int((io.AccessInfo.AsUINT32 >> 1) & 0x7)
	isWrite := io.AccessInfo.AsUINT32&0x1 != 0
	instrLen := uint64(exit.VpContext.InstructionLengthCr8 & 0xF)

	if err := c.advanceRip(instrLen); err != nil {
		return hv.Exit{}, err
	}

	data := make([]byte, accessSize)
	if isWrite {
		for i := 0; i < accessSize; i++ {
			data[i] = byte(io.Rax >> (8 * i))
		}
		return hv.Exit{Kind: hv.ExitIo, Io: hv.Io{Addr: uint64(io.Port), Direction: hv.IoWrite, Data: data}}, nil
	}

	c.pending = &ioWriteback{data: data}
	return hv.Exit{Kind: hv.ExitIo, Io: hv.Io{Addr: uint64(io.Port), Direction: hv.IoRead, Data: data}}, nil
}

func (c *cpu) advanceRip(instrLen uint64) error {
	values, err := getRegisters(c.vm.part, c.id, []bindings.RegisterName{bindings.RegisterRip})
	if err != nil {
		return &hv.RunError{Err: fmt.Errorf("whp: get rip: %w", err)}
	}
	rip := *values[0].AsUint64()

	var v bindings.RegisterValue
	v.SetUint64(rip + instrLen)
	if err := setRegisters(c.vm.part, c.id, []bindings.RegisterName{bindings.RegisterRip}, []bindings.RegisterValue{v}); err != nil {
		return &hv.RunError{Err: fmt.Errorf("whp: set rip: %w", err)}
	}
	return nil
}

// resolvePendingIo writes a deferred port-read result into Rax,
// preserving the upper bytes the guest wasn't reading.
func (c *cpu) resolvePendingIo() error {
	p := c.pending
	c.pending = nil

	values, err := getRegisters(c.vm.part, c.id, []bindings.RegisterName{bindings.RegisterRax})
	if err != nil {
		return &hv.RunError{Err: fmt.Errorf("whp: get rax after io read: %w", err)}
	}
	rax := *values[0].AsUint64()

	mask := uint64(0)
	var value uint64
	for i := len(p.data) - 1; i >= 0; i-- {
		value = value<<8 | uint64(p.data[i])
		mask = mask<<8 | 0xFF
	}
	rax = (rax &^ mask) | value

	var v bindings.RegisterValue
	v.SetUint64(rax)
	if err := setRegisters(c.vm.part, c.id, []bindings.RegisterName{bindings.RegisterRax}, []bindings.RegisterValue{v}); err != nil {
		return &hv.RunError{Err: fmt.Errorf("whp: set rax after io read: %w", err)}
	}
	return nil
}
