package machine

import (
	"fmt"

	"github.com/axvmhq/axvm/bootimage"
	"github.com/axvmhq/axvm/kvm"
	"github.com/axvmhq/axvm/memory"
)

// gdtEntry packs one 8-byte GDT descriptor in the standard x86 layout.
func gdtEntry(base, limit uint32, access, flags uint8) uint64 {
	e := uint64(limit & 0xFFFF)
	e |= uint64(base&0xFFFFFF) << 16
	e |= uint64(access) << 40
	e |= uint64((limit>>16)&0xF) << 48
	e |= uint64(flags&0xF) << 52
	e |= uint64((base>>24)&0xFF) << 56

	return e
}

const (
	accessPresent = 1 << 7
	accessS       = 1 << 4
	accessCode    = 0xA // execute/read
	accessData    = 0x2 // read/write

	flags32 = 0xC // G=1, D/B=1
	flags64 = 0xA // G=1, L=1
)

// writeGDT lays out the 3-entry GDT (null, code, data) the distilled
// layout reserves 24 bytes for at gdtAddr, long64 selecting between
// the 32-bit and 64-bit code-segment flags nibble.
func writeGDT(mem *memory.GuestMemory, long64 bool) error {
	codeFlags := uint8(flags32)
	if long64 {
		codeFlags = flags64
	}

	entries := [3]uint64{
		0,
		gdtEntry(0, 0xFFFFF, accessPresent|accessS|accessCode, codeFlags),
		gdtEntry(0, 0xFFFFF, accessPresent|accessS|accessData, flags32),
	}

	for i, e := range entries {
		if err := mem.WriteU64(gdtAddr+uint64(i*8), e); err != nil {
			return err
		}
	}

	return nil
}

func flatSegment(selector uint16, typ uint8, l, db uint8) kvm.Segment {
	return kvm.Segment{
		Base:     0,
		Limit:    0xFFFFFFFF,
		Selector: selector,
		Typ:      typ,
		Present:  1,
		S:        1,
		G:        1,
		L:        l,
		DB:       db,
	}
}

func unusableSegment() kvm.Segment {
	return kvm.Segment{Unusable: 1}
}

// EnterProtectedMode configures vcpuFd for the 32-bit protected-mode
// entry path (bzImage boot): flat code/data segments over a 3-entry
// GDT, no paging, RIP at entryPoint and RSI pointing at the zero page.
func EnterProtectedMode(vcpuFd uintptr, mem *memory.GuestMemory, entryPoint, zeroPageAddr uint64) error {
	if err := writeGDT(mem, false); err != nil {
		return fmt.Errorf("machine: writing GDT: %w", err)
	}

	sregs, err := kvm.GetSregs(vcpuFd)
	if err != nil {
		return fmt.Errorf("machine: get sregs: %w", err)
	}

	sregs.CS = flatSegment(selCode, accessCode|0x80, 0, 1)
	data := flatSegment(selData, accessData|0x80, 0, 1)
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = data, data, data, data, data
	sregs.TR = kvm.Segment{Base: 0, Limit: 0, Selector: 0, Typ: 11, Present: 1}
	sregs.LDT = unusableSegment()
	sregs.GDT = kvm.Descriptor{Base: gdtAddr, Limit: 23}
	sregs.IDT = kvm.Descriptor{Base: 0, Limit: 0}
	sregs.CR0 = cr0PE
	sregs.CR3 = 0
	sregs.CR4 = 0
	sregs.EFER = 0

	if err := kvm.SetSregs(vcpuFd, sregs); err != nil {
		return fmt.Errorf("machine: set sregs: %w", err)
	}

	regs := kvm.Regs{
		RFLAGS: 2,
		RIP:    entryPoint,
		RSI:    zeroPageAddr,
		RSP:    initialStackTop,
	}

	if err := kvm.SetRegs(vcpuFd, regs); err != nil {
		return fmt.Errorf("machine: set regs: %w", err)
	}

	return nil
}

// buildIdentityMap writes a four-level identity map covering the
// first 1 GiB with 2 MiB pages into mem: PML4 -> PDPT -> 512 PD
// entries, each `addr | present|rw|PS`.
func buildIdentityMap(mem *memory.GuestMemory) error {
	const hugePage = 2 << 20

	if err := mem.WriteU64(pml4Addr, pdptAddr|pde64Present|pde64RW); err != nil {
		return err
	}

	if err := mem.WriteU64(pdptAddr, pdAddr|pde64Present|pde64RW); err != nil {
		return err
	}

	for i := uint64(0); i < 512; i++ {
		entry := i*hugePage | pde64Present | pde64RW | pde64PS
		if err := mem.WriteU64(pdAddr+i*8, entry); err != nil {
			return err
		}
	}

	return nil
}

// EnterLongMode configures vcpuFd for the 64-bit long-mode entry
// path: a 1 GiB identity map, flat 64-bit code/data segments, RIP at
// entryPoint and RSI pointing at the zero page.
func EnterLongMode(vcpuFd uintptr, mem *memory.GuestMemory, entryPoint uint64) error {
	if err := buildIdentityMap(mem); err != nil {
		return fmt.Errorf("machine: building identity map: %w", err)
	}

	if err := writeGDT(mem, true); err != nil {
		return fmt.Errorf("machine: writing GDT: %w", err)
	}

	sregs, err := kvm.GetSregs(vcpuFd)
	if err != nil {
		return fmt.Errorf("machine: get sregs: %w", err)
	}

	sregs.CS = flatSegment(selCode, accessCode|0x80, 1, 0)
	data := flatSegment(selData, accessData|0x80, 0, 1)
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = data, data, data, data, data
	sregs.TR = kvm.Segment{Base: 0, Limit: 0, Selector: 0, Typ: 11, Present: 1}
	sregs.LDT = unusableSegment()
	sregs.GDT = kvm.Descriptor{Base: gdtAddr, Limit: 23}
	sregs.IDT = kvm.Descriptor{Base: 0, Limit: 0}
	sregs.CR3 = pml4Addr
	sregs.CR4 = cr4PAE
	sregs.EFER = eferLME | eferLMA
	sregs.CR0 = cr0PE | cr0PG

	if err := kvm.SetSregs(vcpuFd, sregs); err != nil {
		return fmt.Errorf("machine: set sregs: %w", err)
	}

	regs := kvm.Regs{
		RFLAGS: 2,
		RIP:    entryPoint,
		RSI:    bootimage.ZeroPageAddr,
	}

	if err := kvm.SetRegs(vcpuFd, regs); err != nil {
		return fmt.Errorf("machine: set regs: %w", err)
	}

	return nil
}
