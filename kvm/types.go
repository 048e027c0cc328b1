package kvm

import "unsafe"

const numInterrupts = 0x100

// Regs holds the x86-64 general-purpose register file, shared by both
// 32-bit and 64-bit guest entry modes (only a subset is meaningful in
// 32-bit mode).
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// Segment is an x86 segment descriptor as consumed by KVM_SET_SREGS.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor describes a GDT/IDT table pointer (base + limit).
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs holds segment and control registers.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// DebugRegs holds the x86 debug-register file (DR0-DR7), used by the
// optional single-step trace path.
type DebugRegs struct {
	DB    [4]uint64
	DR6   uint64
	DR7   uint64
	Flags uint64
	_     [9]uint64
}

// RunData is the layout of the kvm_run structure mmapped over the
// vCPU file descriptor. Only the fields the run loop consumes are
// named; the rest is reached through the Data payload area.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the kvm_run.io union for an EXITIO exit: direction (0=in,
// 1=out), operand size in bytes, port number, repeat count, and the
// byte offset (from the start of RunData) of the data buffer.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// MMIO decodes the kvm_run.mmio union for an EXITMMIO exit: guest
// physical address, up to 8 bytes of data, length, and write flag.
func (r *RunData) MMIO() (addr uint64, data [8]byte, length uint32, isWrite bool) {
	addr = r.Data[0]

	for i := 0; i < 8; i++ {
		data[i] = byte(r.Data[1] >> (8 * i))
	}

	length = uint32(r.Data[2] & 0xFFFFFFFF)
	isWrite = (r.Data[2]>>32)&0xFF != 0

	return addr, data, length, isWrite
}

// SetMMIOData overwrites the first len(data) bytes of the mmio data
// field, the write-back path for an MMIO read exit: the guest resumes
// expecting these bytes in the register KVM_RUN decoded the access
// into.
func (r *RunData) SetMMIOData(data []byte) {
	var packed uint64
	for i, b := range data {
		packed |= uint64(b) << (8 * i)
	}

	r.Data[1] = packed
}

// IOData returns a byte slice over the kvm_run page's I/O data buffer
// for an EXITIO exit, at the struct-relative offset IO() reported.
// Real KVM places this buffer past the fixed-size struct fields
// covered by RunData's named fields, at a page-granular offset into
// the same mmap region r lives in, so this reaches outside r itself
// via pointer arithmetic from its address rather than through a typed
// field.
func (r *RunData) IOData(offset uint64, size int) []byte {
	base := unsafe.Pointer(r)
	ptr := unsafe.Add(base, uintptr(offset))

	return unsafe.Slice((*byte)(ptr), size)
}

// UserspaceMemoryRegion describes a guest-physical memory slot backed
// by host userspace memory.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages marks a region for dirty-page tracking.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() { r.Flags |= 1 << 0 }

// SetMemReadonly marks a region read-only from the guest's perspective.
func (r *UserspaceMemoryRegion) SetMemReadonly() { r.Flags |= 1 << 1 }

// IRQLevel is the argument to KVM_IRQ_LINE.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// PitConfig is the argument to KVM_CREATE_PIT2.
type PitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CPUIDEntry2 is one leaf/subleaf of a CPUID table.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// MaxCPUIDEntries bounds the fixed-size entry array KVM_GET_SUPPORTED_CPUID
// and KVM_SET_CPUID2 exchange.
const MaxCPUIDEntries = 100

// CPUID is the set of CPUID entries exchanged with
// KVM_GET_SUPPORTED_CPUID / KVM_SET_CPUID2.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [MaxCPUIDEntries]CPUIDEntry2
}

const (
	// CPUIDSignature is the leaf at which a hypervisor reports its
	// identifying signature to the guest.
	CPUIDSignature = 0x40000000
	// CPUIDFeatures is the leaf immediately following the signature
	// leaf, reporting hypervisor feature bits.
	CPUIDFeatures = 0x40000001
)
