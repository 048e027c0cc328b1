package bootimage

import "encoding/binary"

// Byte offsets into the 4 KiB zero-page, per the Linux x86 boot
// protocol (Documentation/x86/boot.rst). The full layout is used, not
// the abbreviated one some lineages of this codebase carry, per the
// distilled specification's explicit preference for the layout that
// matches the boot-protocol documentation bit-exactly.
const (
	offE820Entries = 0x1E8
	offSetupHeader = 0x1F1
	offE820Table   = 0x2D0

	e820EntrySize  = 20
	maxE820Entries = 128

	// ZeroPageSize is the size of the boot_params structure.
	ZeroPageSize = 4096
)

// SetupHeader field offsets, relative to offSetupHeader (i.e. absolute
// offset = offSetupHeader + offset below). Mirrors the real-mode
// kernel header embedded at file offset 0x1F1 of a bzImage.
const (
	shSetupSects     = 0x00 // u8
	shRootFlags      = 0x01 // u16
	shSysSize        = 0x03 // u32
	shRAMSize        = 0x07 // u16, obsolete
	shVidMode        = 0x09 // u16
	shRootDev        = 0x0B // u16
	shBootFlag       = 0x0D // u16, must be 0xAA55
	shJump           = 0x0F // u16
	shHeader         = 0x11 // u32, magic "HdrS"
	shVersion        = 0x15 // u16
	shRealModeSwitch = 0x17 // u32
	shStartSysSeg    = 0x1B // u16
	shKernelVersion  = 0x1D // u16
	shTypeOfLoader   = 0x1F // u8
	shLoadFlags      = 0x20 // u8
	shSetupMoveSize  = 0x21 // u16
	shCode32Start    = 0x23 // u32
	shRamdiskImage   = 0x27 // u32
	shRamdiskSize    = 0x2B // u32
	shBootsectKludge = 0x2F // u32
	shHeapEndPtr     = 0x33 // u16
	shExtLoaderVer   = 0x35 // u8
	shExtLoaderType  = 0x36 // u8
	shCmdlinePtr     = 0x37 // u32
	shInitrdAddrMax  = 0x3B // u32
	shKernelAlign    = 0x3F // u32
	shRelocatable    = 0x43 // u8
	shMinAlignment   = 0x44 // u8
	shXLoadFlags     = 0x45 // u16
	shCmdlineSize    = 0x47 // u32
)

// SetupHeaderMagic is the little-endian value of the ASCII string
// "HdrS", required at image offset 0x202 (= offSetupHeader + shHeader).
const SetupHeaderMagic = 0x53726448

// E820 region types.
const (
	E820RAM      uint32 = 1
	E820Reserved uint32 = 2
)

// E820Entry is one (base, size, type) triple in the memory map.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// BootParams is the 4 KiB zero-page image the kernel reads at entry.
// It is modeled as a flat byte buffer with typed accessors rather than
// a packed Go struct, since several fields (E820 table, setup header)
// sit at offsets that are not naturally aligned for the struct field
// that follows them; explicit little-endian byte-wise access avoids
// relying on unsafe, alignment-sensitive struct overlays.
type BootParams struct {
	buf [ZeroPageSize]byte
}

// NewBootParams returns a zeroed zero-page image.
func NewBootParams() *BootParams {
	return &BootParams{}
}

// Bytes returns the raw zero-page image.
func (b *BootParams) Bytes() []byte {
	return b.buf[:]
}

func (b *BootParams) setU8(off int, v uint8)   { b.buf[off] = v }
func (b *BootParams) u8(off int) uint8         { return b.buf[off] }
func (b *BootParams) setU16(off int, v uint16) { binary.LittleEndian.PutUint16(b.buf[off:], v) }
func (b *BootParams) u16(off int) uint16       { return binary.LittleEndian.Uint16(b.buf[off:]) }
func (b *BootParams) setU32(off int, v uint32) { binary.LittleEndian.PutUint32(b.buf[off:], v) }
func (b *BootParams) u32(off int) uint32       { return binary.LittleEndian.Uint32(b.buf[off:]) }

// SetupSects / SetSetupSects — number of 512-byte sectors in the setup code.
func (b *BootParams) SetupSects() uint8         { return b.u8(offSetupHeader + shSetupSects) }
func (b *BootParams) SetSetupSects(v uint8)     { b.setU8(offSetupHeader+shSetupSects, v) }
func (b *BootParams) Header() uint32            { return b.u32(offSetupHeader + shHeader) }
func (b *BootParams) SetHeader(v uint32)        { b.setU32(offSetupHeader+shHeader, v) }
func (b *BootParams) Version() uint16           { return b.u16(offSetupHeader + shVersion) }
func (b *BootParams) SetTypeOfLoader(v uint8)   { b.setU8(offSetupHeader+shTypeOfLoader, v) }
func (b *BootParams) LoadFlags() uint8          { return b.u8(offSetupHeader + shLoadFlags) }
func (b *BootParams) SetLoadFlags(v uint8)      { b.setU8(offSetupHeader+shLoadFlags, v) }
func (b *BootParams) SetCode32Start(v uint32)   { b.setU32(offSetupHeader+shCode32Start, v) }
func (b *BootParams) Code32Start() uint32       { return b.u32(offSetupHeader + shCode32Start) }
func (b *BootParams) SetRamdiskImage(v uint32)  { b.setU32(offSetupHeader+shRamdiskImage, v) }
func (b *BootParams) SetRamdiskSize(v uint32)   { b.setU32(offSetupHeader+shRamdiskSize, v) }
func (b *BootParams) SetHeapEndPtr(v uint16)    { b.setU16(offSetupHeader+shHeapEndPtr, v) }
func (b *BootParams) SetCmdlinePtr(v uint32)    { b.setU32(offSetupHeader+shCmdlinePtr, v) }
func (b *BootParams) SetCmdlineSize(v uint32)   { b.setU32(offSetupHeader+shCmdlineSize, v) }
func (b *BootParams) CmdlineSize() uint32       { return b.u32(offSetupHeader + shCmdlineSize) }
func (b *BootParams) SetVidMode(v uint16)       { b.setU16(offSetupHeader+shVidMode, v) }
func (b *BootParams) SetRootDev(v uint16)       { b.setU16(offSetupHeader+shRootDev, v) }

// SetE820EntryCount writes the single-byte E820 entry count at 0x1E8.
func (b *BootParams) SetE820EntryCount(n uint8) { b.setU8(offE820Entries, n) }

// E820EntryCount reads the E820 entry count at 0x1E8.
func (b *BootParams) E820EntryCount() uint8 { return b.u8(offE820Entries) }

// AddE820Entry appends one E820 entry to the table at 0x2D0, bumping
// the count at 0x1E8. Once the table holds maxE820Entries entries,
// further calls are ignored.
func (b *BootParams) AddE820Entry(addr, size uint64, typ uint32) {
	n := int(b.E820EntryCount())
	if n >= maxE820Entries {
		return
	}

	off := offE820Table + n*e820EntrySize
	binary.LittleEndian.PutUint64(b.buf[off:], addr)
	binary.LittleEndian.PutUint64(b.buf[off+8:], size)
	binary.LittleEndian.PutUint32(b.buf[off+16:], typ)
	b.SetE820EntryCount(uint8(n + 1))
}

// E820Entries returns the populated E820 entries.
func (b *BootParams) E820Entries() []E820Entry {
	n := int(b.E820EntryCount())
	entries := make([]E820Entry, n)

	for i := 0; i < n; i++ {
		off := offE820Table + i*e820EntrySize
		entries[i] = E820Entry{
			Addr: binary.LittleEndian.Uint64(b.buf[off:]),
			Size: binary.LittleEndian.Uint64(b.buf[off+8:]),
			Type: binary.LittleEndian.Uint32(b.buf[off+16:]),
		}
	}

	return entries
}

// LoadSetupHeader copies the on-disk setup header (read starting at
// image offset 0x1F1) into the zero-page's embedded copy at the same
// offset, so that fields the loader does not explicitly touch (syssize,
// kernel_version, relocatable_kernel, ...) still reach the kernel
// verbatim.
func (b *BootParams) LoadSetupHeader(raw []byte) {
	copy(b.buf[offSetupHeader:], raw)
}
