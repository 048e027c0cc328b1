// Package bootimage loads a bzImage-format Linux kernel into guest
// memory and produces the zero-page the kernel expects to find at
// entry, following the x86 boot protocol's bzImage loader contract.
package bootimage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/axvmhq/axvm/memory"
)

// ErrNotABzImage is returned when the image lacks the "HdrS" magic at
// file offset 0x202.
var ErrNotABzImage = errors.New("bootimage: not a bzImage (missing HdrS magic)")

// ErrTruncatedImage is returned when the file is shorter than the
// fixed-size portion of the setup header it must contain.
var ErrTruncatedImage = errors.New("bootimage: truncated image")

// Fixed guest-physical addresses the loader places data at. These
// match the layout the bootstrap code (machine/bootstrap.go) assumes
// when building vCPU 0's initial register state.
const (
	ZeroPageAddr  = 0x7000
	CmdlineAddr   = 0x20000
	KernelAddr    = 0x100000
	defaultEntry  = KernelAddr
	lowMemLimit   = 0x9FC00
	cmdlineMax    = 0x10000 // cmdline must fit below the 64 KiB line starting at CmdlineAddr's segment
	defaultSects  = 4       // historical default when setup_sects is absent (zero) in the header
	minHeaderSize = 0x268 - 0x1F1
	loadedHigh    = 0x80 // loadflags bit: CAN_USE_HEAP
	typeOfLoader  = 0xFF // "undefined" loader id, matches teacher convention
)

// LoadResult carries what the caller needs to start a vCPU at the
// kernel's entry point.
type LoadResult struct {
	EntryPoint uint64
	ZeroPage   *BootParams
}

// Load implements the bzImage loading procedure: it reads the kernel
// image from path, places the kernel body, the command line and the
// populated zero page into mem, and returns the guest entry point.
func Load(path, cmdline string, mem *memory.GuestMemory, memSize uint64) (*LoadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bootimage: open %s: %w", path, err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("bootimage: read %s: %w", path, err)
	}

	if len(raw) < 0x1F1+minHeaderSize {
		return nil, ErrTruncatedImage
	}

	header := raw[0x1F1:]

	magic := binary.LittleEndian.Uint32(header[shHeader:])
	if magic != SetupHeaderMagic {
		return nil, ErrNotABzImage
	}

	zp := NewBootParams()
	zp.LoadSetupHeader(header[:minHeaderSize])

	// Step: E820 memory map. Low memory below the legacy BIOS data
	// area, then all RAM the VMM allocated starting at the 1 MiB mark.
	zp.AddE820Entry(0, lowMemLimit, E820RAM)
	if memSize > KernelAddr {
		zp.AddE820Entry(KernelAddr, memSize-KernelAddr, E820RAM)
	}

	// Step: command line, NUL-terminated, truncated to fit below the
	// 64 KiB window starting at CmdlineAddr.
	cl := []byte(cmdline)
	if len(cl)+1 > cmdlineMax {
		cl = cl[:cmdlineMax-1]
	}

	cl = append(cl, 0)

	if err := mem.WriteBytes(CmdlineAddr, cl); err != nil {
		return nil, fmt.Errorf("bootimage: writing cmdline: %w", err)
	}

	zp.SetCmdlinePtr(CmdlineAddr)
	zp.SetCmdlineSize(uint32(len(cl) - 1))

	// Step: loader identity and heap-use flag. Bit 0x80 of loadflags
	// (CAN_USE_HEAP) may only be set for protocol version >= 0x0200.
	zp.SetTypeOfLoader(typeOfLoader)

	flags := zp.LoadFlags()
	if zp.Version() >= 0x0200 {
		flags |= loadedHigh
	}

	zp.SetLoadFlags(flags)
	zp.SetHeapEndPtr(0xDE00)

	// Step: locate and copy the protected-mode kernel body. setup_sects
	// counts 512-byte sectors of real-mode setup code following the
	// first sector (the boot sector itself); a value of zero means the
	// historical default of 4.
	setupSects := zp.SetupSects()
	if setupSects == 0 {
		setupSects = defaultSects
		zp.SetSetupSects(setupSects)
	}

	kernelOff := (int(setupSects) + 1) * 512
	if kernelOff > len(raw) {
		return nil, ErrTruncatedImage
	}

	body := raw[kernelOff:]
	if err := mem.WriteBytes(KernelAddr, body); err != nil {
		return nil, fmt.Errorf("bootimage: writing kernel body: %w", err)
	}

	// Step: write the populated zero page itself.
	if err := mem.WriteBytes(ZeroPageAddr, zp.Bytes()); err != nil {
		return nil, fmt.Errorf("bootimage: writing zero page: %w", err)
	}

	entry := uint64(zp.Code32Start())
	if entry == 0 {
		entry = defaultEntry
	}

	return &LoadResult{EntryPoint: entry, ZeroPage: zp}, nil
}
