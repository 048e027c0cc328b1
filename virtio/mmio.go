// Package virtio implements the virtio-mmio block and network devices:
// a fixed memory-mapped register window per device plus the
// queue-notify-driven data plane built on the virtqueue package.
package virtio

import (
	"github.com/axvmhq/axvm/memory"
	"github.com/axvmhq/axvm/virtqueue"
)

// Virtio-mmio v2 register offsets, common to every device.
const (
	RegMagic             = 0x000
	RegVersion           = 0x004
	RegDeviceID          = 0x008
	RegVendorID          = 0x00C
	RegDeviceFeatures    = 0x010
	RegDeviceFeaturesSel = 0x014
	RegDriverFeatures    = 0x020
	RegDriverFeaturesSel = 0x024
	RegQueueSel          = 0x030
	RegQueueNumMax       = 0x034
	RegQueueNum          = 0x038
	RegQueueReady        = 0x044
	RegQueueNotify       = 0x050
	RegInterruptStatus   = 0x060
	RegInterruptAck      = 0x064
	RegStatus            = 0x070
	RegQueueDescLow      = 0x080
	RegQueueDescHigh     = 0x084
	RegQueueAvailLow     = 0x090
	RegQueueAvailHigh    = 0x094
	RegQueueUsedLow      = 0x0A0
	RegQueueUsedHigh     = 0x0A4
	RegConfig            = 0x100
)

// MagicValue is the little-endian ASCII value "virt", required at RegMagic.
const MagicValue = 0x74726976

// Version is the virtio-mmio transport version this implementation speaks.
const Version = 2

// Vendor and device IDs. The block device reports the conventional
// virtio-mmio vendor id; the net device reports the legacy virtio-PCI
// vendor id some guest drivers still special-case.
const (
	BlockVendorID = 0x554D4551
	NetVendorID   = 0x1AF4

	DeviceIDNet   = 1
	DeviceIDBlock = 2
)

// InterruptStatus bits.
const (
	InterruptUsedBuffer   = 1 << 0
	InterruptConfigChange = 1 << 1
)

const windowSize = 0x1000

// MMIODevice is implemented by every virtio-mmio device the run loop
// dispatches EXITMMIO traps to, by guest-physical window membership
// rather than by fixed port number.
type MMIODevice interface {
	Base() uint64
	Size() uint64
	Read(offset uint64, data []byte)
	Write(offset uint64, data []byte, mem *memory.GuestMemory) (irq bool)
}

// setLow32/setHigh32 update the low or high 32 bits of a 64-bit
// guest-physical address register, the pattern every queue_desc/avail/
// used register pair uses.
func setLow32(addr *uint64, v uint32) {
	*addr = (*addr &^ 0xFFFFFFFF) | uint64(v)
}

func setHigh32(addr *uint64, v uint32) {
	*addr = (*addr & 0xFFFFFFFF) | (uint64(v) << 32)
}

// newQueues allocates n virtqueue.Queue slots, all initially not ready.
func newQueues(n int) []*virtqueue.Queue {
	qs := make([]*virtqueue.Queue, n)
	for i := range qs {
		qs[i] = &virtqueue.Queue{}
	}

	return qs
}
