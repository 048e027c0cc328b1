package virtio

import (
	"fmt"
	"os"
	"sync"

	"github.com/axvmhq/axvm/memory"
	"github.com/axvmhq/axvm/virtqueue"
)

// Block feature bits offered on feature-selector page 0.
const (
	blkFSizeMax  = 1 << 1
	blkFSegMax   = 1 << 2
	blkFGeometry = 1 << 4
	blkFBlkSize  = 1 << 6
	// VERSION_1 lives in the high 32 bits of the 64-bit feature space,
	// so it shows up on feature-selector page 1.
	fVersion1Hi = 1 << 0
)

const (
	blkTypeIn  = 0
	blkTypeOut = 1

	blkStatusOK    = 0
	blkStatusIOErr = 1

	sectorSize = 512

	blkQueueMax = 256
)

// Block is a single-queue virtio-mmio block device backed by a plain
// file. A disk path of "" yields a device that still answers register
// reads (so the guest can enumerate it) but fails every I/O request.
type Block struct {
	mu sync.Mutex

	base uint64

	status            uint32
	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    uint64
	queueSel          uint32
	interruptStatus   uint32

	queue *virtqueue.Queue

	disk       *os.File
	numSectors uint64
}

// NewBlock opens diskPath (if non-empty) and returns a block device
// mapped at base.
func NewBlock(base uint64, diskPath string) (*Block, error) {
	b := &Block{base: base, queue: &virtqueue.Queue{}}

	if diskPath == "" {
		return b, nil
	}

	f, err := os.OpenFile(diskPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("virtio: opening disk %s: %w", diskPath, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("virtio: stat disk %s: %w", diskPath, err)
	}

	b.disk = f
	b.numSectors = uint64(info.Size()) / sectorSize

	return b, nil
}

// Base implements MMIODevice.
func (b *Block) Base() uint64 { return b.base }

// Size implements MMIODevice.
func (b *Block) Size() uint64 { return windowSize }

// Read implements MMIODevice.
func (b *Block) Read(offset uint64, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var v uint32

	switch offset {
	case RegMagic:
		v = MagicValue
	case RegVersion:
		v = Version
	case RegDeviceID:
		v = DeviceIDBlock
	case RegVendorID:
		v = BlockVendorID
	case RegDeviceFeatures:
		if b.deviceFeaturesSel == 0 {
			v = blkFSizeMax | blkFSegMax | blkFGeometry | blkFBlkSize
		} else {
			v = fVersion1Hi
		}
	case RegQueueNumMax:
		v = blkQueueMax
	case RegQueueReady:
		if b.queue.Ready {
			v = 1
		}
	case RegInterruptStatus:
		v = b.interruptStatus
	case RegStatus:
		v = b.status
	case RegConfig:
		v = uint32(b.numSectors)
	case RegConfig + 4:
		v = uint32(b.numSectors >> 32)
	case RegConfig + 0x14:
		v = sectorSize
	default:
		v = 0
	}

	putLE32(data, v)
}

// Write implements MMIODevice. It returns true when the write produced
// work that should raise the device's interrupt line.
func (b *Block) Write(offset uint64, data []byte, mem *memory.GuestMemory) bool {
	if len(data) < 4 {
		return false
	}

	v := getLE32(data)

	b.mu.Lock()

	switch offset {
	case RegDeviceFeaturesSel:
		b.deviceFeaturesSel = v
	case RegDriverFeaturesSel:
		b.driverFeaturesSel = v
	case RegDriverFeatures:
		if b.driverFeaturesSel == 0 {
			setLow32(&b.driverFeatures, v)
		} else {
			setHigh32(&b.driverFeatures, v)
		}
	case RegQueueSel:
		b.queueSel = v
	case RegQueueNum:
		b.queue.Size = uint16(v)
	case RegQueueReady:
		b.queue.Ready = v != 0
	case RegInterruptAck:
		b.interruptStatus &^= v
	case RegStatus:
		old := b.status
		b.status = v

		if v == 0 && old != 0 {
			b.queue.Reset()
		}
	case RegQueueDescLow:
		setLow32(&b.queue.DescAddr, v)
	case RegQueueDescHigh:
		setHigh32(&b.queue.DescAddr, v)
	case RegQueueAvailLow:
		setLow32(&b.queue.AvailAddr, v)
	case RegQueueAvailHigh:
		setHigh32(&b.queue.AvailAddr, v)
	case RegQueueUsedLow:
		setLow32(&b.queue.UsedAddr, v)
	case RegQueueUsedHigh:
		setHigh32(&b.queue.UsedAddr, v)
	}

	b.mu.Unlock()

	if offset == RegQueueNotify {
		return b.processQueue(mem)
	}

	return false
}

func (b *Block) processQueue(mem *memory.GuestMemory) bool {
	b.mu.Lock()
	q := b.queue
	ready := q.Ready && q.Size > 0
	b.mu.Unlock()

	if !ready {
		return false
	}

	worked := false

	for {
		head, ok, err := q.DequeueHead(mem)
		if err != nil || !ok {
			break
		}

		written, err := b.handleRequest(mem, q, head)
		if err != nil {
			break
		}

		if err := q.PublishUsed(mem, head, written); err != nil {
			break
		}

		worked = true
	}

	if worked {
		b.mu.Lock()
		b.interruptStatus |= InterruptUsedBuffer
		b.mu.Unlock()
	}

	return worked
}

// handleRequest walks one descriptor chain classifying descriptors by
// position: the first is the 16-byte request header, the last is the
// 1-byte status descriptor, and everything between carries the I/O
// payload.
func (b *Block) handleRequest(mem *memory.GuestMemory, q *virtqueue.Queue, head uint16) (uint32, error) {
	chain, err := q.WalkChain(mem, head)
	if err != nil || len(chain) < 2 {
		return 0, err
	}

	header := chain[0]
	status := chain[len(chain)-1]
	data := chain[1 : len(chain)-1]

	reqType, err := mem.ReadU32(header.Addr)
	if err != nil {
		return 0, err
	}

	sector, err := mem.ReadU64(header.Addr + 8)
	if err != nil {
		return 0, err
	}

	var written uint32

	statusByte := byte(blkStatusOK)

	if err := b.doIO(mem, reqType, sector, data, &written); err != nil {
		statusByte = blkStatusIOErr
	}

	if err := mem.WriteU8(status.Addr, statusByte); err != nil {
		return written, err
	}

	written++

	return written, nil
}

func (b *Block) doIO(mem *memory.GuestMemory, reqType uint32, sector uint64, data []virtqueue.Desc, written *uint32) error {
	if b.disk == nil {
		return fmt.Errorf("virtio: no disk attached")
	}

	off := int64(sector) * sectorSize

	for _, d := range data {
		if d.Len == 0 {
			continue
		}

		if reqType == blkTypeOut {
			buf, err := mem.ReadBytes(d.Addr, int(d.Len))
			if err != nil {
				return err
			}

			if _, err := b.disk.WriteAt(buf, off); err != nil {
				return err
			}
		} else {
			buf := make([]byte, d.Len)

			n, err := b.disk.ReadAt(buf, off)
			if n > 0 {
				if werr := mem.WriteBytes(d.Addr, buf[:n]); werr != nil {
					return werr
				}

				*written += uint32(n)
			}

			if err != nil && n == 0 {
				return err
			}
		}

		off += int64(d.Len)
	}

	return nil
}

func putLE32(data []byte, v uint32) {
	n := len(data)
	if n > 4 {
		n = 4
	}

	for i := 0; i < n; i++ {
		data[i] = byte(v >> (8 * i))
	}
}

func getLE32(data []byte) uint32 {
	var v uint32
	for i := 0; i < 4 && i < len(data); i++ {
		v |= uint32(data[i]) << (8 * i)
	}

	return v
}
