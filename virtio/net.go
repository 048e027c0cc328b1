package virtio

import (
	"sync"

	"github.com/axvmhq/axvm/memory"
	"github.com/axvmhq/axvm/virtqueue"
)

// Net feature bits.
const (
	netFMac = 1 << 5
)

const (
	queueRX = 0
	queueTX = 1

	netQueueMax = 256

	// netHdrLen is the size of the virtio-net header every packet is
	// prefixed with in guest memory (flags, gso_type, hdr_len, gso_size,
	// csum_start, csum_offset, num_buffers). The baseline implementation
	// always writes it zero-filled and ignores it on the way out.
	netHdrLen = 12

	maxFrameSize = 1514
)

// tapDevice is the subset of tap.Tap that Net needs, narrowed for
// testability.
type tapDevice interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
}

// Net is a two-queue virtio-mmio network device bridging a guest NIC
// to a host tap interface. A nil tap yields a device that still
// answers register reads (link down) but passes no frames.
type Net struct {
	mu sync.Mutex

	base uint64
	tap  tapDevice
	mac  [6]byte

	status            uint32
	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    uint64
	queueSel          uint32
	interruptStatus   uint32

	queues []*virtqueue.Queue
}

// DefaultMAC is the locally-administered MAC address assigned when the
// caller does not override it.
var DefaultMAC = [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

// NewNet returns a net device mapped at base, bridging to tap. tap may
// be nil.
func NewNet(base uint64, tap tapDevice) *Net {
	return &Net{
		base:   base,
		tap:    tap,
		mac:    DefaultMAC,
		queues: newQueues(2),
	}
}

// Base implements MMIODevice.
func (n *Net) Base() uint64 { return n.base }

// Size implements MMIODevice.
func (n *Net) Size() uint64 { return windowSize }

// Read implements MMIODevice.
func (n *Net) Read(offset uint64, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if offset >= RegConfig && offset < RegConfig+6 {
		for i := range data {
			idx := offset - RegConfig + uint64(i)
			if idx < 6 {
				data[i] = n.mac[idx]
			} else {
				data[i] = 0
			}
		}

		return
	}

	var v uint32

	switch offset {
	case RegMagic:
		v = MagicValue
	case RegVersion:
		v = Version
	case RegDeviceID:
		v = DeviceIDNet
	case RegVendorID:
		v = NetVendorID
	case RegDeviceFeatures:
		if n.deviceFeaturesSel == 0 {
			v = netFMac
		} else {
			v = fVersion1Hi
		}
	case RegQueueNumMax:
		v = netQueueMax
	case RegQueueReady:
		if sel := n.queueSel; sel < 2 && n.queues[sel].Ready {
			v = 1
		}
	case RegInterruptStatus:
		v = n.interruptStatus
	case RegStatus:
		v = n.status
	default:
		v = 0
	}

	putLE32(data, v)
}

// Write implements MMIODevice.
func (n *Net) Write(offset uint64, data []byte, mem *memory.GuestMemory) bool {
	if len(data) < 4 {
		return false
	}

	v := getLE32(data)

	n.mu.Lock()

	var notifySel uint32

	switch offset {
	case RegDeviceFeaturesSel:
		n.deviceFeaturesSel = v
	case RegDriverFeaturesSel:
		n.driverFeaturesSel = v
	case RegDriverFeatures:
		if n.driverFeaturesSel == 0 {
			setLow32(&n.driverFeatures, v)
		} else {
			setHigh32(&n.driverFeatures, v)
		}
	case RegQueueSel:
		n.queueSel = v
	case RegQueueNum:
		if n.queueSel < 2 {
			n.queues[n.queueSel].Size = uint16(v)
		}
	case RegQueueReady:
		if n.queueSel < 2 {
			n.queues[n.queueSel].Ready = v&1 == 1
		}
	case RegInterruptAck:
		n.interruptStatus &^= v
	case RegStatus:
		n.status = v
		if v == 0 {
			n.resetLocked()
		}
	case RegQueueDescLow:
		n.withSelectedQueue(func(q *virtqueue.Queue) { setLow32(&q.DescAddr, v) })
	case RegQueueDescHigh:
		n.withSelectedQueue(func(q *virtqueue.Queue) { setHigh32(&q.DescAddr, v) })
	case RegQueueAvailLow:
		n.withSelectedQueue(func(q *virtqueue.Queue) { setLow32(&q.AvailAddr, v) })
	case RegQueueAvailHigh:
		n.withSelectedQueue(func(q *virtqueue.Queue) { setHigh32(&q.AvailAddr, v) })
	case RegQueueUsedLow:
		n.withSelectedQueue(func(q *virtqueue.Queue) { setLow32(&q.UsedAddr, v) })
	case RegQueueUsedHigh:
		n.withSelectedQueue(func(q *virtqueue.Queue) { setHigh32(&q.UsedAddr, v) })
	case RegQueueNotify:
		notifySel = v
	}

	n.mu.Unlock()

	if offset == RegQueueNotify && notifySel == queueTX {
		return n.PollTX(mem)
	}

	return false
}

func (n *Net) withSelectedQueue(f func(*virtqueue.Queue)) {
	if n.queueSel < 2 {
		f(n.queues[n.queueSel])
	}
}

func (n *Net) resetLocked() {
	n.queues = newQueues(2)
	n.queueSel = 0
	n.interruptStatus = 0
}

// PollRX attempts one non-blocking read from the tap and, if a frame
// arrived and the RX queue has room, publishes it prefixed with a
// zero-filled virtio-net header. It is safe to call on every run-loop
// idle tick (see the vCPU 0 poller).
func (n *Net) PollRX(mem *memory.GuestMemory) bool {
	n.mu.Lock()
	tap := n.tap
	q := n.queues[queueRX]
	ready := q.Ready
	n.mu.Unlock()

	if tap == nil || !ready {
		return false
	}

	head, ok, err := q.DequeueHead(mem)
	if err != nil || !ok {
		return false
	}

	chain, err := q.WalkChain(mem, head)
	if err != nil || len(chain) == 0 {
		return false
	}

	buf := make([]byte, maxFrameSize)

	frameLen, err := tap.Read(buf)
	if err != nil || frameLen <= 0 {
		return false
	}

	desc := chain[0]
	if uint32(frameLen+netHdrLen) > desc.Len {
		return false
	}

	if err := mem.Fill(desc.Addr, netHdrLen, 0); err != nil {
		return false
	}

	if err := mem.WriteBytes(desc.Addr+netHdrLen, buf[:frameLen]); err != nil {
		return false
	}

	if err := q.PublishUsed(mem, head, uint32(frameLen+netHdrLen)); err != nil {
		return false
	}

	n.mu.Lock()
	n.interruptStatus |= InterruptUsedBuffer
	n.mu.Unlock()

	return true
}

// PollTX drains every available TX descriptor, writing each frame
// (minus its virtio-net header) to the tap.
func (n *Net) PollTX(mem *memory.GuestMemory) bool {
	n.mu.Lock()
	tap := n.tap
	q := n.queues[queueTX]
	ready := q.Ready
	n.mu.Unlock()

	if tap == nil || !ready {
		return false
	}

	worked := false

	for {
		head, ok, err := q.DequeueHead(mem)
		if err != nil || !ok {
			break
		}

		chain, err := q.WalkChain(mem, head)
		if err != nil || len(chain) == 0 {
			break
		}

		desc := chain[0]
		if desc.Len > netHdrLen {
			frame, err := mem.ReadBytes(desc.Addr+netHdrLen, int(desc.Len-netHdrLen))
			if err == nil {
				_, _ = tap.Write(frame)
			}
		}

		if err := q.PublishUsed(mem, head, 0); err != nil {
			break
		}

		worked = true
	}

	if worked {
		n.mu.Lock()
		n.interruptStatus |= InterruptUsedBuffer
		n.mu.Unlock()
	}

	return worked
}
