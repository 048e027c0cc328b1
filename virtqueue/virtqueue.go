// Package virtqueue implements the split-ring virtqueue protocol
// shared by every virtio-mmio device: descriptor table, available
// ring and used ring all live in guest memory and are walked through
// GuestMemory's bounds-checked accessors, since a misbehaving or
// malicious guest can point queue_desc/queue_avail/queue_used anywhere.
package virtqueue

import (
	"errors"
	"fmt"

	"github.com/axvmhq/axvm/memory"
)

// Descriptor flag bits.
const (
	DescFlagNext  uint16 = 1 << 0
	DescFlagWrite uint16 = 1 << 1
)

const (
	descEntrySize = 16 // addr(8) + len(4) + flags(2) + next(2)
	usedEntrySize = 8  // id(4) + len(4)
)

// ErrMalformedChain is returned when a descriptor chain exceeds the
// queue size, which can only happen if the guest has formed a cycle or
// otherwise corrupted the chain. Such a chain is dropped: no used
// entry is published for it.
var ErrMalformedChain = errors.New("virtqueue: descriptor chain exceeds queue size")

// Desc is one descriptor-table entry.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Queue is one device's split-ring state: the three guest-physical
// region addresses the driver configured, plus the device's private
// consumption cursor.
type Queue struct {
	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64

	Size  uint16 // queue_size, a power of two, <= device max
	Ready bool

	LastSeenAvail uint16
}

// Reset clears a queue back to its post-device-reset state: not ready,
// consumption cursor at zero. Addresses and Size are left for the
// driver to reconfigure.
func (q *Queue) Reset() {
	q.Ready = false
	q.LastSeenAvail = 0
}

func (q *Queue) descOffset(idx uint16) uint64 {
	return q.DescAddr + uint64(idx)*descEntrySize
}

// ReadDesc reads descriptor idx from the descriptor table.
func (q *Queue) ReadDesc(mem *memory.GuestMemory, idx uint16) (Desc, error) {
	off := q.descOffset(idx)

	addr, err := mem.ReadU64(off)
	if err != nil {
		return Desc{}, fmt.Errorf("virtqueue: reading desc[%d].addr: %w", idx, err)
	}

	length, err := mem.ReadU32(off + 8)
	if err != nil {
		return Desc{}, fmt.Errorf("virtqueue: reading desc[%d].len: %w", idx, err)
	}

	flags, err := mem.ReadU16(off + 12)
	if err != nil {
		return Desc{}, fmt.Errorf("virtqueue: reading desc[%d].flags: %w", idx, err)
	}

	next, err := mem.ReadU16(off + 14)
	if err != nil {
		return Desc{}, fmt.Errorf("virtqueue: reading desc[%d].next: %w", idx, err)
	}

	return Desc{Addr: addr, Len: length, Flags: flags, Next: next}, nil
}

func (q *Queue) availIdx(mem *memory.GuestMemory) (uint16, error) {
	v, err := mem.ReadU16(q.AvailAddr + 2)
	if err != nil {
		return 0, fmt.Errorf("virtqueue: reading avail.idx: %w", err)
	}

	return v, nil
}

func (q *Queue) availRingEntry(mem *memory.GuestMemory, pos uint16) (uint16, error) {
	off := q.AvailAddr + 4 + uint64(pos)*2

	v, err := mem.ReadU16(off)
	if err != nil {
		return 0, fmt.Errorf("virtqueue: reading avail.ring[%d]: %w", pos, err)
	}

	return v, nil
}

// DequeueHead reports the head descriptor index of the next
// unconsumed available-ring entry, without advancing the consumption
// cursor. The second return value is false when the queue has nothing
// new to offer.
func (q *Queue) DequeueHead(mem *memory.GuestMemory) (uint16, bool, error) {
	idx, err := q.availIdx(mem)
	if err != nil {
		return 0, false, err
	}

	if idx == q.LastSeenAvail {
		return 0, false, nil
	}

	head, err := q.availRingEntry(mem, q.LastSeenAvail%q.Size)
	if err != nil {
		return 0, false, err
	}

	return head, true, nil
}

// WalkChain follows a descriptor chain starting at head while the NEXT
// flag is set, bounded by Size entries to guard against a cyclic
// chain.
func (q *Queue) WalkChain(mem *memory.GuestMemory, head uint16) ([]Desc, error) {
	chain := make([]Desc, 0, q.Size)

	idx := head
	for i := uint16(0); i <= q.Size; i++ {
		if i == q.Size {
			return nil, ErrMalformedChain
		}

		d, err := q.ReadDesc(mem, idx)
		if err != nil {
			return nil, err
		}

		chain = append(chain, d)

		if d.Flags&DescFlagNext == 0 {
			break
		}

		idx = d.Next
	}

	return chain, nil
}

func (q *Queue) usedIdx(mem *memory.GuestMemory) (uint16, error) {
	v, err := mem.ReadU16(q.UsedAddr + 2)
	if err != nil {
		return 0, fmt.Errorf("virtqueue: reading used.idx: %w", err)
	}

	return v, nil
}

// PublishUsed writes a completed descriptor chain into the used ring
// and advances both the used index and the queue's consumption cursor.
// The used-ring slot is fully populated before used.idx advances, so a
// guest polling used.idx never observes a half-written entry.
func (q *Queue) PublishUsed(mem *memory.GuestMemory, head uint16, written uint32) error {
	idx, err := q.usedIdx(mem)
	if err != nil {
		return err
	}

	slot := idx % q.Size
	off := q.UsedAddr + 4 + uint64(slot)*usedEntrySize

	if err := mem.WriteU32(off, uint32(head)); err != nil {
		return fmt.Errorf("virtqueue: writing used.ring[%d].id: %w", slot, err)
	}

	if err := mem.WriteU32(off+4, written); err != nil {
		return fmt.Errorf("virtqueue: writing used.ring[%d].len: %w", slot, err)
	}

	if err := mem.WriteU16(q.UsedAddr+2, idx+1); err != nil {
		return fmt.Errorf("virtqueue: advancing used.idx: %w", err)
	}

	q.LastSeenAvail++

	return nil
}
