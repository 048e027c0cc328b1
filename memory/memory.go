// Package memory implements GuestMemory: a host-backed, bounds-checked
// region of guest-physical RAM.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrOutOfBounds is returned whenever an access's offset+length would
// read or write past the end of the region, or the arithmetic to
// compute that would overflow.
var ErrOutOfBounds = errors.New("guest memory access out of bounds")

// ErrAllocFailed is returned when the host refuses to back the
// requested allocation.
var ErrAllocFailed = errors.New("guest memory allocation failed")

// hugePageAlign is the huge-page boundary GuestMemory rounds its size
// up to, per the distilled spec's "page-aligned to a 2 MiB boundary"
// requirement.
const hugePageAlign = 2 * 1024 * 1024

// highMemBase is the guest-physical address above which freshly
// allocated memory is poisoned rather than zeroed, matching the
// teacher's convention of leaving low memory (real-mode vectors,
// BIOS data area equivalents) untouched.
const highMemBase = 0x100000

// poison is an x86 instruction sequence (mov eax, 0xcafebabe; nop;
// ud2) used to fill unused high memory so that a guest that jumps
// into the void crashes loudly instead of silently executing zero
// bytes (which happen to be a valid instruction on x86).
const poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

// GuestMemory is a single contiguous, page-aligned host allocation
// exposed to the guest as physical RAM. The typed accessors do not
// lock; callers that mutate the region concurrently serialize through
// Acquire/Release (or TryAcquire).
type GuestMemory struct {
	mu  lockable
	buf []byte
}

// lockable is a minimal mutex abstraction so that TryLock (used by the
// vCPU-0 poller, see machine/runloop.go) is visible at the package
// boundary without exporting sync.Mutex directly.
type lockable struct{ ch chan struct{} }

func newLockable() lockable { return lockable{ch: make(chan struct{}, 1)} }

func (l *lockable) Lock()   { l.ch <- struct{}{} }
func (l *lockable) Unlock() { <-l.ch }
func (l *lockable) TryLock() bool {
	select {
	case l.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// New allocates size bytes (rounded up to a 2 MiB boundary) of
// anonymous, zero-initialized host memory and advises the kernel to
// back it with huge pages where possible. The huge-page hint is
// advisory only: if the host declines it, allocation still succeeds.
func New(size int) (*GuestMemory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size must be positive", ErrAllocFailed)
	}

	rounded := roundUp(size, hugePageAlign)

	buf, err := unix.Mmap(-1, 0, rounded, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocFailed, err)
	}

	if err := unix.Madvise(buf, unix.MADV_HUGEPAGE); err != nil {
		// Advisory only; the region is still usable as regular pages.
		_ = err
	}

	for i := highMemBase; i+len(poison) <= len(buf); i += len(poison) {
		copy(buf[i:], poison)
	}

	return &GuestMemory{mu: newLockable(), buf: buf}, nil
}

func roundUp(n, align int) int {
	if n%align == 0 {
		return n
	}

	return n + (align - n%align)
}

// Len returns the size of the backing allocation in bytes.
func (m *GuestMemory) Len() int {
	return len(m.buf)
}

// Lock pins the region's pages in host physical memory (mlock),
// preventing them from being swapped out from under the guest. It is
// advisory in the sense that failure (e.g. RLIMIT_MEMLOCK) is returned
// to the caller but does not invalidate the region.
func (m *GuestMemory) Lock() error {
	return unix.Mlock(m.buf)
}

// Unlock releases pages pinned by Lock.
func (m *GuestMemory) Unlock() error {
	return unix.Munlock(m.buf)
}

// Acquire takes the single shared exclusion primitive guarding the
// region against concurrent mutation (§5: "mutating callers acquire a
// single shared exclusion primitive").
func (m *GuestMemory) Acquire() { m.mu.Lock() }

// Release gives up the exclusion primitive taken by Acquire.
func (m *GuestMemory) Release() { m.mu.Unlock() }

// TryAcquire attempts to take the exclusion primitive without
// blocking, reporting whether it succeeded. Used by the vCPU-0 poller
// so that a writer holding the lock for an MMIO write defers, rather
// than stalls, the network poll.
func (m *GuestMemory) TryAcquire() bool { return m.mu.TryLock() }

func (m *GuestMemory) bounds(offset uint64, length int) error {
	if length < 0 {
		return ErrOutOfBounds
	}

	end := offset + uint64(length)
	if end < offset { // overflow
		return ErrOutOfBounds
	}

	if end > uint64(len(m.buf)) {
		return ErrOutOfBounds
	}

	return nil
}

// ReadBytes returns a copy of length bytes starting at offset.
func (m *GuestMemory) ReadBytes(offset uint64, length int) ([]byte, error) {
	if err := m.bounds(offset, length); err != nil {
		return nil, err
	}

	out := make([]byte, length)
	copy(out, m.buf[offset:offset+uint64(length)])

	return out, nil
}

// WriteBytes copies data into the region starting at offset.
func (m *GuestMemory) WriteBytes(offset uint64, data []byte) error {
	if err := m.bounds(offset, len(data)); err != nil {
		return err
	}

	copy(m.buf[offset:], data)

	return nil
}

// ReadU8 reads a single byte at offset.
func (m *GuestMemory) ReadU8(offset uint64) (uint8, error) {
	if err := m.bounds(offset, 1); err != nil {
		return 0, err
	}

	return m.buf[offset], nil
}

// WriteU8 writes a single byte at offset.
func (m *GuestMemory) WriteU8(offset uint64, v uint8) error {
	if err := m.bounds(offset, 1); err != nil {
		return err
	}

	m.buf[offset] = v

	return nil
}

// ReadU16 reads a little-endian uint16 at offset, which need not be
// 2-byte aligned.
func (m *GuestMemory) ReadU16(offset uint64) (uint16, error) {
	if err := m.bounds(offset, 2); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(m.buf[offset:]), nil
}

// WriteU16 writes a little-endian uint16 at offset.
func (m *GuestMemory) WriteU16(offset uint64, v uint16) error {
	if err := m.bounds(offset, 2); err != nil {
		return err
	}

	binary.LittleEndian.PutUint16(m.buf[offset:], v)

	return nil
}

// ReadU32 reads a little-endian uint32 at offset.
func (m *GuestMemory) ReadU32(offset uint64) (uint32, error) {
	if err := m.bounds(offset, 4); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(m.buf[offset:]), nil
}

// WriteU32 writes a little-endian uint32 at offset.
func (m *GuestMemory) WriteU32(offset uint64, v uint32) error {
	if err := m.bounds(offset, 4); err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(m.buf[offset:], v)

	return nil
}

// ReadU64 reads a little-endian uint64 at offset.
func (m *GuestMemory) ReadU64(offset uint64) (uint64, error) {
	if err := m.bounds(offset, 8); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(m.buf[offset:]), nil
}

// WriteU64 writes a little-endian uint64 at offset.
func (m *GuestMemory) WriteU64(offset uint64, v uint64) error {
	if err := m.bounds(offset, 8); err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(m.buf[offset:], v)

	return nil
}

// Fill sets length bytes starting at offset to b.
func (m *GuestMemory) Fill(offset uint64, length int, b byte) error {
	if err := m.bounds(offset, length); err != nil {
		return err
	}

	region := m.buf[offset : offset+uint64(length)]
	for i := range region {
		region[i] = b
	}

	return nil
}

// CopyWithin copies length bytes from src to dst within the region,
// correctly handling overlap.
func (m *GuestMemory) CopyWithin(src, dst uint64, length int) error {
	if err := m.bounds(src, length); err != nil {
		return err
	}

	if err := m.bounds(dst, length); err != nil {
		return err
	}

	copy(m.buf[dst:dst+uint64(length)], m.buf[src:src+uint64(length)])

	return nil
}

// HostAddr returns the host virtual address backing the region, for
// handing to KVM_SET_USER_MEMORY_REGION. It is valid only for the
// lifetime of the GuestMemory.
func (m *GuestMemory) HostAddr() uintptr {
	return uintptr(unsafe.Pointer(&m.buf[0]))
}

// Close releases the backing allocation.
func (m *GuestMemory) Close() error {
	return unix.Munmap(m.buf)
}
