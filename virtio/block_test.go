package virtio_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axvmhq/axvm/memory"
	"github.com/axvmhq/axvm/virtio"
	"github.com/axvmhq/axvm/virtqueue"
)

const (
	blkDescBase  = 0x10000
	blkAvailBase = 0x11000
	blkUsedBase  = 0x12000
	blkDataBase  = 0x13000
)

func writeDesc(t *testing.T, mem *memory.GuestMemory, base uint64, idx uint16, addr uint64, length uint32, flags, next uint16) {
	t.Helper()

	off := base + uint64(idx)*16
	require.NoError(t, mem.WriteU64(off, addr))
	require.NoError(t, mem.WriteU32(off+8, length))
	require.NoError(t, mem.WriteU16(off+12, flags))
	require.NoError(t, mem.WriteU16(off+14, next))
}

func publishAvail(t *testing.T, mem *memory.GuestMemory, base uint64, pos, headDesc, newIdx uint16) {
	t.Helper()

	require.NoError(t, mem.WriteU16(base+4+uint64(pos)*2, headDesc))
	require.NoError(t, mem.WriteU16(base+2, newIdx))
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func u32(data []byte) uint32 {
	return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
}

func configureQueue(t *testing.T, write func(offset uint64, data []byte, mem *memory.GuestMemory) bool, mem *memory.GuestMemory, size uint32, descAddr, availAddr, usedAddr uint64) {
	t.Helper()

	write(virtio.RegQueueNum, le32(size), mem)
	write(virtio.RegQueueDescLow, le32(uint32(descAddr)), mem)
	write(virtio.RegQueueAvailLow, le32(uint32(availAddr)), mem)
	write(virtio.RegQueueUsedLow, le32(uint32(usedAddr)), mem)
	write(virtio.RegQueueReady, le32(1), mem)
}

func TestBlockRegisterIdentity(t *testing.T) {
	t.Parallel()

	b, err := virtio.NewBlock(0xFEB00000, "")
	require.NoError(t, err)

	data := make([]byte, 4)
	b.Read(virtio.RegMagic, data)
	require.EqualValues(t, virtio.MagicValue, u32(data))

	b.Read(virtio.RegDeviceID, data)
	require.EqualValues(t, virtio.DeviceIDBlock, u32(data))
}

func TestBlockReadWriteRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")

	pattern := make([]byte, 512)
	for i := range pattern {
		pattern[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, pattern, 0o644))

	b, err := virtio.NewBlock(0xFEB00000, path)
	require.NoError(t, err)

	mem, err := memory.New(1 << 20)
	require.NoError(t, err)
	defer mem.Close()

	configureQueue(t, b.Write, mem, 4, blkDescBase, blkAvailBase, blkUsedBase)

	// Descriptor chain: header -> data (write) -> status (write).
	require.NoError(t, mem.WriteU32(blkDataBase, 0)) // type = IN
	require.NoError(t, mem.WriteU32(blkDataBase+4, 0))
	require.NoError(t, mem.WriteU64(blkDataBase+8, 0)) // sector 0

	writeDesc(t, mem, blkDescBase, 0, blkDataBase, 16, virtqueue.DescFlagNext, 1)
	writeDesc(t, mem, blkDescBase, 1, blkDataBase+0x100, 512, virtqueue.DescFlagNext|virtqueue.DescFlagWrite, 2)
	writeDesc(t, mem, blkDescBase, 2, blkDataBase+0x400, 1, virtqueue.DescFlagWrite, 0)

	publishAvail(t, mem, blkAvailBase, 0, 0, 1)

	irq := b.Write(virtio.RegQueueNotify, le32(0), mem)
	require.True(t, irq)

	got, err := mem.ReadBytes(blkDataBase+0x100, 512)
	require.NoError(t, err)
	require.Equal(t, pattern, got)

	status, err := mem.ReadU8(blkDataBase + 0x400)
	require.NoError(t, err)
	require.EqualValues(t, 0, status)

	usedIdx, err := mem.ReadU16(blkUsedBase + 2)
	require.NoError(t, err)
	require.EqualValues(t, 1, usedIdx)
}

func TestBlockWriteRequestWritesToDisk(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 1024), 0o644))

	b, err := virtio.NewBlock(0xFEB00000, path)
	require.NoError(t, err)

	mem, err := memory.New(1 << 20)
	require.NoError(t, err)
	defer mem.Close()

	configureQueue(t, b.Write, mem, 4, blkDescBase, blkAvailBase, blkUsedBase)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = 0xAA
	}
	require.NoError(t, mem.WriteBytes(blkDataBase+0x100, payload))

	require.NoError(t, mem.WriteU32(blkDataBase, 1)) // type = OUT
	require.NoError(t, mem.WriteU32(blkDataBase+4, 0))
	require.NoError(t, mem.WriteU64(blkDataBase+8, 0))

	writeDesc(t, mem, blkDescBase, 0, blkDataBase, 16, virtqueue.DescFlagNext, 1)
	writeDesc(t, mem, blkDescBase, 1, blkDataBase+0x100, 512, virtqueue.DescFlagNext, 2)
	writeDesc(t, mem, blkDescBase, 2, blkDataBase+0x400, 1, virtqueue.DescFlagWrite, 0)

	publishAvail(t, mem, blkAvailBase, 0, 0, 1)

	irq := b.Write(virtio.RegQueueNotify, le32(0), mem)
	require.True(t, irq)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, payload, onDisk[:512])

	status, err := mem.ReadU8(blkDataBase + 0x400)
	require.NoError(t, err)
	require.EqualValues(t, 0, status)
}

func TestBlockNoDiskReportsIOError(t *testing.T) {
	t.Parallel()

	b, err := virtio.NewBlock(0xFEB00000, "")
	require.NoError(t, err)

	mem, err := memory.New(1 << 20)
	require.NoError(t, err)
	defer mem.Close()

	configureQueue(t, b.Write, mem, 4, blkDescBase, blkAvailBase, blkUsedBase)

	require.NoError(t, mem.WriteU32(blkDataBase, 0))
	require.NoError(t, mem.WriteU32(blkDataBase+4, 0))
	require.NoError(t, mem.WriteU64(blkDataBase+8, 0))

	writeDesc(t, mem, blkDescBase, 0, blkDataBase, 16, virtqueue.DescFlagNext, 1)
	writeDesc(t, mem, blkDescBase, 1, blkDataBase+0x100, 512, virtqueue.DescFlagNext|virtqueue.DescFlagWrite, 2)
	writeDesc(t, mem, blkDescBase, 2, blkDataBase+0x400, 1, virtqueue.DescFlagWrite, 0)

	publishAvail(t, mem, blkAvailBase, 0, 0, 1)

	b.Write(virtio.RegQueueNotify, le32(0), mem)

	status, err := mem.ReadU8(blkDataBase + 0x400)
	require.NoError(t, err)
	require.EqualValues(t, 1, status)
}

func TestBlockResetOnStatusZero(t *testing.T) {
	t.Parallel()

	b, err := virtio.NewBlock(0xFEB00000, "")
	require.NoError(t, err)

	mem, err := memory.New(1 << 20)
	require.NoError(t, err)
	defer mem.Close()

	configureQueue(t, b.Write, mem, 4, blkDescBase, blkAvailBase, blkUsedBase)
	b.Write(virtio.RegStatus, le32(7), mem)
	b.Write(virtio.RegStatus, le32(0), mem)

	data := make([]byte, 4)
	b.Read(virtio.RegQueueReady, data)
	require.EqualValues(t, 0, u32(data))
}
