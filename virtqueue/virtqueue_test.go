package virtqueue_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axvmhq/axvm/memory"
	"github.com/axvmhq/axvm/virtqueue"
)

const (
	qSize     = 4
	descBase  = 0x1000
	availBase = 0x2000
	usedBase  = 0x3000
	dataBase  = 0x4000
)

func newFixture(t *testing.T) (*memory.GuestMemory, *virtqueue.Queue) {
	t.Helper()

	mem, err := memory.New(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	q := &virtqueue.Queue{
		DescAddr:  descBase,
		AvailAddr: availBase,
		UsedAddr:  usedBase,
		Size:      qSize,
		Ready:     true,
	}

	return mem, q
}

func writeDesc(t *testing.T, mem *memory.GuestMemory, idx uint16, addr uint64, length uint32, flags, next uint16) {
	t.Helper()

	off := descBase + uint64(idx)*16
	require.NoError(t, mem.WriteU64(off, addr))
	require.NoError(t, mem.WriteU32(off+8, length))
	require.NoError(t, mem.WriteU16(off+12, flags))
	require.NoError(t, mem.WriteU16(off+14, next))
}

func publishAvail(t *testing.T, mem *memory.GuestMemory, pos, headDesc, newIdx uint16) {
	t.Helper()

	require.NoError(t, mem.WriteU16(availBase+4+uint64(pos)*2, headDesc))
	require.NoError(t, mem.WriteU16(availBase+2, newIdx))
}

func TestDequeueHeadReportsNothingWhenCaughtUp(t *testing.T) {
	t.Parallel()

	mem, q := newFixture(t)

	_, ok, err := q.DequeueHead(mem)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDequeueHeadReturnsNewHead(t *testing.T) {
	t.Parallel()

	mem, q := newFixture(t)

	writeDesc(t, mem, 0, dataBase, 16, 0, 0)
	publishAvail(t, mem, 0, 0, 1)

	head, ok, err := q.DequeueHead(mem)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 0, head)

	// Not yet advanced: last_seen_avail only moves on PublishUsed.
	require.EqualValues(t, 0, q.LastSeenAvail)
}

func TestWalkChainFollowsNextFlag(t *testing.T) {
	t.Parallel()

	mem, q := newFixture(t)

	writeDesc(t, mem, 0, dataBase, 16, virtqueue.DescFlagNext, 1)
	writeDesc(t, mem, 1, dataBase+16, 8, virtqueue.DescFlagWrite, 0)

	chain, err := q.WalkChain(mem, 0)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.EqualValues(t, dataBase, chain[0].Addr)
	require.EqualValues(t, dataBase+16, chain[1].Addr)
	require.Zero(t, chain[1].Flags&virtqueue.DescFlagNext)
}

func TestWalkChainDetectsCycle(t *testing.T) {
	t.Parallel()

	mem, q := newFixture(t)

	// Every descriptor points to the next with NEXT set, and the last
	// one points back to 0, forming a cycle the walk would follow past
	// Size entries.
	for i := uint16(0); i < qSize; i++ {
		writeDesc(t, mem, i, dataBase, 16, virtqueue.DescFlagNext, (i+1)%qSize)
	}

	_, err := q.WalkChain(mem, 0)
	require.ErrorIs(t, err, virtqueue.ErrMalformedChain)
}

func TestPublishUsedAdvancesIdxAndCursor(t *testing.T) {
	t.Parallel()

	mem, q := newFixture(t)

	writeDesc(t, mem, 0, dataBase, 16, 0, 0)
	publishAvail(t, mem, 0, 0, 1)

	head, ok, err := q.DequeueHead(mem)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.PublishUsed(mem, head, 16))

	usedIdx, err := mem.ReadU16(usedBase + 2)
	require.NoError(t, err)
	require.EqualValues(t, 1, usedIdx)

	id, err := mem.ReadU32(usedBase + 4)
	require.NoError(t, err)
	require.EqualValues(t, 0, id)

	length, err := mem.ReadU32(usedBase + 8)
	require.NoError(t, err)
	require.EqualValues(t, 16, length)

	require.EqualValues(t, 1, q.LastSeenAvail)

	// The queue has caught up again.
	_, ok, err = q.DequeueHead(mem)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResetClearsReadyAndCursor(t *testing.T) {
	t.Parallel()

	_, q := newFixture(t)
	q.LastSeenAvail = 7

	q.Reset()

	require.False(t, q.Ready)
	require.Zero(t, q.LastSeenAvail)
}
