package store

import (
	"bytes"
	"testing"
	"time"

	"github.com/cuemby/xtreestore/pkg/config"
	"github.com/cuemby/xtreestore/pkg/deltalog"
	"github.com/cuemby/xtreestore/pkg/manifest"
	"github.com/cuemby/xtreestore/pkg/nodeid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy(mode config.DurabilityMode) *config.Policy {
	p := config.Default()
	p.DurabilityMode = mode
	p.GroupCommitInterval = config.Duration(time.Millisecond)
	p.MaxPayloadInWAL = 4096
	return &p
}

func openTestStore(t *testing.T, dir string, mode config.DurabilityMode) *Store {
	t.Helper()
	s, err := Open(dir, Options{
		Policy:          testPolicy(mode),
		SegmentCapacity: 1 << 20,
		NoCoordinator:   true,
	})
	require.NoError(t, err)
	return s
}

func TestClassForRoundsUpToBlockSize(t *testing.T) {
	cases := []struct {
		minLen  uint32
		classID uint8
		block   uint32
	}{
		{1, 0, 64},
		{64, 0, 64},
		{65, 1, 128},
		{4096, 6, 4096},
		{4097, 7, 8192},
	}
	for _, tc := range cases {
		classID, block, err := classFor(tc.minLen)
		require.NoError(t, err)
		assert.Equal(t, tc.classID, classID, "minLen=%d", tc.minLen)
		assert.Equal(t, tc.block, block, "minLen=%d", tc.minLen)
	}

	_, _, err := classFor(0)
	assert.Error(t, err)
	_, _, err = classFor((4 << 20) + 1)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestAllocatePublishReadRoundTrip(t *testing.T) {
	s := openTestStore(t, t.TempDir(), config.Balanced)
	defer s.Close()

	data := bytes.Repeat([]byte{0xAB}, 100)
	id, capacity, err := s.AllocateNode(uint32(len(data)), nodeid.KindLeaf)
	require.NoError(t, err)
	assert.Equal(t, uint32(128), capacity)
	assert.NotZero(t, id.Tag())
	assert.NotZero(t, id.HandleIndex())

	// Reserved but unpublished: readable as absent, present as staged.
	_, err = s.ReadNode(id)
	assert.ErrorIs(t, err, ErrNotPresent)
	present, staged := s.IsNodePresent(id)
	assert.True(t, present)
	assert.True(t, staged)

	final, err := s.PublishNode(id, data)
	require.NoError(t, err)
	assert.Equal(t, id.HandleIndex(), final.HandleIndex())

	got, err := s.ReadNode(final)
	require.NoError(t, err)
	require.Len(t, got, int(capacity))
	assert.Equal(t, data, got[:len(data)])

	kind, err := s.GetNodeKind(final)
	require.NoError(t, err)
	assert.Equal(t, nodeid.KindLeaf, kind)

	present, staged = s.IsNodePresent(final)
	assert.True(t, present)
	assert.False(t, staged)
}

func TestPublishRejectsOversizedPayload(t *testing.T) {
	s := openTestStore(t, t.TempDir(), config.Balanced)
	defer s.Close()

	id, capacity, err := s.AllocateNode(64, nodeid.KindLeaf)
	require.NoError(t, err)

	_, err = s.PublishNode(id, make([]byte, capacity+1))
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestWriteNodeBytesThenPublishInPlace(t *testing.T) {
	s := openTestStore(t, t.TempDir(), config.Balanced)
	defer s.Close()

	id, capacity, err := s.AllocateNode(200, nodeid.KindInternal)
	require.NoError(t, err)
	require.Equal(t, uint32(256), capacity)

	require.NoError(t, s.WriteNodeBytes(id, 0, []byte("head")))
	require.NoError(t, s.WriteNodeBytes(id, 100, []byte("tail")))

	final, err := s.PublishNodeInPlace(id)
	require.NoError(t, err)

	got, err := s.ReadNode(final)
	require.NoError(t, err)
	assert.Equal(t, []byte("head"), got[0:4])
	assert.Equal(t, []byte("tail"), got[100:104])

	// Published nodes refuse further in-place writes.
	assert.Error(t, s.WriteNodeBytes(final, 0, []byte("x")))
}

func TestRetireHidesNodeAndReuseBumpsTag(t *testing.T) {
	s := openTestStore(t, t.TempDir(), config.Balanced)
	defer s.Close()

	id, _, err := s.AllocateNode(64, nodeid.KindLeaf)
	require.NoError(t, err)
	final, err := s.PublishNode(id, []byte("v1"))
	require.NoError(t, err)

	epoch := s.MVCC().AdvanceEpoch()
	require.NoError(t, s.RetireNode(final, epoch, ReasonObsolete))
	// Idempotent.
	require.NoError(t, s.RetireNode(final, epoch, ReasonObsolete))

	_, err = s.ReadNode(final)
	assert.ErrorIs(t, err, ErrNotPresent)

	stats, err := s.ReclaimOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.HandlesReclaimed)

	// The freed handle comes back with a different tag; the stale id
	// must no longer resolve.
	id2, _, err := s.AllocateNode(64, nodeid.KindLeaf)
	require.NoError(t, err)
	final2, err := s.PublishNode(id2, []byte("v2"))
	require.NoError(t, err)

	if final2.HandleIndex() == final.HandleIndex() {
		assert.NotEqual(t, final.Tag(), final2.Tag())
	}
	_, err = s.ReadNode(final)
	assert.ErrorIs(t, err, ErrNotPresent)

	got, err := s.ReadNode(final2)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got[:2])
}

func TestPinnedReadBlocksReclaim(t *testing.T) {
	s := openTestStore(t, t.TempDir(), config.Balanced)
	defer s.Close()

	id, _, err := s.AllocateNode(64, nodeid.KindLeaf)
	require.NoError(t, err)
	final, err := s.PublishNode(id, []byte("pinned"))
	require.NoError(t, err)

	pin, got, err := s.ReadNodePinned(final)
	require.NoError(t, err)
	assert.Equal(t, []byte("pinned"), got[:6])

	// Retire after the pin's epoch: the reader horizon must hold the
	// handle back.
	retireEpoch := s.MVCC().AdvanceEpoch()
	require.NoError(t, s.RetireNode(final, retireEpoch, ReasonObsolete))

	stats, err := s.ReclaimOnce()
	require.NoError(t, err)
	assert.Zero(t, stats.HandlesReclaimed)

	pin.Release()
	pin.Release() // double release is safe

	stats, err = s.ReclaimOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.HandlesReclaimed)
}

func TestFreeNodeImmediate(t *testing.T) {
	s := openTestStore(t, t.TempDir(), config.Balanced)
	defer s.Close()

	// RESERVED handle: rolled straight back to FREE.
	staged, _, err := s.AllocateNode(64, nodeid.KindLeaf)
	require.NoError(t, err)
	require.NoError(t, s.FreeNodeImmediate(staged, ReasonRollback))
	present, _ := s.IsNodePresent(staged)
	assert.False(t, present)

	// LIVE handle: freed without waiting for the reader horizon,
	// even while a snapshot is open.
	id, _, err := s.AllocateNode(64, nodeid.KindLeaf)
	require.NoError(t, err)
	final, err := s.PublishNode(id, []byte("gone"))
	require.NoError(t, err)

	_, done := s.MVCC().BeginRead()
	defer done()

	require.NoError(t, s.FreeNodeImmediate(final, ReasonRollback))
	_, err = s.ReadNode(final)
	assert.ErrorIs(t, err, ErrNotPresent)
}

func TestRootsCatalog(t *testing.T) {
	s := openTestStore(t, t.TempDir(), config.Balanced)
	defer s.Close()

	id, _, err := s.AllocateNode(64, nodeid.KindInternal)
	require.NoError(t, err)
	final, err := s.PublishNode(id, []byte("root"))
	require.NoError(t, err)

	mbr := manifest.MBR{Min: []float64{0, 0}, Max: []float64{10, 20}}
	epoch := s.MVCC().CurrentEpoch()
	require.NoError(t, s.SetRoot(final, epoch, mbr, "geo"))
	require.NoError(t, s.SetRoot(final, epoch, mbr, ""))

	got, ok := s.GetRoot("geo")
	require.True(t, ok)
	assert.Equal(t, final, got)

	got, ok = s.GetRoot("")
	require.True(t, ok)
	assert.Equal(t, final, got)

	_, ok = s.GetRoot("missing")
	assert.False(t, ok)
}

func TestCommitAndReopenRestoresState(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir, config.Balanced)
	id, _, err := s.AllocateNode(64, nodeid.KindLeaf)
	require.NoError(t, err)
	final, err := s.PublishNode(id, []byte("durable"))
	require.NoError(t, err)

	epoch := s.MVCC().CurrentEpoch()
	require.NoError(t, s.SetRoot(final, epoch, manifest.MBR{}, ""))
	require.NoError(t, s.Commit(epoch))
	require.NoError(t, s.Close())

	s2 := openTestStore(t, dir, config.Balanced)
	defer s2.Close()

	root, ok := s2.GetRoot("")
	require.True(t, ok)
	assert.Equal(t, final, root)

	got, err := s2.ReadNode(final)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), got[:7])

	// New epochs must advance past everything recovered.
	assert.Greater(t, s2.MVCC().AdvanceEpoch(), epoch)
}

func TestCommitRejectsNonMonotonicEpoch(t *testing.T) {
	s := openTestStore(t, t.TempDir(), config.Strict)
	defer s.Close()

	id, _, err := s.AllocateNode(64, nodeid.KindLeaf)
	require.NoError(t, err)
	final, err := s.PublishNode(id, []byte("x"))
	require.NoError(t, err)

	epoch := s.MVCC().CurrentEpoch()
	require.NoError(t, s.SetRoot(final, epoch, manifest.MBR{}, ""))
	require.NoError(t, s.Commit(epoch))
	assert.Error(t, s.Commit(epoch)) // same epoch again must be refused
}

func TestEventualModeInlinesSmallPayloads(t *testing.T) {
	s := openTestStore(t, t.TempDir(), config.Eventual)

	small := bytes.Repeat([]byte{1}, 64)
	id, _, err := s.AllocateNode(64, nodeid.KindDataRecord)
	require.NoError(t, err)
	_, err = s.PublishNode(id, small)
	require.NoError(t, err)

	big := bytes.Repeat([]byte{2}, 8192)
	id2, _, err := s.AllocateNode(uint32(len(big)), nodeid.KindLeaf)
	require.NoError(t, err)
	_, err = s.PublishNode(id2, big)
	require.NoError(t, err)

	walPath := s.wal.Load().Path()
	require.NoError(t, s.Close())

	res, err := deltalog.Replay(walPath)
	require.NoError(t, err)
	require.Len(t, res.Frames, 2)

	// The 64-byte block rides inline; the 8 KiB one exceeds
	// max_payload_in_wal and carries metadata only.
	assert.NotNil(t, res.Frames[0].Payload)
	assert.Equal(t, small, res.Frames[0].Payload[:64])
	assert.Nil(t, res.Frames[1].Payload)
}

func TestCheckpointPrunesSubsumedLogs(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, config.Balanced)

	var finals []nodeid.ID
	for i := 0; i < 10; i++ {
		id, _, err := s.AllocateNode(64, nodeid.KindLeaf)
		require.NoError(t, err)
		final, err := s.PublishNode(id, []byte{byte(i)})
		require.NoError(t, err)
		finals = append(finals, final)
	}

	require.NoError(t, s.RotateActiveLog())

	res, err := s.WriteCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, 10, res.EntryCount)
	assert.Zero(t, s.BytesSinceCheckpoint())

	// The closed pre-rotation log is subsumed and gone from the
	// manifest.
	s.manMu.Lock()
	for _, l := range s.man.DeltaLogs {
		assert.GreaterOrEqual(t, l.Seq, s.man.Checkpoint.ThroughLogSeq)
	}
	s.manMu.Unlock()
	require.NoError(t, s.Close())

	s2 := openTestStore(t, dir, config.Balanced)
	defer s2.Close()
	for i, final := range finals {
		got, err := s2.ReadNode(final)
		require.NoError(t, err)
		assert.Equal(t, byte(i), got[0])
	}
}

func TestShardedStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Options{
		Policy:          testPolicy(config.Balanced),
		Shards:          4,
		SegmentCapacity: 1 << 20,
		NoCoordinator:   true,
	})
	require.NoError(t, err)

	id, _, err := s.AllocateNode(64, nodeid.KindLeaf)
	require.NoError(t, err)
	final, err := s.PublishNode(id, []byte("sharded"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(dir, Options{
		Policy:          testPolicy(config.Balanced),
		Shards:          4,
		SegmentCapacity: 1 << 20,
		NoCoordinator:   true,
	})
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.ReadNode(final)
	require.NoError(t, err)
	assert.Equal(t, []byte("sharded"), got[:7])
}
