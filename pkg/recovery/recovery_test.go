package recovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/xtreestore/pkg/checkpoint"
	"github.com/cuemby/xtreestore/pkg/deltalog"
	"github.com/cuemby/xtreestore/pkg/manifest"
	"github.com/cuemby/xtreestore/pkg/nodeid"
	"github.com/cuemby/xtreestore/pkg/objecttable"
	"github.com/cuemby/xtreestore/pkg/otentry"
	"github.com/cuemby/xtreestore/pkg/segment"
	"github.com/cuemby/xtreestore/pkg/superblock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func liveRecord(handleIdx uint64, tag uint16, birth uint64) otentry.Record {
	return otentry.Record{
		HandleIdx:   handleIdx,
		Tag:         tag,
		ClassID:     0,
		Kind:        uint8(nodeid.KindLeaf),
		FileID:      0,
		SegmentID:   0,
		Offset:      (handleIdx - 1) * 64,
		Length:      64,
		BirthEpoch:  birth,
		RetireEpoch: otentry.RetireEpochNone,
	}
}

func TestColdStartWithNoManifest(t *testing.T) {
	dir := t.TempDir()
	table := objecttable.New(0)

	res, err := Recover(filepath.Join(dir, "manifest.json"), table, nil, Options{})
	require.NoError(t, err)
	assert.True(t, res.ManifestAbsent)
	assert.Zero(t, res.CheckpointEntries)
	assert.Zero(t, res.FramesReplayed)
	assert.False(t, res.SuperblockValid)
}

// Crash between the WAL append for B and its in-memory commit: after
// cold start, A (from the checkpoint) and B (rebuilt by WAL replay)
// are both visible, and the root is whatever the superblock held.
func TestCheckpointPlusReplayRebuildsTable(t *testing.T) {
	dir := t.TempDir()
	manPath := filepath.Join(dir, "manifest.json")

	// Checkpoint at epoch 1 holding A (handle 1).
	recA := liveRecord(1, 1, 1)
	ckptPath := filepath.Join(dir, "checkpoint.ckpt")
	require.NoError(t, checkpoint.Write(ckptPath, 1, []checkpoint.Entry{{HandleIdx: 1, Record: recA}}))

	// WAL carrying B (handle 2) at epoch 2.
	recB := liveRecord(2, 1, 2)
	l, err := deltalog.OpenInDir(dir, 1, 4096)
	require.NoError(t, err)
	_, err = l.Append(recB)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Superblock naming A as the committed root.
	idA := nodeid.FromParts(1, 1)
	sbPath := filepath.Join(dir, "superblock.xtb")
	sb, err := superblock.Create(sbPath)
	require.NoError(t, err)
	require.NoError(t, sb.Publish(idA, 1))
	require.NoError(t, sb.Close())

	m := manifest.New(sbPath)
	m.Checkpoint = manifest.CheckpointInfo{Path: ckptPath, Epoch: 1, EntryCount: 1, ThroughLogSeq: 1}
	m.AddDeltaLog(manifest.DeltaLogInfo{Path: l.Path(), Seq: 1, Closed: true, MaxEpoch: 2})
	require.NoError(t, m.Save(manPath))

	table := objecttable.New(0)
	res, err := Recover(manPath, table, nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.CheckpointEntries)
	assert.Equal(t, 1, res.FramesReplayed)
	assert.True(t, res.SuperblockValid)
	assert.Equal(t, idA, res.Root)
	assert.Equal(t, uint64(1), res.RootEpoch)
	assert.Equal(t, uint64(2), res.HighWaterEpoch)

	gotA, ok := table.TryGet(idA)
	require.True(t, ok)
	assert.Equal(t, uint64(1), gotA.BirthEpoch())
	assert.True(t, gotA.IsLive())

	idB := nodeid.FromParts(2, 1)
	gotB, ok := table.TryGet(idB)
	require.True(t, ok)
	assert.Equal(t, uint64(2), gotB.BirthEpoch())
	assert.True(t, gotB.IsLive())
}

func TestReadOnlyRecoverySkipsReplay(t *testing.T) {
	dir := t.TempDir()
	manPath := filepath.Join(dir, "manifest.json")

	l, err := deltalog.OpenInDir(dir, 1, 4096)
	require.NoError(t, err)
	_, err = l.Append(liveRecord(1, 1, 5))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	m := manifest.New("")
	m.AddDeltaLog(manifest.DeltaLogInfo{Path: l.Path(), Seq: 1, Closed: true, MaxEpoch: 5})
	require.NoError(t, m.Save(manPath))

	table := objecttable.New(0)
	res, err := Recover(manPath, table, nil, Options{ReadOnly: true})
	require.NoError(t, err)
	assert.Zero(t, res.FramesReplayed)
	_, ok := table.TryGet(nodeid.FromParts(1, 1))
	assert.False(t, ok)
}

func TestTornTailIsTruncatedAndReported(t *testing.T) {
	dir := t.TempDir()
	manPath := filepath.Join(dir, "manifest.json")

	l, err := deltalog.OpenInDir(dir, 1, 4096)
	require.NoError(t, err)
	_, err = l.Append(liveRecord(1, 1, 1))
	require.NoError(t, err)
	_, err = l.Append(liveRecord(2, 1, 2))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	goodEnd := l.EndOffset()

	// Simulate a torn third frame: garbage where the next header
	// would start.
	f, err := os.OpenFile(l.Path(), os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02}, int64(goodEnd))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	m := manifest.New("")
	m.AddDeltaLog(manifest.DeltaLogInfo{Path: l.Path(), Seq: 1, Closed: true, MaxEpoch: 2})
	require.NoError(t, m.Save(manPath))

	table := objecttable.New(0)
	res, err := Recover(manPath, table, nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.FramesReplayed)
	assert.Contains(t, res.TornLogs, l.Path())

	// The tail was truncated away; a second replay is clean.
	info, err := os.Stat(l.Path())
	require.NoError(t, err)
	assert.Equal(t, int64(goodEnd), info.Size())

	replayed, err := deltalog.Replay(l.Path())
	require.NoError(t, err)
	assert.False(t, replayed.TornTail)
	assert.Len(t, replayed.Frames, 2)
}

func TestAdversarialHandleZeroIsSkipped(t *testing.T) {
	dir := t.TempDir()
	manPath := filepath.Join(dir, "manifest.json")

	l, err := deltalog.OpenInDir(dir, 1, 4096)
	require.NoError(t, err)
	_, err = l.Append(liveRecord(0, 1, 1)) // reserved handle, must never install
	require.NoError(t, err)
	_, err = l.Append(liveRecord(3, 1, 2))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	m := manifest.New("")
	m.AddDeltaLog(manifest.DeltaLogInfo{Path: l.Path(), Seq: 1, Closed: true, MaxEpoch: 2})
	require.NoError(t, m.Save(manPath))

	table := objecttable.New(0)
	res, err := Recover(manPath, table, nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.FramesReplayed)
	_, ok := table.TryGet(nodeid.FromParts(3, 1))
	assert.True(t, ok)
}

// EVENTUAL-mode crash: the WAL carries small payloads that never made
// it to the segment file. Recovery rehydrates them; large nodes whose
// payloads were not inlined stay metadata-only.
func TestPayloadRehydration(t *testing.T) {
	dir := t.TempDir()
	manPath := filepath.Join(dir, "manifest.json")

	// The segment file exists (created at allocation time) but the
	// node's bytes were never written to it.
	segments := segment.NewManager(dir, 1<<16)
	alloc, err := segments.Class(0)
	require.NoError(t, err)
	addr, err := alloc.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, segments.Close())

	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i)
	}
	rec := liveRecord(1, 1, 1)
	rec.SegmentID = addr.SegmentID
	rec.Offset = addr.Offset

	l, err := deltalog.OpenInDir(dir, 1, 4096)
	require.NoError(t, err)
	_, err = l.AppendWithPayload(rec, payload)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	m := manifest.New("")
	m.AddDeltaLog(manifest.DeltaLogInfo{Path: l.Path(), Seq: 1, Closed: true, MaxEpoch: 1})
	require.NoError(t, m.Save(manPath))

	table := objecttable.New(0)
	reopened := segment.NewManager(dir, 1<<16)
	defer reopened.Close()

	res, err := Recover(manPath, table, reopened, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.PayloadsRehydrated)

	reAlloc, err := reopened.Class(0)
	require.NoError(t, err)
	got := make([]byte, 64)
	_, err = reAlloc.Read(segment.Addr{SegmentID: addr.SegmentID, Offset: addr.Offset, Length: 64}, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRootsCatalogFallbackWithoutSuperblock(t *testing.T) {
	dir := t.TempDir()
	manPath := filepath.Join(dir, "manifest.json")

	m := manifest.New(filepath.Join(dir, "missing.xtb"))
	m.SetRoot("", nodeid.FromParts(7, 3).Raw(), manifest.MBR{Min: []float64{0}, Max: []float64{1}})
	require.NoError(t, m.Save(manPath))

	table := objecttable.New(0)
	res, err := Recover(manPath, table, nil, Options{})
	require.NoError(t, err)

	assert.False(t, res.SuperblockValid)
	require.Len(t, res.Roots, 1)
	assert.Equal(t, nodeid.FromParts(7, 3).Raw(), res.Roots[0].RootNodeID)
}
