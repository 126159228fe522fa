package reclaim

import (
	"testing"

	"github.com/cuemby/xtreestore/pkg/mvcc"
	"github.com/cuemby/xtreestore/pkg/nodeid"
	"github.com/cuemby/xtreestore/pkg/objecttable"
	"github.com/cuemby/xtreestore/pkg/otentry"
	"github.com/cuemby/xtreestore/pkg/segment"
)

func TestReclaimOnceFreesSegmentSpaceAndHandle(t *testing.T) {
	dir := t.TempDir()
	segments := segment.NewManager(dir, 1<<20)
	defer segments.Close()

	alloc, err := segments.Class(1)
	if err != nil {
		t.Fatalf("Class: %v", err)
	}
	addr, err := alloc.Allocate(128)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	table := objecttable.New(objecttable.DefaultEntriesPerSlab)
	otAddr := otentry.Addr{FileID: addr.FileID, SegmentID: addr.SegmentID, Offset: addr.Offset, Length: addr.Length}
	id, err := table.Allocate(nodeid.KindLeaf, 1, otAddr)
	if err != nil {
		t.Fatalf("table.Allocate: %v", err)
	}
	reserved, err := table.MarkLiveReserve(id)
	if err != nil {
		t.Fatalf("MarkLiveReserve: %v", err)
	}
	if err := table.MarkLiveCommit(reserved, 1); err != nil {
		t.Fatalf("MarkLiveCommit: %v", err)
	}

	mvccCtx := mvcc.NewContext(0)
	mvccCtx.AdvanceEpoch() // epoch 1, matches birth
	mvccCtx.AdvanceEpoch() // epoch 2

	if err := table.Retire(reserved, 2); err != nil {
		t.Fatalf("Retire: %v", err)
	}

	statsBefore := alloc.Stats()
	if statsBefore.LiveBytes != 128 {
		t.Fatalf("LiveBytes before reclaim = %d, want 128", statsBefore.LiveBytes)
	}

	r := New(table, segments, mvccCtx)
	stats, err := r.ReclaimOnce()
	if err != nil {
		t.Fatalf("ReclaimOnce: %v", err)
	}
	if stats.HandlesReclaimed != 1 {
		t.Fatalf("HandlesReclaimed = %d, want 1", stats.HandlesReclaimed)
	}
	if stats.BytesFreed != 128 {
		t.Fatalf("BytesFreed = %d, want 128", stats.BytesFreed)
	}

	statsAfter := alloc.Stats()
	if statsAfter.LiveBytes != 0 || statsAfter.DeadBytes != 128 {
		t.Fatalf("Stats after reclaim = %+v, want LiveBytes=0 DeadBytes=128", statsAfter)
	}
	if table.IsValid(reserved) {
		t.Fatal("reclaimed handle must no longer be valid")
	}
}

func TestReclaimOnceSkipsWhileReaderPinsEpoch(t *testing.T) {
	dir := t.TempDir()
	segments := segment.NewManager(dir, 1<<20)
	defer segments.Close()

	table := objecttable.New(objecttable.DefaultEntriesPerSlab)
	mvccCtx := mvcc.NewContext(0)
	mvccCtx.AdvanceEpoch() // 1

	alloc, err := segments.Class(1)
	if err != nil {
		t.Fatalf("Class: %v", err)
	}
	addr, err := alloc.Allocate(16)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	otAddr := otentry.Addr{FileID: addr.FileID, SegmentID: addr.SegmentID, Offset: addr.Offset, Length: addr.Length}
	id, _ := table.Allocate(nodeid.KindLeaf, 1, otAddr)
	reserved, _ := table.MarkLiveReserve(id)
	if err := table.MarkLiveCommit(reserved, 1); err != nil {
		t.Fatalf("MarkLiveCommit: %v", err)
	}

	_, done := mvccCtx.BeginRead() // pins epoch 1
	mvccCtx.AdvanceEpoch()         // 2
	if err := table.Retire(reserved, 2); err != nil {
		t.Fatalf("Retire: %v", err)
	}

	r := New(table, segments, mvccCtx)
	stats, err := r.ReclaimOnce()
	if err != nil {
		t.Fatalf("ReclaimOnce: %v", err)
	}
	if stats.HandlesReclaimed != 0 {
		t.Fatalf("HandlesReclaimed = %d while a reader still pins epoch 1, want 0", stats.HandlesReclaimed)
	}

	done()
	stats2, err := r.ReclaimOnce()
	if err != nil {
		t.Fatalf("ReclaimOnce (after reader done): %v", err)
	}
	if stats2.HandlesReclaimed != 1 {
		t.Fatalf("HandlesReclaimed after reader finishes = %d, want 1", stats2.HandlesReclaimed)
	}
}
