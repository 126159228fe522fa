package objecttable

import (
	"testing"

	"github.com/cuemby/xtreestore/pkg/nodeid"
	"github.com/cuemby/xtreestore/pkg/otentry"
)

func TestShardedAllocatesIntoShardZeroFirst(t *testing.T) {
	st, err := NewSharded(4, 64)
	if err != nil {
		t.Fatalf("NewSharded: %v", err)
	}

	id, err := st.Allocate(nodeid.KindLeaf, 1, otentry.Addr{Length: 8})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if nodeid.ShardFromHandleIndex(id.HandleIndex()) != 0 {
		t.Fatalf("first allocation should land in shard 0, got shard %d", nodeid.ShardFromHandleIndex(id.HandleIndex()))
	}
}

func TestShardedPublishRoundTrip(t *testing.T) {
	st, err := NewSharded(2, 64)
	if err != nil {
		t.Fatalf("NewSharded: %v", err)
	}

	id, err := st.Allocate(nodeid.KindLeaf, 2, otentry.Addr{FileID: 1, SegmentID: 1, Length: 32})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	reserved, err := st.MarkLiveReserve(id)
	if err != nil {
		t.Fatalf("MarkLiveReserve: %v", err)
	}
	if err := st.MarkLiveCommit(reserved, 11); err != nil {
		t.Fatalf("MarkLiveCommit: %v", err)
	}

	if !st.IsValid(reserved) {
		t.Fatal("committed NodeID should be valid")
	}

	e, ok := st.TryGet(reserved)
	if !ok || e.BirthEpoch() != 11 {
		t.Fatalf("TryGet = %+v, ok=%v, want birth=11", e, ok)
	}
}

func TestShardedHandleZeroNeverIssued(t *testing.T) {
	st, err := NewSharded(4, 32)
	if err != nil {
		t.Fatalf("NewSharded: %v", err)
	}
	for i := 0; i < 16; i++ {
		id, err := st.Allocate(nodeid.KindLeaf, 1, otentry.Addr{Length: 4})
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if id.HandleIndex() == 0 {
			t.Fatal("handle 0 must never be issued, even shard-encoded")
		}
	}
}

func TestShardedMatchesUnshardedLiveSet(t *testing.T) {
	const numOps = 50

	unsharded := New(DefaultEntriesPerSlab)
	sharded, err := NewSharded(4, 64)
	if err != nil {
		t.Fatalf("NewSharded: %v", err)
	}

	for i := 0; i < numOps; i++ {
		addr := otentry.Addr{FileID: 1, SegmentID: uint32(i), Length: 16}

		idU, err := unsharded.Allocate(nodeid.KindLeaf, 1, addr)
		if err != nil {
			t.Fatalf("unsharded Allocate: %v", err)
		}
		resU, err := unsharded.MarkLiveReserve(idU)
		if err != nil {
			t.Fatalf("unsharded MarkLiveReserve: %v", err)
		}
		if err := unsharded.MarkLiveCommit(resU, uint64(i+1)); err != nil {
			t.Fatalf("unsharded MarkLiveCommit: %v", err)
		}

		idS, err := sharded.Allocate(nodeid.KindLeaf, 1, addr)
		if err != nil {
			t.Fatalf("sharded Allocate: %v", err)
		}
		resS, err := sharded.MarkLiveReserve(idS)
		if err != nil {
			t.Fatalf("sharded MarkLiveReserve: %v", err)
		}
		if err := sharded.MarkLiveCommit(resS, uint64(i+1)); err != nil {
			t.Fatalf("sharded MarkLiveCommit: %v", err)
		}
	}

	var unshardedLive, shardedLive int
	unsharded.IterateLiveSnapshot(func(handleIdx uint64, rec otentry.Record) { unshardedLive++ })
	sharded.IterateLiveSnapshot(func(handleIdx uint64, rec otentry.Record) { shardedLive++ })

	if unshardedLive != numOps || shardedLive != numOps {
		t.Fatalf("live counts = unsharded:%d sharded:%d, want %d each", unshardedLive, shardedLive, numOps)
	}
}

func TestShardedReclaimRewritesToGlobalHandle(t *testing.T) {
	st, err := NewSharded(4, 64)
	if err != nil {
		t.Fatalf("NewSharded: %v", err)
	}

	id, _ := st.Allocate(nodeid.KindLeaf, 1, otentry.Addr{Length: 16})
	reserved, _ := st.MarkLiveReserve(id)
	if err := st.MarkLiveCommit(reserved, 5); err != nil {
		t.Fatalf("MarkLiveCommit: %v", err)
	}
	if err := st.Retire(reserved, 10); err != nil {
		t.Fatalf("Retire: %v", err)
	}

	reclaimed := st.ReclaimBeforeEpoch(20)
	if len(reclaimed) != 1 {
		t.Fatalf("ReclaimBeforeEpoch returned %d entries, want 1", len(reclaimed))
	}
	if reclaimed[0].HandleIndex != reserved.HandleIndex() {
		t.Fatalf("reclaimed handle = %d, want global handle %d", reclaimed[0].HandleIndex, reserved.HandleIndex())
	}
}
