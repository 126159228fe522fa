package objecttable

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/xtreestore/pkg/nodeid"
	"github.com/cuemby/xtreestore/pkg/otentry"
)

// Sharded hosts N independent Table shards (N a power of two, <=64)
// and routes every operation by the shard bits already encoded in the
// global handle index, adding no locking of its own beyond what each
// shard's Table already provides.
type Sharded struct {
	shards       []*Table
	activeShards atomic.Int32 // number of shards currently accepting new allocations
	mu           sync.Mutex   // guards activeShards growth only
	entriesPerSlab uint64
}

// NewSharded creates a Sharded table with numShards shards (a power of
// two, at most nodeid.MaxShards), starting with only shard 0 active:
// further shards activate progressively as shard 0 and its successors
// fill up.
func NewSharded(numShards int, entriesPerSlab uint64) (*Sharded, error) {
	if numShards <= 0 || numShards&(numShards-1) != 0 {
		return nil, fmt.Errorf("objecttable: numShards must be a positive power of two, got %d", numShards)
	}
	if uint64(numShards) > nodeid.MaxShards {
		return nil, fmt.Errorf("objecttable: numShards %d exceeds MaxShards %d", numShards, nodeid.MaxShards)
	}
	st := &Sharded{
		shards:         make([]*Table, numShards),
		entriesPerSlab: entriesPerSlab,
	}
	for i := range st.shards {
		st.shards[i] = New(entriesPerSlab)
	}
	st.activeShards.Store(1)
	return st, nil
}

func (st *Sharded) shardFor(globalHandle uint64) *Table {
	return st.shards[nodeid.ShardFromHandleIndex(globalHandle)]
}

// activateNextShard brings one more shard online when the currently
// active set is saturated. Returns the new active count.
func (st *Sharded) activateNextShard() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	cur := int(st.activeShards.Load())
	if cur < len(st.shards) {
		cur++
		st.activeShards.Store(int32(cur))
	}
	return cur
}

// pickAllocationShard chooses a shard for a new allocation: the
// lowest-numbered active shard that is not saturated, activating one
// more shard if every active shard looks saturated (no free cache and
// the per-shard bump cursor has no room left in its slab table or its
// local bit-width).
func (st *Sharded) pickAllocationShard() int {
	active := int(st.activeShards.Load())
	for i := 0; i < active; i++ {
		s := st.shards[i]
		s.mu.Lock()
		limit := uint64(MaxSlabs) << s.shift
		if localMax := uint64(1) << nodeid.LocalBits; localMax < limit {
			limit = localMax
		}
		full := s.bumpNext >= limit && len(s.freeCache) == 0
		s.mu.Unlock()
		if !full {
			return i
		}
	}
	if active < len(st.shards) {
		return st.activateNextShard() - 1
	}
	return active - 1 // all shards saturated; let the last one report ErrExhausted
}

// Allocate picks an active shard and allocates within it, rewriting
// the returned handle index to its global (shard-encoded) form.
func (st *Sharded) Allocate(kind nodeid.Kind, classID uint8, addr otentry.Addr) (nodeid.ID, error) {
	shardIdx := st.pickAllocationShard()
	id, err := st.shards[shardIdx].Allocate(kind, classID, addr)
	if err != nil {
		return nodeid.Invalid, err
	}
	return toGlobal(uint64(shardIdx), id), nil
}

func toGlobal(shardIdx uint64, localID nodeid.ID) nodeid.ID {
	globalHandle := nodeid.MakeGlobalHandleIndex(shardIdx, localID.HandleIndex())
	return nodeid.FromParts(globalHandle, localID.Tag())
}

func toLocal(globalID nodeid.ID) nodeid.ID {
	local := nodeid.LocalFromHandleIndex(globalID.HandleIndex())
	return nodeid.FromParts(local, globalID.Tag())
}

// MarkLiveReserve routes to the owning shard by the handle's shard bits.
func (st *Sharded) MarkLiveReserve(id nodeid.ID) (nodeid.ID, error) {
	shardIdx := nodeid.ShardFromHandleIndex(id.HandleIndex())
	local, err := st.shards[shardIdx].MarkLiveReserve(toLocal(id))
	if err != nil {
		return nodeid.Invalid, err
	}
	return toGlobal(shardIdx, local), nil
}

// MarkLiveCommit routes to the owning shard.
func (st *Sharded) MarkLiveCommit(id nodeid.ID, birthEpoch uint64) error {
	shardIdx := nodeid.ShardFromHandleIndex(id.HandleIndex())
	return st.shards[shardIdx].MarkLiveCommit(toLocal(id), birthEpoch)
}

// AbortReservation routes to the owning shard.
func (st *Sharded) AbortReservation(id nodeid.ID) error {
	shardIdx := nodeid.ShardFromHandleIndex(id.HandleIndex())
	return st.shards[shardIdx].AbortReservation(toLocal(id))
}

// Retire routes to the owning shard.
func (st *Sharded) Retire(id nodeid.ID, retireEpoch uint64) error {
	shardIdx := nodeid.ShardFromHandleIndex(id.HandleIndex())
	return st.shards[shardIdx].Retire(toLocal(id), retireEpoch)
}

// TryGet routes to the owning shard.
func (st *Sharded) TryGet(id nodeid.ID) (otentry.Entry, bool) {
	shardIdx := nodeid.ShardFromHandleIndex(id.HandleIndex())
	if int(shardIdx) >= len(st.shards) {
		return otentry.Entry{}, false
	}
	return st.shards[shardIdx].TryGet(toLocal(id))
}

// IsValid routes to the owning shard.
func (st *Sharded) IsValid(id nodeid.ID) bool {
	e, ok := st.TryGet(id)
	return ok && e.IsLive()
}

// ReclaimBeforeEpoch dispatches reclaim across every shard, rewriting
// each shard-local handle back to global form.
func (st *Sharded) ReclaimBeforeEpoch(safeEpoch uint64) []ReclaimedHandle {
	var out []ReclaimedHandle
	for i, s := range st.shards {
		for _, r := range s.ReclaimBeforeEpoch(safeEpoch) {
			r.HandleIndex = nodeid.MakeGlobalHandleIndex(uint64(i), r.HandleIndex)
			out = append(out, r)
		}
	}
	return out
}

// BeginRecovery puts every shard into recovery mode.
func (st *Sharded) BeginRecovery() {
	for _, s := range st.shards {
		s.BeginRecovery()
	}
}

// EndRecovery closes recovery mode on every shard and reactivates
// shards that recovery populated.
func (st *Sharded) EndRecovery() {
	maxActive := 1
	for i, s := range st.shards {
		s.EndRecovery()
		if s.maxHandle > 0 && i+1 > maxActive {
			maxActive = i + 1
		}
	}
	st.activeShards.Store(int32(maxActive))
}

// ApplyDelta routes a recovery-time delta to the shard encoded in its
// global handle index.
func (st *Sharded) ApplyDelta(globalHandleIdx uint64, rec otentry.Record) error {
	shardIdx := nodeid.ShardFromHandleIndex(globalHandleIdx)
	if int(shardIdx) >= len(st.shards) {
		return fmt.Errorf("objecttable: shard %d out of range (have %d)", shardIdx, len(st.shards))
	}
	local := rec
	local.HandleIdx = nodeid.LocalFromHandleIndex(globalHandleIdx)
	return st.shards[shardIdx].ApplyDelta(local)
}

// RestoreHandle is an alias for ApplyDelta so checkpoint restoration
// can treat a Sharded table and a plain Table through the same
// interface.
func (st *Sharded) RestoreHandle(globalHandleIdx uint64, rec otentry.Record) error {
	return st.ApplyDelta(globalHandleIdx, rec)
}

// ApplyDeltaRecord replays a WAL delta record addressed by its own
// rec.HandleIdx (already in global form), so recovery can drive a
// Sharded table through the same single-argument signature as Table.
func (st *Sharded) ApplyDeltaRecord(rec otentry.Record) error {
	return st.ApplyDelta(rec.HandleIdx, rec)
}

// IterateLiveSnapshot concatenates every shard's live snapshot,
// rewriting each local handle to its global form.
func (st *Sharded) IterateLiveSnapshot(fn func(handleIdx uint64, rec otentry.Record)) {
	for i, s := range st.shards {
		shardIdx := uint64(i)
		s.IterateLiveSnapshot(func(local uint64, rec otentry.Record) {
			global := nodeid.MakeGlobalHandleIndex(shardIdx, local)
			rec.HandleIdx = global
			fn(global, rec)
		})
	}
}

// Stats aggregates every shard's Stats.
func (st *Sharded) Stats() Stats {
	var agg Stats
	for _, s := range st.shards {
		ss := s.Stats()
		agg.TotalAllocations += ss.TotalAllocations
		agg.TotalRetires += ss.TotalRetires
		agg.TotalReclaims += ss.TotalReclaims
		agg.BytesReclaimed += ss.BytesReclaimed
		agg.FreeHandles += ss.FreeHandles
		agg.RetiredHandles += ss.RetiredHandles
		agg.LastReclaimCount += ss.LastReclaimCount
		if ss.MaxHandleAllocated > agg.MaxHandleAllocated {
			agg.MaxHandleAllocated = ss.MaxHandleAllocated
		}
	}
	return agg
}

// NumShards returns the fixed shard count this table was created with.
func (st *Sharded) NumShards() int {
	return len(st.shards)
}
