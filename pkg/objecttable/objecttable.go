// Package objecttable implements the handle-based naming service that
// maps 64-bit NodeIDs to physical addresses: a two-level slab array of
// OTEntry records with lock-free reads, a sharded-mutex write path,
// and a two-phase publish protocol that defeats the ABA problem across
// handle reuse.
package objecttable

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/xtreestore/pkg/nodeid"
	"github.com/cuemby/xtreestore/pkg/otentry"
)

// DefaultEntriesPerSlab is the number of entries in each inner slab.
// Must be a power of two so a handle index splits into (slab, local)
// by shift/mask.
const DefaultEntriesPerSlab = 1 << 12 // 4096

// MaxSlabs bounds the fixed-size outer array; it is never resized.
const MaxSlabs = 1 << 16

var (
	// ErrExhausted is returned when no free handle is available and
	// the slab table has reached MaxSlabs.
	ErrExhausted = fmt.Errorf("objecttable: handle space exhausted")
	// ErrTagMismatch is returned by reservation/commit calls presented
	// with a stale NodeID.
	ErrTagMismatch = fmt.Errorf("objecttable: tag mismatch")
	// ErrNotReserved is returned by MarkLiveCommit on a slot that has
	// no address reserved (a FREE slot). A slot that is already LIVE or
	// RETIRED is not rejected with it.
	ErrNotReserved = fmt.Errorf("objecttable: handle not in RESERVED state")
)

type slab struct {
	entries []otentry.Entry
}

// Stats summarizes the table's cumulative allocation activity and
// current occupancy.
type Stats struct {
	TotalAllocations  uint64
	TotalRetires      uint64
	TotalReclaims     uint64
	BytesReclaimed    uint64
	FreeHandles       uint64
	RetiredHandles    uint64
	MaxHandleAllocated uint64
	LastReclaimCount  uint64
}

// Table is an unsharded object table. ObjectTableSharded composes N of
// these, routing by handle bits rather than adding its own locking.
type Table struct {
	entriesPerSlab uint64
	shift          uint
	mask           uint64

	slabs    []atomic.Pointer[slab]
	numSlabs atomic.Int32

	mu         sync.Mutex // serializes allocate/retire/reclaim/slab growth
	freeCache  []uint64   // LIFO cache of free handle indices
	freeCount  uint64
	retiredCnt uint64
	bumpNext   uint64 // smallest handle index never yet allocated
	recovery   bool

	totalAllocations uint64
	totalRetires     uint64
	totalReclaims    uint64
	bytesReclaimed   uint64
	lastReclaimCount uint64
	maxHandle        uint64
}

// New creates an empty Table. Handle 0 is reserved and never issued,
// so bumpNext starts at 1.
func New(entriesPerSlab uint64) *Table {
	if entriesPerSlab == 0 {
		entriesPerSlab = DefaultEntriesPerSlab
	}
	if entriesPerSlab&(entriesPerSlab-1) != 0 {
		panic("objecttable: entriesPerSlab must be a power of two")
	}
	shift := uint(0)
	for uint64(1)<<shift < entriesPerSlab {
		shift++
	}
	t := &Table{
		entriesPerSlab: entriesPerSlab,
		shift:          shift,
		mask:           entriesPerSlab - 1,
		slabs:          make([]atomic.Pointer[slab], MaxSlabs),
		bumpNext:       1,
	}
	return t
}

func (t *Table) slabIndex(handleIdx uint64) (int, uint64) {
	return int(handleIdx >> t.shift), handleIdx & t.mask
}

// entryAt returns the entry for handleIdx, growing the slab array if
// necessary. Callers must hold t.mu when growth might be required
// (allocation, recovery); read-only callers that know the slab
// already exists may call this without the lock since slab lookups
// use acquire/release through atomic.Pointer.
func (t *Table) entryAt(handleIdx uint64) (*otentry.Entry, error) {
	slabIdx, local := t.slabIndex(handleIdx)
	if slabIdx >= MaxSlabs {
		return nil, ErrExhausted
	}
	s := t.slabs[slabIdx].Load()
	if s == nil {
		return nil, nil // caller must growSlab
	}
	return &s.entries[local], nil
}

// growSlab publishes a freshly allocated slab at slabIdx if one is
// not already present. Must be called with t.mu held.
func (t *Table) growSlab(slabIdx int) *slab {
	if existing := t.slabs[slabIdx].Load(); existing != nil {
		return existing
	}
	s := &slab{entries: make([]otentry.Entry, t.entriesPerSlab)}
	for i := range s.entries {
		// Tags start at 1, not 0: 0 is reserved to detect
		// uninitialized NodeIDs, so no slot's live tag is ever 0.
		s.entries[i].Reset(1)
	}
	t.slabs[slabIdx].Store(s) // release: publishes the slab to concurrent acquire-loaders
	t.numSlabs.Add(1)
	return s
}

// entryAtLocked returns the entry for handleIdx, growing slabs as
// needed. Must be called with t.mu held.
func (t *Table) entryAtLocked(handleIdx uint64) (*otentry.Entry, error) {
	slabIdx, local := t.slabIndex(handleIdx)
	if slabIdx >= MaxSlabs {
		return nil, ErrExhausted
	}
	s := t.slabs[slabIdx].Load()
	if s == nil {
		s = t.growSlab(slabIdx)
	}
	return &s.entries[local], nil
}

func (t *Table) acquireHandle() (uint64, error) {
	if n := len(t.freeCache); n > 0 {
		h := t.freeCache[n-1]
		t.freeCache = t.freeCache[:n-1]
		t.freeCount--
		return h, nil
	}
	h := t.bumpNext
	slabIdx, _ := t.slabIndex(h)
	if slabIdx >= MaxSlabs {
		return 0, ErrExhausted
	}
	t.bumpNext++
	return h, nil
}

// Allocate reserves a FREE handle and stamps its address, class and
// kind, returning a tentative NodeID that is not yet visible to
// readers (birth_epoch remains 0 until MarkLiveCommit).
func (t *Table) Allocate(kind nodeid.Kind, classID uint8, addr otentry.Addr) (nodeid.ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.recovery {
		return nodeid.Invalid, fmt.Errorf("objecttable: Allocate not permitted during recovery")
	}

	handleIdx, err := t.acquireHandle()
	if err != nil {
		return nodeid.Invalid, err
	}
	e, err := t.entryAtLocked(handleIdx)
	if err != nil {
		return nodeid.Invalid, err
	}

	e.Addr = addr
	e.ClassID = classID
	e.Kind = kind

	if handleIdx > t.maxHandle {
		t.maxHandle = handleIdx
	}
	t.totalAllocations++

	return nodeid.FromParts(handleIdx, e.Tag()), nil
}

// bumpTag advances tag past a prior life, skipping 0, mirroring
// NodeID::from_parts' 0->1 bump for first-ever use.
func bumpTag(cur uint16) uint16 {
	next := cur + 1
	if next == 0 {
		next = 1
	}
	return next
}

// MarkLiveReserve is the first phase of publish: it bumps the entry's
// tag past any prior life and returns the NodeID the caller must use
// in the WAL record. The entry remains invisible to readers
// (birth_epoch stays 0) until MarkLiveCommit.
func (t *Table) MarkLiveReserve(id nodeid.ID) (nodeid.ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.entryAtLocked(id.HandleIndex())
	if err != nil {
		return nodeid.Invalid, err
	}
	if e.Tag() != id.Tag() {
		return nodeid.Invalid, ErrTagMismatch
	}

	newTag := bumpTag(e.Tag())
	e.SetTag(newTag)
	return nodeid.FromParts(id.HandleIndex(), newTag), nil
}

// MarkLiveCommit is the second phase of publish: called only after
// the WAL durably records the reservation, it stores birth_epoch with
// release ordering, making the handle visible to readers whose
// snapshot epoch is >= birthEpoch.
func (t *Table) MarkLiveCommit(id nodeid.ID, birthEpoch uint64) error {
	if birthEpoch == 0 {
		return fmt.Errorf("objecttable: birth epoch must be > 0")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.entryAtLocked(id.HandleIndex())
	if err != nil {
		return err
	}
	if e.Tag() != id.Tag() {
		return ErrTagMismatch
	}
	if !e.IsAllocated() {
		return ErrNotReserved
	}
	e.SetBirthEpoch(birthEpoch) // release store: readers pair with the acquire load of Tag()
	return nil
}

// AbortReservation rolls back a reservation that failed to durably
// record in the WAL: the handle returns to FREE and is pushed back
// onto the free cache for reuse. The tag is left as-is; the next real
// reservation bumps it again.
func (t *Table) AbortReservation(id nodeid.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.entryAtLocked(id.HandleIndex())
	if err != nil {
		return err
	}
	if e.Tag() != id.Tag() {
		return ErrTagMismatch
	}
	e.Addr = otentry.Addr{}
	e.Kind = nodeid.KindInvalid
	e.ClassID = 0
	e.SetBirthEpoch(0)
	e.ClearRetireEpoch()

	t.freeCache = append(t.freeCache, id.HandleIndex())
	t.freeCount++
	return nil
}

// Retire idempotently stamps retireEpoch on a LIVE handle. Retiring an
// already-retired or FREE handle is a no-op.
func (t *Table) Retire(id nodeid.ID, retireEpoch uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.entryAtLocked(id.HandleIndex())
	if err != nil {
		return err
	}
	if e.Tag() != id.Tag() {
		return ErrTagMismatch
	}
	if !e.IsLive() {
		return nil // idempotent no-op
	}
	e.SetRetireEpoch(retireEpoch)
	t.totalRetires++
	t.retiredCnt++
	return nil
}

// TryGet validates id's tag against the entry and returns a copy of
// the entry plus ok=true on a match. It never blocks and never
// dereferences stale data: a tag mismatch returns ok=false.
func (t *Table) TryGet(id nodeid.ID) (otentry.Entry, bool) {
	e, err := t.entryAt(id.HandleIndex())
	if err != nil || e == nil {
		return otentry.Entry{}, false
	}
	if e.Tag() != id.Tag() { // acquire load, pairs with release store in MarkLiveCommit
		return otentry.Entry{}, false
	}
	return *e, true
}

// IsValid reports whether id currently names a LIVE entry.
func (t *Table) IsValid(id nodeid.ID) bool {
	e, ok := t.TryGet(id)
	return ok && e.IsLive()
}

// ValidateTag reports whether id's tag still matches the entry's
// current tag, independent of lifecycle state.
func (t *Table) ValidateTag(id nodeid.ID) bool {
	_, ok := t.TryGet(id)
	return ok
}

// ReclaimedHandle describes a handle returned to FREE by reclaim,
// along with the segment address the caller must return to the
// segment allocator.
type ReclaimedHandle struct {
	HandleIndex uint64
	ClassID     uint8
	Addr        otentry.Addr
}

// ReclaimBeforeEpoch walks every allocated handle and frees those
// retired strictly before safeEpoch, returning their handles to the
// free cache. It returns the segment addresses the caller must
// release through the segment allocator.
func (t *Table) ReclaimBeforeEpoch(safeEpoch uint64) []ReclaimedHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []ReclaimedHandle
	for slabIdx := 0; slabIdx < MaxSlabs; slabIdx++ {
		s := t.slabs[slabIdx].Load()
		if s == nil {
			continue
		}
		base := uint64(slabIdx) << t.shift
		for local := range s.entries {
			e := &s.entries[local]
			if !e.IsRetired() || e.RetireEpoch() >= safeEpoch {
				continue
			}
			handleIdx := base + uint64(local)
			if handleIdx == 0 {
				continue // handle 0 is never enqueued
			}
			out = append(out, ReclaimedHandle{HandleIndex: handleIdx, ClassID: e.ClassID, Addr: e.Addr})

			e.Addr = otentry.Addr{}
			e.Kind = nodeid.KindInvalid
			e.ClassID = 0
			e.SetBirthEpoch(0)
			e.ClearRetireEpoch()

			t.freeCache = append(t.freeCache, handleIdx)
			t.freeCount++
			t.retiredCnt--
		}
	}
	t.totalReclaims += uint64(len(out))
	t.lastReclaimCount = uint64(len(out))
	for _, r := range out {
		t.bytesReclaimed += uint64(r.Addr.Length)
	}
	return out
}

// BeginRecovery switches the table into a mode where ApplyDelta and
// RestoreHandle install entries at specific handle indices, growing
// slabs on demand, without issuing new handles through Allocate.
func (t *Table) BeginRecovery() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recovery = true
}

// EndRecovery closes recovery mode and reinstates the free-list
// cursor: bumpNext is advanced past the highest handle seen, and any
// non-LIVE gaps below it are pushed onto the free cache.
func (t *Table) EndRecovery() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recovery = false

	if t.bumpNext <= t.maxHandle {
		t.bumpNext = t.maxHandle + 1
	}

	t.freeCache = t.freeCache[:0]
	for h := uint64(1); h < t.bumpNext; h++ {
		e, err := t.entryAt(h)
		if err == nil && (e == nil || e.State() == otentry.DbgFree) {
			t.freeCache = append(t.freeCache, h)
		}
	}
	t.freeCount = uint64(len(t.freeCache))
}

// RestoreHandle installs a checkpoint-derived entry at an exact handle
// index during recovery, growing slabs on demand.
func (t *Table) RestoreHandle(handleIdx uint64, rec otentry.Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if handleIdx == 0 {
		return fmt.Errorf("objecttable: handle 0 may never be restored")
	}
	e, err := t.entryAtLocked(handleIdx)
	if err != nil {
		return err
	}
	e.Addr = otentry.Addr{FileID: rec.FileID, SegmentID: rec.SegmentID, Offset: rec.Offset, Length: rec.Length}
	e.ClassID = rec.ClassID
	e.Kind = nodeid.Kind(rec.Kind)
	tag := rec.Tag
	if tag == 0 {
		// An adversarial or corrupt WAL/checkpoint record can carry
		// tag 0; no live slot's tag is ever allowed to be 0 (see
		// growSlab), so normalize rather than propagate it.
		tag = 1
	}
	e.SetTag(tag)
	e.SetBirthEpoch(rec.BirthEpoch)
	if rec.RetireEpoch == otentry.RetireEpochNone {
		e.ClearRetireEpoch()
	} else {
		e.SetRetireEpoch(rec.RetireEpoch)
		t.retiredCnt++
	}
	if handleIdx > t.maxHandle {
		t.maxHandle = handleIdx
	}
	return nil
}

// ApplyDelta replays a single WAL delta record during recovery,
// installing or updating the handle it names.
func (t *Table) ApplyDelta(rec otentry.Record) error {
	return t.RestoreHandle(rec.HandleIdx, rec)
}

// ApplyDeltaRecord is an alias for ApplyDelta so recovery can drive a
// Table and a Sharded table through the same single-argument method.
func (t *Table) ApplyDeltaRecord(rec otentry.Record) error {
	return t.ApplyDelta(rec)
}

// IterateLiveSnapshot invokes fn once per LIVE handle under the
// table's write lock, in (handleIdx, Record) form, for checkpoint
// writing.
func (t *Table) IterateLiveSnapshot(fn func(handleIdx uint64, rec otentry.Record)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for slabIdx := 0; slabIdx < MaxSlabs; slabIdx++ {
		s := t.slabs[slabIdx].Load()
		if s == nil {
			continue
		}
		base := uint64(slabIdx) << t.shift
		for local := range s.entries {
			e := &s.entries[local]
			if !e.IsLive() {
				continue
			}
			handleIdx := base + uint64(local)
			if handleIdx == 0 {
				continue
			}
			fn(handleIdx, otentry.ToRecord(handleIdx, e, 0))
		}
	}
}

// Stats reports the table's lifetime counters and current occupancy.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		TotalAllocations:   t.totalAllocations,
		TotalRetires:       t.totalRetires,
		TotalReclaims:      t.totalReclaims,
		BytesReclaimed:     t.bytesReclaimed,
		FreeHandles:        t.freeCount,
		RetiredHandles:     t.retiredCnt,
		MaxHandleAllocated: t.maxHandle,
		LastReclaimCount:   t.lastReclaimCount,
	}
}
