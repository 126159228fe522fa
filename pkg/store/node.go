package store

import (
	"fmt"
	"runtime"

	"github.com/cuemby/xtreestore/pkg/checksum"
	"github.com/cuemby/xtreestore/pkg/config"
	"github.com/cuemby/xtreestore/pkg/manifest"
	"github.com/cuemby/xtreestore/pkg/nodeid"
	"github.com/cuemby/xtreestore/pkg/otentry"
	"github.com/cuemby/xtreestore/pkg/segment"
)

// Size classes are powers of two from 64 bytes up to 4 MiB. Every
// allocation in a class occupies exactly the class's block size, so a
// handle's (class, address) pair fully determines the bytes it owns
// and frees and reallocations always line up on the same boundaries.
const (
	minClassShift = 6 // class 0 = 64 bytes
	maxClassID    = 16
)

// BlockSize returns the byte size of one allocation in classID.
func BlockSize(classID uint8) uint32 {
	return 1 << (minClassShift + uint(classID))
}

// classFor maps a requested length to the smallest class that fits.
func classFor(minLen uint32) (uint8, uint32, error) {
	if minLen == 0 {
		return 0, 0, fmt.Errorf("store: zero-length allocation")
	}
	for c := uint8(0); c <= maxClassID; c++ {
		if block := BlockSize(c); block >= minLen {
			return c, block, nil
		}
	}
	return 0, 0, ErrTooLarge
}

// RetireReason documents why a node was retired, for debug tracing.
type RetireReason string

const (
	ReasonObsolete   RetireReason = "obsolete"
	ReasonSplit      RetireReason = "split"
	ReasonMerge      RetireReason = "merge"
	ReasonRollback   RetireReason = "rollback"
	ReasonCompaction RetireReason = "compaction"
)

// AllocateNode reserves space for a node of at least minLen bytes and
// an object table handle bound to it. The returned NodeID is not yet
// visible to readers; the returned capacity is the class block size
// the caller may fill up to. The handle becomes LIVE only through
// PublishNode (or PublishNodeInPlace after WriteNodeBytes).
func (s *Store) AllocateNode(minLen uint32, kind nodeid.Kind) (nodeid.ID, uint32, error) {
	if kind == nodeid.KindInvalid {
		return nodeid.Invalid, 0, fmt.Errorf("store: cannot allocate KindInvalid")
	}
	classID, block, err := classFor(minLen)
	if err != nil {
		return nodeid.Invalid, 0, err
	}
	alloc, err := s.segments.Class(classID)
	if err != nil {
		return nodeid.Invalid, 0, err
	}
	addr, err := alloc.Allocate(block)
	if err != nil {
		return nodeid.Invalid, 0, err
	}
	id, err := s.table.Allocate(kind, classID, otentry.Addr{
		FileID:    addr.FileID,
		SegmentID: addr.SegmentID,
		Offset:    addr.Offset,
		Length:    block,
	})
	if err != nil {
		alloc.Free(addr)
		return nodeid.Invalid, 0, err
	}

	// Keep the data-file inventory current; the entry is persisted
	// with the next manifest save (checkpoint, rotation, or SetRoot).
	s.manMu.Lock()
	s.man.RegisterDataFile(manifest.DataFileInfo{
		ClassID:   classID,
		SegmentID: addr.SegmentID,
		Path:      segment.NameFor(classID, addr.SegmentID),
	})
	s.manMu.Unlock()

	return id, block, nil
}

func segAddr(e *otentry.Entry) segment.Addr {
	return segment.Addr{
		FileID:    e.Addr.FileID,
		SegmentID: e.Addr.SegmentID,
		Offset:    e.Addr.Offset,
		Length:    e.Addr.Length,
	}
}

// PublishNode copies data into id's reserved allocation and makes the
// handle LIVE through the two-phase publish: reserve the final tag,
// durably record the delta in the WAL, then commit the birth epoch.
// The returned NodeID carries the final tag and must replace id in
// the caller's structures.
func (s *Store) PublishNode(id nodeid.ID, data []byte) (nodeid.ID, error) {
	e, ok := s.table.TryGet(id)
	if !ok {
		return nodeid.Invalid, ErrNotPresent
	}
	block := e.Addr.Length
	if uint32(len(data)) > block {
		return nodeid.Invalid, ErrCapacityExceeded
	}

	// Pad to the class block so the record's length, the occupancy
	// bitmap and the payload CRC all describe the same byte range.
	padded := data
	if uint32(len(data)) < block {
		padded = make([]byte, block)
		copy(padded, data)
	}
	alloc, err := s.segments.Class(e.ClassID)
	if err != nil {
		return nodeid.Invalid, err
	}
	if err := alloc.Write(segAddr(&e), padded); err != nil {
		return nodeid.Invalid, err
	}
	return s.commitReservation(id, &e, padded)
}

// WriteNodeBytes writes directly into id's reserved, not-yet-LIVE
// allocation at the given offset, for callers that assemble a node
// incrementally before PublishNodeInPlace.
func (s *Store) WriteNodeBytes(id nodeid.ID, off uint32, p []byte) error {
	e, ok := s.table.TryGet(id)
	if !ok {
		return ErrNotPresent
	}
	if e.BirthEpoch() != 0 {
		return fmt.Errorf("store: WriteNodeBytes on a published node")
	}
	if uint64(off)+uint64(len(p)) > uint64(e.Addr.Length) {
		return ErrCapacityExceeded
	}
	alloc, err := s.segments.Class(e.ClassID)
	if err != nil {
		return err
	}
	a := segAddr(&e)
	a.Offset += uint64(off)
	return alloc.Write(a, p)
}

// PublishNodeInPlace publishes a node whose bytes were already
// written through WriteNodeBytes, avoiding the copy PublishNode
// performs. The block is read back once to checksum it.
func (s *Store) PublishNodeInPlace(id nodeid.ID) (nodeid.ID, error) {
	e, ok := s.table.TryGet(id)
	if !ok {
		return nodeid.Invalid, ErrNotPresent
	}
	alloc, err := s.segments.Class(e.ClassID)
	if err != nil {
		return nodeid.Invalid, err
	}
	block := make([]byte, e.Addr.Length)
	if _, err := alloc.Read(segAddr(&e), block); err != nil {
		return nodeid.Invalid, err
	}
	return s.commitReservation(id, &e, block)
}

// commitReservation runs the RESERVED -> LIVE transition: bump the
// tag under the table lock, append the delta (carrying the payload
// inline in EVENTUAL mode for small blocks), then store the birth
// epoch with release ordering. A failed WAL append rolls the handle
// back to FREE.
func (s *Store) commitReservation(id nodeid.ID, e *otentry.Entry, block []byte) (nodeid.ID, error) {
	final, err := s.table.MarkLiveReserve(id)
	if err != nil {
		return nodeid.Invalid, err
	}
	epoch := s.mvccCtx.AdvanceEpoch()

	rec := otentry.Record{
		HandleIdx:   final.HandleIndex(),
		Tag:         final.Tag(),
		ClassID:     e.ClassID,
		Kind:        uint8(e.Kind),
		FileID:      e.Addr.FileID,
		SegmentID:   e.Addr.SegmentID,
		Offset:      e.Addr.Offset,
		Length:      e.Addr.Length,
		DataCRC32C:  checksum.CRC32C(block),
		BirthEpoch:  epoch,
		RetireEpoch: otentry.RetireEpochNone,
	}

	var payload []byte
	if s.policy.DurabilityMode == config.Eventual && rec.Length <= s.policy.MaxPayloadInWAL {
		payload = block
	}
	if err := s.appendDelta(rec, payload); err != nil {
		s.rollbackReservation(final, e)
		return nodeid.Invalid, err
	}
	if s.policy.DurabilityMode == config.Strict {
		if err := s.SyncWAL(); err != nil {
			s.rollbackReservation(final, e)
			return nodeid.Invalid, err
		}
	}
	if err := s.table.MarkLiveCommit(final, epoch); err != nil {
		return nodeid.Invalid, err
	}
	return final, nil
}

func (s *Store) rollbackReservation(id nodeid.ID, e *otentry.Entry) {
	if err := s.table.AbortReservation(id); err != nil {
		s.logger.Error().Err(err).Uint64("handle", id.HandleIndex()).Msg("Reservation rollback failed")
		return
	}
	if alloc, err := s.segments.Class(e.ClassID); err == nil {
		alloc.Free(segAddr(e))
	}
}

// ReadNode validates id and returns a copy of the node's bytes. A tag
// mismatch or an unpublished handle reads as not present, never as
// stale data.
func (s *Store) ReadNode(id nodeid.ID) ([]byte, error) {
	e, ok := s.table.TryGet(id)
	if !ok || !e.IsLive() {
		return nil, ErrNotPresent
	}
	alloc, err := s.segments.Class(e.ClassID)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, e.Addr.Length)
	if _, err := alloc.Read(segAddr(&e), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Pin holds a reader registration that keeps every handle LIVE at the
// pinned epoch safe from reclaim until released.
type Pin struct {
	Epoch   uint64
	release func()
}

// Release drops the pin. Safe to call more than once.
func (p *Pin) Release() {
	p.release()
}

// ReadNodePinned reads id under an MVCC reader pin: the returned
// bytes and every other handle live at Pin.Epoch stay resolvable
// until the pin is released.
func (s *Store) ReadNodePinned(id nodeid.ID) (*Pin, []byte, error) {
	epoch, done := s.mvccCtx.BeginRead()
	buf, err := s.ReadNode(id)
	if err != nil {
		done()
		return nil, nil, err
	}
	return &Pin{Epoch: epoch, release: done}, buf, nil
}

// RetireNode idempotently marks id retired as of retireEpoch and
// records the retirement in the WAL. The handle remains resolvable,
// but not live, until the reclaimer passes it.
func (s *Store) RetireNode(id nodeid.ID, retireEpoch uint64, reason RetireReason) error {
	e, ok := s.table.TryGet(id)
	if !ok {
		return ErrNotPresent
	}
	if e.IsRetired() {
		return nil
	}
	if err := s.table.Retire(id, retireEpoch); err != nil {
		return err
	}

	rec := otentry.ToRecord(id.HandleIndex(), &e, 0)
	rec.RetireEpoch = retireEpoch
	if err := s.appendDelta(rec, nil); err != nil {
		return err
	}

	if ev := s.logger.Debug(); ev.Enabled() {
		_, file, line, _ := runtime.Caller(1)
		ev.Uint64("handle", id.HandleIndex()).
			Uint64("retire_epoch", retireEpoch).
			Str("reason", string(reason)).
			Str("caller", fmt.Sprintf("%s:%d", file, line)).
			Msg("Node retired")
	}
	return nil
}

// FreeNodeImmediate bypasses epoch-gated reclaim: a RESERVED handle
// is rolled back to FREE outright, a LIVE one is retired and its
// segment bytes freed without waiting for the reader horizon. Only
// for in-place grow and rollback paths where the caller knows no
// reader can hold the id.
func (s *Store) FreeNodeImmediate(id nodeid.ID, reason RetireReason) error {
	e, ok := s.table.TryGet(id)
	if !ok {
		return ErrNotPresent
	}
	if e.BirthEpoch() == 0 {
		s.rollbackReservation(id, &e)
		return nil
	}

	// Retire epoch 0 sorts below every possible reader horizon, so
	// the very next reclaim pass frees the handle and its bytes even
	// while snapshots are open.
	if err := s.RetireNode(id, 0, reason); err != nil {
		return err
	}
	_, err := s.ReclaimOnce()
	return err
}

// GetNodeKind reports the kind recorded for id.
func (s *Store) GetNodeKind(id nodeid.ID) (nodeid.Kind, error) {
	e, ok := s.table.TryGet(id)
	if !ok {
		return nodeid.KindInvalid, ErrNotPresent
	}
	return e.Kind, nil
}

// IsNodePresent reports whether id resolves at all, and whether it is
// merely staged (allocated or reserved, not yet published).
func (s *Store) IsNodePresent(id nodeid.ID) (present, staged bool) {
	e, ok := s.table.TryGet(id)
	if !ok {
		return false, false
	}
	if e.IsLive() {
		return true, false
	}
	if e.BirthEpoch() == 0 && e.IsAllocated() {
		return true, true
	}
	return false, false
}
