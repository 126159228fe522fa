// Package otentry defines the per-handle entry stored in the object
// table: the on-disk address of the object's data, its size class and
// kind, and the atomic state used to implement the table's lock-free
// reads (tag-validated lookups, epoch-gated reclaim).
package otentry

import (
	"sync/atomic"

	"github.com/cuemby/xtreestore/pkg/nodeid"
)

// RetireEpochNone marks an entry that has not been retired.
const RetireEpochNone = ^uint64(0)

// Addr locates an object's bytes on disk: which size-class file, which
// segment within it, and the byte range.
type Addr struct {
	FileID    uint32
	SegmentID uint32
	Offset    uint64
	Length    uint32
	// VAddr is the virtual address of the mapped region once the
	// segment is resident, 0 when the object has not been mapped.
	VAddr uintptr
}

// Entry is one slot of the object table. Tag, BirthEpoch and
// RetireEpoch are read and written with atomic operations so that
// lock-free readers can validate a handle without taking the table's
// write lock.
type Entry struct {
	Addr    Addr
	ClassID uint8
	Kind    nodeid.Kind

	tag         atomic.Uint32 // stored as uint32, valid range is uint16
	birthEpoch  atomic.Uint64
	retireEpoch atomic.Uint64
}

// Reset clears an entry back to the FREE state for reuse, stamping it
// with the tag it will be reissued under.
func (e *Entry) Reset(tag uint16) {
	e.Addr = Addr{}
	e.ClassID = 0
	e.Kind = nodeid.KindInvalid
	e.tag.Store(uint32(tag))
	e.birthEpoch.Store(0)
	e.retireEpoch.Store(RetireEpochNone)
}

// Tag returns the current ABA-protection tag.
func (e *Entry) Tag() uint16 {
	return uint16(e.tag.Load())
}

// SetTag atomically updates the tag, e.g. when bumping it past a
// retired reservation.
func (e *Entry) SetTag(tag uint16) {
	e.tag.Store(uint32(tag))
}

// BirthEpoch returns the epoch at which the entry became LIVE.
func (e *Entry) BirthEpoch() uint64 {
	return e.birthEpoch.Load()
}

// SetBirthEpoch records the epoch at which the entry became LIVE.
func (e *Entry) SetBirthEpoch(epoch uint64) {
	e.birthEpoch.Store(epoch)
}

// RetireEpoch returns the epoch at which the entry was retired, or
// RetireEpochNone if it has not been retired.
func (e *Entry) RetireEpoch() uint64 {
	return e.retireEpoch.Load()
}

// SetRetireEpoch marks the entry retired as of epoch.
func (e *Entry) SetRetireEpoch(epoch uint64) {
	e.retireEpoch.Store(epoch)
}

// ClearRetireEpoch reverts an entry to not-retired, used when
// restoring a handle for reuse after reclaim.
func (e *Entry) ClearRetireEpoch() {
	e.retireEpoch.Store(RetireEpochNone)
}

// IsFree reports whether the entry has no birth epoch and no retire
// epoch recorded. A RESERVED entry (address assigned, not yet
// published) also reports true; State tells it apart from FREE.
func (e *Entry) IsFree() bool {
	return e.birthEpoch.Load() == 0 && e.retireEpoch.Load() == RetireEpochNone
}

// IsAllocated reports whether the entry has an address reserved,
// whether or not it has been published LIVE yet.
func (e *Entry) IsAllocated() bool {
	return e.Addr.Length > 0
}

// IsLive reports whether the entry has a birth epoch and has not been
// retired: the published, readable state.
func (e *Entry) IsLive() bool {
	return e.birthEpoch.Load() != 0 && e.retireEpoch.Load() == RetireEpochNone
}

// IsRetired reports whether the entry has been retired and is
// awaiting reclaim past the MVCC safe epoch.
func (e *Entry) IsRetired() bool {
	return e.retireEpoch.Load() != RetireEpochNone
}

// IsValid reports whether a caller presenting tag may still
// dereference this entry: the entry is LIVE and the tag matches.
func (e *Entry) IsValid(tag uint16) bool {
	return e.IsLive() && e.Tag() == tag
}

// DbgState enumerates the entry's lifecycle state for debug tracing
// and assertions (pkg/assertx). Unlike IsLive/IsRetired/etc. this
// distinguishes RESERVED (allocated, address assigned, not yet
// published) from FREE and LIVE.
type DbgState int

const (
	DbgFree DbgState = iota
	DbgReserved
	DbgLive
	DbgRetired
)

// String renders a DbgState for log messages.
func (s DbgState) String() string {
	switch s {
	case DbgFree:
		return "FREE"
	case DbgReserved:
		return "RESERVED"
	case DbgLive:
		return "LIVE"
	case DbgRetired:
		return "RETIRED"
	default:
		return "UNKNOWN"
	}
}

// State classifies the entry's current lifecycle state for debug
// tracing. It recomputes from the same atomic fields as the
// Is*/Free/Live/Retired predicates rather than storing separate state,
// so it can never drift from them.
func (e *Entry) State() DbgState {
	switch {
	case e.IsRetired():
		return DbgRetired
	case e.IsLive():
		return DbgLive
	case e.IsAllocated():
		return DbgReserved
	default:
		return DbgFree
	}
}
