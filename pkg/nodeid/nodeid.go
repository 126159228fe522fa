// Package nodeid implements the 64-bit NodeID encoding shared by every
// layer of the persistence core: a 48-bit handle index identifying a
// slot in the object table, packed with a 16-bit ABA-protection tag.
//
//	bit 63                        bit 16 15          bit 0
//	┌───────────────────────────────┬──────────────────┐
//	│         handle_index (48)     │      tag (16)     │
//	└───────────────────────────────┴──────────────────┘
package nodeid

import "math"

const (
	tagBits    = 16
	handleBits = 48
	tagMask    = (uint64(1) << tagBits) - 1
)

// Invalid is the canonical invalid NodeID: all bits set.
const Invalid ID = ID(math.MaxUint64)

// ID is a packed (handle_index, tag) pair identifying a slot in the
// object table. The zero value is NOT a valid ID; use Invalid or
// FromParts to construct one.
type ID uint64

// FromRaw wraps an already-packed 64-bit value.
func FromRaw(raw uint64) ID {
	return ID(raw)
}

// FromParts packs a handle index and tag into an ID. A tag of 0 is
// bumped to 1: the object table never issues tag 0 for a live handle,
// reserving it to make the zero value distinguishable from any real
// allocation.
func FromParts(handleIndex uint64, tag uint16) ID {
	if tag == 0 {
		tag = 1
	}
	return ID((handleIndex << tagBits) | uint64(tag))
}

// Raw returns the packed 64-bit representation.
func (id ID) Raw() uint64 {
	return uint64(id)
}

// HandleIndex returns the 48-bit handle index component.
func (id ID) HandleIndex() uint64 {
	return uint64(id) >> tagBits
}

// Tag returns the 16-bit ABA-protection tag component.
func (id ID) Tag() uint16 {
	return uint16(uint64(id) & tagMask)
}

// Valid reports whether id is not the sentinel Invalid value.
func (id ID) Valid() bool {
	return id != Invalid
}

// Kind enumerates the category of object a NodeID refers to.
type Kind uint8

const (
	KindInvalid    Kind = 0
	KindInternal   Kind = 1
	KindLeaf       Kind = 2
	KindChildVec   Kind = 3
	KindValueVec   Kind = 4
	KindDataRecord Kind = 5
	KindTombstone  Kind = 255
)

// String renders a Kind for logging.
func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindInternal:
		return "internal"
	case KindLeaf:
		return "leaf"
	case KindChildVec:
		return "child_vec"
	case KindValueVec:
		return "value_vec"
	case KindDataRecord:
		return "data_record"
	case KindTombstone:
		return "tombstone"
	default:
		return "unknown"
	}
}
