package model

import "fmt"

// SegmentID is the unique identifier for a segment within an index.
type SegmentID uint64

// RowID is a dense, segment-local identifier for a record.
// It is transient and changes when segments are merged.
type RowID uint32

// Location identifies a record inside an index.
type Location struct {
	SegmentID SegmentID
	RowID     RowID
}

// Key packs the location into one uint64, segment in the high half.
func (l Location) Key() uint64 {
	return uint64(l.SegmentID)<<32 | uint64(l.RowID)
}

// LocationFromKey is the inverse of Location.Key.
func LocationFromKey(k uint64) Location {
	return Location{SegmentID: SegmentID(k >> 32), RowID: RowID(uint32(k))}
}

// String returns a string representation of the Location.
func (l Location) String() string {
	return fmt.Sprintf("Loc(%d:%d)", l.SegmentID, l.RowID)
}

// Pointer is the opaque value a caller attaches to a vector.
// Searches return pointers; the index never interprets them.
type Pointer uint64

// Filter selects pointers. Returning true keeps the candidate.
type Filter func(Pointer) bool

// All accepts every pointer.
func All(Pointer) bool { return true }

// Candidate is a search hit before it is reduced to its pointer.
type Candidate struct {
	Loc     Location
	Pointer Pointer
	// Score is a distance: lower is closer.
	Score float32
}
