// Package model defines core types used throughout vecworker.
//
// # Identity Types
//
//   - ID: index identifier, a UUID with a canonical string form
//   - SegmentID: identifier of a segment within one index (uint64)
//   - RowID: segment-local record identifier (uint32)
//   - Location: physical address (SegmentID, RowID)
//
// # Data Types
//
//   - Pointer: opaque 64-bit value attached to every vector and returned by search
//   - Filter: predicate over pointers, used by search and delete
package model
