package manifest

import "errors"

var (
	// ErrIncompatibleVersion is returned when the record was written by a newer format.
	ErrIncompatibleVersion = errors.New("incompatible record version")

	// ErrNotFound is returned when the record file does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrCorrupt is returned when the record file cannot be decoded.
	ErrCorrupt = errors.New("record corrupt")
)
