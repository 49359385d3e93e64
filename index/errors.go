package index

import (
	"errors"
	"fmt"
)

var (
	// ErrOutdatedView is returned by View.Insert when the view's growing
	// segment was frozen by a concurrent rebuild. Refresh and retry.
	ErrOutdatedView = errors.New("index: outdated view")

	// ErrClosed is returned by operations on a closed index.
	ErrClosed = errors.New("index: closed")

	// ErrExists is returned by Create when the directory already exists.
	ErrExists = errors.New("index: already exists")

	// ErrOptionsMismatch is returned by Open when the options differ from
	// the ones the index was created with.
	ErrOptionsMismatch = errors.New("index: options mismatch")

	// ErrInvalidOptions is returned when Options.Validate fails.
	ErrInvalidOptions = errors.New("index: invalid options")

	// ErrCorruptSegment is returned when a sealed segment file fails to decode.
	ErrCorruptSegment = errors.New("index: corrupt segment")
)

// InvalidVectorError reports a vector that violates the index's shape or
// value constraints.
type InvalidVectorError struct {
	Reason string
}

func (e *InvalidVectorError) Error() string {
	return "invalid vector: " + e.Reason
}

func invalidVector(format string, args ...any) error {
	return &InvalidVectorError{Reason: fmt.Sprintf(format, args...)}
}
