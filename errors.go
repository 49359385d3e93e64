package vecworker

import (
	"errors"
	"fmt"

	"github.com/hupe1980/vecworker/index"
)

var (
	// ErrIndexNotFound is returned when no index with the given identifier
	// is visible to the call.
	ErrIndexNotFound = errors.New("index not found")

	// ErrStorage marks a failure of durable storage. The worker cannot
	// vouch for durability after it; callers treat it as a health signal.
	ErrStorage = errors.New("storage failure")

	// ErrClosed is returned by calls on a closed worker.
	ErrClosed = errors.New("worker closed")

	// ErrInvalidOptions is returned when an index configuration is rejected.
	ErrInvalidOptions = index.ErrInvalidOptions
)

// InvalidVectorError reports a query or insert vector the index rejects.
// It is never retried.
//
// The original underlying error can be accessed via errors.Unwrap.
type InvalidVectorError struct {
	Reason string
	cause  error
}

func (e *InvalidVectorError) Error() string {
	return "invalid vector: " + e.Reason
}

func (e *InvalidVectorError) Unwrap() error { return e.cause }

// translateError maps index errors to the errors callers of the worker see.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var iv *index.InvalidVectorError
	if errors.As(err, &iv) {
		return &InvalidVectorError{Reason: iv.Reason, cause: err}
	}
	switch {
	case errors.Is(err, ErrIndexNotFound), errors.Is(err, ErrStorage), errors.Is(err, ErrClosed):
		return err
	case errors.Is(err, index.ErrInvalidOptions):
		return err
	case errors.Is(err, index.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

func isStorageError(err error) bool {
	return errors.Is(err, ErrStorage)
}
