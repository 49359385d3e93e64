// Package cell provides small building blocks for sharing plain mutable data
// between goroutines without a full mutex.
//
//   - [Cell] holds a copyable value. Get and Set are single atomic pointer
//     operations, so a reader never sees a torn value. Concurrent Set calls
//     are last-writer-wins.
//   - [RefCell] hands out dynamically checked borrows. Overlapping a mutable
//     borrow with any other borrow panics instead of racing.
//   - [SyncCell] wraps a value whose synchronization is enforced entirely by
//     its owner. It must stay behind a package boundary that guarantees the
//     discipline.
package cell

import (
	"errors"
	"sync/atomic"
)

// Cell holds one copyable value.
// The zero value holds the zero value of T.
type Cell[T any] struct {
	p atomic.Pointer[T]
}

// NewCell returns a Cell holding v.
func NewCell[T any](v T) *Cell[T] {
	c := &Cell[T]{}
	c.Set(v)
	return c
}

// Get returns a copy of the current value.
func (c *Cell[T]) Get() T {
	if p := c.p.Load(); p != nil {
		return *p
	}
	var zero T
	return zero
}

// Set overwrites the current value.
func (c *Cell[T]) Set(v T) {
	c.p.Store(&v)
}

var (
	// ErrAlreadyBorrowed is the panic value when BorrowMut overlaps a live borrow.
	ErrAlreadyBorrowed = errors.New("cell: already borrowed")
	// ErrAlreadyMutablyBorrowed is the panic value when a borrow overlaps a live mutable borrow.
	ErrAlreadyMutablyBorrowed = errors.New("cell: already mutably borrowed")
	// ErrReleased is the panic value when a borrow is released twice.
	ErrReleased = errors.New("cell: borrow already released")
)

// writing marks an outstanding mutable borrow in RefCell.state.
const writing = -1

// RefCell holds a value and checks borrows at runtime.
//
// state is the number of shared borrows, or writing while a mutable borrow
// is outstanding.
type RefCell[T any] struct {
	state atomic.Int32
	value T
}

// NewRefCell returns a RefCell holding v.
func NewRefCell[T any](v T) *RefCell[T] {
	return &RefCell[T]{value: v}
}

// Ref is a shared borrow of a RefCell.
type Ref[T any] struct {
	c        *RefCell[T]
	released atomic.Bool
}

// Get returns the borrowed value.
func (r *Ref[T]) Get() *T { return &r.c.value }

// Release ends the borrow.
func (r *Ref[T]) Release() {
	if !r.released.CompareAndSwap(false, true) {
		panic(ErrReleased)
	}
	r.c.state.Add(-1)
}

// RefMut is an exclusive borrow of a RefCell.
type RefMut[T any] struct {
	c        *RefCell[T]
	released atomic.Bool
}

// Get returns the borrowed value for mutation.
func (r *RefMut[T]) Get() *T { return &r.c.value }

// Release ends the borrow.
func (r *RefMut[T]) Release() {
	if !r.released.CompareAndSwap(false, true) {
		panic(ErrReleased)
	}
	r.c.state.Store(0)
}

// Borrow acquires shared access. It panics if a mutable borrow is live.
func (c *RefCell[T]) Borrow() *Ref[T] {
	for {
		s := c.state.Load()
		if s == writing {
			panic(ErrAlreadyMutablyBorrowed)
		}
		if c.state.CompareAndSwap(s, s+1) {
			return &Ref[T]{c: c}
		}
	}
}

// BorrowMut acquires exclusive access. It panics if any borrow is live.
func (c *RefCell[T]) BorrowMut() *RefMut[T] {
	if !c.state.CompareAndSwap(0, writing) {
		if c.state.Load() == writing {
			panic(ErrAlreadyMutablyBorrowed)
		}
		panic(ErrAlreadyBorrowed)
	}
	return &RefMut[T]{c: c}
}

// TryBorrowMut is BorrowMut that reports failure instead of panicking.
func (c *RefCell[T]) TryBorrowMut() (*RefMut[T], bool) {
	if !c.state.CompareAndSwap(0, writing) {
		return nil, false
	}
	return &RefMut[T]{c: c}, true
}

// SyncCell wraps a value that is shared across goroutines under a discipline
// the type system cannot check. Get performs no synchronization at all; the
// owner must guarantee that writers are excluded from every other access
// (typically by holding its own mutex for the whole use of the pointer).
type SyncCell[T any] struct {
	value T
}

// NewSyncCell returns a SyncCell holding v.
func NewSyncCell[T any](v T) *SyncCell[T] {
	return &SyncCell[T]{value: v}
}

// Get returns the interior pointer.
func (c *SyncCell[T]) Get() *T { return &c.value }
