package vecworker

import (
	"sync/atomic"

	"github.com/hupe1980/vecworker/index"
	"github.com/hupe1980/vecworker/model"
)

// handle is a reference-counted index. The authoritative map owns one
// reference; every in-flight call owns another. The index is torn down when
// the last reference is released, so a call that looked the handle up keeps
// using an open index even if the identifier is destroyed meanwhile.
type handle struct {
	id  model.ID
	idx *index.Index

	refs    atomic.Int64
	destroy atomic.Bool // remove the directory on teardown
	done    chan struct{}
	onZero  func(*handle)
}

func newHandle(id model.ID, idx *index.Index, onZero func(*handle)) *handle {
	h := &handle{
		id:     id,
		idx:    idx,
		done:   make(chan struct{}),
		onZero: onZero,
	}
	h.refs.Store(1)
	return h
}

// tryAcquire takes a reference unless the handle is already being torn down.
func (h *handle) tryAcquire() bool {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return false
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops a reference and starts the teardown after the last one.
func (h *handle) release() {
	switch n := h.refs.Add(-1); {
	case n == 0:
		go h.onZero(h)
	case n < 0:
		panic("vecworker: handle released more often than acquired")
	}
}
