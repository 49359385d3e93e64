package index

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/vecworker/distance"
	"github.com/hupe1980/vecworker/internal/cell"
	"github.com/hupe1980/vecworker/internal/wal"
	"github.com/hupe1980/vecworker/model"
)

const chunkRows = 64

// rowChunks stores growing rows in fixed-size chunks so appends never move
// rows that readers may be looking at.
type rowChunks struct {
	vectors  [][]float32
	pointers [][]model.Pointer
}

// growing is the mutable segment that receives inserts.
//
// Rows are append-only. A writer fills row n under mu and then publishes it
// by storing n+1 into count; readers load count and only touch rows below
// it. That discipline is what makes the unsynchronized SyncCell safe.
type growing struct {
	id       model.SegmentID
	dim      int
	capacity int

	mu     sync.Mutex // serializes writers
	frozen bool
	lsn    uint64
	wal    *wal.WAL // nil once closed, or for segments restored from a previous run

	count atomic.Int64
	rows  *cell.SyncCell[rowChunks]
}

func newGrowing(id model.SegmentID, dim, capacity int, w *wal.WAL) *growing {
	chunks := (capacity + chunkRows - 1) / chunkRows
	return &growing{
		id:       id,
		dim:      dim,
		capacity: capacity,
		wal:      w,
		rows: cell.NewSyncCell(rowChunks{
			vectors:  make([][]float32, chunks),
			pointers: make([][]model.Pointer, chunks),
		}),
	}
}

// insert appends one row. It fails with ErrOutdatedView once the segment is
// frozen or full.
func (g *growing) insert(vec []float32, ptr model.Pointer) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.frozen || int(g.count.Load()) >= g.capacity {
		return ErrOutdatedView
	}
	if g.wal != nil {
		g.lsn++
		if err := g.wal.Append(&wal.Record{LSN: g.lsn, Type: wal.RecordTypeInsert, Pointer: ptr, Vector: vec}); err != nil {
			return fmt.Errorf("append wal: %w", err)
		}
	}
	g.appendLocked(vec, ptr)
	return nil
}

// restore appends a row replayed from the WAL. Capacity is not enforced, so
// it may only run before the segment is visible to readers.
func (g *growing) restore(vec []float32, ptr model.Pointer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n := int(g.count.Load()); n >= g.capacity {
		g.grow()
	}
	g.appendLocked(vec, ptr)
}

func (g *growing) grow() {
	r := g.rows.Get()
	r.vectors = append(r.vectors, nil)
	r.pointers = append(r.pointers, nil)
	g.capacity += chunkRows
}

func (g *growing) appendLocked(vec []float32, ptr model.Pointer) {
	n := int(g.count.Load())
	r := g.rows.Get()
	c, off := n/chunkRows, n%chunkRows
	if r.vectors[c] == nil {
		r.vectors[c] = make([]float32, chunkRows*g.dim)
		r.pointers[c] = make([]model.Pointer, chunkRows)
	}
	copy(r.vectors[c][off*g.dim:], vec)
	r.pointers[c][off] = ptr
	g.count.Store(int64(n + 1))
}

// logDelete records deleted locations in this segment's WAL.
func (g *growing) logDelete(keys []uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.wal == nil {
		return nil
	}
	g.lsn++
	return g.wal.Append(&wal.Record{LSN: g.lsn, Type: wal.RecordTypeDelete, Keys: keys})
}

func (g *growing) freeze() {
	g.mu.Lock()
	g.frozen = true
	g.mu.Unlock()
}

func (g *growing) isFrozen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.frozen
}

func (g *growing) full() bool {
	return int(g.count.Load()) >= g.capacity
}

func (g *growing) len() int {
	return int(g.count.Load())
}

func (g *growing) vector(row int) []float32 {
	r := g.rows.Get()
	off := (row % chunkRows) * g.dim
	return r.vectors[row/chunkRows][off : off+g.dim : off+g.dim]
}

func (g *growing) pointer(row int) model.Pointer {
	return g.rows.Get().pointers[row/chunkRows][row%chunkRows]
}

func (g *growing) search(q []float32, top *topK, fn distance.Func, live func(model.RowID) bool, filter model.Filter) {
	n := g.len()
	for row := 0; row < n; row++ {
		r := model.RowID(row)
		ptr := g.pointer(row)
		if !live(r) || !filter(ptr) {
			continue
		}
		d := fn(q, g.vector(row))
		if w, full := top.worst(); full && d >= w {
			continue
		}
		top.offer(model.Candidate{
			Loc:     model.Location{SegmentID: g.id, RowID: r},
			Pointer: ptr,
			Score:   d,
		})
	}
}

// snapshot copies the published rows into a segmentData for sealing.
func (g *growing) snapshot() *segmentData {
	n := g.len()
	d := &segmentData{
		id:       g.id,
		dim:      g.dim,
		pointers: make([]model.Pointer, n),
		vectors:  make([]float32, 0, n*g.dim),
	}
	for row := 0; row < n; row++ {
		d.pointers[row] = g.pointer(row)
		d.vectors = append(d.vectors, g.vector(row)...)
	}
	return d
}

func (g *growing) sync() error {
	g.mu.Lock()
	w := g.wal
	g.mu.Unlock()
	if w == nil {
		return nil
	}
	if err := w.Sync(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	// A closed WAL belongs to a segment that was sealed meanwhile.
	return nil
}

// closeWAL closes the WAL. Later writes to the segment are not logged.
func (g *growing) closeWAL() error {
	g.mu.Lock()
	w := g.wal
	g.wal = nil
	g.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}
