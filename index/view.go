package index

import (
	"errors"
	"io/fs"
	"slices"

	"github.com/hupe1980/vecworker/model"
)

// View is a momentary capability bound to one version of an index.
// Views are cheap; take a new one per operation.
type View struct {
	idx *Index
	v   *version
}

// Search returns the pointers of the k rows nearest to vec that filter
// accepts, nearest first. A nil filter accepts everything.
func (vw *View) Search(k int, vec []float32, filter model.Filter) ([]model.Pointer, error) {
	cands, err := vw.SearchCandidates(k, vec, filter)
	if err != nil {
		return nil, err
	}
	out := make([]model.Pointer, len(cands))
	for j, c := range cands {
		out[j] = c.Pointer
	}
	return out, nil
}

// SearchCandidates is Search returning locations and distances as well.
func (vw *View) SearchCandidates(k int, vec []float32, filter model.Filter) ([]model.Candidate, error) {
	i := vw.idx
	if i.closed.Load() {
		return nil, ErrClosed
	}
	q, err := i.prepare(vec)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	if filter == nil {
		filter = model.All
	}

	v := vw.v
	for {
		cands, err := i.search(v, k, q, filter)
		// A merge may have removed a segment file this version still
		// references; the merged rows are in the current version.
		if errors.Is(err, fs.ErrNotExist) {
			if latest := i.cur.Load(); latest != v {
				v = latest
				continue
			}
		}
		return cands, err
	}
}

func (i *Index) search(v *version, k int, q []float32, filter model.Filter) ([]model.Candidate, error) {
	top := newTopK(k)
	for _, ref := range v.sealed {
		s, err := i.load(ref)
		if err != nil {
			return nil, err
		}
		s.search(q, top, i.dist, v.live(ref.ID), filter)
	}
	for _, g := range v.frozen {
		g.search(q, top, i.dist, v.live(g.id), filter)
	}
	v.growing.search(q, top, i.dist, v.live(v.growing.id), filter)
	return top.sorted(), nil
}

// Insert adds vec under ptr.
//
// It fails with *InvalidVectorError for a vector of the wrong dimension or
// with non-finite elements, and with ErrOutdatedView when the growing
// segment of this view is frozen or full.
func (vw *View) Insert(vec []float32, ptr model.Pointer) error {
	i := vw.idx
	if i.closed.Load() {
		return ErrClosed
	}
	q, err := i.prepare(vec)
	if err != nil {
		return err
	}
	return vw.v.growing.insert(q, ptr)
}

// Delete marks every row whose pointer filter accepts as deleted and returns
// how many rows it marked. It always applies to the latest version. A nil
// filter marks nothing.
//
// A failure to log the delete is not reported here; it sticks to the WAL and
// surfaces at the next Flush.
func (vw *View) Delete(filter model.Filter) int {
	i := vw.idx
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed.Load() || filter == nil {
		return 0
	}
	cur := i.cur.Load()

	var keys []uint64
	for _, ref := range cur.sealed {
		s, err := i.load(ref)
		if err != nil {
			i.logger.Error("Failed to load segment for delete", "segment", ref.ID, "error", err)
			continue
		}
		for row, p := range s.pointers {
			k := model.Location{SegmentID: ref.ID, RowID: model.RowID(row)}.Key()
			if filter(p) && !cur.tombstones.Contains(k) {
				keys = append(keys, k)
			}
		}
	}
	for _, g := range append(slices.Clone(cur.frozen), cur.growing) {
		for row := range g.len() {
			k := model.Location{SegmentID: g.id, RowID: model.RowID(row)}.Key()
			if filter(g.pointer(row)) && !cur.tombstones.Contains(k) {
				keys = append(keys, k)
			}
		}
	}
	if len(keys) == 0 {
		return 0
	}

	if err := cur.growing.logDelete(keys); err != nil {
		i.logger.Error("Failed to log delete", "rows", len(keys), "error", err)
	}

	next := cur.clone()
	next.tombstones = cur.tombstones.Clone()
	next.tombstones.AddMany(keys)
	next.sealedLive = next.countSealedLive()
	i.cur.Store(next)
	return len(keys)
}

// Flush makes every insert and delete accepted so far durable.
func (vw *View) Flush() error {
	i := vw.idx
	if i.closed.Load() {
		return ErrClosed
	}
	v := i.cur.Load()
	for _, g := range v.frozen {
		if err := g.sync(); err != nil {
			return err
		}
	}
	return v.growing.sync()
}

// SealedLen returns the number of live rows in sealed segments.
func (vw *View) SealedLen() uint32 {
	return vw.v.sealedLive
}
