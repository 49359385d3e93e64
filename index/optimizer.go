package index

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/vecworker/internal/fs"
	"github.com/hupe1980/vecworker/model"
)

func (i *Index) start() {
	i.wg.Add(1)
	go i.runOptimizer()
}

// runOptimizer seals frozen segments and merges sealed ones whenever it is
// woken up.
func (i *Index) runOptimizer() {
	defer i.wg.Done()
	for {
		select {
		case <-i.ctx.Done():
			return
		case <-i.wake:
			i.busy.Store(true)
			i.lastErr.Store(nil)
			if err := i.optimize(i.ctx); err != nil && !errors.Is(err, context.Canceled) {
				i.lastErr.Store(&err)
				i.logger.Error("Optimizer failed", "error", err)
			}
			i.busy.Store(false)
		}
	}
}

func (i *Index) optimize(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := i.step(ctx)
		if err != nil || done {
			return err
		}
	}
}

// step runs one seal or merge. It reports done when nothing is left to do.
func (i *Index) step(ctx context.Context) (bool, error) {
	i.optMu.Lock()
	defer i.optMu.Unlock()

	v := i.cur.Load()
	switch {
	case len(v.frozen) > 0:
		return false, i.seal(ctx, v.frozen[0])
	case len(v.sealed) > i.eff.MaxSealed:
		return false, i.merge(ctx, v.sealed)
	default:
		return true, nil
	}
}

// seal turns the frozen segment g into a sealed segment file with the same
// id, publishes the new version and drops the WAL of g.
func (i *Index) seal(ctx context.Context, g *growing) error {
	if err := i.cfg.rc.AcquireBackground(ctx); err != nil {
		return err
	}
	defer i.cfg.rc.ReleaseBackground()

	start := time.Now()
	d := g.snapshot()

	var ref *segmentRef
	if d.rows() > 0 {
		name, err := writeSegmentFile(ctx, i.cfg.fs, i.cfg.rc, i.dir, d, i.eff.Compression.blockCodec())
		if err != nil {
			return err
		}
		ref = &segmentRef{ID: d.id, Rows: uint32(d.rows()), File: name}
	}

	i.mu.Lock()
	cur := i.cur.Load()
	next := cur.clone()
	next.frozen = slices.DeleteFunc(slices.Clone(cur.frozen), func(f *growing) bool { return f == g })
	if ref != nil {
		next.sealed = append(slices.Clone(cur.sealed), *ref)
	}
	next.sealedLive = next.countSealedLive()
	if err := i.persistLocked(next); err != nil {
		i.mu.Unlock()
		if ref != nil {
			_ = i.cfg.fs.Remove(filepath.Join(i.dir, ref.File))
		}
		return err
	}
	i.cur.Store(next)
	i.mu.Unlock()

	if ref != nil {
		// Hand the rows we already have to the cache instead of decoding
		// the file again on the first search.
		_, _ = i.cfg.cache.get(filepath.Join(i.dir, ref.File), func() (*sealed, error) {
			return newSealed(d, i.eff, i.dist), nil
		})
	}

	if err := g.closeWAL(); err != nil {
		i.logger.Warn("Failed to close WAL", "segment", g.id, "error", err)
	}
	if err := i.cfg.fs.Remove(filepath.Join(i.dir, walFileName(g.id))); err != nil {
		i.logger.Warn("Failed to remove WAL", "segment", g.id, "error", err)
	}
	if err := fs.SyncDir(i.cfg.fs, i.dir); err != nil {
		return err
	}

	i.seals.Add(1)
	i.logger.Info("Segment sealed", "segment", g.id, "rows", d.rows(), "duration", time.Since(start))
	return nil
}

// merge rewrites inputs into one segment without their deleted rows.
func (i *Index) merge(ctx context.Context, inputs []segmentRef) error {
	if err := i.cfg.rc.AcquireBackground(ctx); err != nil {
		return err
	}
	defer i.cfg.rc.ReleaseBackground()

	start := time.Now()
	tomb := i.cur.Load().tombstones

	i.mu.Lock()
	id := i.nextID
	i.nextID++
	i.mu.Unlock()

	out := &segmentData{id: id, dim: i.opts.Dim}
	remap := make(map[uint64]model.RowID)
	merged := make(map[model.SegmentID]bool, len(inputs))
	for _, ref := range inputs {
		s, err := i.load(ref)
		if err != nil {
			return err
		}
		merged[ref.ID] = true
		for row := 0; row < s.rows(); row++ {
			k := model.Location{SegmentID: ref.ID, RowID: model.RowID(row)}.Key()
			if tomb.Contains(k) {
				continue
			}
			remap[k] = model.RowID(out.rows())
			out.pointers = append(out.pointers, s.pointers[row])
			out.vectors = append(out.vectors, s.vector(row)...)
		}
	}

	var ref *segmentRef
	if out.rows() > 0 {
		name, err := writeSegmentFile(ctx, i.cfg.fs, i.cfg.rc, i.dir, out, i.eff.Compression.blockCodec())
		if err != nil {
			return err
		}
		ref = &segmentRef{ID: id, Rows: uint32(out.rows()), File: name}
	}

	i.mu.Lock()
	cur := i.cur.Load()
	next := cur.clone()
	next.sealed = slices.DeleteFunc(slices.Clone(cur.sealed), func(r segmentRef) bool { return merged[r.ID] })
	if ref != nil {
		next.sealed = append(next.sealed, *ref)
	}
	// Deletes that raced with the merge still name the old locations.
	nt := roaring64.New()
	it := cur.tombstones.Iterator()
	for it.HasNext() {
		k := it.Next()
		if !merged[model.LocationFromKey(k).SegmentID] {
			nt.Add(k)
		} else if row, ok := remap[k]; ok {
			nt.Add(model.Location{SegmentID: id, RowID: row}.Key())
		}
	}
	next.tombstones = nt
	next.sealedLive = next.countSealedLive()
	if err := i.persistLocked(next); err != nil {
		i.mu.Unlock()
		if ref != nil {
			_ = i.cfg.fs.Remove(filepath.Join(i.dir, ref.File))
		}
		return err
	}
	i.cur.Store(next)
	i.mu.Unlock()

	for _, old := range inputs {
		path := filepath.Join(i.dir, old.File)
		i.cfg.cache.remove(path)
		if err := i.cfg.fs.Remove(path); err != nil {
			i.logger.Warn("Failed to remove merged segment", "file", old.File, "error", err)
		}
	}
	if err := fs.SyncDir(i.cfg.fs, i.dir); err != nil {
		return err
	}

	i.merges.Add(1)
	i.logger.Info("Segments merged", "inputs", len(inputs), "segment", id, "rows", out.rows(), "duration", time.Since(start))
	return nil
}
