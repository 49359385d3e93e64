package index

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecworker/distance"
	"github.com/hupe1980/vecworker/internal/fs"
	"github.com/hupe1980/vecworker/internal/resource"
	"github.com/hupe1980/vecworker/model"
)

func newTestIndex(t *testing.T, opts Options, options ...Option) (*Index, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "idx")
	idx, err := Create(dir, opts, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx, dir
}

func waitIdle(t *testing.T, idx *Index) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	require.NoError(t, idx.WaitIdle(ctx))
}

// insert retries on ErrOutdatedView the way the worker does.
func insert(t *testing.T, idx *Index, vec []float32, ptr model.Pointer) {
	t.Helper()
	for {
		err := idx.View().Insert(vec, ptr)
		if !errors.Is(err, ErrOutdatedView) {
			require.NoError(t, err)
			return
		}
		require.NoError(t, idx.Refresh())
	}
}

func vec(i int) []float32 {
	return []float32{float32(i), float32(i) * 0.5, 1, 0}
}

func TestIndex_InsertSearch(t *testing.T) {
	idx, _ := newTestIndex(t, Options{Dim: 4})

	for i := 0; i < 10; i++ {
		insert(t, idx, vec(i), model.Pointer(i))
	}

	got, err := idx.View().Search(3, vec(4), nil)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, model.Pointer(4), got[0])
	assert.ElementsMatch(t, []model.Pointer{3, 4, 5}, got)

	even := func(p model.Pointer) bool { return p%2 == 0 }
	got, err = idx.View().Search(2, vec(5), even)
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.Pointer{4, 6}, got)

	got, err = idx.View().Search(0, vec(5), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIndex_InvalidVector(t *testing.T) {
	idx, _ := newTestIndex(t, Options{Dim: 4})
	cos, _ := newTestIndex(t, Options{Dim: 2, Metric: distance.MetricCosine})

	var ive *InvalidVectorError

	err := idx.View().Insert([]float32{1, 2, 3}, 1)
	require.ErrorAs(t, err, &ive)
	assert.Contains(t, ive.Reason, "dimension mismatch")

	_, err = idx.View().Search(1, []float32{1, 2, 3, 4, 5}, nil)
	assert.ErrorAs(t, err, &ive)

	nan := float32(0)
	nan = nan / nan
	assert.ErrorAs(t, idx.View().Insert([]float32{1, nan, 0, 0}, 1), &ive)

	assert.ErrorAs(t, cos.View().Insert([]float32{0, 0}, 1), &ive)
	assert.NoError(t, cos.View().Insert([]float32{3, 4}, 1))
}

func TestIndex_OutdatedView(t *testing.T) {
	idx, _ := newTestIndex(t, Options{Dim: 4, SegmentSize: 2})

	v := idx.View()
	require.NoError(t, v.Insert(vec(1), 1))
	require.NoError(t, v.Insert(vec(2), 2))
	assert.ErrorIs(t, v.Insert(vec(3), 3), ErrOutdatedView)

	require.NoError(t, idx.Refresh())
	assert.ErrorIs(t, v.Insert(vec(3), 3), ErrOutdatedView, "old views stay outdated")
	require.NoError(t, idx.View().Insert(vec(3), 3))

	// A rebuild freezes a growing segment that is not full either.
	v = idx.View()
	require.NoError(t, idx.Rebuild())
	assert.ErrorIs(t, v.Insert(vec(4), 4), ErrOutdatedView)

	// Old views still search fine.
	got, err := v.Search(10, vec(0), nil)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestIndex_SealAndStat(t *testing.T) {
	for _, kind := range []Kind{KindFlat, KindHNSW} {
		t.Run(string(kind), func(t *testing.T) {
			idx, dir := newTestIndex(t, Options{Dim: 4, Kind: kind, SegmentSize: 8})

			for i := 0; i < 20; i++ {
				insert(t, idx, vec(i), model.Pointer(i))
			}
			// 16 rows sit in two full segments; push the remainder too.
			require.NoError(t, idx.Rebuild())
			waitIdle(t, idx)

			assert.Equal(t, uint32(20), idx.View().SealedLen())
			st := idx.Stats()
			assert.Equal(t, 0, st.FrozenSegments)
			assert.Equal(t, 3, st.SealedSegments)
			assert.NoError(t, st.LastError)

			got, err := idx.View().Search(1, vec(13), nil)
			require.NoError(t, err)
			assert.Equal(t, []model.Pointer{13}, got)

			// Sealed WALs are gone.
			matches, err := filepath.Glob(filepath.Join(dir, "wal-*.log"))
			require.NoError(t, err)
			assert.Len(t, matches, 1, "only the growing segment keeps a WAL")
		})
	}
}

func TestIndex_HNSWFilteredSearch(t *testing.T) {
	idx, _ := newTestIndex(t, Options{Dim: 4, Kind: KindHNSW, SegmentSize: 64, HNSW: HNSWOptions{M: 4, EfSearch: 8}})

	for i := 0; i < 64; i++ {
		insert(t, idx, vec(i), model.Pointer(i))
	}
	require.NoError(t, idx.Rebuild())
	waitIdle(t, idx)

	// Only a handful of far away rows pass the filter; the graph search has
	// to widen until it finds them.
	rare := func(p model.Pointer) bool { return p >= 60 }
	got, err := idx.View().Search(3, vec(0), rare)
	require.NoError(t, err)
	assert.Equal(t, []model.Pointer{60, 61, 62}, got)
}

func TestIndex_Delete(t *testing.T) {
	idx, dir := newTestIndex(t, Options{Dim: 4, SegmentSize: 4})

	for i := 0; i < 10; i++ {
		insert(t, idx, vec(i), model.Pointer(i))
	}

	n := idx.View().Delete(func(p model.Pointer) bool { return p < 3 })
	assert.Equal(t, 3, n)
	assert.Equal(t, 0, idx.View().Delete(func(p model.Pointer) bool { return p < 3 }), "already deleted")

	got, err := idx.View().Search(10, vec(0), nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.Pointer{3, 4, 5, 6, 7, 8, 9}, got)

	require.NoError(t, idx.Rebuild())
	waitIdle(t, idx)
	assert.Equal(t, uint32(7), idx.View().SealedLen())

	// Delete after sealing, then reopen: both kinds of delete survive.
	assert.Equal(t, 1, idx.View().Delete(func(p model.Pointer) bool { return p == 9 }))
	require.NoError(t, idx.View().Flush())
	require.NoError(t, idx.Close())

	idx2, err := Open(dir, Options{Dim: 4, SegmentSize: 4})
	require.NoError(t, err)
	defer idx2.Close()

	got, err = idx2.View().Search(10, vec(0), nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.Pointer{3, 4, 5, 6, 7, 8}, got)
	assert.Equal(t, uint32(6), idx2.View().SealedLen())
}

func TestIndex_Merge(t *testing.T) {
	idx, _ := newTestIndex(t, Options{Dim: 4, SegmentSize: 2, MaxSealed: 2, Compression: CompressionZSTD})

	for i := 0; i < 12; i++ {
		insert(t, idx, vec(i), model.Pointer(i))
	}
	idx.View().Delete(func(p model.Pointer) bool { return p == 5 })
	require.NoError(t, idx.Rebuild())
	waitIdle(t, idx)

	st := idx.Stats()
	assert.Positive(t, st.Merges)
	assert.LessOrEqual(t, st.SealedSegments, 2)
	assert.Equal(t, uint32(11), idx.View().SealedLen())

	got, err := idx.View().Search(12, vec(0), nil)
	require.NoError(t, err)
	assert.Len(t, got, 11)
	assert.NotContains(t, got, model.Pointer(5))
}

func TestIndex_ReopenReplaysWAL(t *testing.T) {
	opts := Options{Dim: 4, Metric: distance.MetricDot}
	idx, dir := newTestIndex(t, opts)

	for i := 0; i < 5; i++ {
		insert(t, idx, vec(i), model.Pointer(i))
	}
	require.NoError(t, idx.View().Flush())
	require.NoError(t, idx.Close())

	_, err := Open(dir, Options{Dim: 8})
	assert.ErrorIs(t, err, ErrOptionsMismatch)

	idx2, err := Open(dir, opts)
	require.NoError(t, err)
	defer idx2.Close()

	got, err := idx2.View().Search(1, vec(4), nil)
	require.NoError(t, err)
	assert.Equal(t, []model.Pointer{4}, got)

	// Replayed segments are sealed in the background.
	waitIdle(t, idx2)
	assert.Equal(t, uint32(5), idx2.View().SealedLen())
	assert.Equal(t, opts, idx2.Options())
}

func TestIndex_OpenRemovesLeftovers(t *testing.T) {
	opts := Options{Dim: 4}
	idx, dir := newTestIndex(t, opts)
	insert(t, idx, vec(1), 1)
	require.NoError(t, idx.Close())

	stray := []string{"seg-00000099.bin", "seg-00000099.bin.tmp", "wal-garbage.log"}
	for _, name := range stray {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}

	idx2, err := Open(dir, opts)
	require.NoError(t, err)
	defer idx2.Close()

	for _, name := range stray {
		assert.NoFileExists(t, filepath.Join(dir, name))
	}
	got, err := idx2.View().Search(1, vec(1), nil)
	require.NoError(t, err)
	assert.Equal(t, []model.Pointer{1}, got)
}

func TestIndex_CreateExisting(t *testing.T) {
	_, dir := newTestIndex(t, Options{Dim: 4})
	_, err := Create(dir, Options{Dim: 4})
	assert.ErrorIs(t, err, ErrExists)

	_, err = Create(filepath.Join(t.TempDir(), "x"), Options{})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestIndex_FlushSurfacesStorageFaults(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	idx, _ := newTestIndex(t, Options{Dim: 4}, WithFileSystem(ffs))

	insert(t, idx, vec(1), 1)
	require.NoError(t, idx.View().Flush())

	ffs.AddRule("wal-", fs.Fault{FailOnSync: true})
	insert(t, idx, vec(2), 2)
	assert.ErrorIs(t, idx.View().Flush(), fs.ErrInjected)
}

func TestIndex_InsertDuringRebuild(t *testing.T) {
	idx, _ := newTestIndex(t, Options{Dim: 4, SegmentSize: 16})

	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			if err := idx.Rebuild(); err != nil {
				t.Error(err)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	const n = 300
	for i := 0; i < n; i++ {
		insert(t, idx, vec(i), model.Pointer(i))
	}
	cancel()
	wg.Wait()

	got, err := idx.View().Search(n, vec(0), nil)
	require.NoError(t, err)
	assert.Len(t, got, n)
}

func TestIndex_Closed(t *testing.T) {
	idx, _ := newTestIndex(t, Options{Dim: 4})
	v := idx.View()
	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close())

	assert.ErrorIs(t, v.Insert(vec(1), 1), ErrClosed)
	_, err := v.Search(1, vec(1), nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, idx.Refresh(), ErrClosed)
	assert.ErrorIs(t, v.Flush(), ErrClosed)
}

func TestSegmentCache_SharedAcrossIndexes(t *testing.T) {
	rc := resource.NewController(resource.Config{})
	sc := NewSegmentCache(2, rc)
	a, dirA := newTestIndex(t, Options{Dim: 4}, WithSegmentCache(sc), WithResourceController(rc))
	b, _ := newTestIndex(t, Options{Dim: 4}, WithSegmentCache(sc), WithResourceController(rc))

	for _, idx := range []*Index{a, b} {
		for i := 0; i < 3; i++ {
			insert(t, idx, vec(i), model.Pointer(i))
		}
		require.NoError(t, idx.Rebuild())
		waitIdle(t, idx)
		_, err := idx.View().Search(1, vec(0), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, sc.Len())
	assert.Positive(t, rc.MemoryUsage())

	require.NoError(t, a.Close())
	assert.Equal(t, 1, sc.Len(), "closing an index drops its segments only")

	// Reopening loads the segment again on first use.
	a2, err := Open(dirA, Options{Dim: 4}, WithSegmentCache(sc), WithResourceController(rc))
	require.NoError(t, err)
	defer a2.Close()
	got, err := a2.View().Search(1, vec(2), nil)
	require.NoError(t, err)
	assert.Equal(t, []model.Pointer{2}, got)
	assert.Equal(t, 2, sc.Len())
}

func TestIndex_Backup(t *testing.T) {
	opts := Options{Dim: 4, SegmentSize: 4, Compression: CompressionLZ4}
	idx, _ := newTestIndex(t, opts)

	for i := 0; i < 10; i++ {
		insert(t, idx, vec(i), model.Pointer(i))
	}
	require.NoError(t, idx.Rebuild())
	waitIdle(t, idx)
	// Unsealed rows and a delete that only lives in a WAL.
	insert(t, idx, vec(10), 10)
	idx.View().Delete(func(p model.Pointer) bool { return p == 3 })

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, os.Mkdir(dst, 0755))
	var names []string
	err := idx.Backup(t.Context(), func(name string, r io.Reader) error {
		names = append(names, name)
		f, err := os.Create(filepath.Join(dst, name))
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(f, r)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, manifestFileName, names[0])

	// Writes after the backup are not in the copy.
	insert(t, idx, vec(11), 11)

	restored, err := Open(dst, opts)
	require.NoError(t, err)
	defer restored.Close()

	got, err := restored.View().Search(20, vec(0), nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.Pointer{0, 1, 2, 4, 5, 6, 7, 8, 9, 10}, got)
}
