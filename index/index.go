package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/vecworker/codec"
	"github.com/hupe1980/vecworker/distance"
	"github.com/hupe1980/vecworker/internal/fs"
	"github.com/hupe1980/vecworker/internal/manifest"
	"github.com/hupe1980/vecworker/internal/resource"
	"github.com/hupe1980/vecworker/internal/wal"
	"github.com/hupe1980/vecworker/model"
)

const manifestFileName = "manifest"

// Option configures an Index.
type Option func(*config)

type config struct {
	fs         fs.FileSystem
	logger     *slog.Logger
	rc         *resource.Controller
	cache      *SegmentCache
	codec      codec.Codec
	durability wal.Durability
}

// WithFileSystem sets the file system used for all index files.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(c *config) {
		c.fs = fsys
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithResourceController sets the controller that paces background work.
func WithResourceController(rc *resource.Controller) Option {
	return func(c *config) {
		c.rc = rc
	}
}

// WithSegmentCache shares a decoded segment cache between indexes.
func WithSegmentCache(sc *SegmentCache) Option {
	return func(c *config) {
		c.cache = sc
	}
}

// WithCodec selects the codec of the index manifest at creation.
func WithCodec(cd codec.Codec) Option {
	return func(c *config) {
		c.codec = cd
	}
}

// WithSyncWrites makes every insert wait for its WAL record to be fsynced.
// Without it inserts become durable at the next Flush.
func WithSyncWrites(enabled bool) Option {
	return func(c *config) {
		if enabled {
			c.durability = wal.DurabilitySync
		} else {
			c.durability = wal.DurabilityAsync
		}
	}
}

func newConfig(opts []Option) config {
	c := config{durability: wal.DurabilityAsync}
	for _, o := range opts {
		o(&c)
	}
	c.fs = fs.OrDefault(c.fs)
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if c.cache == nil {
		c.cache = NewSegmentCache(0, c.rc)
	}
	if c.codec == nil {
		c.codec = codec.Default
	}
	return c
}

// segmentRef describes a sealed segment in the index manifest.
type segmentRef struct {
	ID   model.SegmentID `json:"id"`
	Rows uint32          `json:"rows"`
	File string          `json:"file"`
}

// state is the content of the index manifest.
type state struct {
	Options     Options         `json:"options"`
	NextSegment model.SegmentID `json:"next_segment"`
	Segments    []segmentRef    `json:"segments"`
	Tombstones  []byte          `json:"tombstones,omitempty"`
}

// version is one immutable state of the index. Readers load it with a single
// atomic load; writers publish a modified copy.
type version struct {
	growing    *growing
	frozen     []*growing // oldest first, waiting to be sealed
	sealed     []segmentRef
	tombstones *roaring64.Bitmap
	sealedLive uint32
}

func (v *version) clone() *version {
	c := *v
	return &c
}

func (v *version) live(seg model.SegmentID) func(model.RowID) bool {
	if v.tombstones.IsEmpty() {
		return func(model.RowID) bool { return true }
	}
	return func(r model.RowID) bool {
		return !v.tombstones.Contains(model.Location{SegmentID: seg, RowID: r}.Key())
	}
}

// countSealedLive returns the live rows of the sealed segments.
func (v *version) countSealedLive() uint32 {
	var n uint64
	for _, ref := range v.sealed {
		lo := model.Location{SegmentID: ref.ID}.Key()
		hi := model.Location{SegmentID: ref.ID, RowID: ^model.RowID(0)}.Key()
		dead := v.tombstones.Rank(hi)
		if lo > 0 {
			dead -= v.tombstones.Rank(lo - 1)
		}
		n += uint64(ref.Rows) - dead
	}
	return uint32(n)
}

// Stats describes the internal state of an index.
type Stats struct {
	SealedSegments int
	FrozenSegments int
	GrowingRows    int
	SealedLive     uint32
	Tombstones     uint64
	Seals          uint64
	Merges         uint64
	LastError      error
}

// Index is a rebuildable vector index stored in one directory.
type Index struct {
	dir    string
	opts   Options // as given at creation
	eff    Options // with defaults applied
	cfg    config
	logger *slog.Logger
	dist   distance.Func

	mu       sync.Mutex // serializes writers of cur
	optMu    sync.Mutex // held by each optimizer step and by Backup
	cur      atomic.Pointer[version]
	manifest *manifest.Record[state]
	nextID   model.SegmentID

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
	busy   atomic.Bool

	seals   atomic.Uint64
	merges  atomic.Uint64
	lastErr atomic.Pointer[error]
}

func newIndex(dir string, opts Options, cfg config, rec *manifest.Record[state]) *Index {
	eff := opts.withDefaults()
	fn, _ := distance.Provider(eff.Metric) // metric checked by Validate
	ctx, cancel := context.WithCancel(context.Background())
	return &Index{
		dir:      dir,
		opts:     opts,
		eff:      eff,
		cfg:      cfg,
		logger:   cfg.logger.With("component", "index", "dir", dir),
		dist:     fn,
		manifest: rec,
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Create creates a new index in dir, which must not exist.
func Create(dir string, opts Options, options ...Option) (*Index, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	cfg := newConfig(options)

	if err := cfg.fs.Mkdir(dir, 0755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrExists, dir)
		}
		return nil, err
	}

	idx, err := create(dir, opts, cfg)
	if err == nil {
		// The new directory entry must be durable before anyone records it.
		if err = fs.SyncDir(cfg.fs, filepath.Dir(dir)); err != nil {
			_ = idx.Close()
		}
	}
	if err != nil {
		_ = cfg.fs.RemoveAll(dir)
		return nil, err
	}
	return idx, nil
}

func create(dir string, opts Options, cfg config) (*Index, error) {
	rec, err := manifest.Create(cfg.fs, filepath.Join(dir, manifestFileName),
		state{Options: opts, NextSegment: 1}, manifest.WithCodec(cfg.codec))
	if err != nil {
		return nil, err
	}

	idx := newIndex(dir, opts, cfg, rec)
	idx.nextID = 1

	g, err := idx.newGrowingLocked()
	if err != nil {
		idx.cancel()
		return nil, err
	}
	idx.cur.Store(&version{growing: g, tombstones: roaring64.New()})

	idx.start()
	idx.logger.Debug("Index created", "dim", opts.Dim, "metric", opts.Metric, "kind", idx.eff.Kind)
	return idx, nil
}

// Open opens the index in dir. opts must equal the options it was created
// with.
//
// Sealed segments are listed but decoded lazily. The WAL of every segment
// that was not sealed is replayed; those segments are queued for sealing and
// a fresh growing segment receives new inserts. Files left behind by an
// interrupted seal or merge are removed.
func Open(dir string, opts Options, options ...Option) (*Index, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	cfg := newConfig(options)

	rec, err := manifest.Open[state](cfg.fs, filepath.Join(dir, manifestFileName))
	if err != nil {
		return nil, err
	}
	st := rec.Get()
	if st.Options != opts {
		return nil, fmt.Errorf("%w: %s", ErrOptionsMismatch, dir)
	}

	tomb := roaring64.New()
	if len(st.Tombstones) > 0 {
		if _, err := tomb.ReadFrom(bytes.NewReader(st.Tombstones)); err != nil {
			return nil, fmt.Errorf("%s: decode tombstones: %w", dir, err)
		}
	}

	idx := newIndex(dir, opts, cfg, rec)

	frozen, maxID, err := idx.recover(st, tomb)
	if err != nil {
		idx.cancel()
		return nil, err
	}
	idx.nextID = max(st.NextSegment, maxID+1)

	g, err := idx.newGrowingLocked()
	if err != nil {
		idx.cancel()
		return nil, err
	}

	v := &version{
		growing:    g,
		frozen:     frozen,
		sealed:     slices.Clone(st.Segments),
		tombstones: pruneTombstones(tomb, st.Segments, frozen),
	}
	v.sealedLive = v.countSealedLive()
	idx.cur.Store(v)

	idx.start()
	if len(frozen) > 0 || len(v.sealed) > idx.eff.MaxSealed {
		idx.notify()
	}
	idx.logger.Debug("Index opened", "sealed", len(v.sealed), "replayed", len(frozen))
	return idx, nil
}

// recover removes leftovers of interrupted background work and replays the
// WAL of every unsealed segment. It returns the replayed segments and the
// highest segment id found on disk.
func (i *Index) recover(st state, tomb *roaring64.Bitmap) ([]*growing, model.SegmentID, error) {
	sealedIDs := make(map[model.SegmentID]bool, len(st.Segments))
	var maxID model.SegmentID
	for _, ref := range st.Segments {
		sealedIDs[ref.ID] = true
		maxID = max(maxID, ref.ID)
		if _, err := i.cfg.fs.Stat(filepath.Join(i.dir, ref.File)); err != nil {
			return nil, 0, fmt.Errorf("%w: sealed segment %s: %w", ErrCorruptSegment, ref.File, err)
		}
	}

	entries, err := i.cfg.fs.ReadDir(i.dir)
	if err != nil {
		return nil, 0, err
	}

	var wals []model.SegmentID
	for _, e := range entries {
		name := e.Name()
		switch {
		case name == manifestFileName:
		case strings.HasSuffix(name, ".tmp"):
			if name != manifestFileName+".tmp" {
				i.removeStale(name)
			}
		case strings.HasPrefix(name, "seg-"):
			id, ok := parseFileID(name, "seg-", ".bin")
			if !ok || !sealedIDs[id] {
				i.removeStale(name)
			}
		case strings.HasPrefix(name, "wal-"):
			id, ok := parseFileID(name, "wal-", ".log")
			if !ok {
				i.removeStale(name)
				continue
			}
			if sealedIDs[id] {
				// Sealed, but the WAL was not removed before the crash.
				i.removeStale(name)
				continue
			}
			wals = append(wals, id)
			maxID = max(maxID, id)
		}
	}
	slices.Sort(wals)

	frozen := make([]*growing, 0, len(wals))
	for _, id := range wals {
		g := newGrowing(id, i.opts.Dim, i.eff.SegmentSize, nil)
		path := filepath.Join(i.dir, walFileName(id))
		n, err := wal.Replay(i.cfg.fs, path, func(r *wal.Record) error {
			switch r.Type {
			case wal.RecordTypeInsert:
				if len(r.Vector) != i.opts.Dim {
					return fmt.Errorf("wal record with dim %d", len(r.Vector))
				}
				g.restore(r.Vector, r.Pointer)
			case wal.RecordTypeDelete:
				tomb.AddMany(r.Keys)
			}
			return nil
		})
		if err != nil {
			return nil, 0, fmt.Errorf("replay %s: %w", path, err)
		}
		g.frozen = true
		frozen = append(frozen, g)
		i.logger.Debug("Replayed WAL", "segment", id, "records", n, "rows", g.len())
	}

	if err := fs.SyncDir(i.cfg.fs, i.dir); err != nil {
		return nil, 0, err
	}
	return frozen, maxID, nil
}

func (i *Index) removeStale(name string) {
	i.logger.Info("Removing stale file", "file", name)
	if err := i.cfg.fs.RemoveAll(filepath.Join(i.dir, name)); err != nil {
		i.logger.Warn("Failed to remove stale file", "file", name, "error", err)
	}
}

func parseFileID(name, prefix, suffix string) (model.SegmentID, bool) {
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return model.SegmentID(n), true
}

// pruneTombstones drops tombstones of segments that no longer exist, which
// WAL replay can reintroduce after a merge.
func pruneTombstones(tomb *roaring64.Bitmap, sealed []segmentRef, frozen []*growing) *roaring64.Bitmap {
	exists := make(map[model.SegmentID]bool, len(sealed)+len(frozen))
	for _, ref := range sealed {
		exists[ref.ID] = true
	}
	for _, g := range frozen {
		exists[g.id] = true
	}

	out := roaring64.New()
	it := tomb.Iterator()
	for it.HasNext() {
		k := it.Next()
		if exists[model.LocationFromKey(k).SegmentID] {
			out.Add(k)
		}
	}
	return out
}

// newGrowingLocked creates the next growing segment and its WAL.
// Callers hold i.mu or have exclusive access.
func (i *Index) newGrowingLocked() (*growing, error) {
	id := i.nextID
	w, err := wal.Open(i.cfg.fs, filepath.Join(i.dir, walFileName(id)), wal.Options{Durability: i.cfg.durability})
	if err != nil {
		return nil, err
	}
	if err := fs.SyncDir(i.cfg.fs, i.dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	i.nextID++
	return newGrowing(id, i.opts.Dim, i.eff.SegmentSize, w), nil
}

// View returns a capability bound to the current version of the index.
func (i *Index) View() *View {
	return &View{idx: i, v: i.cur.Load()}
}

// Refresh adopts the latest internal version. If the current growing
// segment is full it is frozen and replaced, which is what an insert that
// failed with ErrOutdatedView is waiting for.
func (i *Index) Refresh() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed.Load() {
		return ErrClosed
	}
	cur := i.cur.Load()
	if !cur.growing.full() {
		return nil
	}
	return i.rotateLocked(cur)
}

// Rebuild freezes the growing segment and wakes the optimizer, which seals
// it and merges sealed segments as needed. Inserts racing with Rebuild see
// ErrOutdatedView and must refresh.
func (i *Index) Rebuild() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed.Load() {
		return ErrClosed
	}
	return i.rotateLocked(i.cur.Load())
}

func (i *Index) rotateLocked(cur *version) error {
	g, err := i.newGrowingLocked()
	if err != nil {
		i.logger.Error("Failed to create growing segment", "error", err)
		return err
	}
	cur.growing.freeze()

	next := cur.clone()
	next.growing = g
	next.frozen = append(slices.Clone(cur.frozen), cur.growing)
	i.cur.Store(next)

	i.notify()
	return nil
}

func (i *Index) notify() {
	select {
	case i.wake <- struct{}{}:
	default:
	}
}

// Options returns the options the index was created with.
func (i *Index) Options() Options {
	return i.opts
}

// Dir returns the directory of the index.
func (i *Index) Dir() string {
	return i.dir
}

// Stats returns a snapshot of internal counters.
func (i *Index) Stats() Stats {
	v := i.cur.Load()
	s := Stats{
		SealedSegments: len(v.sealed),
		FrozenSegments: len(v.frozen),
		GrowingRows:    v.growing.len(),
		SealedLive:     v.sealedLive,
		Tombstones:     v.tombstones.GetCardinality(),
		Seals:          i.seals.Load(),
		Merges:         i.merges.Load(),
	}
	if p := i.lastErr.Load(); p != nil {
		s.LastError = *p
	}
	return s
}

// WaitIdle blocks until the optimizer has sealed every frozen segment and no
// merge is due. It returns the optimizer's last error if work is pending but
// the optimizer gave up.
func (i *Index) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if i.closed.Load() {
			return ErrClosed
		}
		v := i.cur.Load()
		pending := len(v.frozen) > 0 || len(v.sealed) > i.eff.MaxSealed
		if !i.busy.Load() && len(i.wake) == 0 {
			if !pending {
				return nil
			}
			if p := i.lastErr.Load(); p != nil {
				return *p
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops background work, syncs and closes every WAL. The directory is
// left in place.
func (i *Index) Close() error {
	if !i.closed.CompareAndSwap(false, true) {
		return nil
	}
	i.cancel()
	i.wg.Wait()

	i.mu.Lock()
	defer i.mu.Unlock()

	v := i.cur.Load()
	var errs []error
	for _, g := range append(slices.Clone(v.frozen), v.growing) {
		if err := g.sync(); err != nil {
			errs = append(errs, err)
		}
		if err := g.closeWAL(); err != nil {
			errs = append(errs, err)
		}
	}
	i.cfg.cache.removeDir(i.dir)
	return errors.Join(errs...)
}

func (i *Index) load(ref segmentRef) (*sealed, error) {
	path := filepath.Join(i.dir, ref.File)
	return i.cfg.cache.get(path, func() (*sealed, error) {
		d, err := readSegmentFile(i.cfg.fs, path)
		if err != nil {
			return nil, err
		}
		if d.id != ref.ID || d.rows() != int(ref.Rows) || d.dim != i.opts.Dim {
			return nil, fmt.Errorf("%w: %s does not match the manifest", ErrCorruptSegment, path)
		}
		return newSealed(d, i.eff, i.dist), nil
	})
}

func (i *Index) encodeTombstones(bm *roaring64.Bitmap) ([]byte, error) {
	if bm.IsEmpty() {
		return nil, nil
	}
	var buf bytes.Buffer
	if _, err := bm.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// persistLocked writes the manifest for v. Callers hold i.mu.
func (i *Index) persistLocked(v *version) error {
	tomb, err := i.encodeTombstones(v.tombstones)
	if err != nil {
		return err
	}
	return i.manifest.Set(state{
		Options:     i.opts,
		NextSegment: i.nextID,
		Segments:    v.sealed,
		Tombstones:  tomb,
	})
}

// prepare validates vec and returns the vector to store or query with.
func (i *Index) prepare(vec []float32) ([]float32, error) {
	if len(vec) != i.opts.Dim {
		return nil, invalidVector("dimension mismatch: expected %d, got %d", i.opts.Dim, len(vec))
	}
	for j, x := range vec {
		if f := float64(x); math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, invalidVector("element %d is not finite", j)
		}
	}
	if i.eff.Metric == distance.MetricCosine {
		n, ok := distance.NormalizeL2Copy(vec)
		if !ok {
			return nil, invalidVector("zero vector has no direction")
		}
		return n, nil
	}
	return vec, nil
}
