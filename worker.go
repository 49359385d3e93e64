package vecworker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vecworker/codec"
	"github.com/hupe1980/vecworker/index"
	"github.com/hupe1980/vecworker/internal/cell"
	"github.com/hupe1980/vecworker/internal/fs"
	"github.com/hupe1980/vecworker/internal/manifest"
	"github.com/hupe1980/vecworker/internal/reaper"
	"github.com/hupe1980/vecworker/internal/resource"
	"github.com/hupe1980/vecworker/model"
)

const (
	startupFileName = "startup"
	indexesDirName  = "indexes"

	opCreate  = "create"
	opDestroy = "destroy"
)

// startup is the durable record of which indexes exist and how they are
// configured. Keys are canonical identifier strings.
type startup struct {
	Indexes map[string]index.Options `json:"indexes"`
}

// protect is the state only structural calls touch.
type protect struct {
	startup *manifest.Record[startup]
	indexes map[model.ID]*handle
	// dying holds destroyed handles whose teardown may still be running.
	dying map[model.ID]*handle
}

// snapshot is the published, read-only view of the hosted indexes.
type snapshot struct {
	indexes map[model.ID]*handle
}

// Worker hosts independently rebuildable vector indexes in one directory.
//
// Read-path calls (Search, Insert, Delete, Flush, Stat, Config) load the
// published snapshot with one atomic load and never wait for structural
// calls. CreateIndex and DestroyIndex are serialized by a mutex; each one
// rewrites the startup record and then publishes a new snapshot.
//
// Layout:
//
//	<root>/LOCK               process lock
//	<root>/startup            id -> index options
//	<root>/indexes/<id>/      one index per identifier
type Worker struct {
	path    string
	opts    options
	logger  *Logger
	metrics MetricsCollector
	lock    *fs.DirLock
	rc      *resource.Controller
	cache   *index.SegmentCache

	mu      sync.Mutex // serializes structural calls
	protect *cell.RefCell[protect]
	view    atomic.Pointer[snapshot]

	health    cell.Cell[error] // last storage failure
	teardowns sync.WaitGroup
	closed    atomic.Bool
}

// Create initializes a fresh worker at path, which must not exist.
func Create(path string, optFns ...Option) (*Worker, error) {
	o := applyOptions(optFns)

	if err := o.fs.Mkdir(path, 0755); err != nil {
		return nil, fmt.Errorf("create worker %s: %w", path, err)
	}
	w, err := create(path, o)
	if err != nil {
		_ = o.fs.RemoveAll(path)
		return nil, err
	}
	o.logger.Info("Worker created", "path", path)
	return w, nil
}

func create(path string, o options) (*Worker, error) {
	if err := o.fs.Mkdir(filepath.Join(path, indexesDirName), 0755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	lock, err := fs.LockDir(path)
	if err != nil {
		return nil, err
	}

	rec, err := manifest.Create(o.fs, filepath.Join(path, startupFileName),
		startup{Indexes: map[string]index.Options{}}, manifest.WithCodec(o.codec))
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	// The root and its parent make the empty worker visible after a crash.
	for _, dir := range []string{path, filepath.Dir(path)} {
		if err := fs.SyncDir(o.fs, dir); err != nil {
			_ = lock.Unlock()
			return nil, fmt.Errorf("%w: %w", ErrStorage, err)
		}
	}
	return newWorker(path, o, lock, rec, map[model.ID]*handle{}), nil
}

// Open reopens the worker at path.
//
// Index directories the startup record does not claim are removed first;
// they are the residue of a create or destroy interrupted by a crash. Every
// recorded index is then opened, several at a time.
func Open(path string, optFns ...Option) (*Worker, error) {
	o := applyOptions(optFns)
	ctx := context.Background()

	lock, err := fs.LockDir(path)
	if err != nil {
		return nil, err
	}
	w, n, reaped, err := open(path, o, lock)
	o.logger.LogRecovery(ctx, n, reaped, err)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return w, nil
}

func open(path string, o options, lock *fs.DirLock) (*Worker, int, []string, error) {
	// No codec option: keep writing with the codec the record already uses.
	rec, err := manifest.Open[startup](o.fs, filepath.Join(path, startupFileName))
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	st := rec.Get()
	ids := make([]model.ID, 0, len(st.Indexes))
	keep := make([]string, 0, len(st.Indexes))
	for key := range st.Indexes {
		id, err := model.ParseID(key)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("%w: startup record: %w", ErrStorage, err)
		}
		ids = append(ids, id)
		keep = append(keep, id.String())
	}
	slices.SortFunc(ids, model.ID.Compare)

	indexesDir := filepath.Join(path, indexesDirName)
	reaped, err := reaper.Reap(o.fs, indexesDir, keep, o.logger.With("component", "reaper"))
	if err != nil {
		return nil, 0, reaped, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	w := newWorker(path, o, lock, rec, nil)

	opened := make([]*index.Index, len(ids))
	g := new(errgroup.Group)
	g.SetLimit(o.openConcurrency)
	for n, id := range ids {
		g.Go(func() error {
			idx, err := index.Open(w.indexDir(id), st.Indexes[id.String()], w.indexOptions()...)
			if err != nil {
				return fmt.Errorf("open index %s: %w", id, err)
			}
			opened[n] = idx
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, idx := range opened {
			if idx != nil {
				_ = idx.Close()
			}
		}
		return nil, 0, reaped, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	m := w.protect.BorrowMut()
	defer m.Release()
	p := m.Get()
	for n, id := range ids {
		p.indexes[id] = w.newHandle(id, opened[n])
	}
	w.publishLocked(p)
	return w, len(ids), reaped, nil
}

// OpenOrCreate opens the worker at path, creating it if path does not exist.
func OpenOrCreate(path string, optFns ...Option) (*Worker, error) {
	o := applyOptions(optFns)
	if _, err := o.fs.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Create(path, optFns...)
	}
	return Open(path, optFns...)
}

func newWorker(path string, o options, lock *fs.DirLock, rec *manifest.Record[startup], indexes map[model.ID]*handle) *Worker {
	if indexes == nil {
		indexes = map[model.ID]*handle{}
	}
	rc := resource.NewController(o.resource)
	w := &Worker{
		path:    path,
		opts:    o,
		logger:  &Logger{Logger: o.logger.With("component", "worker", "path", path)},
		metrics: o.metricsCollector,
		lock:    lock,
		rc:      rc,
		cache:   index.NewSegmentCache(o.cacheSize, rc),
		protect: cell.NewRefCell(protect{
			startup: rec,
			indexes: indexes,
			dying:   map[model.ID]*handle{},
		}),
	}
	w.view.Store(&snapshot{indexes: maps.Clone(indexes)})
	return w
}

func (w *Worker) indexDir(id model.ID) string {
	return filepath.Join(w.path, indexesDirName, id.String())
}

func (w *Worker) indexOptions() []index.Option {
	return []index.Option{
		index.WithFileSystem(w.opts.fs),
		index.WithLogger(w.opts.logger.Logger),
		index.WithResourceController(w.rc),
		index.WithSegmentCache(w.cache),
		index.WithCodec(w.opts.codec),
		index.WithSyncWrites(w.opts.syncWrites),
	}
}

func (w *Worker) newHandle(id model.ID, idx *index.Index) *handle {
	return newHandle(id, idx, w.teardown)
}

// acquire looks id up in the published snapshot and takes a reference.
func (w *Worker) acquire(id model.ID) (*handle, error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}
	h := w.view.Load().indexes[id]
	if h == nil || !h.tryAcquire() {
		if w.closed.Load() {
			return nil, ErrClosed
		}
		return nil, ErrIndexNotFound
	}
	return h, nil
}

// fail translates err and remembers storage failures.
func (w *Worker) fail(err error) error {
	err = translateError(err)
	if isStorageError(err) {
		w.health.Set(err)
	}
	return err
}

// Search returns the pointers of the k vectors nearest to vector that
// filter accepts, nearest first. A nil filter accepts every pointer.
func (w *Worker) Search(ctx context.Context, id model.ID, vector []float32, k int, filter model.Filter) ([]model.Pointer, error) {
	start := time.Now()
	res, err := w.search(id, vector, k, filter)
	w.metrics.RecordSearch(k, time.Since(start), err)
	w.logger.LogCall(ctx, "search", id, err)
	return res, err
}

func (w *Worker) search(id model.ID, vector []float32, k int, filter model.Filter) ([]model.Pointer, error) {
	h, err := w.acquire(id)
	if err != nil {
		return nil, err
	}
	defer h.release()

	res, err := h.idx.View().Search(k, vector, filter)
	if err != nil {
		return nil, w.fail(err)
	}
	return res, nil
}

// Insert adds vector under ptr.
//
// A concurrent rebuild of the index can outdate the view the insert started
// on; Insert then refreshes the index and retries, so callers never see it.
func (w *Worker) Insert(ctx context.Context, id model.ID, vector []float32, ptr model.Pointer) error {
	start := time.Now()
	retries, err := w.insert(id, vector, ptr)
	w.metrics.RecordInsert(retries, time.Since(start), err)
	w.logger.LogCall(ctx, "insert", id, err)
	return err
}

func (w *Worker) insert(id model.ID, vector []float32, ptr model.Pointer) (int, error) {
	h, err := w.acquire(id)
	if err != nil {
		return 0, err
	}
	defer h.release()

	for retries := 0; ; retries++ {
		err := h.idx.View().Insert(vector, ptr)
		if !errors.Is(err, index.ErrOutdatedView) {
			return retries, w.fail(err)
		}
		if err := h.idx.Refresh(); err != nil {
			return retries, w.fail(err)
		}
	}
}

// Delete removes every vector whose pointer filter accepts. Unlike Search, a
// nil filter matches nothing; pass model.All to clear the index.
func (w *Worker) Delete(ctx context.Context, id model.ID, filter model.Filter) error {
	start := time.Now()
	n, err := w.delete(id, filter)
	w.metrics.RecordDelete(n, time.Since(start), err)
	w.logger.LogCall(ctx, "delete", id, err)
	if err == nil {
		w.logger.DebugContext(ctx, "delete completed", "index", id.String(), "deleted", n)
	}
	return err
}

func (w *Worker) delete(id model.ID, filter model.Filter) (int, error) {
	h, err := w.acquire(id)
	if err != nil {
		return 0, err
	}
	defer h.release()
	return h.idx.View().Delete(filter), nil
}

// Flush makes every insert and delete accepted so far by the index durable.
// A failure is a storage failure.
func (w *Worker) Flush(ctx context.Context, id model.ID) error {
	start := time.Now()
	err := w.withIndex(id, func(h *handle) error {
		return h.idx.View().Flush()
	})
	w.metrics.RecordFlush(time.Since(start), err)
	w.logger.LogCall(ctx, "flush", id, err)
	return err
}

// Stat returns the number of live vectors in the sealed segments of the
// index.
func (w *Worker) Stat(ctx context.Context, id model.ID) (uint32, error) {
	var n uint32
	err := w.withIndex(id, func(h *handle) error {
		n = h.idx.View().SealedLen()
		return nil
	})
	w.logger.LogCall(ctx, "stat", id, err)
	return n, err
}

// Rebuild freezes the segment of the index that takes inserts and hands it
// to the background optimizer. Concurrent inserts are not disturbed.
func (w *Worker) Rebuild(ctx context.Context, id model.ID) error {
	err := w.withIndex(id, func(h *handle) error {
		return h.idx.Rebuild()
	})
	w.logger.LogCall(ctx, "rebuild", id, err)
	return err
}

// WaitIdle blocks until the background optimizer of the index has sealed
// every frozen segment and no merge is due.
func (w *Worker) WaitIdle(ctx context.Context, id model.ID) error {
	h, err := w.acquire(id)
	if err != nil {
		return err
	}
	defer h.release()
	return h.idx.WaitIdle(ctx)
}

// Config returns the configuration the index was created with, serialized
// as JSON.
func (w *Worker) Config(ctx context.Context, id model.ID) ([]byte, error) {
	var data []byte
	err := w.withIndex(id, func(h *handle) error {
		var err error
		data, err = codec.JSON{}.Marshal(h.idx.Options())
		return err
	})
	w.logger.LogCall(ctx, "config", id, err)
	return data, err
}

// IndexOptions returns the configuration the index was created with.
func (w *Worker) IndexOptions(id model.ID) (index.Options, error) {
	var opts index.Options
	err := w.withIndex(id, func(h *handle) error {
		opts = h.idx.Options()
		return nil
	})
	return opts, err
}

func (w *Worker) withIndex(id model.ID, fn func(*handle) error) error {
	h, err := w.acquire(id)
	if err != nil {
		return err
	}
	defer h.release()
	return w.fail(fn(h))
}

// List returns the identifiers of all hosted indexes in ascending order.
func (w *Worker) List() []model.ID {
	ids := slices.Collect(maps.Keys(w.view.Load().indexes))
	slices.SortFunc(ids, model.ID.Compare)
	return ids
}

// Len returns the number of hosted indexes.
func (w *Worker) Len() int {
	return len(w.view.Load().indexes)
}

// Path returns the root directory of the worker.
func (w *Worker) Path() string {
	return w.path
}

// Err returns the last storage failure, or nil. Once set, the worker can no
// longer vouch for the durability of accepted writes.
func (w *Worker) Err() error {
	return w.health.Get()
}

// CreateIndex creates an index with the given configuration under id.
//
// An index already hosted under id is destroyed first. The new directory is
// created only after the previous incarnation's teardown finished, which
// waits for calls still using it; ctx bounds that wait.
func (w *Worker) CreateIndex(ctx context.Context, id model.ID, opts index.Options) error {
	start := time.Now()
	err := w.createIndex(ctx, id, opts)
	w.metrics.RecordStructural(opCreate, time.Since(start), err)
	w.logger.LogStructural(ctx, opCreate, id, err)
	return err
}

func (w *Worker) createIndex(ctx context.Context, id model.ID, opts index.Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		return ErrClosed
	}

	m := w.protect.BorrowMut()
	defer m.Release()
	p := m.Get()

	if _, ok := p.indexes[id]; ok {
		if err := w.destroyLocked(p, id); err != nil {
			return err
		}
	}
	if prev, ok := p.dying[id]; ok {
		select {
		case <-prev.done:
			delete(p.dying, id)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	dir := w.indexDir(id)
	idx, err := index.Create(dir, opts, w.indexOptions()...)
	if errors.Is(err, index.ErrExists) {
		// An earlier teardown could not remove the directory.
		w.logger.Warn("Removing stale index directory", "index", id.String())
		if rerr := w.opts.fs.RemoveAll(dir); rerr != nil {
			return w.fail(rerr)
		}
		idx, err = index.Create(dir, opts, w.indexOptions()...)
	}
	if err != nil {
		return w.fail(err)
	}

	h := w.newHandle(id, idx)
	p.indexes[id] = h
	if err := w.maintainLocked(p); err != nil {
		delete(p.indexes, id)
		w.detachLocked(p, h, true)
		return err
	}
	return nil
}

// DestroyIndex removes the index hosted under id. Destroying an absent
// identifier is a no-op.
//
// Calls that already hold the index finish normally; the index is closed
// and its directory removed once the last of them returns.
func (w *Worker) DestroyIndex(ctx context.Context, id model.ID) error {
	start := time.Now()
	err := w.destroyIndex(id)
	w.metrics.RecordStructural(opDestroy, time.Since(start), err)
	w.logger.LogStructural(ctx, opDestroy, id, err)
	return err
}

func (w *Worker) destroyIndex(id model.ID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		return ErrClosed
	}

	m := w.protect.BorrowMut()
	defer m.Release()
	p := m.Get()

	if _, ok := p.indexes[id]; !ok {
		return nil
	}
	return w.destroyLocked(p, id)
}

func (w *Worker) destroyLocked(p *protect, id model.ID) error {
	h := p.indexes[id]
	delete(p.indexes, id)
	if err := w.maintainLocked(p); err != nil {
		p.indexes[id] = h
		return err
	}
	w.detachLocked(p, h, true)
	return nil
}

// maintainLocked persists the map and then publishes it. If the record
// cannot be written nothing is published and the caller rolls back its
// change to the map.
func (w *Worker) maintainLocked(p *protect) error {
	st := startup{Indexes: make(map[string]index.Options, len(p.indexes))}
	for id, h := range p.indexes {
		st.Indexes[id.String()] = h.idx.Options()
	}
	if err := p.startup.Set(st); err != nil {
		err = fmt.Errorf("%w: write startup record: %w", ErrStorage, err)
		w.health.Set(err)
		return err
	}
	w.publishLocked(p)
	return nil
}

func (w *Worker) publishLocked(p *protect) {
	w.view.Store(&snapshot{indexes: maps.Clone(p.indexes)})
	w.metrics.RecordIndexes(len(p.indexes))
}

// detachLocked drops the map's reference to h. With destroy set, the
// teardown also removes the index directory.
func (w *Worker) detachLocked(p *protect, h *handle, destroy bool) {
	h.destroy.Store(destroy)
	if destroy {
		for id, d := range p.dying {
			select {
			case <-d.done:
				delete(p.dying, id)
			default:
			}
		}
		p.dying[h.id] = h
	}
	w.teardowns.Add(1)
	h.release()
}

// teardown runs once the last reference to h is gone.
func (w *Worker) teardown(h *handle) {
	defer w.teardowns.Done()
	defer close(h.done)

	logger := w.logger.WithIndex(h.id)
	if err := h.idx.Close(); err != nil {
		logger.Warn("Failed to close index", "error", err)
	}
	if !h.destroy.Load() {
		return
	}
	// A crash before this point leaves an orphan that the next Open reaps.
	if err := w.opts.fs.RemoveAll(h.idx.Dir()); err != nil {
		logger.Error("Failed to remove index directory", "error", err)
		return
	}
	if err := fs.SyncDir(w.opts.fs, filepath.Join(w.path, indexesDirName)); err != nil {
		logger.Warn("Failed to sync indexes directory", "error", err)
	}
	logger.Debug("Index removed")
}

// Close closes every hosted index once the calls using it have returned and
// releases the process lock. Later calls fail with ErrClosed.
func (w *Worker) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}

	w.mu.Lock()
	m := w.protect.BorrowMut()
	p := m.Get()
	w.view.Store(&snapshot{})
	for _, h := range p.indexes {
		w.detachLocked(p, h, false)
	}
	p.indexes = map[model.ID]*handle{}
	m.Release()
	w.mu.Unlock()

	w.teardowns.Wait()
	w.logger.Info("Worker closed")
	return w.lock.Unlock()
}
