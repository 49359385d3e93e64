package vecworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/hupe1980/vecworker/blobstore"
	"github.com/hupe1980/vecworker/internal/fs"
	"github.com/hupe1980/vecworker/internal/manifest"
	"github.com/hupe1980/vecworker/model"
)

// Backup copies a crash-consistent image of every hosted index and the
// startup record into store.
//
// Structural calls wait while Backup runs. Reads and writes do not; writes
// accepted after an index was copied are not part of the backup. The
// startup record is written last, so a store without it holds no complete
// backup.
func (w *Worker) Backup(ctx context.Context, store blobstore.BlobStore) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		return ErrClosed
	}

	b := w.protect.Borrow()
	defer b.Release()
	p := b.Get()

	if err := store.Delete(ctx, startupFileName); err != nil {
		return err
	}

	written := make(map[string]struct{})
	ids := slices.SortedFunc(maps.Keys(p.indexes), model.ID.Compare)
	for _, id := range ids {
		h := p.indexes[id]
		if !h.tryAcquire() {
			continue
		}
		prefix := path.Join(indexesDirName, id.String())
		err := h.idx.Backup(ctx, func(name string, r io.Reader) error {
			blobName := path.Join(prefix, name)
			if _, err := blobstore.Copy(ctx, store, blobName, r); err != nil {
				return err
			}
			written[blobName] = struct{}{}
			return nil
		})
		h.release()
		if err != nil {
			return fmt.Errorf("backup index %s: %w", id, err)
		}
	}

	if err := pruneBlobs(ctx, store, written); err != nil {
		return err
	}

	data, err := p.startup.Bytes()
	if err != nil {
		return err
	}
	if err := store.Put(ctx, startupFileName, data); err != nil {
		return err
	}
	w.logger.InfoContext(ctx, "Backup completed", "indexes", len(ids))
	return nil
}

// pruneBlobs removes index blobs left by earlier backups. A stale segment
// log would otherwise be replayed on top of the segments that absorbed it.
func pruneBlobs(ctx context.Context, store blobstore.BlobStore, keep map[string]struct{}) error {
	names, err := store.List(ctx, indexesDirName+"/")
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		if err := store.Delete(ctx, name); err != nil {
			return fmt.Errorf("backup: prune %s: %w", name, err)
		}
	}
	return nil
}

// Restore materializes the backup held in store as a worker directory at
// dst, which must not exist. Open the result with Open.
//
// Only index files of identifiers in the backed up startup record are
// restored.
func Restore(ctx context.Context, store blobstore.BlobStore, dst string, optFns ...Option) error {
	o := applyOptions(optFns)

	blob, err := store.Open(ctx, startupFileName)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return fmt.Errorf("restore: no complete backup in store: %w", err)
		}
		return err
	}
	data, err := blobstore.ReadAll(ctx, blob)
	_ = blob.Close()
	if err != nil {
		return err
	}

	if err := o.fs.Mkdir(dst, 0755); err != nil {
		return fmt.Errorf("restore %s: %w", dst, err)
	}
	if err := restore(ctx, store, dst, data, o); err != nil {
		_ = o.fs.RemoveAll(dst)
		return err
	}
	o.logger.Info("Worker restored", "path", dst)
	return nil
}

func restore(ctx context.Context, store blobstore.BlobStore, dst string, data []byte, o options) error {
	indexesDir := filepath.Join(dst, indexesDirName)
	if err := o.fs.Mkdir(indexesDir, 0755); err != nil {
		return err
	}
	startupPath := filepath.Join(dst, startupFileName)
	if err := fs.WriteFileSync(o.fs, startupPath, data, 0644); err != nil {
		return err
	}
	rec, err := manifest.Open[startup](o.fs, startupPath)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	for key := range rec.Get().Indexes {
		id, err := model.ParseID(key)
		if err != nil {
			return fmt.Errorf("restore: startup record: %w", err)
		}
		prefix := path.Join(indexesDirName, id.String()) + "/"
		names, err := store.List(ctx, prefix)
		if err != nil {
			return err
		}
		dir := filepath.Join(indexesDir, id.String())
		if err := o.fs.Mkdir(dir, 0755); err != nil {
			return err
		}
		for _, name := range names {
			if err := restoreBlob(ctx, store, name, filepath.Join(dir, strings.TrimPrefix(name, prefix)), o.fs); err != nil {
				return err
			}
		}
		if err := fs.SyncDir(o.fs, dir); err != nil {
			return err
		}
	}

	for _, dir := range []string{indexesDir, dst, filepath.Dir(dst)} {
		if err := fs.SyncDir(o.fs, dir); err != nil {
			return err
		}
	}
	return nil
}

func restoreBlob(ctx context.Context, store blobstore.BlobStore, name, dst string, fsys fs.FileSystem) error {
	b, err := store.Open(ctx, name)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	data, err := blobstore.ReadAll(ctx, b)
	if err != nil {
		return fmt.Errorf("restore %s: %w", name, err)
	}
	return fs.WriteFileSync(fsys, dst, data, 0644)
}
