package index

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"
)

// BackupFunc receives one file of a backup. r is only valid during the call.
type BackupFunc func(name string, r io.Reader) error

// Backup hands a crash-consistent copy of the index files to fn: the
// manifest, every sealed segment and the WAL of every unsealed segment. A
// directory holding exactly these files opens like the original would after
// a crash at the moment Backup started.
//
// Seals and merges wait while Backup runs. Reads and writes do not.
func (i *Index) Backup(ctx context.Context, fn BackupFunc) error {
	if i.closed.Load() {
		return ErrClosed
	}
	i.optMu.Lock()
	defer i.optMu.Unlock()

	type walFile struct {
		name string
		size int64
	}

	i.mu.Lock()
	v := i.cur.Load()
	var (
		wals []walFile
		err  error
	)
	for _, g := range append(slices.Clone(v.frozen), v.growing) {
		if err = g.sync(); err != nil {
			break
		}
		name := walFileName(g.id)
		var info os.FileInfo
		if info, err = i.cfg.fs.Stat(filepath.Join(i.dir, name)); err != nil {
			break
		}
		// Records appended after this point are not part of the backup.
		wals = append(wals, walFile{name: name, size: info.Size()})
	}
	var man []byte
	if err == nil {
		man, err = i.manifest.Bytes()
	}
	i.mu.Unlock()
	if err != nil {
		return err
	}

	if err := fn(manifestFileName, bytes.NewReader(man)); err != nil {
		return err
	}
	for _, ref := range v.sealed {
		if err := i.copyFile(ctx, ref.File, -1, fn); err != nil {
			return err
		}
	}
	for _, w := range wals {
		if err := i.copyFile(ctx, w.name, w.size, fn); err != nil {
			return err
		}
	}
	i.logger.Debug("Index backed up", "sealed", len(v.sealed), "wals", len(wals))
	return nil
}

// copyFile passes the first limit bytes of the named file to fn. A negative
// limit passes the whole file.
func (i *Index) copyFile(ctx context.Context, name string, limit int64, fn BackupFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := i.cfg.fs.OpenFile(filepath.Join(i.dir, name), os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if limit >= 0 {
		r = io.LimitReader(f, limit)
	}
	return fn(name, r)
}
