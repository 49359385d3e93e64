// Package reaper reconciles a directory of per-index subdirectories against
// the set of names a durable record claims.
//
// A worker creates an index directory before it records the index, and
// records a destroy before it removes the directory. A crash inside either
// window leaves a directory nobody owns; Reap deletes it at startup.
package reaper

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/hupe1980/vecworker/internal/fs"
)

// Reap removes every entry of dir whose name is not in keep and fsyncs dir.
// A missing dir is created. It returns the removed names in sorted order.
func Reap(fsys fs.FileSystem, dir string, keep []string, logger *slog.Logger) ([]string, error) {
	fsys = fs.OrDefault(fsys)
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	entries, err := fsys.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		if err := fsys.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		return nil, fs.SyncDir(fsys, filepath.Dir(dir))
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	claimed := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		claimed[name] = struct{}{}
	}

	var removed []string
	for _, e := range entries {
		if _, ok := claimed[e.Name()]; ok {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := fsys.RemoveAll(path); err != nil {
			return removed, fmt.Errorf("remove orphan %s: %w", path, err)
		}
		logger.Info("removed orphan", "path", path, "dir", e.IsDir())
		removed = append(removed, e.Name())
	}

	if len(removed) > 0 {
		if err := fs.SyncDir(fsys, dir); err != nil {
			return removed, err
		}
	}
	slices.Sort(removed)
	return removed, nil
}
