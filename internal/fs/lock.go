package fs

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockFileName is the name of the lock file inside a locked directory.
const LockFileName = "LOCK"

// ErrLocked is returned when another process already holds the directory lock.
var ErrLocked = errors.New("directory is locked by another process")

// DirLock is an exclusive, cross-process lock on a directory.
// It is held for the lifetime of a worker so that only one process ever owns
// the in-memory view of the directory's state.
type DirLock struct {
	flock *flock.Flock
}

// LockDir acquires the lock on dir without blocking.
func LockDir(dir string) (*DirLock, error) {
	fl := flock.New(filepath.Join(dir, LockFileName))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", dir, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}
	return &DirLock{flock: fl}, nil
}

// Unlock releases the lock. It is safe to call on a nil or released lock.
func (l *DirLock) Unlock() error {
	if l == nil || l.flock == nil || !l.flock.Locked() {
		return nil
	}
	return l.flock.Unlock()
}
