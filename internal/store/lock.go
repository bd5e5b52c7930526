package store

import (
	"fmt"

	"github.com/gofrs/flock"
)

// FileLock is an advisory lock guarding a store file against concurrent
// encoding runs.
type FileLock struct {
	fl *flock.Flock
}

// Lock acquires the lock file "<path>.lock" without blocking. It returns
// ErrLocked when another process holds it.
func Lock(path string) (*FileLock, error) {
	fl := flock.New(path + ".lock")
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}
	return &FileLock{fl: fl}, nil
}

// Unlock releases the lock.
func (l *FileLock) Unlock() error {
	return l.fl.Unlock()
}
