// Package runlock provides the inter-process lock that allows only one queue
// drain pass to run at a time. It is an advisory lock on a named file, so it
// is released by the kernel if the holding process dies.
package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"mailqueue/internal/security"

	"github.com/gofrs/flock"
)

// ErrLocked is returned by Acquire when another holder owns the lock.
var ErrLocked = errors.New("run lock already held")

// Lock is a held run-lock. Release is safe to call more than once.
type Lock struct {
	flock *flock.Flock
	once  sync.Once
	err   error
}

// Acquire takes the lock at path without blocking. The parent directory is
// created if needed.
func Acquire(path string) (*Lock, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid lock path: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create lock directory: %w", err)
		}
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock %s: %w", path, err)
	}
	if !locked {
		return nil, ErrLocked
	}

	return &Lock{flock: fl}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.flock.Path()
}

// Release unlocks the file. The lock file itself is left in place; removing it
// would race with a process that has just opened it.
func (l *Lock) Release() error {
	l.once.Do(func() {
		if err := l.flock.Unlock(); err != nil {
			l.err = fmt.Errorf("failed to release run lock %s: %w", l.flock.Path(), err)
		}
	})
	return l.err
}
