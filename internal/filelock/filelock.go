// Package filelock provides an advisory, cross-process exclusive lock
// over a path, with blocking and try-lock modes. It wraps
// github.com/gofrs/flock rather than raw syscall.Flock calls so release
// on abnormal process death (the OS drops the flock when the fd closes)
// and the blocking/try-lock split come from a maintained library instead
// of hand-rolled platform code.
package filelock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Lock is a held or not-yet-held advisory lock on one path.
type Lock struct {
	fl *flock.Flock
}

// New returns a Lock bound to path. The file is created if missing on
// first acquisition attempt.
func New(path string) *Lock {
	return &Lock{fl: flock.New(path)}
}

// Acquire blocks until the lock is obtained.
func (l *Lock) Acquire() error {
	if err := ensureParent(l.fl.Path()); err != nil {
		return err
	}
	if err := l.fl.Lock(); err != nil {
		return fmt.Errorf("filelock: acquire %s: %w", l.fl.Path(), err)
	}
	return nil
}

// TryAcquire attempts to obtain the lock without blocking. ok is false
// if another holder has it; that is not an error.
func (l *Lock) TryAcquire() (ok bool, err error) {
	if err := ensureParent(l.fl.Path()); err != nil {
		return false, err
	}
	ok, err = l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("filelock: try-acquire %s: %w", l.fl.Path(), err)
	}
	return ok, nil
}

// Release drops the lock. Safe to call on an unlocked Lock.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("filelock: release %s: %w", l.fl.Path(), err)
	}
	return nil
}

// Locked reports whether this handle currently holds the lock.
func (l *Lock) Locked() bool {
	return l.fl.Locked()
}

func ensureParent(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
