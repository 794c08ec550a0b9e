// Package instancelock keeps a second server process from starting against
// the same lock file.
package instancelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// ErrLocked is returned by Acquire when another process holds the lock.
var ErrLocked = errors.New("instancelock: another instance is running")

// Lock is a held instance lock. The lock is dropped by Release or when the
// process exits.
type Lock struct {
	path string
	file *os.File
	once sync.Once
	err  error
}

// Acquire takes an exclusive, non-blocking lock on path, creating the file
// and its directory if needed. The holder's pid is written to the file.
//
// Parameters:
//   - path: The lock file
//
// Returns:
//   - The held Lock
//   - ErrLocked if another process holds it, or the error that kept the
//     file from being opened
func Acquire(path string) (*Lock, error) {
	if path == "" {
		return nil, errors.New("instancelock: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("instancelock: create directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("instancelock: open %s: %w", path, err)
	}

	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	return &Lock{path: path, file: f}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock. The file is left in place so that a waiting
// process locks the same inode. Safe to call more than once.
func (l *Lock) Release() error {
	l.once.Do(func() {
		l.err = errors.Join(unlockFile(l.file), l.file.Close())
	})
	return l.err
}
