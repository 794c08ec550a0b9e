//go:build !unix

package instancelock

import (
	"fmt"
	"os"
)

// Without flock, an exclusively created marker file stands in for the lock.
// A crashed process leaves it behind and it must be removed by hand.

func lockFile(f *os.File) error {
	marker := f.Name() + ".pid"
	m, err := os.OpenFile(marker, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if os.IsExist(err) {
		return fmt.Errorf("%w: %s", ErrLocked, marker)
	}
	if err != nil {
		return fmt.Errorf("instancelock: create %s: %w", marker, err)
	}
	return m.Close()
}

func unlockFile(f *os.File) error {
	return os.Remove(f.Name() + ".pid")
}
