//go:build unix

package alertstore

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// lockHandle wraps an advisory OS file lock, satisfying spec.md §5's
// "single-writer lock (OS file lock) prevents concurrent writers from
// different processes".
type lockHandle struct {
	f *os.File
}

func acquireLock(path string) (*lockHandle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s held by another process: %w", path, err)
	}
	return &lockHandle{f: f}, nil
}

func (l *lockHandle) release() error {
	if l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
