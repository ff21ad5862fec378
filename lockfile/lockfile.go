// Copyright © 2020 Elias Norberg
// Licensed under the GPLv3 or later.
// See COPYING at the root of the repository for details.

// Package lockfile provides the single app-wide advisory lock that keeps
// concurrent norless invocations from treading on the same Maildir/state
// files.
package lockfile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by Acquire(block=false) when another instance
// already holds the lock.
var ErrLocked = errors.New("lockfile: another instance is already running")

// Lock is a held advisory lock on a single file. Release it with Close.
type Lock struct {
	f *os.File
}

// Acquire opens (creating if necessary) the lock file at path and takes an
// exclusive flock on it. If block is false and the lock is already held,
// Acquire returns ErrLocked immediately; if block is true, it waits for the
// lock to become available.
func Acquire(path string, block bool) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", path, err)
	}

	how := unix.LOCK_EX
	if !block {
		how |= unix.LOCK_NB
	}

	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		if !block && errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("lockfile: flock %s: %w", path, err)
	}

	return &Lock{f: f}, nil
}

// Close releases the lock and closes the underlying file.
func (l *Lock) Close() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return fmt.Errorf("lockfile: unlock: %w", err)
	}
	return l.f.Close()
}
