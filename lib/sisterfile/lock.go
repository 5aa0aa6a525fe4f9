// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package sisterfile

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// fileLock is an exclusive advisory lock on a companion ".lock" file.
// It serializes sister-file creation between processes that open the
// same store.
type fileLock struct {
	fd   int
	path string
}

func lockFile(path string) (*fileLock, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sisterfile: opening lock %s: %w", path, err)
	}
	for {
		err = unix.Flock(fd, unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sisterfile: locking %s: %w", path, err)
	}
	return &fileLock{fd: fd, path: path}, nil
}

func (l *fileLock) unlock() error {
	var firstErr error
	if err := unix.Flock(l.fd, unix.LOCK_UN); err != nil {
		firstErr = fmt.Errorf("sisterfile: unlocking %s: %w", l.path, err)
	}
	if err := unix.Close(l.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sisterfile: closing lock %s: %w", l.path, err)
	}
	return firstErr
}
