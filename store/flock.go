// Copyright (c) 2025 The brc721d developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// lockFileName is the advisory lock file created inside the data
// directory.  The lock is held for the lifetime of the process; the file
// itself is left behind, only the flock matters.
const lockFileName = ".lock"

type dirLock struct {
	f *os.File
}

// acquireDirLock takes a non-blocking exclusive flock on the data
// directory's lock file.  ErrDirLocked is returned when another process
// already holds it.
func acquireDirLock(dir string) (*dirLock, error) {
	f, err := os.OpenFile(filepath.Join(dir, lockFileName),
		os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, dbErr("open lock file", err)
	}

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrDirLocked
		}
		return nil, dbErr("lock data dir", err)
	}
	return &dirLock{f: f}, nil
}

func (l *dirLock) release() {
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	_ = l.f.Close()
}
