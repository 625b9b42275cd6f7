// Copyright (c) 2025 The brc721d developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleCursor is returned by CommitBlock when the persisted
	// cursor no longer matches the parent the caller committed against.
	// The only other writer is an operator reset, so the caller should
	// reload the cursor and retry from it.
	ErrStaleCursor = errors.New("chain cursor is stale")

	// ErrDirLocked is returned when another process already holds the
	// advisory lock on the data directory.
	ErrDirLocked = errors.New("data directory is locked by another process")

	// ErrNoWalletState is returned when wallet state is requested but
	// the wallet has never been initialized in this data directory.
	ErrNoWalletState = errors.New("no wallet state")
)

// Error wraps a failure of the underlying database.  Callers treat any
// store.Error as a durability failure: fatal for the scanner, exit code 5
// for commands.
type Error struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

func dbErr(op string, err error) error {
	return &Error{Op: op, Err: err}
}
