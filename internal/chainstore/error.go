// Copyright (c) 2021-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainstore

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
)

// ErrorKind identifies a kind of error.  It has full support for errors.Is and
// errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific ErrorKind.
const (
	// ErrBackend indicates that a general error was encountered when
	// accessing the underlying database.
	ErrBackend = ErrorKind("ErrBackend")

	// ErrBackendCorruption indicates that a checksum failure occurred or the
	// stored data is otherwise malformed.
	ErrBackendCorruption = ErrorKind("ErrBackendCorruption")

	// ErrBackendNotOpen indicates that the database was accessed after it
	// was closed.
	ErrBackendNotOpen = ErrorKind("ErrBackendNotOpen")

	// ErrBackendTxClosed indicates an attempt was made to use a snapshot or
	// iterator that has already been released.
	ErrBackendTxClosed = ErrorKind("ErrBackendTxClosed")

	// ErrVersionTooNew indicates the database was created by a newer version
	// of the software and can't be loaded.
	ErrVersionTooNew = ErrorKind("ErrVersionTooNew")

	// ErrWrongNetwork indicates the database was created for a different
	// network than the one requested.
	ErrWrongNetwork = ErrorKind("ErrWrongNetwork")

	// ErrBadCommit indicates a commit was requested that does not apply to
	// the current main chain, such as outgoing blocks that are not at the
	// tip or incoming blocks that do not link.
	ErrBadCommit = ErrorKind("ErrBadCommit")

	// ErrMissingTxOut indicates a block being committed spends an output
	// that is not available in the store.
	ErrMissingTxOut = ErrorKind("ErrMissingTxOut")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// ContextError wraps an error with additional context.  It has full support for
// errors.Is and errors.As, so the caller can ascertain the specific wrapped
// error.
//
// RawErr contains the original error in the case where an error has been
// converted.
type ContextError struct {
	Err         error
	Description string
	RawErr      error
}

// Error satisfies the error interface and prints human-readable errors.
func (e ContextError) Error() string {
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e ContextError) Unwrap() error {
	return e.Err
}

// contextError creates a ContextError given a set of arguments.
func contextError(kind ErrorKind, desc string) ContextError {
	return ContextError{Err: kind, Description: desc}
}

// convertLdbErr converts the passed leveldb error into a context error with an
// equivalent error kind and the passed description.  It also sets the passed
// error as the underlying error and adds its error string to the description.
func convertLdbErr(ldbErr error, desc string) ContextError {
	// Use the general backend error kind by default.  The code below will
	// update this with the converted error if it's recognized.
	var kind = ErrBackend

	switch {
	// Database corruption errors.
	case ldberrors.IsCorrupted(ldbErr):
		kind = ErrBackendCorruption

	// Database open/create errors.
	case errors.Is(ldbErr, leveldb.ErrClosed):
		kind = ErrBackendNotOpen

	// Transaction errors.
	case errors.Is(ldbErr, leveldb.ErrSnapshotReleased):
		kind = ErrBackendTxClosed
	case errors.Is(ldbErr, leveldb.ErrIterReleased):
		kind = ErrBackendTxClosed
	}

	// Include the original error in description.
	desc = fmt.Sprintf("%s: %v", desc, ldbErr)

	err := contextError(kind, desc)
	err.RawErr = ldbErr

	return err
}
