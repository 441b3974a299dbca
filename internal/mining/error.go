// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

// ErrorKind identifies a kind of error.  It has full support for errors.Is
// and errors.As, so the caller can directly check against an error kind
// when determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific RuleError.
const (
	// ErrDuplicateTx indicates a transaction is already in the graph.
	ErrDuplicateTx = ErrorKind("ErrDuplicateTx")

	// ErrCoinbase indicates an attempt to add a coinbase transaction to the
	// graph.
	ErrCoinbase = ErrorKind("ErrCoinbase")

	// ErrInvalidTx indicates a transaction fails the context-free sanity
	// checks.
	ErrInvalidTx = ErrorKind("ErrInvalidTx")

	// ErrDoubleSpend indicates a transaction spends an output that is
	// already spent by another transaction in the graph.
	ErrDoubleSpend = ErrorKind("ErrDoubleSpend")

	// ErrMissingInputs indicates a transaction spends an output that is
	// neither created by a transaction in the graph nor available in the
	// main chain.
	ErrMissingInputs = ErrorKind("ErrMissingInputs")

	// ErrSpendTooHigh indicates a transaction spends more than the total
	// value of its inputs.
	ErrSpendTooHigh = ErrorKind("ErrSpendTooHigh")

	// ErrTxNotFound indicates a transaction is not in the graph.
	ErrTxNotFound = ErrorKind("ErrTxNotFound")

	// ErrFetchTxStore indicates a transaction store failed to fetch.
	ErrFetchTxStore = ErrorKind("ErrFetchTxStore")

	// ErrBadAggregates indicates the descendant aggregates of a node do not
	// match the values computed from the graph.
	ErrBadAggregates = ErrorKind("ErrBadAggregates")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies a mining rule rule violation. It has full support for
// errors.Is and errors.As, so the caller can ascertain the specific reason
// for the error by checking the underlying error. It is used to indicate
// that processing of a transaction failed due to one of the graph rules.
type Error struct {
	Err         error
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e Error) Unwrap() error {
	return e.Err
}

// makeError creates an Error given a set of arguments.
func makeError(kind ErrorKind, desc string) Error {
	return Error{Err: kind, Description: desc}
}
