// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/decred/dcrd/chaincfg/chainhash"
)

// AssertError identifies an error that indicates an internal code consistency
// issue and should be treated as a critical and unrecoverable error.
type AssertError string

// Error returns the assertion error as a human-readable string and satisfies
// the error interface.
func (e AssertError) Error() string {
	return "assertion failed: " + string(e)
}

// ErrorKind identifies a kind of error.  It has full support for errors.Is and
// errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific ErrorKind.
const (
	// ErrDuplicateBlock indicates a block with the same hash already exists
	// in the pending block pool.
	ErrDuplicateBlock = ErrorKind("ErrDuplicateBlock")

	// ErrMissingParent indicates that the block was an orphan.  That is to
	// say its parent is neither pending in the pool nor confirmed in the
	// main chain.
	ErrMissingParent = ErrorKind("ErrMissingParent")

	// ErrPoolFull indicates the pending block pool is at capacity and no
	// entry could be evicted to make room for the block.
	ErrPoolFull = ErrorKind("ErrPoolFull")

	// ErrNoTransactions indicates the block does not have at least one
	// transaction.  A valid block must have at least the coinbase
	// transaction.
	ErrNoTransactions = ErrorKind("ErrNoTransactions")

	// ErrBlockTooBig indicates the serialized block size exceeds the
	// maximum allowed size.
	ErrBlockTooBig = ErrorKind("ErrBlockTooBig")

	// ErrWrongBlockSize indicates that the block size in the header is not
	// the actual serialized size of the block.
	ErrWrongBlockSize = ErrorKind("ErrWrongBlockSize")

	// ErrFirstTxNotCoinbase indicates the first transaction in a block
	// is not a coinbase transaction.
	ErrFirstTxNotCoinbase = ErrorKind("ErrFirstTxNotCoinbase")

	// ErrMultipleCoinbases indicates a block contains more than one
	// coinbase transaction.
	ErrMultipleCoinbases = ErrorKind("ErrMultipleCoinbases")

	// ErrBadMerkleRoot indicates the calculated merkle root does not match
	// the expected value.
	ErrBadMerkleRoot = ErrorKind("ErrBadMerkleRoot")

	// ErrDuplicateTx indicates a block contains an identical transaction
	// (or at least two transactions which hash to the same value).
	ErrDuplicateTx = ErrorKind("ErrDuplicateTx")

	// ErrHighHash indicates the block does not hash to a value which is
	// lower than the required target difficultly.
	ErrHighHash = ErrorKind("ErrHighHash")

	// ErrTooManySigOps indicates the total number of signature operations
	// for a transaction or block exceed the maximum allowed limits.
	ErrTooManySigOps = ErrorKind("ErrTooManySigOps")

	// ErrUnexpectedDifficulty indicates specified bits do not align with
	// the expected value either because it doesn't match the calculated
	// value based on difficulty regarding the rules or it is out of the
	// valid range.
	ErrUnexpectedDifficulty = ErrorKind("ErrUnexpectedDifficulty")

	// ErrNoTxInputs indicates a transaction does not have any inputs.  A
	// valid transaction must have at least one input.
	ErrNoTxInputs = ErrorKind("ErrNoTxInputs")

	// ErrNoTxOutputs indicates a transaction does not have any outputs.  A
	// valid transaction must have at least one output.
	ErrNoTxOutputs = ErrorKind("ErrNoTxOutputs")

	// ErrTxTooBig indicates a transaction exceeds the maximum allowed size
	// when serialized.
	ErrTxTooBig = ErrorKind("ErrTxTooBig")

	// ErrBadTxOutValue indicates an output value for a transaction is
	// invalid in some way such as being out of range.
	ErrBadTxOutValue = ErrorKind("ErrBadTxOutValue")

	// ErrDuplicateTxInputs indicates a transaction references the same
	// input more than once.
	ErrDuplicateTxInputs = ErrorKind("ErrDuplicateTxInputs")

	// ErrBadBlockHeight indicates that a block header's embedded block
	// height was different from where it was actually embedded in the
	// block chain.
	ErrBadBlockHeight = ErrorKind("ErrBadBlockHeight")

	// ErrInvalidTime indicates the time in the passed block has a precision
	// that is more than one second.
	ErrInvalidTime = ErrorKind("ErrInvalidTime")

	// ErrTimeTooOld indicates the time is either before the median time of
	// the last several blocks per the chain consensus rules.
	ErrTimeTooOld = ErrorKind("ErrTimeTooOld")

	// ErrTimeTooNew indicates the time is too far in the future as compared
	// the current time.
	ErrTimeTooNew = ErrorKind("ErrTimeTooNew")

	// ErrMissingTxOut indicates a transaction output referenced by an input
	// either does not exist or is not available as of the fork point of the
	// branch being connected.
	ErrMissingTxOut = ErrorKind("ErrMissingTxOut")

	// ErrDoubleSpend indicates a transaction output referenced by an input
	// has already been spent either by a confirmed block or by an earlier
	// transaction in the same branch.
	ErrDoubleSpend = ErrorKind("ErrDoubleSpend")

	// ErrImmatureSpend indicates a transaction is attempting to spend a
	// coinbase that has not yet reached the required maturity.
	ErrImmatureSpend = ErrorKind("ErrImmatureSpend")

	// ErrSpendTooHigh indicates a transaction is attempting to spend more
	// value than the sum of all of its inputs.
	ErrSpendTooHigh = ErrorKind("ErrSpendTooHigh")

	// ErrBadCoinbaseValue indicates the amount of a coinbase value does
	// not match the expected value of the subsidy plus the sum of all fees.
	ErrBadCoinbaseValue = ErrorKind("ErrBadCoinbaseValue")

	// ErrScriptMalformed indicates a transaction script is malformed in
	// some way.  For example, it might be longer than the maximum allowed
	// length or fail to parse.
	ErrScriptMalformed = ErrorKind("ErrScriptMalformed")

	// ErrScriptValidation indicates the result of executing transaction
	// script failed.  The error covers any failure when executing scripts
	// such signature verification failures and execution past the end of
	// the stack.
	ErrScriptValidation = ErrorKind("ErrScriptValidation")

	// ErrKnownInvalidBlock indicates that this block has previously failed
	// validation.
	ErrKnownInvalidBlock = ErrorKind("ErrKnownInvalidBlock")

	// ErrStaleBranch indicates a branch lost a race with a concurrent commit
	// and could not be rebuilt against the new tip.
	ErrStaleBranch = ErrorKind("ErrStaleBranch")

	// ErrUnknownBlock indicates a requested block is not known.
	ErrUnknownBlock = ErrorKind("ErrUnknownBlock")

	// ErrStore indicates the underlying chain store failed.  It is not
	// possible to safely continue processing once this happens.
	ErrStore = ErrorKind("ErrStore")

	// ErrStopped indicates an operation was attempted while the organizer
	// is not running.
	ErrStopped = ErrorKind("ErrStopped")

	// ErrQueueFull indicates an organize request was refused because the
	// request queue is full.
	ErrQueueFull = ErrorKind("ErrQueueFull")
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

// unknownBlockError create a ContextError with the kind of error set to
// ErrUnknownBlock and a description that includes the provided hash.
func unknownBlockError(hash *chainhash.Hash) ContextError {
	str := fmt.Sprintf("block %s is not known", hash)
	return contextError(ErrUnknownBlock, str)
}

// storeError wraps the provided error from the chain store with ErrStore.
func storeError(op string, err error) ContextError {
	str := fmt.Sprintf("chain store failed to %s: %v", op, err)
	return ContextError{Err: ErrStore, Description: str, RawErr: err}
}

// RuleError identifies a rule violation.  It is used to indicate that
// processing of a block or transaction failed due to one of the many validation
// rules.  It has full support for errors.Is and errors.As, so the caller can
// ascertain the specific reason for the rule violation.
type RuleError struct {
	Err         error
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e RuleError) Error() string {
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e RuleError) Unwrap() error {
	return e.Err
}

// ruleError creates a RuleError given a set of arguments.
func ruleError(kind ErrorKind, desc string) RuleError {
	return RuleError{Err: kind, Description: desc}
}

// NewRuleError creates a RuleError for the given kind.  It allows validation
// policies implemented outside of this package to report violations that
// callers can inspect with errors.Is.
func NewRuleError(kind ErrorKind, desc string) RuleError {
	return ruleError(kind, desc)
}

// ValidationStage identifies the stage of the validation pipeline that
// produced a result.
type ValidationStage uint8

// These constants define the stages of the validation pipeline in the order
// they are run.
const (
	StageCheck ValidationStage = iota
	StageAccept
	StageConnect
)

// String returns the stage as a human-readable name.
func (s ValidationStage) String() string {
	switch s {
	case StageCheck:
		return "check"
	case StageAccept:
		return "accept"
	case StageConnect:
		return "connect"
	}
	return "unknown stage (" + strconv.Itoa(int(s)) + ")"
}

// ValidationError describes a block that failed a stage of the validation
// pipeline.  It has full support for errors.Is and errors.As, so the caller can
// ascertain the specific rule that was violated.
type ValidationError struct {
	Stage ValidationStage
	Hash  chainhash.Hash
	Err   error
}

// Error satisfies the error interface and prints human-readable errors.
func (e ValidationError) Error() string {
	return fmt.Sprintf("block %s failed %s: %v", e.Hash, e.Stage, e.Err)
}

// Unwrap returns the underlying wrapped error.
func (e ValidationError) Unwrap() error {
	return e.Err
}

// HeaderDetermined returns whether the failure follows from the block header
// alone, in which case every block with the same hash fails the same way.
// Failures of the check stage that depend on the transactions do not, since
// the header hash does not commit to a malformed body.
func (e ValidationError) HeaderDetermined() bool {
	switch e.Stage {
	case StageCheck:
		return errors.Is(e.Err, ErrHighHash) ||
			errors.Is(e.Err, ErrUnexpectedDifficulty) ||
			errors.Is(e.Err, ErrInvalidTime)
	case StageAccept:
		return true
	}
	return false
}
