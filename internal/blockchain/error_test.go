// Copyright (c) 2014 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"errors"
	"io"
	"testing"

	"github.com/decred/dcrd/chaincfg/chainhash"
)

// TestErrorKindStringer tests the stringized output for the ErrorKind type.
func TestErrorKindStringer(t *testing.T) {
	tests := []struct {
		in   ErrorKind
		want string
	}{
		{ErrDuplicateBlock, "ErrDuplicateBlock"},
		{ErrMissingParent, "ErrMissingParent"},
		{ErrPoolFull, "ErrPoolFull"},
		{ErrNoTransactions, "ErrNoTransactions"},
		{ErrBlockTooBig, "ErrBlockTooBig"},
		{ErrWrongBlockSize, "ErrWrongBlockSize"},
		{ErrFirstTxNotCoinbase, "ErrFirstTxNotCoinbase"},
		{ErrMultipleCoinbases, "ErrMultipleCoinbases"},
		{ErrBadMerkleRoot, "ErrBadMerkleRoot"},
		{ErrDuplicateTx, "ErrDuplicateTx"},
		{ErrHighHash, "ErrHighHash"},
		{ErrTooManySigOps, "ErrTooManySigOps"},
		{ErrUnexpectedDifficulty, "ErrUnexpectedDifficulty"},
		{ErrNoTxInputs, "ErrNoTxInputs"},
		{ErrNoTxOutputs, "ErrNoTxOutputs"},
		{ErrTxTooBig, "ErrTxTooBig"},
		{ErrBadTxOutValue, "ErrBadTxOutValue"},
		{ErrDuplicateTxInputs, "ErrDuplicateTxInputs"},
		{ErrBadBlockHeight, "ErrBadBlockHeight"},
		{ErrInvalidTime, "ErrInvalidTime"},
		{ErrTimeTooOld, "ErrTimeTooOld"},
		{ErrTimeTooNew, "ErrTimeTooNew"},
		{ErrMissingTxOut, "ErrMissingTxOut"},
		{ErrDoubleSpend, "ErrDoubleSpend"},
		{ErrImmatureSpend, "ErrImmatureSpend"},
		{ErrSpendTooHigh, "ErrSpendTooHigh"},
		{ErrBadCoinbaseValue, "ErrBadCoinbaseValue"},
		{ErrScriptMalformed, "ErrScriptMalformed"},
		{ErrScriptValidation, "ErrScriptValidation"},
		{ErrKnownInvalidBlock, "ErrKnownInvalidBlock"},
		{ErrStaleBranch, "ErrStaleBranch"},
		{ErrUnknownBlock, "ErrUnknownBlock"},
		{ErrStore, "ErrStore"},
		{ErrStopped, "ErrStopped"},
		{ErrQueueFull, "ErrQueueFull"},
	}

	for i, test := range tests {
		result := test.in.Error()
		if result != test.want {
			t.Errorf("#%d: got: %s want: %s", i, result, test.want)
			continue
		}
	}
}

// TestErrorKindIsAs ensures both ErrorKind and the error types that wrap it
// can be identified with errors.Is and errors.As.
func TestErrorKindIsAs(t *testing.T) {
	hash := chainhash.Hash{0x01}
	tests := []struct {
		name      string
		err       error
		target    error
		wantMatch bool
		wantAs    ErrorKind
	}{{
		name:      "ErrDoubleSpend == ErrDoubleSpend",
		err:       ErrDoubleSpend,
		target:    ErrDoubleSpend,
		wantMatch: true,
		wantAs:    ErrDoubleSpend,
	}, {
		name:      "RuleError.ErrDoubleSpend == ErrDoubleSpend",
		err:       ruleError(ErrDoubleSpend, ""),
		target:    ErrDoubleSpend,
		wantMatch: true,
		wantAs:    ErrDoubleSpend,
	}, {
		name: "ValidationError.RuleError.ErrHighHash == ErrHighHash",
		err: ValidationError{Stage: StageCheck, Hash: hash,
			Err: ruleError(ErrHighHash, "")},
		target:    ErrHighHash,
		wantMatch: true,
		wantAs:    ErrHighHash,
	}, {
		name:      "ContextError.ErrStore != ErrStopped",
		err:       storeError("commit", io.EOF),
		target:    ErrStopped,
		wantMatch: false,
		wantAs:    ErrStore,
	}, {
		name:      "unknownBlockError == ErrUnknownBlock",
		err:       unknownBlockError(&hash),
		target:    ErrUnknownBlock,
		wantMatch: true,
		wantAs:    ErrUnknownBlock,
	}}

	for _, test := range tests {
		// Ensure the error matches or not depending on the expected result.
		result := errors.Is(test.err, test.target)
		if result != test.wantMatch {
			t.Errorf("%s: incorrect error identification -- got %v, want %v",
				test.name, result, test.wantMatch)
			continue
		}

		// Ensure the underlying error kind can be unwrapped and is the
		// expected kind.
		var kind ErrorKind
		if !errors.As(test.err, &kind) {
			t.Errorf("%s: unable to unwrap to error kind", test.name)
			continue
		}
		if kind != test.wantAs {
			t.Errorf("%s: unexpected unwrapped error kind -- got %v, want %v",
				test.name, kind, test.wantAs)
			continue
		}
	}
}

// TestValidationErrorHeaderDetermined ensures only failures that follow from
// the block header are reported as such.
func TestValidationErrorHeaderDetermined(t *testing.T) {
	tests := []struct {
		name  string
		stage ValidationStage
		err   error
		want  bool
	}{
		{"check high hash", StageCheck, ruleError(ErrHighHash, ""), true},
		{"check difficulty", StageCheck, ruleError(ErrUnexpectedDifficulty, ""), true},
		{"check timestamp", StageCheck, ruleError(ErrInvalidTime, ""), true},
		{"check merkle root", StageCheck, ruleError(ErrBadMerkleRoot, ""), false},
		{"check duplicate tx", StageCheck, ruleError(ErrDuplicateTx, ""), false},
		{"accept", StageAccept, ruleError(ErrTimeTooOld, ""), true},
		{"connect", StageConnect, ruleError(ErrScriptValidation, ""), false},
	}

	for _, test := range tests {
		vErr := ValidationError{Stage: test.stage, Err: test.err}
		if got := vErr.HeaderDetermined(); got != test.want {
			t.Errorf("%s: unexpected result -- got %v, want %v", test.name,
				got, test.want)
		}
	}
}
