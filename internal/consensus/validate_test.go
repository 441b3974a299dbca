// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package consensus

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrorg/internal/blockchain"
)

var (
	opTrueScript  = []byte{txscript.OP_TRUE}
	opFalseScript = []byte{txscript.OP_FALSE}
)

// newPolicy returns a regression network policy and its parameters.
func newPolicy(t *testing.T) (*Policy, *chaincfg.Params) {
	t.Helper()

	params := chaincfg.RegNetParams()
	policy, err := NewPolicy(params, nil)
	if err != nil {
		t.Fatalf("unexpected error creating policy: %v", err)
	}
	return policy, params
}

// newCoinbase returns a coinbase transaction with a single output of the
// provided amount.  The tag makes coinbases at different heights unique.
func newCoinbase(tag string, amount int64) *wire.MsgTx {
	tx := wire.NewMsgTx()
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{},
			math.MaxUint32, wire.TxTreeRegular),
		Sequence:        wire.MaxTxInSequenceNum,
		SignatureScript: []byte(tag),
	})
	tx.AddTxOut(wire.NewTxOut(amount, opTrueScript))
	return tx
}

// newSpend returns a transaction that spends the provided outputs into a
// single output of the provided amount.
func newSpend(amount int64, outpoints ...wire.OutPoint) *wire.MsgTx {
	tx := wire.NewMsgTx()
	for i := range outpoints {
		tx.AddTxIn(wire.NewTxIn(&outpoints[i], wire.NullValueIn, nil))
	}
	tx.AddTxOut(wire.NewTxOut(amount, opTrueScript))
	return tx
}

// newMsgBlock returns a block building on the provided parent header with the
// merkle root and size fields of the header committing to the transactions.
// The block is not solved.
func newMsgBlock(parent *wire.BlockHeader, txns ...*wire.MsgTx) *wire.MsgBlock {
	parentHash := parent.BlockHash()
	msgBlock := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   1,
			PrevBlock: parentHash,
			Bits:      parent.Bits,
			Height:    parent.Height + 1,
			Timestamp: time.Unix(parent.Timestamp.Unix()+60, 0),
		},
		Transactions: txns,
	}
	msgBlock.Header.MerkleRoot = standalone.CalcTxTreeMerkleRoot(txns)
	msgBlock.Header.Size = uint32(msgBlock.SerializeSize())
	return msgBlock
}

// solveBlock increments the nonce of the block until its hash satisfies the
// target difficulty described by its bits.
func solveBlock(t *testing.T, params *chaincfg.Params, msgBlock *wire.MsgBlock) *dcrutil.Block {
	t.Helper()

	header := &msgBlock.Header
	for i := uint32(0); i < math.MaxUint32; i++ {
		header.Nonce = i
		hash := header.BlockHash()
		err := standalone.CheckProofOfWork(&hash, header.Bits, params.PowLimit)
		if err == nil {
			return dcrutil.NewBlock(msgBlock)
		}
	}
	t.Fatalf("unable to solve block %v", header.BlockHash())
	return nil
}

// TestCheckBlock ensures the context-free block checks accept well-formed
// blocks and reject blocks that violate each rule with the expected kind.
func TestCheckBlock(t *testing.T) {
	policy, params := newPolicy(t)
	genesis := &params.GenesisBlock.Header

	spendOut := wire.OutPoint{Hash: chainhash.Hash{0x01}}
	tests := []struct {
		name  string                // test description
		block func() *wire.MsgBlock // block to check
		solve bool                  // whether to solve the block
		want  error                 // expected error
	}{{
		name: "valid block with spend",
		block: func() *wire.MsgBlock {
			return newMsgBlock(genesis, newCoinbase("a", 100),
				newSpend(10, spendOut))
		},
		solve: true,
		want:  nil,
	}, {
		name: "no transactions",
		block: func() *wire.MsgBlock {
			return newMsgBlock(genesis)
		},
		solve: true,
		want:  blockchain.ErrNoTransactions,
	}, {
		name: "wrong size in header",
		block: func() *wire.MsgBlock {
			mb := newMsgBlock(genesis, newCoinbase("a", 100))
			mb.Header.Size++
			return mb
		},
		solve: true,
		want:  blockchain.ErrWrongBlockSize,
	}, {
		name: "first transaction not coinbase",
		block: func() *wire.MsgBlock {
			return newMsgBlock(genesis, newSpend(10, spendOut))
		},
		solve: true,
		want:  blockchain.ErrFirstTxNotCoinbase,
	}, {
		name: "multiple coinbases",
		block: func() *wire.MsgBlock {
			return newMsgBlock(genesis, newCoinbase("a", 100),
				newCoinbase("b", 100))
		},
		solve: true,
		want:  blockchain.ErrMultipleCoinbases,
	}, {
		name: "negative output value",
		block: func() *wire.MsgBlock {
			return newMsgBlock(genesis, newCoinbase("a", 100),
				newSpend(-1, spendOut))
		},
		solve: true,
		want:  blockchain.ErrBadTxOutValue,
	}, {
		name: "duplicate inputs",
		block: func() *wire.MsgBlock {
			return newMsgBlock(genesis, newCoinbase("a", 100),
				newSpend(10, spendOut, spendOut))
		},
		solve: true,
		want:  blockchain.ErrDuplicateTxInputs,
	}, {
		name: "bad merkle root",
		block: func() *wire.MsgBlock {
			mb := newMsgBlock(genesis, newCoinbase("a", 100))
			mb.Header.MerkleRoot = chainhash.Hash{0xff}
			return mb
		},
		solve: true,
		want:  blockchain.ErrBadMerkleRoot,
	}, {
		name: "duplicate transactions",
		block: func() *wire.MsgBlock {
			return newMsgBlock(genesis, newCoinbase("a", 100),
				newSpend(10, spendOut), newSpend(10, spendOut))
		},
		solve: true,
		want:  blockchain.ErrDuplicateTx,
	}, {
		name: "too many signature operations",
		block: func() *wire.MsgBlock {
			tx := newSpend(10, spendOut)
			tx.TxOut[0].PkScript = bytes.Repeat([]byte{txscript.OP_CHECKSIG},
				MaxSigOpsPerBlock+1)
			return newMsgBlock(genesis, newCoinbase("a", 100), tx)
		},
		solve: true,
		want:  blockchain.ErrTooManySigOps,
	}, {
		name: "hash above target",
		block: func() *wire.MsgBlock {
			mb := newMsgBlock(genesis, newCoinbase("a", 100))
			mb.Header.Bits = 0x1d00ffff
			return mb
		},
		solve: false,
		want:  blockchain.ErrHighHash,
	}, {
		name: "bits above proof of work limit",
		block: func() *wire.MsgBlock {
			mb := newMsgBlock(genesis, newCoinbase("a", 100))
			mb.Header.Bits = 0x217fffff
			return mb
		},
		solve: false,
		want:  blockchain.ErrUnexpectedDifficulty,
	}}

	for _, test := range tests {
		msgBlock := test.block()
		block := dcrutil.NewBlock(msgBlock)
		if test.solve {
			block = solveBlock(t, params, msgBlock)
		}
		err := policy.CheckBlock(block)
		if !errors.Is(err, test.want) {
			t.Fatalf("%q: unexpected error -- got %v, want %v\nblock: %v",
				test.name, err, test.want, spew.Sdump(msgBlock.Header))
		}
		if test.want != nil {
			var rErr blockchain.RuleError
			if !errors.As(err, &rErr) {
				t.Fatalf("%q: error is not a RuleError: %T", test.name, err)
			}
		}
	}
}

// TestAcceptBlock ensures the positional block checks enforce the height and
// timestamp rules.
func TestAcceptBlock(t *testing.T) {
	policy, params := newPolicy(t)
	genesis := &params.GenesisBlock.Header
	median := genesis.Timestamp
	now := time.Unix(median.Unix()+3600, 0)

	tests := []struct {
		name   string                      // test description
		mutate func(hdr *wire.BlockHeader) // header modification
		height int64                       // height of the block in its branch
		want   error                       // expected error
	}{{
		name:   "valid",
		mutate: func(hdr *wire.BlockHeader) {},
		height: 1,
		want:   nil,
	}, {
		name:   "header height disagrees with branch position",
		mutate: func(hdr *wire.BlockHeader) { hdr.Height = 2 },
		height: 1,
		want:   blockchain.ErrBadBlockHeight,
	}, {
		name:   "branch position disagrees with parent",
		mutate: func(hdr *wire.BlockHeader) { hdr.Height = 2 },
		height: 2,
		want:   blockchain.ErrBadBlockHeight,
	}, {
		name:   "timestamp equal to median time",
		mutate: func(hdr *wire.BlockHeader) { hdr.Timestamp = median },
		height: 1,
		want:   blockchain.ErrTimeTooOld,
	}, {
		name: "timestamp too far in the future",
		mutate: func(hdr *wire.BlockHeader) {
			hdr.Timestamp = now.Add(time.Second * (MaxTimeOffsetSeconds + 1))
		},
		height: 1,
		want:   blockchain.ErrTimeTooNew,
	}, {
		name: "timestamp at the future limit",
		mutate: func(hdr *wire.BlockHeader) {
			hdr.Timestamp = now.Add(time.Second * MaxTimeOffsetSeconds)
		},
		height: 1,
		want:   nil,
	}, {
		name:   "bits out of range",
		mutate: func(hdr *wire.BlockHeader) { hdr.Bits = 0x217fffff },
		height: 1,
		want:   blockchain.ErrUnexpectedDifficulty,
	}}

	for _, test := range tests {
		msgBlock := newMsgBlock(genesis, newCoinbase("a", 100))
		test.mutate(&msgBlock.Header)
		ctx := &blockchain.AcceptContext{
			Height:     test.height,
			Parent:     genesis,
			MedianTime: median,
			Now:        now,
		}
		err := policy.AcceptBlock(dcrutil.NewBlock(msgBlock), ctx)
		if !errors.Is(err, test.want) {
			t.Fatalf("%q: unexpected error -- got %v, want %v", test.name,
				err, test.want)
		}
	}
}

// TestConnectBlock ensures full transaction verification enforces coinbase
// maturity, value balance, the coinbase value and script execution.
func TestConnectBlock(t *testing.T) {
	policy, params := newPolicy(t)
	genesis := &params.GenesisBlock.Header
	maturity := int64(params.CoinbaseMaturity)

	regularOut := wire.OutPoint{Hash: chainhash.Hash{0x01}}
	coinbaseOut := wire.OutPoint{Hash: chainhash.Hash{0x02}}
	falseOut := wire.OutPoint{Hash: chainhash.Hash{0x03}}
	entries := map[wire.OutPoint]*blockchain.UtxoEntry{
		regularOut: {
			Amount:      1000,
			PkScript:    opTrueScript,
			BlockHeight: 5,
		},
		coinbaseOut: {
			Amount:      1000,
			PkScript:    opTrueScript,
			BlockHeight: 1,
			IsCoinBase:  true,
		},
		falseOut: {
			Amount:      1000,
			PkScript:    opFalseScript,
			BlockHeight: 5,
		},
	}

	height := 1 + maturity
	subsidy := policy.subsidyCache.CalcBlockSubsidy(height)
	tests := []struct {
		name   string        // test description
		height int64         // height of the block
		txns   []*wire.MsgTx // block transactions
		want   error         // expected error
	}{{
		name:   "valid spends with fees claimed",
		height: height,
		txns: []*wire.MsgTx{
			newCoinbase("a", subsidy+100),
			newSpend(950, regularOut),
			newSpend(950, coinbaseOut),
		},
		want: nil,
	}, {
		name:   "immature coinbase spend",
		height: height - 1,
		txns: []*wire.MsgTx{
			newCoinbase("a", 0),
			newSpend(950, coinbaseOut),
		},
		want: blockchain.ErrImmatureSpend,
	}, {
		name:   "spend exceeds inputs",
		height: height,
		txns: []*wire.MsgTx{
			newCoinbase("a", 0),
			newSpend(1001, regularOut),
		},
		want: blockchain.ErrSpendTooHigh,
	}, {
		name:   "coinbase pays more than subsidy and fees",
		height: height,
		txns: []*wire.MsgTx{
			newCoinbase("a", subsidy+51),
			newSpend(950, regularOut),
		},
		want: blockchain.ErrBadCoinbaseValue,
	}, {
		name:   "missing input",
		height: height,
		txns: []*wire.MsgTx{
			newCoinbase("a", 0),
			newSpend(10, wire.OutPoint{Hash: chainhash.Hash{0x04}}),
		},
		want: blockchain.ErrMissingTxOut,
	}, {
		name:   "script fails",
		height: height,
		txns: []*wire.MsgTx{
			newCoinbase("a", 0),
			newSpend(10, regularOut),
			newSpend(10, falseOut),
		},
		want: blockchain.ErrScriptValidation,
	}}

	for _, test := range tests {
		block := dcrutil.NewBlock(newMsgBlock(genesis, test.txns...))
		ctx := blockchain.NewConnectContext(test.height, entries)
		err := policy.ConnectBlock(block, ctx)
		if !errors.Is(err, test.want) {
			t.Fatalf("%q: unexpected error -- got %v, want %v", test.name,
				err, test.want)
		}
	}
}

// TestCountSigOps ensures signature operations in input scripts are only
// counted for transactions that are not coinbases.
func TestCountSigOps(t *testing.T) {
	checkSig := []byte{txscript.OP_CHECKSIG}
	tx := newSpend(10, wire.OutPoint{Hash: chainhash.Hash{0x01}})
	tx.TxIn[0].SignatureScript = []byte{txscript.OP_CHECKSIG,
		txscript.OP_CHECKSIG}
	tx.TxOut[0].PkScript = checkSig

	if got := CountSigOps(tx, false); got != 3 {
		t.Fatalf("unexpected sigops -- got %d, want 3", got)
	}
	if got := CountSigOps(tx, true); got != 1 {
		t.Fatalf("unexpected coinbase sigops -- got %d, want 1", got)
	}
}

// TestCheckTransactionSanity ensures the context-free transaction checks are
// reported with the equivalent organizer error kinds.
func TestCheckTransactionSanity(t *testing.T) {
	params := chaincfg.RegNetParams()
	prevOut := wire.OutPoint{Hash: chainhash.Hash{0x01}}

	noInputs := newSpend(10)
	noOutputs := newSpend(10, prevOut)
	noOutputs.TxOut = nil
	tooBig := newSpend(10, prevOut)
	tooBig.TxOut[0].PkScript = bytes.Repeat([]byte{txscript.OP_NOP},
		params.MaxTxSize)
	negative := newSpend(-1, prevOut)
	overflow := newSpend(dcrutil.MaxAmount, prevOut)
	overflow.AddTxOut(wire.NewTxOut(dcrutil.MaxAmount, opTrueScript))
	dupInputs := newSpend(10, prevOut, prevOut)

	tests := []struct {
		name string
		tx   *wire.MsgTx
		want error
	}{
		{"valid", newSpend(10, prevOut), nil},
		{"no inputs", noInputs, blockchain.ErrNoTxInputs},
		{"no outputs", noOutputs, blockchain.ErrNoTxOutputs},
		{"too big", tooBig, blockchain.ErrTxTooBig},
		{"negative output", negative, blockchain.ErrBadTxOutValue},
		{"output total overflow", overflow, blockchain.ErrBadTxOutValue},
		{"duplicate inputs", dupInputs, blockchain.ErrDuplicateTxInputs},
	}
	for _, test := range tests {
		err := CheckTransactionSanity(test.tx, params)
		if !errors.Is(err, test.want) || (test.want == nil && err != nil) {
			t.Fatalf("%q: unexpected error -- got %v, want %v", test.name,
				err, test.want)
		}
		var rErr blockchain.RuleError
		if test.want != nil && !errors.As(err, &rErr) {
			t.Fatalf("%q: error is not a rule error: %T", test.name, err)
		}
	}
}
