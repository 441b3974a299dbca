// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package consensus

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrorg/internal/blockchain"
)

const (
	// MaxSigOpsPerBlock is the maximum number of signature operations
	// allowed for a block.  This really should be based upon the max
	// allowed block size for a network and any votes that might change it,
	// however, since it was not updated to be based upon it before
	// release, it will require a hard fork and associated vote agenda to
	// change it.  The original max block size for the protocol was 1MiB,
	// so that is what this is based on.
	MaxSigOpsPerBlock = 1000000 / 200

	// MaxTimeOffsetSeconds is the maximum number of seconds a block time
	// is allowed to be ahead of the current time.  This is currently 2
	// hours.
	MaxTimeOffsetSeconds = 2 * 60 * 60

	// scriptFlags are the script verification flags enforced by consensus.
	scriptFlags = txscript.ScriptVerifyCleanStack |
		txscript.ScriptVerifyCheckLockTimeVerify |
		txscript.ScriptVerifyCheckSequenceVerify |
		txscript.ScriptVerifySHA256

	// defaultSigCacheSize is the number of entries the signature cache
	// holds when the caller does not provide one.
	defaultSigCacheSize = 100000
)

// ruleError creates a blockchain.RuleError given a set of arguments.
func ruleError(kind blockchain.ErrorKind, desc string) blockchain.RuleError {
	return blockchain.NewRuleError(kind, desc)
}

// Policy enforces the consensus rules for the network described by its chain
// parameters.  It implements the blockchain.ValidatePolicy interface and is
// safe for concurrent access.
type Policy struct {
	params       *chaincfg.Params
	subsidyCache *standalone.SubsidyCache
	sigCache     *txscript.SigCache
}

// Ensure Policy implements the blockchain.ValidatePolicy interface.
var _ blockchain.ValidatePolicy = (*Policy)(nil)

// NewPolicy returns a validation policy for the provided network.  A signature
// cache is created when sigCache is nil.
func NewPolicy(params *chaincfg.Params, sigCache *txscript.SigCache) (*Policy, error) {
	if sigCache == nil {
		var err error
		sigCache, err = txscript.NewSigCache(defaultSigCacheSize)
		if err != nil {
			return nil, err
		}
	}
	return &Policy{
		params:       params,
		subsidyCache: standalone.NewSubsidyCache(params),
		sigCache:     sigCache,
	}, nil
}

// standaloneToChainRuleError attempts to convert the passed error from a
// standalone.RuleError to a blockchain.RuleError with the equivalent error
// kind.  The error is simply passed through without modification if it is
// not a standalone.RuleError, not one of the specifically recognized
// error kinds, or nil.
func standaloneToChainRuleError(err error) error {
	// Convert standalone package rule errors to blockchain rule errors.
	switch {
	case errors.Is(err, standalone.ErrUnexpectedDifficulty):
		return ruleError(blockchain.ErrUnexpectedDifficulty, err.Error())
	case errors.Is(err, standalone.ErrHighHash):
		return ruleError(blockchain.ErrHighHash, err.Error())
	case errors.Is(err, standalone.ErrNoTxInputs):
		return ruleError(blockchain.ErrNoTxInputs, err.Error())
	case errors.Is(err, standalone.ErrNoTxOutputs):
		return ruleError(blockchain.ErrNoTxOutputs, err.Error())
	case errors.Is(err, standalone.ErrTxTooBig):
		return ruleError(blockchain.ErrTxTooBig, err.Error())
	case errors.Is(err, standalone.ErrBadTxOutValue):
		return ruleError(blockchain.ErrBadTxOutValue, err.Error())
	case errors.Is(err, standalone.ErrDuplicateTxInputs):
		return ruleError(blockchain.ErrDuplicateTxInputs, err.Error())
	}

	return err
}

// checkProofOfWork ensures the block header bits which indicate the target
// difficulty is in min/max range and that the block hash is less than the
// target difficulty as claimed.
func checkProofOfWork(header *wire.BlockHeader, params *chaincfg.Params) error {
	blockHash := header.BlockHash()
	err := standalone.CheckProofOfWork(&blockHash, header.Bits, params.PowLimit)
	return standaloneToChainRuleError(err)
}

// isCoinBase returns whether or not the transaction is a coinbase.
func isCoinBase(tx *wire.MsgTx) bool {
	return standalone.IsCoinBaseTx(tx, false)
}

// CheckTransactionSanity performs some preliminary checks on a transaction to
// ensure it is sane.  These checks are context free.
func CheckTransactionSanity(tx *wire.MsgTx, params *chaincfg.Params) error {
	err := standalone.CheckTransactionSanity(tx, uint64(params.MaxTxSize))
	return standaloneToChainRuleError(err)
}

// CountSigOps returns the number of signature operations for all transaction
// input and output scripts in the provided transaction.  This uses the
// quicker, but imprecise, signature operation counting mechanism from
// txscript.
func CountSigOps(msgTx *wire.MsgTx, isCoinBaseTx bool) int {
	totalSigOps := 0
	if !isCoinBaseTx {
		// Accumulate the number of signature operations in all
		// transaction inputs.
		for _, txIn := range msgTx.TxIn {
			totalSigOps += txscript.GetSigOpCount(txIn.SignatureScript, false)
		}
	}

	// Accumulate the number of signature operations in all transaction
	// outputs.
	for _, txOut := range msgTx.TxOut {
		totalSigOps += txscript.GetSigOpCount(txOut.PkScript, false)
	}

	return totalSigOps
}

// CheckBlock performs some preliminary checks on a block to ensure it is sane
// before continuing with block processing.  These checks are context free.
//
// This is part of the blockchain.ValidatePolicy interface.
func (p *Policy) CheckBlock(block *dcrutil.Block) error {
	msgBlock := block.MsgBlock()
	header := &msgBlock.Header

	// Ensure the proof of work bits are in range and the block hash is
	// less than the target value described by the bits.
	if err := checkProofOfWork(header, p.params); err != nil {
		return err
	}

	// A block timestamp must not have a greater precision than one second.
	// The wire encoding only carries seconds, so this catches blocks that
	// were constructed in memory.
	if !header.Timestamp.Equal(time.Unix(header.Timestamp.Unix(), 0)) {
		str := fmt.Sprintf("block timestamp of %v has a higher precision "+
			"than one second", header.Timestamp)
		return ruleError(blockchain.ErrInvalidTime, str)
	}

	// A block must have at least one regular transaction.
	numTx := len(msgBlock.Transactions)
	if numTx == 0 {
		return ruleError(blockchain.ErrNoTransactions, "block does not "+
			"contain any transactions")
	}

	// A block must not exceed the maximum allowed block payload when
	// serialized.
	serializedSize := msgBlock.SerializeSize()
	maxBlockSize := p.params.MaximumBlockSizes[0]
	if serializedSize > maxBlockSize {
		str := fmt.Sprintf("serialized block is too big - got %d, max %d",
			serializedSize, maxBlockSize)
		return ruleError(blockchain.ErrBlockTooBig, str)
	}
	if header.Size != uint32(serializedSize) {
		str := fmt.Sprintf("serialized block is not size indicated in "+
			"header - got %d, expected %d", header.Size, serializedSize)
		return ruleError(blockchain.ErrWrongBlockSize, str)
	}

	// The first transaction in a block must be a coinbase.
	transactions := msgBlock.Transactions
	if !isCoinBase(transactions[0]) {
		return ruleError(blockchain.ErrFirstTxNotCoinbase, "first "+
			"transaction in block is not a coinbase")
	}

	// A block must not have more than one coinbase.
	for i, tx := range transactions[1:] {
		if isCoinBase(tx) {
			str := fmt.Sprintf("block contains second coinbase at index %d",
				i+1)
			return ruleError(blockchain.ErrMultipleCoinbases, str)
		}
	}

	// Do some preliminary checks on each transaction to ensure they are
	// sane before continuing.
	for _, tx := range transactions {
		if err := CheckTransactionSanity(tx, p.params); err != nil {
			return err
		}
	}

	// Build merkle tree and ensure the calculated merkle root matches the
	// entry in the block header.
	wantMerkleRoot := standalone.CalcTxTreeMerkleRoot(transactions)
	if header.MerkleRoot != wantMerkleRoot {
		str := fmt.Sprintf("block merkle root is invalid - block header "+
			"indicates %v, but calculated value is %v", header.MerkleRoot,
			wantMerkleRoot)
		return ruleError(blockchain.ErrBadMerkleRoot, str)
	}

	// Check for duplicate transactions.
	existingTxHashes := make(map[chainhash.Hash]struct{}, numTx)
	for _, tx := range block.Transactions() {
		hash := tx.Hash()
		if _, exists := existingTxHashes[*hash]; exists {
			str := fmt.Sprintf("block contains duplicate transaction %v", hash)
			return ruleError(blockchain.ErrDuplicateTx, str)
		}
		existingTxHashes[*hash] = struct{}{}
	}

	// The number of signature operations must be less than the maximum
	// allowed per block.
	totalSigOps := 0
	for i, tx := range transactions {
		// We could potentially overflow the accumulator so check for
		// overflow.
		lastSigOps := totalSigOps
		totalSigOps += CountSigOps(tx, i == 0)
		if totalSigOps < lastSigOps || totalSigOps > MaxSigOpsPerBlock {
			str := fmt.Sprintf("block contains too many signature "+
				"operations - got %v, max %v", totalSigOps,
				MaxSigOpsPerBlock)
			return ruleError(blockchain.ErrTooManySigOps, str)
		}
	}

	return nil
}

// AcceptBlock performs the checks that depend on the position of the block
// within its branch.
//
// This is part of the blockchain.ValidatePolicy interface.
func (p *Policy) AcceptBlock(block *dcrutil.Block, ctx *blockchain.AcceptContext) error {
	header := &block.MsgBlock().Header

	// The height claimed by the header must be one more than its parent.
	if int64(header.Height) != ctx.Height ||
		int64(ctx.Parent.Height)+1 != ctx.Height {

		str := fmt.Sprintf("block header height of %d does not match the "+
			"expected height of %d", header.Height, ctx.Height)
		return ruleError(blockchain.ErrBadBlockHeight, str)
	}

	// The difficulty bits must be within the range allowed by the network.
	err := standalone.CheckProofOfWorkRange(header.Bits, p.params.PowLimit)
	if err != nil {
		return standaloneToChainRuleError(err)
	}

	// Ensure the timestamp for the block header is after the median time of
	// the last several blocks (medianTimeBlocks).
	if !header.Timestamp.After(ctx.MedianTime) {
		str := fmt.Sprintf("block timestamp of %v is not after expected %v",
			header.Timestamp, ctx.MedianTime)
		return ruleError(blockchain.ErrTimeTooOld, str)
	}

	// Ensure the block time is not too far in the future.
	maxTimestamp := ctx.Now.Add(time.Second * MaxTimeOffsetSeconds)
	if header.Timestamp.After(maxTimestamp) {
		str := fmt.Sprintf("block timestamp of %v is too far in the future",
			header.Timestamp)
		return ruleError(blockchain.ErrTimeTooNew, str)
	}

	return nil
}

// checkTransactionInputs performs a series of checks on the inputs to a
// transaction to ensure they are valid and returns the fee paid by the
// transaction.
func (p *Policy) checkTransactionInputs(tx *dcrutil.Tx, ctx *blockchain.ConnectContext) (int64, error) {
	msgTx := tx.MsgTx()
	txHash := tx.Hash()
	coinbaseMaturity := int64(p.params.CoinbaseMaturity)

	var totalAtomIn int64
	for txInIndex, txIn := range msgTx.TxIn {
		prevOut := &txIn.PreviousOutPoint
		entry := ctx.LookupEntry(*prevOut)
		if entry == nil {
			str := fmt.Sprintf("output %v referenced from transaction "+
				"%s:%d either does not exist or has already been spent",
				prevOut, txHash, txInIndex)
			return 0, ruleError(blockchain.ErrMissingTxOut, str)
		}

		// Ensure the transaction is not spending coins which have not
		// yet reached the required coinbase maturity.
		if entry.IsCoinBase {
			blocksSincePrev := ctx.Height - entry.BlockHeight
			if blocksSincePrev < coinbaseMaturity {
				str := fmt.Sprintf("tried to spend coinbase transaction "+
					"output %v from height %v at height %v before "+
					"required maturity of %v blocks", prevOut,
					entry.BlockHeight, ctx.Height, coinbaseMaturity)
				return 0, ruleError(blockchain.ErrImmatureSpend, str)
			}
		}

		// Ensure the transaction amounts are in range.  The total of all
		// outputs must not be more than the max allowed per transaction.
		originTxAtom := entry.Amount
		if originTxAtom < 0 || originTxAtom > dcrutil.MaxAmount {
			str := fmt.Sprintf("transaction output value of %v is out of "+
				"range", originTxAtom)
			return 0, ruleError(blockchain.ErrBadTxOutValue, str)
		}
		lastAtomIn := totalAtomIn
		totalAtomIn += originTxAtom
		if totalAtomIn < lastAtomIn || totalAtomIn > dcrutil.MaxAmount {
			str := fmt.Sprintf("total value of all transaction inputs is "+
				"%v which is higher than max allowed value of %v",
				totalAtomIn, dcrutil.MaxAmount)
			return 0, ruleError(blockchain.ErrBadTxOutValue, str)
		}
	}

	// Calculate the total output amount for this transaction.  It is safe
	// to ignore overflow and out of range errors here because those error
	// conditions would have already been caught by checkTransactionSanity.
	var totalAtomOut int64
	for _, txOut := range msgTx.TxOut {
		totalAtomOut += txOut.Value
	}

	// Ensure the transaction does not spend more than its inputs.
	if totalAtomIn < totalAtomOut {
		str := fmt.Sprintf("total value of all transaction inputs for "+
			"transaction %v is %v which is less than the amount spent of "+
			"%v", txHash, totalAtomIn, totalAtomOut)
		return 0, ruleError(blockchain.ErrSpendTooHigh, str)
	}

	return totalAtomIn - totalAtomOut, nil
}

// ConnectBlock performs full verification of the transactions in the block.
//
// This is part of the blockchain.ValidatePolicy interface.
func (p *Policy) ConnectBlock(block *dcrutil.Block, ctx *blockchain.ConnectContext) error {
	transactions := block.Transactions()

	var totalFees int64
	for _, tx := range transactions[1:] {
		txFee, err := p.checkTransactionInputs(tx, ctx)
		if err != nil {
			return err
		}

		// Sum the total fees and ensure we don't overflow the
		// accumulator.
		lastTotalFees := totalFees
		totalFees += txFee
		if totalFees < lastTotalFees {
			return ruleError(blockchain.ErrBadTxOutValue, "total fees for "+
				"block overflows accumulator")
		}
	}

	// The total output values of the coinbase transaction must not exceed
	// the expected subsidy value plus total transaction fees gained from
	// mining the block.
	var totalAtomOutRegular int64
	for _, txOut := range transactions[0].MsgTx().TxOut {
		totalAtomOutRegular += txOut.Value
	}
	subsidy := p.subsidyCache.CalcBlockSubsidy(ctx.Height)
	if expected := subsidy + totalFees; totalAtomOutRegular > expected {
		str := fmt.Sprintf("coinbase transaction for block %v pays %v which "+
			"is more than expected value of %v", block.Hash(),
			totalAtomOutRegular, expected)
		return ruleError(blockchain.ErrBadCoinbaseValue, str)
	}

	// Run the scripts for every input in the block.
	err := checkBlockScripts(block, connectScripts{ctx}, scriptFlags,
		p.sigCache)
	if err != nil {
		log.Tracef("Script validation of block %v failed: %v", block.Hash(),
			err)
		return err
	}
	return nil
}

// connectScripts provides the previous output scripts resolved by the
// validation pipeline to the script validator.
type connectScripts struct {
	ctx *blockchain.ConnectContext
}

// PrevScript returns the script and version for the provided outpoint.
func (c connectScripts) PrevScript(prevOut *wire.OutPoint) (uint16, []byte, bool) {
	entry := c.ctx.LookupEntry(*prevOut)
	if entry == nil {
		return 0, nil, false
	}
	return entry.ScriptVersion, entry.PkScript, true
}

// isNullOutpointIndex returns whether the input is the null input of a
// coinbase.
func isNullOutpointIndex(txIn *wire.TxIn) bool {
	return txIn.PreviousOutPoint.Index == math.MaxUint32
}
