// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/container/lru"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/wire"
)

const (
	// medianTimeBlocks is the number of previous blocks which should be
	// used to calculate the median time used to validate block timestamps.
	medianTimeBlocks = 11

	// checkedBlocksCacheSize is the number of block hashes that passed the
	// context-free checks to remember so they are not checked again.
	checkedBlocksCacheSize = 1024
)

// BlockStatus identifies the validation state of a block within a branch.
type BlockStatus uint8

// These constants define the possible validation states.
const (
	StatusPending BlockStatus = iota
	StatusValid
	StatusInvalid
)

// String returns the status as a human-readable name.
func (s BlockStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	}
	return fmt.Sprintf("unknown status (%d)", uint8(s))
}

// ValidationResult tags a block of a branch with its validation state.  Err is
// only set for invalid blocks.
type ValidationResult struct {
	Hash   chainhash.Hash
	Status BlockStatus
	Err    error
}

// pipeline runs the check, accept, and connect stages for branches against
// the chain store.  The stages only read from the chain store, so branches may
// be validated concurrently.
type pipeline struct {
	store      ChainStore
	policy     ValidatePolicy
	checked    *lru.Set[chainhash.Hash]
	maxWorkers int
	timeSource func() time.Time
}

// newPipeline returns a validation pipeline for the provided store and policy.
func newPipeline(store ChainStore, policy ValidatePolicy, maxWorkers int, timeSource func() time.Time) *pipeline {
	return &pipeline{
		store:      store,
		policy:     policy,
		checked:    lru.NewSet[chainhash.Hash](checkedBlocksCacheSize),
		maxWorkers: maxWorkers,
		timeSource: timeSource,
	}
}

// checkBlock runs the context-free checks against a newly received block.  The
// checked cache is keyed by the header hash, which does not commit to a
// malformed body, so it is never consulted for blocks that have not been
// checked with their current body.
func (p *pipeline) checkBlock(block *dcrutil.Block) error {
	checker := blockChecker{policy: p.policy}
	if err := checker.checkBlock(block); err != nil {
		return err
	}
	p.checked.Put(*block.Hash())
	return nil
}

// checkBlocks runs the context-free checks against every provided block that
// has not already passed them.  The blocks must come from the pool, which only
// holds blocks that were checked on admission.
func (p *pipeline) checkBlocks(blocks []*dcrutil.Block) error {
	var unchecked []*dcrutil.Block
	for _, block := range blocks {
		if p.checked.Contains(*block.Hash()) {
			continue
		}
		unchecked = append(unchecked, block)
	}
	checker := blockChecker{policy: p.policy, maxWorkers: p.maxWorkers}
	if err := checker.checkAll(unchecked); err != nil {
		return err
	}
	for _, block := range unchecked {
		p.checked.Put(*block.Hash())
	}
	return nil
}

// validateBranch runs all stages of the pipeline for the branch in order,
// stopping at the first failure.  Blocks that already passed the full pipeline
// skip the accept and connect rules, but still contribute their outputs to the
// view used for later blocks.
//
// The returned results are always populated for every block of the branch.  A
// ValidationError is returned when a block breaks a rule, while other errors
// indicate the branch could not be validated.
func (p *pipeline) validateBranch(branch *Branch) ([]ValidationResult, error) {
	results := make([]ValidationResult, len(branch.blocks))
	for i, block := range branch.blocks {
		results[i].Hash = *block.Hash()
		if branch.validated[i] {
			results[i].Status = StatusValid
		}
	}
	fail := func(err error) ([]ValidationResult, error) {
		var vErr ValidationError
		if errors.As(err, &vErr) {
			for i := range results {
				if results[i].Hash == vErr.Hash {
					results[i].Status = StatusInvalid
					results[i].Err = vErr.Err
					break
				}
			}
		}
		return results, err
	}

	// Stage 1: context-free checks for blocks that have not already been
	// checked.  They are independent of each other and run in parallel.
	var unchecked []*dcrutil.Block
	for i, block := range branch.blocks {
		if !branch.validated[i] {
			unchecked = append(unchecked, block)
		}
	}
	if err := p.checkBlocks(unchecked); err != nil {
		return fail(err)
	}

	// Load the headers of the main chain blocks leading up to and including
	// the fork point for the positional checks.
	forkHeaders, err := p.forkHeaders(branch)
	if err != nil {
		return fail(err)
	}

	// Stage 2: positional checks in branch order.
	now := p.timeSource()
	for i, block := range branch.blocks {
		if branch.validated[i] {
			continue
		}
		parent := branch.parentHeader(i)
		if parent == nil {
			parent = forkHeaders[0]
		}
		ctx := &AcceptContext{
			Height:     branch.blockHeight(i),
			Parent:     parent,
			MedianTime: medianTime(branch, i, forkHeaders),
			Now:        now,
		}
		if err := p.policy.AcceptBlock(block, ctx); err != nil {
			return fail(ValidationError{
				Stage: StageAccept,
				Hash:  *block.Hash(),
				Err:   err,
			})
		}
		log.Tracef("Accepted block %s (height %d)", block.Hash(), ctx.Height)
	}

	// Stage 3: full transaction verification in branch order against a
	// view of the main chain as of the fork point.
	view := newBranchView(p.store, branch.forkHeight)
	for i, block := range branch.blocks {
		height := branch.blockHeight(i)
		entries, err := view.connectBlock(block, height)
		if err != nil {
			return fail(err)
		}
		if !branch.validated[i] {
			ctx := NewConnectContext(height, entries)
			if err := p.policy.ConnectBlock(block, ctx); err != nil {
				return fail(ValidationError{
					Stage: StageConnect,
					Hash:  *block.Hash(),
					Err:   err,
				})
			}
		}
		results[i].Status = StatusValid
		log.Tracef("Connected block %s (height %d)", block.Hash(), height)
	}

	return results, nil
}

// forkHeaders returns the headers of up to medianTimeBlocks main chain blocks
// ending with the fork point of the branch, newest first.
func (p *pipeline) forkHeaders(branch *Branch) ([]*wire.BlockHeader, error) {
	forkBlock, err := p.store.BlockByHash(&branch.forkHash)
	if err != nil {
		if errors.Is(err, ErrUnknownBlock) {
			str := fmt.Sprintf("fork point %s of %s is no longer in the "+
				"main chain", &branch.forkHash, branch)
			return nil, contextError(ErrStaleBranch, str)
		}
		return nil, storeError("load fork block", err)
	}

	headers := make([]*wire.BlockHeader, 0, medianTimeBlocks)
	headers = append(headers, &forkBlock.MsgBlock().Header)
	for height := branch.forkHeight - 1; height >= 0 &&
		len(headers) < medianTimeBlocks; height-- {

		block, err := p.store.BlockByHeight(height)
		if err != nil {
			return nil, storeError("load block", err)
		}
		headers = append(headers, &block.MsgBlock().Header)
	}
	return headers, nil
}

// medianTime returns the median timestamp of the medianTimeBlocks blocks prior
// to the block at the provided index of the branch.
func medianTime(branch *Branch, index int, forkHeaders []*wire.BlockHeader) time.Time {
	timestamps := make([]int64, 0, medianTimeBlocks)
	for i := index - 1; i >= 0 && len(timestamps) < medianTimeBlocks; i-- {
		ts := branch.blocks[i].MsgBlock().Header.Timestamp
		timestamps = append(timestamps, ts.Unix())
	}
	for _, header := range forkHeaders {
		if len(timestamps) == medianTimeBlocks {
			break
		}
		timestamps = append(timestamps, header.Timestamp.Unix())
	}

	sort.Slice(timestamps, func(i, j int) bool {
		return timestamps[i] < timestamps[j]
	})
	return time.Unix(timestamps[len(timestamps)/2], 0)
}

// branchView provides a view of the transaction outputs available to a branch.
// It consists of the outputs of the main chain as of the fork point along with
// the outputs created and spent by the branch blocks connected so far.
type branchView struct {
	store      ChainStore
	forkHeight int64
	created    map[wire.OutPoint]*UtxoEntry
	spent      map[wire.OutPoint]struct{}
}

// newBranchView returns an empty view as of the provided fork height.
func newBranchView(store ChainStore, forkHeight int64) *branchView {
	return &branchView{
		store:      store,
		forkHeight: forkHeight,
		created:    make(map[wire.OutPoint]*UtxoEntry),
		spent:      make(map[wire.OutPoint]struct{}),
	}
}

// lookupEntry returns the entry for the outpoint as of the current state of
// the view.
func (v *branchView) lookupEntry(outpoint wire.OutPoint) (*UtxoEntry, error) {
	if _, ok := v.spent[outpoint]; ok {
		str := fmt.Sprintf("output %v has already been spent by an earlier "+
			"block in the branch", outpoint)
		return nil, ruleError(ErrDoubleSpend, str)
	}
	if entry, ok := v.created[outpoint]; ok {
		return entry, nil
	}

	entry, err := v.store.FetchUtxoEntry(outpoint)
	if err != nil {
		return nil, storeError("fetch utxo entry", err)
	}
	if entry == nil || entry.BlockHeight > v.forkHeight {
		str := fmt.Sprintf("output %v does not exist as of fork height %d",
			outpoint, v.forkHeight)
		return nil, ruleError(ErrMissingTxOut, str)
	}
	if !entry.IsAvailableAt(v.forkHeight) {
		str := fmt.Sprintf("output %v was spent by the main chain at height "+
			"%d", outpoint, entry.SpentHeight)
		return nil, ruleError(ErrDoubleSpend, str)
	}
	return entry, nil
}

// connectBlock resolves every output spent by the block, marks them spent, and
// adds the outputs the block creates.  It returns the resolved entries.
func (v *branchView) connectBlock(block *dcrutil.Block, height int64) (map[wire.OutPoint]*UtxoEntry, error) {
	entries := make(map[wire.OutPoint]*UtxoEntry)
	for txIdx, tx := range block.Transactions() {
		msgTx := tx.MsgTx()
		isCoinBase := txIdx == 0 && standalone.IsCoinBaseTx(msgTx, false)
		if !isCoinBase {
			for txInIdx, txIn := range msgTx.TxIn {
				outpoint := txIn.PreviousOutPoint
				entry, err := v.lookupEntry(outpoint)
				if err != nil {
					var rErr RuleError
					if errors.As(err, &rErr) {
						rErr.Description = fmt.Sprintf("%s: input %s:%d",
							rErr.Description, tx.Hash(), txInIdx)
						err = ValidationError{
							Stage: StageConnect,
							Hash:  *block.Hash(),
							Err:   rErr,
						}
					}
					return nil, err
				}
				entries[outpoint] = entry
				v.spent[outpoint] = struct{}{}
			}
		}

		txHash := tx.Hash()
		for txOutIdx, txOut := range msgTx.TxOut {
			outpoint := wire.OutPoint{
				Hash:  *txHash,
				Index: uint32(txOutIdx),
				Tree:  wire.TxTreeRegular,
			}
			v.created[outpoint] = &UtxoEntry{
				Amount:        txOut.Value,
				PkScript:      txOut.PkScript,
				ScriptVersion: txOut.Version,
				BlockHeight:   height,
				IsCoinBase:    isCoinBase,
			}
		}
	}
	return entries, nil
}
