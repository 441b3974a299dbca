// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"

	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/math/uint256"
	"github.com/decred/dcrd/wire"
)

// CalcWork returns the work value represented by the difficulty bits of a
// header as an unsigned 256-bit integer.
func CalcWork(bits uint32) uint256.Uint256 {
	return *new(uint256.Uint256).SetBig(standalone.CalcWork(bits))
}

// Branch is a candidate chain segment made of pending blocks ordered oldest
// first.  The first block builds on the fork point, which is a block in the
// main chain at the time the branch was built.
//
// Branches are built fresh for every organize attempt and are never mutated
// once built.
type Branch struct {
	forkHash   chainhash.Hash
	forkHeight int64
	blocks     []*dcrutil.Block
	validated  []bool
	work       uint256.Uint256
}

// newBranch returns a branch for the provided blocks which must be ordered
// oldest first and each build on the previous one.  The validated flags,
// when provided, must be the same length as the blocks.
func newBranch(forkHash *chainhash.Hash, forkHeight int64, blocks []*dcrutil.Block, validated []bool) (*Branch, error) {
	if len(blocks) == 0 {
		return nil, AssertError("newBranch called with no blocks")
	}
	if validated == nil {
		validated = make([]bool, len(blocks))
	}
	if len(validated) != len(blocks) {
		str := fmt.Sprintf("newBranch called with %d validated flags for "+
			"%d blocks", len(validated), len(blocks))
		return nil, AssertError(str)
	}

	var work uint256.Uint256
	prevHash := forkHash
	for i, block := range blocks {
		header := &block.MsgBlock().Header
		if header.PrevBlock != *prevHash {
			str := fmt.Sprintf("branch block %s at index %d does not build "+
				"on %s", block.Hash(), i, prevHash)
			return nil, AssertError(str)
		}
		blockWork := CalcWork(header.Bits)
		work.Add(&blockWork)
		prevHash = block.Hash()
	}

	return &Branch{
		forkHash:   *forkHash,
		forkHeight: forkHeight,
		blocks:     blocks,
		validated:  validated,
		work:       work,
	}, nil
}

// ForkHash returns the hash of the main chain block the branch builds on.
func (b *Branch) ForkHash() *chainhash.Hash {
	return &b.forkHash
}

// ForkHeight returns the height of the main chain block the branch builds on.
func (b *Branch) ForkHeight() int64 {
	return b.forkHeight
}

// Blocks returns the blocks of the branch ordered oldest first.  The returned
// slice must not be modified.
func (b *Branch) Blocks() []*dcrutil.Block {
	return b.blocks
}

// Len returns the number of blocks in the branch.
func (b *Branch) Len() int {
	return len(b.blocks)
}

// Height returns the height of the newest block in the branch.
func (b *Branch) Height() int64 {
	return b.forkHeight + int64(len(b.blocks))
}

// Tip returns the newest block in the branch.
func (b *Branch) Tip() *dcrutil.Block {
	return b.blocks[len(b.blocks)-1]
}

// Work returns the cumulative work of all blocks in the branch.
func (b *Branch) Work() uint256.Uint256 {
	return b.work
}

// Hashes returns the hashes of all blocks in the branch ordered oldest first.
func (b *Branch) Hashes() []chainhash.Hash {
	hashes := make([]chainhash.Hash, 0, len(b.blocks))
	for _, block := range b.blocks {
		hashes = append(hashes, *block.Hash())
	}
	return hashes
}

// blockHeight returns the height the block at the provided index occupies
// when the branch is connected.
func (b *Branch) blockHeight(index int) int64 {
	return b.forkHeight + int64(index) + 1
}

// parentHeader returns the header of the parent of the block at the provided
// index when that parent is part of the branch.  It returns nil for the first
// block since its parent is the fork point.
func (b *Branch) parentHeader(index int) *wire.BlockHeader {
	if index == 0 {
		return nil
	}
	return &b.blocks[index-1].MsgBlock().Header
}

// String returns a short human-readable description of the branch.
func (b *Branch) String() string {
	return fmt.Sprintf("branch %s (height %d, %d %s after fork %s at "+
		"height %d)", b.Tip().Hash(), b.Height(), len(b.blocks),
		pickNoun(len(b.blocks), "block", "blocks"), &b.forkHash,
		b.forkHeight)
}
