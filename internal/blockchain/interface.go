// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/math/uint256"
	"github.com/decred/dcrd/wire"
)

// BestState houses information about the current best block and other info
// related to the state of the main chain as it exists from the point of view of
// the chain store.
type BestState struct {
	Hash      chainhash.Hash  // The hash of the main chain tip.
	Height    int64           // The height of the main chain tip.
	Work      uint256.Uint256 // The total cumulative work of the main chain.
	Timestamp time.Time       // The timestamp of the main chain tip.
	NumTxns   uint64          // The total number of txns in the main chain.
}

// UtxoEntry houses details about an individual transaction output as seen by
// the chain store.  Entries that are spent by the main chain are retained with
// the height of the spending block so that the state of an output may be
// determined as of any earlier main chain height.
type UtxoEntry struct {
	Amount        int64
	PkScript      []byte
	ScriptVersion uint16
	BlockHeight   int64
	IsCoinBase    bool

	// SpentHeight is the height of the main chain block that spent the
	// output or zero when it is unspent.  The genesis block never spends
	// outputs, so zero is unambiguous.
	SpentHeight int64
}

// IsSpent returns whether or not the output has been spent by the main chain.
func (entry *UtxoEntry) IsSpent() bool {
	return entry.SpentHeight != 0
}

// IsAvailableAt returns whether or not the output existed and was unspent as of
// the main chain block at the provided height.
func (entry *UtxoEntry) IsAvailableAt(height int64) bool {
	if entry.BlockHeight > height {
		return false
	}
	return entry.SpentHeight == 0 || entry.SpentHeight > height
}

// ChainStore defines the interface the organizer requires from the persistent
// storage of the confirmed chain.
//
// All methods must be safe for concurrent access.  Commit is never called
// concurrently with itself.
type ChainStore interface {
	// BestState returns information about the current main chain tip.
	BestState() *BestState

	// MainChainHasBlock returns whether or not the block with the given
	// hash is in the main chain.
	MainChainHasBlock(hash *chainhash.Hash) bool

	// BlockByHash returns the main chain block with the given hash.  An
	// error with the kind ErrUnknownBlock is returned when the block is not
	// in the main chain.
	BlockByHash(hash *chainhash.Hash) (*dcrutil.Block, error)

	// BlockByHeight returns the main chain block at the given height.
	BlockByHeight(height int64) (*dcrutil.Block, error)

	// ChainWork returns the cumulative work of the main chain up to and
	// including the block with the given hash.
	ChainWork(hash *chainhash.Hash) (uint256.Uint256, error)

	// FetchUtxoEntry returns the entry for the given outpoint.  It returns
	// nil when the output has never been created by the main chain.
	FetchUtxoEntry(outpoint wire.OutPoint) (*UtxoEntry, error)

	// Commit atomically disconnects the outgoing blocks from the tip of the
	// main chain and connects the incoming blocks.  Both slices are ordered
	// oldest first and the first incoming block must extend the parent of
	// the first outgoing block, or the current tip when there are no
	// outgoing blocks.
	Commit(outgoing, incoming []*dcrutil.Block) error
}

// AcceptContext provides the positional context of a block within a branch to
// the accept stage of a ValidatePolicy.
type AcceptContext struct {
	// Height is the height the block occupies when the branch is connected.
	Height int64

	// Parent is the header of the block the block builds on.
	Parent *wire.BlockHeader

	// MedianTime is the median timestamp of the previous blocks up to and
	// including the parent.
	MedianTime time.Time

	// Now is the adjusted time at which the block is being accepted.
	Now time.Time
}

// ConnectContext provides the transaction outputs spent by a block, resolved
// against the main chain as of the branch fork point plus all outputs created
// earlier in the branch, to the connect stage of a ValidatePolicy.
type ConnectContext struct {
	// Height is the height the block occupies when the branch is connected.
	Height int64

	entries map[wire.OutPoint]*UtxoEntry
}

// LookupEntry returns the entry for an output spent by the block being
// connected or nil when the outpoint is not spent by the block.
func (c *ConnectContext) LookupEntry(outpoint wire.OutPoint) *UtxoEntry {
	return c.entries[outpoint]
}

// NewConnectContext returns a connect context for a block at the given height
// that spends the provided entries.
func NewConnectContext(height int64, entries map[wire.OutPoint]*UtxoEntry) *ConnectContext {
	return &ConnectContext{Height: height, entries: entries}
}

// ValidatePolicy defines the consensus rules the validation pipeline enforces.
// The pipeline itself enforces input existence and double spending within a
// branch, so implementations may assume every input passed to ConnectBlock is
// resolvable via the provided context.
//
// All methods must be safe for concurrent access.
type ValidatePolicy interface {
	// CheckBlock performs context-free checks on the block.
	CheckBlock(block *dcrutil.Block) error

	// AcceptBlock performs checks that depend on the position of the block
	// within its branch.
	AcceptBlock(block *dcrutil.Block, ctx *AcceptContext) error

	// ConnectBlock performs full transaction verification of the block.
	ConnectBlock(block *dcrutil.Block, ctx *ConnectContext) error
}

// TxReconciler defines the interface for the unconfirmed transaction state that
// must be brought in line with the main chain as part of every commit.
// Reconcile is invoked with the commit lock held.
type TxReconciler interface {
	Reconcile(event *ReorgEvent) error
}

// ReorgEvent describes a committed change to the main chain.
type ReorgEvent struct {
	// ForkHash and ForkHeight identify the last block common to the old and
	// new main chains.
	ForkHash   chainhash.Hash
	ForkHeight int64

	// Incoming are the newly connected blocks, oldest first.
	Incoming []*dcrutil.Block

	// Outgoing are the disconnected blocks, oldest first.  It is empty when
	// the commit only extends the main chain.
	Outgoing []*dcrutil.Block
}

// IsReorg returns whether or not the event disconnected any blocks.
func (e *ReorgEvent) IsReorg() bool {
	return len(e.Outgoing) > 0
}
