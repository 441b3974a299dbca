// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v4"
)

const (
	// DefaultMaxPoolBlocks is the default maximum number of blocks that
	// may be pending in the pool at once.
	DefaultMaxPoolBlocks = 5000

	// DefaultMaxPoolDepth is the default number of blocks below the main
	// chain tip a pending block may be before it is pruned.
	DefaultMaxPoolDepth = 288

	// DefaultMaxOrphanBlocks is the default maximum number of orphan blocks
	// that are retained while waiting on their parents.
	DefaultMaxOrphanBlocks = 500

	// orphanExpiration is the duration an orphan block is retained for
	// before it is expired.
	orphanExpiration = time.Hour
)

// poolChain defines the subset of the chain store the pool needs in order to
// resolve the parents of pending blocks.
type poolChain interface {
	MainChainHasBlock(hash *chainhash.Hash) bool
	BlockByHash(hash *chainhash.Hash) (*dcrutil.Block, error)
}

// poolEntry houses a pending block along with details needed to build
// branches from it.
type poolEntry struct {
	block     *dcrutil.Block
	hash      chainhash.Hash
	parent    chainhash.Hash
	height    int64
	seq       uint64
	validated bool
}

// orphanBlock houses a block whose parent was not known when it was received.
type orphanBlock struct {
	block      *dcrutil.Block
	expiration time.Time
}

// PoolConfig houses the limits used to create a block pool.
type PoolConfig struct {
	// MaxBlocks is the maximum number of pending blocks.
	MaxBlocks int

	// MaxDepth is the number of blocks below the main chain tip a pending
	// block may be before it is pruned.
	MaxDepth int64

	// MaxOrphans is the maximum number of orphan blocks retained.
	MaxOrphans int
}

// BlockPool houses blocks that have been received but are not yet part of the
// main chain.  Every pending block builds on either another pending block or a
// block in the main chain.  Blocks whose parent is unknown are rejected from the
// pool proper, but they are retained in a separate bounded orphan index keyed
// by their parent so they are not requested again and may be resubmitted once
// the parent is known.
//
// The pool is safe for concurrent access and is guarded by its own lock rather
// than the organizer commit lock.
type BlockPool struct {
	chain poolChain
	cfg   PoolConfig
	now   func() time.Time

	mtx         sync.Mutex
	entries     map[chainhash.Hash]*poolEntry
	children    map[chainhash.Hash][]*poolEntry
	orphans     map[chainhash.Hash]*orphanBlock
	prevOrphans map[chainhash.Hash][]*orphanBlock
	nextSeq     uint64
}

// NewBlockPool returns a new empty block pool that resolves parents against the
// provided chain.
func NewBlockPool(chain poolChain, cfg PoolConfig) *BlockPool {
	if cfg.MaxBlocks <= 0 {
		cfg.MaxBlocks = DefaultMaxPoolBlocks
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxPoolDepth
	}
	if cfg.MaxOrphans <= 0 {
		cfg.MaxOrphans = DefaultMaxOrphanBlocks
	}
	return &BlockPool{
		chain:       chain,
		cfg:         cfg,
		now:         time.Now,
		entries:     make(map[chainhash.Hash]*poolEntry),
		children:    make(map[chainhash.Hash][]*poolEntry),
		orphans:     make(map[chainhash.Hash]*orphanBlock),
		prevOrphans: make(map[chainhash.Hash][]*orphanBlock),
	}
}

// Add inserts the block into the pool.
//
// An error with the kind ErrDuplicateBlock is returned when the block is
// already pending, ErrMissingParent when its parent is neither pending nor in
// the main chain, and ErrPoolFull when the pool is at capacity and no other
// entry may be evicted.  Blocks rejected with ErrMissingParent are retained in
// the orphan index.
func (p *BlockPool) Add(block *dcrutil.Block) error {
	p.mtx.Lock()
	err := p.addLocked(block, false)
	p.mtx.Unlock()
	return err
}

// addValidated inserts the provided blocks, which must be ordered oldest first,
// and marks them as having passed the full validation pipeline.  It is used to
// return blocks disconnected from the main chain to the pool.
func (p *BlockPool) addValidated(blocks []*dcrutil.Block) {
	p.mtx.Lock()
	for _, block := range blocks {
		if err := p.addLocked(block, true); err != nil {
			log.Debugf("Unable to return disconnected block %s to the "+
				"pool: %v", block.Hash(), err)
		}
	}
	p.mtx.Unlock()
}

// addLocked inserts the block into the pool.  See Add for details.
//
// This function MUST be called with the pool lock held (for writes).
func (p *BlockPool) addLocked(block *dcrutil.Block, validated bool) error {
	hash := block.Hash()
	if _, ok := p.entries[*hash]; ok {
		str := fmt.Sprintf("already have block %s", hash)
		return ruleError(ErrDuplicateBlock, str)
	}

	// Determine the height of the block from its parent, which must either
	// be pending or in the main chain.
	parentHash := &block.MsgBlock().Header.PrevBlock
	var height int64
	if parent, ok := p.entries[*parentHash]; ok {
		height = parent.height + 1
	} else {
		parentHeight, err := p.mainChainHeight(parentHash)
		if errors.Is(err, ErrUnknownBlock) {
			p.addOrphanLocked(block)
			str := fmt.Sprintf("previous block %s is not known", parentHash)
			return ruleError(ErrMissingParent, str)
		}
		if err != nil {
			return err
		}
		height = parentHeight + 1
	}

	if len(p.entries) >= p.cfg.MaxBlocks && !p.evictLocked(parentHash) {
		str := fmt.Sprintf("unable to add block %s: pool is full with %d "+
			"blocks", hash, len(p.entries))
		return ruleError(ErrPoolFull, str)
	}

	entry := &poolEntry{
		block:     block,
		hash:      *hash,
		parent:    *parentHash,
		height:    height,
		seq:       p.nextSeq,
		validated: validated,
	}
	p.nextSeq++
	p.entries[*hash] = entry
	p.children[*parentHash] = append(p.children[*parentHash], entry)
	p.removeOrphanLocked(hash)

	log.Debugf("Added block %s (height %d) to the pool (%d pending)", hash,
		height, len(p.entries))
	return nil
}

// mainChainHeight returns the height of the main chain block with the given
// hash.  An error with the kind ErrUnknownBlock is returned when the block is
// not in the main chain.
func (p *BlockPool) mainChainHeight(hash *chainhash.Hash) (int64, error) {
	if !p.chain.MainChainHasBlock(hash) {
		return 0, unknownBlockError(hash)
	}
	block, err := p.chain.BlockByHash(hash)
	if err != nil {
		if errors.Is(err, ErrUnknownBlock) {
			return 0, err
		}
		return 0, storeError("load block", err)
	}
	return block.Height(), nil
}

// evictLocked removes the pending leaf at the lowest height, favoring the
// earliest inserted one on ties, to make room for a new block that builds on
// the provided parent.  Ancestors of the new block are never evicted.  It
// returns false when there is no entry that may be evicted.
//
// This function MUST be called with the pool lock held (for writes).
func (p *BlockPool) evictLocked(parentHash *chainhash.Hash) bool {
	ancestors := make(map[chainhash.Hash]struct{})
	for entry, ok := p.entries[*parentHash]; ok; entry, ok = p.entries[entry.parent] {
		ancestors[entry.hash] = struct{}{}
	}

	var victim *poolEntry
	for hash, entry := range p.entries {
		if len(p.children[hash]) != 0 {
			continue
		}
		if _, ok := ancestors[hash]; ok {
			continue
		}
		if victim == nil || entry.height < victim.height ||
			(entry.height == victim.height && entry.seq < victim.seq) {

			victim = entry
		}
	}
	if victim == nil {
		return false
	}

	log.Warnf("Evicting pending block %s (height %d) from the full pool",
		victim.hash, victim.height)
	p.removeLocked(victim)
	return true
}

// removeLocked removes the entry from the pool and the parent index.
//
// This function MUST be called with the pool lock held (for writes).
func (p *BlockPool) removeLocked(entry *poolEntry) {
	delete(p.entries, entry.hash)
	siblings := p.children[entry.parent]
	for i, sibling := range siblings {
		if sibling != entry {
			continue
		}
		copy(siblings[i:], siblings[i+1:])
		siblings[len(siblings)-1] = nil
		siblings = siblings[:len(siblings)-1]
		break
	}
	if len(siblings) == 0 {
		delete(p.children, entry.parent)
		return
	}
	p.children[entry.parent] = siblings
}

// Remove removes the block with the given hash from the pool.  It returns
// whether or not the block was pending.  Descendants of the block are not
// removed.
func (p *BlockPool) Remove(hash *chainhash.Hash) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	entry, ok := p.entries[*hash]
	if !ok {
		return false
	}
	p.removeLocked(entry)
	return true
}

// RemoveBranch removes every block of the branch that is still pending.
func (p *BlockPool) RemoveBranch(branch *Branch) {
	p.mtx.Lock()
	for _, block := range branch.blocks {
		if entry, ok := p.entries[*block.Hash()]; ok {
			p.removeLocked(entry)
		}
	}
	p.mtx.Unlock()
}

// descendantsLocked returns every pending block whose ancestry includes the
// block with the given hash in breadth first order.  The block itself is not
// included.
//
// This function MUST be called with the pool lock held (for reads).
func (p *BlockPool) descendantsLocked(hash *chainhash.Hash) []*poolEntry {
	var descendants []*poolEntry
	queue := append([]*poolEntry(nil), p.children[*hash]...)
	for len(queue) > 0 {
		entry := queue[0]
		queue = queue[1:]
		descendants = append(descendants, entry)
		queue = append(queue, p.children[entry.hash]...)
	}
	return descendants
}

// InvalidateDescendants removes every pending block whose ancestry includes the
// block with the given hash and returns their hashes.  The block itself is not
// removed.
func (p *BlockPool) InvalidateDescendants(hash *chainhash.Hash) []chainhash.Hash {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	descendants := p.descendantsLocked(hash)
	removed := make([]chainhash.Hash, 0, len(descendants))
	for _, entry := range descendants {
		p.removeLocked(entry)
		removed = append(removed, entry.hash)
	}
	return removed
}

// Filter returns the subset of the provided hashes that are not pending, not
// retained as orphans, and not in the main chain.
func (p *BlockPool) Filter(hashes []chainhash.Hash) []chainhash.Hash {
	p.mtx.Lock()
	var unknown []chainhash.Hash
	for i := range hashes {
		hash := &hashes[i]
		if p.haveLocked(hash) {
			continue
		}
		unknown = append(unknown, *hash)
	}
	p.mtx.Unlock()

	// Query the chain outside of the pool lock.
	filtered := unknown[:0]
	for i := range unknown {
		if p.chain.MainChainHasBlock(&unknown[i]) {
			continue
		}
		filtered = append(filtered, unknown[i])
	}
	return filtered
}

// haveLocked returns whether or not the block is pending or an orphan.
//
// This function MUST be called with the pool lock held (for reads).
func (p *BlockPool) haveLocked(hash *chainhash.Hash) bool {
	if _, ok := p.entries[*hash]; ok {
		return true
	}
	_, ok := p.orphans[*hash]
	return ok
}

// Have returns whether or not the block is pending or retained as an orphan.
func (p *BlockPool) Have(hash *chainhash.Hash) bool {
	p.mtx.Lock()
	have := p.haveLocked(hash)
	p.mtx.Unlock()
	return have
}

// Len returns the number of pending blocks, excluding orphans.
func (p *BlockPool) Len() int {
	p.mtx.Lock()
	n := len(p.entries)
	p.mtx.Unlock()
	return n
}

// markValidated flags the provided pending blocks as having passed the full
// validation pipeline.
func (p *BlockPool) markValidated(hashes []chainhash.Hash) {
	p.mtx.Lock()
	for i := range hashes {
		if entry, ok := p.entries[hashes[i]]; ok {
			entry.validated = true
		}
	}
	p.mtx.Unlock()
}

// Branch builds the branch that ends with the pending block with the given
// hash by walking the parent links back to the main chain.
//
// An error with the kind ErrUnknownBlock is returned when the block is not
// pending and ErrStaleBranch when the walk reaches a block that is no longer
// in the main chain, which happens when a concurrent commit has not yet
// returned disconnected blocks to the pool.
func (p *BlockPool) Branch(hash *chainhash.Hash) (*Branch, error) {
	p.mtx.Lock()
	entry, ok := p.entries[*hash]
	if !ok {
		p.mtx.Unlock()
		return nil, unknownBlockError(hash)
	}

	var path []*poolEntry
	for {
		if len(path) > len(p.entries) {
			p.mtx.Unlock()
			str := fmt.Sprintf("cycle detected while building branch for "+
				"block %s", hash)
			return nil, AssertError(str)
		}
		path = append(path, entry)
		parent, ok := p.entries[entry.parent]
		if !ok {
			break
		}
		entry = parent
	}
	p.mtx.Unlock()

	root := path[len(path)-1]
	if !p.chain.MainChainHasBlock(&root.parent) {
		str := fmt.Sprintf("branch for block %s builds on %s which is not "+
			"in the main chain", hash, &root.parent)
		return nil, contextError(ErrStaleBranch, str)
	}

	blocks := make([]*dcrutil.Block, len(path))
	validated := make([]bool, len(path))
	for i, entry := range path {
		blocks[len(path)-1-i] = entry.block
		validated[len(path)-1-i] = entry.validated
	}
	return newBranch(&root.parent, root.height-1, blocks, validated)
}

// Prune removes pending blocks that are more than the configured maximum
// depth below the provided main chain tip height along with all of their
// descendants.  Expired orphans are removed as well.  It returns the number of
// pending blocks removed.
func (p *BlockPool) Prune(tipHeight int64) int {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	minHeight := tipHeight - p.cfg.MaxDepth
	var numPruned int
	for _, entry := range p.entries {
		if entry.height >= minHeight {
			continue
		}
		if _, ok := p.entries[entry.hash]; !ok {
			continue
		}
		for _, descendant := range p.descendantsLocked(&entry.hash) {
			p.removeLocked(descendant)
			numPruned++
		}
		p.removeLocked(entry)
		numPruned++
	}
	if numPruned > 0 {
		log.Debugf("Pruned %d stale %s from the pool", numPruned,
			pickNoun(numPruned, "block", "blocks"))
	}

	now := p.now()
	for _, orphan := range p.orphans {
		if now.After(orphan.expiration) {
			p.removeOrphanLocked(orphan.block.Hash())
		}
	}
	return numPruned
}

// addOrphanLocked adds the block to the orphan index.  The orphan that expires
// soonest is evicted when the index is full.
//
// This function MUST be called with the pool lock held (for writes).
func (p *BlockPool) addOrphanLocked(block *dcrutil.Block) {
	hash := block.Hash()
	if _, ok := p.orphans[*hash]; ok {
		return
	}

	if len(p.orphans) >= p.cfg.MaxOrphans {
		var oldest *orphanBlock
		for _, orphan := range p.orphans {
			if oldest == nil || orphan.expiration.Before(oldest.expiration) {
				oldest = orphan
			}
		}
		if oldest != nil {
			p.removeOrphanLocked(oldest.block.Hash())
		}
	}

	orphan := &orphanBlock{
		block:      block,
		expiration: p.now().Add(orphanExpiration),
	}
	p.orphans[*hash] = orphan
	prevHash := block.MsgBlock().Header.PrevBlock
	p.prevOrphans[prevHash] = append(p.prevOrphans[prevHash], orphan)

	log.Debugf("Added orphan block %s with parent %s (%d orphans)", hash,
		prevHash, len(p.orphans))
}

// removeOrphanLocked removes the block with the given hash from the orphan
// index when it is present.
//
// This function MUST be called with the pool lock held (for writes).
func (p *BlockPool) removeOrphanLocked(hash *chainhash.Hash) {
	orphan, ok := p.orphans[*hash]
	if !ok {
		return
	}
	delete(p.orphans, *hash)

	prevHash := orphan.block.MsgBlock().Header.PrevBlock
	siblings := p.prevOrphans[prevHash]
	for i, sibling := range siblings {
		if sibling != orphan {
			continue
		}
		copy(siblings[i:], siblings[i+1:])
		siblings[len(siblings)-1] = nil
		siblings = siblings[:len(siblings)-1]
		break
	}
	if len(siblings) == 0 {
		delete(p.prevOrphans, prevHash)
		return
	}
	p.prevOrphans[prevHash] = siblings
}

// OrphansOf returns the retained orphan blocks that build on the block with the
// given hash.
func (p *BlockPool) OrphansOf(hash *chainhash.Hash) []*dcrutil.Block {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	orphans := p.prevOrphans[*hash]
	if len(orphans) == 0 {
		return nil
	}
	blocks := make([]*dcrutil.Block, 0, len(orphans))
	for _, orphan := range orphans {
		blocks = append(blocks, orphan.block)
	}
	return blocks
}

// NumOrphans returns the number of retained orphan blocks.
func (p *BlockPool) NumOrphans() int {
	p.mtx.Lock()
	n := len(p.orphans)
	p.mtx.Unlock()
	return n
}
