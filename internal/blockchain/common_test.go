// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/math/uint256"
	"github.com/decred/dcrd/wire"
)

const (
	// These difficulty bits produce work values of 2, 4, and 8
	// respectively.
	easyBits   = 0x207fffff
	mediumBits = 0x203fffff
	hardBits   = 0x201fffff

	// opTrue is the opcode that pushes true to the stack.
	opTrue = 0x51
)

// testTimeBase is the timestamp of the test genesis block.
var testTimeBase = time.Unix(1700000000, 0)

// newCoinbase returns a coinbase transaction paying the provided amount that
// is unique to the provided tag.
func newCoinbase(tag string, amount int64) *wire.MsgTx {
	tx := wire.NewMsgTx()
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{},
			math.MaxUint32, wire.TxTreeRegular),
		Sequence:        wire.MaxTxInSequenceNum,
		SignatureScript: []byte(tag),
	})
	tx.AddTxOut(wire.NewTxOut(amount, []byte{opTrue}))
	return tx
}

// newSpend returns a transaction that spends the provided outputs into a
// single output of the provided amount.
func newSpend(amount int64, outpoints ...wire.OutPoint) *wire.MsgTx {
	tx := wire.NewMsgTx()
	for i := range outpoints {
		tx.AddTxIn(wire.NewTxIn(&outpoints[i], wire.NullValueIn, nil))
	}
	tx.AddTxOut(wire.NewTxOut(amount, []byte{opTrue}))
	return tx
}

// coinbaseOut returns the outpoint of the first output of the coinbase of the
// provided block.
func coinbaseOut(block *dcrutil.Block) wire.OutPoint {
	txHash := block.MsgBlock().Transactions[0].TxHash()
	return wire.OutPoint{Hash: txHash, Index: 0, Tree: wire.TxTreeRegular}
}

// newTestBlock returns a block that builds on the provided parent at the
// provided height with a coinbase unique to the tag followed by the provided
// transactions.
func newTestBlock(tag string, parent *dcrutil.Block, bits uint32, txns ...*wire.MsgTx) *dcrutil.Block {
	var prevHash chainhash.Hash
	var height uint32
	if parent != nil {
		prevHash = *parent.Hash()
		height = parent.MsgBlock().Header.Height + 1
	}
	header := wire.BlockHeader{
		Version:   1,
		PrevBlock: prevHash,
		Bits:      bits,
		Height:    height,
		Timestamp: testTimeBase.Add(time.Duration(height) * time.Minute * 5),
		Nonce:     binary.LittleEndian.Uint32(chainhash.HashB([]byte(tag))),
	}
	msgBlock := wire.NewMsgBlock(&header)
	msgBlock.AddTransaction(newCoinbase(tag, 5000000000))
	for _, tx := range txns {
		msgBlock.AddTransaction(tx)
	}
	return dcrutil.NewBlock(msgBlock)
}

// memStore is an in-memory chain store used throughout the tests.
type memStore struct {
	mtx      sync.Mutex
	chain    []*dcrutil.Block
	work     []uint256.Uint256
	heights  map[chainhash.Hash]int64
	utxos    map[wire.OutPoint]*UtxoEntry
	commits  int
	failWith error

	// commitHook is invoked at the start of every commit when set.
	commitHook func()
}

// newMemStore returns a store whose main chain consists of the provided
// genesis block.
func newMemStore(genesis *dcrutil.Block) *memStore {
	s := &memStore{
		heights: make(map[chainhash.Hash]int64),
		utxos:   make(map[wire.OutPoint]*UtxoEntry),
	}
	s.connect(genesis)
	return s
}

func (s *memStore) connect(block *dcrutil.Block) {
	height := int64(len(s.chain))
	var work uint256.Uint256
	if height > 0 {
		work = s.work[height-1]
	}
	blockWork := CalcWork(block.MsgBlock().Header.Bits)
	work.Add(&blockWork)

	s.chain = append(s.chain, block)
	s.work = append(s.work, work)
	s.heights[*block.Hash()] = height
	for txIdx, tx := range block.Transactions() {
		msgTx := tx.MsgTx()
		if txIdx != 0 {
			for _, txIn := range msgTx.TxIn {
				s.utxos[txIn.PreviousOutPoint].SpentHeight = height
			}
		}
		for txOutIdx, txOut := range msgTx.TxOut {
			outpoint := wire.OutPoint{Hash: *tx.Hash(),
				Index: uint32(txOutIdx), Tree: wire.TxTreeRegular}
			s.utxos[outpoint] = &UtxoEntry{
				Amount:        txOut.Value,
				PkScript:      txOut.PkScript,
				ScriptVersion: txOut.Version,
				BlockHeight:   height,
				IsCoinBase:    txIdx == 0,
			}
		}
	}
}

func (s *memStore) disconnectTip() {
	height := int64(len(s.chain) - 1)
	block := s.chain[height]
	for txIdx, tx := range block.Transactions() {
		msgTx := tx.MsgTx()
		for txOutIdx := range msgTx.TxOut {
			delete(s.utxos, wire.OutPoint{Hash: *tx.Hash(),
				Index: uint32(txOutIdx), Tree: wire.TxTreeRegular})
		}
		if txIdx != 0 {
			for _, txIn := range msgTx.TxIn {
				s.utxos[txIn.PreviousOutPoint].SpentHeight = 0
			}
		}
	}
	delete(s.heights, *block.Hash())
	s.chain = s.chain[:height]
	s.work = s.work[:height]
}

func (s *memStore) BestState() *BestState {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	tip := s.chain[len(s.chain)-1]
	return &BestState{
		Hash:      *tip.Hash(),
		Height:    int64(len(s.chain) - 1),
		Work:      s.work[len(s.work)-1],
		Timestamp: tip.MsgBlock().Header.Timestamp,
	}
}

func (s *memStore) MainChainHasBlock(hash *chainhash.Hash) bool {
	s.mtx.Lock()
	_, ok := s.heights[*hash]
	s.mtx.Unlock()
	return ok
}

func (s *memStore) BlockByHash(hash *chainhash.Hash) (*dcrutil.Block, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	height, ok := s.heights[*hash]
	if !ok {
		return nil, unknownBlockError(hash)
	}
	return s.chain[height], nil
}

func (s *memStore) BlockByHeight(height int64) (*dcrutil.Block, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if height < 0 || height >= int64(len(s.chain)) {
		return nil, fmt.Errorf("no block at height %d", height)
	}
	return s.chain[height], nil
}

func (s *memStore) ChainWork(hash *chainhash.Hash) (uint256.Uint256, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	height, ok := s.heights[*hash]
	if !ok {
		return uint256.Uint256{}, unknownBlockError(hash)
	}
	return s.work[height], nil
}

func (s *memStore) FetchUtxoEntry(outpoint wire.OutPoint) (*UtxoEntry, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	entry, ok := s.utxos[outpoint]
	if !ok {
		return nil, nil
	}
	clone := *entry
	return &clone, nil
}

func (s *memStore) Commit(outgoing, incoming []*dcrutil.Block) error {
	s.mtx.Lock()
	hook := s.commitHook
	s.mtx.Unlock()
	if hook != nil {
		hook()
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	for i := len(outgoing) - 1; i >= 0; i-- {
		tip := s.chain[len(s.chain)-1]
		if *tip.Hash() != *outgoing[i].Hash() {
			return errors.New("outgoing block is not the tip")
		}
		s.disconnectTip()
	}
	for _, block := range incoming {
		tip := s.chain[len(s.chain)-1]
		if block.MsgBlock().Header.PrevBlock != *tip.Hash() {
			return errors.New("incoming block does not extend the tip")
		}
		s.connect(block)
	}
	s.commits++
	return nil
}

// setCommitHook replaces the function invoked at the start of every commit.
func (s *memStore) setCommitHook(hook func()) {
	s.mtx.Lock()
	s.commitHook = hook
	s.mtx.Unlock()
}

// setFailWith sets the error returned by later commits.
func (s *memStore) setFailWith(err error) {
	s.mtx.Lock()
	s.failWith = err
	s.mtx.Unlock()
}

// numCommits returns the number of successful commits.
func (s *memStore) numCommits() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.commits
}

// tipHash returns the hash of the current main chain tip.
func (s *memStore) tipHash() chainhash.Hash {
	return s.BestState().Hash
}

// fakePolicy is a validation policy that accepts everything except the blocks
// it is configured to reject and records the blocks each stage saw.
type fakePolicy struct {
	mtx        sync.Mutex
	checkErrs  map[chainhash.Hash]error
	acceptErrs map[chainhash.Hash]error
	connErrs   map[chainhash.Hash]error
	checked    map[chainhash.Hash]int
	accepted   map[chainhash.Hash]int
	connected  map[chainhash.Hash]int
	heights    map[chainhash.Hash]int64

	// connectHook is invoked at the start of every connect when set.
	connectHook func(block *dcrutil.Block)

	// checkHook is consulted by every check when set and may reject blocks
	// based on their contents.
	checkHook func(block *dcrutil.Block) error
}

func newFakePolicy() *fakePolicy {
	return &fakePolicy{
		checkErrs:  make(map[chainhash.Hash]error),
		acceptErrs: make(map[chainhash.Hash]error),
		connErrs:   make(map[chainhash.Hash]error),
		checked:    make(map[chainhash.Hash]int),
		accepted:   make(map[chainhash.Hash]int),
		connected:  make(map[chainhash.Hash]int),
		heights:    make(map[chainhash.Hash]int64),
	}
}

func (p *fakePolicy) CheckBlock(block *dcrutil.Block) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.checked[*block.Hash()]++
	if p.checkHook != nil {
		if err := p.checkHook(block); err != nil {
			return err
		}
	}
	return p.checkErrs[*block.Hash()]
}

// setCheckErr configures the check stage to reject the block with the error.
func (p *fakePolicy) setCheckErr(block *dcrutil.Block, err error) {
	p.mtx.Lock()
	p.checkErrs[*block.Hash()] = err
	p.mtx.Unlock()
}

func (p *fakePolicy) AcceptBlock(block *dcrutil.Block, ctx *AcceptContext) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	hash := *block.Hash()
	p.accepted[hash]++
	p.heights[hash] = ctx.Height
	if ctx.Parent == nil || ctx.Parent.BlockHash() != block.MsgBlock().Header.PrevBlock {
		return ruleError(ErrBadBlockHeight, "wrong parent in context")
	}
	return p.acceptErrs[hash]
}

func (p *fakePolicy) ConnectBlock(block *dcrutil.Block, ctx *ConnectContext) error {
	if p.connectHook != nil {
		p.connectHook(block)
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.connected[*block.Hash()]++
	return p.connErrs[*block.Hash()]
}

// numConnected returns the number of times the connect stage ran for the
// block.
func (p *fakePolicy) numConnected(block *dcrutil.Block) int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.connected[*block.Hash()]
}

// eventRecorder is a reorg handler that records every event it receives.
type eventRecorder struct {
	mtx     sync.Mutex
	events  []*ReorgEvent
	stopped int
	lastErr error
}

func (r *eventRecorder) handler(err error, event *ReorgEvent) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if err != nil {
		r.stopped++
		r.lastErr = err
		return false
	}
	r.events = append(r.events, event)
	return true
}

func (r *eventRecorder) snapshot() ([]*ReorgEvent, int) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]*ReorgEvent(nil), r.events...), r.stopped
}

// finalErr returns the error the recorder was last notified with.
func (r *eventRecorder) finalErr() error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.lastErr
}

// blockHashes returns the hashes of the provided blocks.
func blockHashes(blocks []*dcrutil.Block) []chainhash.Hash {
	hashes := make([]chainhash.Hash, 0, len(blocks))
	for _, block := range blocks {
		hashes = append(hashes, *block.Hash())
	}
	return hashes
}
