// Copyright (c) 2020-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrorg/internal/blockchain"
	"github.com/decred/dcrorg/internal/consensus"
)

// TxDesc is a descriptor about a transaction in the graph along with
// additional metadata.
type TxDesc struct {
	// Tx is the transaction associated with the entry.
	Tx *dcrutil.Tx

	// Added is the time when the entry was added to the graph.
	Added time.Time

	// Height is the main chain height when the entry was added to the
	// graph.
	Height int64

	// Fee is the total fee the transaction associated with the entry pays.
	Fee int64

	// TotalSigOps is the total signature operations for this transaction.
	TotalSigOps int

	// TxSize is the size of the transaction.
	TxSize int64
}

// NodeStats houses the values tracked by the graph for a transaction.  The
// descendant values include the transaction itself.
type NodeStats struct {
	Fee              int64
	Size             int64
	SigOps           int
	DescendantFee    int64
	DescendantSize   int64
	DescendantSigOps int
	NumParents       int
	NumChildren      int
}

// aggregates houses the fee, size, and signature operation totals of one or
// more transactions.
type aggregates struct {
	fee    int64
	size   int64
	sigOps int
}

func (a *aggregates) add(other aggregates) {
	a.fee += other.fee
	a.size += other.size
	a.sigOps += other.sigOps
}

// txNode is a node of the graph.  Parent and child relations are stored as
// indices into the node arena.  A node with a nil desc is free.
type txNode struct {
	desc        *TxDesc
	seq         uint64
	own         aggregates
	descendants aggregates
	parents     []int
	children    []int
}

// TxGraph relates the transactions considered for inclusion in the next block
// to the unconfirmed transactions they spend.  Every node tracks the totals of
// itself plus each of its distinct descendants.  A transaction reachable over
// several paths is counted once.  The totals are refreshed for the affected
// ancestors as transactions are added and removed.
//
// TxGraph implements blockchain.TxReconciler so it can be brought in line with
// the main chain whenever it changes.
type TxGraph struct {
	params     *chaincfg.Params
	fetcher    UtxoFetcher
	timeSource func() time.Time

	mtx     sync.Mutex
	nodes   []txNode
	free    []int
	index   map[chainhash.Hash]int
	spentBy map[wire.OutPoint]int
	nextSeq uint64
	height  int64
}

// Ensure TxGraph implements the blockchain.TxReconciler interface.
var _ blockchain.TxReconciler = (*TxGraph)(nil)

// NewTxGraph returns an empty transaction graph that resolves the outputs
// spent by its transactions using the provided fetcher and enforces the
// transaction limits of the provided network.  The height is that of the
// current main chain tip.
func NewTxGraph(fetcher UtxoFetcher, params *chaincfg.Params, height int64) *TxGraph {
	return &TxGraph{
		params:     params,
		fetcher:    fetcher,
		timeSource: time.Now,
		index:      make(map[chainhash.Hash]int),
		spentBy:    make(map[wire.OutPoint]int),
		height:     height,
	}
}

// appendUnique appends the index to the slice when it is not already present.
func appendUnique(indices []int, idx int) []int {
	for _, existing := range indices {
		if existing == idx {
			return indices
		}
	}
	return append(indices, idx)
}

// removeIndex removes the index from the slice.
func removeIndex(indices []int, idx int) []int {
	for i, existing := range indices {
		if existing == idx {
			return append(indices[:i], indices[i+1:]...)
		}
	}
	return indices
}

// allocNode returns the index of a free node, growing the arena when needed.
func (g *TxGraph) allocNode() int {
	if n := len(g.free); n > 0 {
		idx := g.free[n-1]
		g.free = g.free[:n-1]
		return idx
	}
	g.nodes = append(g.nodes, txNode{})
	return len(g.nodes) - 1
}

// ancestorsLocked returns the distinct transactions the node depends on,
// directly or through other graph transactions.
//
// This function MUST be called with the graph lock held.
func (g *TxGraph) ancestorsLocked(idx int) []int {
	var ancestors []int
	visited := map[int]struct{}{idx: {}}
	queue := append([]int(nil), g.nodes[idx].parents...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if _, ok := visited[next]; ok {
			continue
		}
		visited[next] = struct{}{}
		ancestors = append(ancestors, next)
		queue = append(queue, g.nodes[next].parents...)
	}
	return ancestors
}

// descendantTotalsLocked returns the totals of the node plus each of its
// distinct descendants.
//
// This function MUST be called with the graph lock held.
func (g *TxGraph) descendantTotalsLocked(idx int) aggregates {
	var totals aggregates
	visited := make(map[int]struct{})
	stack := []int{idx}
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := visited[next]; ok {
			continue
		}
		visited[next] = struct{}{}
		totals.add(g.nodes[next].own)
		stack = append(stack, g.nodes[next].children...)
	}
	return totals
}

// refreshLocked recomputes the descendant totals of the provided nodes.
//
// This function MUST be called with the graph lock held.
func (g *TxGraph) refreshLocked(indices []int) {
	for _, idx := range indices {
		if g.nodes[idx].desc != nil {
			g.nodes[idx].descendants = g.descendantTotalsLocked(idx)
		}
	}
}

// addTransactionLocked adds the transaction to the graph.
//
// This function MUST be called with the graph lock held.
func (g *TxGraph) addTransactionLocked(tx *dcrutil.Tx) (*TxDesc, error) {
	txHash := *tx.Hash()
	if _, ok := g.index[txHash]; ok {
		str := fmt.Sprintf("transaction %v is already in the graph", txHash)
		return nil, makeError(ErrDuplicateTx, str)
	}
	msgTx := tx.MsgTx()
	if standalone.IsCoinBaseTx(msgTx, false) {
		str := fmt.Sprintf("transaction %v is a coinbase", txHash)
		return nil, makeError(ErrCoinbase, str)
	}
	if err := consensus.CheckTransactionSanity(msgTx, g.params); err != nil {
		str := fmt.Sprintf("transaction %v is not sane: %v", txHash, err)
		return nil, makeError(ErrInvalidTx, str)
	}

	// Resolve every input against the graph first and the main chain
	// second.
	var parents []int
	var inputValue int64
	for _, txIn := range msgTx.TxIn {
		prevOut := txIn.PreviousOutPoint
		if spender, ok := g.spentBy[prevOut]; ok {
			str := fmt.Sprintf("output %v spent by transaction %v is already "+
				"spent by %v", prevOut, txHash,
				g.nodes[spender].desc.Tx.Hash())
			return nil, makeError(ErrDoubleSpend, str)
		}

		if parentIdx, ok := g.index[prevOut.Hash]; ok {
			parentTx := g.nodes[parentIdx].desc.Tx.MsgTx()
			if prevOut.Tree != wire.TxTreeRegular ||
				prevOut.Index >= uint32(len(parentTx.TxOut)) {

				str := fmt.Sprintf("transaction %v spends nonexistent "+
					"output %v", txHash, prevOut)
				return nil, makeError(ErrMissingInputs, str)
			}
			inputValue += parentTx.TxOut[prevOut.Index].Value
			parents = appendUnique(parents, parentIdx)
			continue
		}

		entry, err := g.fetcher.FetchUtxoEntry(prevOut)
		if err != nil {
			str := fmt.Sprintf("failed to fetch output %v: %v", prevOut, err)
			return nil, makeError(ErrFetchTxStore, str)
		}
		if entry == nil || entry.IsSpent() {
			str := fmt.Sprintf("transaction %v spends unavailable output "+
				"%v", txHash, prevOut)
			return nil, makeError(ErrMissingInputs, str)
		}
		inputValue += entry.Amount
	}

	var outputValue int64
	for _, txOut := range msgTx.TxOut {
		outputValue += txOut.Value
	}
	if outputValue > inputValue {
		str := fmt.Sprintf("total value of all transaction outputs for "+
			"transaction %v is %v which exceeds the input value of %v",
			txHash, outputValue, inputValue)
		return nil, makeError(ErrSpendTooHigh, str)
	}

	// Transactions already in the graph may spend the outputs of this one
	// when it was previously confirmed and has since been disconnected.
	var children []int
	for txOutIdx := range msgTx.TxOut {
		outpoint := wire.OutPoint{Hash: txHash, Index: uint32(txOutIdx),
			Tree: wire.TxTreeRegular}
		if childIdx, ok := g.spentBy[outpoint]; ok {
			children = appendUnique(children, childIdx)
		}
	}

	desc := &TxDesc{
		Tx:          tx,
		Added:       g.timeSource(),
		Height:      g.height,
		Fee:         inputValue - outputValue,
		TotalSigOps: consensus.CountSigOps(msgTx, false),
		TxSize:      int64(msgTx.SerializeSize()),
	}
	own := aggregates{fee: desc.Fee, size: desc.TxSize,
		sigOps: desc.TotalSigOps}

	idx := g.allocNode()
	g.nodes[idx] = txNode{
		desc:     desc,
		seq:      g.nextSeq,
		own:      own,
		parents:  parents,
		children: children,
	}
	g.nextSeq++
	for _, parentIdx := range parents {
		g.nodes[parentIdx].children = append(g.nodes[parentIdx].children, idx)
	}
	for _, childIdx := range children {
		g.nodes[childIdx].parents = append(g.nodes[childIdx].parents, idx)
	}
	for _, txIn := range msgTx.TxIn {
		g.spentBy[txIn.PreviousOutPoint] = idx
	}
	g.index[txHash] = idx
	g.refreshLocked([]int{idx})
	g.refreshLocked(g.ancestorsLocked(idx))

	log.Tracef("Added transaction %v to the graph (fee %d, size %d, %d "+
		"parents, %d children)", txHash, desc.Fee, desc.TxSize,
		len(parents), len(children))
	return desc, nil
}

// AddTransaction adds the transaction to the graph.  Every input must either
// be created by a transaction in the graph or be available in the main chain,
// and no input may already be spent by another transaction in the graph.
//
// This function is safe for concurrent access.
func (g *TxGraph) AddTransaction(tx *dcrutil.Tx) (*TxDesc, error) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return g.addTransactionLocked(tx)
}

// removeNodeLocked removes the node at the provided index, and all of its
// descendants when removeRedeemers is set.  It returns the number of removed
// transactions.
//
// This function MUST be called with the graph lock held.
func (g *TxGraph) removeNodeLocked(idx int, removeRedeemers bool) int {
	var numRemoved int
	if removeRedeemers {
		children := append([]int(nil), g.nodes[idx].children...)
		for _, childIdx := range children {
			if g.nodes[childIdx].desc != nil {
				numRemoved += g.removeNodeLocked(childIdx, true)
			}
		}
	}

	node := &g.nodes[idx]
	ancestors := g.ancestorsLocked(idx)
	for _, parentIdx := range node.parents {
		parent := &g.nodes[parentIdx]
		parent.children = removeIndex(parent.children, idx)
	}
	for _, childIdx := range node.children {
		child := &g.nodes[childIdx]
		child.parents = removeIndex(child.parents, idx)
	}
	for _, txIn := range node.desc.Tx.MsgTx().TxIn {
		if g.spentBy[txIn.PreviousOutPoint] == idx {
			delete(g.spentBy, txIn.PreviousOutPoint)
		}
	}
	delete(g.index, *node.desc.Tx.Hash())
	log.Tracef("Removed transaction %v from the graph", node.desc.Tx.Hash())

	g.nodes[idx] = txNode{}
	g.free = append(g.free, idx)
	g.refreshLocked(ancestors)
	return numRemoved + 1
}

// RemoveTransaction removes the transaction with the given hash from the graph.
// When removeRedeemers is set, all transactions that depend on it are removed
// as well.  Otherwise, its children no longer have it as a parent.
//
// This function is safe for concurrent access.
func (g *TxGraph) RemoveTransaction(hash *chainhash.Hash, removeRedeemers bool) error {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	idx, ok := g.index[*hash]
	if !ok {
		str := fmt.Sprintf("transaction %v is not in the graph", hash)
		return makeError(ErrTxNotFound, str)
	}
	g.removeNodeLocked(idx, removeRedeemers)
	return nil
}

// HaveTransaction returns whether or not the passed transaction hash exists in
// the graph.
//
// This function is safe for concurrent access.
func (g *TxGraph) HaveTransaction(hash *chainhash.Hash) bool {
	g.mtx.Lock()
	_, ok := g.index[*hash]
	g.mtx.Unlock()
	return ok
}

// Count returns the number of transactions in the graph.
//
// This function is safe for concurrent access.
func (g *TxGraph) Count() int {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return len(g.index)
}

// Stats returns the values tracked for the transaction with the given hash
// along with whether or not it exists.
//
// This function is safe for concurrent access.
func (g *TxGraph) Stats(hash *chainhash.Hash) (NodeStats, bool) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	idx, ok := g.index[*hash]
	if !ok {
		return NodeStats{}, false
	}
	node := &g.nodes[idx]
	return NodeStats{
		Fee:              node.own.fee,
		Size:             node.own.size,
		SigOps:           node.own.sigOps,
		DescendantFee:    node.descendants.fee,
		DescendantSize:   node.descendants.size,
		DescendantSigOps: node.descendants.sigOps,
		NumParents:       len(node.parents),
		NumChildren:      len(node.children),
	}, true
}

// TxDescs returns the descriptors of all transactions in the graph in the
// order they were added.
//
// This function is safe for concurrent access.
func (g *TxGraph) TxDescs() []*TxDesc {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	indices := g.sortedIndicesLocked()
	descs := make([]*TxDesc, 0, len(indices))
	for _, idx := range indices {
		descs = append(descs, g.nodes[idx].desc)
	}
	return descs
}

// sortedIndicesLocked returns the indices of all nodes ordered by the sequence
// in which they were added.
//
// This function MUST be called with the graph lock held.
func (g *TxGraph) sortedIndicesLocked() []int {
	indices := make([]int, 0, len(g.index))
	for _, idx := range g.index {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool {
		return g.nodes[indices[i]].seq < g.nodes[indices[j]].seq
	})
	return indices
}

// removeUnresolvedLocked removes every transaction, along with its
// descendants, that spends a main chain output which is no longer available.
//
// This function MUST be called with the graph lock held.
func (g *TxGraph) removeUnresolvedLocked() (int, error) {
	var numRemoved int
	for _, idx := range g.sortedIndicesLocked() {
		node := &g.nodes[idx]
		if node.desc == nil {
			continue
		}
		for _, txIn := range node.desc.Tx.MsgTx().TxIn {
			prevOut := txIn.PreviousOutPoint
			if _, ok := g.index[prevOut.Hash]; ok {
				continue
			}
			entry, err := g.fetcher.FetchUtxoEntry(prevOut)
			if err != nil {
				str := fmt.Sprintf("failed to fetch output %v: %v", prevOut,
					err)
				return numRemoved, makeError(ErrFetchTxStore, str)
			}
			if entry == nil || entry.IsSpent() {
				numRemoved += g.removeNodeLocked(idx, true)
				break
			}
		}
	}
	return numRemoved, nil
}

// Reconcile brings the graph in line with a change to the main chain.
// Transactions confirmed by the incoming blocks are removed along with any
// transactions that conflict with them, transactions of the outgoing blocks
// that are not confirmed again are re-added when their inputs are still
// available, and transactions that spend outputs which no longer exist are
// removed.
//
// This is part of the blockchain.TxReconciler interface.
func (g *TxGraph) Reconcile(event *blockchain.ReorgEvent) error {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if n := len(event.Incoming); n > 0 {
		g.height = event.Incoming[n-1].Height()
	}

	// Remove transactions confirmed by the new blocks and those that
	// double spend their inputs.
	var numConfirmed, numConflicts, numReadded int
	confirmed := make(map[chainhash.Hash]struct{})
	for _, block := range event.Incoming {
		for txIdx, tx := range block.Transactions() {
			confirmed[*tx.Hash()] = struct{}{}
			if txIdx == 0 {
				continue
			}
			if idx, ok := g.index[*tx.Hash()]; ok {
				numConfirmed += g.removeNodeLocked(idx, false)
				continue
			}
			for _, txIn := range tx.MsgTx().TxIn {
				if idx, ok := g.spentBy[txIn.PreviousOutPoint]; ok {
					numConflicts += g.removeNodeLocked(idx, true)
				}
			}
		}
	}

	// Add back the transactions of the disconnected blocks that are not
	// also in the new blocks.  They are processed in chain order so parents
	// are added before their children.
	for _, block := range event.Outgoing {
		for txIdx, tx := range block.Transactions() {
			if txIdx == 0 {
				continue
			}
			if _, ok := confirmed[*tx.Hash()]; ok {
				continue
			}
			if _, err := g.addTransactionLocked(tx); err != nil {
				var mErr Error
				if errors.As(err, &mErr) && !errors.Is(err, ErrFetchTxStore) {
					log.Debugf("Not re-adding transaction %v: %v", tx.Hash(),
						err)
					continue
				}
				return err
			}
			numReadded++
		}
	}

	numUnresolved, err := g.removeUnresolvedLocked()
	if err != nil {
		return err
	}

	log.Debugf("Reconciled graph with %d incoming and %d outgoing blocks: "+
		"%d confirmed, %d conflicts, %d re-added, %d unresolved, %d "+
		"remaining", len(event.Incoming), len(event.Outgoing), numConfirmed,
		numConflicts, numReadded, numUnresolved, len(g.index))
	return nil
}

// CheckAggregates recomputes the descendant totals of every node from scratch
// and returns an error if any of them differ from the incrementally maintained
// values or the parent and child relations are not symmetric.
//
// This function is safe for concurrent access.
func (g *TxGraph) CheckAggregates() error {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	memo := make(map[int]map[int]struct{}, len(g.index))
	var reachable func(idx int) map[int]struct{}
	reachable = func(idx int) map[int]struct{} {
		if set, ok := memo[idx]; ok {
			return set
		}
		set := map[int]struct{}{idx: {}}
		for _, childIdx := range g.nodes[idx].children {
			for desc := range reachable(childIdx) {
				set[desc] = struct{}{}
			}
		}
		memo[idx] = set
		return set
	}
	compute := func(idx int) aggregates {
		var totals aggregates
		for desc := range reachable(idx) {
			totals.add(g.nodes[desc].own)
		}
		return totals
	}

	for _, idx := range g.sortedIndicesLocked() {
		node := &g.nodes[idx]
		want := compute(idx)
		if node.descendants != want {
			str := fmt.Sprintf("transaction %v has descendant totals %+v "+
				"instead of %+v", node.desc.Tx.Hash(), node.descendants, want)
			return makeError(ErrBadAggregates, str)
		}
		for _, childIdx := range node.children {
			child := &g.nodes[childIdx]
			if child.desc == nil || !containsIndex(child.parents, idx) {
				str := fmt.Sprintf("transaction %v has a child that does "+
					"not list it as a parent", node.desc.Tx.Hash())
				return makeError(ErrBadAggregates, str)
			}
		}
		for _, parentIdx := range node.parents {
			parent := &g.nodes[parentIdx]
			if parent.desc == nil || !containsIndex(parent.children, idx) {
				str := fmt.Sprintf("transaction %v has a parent that does "+
					"not list it as a child", node.desc.Tx.Hash())
				return makeError(ErrBadAggregates, str)
			}
		}
	}
	return nil
}

// containsIndex returns whether the slice contains the index.
func containsIndex(indices []int, idx int) bool {
	for _, existing := range indices {
		if existing == idx {
			return true
		}
	}
	return false
}
