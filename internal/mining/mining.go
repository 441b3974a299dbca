// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"container/heap"
)

// BlockTemplate houses the transactions selected for inclusion in the next
// block along with their totals.
type BlockTemplate struct {
	// Transactions are the selected transactions ordered such that every
	// transaction follows the transactions it spends.
	Transactions []*TxDesc

	// TotalFee, Size, and SigOps are the totals of the selected
	// transactions.
	TotalFee int64
	Size     int64
	SigOps   int
}

// prioItem returns a priority item for the node at the provided index.
//
// This function MUST be called with the graph lock held.
func (g *TxGraph) prioItem(idx int) *txPrioItem {
	node := &g.nodes[idx]
	return &txPrioItem{
		txDesc: node.desc,
		idx:    idx,
		seq:    node.seq,
		fee:    node.descendants.fee,
		size:   node.descendants.size,
	}
}

// SelectTemplate selects transactions from the graph for inclusion in the next
// block such that the total serialized size and signature operations of the
// selected transactions do not exceed the provided limits.
//
// Transactions become candidates once all of their parents are selected and
// candidates are considered in order of the fee rate of the candidate combined
// with all of its descendants, so low fee transactions with high fee children
// are favored.  Candidates that do not fit are skipped along with their
// descendants.
//
// This function is safe for concurrent access.
func (g *TxGraph) SelectTemplate(maxSize int64, maxSigOps int) *BlockTemplate {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	pq := newTxPriorityQueue(len(g.index))
	pendingParents := make(map[int]int)
	for _, idx := range g.index {
		node := &g.nodes[idx]
		if len(node.parents) == 0 {
			heap.Push(pq, g.prioItem(idx))
			continue
		}
		pendingParents[idx] = len(node.parents)
	}

	template := new(BlockTemplate)
	for pq.Len() > 0 {
		item := heap.Pop(pq).(*txPrioItem)
		node := &g.nodes[item.idx]
		if template.Size+node.own.size > maxSize {
			log.Tracef("Skipping tx %s (size %d) because it would exceed the "+
				"max template size; cur size %d, cur num tx %d",
				item.txDesc.Tx.Hash(), node.own.size, template.Size,
				len(template.Transactions))
			continue
		}
		if template.SigOps+node.own.sigOps > maxSigOps {
			log.Tracef("Skipping tx %s because it would exceed the maximum "+
				"sigops per block", item.txDesc.Tx.Hash())
			continue
		}

		template.Transactions = append(template.Transactions, item.txDesc)
		template.TotalFee += node.own.fee
		template.Size += node.own.size
		template.SigOps += node.own.sigOps

		for _, childIdx := range node.children {
			pendingParents[childIdx]--
			if pendingParents[childIdx] == 0 {
				delete(pendingParents, childIdx)
				heap.Push(pq, g.prioItem(childIdx))
			}
		}
	}

	log.Debugf("Selected %d of %d transactions (size %d, sigops %d, fees %d)",
		len(template.Transactions), len(g.index), template.Size,
		template.SigOps, template.TotalFee)
	return template
}
