// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import "math/bits"

// txPrioItem houses a transaction along with extra information that allows the
// transaction to be prioritized when building a block template.
type txPrioItem struct {
	txDesc *TxDesc
	idx    int
	seq    uint64

	// fee and size are the totals of the transaction and its descendants.
	fee  int64
	size int64
}

// txPriorityQueue is a max heap of txPrioItem elements ordered by the combined
// fee rate of each transaction and its descendants.  Items with equal fee rates
// pop in the order they were added to the graph.
type txPriorityQueue []*txPrioItem

// Len is part of the heap.Interface implementation.
func (pq txPriorityQueue) Len() int { return len(pq) }

// Less is part of the heap.Interface implementation.
func (pq txPriorityQueue) Less(i, j int) bool {
	return higherDescendantFeeRate(pq[i], pq[j])
}

// Swap is part of the heap.Interface implementation.
func (pq txPriorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

// Push is part of the heap.Interface implementation.
func (pq *txPriorityQueue) Push(x interface{}) {
	*pq = append(*pq, x.(*txPrioItem))
}

// Pop is part of the heap.Interface implementation.
func (pq *txPriorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

// compareFeeRates compares the fee rates feeA/sizeA and feeB/sizeB without
// loss of precision by comparing the full 128-bit cross products.  It returns
// 1 if the first rate is higher, -1 if it is lower, and 0 if they are equal.
// Fees must not be negative and sizes must be positive.
func compareFeeRates(feeA, sizeA, feeB, sizeB int64) int {
	hiA, loA := bits.Mul64(uint64(feeA), uint64(sizeB))
	hiB, loB := bits.Mul64(uint64(feeB), uint64(sizeA))
	switch {
	case hiA > hiB:
		return 1
	case hiA < hiB:
		return -1
	case loA > loB:
		return 1
	case loA < loB:
		return -1
	}
	return 0
}

// higherDescendantFeeRate returns whether a should be selected before b.
func higherDescendantFeeRate(a, b *txPrioItem) bool {
	if cmp := compareFeeRates(a.fee, a.size, b.fee, b.size); cmp != 0 {
		return cmp > 0
	}
	return a.seq < b.seq
}

// newTxPriorityQueue returns an empty transaction priority queue with room for
// the passed number of items.
func newTxPriorityQueue(reserve int) *txPriorityQueue {
	pq := make(txPriorityQueue, 0, reserve)
	return &pq
}
