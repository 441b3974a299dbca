// Copyright (c) 2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"container/heap"
	"math"
	"math/rand"
	"testing"
)

// TestCompareFeeRates ensures fee rates are compared exactly, including values
// whose cross products overflow 64 bits.
func TestCompareFeeRates(t *testing.T) {
	tests := []struct {
		name                     string
		feeA, sizeA, feeB, sizeB int64
		want                     int
	}{
		{"equal rates", 100, 10, 200, 20, 0},
		{"higher rate", 101, 10, 200, 20, 1},
		{"lower rate", 99, 10, 200, 20, -1},
		{"zero fees", 0, 10, 0, 250, 0},
		{"zero vs nonzero", 0, 10, 1, 1000000, -1},
		{"overflowing products", math.MaxInt64, math.MaxInt64 - 1,
			math.MaxInt64 - 1, math.MaxInt64 - 2, -1},
		{"overflowing equal", math.MaxInt64, math.MaxInt64,
			math.MaxInt64 - 1, math.MaxInt64 - 1, 0},
	}

	for _, test := range tests {
		got := compareFeeRates(test.feeA, test.sizeA, test.feeB, test.sizeB)
		if got != test.want {
			t.Errorf("%s: unexpected result -- got %d, want %d", test.name,
				got, test.want)
		}
	}
}

// TestTxFeeRateHeap tests the priority heap by descendant fee rate.  It
// ensures items are popped in order of non-increasing fee rate and that items
// with equal rates are popped in the order they were added.
func TestTxFeeRateHeap(t *testing.T) {
	numTestItems := 1000

	// Create some fake priority items that exercise the expected sort
	// edge conditions.
	testItems := []*txPrioItem{
		{fee: 5678, size: 1000, seq: 3},
		{fee: 5678, size: 1000, seq: 1}, // Duplicate rate
		{fee: 11356, size: 2000, seq: 2}, // Same rate, larger
		{fee: 1234, size: 1000, seq: 4},
		{fee: 0, size: 200, seq: 5},
		{fee: 100000, size: 250, seq: 6},
	}

	// Add random data in addition to the edge conditions already manually
	// specified.
	rng := rand.New(rand.NewSource(1))
	for i := len(testItems); i < numTestItems; i++ {
		testItems = append(testItems, &txPrioItem{
			fee:  rng.Int63n(100000),
			size: rng.Int63n(100000) + 1,
			seq:  uint64(i + 1),
		})
	}

	ph := newTxPriorityQueue(numTestItems)
	for i := 0; i < numTestItems; i++ {
		heap.Push(ph, testItems[i])
	}
	var last *txPrioItem
	for i := 0; i < numTestItems; i++ {
		item := heap.Pop(ph).(*txPrioItem)
		if last != nil {
			cmp := compareFeeRates(item.fee, item.size, last.fee, last.size)
			if cmp > 0 || (cmp == 0 && item.seq < last.seq) {
				t.Fatalf("bad pop: fee rate %d/%d (seq %d) after %d/%d "+
					"(seq %d)", item.fee, item.size, item.seq, last.fee,
					last.size, last.seq)
			}
		}
		last = item
	}
}
