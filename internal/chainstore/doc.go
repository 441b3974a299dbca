// Copyright (c) 2021-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package chainstore implements a leveldb-backed store for the confirmed main
chain that satisfies the blockchain.ChainStore interface.

The store persists the main chain blocks, an index from height to block hash,
the cumulative work at each main chain block, and every transaction output the
main chain has created.  Outputs spent by the main chain are retained along with
the height of the spending block so the state of any output may be determined as
of an earlier main chain height.  This is what allows branches that fork from
the main chain below its tip to be fully validated without first disconnecting
any blocks.

All changes made by a commit, including the updated best chain state, are
written in a single atomic leveldb batch.
*/
package chainstore
