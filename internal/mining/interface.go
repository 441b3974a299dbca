// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrorg/internal/blockchain"
)

// UtxoFetcher defines the interface the transaction graph requires to resolve
// the outputs spent by its transactions against the main chain.  It is
// satisfied by blockchain.ChainStore.
//
// The interface contract requires that all of these methods are safe for
// concurrent access.
type UtxoFetcher interface {
	// FetchUtxoEntry returns the entry for the given outpoint or nil when
	// the output has never been created by the main chain.
	FetchUtxoEntry(outpoint wire.OutPoint) (*blockchain.UtxoEntry, error)
}
