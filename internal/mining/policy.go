// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2016-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrorg/internal/consensus"
)

// Policy houses the policy (configuration parameters) which is used to control
// the generation of block templates.
type Policy struct {
	// BlockMaxSize is the maximum total size in bytes of the transactions
	// selected for a block template.
	BlockMaxSize int64

	// BlockMaxSigOps is the maximum number of signature operations of the
	// transactions selected for a block template.
	BlockMaxSigOps int
}

// blockOverhead is the space reserved in a block for the header and the
// coinbase transaction.
const blockOverhead = wire.MaxBlockHeaderPayload + 1000

// DefaultPolicy returns the policy that fills templates up to the consensus
// limits of the provided network while reserving room for the block header and
// coinbase.
func DefaultPolicy(params *chaincfg.Params) *Policy {
	maxSize := int64(params.MaximumBlockSizes[0]) - blockOverhead
	if maxSize < 0 {
		maxSize = 0
	}
	return &Policy{
		BlockMaxSize:   maxSize,
		BlockMaxSigOps: consensus.MaxSigOpsPerBlock,
	}
}

// NewBlockTemplate selects transactions from the graph according to the
// policy.
func (p *Policy) NewBlockTemplate(g *TxGraph) *BlockTemplate {
	return g.SelectTemplate(p.BlockMaxSize, p.BlockMaxSigOps)
}
