// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package blockchain implements the block organizer which decides, for each
received block, whether it extends, forks, or replaces the main chain.

The organizer is built from the following pieces:

  - BlockPool houses blocks that are not yet part of the main chain, indexed by
    hash and by parent, along with a bounded index of orphan blocks
  - Branch is a candidate chain segment built by walking the pool from a block
    back to the main chain along with its cumulative proof of work
  - The validation pipeline runs the context-free check stage in parallel,
    followed by the positional accept stage and the connect stage which
    resolves every spent output as of the fork point of the branch
  - Organizer runs the pipeline for queued blocks on a pool of workers,
    performs fork choice, serializes commits to the ChainStore, and notifies
    ReorgHandler subscribers in commit order

Fork choice selects the chain with strictly more cumulative proof of work.  A
branch with the same amount of work as the main chain does not cause a
reorganization.

Errors

Errors returned by this package are either the raw errors provided by the
underlying chain store or of type ContextError, RuleError, ValidationError, or
AssertError.  All rule violations can be identified via errors.Is with the
relevant ErrorKind.  Errors with the kind ErrStore indicate the chain store
failed and processing can not safely continue.  A failed commit is relayed to
every subscriber and halts the organizer.
*/
package blockchain
