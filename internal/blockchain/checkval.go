// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"context"
	"runtime"

	"github.com/decred/dcrd/dcrutil/v4"
	"golang.org/x/sync/errgroup"
)

// blockChecker runs the context-free checks of a validation policy against a
// batch of blocks.  A checker is created for each batch so concurrent batches
// never share work or results.
type blockChecker struct {
	policy     ValidatePolicy
	maxWorkers int
}

// checkBlock runs the context-free checks against a single block.
func (c *blockChecker) checkBlock(block *dcrutil.Block) error {
	if err := c.policy.CheckBlock(block); err != nil {
		return ValidationError{
			Stage: StageCheck,
			Hash:  *block.Hash(),
			Err:   err,
		}
	}
	return nil
}

// checkAll runs the context-free checks against all of the passed blocks using
// multiple goroutines.  The first failure is returned as a ValidationError and
// the remaining work is abandoned.
func (c *blockChecker) checkAll(blocks []*dcrutil.Block) error {
	switch len(blocks) {
	case 0:
		return nil
	case 1:
		return c.checkBlock(blocks[0])
	}

	// Limit the number of goroutines based on the number of processor cores
	// unless a limit is provided.  This help ensure the system stays
	// reasonably responsive under heavy load.
	numWorkers := c.maxWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU() * 3
	}
	if numWorkers > len(blocks) {
		numWorkers = len(blocks)
	}

	g, ctx := errgroup.WithContext(context.Background())
	work := make(chan *dcrutil.Block)
	g.Go(func() error {
		defer close(work)
		for _, block := range blocks {
			select {
			case work <- block:
			case <-ctx.Done():
				return nil
			}
		}
		return nil
	})
	for i := 0; i < numWorkers; i++ {
		g.Go(func() error {
			for block := range work {
				if err := c.checkBlock(block); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}
