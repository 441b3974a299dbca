// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package consensus

import (
	"context"
	"fmt"
	"runtime"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrorg/internal/blockchain"
	"golang.org/x/sync/errgroup"
)

// PrevScripter defines an interface that provides access to scripts and their
// associated version keyed by an outpoint.  The boolean return indicates
// whether or not the script and version for the provided outpoint was found.
type PrevScripter interface {
	PrevScript(*wire.OutPoint) (uint16, []byte, bool)
}

// scriptItem identifies a single transaction input whose script pair must be
// executed.
type scriptItem struct {
	tx      *dcrutil.Tx
	inIndex int
}

// scriptChecker executes the script pairs for transaction inputs against the
// previous output scripts provided by a PrevScripter.
type scriptChecker struct {
	prevScripts PrevScripter
	flags       txscript.ScriptFlags
	sigCache    *txscript.SigCache
}

// checkInput executes the script pair for a single input.
func (c *scriptChecker) checkInput(item scriptItem) error {
	txIn := item.tx.MsgTx().TxIn[item.inIndex]
	prevOut := &txIn.PreviousOutPoint
	scriptVersion, pkScript, ok := c.prevScripts.PrevScript(prevOut)
	if !ok {
		str := fmt.Sprintf("unable to find unspent output %v referenced "+
			"from transaction %s:%d", *prevOut, item.tx.Hash(),
			item.inIndex)
		return ruleError(blockchain.ErrMissingTxOut, str)
	}

	vm, err := txscript.NewEngine(pkScript, item.tx.MsgTx(), item.inIndex,
		c.flags, scriptVersion, c.sigCache)
	if err != nil {
		str := fmt.Sprintf("failed to parse input %s:%d which references "+
			"output %v - %v (input script %x, prev output script %x)",
			item.tx.Hash(), item.inIndex, *prevOut, err,
			txIn.SignatureScript, pkScript)
		return ruleError(blockchain.ErrScriptMalformed, str)
	}
	if err := vm.Execute(); err != nil {
		str := fmt.Sprintf("failed to validate input %s:%d which references "+
			"output %v - %v (input script %x, prev output script %x)",
			item.tx.Hash(), item.inIndex, *prevOut, err,
			txIn.SignatureScript, pkScript)
		return ruleError(blockchain.ErrScriptValidation, str)
	}
	return nil
}

// checkAll executes the script pairs of all provided inputs on a bounded
// number of goroutines and returns the first failure.  Remaining work is
// abandoned once any input fails.
func (c *scriptChecker) checkAll(items []scriptItem) error {
	if len(items) == 0 {
		return nil
	}

	// Script execution is CPU bound, so bound the workers by the number of
	// processor cores.
	numWorkers := runtime.NumCPU() * 3
	if numWorkers > len(items) {
		numWorkers = len(items)
	}

	g, ctx := errgroup.WithContext(context.Background())
	work := make(chan scriptItem)
	g.Go(func() error {
		defer close(work)
		for _, item := range items {
			select {
			case work <- item:
			case <-ctx.Done():
				return nil
			}
		}
		return nil
	})
	for i := 0; i < numWorkers; i++ {
		g.Go(func() error {
			for item := range work {
				if err := c.checkInput(item); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// checkBlockScripts executes and validates the scripts for all non-coinbase
// inputs in the passed block.
func checkBlockScripts(block *dcrutil.Block, prevScripts PrevScripter, flags txscript.ScriptFlags, sigCache *txscript.SigCache) error {
	var items []scriptItem
	for _, tx := range block.Transactions() {
		for inIndex, txIn := range tx.MsgTx().TxIn {
			if isNullOutpointIndex(txIn) {
				continue
			}
			items = append(items, scriptItem{tx: tx, inIndex: inIndex})
		}
	}

	checker := scriptChecker{
		prevScripts: prevScripts,
		flags:       flags,
		sigCache:    sigCache,
	}
	return checker.checkAll(items)
}
