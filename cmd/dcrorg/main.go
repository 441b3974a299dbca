// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrorg/internal/blockchain"
	"github.com/decred/dcrorg/internal/chainstore"
	"github.com/decred/dcrorg/internal/consensus"
	"github.com/decred/dcrorg/internal/mining"
)

// openStore opens the chain store described by the configuration.
func openStore(cfg *config) (*chainstore.Store, error) {
	if cfg.Memory {
		dcroLog.Info("Using in-memory chain store")
		return chainstore.OpenMemory(cfg.params)
	}
	return chainstore.Open(cfg.params, cfg.DataDir)
}

// reorgLogger returns a reorganization handler that logs committed changes to
// the main chain and requests a shutdown when the organizer reports a fatal
// error.
func reorgLogger() blockchain.ReorgHandler {
	return func(err error, event *blockchain.ReorgEvent) bool {
		if err != nil {
			if !errors.Is(err, blockchain.ErrStopped) {
				dcroLog.Errorf("Organizer failure: %v", err)
				requestShutdown()
			}
			return false
		}
		tip := event.Incoming[len(event.Incoming)-1]
		if event.IsReorg() {
			dcroLog.Debugf("Reorganized %d blocks out for %d blocks in, new "+
				"tip %v (height %d)", len(event.Outgoing), len(event.Incoming),
				tip.Hash(), tip.Height())
		}
		return true
	}
}

// dcrorgMain is the real main function for dcrorg.  It is necessary to work
// around the fact that deferred functions do not run when os.Exit() is called.
func dcrorgMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	cfg, _, err := loadConfig(appName, os.Args[1:])
	if err != nil {
		var e errSuppressUsage
		if errors.As(err, &e) {
			return nil
		}
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Get a context that will be canceled when a shutdown signal has been
	// triggered either from an OS signal such as SIGINT (Ctrl+C) or from a
	// fatal organizer failure.
	ctx := shutdownListener()
	defer dcroLog.Info("Shutdown complete")

	dcroLog.Infof("Version %s (Go version %s %s/%s)", appVersion,
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
	dcroLog.Infof("Active network: %s", cfg.params.Name)

	store, err := openStore(cfg)
	if err != nil {
		dcroLog.Errorf("Unable to open chain store: %v", err)
		return err
	}
	defer func() {
		dcroLog.Info("Gracefully shutting down the chain store...")
		store.Close()
	}()

	// Return now if a shutdown signal was triggered.
	if shutdownRequested(ctx) {
		return nil
	}

	sigCache, err := txscript.NewSigCache(cfg.SigCacheMaxSize)
	if err != nil {
		return err
	}
	policy, err := consensus.NewPolicy(cfg.params, sigCache)
	if err != nil {
		return err
	}
	graph := mining.NewTxGraph(store, cfg.params, store.BestState().Height)
	org, err := blockchain.New(&blockchain.Config{
		Store:      store,
		Policy:     policy,
		Reconciler: graph,
		Workers:    cfg.Workers,
		Pool: blockchain.PoolConfig{
			MaxBlocks:  cfg.MaxPoolBlocks,
			MaxDepth:   cfg.MaxPoolDepth,
			MaxOrphans: cfg.MaxOrphans,
		},
	})
	if err != nil {
		return err
	}
	org.Start()
	org.Subscribe(reorgLogger())
	defer func() {
		dcroLog.Info("Stopping chain organizer...")
		org.Stop()
	}()

	if cfg.ImportFile != "" {
		f, err := os.Open(cfg.ImportFile)
		if err != nil {
			return err
		}
		defer f.Close()

		dcroLog.Infof("Importing blocks from %s", cfg.ImportFile)
		importer := newBlockImporter(bufio.NewReader(f), cfg.params, org)
		results := importer.Import(ctx)
		dcroLog.Infof("Processed %d blocks (%d rejected, %d orphaned)",
			results.blocksProcessed, results.blocksRejected,
			results.blocksOrphaned)
		if results.err != nil {
			dcroLog.Errorf("Import failed: %v", results.err)
			return results.err
		}
	}

	best := org.BestState()
	dcroLog.Infof("Chain tip %v (height %d, %d transactions, work %v)",
		&best.Hash, best.Height, best.NumTxns, best.Work.String())

	tmplPolicy := mining.DefaultPolicy(cfg.params)
	if cfg.BlockMaxSize > 0 {
		tmplPolicy.BlockMaxSize = cfg.BlockMaxSize
	}
	template := tmplPolicy.NewBlockTemplate(graph)
	dcroLog.Infof("Block template: %d transactions, %d bytes, %d sigops, "+
		"fees %d", len(template.Transactions), template.Size,
		template.SigOps, template.TotalFee)
	return nil
}

func main() {
	// Work around defer not working after os.Exit()
	if err := dcrorgMain(); err != nil {
		os.Exit(1)
	}
}
