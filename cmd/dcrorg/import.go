// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrorg/internal/blockchain"
)

// importResults houses the stats and result of an import operation.
type importResults struct {
	blocksProcessed int64
	blocksRejected  int64
	blocksOrphaned  int64
	err             error
}

// blockImporter reads serialized blocks from a flat file and submits them to
// the organizer.  Each block in the file is prefixed by the network magic and
// the size of the block, both encoded as little endian uint32s.
type blockImporter struct {
	r        io.Reader
	params   *chaincfg.Params
	org      *blockchain.Organizer
	results  importResults
	sizeBuf  [4]byte
	magicBuf [4]byte
}

// readBlock reads the next block from the input file.  It returns nil without
// an error once the end of the file has been reached.
func (bi *blockImporter) readBlock() ([]byte, error) {
	// The block file format is:
	//  <network> <block length> <serialized block>
	if _, err := io.ReadFull(bi.r, bi.magicBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	net := wire.CurrencyNet(binary.LittleEndian.Uint32(bi.magicBuf[:]))
	if net != bi.params.Net {
		return nil, fmt.Errorf("network mismatch -- got %x, want %x",
			uint32(net), uint32(bi.params.Net))
	}

	if _, err := io.ReadFull(bi.r, bi.sizeBuf[:]); err != nil {
		return nil, err
	}
	blockLen := binary.LittleEndian.Uint32(bi.sizeBuf[:])
	if blockLen > wire.MaxBlockPayload {
		return nil, fmt.Errorf("block payload of %d bytes is larger than "+
			"the max allowed %d bytes", blockLen, wire.MaxBlockPayload)
	}

	serializedBlock := make([]byte, blockLen)
	if _, err := io.ReadFull(bi.r, serializedBlock); err != nil {
		return nil, err
	}
	return serializedBlock, nil
}

// processBlock deserializes the block and submits it to the organizer.  Only
// failures that prevent the import from continuing are returned.
func (bi *blockImporter) processBlock(serializedBlock []byte) error {
	block, err := dcrutil.NewBlockFromBytes(serializedBlock)
	if err != nil {
		return fmt.Errorf("failed to deserialize block: %w", err)
	}

	err = bi.org.ProcessBlock(block)
	switch {
	case err == nil:
		bi.results.blocksProcessed++
		return bi.processOrphans(block)

	case errors.Is(err, blockchain.ErrMissingParent):
		dcroLog.Debugf("Orphan block %v: %v", block.Hash(), err)
		bi.results.blocksOrphaned++
		return nil

	case errors.Is(err, blockchain.ErrStore), errors.Is(err, blockchain.ErrStopped):
		return err
	}

	dcroLog.Infof("Rejected block %v: %v", block.Hash(), err)
	bi.results.blocksRejected++
	return nil
}

// processOrphans resubmits the retained orphans that build on the provided
// block, and recursively on those orphans, now that their parent is known.
func (bi *blockImporter) processOrphans(parent *dcrutil.Block) error {
	queue := []*dcrutil.Block{parent}
	for len(queue) > 0 {
		block := queue[0]
		queue = queue[1:]
		for _, orphan := range bi.org.OrphansOf(block.Hash()) {
			err := bi.org.ProcessBlock(orphan)
			switch {
			case err == nil:
				bi.results.blocksProcessed++
				queue = append(queue, orphan)
				continue

			case errors.Is(err, blockchain.ErrStore),
				errors.Is(err, blockchain.ErrStopped):
				return err
			}

			dcroLog.Infof("Rejected orphan block %v: %v", orphan.Hash(), err)
			bi.results.blocksRejected++
		}
	}
	return nil
}

// Import reads and processes blocks until the end of the input, a fatal error,
// or the context is canceled.
func (bi *blockImporter) Import(ctx context.Context) importResults {
	for !shutdownRequested(ctx) {
		serializedBlock, err := bi.readBlock()
		if err != nil {
			bi.results.err = err
			break
		}
		if serializedBlock == nil {
			break
		}
		if err := bi.processBlock(serializedBlock); err != nil {
			bi.results.err = err
			break
		}
	}
	return bi.results
}

// newBlockImporter returns a new importer for the provided input and
// organizer.
func newBlockImporter(r io.Reader, params *chaincfg.Params, org *blockchain.Organizer) *blockImporter {
	return &blockImporter{r: r, params: params, org: org}
}
