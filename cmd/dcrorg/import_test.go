// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrorg/internal/blockchain"
	"github.com/decred/dcrorg/internal/chainstore"
	"github.com/decred/dcrorg/internal/consensus"
)

// solvedBlock returns a solved block building on the parent with a coinbase
// carrying the provided tag.
func solvedBlock(t *testing.T, params *chaincfg.Params, parent *wire.BlockHeader, tag string) *wire.MsgBlock {
	t.Helper()

	coinbase := wire.NewMsgTx()
	coinbase.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{},
			math.MaxUint32, wire.TxTreeRegular),
		Sequence:        wire.MaxTxInSequenceNum,
		SignatureScript: []byte(tag),
	})
	coinbase.AddTxOut(wire.NewTxOut(0, []byte{0x51}))

	msgBlock := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   1,
			PrevBlock: parent.BlockHash(),
			Bits:      parent.Bits,
			Height:    parent.Height + 1,
			Timestamp: time.Unix(parent.Timestamp.Unix()+60, 0),
		},
		Transactions: []*wire.MsgTx{coinbase},
	}
	header := &msgBlock.Header
	header.MerkleRoot = standalone.CalcTxTreeMerkleRoot(msgBlock.Transactions)
	header.Size = uint32(msgBlock.SerializeSize())
	for i := uint32(0); i < math.MaxUint32; i++ {
		header.Nonce = i
		hash := header.BlockHash()
		err := standalone.CheckProofOfWork(&hash, header.Bits, params.PowLimit)
		if err == nil {
			return msgBlock
		}
	}
	t.Fatalf("unable to solve block %q", tag)
	return nil
}

// writeBlock appends the block to the buffer in the flat file format.
func writeBlock(t *testing.T, buf *bytes.Buffer, net wire.CurrencyNet, msgBlock *wire.MsgBlock) {
	t.Helper()

	serialized, err := msgBlock.Bytes()
	if err != nil {
		t.Fatalf("unable to serialize block: %v", err)
	}
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(net))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(serialized)))
	buf.Write(hdr[:])
	buf.Write(serialized)
}

// TestBlockImporter ensures blocks in the flat file format are organized in
// order, orphans are counted, and malformed input stops the import.
func TestBlockImporter(t *testing.T) {
	params := chaincfg.RegNetParams()
	store, err := chainstore.OpenMemory(params)
	if err != nil {
		t.Fatalf("unexpected error opening store: %v", err)
	}
	defer store.Close()
	policy, err := consensus.NewPolicy(params, nil)
	if err != nil {
		t.Fatalf("unexpected error creating policy: %v", err)
	}
	org, err := blockchain.New(&blockchain.Config{
		Store:  store,
		Policy: policy,
	})
	if err != nil {
		t.Fatalf("unexpected error creating organizer: %v", err)
	}
	org.Start()
	defer org.Stop()

	b1 := solvedBlock(t, params, &params.GenesisBlock.Header, "b1")
	b2 := solvedBlock(t, params, &b1.Header, "b2")
	b3 := solvedBlock(t, params, &b2.Header, "b3")
	b4 := solvedBlock(t, params, &b3.Header, "b4")

	// The fourth block is written before its parent is known, so it is
	// orphaned and then resubmitted once its parent is organized.
	var buf bytes.Buffer
	writeBlock(t, &buf, params.Net, b1)
	writeBlock(t, &buf, params.Net, b2)
	writeBlock(t, &buf, params.Net, b4)
	writeBlock(t, &buf, params.Net, b3)

	results := newBlockImporter(&buf, params, org).Import(context.Background())
	if results.err != nil {
		t.Fatalf("unexpected import error: %v", results.err)
	}
	if results.blocksProcessed != 4 || results.blocksOrphaned != 1 ||
		results.blocksRejected != 0 {

		t.Fatalf("unexpected results: processed %d, orphaned %d, rejected %d",
			results.blocksProcessed, results.blocksOrphaned,
			results.blocksRejected)
	}
	if best := org.BestState(); best.Height != 4 || best.Hash != b4.BlockHash() {
		t.Fatalf("unexpected tip -- got %v (height %d), want %v (height 4)",
			best.Hash, best.Height, b4.BlockHash())
	}

	// A block for another network stops the import.
	buf.Reset()
	writeBlock(t, &buf, chaincfg.SimNetParams().Net, b4)
	results = newBlockImporter(&buf, params, org).Import(context.Background())
	if results.err == nil || !strings.Contains(results.err.Error(),
		"network mismatch") {

		t.Fatalf("unexpected error -- got %v, want network mismatch",
			results.err)
	}

	// A block length above the maximum payload stops the import.
	buf.Reset()
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(params.Net))
	binary.LittleEndian.PutUint32(hdr[4:8], wire.MaxBlockPayload+1)
	buf.Write(hdr[:])
	results = newBlockImporter(&buf, params, org).Import(context.Background())
	if results.err == nil || !strings.Contains(results.err.Error(),
		"larger than the max") {

		t.Fatalf("unexpected error -- got %v, want oversized block",
			results.err)
	}
}
