// Copyright (c) 2021-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package progresslog

import (
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/decred/dcrd/wire"
	"github.com/decred/slog"
)

var (
	backendLog = slog.NewBackend(io.Discard)
	testLog    = backendLog.Logger("TEST")
)

// TestLogCommit ensures the commit logging functionality works as expected via
// a test logger.
func TestLogCommit(t *testing.T) {
	testBlocks := []wire.MsgBlock{{
		Header: wire.BlockHeader{
			Version:   1,
			Height:    100000,
			Timestamp: time.Unix(1293623863, 0), // 2010-12-29 11:57:43 +0000 UTC
		},
		Transactions: make([]*wire.MsgTx, 4),
	}, {
		Header: wire.BlockHeader{
			Version:   1,
			Height:    100001,
			Timestamp: time.Unix(1293624163, 0), // 2010-12-29 12:02:43 +0000 UTC
		},
		Transactions: make([]*wire.MsgTx, 2),
	}, {
		Header: wire.BlockHeader{
			Version:   1,
			Height:    100002,
			Timestamp: time.Unix(1293624463, 0), // 2010-12-29 12:07:43 +0000 UTC
		},
		Transactions: make([]*wire.MsgTx, 3),
	}}

	tests := []struct {
		name             string
		reset            bool
		incoming         []*wire.MsgBlock
		numOutgoing      int
		forceLog         bool
		lastLogTime      time.Time
		wantConnected    uint64
		wantDisconnected uint64
		wantTxns         uint64
		wantReorgs       uint64
	}{{
		name:          "round 1, extend by 1, last log time < 10 secs ago, not forced",
		incoming:      []*wire.MsgBlock{&testBlocks[0]},
		lastLogTime:   time.Now(),
		wantConnected: 1,
		wantTxns:      4,
	}, {
		name:             "round 1, reorg 2 for 1, last log time < 10 secs ago, not forced",
		incoming:         []*wire.MsgBlock{&testBlocks[1], &testBlocks[2]},
		numOutgoing:      1,
		lastLogTime:      time.Now(),
		wantConnected:    3,
		wantDisconnected: 1,
		wantTxns:         9,
		wantReorgs:       1,
	}, {
		name:        "round 1, extend by 1, last log time < 10 secs ago, forced",
		incoming:    []*wire.MsgBlock{&testBlocks[2]},
		forceLog:    true,
		lastLogTime: time.Now(),
	}, {
		name:          "round 2, extend by 1, last log time < 10 secs ago, not forced",
		reset:         true,
		incoming:      []*wire.MsgBlock{&testBlocks[0]},
		lastLogTime:   time.Now(),
		wantConnected: 1,
		wantTxns:      4,
	}, {
		name:          "round 2, nothing connected is ignored",
		incoming:      nil,
		numOutgoing:   2,
		lastLogTime:   time.Now().Add(-11 * time.Second),
		wantConnected: 1,
		wantTxns:      4,
	}, {
		name:        "round 2, extend by 1, last log time > 10 secs ago, not forced",
		incoming:    []*wire.MsgBlock{&testBlocks[1]},
		lastLogTime: time.Now().Add(-11 * time.Second),
	}}

	logger := New("Organized", testLog)
	for _, test := range tests {
		if test.reset {
			logger = New("Organized", testLog)
		}
		logger.SetLastLogTime(test.lastLogTime)
		logger.LogCommit(test.incoming, test.numOutgoing, test.forceLog)

		want := &Logger{
			subsystemLogger:    logger.subsystemLogger,
			progressAction:     logger.progressAction,
			lastLogTime:        logger.lastLogTime,
			connectedBlocks:    test.wantConnected,
			disconnectedBlocks: test.wantDisconnected,
			connectedTxns:      test.wantTxns,
			reorgs:             test.wantReorgs,
		}
		if !reflect.DeepEqual(logger, want) {
			t.Errorf("%s:\nwant: %+v\ngot: %+v\n", test.name, want, logger)
		}
	}
}
