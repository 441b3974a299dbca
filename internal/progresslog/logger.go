// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package progresslog

import (
	"sync"
	"time"

	"github.com/decred/dcrd/wire"
	"github.com/decred/slog"
)

// logInterval is the minimum duration between unforced progress messages.
const logInterval = time.Second * 10

// pickNoun returns the singular or plural form of a noun depending on the
// provided count.
func pickNoun(n uint64, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}

// Logger provides periodic logging of progress towards some action such as
// organizing blocks into the best chain.
type Logger struct {
	sync.Mutex
	subsystemLogger slog.Logger
	progressAction  string

	// lastLogTime tracks the last time a log statement was shown.
	lastLogTime time.Time

	// These fields accumulate information about commits between log
	// statements.
	connectedBlocks    uint64
	disconnectedBlocks uint64
	connectedTxns      uint64
	reorgs             uint64
}

// New returns a new chain progress logger.
func New(progressAction string, logger slog.Logger) *Logger {
	return &Logger{
		lastLogTime:     time.Now(),
		progressAction:  progressAction,
		subsystemLogger: logger,
	}
}

// LogCommit accumulates details for a committed chain change and periodically
// (every 10 seconds) logs an information message to show progress to the user
// along with duration and totals included.  The incoming blocks must be
// ordered oldest first so the last one describes the new tip.
//
// The force flag may be used to force a log message to be shown regardless of
// the time the last one was shown.
//
// The progress message is templated as follows:
//  {progressAction} {numConnected} {blocks|block} in the last {timePeriod}
//  ({numTxs} {transactions|transaction}, {numDisconnected} disconnected,
//  {numReorgs} {reorgs|reorg}, height {lastBlockHeight},
//  {lastBlockTimeStamp})
func (l *Logger) LogCommit(incoming []*wire.MsgBlock, numOutgoing int, forceLog bool) {
	if len(incoming) == 0 {
		return
	}

	l.Lock()
	defer l.Unlock()

	for _, block := range incoming {
		l.connectedBlocks++
		l.connectedTxns += uint64(len(block.Transactions))
	}
	if numOutgoing > 0 {
		l.disconnectedBlocks += uint64(numOutgoing)
		l.reorgs++
	}
	now := time.Now()
	duration := now.Sub(l.lastLogTime)
	if !forceLog && duration < logInterval {
		return
	}

	header := &incoming[len(incoming)-1].Header
	l.subsystemLogger.Infof("%s %d %s in the last %0.2fs (%d %s, %d "+
		"disconnected, %d %s, height %d, %s)", l.progressAction,
		l.connectedBlocks, pickNoun(l.connectedBlocks, "block", "blocks"),
		duration.Seconds(),
		l.connectedTxns, pickNoun(l.connectedTxns, "transaction", "transactions"),
		l.disconnectedBlocks,
		l.reorgs, pickNoun(l.reorgs, "reorg", "reorgs"),
		header.Height, header.Timestamp)

	l.connectedBlocks = 0
	l.disconnectedBlocks = 0
	l.connectedTxns = 0
	l.reorgs = 0
	l.lastLogTime = now
}

// SetLastLogTime updates the last time data was logged to the provided time.
func (l *Logger) SetLastLogTime(time time.Time) {
	l.Lock()
	l.lastLogTime = time
	l.Unlock()
}
