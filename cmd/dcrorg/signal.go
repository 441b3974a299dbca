// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
)

// shutdownRequestChannel is used to initiate shutdown from one of the
// subsystems using the same code paths as when an interrupt signal is received.
var shutdownRequestChannel = make(chan struct{})

// shutdownOnce ensures the shutdown request channel is only closed once.
var shutdownOnce sync.Once

// interruptSignals defines the default signals to catch in order to do a proper
// shutdown.  This may be modified during init depending on the platform.
var interruptSignals = []os.Signal{os.Interrupt}

// requestShutdown initiates a shutdown of the process.  It is used when the
// organizer reports a fatal chain store failure.  It is safe to call multiple
// times and from multiple goroutines.
func requestShutdown() {
	shutdownOnce.Do(func() {
		close(shutdownRequestChannel)
	})
}

// shutdownListener listens for OS Signals such as SIGINT (Ctrl+C) and shutdown
// requests from requestShutdown.  It returns a context that is canceled when
// either signal is received.
func shutdownListener() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		interruptChannel := make(chan os.Signal, 1)
		signal.Notify(interruptChannel, interruptSignals...)

		// Listen for initial shutdown signal and cancel the returned context.
		select {
		case sig := <-interruptChannel:
			dcroLog.Infof("Received signal (%s).  Shutting down...", sig)

		case <-shutdownRequestChannel:
			dcroLog.Info("Shutdown requested.  Shutting down...")
		}
		cancel()

		// Listen for repeated signals and display a message so the user
		// knows the shutdown is in progress and the process is not
		// hung.
		for sig := range interruptChannel {
			dcroLog.Infof("Received signal (%s).  Already shutting down...",
				sig)
		}
	}()

	return ctx
}

// shutdownRequested returns true when the context returned by shutdownListener
// was canceled.  This simplifies early shutdown slightly since the caller can
// just use an if statement instead of a select.
func shutdownRequested(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
	}

	return false
}
