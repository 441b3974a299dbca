// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"sync"
)

// ReorgHandler is invoked with every committed change to the main chain.  The
// error is nil for a committed change and the event describes it.  Otherwise,
// the event is nil, the handler will not be invoked again, and the error is
// either ErrStopped or, when the chain store failed to commit, an error with
// the kind ErrStore.
//
// Returning false removes the handler so it is not invoked for later events.
//
// Handlers are invoked synchronously and serially in subscription order, so
// they must not block for long periods and must not call Subscribe,
// Unsubscribe, or ProcessBlock.  Querying the organizer, such as with
// BestState, is safe.
type ReorgHandler func(err error, event *ReorgEvent) bool

// reorgRegistry houses the ordered list of reorganization handlers.  The same
// lock serializes registration with dispatch so that a handler registered
// while a commit is in progress either receives the resulting event or it does
// not, but never a partial or duplicated delivery.
type reorgRegistry struct {
	mtx      sync.Mutex
	handlers []ReorgHandler
	stopped  bool
}

// newReorgRegistry returns an empty registry in the stopped state.
func newReorgRegistry() *reorgRegistry {
	return &reorgRegistry{stopped: true}
}

// start allows handlers to be registered.
func (r *reorgRegistry) start() {
	r.mtx.Lock()
	r.stopped = false
	r.mtx.Unlock()
}

// subscribe appends the handler.  The handler is invoked immediately with
// ErrStopped instead when the registry is stopped.
func (r *reorgRegistry) subscribe(handler ReorgHandler) {
	r.mtx.Lock()
	if r.stopped {
		r.mtx.Unlock()
		handler(ErrStopped, nil)
		return
	}
	r.handlers = append(r.handlers, handler)
	r.mtx.Unlock()
}

// relayLocked invokes every handler in order with the provided values and
// removes those that return false.
//
// This function MUST be called with the registry lock held.
func (r *reorgRegistry) relayLocked(err error, event *ReorgEvent) {
	kept := r.handlers[:0]
	for _, handler := range r.handlers {
		if handler(err, event) {
			kept = append(kept, handler)
		}
	}
	for i := len(kept); i < len(r.handlers); i++ {
		r.handlers[i] = nil
	}
	r.handlers = kept
}

// unsubscribe relays ErrStopped to every handler and removes all of them.  The
// registry is also moved to the stopped state when the stop flag is set.
func (r *reorgRegistry) unsubscribe(stop bool) {
	r.mtx.Lock()
	handlers := r.handlers
	r.handlers = nil
	if stop {
		r.stopped = true
	}
	for _, handler := range handlers {
		handler(ErrStopped, nil)
	}
	r.mtx.Unlock()
}

// fail relays the provided error to every handler, removes all of them, and
// moves the registry to the stopped state.
func (r *reorgRegistry) fail(err error) {
	r.mtx.Lock()
	handlers := r.handlers
	r.handlers = nil
	r.stopped = true
	for _, handler := range handlers {
		handler(err, nil)
	}
	r.mtx.Unlock()
}

// numHandlers returns the number of registered handlers.
func (r *reorgRegistry) numHandlers() int {
	r.mtx.Lock()
	n := len(r.handlers)
	r.mtx.Unlock()
	return n
}
