// Copyright (c) 2016-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package mining maintains the graph of unconfirmed transactions considered for
the next block and selects block templates from it.

Transactions are kept in an arena of nodes addressed by index.  Each node
tracks the fee, size, and signature operations of itself plus all of its
unconfirmed descendants so that the template builder can favor parents whose
children pay for them.  The graph implements the organizer's transaction
reconciler interface so it follows every change to the main chain.
*/
package mining
