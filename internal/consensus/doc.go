// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package consensus provides the default block validation policy used by the
chain organizer.

The policy is split into the same three stages the organizer's validation
pipeline runs:

  - CheckBlock performs context-free sanity checks such as the proof of work,
    the merkle root, size limits and transaction sanity
  - AcceptBlock performs checks that depend on the position of the block such
    as the height and timestamp rules
  - ConnectBlock performs full transaction verification including coinbase
    maturity, value balance and script execution

Input existence and double spending are enforced by the pipeline itself, so
ConnectBlock only needs to consult the entries exposed by the connect context.
*/
package consensus
