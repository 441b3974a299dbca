// Copyright (c) 2020-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package progresslog provides periodic logging for chain organization progress.

Tests are included to ensure proper functionality.

## Feature Overview

- Maintains cumulative totals about committed chain changes between each
  logging interval
  - Total number of connected blocks
  - Total number of disconnected blocks
  - Total number of transactions in connected blocks
  - Total number of reorganizations
- Logs all cumulative data every 10 seconds
- Logging may be forced to flush outstanding data immediately
*/
package progresslog
