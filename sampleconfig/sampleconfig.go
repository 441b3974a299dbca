// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sampleconfig

import (
	_ "embed"
)

// sampleDcrorgConf is a string containing the commented example config for
// dcrorg.
//
//go:embed sample-dcrorg.conf
var sampleDcrorgConf string

// Dcrorg returns a string containing the commented example config for dcrorg.
func Dcrorg() string {
	return sampleDcrorgConf
}
