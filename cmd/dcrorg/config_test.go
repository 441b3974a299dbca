// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrorg/internal/blockchain"
	"github.com/decred/dcrorg/sampleconfig"
)

// TestLoadConfigDefaults ensures the default configuration selects the main
// network and namespaces the data directory by network.
func TestLoadConfigDefaults(t *testing.T) {
	homeDir := t.TempDir()
	cfg, _, err := loadConfig("dcrorg", []string{"--appdata=" + homeDir,
		"--nofilelogging"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mainNet := chaincfg.MainNetParams()
	if cfg.params.Net != mainNet.Net {
		t.Fatalf("unexpected network -- got %v, want %v", cfg.params.Name,
			mainNet.Name)
	}
	wantDataDir := filepath.Join(homeDir, defaultDataDirname, mainNet.Name)
	if cfg.DataDir != wantDataDir {
		t.Fatalf("unexpected data dir -- got %q, want %q", cfg.DataDir,
			wantDataDir)
	}
	configFile := filepath.Join(homeDir, defaultConfigFilename)
	contents, err := os.ReadFile(configFile)
	if err != nil {
		t.Fatalf("default config file not created: %v", err)
	}
	if string(contents) != sampleconfig.Dcrorg() {
		t.Fatal("default config file does not match the sample config")
	}
	if cfg.MaxPoolBlocks != blockchain.DefaultMaxPoolBlocks ||
		cfg.MaxPoolDepth != blockchain.DefaultMaxPoolDepth ||
		cfg.MaxOrphans != blockchain.DefaultMaxOrphanBlocks {

		t.Fatalf("unexpected pool defaults: %d %d %d", cfg.MaxPoolBlocks,
			cfg.MaxPoolDepth, cfg.MaxOrphans)
	}
}

// TestLoadConfigFile ensures options are read from the config file and that
// command line options take precedence over them.
func TestLoadConfigFile(t *testing.T) {
	homeDir := t.TempDir()
	configFile := filepath.Join(homeDir, "custom.conf")
	contents := "[Application Options]\nregnet=1\nworkers=3\nmaxorphans=7\n"
	if err := os.WriteFile(configFile, []byte(contents), 0600); err != nil {
		t.Fatalf("unable to write config file: %v", err)
	}

	cfg, _, err := loadConfig("dcrorg", []string{"--appdata=" + homeDir,
		"--configfile=" + configFile, "--nofilelogging", "--workers=5"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.params.Net != chaincfg.RegNetParams().Net {
		t.Fatalf("unexpected network %v", cfg.params.Name)
	}
	if cfg.Workers != 5 {
		t.Fatalf("command line did not override config file -- got %d "+
			"workers, want 5", cfg.Workers)
	}
	if cfg.MaxOrphans != 7 {
		t.Fatalf("unexpected max orphans -- got %d, want 7", cfg.MaxOrphans)
	}
}

// TestLoadConfigErrors ensures invalid option combinations are rejected.
func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string   // test description
		args    []string // command line arguments
		wantErr string   // expected error substring
	}{{
		name:    "multiple networks",
		args:    []string{"--testnet", "--simnet"},
		wantErr: "can't be used together",
	}, {
		name:    "invalid debug level",
		args:    []string{"--debuglevel=loud"},
		wantErr: "debug level [loud] is invalid",
	}, {
		name:    "invalid subsystem",
		args:    []string{"--debuglevel=ORGN=debug,XXXX=info"},
		wantErr: "subsystem [XXXX] is invalid",
	}, {
		name:    "negative workers",
		args:    []string{"--workers=-1"},
		wantErr: "workers option may not be negative",
	}, {
		name:    "zero pool blocks",
		args:    []string{"--maxpoolblocks=0"},
		wantErr: "pool limits must be positive",
	}, {
		name:    "block size above network maximum",
		args:    []string{"--regnet", "--blockmaxsize=100000000"},
		wantErr: "blockmaxsize option must be in between",
	}, {
		name:    "missing import file",
		args:    []string{"--importfile=/nonexistent/blocks.dat"},
		wantErr: "does not exist",
	}}

	for _, test := range tests {
		args := append([]string{"--appdata=" + t.TempDir(),
			"--nofilelogging"}, test.args...)
		_, _, err := loadConfig("dcrorg", args)
		if err == nil || !strings.Contains(err.Error(), test.wantErr) {
			t.Fatalf("%q: unexpected error -- got %v, want %q", test.name,
				err, test.wantErr)
		}
	}

	// Restore the default levels changed by the debug level cases.
	setLogLevels(defaultLogLevel)
}

// TestParseAndSetDebugLevels ensures per-subsystem levels are applied.
func TestParseAndSetDebugLevels(t *testing.T) {
	defer setLogLevels(defaultLogLevel)

	if err := parseAndSetDebugLevels("ORGN=trace,MINR=warn"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := orgnLog.Level().String(); got != "TRC" {
		t.Fatalf("unexpected ORGN level %q", got)
	}
	if got := minrLog.Level().String(); got != "WRN" {
		t.Fatalf("unexpected MINR level %q", got)
	}
	if err := parseAndSetDebugLevels("ORGN"); err == nil {
		t.Fatal("expected error for pair without a level")
	}
}
