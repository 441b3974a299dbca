// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
dcrorg organizes Decred blocks into a best chain and keeps a transaction graph
consistent with it across reorganizations.

Blocks are read from a flat file produced by a node's block dump, validated,
and connected to the chain with the most cumulative proof of work.  Blocks
whose parent is not yet known are retained as orphans and organized once the
parent arrives.  The chain and its unspent transaction outputs are stored in a
leveldb database under the data directory unless --memory is specified.

The long form of all of the options (except -C) can be specified in a
configuration file that is created from a sample the first time dcrorg starts.
By default, the configuration file is located at ~/.dcrorg/dcrorg.conf on
POSIX-style operating systems and %LOCALAPPDATA%\dcrorg\dcrorg.conf on Windows.

Usage:

	dcrorg [OPTIONS]

Application Options:

	-V, --version          Display version information and exit
	-A, --appdata=         Path to application home directory
	-C, --configfile=      Path to configuration file
	-b, --datadir=         Directory to store data
	    --memory           Keep the chain in memory instead of on disk
	    --testnet          Use the test network
	    --simnet           Use the simulation test network
	    --regnet           Use the regression test network
	    --logdir=          Directory to log output
	    --nofilelogging    Disable file logging
	    --maxlogrolls=     Number of rolled log files to keep (default: 8)
	-d, --debuglevel=      Logging level for all subsystems {trace, debug,
	                       info, warn, error, critical} -- You may also specify
	                       <subsystem>=<level>,<subsystem2>=<level>,... to set
	                       the log level for individual subsystems -- Use show
	                       to list available subsystems (default: info)
	-i, --importfile=      File containing serialized blocks to organize
	    --workers=         Number of goroutines that organize blocks -- 0 uses
	                       the number of processor cores
	    --maxpoolblocks=   Maximum number of blocks pending in the block pool
	                       (default: 5000)
	    --maxpooldepth=    Number of blocks below the tip pending blocks are
	                       retained (default: 288)
	    --maxorphans=      Maximum number of orphan blocks retained
	                       (default: 500)
	    --sigcachemaxsize= The maximum number of entries in the signature
	                       verification cache (default: 100000)
	    --blockmaxsize=    Maximum block size in bytes for generated templates
	                       -- 0 uses the network maximum

Help Options:

	-h, --help             Show this help message
*/
package main
