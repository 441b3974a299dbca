// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrorg/internal/blockchain"
	"github.com/decred/dcrorg/sampleconfig"
	flags "github.com/jessevdk/go-flags"
)

const (
	appVersion = "1.0.0"

	defaultConfigFilename = "dcrorg.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "dcrorg.log"
	defaultMaxLogRolls    = 8
	defaultSigCacheSize   = 100000
)

var (
	defaultHomeDir    = dcrutil.AppDataDir("dcrorg", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// config defines the configuration options for dcrorg.
//
// See loadConfig for details on the configuration load process.
type config struct {
	// General application behavior.
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	HomeDir     string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store data"`
	Memory      bool   `long:"memory" description:"Keep the chain in memory instead of on disk"`
	TestNet     bool   `long:"testnet" description:"Use the test network"`
	SimNet      bool   `long:"simnet" description:"Use the simulation test network"`
	RegNet      bool   `long:"regnet" description:"Use the regression test network"`

	// Logging options.
	LogDir        string `long:"logdir" description:"Directory to log output"`
	NoFileLogging bool   `long:"nofilelogging" description:"Disable file logging"`
	MaxLogRolls   int    `long:"maxlogrolls" description:"Number of rolled log files to keep"`
	DebugLevel    string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	// Organizer options.
	ImportFile    string `short:"i" long:"importfile" description:"File containing serialized blocks to organize"`
	Workers       int    `long:"workers" description:"Number of goroutines that organize blocks -- 0 uses the number of processor cores"`
	MaxPoolBlocks int    `long:"maxpoolblocks" description:"Maximum number of blocks pending in the block pool"`
	MaxPoolDepth  int64  `long:"maxpooldepth" description:"Number of blocks below the tip pending blocks are retained"`
	MaxOrphans    int    `long:"maxorphans" description:"Maximum number of orphan blocks retained"`

	// Policy options.
	SigCacheMaxSize uint  `long:"sigcachemaxsize" description:"The maximum number of entries in the signature verification cache"`
	BlockMaxSize    int64 `long:"blockmaxsize" description:"Maximum block size in bytes for generated templates -- 0 uses the network maximum"`

	params *chaincfg.Params
}

// errSuppressUsage signifies that an error that happened during the initial
// configuration phase should suppress the usage output since it was not caused
// by the user.
type errSuppressUsage string

// Error implements the error interface.
func (e errSuppressUsage) Error() string {
	return string(e)
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Nothing to do when no path is given.
	if path == "" {
		return path
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)

	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser
	// to otheruser's home directory.  On Windows, both forward and backward
	// slashes can be used.
	path = path[1:]

	var pathSeparators string
	if runtime.GOOS == "windows" {
		pathSeparators = string(os.PathSeparator) + "/"
	} else {
		pathSeparators = string(os.PathSeparator)
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsystems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimiters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsystems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// createDefaultConfigFile copies the sample config to the given destination
// path.
func createDefaultConfigFile(destPath string) error {
	// Create the destination directory if it does not exist.
	err := os.MkdirAll(filepath.Dir(destPath), 0700)
	if err != nil {
		return err
	}

	dest, err := os.OpenFile(destPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer dest.Close()

	_, err = dest.WriteString(sampleconfig.Dcrorg())
	return err
}

// newConfigParser returns a new command line flags parser.
func newConfigParser(cfg *config, options flags.Options) *flags.Parser {
	return flags.NewParser(cfg, options)
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Create the default config file from the sample when it does not exist
//  4. Load configuration file overwriting defaults with any specified options
//  5. Parse CLI options and overwrite/add any specified options
//
// The above results in dcrorg functioning properly without any config settings
// while still allowing the user to override settings with config files and
// command line options.  Command line options always take precedence.
func loadConfig(appName string, args []string) (*config, []string, error) {
	// Default config.
	cfg := config{
		HomeDir:         defaultHomeDir,
		ConfigFile:      defaultConfigFile,
		DataDir:         defaultDataDir,
		LogDir:          defaultLogDir,
		MaxLogRolls:     defaultMaxLogRolls,
		DebugLevel:      defaultLogLevel,
		MaxPoolBlocks:   blockchain.DefaultMaxPoolBlocks,
		MaxPoolDepth:    blockchain.DefaultMaxPoolDepth,
		MaxOrphans:      blockchain.DefaultMaxOrphanBlocks,
		SigCacheMaxSize: defaultSigCacheSize,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := newConfigParser(&preCfg, flags.HelpFlag)
	_, err := preParser.ParseArgs(args)
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			return nil, nil, errSuppressUsage(err.Error())
		}
	}

	// Show the version and exit if the version flag was specified.
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", appName,
			appVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return nil, nil, errSuppressUsage("version requested")
	}

	// Update the home directory if specified.  Since the home directory is
	// updated, other variables need to be updated to reflect the new
	// changes.
	if preCfg.HomeDir != "" {
		cfg.HomeDir = cleanAndExpandPath(preCfg.HomeDir)
		if preCfg.ConfigFile == defaultConfigFile {
			defaultConfigFile = filepath.Join(cfg.HomeDir,
				defaultConfigFilename)
			preCfg.ConfigFile = defaultConfigFile
			cfg.ConfigFile = defaultConfigFile
		} else {
			cfg.ConfigFile = preCfg.ConfigFile
		}
		if preCfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(cfg.HomeDir, defaultDataDirname)
		} else {
			cfg.DataDir = preCfg.DataDir
		}
		if preCfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
		} else {
			cfg.LogDir = preCfg.LogDir
		}
	}

	// Create a default config file when one does not exist and the user did
	// not specify an override.
	if preCfg.ConfigFile == defaultConfigFile && !fileExists(preCfg.ConfigFile) {
		err := createDefaultConfigFile(preCfg.ConfigFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating a default config file: "+
				"%v\n", err)
		}
	}

	// Load additional config from file.
	var configFileError error
	parser := newConfigParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		var e *os.PathError
		if !errors.As(err, &e) {
			err := fmt.Errorf("error parsing config file: %w", err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.ParseArgs(args)
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return nil, nil, err
	}

	// Multiple networks can't be selected simultaneously.  Count number of
	// network flags passed and assign active network params.
	numNets := 0
	cfg.params = chaincfg.MainNetParams()
	if cfg.TestNet {
		numNets++
		cfg.params = chaincfg.TestNet3Params()
	}
	if cfg.SimNet {
		numNets++
		cfg.params = chaincfg.SimNetParams()
	}
	if cfg.RegNet {
		numNets++
		cfg.params = chaincfg.RegNetParams()
	}
	if numNets > 1 {
		str := "%s: the testnet, regnet, and simnet params can't be used " +
			"together -- choose one of the three"
		err := fmt.Errorf(str, "loadConfig")
		return nil, nil, err
	}

	// Append the network type to the data and log directories so they are
	// "namespaced" per network.
	cfg.DataDir = filepath.Join(cleanAndExpandPath(cfg.DataDir),
		cfg.params.Name)
	cfg.LogDir = filepath.Join(cleanAndExpandPath(cfg.LogDir), cfg.params.Name)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		return nil, nil, errSuppressUsage("subsystems listed")
	}

	// Initialize log rotation.  After log rotation has been initialized, the
	// logger variables may be used.
	if !cfg.NoFileLogging {
		initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename),
			cfg.MaxLogRolls)
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %w", "loadConfig", err)
		return nil, nil, err
	}

	// Validate the organizer limits.
	if cfg.Workers < 0 {
		return nil, nil, fmt.Errorf("loadConfig: the workers option may "+
			"not be negative -- parsed [%d]", cfg.Workers)
	}
	if cfg.MaxPoolBlocks <= 0 || cfg.MaxPoolDepth <= 0 || cfg.MaxOrphans < 0 {
		str := "loadConfig: the pool limits must be positive -- parsed " +
			"maxpoolblocks=%d maxpooldepth=%d maxorphans=%d"
		return nil, nil, fmt.Errorf(str, cfg.MaxPoolBlocks, cfg.MaxPoolDepth,
			cfg.MaxOrphans)
	}
	if cfg.BlockMaxSize < 0 ||
		cfg.BlockMaxSize > int64(cfg.params.MaximumBlockSizes[0]) {

		str := "loadConfig: the blockmaxsize option must be in between 0 " +
			"and %d -- parsed [%d]"
		return nil, nil, fmt.Errorf(str, cfg.params.MaximumBlockSizes[0],
			cfg.BlockMaxSize)
	}

	// Clean and ensure the import file exists when specified.
	if cfg.ImportFile != "" {
		cfg.ImportFile = cleanAndExpandPath(cfg.ImportFile)
		if !fileExists(cfg.ImportFile) {
			str := "loadConfig: the specified import file [%s] does not exist"
			return nil, nil, fmt.Errorf(str, cfg.ImportFile)
		}
	}

	// Warn about missing config file only after all other configuration is
	// done.  This prevents the warning on help messages and invalid
	// options.  Note this should go directly before the return.
	if configFileError != nil {
		dcroLog.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}
