// Copyright (c) 2019-2024 The Decred developers
// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/slog"
	"github.com/holiman/uint256"
	flags "github.com/jessevdk/go-flags"

	"github.com/nesilp/staking-farm/pool"
)

const (
	defaultConfigFilename = "stakefarmd.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "log"
	defaultLogFilename    = "stakefarmd.log"
	defaultDBFilename     = "stakefarmd.kv"
	defaultAPIListen      = "127.0.0.1:9650"
	defaultPoolAccount    = "pool"
	defaultBurnAccount    = "system"
	defaultRewardFee      = "1/10"
	defaultBurnFee        = "3/10"
	defaultPingInterval   = time.Minute
	defaultPGHost         = "127.0.0.1"
	defaultPGPort         = 5432
	defaultPGUser         = "stakefarm"
	defaultPGPass         = "12345"
	defaultPGDBName       = "stakefarm"
)

var (
	defaultHomeDir    = dcrutil.AppDataDir("stakefarmd", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultDBFile     = filepath.Join(defaultDataDir, defaultDBFilename)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// config defines the configuration options for the staking pool daemon.
type config struct {
	ShowVersion    bool          `short:"V" long:"version" no-ini:"true" description:"Display version information and exit"`
	HomeDir        string        `long:"homedir" ini-name:"homedir" description:"Path to application home directory."`
	ConfigFile     string        `long:"configfile" ini-name:"configfile" description:"Path to configuration file."`
	DataDir        string        `long:"datadir" ini-name:"datadir" description:"The data directory."`
	DebugLevel     string        `long:"debuglevel" ini-name:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	LogDir         string        `long:"logdir" ini-name:"logdir" description:"Directory to log output."`
	DBFile         string        `long:"dbfile" ini-name:"dbfile" description:"Path to the database file."`
	Owner          string        `long:"owner" ini-name:"owner" description:"The account receiving the reward fee."`
	PoolAccount    string        `long:"poolaccount" ini-name:"poolaccount" description:"The account holding the initial stake of the pool."`
	BurnAccount    string        `long:"burnaccount" ini-name:"burnaccount" description:"The account burned reward is forwarded to."`
	RewardFee      string        `long:"rewardfee" ini-name:"rewardfee" description:"The owner's fraction of the post-burn reward, eg. 1/10."`
	BurnFee        string        `long:"burnfee" ini-name:"burnfee" description:"The burned fraction of every reward, eg. 3/10."`
	InitialBalance string        `long:"initialbalance" ini-name:"initialbalance" description:"The balance staked for the pool account when the database is created."`
	PingInterval   time.Duration `long:"pinginterval" ini-name:"pinginterval" description:"The interval between reward settlements."`
	APIListen      string        `long:"apilisten" ini-name:"apilisten" description:"The address the API listens on."`
	RelayerToken   string        `long:"relayertoken" ini-name:"relayertoken" default-mask:"-" description:"The bearer token the relayer authenticates with."`
	Profile        string        `long:"profile" ini-name:"profile" description:"Enable HTTP profiling on given [addr:]port -- NOTE port must be between 1024 and 65536"`
	UsePostgres    bool          `long:"postgres" ini-name:"postgres" description:"Use postgres database instead of bolt."`
	PGHost         string        `long:"postgreshost" ini-name:"postgreshost" description:"Host to establish a postgres connection."`
	PGPort         uint32        `long:"postgresport" ini-name:"postgresport" description:"Port to establish a postgres connection."`
	PGUser         string        `long:"postgresuser" ini-name:"postgresuser" description:"Username for postgres authentication."`
	PGPass         string        `long:"postgrespass" ini-name:"postgrespass" default-mask:"-" description:"Password for postgres authentication."`
	PGDBName       string        `long:"postgresdbname" ini-name:"postgresdbname" description:"Postgres database name."`
	PurgeDB        bool          `long:"purgedb" ini-name:"purgedb" description:"Wipe database on startup. Only available with postgres."`

	rewardFee      pool.Ratio
	burnFee        pool.Ratio
	initialBalance *uint256.Int
}

// suppressUsageError signals that the usage message should not be shown
// alongside the error.
type suppressUsageError struct {
	err error
}

func (e suppressUsageError) Error() string {
	return e.err.Error()
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
	_, ok := slog.LevelFromString(logLevel)
	return ok
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

// createConfigFile copies the sample config to the given destination path,
// filling in the provided directory settings.
func createConfigFile(preCfg *config) error {
	// Create the destination directory if it does not exist.
	err := os.MkdirAll(filepath.Dir(preCfg.ConfigFile), 0700)
	if err != nil {
		return err
	}

	settings := []struct {
		name  string
		value string
	}{
		{"homedir", preCfg.HomeDir},
		{"datadir", preCfg.DataDir},
		{"logdir", preCfg.LogDir},
		{"dbfile", preCfg.DBFile},
		{"debuglevel", preCfg.DebugLevel},
		{"apilisten", preCfg.APIListen},
	}
	s := sampleConfigFileContents
	for _, setting := range settings {
		re := regexp.MustCompile(fmt.Sprintf(`(?m)^;\s*%s=[^\s]*$`,
			setting.name))
		s = re.ReplaceAllString(s, fmt.Sprintf("%s=%s", setting.name,
			setting.value))
	}

	// Create config file at the provided path.
	dest, err := os.OpenFile(preCfg.ConfigFile,
		os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer dest.Close()

	_, err = dest.WriteString(s)
	return err
}

// parsePoolParams validates the pool parameters and decodes the fee ratios
// and the initial balance.
func (cfg *config) parsePoolParams() error {
	if cfg.Owner == "" {
		return errors.New("an owner account is required")
	}
	if cfg.PoolAccount == "" || cfg.BurnAccount == "" {
		return errors.New("the pool and burn accounts must be set")
	}
	if cfg.Owner == cfg.BurnAccount || cfg.PoolAccount == cfg.BurnAccount {
		return fmt.Errorf("the burn account %q must not hold shares",
			cfg.BurnAccount)
	}

	var err error
	cfg.rewardFee, err = pool.ParseRatio(cfg.RewardFee)
	if err != nil {
		return fmt.Errorf("invalid reward fee: %w", err)
	}
	cfg.burnFee, err = pool.ParseRatio(cfg.BurnFee)
	if err != nil {
		return fmt.Errorf("invalid burn fee: %w", err)
	}

	cfg.initialBalance = new(uint256.Int)
	if cfg.InitialBalance != "" {
		cfg.initialBalance, err = pool.ParseAmount(cfg.InitialBalance)
		if err != nil {
			return fmt.Errorf("invalid initial balance: %w", err)
		}
	}

	if cfg.PingInterval < time.Second {
		return fmt.Errorf("the ping interval (%v) must be at least a second",
			cfg.PingInterval)
	}

	if cfg.PurgeDB && !cfg.UsePostgres {
		return errors.New("purgedb is only available with postgres")
	}
	return nil
}

// defaultConfig returns a config with sane defaults.
func defaultConfig() config {
	return config{
		HomeDir:      defaultHomeDir,
		ConfigFile:   defaultConfigFile,
		DataDir:      defaultDataDir,
		DBFile:       defaultDBFile,
		DebugLevel:   defaultLogLevel,
		LogDir:       defaultLogDir,
		PoolAccount:  defaultPoolAccount,
		BurnAccount:  defaultBurnAccount,
		RewardFee:    defaultRewardFee,
		BurnFee:      defaultBurnFee,
		PingInterval: defaultPingInterval,
		APIListen:    defaultAPIListen,
		PGHost:       defaultPGHost,
		PGPort:       defaultPGPort,
		PGUser:       defaultPGUser,
		PGPass:       defaultPGPass,
		PGDBName:     defaultPGDBName,
	}
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in stakefarmd functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig(appName string) (*config, []string, error) {
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", appName,
			Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Update the home directory if specified.  Since the home directory is
	// updated, other variables need to be updated to reflect the new changes.
	if preCfg.HomeDir != defaultHomeDir {
		cfg.HomeDir, _ = filepath.Abs(cleanAndExpandPath(preCfg.HomeDir))

		if preCfg.ConfigFile == defaultConfigFile {
			preCfg.ConfigFile = filepath.Join(cfg.HomeDir,
				defaultConfigFilename)
		}
		cfg.ConfigFile = preCfg.ConfigFile
		if preCfg.DataDir == defaultDataDir {
			preCfg.DataDir = filepath.Join(cfg.HomeDir, defaultDataDirname)
		}
		cfg.DataDir = preCfg.DataDir
		if preCfg.LogDir == defaultLogDir {
			preCfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
		}
		cfg.LogDir = preCfg.LogDir
		if preCfg.DBFile == defaultDBFile {
			preCfg.DBFile = filepath.Join(cfg.DataDir, defaultDBFilename)
		}
		cfg.DBFile = preCfg.DBFile
	}

	// Create a default config file when one does not exist.
	preCfg.ConfigFile = cleanAndExpandPath(preCfg.ConfigFile)
	if !fileExists(preCfg.ConfigFile) {
		err := createConfigFile(&preCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("error creating a default "+
				"config file: %w", err)
		}
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		return nil, nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			return nil, nil, suppressUsageError{err}
		}
		return nil, nil, err
	}

	// Create the home directory if it doesn't already exist.
	const funcName = "loadConfig"
	err = os.MkdirAll(cfg.HomeDir, 0700)
	if err != nil {
		// Show a nicer error message if it's because a symlink is
		// linked to a directory that does not exist (probably because
		// it's not mounted).
		var e *os.PathError
		if errors.As(err, &e) && os.IsExist(err) {
			if link, lerr := os.Readlink(e.Path); lerr == nil {
				str := "is symlink %s -> %s mounted?"
				err = fmt.Errorf(str, e.Path, link)
			}
		}

		str := "%s: failed to create home directory: %v"
		return nil, nil, suppressUsageError{fmt.Errorf(str, funcName, err)}
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.DBFile = cleanAndExpandPath(cfg.DBFile)

	// Initialize log rotation.  After log rotation has been initialized, the
	// logger variables may be used.
	err = initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	if err != nil {
		return nil, nil, suppressUsageError{err}
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", funcName, err)
	}

	if err := cfg.parsePoolParams(); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", funcName, err)
	}

	return &cfg, remainingArgs, nil
}
