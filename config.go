// Copyright (c) 2025 The brc721d developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultLogLevel      = "info"
	defaultRPCConnect    = "http://127.0.0.1:8332"
	defaultRPCUser       = "dev"
	defaultRPCPass       = "dev"
	defaultStartHeight   = 923580
	defaultConfirmations = 3
	defaultBatchSize     = 1
	defaultDataDirname   = ".brc721"
	defaultAPIListen     = "127.0.0.1:8083"
)

// config defines the configuration options for brc721d.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical} or subsystem=level pairs"`
	LogFile     string `long:"logfile" description:"Duplicate log output to this file"`

	// Node RPC options.
	RPCConnect string `short:"c" long:"rpcconnect" env:"BITCOIN_RPC_URL" description:"URL of the bitcoind RPC server to connect to"`
	RPCUser    string `long:"rpcuser" env:"BITCOIN_RPC_USER" description:"Username for bitcoind RPC authentication"`
	RPCPass    string `long:"rpcpass" env:"BITCOIN_RPC_PASS" default-mask:"-" description:"Password for bitcoind RPC authentication"`

	// Indexer options.
	StartHeight   int32  `long:"startheight" description:"Initial cursor height when no state exists"`
	Confirmations int32  `long:"confirmations" description:"Number of confirmations before a block is indexed"`
	BatchSize     int    `long:"batchsize" description:"Blocks fetched per poll cycle"`
	DataDir       string `short:"b" long:"datadir" description:"Directory to store the per-network database"`
	Reset         bool   `long:"reset" description:"Wipe the database before starting"`
	APIListen     string `long:"apilisten" description:"Bind address of the read-only HTTP API"`

	// Wallet subcommand options.
	Mnemonic   string `long:"mnemonic" description:"BIP39 mnemonic for wallet init"`
	Passphrase string `long:"passphrase" default-mask:"-" description:"Passphrase for wallet init or transaction signing"`
	Rescan     bool   `long:"rescan" description:"Rescan the node wallet after wallet init"`

	// Transaction subcommand options.
	EVMCollectionAddress string  `long:"evm-collection-address" description:"20-byte LAOS collection address as 0x-prefixed hex"`
	Rebaseable           bool    `long:"rebaseable" description:"Mark the registered collection as rebaseable"`
	FeeRate              float64 `long:"fee-rate" description:"Fee rate in sat/vB; defaults to the node estimate"`
	AmountSat            uint64  `long:"amount-sat" description:"Amount to send in satoshis"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", homeDir, 1)
		}
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style
	// %VARIABLE%, but the variables can still be expanded via
	// POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// normalizeRPCHost reduces the configured node URL to the host:port form
// rpcclient expects.  Only plain HTTP POST transport is supported.
func normalizeRPCHost(rpcURL string) (string, error) {
	host := rpcURL
	switch {
	case strings.HasPrefix(host, "https://"):
		return "", fmt.Errorf("TLS node connections are not " +
			"supported; use an http:// URL")
	case strings.HasPrefix(host, "http://"):
		host = strings.TrimPrefix(host, "http://")
	}
	host = strings.TrimSuffix(host, "/")
	if host == "" {
		return "", fmt.Errorf("empty node RPC URL")
	}
	return host, nil
}

// loadConfig initializes and parses the config using command line options
// and environment variables.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the environment-backed options
//  3. Parse CLI options and overwrite/add any specified options
//
// Any remaining (non-flag) arguments select the one-shot subcommand to
// run; an empty remainder starts the daemon.
func loadConfig() (*config, []string, error) {
	cfg := config{
		DebugLevel:    defaultLogLevel,
		RPCConnect:    defaultRPCConnect,
		RPCUser:       defaultRPCUser,
		RPCPass:       defaultRPCPass,
		StartHeight:   defaultStartHeight,
		Confirmations: defaultConfirmations,
		BatchSize:     defaultBatchSize,
		DataDir:       defaultDataDirname,
		APIListen:     defaultAPIListen,
	}

	parser := flags.NewParser(&cfg, flags.Default)
	remainingArgs, err := parser.Parse()
	if err != nil {
		return nil, nil, err
	}

	if cfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, version())
		os.Exit(0)
	}

	// Initialize log rotation.  After the log rotation has been
	// initialized, the logger variables may be used.
	if cfg.LogFile != "" {
		cfg.LogFile = cleanAndExpandPath(cfg.LogFile)
		if err := initLogRotator(cfg.LogFile); err != nil {
			return nil, nil, err
		}
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return nil, nil, fmt.Errorf("%s: %v", "loadConfig", err)
	}

	if cfg.StartHeight < 0 {
		return nil, nil, fmt.Errorf("start height must not be negative")
	}
	if cfg.Confirmations < 0 {
		return nil, nil, fmt.Errorf("confirmations must not be negative")
	}
	if cfg.BatchSize < 1 {
		return nil, nil, fmt.Errorf("batch size must be at least 1")
	}
	if cfg.FeeRate < 0 {
		return nil, nil, fmt.Errorf("fee rate must not be negative")
	}
	if _, _, err := net.SplitHostPort(cfg.APIListen); err != nil {
		return nil, nil, fmt.Errorf("invalid API listen address %q: %v",
			cfg.APIListen, err)
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)

	return &cfg, remainingArgs, nil
}
