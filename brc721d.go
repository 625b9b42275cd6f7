// Copyright (c) 2025 The brc721d developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"

	"github.com/laosnetwork/brc721d/chain"
	"github.com/laosnetwork/brc721d/netparams"
	"github.com/laosnetwork/brc721d/protocol"
	"github.com/laosnetwork/brc721d/rest"
	"github.com/laosnetwork/brc721d/scanner"
	"github.com/laosnetwork/brc721d/store"
	"github.com/laosnetwork/brc721d/wallet"
)

// Exit codes of the process, as documented for operators.
const (
	exitOK           = 0
	exitConfig       = 1
	exitNode         = 2
	exitWalletUninit = 3
	exitProtocol     = 4
	exitDurability   = 5
)

func main() {
	if err := brcdMain(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	var (
		flagsErr *flags.Error
		nodeErr  *chain.NodeError
		storeErr *store.Error
	)
	switch {
	case errors.As(err, &flagsErr):
		if flagsErr.Type == flags.ErrHelp {
			return exitOK
		}
		return exitConfig

	case errors.Is(err, wallet.ErrUninitialized):
		return exitWalletUninit

	case errors.Is(err, protocol.ErrInvalidEvent):
		return exitProtocol

	case errors.Is(err, store.ErrDirLocked),
		errors.As(err, &storeErr):
		return exitDurability

	case errors.As(err, &nodeErr):
		return exitNode
	}
	return exitConfig
}

// brcdMain is the real main function for brc721d.  It is necessary to
// work around the fact that deferred functions do not run when os.Exit is
// called.
func brcdMain() error {
	cfg, args, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Mnemonic generation has no side effects and needs neither a node
	// nor a data directory.
	if len(args) == 2 && args[0] == "wallet" && args[1] == "generate" {
		mnemonic, err := wallet.GenerateMnemonic()
		if err != nil {
			return err
		}
		fmt.Println(mnemonic)
		return nil
	}

	host, err := normalizeRPCHost(cfg.RPCConnect)
	if err != nil {
		return err
	}
	node, err := chain.NewBitcoindClient(host, cfg.RPCUser, cfg.RPCPass,
		wallet.WatchOnlyWalletName)
	if err != nil {
		return err
	}
	defer node.Shutdown()

	// The data directory and all persisted state are per network, and
	// the network comes from the node itself.
	chainName, err := node.Network()
	if err != nil {
		log.Errorf("Unable to reach the node at %s: %v", host, err)
		return err
	}
	params, ok := netparams.ParamsForChain(chainName)
	if !ok {
		return fmt.Errorf("node reports unsupported chain %q",
			chainName)
	}

	netDir := filepath.Join(cfg.DataDir, params.Name)
	db, err := store.Open(netDir)
	if err != nil {
		if errors.Is(err, store.ErrDirLocked) {
			log.Errorf("Another process is already using %s",
				netDir)
		}
		return err
	}
	defer db.Close()

	if cfg.Reset {
		log.Warnf("Resetting all state in %s", db.Path())
		if err := db.Reset(context.Background()); err != nil {
			return err
		}
	}

	if len(args) > 0 {
		return runCommand(cfg, args, db, node, params)
	}
	return runDaemon(cfg, db, node, params)
}

// runDaemon starts the scanner and the HTTP API and blocks until a
// shutdown signal arrives.  A halted scanner (deep reorg, durability
// failure) does not stop the API; its error is reported once the daemon
// exits.
func runDaemon(cfg *config, db *store.DB, node chain.NodeClient,
	params *netparams.Params) error {

	log.Infof("Version %s", version())
	log.Infof("Network %s, node %s", params.Name, cfg.RPCConnect)
	log.Infof("Database %s", db.Path())

	scan := scanner.New(scanner.Config{
		Node:          node,
		Store:         db,
		StartHeight:   cfg.StartHeight,
		Confirmations: cfg.Confirmations,
		BatchSize:     cfg.BatchSize,
	})
	if err := scan.Start(); err != nil {
		return err
	}

	api := rest.NewServer(cfg.APIListen, db)
	if err := api.Start(); err != nil {
		scan.Stop()
		scan.WaitForShutdown()
		return err
	}

	addInterruptHandler(func() {
		scan.Stop()
		api.Stop()
	})

	var g errgroup.Group
	g.Go(func() error {
		scan.WaitForShutdown()
		return scan.Err()
	})
	g.Go(func() error {
		api.WaitForShutdown()
		return nil
	})

	<-interruptHandlersDone
	err := g.Wait()
	log.Info("Shutdown complete")
	return err
}
