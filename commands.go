// Copyright (c) 2025 The brc721d developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"golang.org/x/term"

	"github.com/laosnetwork/brc721d/chain"
	"github.com/laosnetwork/brc721d/internal/zero"
	"github.com/laosnetwork/brc721d/netparams"
	"github.com/laosnetwork/brc721d/protocol"
	"github.com/laosnetwork/brc721d/store"
	"github.com/laosnetwork/brc721d/wallet"
)

// usageError is returned for malformed subcommand invocations.  It maps
// to the configuration exit code.
type usageError string

func (e usageError) Error() string {
	return string(e)
}

// runCommand dispatches the one-shot wallet and transaction subcommands.
// Commands run instead of the scanner and exit when done.
func runCommand(cfg *config, args []string, db *store.DB,
	node chain.NodeClient, params *netparams.Params) error {

	ctx := context.Background()
	w := wallet.New(db, node, params, cfg.StartHeight)

	switch args[0] {
	case "wallet":
		if len(args) != 2 {
			return usageError("usage: brc721d wallet " +
				"{init|generate|address|balance|rescan}")
		}
		return runWalletCommand(ctx, cfg, args[1], w)

	case "tx":
		if len(args) < 2 {
			return usageError("usage: brc721d tx " +
				"{register-collection|send-amount}")
		}
		return runTxCommand(ctx, cfg, args[1:], w)
	}
	return usageError(fmt.Sprintf("unknown command %q", args[0]))
}

func runWalletCommand(ctx context.Context, cfg *config, cmd string,
	w *wallet.Wallet) error {

	switch cmd {
	case "init":
		if cfg.Mnemonic == "" {
			return usageError("wallet init requires --mnemonic")
		}
		words := len(strings.Fields(cfg.Mnemonic))
		if words < 12 || words > 24 {
			return usageError("mnemonic must be 12 to 24 words")
		}

		passphrase := []byte(cfg.Passphrase)
		defer zero.Bytes(passphrase)

		created, err := w.Init(ctx, cfg.Mnemonic, passphrase,
			cfg.Rescan)
		if err != nil {
			return err
		}
		if created {
			fmt.Println("wallet initialized")
		} else {
			fmt.Println("wallet already initialized")
		}
		return nil

	case "address":
		addr, err := w.NextAddress(ctx)
		if err != nil {
			return err
		}
		fmt.Println(addr.EncodeAddress())
		return nil

	case "balance":
		confirmed, pending, err := w.Balance(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("confirmed: %d\npending: %d\n", int64(confirmed),
			int64(pending))
		return nil

	case "rescan":
		return w.Rescan(ctx)
	}
	return usageError(fmt.Sprintf("unknown wallet command %q", cmd))
}

func runTxCommand(ctx context.Context, cfg *config, args []string,
	w *wallet.Wallet) error {

	feeRate := btcutil.Amount(math.Round(cfg.FeeRate))

	switch args[0] {
	case "register-collection":
		evmAddress, err := parseEVMAddress(cfg.EVMCollectionAddress)
		if err != nil {
			return err
		}

		passphrase, err := signingPassphrase(cfg)
		if err != nil {
			return err
		}
		defer zero.Bytes(passphrase)

		txid, err := w.RegisterCollection(ctx, evmAddress,
			cfg.Rebaseable, feeRate, passphrase)
		if err != nil {
			return err
		}
		fmt.Println(txid)
		return nil

	case "send-amount":
		if len(args) != 2 {
			return usageError("usage: brc721d tx send-amount " +
				"<address> --amount-sat <n>")
		}
		if cfg.AmountSat == 0 {
			return usageError("send-amount requires --amount-sat")
		}
		if cfg.AmountSat > math.MaxInt64 {
			return usageError("amount too large")
		}

		passphrase, err := signingPassphrase(cfg)
		if err != nil {
			return err
		}
		defer zero.Bytes(passphrase)

		txid, err := w.SendAmount(ctx, args[1],
			btcutil.Amount(cfg.AmountSat), feeRate, passphrase)
		if err != nil {
			return err
		}
		fmt.Println(txid)
		return nil
	}
	return usageError(fmt.Sprintf("unknown tx command %q", args[0]))
}

// parseEVMAddress decodes a 0x-prefixed 40 hex digit LAOS collection
// address.
func parseEVMAddress(s string) ([protocol.EVMAddressLen]byte, error) {
	var addr [protocol.EVMAddressLen]byte

	if s == "" {
		return addr, usageError("register-collection requires " +
			"--evm-collection-address")
	}
	trimmed := strings.TrimPrefix(s, "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil || len(raw) != protocol.EVMAddressLen {
		return addr, usageError(fmt.Sprintf("invalid EVM collection "+
			"address %q: want 0x-prefixed 40 hex digits", s))
	}
	copy(addr[:], raw)
	return addr, nil
}

// signingPassphrase returns the passphrase used to unlock the node wallet
// for signing: the --passphrase flag when given, otherwise an interactive
// prompt when stdin is a terminal.
func signingPassphrase(cfg *config) ([]byte, error) {
	if cfg.Passphrase != "" {
		return []byte(cfg.Passphrase), nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, nil
	}

	fmt.Fprint(os.Stderr, "Signer passphrase (empty for none): ")
	passphrase, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return passphrase, nil
}
