// Copyright (c) 2025 The brc721d developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet implements the watch-only wallet of a brc721d instance.
// The daemon stores only the account-level extended public key and the
// next-address counters; private keys never touch this process.  Signing
// is delegated to the node's wallet, unlocked per call with an operator
// supplied passphrase.
package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/tyler-smith/go-bip39"

	"github.com/laosnetwork/brc721d/chain"
	"github.com/laosnetwork/brc721d/netparams"
	"github.com/laosnetwork/brc721d/protocol"
	"github.com/laosnetwork/brc721d/store"
)

const (
	// WatchOnlyWalletName is the name of the descriptor wallet created
	// on the node.
	WatchOnlyWalletName = "brc721-watchonly"

	// externalBranch and internalBranch are the BIP84 chain branches
	// for receive and change addresses.
	externalBranch = 0
	internalBranch = 1

	// bip84Purpose is the BIP43 purpose field of the derivation path.
	bip84Purpose = 84

	// descriptorRangeEnd is the derivation range imported into the
	// node's watch-only wallet.
	descriptorRangeEnd = 999

	// mnemonicEntropyBits yields a 12 word mnemonic.
	mnemonicEntropyBits = 128
)

var (
	// ErrUninitialized is returned when a wallet operation requires
	// state that `wallet init` has not created yet.
	ErrUninitialized = errors.New("wallet is not initialized")

	// ErrWrongNetwork is returned when an address does not belong to
	// the wallet's network.  No node call is made.
	ErrWrongNetwork = errors.New("address is not valid for the wallet " +
		"network")

	// ErrInvalidMnemonic is returned for mnemonics that fail BIP39
	// validation.
	ErrInvalidMnemonic = errors.New("invalid mnemonic")

	// ErrSeedMismatch is returned when init is invoked with a mnemonic
	// that derives a different account key than the persisted one.
	ErrSeedMismatch = errors.New("wallet already initialized with a " +
		"different seed")

	// ErrInsufficientFunds is returned when the wallet's spendable
	// outputs cannot cover a transaction and its fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDustOutput is returned when a requested output is below the
	// dust threshold.
	ErrDustOutput = errors.New("output amount is dust")
)

// allParams lists every supported network, used for cross-network address
// diagnostics.
var allParams = []*netparams.Params{
	&netparams.MainNetParams,
	&netparams.TestNet3Params,
	&netparams.SigNetParams,
	&netparams.RegressionNetParams,
}

// Wallet binds the persisted wallet state to a chain backend for a single
// network.
type Wallet struct {
	db          *store.DB
	node        chain.NodeClient
	params      *netparams.Params
	startHeight int32
}

// New creates a wallet handle.  startHeight is the daemon's configured
// indexing start, used as the rescan floor.
func New(db *store.DB, node chain.NodeClient, params *netparams.Params,
	startHeight int32) *Wallet {

	return &Wallet{
		db:          db,
		node:        node,
		params:      params,
		startHeight: startHeight,
	}
}

// GenerateMnemonic returns a fresh 12 word BIP39 mnemonic.  It has no
// side effects; nothing is persisted.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// Init derives the BIP84 account extended public key from the mnemonic,
// persists the wallet state and sets up the node's watch-only descriptor
// wallet.  Re-invoking with the same mnemonic is a no-op for the store;
// the node-side setup is re-applied since it is idempotent.  When rescan
// is set, the node wallet is rescanned from the configured start height.
func (w *Wallet) Init(ctx context.Context, mnemonic string,
	passphrase []byte, rescan bool) (bool, error) {

	if !bip39.IsMnemonicValid(mnemonic) {
		return false, ErrInvalidMnemonic
	}

	seed := bip39.NewSeed(mnemonic, string(passphrase))
	master, err := hdkeychain.NewMaster(seed, w.params.Params)
	if err != nil {
		return false, err
	}
	defer master.Zero()

	accountXpub, fingerprint, err := deriveAccountXpub(master,
		w.params.HDCoinType)
	if err != nil {
		return false, err
	}

	created := false
	existing, err := w.db.WalletState(ctx)
	switch {
	case err == nil:
		if existing.AccountXpub != accountXpub {
			return false, ErrSeedMismatch
		}
		if existing.Network != w.params.Name {
			return false, fmt.Errorf("%w: wallet state is for "+
				"%s, node runs %s", ErrWrongNetwork,
				existing.Network, w.params.Name)
		}

	case errors.Is(err, store.ErrNoWalletState):
		created = true

	default:
		return false, err
	}

	external := w.descriptor(fingerprint, accountXpub, externalBranch)
	internal := w.descriptor(fingerprint, accountXpub, internalBranch)

	externalChecksum, err := w.node.DescriptorChecksum(external)
	if err != nil {
		return false, err
	}
	internalChecksum, err := w.node.DescriptorChecksum(internal)
	if err != nil {
		return false, err
	}

	if err := w.node.EnsureWatchOnlyWallet(WatchOnlyWalletName); err != nil {
		return false, err
	}
	err = w.node.ImportDescriptors([]chain.DescriptorImport{{
		Descriptor: external + "#" + externalChecksum,
		RangeEnd:   descriptorRangeEnd,
	}, {
		Descriptor: internal + "#" + internalChecksum,
		RangeEnd:   descriptorRangeEnd,
		Internal:   true,
	}})
	if err != nil {
		return false, err
	}

	if created {
		err := w.db.PutWalletState(ctx, store.WalletState{
			Network:            w.params.Name,
			AccountXpub:        accountXpub,
			DescriptorChecksum: externalChecksum,
		})
		if err != nil {
			return false, err
		}
		log.Infof("Initialized watch-only wallet for %s",
			w.params.Name)
	}

	if rescan {
		if err := w.node.RescanFrom(w.startHeight); err != nil {
			return false, err
		}
	}
	return created, nil
}

// descriptor renders the wpkh descriptor for one branch of the account.
func (w *Wallet) descriptor(fingerprint []byte, accountXpub string,
	branch uint32) string {

	return fmt.Sprintf("wpkh([%s/%dh/%dh/0h]%s/%d/*)",
		hex.EncodeToString(fingerprint), bip84Purpose,
		w.params.HDCoinType, accountXpub, branch)
}

// deriveAccountXpub walks m/84'/coin'/0' and returns the neutered account
// key together with the master key fingerprint.
func deriveAccountXpub(master *hdkeychain.ExtendedKey,
	coinType uint32) (string, []byte, error) {

	masterPub, err := master.ECPubKey()
	if err != nil {
		return "", nil, err
	}
	fingerprint := btcutil.Hash160(masterPub.SerializeCompressed())[:4]

	key := master
	for _, child := range []uint32{
		hdkeychain.HardenedKeyStart + bip84Purpose,
		hdkeychain.HardenedKeyStart + coinType,
		hdkeychain.HardenedKeyStart + 0,
	} {
		key, err = key.Derive(child)
		if err != nil {
			return "", nil, err
		}
	}

	account, err := key.Neuter()
	if err != nil {
		return "", nil, err
	}
	return account.String(), fingerprint, nil
}

// NextAddress issues the next receive address.  The counter is advanced
// and persisted before the address is returned, so a crash before the
// persist re-issues the same address on retry.
func (w *Wallet) NextAddress(ctx context.Context) (btcutil.Address, error) {
	return w.nextAddress(ctx, externalBranch)
}

func (w *Wallet) nextAddress(ctx context.Context,
	branch uint32) (btcutil.Address, error) {

	ws, err := w.loadState(ctx)
	if err != nil {
		return nil, err
	}

	index := ws.NextReceiveIndex
	if branch == internalBranch {
		index = ws.NextChangeIndex
	}

	addr, err := deriveAddress(ws.AccountXpub, branch, index,
		w.params.Params)
	if err != nil {
		return nil, err
	}

	if branch == internalBranch {
		ws.NextChangeIndex++
	} else {
		ws.NextReceiveIndex++
	}
	if err := w.db.PutWalletState(ctx, ws); err != nil {
		return nil, err
	}
	return addr, nil
}

// loadState loads the wallet state, enforcing the network invariant.
func (w *Wallet) loadState(ctx context.Context) (store.WalletState, error) {
	ws, err := w.db.WalletState(ctx)
	switch {
	case errors.Is(err, store.ErrNoWalletState):
		return store.WalletState{}, ErrUninitialized
	case err != nil:
		return store.WalletState{}, err
	}
	if ws.Network != w.params.Name {
		return store.WalletState{}, fmt.Errorf("%w: wallet state is "+
			"for %s, node runs %s", ErrWrongNetwork, ws.Network,
			w.params.Name)
	}
	return ws, nil
}

// deriveAddress derives the P2WPKH address at branch/index under the
// account key.
func deriveAddress(accountXpub string, branch, index uint32,
	params *chaincfg.Params) (btcutil.Address, error) {

	account, err := hdkeychain.NewKeyFromString(accountXpub)
	if err != nil {
		return nil, err
	}

	branchKey, err := account.Derive(branch)
	if err != nil {
		return nil, err
	}
	childKey, err := branchKey.Derive(index)
	if err != nil {
		return nil, err
	}
	pubKey, err := childKey.ECPubKey()
	if err != nil {
		return nil, err
	}

	return btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pubKey.SerializeCompressed()), params)
}

// Balance returns the node wallet's confirmed and pending balances.
func (w *Wallet) Balance(ctx context.Context) (btcutil.Amount,
	btcutil.Amount, error) {

	if _, err := w.loadState(ctx); err != nil {
		return 0, 0, err
	}
	return w.node.Balances()
}

// Rescan triggers a blocking node-side rescan from the configured start
// height.
func (w *Wallet) Rescan(ctx context.Context) error {
	if _, err := w.loadState(ctx); err != nil {
		return err
	}
	return w.node.RescanFrom(w.startHeight)
}

// RegisterCollection builds, signs and broadcasts a register-collection
// transaction: one funded input set, the protocol OP_RETURN and a change
// output.  The returned txid is not inserted into the store; the scanner
// observes the confirmation through the normal indexing path.
func (w *Wallet) RegisterCollection(ctx context.Context,
	evmAddress [protocol.EVMAddressLen]byte, rebaseable bool,
	feeRate btcutil.Amount, passphrase []byte) (*chainhash.Hash, error) {

	if _, err := w.loadState(ctx); err != nil {
		return nil, err
	}

	script, err := protocol.Script(&protocol.RegisterCollection{
		EVMAddress: evmAddress,
		Rebaseable: rebaseable,
	})
	if err != nil {
		return nil, err
	}
	outputs := []*wire.TxOut{wire.NewTxOut(0, script)}

	tx, err := w.fundTransaction(ctx, outputs, feeRate)
	if err != nil {
		return nil, err
	}

	txid, err := w.node.SignAndSend(tx.Tx, passphrase)
	if err != nil {
		return nil, err
	}
	log.Infof("Broadcast register-collection transaction %s", txid)
	return txid, nil
}

// SendAmount builds, signs and broadcasts a value transfer to the given
// address.  The address must belong to the wallet's network; mismatches
// fail with ErrWrongNetwork before any node call.
func (w *Wallet) SendAmount(ctx context.Context, addrStr string,
	amount btcutil.Amount, feeRate btcutil.Amount,
	passphrase []byte) (*chainhash.Hash, error) {

	if _, err := w.loadState(ctx); err != nil {
		return nil, err
	}

	addr, err := w.parseAddress(addrStr)
	if err != nil {
		return nil, err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}
	output := wire.NewTxOut(int64(amount), pkScript)

	tx, err := w.fundTransaction(ctx, []*wire.TxOut{output}, feeRate)
	if err != nil {
		return nil, err
	}

	txid, err := w.node.SignAndSend(tx.Tx, passphrase)
	if err != nil {
		return nil, err
	}
	log.Infof("Broadcast transaction %s sending %v to %s", txid, amount,
		addrStr)
	return txid, nil
}

// parseAddress decodes an address with the wallet's network as the only
// acceptable one.  Addresses that parse on a different known network are
// reported as ErrWrongNetwork rather than as garbage input.
func (w *Wallet) parseAddress(addrStr string) (btcutil.Address, error) {
	addr, err := btcutil.DecodeAddress(addrStr, w.params.Params)
	if err == nil {
		if !addr.IsForNet(w.params.Params) {
			return nil, fmt.Errorf("%w: %s", ErrWrongNetwork,
				addrStr)
		}
		return addr, nil
	}

	for _, other := range allParams {
		if other.Name == w.params.Name {
			continue
		}
		if _, otherErr := btcutil.DecodeAddress(addrStr,
			other.Params); otherErr == nil {

			return nil, fmt.Errorf("%w: %s is a %s address",
				ErrWrongNetwork, addrStr, other.Name)
		}
	}
	return nil, fmt.Errorf("invalid address %s: %v", addrStr, err)
}
