// Copyright (c) 2025 The brc721d developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// UTXO is one spendable output of the node's watch-only wallet.
type UTXO struct {
	OutPoint      wire.OutPoint
	Amount        btcutil.Amount
	PkScript      []byte
	Confirmations int64
}

// DescriptorImport is one entry of an importdescriptors call.
type DescriptorImport struct {
	Descriptor string
	RangeEnd   int
	Internal   bool
}

// NodeClient is the capability set the scanner and the wallet builder
// depend on.  Any implementation of this interface is a valid chain
// backend; BitcoindClient implements it over the bitcoind JSON-RPC
// surface.
type NodeClient interface {
	// Network returns the chain name the node reports ("main", "test",
	// "signet", "regtest").
	Network() (string, error)

	// BestBlock returns the height and hash of the node's chain tip.
	BestBlock() (int32, *chainhash.Hash, error)

	// BlockHeaderByHash returns the height and previous block hash of
	// the header with the given hash.
	BlockHeaderByHash(hash *chainhash.Hash) (int32, *chainhash.Hash, error)

	// BlockHashAtHeight returns the hash of the canonical block at the
	// given height.
	BlockHashAtHeight(height int32) (*chainhash.Hash, error)

	// BlockAtHeight returns the canonical block at the given height
	// together with its hash.
	BlockAtHeight(height int32) (*chainhash.Hash, *wire.MsgBlock, error)

	// RawTx returns the transaction with the given id.
	RawTx(txid *chainhash.Hash) (*wire.MsgTx, error)

	// EstimateFeeRate returns the node's smart fee estimate in
	// satoshis per virtual byte, never below the 1 sat/vB relay floor.
	EstimateFeeRate() (btcutil.Amount, error)

	// EnsureWatchOnlyWallet creates the named blank descriptor wallet
	// with private keys disabled, succeeding when it already exists.
	EnsureWatchOnlyWallet(name string) error

	// DescriptorChecksum asks the node for the canonical checksum of a
	// descriptor.
	DescriptorChecksum(descriptor string) (string, error)

	// ImportDescriptors imports the given descriptors into the
	// watch-only wallet.
	ImportDescriptors(imports []DescriptorImport) error

	// ListUnspent returns the watch-only wallet's spendable outputs
	// with at least minConf confirmations.
	ListUnspent(minConf int32) ([]UTXO, error)

	// Balances returns the watch-only wallet's confirmed and pending
	// balances.
	Balances() (confirmed, pending btcutil.Amount, err error)

	// RescanFrom triggers a blocking wallet rescan from the given
	// height.
	RescanFrom(height int32) error

	// SignAndSend signs the transaction with the node wallet, unlocked
	// with the given passphrase when one is supplied, and broadcasts
	// it.
	SignAndSend(tx *wire.MsgTx, passphrase []byte) (*chainhash.Hash, error)
}

// NodeError wraps a failure of the chain backend.  The node's own message
// is carried verbatim; the scanner retries NodeErrors with backoff while
// the command path surfaces them immediately.
type NodeError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node: %s: %v", e.Op, e.Err)
}

// Unwrap returns the wrapped error.
func (e *NodeError) Unwrap() error {
	return e.Err
}

func nodeErr(op string, err error) error {
	return &NodeError{Op: op, Err: err}
}
