// Copyright (c) 2025 The brc721d developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39"

	"github.com/laosnetwork/brc721d/chain"
	"github.com/laosnetwork/brc721d/netparams"
	"github.com/laosnetwork/brc721d/store"
)

// testMnemonic is the well-known all-abandon BIP39 test vector.
const testMnemonic = "abandon abandon abandon abandon abandon abandon " +
	"abandon abandon abandon abandon abandon about"

// altMnemonic is a second valid vector used to exercise seed mismatches.
const altMnemonic = "legal winner thank year wave sausage worth useful " +
	"legal winner thank yellow"

// mainnetGenesisAddr is the legacy P2PKH address of the mainnet genesis
// coinbase, used to exercise network mismatch handling.
const mainnetGenesisAddr = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

// mockNode is a recording NodeClient covering the wallet's capability
// subset.  The embedded interface panics on anything else.
type mockNode struct {
	chain.NodeClient

	calls   []string
	imports [][]chain.DescriptorImport
	rescans []int32
	sentTxs []*wire.MsgTx

	utxos     []chain.UTXO
	feeRate   btcutil.Amount
	confirmed btcutil.Amount
	pending   btcutil.Amount
}

func (m *mockNode) record(call string) {
	m.calls = append(m.calls, call)
}

func (m *mockNode) DescriptorChecksum(descriptor string) (string, error) {
	m.record("getdescriptorinfo")
	return "abcd1234", nil
}

func (m *mockNode) EnsureWatchOnlyWallet(name string) error {
	m.record("createwallet")
	return nil
}

func (m *mockNode) ImportDescriptors(imports []chain.DescriptorImport) error {
	m.record("importdescriptors")
	m.imports = append(m.imports, imports)
	return nil
}

func (m *mockNode) RescanFrom(height int32) error {
	m.record("rescanblockchain")
	m.rescans = append(m.rescans, height)
	return nil
}

func (m *mockNode) Balances() (btcutil.Amount, btcutil.Amount, error) {
	m.record("getbalances")
	return m.confirmed, m.pending, nil
}

func (m *mockNode) EstimateFeeRate() (btcutil.Amount, error) {
	m.record("estimatesmartfee")
	return m.feeRate, nil
}

func (m *mockNode) ListUnspent(minConf int32) ([]chain.UTXO, error) {
	m.record("listunspent")
	return m.utxos, nil
}

func (m *mockNode) SignAndSend(tx *wire.MsgTx,
	passphrase []byte) (*chainhash.Hash, error) {

	m.record("signandsend")
	m.sentTxs = append(m.sentTxs, tx)
	txid := tx.TxHash()
	return &txid, nil
}

func newTestWallet(t *testing.T) (*Wallet, *store.DB, *mockNode) {
	t.Helper()

	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, db.Close())
	})

	node := &mockNode{feeRate: 1}
	w := New(db, node, &netparams.RegressionNetParams, 100)
	return w, db, node
}

func TestGenerateMnemonic(t *testing.T) {
	t.Parallel()

	first, err := GenerateMnemonic()
	require.NoError(t, err)
	require.Len(t, strings.Fields(first), 12)
	require.True(t, bip39.IsMnemonicValid(first))

	second, err := GenerateMnemonic()
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

// TestInitIdempotent asserts that re-initializing with the same mnemonic
// leaves the store equivalent, while a different mnemonic is rejected.
func TestInitIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w, db, node := newTestWallet(t)

	created, err := w.Init(ctx, testMnemonic, nil, false)
	require.NoError(t, err)
	require.True(t, created)

	first, err := db.WalletState(ctx)
	require.NoError(t, err)
	require.Equal(t, "regtest", first.Network)
	require.NotEmpty(t, first.AccountXpub)
	require.Equal(t, "abcd1234", first.DescriptorChecksum)

	// The node-side wallet was created and both branches imported.
	require.Contains(t, node.calls, "createwallet")
	require.Len(t, node.imports, 1)
	require.Len(t, node.imports[0], 2)
	require.False(t, node.imports[0][0].Internal)
	require.True(t, node.imports[0][1].Internal)
	require.Contains(t, node.imports[0][0].Descriptor, "wpkh([")
	require.Contains(t, node.imports[0][0].Descriptor, "#abcd1234")

	created, err = w.Init(ctx, testMnemonic, nil, false)
	require.NoError(t, err)
	require.False(t, created)

	second, err := db.WalletState(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)

	_, err = w.Init(ctx, altMnemonic, nil, false)
	require.ErrorIs(t, err, ErrSeedMismatch)

	// A passphrase changes the derived seed and therefore the account
	// key.
	_, err = w.Init(ctx, testMnemonic, []byte("hunter2"), false)
	require.ErrorIs(t, err, ErrSeedMismatch)
}

func TestInitInvalidMnemonic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w, _, node := newTestWallet(t)

	_, err := w.Init(ctx, "definitely not a mnemonic", nil, false)
	require.ErrorIs(t, err, ErrInvalidMnemonic)
	require.Empty(t, node.calls)
}

func TestInitWithRescan(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w, _, node := newTestWallet(t)

	_, err := w.Init(ctx, testMnemonic, nil, true)
	require.NoError(t, err)
	require.Equal(t, []int32{100}, node.rescans)
}

// TestNextAddress asserts that addresses derive deterministically from the
// persisted counter and that issuing one advances the counter durably.
func TestNextAddress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w, db, _ := newTestWallet(t)

	_, err := w.NextAddress(ctx)
	require.ErrorIs(t, err, ErrUninitialized)

	_, err = w.Init(ctx, testMnemonic, nil, false)
	require.NoError(t, err)

	addr1, err := w.NextAddress(ctx)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(addr1.EncodeAddress(), "bcrt1q"))

	ws, err := db.WalletState(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(1), ws.NextReceiveIndex)
	require.Equal(t, uint32(0), ws.NextChangeIndex)

	addr2, err := w.NextAddress(ctx)
	require.NoError(t, err)
	require.NotEqual(t, addr1.EncodeAddress(), addr2.EncodeAddress())

	// Rewinding the counter re-issues the same address: derivation is a
	// pure function of the persisted index.
	ws, err = db.WalletState(ctx)
	require.NoError(t, err)
	ws.NextReceiveIndex = 0
	require.NoError(t, db.PutWalletState(ctx, ws))

	again, err := w.NextAddress(ctx)
	require.NoError(t, err)
	require.Equal(t, addr1.EncodeAddress(), again.EncodeAddress())
}

// TestSendAmountWrongNetwork asserts that a mainnet address against a
// regtest wallet fails before any node interaction.
func TestSendAmountWrongNetwork(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w, db, node := newTestWallet(t)

	require.NoError(t, db.PutWalletState(ctx, store.WalletState{
		Network:     "regtest",
		AccountXpub: "tpubDCunused",
	}))

	_, err := w.SendAmount(ctx, mainnetGenesisAddr, 1000, 1, nil)
	require.ErrorIs(t, err, ErrWrongNetwork)
	require.Empty(t, node.calls)
}

func TestSendAmountInvalidAddress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w, db, node := newTestWallet(t)

	require.NoError(t, db.PutWalletState(ctx, store.WalletState{
		Network:     "regtest",
		AccountXpub: "tpubDCunused",
	}))

	_, err := w.SendAmount(ctx, "not-an-address", 1000, 1, nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrWrongNetwork)
	require.Empty(t, node.calls)
}

func TestBalanceProjectsNode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w, _, node := newTestWallet(t)
	node.confirmed = 150000
	node.pending = 2500

	_, err := w.Init(ctx, testMnemonic, nil, false)
	require.NoError(t, err)

	confirmed, pending, err := w.Balance(ctx)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(150000), confirmed)
	require.Equal(t, btcutil.Amount(2500), pending)
}
