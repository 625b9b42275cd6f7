// Copyright (c) 2025 The brc721d developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/laosnetwork/brc721d/chain"
	"github.com/laosnetwork/brc721d/protocol"
)

// p2wpkhScript returns a syntactically valid P2WPKH output script whose
// witness program is filled with fill.
func p2wpkhScript(fill byte) []byte {
	script := make([]byte, 22)
	script[0] = txscript.OP_0
	script[1] = txscript.OP_DATA_20
	for i := 2; i < len(script); i++ {
		script[i] = fill
	}
	return script
}

// testUTXO builds a confirmed P2WPKH UTXO with a distinguishable outpoint.
func testUTXO(tag byte, amount btcutil.Amount) chain.UTXO {
	var txid chainhash.Hash
	txid[0] = tag
	return chain.UTXO{
		OutPoint:      wire.OutPoint{Hash: txid, Index: uint32(tag)},
		Amount:        amount,
		PkScript:      p2wpkhScript(tag),
		Confirmations: 6,
	}
}

func TestMakeInputSourceSelection(t *testing.T) {
	t.Parallel()

	utxos := []chain.UTXO{
		testUTXO(1, 20000),
		testUTXO(2, 1000),
		testUTXO(3, 5000),
	}
	source := makeInputSource(utxos)

	// The smallest single UTXO covering the target wins.
	total, inputs, values, scripts, err := source(4000)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(5000), total)
	require.Len(t, inputs, 1)
	require.Equal(t, uint32(3), inputs[0].PreviousOutPoint.Index)
	require.Equal(t, []btcutil.Amount{5000}, values)
	require.Equal(t, [][]byte{p2wpkhScript(3)}, scripts)

	total, inputs, _, _, err = source(500)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(1000), total)
	require.Equal(t, uint32(2), inputs[0].PreviousOutPoint.Index)

	// No single UTXO covers the target: accumulate smallest first.
	total, inputs, _, _, err = source(24000)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(26000), total)
	require.Len(t, inputs, 3)
	require.Equal(t, uint32(2), inputs[0].PreviousOutPoint.Index)
	require.Equal(t, uint32(3), inputs[1].PreviousOutPoint.Index)
	require.Equal(t, uint32(1), inputs[2].PreviousOutPoint.Index)

	// An unreachable target returns everything; the caller detects the
	// shortfall.
	total, inputs, _, _, err = source(100000)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(26000), total)
	require.Len(t, inputs, 3)
}

// TestRegisterCollectionTransaction exercises the whole builder path: one
// funding input, the protocol OP_RETURN at value zero and a change output
// to the internal branch.
func TestRegisterCollectionTransaction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w, db, node := newTestWallet(t)

	_, err := w.Init(ctx, testMnemonic, nil, false)
	require.NoError(t, err)

	node.utxos = []chain.UTXO{
		testUTXO(1, 20000),
		testUTXO(2, 5000),
	}

	var evmAddress [protocol.EVMAddressLen]byte
	for i := range evmAddress {
		evmAddress[i] = 0xaa
	}

	txid, err := w.RegisterCollection(ctx, evmAddress, true, 1,
		[]byte("passphrase"))
	require.NoError(t, err)
	require.NotNil(t, txid)
	require.Len(t, node.sentTxs, 1)

	tx := node.sentTxs[0]
	require.Len(t, tx.TxIn, 1)
	require.Equal(t, uint32(2), tx.TxIn[0].PreviousOutPoint.Index)
	require.Len(t, tx.TxOut, 2)

	// Output 0 is the zero-value OP_RETURN carrying the payload.
	require.Equal(t, int64(0), tx.TxOut[0].Value)
	event, ok := protocol.ParseScript(tx.TxOut[0].PkScript)
	require.True(t, ok)
	rc := event.(*protocol.RegisterCollection)
	require.True(t, rc.Rebaseable)
	require.Equal(t, evmAddress, rc.EVMAddress)

	// Output 1 is P2WPKH change below the input value by the fee.
	require.Len(t, tx.TxOut[1].PkScript, 22)
	require.Greater(t, tx.TxOut[1].Value, int64(4000))
	require.Less(t, tx.TxOut[1].Value, int64(5000))

	// The change counter advanced durably.
	ws, err := db.WalletState(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(1), ws.NextChangeIndex)

	// The collection is not inserted locally; the scanner owns that
	// path.
	collections, err := db.Collections(ctx)
	require.NoError(t, err)
	require.Empty(t, collections)
}

func TestSendAmountChangeBelowDustFoldsIntoFee(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w, db, node := newTestWallet(t)

	_, err := w.Init(ctx, testMnemonic, nil, false)
	require.NoError(t, err)

	node.utxos = []chain.UTXO{testUTXO(1, 10000)}

	dest, err := w.NextAddress(ctx)
	require.NoError(t, err)

	// The remainder after the fee is far below the dust threshold, so
	// the transaction carries no change output and the remainder goes
	// to fees.
	_, err = w.SendAmount(ctx, dest.EncodeAddress(), 9780, 1, nil)
	require.NoError(t, err)
	require.Len(t, node.sentTxs, 1)

	tx := node.sentTxs[0]
	require.Len(t, tx.TxOut, 1)
	require.Equal(t, int64(9780), tx.TxOut[0].Value)

	ws, err := db.WalletState(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(0), ws.NextChangeIndex)
}

func TestSendAmountInsufficientFunds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w, _, node := newTestWallet(t)

	_, err := w.Init(ctx, testMnemonic, nil, false)
	require.NoError(t, err)

	node.utxos = []chain.UTXO{testUTXO(1, 2000)}

	dest, err := w.NextAddress(ctx)
	require.NoError(t, err)

	_, err = w.SendAmount(ctx, dest.EncodeAddress(), 5000, 1, nil)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.Empty(t, node.sentTxs)
}

func TestSendAmountRejectsDustOutput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w, _, node := newTestWallet(t)

	_, err := w.Init(ctx, testMnemonic, nil, false)
	require.NoError(t, err)

	node.utxos = []chain.UTXO{testUTXO(1, 10000)}

	dest, err := w.NextAddress(ctx)
	require.NoError(t, err)

	_, err = w.SendAmount(ctx, dest.EncodeAddress(), 50, 1, nil)
	require.ErrorIs(t, err, ErrDustOutput)
	require.Empty(t, node.sentTxs)
}

// TestDustUTXOsNeverSelected asserts that dust-threshold wallet outputs
// are discarded before selection.
func TestDustUTXOsNeverSelected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w, _, node := newTestWallet(t)

	_, err := w.Init(ctx, testMnemonic, nil, false)
	require.NoError(t, err)

	node.utxos = []chain.UTXO{
		testUTXO(1, 100),
		testUTXO(2, 10000),
	}

	dest, err := w.NextAddress(ctx)
	require.NoError(t, err)

	_, err = w.SendAmount(ctx, dest.EncodeAddress(), 5000, 1, nil)
	require.NoError(t, err)
	require.Len(t, node.sentTxs, 1)

	tx := node.sentTxs[0]
	require.Len(t, tx.TxIn, 1)
	require.Equal(t, uint32(2), tx.TxIn[0].PreviousOutPoint.Index)
}

// TestExplicitFeeRateSkipsEstimation asserts a user-supplied fee rate
// bypasses the node estimator.
func TestExplicitFeeRateSkipsEstimation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w, _, node := newTestWallet(t)

	_, err := w.Init(ctx, testMnemonic, nil, false)
	require.NoError(t, err)

	node.utxos = []chain.UTXO{testUTXO(1, 50000)}

	var evmAddress [protocol.EVMAddressLen]byte
	_, err = w.RegisterCollection(ctx, evmAddress, false, 5, nil)
	require.NoError(t, err)
	require.NotContains(t, node.calls, "estimatesmartfee")

	// Omitting the rate falls back to the estimator.
	node.utxos = []chain.UTXO{testUTXO(3, 50000)}
	_, err = w.RegisterCollection(ctx, evmAddress, false, 0, nil)
	require.NoError(t, err)
	require.Contains(t, node.calls, "estimatesmartfee")
}
