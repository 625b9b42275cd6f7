// Copyright (c) 2025 The brc721d developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"

	"github.com/laosnetwork/brc721d/chain"
)

// fundingMinConf is the confirmation requirement on funding inputs.
const fundingMinConf = 1

// byAmount sorts UTXOs by ascending amount, with the outpoint as a tie
// break so selection stays deterministic for equal values.
type byAmount []chain.UTXO

func (s byAmount) Len() int      { return len(s) }
func (s byAmount) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s byAmount) Less(i, j int) bool {
	if s[i].Amount != s[j].Amount {
		return s[i].Amount < s[j].Amount
	}
	return s[i].OutPoint.String() < s[j].OutPoint.String()
}

// makeInputSource returns a stateless input source over the eligible
// UTXOs: each invocation prefers the smallest single UTXO covering the
// target and falls back to accumulating smallest-first.  The fee loop in
// txauthor re-invokes it with a grown target whenever the recomputed fee
// needs another input.
func makeInputSource(eligible []chain.UTXO) txauthor.InputSource {
	sorted := make([]chain.UTXO, len(eligible))
	copy(sorted, eligible)
	sort.Sort(byAmount(sorted))

	selection := func(utxos []chain.UTXO) (btcutil.Amount, []*wire.TxIn,
		[]btcutil.Amount, [][]byte, error) {

		var (
			total   btcutil.Amount
			inputs  = make([]*wire.TxIn, 0, len(utxos))
			values  = make([]btcutil.Amount, 0, len(utxos))
			scripts = make([][]byte, 0, len(utxos))
		)
		for i := range utxos {
			utxo := &utxos[i]
			total += utxo.Amount
			inputs = append(inputs,
				wire.NewTxIn(&utxo.OutPoint, nil, nil))
			values = append(values, utxo.Amount)
			scripts = append(scripts, utxo.PkScript)
		}
		return total, inputs, values, scripts, nil
	}

	return func(target btcutil.Amount) (btcutil.Amount, []*wire.TxIn,
		[]btcutil.Amount, [][]byte, error) {

		// Smallest single UTXO that covers the target.
		for i := range sorted {
			if sorted[i].Amount >= target {
				return selection(sorted[i : i+1])
			}
		}

		// Greedy smallest-first accumulation.  A total below the
		// target is returned as-is; txauthor reports insufficient
		// funds.
		var total btcutil.Amount
		for i := range sorted {
			total += sorted[i].Amount
			if total >= target {
				return selection(sorted[:i+1])
			}
		}
		return selection(sorted)
	}
}

// fundTransaction assembles an unsigned transaction paying the requested
// outputs from the node wallet's spendable UTXOs, with change to the next
// internal address.  The result is deterministic for a given UTXO set,
// fee rate and change address: selection is smallest-single-else-greedy,
// the fee is recomputed from the witness-aware virtual size after each
// selection round, and change below the dust threshold is folded into the
// fee by txauthor.
func (w *Wallet) fundTransaction(ctx context.Context, outputs []*wire.TxOut,
	feeRate btcutil.Amount) (*txauthor.AuthoredTx, error) {

	if feeRate <= 0 {
		var err error
		feeRate, err = w.node.EstimateFeeRate()
		if err != nil {
			return nil, err
		}
	}
	relayFeePerKb := feeRate * 1000

	// Spendable outputs below the dust threshold only grow the fee;
	// they are never selected.
	utxos, err := w.node.ListUnspent(fundingMinConf)
	if err != nil {
		return nil, err
	}
	dummyP2WPKHScript := make([]byte, txsizes.P2WPKHPkScriptSize)
	dummyP2WPKHScript[0], dummyP2WPKHScript[1] = 0x00, 0x14
	eligible := make([]chain.UTXO, 0, len(utxos))
	for _, utxo := range utxos {
		dust := txrules.IsDustOutput(
			wire.NewTxOut(int64(utxo.Amount), dummyP2WPKHScript),
			relayFeePerKb)
		if !dust {
			eligible = append(eligible, utxo)
		}
	}

	// Requested spendable outputs must clear the dust threshold
	// themselves.  Unspendable OP_RETURN outputs are exempt; zero value
	// is their normal form.
	for _, output := range outputs {
		if txscript.IsUnspendable(output.PkScript) {
			continue
		}
		if txrules.IsDustOutput(output, relayFeePerKb) {
			return nil, ErrDustOutput
		}
	}

	// The change script is derived at the current change counter; the
	// counter only advances below when txauthor keeps the change output.
	changeSource := &txauthor.ChangeSource{
		ScriptSize: txsizes.P2WPKHPkScriptSize,
		NewScript: func() ([]byte, error) {
			ws, err := w.loadState(ctx)
			if err != nil {
				return nil, err
			}
			addr, err := deriveAddress(ws.AccountXpub, internalBranch,
				ws.NextChangeIndex, w.params.Params)
			if err != nil {
				return nil, err
			}
			return txscript.PayToAddrScript(addr)
		},
	}

	tx, err := txauthor.NewUnsignedTransaction(outputs, relayFeePerKb,
		makeInputSource(eligible), changeSource)
	if err != nil {
		var inputErr txauthor.InputSourceError
		if errors.As(err, &inputErr) {
			return nil, ErrInsufficientFunds
		}
		return nil, err
	}
	if tx.ChangeIndex >= 0 {
		if _, err := w.nextAddress(ctx, internalBranch); err != nil {
			return nil, err
		}
	}

	log.Debugf("Funded transaction with %d input(s), %d output(s), "+
		"fee rate %d sat/vB", len(tx.Tx.TxIn), len(tx.Tx.TxOut),
		feeRate)
	return tx, nil
}
