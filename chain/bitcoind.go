// Copyright (c) 2025 The brc721d developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

const (
	// feeEstimateTarget is the confirmation target used for smart fee
	// estimation when the caller does not supply an explicit rate.
	feeEstimateTarget = 6

	// minRelayFeeRate is the floor applied to node fee estimates, in
	// sat/vB.
	minRelayFeeRate = btcutil.Amount(1)

	// walletUnlockSeconds is how long the node wallet is unlocked for a
	// single sign-and-send call.
	walletUnlockSeconds = 60
)

// BitcoindClient implements NodeClient over the bitcoind JSON-RPC surface.
// It holds two HTTP POST mode connections: one against the root endpoint
// for chain queries and one against the /wallet/<name> endpoint for the
// watch-only wallet scope.
type BitcoindClient struct {
	client       *rpcclient.Client
	walletClient *rpcclient.Client
	walletName   string
}

// NewBitcoindClient creates a client for the bitcoind reachable at host
// (host:port, no scheme) with the given basic auth credentials.  The
// connection is plain HTTP POST without TLS, matching bitcoind's default
// JSON-RPC transport.
func NewBitcoindClient(host, user, pass, walletName string) (*BitcoindClient,
	error) {

	newClient := func(host string) (*rpcclient.Client, error) {
		return rpcclient.New(&rpcclient.ConnConfig{
			Host:                 host,
			User:                 user,
			Pass:                 pass,
			DisableAutoReconnect: true,
			DisableConnectOnNew:  true,
			DisableTLS:           true,
			HTTPPostMode:         true,
		}, nil)
	}

	client, err := newClient(host)
	if err != nil {
		return nil, nodeErr("connect", err)
	}
	walletClient, err := newClient(host + "/wallet/" + walletName)
	if err != nil {
		return nil, nodeErr("connect wallet", err)
	}

	return &BitcoindClient{
		client:       client,
		walletClient: walletClient,
		walletName:   walletName,
	}, nil
}

// Shutdown tears down both RPC connections.
func (c *BitcoindClient) Shutdown() {
	c.client.Shutdown()
	c.walletClient.Shutdown()
}

// Network returns the chain name the node reports.
func (c *BitcoindClient) Network() (string, error) {
	info, err := c.client.GetBlockChainInfo()
	if err != nil {
		return "", nodeErr("getblockchaininfo", err)
	}
	return info.Chain, nil
}

// BestBlock returns the height and hash of the node's chain tip.
func (c *BitcoindClient) BestBlock() (int32, *chainhash.Hash, error) {
	info, err := c.client.GetBlockChainInfo()
	if err != nil {
		return 0, nil, nodeErr("getblockchaininfo", err)
	}
	hash, err := chainhash.NewHashFromStr(info.BestBlockHash)
	if err != nil {
		return 0, nil, nodeErr("decode best block hash", err)
	}
	return info.Blocks, hash, nil
}

// BlockHeaderByHash returns the height and previous hash of a header.
func (c *BitcoindClient) BlockHeaderByHash(hash *chainhash.Hash) (int32,
	*chainhash.Hash, error) {

	header, err := c.client.GetBlockHeaderVerbose(hash)
	if err != nil {
		return 0, nil, nodeErr("getblockheader", err)
	}
	prev, err := chainhash.NewHashFromStr(header.PreviousHash)
	if err != nil {
		return 0, nil, nodeErr("decode previous hash", err)
	}
	return header.Height, prev, nil
}

// BlockHashAtHeight returns the canonical block hash at the given height.
func (c *BitcoindClient) BlockHashAtHeight(height int32) (*chainhash.Hash,
	error) {

	hash, err := c.client.GetBlockHash(int64(height))
	if err != nil {
		return nil, nodeErr("getblockhash", err)
	}
	return hash, nil
}

// BlockAtHeight returns the canonical block at the given height.
func (c *BitcoindClient) BlockAtHeight(height int32) (*chainhash.Hash,
	*wire.MsgBlock, error) {

	hash, err := c.BlockHashAtHeight(height)
	if err != nil {
		return nil, nil, err
	}
	block, err := c.client.GetBlock(hash)
	if err != nil {
		return nil, nil, nodeErr("getblock", err)
	}
	return hash, block, nil
}

// RawTx returns the transaction with the given id.
func (c *BitcoindClient) RawTx(txid *chainhash.Hash) (*wire.MsgTx, error) {
	tx, err := c.client.GetRawTransaction(txid)
	if err != nil {
		return nil, nodeErr("getrawtransaction", err)
	}
	return tx.MsgTx(), nil
}

// EstimateFeeRate returns the node's conservative smart fee estimate in
// sat/vB, floored at the minimum relay rate.  Nodes without fee history
// (fresh regtest chains) fall back to the floor as well.
func (c *BitcoindClient) EstimateFeeRate() (btcutil.Amount, error) {
	mode := btcjson.EstimateModeConservative
	result, err := c.client.EstimateSmartFee(feeEstimateTarget, &mode)
	if err != nil {
		return 0, nodeErr("estimatesmartfee", err)
	}
	if result.FeeRate == nil || *result.FeeRate <= 0 {
		return minRelayFeeRate, nil
	}

	// The node reports BTC/kvB; convert to sat/vB.
	perKvB, err := btcutil.NewAmount(*result.FeeRate)
	if err != nil {
		return 0, nodeErr("convert fee rate", err)
	}
	perVByte := perKvB / 1000
	if perVByte < minRelayFeeRate {
		perVByte = minRelayFeeRate
	}
	return perVByte, nil
}

// EnsureWatchOnlyWallet creates the named blank descriptor wallet with
// private keys disabled.  A wallet that already exists, loaded or not, is
// treated as success.
func (c *BitcoindClient) EnsureWatchOnlyWallet(name string) error {
	_, err := c.client.CreateWallet(name,
		rpcclient.WithCreateWalletBlank(),
		rpcclient.WithCreateWalletDisablePrivateKeys())
	if err == nil || strings.Contains(err.Error(), "already") {
		// Existing but unloaded wallets still need a load.
		if err != nil {
			log.Debugf("Watch-only wallet %q already exists, "+
				"loading", name)
			return c.loadWallet(name)
		}
		log.Infof("Created watch-only wallet %q", name)
		return nil
	}
	return nodeErr("createwallet", err)
}

func (c *BitcoindClient) loadWallet(name string) error {
	param, err := json.Marshal(name)
	if err != nil {
		return nodeErr("loadwallet", err)
	}
	_, err = c.client.RawRequest("loadwallet", []json.RawMessage{param})
	if err != nil && !strings.Contains(err.Error(), "already loaded") {
		return nodeErr("loadwallet", err)
	}
	return nil
}

// DescriptorChecksum asks the node for the canonical checksum of a
// descriptor.
func (c *BitcoindClient) DescriptorChecksum(descriptor string) (string,
	error) {

	info, err := c.client.GetDescriptorInfo(descriptor)
	if err != nil {
		return "", nodeErr("getdescriptorinfo", err)
	}
	return info.Checksum, nil
}

// ImportDescriptors imports the given descriptors into the watch-only
// wallet.  rpcclient has no wrapper for importdescriptors, so the request
// goes out raw.
func (c *BitcoindClient) ImportDescriptors(imports []DescriptorImport) error {
	type request struct {
		Desc      string `json:"desc"`
		Active    bool   `json:"active"`
		Range     [2]int `json:"range"`
		Timestamp string `json:"timestamp"`
		Internal  bool   `json:"internal"`
	}

	requests := make([]request, 0, len(imports))
	for _, imp := range imports {
		requests = append(requests, request{
			Desc:      imp.Descriptor,
			Active:    true,
			Range:     [2]int{0, imp.RangeEnd},
			Timestamp: "now",
			Internal:  imp.Internal,
		})
	}
	param, err := json.Marshal(requests)
	if err != nil {
		return nodeErr("importdescriptors", err)
	}

	raw, err := c.walletClient.RawRequest("importdescriptors",
		[]json.RawMessage{param})
	if err != nil {
		return nodeErr("importdescriptors", err)
	}

	var results []struct {
		Success bool `json:"success"`
		Error   *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &results); err != nil {
		return nodeErr("importdescriptors", err)
	}
	for i, result := range results {
		if !result.Success {
			msg := "unknown error"
			if result.Error != nil {
				msg = result.Error.Message
			}
			return nodeErr("importdescriptors", fmt.Errorf(
				"descriptor %d rejected: %s", i, msg))
		}
	}
	return nil
}

// ListUnspent returns the watch-only wallet's spendable outputs with at
// least minConf confirmations.
func (c *BitcoindClient) ListUnspent(minConf int32) ([]UTXO, error) {
	unspents, err := c.walletClient.ListUnspentMin(int(minConf))
	if err != nil {
		return nil, nodeErr("listunspent", err)
	}

	utxos := make([]UTXO, 0, len(unspents))
	for _, unspent := range unspents {
		if !unspent.Spendable {
			continue
		}
		txid, err := chainhash.NewHashFromStr(unspent.TxID)
		if err != nil {
			return nil, nodeErr("decode unspent txid", err)
		}
		pkScript, err := hex.DecodeString(unspent.ScriptPubKey)
		if err != nil {
			return nil, nodeErr("decode unspent script", err)
		}
		amount, err := btcutil.NewAmount(unspent.Amount)
		if err != nil {
			return nil, nodeErr("convert unspent amount", err)
		}
		utxos = append(utxos, UTXO{
			OutPoint: wire.OutPoint{
				Hash:  *txid,
				Index: unspent.Vout,
			},
			Amount:        amount,
			PkScript:      pkScript,
			Confirmations: unspent.Confirmations,
		})
	}
	return utxos, nil
}

// Balances returns the watch-only wallet's confirmed and pending balances.
// Immature coinbase value counts as pending.
func (c *BitcoindClient) Balances() (btcutil.Amount, btcutil.Amount, error) {
	balances, err := c.walletClient.GetBalances()
	if err != nil {
		return 0, 0, nodeErr("getbalances", err)
	}

	confirmed, err := btcutil.NewAmount(balances.Mine.Trusted)
	if err != nil {
		return 0, 0, nodeErr("convert balance", err)
	}
	pendingBTC := balances.Mine.UntrustedPending + balances.Mine.Immature
	pending, err := btcutil.NewAmount(pendingBTC)
	if err != nil {
		return 0, 0, nodeErr("convert balance", err)
	}
	return confirmed, pending, nil
}

// RescanFrom triggers a blocking wallet rescan from the given height.
func (c *BitcoindClient) RescanFrom(height int32) error {
	param, err := json.Marshal(height)
	if err != nil {
		return nodeErr("rescanblockchain", err)
	}
	log.Infof("Rescanning watch-only wallet %q from height %d",
		c.walletName, height)
	_, err = c.walletClient.RawRequest("rescanblockchain",
		[]json.RawMessage{param})
	if err != nil {
		return nodeErr("rescanblockchain", err)
	}
	return nil
}

// SignAndSend signs the transaction with the node wallet and broadcasts
// it.  When a passphrase is supplied the wallet is first unlocked for
// walletUnlockSeconds; it is not locked again when the call returns.
// Unlock failures on unencrypted wallets are surfaced verbatim.
func (c *BitcoindClient) SignAndSend(tx *wire.MsgTx,
	passphrase []byte) (*chainhash.Hash, error) {

	if len(passphrase) > 0 {
		err := c.walletClient.WalletPassphrase(string(passphrase),
			walletUnlockSeconds)
		if err != nil {
			return nil, nodeErr("walletpassphrase", err)
		}
	}

	signed, complete, err := c.walletClient.SignRawTransactionWithWallet(tx)
	if err != nil {
		return nil, nodeErr("signrawtransactionwithwallet", err)
	}
	if !complete {
		return nil, nodeErr("signrawtransactionwithwallet",
			errors.New("signing incomplete"))
	}

	txid, err := c.walletClient.SendRawTransaction(signed, false)
	if err != nil {
		return nil, nodeErr("sendrawtransaction", err)
	}
	return txid, nil
}
