// Copyright (c) 2025 The brc721d developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import "github.com/btcsuite/btcd/chaincfg"

// Params is used to group parameters for the various bitcoin networks a
// brc721d instance may index.  The Name field is the canonical network name
// used for on-disk paths and wallet state, which differs from the chaincfg
// name on testnet ("testnet" vs "testnet3").
type Params struct {
	*chaincfg.Params
	Name          string
	RPCClientPort string
}

// MainNetParams contains parameters specific to running against a bitcoind
// on the main network (wire.MainNet).
var MainNetParams = Params{
	Params:        &chaincfg.MainNetParams,
	Name:          "mainnet",
	RPCClientPort: "8332",
}

// TestNet3Params contains parameters specific to the test network (version
// 3) (wire.TestNet3).
var TestNet3Params = Params{
	Params:        &chaincfg.TestNet3Params,
	Name:          "testnet",
	RPCClientPort: "18332",
}

// SigNetParams contains parameters specific to the signet test network.
var SigNetParams = Params{
	Params:        &chaincfg.SigNetParams,
	Name:          "signet",
	RPCClientPort: "38332",
}

// RegressionNetParams contains parameters specific to a local regression
// test network.
var RegressionNetParams = Params{
	Params:        &chaincfg.RegressionNetParams,
	Name:          "regtest",
	RPCClientPort: "18443",
}

// ParamsForChain returns the parameters for the chain name reported by a
// bitcoind getblockchaininfo call ("main", "test", "signet", "regtest").
func ParamsForChain(chain string) (*Params, bool) {
	switch chain {
	case "main", "mainnet":
		return &MainNetParams, true
	case "test", "testnet", "testnet3":
		return &TestNet3Params, true
	case "signet":
		return &SigNetParams, true
	case "regtest":
		return &RegressionNetParams, true
	}
	return nil, false
}

// ParamsForName returns the parameters for a canonical network name as
// persisted in wallet state.
func ParamsForName(name string) (*Params, bool) {
	switch name {
	case "mainnet":
		return &MainNetParams, true
	case "testnet":
		return &TestNet3Params, true
	case "signet":
		return &SigNetParams, true
	case "regtest":
		return &RegressionNetParams, true
	}
	return nil, false
}
