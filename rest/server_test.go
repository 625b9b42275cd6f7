// Copyright (c) 2025 The brc721d developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laosnetwork/brc721d/store"
)

// startTestServer runs a server on an ephemeral port over a fresh store
// and returns the store handle plus the base URL.
func startTestServer(t *testing.T) (*store.DB, string) {
	t.Helper()

	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, db.Close())
	})

	server := NewServer("127.0.0.1:0", db)
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		server.Stop()
		server.WaitForShutdown()
	})

	return db, "http://" + server.Addr().String()
}

func getJSON(t *testing.T, url string, wantStatus int, body interface{}) {
	t.Helper()

	client := http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, wantStatus, resp.StatusCode)
	require.Equal(t, "application/json",
		resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(body))
}

func TestHealth(t *testing.T) {
	_, baseURL := startTestServer(t)

	var resp struct {
		Status     string `json:"status"`
		UptimeSecs *int64 `json:"uptime_secs"`
	}
	getJSON(t, baseURL+"/health", http.StatusOK, &resp)
	require.Equal(t, "ok", resp.Status)
	require.NotNil(t, resp.UptimeSecs)
}

func TestStateEmptyAndPopulated(t *testing.T) {
	db, baseURL := startTestServer(t)
	ctx := context.Background()

	var resp struct {
		Last *struct {
			Height int32  `json:"height"`
			Hash   string `json:"hash"`
		} `json:"last"`
	}
	getJSON(t, baseURL+"/state", http.StatusOK, &resp)
	require.Nil(t, resp.Last)

	var hash chainhash.Hash
	hash[0] = 7
	_, err := db.EnsureCursor(ctx, 7, hash)
	require.NoError(t, err)

	getJSON(t, baseURL+"/state", http.StatusOK, &resp)
	require.NotNil(t, resp.Last)
	require.Equal(t, int32(7), resp.Last.Height)
	require.Equal(t, hash.String(), resp.Last.Hash)
}

func TestCollectionsListing(t *testing.T) {
	db, baseURL := startTestServer(t)
	ctx := context.Background()

	var resp struct {
		Collections []struct {
			ID                   string `json:"id"`
			EVMCollectionAddress string `json:"evmCollectionAddress"`
			Rebaseable           bool   `json:"rebaseable"`
		} `json:"collections"`
	}
	getJSON(t, baseURL+"/collections", http.StatusOK, &resp)
	require.NotNil(t, resp.Collections)
	require.Empty(t, resp.Collections)

	sentinel := chainhash.Hash{}
	_, err := db.EnsureCursor(ctx, 0, sentinel)
	require.NoError(t, err)

	event := store.CollectionEvent{Vout: 0, Rebaseable: true}
	event.TxID[0] = 0x42
	for i := range event.EVMAddress {
		event.EVMAddress[i] = 0xaa
	}
	var blockHash chainhash.Hash
	blockHash[0] = 1
	require.NoError(t, db.CommitBlock(ctx, 1, blockHash, sentinel,
		[]store.CollectionEvent{event}))

	getJSON(t, baseURL+"/collections", http.StatusOK, &resp)
	require.Len(t, resp.Collections, 1)

	c := resp.Collections[0]
	require.Equal(t, store.CollectionID(event.TxID, 0), c.ID)
	require.Equal(t, "0x"+strings.Repeat("aa", 20), c.EVMCollectionAddress)
	require.True(t, c.Rebaseable)
}

func TestNotFoundFallback(t *testing.T) {
	_, baseURL := startTestServer(t)

	var resp struct {
		Message string `json:"message"`
	}
	getJSON(t, baseURL+"/definitely/missing", http.StatusNotFound, &resp)
	require.Equal(t, "not found", resp.Message)
}
