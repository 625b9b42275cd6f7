// Copyright (c) 2025 The brc721d developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package store implements the durable state of a brc721d instance: the
// chain cursor, the collections registry and the watch-only wallet
// bookkeeping.  State lives in a single SQLite file per network and every
// mutating operation is one database transaction, so a crash between any
// two calls never leaves partial block state behind.
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	_ "modernc.org/sqlite"
)

const (
	// dbFileName is the name of the SQLite file inside the per-network
	// data directory.
	dbFileName = "brc721.sqlite"

	// recentBlockDepth is the number of committed block hashes retained
	// for reorg ancestor lookups.  Rollbacks deeper than this fail as a
	// deep reorg in the scanner.
	recentBlockDepth = 100
)

// schema is the fixed initial schema.  Migrations are deliberately out of
// scope; the tables are created idempotently on every open.
const schema = `
CREATE TABLE IF NOT EXISTS cursor (
	id     INTEGER PRIMARY KEY CHECK (id = 1),
	height INTEGER NOT NULL,
	hash   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS collections (
	id           TEXT PRIMARY KEY,
	evm_address  BLOB NOT NULL,
	rebaseable   INTEGER NOT NULL,
	btc_txid     TEXT NOT NULL,
	btc_vout     INTEGER NOT NULL,
	block_height INTEGER NOT NULL,
	block_hash   TEXT NOT NULL,
	UNIQUE (btc_txid, btc_vout)
);

CREATE INDEX IF NOT EXISTS collections_block_order
	ON collections (block_height, btc_txid, btc_vout);

CREATE TABLE IF NOT EXISTS wallet_state (
	id                  INTEGER PRIMARY KEY CHECK (id = 1),
	network             TEXT NOT NULL,
	account_xpub        TEXT NOT NULL,
	next_receive_index  INTEGER NOT NULL,
	next_change_index   INTEGER NOT NULL,
	descriptor_checksum TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS recent_blocks (
	height INTEGER PRIMARY KEY,
	hash   TEXT NOT NULL
);
`

// Cursor marks the last block committed to the store on the canonical
// chain as last observed.
type Cursor struct {
	Height int32
	Hash   chainhash.Hash
}

// Collection is one persisted register-collection event.
type Collection struct {
	ID         string
	EVMAddress [20]byte
	Rebaseable bool
	TxID       chainhash.Hash
	Vout       uint32
	Height     int32
	BlockHash  chainhash.Hash
}

// CollectionEvent is a decoded register-collection event tagged with the
// outpoint it was found at, ready to be committed with its block.
type CollectionEvent struct {
	TxID       chainhash.Hash
	Vout       uint32
	EVMAddress [20]byte
	Rebaseable bool
}

// WalletState is the singleton watch-only wallet record.
type WalletState struct {
	Network            string
	AccountXpub        string
	NextReceiveIndex   uint32
	NextChangeIndex    uint32
	DescriptorChecksum string
}

// CollectionID derives the content hash identifying a collection: the
// transaction id concatenated with the big-endian output index, hex
// encoded.
func CollectionID(txid chainhash.Hash, vout uint32) string {
	return fmt.Sprintf("%s%08x", txid.String(), vout)
}

// DB is a handle to the on-disk store.  One writer (the scanner or a
// one-shot command) and any number of snapshot readers may share it.
type DB struct {
	db   *sql.DB
	lock *dirLock
	path string
}

// Open creates the per-network data directory if needed, takes the
// advisory directory lock and opens the SQLite database, creating the
// schema on first use.  ErrDirLocked is returned when another process owns
// the directory.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, dbErr("create data dir", err)
	}

	lock, err := acquireDirLock(dataDir)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dataDir, dbFileName)
	dsn := "file:" + path +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		lock.release()
		return nil, dbErr("open database", err)
	}

	// SQLite allows exactly one writer; a second connection would only
	// trade lock errors for busy timeouts.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		lock.release()
		return nil, dbErr("create schema", err)
	}

	return &DB{db: db, lock: lock, path: path}, nil
}

// Close releases the database handle and the directory lock.
func (d *DB) Close() error {
	err := d.db.Close()
	d.lock.release()
	if err != nil {
		return dbErr("close", err)
	}
	return nil
}

// Path returns the location of the database file.
func (d *DB) Path() string {
	return d.path
}

// execInTx runs fn inside a database transaction, committing on success
// and rolling back on error.
func (d *DB) execInTx(ctx context.Context, op string,
	fn func(tx *sql.Tx) error) error {

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr(op, err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return dbErr(op, err)
	}
	return nil
}

// Cursor returns the persisted chain cursor, or false when the scanner has
// never run in this data directory.
func (d *DB) Cursor(ctx context.Context) (Cursor, bool, error) {
	var (
		height  int32
		hashStr string
	)
	err := d.db.QueryRowContext(ctx,
		"SELECT height, hash FROM cursor WHERE id = 1").
		Scan(&height, &hashStr)
	switch {
	case err == sql.ErrNoRows:
		return Cursor{}, false, nil
	case err != nil:
		return Cursor{}, false, dbErr("load cursor", err)
	}

	hash, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		return Cursor{}, false, dbErr("decode cursor hash", err)
	}
	return Cursor{Height: height, Hash: *hash}, true, nil
}

// EnsureCursor initializes the cursor singleton when absent and returns
// the resulting cursor.  An existing cursor is returned untouched.
func (d *DB) EnsureCursor(ctx context.Context, height int32,
	hash chainhash.Hash) (Cursor, error) {

	cursor, ok, err := d.Cursor(ctx)
	if err != nil {
		return Cursor{}, err
	}
	if ok {
		return cursor, nil
	}

	err = d.execInTx(ctx, "init cursor", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO cursor (id, height, hash) VALUES (1, ?, ?)",
			height, hash.String())
		if err != nil {
			return dbErr("init cursor", err)
		}
		return nil
	})
	if err != nil {
		return Cursor{}, err
	}
	return Cursor{Height: height, Hash: hash}, nil
}

// AnchorCursor replaces the sentinel hash of a freshly initialized cursor
// with the canonical block hash at the cursor height, recording it for
// reorg ancestor lookups.  The cursor must still be at the expected height
// or ErrStaleCursor is returned.
func (d *DB) AnchorCursor(ctx context.Context, height int32,
	hash chainhash.Hash) error {

	return d.execInTx(ctx, "anchor cursor", func(tx *sql.Tx) error {
		var curHeight int32
		err := tx.QueryRowContext(ctx,
			"SELECT height FROM cursor WHERE id = 1").
			Scan(&curHeight)
		if err != nil {
			return dbErr("anchor cursor: load cursor", err)
		}
		if curHeight != height {
			return ErrStaleCursor
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE cursor SET hash = ? WHERE id = 1",
			hash.String())
		if err != nil {
			return dbErr("anchor cursor", err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO recent_blocks (height, hash) "+
				"VALUES (?, ?)", height, hash.String())
		if err != nil {
			return dbErr("anchor cursor: record hash", err)
		}
		return nil
	})
}

// CommitBlock atomically advances the cursor from (height-1, prevHash) to
// (height, hash) and appends the block's decoded events.  ErrStaleCursor
// is returned without side effects when the persisted cursor does not
// match the expected parent.  The committed hash is also recorded in the
// recent block ring used for reorg ancestor lookups.
func (d *DB) CommitBlock(ctx context.Context, height int32,
	hash, prevHash chainhash.Hash, events []CollectionEvent) error {

	return d.execInTx(ctx, "commit block", func(tx *sql.Tx) error {
		var (
			curHeight  int32
			curHashStr string
		)
		err := tx.QueryRowContext(ctx,
			"SELECT height, hash FROM cursor WHERE id = 1").
			Scan(&curHeight, &curHashStr)
		if err != nil {
			return dbErr("commit block: load cursor", err)
		}
		if curHeight != height-1 || curHashStr != prevHash.String() {
			return ErrStaleCursor
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE cursor SET height = ?, hash = ? WHERE id = 1",
			height, hash.String())
		if err != nil {
			return dbErr("commit block: advance cursor", err)
		}

		for _, event := range events {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO collections (id, evm_address,
					rebaseable, btc_txid, btc_vout,
					block_height, block_hash)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				CollectionID(event.TxID, event.Vout),
				event.EVMAddress[:], event.Rebaseable,
				event.TxID.String(), event.Vout,
				height, hash.String())
			if err != nil {
				return dbErr("commit block: insert collection",
					err)
			}
		}

		_, err = tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO recent_blocks (height, hash) "+
				"VALUES (?, ?)", height, hash.String())
		if err != nil {
			return dbErr("commit block: record hash", err)
		}
		_, err = tx.ExecContext(ctx,
			"DELETE FROM recent_blocks WHERE height < ?",
			height-recentBlockDepth)
		if err != nil {
			return dbErr("commit block: prune hashes", err)
		}
		return nil
	})
}

// RollbackTo removes every collection above height and rewinds the cursor
// to (height, hash) in one transaction.
func (d *DB) RollbackTo(ctx context.Context, height int32,
	hash chainhash.Hash) error {

	return d.execInTx(ctx, "rollback", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM collections WHERE block_height > ?", height)
		if err != nil {
			return dbErr("rollback: delete collections", err)
		}
		_, err = tx.ExecContext(ctx,
			"DELETE FROM recent_blocks WHERE height > ?", height)
		if err != nil {
			return dbErr("rollback: delete hashes", err)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE cursor SET height = ?, hash = ? WHERE id = 1",
			height, hash.String())
		if err != nil {
			return dbErr("rollback: rewind cursor", err)
		}
		return nil
	})
}

// HashAtHeight returns the block hash last committed at the given height,
// when it is still within the retained reorg depth.
func (d *DB) HashAtHeight(ctx context.Context, height int32) (chainhash.Hash,
	bool, error) {

	var hashStr string
	err := d.db.QueryRowContext(ctx,
		"SELECT hash FROM recent_blocks WHERE height = ?", height).
		Scan(&hashStr)
	switch {
	case err == sql.ErrNoRows:
		return chainhash.Hash{}, false, nil
	case err != nil:
		return chainhash.Hash{}, false, dbErr("load block hash", err)
	}

	hash, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		return chainhash.Hash{}, false, dbErr("decode block hash", err)
	}
	return *hash, true, nil
}

// Collections returns every persisted collection ordered by
// (block_height, btc_txid, btc_vout).
func (d *DB) Collections(ctx context.Context) ([]Collection, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, evm_address, rebaseable, btc_txid, btc_vout,
			block_height, block_hash
		FROM collections
		ORDER BY block_height, btc_txid, btc_vout`)
	if err != nil {
		return nil, dbErr("list collections", err)
	}
	defer rows.Close()

	var collections []Collection
	for rows.Next() {
		var (
			c          Collection
			evmAddr    []byte
			txidStr    string
			blockHash  string
			rebaseable int
		)
		err := rows.Scan(&c.ID, &evmAddr, &rebaseable, &txidStr,
			&c.Vout, &c.Height, &blockHash)
		if err != nil {
			return nil, dbErr("scan collection", err)
		}
		if len(evmAddr) != len(c.EVMAddress) {
			return nil, dbErr("scan collection", fmt.Errorf(
				"evm address is %d bytes, want %d: %s",
				len(evmAddr), len(c.EVMAddress),
				hex.EncodeToString(evmAddr)))
		}
		copy(c.EVMAddress[:], evmAddr)
		c.Rebaseable = rebaseable != 0

		txid, err := chainhash.NewHashFromStr(txidStr)
		if err != nil {
			return nil, dbErr("decode collection txid", err)
		}
		c.TxID = *txid

		hash, err := chainhash.NewHashFromStr(blockHash)
		if err != nil {
			return nil, dbErr("decode collection block hash", err)
		}
		c.BlockHash = *hash

		collections = append(collections, c)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list collections", err)
	}
	return collections, nil
}

// WalletState loads the wallet singleton.  ErrNoWalletState is returned
// when the wallet has never been initialized.
func (d *DB) WalletState(ctx context.Context) (WalletState, error) {
	var ws WalletState
	err := d.db.QueryRowContext(ctx, `
		SELECT network, account_xpub, next_receive_index,
			next_change_index, descriptor_checksum
		FROM wallet_state WHERE id = 1`).
		Scan(&ws.Network, &ws.AccountXpub, &ws.NextReceiveIndex,
			&ws.NextChangeIndex, &ws.DescriptorChecksum)
	switch {
	case err == sql.ErrNoRows:
		return WalletState{}, ErrNoWalletState
	case err != nil:
		return WalletState{}, dbErr("load wallet state", err)
	}
	return ws, nil
}

// PutWalletState upserts the wallet singleton in one transaction.
func (d *DB) PutWalletState(ctx context.Context, ws WalletState) error {
	return d.execInTx(ctx, "save wallet state", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO wallet_state (id, network, account_xpub,
				next_receive_index, next_change_index,
				descriptor_checksum)
			VALUES (1, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				network = excluded.network,
				account_xpub = excluded.account_xpub,
				next_receive_index = excluded.next_receive_index,
				next_change_index = excluded.next_change_index,
				descriptor_checksum = excluded.descriptor_checksum`,
			ws.Network, ws.AccountXpub, ws.NextReceiveIndex,
			ws.NextChangeIndex, ws.DescriptorChecksum)
		if err != nil {
			return dbErr("save wallet state", err)
		}
		return nil
	})
}

// Reset destroys all persisted state.  It is only invoked from the startup
// path when the operator passes --reset.
func (d *DB) Reset(ctx context.Context) error {
	return d.execInTx(ctx, "reset", func(tx *sql.Tx) error {
		for _, table := range []string{
			"cursor", "collections", "wallet_state", "recent_blocks",
		} {
			_, err := tx.ExecContext(ctx, "DELETE FROM "+table)
			if err != nil {
				return dbErr("reset "+table, err)
			}
		}
		return nil
	})
}
