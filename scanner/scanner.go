// Copyright (c) 2025 The brc721d developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package scanner implements the confirmation-lagged, reorg-safe block
// follower that drives the BRC-721 index forward.  The scanner is the
// single writer of the chain cursor and the collections registry: each
// block is decoded and committed as one store transaction, so a crash or
// shutdown at any point leaves the index on a block boundary.
package scanner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/laosnetwork/brc721d/chain"
	"github.com/laosnetwork/brc721d/protocol"
	"github.com/laosnetwork/brc721d/store"
)

const (
	// defaultPollInterval is how often the node tip is polled when the
	// scanner is caught up.
	defaultPollInterval = 5 * time.Second

	// defaultMaxReorgDepth bounds the ancestor walk during a
	// reorganization.  A fork deeper than this halts the scanner for
	// operator intervention.
	defaultMaxReorgDepth = 100

	// retryBackoffMin and retryBackoffMax bound the exponential backoff
	// applied to node errors.
	retryBackoffMin = time.Second
	retryBackoffMax = time.Minute
)

// ErrDeepReorg is returned when no common ancestor is found within the
// maximum reorg depth.  The cursor and collections are left untouched.
var ErrDeepReorg = errors.New("reorg deeper than maximum depth")

// sentinelHash is the cursor hash recorded before the first block is
// committed.  The parent check is skipped against it.
var sentinelHash chainhash.Hash

// Config holds the scanner's collaborators and tuning knobs.
type Config struct {
	// Node is the chain backend blocks are read from.
	Node chain.NodeClient

	// Store is the durable state commits go to.
	Store *store.DB

	// StartHeight is the first height to index when no cursor exists.
	StartHeight int32

	// Confirmations is the safety lag: only blocks at height <=
	// tip-Confirmations are processed.
	Confirmations int32

	// BatchSize is the number of blocks fetched per poll cycle.  Each
	// block is still committed as an atomic unit.
	BatchSize int

	// PollInterval overrides the tip poll cadence.
	PollInterval time.Duration

	// MaxReorgDepth overrides the ancestor walk bound.
	MaxReorgDepth int32

	// Ticker overrides the poll ticker, letting tests force ticks.
	Ticker ticker.Ticker
}

// Scanner is the block follower.  Start begins the poll loop, Stop
// requests shutdown and WaitForShutdown blocks until the loop exits.
type Scanner struct {
	cfg Config

	tick ticker.Ticker

	errMtx   sync.Mutex
	fatalErr error

	started bool
	quit    chan struct{}
	wg      sync.WaitGroup
	quitMtx sync.Mutex
}

// New creates a scanner from the given config, applying defaults for any
// unset tuning knob.
func New(cfg Config) *Scanner {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxReorgDepth <= 0 {
		cfg.MaxReorgDepth = defaultMaxReorgDepth
	}
	tick := cfg.Ticker
	if tick == nil {
		tick = ticker.New(cfg.PollInterval)
	}
	return &Scanner{
		cfg:  cfg,
		tick: tick,
		quit: make(chan struct{}),
	}
}

// Start ensures the cursor exists and launches the poll loop.
func (s *Scanner) Start() error {
	s.quitMtx.Lock()
	defer s.quitMtx.Unlock()
	if s.started {
		return nil
	}

	ctx := context.Background()
	cursor, err := s.cfg.Store.EnsureCursor(ctx, s.cfg.StartHeight-1,
		sentinelHash)
	if err != nil {
		return err
	}
	log.Infof("Scanner starting at cursor height %d (confirmations=%d, "+
		"batch=%d)", cursor.Height, s.cfg.Confirmations, s.cfg.BatchSize)

	s.started = true
	s.wg.Add(1)
	go s.pollLoop()
	return nil
}

// Stop requests a clean shutdown.  The in-flight tick either completes or
// aborts; both are safe because commits are atomic.
func (s *Scanner) Stop() {
	s.quitMtx.Lock()
	defer s.quitMtx.Unlock()
	select {
	case <-s.quit:
	default:
		close(s.quit)
		s.tick.Stop()
	}
}

// WaitForShutdown blocks until the poll loop has exited.
func (s *Scanner) WaitForShutdown() {
	s.wg.Wait()
}

// Err returns the fatal error the scanner halted on, if any.
func (s *Scanner) Err() error {
	s.errMtx.Lock()
	defer s.errMtx.Unlock()
	return s.fatalErr
}

func (s *Scanner) setErr(err error) {
	s.errMtx.Lock()
	s.fatalErr = err
	s.errMtx.Unlock()
}

// pollLoop drives one tick per ticker firing, retrying node errors with
// exponential backoff and halting on anything else.
func (s *Scanner) pollLoop() {
	defer s.wg.Done()

	s.tick.Resume()

	for {
		select {
		case <-s.quit:
			return
		case <-s.tick.Ticks():
		}

		backoff := retryBackoffMin
	tickLoop:
		for {
			err := s.tickOnce()
			switch {
			case err == nil:
				break tickLoop

			case errors.Is(err, store.ErrStaleCursor):
				// The only other writer is an operator
				// reset; the next tick reloads the cursor.
				log.Warnf("Cursor moved underneath the " +
					"scanner, reloading")
				break tickLoop
			}

			var nodeErr *chain.NodeError
			if !errors.As(err, &nodeErr) {
				// Deep reorgs and durability failures halt
				// the scanner pending operator intervention.
				log.Criticalf("Scanner halted: %v", err)
				s.setErr(err)
				return
			}

			log.Warnf("Node error, retrying in %v: %v", backoff,
				err)
			select {
			case <-time.After(backoff):
			case <-s.quit:
				return
			}
			backoff *= 2
			if backoff > retryBackoffMax {
				backoff = retryBackoffMax
			}
		}
	}
}

// tickOnce advances the cursor by up to BatchSize blocks, committing each
// block atomically.
func (s *Scanner) tickOnce() error {
	ctx := context.Background()

	cursor, ok, err := s.cfg.Store.Cursor(ctx)
	if err != nil {
		return err
	}
	if !ok {
		cursor, err = s.cfg.Store.EnsureCursor(ctx,
			s.cfg.StartHeight-1, sentinelHash)
		if err != nil {
			return err
		}
	}

	tipHeight, _, err := s.cfg.Node.BestBlock()
	if err != nil {
		return err
	}

	// A fresh cursor still carries the sentinel hash.  Once the node has
	// reached the cursor height, pin it to the canonical hash so later
	// blocks have a real parent to check against.
	if cursor.Hash == sentinelHash && cursor.Height >= 0 &&
		cursor.Height <= tipHeight {

		hash, err := s.cfg.Node.BlockHashAtHeight(cursor.Height)
		if err != nil {
			return err
		}
		err = s.cfg.Store.AnchorCursor(ctx, cursor.Height, *hash)
		if err != nil {
			return err
		}
		cursor.Hash = *hash
		log.Debugf("Anchored cursor at height %d (%s)", cursor.Height,
			hash)
	}

	safeHeight := tipHeight - s.cfg.Confirmations
	if cursor.Height >= safeHeight {
		return nil
	}

	target := safeHeight
	if limit := cursor.Height + int32(s.cfg.BatchSize); limit < target {
		target = limit
	}

	for height := cursor.Height + 1; height <= target; height++ {
		hash, block, err := s.cfg.Node.BlockAtHeight(height)
		if err != nil {
			return err
		}

		// A parent mismatch means the chain reorganized underneath
		// the cursor.  The first block after a fresh start has no
		// parent to check.
		if cursor.Hash != sentinelHash &&
			block.Header.PrevBlock != cursor.Hash {

			log.Warnf("Reorg detected at height %d: parent %s "+
				"does not match cursor %s", height,
				block.Header.PrevBlock, cursor.Hash)
			return s.handleReorg(ctx, cursor)
		}

		events := decodeBlock(block)
		err = s.cfg.Store.CommitBlock(ctx, height, *hash, cursor.Hash,
			events)
		if err != nil {
			return err
		}

		if len(events) > 0 {
			log.Infof("Committed block %d (%s) with %d "+
				"collection(s)", height, hash, len(events))
			log.Debugf("Block %d events: %v", height,
				newLogClosure(func() string {
					return spew.Sdump(events)
				}))
		} else {
			log.Debugf("Committed block %d (%s)", height, hash)
		}

		cursor = store.Cursor{Height: height, Hash: *hash}
	}
	return nil
}

// handleReorg walks backward from the cursor to the newest height where
// the node's canonical hash matches the last committed hash, then rolls
// the store back to it.  Scanning resumes from the common ancestor on the
// next tick.
func (s *Scanner) handleReorg(ctx context.Context, cursor store.Cursor) error {
	floor := cursor.Height - s.cfg.MaxReorgDepth
	for height := cursor.Height; height > floor && height >= 0; height-- {
		committed, ok, err := s.cfg.Store.HashAtHeight(ctx, height)
		if err != nil {
			return err
		}
		if !ok {
			// Older than the retained reorg window.
			break
		}

		canonical, err := s.cfg.Node.BlockHashAtHeight(height)
		if err != nil {
			return err
		}
		if *canonical != committed {
			continue
		}

		log.Infof("Rolling back to common ancestor at height %d (%s)",
			height, committed)
		return s.cfg.Store.RollbackTo(ctx, height, committed)
	}
	return ErrDeepReorg
}

// decodeBlock extracts every BRC-721 event from a block in transaction
// then output order, tagging each with its outpoint.
func decodeBlock(block *wire.MsgBlock) []store.CollectionEvent {
	var events []store.CollectionEvent
	for _, tx := range block.Transactions {
		txid := tx.TxHash()
		for vout, out := range tx.TxOut {
			event, ok := protocol.ParseScript(out.PkScript)
			if !ok {
				continue
			}

			switch e := event.(type) {
			case *protocol.RegisterCollection:
				events = append(events, store.CollectionEvent{
					TxID:       txid,
					Vout:       uint32(vout),
					EVMAddress: e.EVMAddress,
					Rebaseable: e.Rebaseable,
				})

			default:
				// Future opcodes decode but do not
				// materialize yet.
				log.Debugf("Skipping opcode %#x event in %s:%d",
					event.Opcode(), txid, vout)
			}
		}
	}
	return events
}
