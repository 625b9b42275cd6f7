// Copyright (c) 2025 The brc721d developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package rest implements the read-only HTTP API of the daemon.  Every
// response is a projection of a store query; the server holds no state of
// its own beyond its start time.  There is no authentication: the
// operator protects the bind address.
package rest

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/laosnetwork/brc721d/store"
)

const (
	// maxClients caps the number of concurrent API connections.
	maxClients = 64

	// drainDeadline bounds how long in-flight requests may run during
	// shutdown.
	drainDeadline = 5 * time.Second

	// requestTimeout bounds a single request/response cycle.
	requestTimeout = 30 * time.Second
)

// Server serves the read-only query API over a store handle.
type Server struct {
	listenAddr string
	db         *store.DB
	startTime  time.Time

	httpServer http.Server
	listener   net.Listener

	wg      sync.WaitGroup
	quit    chan struct{}
	quitMtx sync.Mutex
}

// NewServer creates a server bound to listenAddr once Start is called.
func NewServer(listenAddr string, db *store.DB) *Server {
	s := &Server{
		listenAddr: listenAddr,
		db:         db,
		startTime:  time.Now(),
		quit:       make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/collections", s.handleCollections)
	mux.HandleFunc("/", s.handleNotFound)

	s.httpServer.Handler = mux
	s.httpServer.ReadTimeout = requestTimeout
	s.httpServer.WriteTimeout = requestTimeout
	return s
}

// Start binds the listener and begins serving.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	s.listener = netutil.LimitListener(listener, maxClients)

	log.Infof("REST API listening on %s", listener.Addr())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.httpServer.Serve(s.listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("REST server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound listener address, for callers that started the
// server on port 0.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop drains in-flight requests with a bounded deadline and closes the
// listener.
func (s *Server) Stop() {
	s.quitMtx.Lock()
	defer s.quitMtx.Unlock()
	select {
	case <-s.quit:
		return
	default:
		close(s.quit)
	}

	ctx, cancel := context.WithTimeout(context.Background(), drainDeadline)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Warnf("REST shutdown: %v", err)
	}
}

// WaitForShutdown blocks until the serve loop has exited.
func (s *Server) WaitForShutdown() {
	s.wg.Wait()
}

// healthResponse is the GET /health body.
type healthResponse struct {
	Status     string `json:"status"`
	UptimeSecs int64  `json:"uptime_secs"`
}

// stateResponse is the GET /state body.
type stateResponse struct {
	Last *lastBlock `json:"last"`
}

type lastBlock struct {
	Height int32  `json:"height"`
	Hash   string `json:"hash"`
}

// collectionsResponse is the GET /collections body.
type collectionsResponse struct {
	Collections []collectionItem `json:"collections"`
}

type collectionItem struct {
	ID                   string `json:"id"`
	EVMCollectionAddress string `json:"evmCollectionAddress"`
	Rebaseable           bool   `json:"rebaseable"`
}

type errorResponse struct {
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		UptimeSecs: int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	cursor, ok, err := s.db.Cursor(r.Context())
	if err != nil {
		log.Errorf("Failed to load cursor: %v", err)
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{Message: "internal error"})
		return
	}

	resp := stateResponse{}
	if ok {
		resp.Last = &lastBlock{
			Height: cursor.Height,
			Hash:   cursor.Hash.String(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	collections, err := s.db.Collections(r.Context())
	if err != nil {
		log.Errorf("Failed to list collections: %v", err)
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{Message: "internal error"})
		return
	}

	resp := collectionsResponse{
		Collections: make([]collectionItem, 0, len(collections)),
	}
	for _, c := range collections {
		resp.Collections = append(resp.Collections, collectionItem{
			ID: c.ID,
			EVMCollectionAddress: "0x" +
				hex.EncodeToString(c.EVMAddress[:]),
			Rebaseable: c.Rebaseable,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, errorResponse{Message: "not found"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debugf("Failed to write response: %v", err)
	}
}
