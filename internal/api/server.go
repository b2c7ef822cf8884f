// Package api implements the node's HTTP surface: peer sync endpoints,
// node registration, the explorer, and raw transaction submission.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/stakenet-io/stakenet-chain/internal/chain"
	"github.com/stakenet-io/stakenet-chain/internal/eventsync"
	"github.com/stakenet-io/stakenet-chain/internal/ingest"
	klog "github.com/stakenet-io/stakenet-chain/internal/log"
	"github.com/stakenet-io/stakenet-chain/internal/mempool"
	"github.com/stakenet-io/stakenet-chain/internal/metrics"
	"github.com/stakenet-io/stakenet-chain/internal/peers"
)

// maxBodySize caps request bodies (1 MB).
const maxBodySize = 1 << 20

// Info describes the local node in API responses.
type Info struct {
	NodeID    string
	Network   string
	Consensus string
	Version   string

	// Debug permits _debug diagnostics when a request asks for them.
	Debug bool
}

// Server is the node HTTP server.
type Server struct {
	addr     string
	info     Info
	chain    *chain.Chain
	pool     *mempool.Pool
	registry *peers.Registry
	sync     *eventsync.Sync
	ingestor *ingest.Ingestor
	server   *http.Server
	ln       net.Listener
	logger   zerolog.Logger
}

// New creates the API server. The ingestor may be nil to disable raw
// submission.
func New(addr string, info Info, ch *chain.Chain, pool *mempool.Pool,
	registry *peers.Registry, es *eventsync.Sync, ing *ingest.Ingestor) *Server {

	s := &Server{
		addr:     addr,
		info:     info,
		chain:    ch,
		pool:     pool,
		registry: registry,
		sync:     es,
		ingestor: ing,
		logger:   klog.API,
	}

	// Every body-bearing peer route authenticates against the shared secret.
	// GET /api/sync/blocks has no body to sign and serves the same public
	// chain data as the explorer, so it stays open.
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sync/events", s.withHMAC(s.handleSyncEvents))
	mux.HandleFunc("GET /api/sync/blocks", s.handleSyncBlocks)
	mux.HandleFunc("POST /api/nodes/register", s.withHMAC(s.handleRegister))
	mux.HandleFunc("GET /api/explorer/stats", s.handleStats)
	mux.HandleFunc("GET /api/explorer/blocks", s.handleBlocks)
	mux.HandleFunc("GET /api/explorer/block", s.handleBlock)
	mux.HandleFunc("GET /api/explorer/transactions", s.handleTransactions)
	mux.HandleFunc("GET /api/explorer/transaction", s.handleTransaction)
	mux.HandleFunc("POST /api/blockchain/submit", s.withHMAC(s.handleSubmit))
	mux.HandleFunc("GET /api/blockchain/mempool", s.handleMempool)
	mux.Handle("GET /metrics", metrics.Handler())

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Start begins listening and serving in a background goroutine. It returns
// immediately after the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("API server listening")
	return nil
}

// Addr returns the listener address (useful when bound to :0).
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// envelope is the uniform response shape.
type envelope struct {
	Success   bool   `json:"success"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{
		Success:   status < 400,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{
		Success:   false,
		Code:      code,
		Error:     message,
		Timestamp: time.Now().Unix(),
	})
}
