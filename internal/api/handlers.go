package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/stakenet-io/stakenet-chain/internal/chain"
	"github.com/stakenet-io/stakenet-chain/internal/eventsync"
	"github.com/stakenet-io/stakenet-chain/internal/ingest"
	"github.com/stakenet-io/stakenet-chain/internal/mempool"
	"github.com/stakenet-io/stakenet-chain/internal/peers"
	"github.com/stakenet-io/stakenet-chain/pkg/block"
	"github.com/stakenet-io/stakenet-chain/pkg/tx"
	"github.com/stakenet-io/stakenet-chain/pkg/types"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// withHMAC authenticates peer-route bodies against the shared secret.
func (s *Server) withHMAC(next func(http.ResponseWriter, *http.Request, []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "BadRequest", "unreadable body")
			return
		}
		signature := r.Header.Get(eventsync.HeaderSignature)
		if signature == "" {
			s.writeError(w, http.StatusUnauthorized, "AuthError", "missing broadcast signature")
			return
		}
		if err := s.sync.VerifySignature(body, signature); err != nil {
			s.writeError(w, http.StatusUnauthorized, "AuthError", "broadcast signature mismatch")
			return
		}
		next(w, r, body)
	}
}

// handleSyncEvents accepts one peer event. 200 on accept, 202 when the
// event was already seen or exhausted its hops, 429 under back-pressure.
func (s *Server) handleSyncEvents(w http.ResponseWriter, r *http.Request, body []byte) {
	var e eventsync.Event
	if err := json.Unmarshal(body, &e); err != nil {
		s.writeError(w, http.StatusBadRequest, "BadRequest", "malformed event")
		return
	}
	if e.ID == "" || e.Type == "" {
		s.writeError(w, http.StatusBadRequest, "BadRequest", "event id and type are required")
		return
	}

	switch err := s.sync.Receive(&e); {
	case err == nil:
		if e.SourceNodeID != "" {
			s.registry.Touch(e.SourceNodeID)
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"event_id": e.ID})
	case errors.Is(err, eventsync.ErrDuplicate), errors.Is(err, eventsync.ErrHopLimit):
		s.writeJSON(w, http.StatusAccepted, map[string]string{"event_id": e.ID, "skipped": "true"})
	case errors.Is(err, eventsync.ErrQueueFull):
		s.writeError(w, http.StatusTooManyRequests, "QueueFull", "event queue at capacity")
	default:
		s.writeError(w, http.StatusInternalServerError, "Internal", err.Error())
	}
}

// handleSyncBlocks serves an inclusive block range for reconciliation.
func (s *Server) handleSyncBlocks(w http.ResponseWriter, r *http.Request) {
	from, err := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "BadRequest", "invalid from height")
		return
	}
	to, err := strconv.ParseUint(r.URL.Query().Get("to"), 10, 64)
	if err != nil || to < from {
		s.writeError(w, http.StatusBadRequest, "BadRequest", "invalid to height")
		return
	}
	count := to - from + 1
	if count > maxPageSize {
		count = maxPageSize
	}

	blocks, err := s.chain.BlocksRange(from, int(count))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Internal", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"blocks": blocks})
}

type registerRequest struct {
	NodeID    string `json:"node_id"`
	Domain    string `json:"domain"`
	Protocol  string `json:"protocol"`
	IPAddress string `json:"ip_address,omitempty"`
	Port      int    `json:"port,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
	Version   string `json:"version,omitempty"`
	NodeType  string `json:"node_type,omitempty"`
}

// handleRegister registers a peer. A conflicting endpoint returns the
// existing record rather than an error.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, body []byte) {
	var req registerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "BadRequest", "malformed registration")
		return
	}
	if req.NodeID == "" || (req.Domain == "" && req.IPAddress == "") {
		s.writeError(w, http.StatusBadRequest, "BadRequest", "node_id and domain or ip_address are required")
		return
	}

	host := req.Domain
	if host == "" {
		host = req.IPAddress
	}
	port := req.Port
	if port == 0 {
		port = 80
	}

	p, err := s.registry.Register(req.NodeID, host, port, req.PublicKey, req.Version)
	switch {
	case err == nil:
	case errors.Is(err, peers.ErrAddressInUse):
		// Return the holder of the endpoint instead of erroring.
		for _, existing := range s.registry.Active() {
			if existing.Host == host && existing.Port == port {
				p = existing
				break
			}
		}
		if p == nil {
			s.writeError(w, http.StatusConflict, "Conflict", err.Error())
			return
		}
	case errors.Is(err, peers.ErrBanned):
		s.writeError(w, http.StatusForbidden, "Banned", err.Error())
		return
	default:
		s.writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"node_id":       p.NodeID,
		"domain":        p.Host,
		"registered_at": p.LastSeen,
	})
}

// debugInfo returns diagnostics when the node allows them and the request
// carries the _debug query toggle. Nil otherwise so the field is omitted.
func (s *Server) debugInfo(r *http.Request) map[string]any {
	if !s.info.Debug || r.URL.Query().Get("_debug") == "" {
		return nil
	}
	return map[string]any{
		"node_id":      s.info.NodeID,
		"chain_height": s.chain.Height(),
		"mempool_size": s.pool.Count(),
		"active_peers": len(s.registry.Active()),
	}
}

// handleStats serves the health snapshot peers poll for height checks.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var lastBlockTime int64
	if s.chain.HasGenesis() {
		lastBlockTime = s.chain.TipTimestamp()
	}
	resp := map[string]any{
		"network":            s.info.Network,
		"current_height":     s.chain.Height(),
		"has_genesis":        s.chain.HasGenesis(),
		"total_transactions": s.chain.TxTotal(),
		"total_supply":       types.Amount(s.chain.Supply()).String(),
		"last_block_time":    lastBlockTime,
		"mempool_size":       s.pool.Count(),
		"consensus":          s.info.Consensus,
		"version":            s.info.Version,
	}
	if dbg := s.debugInfo(r); dbg != nil {
		resp["_debug"] = dbg
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func pageParams(r *http.Request) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return page, limit
}

// handleBlocks serves blocks descending by height, paginated.
func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	page, limit := pageParams(r)
	if !s.chain.HasGenesis() {
		s.writeJSON(w, http.StatusOK, map[string]any{"blocks": []any{}, "page": page, "total": 0})
		return
	}

	tip := s.chain.Height()
	total := tip + 1
	skip := uint64(page-1) * uint64(limit)
	if skip > tip {
		s.writeJSON(w, http.StatusOK, map[string]any{"blocks": []any{}, "page": page, "total": total})
		return
	}

	start := tip - skip
	blocks := make([]*block.Block, 0, limit)
	for h := start; len(blocks) < limit; h-- {
		blk, err := s.chain.ByIndex(h)
		if err != nil {
			break
		}
		blocks = append(blocks, blk)
		if h == 0 {
			break
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"blocks": blocks, "page": page, "total": total})
}

// handleBlock serves one block by hash or height.
func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "BadRequest", "id is required")
		return
	}

	var blk *block.Block
	var err error
	if height, numErr := strconv.ParseUint(id, 10, 64); numErr == nil {
		blk, err = s.chain.ByIndex(height)
	} else {
		hash, hashErr := types.HexToHash(strings.TrimPrefix(id, "0x"))
		if hashErr != nil {
			s.writeError(w, http.StatusBadRequest, "BadRequest", "id must be a height or block hash")
			return
		}
		blk, err = s.chain.ByHash(hash)
	}
	if errors.Is(err, chain.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "NotFound", "block not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Internal", err.Error())
		return
	}
	resp := map[string]any{"block": blk}
	if dbg := s.debugInfo(r); dbg != nil {
		resp["_debug"] = dbg
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// txView is the explorer representation of a transaction: the record fields
// plus its lifecycle status and, when confirmed, its location.
type txView struct {
	Hash        types.Hash    `json:"hash"`
	From        types.Address `json:"from"`
	To          types.Address `json:"to"`
	Amount      types.Amount  `json:"amount"`
	Fee         types.Amount  `json:"fee"`
	Nonce       uint64        `json:"nonce"`
	GasLimit    uint64        `json:"gas_limit,omitempty"`
	GasPrice    uint64        `json:"gas_price,omitempty"`
	RawHash     types.Hash    `json:"raw_hash"`
	Timestamp   int64         `json:"timestamp"`
	Status      tx.Status     `json:"status"`
	BlockHeight uint64        `json:"block_height"`
	BlockHash   types.Hash    `json:"block_hash"`
}

func newTxView(t *tx.Transaction, status tx.Status, blockHeight uint64, blockHash types.Hash) txView {
	return txView{
		Hash:        t.Hash(),
		From:        t.From,
		To:          t.To,
		Amount:      t.Amount,
		Fee:         t.Fee,
		Nonce:       t.Nonce,
		GasLimit:    t.GasLimit,
		GasPrice:    t.GasPrice,
		RawHash:     t.RawHash,
		Timestamp:   t.Timestamp,
		Status:      status,
		BlockHeight: blockHeight,
		BlockHash:   blockHash,
	}
}

// handleTransactions serves confirmed transactions newest-block first.
func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	page, limit := pageParams(r)
	skip := (page - 1) * limit

	out := make([]txView, 0, limit)
	if s.chain.HasGenesis() {
		for h := s.chain.Height(); len(out) < limit; h-- {
			blk, err := s.chain.ByIndex(h)
			if err != nil {
				break
			}
			// Within a block, preserve inclusion order.
			for _, t := range blk.Transactions {
				if skip > 0 {
					skip--
					continue
				}
				if len(out) >= limit {
					break
				}
				out = append(out, newTxView(t, tx.StatusConfirmed, blk.Header.Height, blk.Hash()))
			}
			if h == 0 {
				break
			}
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"transactions": out,
		"page":         page,
		"total":        s.chain.TxTotal(),
	})
}

// handleTransaction serves one transaction by hash, checking the chain
// first and the mempool second.
func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "BadRequest", "id is required")
		return
	}
	hash, err := types.HexToHash(strings.TrimPrefix(id, "0x"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "BadRequest", "id must be a transaction hash")
		return
	}

	confirmed, height, blockHash, err := s.chain.GetTransaction(hash)
	if err == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"transaction": newTxView(confirmed, tx.StatusConfirmed, height, blockHash),
		})
		return
	}
	if !errors.Is(err, chain.ErrNotFound) {
		s.writeError(w, http.StatusInternalServerError, "Internal", err.Error())
		return
	}

	if pending := s.pool.Get(hash); pending != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"transaction": newTxView(pending, tx.StatusPending, 0, types.Hash{}),
		})
		return
	}
	s.writeError(w, http.StatusNotFound, "NotFound", "transaction not found")
}

type submitRequest struct {
	RawTransaction string `json:"raw_transaction"`
}

// handleSubmit ingests a raw externally signed transaction.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, body []byte) {
	if s.ingestor == nil {
		s.writeError(w, http.StatusNotImplemented, "Disabled", "raw submission is disabled")
		return
	}
	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "BadRequest", "malformed submission")
		return
	}

	res, err := s.ingestor.Submit(req.RawTransaction)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"tx_hash":  res.TxHash,
			"raw_hash": res.RawHash,
			"from":     res.Sender,
			"existing": res.Existing,
			"accepted": true,
		})
	case errors.Is(err, ingest.ErrParse):
		s.writeError(w, http.StatusBadRequest, "ParseError", err.Error())
	case errors.Is(err, ingest.ErrSignature):
		s.writeError(w, http.StatusBadRequest, "SignatureError", err.Error())
	case errors.Is(err, mempool.ErrFeeTooLow),
		errors.Is(err, mempool.ErrNonceTooLow),
		errors.Is(err, mempool.ErrNonceConflict),
		errors.Is(err, mempool.ErrValidation):
		s.writeError(w, http.StatusBadRequest, "ValidationError", err.Error())
	case errors.Is(err, mempool.ErrPoolFull):
		s.writeError(w, http.StatusServiceUnavailable, "MempoolFull", err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, "Internal", err.Error())
	}
}

// handleMempool serves pool occupancy and the current admission minimum
// fee, which senders use to price transactions.
func (s *Server) handleMempool(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pool.Stats())
}
