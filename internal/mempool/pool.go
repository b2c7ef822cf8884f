// Package mempool manages pending transactions waiting for block inclusion.
package mempool

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/stakenet-io/stakenet-chain/internal/storage"
	"github.com/stakenet-io/stakenet-chain/pkg/tx"
	"github.com/stakenet-io/stakenet-chain/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists = errors.New("transaction already in mempool")
	ErrNonceConflict = errors.New("sender nonce already pending")
	ErrNonceTooLow   = errors.New("transaction nonce below account nonce")
	ErrPoolFull      = errors.New("mempool is full")
	ErrValidation    = errors.New("transaction failed validation")
	ErrFeeTooLow     = errors.New("transaction fee below minimum")
	ErrBadSignature  = errors.New("transaction signature invalid")
)

// NonceFn returns the next expected nonce for an account from confirmed
// chain state. Nil disables state-level nonce gating.
type NonceFn func(addr types.Address) uint64

// entry wraps a pending transaction with its admission metadata.
type entry struct {
	tx      *tx.Transaction
	txHash  types.Hash
	feeRate float64
	addedAt time.Time
}

// Pool holds unconfirmed transactions ordered by fee rate. A persistent
// store, when set, mirrors the pending set so it survives restarts.
type Pool struct {
	mu      sync.RWMutex
	txs     map[types.Hash]*entry
	byNonce map[types.Address]map[uint64]types.Hash // sender -> nonce -> txHash
	maxSize int
	minFee  types.Amount
	ttl     time.Duration
	nonceFn NonceFn
	store   storage.DB
	now     func() time.Time
}

// New creates a mempool with the given capacity, minimum fee, and entry TTL.
func New(maxSize int, minFee types.Amount, ttl time.Duration) *Pool {
	if maxSize <= 0 {
		maxSize = 5000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Pool{
		txs:     make(map[types.Hash]*entry),
		byNonce: make(map[types.Address]map[uint64]types.Hash),
		maxSize: maxSize,
		minFee:  minFee,
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetNonceFn installs the confirmed-state nonce source.
func (p *Pool) SetNonceFn(fn NonceFn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nonceFn = fn
}

// SetStore installs the persistent backing store and reloads surviving
// entries from it. Entries that fail re-validation or have expired are
// dropped from the store.
func (p *Pool) SetStore(db storage.DB) error {
	p.mu.Lock()
	p.store = db
	p.mu.Unlock()
	return p.reload()
}

// Add validates and admits a transaction. Duplicate hashes, reused sender
// nonces, stale nonces, underpaid fees, and bad signatures are rejected.
func (p *Pool) Add(transaction *tx.Transaction) error {
	if err := transaction.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := transaction.VerifySender(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addLocked(transaction, true)
}

// AddVerified admits a transaction whose signature was already verified in
// its original wire format, such as an ingested raw external transaction.
// Structural validation and all admission rules still apply.
func (p *Pool) AddVerified(transaction *tx.Transaction) error {
	if err := transaction.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addLocked(transaction, true)
}

func (p *Pool) addLocked(transaction *tx.Transaction, persist bool) error {
	txHash := transaction.Hash()
	if _, exists := p.txs[txHash]; exists {
		return ErrAlreadyExists
	}

	if transaction.Fee < p.minFee {
		return fmt.Errorf("%w: got %d, need %d", ErrFeeTooLow, transaction.Fee, p.minFee)
	}

	if p.nonceFn != nil {
		if state := p.nonceFn(transaction.From); transaction.Nonce < state {
			return fmt.Errorf("%w: tx nonce %d, account nonce %d", ErrNonceTooLow, transaction.Nonce, state)
		}
	}

	// One pending transaction per (sender, nonce). A replacement must pay
	// a strictly higher fee to displace the incumbent.
	if nonces, ok := p.byNonce[transaction.From]; ok {
		if prevHash, taken := nonces[transaction.Nonce]; taken {
			prev := p.txs[prevHash]
			if transaction.Fee <= prev.tx.Fee {
				return fmt.Errorf("%w: nonce %d held by %s with fee %d",
					ErrNonceConflict, transaction.Nonce, prevHash, prev.tx.Fee)
			}
			p.removeLocked(prevHash)
		}
	}

	feeRate := transaction.FeeRate()
	if len(p.txs) >= p.maxSize {
		lowestHash, lowestRate := p.findLowestFeeRate()
		if feeRate <= lowestRate {
			return ErrPoolFull
		}
		p.removeLocked(lowestHash)
	}

	e := &entry{
		tx:      transaction,
		txHash:  txHash,
		feeRate: feeRate,
		addedAt: p.now(),
	}
	p.txs[txHash] = e
	if p.byNonce[transaction.From] == nil {
		p.byNonce[transaction.From] = make(map[uint64]types.Hash)
	}
	p.byNonce[transaction.From][transaction.Nonce] = txHash

	if persist && p.store != nil {
		if err := p.persist(e); err != nil {
			p.removeLocked(txHash)
			return fmt.Errorf("persist pending tx: %w", err)
		}
	}
	return nil
}

// Remove removes a transaction by hash.
func (p *Pool) Remove(txHash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(txHash)
}

func (p *Pool) removeLocked(txHash types.Hash) {
	e, exists := p.txs[txHash]
	if !exists {
		return
	}
	if nonces, ok := p.byNonce[e.tx.From]; ok {
		delete(nonces, e.tx.Nonce)
		if len(nonces) == 0 {
			delete(p.byNonce, e.tx.From)
		}
	}
	delete(p.txs, txHash)
	if p.store != nil {
		p.store.Delete(pendingKey(txHash))
	}
}

// RemoveConfirmed drops every transaction included in a committed block.
func (p *Pool) RemoveConfirmed(transactions []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range transactions {
		p.removeLocked(t.Hash())
	}
}

// Has checks membership by hash.
func (p *Pool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.txs[txHash]
	return exists
}

// Get retrieves a pending transaction, or nil.
func (p *Pool) Get(txHash types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return nil
	}
	return e.tx
}

// Count returns the number of pending transactions.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// Stats is a point-in-time summary of the pending set.
type Stats struct {
	Count     int          `json:"count"`
	Capacity  int          `json:"capacity"`
	Senders   int          `json:"senders"`
	TotalFees types.Amount `json:"total_fees"`
	MinFee    types.Amount `json:"min_fee"`   // Current admission minimum.
	OldestAt  int64        `json:"oldest_at"` // Unix seconds; 0 when empty.
}

// Stats returns pool occupancy, fee totals, and the admission minimum.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Stats{
		Count:    len(p.txs),
		Capacity: p.maxSize,
		Senders:  len(p.byNonce),
		MinFee:   p.minFee,
	}
	var oldest time.Time
	for _, e := range p.txs {
		s.TotalFees += e.tx.Fee
		if oldest.IsZero() || e.addedAt.Before(oldest) {
			oldest = e.addedAt
		}
	}
	if !oldest.IsZero() {
		s.OldestAt = oldest.Unix()
	}
	return s
}

// Pending returns all pending transactions in fee-rate order, highest first.
// Ties break on admission time, oldest first.
func (p *Pool) Pending() []*tx.Transaction {
	return p.SelectForBlock(math.MaxInt32)
}

// findLowestFeeRate returns the lowest fee-rate entry. Caller holds p.mu.
func (p *Pool) findLowestFeeRate() (types.Hash, float64) {
	var lowestHash types.Hash
	lowestRate := math.MaxFloat64
	for h, e := range p.txs {
		if e.feeRate < lowestRate {
			lowestRate = e.feeRate
			lowestHash = h
		}
	}
	return lowestHash, lowestRate
}

// SelectForBlock returns up to limit transactions ordered by fee rate
// descending, with per-sender nonce order preserved: a sender's nonce n+1
// never appears before its nonce n. Selection drains one nonce-ordered
// queue per sender, always taking the best queue head, so fee rates only
// ever compete across senders and the result is the same for every call
// over the same pool.
func (p *Pool) SelectForBlock(limit int) []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	bySender := make(map[types.Address][]*entry, len(p.byNonce))
	for _, e := range p.txs {
		bySender[e.tx.From] = append(bySender[e.tx.From], e)
	}
	queues := make([][]*entry, 0, len(bySender))
	for _, q := range bySender {
		sort.Slice(q, func(i, j int) bool { return q[i].tx.Nonce < q[j].tx.Nonce })
		queues = append(queues, q)
	}

	if limit > len(p.txs) {
		limit = len(p.txs)
	}
	result := make([]*tx.Transaction, 0, limit)
	for len(result) < limit {
		best := -1
		for i, q := range queues {
			if len(q) == 0 {
				continue
			}
			if best == -1 || headOutranks(q[0], queues[best][0]) {
				best = i
			}
		}
		if best == -1 {
			break
		}
		result = append(result, queues[best][0].tx)
		queues[best] = queues[best][1:]
	}
	return result
}

// headOutranks orders competing queue heads: fee rate descending, then
// admission time ascending, then sender address. Heads always belong to
// distinct senders, so the address tiebreak is total.
func headOutranks(a, b *entry) bool {
	if a.feeRate != b.feeRate {
		return a.feeRate > b.feeRate
	}
	if !a.addedAt.Equal(b.addedAt) {
		return a.addedAt.Before(b.addedAt)
	}
	return bytes.Compare(a.tx.From[:], b.tx.From[:]) < 0
}
