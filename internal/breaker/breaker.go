// Package breaker implements per-peer, per-operation circuit breaking.
package breaker

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	klog "github.com/stakenet-io/stakenet-chain/internal/log"
	"github.com/stakenet-io/stakenet-chain/internal/storage"
)

// State is a circuit state.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config holds the breaker thresholds.
type Config struct {
	FailureThreshold int           // Consecutive failures to open.
	SuccessThreshold int           // Consecutive half-open successes to close.
	Timeout          time.Duration // Open duration before probing.
	RequestVolume    int           // Minimum samples before rate tripping.
	ErrorPercentage  int           // Error rate (percent) to open.
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          60 * time.Second,
		RequestVolume:    10,
		ErrorPercentage:  50,
	}
}

// Circuit is the tracked state of one (peer, operation) pair.
type Circuit struct {
	PeerID    string `json:"peer_id"`
	Operation string `json:"operation"`
	State     State  `json:"state"`

	FailureCount   int   `json:"failure_count"` // Consecutive.
	SuccessCount   int   `json:"success_count"` // Consecutive, half-open only.
	TotalRequests  int   `json:"total_requests"`
	FailedRequests int   `json:"failed_requests"`
	LastFailureAt  int64 `json:"last_failure_at,omitempty"`
	LastSuccessAt  int64 `json:"last_success_at,omitempty"`
	StateChangedAt int64 `json:"state_changed_at"`
	NextAttemptAt  int64 `json:"next_attempt_at,omitempty"`
}

// Transition is one persisted state-change row.
type Transition struct {
	PeerID    string `json:"peer_id"`
	Operation string `json:"operation"`
	From      State  `json:"from"`
	To        State  `json:"to"`
	Reason    string `json:"reason"`
	At        int64  `json:"at"`
}

// Breaker manages circuits keyed by (peerID, operation). State and every
// transition are persisted when a store is attached.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	circuits map[string]*Circuit
	store    storage.DB
	events   uint64 // Sequence for transition rows.
	onChange func(Transition)
	now      func() time.Time
}

// New creates a breaker. A non-nil store is replayed on construction.
func New(cfg Config, store storage.DB) (*Breaker, error) {
	b := &Breaker{
		cfg:      cfg,
		circuits: make(map[string]*Circuit),
		store:    store,
		now:      time.Now,
	}
	if store != nil {
		err := store.ForEach(circuitPrefix, func(key, value []byte) error {
			var c Circuit
			if jsonErr := json.Unmarshal(value, &c); jsonErr != nil {
				return fmt.Errorf("corrupt circuit record %s: %w", key, jsonErr)
			}
			b.circuits[circuitKey(c.PeerID, c.Operation)] = &c
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("load circuits: %w", err)
		}
		// Resume the transition sequence after the highest persisted row so
		// a restart appends instead of overwriting history.
		err = store.ForEach(transitionPrefix, func(key, value []byte) error {
			var seq uint64
			if _, scanErr := fmt.Sscanf(string(key[len(transitionPrefix):]), "%d", &seq); scanErr == nil && seq > b.events {
				b.events = seq
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("load transitions: %w", err)
		}
	}
	return b, nil
}

// OnTransition registers a callback invoked after each state change.
func (b *Breaker) OnTransition(fn func(Transition)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

var (
	circuitPrefix    = []byte("c/")
	transitionPrefix = []byte("e/")
)

func circuitKey(peerID, operation string) string {
	return peerID + "\x00" + operation
}

// AllowRequest reports whether a request to the peer may proceed. An open
// circuit whose timeout has lapsed moves to half-open and admits one probe.
func (b *Breaker) AllowRequest(peerID, operation string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(peerID, operation)
	switch c.State {
	case Closed:
		return true
	case HalfOpen:
		return true
	case Open:
		if b.now().Unix() >= c.NextAttemptAt {
			b.transition(c, HalfOpen, "timeout lapsed")
			return true
		}
		return false
	}
	return false
}

// RecordSuccess counts a successful request.
func (b *Breaker) RecordSuccess(peerID, operation string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(peerID, operation)
	now := b.now().Unix()
	c.TotalRequests++
	c.FailureCount = 0
	c.LastSuccessAt = now

	if c.State == HalfOpen {
		c.SuccessCount++
		if c.SuccessCount >= b.cfg.SuccessThreshold {
			b.transition(c, Closed, "recovered")
		}
	}
	b.persist(c)
}

// RecordFailure counts a failed request, tripping the circuit when the
// consecutive or rate threshold is crossed. Half-open circuits reopen on
// any failure.
func (b *Breaker) RecordFailure(peerID, operation string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(peerID, operation)
	now := b.now().Unix()
	c.TotalRequests++
	c.FailedRequests++
	c.FailureCount++
	c.SuccessCount = 0
	c.LastFailureAt = now

	switch c.State {
	case HalfOpen:
		b.open(c, "half-open probe failed")
	case Closed:
		if c.FailureCount >= b.cfg.FailureThreshold {
			b.open(c, "consecutive failures")
		} else if c.TotalRequests >= b.cfg.RequestVolume &&
			c.FailedRequests*100/c.TotalRequests >= b.cfg.ErrorPercentage {
			b.open(c, "error rate")
		}
	}
	b.persist(c)
}

// StateOf returns the current state for a (peer, operation) pair.
func (b *Breaker) StateOf(peerID, operation string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(peerID, operation).State
}

// Snapshot returns a copy of every tracked circuit.
func (b *Breaker) Snapshot() []Circuit {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Circuit, 0, len(b.circuits))
	for _, c := range b.circuits {
		out = append(out, *c)
	}
	return out
}

// get returns or creates the circuit. Caller holds b.mu.
func (b *Breaker) get(peerID, operation string) *Circuit {
	key := circuitKey(peerID, operation)
	c, ok := b.circuits[key]
	if !ok {
		c = &Circuit{
			PeerID:         peerID,
			Operation:      operation,
			State:          Closed,
			StateChangedAt: b.now().Unix(),
		}
		b.circuits[key] = c
	}
	return c
}

func (b *Breaker) open(c *Circuit, reason string) {
	b.transition(c, Open, reason)
	c.NextAttemptAt = b.now().Add(b.cfg.Timeout).Unix()
}

// transition applies a state change, resets window counters, persists the
// event row. Caller holds b.mu.
func (b *Breaker) transition(c *Circuit, to State, reason string) {
	from := c.State
	if from == to {
		return
	}
	now := b.now().Unix()
	c.State = to
	c.StateChangedAt = now
	c.FailureCount = 0
	c.SuccessCount = 0
	if to == Closed {
		c.TotalRequests = 0
		c.FailedRequests = 0
		c.NextAttemptAt = 0
	}

	tr := Transition{
		PeerID:    c.PeerID,
		Operation: c.Operation,
		From:      from,
		To:        to,
		Reason:    reason,
		At:        now,
	}
	klog.Breaker.Info().
		Str("peer", c.PeerID).
		Str("operation", c.Operation).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("Circuit transition")

	b.persist(c)
	if b.store != nil {
		b.events++
		if data, err := json.Marshal(tr); err == nil {
			b.store.Put([]byte(fmt.Sprintf("%s%016d", transitionPrefix, b.events)), data)
		}
	}
	if b.onChange != nil {
		b.onChange(tr)
	}
}

func (b *Breaker) persist(c *Circuit) {
	if b.store == nil {
		return
	}
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	b.store.Put(append(append([]byte(nil), circuitPrefix...), circuitKey(c.PeerID, c.Operation)...), data)
}
