package eventsync

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	klog "github.com/stakenet-io/stakenet-chain/internal/log"
	"github.com/stakenet-io/stakenet-chain/internal/metrics"
	"github.com/stakenet-io/stakenet-chain/pkg/crypto"
)

// Sync errors.
var (
	ErrBadSignature = errors.New("broadcast signature mismatch")
	ErrDuplicate    = errors.New("event already seen")
	ErrHopLimit     = errors.New("event exceeded hop limit")
)

// Handler processes one event locally.
type Handler func(e *Event) error

const seenCacheSize = 8192

// Sync owns the event queue, the local dispatcher, and the peer
// broadcaster. One dispatcher goroutine pops events in priority order and
// runs registered handlers; the broadcaster pool fans events out to peers.
type Sync struct {
	nodeID string
	secret []byte
	queue  *Queue
	bcast  *Broadcaster

	mu       sync.RWMutex
	handlers map[string][]Handler
	seen     *lru.Cache[string, struct{}]

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates the sync layer. The broadcaster may be nil for a node with
// fan-out disabled.
func New(nodeID, secret string, queue *Queue, bcast *Broadcaster) (*Sync, error) {
	seen, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("seen cache: %w", err)
	}
	return &Sync{
		nodeID:   nodeID,
		secret:   []byte(secret),
		queue:    queue,
		bcast:    bcast,
		handlers: make(map[string][]Handler),
		seen:     seen,
	}, nil
}

// On registers a handler for an event type.
func (s *Sync) On(eventType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[eventType] = append(s.handlers[eventType], h)
}

// Emit creates, queues, and fans out a locally originated event.
func (s *Sync) Emit(eventType string, priority int, payload any) error {
	e, err := NewEvent(eventType, priority, payload, s.nodeID)
	if err != nil {
		return fmt.Errorf("build event: %w", err)
	}
	s.seen.Add(e.dedupeKey(), struct{}{})
	if err := s.queue.Push(e); err != nil {
		metrics.EventsDropped.WithLabelValues("queue_full").Inc()
		return err
	}
	if s.bcast != nil {
		s.bcast.Enqueue(e)
	}
	return nil
}

// Receive handles an inbound peer event: dedupe, hop limit, then queue for
// local dispatch and re-broadcast stamped with the local node id.
// ErrQueueFull means the caller must answer 429.
func (s *Sync) Receive(e *Event) error {
	if e.HopCount >= MaxHops {
		metrics.EventsDropped.WithLabelValues("hop_limit").Inc()
		return ErrHopLimit
	}
	if _, dup := s.seen.Get(e.dedupeKey()); dup {
		metrics.EventsDropped.WithLabelValues("duplicate").Inc()
		return ErrDuplicate
	}
	s.seen.Add(e.dedupeKey(), struct{}{})

	forwarded := e.Forwarded(s.nodeID)
	if err := s.queue.Push(forwarded); err != nil {
		return err
	}
	if s.bcast != nil {
		s.bcast.Enqueue(forwarded)
	}
	return nil
}

// VerifySignature checks an inbound broadcast signature over the raw body.
func (s *Sync) VerifySignature(body []byte, signatureHex string) error {
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("%w: malformed hex", ErrBadSignature)
	}
	want := crypto.HmacSha256(s.secret, body)
	if !crypto.HmacEqual(sig, want) {
		return ErrBadSignature
	}
	return nil
}

// QueueDepth returns the number of waiting events.
func (s *Sync) QueueDepth() int {
	return s.queue.Len()
}

// Start launches the dispatcher and the broadcaster pool.
func (s *Sync) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	if s.bcast != nil {
		s.bcast.Start(ctx)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatchLoop(ctx)
	}()
}

// Stop shuts down the dispatcher and waits for in-flight work.
func (s *Sync) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.bcast != nil {
		s.bcast.Wait()
	}
}

// dispatchLoop is the single local dispatcher: it drains the queue in
// priority order, invoking handlers sequentially so handler code never
// needs its own locking against other events.
func (s *Sync) dispatchLoop(ctx context.Context) {
	for {
		for {
			e := s.queue.Pop()
			if e == nil {
				break
			}
			s.dispatch(e)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.queue.Wait():
		}
	}
}

func (s *Sync) dispatch(e *Event) {
	s.mu.RLock()
	handlers := s.handlers[e.Type]
	s.mu.RUnlock()

	metrics.EventsDispatched.WithLabelValues(e.Type).Inc()
	for _, h := range handlers {
		if err := h(e); err != nil {
			klog.EventSync.Error().
				Str("event", e.ID).
				Str("type", e.Type).
				Err(err).
				Msg("Event handler failed")
		}
	}
}
