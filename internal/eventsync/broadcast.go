package eventsync

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/stakenet-io/stakenet-chain/internal/breaker"
	klog "github.com/stakenet-io/stakenet-chain/internal/log"
	"github.com/stakenet-io/stakenet-chain/internal/metrics"
	"github.com/stakenet-io/stakenet-chain/internal/peers"
	"github.com/stakenet-io/stakenet-chain/pkg/crypto"
)

// Broadcast HTTP headers.
const (
	HeaderPriority  = "X-Event-Priority"
	HeaderSource    = "X-Source-Node"
	HeaderEventType = "X-Event-Type"
	HeaderSignature = "X-Broadcast-Signature"
)

// opBroadcast is the circuit breaker operation name for event fan-out.
const opBroadcast = "broadcast"

const (
	defaultWorkers   = 5
	connectTimeout   = 3 * time.Second
	requestTimeout   = 5 * time.Second
	retryBaseDelay   = 200 * time.Millisecond
	broadcastBacklog = 1024
)

// BroadcastOptions tunes the fan-out behavior. Zero values select defaults.
type BroadcastOptions struct {
	Workers int
	Timeout time.Duration
	// MaxRetries is the number of additional attempts after a transport
	// error, with exponential backoff between attempts.
	MaxRetries int
	// MinSuccessRate is the per-event delivery floor; a fan-out landing
	// under it is logged as degraded.
	MinSuccessRate float64
}

// Broadcaster fans events out to active peers over HTTP with a bounded
// worker pool.
type Broadcaster struct {
	nodeID     string
	secret     []byte
	registry   *peers.Registry
	circuits   *breaker.Breaker
	tracks     *TrackStore
	client     *http.Client
	jobs       chan *Event
	workers    int
	maxRetries int
	minSuccess float64
	wg         sync.WaitGroup
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(nodeID, secret string, registry *peers.Registry, circuits *breaker.Breaker, tracks *TrackStore, opts BroadcastOptions) *Broadcaster {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Timeout <= 0 {
		opts.Timeout = requestTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &Broadcaster{
		nodeID:   nodeID,
		secret:   []byte(secret),
		registry: registry,
		circuits: circuits,
		tracks:   tracks,
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				MaxIdleConnsPerHost: 4,
			},
		},
		jobs:       make(chan *Event, broadcastBacklog),
		workers:    opts.Workers,
		maxRetries: opts.MaxRetries,
		minSuccess: opts.MinSuccessRate,
	}
}

// Enqueue schedules an event for fan-out. A full backlog drops the event
// rather than blocking the caller.
func (b *Broadcaster) Enqueue(e *Event) {
	select {
	case b.jobs <- e:
	default:
		metrics.EventsDropped.WithLabelValues("broadcast_backlog").Inc()
	}
}

// Start launches the worker pool.
func (b *Broadcaster) Start(ctx context.Context) {
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case e := <-b.jobs:
					b.fanOut(ctx, e)
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited.
func (b *Broadcaster) Wait() {
	b.wg.Wait()
}

// fanOut sends one event to every eligible peer and flags delivery runs
// that land under the configured success-rate floor.
func (b *Broadcaster) fanOut(ctx context.Context, e *Event) {
	body, err := json.Marshal(e)
	if err != nil {
		klog.EventSync.Error().Err(err).Str("event", e.ID).Msg("Event marshal failed")
		return
	}
	signature := hex.EncodeToString(crypto.HmacSha256(b.secret, body))

	attempted, delivered := 0, 0
	for _, p := range b.registry.Active() {
		if e.Visited(p.NodeID) {
			metrics.Broadcasts.WithLabelValues("skipped").Inc()
			continue
		}
		if e.HopCount >= MaxHops {
			metrics.Broadcasts.WithLabelValues("skipped").Inc()
			continue
		}
		if !b.circuits.AllowRequest(p.NodeID, opBroadcast) {
			metrics.Broadcasts.WithLabelValues("skipped").Inc()
			continue
		}
		if b.tracks != nil {
			if ok, trackErr := b.tracks.Record(e.ID, e.SourceNodeID, p.NodeID); trackErr == nil && !ok {
				metrics.Broadcasts.WithLabelValues("skipped").Inc()
				continue
			}
		}
		attempted++
		if b.send(ctx, p, e, body, signature) {
			delivered++
		}
	}

	if attempted > 0 && float64(delivered)/float64(attempted) < b.minSuccess {
		metrics.Broadcasts.WithLabelValues("degraded").Inc()
		klog.EventSync.Warn().
			Str("event", e.ID).
			Int("delivered", delivered).
			Int("attempted", attempted).
			Msg("Broadcast success rate below floor")
	}
}

// send delivers one event to one peer, retrying transport errors with
// exponential backoff. HTTP responses, including errors, are terminal.
func (b *Broadcaster) send(ctx context.Context, p *peers.Peer, e *Event, body []byte, signature string) bool {
	url := fmt.Sprintf("http://%s/api/sync/events", p.Endpoint())

	var resp *http.Response
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			metrics.Broadcasts.WithLabelValues("failed").Inc()
			return false
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderPriority, strconv.Itoa(e.Priority))
		req.Header.Set(HeaderSource, b.nodeID)
		req.Header.Set(HeaderEventType, e.Type)
		req.Header.Set(HeaderSignature, signature)

		resp, err = b.client.Do(req)
		if err == nil {
			break
		}
		if attempt >= b.maxRetries {
			b.circuits.RecordFailure(p.NodeID, opBroadcast)
			metrics.Broadcasts.WithLabelValues("failed").Inc()
			klog.EventSync.Debug().
				Str("peer", p.NodeID).
				Str("event", e.ID).
				Int("attempts", attempt+1).
				Err(err).
				Msg("Broadcast failed")
			return false
		}
		select {
		case <-ctx.Done():
			metrics.Broadcasts.WithLabelValues("failed").Inc()
			return false
		case <-time.After(retryBaseDelay << attempt):
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		// Back-pressure, not a peer fault: do not trip the breaker.
		metrics.Broadcasts.WithLabelValues("throttled").Inc()
		klog.EventSync.Debug().Str("peer", p.NodeID).Msg("Peer throttling broadcasts")
		return false
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		b.circuits.RecordSuccess(p.NodeID, opBroadcast)
		metrics.Broadcasts.WithLabelValues("ok").Inc()
		return true
	default:
		b.circuits.RecordFailure(p.NodeID, opBroadcast)
		metrics.Broadcasts.WithLabelValues("failed").Inc()
		return false
	}
}
