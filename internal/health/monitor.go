package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/stakenet-io/stakenet-chain/internal/eventsync"
	klog "github.com/stakenet-io/stakenet-chain/internal/log"
	"github.com/stakenet-io/stakenet-chain/internal/peers"
	"github.com/stakenet-io/stakenet-chain/internal/storage"
)

// Monitoring record kinds persisted per check.
const (
	RecordHeightCheck   = "height_check"
	RecordSyncTriggered = "sync_triggered"
	RecordSyncCompleted = "sync_completed"
	RecordSyncFailed    = "sync_failed"
)

// Record is one sync-monitoring row.
type Record struct {
	Kind        string `json:"kind"`
	LocalHeight uint64 `json:"local_height"`
	PeerHeight  uint64 `json:"peer_height,omitempty"`
	PeerID      string `json:"peer_id,omitempty"`
	Detail      string `json:"detail,omitempty"`
	At          int64  `json:"at"`
}

// HeightSource reports the local chain height.
type HeightSource interface {
	Height() uint64
	HasGenesis() bool
}

// MonitorOptions tunes the height monitor. Zero values select defaults.
type MonitorOptions struct {
	Threshold uint64
	Interval  time.Duration
	// MinPeers is the number of active peers required before a check runs;
	// a smaller sample is not trusted to trigger a sync.
	MinPeers int
	// MaxConcurrent bounds the parallel stats polls per check.
	MaxConcurrent  int
	RequestTimeout time.Duration
}

// Monitor polls peer heights and triggers reconciliation when the network
// is ahead of the local chain by more than the threshold.
type Monitor struct {
	local       HeightSource
	registry    *peers.Registry
	sync        *eventsync.Sync
	store       storage.DB
	client      *http.Client
	threshold   uint64
	interval    time.Duration
	minPeers    int
	maxInFlight int

	mu  sync.Mutex
	seq uint64
	now func() time.Time
}

// NewMonitor creates a height monitor. The store receives one record per
// check plus trigger/completion rows.
func NewMonitor(local HeightSource, registry *peers.Registry, es *eventsync.Sync, store storage.DB, opts MonitorOptions) *Monitor {
	if opts.Threshold == 0 {
		opts.Threshold = 5
	}
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.MinPeers <= 0 {
		opts.MinPeers = 1
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 50
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	m := &Monitor{
		local:       local,
		registry:    registry,
		sync:        es,
		store:       store,
		client:      &http.Client{Timeout: opts.RequestTimeout},
		threshold:   opts.Threshold,
		interval:    opts.Interval,
		minPeers:    opts.MinPeers,
		maxInFlight: opts.MaxConcurrent,
		now:         time.Now,
	}
	if store != nil {
		// Resume the row sequence past any rows a previous run persisted.
		store.ForEach(recordPrefix, func(key, value []byte) error {
			var seq uint64
			if _, err := fmt.Sscanf(string(key[len(recordPrefix):]), "%d", &seq); err == nil && seq > m.seq {
				m.seq = seq
			}
			return nil
		})
	}
	return m
}

// Run checks on the configured interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check polls all active peers concurrently and enqueues a manual sync
// trigger when the best peer height exceeds local by the threshold.
// Returns the best remote height observed.
func (m *Monitor) Check(ctx context.Context) uint64 {
	active := m.registry.Active()
	local := m.local.Height()
	if len(active) < m.minPeers {
		klog.Health.Debug().
			Int("active", len(active)).
			Int("required", m.minPeers).
			Msg("Too few peers online for a height check")
		return 0
	}

	type result struct {
		peerID string
		height uint64
		err    error
	}
	results := make(chan result, len(active))
	sem := make(chan struct{}, m.maxInFlight)
	for _, p := range active {
		go func(p *peers.Peer) {
			sem <- struct{}{}
			defer func() { <-sem }()
			h, err := m.peerHeight(ctx, p)
			results <- result{peerID: p.NodeID, height: h, err: err}
		}(p)
	}

	var best uint64
	var bestPeer string
	for range active {
		r := <-results
		if r.err != nil {
			m.registry.Adjust(r.peerID, peers.RepBadResponse, "stats poll failed")
			continue
		}
		m.registry.Touch(r.peerID)
		if r.height > best {
			best = r.height
			bestPeer = r.peerID
		}
	}

	m.record(Record{Kind: RecordHeightCheck, LocalHeight: local, PeerHeight: best, PeerID: bestPeer})

	behind := best > local && (best-local > m.threshold || !m.local.HasGenesis())
	if behind {
		payload := map[string]any{
			"local_height":  local,
			"target_height": best,
			"peer_id":       bestPeer,
		}
		if err := m.sync.Emit(eventsync.TypeSyncTrigger, eventsync.PriorityHigh, payload); err != nil {
			klog.Health.Error().Err(err).Msg("Sync trigger emit failed")
		} else {
			m.record(Record{Kind: RecordSyncTriggered, LocalHeight: local, PeerHeight: best, PeerID: bestPeer})
			klog.Health.Info().
				Uint64("local", local).
				Uint64("target", best).
				Str("peer", bestPeer).
				Msg("Sync triggered")
		}
	}
	return best
}

// peerHeight fetches one peer's chain height from its stats endpoint.
func (m *Monitor) peerHeight(ctx context.Context, p *peers.Peer) (uint64, error) {
	url := fmt.Sprintf("http://%s/api/explorer/stats", p.Endpoint())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("stats returned %d", resp.StatusCode)
	}

	var envelope struct {
		Success bool `json:"success"`
		Data    struct {
			Height uint64 `json:"current_height"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return 0, fmt.Errorf("decode stats: %w", err)
	}
	if !envelope.Success {
		return 0, fmt.Errorf("stats unsuccessful")
	}
	return envelope.Data.Height, nil
}

var recordPrefix = []byte("m/")

// record persists one monitoring row.
func (m *Monitor) record(r Record) {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r.At = m.now().Unix()
	m.seq++
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	m.store.Put([]byte(fmt.Sprintf("%s%016d", recordPrefix, m.seq)), data)
}

// Records returns all persisted monitoring rows in order.
func (m *Monitor) Records() ([]Record, error) {
	if m.store == nil {
		return nil, nil
	}
	var out []Record
	err := m.store.ForEach(recordPrefix, func(key, value []byte) error {
		var r Record
		if jsonErr := json.Unmarshal(value, &r); jsonErr != nil {
			return jsonErr
		}
		out = append(out, r)
		return nil
	})
	return out, err
}
