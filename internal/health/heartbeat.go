// Package health runs the heartbeat, peer height monitoring, and chain
// reconciliation.
package health

import (
	"context"
	"time"

	"github.com/stakenet-io/stakenet-chain/internal/eventsync"
	klog "github.com/stakenet-io/stakenet-chain/internal/log"
)

// Adaptive heartbeat tuning.
const (
	BaseInterval = 30 * time.Second
	MinInterval  = 15 * time.Second
	MaxInterval  = 120 * time.Second

	fewPeersThreshold  = 3
	slowResponseCutoff = 3 * time.Second
	manyFailuresCutoff = 10
)

// NetStats feeds the adaptive interval computation.
type NetStats struct {
	ActivePeers     int
	AvgResponseTime time.Duration
	RecentFailures  int
}

// HeartbeatPayload is the broadcast body.
type HeartbeatPayload struct {
	NodeID       string   `json:"node_id"`
	Height       uint64   `json:"height"`
	MempoolSize  int      `json:"mempool_size"`
	Uptime       int64    `json:"uptime_seconds"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Interval computes the adaptive heartbeat interval: the base shrinks when
// the node is short on peers (finding more matters), stretches when peers
// respond slowly, and tightens again under recent failures, clamped to
// [MinInterval, MaxInterval].
func Interval(s NetStats) time.Duration {
	interval := BaseInterval
	if s.ActivePeers < fewPeersThreshold {
		interval = interval * 5 / 10
	}
	if s.AvgResponseTime > slowResponseCutoff {
		interval = interval * 15 / 10
	}
	if s.RecentFailures > manyFailuresCutoff {
		interval = interval * 7 / 10
	}
	if interval < MinInterval {
		return MinInterval
	}
	if interval > MaxInterval {
		return MaxInterval
	}
	return interval
}

// StatusSource supplies the heartbeat payload fields.
type StatusSource interface {
	HeartbeatStatus() HeartbeatPayload
	NetStats() NetStats
}

// Heartbeat periodically emits heartbeat events at the adaptive interval.
type Heartbeat struct {
	sync   *eventsync.Sync
	source StatusSource
}

// NewHeartbeat creates the heartbeat runner.
func NewHeartbeat(s *eventsync.Sync, source StatusSource) *Heartbeat {
	return &Heartbeat{sync: s, source: source}
}

// Run emits heartbeats until the context is cancelled, recomputing the
// interval after each beat.
func (h *Heartbeat) Run(ctx context.Context) {
	timer := time.NewTimer(Interval(h.source.NetStats()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			payload := h.source.HeartbeatStatus()
			if err := h.sync.Emit(eventsync.TypeHeartbeat, eventsync.PriorityLow, payload); err != nil {
				klog.Health.Debug().Err(err).Msg("Heartbeat emit failed")
			}
			timer.Reset(Interval(h.source.NetStats()))
		}
	}
}
