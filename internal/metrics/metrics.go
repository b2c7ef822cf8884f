// Package metrics exposes prometheus collectors for the node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event pipeline.
var (
	EventsQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stakenet_events_queued_total",
		Help: "Events accepted into the sync queue, by type.",
	}, []string{"type"})

	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stakenet_events_dispatched_total",
		Help: "Events handed to local handlers, by type.",
	}, []string{"type"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stakenet_events_dropped_total",
		Help: "Events dropped before dispatch, by reason.",
	}, []string{"reason"})

	QueueOverflow = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stakenet_queue_overflow_total",
		Help: "Inbound events refused with 429 because the queue was full.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stakenet_event_queue_depth",
		Help: "Current number of events waiting in the sync queue.",
	})

	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stakenet_broadcasts_total",
		Help: "Peer broadcast attempts, by outcome (ok, failed, throttled, skipped).",
	}, []string{"outcome"})
)

// Circuit breaker.
var CircuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stakenet_circuit_transitions_total",
	Help: "Circuit breaker state transitions, by target state.",
}, []string{"to"})

// Sync and chain state.
var (
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stakenet_sync_runs_total",
		Help: "Reconciliation runs, by outcome (completed, failed).",
	}, []string{"outcome"})

	ChainHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stakenet_chain_height",
		Help: "Current chain tip height.",
	})

	MempoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stakenet_mempool_size",
		Help: "Current number of pending transactions.",
	})

	ActivePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stakenet_active_peers",
		Help: "Number of active, non-banned peers.",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
