// Package eventsync distributes node events locally and across peers.
package eventsync

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event priorities. Lower dispatches first.
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 4
	PriorityBulk     = 5
)

// Well-known event types.
const (
	TypeBlockCreated = "block.created"
	TypeTxReceived   = "tx.received"
	TypeNodeRegister = "node.registered"
	TypeHeartbeat    = "heartbeat"
	TypeSyncRequest  = "sync.request"
	TypeSyncResponse = "sync.response"
	TypeSyncTrigger  = "sync.manual_trigger"
)

// MaxHops bounds event propagation across the mesh.
const MaxHops = 6

// Event is one unit of gossip. Path records every node id the event has
// visited; a node never forwards back along it.
type Event struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Priority     int             `json:"priority"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	SourceNodeID string          `json:"source_node_id"`
	HopCount     int             `json:"hop_count"`
	Path         []string        `json:"path"`
	CreatedAt    int64           `json:"created_at"` // Unix nanoseconds.
}

// NewEvent creates a locally originated event.
func NewEvent(eventType string, priority int, payload any, sourceNodeID string) (*Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	if priority < PriorityCritical || priority > PriorityBulk {
		priority = PriorityNormal
	}
	return &Event{
		ID:           uuid.NewString(),
		Type:         eventType,
		Priority:     priority,
		Payload:      raw,
		SourceNodeID: sourceNodeID,
		Path:         []string{sourceNodeID},
		CreatedAt:    time.Now().UnixNano(),
	}, nil
}

// Visited reports whether the event already passed through a node.
func (e *Event) Visited(nodeID string) bool {
	for _, id := range e.Path {
		if id == nodeID {
			return true
		}
	}
	return false
}

// Forwarded returns a copy stamped with the local node for re-broadcast.
func (e *Event) Forwarded(nodeID string) *Event {
	c := *e
	c.HopCount++
	c.Path = append(append([]string(nil), e.Path...), nodeID)
	return &c
}

// dedupeKey identifies an event delivery for the seen-cache.
func (e *Event) dedupeKey() string {
	return e.ID + "|" + e.SourceNodeID
}
