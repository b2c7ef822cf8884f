package eventsync

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/stakenet-io/stakenet-chain/internal/storage"
)

// Track is one persisted broadcast-delivery record. The (EventID, Source,
// Current) key is unique so an event is sent to a given peer at most once.
type Track struct {
	EventID   string `json:"event_id"`
	Source    string `json:"source_node_id"`
	Current   string `json:"current_node_id"`
	ExpiresAt int64  `json:"expires_at"` // Unix seconds.
}

// TrackStore persists broadcast tracks with a TTL.
type TrackStore struct {
	mu    sync.Mutex
	store storage.DB
	ttl   time.Duration
	now   func() time.Time
}

// NewTrackStore creates a track store over the given database.
func NewTrackStore(db storage.DB, ttl time.Duration) *TrackStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TrackStore{store: db, ttl: ttl, now: time.Now}
}

var trackPrefix = []byte("t/")

func trackKey(eventID, source, current string) []byte {
	return append(append([]byte(nil), trackPrefix...), []byte(eventID+"\x00"+source+"\x00"+current)...)
}

// Record inserts a track, returning false when an unexpired record with the
// same key already exists.
func (ts *TrackStore) Record(eventID, source, current string) (bool, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	key := trackKey(eventID, source, current)
	if data, err := ts.store.Get(key); err == nil {
		var existing Track
		if json.Unmarshal(data, &existing) == nil && existing.ExpiresAt > ts.now().Unix() {
			return false, nil
		}
	}

	tr := Track{
		EventID:   eventID,
		Source:    source,
		Current:   current,
		ExpiresAt: ts.now().Add(ts.ttl).Unix(),
	}
	data, err := json.Marshal(tr)
	if err != nil {
		return false, fmt.Errorf("marshal track: %w", err)
	}
	if err := ts.store.Put(key, data); err != nil {
		return false, fmt.Errorf("persist track: %w", err)
	}
	return true, nil
}

// Sweep deletes expired tracks and returns the number removed.
func (ts *TrackStore) Sweep() (int, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.now().Unix()
	var stale [][]byte
	err := ts.store.ForEach(trackPrefix, func(key, value []byte) error {
		var tr Track
		if json.Unmarshal(value, &tr) != nil || tr.ExpiresAt <= now {
			stale = append(stale, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan tracks: %w", err)
	}
	for _, key := range stale {
		if err := ts.store.Delete(key); err != nil {
			return 0, fmt.Errorf("delete track: %w", err)
		}
	}
	return len(stale), nil
}
