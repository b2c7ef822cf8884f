// Package peers tracks known peers, their reputation, and ban state.
package peers

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	klog "github.com/stakenet-io/stakenet-chain/internal/log"
	"github.com/stakenet-io/stakenet-chain/internal/storage"
)

// Registry errors.
var (
	ErrNotFound     = errors.New("peer not found")
	ErrBanned       = errors.New("peer is banned")
	ErrAddressInUse = errors.New("host and port already registered")
	ErrSelfDial     = errors.New("refusing to register the local node")
	ErrTableFull    = errors.New("peer table is full")
)

// Status is a peer lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusBanned   Status = "banned"
)

// Reputation bounds and default adjustments.
const (
	MinReputation     = 0
	MaxReputation     = 100
	InitialReputation = 50

	RepGoodBlock   = 2  // Valid block or event relayed.
	RepGoodSync    = 5  // Completed a sync for us.
	RepBadResponse = -3 // Timeout or malformed response.
	RepBadBlock    = -10
	RepBanFloor    = 10 // At or below, the peer is banned.
)

// Peer is one known remote node.
type Peer struct {
	NodeID    string            `json:"node_id"`
	Host      string            `json:"host"`
	Port      int               `json:"port"`
	PublicKey string            `json:"public_key,omitempty"`
	Version   string            `json:"version,omitempty"`
	Status    Status            `json:"status"`
	Score     int               `json:"reputation_score"` // [0,100].
	LastSeen  int64             `json:"last_seen"`        // Unix seconds.
	BannedTil int64             `json:"banned_until,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Endpoint returns the host:port dial target.
func (p *Peer) Endpoint() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

func (p *Peer) clone() *Peer {
	c := *p
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Registry is the persisted peer table.
type Registry struct {
	mu        sync.RWMutex
	peers     map[string]*Peer // nodeID -> peer
	byAddr    map[string]string
	localID   string
	store     storage.DB
	banWindow time.Duration
	maxPeers  int // 0 means unbounded.
	now       func() time.Time
}

// NewRegistry creates a peer registry holding at most maxPeers entries
// (zero for unbounded). A non-nil store is replayed on construction and
// written through on every mutation.
func NewRegistry(localID string, banWindow time.Duration, maxPeers int, store storage.DB) (*Registry, error) {
	if banWindow <= 0 {
		banWindow = 10 * time.Minute
	}
	r := &Registry{
		peers:     make(map[string]*Peer),
		byAddr:    make(map[string]string),
		localID:   localID,
		store:     store,
		banWindow: banWindow,
		maxPeers:  maxPeers,
		now:       time.Now,
	}
	if store != nil {
		err := store.ForEach(nil, func(key, value []byte) error {
			var p Peer
			if jsonErr := json.Unmarshal(value, &p); jsonErr != nil {
				return fmt.Errorf("corrupt peer record %s: %w", key, jsonErr)
			}
			r.peers[p.NodeID] = &p
			r.byAddr[p.Endpoint()] = p.NodeID
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("load peers: %w", err)
		}
	}
	return r, nil
}

// Register adds a peer on first contact or refreshes an existing record.
// Banned peers stay banned until their window lapses.
func (r *Registry) Register(nodeID, host string, port int, publicKey, version string) (*Peer, error) {
	if nodeID == r.localID {
		return nil, ErrSelfDial
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	endpoint := fmt.Sprintf("%s:%d", host, port)
	if existingID, ok := r.byAddr[endpoint]; ok && existingID != nodeID {
		return nil, fmt.Errorf("%w: %s held by %s", ErrAddressInUse, endpoint, existingID)
	}

	now := r.now().Unix()
	p, exists := r.peers[nodeID]
	if exists {
		p = p.clone()
		if p.Status == StatusBanned && p.BannedTil > now {
			return nil, fmt.Errorf("%w until %d", ErrBanned, p.BannedTil)
		}
		delete(r.byAddr, p.Endpoint())
		p.Host, p.Port = host, port
		p.PublicKey, p.Version = publicKey, version
		p.Status = StatusActive
		p.BannedTil = 0
		p.LastSeen = now
	} else {
		if r.maxPeers > 0 && len(r.peers) >= r.maxPeers {
			return nil, fmt.Errorf("%w: %d peers known", ErrTableFull, len(r.peers))
		}
		p = &Peer{
			NodeID:    nodeID,
			Host:      host,
			Port:      port,
			PublicKey: publicKey,
			Version:   version,
			Status:    StatusActive,
			Score:     InitialReputation,
			LastSeen:  now,
		}
	}
	r.peers[nodeID] = p
	r.byAddr[endpoint] = nodeID
	if err := r.persist(p); err != nil {
		return nil, err
	}
	return p.clone(), nil
}

// Touch updates last-seen and reactivates an inactive peer.
func (r *Registry) Touch(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, nodeID)
	}
	p = p.clone()
	p.LastSeen = r.now().Unix()
	if p.Status == StatusInactive {
		p.Status = StatusActive
	}
	r.peers[nodeID] = p
	return r.persist(p)
}

// Adjust shifts a peer's reputation by delta, clamped to [0,100]. Dropping
// to the ban floor bans the peer for the configured window.
func (r *Registry) Adjust(nodeID string, delta int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, nodeID)
	}
	p = p.clone()
	p.Score += delta
	if p.Score > MaxReputation {
		p.Score = MaxReputation
	}
	if p.Score < MinReputation {
		p.Score = MinReputation
	}
	if p.Score <= RepBanFloor && p.Status != StatusBanned {
		p.Status = StatusBanned
		p.BannedTil = r.now().Add(r.banWindow).Unix()
		klog.Health.Warn().
			Str("peer", nodeID).
			Int("score", p.Score).
			Str("reason", reason).
			Msg("Peer banned")
	}
	r.peers[nodeID] = p
	return r.persist(p)
}

// Ban forces a peer into the banned state for the given duration.
func (r *Registry) Ban(nodeID string, d time.Duration, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, nodeID)
	}
	p = p.clone()
	p.Status = StatusBanned
	p.BannedTil = r.now().Add(d).Unix()
	r.peers[nodeID] = p

	klog.Health.Warn().Str("peer", nodeID).Str("reason", reason).Dur("for", d).Msg("Peer banned")
	return r.persist(p)
}

// Get returns a copy of a peer record.
func (r *Registry) Get(nodeID string) (*Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, nodeID)
	}
	return p.clone(), nil
}

// Active returns non-banned active peers, lapsed bans included, ordered by
// descending reputation. Banned peers never appear: fan-out uses this list.
func (r *Registry) Active() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now().Unix()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		switch p.Status {
		case StatusActive:
			out = append(out, p.clone())
		case StatusBanned:
			if p.BannedTil <= now {
				restored := p.clone()
				restored.Status = StatusActive
				out = append(out, restored)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// Count returns the number of known peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// MarkInactive flags peers silent for longer than the cutoff.
func (r *Registry) MarkInactive(silentFor time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-silentFor).Unix()
	marked := 0
	for id, p := range r.peers {
		if p.Status == StatusActive && p.LastSeen < cutoff {
			p = p.clone()
			p.Status = StatusInactive
			r.peers[id] = p
			r.persist(p)
			marked++
		}
	}
	return marked
}

func (r *Registry) persist(p *Peer) error {
	if r.store == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal peer: %w", err)
	}
	if err := r.store.Put([]byte(p.NodeID), data); err != nil {
		return fmt.Errorf("persist peer: %w", err)
	}
	return nil
}
