package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	klog "github.com/stakenet-io/stakenet-chain/internal/log"
	"github.com/stakenet-io/stakenet-chain/internal/storage"
	"github.com/stakenet-io/stakenet-chain/pkg/types"
)

// Registry errors.
var (
	ErrExists       = errors.New("validator already registered")
	ErrNotFound     = errors.New("validator not found")
	ErrBelowMinimum = errors.New("stake would fall below minimum")
	ErrZeroStake    = errors.New("stake must be positive")
)

// cooldownWindow excludes a penalized but still-solvent validator from
// selection.
const cooldownWindow = 10 * time.Minute

// Snapshot is an immutable view of the validator set. Active returns the
// selection-eligible subset ordered by descending total stake, ties broken
// by earliest registration.
type Snapshot struct {
	byAddr map[types.Address]*Validator
	active []*Validator
	total  uint64 // Sum of active total stakes.
}

// Active returns the eligible validators in selection order. Callers must
// not mutate the returned slice or its entries.
func (s *Snapshot) Active() []*Validator { return s.active }

// TotalStake returns the summed stake of all eligible validators.
func (s *Snapshot) TotalStake() uint64 { return s.total }

// Get returns a validator by address, eligible or not.
func (s *Snapshot) Get(addr types.Address) (*Validator, bool) {
	v, ok := s.byAddr[addr]
	return v, ok
}

// Len returns the number of registered validators.
func (s *Snapshot) Len() int { return len(s.byAddr) }

// Registry is the mutable validator set. Writes serialize on a mutex and
// publish a fresh immutable snapshot; readers load the snapshot without
// locking.
type Registry struct {
	mu       sync.Mutex
	vals     map[types.Address]*Validator
	minStake uint64
	store    storage.DB // Optional persistence, keyed by address.
	snap     atomic.Pointer[Snapshot]
	now      func() time.Time
}

// NewRegistry creates a registry with the given minimum active stake. A
// non-nil store persists every mutation and is replayed on construction.
func NewRegistry(minStake uint64, store storage.DB) (*Registry, error) {
	r := &Registry{
		vals:     make(map[types.Address]*Validator),
		minStake: minStake,
		store:    store,
		now:      time.Now,
	}
	if store != nil {
		err := store.ForEach(nil, func(key, value []byte) error {
			var v Validator
			if jsonErr := json.Unmarshal(value, &v); jsonErr != nil {
				return fmt.Errorf("corrupt validator record %x: %w", key, jsonErr)
			}
			r.vals[v.Address] = &v
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("load validators: %w", err)
		}
		if len(r.vals) > 0 {
			klog.Consensus.Info().Int("validators", len(r.vals)).Msg("Validator set loaded")
		}
	}
	r.rebuild()
	return r, nil
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Add registers a new validator. Stake below the minimum registers it as
// inactive.
func (r *Registry) Add(addr types.Address, publicKey string, stake uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.vals[addr]; exists {
		return fmt.Errorf("%w: %s", ErrExists, addr)
	}
	if stake == 0 {
		return ErrZeroStake
	}

	status := StatusActive
	if stake < r.minStake {
		status = StatusInactive
	}
	v := &Validator{
		Address:      addr,
		PublicKey:    publicKey,
		Stake:        stake,
		Status:       status,
		RegisteredAt: r.now().Unix(),
	}
	r.vals[addr] = v
	return r.commit(v)
}

// Remove deregisters a validator.
func (r *Registry) Remove(addr types.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.vals[addr]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	delete(r.vals, addr)
	if r.store != nil {
		if err := r.store.Delete(addr[:]); err != nil {
			return fmt.Errorf("delete validator record: %w", err)
		}
	}
	r.rebuild()
	return nil
}

// IncreaseStake adds stake. An inactive validator crossing the minimum
// becomes active again.
func (r *Registry) IncreaseStake(addr types.Address, amount uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, exists := r.vals[addr]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	v = v.clone()
	v.Stake += amount
	if v.Status == StatusInactive && v.Stake >= r.minStake {
		v.Status = StatusActive
	}
	r.vals[addr] = v
	return r.commit(v)
}

// DecreaseStake removes stake, failing with ErrBelowMinimum if an active
// validator would drop under the minimum.
func (r *Registry) DecreaseStake(addr types.Address, amount uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, exists := r.vals[addr]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	if amount > v.Stake {
		return fmt.Errorf("%w: have %d, withdrawing %d", ErrBelowMinimum, v.Stake, amount)
	}
	if v.Status == StatusActive && v.Stake-amount < r.minStake {
		return fmt.Errorf("%w: %d - %d < %d", ErrBelowMinimum, v.Stake, amount, r.minStake)
	}
	v = v.clone()
	v.Stake -= amount
	r.vals[addr] = v
	return r.commit(v)
}

// Penalize burns stake and increments the penalty counter. Falling under
// the minimum demotes the validator to inactive; otherwise it enters a
// selection cooldown.
func (r *Registry) Penalize(addr types.Address, amount uint64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, exists := r.vals[addr]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	v = v.clone()
	if amount > v.Stake {
		amount = v.Stake
	}
	v.Stake -= amount
	v.PenaltiesCount++
	if v.Stake < r.minStake {
		v.Status = StatusInactive
	} else {
		v.CooldownUntil = r.now().Add(cooldownWindow).Unix()
	}
	r.vals[addr] = v

	klog.Consensus.Warn().
		Str("validator", addr.String()).
		Uint64("amount", amount).
		Str("reason", reason).
		Str("status", string(v.Status)).
		Msg("Validator penalized")
	return r.commit(v)
}

// Reward credits the rewards ledger. Rewards never count toward stake.
func (r *Registry) Reward(addr types.Address, amount uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, exists := r.vals[addr]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	v = v.clone()
	v.Rewards += amount
	r.vals[addr] = v
	return r.commit(v)
}

// RecordProduced bumps the producer's per-epoch counter and activity mark.
func (r *Registry) RecordProduced(addr types.Address, height uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, exists := r.vals[addr]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	v = v.clone()
	v.BlocksProduced++
	v.LastActivityBlock = height
	r.vals[addr] = v
	return r.commit(v)
}

// RecordMissed bumps the missed-block counter.
func (r *Registry) RecordMissed(addr types.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, exists := r.vals[addr]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	v = v.clone()
	v.BlocksMissed++
	r.vals[addr] = v
	return r.commit(v)
}

// ResetEpochCounters zeroes per-epoch production counters on epoch advance.
func (r *Registry) ResetEpochCounters() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for addr, v := range r.vals {
		v = v.clone()
		v.BlocksProduced = 0
		r.vals[addr] = v
		if err := r.persist(v); err != nil {
			return err
		}
	}
	r.rebuild()
	return nil
}

// Get returns a copy of a validator record.
func (r *Registry) Get(addr types.Address) (*Validator, error) {
	v, ok := r.Snapshot().Get(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	return v.clone(), nil
}

// GetActive returns the selection-eligible validators from the current
// snapshot.
func (r *Registry) GetActive() []*Validator {
	return r.Snapshot().Active()
}

// commit persists one record and republishes the snapshot. Caller holds r.mu.
func (r *Registry) commit(v *Validator) error {
	if err := r.persist(v); err != nil {
		return err
	}
	r.rebuild()
	return nil
}

func (r *Registry) persist(v *Validator) error {
	if r.store == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal validator: %w", err)
	}
	if err := r.store.Put(v.Address[:], data); err != nil {
		return fmt.Errorf("persist validator: %w", err)
	}
	return nil
}

// rebuild publishes a fresh snapshot. Caller holds r.mu.
func (r *Registry) rebuild() {
	now := r.now().Unix()
	snap := &Snapshot{
		byAddr: make(map[types.Address]*Validator, len(r.vals)),
	}
	for addr, v := range r.vals {
		snap.byAddr[addr] = v
		if v.Status != StatusActive || v.TotalStake() < r.minStake {
			continue
		}
		if v.CooldownUntil > now || v.JailUntil > now {
			continue
		}
		snap.active = append(snap.active, v)
		snap.total += v.TotalStake()
	}
	sort.Slice(snap.active, func(i, j int) bool {
		a, b := snap.active[i], snap.active[j]
		if a.TotalStake() != b.TotalStake() {
			return a.TotalStake() > b.TotalStake()
		}
		if a.RegisteredAt != b.RegisteredAt {
			return a.RegisteredAt < b.RegisteredAt
		}
		return a.Address.String() < b.Address.String()
	})
	r.snap.Store(snap)
}
