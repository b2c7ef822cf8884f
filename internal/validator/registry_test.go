package validator

import (
	"errors"
	"testing"
	"time"

	"github.com/stakenet-io/stakenet-chain/internal/storage"
	"github.com/stakenet-io/stakenet-chain/pkg/types"
)

var (
	addrA = types.MustHexToAddress("0x00000000000000000000000000000000000000a1")
	addrB = types.MustHexToAddress("0x00000000000000000000000000000000000000b2")
	addrC = types.MustHexToAddress("0x00000000000000000000000000000000000000c3")
)

func newRegistry(t *testing.T, minStake uint64) *Registry {
	t.Helper()
	r, err := NewRegistry(minStake, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestRegistry_AddAndActive(t *testing.T) {
	r := newRegistry(t, 100)

	if err := r.Add(addrA, "02aa", 1000); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(addrB, "02bb", 50); err != nil {
		t.Fatalf("Add below-min: %v", err)
	}
	if err := r.Add(addrA, "02aa", 1000); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate add error = %v, want ErrExists", err)
	}

	active := r.GetActive()
	if len(active) != 1 {
		t.Fatalf("active = %d, want 1", len(active))
	}
	if active[0].Address != addrA {
		t.Errorf("active validator = %s, want %s", active[0].Address, addrA)
	}

	b, err := r.Get(addrB)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if b.Status != StatusInactive {
		t.Errorf("below-min status = %s, want inactive", b.Status)
	}
}

func TestRegistry_StakeChanges(t *testing.T) {
	r := newRegistry(t, 100)
	if err := r.Add(addrA, "02aa", 150); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Cannot withdraw below the minimum while active.
	if err := r.DecreaseStake(addrA, 60); !errors.Is(err, ErrBelowMinimum) {
		t.Errorf("error = %v, want ErrBelowMinimum", err)
	}
	if err := r.DecreaseStake(addrA, 50); err != nil {
		t.Fatalf("DecreaseStake: %v", err)
	}
	if err := r.IncreaseStake(addrA, 900); err != nil {
		t.Fatalf("IncreaseStake: %v", err)
	}

	v, _ := r.Get(addrA)
	if v.Stake != 1000 {
		t.Errorf("stake = %d, want 1000", v.Stake)
	}
}

func TestRegistry_PenalizeDemotesBelowMinimum(t *testing.T) {
	r := newRegistry(t, 100)
	if err := r.Add(addrA, "02aa", 120); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := r.Penalize(addrA, 50, "missed blocks"); err != nil {
		t.Fatalf("Penalize: %v", err)
	}
	v, _ := r.Get(addrA)
	if v.Stake != 70 {
		t.Errorf("stake = %d, want 70", v.Stake)
	}
	if v.Status != StatusInactive {
		t.Errorf("status = %s, want inactive", v.Status)
	}
	if v.PenaltiesCount != 1 {
		t.Errorf("penalties = %d, want 1", v.PenaltiesCount)
	}
	if len(r.GetActive()) != 0 {
		t.Error("demoted validator still eligible")
	}
}

func TestRegistry_PenaltyCooldownExcludesFromSelection(t *testing.T) {
	r := newRegistry(t, 100)
	current := time.Now()
	r.now = func() time.Time { return current }

	if err := r.Add(addrA, "02aa", 1000); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Penalize(addrA, 100, "double sign"); err != nil {
		t.Fatalf("Penalize: %v", err)
	}

	v, _ := r.Get(addrA)
	if v.Status != StatusActive {
		t.Fatalf("status = %s, want active (stake still above min)", v.Status)
	}
	if len(r.GetActive()) != 0 {
		t.Error("validator eligible during cooldown")
	}

	// After the cooldown the next snapshot rebuild restores eligibility.
	current = current.Add(cooldownWindow + time.Second)
	if err := r.IncreaseStake(addrA, 1); err != nil {
		t.Fatalf("IncreaseStake: %v", err)
	}
	if len(r.GetActive()) != 1 {
		t.Error("validator not restored after cooldown")
	}
}

func TestRegistry_RewardsSeparateFromStake(t *testing.T) {
	r := newRegistry(t, 100)
	if err := r.Add(addrA, "02aa", 500); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Reward(addrA, 42); err != nil {
		t.Fatalf("Reward: %v", err)
	}
	v, _ := r.Get(addrA)
	if v.Rewards != 42 {
		t.Errorf("rewards = %d, want 42", v.Rewards)
	}
	if v.Stake != 500 {
		t.Errorf("stake changed by reward: %d", v.Stake)
	}
}

func TestRegistry_SnapshotOrdering(t *testing.T) {
	r := newRegistry(t, 10)
	current := time.Now()
	r.now = func() time.Time { return current }

	if err := r.Add(addrB, "02bb", 500); err != nil {
		t.Fatal(err)
	}
	current = current.Add(time.Second)
	if err := r.Add(addrA, "02aa", 1000); err != nil {
		t.Fatal(err)
	}
	current = current.Add(time.Second)
	if err := r.Add(addrC, "02cc", 500); err != nil {
		t.Fatal(err)
	}

	active := r.Snapshot().Active()
	if len(active) != 3 {
		t.Fatalf("active = %d, want 3", len(active))
	}
	// Descending stake, ties by earliest registration.
	if active[0].Address != addrA {
		t.Errorf("first = %s, want highest stake %s", active[0].Address, addrA)
	}
	if active[1].Address != addrB || active[2].Address != addrC {
		t.Errorf("tie order = %s, %s; want %s, %s", active[1].Address, active[2].Address, addrB, addrC)
	}
	if r.Snapshot().TotalStake() != 2000 {
		t.Errorf("total stake = %d, want 2000", r.Snapshot().TotalStake())
	}
}

func TestRegistry_SnapshotIsStable(t *testing.T) {
	r := newRegistry(t, 10)
	if err := r.Add(addrA, "02aa", 100); err != nil {
		t.Fatal(err)
	}

	snap := r.Snapshot()
	if err := r.Penalize(addrA, 95, "test"); err != nil {
		t.Fatal(err)
	}

	// The earlier snapshot still sees the pre-penalty stake.
	v, ok := snap.Get(addrA)
	if !ok || v.Stake != 100 {
		t.Errorf("old snapshot mutated: stake = %d, want 100", v.Stake)
	}
}

func TestRegistry_PersistenceRoundTrip(t *testing.T) {
	db := storage.NewMemory()

	r, err := NewRegistry(100, db)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := r.Add(addrA, "02aa", 800); err != nil {
		t.Fatal(err)
	}
	if err := r.Reward(addrA, 7); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(addrB, "02bb", 300); err != nil {
		t.Fatal(err)
	}
	if err := r.Remove(addrB); err != nil {
		t.Fatal(err)
	}

	r2, err := NewRegistry(100, db)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	v, err := r2.Get(addrA)
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if v.Stake != 800 || v.Rewards != 7 {
		t.Errorf("reloaded stake/rewards = %d/%d, want 800/7", v.Stake, v.Rewards)
	}
	if _, err := r2.Get(addrB); !errors.Is(err, ErrNotFound) {
		t.Error("removed validator survived reload")
	}
}
