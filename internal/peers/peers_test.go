package peers

import (
	"errors"
	"testing"
	"time"

	"github.com/stakenet-io/stakenet-chain/internal/storage"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry("local-node", 10*time.Minute, 0, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestRegistry_RegisterAndRefresh(t *testing.T) {
	r := newTestRegistry(t)

	p, err := r.Register("peer-1", "10.0.0.1", 8080, "02aa", "1.0.0")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if p.Score != InitialReputation || p.Status != StatusActive {
		t.Errorf("new peer score/status = %d/%s", p.Score, p.Status)
	}

	// Re-registration refreshes endpoint and version.
	p2, err := r.Register("peer-1", "10.0.0.2", 9090, "02aa", "1.1.0")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if p2.Host != "10.0.0.2" || p2.Port != 9090 || p2.Version != "1.1.0" {
		t.Errorf("refresh did not apply: %+v", p2)
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}

func TestRegistry_MaxPeersCap(t *testing.T) {
	r, err := NewRegistry("local-node", 10*time.Minute, 2, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	for i, id := range []string{"peer-1", "peer-2"} {
		if _, err := r.Register(id, "10.0.0.1", 8080+i, "", ""); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}
	if _, err := r.Register("peer-3", "10.0.0.1", 8082, "", ""); !errors.Is(err, ErrTableFull) {
		t.Errorf("over-cap Register error = %v, want ErrTableFull", err)
	}
	// A known peer still refreshes at capacity.
	if _, err := r.Register("peer-1", "10.0.0.2", 8080, "", "2.0.0"); err != nil {
		t.Errorf("refresh at capacity: %v", err)
	}
}

func TestRegistry_RejectsSelfAndAddressReuse(t *testing.T) {
	r := newTestRegistry(t)

	if _, err := r.Register("local-node", "10.0.0.1", 8080, "", ""); !errors.Is(err, ErrSelfDial) {
		t.Errorf("self error = %v, want ErrSelfDial", err)
	}

	if _, err := r.Register("peer-1", "10.0.0.1", 8080, "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register("peer-2", "10.0.0.1", 8080, "", ""); !errors.Is(err, ErrAddressInUse) {
		t.Errorf("reuse error = %v, want ErrAddressInUse", err)
	}
}

func TestRegistry_ReputationBanFloor(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Register("peer-1", "10.0.0.1", 8080, "", ""); err != nil {
		t.Fatal(err)
	}

	// Drive the score to the floor with bad blocks.
	for i := 0; i < 4; i++ {
		if err := r.Adjust("peer-1", RepBadBlock, "parent mismatch"); err != nil {
			t.Fatalf("Adjust: %v", err)
		}
	}

	p, err := r.Get("peer-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != StatusBanned {
		t.Errorf("status = %s, want banned (score %d)", p.Status, p.Score)
	}
	if len(r.Active()) != 0 {
		t.Error("banned peer still in active list")
	}

	// Registration during the ban is refused.
	if _, err := r.Register("peer-1", "10.0.0.1", 8080, "", ""); !errors.Is(err, ErrBanned) {
		t.Errorf("error = %v, want ErrBanned", err)
	}
}

func TestRegistry_BanExpires(t *testing.T) {
	r := newTestRegistry(t)
	current := time.Now()
	r.now = func() time.Time { return current }

	if _, err := r.Register("peer-1", "10.0.0.1", 8080, "", ""); err != nil {
		t.Fatal(err)
	}
	if err := r.Ban("peer-1", 5*time.Minute, "test"); err != nil {
		t.Fatal(err)
	}
	if len(r.Active()) != 0 {
		t.Fatal("banned peer active")
	}

	current = current.Add(6 * time.Minute)
	active := r.Active()
	if len(active) != 1 || active[0].NodeID != "peer-1" {
		t.Error("lapsed ban not restored to active list")
	}
}

func TestRegistry_ActiveOrderedByReputation(t *testing.T) {
	r := newTestRegistry(t)
	for i, id := range []string{"peer-a", "peer-b", "peer-c"} {
		if _, err := r.Register(id, "10.0.0.1", 8000+i, "", ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Adjust("peer-b", RepGoodSync, "sync"); err != nil {
		t.Fatal(err)
	}
	if err := r.Adjust("peer-c", RepBadResponse, "timeout"); err != nil {
		t.Fatal(err)
	}

	active := r.Active()
	if len(active) != 3 {
		t.Fatalf("active = %d, want 3", len(active))
	}
	if active[0].NodeID != "peer-b" || active[2].NodeID != "peer-c" {
		t.Errorf("order = %s, %s, %s", active[0].NodeID, active[1].NodeID, active[2].NodeID)
	}
}

func TestRegistry_MarkInactive(t *testing.T) {
	r := newTestRegistry(t)
	current := time.Now()
	r.now = func() time.Time { return current }

	if _, err := r.Register("peer-1", "10.0.0.1", 8080, "", ""); err != nil {
		t.Fatal(err)
	}
	current = current.Add(time.Hour)
	if _, err := r.Register("peer-2", "10.0.0.2", 8080, "", ""); err != nil {
		t.Fatal(err)
	}

	if n := r.MarkInactive(30 * time.Minute); n != 1 {
		t.Fatalf("marked %d, want 1", n)
	}
	active := r.Active()
	if len(active) != 1 || active[0].NodeID != "peer-2" {
		t.Error("wrong peer marked inactive")
	}

	// A touch brings the silent peer back.
	if err := r.Touch("peer-1"); err != nil {
		t.Fatal(err)
	}
	if len(r.Active()) != 2 {
		t.Error("touched peer not reactivated")
	}
}

func TestRegistry_Persistence(t *testing.T) {
	db := storage.NewMemory()

	r, err := NewRegistry("local-node", 10*time.Minute, 0, db)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register("peer-1", "10.0.0.1", 8080, "02aa", "1.0.0"); err != nil {
		t.Fatal(err)
	}
	if err := r.Adjust("peer-1", RepGoodSync, "sync"); err != nil {
		t.Fatal(err)
	}

	r2, err := NewRegistry("local-node", 10*time.Minute, 0, db)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	p, err := r2.Get("peer-1")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if p.Score != InitialReputation+RepGoodSync {
		t.Errorf("reloaded score = %d", p.Score)
	}
	if p.Host != "10.0.0.1" || p.Port != 8080 {
		t.Errorf("reloaded endpoint = %s", p.Endpoint())
	}
}
