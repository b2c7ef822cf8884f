package breaker

import (
	"testing"
	"time"

	"github.com/stakenet-io/stakenet-chain/internal/storage"
)

func newTestBreaker(t *testing.T) *Breaker {
	t.Helper()
	b, err := New(DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestBreaker_OpensOnConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		b.RecordFailure("peer-1", "broadcast")
		if !b.AllowRequest("peer-1", "broadcast") {
			t.Fatalf("circuit opened after %d failures", i+1)
		}
	}
	b.RecordFailure("peer-1", "broadcast")
	if b.AllowRequest("peer-1", "broadcast") {
		t.Error("circuit still closed after 5 consecutive failures")
	}
	if b.StateOf("peer-1", "broadcast") != Open {
		t.Errorf("state = %s, want open", b.StateOf("peer-1", "broadcast"))
	}
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	b := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		b.RecordFailure("peer-1", "broadcast")
	}
	b.RecordSuccess("peer-1", "broadcast")
	for i := 0; i < 4; i++ {
		b.RecordFailure("peer-1", "broadcast")
	}
	// 4+4 failures but never 5 consecutive; volume is 9 < 10.
	if b.StateOf("peer-1", "broadcast") != Closed {
		t.Error("circuit opened without reaching either threshold")
	}
}

func TestBreaker_OpensOnErrorRate(t *testing.T) {
	b := newTestBreaker(t)

	// Interleave to keep consecutive failures below 5 while the rate
	// crosses 50% at the 10-sample volume.
	ops := []bool{false, true, false, true, false, true, false, true, false, false}
	for _, ok := range ops {
		if ok {
			b.RecordSuccess("peer-1", "broadcast")
		} else {
			b.RecordFailure("peer-1", "broadcast")
		}
	}
	if b.StateOf("peer-1", "broadcast") != Open {
		t.Errorf("state = %s, want open on 60%% error rate", b.StateOf("peer-1", "broadcast"))
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b := newTestBreaker(t)
	current := time.Now()
	b.now = func() time.Time { return current }

	for i := 0; i < 5; i++ {
		b.RecordFailure("peer-1", "broadcast")
	}
	if b.AllowRequest("peer-1", "broadcast") {
		t.Fatal("open circuit admitted a request")
	}

	// After the timeout the circuit probes in half-open.
	current = current.Add(61 * time.Second)
	if !b.AllowRequest("peer-1", "broadcast") {
		t.Fatal("lapsed circuit refused the probe")
	}
	if b.StateOf("peer-1", "broadcast") != HalfOpen {
		t.Fatalf("state = %s, want half_open", b.StateOf("peer-1", "broadcast"))
	}

	// Three successes close it.
	for i := 0; i < 3; i++ {
		b.RecordSuccess("peer-1", "broadcast")
	}
	if b.StateOf("peer-1", "broadcast") != Closed {
		t.Errorf("state = %s, want closed", b.StateOf("peer-1", "broadcast"))
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(t)
	current := time.Now()
	b.now = func() time.Time { return current }

	for i := 0; i < 5; i++ {
		b.RecordFailure("peer-1", "broadcast")
	}
	current = current.Add(61 * time.Second)
	if !b.AllowRequest("peer-1", "broadcast") {
		t.Fatal("no probe admitted")
	}
	b.RecordFailure("peer-1", "broadcast")

	if b.StateOf("peer-1", "broadcast") != Open {
		t.Errorf("state = %s, want open after failed probe", b.StateOf("peer-1", "broadcast"))
	}
	if b.AllowRequest("peer-1", "broadcast") {
		t.Error("reopened circuit admitted a request")
	}
}

func TestBreaker_CircuitsAreIndependent(t *testing.T) {
	b := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		b.RecordFailure("peer-1", "broadcast")
	}
	if !b.AllowRequest("peer-1", "sync") {
		t.Error("different operation tripped")
	}
	if !b.AllowRequest("peer-2", "broadcast") {
		t.Error("different peer tripped")
	}
}

func TestBreaker_TransitionCallbackAndPersistence(t *testing.T) {
	db := storage.NewMemory()
	b, err := New(DefaultConfig(), db)
	if err != nil {
		t.Fatal(err)
	}

	var transitions []Transition
	b.OnTransition(func(tr Transition) { transitions = append(transitions, tr) })

	for i := 0; i < 5; i++ {
		b.RecordFailure("peer-1", "broadcast")
	}
	if len(transitions) != 1 || transitions[0].To != Open {
		t.Fatalf("transitions = %+v", transitions)
	}

	// A new breaker over the same store resumes the open state.
	b2, err := New(DefaultConfig(), db)
	if err != nil {
		t.Fatal(err)
	}
	if b2.StateOf("peer-1", "broadcast") != Open {
		t.Error("open state lost across restart")
	}
	if b2.AllowRequest("peer-1", "broadcast") {
		t.Error("restarted breaker admitted a request on an open circuit")
	}

	// Transitions recorded after the restart extend the history rather
	// than overwriting the rows the first run wrote.
	b2.now = func() time.Time { return time.Now().Add(61 * time.Second) }
	if !b2.AllowRequest("peer-1", "broadcast") {
		t.Fatal("lapsed circuit refused the probe")
	}
	rows := 0
	if err := db.ForEach(transitionPrefix, func(key, value []byte) error {
		rows++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if rows != 2 {
		t.Errorf("transition rows = %d, want 2", rows)
	}
}
