package health

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stakenet-io/stakenet-chain/internal/chain"
	"github.com/stakenet-io/stakenet-chain/internal/eventsync"
	"github.com/stakenet-io/stakenet-chain/internal/peers"
	"github.com/stakenet-io/stakenet-chain/internal/storage"
	"github.com/stakenet-io/stakenet-chain/internal/validator"
	"github.com/stakenet-io/stakenet-chain/pkg/block"
	"github.com/stakenet-io/stakenet-chain/pkg/crypto"
	"github.com/stakenet-io/stakenet-chain/pkg/types"
)

func TestInterval_Adaptive(t *testing.T) {
	tests := []struct {
		name  string
		stats NetStats
		want  time.Duration
	}{
		{"steady state", NetStats{ActivePeers: 10}, 30 * time.Second},
		{"few peers", NetStats{ActivePeers: 2}, 15 * time.Second},
		{"slow peers", NetStats{ActivePeers: 10, AvgResponseTime: 4 * time.Second}, 45 * time.Second},
		{"many failures", NetStats{ActivePeers: 10, RecentFailures: 11}, 21 * time.Second},
		{"few and slow", NetStats{ActivePeers: 1, AvgResponseTime: 4 * time.Second}, 22500 * time.Millisecond},
		{"clamped low", NetStats{ActivePeers: 0, RecentFailures: 20}, 15 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Interval(tt.stats); got != tt.want {
				t.Errorf("Interval(%+v) = %v, want %v", tt.stats, got, tt.want)
			}
		})
	}
}

func statsServer(t *testing.T, height uint64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/explorer/stats" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"current_height": height},
		})
	}))
}

func register(t *testing.T, reg *peers.Registry, nodeID string, srv *httptest.Server) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	if _, err := reg.Register(nodeID, host, port, "", "1.0.0"); err != nil {
		t.Fatal(err)
	}
}

type fixedHeight struct {
	height uint64
	some   bool
}

func (f fixedHeight) Height() uint64   { return f.height }
func (f fixedHeight) HasGenesis() bool { return f.some }

func TestMonitor_TriggersSyncWhenBehind(t *testing.T) {
	ahead := statsServer(t, 105)
	defer ahead.Close()
	level := statsServer(t, 101)
	defer level.Close()

	reg, err := peers.NewRegistry("local", time.Minute, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	register(t, reg, "peer-ahead", ahead)
	register(t, reg, "peer-level", level)

	queue, err := eventsync.NewQueue(100, nil)
	if err != nil {
		t.Fatal(err)
	}
	es, err := eventsync.New("local", "secret", queue, nil)
	if err != nil {
		t.Fatal(err)
	}

	store := storage.NewMemory()
	m := NewMonitor(fixedHeight{height: 100, some: true}, reg, es, store, MonitorOptions{Threshold: 4, Interval: time.Minute})

	best := m.Check(context.Background())
	if best != 105 {
		t.Errorf("best height = %d, want 105", best)
	}

	e := queue.Pop()
	if e == nil || e.Type != eventsync.TypeSyncTrigger {
		t.Fatalf("queued event = %+v, want sync.manual_trigger", e)
	}
	if e.Priority != eventsync.PriorityHigh {
		t.Errorf("priority = %d, want high", e.Priority)
	}

	records, err := m.Records()
	if err != nil {
		t.Fatal(err)
	}
	kinds := make(map[string]int)
	for _, r := range records {
		kinds[r.Kind]++
	}
	if kinds[RecordHeightCheck] != 1 || kinds[RecordSyncTriggered] != 1 {
		t.Errorf("record kinds = %v", kinds)
	}
}

func TestMonitor_NoTriggerWithinThreshold(t *testing.T) {
	srv := statsServer(t, 103)
	defer srv.Close()

	reg, err := peers.NewRegistry("local", time.Minute, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	register(t, reg, "peer-1", srv)

	queue, err := eventsync.NewQueue(100, nil)
	if err != nil {
		t.Fatal(err)
	}
	es, err := eventsync.New("local", "secret", queue, nil)
	if err != nil {
		t.Fatal(err)
	}
	m := NewMonitor(fixedHeight{height: 100, some: true}, reg, es, nil, MonitorOptions{Threshold: 5, Interval: time.Minute})

	m.Check(context.Background())
	if queue.Len() != 0 {
		t.Error("sync triggered while within threshold")
	}
}

func TestMonitor_RequiresMinPeersOnline(t *testing.T) {
	ahead := statsServer(t, 500)
	defer ahead.Close()

	reg, err := peers.NewRegistry("local", time.Minute, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	register(t, reg, "peer-ahead", ahead)

	queue, err := eventsync.NewQueue(100, nil)
	if err != nil {
		t.Fatal(err)
	}
	es, err := eventsync.New("local", "secret", queue, nil)
	if err != nil {
		t.Fatal(err)
	}
	m := NewMonitor(fixedHeight{height: 100, some: true}, reg, es, nil,
		MonitorOptions{Threshold: 5, Interval: time.Minute, MinPeers: 3})

	// One peer far ahead, but below the online quorum: no check, no trigger.
	if best := m.Check(context.Background()); best != 0 {
		t.Errorf("best height = %d, want 0 with too few peers", best)
	}
	if queue.Len() != 0 {
		t.Error("sync triggered below the peer quorum")
	}
}

// buildSourceChain produces a signed chain for peers to serve.
func buildSourceChain(t *testing.T, n int) ([]*block.Block, *validator.Registry) {
	t.Helper()
	reg, err := validator.NewRegistry(100, nil)
	if err != nil {
		t.Fatal(err)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Add(key.Address(), hex.EncodeToString(key.PublicKey()), 1000); err != nil {
		t.Fatal(err)
	}

	blocks := make([]*block.Block, 0, n)
	parent := types.Hash{}
	base := time.Now().Unix() - int64(n)
	for h := 0; h < n; h++ {
		blk := block.New(&block.Header{
			Version:    block.CurrentVersion,
			Height:     uint64(h),
			ParentHash: parent,
			Timestamp:  base + int64(h),
			MerkleRoot: block.ComputeMerkleRoot(nil),
			Validator:  key.Address(),
		}, nil)
		blk.Header.Signature = "ecdsa:" + signHeader(t, key, blk)
		blocks = append(blocks, blk)
		parent = blk.Hash()
	}
	return blocks, reg
}

// signHeader signs the block the way the consensus engine would, without
// importing it, by round-tripping through the engine-free chain verifier.
// The reconciler tests below install no verifier, so the signature content
// is irrelevant; only structure matters.
func signHeader(t *testing.T, key *crypto.PrivateKey, blk *block.Block) string {
	t.Helper()
	hash := blk.Hash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		t.Fatal(err)
	}
	return hex.EncodeToString(sig)
}

func blocksServer(t *testing.T, blocks []*block.Block) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sync/blocks" {
			http.NotFound(w, r)
			return
		}
		from, _ := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
		to, _ := strconv.ParseUint(r.URL.Query().Get("to"), 10, 64)
		var out []*block.Block
		for _, blk := range blocks {
			if blk.Header.Height >= from && blk.Header.Height <= to {
				out = append(out, blk)
			}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"blocks": out},
		})
	}))
}

func newEmptyChain(t *testing.T) *chain.Chain {
	t.Helper()
	mirror, err := chain.OpenMirror(filepath.Join(t.TempDir(), "blocks.dat"))
	if err != nil {
		t.Fatal(err)
	}
	c, err := chain.New(storage.NewMemory(), mirror, 0)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestReconciler_SyncTo(t *testing.T) {
	blocks, _ := buildSourceChain(t, 6)
	srv := blocksServer(t, blocks)
	defer srv.Close()

	reg, err := peers.NewRegistry("local", time.Minute, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	register(t, reg, "peer-1", srv)

	c := newEmptyChain(t)
	r := NewReconciler(c, reg, nil, 2, time.Minute)

	if err := r.SyncTo(context.Background(), 5); err != nil {
		t.Fatalf("SyncTo: %v", err)
	}
	if c.Height() != 5 {
		t.Errorf("Height = %d, want 5", c.Height())
	}

	p, err := reg.Get("peer-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Score <= peers.InitialReputation {
		t.Error("successful sync did not raise reputation")
	}
}

func TestReconciler_BlacklistsBadPeerAndFallsBack(t *testing.T) {
	good, _ := buildSourceChain(t, 4)

	// The bad peer serves blocks whose parents do not chain.
	bad := make([]*block.Block, len(good))
	for i, blk := range good {
		c := *blk
		header := *blk.Header
		if i > 0 {
			header.ParentHash = types.MustHexToHash("0xff00000000000000000000000000000000000000000000000000000000000000")
		}
		c.Header = &header
		bad[i] = &c
	}

	badSrv := blocksServer(t, bad)
	defer badSrv.Close()
	goodSrv := blocksServer(t, good)
	defer goodSrv.Close()

	reg, err := peers.NewRegistry("local", time.Minute, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	register(t, reg, "peer-bad", badSrv)
	register(t, reg, "peer-good", goodSrv)
	// Make the bad peer the preferred candidate.
	if err := reg.Adjust("peer-bad", peers.RepGoodSync, "test"); err != nil {
		t.Fatal(err)
	}

	c := newEmptyChain(t)
	r := NewReconciler(c, reg, nil, 10, time.Minute)

	if err := r.SyncTo(context.Background(), 3); err != nil {
		t.Fatalf("SyncTo: %v", err)
	}
	if c.Height() != 3 {
		t.Errorf("Height = %d, want 3", c.Height())
	}

	p, err := reg.Get("peer-bad")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != peers.StatusBanned {
		t.Errorf("bad peer status = %s, want banned", p.Status)
	}
}

func TestReconciler_NoPeers(t *testing.T) {
	reg, err := peers.NewRegistry("local", time.Minute, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	c := newEmptyChain(t)
	r := NewReconciler(c, reg, nil, 10, time.Minute)

	if err := r.SyncTo(context.Background(), 5); !errors.Is(err, ErrNoUsablePeer) {
		t.Errorf("error = %v, want ErrNoUsablePeer", err)
	}
}
