// Package node assembles the full stack (storage, chain, consensus,
// mempool, peers, event sync, health, API) into one embeddable unit.
package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stakenet-io/stakenet-chain/config"
	"github.com/stakenet-io/stakenet-chain/internal/api"
	"github.com/stakenet-io/stakenet-chain/internal/breaker"
	"github.com/stakenet-io/stakenet-chain/internal/builder"
	"github.com/stakenet-io/stakenet-chain/internal/chain"
	"github.com/stakenet-io/stakenet-chain/internal/eventsync"
	"github.com/stakenet-io/stakenet-chain/internal/health"
	"github.com/stakenet-io/stakenet-chain/internal/ingest"
	klog "github.com/stakenet-io/stakenet-chain/internal/log"
	"github.com/stakenet-io/stakenet-chain/internal/mempool"
	"github.com/stakenet-io/stakenet-chain/internal/metrics"
	"github.com/stakenet-io/stakenet-chain/internal/peers"
	"github.com/stakenet-io/stakenet-chain/internal/pos"
	"github.com/stakenet-io/stakenet-chain/internal/storage"
	"github.com/stakenet-io/stakenet-chain/internal/validator"
	"github.com/stakenet-io/stakenet-chain/pkg/block"
	"github.com/stakenet-io/stakenet-chain/pkg/crypto"
	"github.com/stakenet-io/stakenet-chain/pkg/types"
)

// Version is reported in heartbeats and API responses.
const Version = "1.0.0"

// Storage key namespaces carved out of the single database.
var (
	nsChain      = []byte("ch/")
	nsMempool    = []byte("mp/")
	nsValidators = []byte("vs/")
	nsPeers      = []byte("pr/")
	nsBreaker    = []byte("cb/")
	nsQueue      = []byte("eq/")
	nsTracks     = []byte("bt/")
	nsMonitor    = []byte("mn/")
	nsIngest     = []byte("ig/")
)

// Node is a fully-initialized blockchain node. New wires every component;
// Start launches the background loops.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	// Core
	db         *storage.BadgerDB
	ch         *chain.Chain
	pool       *mempool.Pool
	validators *validator.Registry
	engine     *pos.Engine
	builder    *builder.Builder

	// Networking
	peers    *peers.Registry
	circuits *breaker.Breaker
	queue    *eventsync.Queue
	sync     *eventsync.Sync
	ingestor *ingest.Ingestor
	api      *api.Server

	// Health
	monitor    *health.Monitor
	reconciler *health.Reconciler
	heartbeat  *health.Heartbeat

	validatorKey *crypto.PrivateKey
	rewardAt     func(height uint64) uint64

	// Lifecycle
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopBuild chan struct{}
}

// New creates and initializes a node. All components are wired and durable
// state is loaded, but no background goroutine runs until Start.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, "stakenet.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	// ── 2. Genesis ──────────────────────────────────────────────────
	genesis := config.GenesisFor(cfg.Network)
	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Str("node_id", cfg.NodeID).
		Msg("Starting Stakenet Chain Node")

	// ── 3. Open storage ─────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.ChainDataDir(), err)
	}
	logger.Info().Str("path", cfg.ChainDataDir()).Msg("Database opened")

	// ── 4. Validator key ────────────────────────────────────────────
	var validatorKey *crypto.PrivateKey
	if cfg.Consensus.ValidatorKey != "" {
		validatorKey, err = loadValidatorKey(cfg.Consensus.ValidatorKey)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("load validator key %s: %w", cfg.Consensus.ValidatorKey, err)
		}
		logger.Info().
			Str("address", validatorKey.Address().String()).
			Str("pubkey", hex.EncodeToString(validatorKey.PublicKey())[:16]+"...").
			Msg("Validator key loaded")
	}
	if cfg.AutoMine.Enabled && validatorKey == nil {
		db.Close()
		return nil, fmt.Errorf("block production requires consensus.validator_key")
	}

	fail := func(step string, err error) (*Node, error) {
		if validatorKey != nil {
			validatorKey.Zero()
		}
		db.Close()
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	// ── 5. Validator registry ───────────────────────────────────────
	validators, err := validator.NewRegistry(cfg.Consensus.MinStake, storage.NewPrefixDB(db, nsValidators))
	if err != nil {
		return fail("open validator registry", err)
	}
	if validators.Snapshot().Len() == 0 {
		if err := seedGenesisValidators(validators, genesis); err != nil {
			return fail("seed genesis validators", err)
		}
		if len(genesis.Validators) > 0 {
			logger.Info().Int("validators", len(genesis.Validators)).Msg("Validator set seeded from genesis")
		}
	}

	// ── 6. Consensus engine ─────────────────────────────────────────
	engine := pos.NewEngine(validators, pos.Options{
		NodeID:      cfg.NodeID,
		Key:         validatorKey,
		HmacSecret:  cfg.Net.BroadcastSecret,
		AllowHmac:   cfg.Consensus.AllowHmacSigners,
		EpochLength: cfg.Consensus.EpochLength,
	})

	// ── 7. Chain ────────────────────────────────────────────────────
	mirror, err := chain.OpenMirror(cfg.MirrorPath())
	if err != nil {
		return fail("open block mirror", err)
	}
	ch, err := chain.New(storage.NewPrefixDB(db, nsChain), mirror, genesis.TotalAllocation())
	if err != nil {
		mirror.Close()
		return fail("open chain", err)
	}
	rewardAt := pos.Schedule(cfg.Consensus.RewardRate)
	ch.SetVerifier(engine)
	ch.SetRewardFunc(rewardAt)
	if ch.HasGenesis() {
		logger.Info().
			Uint64("height", ch.Height()).
			Str("tip", ch.TipHash().String()[:16]+"...").
			Msg("Chain resumed from database")
	} else {
		logger.Info().Msg("Empty chain, awaiting genesis block")
	}
	metrics.ChainHeight.Set(float64(ch.Height()))

	// ── 8. Mempool ──────────────────────────────────────────────────
	pool := mempool.New(cfg.Mempool.MaxSize, types.Amount(cfg.Mempool.MinFee), cfg.Mempool.TTL)
	pool.SetNonceFn(ch.NextNonce)
	if err := pool.SetStore(storage.NewPrefixDB(db, nsMempool)); err != nil {
		mirror.Close()
		return fail("reload mempool", err)
	}
	logger.Info().
		Int("pending", pool.Count()).
		Uint64("min_fee", cfg.Mempool.MinFee).
		Msg("Mempool ready")

	// ── 9. Peer registry and circuit breaker ────────────────────────
	peerReg, err := peers.NewRegistry(cfg.NodeID, cfg.AutoSync.BlacklistCooloff, cfg.Net.MaxPeers, storage.NewPrefixDB(db, nsPeers))
	if err != nil {
		mirror.Close()
		return fail("open peer registry", err)
	}
	circuits, err := breaker.New(breaker.DefaultConfig(), storage.NewPrefixDB(db, nsBreaker))
	if err != nil {
		mirror.Close()
		return fail("open circuit breaker", err)
	}
	circuits.OnTransition(func(t breaker.Transition) {
		metrics.CircuitTransitions.WithLabelValues(string(t.To)).Inc()
	})

	// ── 10. Event sync ──────────────────────────────────────────────
	queue, err := eventsync.NewQueue(0, storage.NewPrefixDB(db, nsQueue))
	if err != nil {
		mirror.Close()
		return fail("reload event queue", err)
	}
	var bcast *eventsync.Broadcaster
	if cfg.Broadcast.Enabled {
		tracks := eventsync.NewTrackStore(storage.NewPrefixDB(db, nsTracks), 0)
		bcast = eventsync.NewBroadcaster(cfg.NodeID, cfg.Net.BroadcastSecret, peerReg, circuits, tracks,
			eventsync.BroadcastOptions{
				Timeout:        cfg.Broadcast.Timeout,
				MaxRetries:     cfg.Broadcast.MaxRetries,
				MinSuccessRate: cfg.Broadcast.MinSuccessRate,
			})
	}
	es, err := eventsync.New(cfg.NodeID, cfg.Net.BroadcastSecret, queue, bcast)
	if err != nil {
		mirror.Close()
		return fail("create event sync", err)
	}

	// ── 11. Ingestor ────────────────────────────────────────────────
	ingestor := ingest.New(pool, es, storage.NewPrefixDB(db, nsIngest))

	n := &Node{
		cfg:          cfg,
		genesis:      genesis,
		logger:       logger,
		db:           db,
		ch:           ch,
		pool:         pool,
		validators:   validators,
		engine:       engine,
		peers:        peerReg,
		circuits:     circuits,
		queue:        queue,
		sync:         es,
		ingestor:     ingestor,
		validatorKey: validatorKey,
		rewardAt:     rewardAt,
	}

	// ── 12. Block builder ───────────────────────────────────────────
	if validatorKey != nil {
		n.builder = builder.New(ch, pool, engine, builder.Options{
			ValidatorAddr: validatorKey.Address(),
			MinTx:         cfg.AutoMine.MinTransactions,
			MaxTx:         cfg.AutoMine.MaxTxPerBlock,
			MaxBytes:      cfg.Blockchain.MaxBlockSize,
			MaxPerMinute:  cfg.AutoMine.MaxBlocksPerMinute,
			SlashPenalty:  cfg.Consensus.SlashingPenalty,
			Slasher:       validators,
			Emitter:       n,
		})
	}

	// ── 13. Health: monitor, reconciler, heartbeat ──────────────────
	n.monitor = health.NewMonitor(ch, peerReg, es, storage.NewPrefixDB(db, nsMonitor),
		health.MonitorOptions{
			Threshold:      cfg.AutoSync.MaxHeightDiff,
			Interval:       cfg.AutoSync.CheckInterval,
			MinPeers:       cfg.AutoSync.MinNodesOnline,
			MaxConcurrent:  cfg.Net.MaxConcurrent,
			RequestTimeout: cfg.Net.RequestTimeout,
		})
	n.reconciler = health.NewReconciler(ch, peerReg, n.monitor,
		uint64(cfg.Net.SyncBatchSize), cfg.AutoSync.BlacklistCooloff)
	n.heartbeat = health.NewHeartbeat(es, n)

	// ── 14. API server ──────────────────────────────────────────────
	if cfg.API.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.API.Addr, cfg.API.Port)
		n.api = api.New(addr, api.Info{
			NodeID:    cfg.NodeID,
			Network:   string(cfg.Network),
			Consensus: "pos",
			Version:   Version,
			Debug:     cfg.Debug,
		}, ch, pool, peerReg, es, ingestor)
	}

	n.registerHandlers()
	logger.Info().Msg("Node initialized")
	return n, nil
}

// Start launches the dispatcher, broadcaster, builder, health loops, and
// the API server.
func (n *Node) Start() error {
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.startedAt = time.Now()

	n.sync.Start(n.ctx)

	if n.builder != nil && n.cfg.AutoMine.Enabled {
		n.stopBuild = make(chan struct{})
		interval := time.Duration(n.cfg.Blockchain.BlockTime) * time.Second
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.builder.Run(interval, n.stopBuild)
		}()
		n.logger.Info().Dur("interval", interval).Msg("Block production started")
	}

	if n.cfg.AutoSync.Enabled {
		n.wg.Add(2)
		go func() {
			defer n.wg.Done()
			n.monitor.Run(n.ctx)
		}()
		go func() {
			defer n.wg.Done()
			n.heartbeat.Run(n.ctx)
		}()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.housekeeping(n.ctx)
	}()

	if n.api != nil {
		if err := n.api.Start(); err != nil {
			n.Stop()
			return fmt.Errorf("start api: %w", err)
		}
	}

	n.logger.Info().Msg("Node started")
	return nil
}

// Stop shuts the node down in reverse start order and releases resources.
func (n *Node) Stop() {
	n.logger.Info().Msg("Shutting down...")

	if n.api != nil {
		if err := n.api.Stop(); err != nil {
			n.logger.Warn().Err(err).Msg("API shutdown error")
		}
	}
	if n.stopBuild != nil {
		close(n.stopBuild)
		n.stopBuild = nil
	}
	if n.cancel != nil {
		n.cancel()
	}
	// The dispatcher's handlers add sync goroutines to n.wg, so it must be
	// fully stopped before the wait.
	n.sync.Stop()
	n.wg.Wait()

	if n.validatorKey != nil {
		n.validatorKey.Zero()
	}
	if err := n.db.Close(); err != nil {
		n.logger.Warn().Err(err).Msg("Database close error")
	}
	n.logger.Info().Msg("Goodbye!")
}

// housekeeping expires stale mempool entries, marks silent peers inactive,
// and refreshes gauges.
func (n *Node) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := n.pool.ExpireStale(); expired > 0 {
				n.logger.Debug().Int("expired", expired).Msg("Stale mempool entries dropped")
			}
			n.peers.MarkInactive(10 * time.Minute)
			metrics.ChainHeight.Set(float64(n.ch.Height()))
			metrics.MempoolSize.Set(float64(n.pool.Count()))
			metrics.ActivePeers.Set(float64(len(n.peers.Active())))
		}
	}
}

// EmitBlockCreated publishes a freshly committed local block to the mesh.
// Implements the builder's emitter.
func (n *Node) EmitBlockCreated(blk *block.Block) {
	if err := n.sync.Emit(eventsync.TypeBlockCreated, eventsync.PriorityHigh, blk); err != nil {
		n.logger.Warn().Err(err).Uint64("height", blk.Header.Height).Msg("block.created emit failed")
	}
}

// HeartbeatStatus implements health.StatusSource.
func (n *Node) HeartbeatStatus() health.HeartbeatPayload {
	return health.HeartbeatPayload{
		NodeID:      n.cfg.NodeID,
		Height:      n.ch.Height(),
		MempoolSize: n.pool.Count(),
		Uptime:      int64(time.Since(n.startedAt).Seconds()),
		Version:     Version,
	}
}

// NetStats implements health.StatusSource. Recent failures count the
// circuits currently not closed.
func (n *Node) NetStats() health.NetStats {
	failures := 0
	for _, c := range n.circuits.Snapshot() {
		if c.State != breaker.Closed {
			failures++
		}
	}
	return health.NetStats{
		ActivePeers:    len(n.peers.Active()),
		RecentFailures: failures,
	}
}

// registerHandlers wires the local reactions to mesh events.
func (n *Node) registerHandlers() {
	n.sync.On(eventsync.TypeBlockCreated, n.onBlockCreated)
	n.sync.On(eventsync.TypeHeartbeat, n.onHeartbeat)
	n.sync.On(eventsync.TypeNodeRegister, n.onNodeRegistered)
	n.sync.On(eventsync.TypeSyncTrigger, n.onSyncTrigger)
	n.sync.On(eventsync.TypeTxReceived, n.onTxReceived)
}

// onBlockCreated appends a gossiped block. Duplicates are normal (the
// local builder emits its own blocks); a height gap schedules a sync.
func (n *Node) onBlockCreated(e *eventsync.Event) error {
	var blk block.Block
	if err := json.Unmarshal(e.Payload, &blk); err != nil {
		return fmt.Errorf("decode block payload: %w", err)
	}

	if n.ch.HasGenesis() && blk.Header.Height <= n.ch.Height() {
		return nil
	}

	err := n.ch.Append(&blk)
	switch {
	case err == nil:
		n.pool.RemoveConfirmed(blk.Transactions)
		n.afterCommit(&blk)
		if e.SourceNodeID != n.cfg.NodeID {
			n.peers.Adjust(e.SourceNodeID, peers.RepGoodBlock, "valid block relayed")
		}
		return nil
	case isBehindErr(err):
		n.logger.Info().
			Uint64("local", n.ch.Height()).
			Uint64("remote", blk.Header.Height).
			Msg("Received block ahead of tip, scheduling sync")
		n.spawnSync(blk.Header.Height)
		return nil
	default:
		if e.SourceNodeID != n.cfg.NodeID {
			n.peers.Adjust(e.SourceNodeID, peers.RepBadBlock, "invalid block relayed")
		}
		return fmt.Errorf("append gossiped block %d: %w", blk.Header.Height, err)
	}
}

// afterCommit applies consensus bookkeeping for a newly committed block.
func (n *Node) afterCommit(blk *block.Block) {
	h := blk.Header.Height
	v := blk.Header.Validator
	if err := n.validators.RecordProduced(v, h); err == nil {
		n.validators.Reward(v, n.rewardAt(h))
	}
	if _, err := n.engine.AdvanceEpochIfNeeded(h); err != nil {
		n.logger.Warn().Err(err).Uint64("height", h).Msg("Epoch advance failed")
	}
	metrics.ChainHeight.Set(float64(n.ch.Height()))
	metrics.MempoolSize.Set(float64(n.pool.Count()))
}

func (n *Node) onHeartbeat(e *eventsync.Event) error {
	var hb health.HeartbeatPayload
	if err := json.Unmarshal(e.Payload, &hb); err != nil {
		return fmt.Errorf("decode heartbeat: %w", err)
	}
	if hb.NodeID == "" || hb.NodeID == n.cfg.NodeID {
		return nil
	}
	n.peers.Touch(hb.NodeID)
	if n.ch.HasGenesis() && hb.Height > n.ch.Height()+n.cfg.AutoSync.MaxHeightDiff {
		n.spawnSync(hb.Height)
	}
	return nil
}

// nodeAnnouncement is the node.registered gossip payload.
type nodeAnnouncement struct {
	NodeID    string `json:"node_id"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	PublicKey string `json:"public_key,omitempty"`
	Version   string `json:"version,omitempty"`
}

func (n *Node) onNodeRegistered(e *eventsync.Event) error {
	var ann nodeAnnouncement
	if err := json.Unmarshal(e.Payload, &ann); err != nil {
		return fmt.Errorf("decode node announcement: %w", err)
	}
	if ann.NodeID == "" || ann.Host == "" {
		return nil
	}
	if _, err := n.peers.Register(ann.NodeID, ann.Host, ann.Port, ann.PublicKey, ann.Version); err != nil {
		n.logger.Debug().Str("peer", ann.NodeID).Err(err).Msg("Gossiped peer not registered")
	}
	return nil
}

func (n *Node) onSyncTrigger(e *eventsync.Event) error {
	var trigger struct {
		TargetHeight uint64 `json:"target_height"`
	}
	if err := json.Unmarshal(e.Payload, &trigger); err != nil {
		return fmt.Errorf("decode sync trigger: %w", err)
	}
	if trigger.TargetHeight == 0 {
		return nil
	}
	n.spawnSync(trigger.TargetHeight)
	return nil
}

// onTxReceived records activity from the relaying peer. The transaction
// itself arrives through raw submission on each node.
func (n *Node) onTxReceived(e *eventsync.Event) error {
	if e.SourceNodeID != n.cfg.NodeID {
		n.peers.Touch(e.SourceNodeID)
	}
	return nil
}

// spawnSync runs one reconciliation toward target without blocking the
// dispatcher.
func (n *Node) spawnSync(target uint64) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.reconciler.SyncTo(n.ctx, target); err != nil {
			n.logger.Warn().Uint64("target", target).Err(err).Msg("Reconciliation failed")
		}
	}()
}

// Accessors for embedding binaries and tests.

// Chain returns the block store.
func (n *Node) Chain() *chain.Chain { return n.ch }

// Mempool returns the pending-transaction pool.
func (n *Node) Mempool() *mempool.Pool { return n.pool }

// Validators returns the validator registry.
func (n *Node) Validators() *validator.Registry { return n.validators }

// Peers returns the peer registry.
func (n *Node) Peers() *peers.Registry { return n.peers }

// EventSync returns the event layer.
func (n *Node) EventSync() *eventsync.Sync { return n.sync }

// APIAddr returns the bound API address, or empty when disabled.
func (n *Node) APIAddr() string {
	if n.api == nil {
		return ""
	}
	return n.api.Addr()
}
