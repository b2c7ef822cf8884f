// Package builder assembles, signs, and commits new blocks.
package builder

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stakenet-io/stakenet-chain/internal/chain"
	klog "github.com/stakenet-io/stakenet-chain/internal/log"
	"github.com/stakenet-io/stakenet-chain/internal/mempool"
	"github.com/stakenet-io/stakenet-chain/internal/pos"
	"github.com/stakenet-io/stakenet-chain/pkg/block"
	"github.com/stakenet-io/stakenet-chain/pkg/tx"
	"github.com/stakenet-io/stakenet-chain/pkg/types"
)

// Builder errors.
var (
	ErrNotLeader      = errors.New("node is not the selected leader")
	ErrEmptyMempool   = errors.New("no pending transactions")
	ErrRateLimited    = errors.New("block production rate limit reached")
	ErrAppendConflict = errors.New("append conflicted with a competing block")
)

// Emitter publishes an event after a successful commit. The node wires this
// to the sync layer.
type Emitter interface {
	EmitBlockCreated(blk *block.Block)
}

// Slasher applies penalties when a leader misses its production slot. The
// node wires this to the validator registry.
type Slasher interface {
	RecordMissed(addr types.Address) error
	Penalize(addr types.Address, amount uint64, reason string) error
}

// Builder packs mempool transactions into signed blocks on behalf of the
// local validator key.
type Builder struct {
	chain   *chain.Chain
	pool    *mempool.Pool
	engine  *pos.Engine
	emitter Emitter
	slasher Slasher

	validatorAddr types.Address
	allowEmpty    bool
	minTx         int
	maxTx         int
	maxBytes      int
	maxPerMin     int
	penalty       uint64
	now           func() time.Time

	produced []time.Time // Commit times inside the rate window.
	lastTip  types.Hash
	sawTip   bool

	// beforeAppend, when set, runs between signing and append. Tests use it
	// to interleave a competing block.
	beforeAppend func()
}

// Options configures a Builder.
type Options struct {
	ValidatorAddr types.Address
	AllowEmpty    bool // Produce blocks with zero transactions.
	MinTx         int  // Pending txs required before packing.
	MaxTx         int
	MaxBytes      int // Serialized payload cap per block; 0 disables.
	MaxPerMinute  int // Local production rate cap; 0 disables.
	SlashPenalty  uint64
	Slasher       Slasher
	Emitter       Emitter
}

// New creates a block builder.
func New(c *chain.Chain, pool *mempool.Pool, engine *pos.Engine, opts Options) *Builder {
	if opts.MinTx <= 0 {
		opts.MinTx = 1
	}
	if opts.MaxTx <= 0 {
		opts.MaxTx = 1000
	}
	return &Builder{
		chain:         c,
		pool:          pool,
		engine:        engine,
		emitter:       opts.Emitter,
		slasher:       opts.Slasher,
		validatorAddr: opts.ValidatorAddr,
		allowEmpty:    opts.AllowEmpty,
		minTx:         opts.MinTx,
		maxTx:         opts.MaxTx,
		maxBytes:      opts.MaxBytes,
		maxPerMin:     opts.MaxPerMinute,
		penalty:       opts.SlashPenalty,
		now:           time.Now,
	}
}

// Pack builds, signs, and appends the next block. It fails with
// ErrNotLeader when another validator holds the slot, ErrEmptyMempool when
// there is nothing to include and empty blocks are disabled, and
// ErrAppendConflict when a competing block won the race; a conflicting
// attempt is discarded without side effects.
func (b *Builder) Pack() (*block.Block, error) {
	if !b.underRateLimit() {
		return nil, ErrRateLimited
	}

	var parent types.Hash
	var height uint64
	if b.chain.HasGenesis() {
		parent = b.chain.TipHash()
		height = b.chain.Height() + 1
	}

	leader, err := b.engine.Leader(parent, height)
	if err != nil {
		return nil, fmt.Errorf("select leader: %w", err)
	}
	if leader != b.validatorAddr {
		return nil, fmt.Errorf("%w: height %d belongs to %s", ErrNotLeader, height, leader)
	}

	batch := b.pool.SelectForBlock(b.maxTx)
	if len(batch) < b.minTx && !b.allowEmpty {
		return nil, ErrEmptyMempool
	}
	batch = b.capBatchBytes(batch)

	header := &block.Header{
		Version:    block.CurrentVersion,
		Height:     height,
		ParentHash: parent,
		Timestamp:  b.now().Unix(),
		Validator:  b.validatorAddr,
		TxCount:    uint32(len(batch)),
	}
	blk := block.New(header, batch)
	header.MerkleRoot = block.ComputeMerkleRoot(blk.TxHashes())

	if err := b.engine.SignBlock(blk); err != nil {
		return nil, fmt.Errorf("sign block: %w", err)
	}

	if b.beforeAppend != nil {
		b.beforeAppend()
	}

	if err := b.chain.Append(blk); err != nil {
		if errors.Is(err, chain.ErrParentMismatch) ||
			errors.Is(err, chain.ErrIndexGap) ||
			errors.Is(err, chain.ErrDuplicateHash) {
			klog.Chain.Debug().
				Uint64("height", height).
				Err(err).
				Msg("Block lost the append race")
			return nil, fmt.Errorf("%w: %v", ErrAppendConflict, err)
		}
		return nil, fmt.Errorf("append block: %w", err)
	}

	b.pool.RemoveConfirmed(batch)
	b.produced = append(b.produced, b.now())
	if b.emitter != nil {
		b.emitter.EmitBlockCreated(blk)
	}

	klog.Chain.Info().
		Uint64("height", height).
		Int("txs", len(batch)).
		Msg("Block produced")
	return blk, nil
}

// underRateLimit prunes the production window and reports whether another
// block may be packed now.
func (b *Builder) underRateLimit() bool {
	if b.maxPerMin <= 0 {
		return true
	}
	cutoff := b.now().Add(-time.Minute)
	kept := b.produced[:0]
	for _, ts := range b.produced {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.produced = kept
	return len(b.produced) < b.maxPerMin
}

// capBatchBytes trims the batch to the configured serialized-size cap. The
// first transaction always stays so a full block cannot stall production.
func (b *Builder) capBatchBytes(batch []*tx.Transaction) []*tx.Transaction {
	if b.maxBytes <= 0 {
		return batch
	}
	total := 0
	for i, t := range batch {
		data, err := json.Marshal(t)
		if err != nil {
			return batch[:i]
		}
		total += len(data)
		if total > b.maxBytes && i > 0 {
			return batch[:i]
		}
	}
	return batch
}

// noteMissedSlot penalizes the expected leader when the chain has not moved
// since the previous tick despite pending transactions. The local validator
// never self-penalizes here; its own failures surface as Pack errors.
func (b *Builder) noteMissedSlot() {
	if b.slasher == nil || b.penalty == 0 || !b.chain.HasGenesis() {
		return
	}
	tip := b.chain.TipHash()
	stalled := b.sawTip && tip == b.lastTip && b.pool.Count() > 0
	b.lastTip, b.sawTip = tip, true
	if !stalled {
		return
	}
	leader, err := b.engine.Leader(tip, b.chain.Height()+1)
	if err != nil || leader == b.validatorAddr {
		return
	}
	if err := b.slasher.RecordMissed(leader); err != nil {
		return
	}
	b.slasher.Penalize(leader, b.penalty, "missed block slot")
	klog.Consensus.Warn().
		Str("validator", leader.String()).
		Uint64("height", b.chain.Height()+1).
		Msg("Leader missed its slot")
}

// Run packs on the block interval until stop closes. ErrNotLeader and
// ErrEmptyMempool are normal idle outcomes at this level.
func (b *Builder) Run(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.noteMissedSlot()
			if _, err := b.Pack(); err != nil {
				if errors.Is(err, ErrNotLeader) || errors.Is(err, ErrEmptyMempool) ||
					errors.Is(err, ErrRateLimited) || errors.Is(err, ErrAppendConflict) {
					continue
				}
				klog.Chain.Error().Err(err).Msg("Block production failed")
			}
		case <-stop:
			return
		}
	}
}
