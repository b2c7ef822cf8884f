// Package chain implements the append-only block store and chain state.
package chain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	klog "github.com/stakenet-io/stakenet-chain/internal/log"
	"github.com/stakenet-io/stakenet-chain/internal/storage"
	"github.com/stakenet-io/stakenet-chain/pkg/block"
	"github.com/stakenet-io/stakenet-chain/pkg/tx"
	"github.com/stakenet-io/stakenet-chain/pkg/types"
)

// Chain errors.
var (
	ErrParentMismatch    = errors.New("block parent hash does not match chain tip")
	ErrIndexGap          = errors.New("block height is not tip height + 1")
	ErrDuplicateHash     = errors.New("block already in chain")
	ErrMerkleMismatch    = errors.New("block merkle root mismatch")
	ErrSignatureReject   = errors.New("block signature rejected")
	ErrReplaceNotAllowed = errors.New("tail replacement not allowed")
	ErrNotFound          = errors.New("block not found")

	// ErrFatalStore signals a partial commit across the two durable stores.
	// The process must abort; crash recovery reconciles on restart.
	ErrFatalStore = errors.New("fatal: chain store partially committed")
)

// BlockVerifier checks consensus rules (signature + leader eligibility) for a
// block about to be appended.
type BlockVerifier interface {
	VerifyBlock(blk *block.Block) error
}

// RewardFunc returns the coins minted for producing the block at a height.
// Used to maintain the running total supply deterministically.
type RewardFunc func(height uint64) uint64

// Chain is the durable, strictly linear block store. All mutations serialize
// through a single writer lock; reads are served from committed state.
type Chain struct {
	mu     sync.RWMutex // Writer lock; reads use committed snapshots.
	store  *blockStore
	mirror *Mirror
	logger zerolog.Logger

	verifier BlockVerifier
	rewardFn RewardFunc

	// Cached tip state, updated on every successful commit.
	tipHash  types.Hash
	height   uint64
	hasTip   bool
	txTotal  uint64
	supply   uint64
	lastTime int64
}

// New opens the chain over the given database and mirror, then reconciles
// the two stores: the longer valid prefix wins, and the shorter store is
// repaired to match.
func New(db storage.DB, mirror *Mirror, genesisSupply uint64) (*Chain, error) {
	c := &Chain{
		store:  newBlockStore(db),
		mirror: mirror,
		logger: klog.Chain,
		supply: genesisSupply,
	}

	tipHash, height, txTotal, supply, ok, err := c.store.getTip()
	if err != nil {
		return nil, fmt.Errorf("load tip: %w", err)
	}
	if ok {
		c.tipHash = tipHash
		c.height = height
		c.txTotal = txTotal
		c.supply = supply
		c.hasTip = true
		if blk, err := c.store.getBlock(tipHash); err == nil {
			c.lastTime = blk.Header.Timestamp
		}
	}

	if mirror != nil {
		if err := c.reconcile(); err != nil {
			return nil, fmt.Errorf("reconcile stores: %w", err)
		}
	}
	return c, nil
}

// SetVerifier installs the consensus verifier used for every append.
func (c *Chain) SetVerifier(v BlockVerifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verifier = v
}

// SetRewardFunc installs the per-height minting schedule.
func (c *Chain) SetRewardFunc(fn RewardFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rewardFn = fn
}

// Append validates and durably commits one block extending the tip.
// The relational store and the file mirror are written together; a failure
// between the two commits returns ErrFatalStore and the process must abort.
func (c *Chain) Append(blk *block.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLocked(blk, true)
}

func (c *Chain) appendLocked(blk *block.Block, verify bool) error {
	if err := blk.Validate(); err != nil {
		if errors.Is(err, block.ErrMerkleMismatch) {
			return fmt.Errorf("%w: %v", ErrMerkleMismatch, err)
		}
		return err
	}

	hash := blk.Hash()
	if exists, err := c.store.hasBlock(hash); err != nil {
		return fmt.Errorf("check duplicate: %w", err)
	} else if exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHash, hash)
	}

	if !c.hasTip {
		if blk.Header.Height != 0 {
			return fmt.Errorf("%w: first block must have height 0, got %d", ErrIndexGap, blk.Header.Height)
		}
		if !blk.Header.ParentHash.IsZero() {
			return fmt.Errorf("%w: genesis parent must be the zero sentinel", ErrParentMismatch)
		}
	} else {
		if blk.Header.Height != c.height+1 {
			return fmt.Errorf("%w: got %d, want %d", ErrIndexGap, blk.Header.Height, c.height+1)
		}
		if blk.Header.ParentHash != c.tipHash {
			return fmt.Errorf("%w: got %s, want %s", ErrParentMismatch, blk.Header.ParentHash, c.tipHash)
		}
	}

	if verify && c.verifier != nil {
		if err := c.verifier.VerifyBlock(blk); err != nil {
			return fmt.Errorf("%w: %v", ErrSignatureReject, err)
		}
	}

	newSupply := c.supply
	if c.rewardFn != nil && (c.hasTip || blk.Header.Height > 0) {
		newSupply += c.rewardFn(blk.Header.Height)
	}
	newTxTotal := c.txTotal + uint64(len(blk.Transactions))

	// Stage the whole append in one batch: block, indexes, tip state.
	batch := newBatch(c.store.db)
	if err := c.store.stageBlock(batch, blk); err != nil {
		return err
	}
	if err := c.store.stageTip(batch, hash, blk.Header.Height, newTxTotal, newSupply); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit block: %w", err)
	}

	// Second durable store. A failure here leaves the two stores diverged
	// by exactly one block; recovery repairs it, but the running process
	// can no longer guarantee consistency.
	if c.mirror != nil {
		if err := c.mirror.Append(blk); err != nil {
			return fmt.Errorf("%w: mirror append: %v", ErrFatalStore, err)
		}
	}

	c.tipHash = hash
	c.height = blk.Header.Height
	c.hasTip = true
	c.txTotal = newTxTotal
	c.supply = newSupply
	c.lastTime = blk.Header.Timestamp

	c.logger.Info().
		Uint64("height", blk.Header.Height).
		Str("hash", hash.String()[:16]).
		Int("txs", len(blk.Transactions)).
		Str("validator", blk.Header.Validator.String()).
		Msg("Block appended")
	return nil
}

// ReplaceTail atomically replaces the suffix [fromIndex..Height()] with the
// given blocks. The replacement must be strictly longer than the suffix it
// replaces, chain correctly from fromIndex-1, and pass full validation.
// On any failure the store is unchanged.
func (c *Chain) ReplaceTail(fromIndex uint64, blocks []*block.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasTip {
		return fmt.Errorf("%w: chain is empty", ErrReplaceNotAllowed)
	}
	if fromIndex == 0 {
		return fmt.Errorf("%w: genesis cannot be replaced", ErrReplaceNotAllowed)
	}
	if fromIndex > c.height+1 {
		return fmt.Errorf("%w: from %d is beyond tip %d", ErrReplaceNotAllowed, fromIndex, c.height)
	}
	if len(blocks) == 0 {
		return fmt.Errorf("%w: empty replacement", ErrReplaceNotAllowed)
	}

	newTip := blocks[len(blocks)-1].Header.Height
	if newTip <= c.height {
		return fmt.Errorf("%w: replacement tip %d does not exceed current %d", ErrReplaceNotAllowed, newTip, c.height)
	}

	// The first replacement block must extend the block before fromIndex.
	anchor, err := c.store.getBlockByHeight(fromIndex - 1)
	if err != nil {
		return fmt.Errorf("load anchor block %d: %w", fromIndex-1, err)
	}
	anchorHash := anchor.Hash()

	prevHash := anchorHash
	prevHeight := fromIndex - 1
	newSupply := c.supply
	newTxTotal := c.txTotal

	// Walk the old suffix to subtract its contribution.
	old := make([]*block.Block, 0, c.height-fromIndex+1)
	for h := fromIndex; h <= c.height; h++ {
		blk, err := c.store.getBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load old block %d: %w", h, err)
		}
		old = append(old, blk)
		newTxTotal -= uint64(len(blk.Transactions))
		if c.rewardFn != nil {
			newSupply -= c.rewardFn(h)
		}
	}

	for i, blk := range blocks {
		if err := blk.Validate(); err != nil {
			return fmt.Errorf("%w: block %d: %v", ErrReplaceNotAllowed, i, err)
		}
		if blk.Header.Height != prevHeight+1 {
			return fmt.Errorf("%w: block %d height %d, want %d", ErrReplaceNotAllowed, i, blk.Header.Height, prevHeight+1)
		}
		if blk.Header.ParentHash != prevHash {
			return fmt.Errorf("%w: block %d parent mismatch", ErrReplaceNotAllowed, i)
		}
		if c.verifier != nil {
			if err := c.verifier.VerifyBlock(blk); err != nil {
				return fmt.Errorf("%w: block %d: %v", ErrReplaceNotAllowed, i, err)
			}
		}
		prevHash = blk.Hash()
		prevHeight = blk.Header.Height
		newTxTotal += uint64(len(blk.Transactions))
		if c.rewardFn != nil {
			newSupply += c.rewardFn(blk.Header.Height)
		}
	}

	// One batch for the whole swap.
	batch := newBatch(c.store.db)
	for _, blk := range old {
		if err := c.store.stageUnindex(batch, blk); err != nil {
			return fmt.Errorf("stage unindex: %w", err)
		}
	}
	for _, blk := range blocks {
		if err := c.store.stageBlock(batch, blk); err != nil {
			return err
		}
	}

	// The old suffix may have advanced sender nonces past what the new chain
	// confirms. Rebuild the index for every sender the swap touches from the
	// surviving prefix plus the replacement blocks.
	affected := make(map[types.Address]struct{})
	for _, blk := range old {
		for _, t := range blk.Transactions {
			affected[t.From] = struct{}{}
		}
	}
	for _, blk := range blocks {
		for _, t := range blk.Transactions {
			affected[t.From] = struct{}{}
		}
	}
	if len(affected) > 0 {
		next := make(map[types.Address]uint64, len(affected))
		scan := func(blk *block.Block) {
			for _, t := range blk.Transactions {
				if _, ok := affected[t.From]; ok && t.Nonce+1 > next[t.From] {
					next[t.From] = t.Nonce + 1
				}
			}
		}
		for h := uint64(0); h < fromIndex; h++ {
			blk, err := c.store.getBlockByHeight(h)
			if err != nil {
				return fmt.Errorf("load block %d for nonce rebuild: %w", h, err)
			}
			scan(blk)
		}
		for _, blk := range blocks {
			scan(blk)
		}
		for addr := range affected {
			n, ok := next[addr]
			if !ok {
				if err := batch.Delete(nonceKey(addr)); err != nil {
					return fmt.Errorf("stage nonce delete: %w", err)
				}
				continue
			}
			if err := batch.Put(nonceKey(addr), encodeNonce(n)); err != nil {
				return fmt.Errorf("stage nonce rebuild: %w", err)
			}
		}
	}

	if err := c.store.stageTip(batch, prevHash, newTip, newTxTotal, newSupply); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit tail replacement: %w", err)
	}

	c.tipHash = prevHash
	c.height = newTip
	c.txTotal = newTxTotal
	c.supply = newSupply
	c.lastTime = blocks[len(blocks)-1].Header.Timestamp

	if c.mirror != nil {
		full, err := c.collectBlocks(0, newTip)
		if err != nil {
			return fmt.Errorf("%w: collect for mirror rewrite: %v", ErrFatalStore, err)
		}
		if err := c.mirror.Rewrite(full); err != nil {
			return fmt.Errorf("%w: mirror rewrite: %v", ErrFatalStore, err)
		}
	}

	c.logger.Warn().
		Uint64("from", fromIndex).
		Uint64("new_tip", newTip).
		Int("replaced", len(old)).
		Int("applied", len(blocks)).
		Msg("Chain tail replaced")
	return nil
}

// Latest returns the current tip block.
func (c *Chain) Latest() (*block.Block, error) {
	c.mu.RLock()
	hash := c.tipHash
	ok := c.hasTip
	c.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return c.store.getBlock(hash)
}

// ByIndex returns the block at the given height, or ErrNotFound.
func (c *Chain) ByIndex(height uint64) (*block.Block, error) {
	blk, err := c.store.getBlockByHeight(height)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return blk, err
}

// ByHash returns the block with the given hash, or ErrNotFound.
func (c *Chain) ByHash(hash types.Hash) (*block.Block, error) {
	blk, err := c.store.getBlock(hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return blk, err
}

// Height returns the current tip height. An empty chain reports 0 alongside
// HasGenesis() == false.
func (c *Chain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.height
}

// HasGenesis reports whether block 0 has been committed.
func (c *Chain) HasGenesis() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasTip
}

// TipHash returns the current tip hash.
func (c *Chain) TipHash() types.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tipHash
}

// TipTimestamp returns the timestamp of the tip block.
func (c *Chain) TipTimestamp() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastTime
}

// TxTotal returns the cumulative number of confirmed transactions.
func (c *Chain) TxTotal() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.txTotal
}

// Supply returns the total coin supply: genesis allocation plus accrued
// block rewards.
func (c *Chain) Supply() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supply
}

// NextNonce returns the nonce the given account must use for its next
// transaction, based on confirmed state only. Fresh accounts start at 0.
func (c *Chain) NextNonce(addr types.Address) uint64 {
	n, err := c.store.getNonce(addr)
	if err != nil {
		c.logger.Error().Err(err).Str("address", addr.String()).Msg("Nonce index read failed")
		return 0
	}
	return n
}

// GetTransaction returns a confirmed transaction with its block location.
func (c *Chain) GetTransaction(txHash types.Hash) (*tx.Transaction, uint64, types.Hash, error) {
	height, blockHash, err := c.store.getTxLocation(txHash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, 0, types.Hash{}, ErrNotFound
		}
		return nil, 0, types.Hash{}, err
	}
	blk, err := c.store.getBlock(blockHash)
	if err != nil {
		return nil, 0, types.Hash{}, err
	}
	for _, t := range blk.Transactions {
		if t.Hash() == txHash {
			return t, height, blockHash, nil
		}
	}
	return nil, 0, types.Hash{}, fmt.Errorf("corrupt tx index: %s not in block %s", txHash, blockHash)
}

// BlocksRange returns up to count blocks starting at fromHeight, ascending.
// Heights past the tip are skipped.
func (c *Chain) BlocksRange(fromHeight uint64, count int) ([]*block.Block, error) {
	c.mu.RLock()
	tip := c.height
	ok := c.hasTip
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	var out []*block.Block
	for h := fromHeight; h <= tip && len(out) < count; h++ {
		blk, err := c.store.getBlockByHeight(h)
		if err != nil {
			return nil, fmt.Errorf("load block %d: %w", h, err)
		}
		out = append(out, blk)
	}
	return out, nil
}

// collectBlocks loads the inclusive height range [from, to].
func (c *Chain) collectBlocks(from, to uint64) ([]*block.Block, error) {
	out := make([]*block.Block, 0, to-from+1)
	for h := from; h <= to; h++ {
		blk, err := c.store.getBlockByHeight(h)
		if err != nil {
			return nil, err
		}
		out = append(out, blk)
	}
	return out, nil
}

// newBatch returns an atomic batch for the DB, falling back to immediate
// writes for backends without batch support.
func newBatch(db storage.DB) storage.Batch {
	if b, ok := db.(storage.Batcher); ok {
		return b.NewBatch()
	}
	return &writeThroughBatch{db: db}
}

type writeThroughBatch struct {
	db storage.DB
}

func (w *writeThroughBatch) Put(key, value []byte) error { return w.db.Put(key, value) }
func (w *writeThroughBatch) Delete(key []byte) error     { return w.db.Delete(key) }
func (w *writeThroughBatch) Commit() error               { return nil }
