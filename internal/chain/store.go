package chain

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stakenet-io/stakenet-chain/internal/storage"
	"github.com/stakenet-io/stakenet-chain/pkg/block"
	"github.com/stakenet-io/stakenet-chain/pkg/types"
)

// Key prefixes and state keys for the block store.
var (
	prefixBlock  = []byte("b/") // b/<hash(32)> -> block JSON
	prefixHeight = []byte("h/") // h/<height(8)> -> hash(32)
	prefixTx     = []byte("x/") // x/<txhash(32)> -> height(8) + blockHash(32)
	prefixNonce  = []byte("n/") // n/<addr(20)> -> next expected nonce(8)

	keyTipHash = []byte("s/tip")
	keyHeight  = []byte("s/height")
	keyTxTotal = []byte("s/txtotal")
	keySupply  = []byte("s/supply")
)

// blockStore persists blocks and chain metadata to a storage.DB. All writes
// go through atomic batches prepared by the Chain writer.
type blockStore struct {
	db storage.DB
}

func newBlockStore(db storage.DB) *blockStore {
	return &blockStore{db: db}
}

// stageBlock adds all writes for one block to the batch: the block record,
// the height index, and the per-transaction index.
func (bs *blockStore) stageBlock(batch storage.Batch, blk *block.Block) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}

	hash := blk.Hash()
	if err := batch.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	if err := batch.Put(heightKey(blk.Header.Height), hash[:]); err != nil {
		return fmt.Errorf("height index put: %w", err)
	}

	// Index each transaction by hash → (height, blockHash).
	for _, t := range blk.Transactions {
		txHash := t.Hash()
		val := make([]byte, 8+types.HashSize)
		binary.BigEndian.PutUint64(val[:8], blk.Header.Height)
		copy(val[8:], hash[:])
		if err := batch.Put(txKey(txHash), val); err != nil {
			return fmt.Errorf("tx index put %s: %w", txHash, err)
		}
	}

	// Advance the per-sender nonce index past the highest nonce in the block.
	for addr, next := range blockNonces(blk) {
		if err := batch.Put(nonceKey(addr), encodeNonce(next)); err != nil {
			return fmt.Errorf("nonce index put %s: %w", addr, err)
		}
	}
	return nil
}

// blockNonces returns, per sender in the block, the nonce that follows the
// highest one the block confirms.
func blockNonces(blk *block.Block) map[types.Address]uint64 {
	if len(blk.Transactions) == 0 {
		return nil
	}
	next := make(map[types.Address]uint64)
	for _, t := range blk.Transactions {
		if t.Nonce+1 > next[t.From] {
			next[t.From] = t.Nonce + 1
		}
	}
	return next
}

// stageUnindex removes a block's index entries (used by ReplaceTail).
// The block record itself is kept for forensic lookups by hash.
func (bs *blockStore) stageUnindex(batch storage.Batch, blk *block.Block) error {
	if err := batch.Delete(heightKey(blk.Header.Height)); err != nil {
		return err
	}
	for _, t := range blk.Transactions {
		txHash := t.Hash()
		if err := batch.Delete(txKey(txHash)); err != nil {
			return err
		}
	}
	return nil
}

// stageTip stages the chain tip hash, height, cumulative tx count, and supply.
func (bs *blockStore) stageTip(batch storage.Batch, hash types.Hash, height, txTotal, supply uint64) error {
	if err := batch.Put(keyTipHash, hash[:]); err != nil {
		return fmt.Errorf("set tip hash: %w", err)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	if err := batch.Put(keyHeight, append([]byte(nil), buf[:]...)); err != nil {
		return fmt.Errorf("set tip height: %w", err)
	}
	binary.BigEndian.PutUint64(buf[:], txTotal)
	if err := batch.Put(keyTxTotal, append([]byte(nil), buf[:]...)); err != nil {
		return fmt.Errorf("set tx total: %w", err)
	}
	binary.BigEndian.PutUint64(buf[:], supply)
	if err := batch.Put(keySupply, append([]byte(nil), buf[:]...)); err != nil {
		return fmt.Errorf("set supply: %w", err)
	}
	return nil
}

// getBlock retrieves a block by its hash.
func (bs *blockStore) getBlock(hash types.Hash) (*block.Block, error) {
	data, err := bs.db.Get(blockKey(hash))
	if err != nil {
		return nil, err
	}
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("block unmarshal: %w", err)
	}
	return &blk, nil
}

// getBlockByHeight retrieves a block via the height index.
func (bs *blockStore) getBlockByHeight(height uint64) (*block.Block, error) {
	hashBytes, err := bs.db.Get(heightKey(height))
	if err != nil {
		return nil, err
	}
	if len(hashBytes) != types.HashSize {
		return nil, fmt.Errorf("corrupt height index: got %d bytes, want %d", len(hashBytes), types.HashSize)
	}
	var hash types.Hash
	copy(hash[:], hashBytes)
	return bs.getBlock(hash)
}

// hasBlock checks if a block exists by hash.
func (bs *blockStore) hasBlock(hash types.Hash) (bool, error) {
	return bs.db.Has(blockKey(hash))
}

// getTip returns the tip hash, height, cumulative tx count, and supply.
// ok is false on a fresh database.
func (bs *blockStore) getTip() (hash types.Hash, height, txTotal, supply uint64, ok bool, err error) {
	hashBytes, getErr := bs.db.Get(keyTipHash)
	if getErr != nil {
		return types.Hash{}, 0, 0, 0, false, nil // No tip yet.
	}
	if len(hashBytes) != types.HashSize {
		return types.Hash{}, 0, 0, 0, false, fmt.Errorf("corrupt tip hash: got %d bytes", len(hashBytes))
	}
	copy(hash[:], hashBytes)

	heightBytes, getErr := bs.db.Get(keyHeight)
	if getErr != nil || len(heightBytes) != 8 {
		return types.Hash{}, 0, 0, 0, false, fmt.Errorf("tip height missing or corrupt")
	}
	height = binary.BigEndian.Uint64(heightBytes)

	if b, e := bs.db.Get(keyTxTotal); e == nil && len(b) == 8 {
		txTotal = binary.BigEndian.Uint64(b)
	}
	if b, e := bs.db.Get(keySupply); e == nil && len(b) == 8 {
		supply = binary.BigEndian.Uint64(b)
	}
	return hash, height, txTotal, supply, true, nil
}

// getTxLocation returns the block height and hash containing the transaction.
func (bs *blockStore) getTxLocation(txHash types.Hash) (uint64, types.Hash, error) {
	data, err := bs.db.Get(txKey(txHash))
	if err != nil {
		return 0, types.Hash{}, err
	}
	if len(data) != 8+types.HashSize {
		return 0, types.Hash{}, fmt.Errorf("corrupt tx index: got %d bytes, want %d", len(data), 8+types.HashSize)
	}
	height := binary.BigEndian.Uint64(data[:8])
	var blockHash types.Hash
	copy(blockHash[:], data[8:])
	return height, blockHash, nil
}

// getNonce returns the next expected nonce for an account. Accounts with no
// confirmed transactions start at 0.
func (bs *blockStore) getNonce(addr types.Address) (uint64, error) {
	data, err := bs.db.Get(nonceKey(addr))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt nonce index: got %d bytes, want 8", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

func blockKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixBlock)+types.HashSize)
	copy(key, prefixBlock)
	copy(key[len(prefixBlock):], hash[:])
	return key
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(prefixHeight)+8)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[len(prefixHeight):], height)
	return key
}

func txKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixTx)+types.HashSize)
	copy(key, prefixTx)
	copy(key[len(prefixTx):], hash[:])
	return key
}

func nonceKey(addr types.Address) []byte {
	key := make([]byte, len(prefixNonce)+types.AddressSize)
	copy(key, prefixNonce)
	copy(key[len(prefixNonce):], addr[:])
	return key
}

func encodeNonce(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}
