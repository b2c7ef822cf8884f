package block

import (
	"errors"
	"fmt"
	"time"
)

// Structural validation errors.
var (
	ErrNilHeader       = errors.New("block has no header")
	ErrMerkleMismatch  = errors.New("merkle root does not match transactions")
	ErrTxCountMismatch = errors.New("transaction count does not match header")
	ErrBadTimestamp    = errors.New("block timestamp out of range")
	ErrGenesisParent   = errors.New("genesis block must have a zero parent hash")
)

// maxFutureDrift is how far into the future a block timestamp may be.
const maxFutureDrift = 2 * time.Minute

// Validate checks structural block rules: merkle root, declared counts, and
// timestamp sanity. Parent linkage and signatures are checked by the chain
// store and consensus engine respectively.
func (b *Block) Validate() error {
	if b.Header == nil {
		return ErrNilHeader
	}
	if b.Header.TxCount != uint32(len(b.Transactions)) {
		return fmt.Errorf("%w: header says %d, block has %d",
			ErrTxCountMismatch, b.Header.TxCount, len(b.Transactions))
	}
	if got := ComputeMerkleRoot(b.TxHashes()); got != b.Header.MerkleRoot {
		return fmt.Errorf("%w: computed %s, header %s",
			ErrMerkleMismatch, got, b.Header.MerkleRoot)
	}
	if b.Header.Timestamp <= 0 {
		return fmt.Errorf("%w: %d", ErrBadTimestamp, b.Header.Timestamp)
	}
	if b.Header.Timestamp > time.Now().Add(maxFutureDrift).Unix() {
		return fmt.Errorf("%w: %d is too far in the future", ErrBadTimestamp, b.Header.Timestamp)
	}
	if b.IsGenesis() && !b.Header.ParentHash.IsZero() {
		return ErrGenesisParent
	}
	for i, t := range b.Transactions {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("transaction %d: %w", i, err)
		}
	}
	return nil
}
