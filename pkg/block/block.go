// Package block defines block records, merkle computation, and validation.
package block

import (
	"github.com/stakenet-io/stakenet-chain/pkg/tx"
	"github.com/stakenet-io/stakenet-chain/pkg/types"
)

// Block represents a block in the chain. Blocks are immutable once signed.
type Block struct {
	Header       *Header           `json:"header"`
	Transactions []*tx.Transaction `json:"transactions"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// New creates a block with the given header and transactions.
func New(header *Header, txs []*tx.Transaction) *Block {
	return &Block{
		Header:       header,
		Transactions: txs,
	}
}

// Hash returns the block header hash.
func (b *Block) Hash() types.Hash {
	return b.Header.Hash()
}

// TxHashes returns the ordered transaction hashes.
func (b *Block) TxHashes() []types.Hash {
	hashes := make([]types.Hash, len(b.Transactions))
	for i, t := range b.Transactions {
		hashes[i] = t.Hash()
	}
	return hashes
}

// IsGenesis reports whether this is the height-zero block.
func (b *Block) IsGenesis() bool {
	return b.Header.Height == 0
}
