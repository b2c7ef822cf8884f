package block

import (
	"github.com/stakenet-io/stakenet-chain/pkg/crypto"
	"github.com/stakenet-io/stakenet-chain/pkg/types"
)

// ComputeMerkleRoot folds ordered transaction hashes into a merkle root.
// An empty block yields the all-zero hash and a single transaction is its
// own root. Odd levels duplicate their last hash before pairing, so the
// root is defined for every transaction count.
func ComputeMerkleRoot(txHashes []types.Hash) types.Hash {
	switch len(txHashes) {
	case 0:
		return types.Hash{}
	case 1:
		return txHashes[0]
	}

	level := append([]types.Hash(nil), txHashes...) // callers keep their slice
	for len(level) > 1 {
		level = foldLevel(level)
	}
	return level[0]
}

// foldLevel pairs adjacent hashes into the next level up the tree.
func foldLevel(level []types.Hash) []types.Hash {
	if len(level)%2 != 0 {
		level = append(level, level[len(level)-1])
	}
	next := make([]types.Hash, 0, len(level)/2)
	for i := 0; i < len(level); i += 2 {
		next = append(next, crypto.HashConcat(level[i], level[i+1]))
	}
	return next
}
