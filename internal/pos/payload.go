package pos

import (
	"encoding/json"

	"github.com/stakenet-io/stakenet-chain/pkg/block"
)

// metaNodeID carries the signing node's id in block metadata so verifiers
// can recompute the exact signing payload.
const metaNodeID = "node_id"

// signingPayload returns the canonical signed form of a block header:
// a JSON object with sorted keys and no insignificant whitespace.
func signingPayload(blk *block.Block, nodeID string) []byte {
	h := blk.Header
	fields := map[string]any{
		"hash":              h.Hash().String(),
		"index":             h.Height,
		"timestamp":         h.Timestamp,
		"previousHash":      h.ParentHash.String(),
		"merkleRoot":        h.MerkleRoot.String(),
		"transactionsCount": h.TxCount,
		"signatureVersion":  signatureVersion,
		"nodeId":            nodeID,
	}
	// Map marshaling sorts keys, which is exactly the canonical order.
	payload, err := json.Marshal(fields)
	if err != nil {
		// Only plain scalars above; Marshal cannot fail.
		panic(err)
	}
	return payload
}
