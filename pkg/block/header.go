package block

import (
	"encoding/binary"

	"github.com/stakenet-io/stakenet-chain/pkg/crypto"
	"github.com/stakenet-io/stakenet-chain/pkg/types"
)

// CurrentVersion is the block format version.
const CurrentVersion uint32 = 1

// Header contains block metadata. The signature is excluded from the block
// hash so the hash is stable for signing.
type Header struct {
	Version    uint32        `json:"version"`
	Height     uint64        `json:"height"`
	ParentHash types.Hash    `json:"parent_hash"`
	Timestamp  int64         `json:"timestamp"`
	MerkleRoot types.Hash    `json:"merkle_root"`
	Validator  types.Address `json:"validator"`
	TxCount    uint32        `json:"transactions_count"`

	// Signature is the tagged validator signature produced by the consensus
	// engine, e.g. "ecdsa:<hex>" or "hmac_sha256:<hex>".
	Signature string `json:"signature,omitempty"`
}

// SigningBytes returns the canonical bytes for hashing. Every field is
// length-prefixed so adjacent variable-width values cannot be confused.
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 160)
	appendField := func(b []byte) {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
		buf = append(buf, b...)
	}

	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], h.Height)
	appendField(u64[:])
	appendField(h.ParentHash[:])
	binary.BigEndian.PutUint64(u64[:], uint64(h.Timestamp))
	appendField(u64[:])
	appendField(h.MerkleRoot[:])
	appendField(h.Validator[:])

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], h.TxCount)
	appendField(u32[:])

	return buf
}

// Hash computes the block header hash over the canonical signing bytes.
func (h *Header) Hash() types.Hash {
	return crypto.Digest(h.SigningBytes())
}
