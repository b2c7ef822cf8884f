// Package crypto provides cryptographic primitives for Stakenet.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"

	"golang.org/x/crypto/sha3"

	"github.com/stakenet-io/stakenet-chain/pkg/types"
)

// Digest computes a SHA-256 hash of the input data.
func Digest(data []byte) types.Hash {
	return sha256.Sum256(data)
}

// DoubleDigest computes Digest(Digest(data)).
func DoubleDigest(data []byte) types.Hash {
	first := Digest(data)
	return Digest(first[:])
}

// HmacSha256 computes an HMAC-SHA256 tag over data with the given key.
func HmacSha256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// HmacEqual compares two HMAC tags in constant time.
func HmacEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// Keccak256 computes a legacy Keccak-256 hash (pre-NIST padding, as used
// for Ethereum-compatible address derivation).
func Keccak256(data []byte) types.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// HashConcat hashes the concatenation of two hashes.
// Used for building merkle trees.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return Digest(buf[:])
}
