package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stakenet-io/stakenet-chain/pkg/types"
)

func TestDigest_Deterministic(t *testing.T) {
	a := Digest([]byte("hello"))
	b := Digest([]byte("hello"))
	if a != b {
		t.Error("same input produced different digests")
	}
	c := Digest([]byte("world"))
	if a == c {
		t.Error("different inputs produced the same digest")
	}
}

func TestDigest_KnownVector(t *testing.T) {
	// SHA-256 of the empty string.
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	got := Digest(nil).String()
	if got != want {
		t.Errorf("Digest(nil) = %s, want %s", got, want)
	}
}

func TestHmacSha256(t *testing.T) {
	key := []byte("secret")
	tag1 := HmacSha256(key, []byte("payload"))
	tag2 := HmacSha256(key, []byte("payload"))
	if !HmacEqual(tag1, tag2) {
		t.Error("HMAC not deterministic")
	}
	tag3 := HmacSha256([]byte("other"), []byte("payload"))
	if HmacEqual(tag1, tag3) {
		t.Error("different keys produced the same HMAC")
	}
	if len(tag1) != 32 {
		t.Errorf("tag length = %d, want 32", len(tag1))
	}
}

func TestKeccak256_KnownVector(t *testing.T) {
	// Keccak-256 of the empty string (legacy padding, not SHA3-256).
	want := "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"
	got := Keccak256(nil).String()
	if got != want {
		t.Errorf("Keccak256(nil) = %s, want %s", got, want)
	}
}

func TestSignVerify(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	hash := Digest([]byte("block payload"))
	sig, err := key.Sign(hash[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if !VerifySignature(hash[:], sig, key.PublicKey()) {
		t.Error("valid signature rejected")
	}

	other := Digest([]byte("tampered"))
	if VerifySignature(other[:], sig, key.PublicKey()) {
		t.Error("signature verified against wrong hash")
	}

	otherKey, _ := GenerateKey()
	if VerifySignature(hash[:], sig, otherKey.PublicKey()) {
		t.Error("signature verified against wrong key")
	}
}

func TestSign_RejectsBadHashLength(t *testing.T) {
	key, _ := GenerateKey()
	if _, err := key.Sign([]byte("short")); err == nil {
		t.Error("expected error for non-32-byte hash")
	}
}

func TestPrivateKeyFromBytes_RoundTrip(t *testing.T) {
	key, _ := GenerateKey()
	restored, err := PrivateKeyFromBytes(key.Serialize())
	if err != nil {
		t.Fatalf("PrivateKeyFromBytes: %v", err)
	}
	if !bytes.Equal(restored.PublicKey(), key.PublicKey()) {
		t.Error("restored key has different public key")
	}
}

func TestAddressFromPubKey(t *testing.T) {
	key, _ := GenerateKey()
	addr := AddressFromPubKey(key.PublicKey())
	if addr.IsZero() {
		t.Error("derived zero address from valid key")
	}
	// Deterministic.
	if addr != AddressFromPubKey(key.PublicKey()) {
		t.Error("address derivation not deterministic")
	}
	// Malformed key yields zero address.
	if !AddressFromPubKey([]byte{0x01, 0x02}).IsZero() {
		t.Error("malformed key should derive zero address")
	}
}

func TestAddressFromPubKey_KnownVector(t *testing.T) {
	// secp256k1 private key = 1. The corresponding Ethereum-style address
	// is well known.
	secret := make([]byte, 32)
	secret[31] = 1
	key, err := PrivateKeyFromBytes(secret)
	if err != nil {
		t.Fatalf("PrivateKeyFromBytes: %v", err)
	}
	want := "7e5f4552091a69125d5dfcb7b8c2659029395bdf"
	got := hex.EncodeToString(key.Address().Bytes())
	if got != want {
		t.Errorf("address = %s, want %s", got, want)
	}
}

func TestHashConcat(t *testing.T) {
	var a, b types.Hash
	a[0] = 1
	b[0] = 2
	if HashConcat(a, b) == HashConcat(b, a) {
		t.Error("HashConcat should be order-sensitive")
	}
}
