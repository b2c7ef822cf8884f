// Package tx defines transaction records and validation.
package tx

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/stakenet-io/stakenet-chain/pkg/crypto"
	"github.com/stakenet-io/stakenet-chain/pkg/types"
)

// Status is the lifecycle state of a transaction.
type Status string

// Transaction statuses.
const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Transaction is an immutable signed value transfer. All fields are fixed
// at construction; the hash is a pure function of the canonical fields.
type Transaction struct {
	From      types.Address `json:"from"`
	To        types.Address `json:"to"`
	Amount    types.Amount  `json:"amount"`
	Fee       types.Amount  `json:"fee"`
	Nonce     uint64        `json:"nonce"`
	GasLimit  uint64        `json:"gas_limit,omitempty"`
	GasPrice  uint64        `json:"gas_price,omitempty"`
	Data      []byte        `json:"-"`
	Signature []byte        `json:"-"`

	// RawHash cross-references the hash of the original raw encoding when
	// the transaction was submitted in an external wire format.
	RawHash types.Hash `json:"raw_hash,omitempty"`

	Timestamp int64 `json:"timestamp"`
}

// txJSON is the wire representation with hex-encoded byte fields.
type txJSON struct {
	From      types.Address `json:"from"`
	To        types.Address `json:"to"`
	Amount    types.Amount  `json:"amount"`
	Fee       types.Amount  `json:"fee"`
	Nonce     uint64        `json:"nonce"`
	GasLimit  uint64        `json:"gas_limit,omitempty"`
	GasPrice  uint64        `json:"gas_price,omitempty"`
	Data      string        `json:"data,omitempty"`
	Signature string        `json:"signature,omitempty"`
	RawHash   types.Hash    `json:"raw_hash,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// MarshalJSON encodes the transaction with hex-encoded data and signature.
func (t *Transaction) MarshalJSON() ([]byte, error) {
	j := txJSON{
		From:      t.From,
		To:        t.To,
		Amount:    t.Amount,
		Fee:       t.Fee,
		Nonce:     t.Nonce,
		GasLimit:  t.GasLimit,
		GasPrice:  t.GasPrice,
		RawHash:   t.RawHash,
		Timestamp: t.Timestamp,
	}
	if t.Data != nil {
		j.Data = hex.EncodeToString(t.Data)
	}
	if t.Signature != nil {
		j.Signature = hex.EncodeToString(t.Signature)
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a transaction with hex-encoded byte fields.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var j txJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	t.From = j.From
	t.To = j.To
	t.Amount = j.Amount
	t.Fee = j.Fee
	t.Nonce = j.Nonce
	t.GasLimit = j.GasLimit
	t.GasPrice = j.GasPrice
	t.RawHash = j.RawHash
	t.Timestamp = j.Timestamp
	if j.Data != "" {
		b, err := hex.DecodeString(j.Data)
		if err != nil {
			return fmt.Errorf("invalid data hex: %w", err)
		}
		t.Data = b
	}
	if j.Signature != "" {
		b, err := hex.DecodeString(j.Signature)
		if err != nil {
			return fmt.Errorf("invalid signature hex: %w", err)
		}
		t.Signature = b
	}
	return nil
}

// CanonicalPreimage returns the canonical signing bytes: a JSON object with
// lexicographically sorted keys, no whitespace, and hex/string scalar
// encodings so every implementation produces identical bytes.
func (t *Transaction) CanonicalPreimage() []byte {
	// encoding/json sorts map keys, which gives the canonical ordering.
	m := map[string]any{
		"amount":    t.Amount.String(),
		"fee":       t.Fee.String(),
		"from":      t.From.String(),
		"gas_limit": t.GasLimit,
		"gas_price": t.GasPrice,
		"nonce":     t.Nonce,
		"to":        t.To.String(),
	}
	if len(t.Data) > 0 {
		m["data"] = hex.EncodeToString(t.Data)
	}
	out, err := json.Marshal(m)
	if err != nil {
		// Marshal of a map of scalars cannot fail.
		panic(fmt.Sprintf("canonical preimage marshal: %v", err))
	}
	return out
}

// Hash computes the transaction ID: SHA-256 over the canonical preimage.
// Signatures are excluded so the ID is stable across re-signing.
func (t *Transaction) Hash() types.Hash {
	return crypto.Digest(t.CanonicalPreimage())
}

// FeeRate returns the fee-priority score: fee per gas unit.
// Transactions without a gas limit are scored on the raw fee.
func (t *Transaction) FeeRate() float64 {
	if t.GasLimit == 0 {
		return float64(t.Fee.Units())
	}
	return float64(t.Fee.Units()) / float64(t.GasLimit)
}

// Sign signs the transaction with a compact recoverable ECDSA signature so
// verifiers can recover the sender address without a stored public key.
func (t *Transaction) Sign(key *crypto.PrivateKey) error {
	if key.Address() != t.From {
		return fmt.Errorf("%w: key address %s does not match from %s",
			ErrSignature, key.Address(), t.From)
	}
	hash := crypto.Digest(t.CanonicalPreimage())
	sig, err := key.SignCompact(hash[:])
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	t.Signature = sig
	return nil
}

// VerifySender recovers the signer address from the compact signature and
// checks it against the From field. Returns ErrSignature on any mismatch.
func (t *Transaction) VerifySender() error {
	if len(t.Signature) == 0 {
		return fmt.Errorf("%w: missing signature", ErrSignature)
	}
	hash := crypto.Digest(t.CanonicalPreimage())
	recovered, err := crypto.RecoverAddress(hash[:], t.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}
	if recovered != t.From {
		return fmt.Errorf("%w: recovered %s, want %s", ErrSignature, recovered, t.From)
	}
	return nil
}
