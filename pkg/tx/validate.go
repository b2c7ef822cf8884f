package tx

import (
	"errors"
	"fmt"
)

// Validation errors.
var (
	ErrValidation = errors.New("transaction failed validation")
	ErrSignature  = errors.New("invalid transaction signature")
)

// maxDataBytes caps the optional execution payload.
const maxDataBytes = 128 * 1024

// Build constructs a validated transaction from its fields. The returned
// transaction is treated as immutable: callers must not modify it after
// construction.
func Build(t Transaction) (*Transaction, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	cp := t
	if t.Data != nil {
		cp.Data = append([]byte(nil), t.Data...)
	}
	if t.Signature != nil {
		cp.Signature = append([]byte(nil), t.Signature...)
	}
	return &cp, nil
}

// Validate checks structural rules that hold independent of chain state.
func (t *Transaction) Validate() error {
	if t.From.IsZero() {
		return fmt.Errorf("%w: missing from address", ErrValidation)
	}
	if t.To.IsZero() && len(t.Data) == 0 {
		return fmt.Errorf("%w: missing to address", ErrValidation)
	}
	if t.GasPrice > 0 && t.GasLimit == 0 {
		return fmt.Errorf("%w: gas price set without gas limit", ErrValidation)
	}
	if len(t.Data) > maxDataBytes {
		return fmt.Errorf("%w: data exceeds %d bytes", ErrValidation, maxDataBytes)
	}
	return nil
}
