// Package validator tracks the validator set, stakes, and accounting.
package validator

import (
	"github.com/stakenet-io/stakenet-chain/pkg/types"
)

// Status is a validator lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusJailed    Status = "jailed"
	StatusUnbonding Status = "unbonding"
)

// Validator is one registered validator. Stake and rewards are separate
// ledgers: penalties burn stake, rewards accumulate until withdrawn.
type Validator struct {
	Address        types.Address `json:"address"`
	PublicKey      string        `json:"public_key"` // Compressed secp256k1, hex.
	Stake          uint64        `json:"stake"`
	DelegatedStake uint64        `json:"delegated_stake"`
	CommissionRate float64       `json:"commission_rate"`
	Status         Status        `json:"status"`

	Rewards        uint64 `json:"rewards"`
	BlocksProduced uint64 `json:"blocks_produced"`
	BlocksMissed   uint64 `json:"blocks_missed"`
	PenaltiesCount uint64 `json:"penalties_count"`

	RegisteredAt      int64  `json:"registered_at"` // Unix seconds; selection tie-break.
	LastActivityBlock uint64 `json:"last_activity_block"`

	// CooldownUntil excludes a penalized validator from selection until the
	// given Unix time, without demoting it.
	CooldownUntil int64 `json:"cooldown_until,omitempty"`
	JailUntil     int64 `json:"jail_until,omitempty"`
}

// TotalStake returns own plus delegated stake.
func (v *Validator) TotalStake() uint64 {
	return v.Stake + v.DelegatedStake
}

// clone returns a deep copy for RCU snapshot rebuilds.
func (v *Validator) clone() *Validator {
	c := *v
	return &c
}
