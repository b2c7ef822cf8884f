// Package pos implements stake-weighted leader selection, block signing,
// and verification.
package pos

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	klog "github.com/stakenet-io/stakenet-chain/internal/log"
	"github.com/stakenet-io/stakenet-chain/internal/validator"
	"github.com/stakenet-io/stakenet-chain/pkg/block"
	"github.com/stakenet-io/stakenet-chain/pkg/crypto"
	"github.com/stakenet-io/stakenet-chain/pkg/types"
)

// Engine errors.
var (
	ErrNoValidators   = errors.New("no eligible validators")
	ErrNotEligible    = errors.New("validator was not the selected leader")
	ErrNoSigningKey   = errors.New("no signing key available")
	ErrBadSignature   = errors.New("block signature invalid")
	ErrUnknownSigMode = errors.New("unknown signature mode")
	ErrHmacDisabled   = errors.New("hmac signatures are not accepted")
)

// Signature mode tags as serialized in block headers.
const (
	sigTagECDSA = "ecdsa:"
	sigTagHMAC  = "hmac_sha256:"
)

const signatureVersion = "1.0"

// Engine performs leader selection and block signing over immutable
// validator snapshots. Selection is a pure function of its inputs: any
// peer with the same snapshot computes the same leader.
type Engine struct {
	nodeID    string
	key       *crypto.PrivateKey // Nil for non-signing nodes.
	registry  *validator.Registry
	hmacSeed  []byte // Shared secret for derived hmac keys.
	allowHmac bool   // Accept hmac_sha256: signatures from peers.

	epochLength uint64
}

// Options configures an Engine.
type Options struct {
	NodeID      string
	Key         *crypto.PrivateKey
	HmacSecret  string
	AllowHmac   bool
	EpochLength uint64
}

// NewEngine creates a consensus engine over the registry.
func NewEngine(registry *validator.Registry, opts Options) *Engine {
	if opts.EpochLength == 0 {
		opts.EpochLength = 1000
	}
	return &Engine{
		nodeID:      opts.NodeID,
		key:         opts.Key,
		registry:    registry,
		hmacSeed:    []byte(opts.HmacSecret),
		allowHmac:   opts.AllowHmac,
		epochLength: opts.EpochLength,
	}
}

// SelectLeader returns the validator that must produce the block at the
// given height on top of prevHash, using the provided snapshot.
//
// The seed digests prevHash and the height; its first 8 bytes map to a
// uniform in [0,1) which picks a point on the cumulative stake line of the
// active set (descending stake, registration time tie-break).
func SelectLeader(prevHash types.Hash, height uint64, snap *validator.Snapshot) (types.Address, error) {
	active := snap.Active()
	if len(active) == 0 || snap.TotalStake() == 0 {
		return types.Address{}, ErrNoValidators
	}

	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], height)
	seed := crypto.Digest(append(prevHash[:], idx[:]...))

	uniform := float64(binary.BigEndian.Uint64(seed[:8])) / float64(1<<64)
	target := uniform * float64(snap.TotalStake())

	var cumulative float64
	for _, v := range active {
		cumulative += float64(v.TotalStake())
		if cumulative >= target {
			return v.Address, nil
		}
	}
	// Float rounding can leave the target a hair past the last prefix.
	return active[len(active)-1].Address, nil
}

// Leader selects the leader for the given height against the current
// registry snapshot.
func (e *Engine) Leader(prevHash types.Hash, height uint64) (types.Address, error) {
	return SelectLeader(prevHash, height, e.registry.Snapshot())
}

// IsLocalLeader reports whether this node's key holds leadership for the
// next block.
func (e *Engine) IsLocalLeader(prevHash types.Hash, height uint64) bool {
	if e.key == nil {
		return false
	}
	leader, err := e.Leader(prevHash, height)
	return err == nil && leader == e.key.Address()
}

// SignBlock signs the header in place. ECDSA is used when the node key
// matches the block validator; otherwise, if enabled, a derived hmac key
// signs as a transitional fallback.
func (e *Engine) SignBlock(blk *block.Block) error {
	if blk.Metadata == nil {
		blk.Metadata = make(map[string]string)
	}
	blk.Metadata[metaNodeID] = e.nodeID

	payload := signingPayload(blk, e.nodeID)
	digest := crypto.Digest(payload)

	if e.key != nil && e.key.Address() == blk.Header.Validator {
		sig, err := e.key.Sign(digest[:])
		if err != nil {
			return fmt.Errorf("ecdsa sign: %w", err)
		}
		blk.Header.Signature = sigTagECDSA + hex.EncodeToString(sig)
		return nil
	}

	if e.allowHmac && len(e.hmacSeed) > 0 {
		mac := crypto.HmacSha256(e.derivedKey(blk.Header.Validator), payload)
		blk.Header.Signature = sigTagHMAC + hex.EncodeToString(mac)
		klog.Consensus.Warn().
			Str("validator", blk.Header.Validator.String()).
			Msg("Block signed with hmac fallback")
		return nil
	}
	return ErrNoSigningKey
}

// VerifyBlock checks the block signature and that its validator was the
// selected leader for its height. Used as the chain append verifier.
func (e *Engine) VerifyBlock(blk *block.Block) error {
	snap := e.registry.Snapshot()

	leader, err := SelectLeader(blk.Header.ParentHash, blk.Header.Height, snap)
	if err != nil {
		return err
	}
	if leader != blk.Header.Validator {
		return fmt.Errorf("%w: block by %s, leader is %s",
			ErrNotEligible, blk.Header.Validator, leader)
	}
	return e.verifySignature(blk, snap)
}

func (e *Engine) verifySignature(blk *block.Block, snap *validator.Snapshot) error {
	sig := blk.Header.Signature
	payload := signingPayload(blk, blk.Metadata[metaNodeID])

	switch {
	case strings.HasPrefix(sig, sigTagECDSA):
		raw, err := hex.DecodeString(strings.TrimPrefix(sig, sigTagECDSA))
		if err != nil {
			return fmt.Errorf("%w: malformed hex", ErrBadSignature)
		}
		v, ok := snap.Get(blk.Header.Validator)
		if !ok {
			return fmt.Errorf("%w: unknown validator %s", ErrBadSignature, blk.Header.Validator)
		}
		pubKey, err := hex.DecodeString(v.PublicKey)
		if err != nil {
			return fmt.Errorf("%w: bad stored public key", ErrBadSignature)
		}
		digest := crypto.Digest(payload)
		if !crypto.VerifySignature(digest[:], raw, pubKey) {
			return ErrBadSignature
		}
		return nil

	case strings.HasPrefix(sig, sigTagHMAC):
		if !e.allowHmac {
			return ErrHmacDisabled
		}
		raw, err := hex.DecodeString(strings.TrimPrefix(sig, sigTagHMAC))
		if err != nil {
			return fmt.Errorf("%w: malformed hex", ErrBadSignature)
		}
		want := crypto.HmacSha256(e.derivedKey(blk.Header.Validator), payload)
		if !crypto.HmacEqual(raw, want) {
			return ErrBadSignature
		}
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnknownSigMode, sig)
	}
}

// derivedKey derives the per-validator hmac key from the shared secret.
func (e *Engine) derivedKey(addr types.Address) []byte {
	return crypto.HmacSha256(e.hmacSeed, addr[:])
}

// Epoch returns the epoch number containing the given height.
func (e *Engine) Epoch(height uint64) uint64 {
	return height / e.epochLength
}

// AdvanceEpochIfNeeded resets per-epoch counters when the appended height
// starts a new epoch. Returns true on an epoch boundary.
func (e *Engine) AdvanceEpochIfNeeded(height uint64) (bool, error) {
	if height == 0 || height%e.epochLength != 0 {
		return false, nil
	}
	if err := e.registry.ResetEpochCounters(); err != nil {
		return false, fmt.Errorf("reset epoch counters: %w", err)
	}
	klog.Consensus.Info().
		Uint64("epoch", e.Epoch(height)).
		Uint64("height", height).
		Msg("Epoch advanced")
	return true, nil
}
