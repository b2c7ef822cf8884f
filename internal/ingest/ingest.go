// Package ingest accepts externally signed raw transactions and feeds them
// into the mempool.
package ingest

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/stakenet-io/stakenet-chain/internal/eventsync"
	klog "github.com/stakenet-io/stakenet-chain/internal/log"
	"github.com/stakenet-io/stakenet-chain/internal/mempool"
	"github.com/stakenet-io/stakenet-chain/internal/storage"
	"github.com/stakenet-io/stakenet-chain/pkg/tx"
	"github.com/stakenet-io/stakenet-chain/pkg/types"
)

// Ingestor errors.
var (
	ErrParse     = errors.New("malformed raw transaction")
	ErrSignature = errors.New("sender recovery failed")
	ErrOverflow  = errors.New("value exceeds representable range")
)

// weiPerBaseUnit converts 18-decimal wei into 8-decimal base units.
var weiPerBaseUnit = big.NewInt(10_000_000_000)

// Result reports an ingested transaction.
type Result struct {
	TxHash   types.Hash // Internal hash.
	RawHash  types.Hash // Hash of the original raw encoding.
	Sender   types.Address
	Existing bool // True when the raw hash was already ingested.
}

// Ingestor decodes raw Ethereum-style transactions (legacy and dynamic-fee),
// recovers the sender, and inserts the converted transaction into the
// mempool. The raw tx hash is an idempotency key: resubmission returns the
// original result.
type Ingestor struct {
	pool  *mempool.Pool
	sync  *eventsync.Sync
	index storage.DB // rawHash -> internal hash.
}

// New creates an ingestor. The index store enforces raw-hash idempotency.
func New(pool *mempool.Pool, es *eventsync.Sync, index storage.DB) *Ingestor {
	return &Ingestor{pool: pool, sync: es, index: index}
}

// Submit ingests one hex-encoded raw transaction.
func (i *Ingestor) Submit(rawHex string) (*Result, error) {
	raw, err := decodeHex(rawHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	var decoded gethtypes.Transaction
	if err := decoded.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	rawHash := types.Hash(decoded.Hash())
	if existing, ok := i.lookup(rawHash); ok {
		return &Result{TxHash: existing, RawHash: rawHash, Existing: true}, nil
	}

	signer := gethtypes.LatestSignerForChainID(decoded.ChainId())
	sender, err := gethtypes.Sender(signer, &decoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}

	converted, err := convert(&decoded, types.Address(sender), rawHash)
	if err != nil {
		return nil, err
	}

	if err := i.pool.AddVerified(converted); err != nil {
		// A duplicate internal hash still satisfies idempotency.
		if errors.Is(err, mempool.ErrAlreadyExists) {
			i.remember(rawHash, converted.Hash())
			return &Result{TxHash: converted.Hash(), RawHash: rawHash, Sender: converted.From, Existing: true}, nil
		}
		return nil, err
	}
	i.remember(rawHash, converted.Hash())

	if i.sync != nil {
		payload := map[string]string{
			"tx_hash":  converted.Hash().String(),
			"raw_hash": rawHash.String(),
			"from":     converted.From.String(),
		}
		if err := i.sync.Emit(eventsync.TypeTxReceived, eventsync.PriorityNormal, payload); err != nil {
			klog.Mempool.Debug().Err(err).Msg("tx.received emit failed")
		}
	}

	klog.Mempool.Info().
		Str("tx", converted.Hash().String()[:16]).
		Str("raw", rawHash.String()[:16]).
		Str("from", converted.From.String()).
		Msg("Raw transaction ingested")
	return &Result{TxHash: converted.Hash(), RawHash: rawHash, Sender: converted.From}, nil
}

// convert maps a decoded external transaction onto the internal record.
func convert(decoded *gethtypes.Transaction, sender types.Address, rawHash types.Hash) (*tx.Transaction, error) {
	value, err := weiToBase(decoded.Value())
	if err != nil {
		return nil, err
	}
	// Dynamic-fee transactions report their fee cap as the gas price.
	gasPrice, err := weiToBase(decoded.GasPrice())
	if err != nil {
		return nil, err
	}

	fee := new(big.Int).Mul(decoded.GasPrice(), new(big.Int).SetUint64(decoded.Gas()))
	feeBase, err := weiToBase(fee)
	if err != nil {
		return nil, err
	}

	var to types.Address
	if decoded.To() != nil {
		to = types.Address(*decoded.To())
	}

	v, r, s := decoded.RawSignatureValues()
	signature := append(append(r.Bytes(), s.Bytes()...), v.Bytes()...)

	return &tx.Transaction{
		From:      sender,
		To:        to,
		Amount:    types.Amount(value),
		Fee:       types.Amount(feeBase),
		Nonce:     decoded.Nonce(),
		GasLimit:  decoded.Gas(),
		GasPrice:  gasPrice,
		Data:      decoded.Data(),
		Signature: signature,
		RawHash:   rawHash,
		Timestamp: time.Now().Unix(),
	}, nil
}

// weiToBase scales an 18-decimal wei value to 8-decimal base units,
// truncating sub-unit dust.
func weiToBase(wei *big.Int) (uint64, error) {
	if wei == nil || wei.Sign() == 0 {
		return 0, nil
	}
	if wei.Sign() < 0 {
		return 0, fmt.Errorf("%w: negative value", ErrOverflow)
	}
	scaled := new(big.Int).Div(wei, weiPerBaseUnit)
	if !scaled.IsUint64() {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, wei)
	}
	return scaled.Uint64(), nil
}

func (i *Ingestor) lookup(rawHash types.Hash) (types.Hash, bool) {
	if i.index == nil {
		return types.Hash{}, false
	}
	data, err := i.index.Get(rawHash[:])
	if err != nil || len(data) != types.HashSize {
		return types.Hash{}, false
	}
	h, err := types.BytesToHash(data)
	if err != nil {
		return types.Hash{}, false
	}
	return h, true
}

func (i *Ingestor) remember(rawHash, internal types.Hash) {
	if i.index == nil {
		return
	}
	i.index.Put(rawHash[:], internal[:])
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	if len(s) == 0 {
		return nil, errors.New("empty input")
	}
	return hex.DecodeString(s)
}
