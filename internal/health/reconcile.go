package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stakenet-io/stakenet-chain/internal/chain"
	klog "github.com/stakenet-io/stakenet-chain/internal/log"
	"github.com/stakenet-io/stakenet-chain/internal/metrics"
	"github.com/stakenet-io/stakenet-chain/internal/peers"
	"github.com/stakenet-io/stakenet-chain/pkg/block"
)

// ErrNoUsablePeer means every candidate peer failed or was exhausted.
var ErrNoUsablePeer = errors.New("no usable peer for reconciliation")

// Reconciler pulls missing blocks from peers and appends them locally.
type Reconciler struct {
	chain     *chain.Chain
	registry  *peers.Registry
	monitor   *Monitor
	client    *http.Client
	batchSize uint64
	cooloff   time.Duration
}

// NewReconciler creates a reconciler that fetches in batches of batchSize
// and blacklists misbehaving peers for the cooloff window.
func NewReconciler(c *chain.Chain, registry *peers.Registry, monitor *Monitor, batchSize uint64, cooloff time.Duration) *Reconciler {
	if batchSize == 0 {
		batchSize = 50
	}
	if cooloff <= 0 {
		cooloff = 5 * time.Minute
	}
	return &Reconciler{
		chain:     c,
		registry:  registry,
		monitor:   monitor,
		client:    &http.Client{Timeout: 15 * time.Second},
		batchSize: batchSize,
		cooloff:   cooloff,
	}
}

// SyncTo pulls blocks up to targetHeight, trying peers in reputation order.
// A peer serving an invalid block is blacklisted for the cooloff and the
// next candidate takes over from wherever the chain stands.
func (r *Reconciler) SyncTo(ctx context.Context, targetHeight uint64) error {
	start := r.nextHeight()
	if r.chain.HasGenesis() && targetHeight <= r.chain.Height() {
		return nil
	}

	candidates := r.registry.Active()
	if len(candidates) == 0 {
		return ErrNoUsablePeer
	}

	for _, p := range candidates {
		err := r.pullFrom(ctx, p, targetHeight)
		if err == nil {
			r.registry.Adjust(p.NodeID, peers.RepGoodSync, "sync completed")
			if r.monitor != nil {
				r.monitor.record(Record{
					Kind:        RecordSyncCompleted,
					LocalHeight: r.chain.Height(),
					PeerID:      p.NodeID,
				})
			}
			metrics.SyncRuns.WithLabelValues("completed").Inc()
			metrics.ChainHeight.Set(float64(r.chain.Height()))
			klog.Health.Info().
				Uint64("from", start).
				Uint64("to", r.chain.Height()).
				Str("peer", p.NodeID).
				Msg("Reconciliation completed")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		klog.Health.Warn().Str("peer", p.NodeID).Err(err).Msg("Sync from peer failed")
		if isValidationError(err) {
			r.registry.Ban(p.NodeID, r.cooloff, "served invalid blocks")
			r.registry.Adjust(p.NodeID, peers.RepBadBlock, "invalid sync block")
		} else {
			r.registry.Adjust(p.NodeID, peers.RepBadResponse, "sync fetch failed")
		}
	}

	if r.monitor != nil {
		r.monitor.record(Record{
			Kind:        RecordSyncFailed,
			LocalHeight: r.chain.Height(),
			Detail:      "all peers exhausted",
		})
	}
	metrics.SyncRuns.WithLabelValues("failed").Inc()
	return ErrNoUsablePeer
}

// pullFrom fetches and appends batches from one peer until targetHeight.
func (r *Reconciler) pullFrom(ctx context.Context, p *peers.Peer, targetHeight uint64) error {
	for {
		from := r.nextHeight()
		if r.chain.HasGenesis() && r.chain.Height() >= targetHeight {
			return nil
		}
		to := from + r.batchSize - 1
		if to > targetHeight {
			to = targetHeight
		}

		blocks, err := r.fetchBlocks(ctx, p, from, to)
		if err != nil {
			return err
		}
		if len(blocks) == 0 {
			return fmt.Errorf("peer returned no blocks for [%d,%d]", from, to)
		}
		for _, blk := range blocks {
			if err := r.chain.Append(blk); err != nil {
				return fmt.Errorf("append synced block %d: %w", blk.Header.Height, err)
			}
		}
	}
}

func (r *Reconciler) nextHeight() uint64 {
	if !r.chain.HasGenesis() {
		return 0
	}
	return r.chain.Height() + 1
}

// fetchBlocks requests one inclusive block range from a peer.
func (r *Reconciler) fetchBlocks(ctx context.Context, p *peers.Peer, from, to uint64) ([]*block.Block, error) {
	url := fmt.Sprintf("http://%s/api/sync/blocks?from=%d&to=%d", p.Endpoint(), from, to)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blocks endpoint returned %d", resp.StatusCode)
	}

	var envelope struct {
		Success bool `json:"success"`
		Data    struct {
			Blocks []*block.Block `json:"blocks"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode blocks: %w", err)
	}
	if !envelope.Success {
		return nil, fmt.Errorf("blocks request unsuccessful")
	}
	return envelope.Data.Blocks, nil
}

// isValidationError distinguishes a peer serving bad data from transport
// trouble.
func isValidationError(err error) bool {
	return errors.Is(err, chain.ErrParentMismatch) ||
		errors.Is(err, chain.ErrIndexGap) ||
		errors.Is(err, chain.ErrDuplicateHash) ||
		errors.Is(err, chain.ErrMerkleMismatch) ||
		errors.Is(err, chain.ErrSignatureReject)
}
