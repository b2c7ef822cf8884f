package mempool

import (
	"encoding/json"
	"fmt"
	"time"

	klog "github.com/stakenet-io/stakenet-chain/internal/log"
	"github.com/stakenet-io/stakenet-chain/pkg/tx"
	"github.com/stakenet-io/stakenet-chain/pkg/types"
)

var pendingPrefix = []byte("p/")

// pendingRecord is the durable form of a mempool entry.
type pendingRecord struct {
	Tx      *tx.Transaction `json:"tx"`
	AddedAt int64           `json:"added_at"` // Unix seconds.
}

func pendingKey(hash types.Hash) []byte {
	key := make([]byte, len(pendingPrefix)+types.HashSize)
	copy(key, pendingPrefix)
	copy(key[len(pendingPrefix):], hash[:])
	return key
}

// persist writes one entry to the backing store. Caller holds p.mu.
func (p *Pool) persist(e *entry) error {
	data, err := json.Marshal(pendingRecord{Tx: e.tx, AddedAt: e.addedAt.Unix()})
	if err != nil {
		return fmt.Errorf("marshal pending record: %w", err)
	}
	return p.store.Put(pendingKey(e.txHash), data)
}

// reload restores pending transactions from the backing store, re-running
// validation. Entries that expired or fail checks are purged from the store.
func (p *Pool) reload() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.store == nil {
		return nil
	}

	type loaded struct {
		key []byte
		rec pendingRecord
	}
	var records []loaded
	err := p.store.ForEach(pendingPrefix, func(key, value []byte) error {
		var rec pendingRecord
		if jsonErr := json.Unmarshal(value, &rec); jsonErr != nil {
			records = append(records, loaded{key: append([]byte(nil), key...)})
			return nil
		}
		records = append(records, loaded{key: append([]byte(nil), key...), rec: rec})
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan pending store: %w", err)
	}

	cutoff := p.now().Add(-p.ttl)
	restored, dropped := 0, 0
	for _, r := range records {
		ok := r.rec.Tx != nil &&
			time.Unix(r.rec.AddedAt, 0).After(cutoff) &&
			r.rec.Tx.Validate() == nil &&
			// Ingested raw txs were verified in their original encoding.
			(!r.rec.Tx.RawHash.IsZero() || r.rec.Tx.VerifySender() == nil)
		if !ok {
			p.store.Delete(r.key)
			dropped++
			continue
		}
		if addErr := p.addLocked(r.rec.Tx, false); addErr != nil {
			p.store.Delete(r.key)
			dropped++
			continue
		}
		// Keep the original admission time so TTL keeps counting.
		p.txs[r.rec.Tx.Hash()].addedAt = time.Unix(r.rec.AddedAt, 0)
		restored++
	}

	if restored > 0 || dropped > 0 {
		klog.Mempool.Info().
			Int("restored", restored).
			Int("dropped", dropped).
			Msg("Mempool reloaded from store")
	}
	return nil
}
