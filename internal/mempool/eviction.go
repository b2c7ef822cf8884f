package mempool

import (
	"sort"
	"time"
)

// ExpireStale removes every entry older than the pool TTL and returns the
// number removed. All entries age under the same TTL regardless of fee.
func (p *Pool) ExpireStale() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-p.ttl)
	expired := 0
	for hash, e := range p.txs {
		if e.addedAt.Before(cutoff) {
			p.removeLocked(hash)
			expired++
		}
	}
	return expired
}

// Evict removes lowest fee-rate entries until the pool is at or below its
// capacity and returns the number removed.
func (p *Pool) Evict() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.txs) <= p.maxSize {
		return 0
	}

	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].feeRate < entries[j].feeRate
	})

	evicted := 0
	for len(p.txs) > p.maxSize && evicted < len(entries) {
		p.removeLocked(entries[evicted].txHash)
		evicted++
	}
	return evicted
}

// StartSweeper runs the TTL sweep on the given interval until stop is closed.
func (p *Pool) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.ExpireStale()
			case <-stop:
				return
			}
		}
	}()
}
