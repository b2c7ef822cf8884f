package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks the configuration for internally consistent values.
// It is called once at startup; failures abort the process.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: datadir is required", ErrInvalidConfig)
	}
	if c.Blockchain.BlockTime <= 0 {
		return fmt.Errorf("%w: blockchain.block_time must be positive", ErrInvalidConfig)
	}
	if c.Blockchain.MaxBlockSize <= 0 {
		return fmt.Errorf("%w: blockchain.max_block_size must be positive", ErrInvalidConfig)
	}
	if c.Consensus.EpochLength == 0 {
		return fmt.Errorf("%w: consensus.epoch_length must be positive", ErrInvalidConfig)
	}
	if c.Mempool.MaxSize <= 0 {
		return fmt.Errorf("%w: mempool.max_size must be positive", ErrInvalidConfig)
	}
	if c.Mempool.TTL <= 0 {
		return fmt.Errorf("%w: mempool.ttl must be positive", ErrInvalidConfig)
	}
	if c.Net.MaxPeers <= 0 {
		return fmt.Errorf("%w: network.max_peers must be positive", ErrInvalidConfig)
	}
	if c.Net.MaxConcurrent <= 0 {
		return fmt.Errorf("%w: network.multi_curl.max_concurrent must be positive", ErrInvalidConfig)
	}
	if c.Broadcast.Enabled && c.Net.BroadcastSecret == "" {
		return fmt.Errorf("%w: broadcast.enabled requires network.broadcast_secret", ErrInvalidConfig)
	}
	if c.Broadcast.MinSuccessRate < 0 || c.Broadcast.MinSuccessRate > 1 {
		return fmt.Errorf("%w: broadcast.min_success_rate must be in [0,1]", ErrInvalidConfig)
	}
	if c.AutoMine.Enabled && c.AutoMine.MaxTxPerBlock <= 0 {
		return fmt.Errorf("%w: auto_mine.max_transactions_per_block must be positive", ErrInvalidConfig)
	}
	if c.AutoSync.Enabled && c.AutoSync.CheckInterval <= 0 {
		return fmt.Errorf("%w: auto_sync.check_interval must be positive", ErrInvalidConfig)
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("%w: api.port out of range", ErrInvalidConfig)
	}
	return nil
}
