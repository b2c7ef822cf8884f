// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: defined in genesis, immutable, must match across all nodes
//   - Node settings: runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds node-specific runtime configuration.
// These settings can vary between nodes without breaking consensus.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`
	NodeID  string      `conf:"node.id"`

	Blockchain BlockchainConfig
	Consensus  ConsensusConfig
	Mempool    MempoolConfig
	Net        NetConfig
	Broadcast  BroadcastConfig
	AutoMine   AutoMineConfig
	AutoSync   AutoSyncConfig
	API        APIConfig
	Log        LogConfig

	// Debug enables optional _debug diagnostics on explorer responses.
	// Must stay off in production.
	Debug bool `conf:"debug.enabled"`
}

// BlockchainConfig holds block production parameters.
type BlockchainConfig struct {
	BlockTime    int `conf:"blockchain.block_time"`     // Target seconds between blocks.
	MaxBlockSize int `conf:"blockchain.max_block_size"` // Bytes; caps the mempool batch.
}

// ConsensusConfig holds proof-of-stake parameters.
type ConsensusConfig struct {
	MinStake        uint64 `conf:"consensus.min_stake"`
	RewardRate      uint64 `conf:"consensus.reward_rate"` // Base block reward in base units.
	EpochLength     uint64 `conf:"consensus.epoch_length"`
	SlashingPenalty uint64 `conf:"consensus.slashing_penalty"`

	// AllowHmacSigners accepts hmac_sha256-tagged block signatures from
	// validators without an ECDSA key. Transitional bootstrap mode only.
	AllowHmacSigners bool `conf:"consensus.allow_hmac_signers"`

	// ValidatorKey is the path to this node's validator private key.
	ValidatorKey string `conf:"consensus.validator_key"`
}

// MempoolConfig holds pending-transaction pool settings.
type MempoolConfig struct {
	MaxSize int           `conf:"mempool.max_size"`
	MinFee  uint64        `conf:"mempool.min_fee"` // Base units.
	TTL     time.Duration `conf:"mempool.ttl"`
}

// NetConfig holds peer networking settings.
type NetConfig struct {
	MaxPeers        int           `conf:"network.max_peers"`
	BroadcastSecret string        `conf:"network.broadcast_secret"`
	SyncBatchSize   int           `conf:"network.sync_batch_size"`
	MaxConcurrent   int           `conf:"network.multi_curl.max_concurrent"`
	RequestTimeout  time.Duration `conf:"network.multi_curl.timeout"`
}

// BroadcastConfig holds event fan-out settings.
type BroadcastConfig struct {
	Enabled        bool          `conf:"broadcast.enabled"`
	Timeout        time.Duration `conf:"broadcast.timeout"`
	MaxRetries     int           `conf:"broadcast.max_retries"`
	MinSuccessRate float64       `conf:"broadcast.min_success_rate"`
}

// AutoMineConfig holds automatic block production settings.
type AutoMineConfig struct {
	Enabled            bool `conf:"auto_mine.enabled"`
	MinTransactions    int  `conf:"auto_mine.min_transactions"`
	MaxTxPerBlock      int  `conf:"auto_mine.max_transactions_per_block"`
	MaxBlocksPerMinute int  `conf:"auto_mine.max_blocks_per_minute"`
}

// AutoSyncConfig holds height reconciliation settings.
type AutoSyncConfig struct {
	Enabled          bool          `conf:"auto_sync.enabled"`
	MaxHeightDiff    uint64        `conf:"auto_sync.max_height_difference"`
	CheckInterval    time.Duration `conf:"auto_sync.check_interval"`
	MinNodesOnline   int           `conf:"auto_sync.min_nodes_online"`
	HeartbeatBase    time.Duration `conf:"auto_sync.heartbeat_interval"`
	BlacklistCooloff time.Duration `conf:"auto_sync.blacklist_cooloff"`
}

// APIConfig holds HTTP API server settings.
type APIConfig struct {
	Enabled bool   `conf:"api.enabled"`
	Addr    string `conf:"api.addr"`
	Port    int    `conf:"api.port"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Paths
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stakenet"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Stakenet")
	case "windows":
		return filepath.Join(home, "AppData", "Roaming", "Stakenet")
	default:
		return filepath.Join(home, ".stakenet")
	}
}

// ChainDataDir returns the directory for chain database files.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network), "chaindata")
}

// MirrorPath returns the path of the append-file block mirror.
func (c *Config) MirrorPath() string {
	return filepath.Join(c.DataDir, string(c.Network), "blocks.dat")
}

// LogsDir returns the directory for log files.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, string(c.Network), "logs")
}
