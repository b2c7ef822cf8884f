package config

import "time"

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Blockchain: BlockchainConfig{
			BlockTime:    10,
			MaxBlockSize: 1 << 20, // 1 MB
		},
		Consensus: ConsensusConfig{
			MinStake:        1000 * 100_000_000,
			RewardRate:      50 * 100_000_000,
			EpochLength:     100,
			SlashingPenalty: 10 * 100_000_000,
		},
		Mempool: MempoolConfig{
			MaxSize: 5000,
			MinFee:  1000,
			TTL:     time.Hour,
		},
		Net: NetConfig{
			MaxPeers:       50,
			SyncBatchSize:  50,
			MaxConcurrent:  50,
			RequestTimeout: 5 * time.Second,
		},
		Broadcast: BroadcastConfig{
			Enabled:        true,
			Timeout:        5 * time.Second,
			MaxRetries:     3,
			MinSuccessRate: 0.5,
		},
		AutoMine: AutoMineConfig{
			Enabled:            false,
			MinTransactions:    1,
			MaxTxPerBlock:      100,
			MaxBlocksPerMinute: 6,
		},
		AutoSync: AutoSyncConfig{
			Enabled:          true,
			MaxHeightDiff:    5,
			CheckInterval:    60 * time.Second,
			MinNodesOnline:   1,
			HeartbeatBase:    30 * time.Second,
			BlacklistCooloff: 10 * time.Minute,
		},
		API: APIConfig{
			Enabled: true,
			Addr:    "127.0.0.1",
			Port:    8545,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.API.Port = 8645
	cfg.Blockchain.BlockTime = 5
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
