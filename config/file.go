package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key = value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
// Unknown keys are a startup error so typos fail loudly instead of being
// silently ignored.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := applyKey(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

func applyKey(cfg *Config, key, value string) error {
	switch key {
	case "network":
		switch NetworkType(value) {
		case Mainnet, Testnet:
			cfg.Network = NetworkType(value)
		default:
			return fmt.Errorf("unknown network %q", value)
		}
	case "datadir":
		cfg.DataDir = value
	case "node.id":
		cfg.NodeID = value
	case "debug.enabled":
		return parseBool(value, &cfg.Debug)

	case "blockchain.block_time":
		return parseInt(value, &cfg.Blockchain.BlockTime)
	case "blockchain.max_block_size":
		return parseInt(value, &cfg.Blockchain.MaxBlockSize)

	case "consensus.min_stake":
		return parseUint(value, &cfg.Consensus.MinStake)
	case "consensus.reward_rate":
		return parseUint(value, &cfg.Consensus.RewardRate)
	case "consensus.epoch_length":
		return parseUint(value, &cfg.Consensus.EpochLength)
	case "consensus.slashing_penalty":
		return parseUint(value, &cfg.Consensus.SlashingPenalty)
	case "consensus.allow_hmac_signers":
		return parseBool(value, &cfg.Consensus.AllowHmacSigners)
	case "consensus.validator_key":
		cfg.Consensus.ValidatorKey = value

	case "mempool.max_size":
		return parseInt(value, &cfg.Mempool.MaxSize)
	case "mempool.min_fee":
		return parseUint(value, &cfg.Mempool.MinFee)
	case "mempool.ttl":
		return parseDuration(value, &cfg.Mempool.TTL)

	case "network.max_peers":
		return parseInt(value, &cfg.Net.MaxPeers)
	case "network.broadcast_secret":
		cfg.Net.BroadcastSecret = value
	case "network.sync_batch_size":
		return parseInt(value, &cfg.Net.SyncBatchSize)
	case "network.multi_curl.max_concurrent":
		return parseInt(value, &cfg.Net.MaxConcurrent)
	case "network.multi_curl.timeout":
		return parseDuration(value, &cfg.Net.RequestTimeout)

	case "broadcast.enabled":
		return parseBool(value, &cfg.Broadcast.Enabled)
	case "broadcast.timeout":
		return parseDuration(value, &cfg.Broadcast.Timeout)
	case "broadcast.max_retries":
		return parseInt(value, &cfg.Broadcast.MaxRetries)
	case "broadcast.min_success_rate":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		cfg.Broadcast.MinSuccessRate = f

	case "auto_mine.enabled":
		return parseBool(value, &cfg.AutoMine.Enabled)
	case "auto_mine.min_transactions":
		return parseInt(value, &cfg.AutoMine.MinTransactions)
	case "auto_mine.max_transactions_per_block":
		return parseInt(value, &cfg.AutoMine.MaxTxPerBlock)
	case "auto_mine.max_blocks_per_minute":
		return parseInt(value, &cfg.AutoMine.MaxBlocksPerMinute)

	case "auto_sync.enabled":
		return parseBool(value, &cfg.AutoSync.Enabled)
	case "auto_sync.max_height_difference":
		return parseUint(value, &cfg.AutoSync.MaxHeightDiff)
	case "auto_sync.check_interval":
		return parseDuration(value, &cfg.AutoSync.CheckInterval)
	case "auto_sync.min_nodes_online":
		return parseInt(value, &cfg.AutoSync.MinNodesOnline)
	case "auto_sync.heartbeat_interval":
		return parseDuration(value, &cfg.AutoSync.HeartbeatBase)
	case "auto_sync.blacklist_cooloff":
		return parseDuration(value, &cfg.AutoSync.BlacklistCooloff)

	case "api.enabled":
		return parseBool(value, &cfg.API.Enabled)
	case "api.addr":
		cfg.API.Addr = value
	case "api.port":
		return parseInt(value, &cfg.API.Port)

	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		return parseBool(value, &cfg.Log.JSON)

	default:
		return fmt.Errorf("unknown key")
	}
	return nil
}

func parseInt(value string, out *int) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*out = n
	return nil
}

func parseUint(value string, out *uint64) error {
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return err
	}
	*out = n
	return nil
}

func parseBool(value string, out *bool) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	*out = b
	return nil
}

// parseDuration accepts Go duration strings ("30s") or bare seconds ("30").
func parseDuration(value string, out *time.Duration) error {
	if n, err := strconv.Atoi(value); err == nil {
		*out = time.Duration(n) * time.Second
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*out = d
	return nil
}
