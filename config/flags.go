package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	DataDir string
	Config  string
	NodeID  string

	// Block production
	Mine         bool
	ValidatorKey string

	// API
	API     bool
	APIAddr string
	APIPort int

	// Networking
	BroadcastSecret string

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetAPI     bool
	SetMine    bool
	SetLogJSON bool
}

// ParseFlags parses command-line flags.
func ParseFlags() *Flags {
	f := &Flags{}
	fs := flag.NewFlagSet("stakenet", flag.ContinueOnError)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	fs.StringVar(&f.Network, "testnet", "", "Use testnet (shorthand for --network=testnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")
	fs.StringVar(&f.NodeID, "node-id", "", "Stable node identifier on the mesh")

	// Block production
	fs.BoolVar(&f.Mine, "mine", false, "Enable block production")
	fs.StringVar(&f.ValidatorKey, "validator-key", "", "Path to validator private key")

	// API
	fs.BoolVar(&f.API, "api", true, "Enable HTTP API server")
	fs.StringVar(&f.APIAddr, "api-addr", "", "API listen address")
	fs.IntVar(&f.APIPort, "api-port", 0, "API listen port")

	// Networking
	fs.StringVar(&f.BroadcastSecret, "broadcast-secret", "", "Shared HMAC secret for peer broadcasts")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	fs.Usage = func() {
		printUsage()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	// Handle --testnet shorthand
	if isFlagSet(fs, "testnet") {
		f.Network = "testnet"
	}
	f.SetAPI = isFlagSet(fs, "api")
	f.SetMine = isFlagSet(fs, "mine")
	f.SetLogJSON = isFlagSet(fs, "log-json")

	f.Args = fs.Args()

	// Detect unparsed flags caused by positional arguments stopping the parser.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			fmt.Fprintf(os.Stderr, "Error: flag %q was not parsed (positional argument stopped parsing)\n", arg)
			os.Exit(1)
		}
	}

	return f
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	// Core
	if f.Network != "" {
		cfg.Network = NetworkType(f.Network)
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.NodeID != "" {
		cfg.NodeID = f.NodeID
	}

	// Block production
	if f.SetMine {
		cfg.AutoMine.Enabled = f.Mine
	}
	if f.ValidatorKey != "" {
		cfg.Consensus.ValidatorKey = f.ValidatorKey
	}

	// API
	if f.SetAPI {
		cfg.API.Enabled = f.API
	}
	if f.APIAddr != "" {
		cfg.API.Addr = f.APIAddr
	}
	if f.APIPort != 0 {
		cfg.API.Port = f.APIPort
	}

	// Networking
	if f.BroadcastSecret != "" {
		cfg.Net.BroadcastSecret = f.BroadcastSecret
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage() {
	usage := `Stakenet Chain - proof-of-stake blockchain node

Usage:
  stakenetd [options]
  stakenetd --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information

Core Options:
  --network       Network type: mainnet (default) or testnet
  --testnet       Shorthand for --network=testnet
  --datadir       Data directory (default: ~/.stakenet)
  --config, -c    Config file path (default: <datadir>/stakenet.conf)
  --node-id       Stable node identifier (generated on first start)

Block Production:
  --mine            Enable block production
  --validator-key   Path to validator private key

API Options:
  --api           Enable HTTP API server (default: true)
  --api-addr      API listen address (default: 127.0.0.1)
  --api-port      API port (mainnet: 8545, testnet: 8645)

Networking:
  --broadcast-secret  Shared HMAC secret for peer broadcasts

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: <datadir>/<network>/logs)
  --log-json      Output logs as JSON

Examples:
  # Start mainnet node
  stakenetd

  # Start testnet node
  stakenetd --network=testnet

  # Start as a validator
  stakenetd --mine --validator-key=~/.stakenet/validator.key

Note:
  Protocol rules (minimum stake, epoch length, reward schedule) are fixed
  by genesis and must match across all nodes on a network. Data
  directories are created automatically on first start.
`
	fmt.Print(usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()

	if flags.Help {
		printUsage()
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("stakenetd version 1.0.0")
		os.Exit(0)
	}

	network := Mainnet
	if strings.ToLower(flags.Network) == "testnet" {
		network = Testnet
	}

	cfg := Default(network)
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	if err := EnsureDataDirs(cfg); err != nil {
		return nil, nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	ApplyFlags(cfg, flags)

	// A stable node id matters for dedupe and peer reputation; mint one on
	// first start and persist it next to the other settings.
	if cfg.NodeID == "" {
		cfg.NodeID = "node-" + uuid.NewString()[:8]
		if err := appendConfigLine(configPath, "node.id", cfg.NodeID); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not persist node.id: %v\n", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, flags, nil
}

// ConfigFile returns the default config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "stakenet.conf")
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. Idempotent.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.ChainDataDir(),
		cfg.LogsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}
	return nil
}

// WriteDefaultConfig writes a commented starter config file.
func WriteDefaultConfig(path string, network NetworkType) error {
	content := fmt.Sprintf(`# Stakenet Chain node configuration.
# Protocol rules live in genesis and cannot be changed here.

network = %s

# node.id = node-xxxxxxxx

# consensus.validator_key = ~/.stakenet/validator.key
# auto_mine.enabled = false

# network.broadcast_secret =

# api.enabled = true
# api.addr = 127.0.0.1
# api.port = %d

# log.level = info
`, network, Default(network).API.Port)
	return os.WriteFile(path, []byte(content), 0644)
}

// appendConfigLine appends one key = value line to the config file.
func appendConfigLine(path, key, value string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s = %s\n", key, value)
	return err
}
