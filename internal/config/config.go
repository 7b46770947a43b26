package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thanhnp/chain-node/pkg/semver"
)

// ErrInvalid marks a configuration that loaded but cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// Config is the flat key-value node configuration
type Config struct {
	Network       string       `yaml:"network"`
	Address       string       `yaml:"address"`        // peer or DNS seed, host[:port]
	ServerAddress string       `yaml:"server_address"` // inbound listener
	APIAddress    string       `yaml:"api_address"`    // HTTP API, empty disables
	TimeoutSecs   int          `yaml:"timeout_secs"`
	Version       int32        `yaml:"version"`
	LocalServices ServiceFlags `yaml:"node_network_limited"` // advertised in our version message
	PeerServices  ServiceFlags `yaml:"node_network"`         // required from outbound peers
	UserAgent     string       `yaml:"user_agent"`
	HeadersPath   string       `yaml:"headers_path"`
	BlocksPath    string       `yaml:"blocks_path"`
	WalletsPath   string       `yaml:"wallets_path"`
	InitialHeight int32        `yaml:"initial_height"`
	InitialTime   int64        `yaml:"initial_timestamp"`
	Threads       int          `yaml:"threads"`
	BlocksPerInv  int          `yaml:"blocks_per_inv"`
	PrintLogger   bool         `yaml:"print_logger"`
	LogLevel      string       `yaml:"log_level"`
	LogPath       string       `yaml:"log_path"`
	Retries       int          `yaml:"retries"`
	ServerMode    bool         `yaml:"server_mode"`
	MempoolSize   int          `yaml:"mempool_capacity"`
	PenaltyLimit  int          `yaml:"penalty_threshold"`
	Wallets       []WalletSeed `yaml:"wallets"`
}

// WalletSeed declares a wallet to create at startup if it does not exist
type WalletSeed struct {
	Name      string   `yaml:"name"`
	Addresses []string `yaml:"addresses"`
}

// ServiceFlags is a service bitmask written either as an integer or as a
// "0x" prefixed hex string.
type ServiceFlags uint64

// UnmarshalYAML accepts 1033, "1033" and "0x409".
func (s *ServiceFlags) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseServiceFlags(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = v
	return nil
}

func parseServiceFlags(raw string) (ServiceFlags, error) {
	raw = strings.TrimSpace(raw)
	base := 10
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		raw, base = raw[2:], 16
	}
	v, err := strconv.ParseUint(raw, base, 64)
	if err != nil {
		return 0, fmt.Errorf("service flags %q: %w", raw, err)
	}
	return ServiceFlags(v), nil
}

// Timeout is the per-connection network timeout
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		Network:       "testnet3",
		Address:       "seed.testnet.bitcoin.sprovoost.nl",
		ServerAddress: "0.0.0.0:18333",
		APIAddress:    "127.0.0.1:8080",
		TimeoutSecs:   10,
		Version:       70015,
		LocalServices: 0x400, // NODE_NETWORK_LIMITED
		PeerServices:  0x1,   // NODE_NETWORK
		UserAgent:     "/chainnode:0.1.0/",
		HeadersPath:   "./data/headers.bin",
		BlocksPath:    "./data/blocks",
		WalletsPath:   "./data/wallets",
		Threads:       8,
		BlocksPerInv:  16,
		PrintLogger:   true,
		LogLevel:      "info",
		Retries:       5,
		MempoolSize:   5000,
		PenaltyLimit:  100,
	}
}

// Load loads configuration from a YAML file and environment variables
func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from YAML file if it exists
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envBool(v string) bool {
	return v == "true" || v == "1"
}

func (c *Config) loadEnv() error {
	strs := map[string]*string{
		"NODE_NETWORK":        &c.Network,
		"NODE_ADDRESS":        &c.Address,
		"NODE_SERVER_ADDRESS": &c.ServerAddress,
		"NODE_API_ADDRESS":    &c.APIAddress,
		"NODE_USER_AGENT":     &c.UserAgent,
		"NODE_HEADERS_PATH":   &c.HeadersPath,
		"NODE_BLOCKS_PATH":    &c.BlocksPath,
		"NODE_WALLETS_PATH":   &c.WalletsPath,
		"NODE_LOG_LEVEL":      &c.LogLevel,
		"NODE_LOG_PATH":       &c.LogPath,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"NODE_TIMEOUT_SECS":      &c.TimeoutSecs,
		"NODE_THREADS":           &c.Threads,
		"NODE_BLOCKS_PER_INV":    &c.BlocksPerInv,
		"NODE_RETRIES":           &c.Retries,
		"NODE_MEMPOOL_CAPACITY":  &c.MempoolSize,
		"NODE_PENALTY_THRESHOLD": &c.PenaltyLimit,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, key, v)
			}
			*dst = n
		}
	}

	if v := os.Getenv("NODE_SERVER_MODE"); v != "" {
		c.ServerMode = envBool(v)
	}
	if v := os.Getenv("NODE_PRINT_LOGGER"); v != "" {
		c.PrintLogger = envBool(v)
	}
	if v := os.Getenv("NODE_INITIAL_HEIGHT"); v != "" {
		h, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: NODE_INITIAL_HEIGHT=%q", ErrInvalid, v)
		}
		c.InitialHeight = int32(h)
	}
	if v := os.Getenv("NODE_INITIAL_TIMESTAMP"); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: NODE_INITIAL_TIMESTAMP=%q", ErrInvalid, v)
		}
		c.InitialTime = ts
	}
	return nil
}

// Validate checks ranges and required keys
func (c *Config) Validate() error {
	var problems []string
	if c.Address == "" {
		problems = append(problems, "address is required")
	}
	if c.TimeoutSecs <= 0 {
		problems = append(problems, "timeout_secs must be positive")
	}
	if c.Threads <= 0 {
		problems = append(problems, "threads must be positive")
	}
	if c.BlocksPerInv <= 0 || c.BlocksPerInv > 50000 {
		problems = append(problems, "blocks_per_inv must be between 1 and 50000")
	}
	if c.Retries < 0 {
		problems = append(problems, "retries must not be negative")
	}
	if c.InitialHeight < 0 || c.InitialTime < 0 {
		problems = append(problems, "initial_height and initial_timestamp must not be negative")
	}
	if c.ServerMode {
		if c.MempoolSize <= 0 {
			problems = append(problems, "mempool_capacity must be positive in server mode")
		}
		if _, _, err := net.SplitHostPort(c.ServerAddress); err != nil {
			problems = append(problems, "server_address: "+err.Error())
		}
	}
	if c.HeadersPath == "" || c.BlocksPath == "" || c.WalletsPath == "" {
		problems = append(problems, "headers_path, blocks_path and wallets_path are required")
	}
	if _, err := semver.ParseUserAgent(c.UserAgent); err != nil {
		problems = append(problems, err.Error())
	}
	if c.PenaltyLimit <= 0 {
		problems = append(problems, "penalty_threshold must be positive")
	}
	seen := make(map[string]bool, len(c.Wallets))
	for _, w := range c.Wallets {
		if w.Name == "" || seen[w.Name] {
			problems = append(problems, fmt.Sprintf("wallet name %q is empty or duplicated", w.Name))
		}
		seen[w.Name] = true
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
