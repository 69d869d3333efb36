// Package config loads the lnswapd configuration.
// Every tunable of the daemon (networks, backends, confirmation policy,
// pair timeouts) is read from <data-dir>/config.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tyler-smith/go-bip39"
	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/lnswap/internal/backend"
	"github.com/klingon-exchange/lnswap/internal/chain"
	"github.com/klingon-exchange/lnswap/internal/keys"
	"github.com/klingon-exchange/lnswap/internal/lightning"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

var ErrInvalidConfig = errors.New("invalid config")

// =============================================================================
// Network Types
// =============================================================================

// NetworkType selects the chain parameters of every currency.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
	Regtest NetworkType = "regtest"
)

// ChainNetwork converts to the chain registry's network.
func (n NetworkType) ChainNetwork() (chain.Network, error) {
	return chain.ParseNetwork(string(n))
}

// =============================================================================
// Sections
// =============================================================================

// Config holds all configuration for the daemon.
type Config struct {
	Network NetworkType   `yaml:"network"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	RPC     RPCConfig     `yaml:"rpc"`
	Wallet  WalletConfig  `yaml:"wallet"`
	LND     LNDConfig     `yaml:"lnd"`

	// Currencies is keyed by symbol, e.g. "BTC".
	Currencies map[string]*CurrencyConfig `yaml:"currencies"`
	// Pairs is keyed by pair id, e.g. "BTC/BTC".
	Pairs map[string]*PairConfig `yaml:"pairs"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory of the database.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
	// Format is text, json or logfmt.
	Format string `yaml:"format"`
}

// RPCConfig holds the JSON-RPC server settings.
type RPCConfig struct {
	Listen string `yaml:"listen"`
}

// WalletConfig holds the seed of every swap and wallet key.
type WalletConfig struct {
	Mnemonic string `yaml:"mnemonic"`
	// Addresses is the number of receive addresses the wallet spends from.
	Addresses uint32 `yaml:"addresses"`
}

// LNDConfig extends the connection settings with payment policy.
type LNDConfig struct {
	lightning.LNDConfig `yaml:",inline"`

	// FeeLimitPPM caps routing fees relative to the invoice amount.
	FeeLimitPPM uint64 `yaml:"fee_limit_ppm"`
	// InvoiceExpiry is the expiry of reverse swap hold invoices.
	InvoiceExpiry time.Duration `yaml:"invoice_expiry"`
}

// CurrencyConfig binds a currency to its chain backend and acceptance policy.
type CurrencyConfig struct {
	Backend backend.Config `yaml:"backend"`

	// ZeroConfThreshold is the largest lockup, in sat, paid out unconfirmed.
	ZeroConfThreshold     uint64 `yaml:"zero_conf_threshold"`
	RequiredConfirmations int64  `yaml:"required_confirmations"`
	// RejectRBFZeroConf defaults to true.
	RejectRBFZeroConf *bool `yaml:"reject_rbf_zero_conf,omitempty"`

	// FeeRateFallback is used in sat/vB when the backend has no estimate.
	FeeRateFallback uint64        `yaml:"fee_rate_fallback"`
	PollInterval    time.Duration `yaml:"poll_interval"`

	EVM *EVMConfig `yaml:"evm,omitempty"`
}

// RejectsRBFZeroConf reports the effective RBF policy.
func (c *CurrencyConfig) RejectsRBFZeroConf() bool {
	return c.RejectRBFZeroConf == nil || *c.RejectRBFZeroConf
}

// PairConfig holds per-pair swap parameters. Timeout deltas set through RPC
// take precedence once stored.
type PairConfig struct {
	TimeoutDelta        uint32 `yaml:"timeout_delta"`
	ReverseTimeoutDelta uint32 `yaml:"reverse_timeout_delta"`
	PrepayMinerFee      bool   `yaml:"prepay_miner_fee"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a Config for network with sensible defaults.
func DefaultConfig(network NetworkType) *Config {
	rpcListen := "127.0.0.1:9001"
	if network != Mainnet {
		rpcListen = "127.0.0.1:19001"
	}

	cfg := &Config{
		Network: network,
		Storage: StorageConfig{DataDir: "~/.lnswap"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		RPC:     RPCConfig{Listen: rpcListen},
		Wallet:  WalletConfig{Addresses: 1},
		LND: LNDConfig{
			LNDConfig: lightning.LNDConfig{
				Host:           "127.0.0.1:10009",
				TLSCertPath:    "~/.lnd/tls.cert",
				PaymentTimeout: time.Minute,
			},
			FeeLimitPPM:   5000,
			InvoiceExpiry: time.Hour,
		},
		Currencies: map[string]*CurrencyConfig{
			"BTC": DefaultCurrency("BTC", network),
		},
		Pairs: map[string]*PairConfig{
			"BTC/BTC": DefaultPair("BTC", network),
		},
	}
	return cfg
}

// DefaultCurrency returns the defaults of a UTXO currency.
func DefaultCurrency(symbol string, network NetworkType) *CurrencyConfig {
	c := &CurrencyConfig{
		Backend:         backend.Config{Type: backend.TypeMempool, Timeout: 30 * time.Second},
		FeeRateFallback: 2,
		PollInterval:    15 * time.Second,
	}
	if urls, ok := backend.DefaultURLs[symbol]; ok {
		switch network {
		case Mainnet:
			c.Backend.URL = urls[0]
		case Testnet:
			c.Backend.URL = urls[1]
		}
	}
	if network == Regtest {
		c.Backend.URL = "http://127.0.0.1:3002/api"
		c.Backend.Type = backend.TypeEsplora
		c.PollInterval = 2 * time.Second
	}

	timeouts, ok := chainTimeout(symbol, network)
	if !ok {
		timeouts = ChainTimeouts["BTC"]
	}
	c.RequiredConfirmations = int64(timeouts.MinConfirmations)
	c.ZeroConfThreshold = timeouts.ZeroConfThreshold
	return c
}

// DefaultPair returns the defaults of a pair whose on-chain side is symbol.
func DefaultPair(symbol string, network NetworkType) *PairConfig {
	timeouts, ok := chainTimeout(symbol, network)
	if !ok {
		timeouts = ChainTimeouts["BTC"]
	}
	return &PairConfig{
		TimeoutDelta:        timeouts.SwapBlocks,
		ReverseTimeoutDelta: timeouts.ReverseBlocks,
	}
}

// ChainTimeoutConfig holds chain-specific timeout parameters, in blocks.
type ChainTimeoutConfig struct {
	// SwapBlocks is the lockup timeout of submarine swaps.
	SwapBlocks uint32
	// ReverseBlocks is the lockup timeout of reverse swaps. It bounds how
	// long the client's Lightning payment stays held.
	ReverseBlocks uint32

	MinConfirmations  uint32
	ZeroConfThreshold uint64 // sat
}

// ChainTimeouts are the mainnet defaults per currency.
var ChainTimeouts = map[string]ChainTimeoutConfig{
	"BTC": {
		SwapBlocks:       144, // ~24 hours at 10 min/block
		ReverseBlocks:    72,  // ~12 hours
		MinConfirmations: 1,
	},
	"LTC": {
		SwapBlocks:        576, // ~24 hours at 2.5 min/block
		ReverseBlocks:     288,
		MinConfirmations:  2,
		ZeroConfThreshold: 1_000_000,
	},
}

// TestnetChainTimeouts keep test swaps short.
var TestnetChainTimeouts = map[string]ChainTimeoutConfig{
	"BTC": {
		SwapBlocks:        72,
		ReverseBlocks:     36,
		MinConfirmations:  1,
		ZeroConfThreshold: 100_000,
	},
	"LTC": {
		SwapBlocks:        288,
		ReverseBlocks:     144,
		MinConfirmations:  1,
		ZeroConfThreshold: 1_000_000,
	},
}

func chainTimeout(symbol string, network NetworkType) (ChainTimeoutConfig, bool) {
	if network == Mainnet {
		cfg, ok := ChainTimeouts[symbol]
		return cfg, ok
	}
	cfg, ok := TestnetChainTimeouts[symbol]
	return cfg, ok
}

// =============================================================================
// Loading
// =============================================================================

// Load reads <dataDir>/config.yaml. If the file doesn't exist, a default
// config with a fresh mnemonic is written first.
func Load(dataDir string, network NetworkType) (*Config, error) {
	path := ConfigPath(dataDir)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig(network)
		cfg.Storage.DataDir = dataDir
		mnemonic, err := keys.GenerateMnemonic()
		if err != nil {
			return nil, err
		}
		cfg.Wallet.Mnemonic = mnemonic

		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	return LoadFile(path, network)
}

// LoadFile reads a config file. Fields missing from the file keep the
// defaults of network, or of the network the file names.
func LoadFile(path string, network NetworkType) (*Config, error) {
	data, err := os.ReadFile(expandPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var probe struct {
		Network NetworkType `yaml:"network"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if probe.Network != "" {
		network = probe.Network
	}

	cfg := DefaultConfig(network)
	// Maps from the file replace the defaults rather than merging into them.
	cfg.Currencies = nil
	cfg.Pairs = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills zero fields of currencies and pairs.
func (c *Config) applyDefaults() {
	if len(c.Currencies) == 0 {
		c.Currencies = map[string]*CurrencyConfig{"BTC": DefaultCurrency("BTC", c.Network)}
	}
	for symbol, cur := range c.Currencies {
		if cur == nil {
			c.Currencies[symbol] = DefaultCurrency(symbol, c.Network)
			continue
		}
		if cur.EVM != nil {
			continue
		}
		def := DefaultCurrency(symbol, c.Network)
		if cur.Backend.URL == "" {
			cur.Backend = def.Backend
		}
		if cur.RequiredConfirmations == 0 {
			cur.RequiredConfirmations = def.RequiredConfirmations
		}
		if cur.FeeRateFallback == 0 {
			cur.FeeRateFallback = def.FeeRateFallback
		}
		if cur.PollInterval == 0 {
			cur.PollInterval = def.PollInterval
		}
	}

	if len(c.Pairs) == 0 {
		c.Pairs = map[string]*PairConfig{"BTC/BTC": DefaultPair("BTC", c.Network)}
	}
	for id, p := range c.Pairs {
		base, _, _ := strings.Cut(id, "/")
		def := DefaultPair(base, c.Network)
		if p == nil {
			c.Pairs[id] = def
			continue
		}
		if p.TimeoutDelta == 0 {
			p.TimeoutDelta = def.TimeoutDelta
		}
		if p.ReverseTimeoutDelta == 0 {
			p.ReverseTimeoutDelta = def.ReverseTimeoutDelta
		}
	}
	if c.Wallet.Addresses == 0 {
		c.Wallet.Addresses = 1
	}
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	network, err := c.Network.ChainNetwork()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !bip39.IsMnemonicValid(c.Wallet.Mnemonic) {
		return fmt.Errorf("%w: wallet.mnemonic is not a valid BIP39 mnemonic", ErrInvalidConfig)
	}
	if c.RPC.Listen == "" {
		return fmt.Errorf("%w: rpc.listen is empty", ErrInvalidConfig)
	}
	if len(c.Currencies) == 0 {
		return fmt.Errorf("%w: no currencies configured", ErrInvalidConfig)
	}

	for _, symbol := range c.CurrencySymbols() {
		cur := c.Currencies[symbol]
		params, ok := chain.Get(symbol, network)
		if !ok {
			return fmt.Errorf("%w: currency %s is not supported on %s", ErrInvalidConfig, symbol, c.Network)
		}
		switch params.Type {
		case chain.ChainTypeEVM:
			if err := cur.EVM.validate(params); err != nil {
				return fmt.Errorf("%w: currency %s: %v", ErrInvalidConfig, symbol, err)
			}
		default:
			if cur.Backend.URL == "" {
				return fmt.Errorf("%w: currency %s has no backend url", ErrInvalidConfig, symbol)
			}
			if cur.RequiredConfirmations < 1 {
				return fmt.Errorf("%w: currency %s needs at least one confirmation", ErrInvalidConfig, symbol)
			}
		}
	}

	for id, p := range c.Pairs {
		base, quote, ok := strings.Cut(id, "/")
		if !ok || base == "" || quote == "" {
			return fmt.Errorf("%w: malformed pair %q", ErrInvalidConfig, id)
		}
		if _, ok := c.Currencies[base]; !ok {
			if _, ok := c.Currencies[quote]; !ok {
				return fmt.Errorf("%w: pair %s has no configured currency", ErrInvalidConfig, id)
			}
		}
		if p.TimeoutDelta == 0 || p.ReverseTimeoutDelta == 0 {
			return fmt.Errorf("%w: pair %s needs positive timeout deltas", ErrInvalidConfig, id)
		}
	}
	return nil
}

// CurrencySymbols returns the configured currencies, sorted.
func (c *Config) CurrencySymbols() []string {
	out := make([]string, 0, len(c.Currencies))
	for symbol := range c.Currencies {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	path = expandPath(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# lnswapd configuration\n# Generated automatically on first run. Keep the mnemonic secret:\n# it derives every swap and wallet key.\n\n")
	data = append(header, data...)

	// The file holds the mnemonic.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(path string) string {
	return expandPath(path)
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
