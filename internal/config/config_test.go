package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tyler-smith/go-bip39"

	"github.com/klingon-exchange/lnswap/internal/backend"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "lnswap-config-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestDefaultConfig(t *testing.T) {
	tests := []struct {
		network      NetworkType
		listen       string
		url          string
		timeout      uint32
		reverse      uint32
		confirmation int64
	}{
		{Mainnet, "127.0.0.1:9001", backend.DefaultURLs["BTC"][0], 144, 72, 1},
		{Testnet, "127.0.0.1:19001", backend.DefaultURLs["BTC"][1], 72, 36, 1},
		{Regtest, "127.0.0.1:19001", "http://127.0.0.1:3002/api", 72, 36, 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.network), func(t *testing.T) {
			cfg := DefaultConfig(tt.network)
			if cfg.Network != tt.network {
				t.Errorf("Network = %s, want %s", cfg.Network, tt.network)
			}
			if cfg.RPC.Listen != tt.listen {
				t.Errorf("RPC.Listen = %s, want %s", cfg.RPC.Listen, tt.listen)
			}
			btc := cfg.Currencies["BTC"]
			if btc == nil {
				t.Fatal("BTC currency missing")
			}
			if btc.Backend.URL != tt.url {
				t.Errorf("backend url = %s, want %s", btc.Backend.URL, tt.url)
			}
			if btc.RequiredConfirmations != tt.confirmation {
				t.Errorf("RequiredConfirmations = %d, want %d", btc.RequiredConfirmations, tt.confirmation)
			}
			if !btc.RejectsRBFZeroConf() {
				t.Error("RBF zero-conf should be rejected by default")
			}
			pair := cfg.Pairs["BTC/BTC"]
			if pair == nil {
				t.Fatal("BTC/BTC pair missing")
			}
			if pair.TimeoutDelta != tt.timeout || pair.ReverseTimeoutDelta != tt.reverse {
				t.Errorf("deltas = %d/%d, want %d/%d", pair.TimeoutDelta, pair.ReverseTimeoutDelta, tt.timeout, tt.reverse)
			}
			if cfg.LND.FeeLimitPPM != 5000 {
				t.Errorf("FeeLimitPPM = %d, want 5000", cfg.LND.FeeLimitPPM)
			}
		})
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	dir := tempDir(t)

	cfg, err := Load(dir, Testnet)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, ConfigFileName))
	if err != nil {
		t.Fatalf("config file was not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config mode = %v, want 0600", info.Mode().Perm())
	}
	if cfg.Storage.DataDir != dir {
		t.Errorf("DataDir = %s, want %s", cfg.Storage.DataDir, dir)
	}
	if !bip39.IsMnemonicValid(cfg.Wallet.Mnemonic) {
		t.Error("generated mnemonic is invalid")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}

	// A second load reads the written file back.
	again, err := Load(dir, Mainnet)
	if err != nil {
		t.Fatalf("second Load() error = %v", err)
	}
	if again.Network != Testnet {
		t.Errorf("Network = %s, want testnet from file", again.Network)
	}
	if again.Wallet.Mnemonic != cfg.Wallet.Mnemonic {
		t.Error("mnemonic changed between loads")
	}
	if again.LND.PaymentTimeout != time.Minute {
		t.Errorf("PaymentTimeout = %v, want 1m", again.LND.PaymentTimeout)
	}
	if again.LND.InvoiceExpiry != time.Hour {
		t.Errorf("InvoiceExpiry = %v, want 1h", again.LND.InvoiceExpiry)
	}
}

func TestLoadFileReadsExisting(t *testing.T) {
	dir := tempDir(t)

	custom := `network: regtest
rpc:
  listen: 127.0.0.1:7000
wallet:
  mnemonic: "` + testMnemonic + `"
lnd:
  host: lnd:10009
  tls_cert: /certs/tls.cert
  macaroon: /certs/admin.macaroon
  payment_timeout: 30s
  fee_limit_ppm: 1000
currencies:
  BTC:
    zero_conf_threshold: 50000
    reject_rbf_zero_conf: false
    poll_interval: 1s
  LTC:
    backend:
      type: esplora
      url: http://ltc:3000
    required_confirmations: 3
pairs:
  LTC/BTC:
    timeout_delta: 400
    prepay_miner_fee: true
`
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte(custom), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(path, Mainnet)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Network != Regtest {
		t.Errorf("Network = %s, want regtest", cfg.Network)
	}
	if cfg.RPC.Listen != "127.0.0.1:7000" {
		t.Errorf("RPC.Listen = %s", cfg.RPC.Listen)
	}
	if cfg.LND.Host != "lnd:10009" || cfg.LND.MacaroonPath != "/certs/admin.macaroon" {
		t.Errorf("unexpected lnd settings: %+v", cfg.LND.LNDConfig)
	}
	if cfg.LND.PaymentTimeout != 30*time.Second {
		t.Errorf("PaymentTimeout = %v, want 30s", cfg.LND.PaymentTimeout)
	}
	if cfg.LND.FeeLimitPPM != 1000 {
		t.Errorf("FeeLimitPPM = %d, want 1000", cfg.LND.FeeLimitPPM)
	}
	// Not in the file, so the default survives.
	if cfg.LND.InvoiceExpiry != time.Hour {
		t.Errorf("InvoiceExpiry = %v, want 1h", cfg.LND.InvoiceExpiry)
	}

	btc := cfg.Currencies["BTC"]
	if btc.ZeroConfThreshold != 50000 {
		t.Errorf("BTC threshold = %d, want 50000", btc.ZeroConfThreshold)
	}
	if btc.RejectsRBFZeroConf() {
		t.Error("BTC RBF policy should be overridden")
	}
	if btc.PollInterval != time.Second {
		t.Errorf("BTC PollInterval = %v, want 1s", btc.PollInterval)
	}
	if btc.Backend.URL != "http://127.0.0.1:3002/api" {
		t.Errorf("BTC backend url = %s, want regtest default", btc.Backend.URL)
	}
	if btc.RequiredConfirmations != 1 {
		t.Errorf("BTC confirmations = %d, want default 1", btc.RequiredConfirmations)
	}

	ltc := cfg.Currencies["LTC"]
	if ltc.Backend.Type != backend.TypeEsplora || ltc.Backend.URL != "http://ltc:3000" {
		t.Errorf("LTC backend = %+v", ltc.Backend)
	}
	if ltc.RequiredConfirmations != 3 {
		t.Errorf("LTC confirmations = %d, want 3", ltc.RequiredConfirmations)
	}
	if ltc.FeeRateFallback == 0 {
		t.Error("LTC fee fallback should be defaulted")
	}

	if len(cfg.Pairs) != 1 {
		t.Fatalf("pairs = %d, want only the configured one", len(cfg.Pairs))
	}
	pair := cfg.Pairs["LTC/BTC"]
	if pair.TimeoutDelta != 400 {
		t.Errorf("TimeoutDelta = %d, want 400", pair.TimeoutDelta)
	}
	if pair.ReverseTimeoutDelta != TestnetChainTimeouts["LTC"].ReverseBlocks {
		t.Errorf("ReverseTimeoutDelta = %d, want LTC default", pair.ReverseTimeoutDelta)
	}
	if !pair.PrepayMinerFee {
		t.Error("PrepayMinerFee should be set")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadFileRejectsGarbage(t *testing.T) {
	dir := tempDir(t)
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte("network: [unterminated"), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := LoadFile(path, Mainnet); err == nil {
		t.Error("expected parse error")
	}
	if _, err := LoadFile(filepath.Join(dir, "missing.yaml"), Mainnet); err == nil {
		t.Error("expected read error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"unknown network", func(c *Config) { c.Network = "moonnet" }, false},
		{"bad mnemonic", func(c *Config) { c.Wallet.Mnemonic = "not a mnemonic" }, false},
		{"no listen", func(c *Config) { c.RPC.Listen = "" }, false},
		{"no currencies", func(c *Config) { c.Currencies = nil }, false},
		{"unsupported currency", func(c *Config) {
			c.Currencies["DOGE"] = DefaultCurrency("DOGE", Mainnet)
		}, false},
		{"missing backend url", func(c *Config) { c.Currencies["BTC"].Backend.URL = "" }, false},
		{"zero confirmations", func(c *Config) { c.Currencies["BTC"].RequiredConfirmations = 0 }, false},
		{"malformed pair", func(c *Config) { c.Pairs["BTCBTC"] = DefaultPair("BTC", Mainnet) }, false},
		{"pair without currency", func(c *Config) { c.Pairs["LTC/DOGE"] = DefaultPair("LTC", Mainnet) }, false},
		{"zero delta", func(c *Config) { c.Pairs["BTC/BTC"].ReverseTimeoutDelta = 0 }, false},
		{"evm currency", func(c *Config) {
			c.Currencies["ETH"] = &CurrencyConfig{EVM: &EVMConfig{Contract: "0x628c677e7b8889e64564d3f381565a9e6656aade"}}
		}, true},
		{"evm without contract", func(c *Config) {
			c.Currencies["ETH"] = &CurrencyConfig{EVM: &EVMConfig{}}
		}, false},
		{"evm nil section", func(c *Config) {
			c.Currencies["ETH"] = &CurrencyConfig{}
		}, false},
		{"evm wrong chain id", func(c *Config) {
			c.Currencies["ETH"] = &CurrencyConfig{EVM: &EVMConfig{
				Contract: "0x628c677e7b8889e64564d3f381565a9e6656aade",
				ChainID:  11155111,
			}}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(Mainnet)
			cfg.Wallet.Mnemonic = testMnemonic
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() error = %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("error %v does not wrap ErrInvalidConfig", err)
				}
			}
		})
	}
}

func TestEVMContractAddress(t *testing.T) {
	tests := []struct {
		contract string
		ok       bool
	}{
		{"0x628c677e7b8889e64564d3f381565a9e6656aade", true},
		{"628c677e7b8889e64564d3f381565a9e6656aade", true},
		{"", false},
		{"0x1234", false},
		{"0x0000000000000000000000000000000000000000", false},
	}
	for _, tt := range tests {
		_, err := (&EVMConfig{Contract: tt.contract}).ContractAddress()
		if (err == nil) != tt.ok {
			t.Errorf("ContractAddress(%q) error = %v, want ok=%v", tt.contract, err, tt.ok)
		}
	}

	var nilCfg *EVMConfig
	if _, err := nilCfg.ContractAddress(); err == nil {
		t.Error("nil EVM config should not yield an address")
	}
}

func TestSaveWritesHeader(t *testing.T) {
	dir := tempDir(t)
	cfg := DefaultConfig(Testnet)
	cfg.Wallet.Mnemonic = testMnemonic

	path := filepath.Join(dir, "nested", "lnswap.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "# lnswapd configuration") {
		t.Error("config file missing header comment")
	}
	for _, want := range []string{"network: testnet", "payment_timeout: 1m0s", "timeout_delta: 72"} {
		if !strings.Contains(content, want) {
			t.Errorf("config file missing %q", want)
		}
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/.lnswap", filepath.Join(home, ".lnswap")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := ExpandPath(tt.input); got != tt.expected {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
	if got := ConfigPath("/tmp/test"); got != filepath.Join("/tmp/test", ConfigFileName) {
		t.Errorf("ConfigPath = %q", got)
	}
}
