package main

import (
	"os"
	"testing"

	"github.com/klingon-exchange/lnswap/internal/chain"
	"github.com/klingon-exchange/lnswap/internal/config"
	"github.com/klingon-exchange/lnswap/internal/keys"
	"github.com/klingon-exchange/lnswap/internal/storage"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestBuildCurrencies(t *testing.T) {
	dir, err := os.MkdirTemp("", "lnswapd-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	store, err := storage.New(&storage.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	defer store.Close()

	deriver, err := keys.NewFromMnemonic(testMnemonic, "", chain.Regtest)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}

	cfg := config.DefaultConfig(config.Regtest)
	cfg.Currencies["LTC"] = config.DefaultCurrency("LTC", config.Regtest)
	cfg.Currencies["ETH"] = &config.CurrencyConfig{
		EVM: &config.EVMConfig{Contract: "0x628c677e7b8889e64564d3f381565a9e6656aade"},
	}

	currencies, err := buildCurrencies(cfg, chain.Regtest, store, deriver)
	if err != nil {
		t.Fatalf("buildCurrencies() error = %v", err)
	}
	if len(currencies) != 2 {
		t.Fatalf("currencies = %d, want BTC and LTC only", len(currencies))
	}
	if currencies[0].Symbol != "BTC" || currencies[1].Symbol != "LTC" {
		t.Errorf("symbols = %s, %s", currencies[0].Symbol, currencies[1].Symbol)
	}
	for _, c := range currencies {
		if c.Wallet.Address() == "" {
			t.Errorf("%s wallet has no address", c.Symbol)
		}
		if !c.RejectRBFZeroConf {
			t.Errorf("%s should reject RBF zero-conf by default", c.Symbol)
		}
	}

	cfg.Currencies["ETH"].EVM.Contract = ""
	if _, err := buildCurrencies(cfg, chain.Regtest, store, deriver); err == nil {
		t.Error("expected error for an EVM currency without contract")
	}
}

func TestBuildPairs(t *testing.T) {
	cfg := config.DefaultConfig(config.Mainnet)
	cfg.Pairs["LTC/BTC"] = &config.PairConfig{TimeoutDelta: 576, ReverseTimeoutDelta: 288, PrepayMinerFee: true}

	pairs := buildPairs(cfg)
	if len(pairs) != 2 {
		t.Fatalf("pairs = %d, want 2", len(pairs))
	}
	if pairs[0].ID != "BTC/BTC" || pairs[1].ID != "LTC/BTC" {
		t.Errorf("pairs not sorted: %s, %s", pairs[0].ID, pairs[1].ID)
	}
	if pairs[0].TimeoutDelta != 144 || pairs[0].ReverseTimeoutDelta != 72 {
		t.Errorf("BTC/BTC deltas = %d/%d", pairs[0].TimeoutDelta, pairs[0].ReverseTimeoutDelta)
	}
	if !pairs[1].PrepayMinerFee {
		t.Error("LTC/BTC should prepay the miner fee")
	}
}
