package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/klingon-exchange/lnswap/internal/backend"
	"github.com/klingon-exchange/lnswap/internal/chain"
	"github.com/klingon-exchange/lnswap/internal/chainwatch"
	"github.com/klingon-exchange/lnswap/internal/config"
	"github.com/klingon-exchange/lnswap/internal/keys"
	"github.com/klingon-exchange/lnswap/internal/storage"
	"github.com/klingon-exchange/lnswap/internal/swap"
	"github.com/klingon-exchange/lnswap/internal/txfactory"
	"github.com/klingon-exchange/lnswap/internal/wallet"
	"github.com/klingon-exchange/lnswap/pkg/logging"
)

// buildCurrencies binds every configured UTXO currency to its backend,
// watcher, wallet and transaction builder.
func buildCurrencies(cfg *config.Config, network chain.Network, store *storage.Storage, deriver *keys.Deriver) ([]*swap.Currency, error) {
	log := logging.GetDefault().Component("setup")

	var out []*swap.Currency
	for _, symbol := range cfg.CurrencySymbols() {
		cc := cfg.Currencies[symbol]
		params, ok := chain.Get(symbol, network)
		if !ok {
			return nil, fmt.Errorf("currency %s is not supported on %s", symbol, network)
		}

		if params.Type == chain.ChainTypeEVM {
			// The builder validates the contract; there is no account
			// ledger watcher to drive swaps with.
			if cc.EVM == nil {
				return nil, fmt.Errorf("%s: missing evm section", symbol)
			}
			if _, err := txfactory.ForChain(params, &txfactory.EVMOptions{Contract: cc.EVM.Contract}); err != nil {
				return nil, fmt.Errorf("%s: %w", symbol, err)
			}
			log.Warn("Account ledger currency configured without a chain watcher, skipping", "currency", symbol)
			continue
		}

		builder, err := txfactory.ForChain(params, nil)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", symbol, err)
		}
		be, err := backend.New(&cc.Backend)
		if err != nil {
			return nil, fmt.Errorf("%s backend: %w", symbol, err)
		}
		watcher := chainwatch.New(&chainwatch.Config{
			Currency:        symbol,
			Backend:         be,
			Store:           store,
			PollInterval:    cc.PollInterval,
			FallbackFeeRate: cc.FeeRateFallback,
		})
		w, err := wallet.New(&wallet.Config{
			Params:    params,
			Keys:      deriver,
			UTXOs:     be,
			Addresses: cfg.Wallet.Addresses,
		})
		if err != nil {
			return nil, fmt.Errorf("%s wallet: %w", symbol, err)
		}

		log.Info("Currency configured", "currency", symbol, "backend", cc.Backend.URL,
			"confirmations", cc.RequiredConfirmations, "zero_conf_threshold", cc.ZeroConfThreshold)
		out = append(out, &swap.Currency{
			Symbol:                symbol,
			Params:                params,
			Builder:               builder,
			Watcher:               watcher,
			Wallet:                w,
			ZeroConfThreshold:     cc.ZeroConfThreshold,
			RequiredConfirmations: cc.RequiredConfirmations,
			RejectRBFZeroConf:     cc.RejectsRBFZeroConf(),
		})
	}
	if len(out) == 0 {
		return nil, errors.New("no UTXO currency configured")
	}
	return out, nil
}

func buildPairs(cfg *config.Config) []*swap.Pair {
	ids := make([]string, 0, len(cfg.Pairs))
	for id := range cfg.Pairs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	pairs := make([]*swap.Pair, 0, len(ids))
	for _, id := range ids {
		p := cfg.Pairs[id]
		pairs = append(pairs, &swap.Pair{
			ID:                  id,
			TimeoutDelta:        p.TimeoutDelta,
			ReverseTimeoutDelta: p.ReverseTimeoutDelta,
			PrepayMinerFee:      p.PrepayMinerFee,
		})
	}
	return pairs
}
