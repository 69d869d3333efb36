// Package main provides the lnswapd daemon - submarine and reverse swaps
// between on-chain currencies and Lightning.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/klingon-exchange/lnswap/internal/config"
	"github.com/klingon-exchange/lnswap/internal/events"
	"github.com/klingon-exchange/lnswap/internal/keys"
	"github.com/klingon-exchange/lnswap/internal/lightning"
	"github.com/klingon-exchange/lnswap/internal/rpc"
	"github.com/klingon-exchange/lnswap/internal/storage"
	"github.com/klingon-exchange/lnswap/internal/swap"
	"github.com/klingon-exchange/lnswap/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.lnswap", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		rpcAddr     = flag.String("rpc", "", "JSON-RPC listen address, overrides config")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate data directory)")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Initial logger, replaced once the config is loaded.
	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("lnswapd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	network := config.Mainnet
	effectiveDataDir := *dataDir
	if *testnet {
		network = config.Testnet
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.LoadFile(*configFile, network)
	} else {
		cfg, err = config.Load(effectiveDataDir, network)
	}
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	if *rpcAddr != "" {
		cfg.RPC.Listen = *rpcAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *testnet {
		cfg.Network = config.Testnet
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = effectiveDataDir
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", config.ConfigPath(effectiveDataDir), "network", cfg.Network)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	chainNet, _ := cfg.Network.ChainNetwork()
	deriver, err := keys.NewFromMnemonic(cfg.Wallet.Mnemonic, "", chainNet)
	if err != nil {
		log.Fatal("Failed to load wallet seed", "error", err)
	}

	currencies, err := buildCurrencies(cfg, chainNet, store, deriver)
	if err != nil {
		log.Fatal("Failed to set up currencies", "error", err)
	}

	lnd, err := lightning.NewLND(&cfg.LND.LNDConfig)
	if err != nil {
		log.Fatal("Failed to configure lnd", "error", err)
	}
	defer lnd.Close()
	if err := connectLightning(ctx, lnd, log); err != nil {
		log.Fatal("Failed to connect to lnd", "error", err)
	}

	manager, err := swap.NewManager(&swap.Config{
		Store:          store,
		Keys:           deriver,
		Lightning:      lnd,
		Bus:            events.NewBus(),
		Currencies:     currencies,
		Pairs:          buildPairs(cfg),
		PaymentTimeout: cfg.LND.PaymentTimeout,
		FeeLimitPPM:    cfg.LND.FeeLimitPPM,
		InvoiceExpiry:  cfg.LND.InvoiceExpiry,
	})
	if err != nil {
		log.Fatal("Failed to create swap manager", "error", err)
	}
	if err := manager.Start(ctx); err != nil {
		log.Fatal("Failed to start swap manager", "error", err)
	}

	rpcServer := rpc.NewServer(manager)
	if err := rpcServer.Start(cfg.RPC.Listen); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	printBanner(log, cfg, currencies, rpcServer.Addr())

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, h := range manager.Health() {
					log.Info("Status", "currency", h.Currency, "height", h.Height, "healthy", h.Healthy)
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}
	manager.Stop()
	cancel()

	log.Info("Goodbye!")
}

// connectLightning retries the lnd connection with exponential backoff.
// The daemon cannot pay or issue invoices without it.
func connectLightning(ctx context.Context, lnd *lightning.LND, log *logging.Logger) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 5 * time.Minute

	return backoff.RetryNotify(func() error {
		return lnd.Connect(ctx)
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		log.Warn("lnd not reachable", "error", err, "retry_in", wait)
	})
}

func printBanner(log *logging.Logger, cfg *config.Config, currencies []*swap.Currency, rpcAddr string) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  lnswapd (%s)", cfg.Network)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	for _, c := range currencies {
		log.Infof("  %s wallet: %s", c.Symbol, c.Wallet.Address())
	}
	log.Infof("  Pairs: %d", len(cfg.Pairs))
	log.Info("")
	log.Infof("  API: http://%s", rpcAddr)
	log.Infof("  WS:  ws://%s/ws", rpcAddr)
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
