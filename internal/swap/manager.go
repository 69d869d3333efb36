// Package swap - Manager owns the live currencies and drives every swap
// through the state machine.
package swap

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/klingon-exchange/lnswap/internal/chain"
	"github.com/klingon-exchange/lnswap/internal/chainwatch"
	"github.com/klingon-exchange/lnswap/internal/events"
	"github.com/klingon-exchange/lnswap/internal/keys"
	"github.com/klingon-exchange/lnswap/internal/lightning"
	"github.com/klingon-exchange/lnswap/internal/storage"
	"github.com/klingon-exchange/lnswap/internal/txfactory"
	"github.com/klingon-exchange/lnswap/internal/wallet"
	"github.com/klingon-exchange/lnswap/pkg/logging"
)

var (
	ErrUnknownPair     = errors.New("unknown pair")
	ErrUnknownCurrency = errors.New("currency not configured")
	ErrInvalidRequest  = errors.New("invalid swap request")
	ErrAmountTooLow    = errors.New("amount too low")
	ErrInvoiceExpired  = errors.New("invoice expired")
	ErrNotRunning      = errors.New("manager not running")
)

// Repository is the persistence contract of the manager. *storage.Storage
// implements it.
type Repository interface {
	CreateSwap(s *storage.Swap) error
	GetSwap(id string) (*storage.Swap, error)
	GetNonTerminalSwaps() ([]*storage.Swap, error)
	GetSwapsPastTimeout(currency string, height uint32) ([]*storage.Swap, error)
	ListSwaps(limit int) ([]*storage.Swap, error)
	UpdateSwapStatus(id string, expected, next storage.SwapStatus, upd *storage.SwapUpdate) (bool, error)

	CreateReverseSwap(r *storage.ReverseSwap) error
	GetReverseSwap(id string) (*storage.ReverseSwap, error)
	GetNonTerminalReverseSwaps() ([]*storage.ReverseSwap, error)
	GetReverseSwapsPastTimeout(currency string, height uint32) ([]*storage.ReverseSwap, error)
	GetUnsettledClaimedReverseSwaps() ([]*storage.ReverseSwap, error)
	ListReverseSwaps(limit int) ([]*storage.ReverseSwap, error)
	UpdateReverseSwapStatus(id string, expected, next storage.SwapStatus, upd *storage.SwapUpdate) (bool, error)

	ReserveKeyIndex(currency string) (uint32, error)
	GetLastScannedHeight(currency string) (uint32, bool, error)
	SetLastScannedHeight(currency string, height uint32) error
	GetPairSettings(id string) (*storage.PairSettings, error)
	SavePairSettings(p *storage.PairSettings) error
	SwapStats() ([]storage.StatusCount, error)
}

var _ Repository = (*storage.Storage)(nil)

// ChainWatcher is what the manager needs from a chain. *chainwatch.Watcher
// implements it.
type ChainWatcher interface {
	Start(ctx context.Context)
	Events() <-chan chainwatch.Event
	Watch(address string)
	Unwatch(address string)
	Lookup(ctx context.Context, address string) (*chainwatch.Event, error)
	GetBlockHeight(ctx context.Context) (uint32, error)
	BroadcastTransaction(ctx context.Context, raw []byte) (string, error)
	FeeRate(ctx context.Context) uint64
	Healthy() bool
}

var _ ChainWatcher = (*chainwatch.Watcher)(nil)

// Funder is the service wallet of a currency. *wallet.Wallet implements it.
type Funder interface {
	Address() string
	FundLockup(ctx context.Context, htlc *txfactory.HTLC, script []byte, amount, feeRate uint64, b wallet.Broadcaster) (*txfactory.Tx, error)
}

var _ Funder = (*wallet.Wallet)(nil)

// Currency binds one on-chain currency to its live components. Built once at
// startup and owned by the manager.
type Currency struct {
	Symbol  string
	Params  *chain.Params
	Builder txfactory.Builder
	Watcher ChainWatcher
	Wallet  Funder

	ZeroConfThreshold     uint64
	RequiredConfirmations int64
	RejectRBFZeroConf     bool
}

func (c *Currency) policy() Policy {
	return Policy{
		ZeroConfThreshold:     c.ZeroConfThreshold,
		RequiredConfirmations: c.RequiredConfirmations,
		RejectRBFZeroConf:     c.RejectRBFZeroConf,
	}
}

// Pair is a tradable pair such as "BTC/BTC".
type Pair struct {
	ID                  string
	TimeoutDelta        uint32 // blocks, submarine swaps
	ReverseTimeoutDelta uint32 // blocks, reverse swaps
	PrepayMinerFee      bool
}

// chainCurrency returns the currency that moves on-chain for a swap of the
// given side.
func (p *Pair) chainCurrency(side string, reverse bool) (string, error) {
	base, quote, ok := strings.Cut(p.ID, "/")
	if !ok {
		return "", fmt.Errorf("%w: malformed pair %q", ErrUnknownPair, p.ID)
	}
	var buy bool
	switch side {
	case "buy":
		buy = true
	case "sell":
	default:
		return "", fmt.Errorf("%w: order side must be buy or sell", ErrInvalidRequest)
	}
	if reverse == buy {
		return base, nil
	}
	return quote, nil
}

// Config configures a Manager.
type Config struct {
	Store      Repository
	Keys       *keys.Deriver
	Lightning  lightning.Client
	Bus        *events.Bus
	Currencies []*Currency
	Pairs      []*Pair

	// DecodeInvoice defaults to lightning.DecodeInvoice.
	DecodeInvoice func(invoice string) (*lightning.Invoice, error)

	PaymentTimeout time.Duration
	FeeLimitPPM    uint64
	InvoiceExpiry  time.Duration
}

type swapRef struct {
	kind     storage.Kind
	id       string
	currency string
	prepay   bool
}

// Manager creates swaps and runs one event loop per currency.
type Manager struct {
	store    Repository
	deriver  *keys.Deriver
	alloc    *keys.Allocator
	ln       lightning.Client
	bus      *events.Bus
	decode   func(string) (*lightning.Invoice, error)
	pairs    map[string]*Pair
	payLimit time.Duration
	feePPM   uint64
	expiry   time.Duration
	log      *logging.Logger

	loops map[string]*currencyLoop

	mu        sync.RWMutex
	byAddress map[string]swapRef
	byHash    map[string]swapRef
	running   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager. Start must be called before swaps progress.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Keys == nil || cfg.Lightning == nil {
		return nil, errors.New("swap manager needs a store, a key deriver and a lightning client")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:     cfg.Store,
		deriver:   cfg.Keys,
		alloc:     keys.NewAllocator(cfg.Store, cfg.Keys),
		ln:        cfg.Lightning,
		bus:       cfg.Bus,
		decode:    cfg.DecodeInvoice,
		pairs:     make(map[string]*Pair),
		payLimit:  cfg.PaymentTimeout,
		feePPM:    cfg.FeeLimitPPM,
		expiry:    cfg.InvoiceExpiry,
		log:       logging.GetDefault().Component("swap"),
		loops:     make(map[string]*currencyLoop),
		byAddress: make(map[string]swapRef),
		byHash:    make(map[string]swapRef),
		ctx:       ctx,
		cancel:    cancel,
	}
	if m.decode == nil {
		m.decode = lightning.DecodeInvoice
	}
	if m.payLimit <= 0 {
		m.payLimit = time.Minute
	}
	if m.expiry <= 0 {
		m.expiry = time.Hour
	}
	if m.bus == nil {
		m.bus = events.NewBus()
	}

	for _, c := range cfg.Currencies {
		if c.Params == nil || c.Builder == nil || c.Watcher == nil || c.Wallet == nil {
			cancel()
			return nil, fmt.Errorf("currency %s is missing components", c.Symbol)
		}
		m.loops[c.Symbol] = newCurrencyLoop(m, c)
	}
	for _, p := range cfg.Pairs {
		m.pairs[p.ID] = p
	}
	return m, nil
}

// Start recovers persisted swaps, then starts the currency loops, the
// Lightning router and the chain watchers.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	if err := m.recover(ctx); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	for _, l := range m.loops {
		m.wg.Add(1)
		go func(l *currencyLoop) {
			defer m.wg.Done()
			l.run(m.ctx)
		}(l)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.routeInvoices(m.ctx)
	}()

	for _, l := range m.loops {
		l.cur.Watcher.Start(m.ctx)
	}

	m.log.Info("Swap manager started", "currencies", len(m.loops), "pairs", len(m.pairs))
	return nil
}

// Stop cancels the loops and waits for them to exit.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

// Bus returns the status event bus.
func (m *Manager) Bus() *events.Bus {
	return m.bus
}

// =========================================================================
// Swap index
// =========================================================================

func (m *Manager) track(address string, hashes map[string]swapRef, ref swapRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byAddress[address] = ref
	for h, r := range hashes {
		m.byHash[h] = r
	}
}

func (m *Manager) forget(address string, hashes ...[]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byAddress, address)
	for _, h := range hashes {
		delete(m.byHash, hex.EncodeToString(h))
	}
}

func (m *Manager) lookupAddress(address string) (swapRef, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.byAddress[address]
	return ref, ok
}

func (m *Manager) lookupHash(hash []byte) (swapRef, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.byHash[hex.EncodeToString(hash)]
	return ref, ok
}

// =========================================================================
// Queries
// =========================================================================

// GetSwap returns a submarine swap.
func (m *Manager) GetSwap(id string) (*storage.Swap, error) {
	return m.store.GetSwap(id)
}

// GetReverseSwap returns a reverse swap.
func (m *Manager) GetReverseSwap(id string) (*storage.ReverseSwap, error) {
	return m.store.GetReverseSwap(id)
}

// ListSwaps returns recent swaps of both kinds, newest first per kind.
func (m *Manager) ListSwaps(limit int) ([]*storage.Swap, []*storage.ReverseSwap, error) {
	swaps, err := m.store.ListSwaps(limit)
	if err != nil {
		return nil, nil, err
	}
	reverse, err := m.store.ListReverseSwaps(limit)
	if err != nil {
		return nil, nil, err
	}
	return swaps, reverse, nil
}

// Stats aggregates swap counts per kind and status.
func (m *Manager) Stats() ([]storage.StatusCount, error) {
	return m.store.SwapStats()
}

// DerivedKeys are the public keys of one swap index.
type DerivedKeys struct {
	Currency     string `json:"currency"`
	Index        uint32 `json:"index"`
	ClaimPubKey  string `json:"claim_pubkey"`
	RefundPubKey string `json:"refund_pubkey"`
	ClaimPath    string `json:"claim_path"`
	RefundPath   string `json:"refund_path"`
}

// DeriveKeys returns the public keys for a currency and index.
func (m *Manager) DeriveKeys(currency string, index uint32) (*DerivedKeys, error) {
	kp, err := m.deriver.Derive(currency, index)
	if err != nil {
		return nil, err
	}
	claimPath, err := m.deriver.Path(currency, keys.SwapAccount, keys.ClaimBranch, index)
	if err != nil {
		return nil, err
	}
	refundPath, err := m.deriver.Path(currency, keys.SwapAccount, keys.RefundBranch, index)
	if err != nil {
		return nil, err
	}
	return &DerivedKeys{
		Currency:     currency,
		Index:        index,
		ClaimPubKey:  hex.EncodeToString(kp.ClaimPublicKey()),
		RefundPubKey: hex.EncodeToString(kp.RefundPublicKey()),
		ClaimPath:    claimPath,
		RefundPath:   refundPath,
	}, nil
}

// SetPairTimeoutDelta persists new timeout deltas for a pair. Only swaps
// created afterwards use them.
func (m *Manager) SetPairTimeoutDelta(pairID string, delta, reverseDelta uint32) error {
	if _, ok := m.pairs[pairID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPair, pairID)
	}
	if delta == 0 || reverseDelta == 0 {
		return fmt.Errorf("%w: timeout deltas must be positive", ErrInvalidRequest)
	}
	if err := m.store.SavePairSettings(&storage.PairSettings{
		ID:                  pairID,
		TimeoutDelta:        delta,
		ReverseTimeoutDelta: reverseDelta,
	}); err != nil {
		return err
	}
	m.log.Info("Pair timeout updated", "pair", pairID, "delta", delta, "reverse_delta", reverseDelta)
	return nil
}

// timeoutDeltas returns the stored deltas of a pair, or its configured ones.
func (m *Manager) timeoutDeltas(p *Pair) (uint32, uint32, error) {
	settings, err := m.store.GetPairSettings(p.ID)
	if errors.Is(err, storage.ErrPairNotFound) {
		return p.TimeoutDelta, p.ReverseTimeoutDelta, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return settings.TimeoutDelta, settings.ReverseTimeoutDelta, nil
}

// CurrencyHealth is the state of one currency binding.
type CurrencyHealth struct {
	Currency string `json:"currency"`
	Healthy  bool   `json:"healthy"`
	Height   uint32 `json:"height"`
	Wallet   string `json:"wallet_address"`
}

// Health reports every currency, sorted by symbol.
func (m *Manager) Health() []CurrencyHealth {
	out := make([]CurrencyHealth, 0, len(m.loops))
	for _, sym := range sortedKeys(m.loops) {
		l := m.loops[sym]
		out = append(out, CurrencyHealth{
			Currency: sym,
			Healthy:  l.cur.Watcher.Healthy(),
			Height:   l.tip(),
			Wallet:   l.cur.Wallet.Address(),
		})
	}
	return out
}

// =========================================================================
// Events
// =========================================================================

func (m *Manager) publishSwap(s *storage.Swap) {
	payload := map[string]interface{}{
		"currency":       s.Currency,
		"lockup_address": s.LockupAddress,
	}
	if s.LockupTxID != "" {
		payload["lockup_txid"] = s.LockupTxID
	}
	if s.ClaimTxID != "" {
		payload["claim_txid"] = s.ClaimTxID
	}
	if s.RefundTxID != "" {
		payload["refund_txid"] = s.RefundTxID
	}
	if s.FailureReason != "" {
		payload["failure_reason"] = s.FailureReason
	}
	m.bus.Publish(events.Event{SwapID: s.ID, Kind: events.KindSubmarine, Status: string(s.Status), Payload: payload})
}

func (m *Manager) publishReverse(r *storage.ReverseSwap) {
	payload := map[string]interface{}{
		"currency":       r.Currency,
		"lockup_address": r.LockupAddress,
	}
	if r.LockupTxID != "" {
		payload["lockup_txid"] = r.LockupTxID
	}
	if r.ClaimTxID != "" {
		payload["claim_txid"] = r.ClaimTxID
	}
	if r.RefundTxID != "" {
		payload["refund_txid"] = r.RefundTxID
	}
	if r.FailureReason != "" {
		payload["failure_reason"] = r.FailureReason
	}
	m.bus.Publish(events.Event{SwapID: r.ID, Kind: events.KindReverse, Status: string(r.Status), Payload: payload})
}
