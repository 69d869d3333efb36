// Package chainwatch turns polling of a chain indexer into an ordered stream
// of block and address events.
package chainwatch

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/cenkalti/backoff/v4"

	"github.com/klingon-exchange/lnswap/internal/backend"
	"github.com/klingon-exchange/lnswap/pkg/logging"
)

// HeightStore persists the last height emitted as NewBlock.
type HeightStore interface {
	GetLastScannedHeight(currency string) (uint32, bool, error)
	SetLastScannedHeight(currency string, height uint32) error
}

// Config configures a Watcher.
type Config struct {
	Currency        string
	Backend         backend.Backend
	Store           HeightStore
	PollInterval    time.Duration
	FallbackFeeRate uint64 // sat/vB when the backend has no estimate
	EventBuffer     int
}

type txSnapshot struct {
	confirmations int64
}

type addressState struct {
	funding map[string]txSnapshot // txid -> last seen state
	spends  map[string]bool       // spending txid -> reported
}

// Watcher polls one chain and diffs address histories between polls.
type Watcher struct {
	currency string
	backend  backend.Backend
	store    HeightStore
	interval time.Duration
	fallback uint64
	log      *logging.Logger

	events chan Event

	mu      sync.Mutex
	watched map[string]*addressState
	tip     int64
	healthy bool
	lastErr error
}

// New creates a watcher. Start must be called to begin polling.
func New(cfg *Config) *Watcher {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	buf := cfg.EventBuffer
	if buf <= 0 {
		buf = 1024
	}
	return &Watcher{
		currency: cfg.Currency,
		backend:  cfg.Backend,
		store:    cfg.Store,
		interval: interval,
		fallback: cfg.FallbackFeeRate,
		log:      logging.GetDefault().Component("chainwatch").With("currency", cfg.Currency),
		events:   make(chan Event, buf),
		watched:  make(map[string]*addressState),
	}
}

// Events returns the bounded event channel. It has a single consumer.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Watch starts tracking address. Transactions already paying it are
// reported as TxSeen on the next poll.
func (w *Watcher) Watch(address string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watched[address]; !ok {
		w.watched[address] = &addressState{
			funding: make(map[string]txSnapshot),
			spends:  make(map[string]bool),
		}
	}
}

// Unwatch stops tracking address.
func (w *Watcher) Unwatch(address string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watched, address)
}

// Watching reports whether address is tracked.
func (w *Watcher) Watching(address string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watched[address]
	return ok
}

// Healthy reports whether the last poll succeeded.
func (w *Watcher) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.healthy
}

// Status returns the last known tip and the last poll error, if any.
func (w *Watcher) Status() (tip int64, lastErr error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tip, w.lastErr
}

// Start polls until ctx is cancelled. Failed polls back off exponentially.
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 2 * time.Minute
	bo.MaxElapsedTime = 0

	for {
		wait := w.interval
		if err := w.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = bo.NextBackOff()
			w.log.Warn("Poll failed", "error", err, "retry_in", wait)
		} else {
			bo.Reset()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Poll runs one poll-and-diff round: address events first, then new blocks.
func (w *Watcher) Poll(ctx context.Context) error {
	err := w.poll(ctx)
	w.mu.Lock()
	w.healthy = err == nil
	w.lastErr = err
	w.mu.Unlock()
	return err
}

func (w *Watcher) poll(ctx context.Context) error {
	tip, err := w.backend.GetBlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("get tip: %w", err)
	}
	w.mu.Lock()
	w.tip = tip
	addresses := make([]string, 0, len(w.watched))
	for addr := range w.watched {
		addresses = append(addresses, addr)
	}
	w.mu.Unlock()

	for _, addr := range addresses {
		if err := w.pollAddress(ctx, addr, tip); err != nil {
			return fmt.Errorf("address %s: %w", addr, err)
		}
	}

	return w.emitBlocks(ctx, tip)
}

func (w *Watcher) emitBlocks(ctx context.Context, tip int64) error {
	last, ok, err := w.store.GetLastScannedHeight(w.currency)
	if err != nil {
		return fmt.Errorf("load scanned height: %w", err)
	}
	from := int64(last) + 1
	if !ok {
		from = tip
	}
	if tip < int64(last) {
		// Shorter chain after a reorg or a different backend: restart from its tip.
		w.log.Warn("Tip below scanned height", "tip", tip, "scanned", last)
		from = tip
	}

	for h := from; h <= tip; h++ {
		if err := w.emit(ctx, Event{Type: NewBlock, Currency: w.currency, Height: uint32(h)}); err != nil {
			return err
		}
		if err := w.store.SetLastScannedHeight(w.currency, uint32(h)); err != nil {
			return fmt.Errorf("persist scanned height: %w", err)
		}
	}
	return nil
}

func (w *Watcher) pollAddress(ctx context.Context, addr string, tip int64) error {
	txs, err := w.backend.GetAddressTxs(ctx, addr)
	if err != nil && !errors.Is(err, backend.ErrNotFound) {
		return err
	}

	w.mu.Lock()
	state, ok := w.watched[addr]
	w.mu.Unlock()
	if !ok {
		return nil
	}

	var pending []Event
	current := make(map[string]bool, len(txs))
	spendsNow := make(map[string]bool)

	for i := range txs {
		tx := &txs[i]
		confs := confirmationsAt(tx, tip)

		if vout, value, pays := tx.FindOutput(addr); pays {
			current[tx.TxID] = true
			ev := Event{
				Currency:      w.currency,
				Height:        uint32(tip),
				Address:       addr,
				TxID:          tx.TxID,
				Vout:          vout,
				Amount:        value,
				Confirmations: confs,
				RBF:           tx.SignalsRBF(),
			}
			prev, seen := state.funding[tx.TxID]
			switch {
			case !seen:
				ev.Type = TxSeen
				pending = append(pending, ev)
			case confs > prev.confirmations:
				ev.Type = TxConfirmed
				pending = append(pending, ev)
			case confs == 0 && prev.confirmations > 0:
				ev.Type = TxUnconfirmed
				pending = append(pending, ev)
			}
			state.funding[tx.TxID] = txSnapshot{confirmations: confs}
		}

		for _, in := range tx.Inputs {
			if in.PrevOut == nil || in.PrevOut.ScriptPubKeyAddr != addr {
				continue
			}
			spendsNow[tx.TxID] = true
			if state.spends[tx.TxID] {
				continue
			}
			state.spends[tx.TxID] = true
			pending = append(pending, Event{
				Type:          OutputSpent,
				Currency:      w.currency,
				Height:        uint32(tip),
				Address:       addr,
				TxID:          tx.TxID,
				Confirmations: confs,
				SpentTxID:     in.TxID,
				SpentVout:     in.Vout,
				Witness:       in.Witness,
			})
		}
	}

	for txid, snap := range state.funding {
		if current[txid] {
			continue
		}
		delete(state.funding, txid)
		pending = append(pending, Event{
			Type:          TxDropped,
			Currency:      w.currency,
			Height:        uint32(tip),
			Address:       addr,
			TxID:          txid,
			Confirmations: snap.confirmations,
		})
	}
	for txid := range state.spends {
		if !spendsNow[txid] {
			delete(state.spends, txid)
		}
	}

	for _, ev := range pending {
		if err := w.emit(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) emit(ctx context.Context, ev Event) error {
	select {
	case w.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func confirmationsAt(tx *backend.Transaction, tip int64) int64 {
	if !tx.Confirmed || tx.BlockHeight <= 0 {
		return 0
	}
	if tip < tx.BlockHeight {
		return 1
	}
	return tip - tx.BlockHeight + 1
}

// GetTransaction fetches a transaction from the backend.
func (w *Watcher) GetTransaction(ctx context.Context, txID string) (*backend.Transaction, error) {
	return w.backend.GetTransaction(ctx, txID)
}

// Lookup returns a TxSeen event for the first transaction paying address,
// or nil when there is none. It queries the backend directly and does not
// touch the poll snapshots.
func (w *Watcher) Lookup(ctx context.Context, address string) (*Event, error) {
	tip, err := w.backend.GetBlockHeight(ctx)
	if err != nil {
		return nil, err
	}
	txs, err := w.backend.GetAddressTxs(ctx, address)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	for i := range txs {
		tx := &txs[i]
		if vout, value, ok := tx.FindOutput(address); ok {
			return &Event{
				Type:          TxSeen,
				Currency:      w.currency,
				Height:        uint32(tip),
				Address:       address,
				TxID:          tx.TxID,
				Vout:          vout,
				Amount:        value,
				Confirmations: confirmationsAt(tx, tip),
				RBF:           tx.SignalsRBF(),
			}, nil
		}
	}
	return nil, nil
}

// Confirmations returns the depth of txID, zero while in mempool.
func (w *Watcher) Confirmations(ctx context.Context, txID string) (int64, error) {
	tx, err := w.backend.GetTransaction(ctx, txID)
	if err != nil {
		return 0, err
	}
	return tx.Confirmations, nil
}

// GetBlockHeight returns the current tip from the backend.
func (w *Watcher) GetBlockHeight(ctx context.Context) (uint32, error) {
	tip, err := w.backend.GetBlockHeight(ctx)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	w.tip = tip
	w.mu.Unlock()
	return uint32(tip), nil
}

// BroadcastTransaction publishes raw and returns its txid. A transaction the
// node already knows counts as broadcast, so rebroadcasting is idempotent.
func (w *Watcher) BroadcastTransaction(ctx context.Context, raw []byte) (string, error) {
	txid, err := w.backend.BroadcastTransaction(ctx, hex.EncodeToString(raw))
	if err == nil {
		return txid, nil
	}
	if alreadyKnown(err) {
		var tx wire.MsgTx
		if derr := tx.Deserialize(bytes.NewReader(raw)); derr == nil {
			w.log.Debug("Transaction already known", "txid", tx.TxHash().String())
			return tx.TxHash().String(), nil
		}
	}
	return "", err
}

func alreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already in block chain") ||
		strings.Contains(msg, "txn-already-in-mempool") ||
		strings.Contains(msg, "txn-already-known") ||
		strings.Contains(msg, "transaction already exists")
}

// FeeRate returns the half-hour fee estimate in sat/vB, or the configured
// fallback when the backend has none.
func (w *Watcher) FeeRate(ctx context.Context) uint64 {
	fees, err := w.backend.GetFeeEstimates(ctx)
	if err != nil || fees.HalfHourFee == 0 {
		if err != nil {
			w.log.Debug("Fee estimate unavailable, using fallback", "error", err)
		}
		if w.fallback == 0 {
			return 1
		}
		return w.fallback
	}
	return fees.HalfHourFee
}
