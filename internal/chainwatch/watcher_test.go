package chainwatch

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/lnswap/internal/backend"
)

type fakeBackend struct {
	mu      sync.Mutex
	tip     int64
	txs     map[string][]backend.Transaction
	fees    *backend.FeeEstimate
	down    bool
	bcastFn func(raw string) (string, error)
}

func newFakeBackend(tip int64) *fakeBackend {
	return &fakeBackend{tip: tip, txs: make(map[string][]backend.Transaction)}
}

func (f *fakeBackend) setTxs(addr string, txs ...backend.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[addr] = txs
}

func (f *fakeBackend) Type() backend.Type                { return backend.TypeMempool }
func (f *fakeBackend) Connect(ctx context.Context) error { return nil }
func (f *fakeBackend) Close() error                      { return nil }
func (f *fakeBackend) IsConnected() bool                 { return true }
func (f *fakeBackend) GetAddressUTXOs(ctx context.Context, a string) ([]backend.UTXO, error) {
	return nil, nil
}
func (f *fakeBackend) GetAddressTxs(ctx context.Context, a string) ([]backend.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, backend.ErrBackendUnavailable
	}
	return append([]backend.Transaction(nil), f.txs[a]...), nil
}
func (f *fakeBackend) GetTransaction(ctx context.Context, id string) (*backend.Transaction, error) {
	return nil, backend.ErrTxNotFound
}
func (f *fakeBackend) GetRawTransaction(ctx context.Context, id string) ([]byte, error) {
	return nil, backend.ErrTxNotFound
}
func (f *fakeBackend) BroadcastTransaction(ctx context.Context, raw string) (string, error) {
	return f.bcastFn(raw)
}
func (f *fakeBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return 0, backend.ErrBackendUnavailable
	}
	return f.tip, nil
}
func (f *fakeBackend) GetFeeEstimates(ctx context.Context) (*backend.FeeEstimate, error) {
	if f.fees == nil {
		return nil, backend.ErrBackendUnavailable
	}
	return f.fees, nil
}

type memHeights struct {
	mu sync.Mutex
	m  map[string]uint32
}

func (s *memHeights) GetLastScannedHeight(c string) (uint32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.m[c]
	return h, ok, nil
}

func (s *memHeights) SetLastScannedHeight(c string, h uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[c] = h
	return nil
}

func newTestWatcher(fb *fakeBackend) (*Watcher, *memHeights) {
	store := &memHeights{m: make(map[string]uint32)}
	return New(&Config{Currency: "BTC", Backend: fb, Store: store, FallbackFeeRate: 3}), store
}

func drain(w *Watcher) []Event {
	var out []Event
	for {
		select {
		case ev := <-w.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func fundingTx(txid, addr string, value uint64, height int64, seq uint32) backend.Transaction {
	return backend.Transaction{
		TxID:        txid,
		Confirmed:   height > 0,
		BlockHeight: height,
		Inputs:      []backend.TxInput{{TxID: "funding-parent", Sequence: seq}},
		Outputs:     []backend.TxOutput{{ScriptPubKeyAddr: "bcrt1qchange", Value: 1}, {ScriptPubKeyAddr: addr, Value: value}},
	}
}

func TestNewBlocksInOrder(t *testing.T) {
	fb := newFakeBackend(100)
	w, store := newTestWatcher(fb)
	ctx := context.Background()

	// First poll without history starts at the tip.
	if err := w.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	evs := drain(w)
	if len(evs) != 1 || evs[0].Type != NewBlock || evs[0].Height != 100 {
		t.Fatalf("first poll events = %+v", evs)
	}

	fb.mu.Lock()
	fb.tip = 103
	fb.mu.Unlock()
	w.Poll(ctx)

	evs = drain(w)
	if len(evs) != 3 {
		t.Fatalf("got %d events, want 3", len(evs))
	}
	for i, ev := range evs {
		if ev.Type != NewBlock || ev.Height != uint32(101+i) {
			t.Errorf("event %d = %s@%d", i, ev.Type, ev.Height)
		}
	}
	if h, _, _ := store.GetLastScannedHeight("BTC"); h != 103 {
		t.Errorf("last scanned = %d, want 103", h)
	}

	// Nothing new: nothing emitted.
	w.Poll(ctx)
	if evs := drain(w); len(evs) != 0 {
		t.Errorf("idle poll emitted %d events", len(evs))
	}
}

func TestReplayFromPersistedHeight(t *testing.T) {
	fb := newFakeBackend(105)
	w, store := newTestWatcher(fb)
	store.SetLastScannedHeight("BTC", 102)

	w.Poll(context.Background())
	evs := drain(w)
	if len(evs) != 3 || evs[0].Height != 103 || evs[2].Height != 105 {
		t.Errorf("replayed events = %+v", evs)
	}
}

func TestAddressLifecycle(t *testing.T) {
	const addr = "bcrt1qlockup"
	fb := newFakeBackend(100)
	w, _ := newTestWatcher(fb)
	ctx := context.Background()
	w.Watch(addr)

	// Mempool sighting with RBF signalling.
	fb.setTxs(addr, fundingTx("lock1", addr, 100000, 0, 0xfffffffd))
	w.Poll(ctx)
	evs := filter(drain(w), TxSeen)
	if len(evs) != 1 {
		t.Fatalf("TxSeen events = %d, want 1", len(evs))
	}
	if ev := evs[0]; ev.TxID != "lock1" || ev.Vout != 1 || ev.Amount != 100000 || ev.Confirmations != 0 || !ev.RBF {
		t.Errorf("TxSeen = %+v", ev)
	}

	// Same state: no duplicates.
	w.Poll(ctx)
	if evs := drain(w); len(filter(evs, TxSeen, TxConfirmed)) != 0 {
		t.Errorf("unchanged poll emitted %+v", evs)
	}

	// Mined at 101.
	fb.mu.Lock()
	fb.tip = 101
	fb.mu.Unlock()
	fb.setTxs(addr, fundingTx("lock1", addr, 100000, 101, 0xfffffffd))
	w.Poll(ctx)
	evs = filter(drain(w), TxConfirmed)
	if len(evs) != 1 || evs[0].Confirmations != 1 {
		t.Fatalf("TxConfirmed = %+v", evs)
	}

	// Reorged back into mempool.
	fb.setTxs(addr, fundingTx("lock1", addr, 100000, 0, 0xfffffffd))
	w.Poll(ctx)
	if evs := filter(drain(w), TxUnconfirmed); len(evs) != 1 {
		t.Fatalf("TxUnconfirmed events = %d, want 1", len(evs))
	}

	// Evicted.
	fb.setTxs(addr)
	w.Poll(ctx)
	evs = filter(drain(w), TxDropped)
	if len(evs) != 1 || evs[0].TxID != "lock1" {
		t.Fatalf("TxDropped = %+v", evs)
	}
}

func TestOutputSpent(t *testing.T) {
	const addr = "bcrt1qlockup"
	fb := newFakeBackend(100)
	w, _ := newTestWatcher(fb)
	w.Watch(addr)

	claim := backend.Transaction{
		TxID: "claim1",
		Inputs: []backend.TxInput{{
			TxID:    "lock1",
			Vout:    1,
			Witness: []string{"30440220", "aa", "01", "63a8"},
			PrevOut: &backend.TxOutput{ScriptPubKeyAddr: addr, Value: 100000},
		}},
		Outputs: []backend.TxOutput{{ScriptPubKeyAddr: "bcrt1qclient", Value: 99000}},
	}
	fb.setTxs(addr, claim, fundingTx("lock1", addr, 100000, 100, 0xffffffff))

	w.Poll(context.Background())
	evs := filter(drain(w), OutputSpent)
	if len(evs) != 1 {
		t.Fatalf("OutputSpent events = %d, want 1", len(evs))
	}
	ev := evs[0]
	if ev.TxID != "claim1" || ev.SpentTxID != "lock1" || ev.SpentVout != 1 || len(ev.Witness) != 4 {
		t.Errorf("OutputSpent = %+v", ev)
	}

	w.Poll(context.Background())
	if evs := filter(drain(w), OutputSpent); len(evs) != 0 {
		t.Error("spend reported twice")
	}
}

func TestUnwatch(t *testing.T) {
	const addr = "bcrt1qgone"
	fb := newFakeBackend(100)
	w, _ := newTestWatcher(fb)
	w.Watch(addr)
	w.Unwatch(addr)
	fb.setTxs(addr, fundingTx("x", addr, 1000, 0, 0xffffffff))

	w.Poll(context.Background())
	if evs := filter(drain(w), TxSeen); len(evs) != 0 {
		t.Error("unwatched address produced events")
	}
	if w.Watching(addr) {
		t.Error("Watching() after Unwatch")
	}
}

func TestHealthAndFeeRate(t *testing.T) {
	fb := newFakeBackend(100)
	w, _ := newTestWatcher(fb)
	ctx := context.Background()

	fb.down = true
	if err := w.Poll(ctx); !errors.Is(err, backend.ErrBackendUnavailable) {
		t.Errorf("Poll() error = %v, want ErrBackendUnavailable", err)
	}
	if w.Healthy() {
		t.Error("watcher should be degraded")
	}
	fb.down = false
	w.Poll(ctx)
	if !w.Healthy() {
		t.Error("watcher should recover")
	}

	if got := w.FeeRate(ctx); got != 3 {
		t.Errorf("FeeRate() fallback = %d, want 3", got)
	}
	fb.fees = &backend.FeeEstimate{HalfHourFee: 12}
	if got := w.FeeRate(ctx); got != 12 {
		t.Errorf("FeeRate() = %d, want 12", got)
	}
}

func TestStartStops(t *testing.T) {
	fb := newFakeBackend(100)
	store := &memHeights{m: make(map[string]uint32)}
	w := New(&Config{Currency: "BTC", Backend: fb, Store: store, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	select {
	case ev := <-w.Events():
		if ev.Type != NewBlock {
			t.Errorf("first event = %s", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event from running watcher")
	}
	cancel()
}

func TestBroadcastAlreadyKnown(t *testing.T) {
	fb := newFakeBackend(100)
	w, _ := newTestWatcher(fb)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 1}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	var buf bytes.Buffer
	tx.Serialize(&buf)
	raw := buf.Bytes()

	fb.bcastFn = func(string) (string, error) {
		return "", errors.New("broadcast failed: sendrawtransaction RPC error: txn-already-in-mempool")
	}
	txid, err := w.BroadcastTransaction(context.Background(), raw)
	if err != nil || txid != tx.TxHash().String() {
		t.Errorf("BroadcastTransaction() = %q, %v, want %s", txid, err, tx.TxHash())
	}

	fb.bcastFn = func(string) (string, error) { return "", backend.ErrBroadcastFailed }
	if _, err := w.BroadcastTransaction(context.Background(), raw); !errors.Is(err, backend.ErrBroadcastFailed) {
		t.Errorf("BroadcastTransaction() error = %v", err)
	}
}

func filter(evs []Event, types ...EventType) []Event {
	var out []Event
	for _, ev := range evs {
		for _, t := range types {
			if ev.Type == t {
				out = append(out, ev)
			}
		}
	}
	return out
}

func TestLookup(t *testing.T) {
	const addr = "bcrt1qlookup"
	fb := newFakeBackend(110)
	w, _ := newTestWatcher(fb)
	ctx := context.Background()

	ev, err := w.Lookup(ctx, addr)
	if err != nil || ev != nil {
		t.Fatalf("Lookup(empty) = %+v, %v", ev, err)
	}

	fb.setTxs(addr, fundingTx("lock9", addr, 5000, 109, 0xffffffff))
	ev, err = w.Lookup(ctx, addr)
	if err != nil || ev == nil {
		t.Fatalf("Lookup() = %+v, %v", ev, err)
	}
	if ev.TxID != "lock9" || ev.Vout != 1 || ev.Amount != 5000 || ev.Confirmations != 2 {
		t.Errorf("Lookup() = %+v", ev)
	}
	if w.Watching(addr) {
		t.Error("Lookup must not start watching")
	}
}
