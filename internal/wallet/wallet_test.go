package wallet

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/lnswap/internal/backend"
	"github.com/klingon-exchange/lnswap/internal/chain"
	"github.com/klingon-exchange/lnswap/internal/keys"
	"github.com/klingon-exchange/lnswap/internal/txfactory"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

type fakeUTXOs struct {
	mu    sync.Mutex
	utxos map[string][]backend.UTXO
}

func (f *fakeUTXOs) GetAddressUTXOs(ctx context.Context, address string) ([]backend.UTXO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.UTXO(nil), f.utxos[address]...), nil
}

type fakeBroadcaster struct {
	mu  sync.Mutex
	txs [][]byte
	err error
}

func (f *fakeBroadcaster) BroadcastTransaction(ctx context.Context, raw []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.txs = append(f.txs, raw)
	tx, err := txfactory.DecodeTx(raw)
	if err != nil {
		return "", err
	}
	return tx.TxHash().String(), nil
}

func txid(c byte) string {
	return strings.Repeat(string([]byte{c}), 64)
}

func newTestWallet(t *testing.T, utxos ...backend.UTXO) (*Wallet, *fakeUTXOs) {
	t.Helper()
	params, _ := chain.Get("BTC", chain.Regtest)
	deriver, err := keys.NewFromMnemonic(testMnemonic, "", chain.Regtest)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	src := &fakeUTXOs{utxos: make(map[string][]backend.UTXO)}
	w, err := New(&Config{Params: params, Keys: deriver, UTXOs: src})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	src.utxos[w.Address()] = utxos
	return w, src
}

func testHTLC(t *testing.T) (*txfactory.HTLC, []byte) {
	t.Helper()
	claim, _ := btcec.NewPrivateKey()
	refund, _ := btcec.NewPrivateKey()
	hash := sha256.Sum256([]byte("preimage"))
	h := &txfactory.HTLC{
		PreimageHash:  hash[:],
		ClaimPubKey:   claim.PubKey().SerializeCompressed(),
		RefundPubKey:  refund.PubKey().SerializeCompressed(),
		TimeoutHeight: 500,
	}
	script, err := txfactory.BuildScript(h)
	if err != nil {
		t.Fatalf("BuildScript() error = %v", err)
	}
	return h, script
}

func TestWalletAddress(t *testing.T) {
	w, _ := newTestWallet(t)
	if !strings.HasPrefix(w.Address(), "bcrt1q") {
		t.Errorf("Address() = %s, want bcrt1q prefix", w.Address())
	}
	if len(w.Addresses()) != 1 {
		t.Errorf("Addresses() = %v", w.Addresses())
	}

	params, _ := chain.Get("ETH", chain.Regtest)
	if _, err := New(&Config{Params: params}); !errors.Is(err, txfactory.ErrUnsupportedChain) {
		t.Errorf("New(ETH) error = %v, want ErrUnsupportedChain", err)
	}
}

func TestFundLockup(t *testing.T) {
	w, _ := newTestWallet(t,
		backend.UTXO{TxID: txid('a'), Vout: 0, Amount: 60000, Confirmations: 3},
		backend.UTXO{TxID: txid('b'), Vout: 1, Amount: 80000, Confirmations: 1},
		backend.UTXO{TxID: txid('c'), Vout: 0, Amount: 500000, Confirmations: 0},
	)
	h, script := testHTLC(t)
	bc := &fakeBroadcaster{}
	ctx := context.Background()

	tx, err := w.FundLockup(ctx, h, script, 100000, 2, bc)
	if err != nil {
		t.Fatalf("FundLockup() error = %v", err)
	}

	decoded, _ := txfactory.DecodeTx(tx.Raw)
	if len(decoded.TxIn) != 2 {
		t.Fatalf("inputs = %d, want 2 (unconfirmed foreign output skipped)", len(decoded.TxIn))
	}
	if decoded.TxIn[0].PreviousOutPoint.Hash.String() != txid('b') {
		t.Errorf("largest output should be selected first, got %s", decoded.TxIn[0].PreviousOutPoint.Hash)
	}
	if !bytes.Equal(decoded.TxOut[0].PkScript, txfactory.P2WSHScriptPubKey(script)) || decoded.TxOut[0].Value != 100000 {
		t.Errorf("HTLC output = %d %x", decoded.TxOut[0].Value, decoded.TxOut[0].PkScript)
	}
	wantFee := txfactory.LockupFee(2, 2)
	if change := decoded.TxOut[1].Value; uint64(change) != 140000-100000-wantFee {
		t.Errorf("change = %d, want %d", change, 140000-100000-wantFee)
	}
	if len(bc.txs) != 1 {
		t.Errorf("broadcasts = %d, want 1", len(bc.txs))
	}

	// The same outputs are reserved now.
	if _, err := w.FundLockup(ctx, h, script, 10000, 2, bc); !errors.Is(err, txfactory.ErrInsufficientFunds) {
		t.Errorf("second FundLockup() error = %v, want ErrInsufficientFunds", err)
	}
}

func TestFundLockupUsesOwnChange(t *testing.T) {
	w, src := newTestWallet(t, backend.UTXO{TxID: txid('a'), Vout: 0, Amount: 300000, Confirmations: 2})
	h, script := testHTLC(t)
	bc := &fakeBroadcaster{}
	ctx := context.Background()

	first, err := w.FundLockup(ctx, h, script, 100000, 1, bc)
	if err != nil {
		t.Fatalf("FundLockup() error = %v", err)
	}

	// Backend now shows the spent output gone and our unconfirmed change.
	decoded, _ := txfactory.DecodeTx(first.Raw)
	src.mu.Lock()
	src.utxos[w.Address()] = []backend.UTXO{{TxID: first.TxID, Vout: 1, Amount: uint64(decoded.TxOut[1].Value)}}
	src.mu.Unlock()

	second, err := w.FundLockup(ctx, h, script, 50000, 1, bc)
	if err != nil {
		t.Fatalf("FundLockup() from change error = %v", err)
	}
	d2, _ := txfactory.DecodeTx(second.Raw)
	if d2.TxIn[0].PreviousOutPoint.Hash.String() != first.TxID {
		t.Errorf("second lockup should spend change of %s", first.TxID)
	}

	confirmed, unconfirmed, err := w.Balance(ctx)
	if err != nil || confirmed != 0 || unconfirmed != 0 {
		t.Errorf("Balance() = %d, %d, %v; everything is reserved", confirmed, unconfirmed, err)
	}
}

func TestFundLockupBroadcastFailureKeepsOutputs(t *testing.T) {
	w, _ := newTestWallet(t, backend.UTXO{TxID: txid('a'), Amount: 300000, Confirmations: 2})
	h, script := testHTLC(t)
	ctx := context.Background()

	bc := &fakeBroadcaster{err: backend.ErrBackendUnavailable}
	if _, err := w.FundLockup(ctx, h, script, 100000, 1, bc); !errors.Is(err, backend.ErrBackendUnavailable) {
		t.Fatalf("FundLockup() error = %v", err)
	}

	bc.err = nil
	if _, err := w.FundLockup(ctx, h, script, 100000, 1, bc); err != nil {
		t.Errorf("retry after failed broadcast error = %v", err)
	}
}

func TestSelectInputs(t *testing.T) {
	c := func(amount uint64) candidate {
		return candidate{UTXO: backend.UTXO{Amount: amount, Confirmations: 1}}
	}

	tests := []struct {
		name    string
		utxos   []candidate
		amount  uint64
		want    int
		wantErr bool
	}{
		{"single large", []candidate{c(1000), c(200000)}, 100000, 1, false},
		{"two needed", []candidate{c(60000), c(60000)}, 100000, 2, false},
		{"fee tips over", []candidate{c(100100)}, 100000, 0, true},
		{"empty", nil, 1000, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := selectInputs(tt.utxos, tt.amount, 1)
			if tt.wantErr {
				if !errors.Is(err, txfactory.ErrInsufficientFunds) {
					t.Errorf("error = %v, want ErrInsufficientFunds", err)
				}
				return
			}
			if err != nil || len(got) != tt.want {
				t.Errorf("selectInputs() = %d inputs, %v; want %d", len(got), err, tt.want)
			}
		})
	}
}
