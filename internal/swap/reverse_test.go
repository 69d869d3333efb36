package swap

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/lnswap/internal/chainwatch"
	"github.com/klingon-exchange/lnswap/internal/lightning"
	"github.com/klingon-exchange/lnswap/internal/storage"
	"github.com/klingon-exchange/lnswap/internal/txfactory"
)

func createReverse(t *testing.T, env *testEnv, hash []byte) *storage.ReverseSwap {
	t.Helper()
	client, _ := btcec.NewPrivateKey()
	r, err := env.m.CreateReverseSwap(context.Background(), &CreateReverseSwapRequest{
		PairID:        "BTC/BTC",
		OrderSide:     "buy",
		InvoiceAmount: 100000,
		ClaimPubKey:   client.PubKey().SerializeCompressed(),
		PreimageHash:  hash,
	})
	if err != nil {
		t.Fatalf("CreateReverseSwap() error = %v", err)
	}
	return r
}

// clientClaim is the spend a client publishes to claim the lockup.
func clientClaim(r *storage.ReverseSwap, preimage []byte) chainwatch.Event {
	witness := txfactory.ClaimWitness(bytes.Repeat([]byte{0x30}, 71), preimage, r.RedeemScript)
	items := make([]string, len(witness))
	for i, w := range witness {
		items[i] = hex.EncodeToString(w)
	}
	return chainwatch.Event{
		Type:      chainwatch.OutputSpent,
		Currency:  "BTC",
		Address:   r.LockupAddress,
		TxID:      lockupTxID('9'),
		SpentTxID: r.LockupTxID,
		SpentVout: r.LockupVout,
		Witness:   items,
		Height:    startHeight + 2,
	}
}

func TestReverseSwapClaimSettlesInvoice(t *testing.T) {
	env := newTestEnv(t, envOptions{funds: 500000})
	rec := recordStatuses(env.m.Bus())

	r := createReverse(t, env, testHash[:])
	wantOnchain := uint64(100000) - txfactory.LockupFee(1, 1)
	if r.OnchainAmount != wantOnchain {
		t.Errorf("OnchainAmount = %d, want %d", r.OnchainAmount, wantOnchain)
	}
	if r.InvoiceAmount != 100000 {
		t.Errorf("InvoiceAmount = %d, want 100000", r.InvoiceAmount)
	}
	if r.TimeoutHeight != startHeight+reverseDelta {
		t.Errorf("TimeoutHeight = %d", r.TimeoutHeight)
	}
	if r.Preimage != nil {
		t.Error("client supplied the hash; the preimage must stay unknown")
	}
	if state, _ := env.ln.State(testHash[:]); state != lightning.InvoiceOpen {
		t.Fatalf("hold invoice state = %s", state)
	}

	env.deliverInvoices()
	if n := len(env.watcher.txs(t)); n != 0 {
		t.Fatalf("locked up %d times before the invoice was paid", n)
	}

	if err := env.ln.ClientPays(r.Invoice); err != nil {
		t.Fatalf("ClientPays() error = %v", err)
	}
	env.deliverInvoices()

	got := env.reverse(t, r.ID)
	if got.Status != storage.StatusLockupMempool {
		t.Fatalf("status after accept = %s (%s)", got.Status, got.FailureReason)
	}
	txs := env.watcher.txs(t)
	if len(txs) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(txs))
	}
	lockup := txs[0]
	if got.LockupTxID != lockup.txid {
		t.Errorf("LockupTxID = %s, want %s", got.LockupTxID, lockup.txid)
	}
	out := lockup.TxOut[got.LockupVout]
	if uint64(out.Value) != wantOnchain || !bytes.Equal(out.PkScript, txfactory.P2WSHScriptPubKey(r.RedeemScript)) {
		t.Errorf("lockup output = %d %x", out.Value, out.PkScript)
	}

	env.chain(chainwatch.Event{Type: chainwatch.TxConfirmed, Address: r.LockupAddress, TxID: got.LockupTxID, Vout: got.LockupVout, Amount: wantOnchain, Confirmations: 1, Height: startHeight + 1})
	if got = env.reverse(t, r.ID); got.Status != storage.StatusLockupConfirmed {
		t.Fatalf("status after confirmation = %s", got.Status)
	}

	env.chain(clientClaim(got, testPreimage))

	got = env.reverse(t, r.ID)
	if got.Status != storage.StatusClaimed {
		t.Fatalf("status after client claim = %s", got.Status)
	}
	if !bytes.Equal(got.Preimage, testPreimage) || got.ClaimTxID != lockupTxID('9') {
		t.Errorf("claim fields = %x %s", got.Preimage, got.ClaimTxID)
	}
	if !got.InvoiceSettled {
		t.Error("invoice_settled not recorded")
	}
	if state, _ := env.ln.State(testHash[:]); state != lightning.InvoiceSettled {
		t.Errorf("hold invoice state = %s, want settled", state)
	}
	if env.watcher.Watching(r.LockupAddress) {
		t.Error("claimed reverse swap is still watched")
	}

	want := []string{"swap.created", "transaction.mempool", "transaction.confirmed", "transaction.claimed"}
	if statuses := rec.stop(r.ID); !equalStrings(statuses, want) {
		t.Errorf("published statuses = %v, want %v", statuses, want)
	}
}

func TestReverseSwapRefundAtTimeout(t *testing.T) {
	env := newTestEnv(t, envOptions{funds: 500000})

	r := createReverse(t, env, testHash[:])
	env.ln.ClientPays(r.Invoice)
	env.deliverInvoices()

	locked := env.reverse(t, r.ID)
	if locked.Status != storage.StatusLockupMempool {
		t.Fatalf("status = %s", locked.Status)
	}

	env.block(r.TimeoutHeight - 1)
	if n := len(env.watcher.txs(t)); n != 1 {
		t.Fatalf("broadcasts before timeout = %d, want 1", n)
	}

	env.block(r.TimeoutHeight)

	got := env.reverse(t, r.ID)
	if got.Status != storage.StatusRefunded {
		t.Fatalf("status at timeout = %s", got.Status)
	}
	txs := env.watcher.txs(t)
	if len(txs) != 2 {
		t.Fatalf("broadcasts = %d, want 2", len(txs))
	}
	refund := txs[1]
	if refund.LockTime != r.TimeoutHeight {
		t.Errorf("refund locktime = %d, want %d", refund.LockTime, r.TimeoutHeight)
	}
	if in := refund.TxIn[0].PreviousOutPoint; in.Hash.String() != locked.LockupTxID || in.Index != locked.LockupVout {
		t.Errorf("refund spends %s:%d", in.Hash, in.Index)
	}
	if got.RefundTxID != refund.txid {
		t.Errorf("RefundTxID = %s, want %s", got.RefundTxID, refund.txid)
	}
	if state, _ := env.ln.State(testHash[:]); state != lightning.InvoiceCanceled {
		t.Errorf("hold invoice state = %s, want canceled", state)
	}
}

func TestReverseSwapExpiresUnpaid(t *testing.T) {
	env := newTestEnv(t, envOptions{funds: 500000})

	r := createReverse(t, env, testHash[:])
	env.block(r.TimeoutHeight)

	got := env.reverse(t, r.ID)
	if got.Status != storage.StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	if n := len(env.watcher.txs(t)); n != 0 {
		t.Errorf("broadcasts = %d, want 0", n)
	}
	if state, _ := env.ln.State(testHash[:]); state != lightning.InvoiceCanceled {
		t.Errorf("hold invoice state = %s, want canceled", state)
	}
}

func TestReverseSwapFundingFailure(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	r := createReverse(t, env, testHash[:])
	env.ln.ClientPays(r.Invoice)
	env.deliverInvoices()

	got := env.reverse(t, r.ID)
	if got.Status != storage.StatusLockupFailed || got.FailureReason == "" {
		t.Fatalf("status = %s, reason = %q", got.Status, got.FailureReason)
	}
	if state, _ := env.ln.State(testHash[:]); state != lightning.InvoiceCanceled {
		t.Errorf("hold invoice state = %s, want canceled", state)
	}

	env.block(r.TimeoutHeight)
	if got := env.reverse(t, r.ID); got.Status != storage.StatusExpired {
		t.Errorf("status at timeout = %s, want expired", got.Status)
	}
}

func TestReverseSwapPrepay(t *testing.T) {
	env := newTestEnv(t, envOptions{funds: 500000, prepay: true})

	r := createReverse(t, env, testHash[:])
	minerFee := txfactory.LockupFee(1, 1)
	if r.MinerFeeInvoice == "" || r.MinerFeeAmount != minerFee {
		t.Fatalf("prepay invoice = %q, amount %d", r.MinerFeeInvoice, r.MinerFeeAmount)
	}
	if r.InvoiceAmount != r.OnchainAmount {
		t.Errorf("hold amount = %d, want the on-chain amount %d", r.InvoiceAmount, r.OnchainAmount)
	}

	env.ln.ClientPays(r.Invoice)
	env.deliverInvoices()
	if got := env.reverse(t, r.ID); got.Status != storage.StatusCreated {
		t.Fatalf("locked up before the miner fee was paid: %s", got.Status)
	}
	if n := len(env.watcher.txs(t)); n != 0 {
		t.Fatalf("broadcasts = %d, want 0", n)
	}

	env.ln.ClientPays(r.MinerFeeInvoice)
	env.deliverInvoices()

	got := env.reverse(t, r.ID)
	if got.Status != storage.StatusLockupMempool || !got.MinerFeePaid {
		t.Fatalf("status after prepay = %s, paid = %v", got.Status, got.MinerFeePaid)
	}
	if n := len(env.watcher.txs(t)); n != 1 {
		t.Errorf("broadcasts = %d, want 1", n)
	}
}

func TestReverseSwapPrepayExpiryCancelsBothInvoices(t *testing.T) {
	env := newTestEnv(t, envOptions{funds: 500000, prepay: true})

	r := createReverse(t, env, testHash[:])
	env.block(r.TimeoutHeight)

	if got := env.reverse(t, r.ID); got.Status != storage.StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	feeHash := sha256.Sum256(r.MinerFeePreimage)
	for name, hash := range map[string][]byte{"hold": testHash[:], "prepay": feeHash[:]} {
		if state, _ := env.ln.State(hash); state != lightning.InvoiceCanceled {
			t.Errorf("%s invoice state = %s, want canceled", name, state)
		}
	}
}

func TestReverseSwapAdoptsExistingLockup(t *testing.T) {
	env := newTestEnv(t, envOptions{funds: 500000})

	r := createReverse(t, env, testHash[:])
	env.watcher.existing[r.LockupAddress] = &chainwatch.Event{
		Type:          chainwatch.TxSeen,
		Address:       r.LockupAddress,
		TxID:          lockupTxID('7'),
		Vout:          0,
		Amount:        r.OnchainAmount,
		Confirmations: 2,
	}

	env.ln.ClientPays(r.Invoice)
	env.deliverInvoices()

	got := env.reverse(t, r.ID)
	if got.Status != storage.StatusLockupConfirmed || got.LockupTxID != lockupTxID('7') {
		t.Errorf("status = %s, lockup = %s", got.Status, got.LockupTxID)
	}
	if n := len(env.watcher.txs(t)); n != 0 {
		t.Errorf("funded again: %d broadcasts", n)
	}
}

func TestReverseSwapGeneratedPreimage(t *testing.T) {
	env := newTestEnv(t, envOptions{funds: 500000})

	r := createReverse(t, env, nil)
	if len(r.Preimage) != 32 {
		t.Fatalf("generated preimage has %d bytes", len(r.Preimage))
	}
	sum := sha256.Sum256(r.Preimage)
	if !bytes.Equal(sum[:], r.PreimageHash) {
		t.Error("preimage hash does not match the generated preimage")
	}
	stored := env.reverse(t, r.ID)
	if !bytes.Equal(stored.Preimage, r.Preimage) {
		t.Error("generated preimage not persisted")
	}
}

func TestRecoverySettlesClaimedReverseSwap(t *testing.T) {
	ln := lightning.NewMem()
	first := newTestEnv(t, envOptions{ln: ln, funds: 500000})

	r := createReverse(t, first, testHash[:])
	ln.ClientPays(r.Invoice)
	first.deliverInvoices()
	locked := first.reverse(t, r.ID)
	if locked.Status != storage.StatusLockupMempool {
		t.Fatalf("status = %s", locked.Status)
	}

	// Crash after the claim was recorded but before settling.
	claimTx := lockupTxID('8')
	if ok, err := first.store.UpdateReverseSwapStatus(r.ID, storage.StatusLockupMempool, storage.StatusClaimed,
		&storage.SwapUpdate{Preimage: testPreimage, ClaimTxID: &claimTx}); err != nil || !ok {
		t.Fatalf("UpdateReverseSwapStatus() = %v, %v", ok, err)
	}
	first.close()

	second := newTestEnv(t, envOptions{dir: first.dir, ln: ln})
	if err := second.m.recover(context.Background()); err != nil {
		t.Fatalf("recover() error = %v", err)
	}

	if state, _ := ln.State(testHash[:]); state != lightning.InvoiceSettled {
		t.Errorf("hold invoice state = %s, want settled", state)
	}
	if got := second.reverse(t, r.ID); !got.InvoiceSettled {
		t.Error("invoice_settled not recorded after recovery")
	}
}

func TestCreateReverseSwapValidation(t *testing.T) {
	env := newTestEnv(t, envOptions{extraOn: true})
	client, _ := btcec.NewPrivateKey()
	claimKey := client.PubKey().SerializeCompressed()

	tests := []struct {
		name string
		req  CreateReverseSwapRequest
		want error
	}{
		{"unknown pair", CreateReverseSwapRequest{PairID: "DOGE/BTC", OrderSide: "buy", InvoiceAmount: 100000, ClaimPubKey: claimKey}, ErrUnknownPair},
		{"bad claim key", CreateReverseSwapRequest{PairID: "BTC/BTC", OrderSide: "buy", InvoiceAmount: 100000, ClaimPubKey: claimKey[:20]}, ErrInvalidRequest},
		{"short hash", CreateReverseSwapRequest{PairID: "BTC/BTC", OrderSide: "buy", InvoiceAmount: 100000, ClaimPubKey: claimKey, PreimageHash: []byte{1, 2, 3}}, ErrInvalidRequest},
		{"amount below fees", CreateReverseSwapRequest{PairID: "BTC/BTC", OrderSide: "buy", InvoiceAmount: 300, ClaimPubKey: claimKey}, ErrAmountTooLow},
		{"evm chain", CreateReverseSwapRequest{PairID: "ETH/BTC", OrderSide: "buy", InvoiceAmount: 100000, ClaimPubKey: claimKey}, txfactory.ErrUnsupportedChain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			if _, err := env.m.CreateReverseSwap(context.Background(), &req); !errors.Is(err, tt.want) {
				t.Errorf("CreateReverseSwap() error = %v, want %v", err, tt.want)
			}
		})
	}

	_, reverse, err := env.m.ListSwaps(10)
	if err != nil || len(reverse) != 0 {
		t.Errorf("rejected requests persisted %d reverse swaps (%v)", len(reverse), err)
	}
}
