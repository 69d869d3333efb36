package txfactory

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/lnswap/internal/chain"
)

const fakeTxID = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"

func regtestBuilder(t *testing.T) (*UTXOBuilder, string) {
	t.Helper()
	params, ok := chain.Get("BTC", chain.Regtest)
	if !ok {
		t.Fatal("BTC regtest not registered")
	}
	b := NewUTXOBuilder(params)
	dest, err := WalletAddress(testKey(9).PubKey(), b.net)
	if err != nil {
		t.Fatalf("WalletAddress() error = %v", err)
	}
	return b, dest
}

// execute runs the script engine for input 0 of tx against the HTLC output.
func execute(t *testing.T, tx *wire.MsgTx, script []byte, amount int64) error {
	t.Helper()
	pkScript := P2WSHScriptPubKey(script)
	prevOuts := txscript.NewCannedPrevOutputFetcher(pkScript, amount)
	vm, err := txscript.NewEngine(pkScript, tx, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, prevOuts), amount, prevOuts)
	if err != nil {
		return err
	}
	return vm.Execute()
}

func TestBuildClaim(t *testing.T) {
	b, dest := regtestBuilder(t)
	h, preimage := testHTLC(500)
	script, _ := BuildScript(h)

	const amount, feeRate = 100000, 2
	req := &ClaimRequest{
		RedeemScript: script,
		Lockup:       Outpoint{TxID: fakeTxID, Vout: 1, Amount: amount},
		Preimage:     preimage,
		Key:          testKey(1),
		Destination:  dest,
		FeeRate:      feeRate,
	}

	res, err := b.BuildClaim(req)
	if err != nil {
		t.Fatalf("BuildClaim() error = %v", err)
	}

	wantOut := uint64(amount - ClaimVSize*feeRate)
	if res.Amount != wantOut || res.Fee != ClaimVSize*feeRate {
		t.Errorf("Amount = %d, Fee = %d, want %d, %d", res.Amount, res.Fee, wantOut, ClaimVSize*feeRate)
	}

	tx, err := DecodeTx(res.Raw)
	if err != nil {
		t.Fatalf("DecodeTx() error = %v", err)
	}
	if tx.TxHash().String() != res.TxID {
		t.Errorf("TxID mismatch")
	}
	if len(tx.TxIn) != 1 || tx.TxIn[0].PreviousOutPoint.Index != 1 {
		t.Fatalf("unexpected inputs: %+v", tx.TxIn)
	}
	if tx.TxOut[0].Value != int64(wantOut) {
		t.Errorf("output = %d, want %d", tx.TxOut[0].Value, wantOut)
	}
	if err := execute(t, tx, script, amount); err != nil {
		t.Errorf("claim witness does not satisfy the script: %v", err)
	}

	// Signing is deterministic, so a rebuild is the same transaction.
	again, _ := b.BuildClaim(req)
	if again.TxID != res.TxID {
		t.Error("rebuilding the claim changed its txid")
	}
}

func TestBuildClaimErrors(t *testing.T) {
	b, dest := regtestBuilder(t)
	h, preimage := testHTLC(500)
	script, _ := BuildScript(h)

	base := ClaimRequest{
		RedeemScript: script,
		Lockup:       Outpoint{TxID: fakeTxID, Amount: 100000},
		Preimage:     preimage,
		Key:          testKey(1),
		Destination:  dest,
		FeeRate:      2,
	}

	tests := []struct {
		name   string
		mutate func(r *ClaimRequest)
		want   error
	}{
		{"fee exceeds amount", func(r *ClaimRequest) { r.Lockup.Amount = 1000; r.FeeRate = 10 }, ErrInsufficientFunds},
		{"fee equals amount", func(r *ClaimRequest) { r.Lockup.Amount = ClaimVSize; r.FeeRate = 1 }, ErrInsufficientFunds},
		{"dust output", func(r *ClaimRequest) { r.Lockup.Amount = ClaimVSize + 100; r.FeeRate = 1 }, ErrDustOutput},
		{"wrong preimage", func(r *ClaimRequest) { r.Preimage = make([]byte, 32) }, ErrInvalidPreimage},
		{"refund key", func(r *ClaimRequest) { r.Key = testKey(2) }, ErrMissingKey},
		{"no key", func(r *ClaimRequest) { r.Key = nil }, ErrMissingKey},
		{"bad txid", func(r *ClaimRequest) { r.Lockup.TxID = "xyz" }, ErrInvalidTxID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			res, err := b.BuildClaim(&req)
			if !errors.Is(err, tt.want) {
				t.Errorf("BuildClaim() error = %v, want %v", err, tt.want)
			}
			if res != nil {
				t.Error("no transaction may be returned on error")
			}
		})
	}
}

func TestBuildRefund(t *testing.T) {
	b, dest := regtestBuilder(t)
	h, _ := testHTLC(500)
	script, _ := BuildScript(h)

	const amount, feeRate = 50000, 3
	res, err := b.BuildRefund(&RefundRequest{
		RedeemScript: script,
		Lockup:       Outpoint{TxID: fakeTxID, Amount: amount},
		Key:          testKey(2),
		Destination:  dest,
		FeeRate:      feeRate,
	})
	if err != nil {
		t.Fatalf("BuildRefund() error = %v", err)
	}
	if res.Amount != amount-RefundVSize*feeRate {
		t.Errorf("Amount = %d, want %d", res.Amount, amount-RefundVSize*feeRate)
	}

	tx, _ := DecodeTx(res.Raw)
	if tx.LockTime != 500 {
		t.Errorf("LockTime = %d, want 500", tx.LockTime)
	}
	if tx.TxIn[0].Sequence == wire.MaxTxInSequenceNum {
		t.Error("refund input must have a non-final sequence")
	}
	if err := execute(t, tx, script, amount); err != nil {
		t.Errorf("refund witness does not satisfy the script: %v", err)
	}

	// A refund with a locktime before the timeout fails CLTV.
	tx.LockTime = 499
	if err := execute(t, tx, script, amount); err == nil {
		t.Error("refund before timeout should fail")
	}
}

func TestBuildRefundInsufficient(t *testing.T) {
	b, dest := regtestBuilder(t)
	h, _ := testHTLC(500)
	script, _ := BuildScript(h)

	_, err := b.BuildRefund(&RefundRequest{
		RedeemScript: script,
		Lockup:       Outpoint{TxID: fakeTxID, Amount: 1000},
		Key:          testKey(2),
		Destination:  dest,
		FeeRate:      50,
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("BuildRefund() error = %v, want ErrInsufficientFunds", err)
	}
}

func TestBuildLockup(t *testing.T) {
	b, change := regtestBuilder(t)
	h, _ := testHTLC(500)
	script, _ := BuildScript(h)

	wallet := testKey(9)
	inputs := []Input{
		{Outpoint: Outpoint{TxID: fakeTxID, Vout: 0, Amount: 60000}, Key: wallet},
		{Outpoint: Outpoint{TxID: fakeTxID, Vout: 1, Amount: 60000}, Key: wallet},
	}

	res, err := b.BuildLockup(&LockupRequest{
		RedeemScript:  script,
		Amount:        100000,
		Inputs:        inputs,
		ChangeAddress: change,
		FeeRate:       5,
	})
	if err != nil {
		t.Fatalf("BuildLockup() error = %v", err)
	}

	wantFee := LockupFee(2, 5)
	if res.Fee != wantFee {
		t.Errorf("Fee = %d, want %d", res.Fee, wantFee)
	}

	tx, _ := DecodeTx(res.Raw)
	if len(tx.TxOut) != 2 {
		t.Fatalf("outputs = %d, want 2", len(tx.TxOut))
	}
	if !bytes.Equal(tx.TxOut[res.Vout].PkScript, P2WSHScriptPubKey(script)) {
		t.Error("HTLC output script mismatch")
	}
	if tx.TxOut[1].Value != int64(120000-100000-wantFee) {
		t.Errorf("change = %d, want %d", tx.TxOut[1].Value, 120000-100000-wantFee)
	}
	for i, in := range tx.TxIn {
		if len(in.Witness) != 2 {
			t.Errorf("input %d witness items = %d, want 2", i, len(in.Witness))
		}
	}
}

func TestBuildLockupInsufficient(t *testing.T) {
	b, change := regtestBuilder(t)
	h, _ := testHTLC(500)
	script, _ := BuildScript(h)

	_, err := b.BuildLockup(&LockupRequest{
		RedeemScript:  script,
		Amount:        100000,
		Inputs:        []Input{{Outpoint: Outpoint{TxID: fakeTxID, Amount: 100000}, Key: testKey(9)}},
		ChangeAddress: change,
		FeeRate:       1,
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("BuildLockup() error = %v, want ErrInsufficientFunds", err)
	}

	_, err = b.BuildLockup(&LockupRequest{RedeemScript: script, Amount: 100000, FeeRate: 1})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("BuildLockup() without inputs error = %v, want ErrInsufficientFunds", err)
	}
}

func TestAddressNetwork(t *testing.T) {
	b, _ := regtestBuilder(t)
	h, _ := testHTLC(500)
	script, _ := BuildScript(h)

	addr, err := Address(script, b.net)
	if err != nil {
		t.Fatalf("Address() error = %v", err)
	}
	if !strings.HasPrefix(addr, "bcrt1q") {
		t.Errorf("Address() = %s, want bcrt1q prefix", addr)
	}

	mainnet, _ := chain.Get("BTC", chain.Mainnet)
	if _, err := NewUTXOBuilder(mainnet).addressScript(addr); err == nil {
		t.Error("regtest address must be rejected on mainnet")
	}
}

func TestForChain(t *testing.T) {
	btc, _ := chain.Get("BTC", chain.Mainnet)
	if b, err := ForChain(btc, nil); err != nil {
		t.Errorf("ForChain(BTC) error = %v", err)
	} else if _, ok := b.(*UTXOBuilder); !ok {
		t.Errorf("ForChain(BTC) = %T, want *UTXOBuilder", b)
	}

	eth, _ := chain.Get("ETH", chain.Mainnet)
	if _, err := ForChain(eth, nil); err == nil {
		t.Error("ForChain(ETH) without contract should fail")
	}
	if b, err := ForChain(eth, &EVMOptions{Contract: "0x0000000000000000000000000000000000001234"}); err != nil {
		t.Errorf("ForChain(ETH) error = %v", err)
	} else if _, ok := b.(*EVMBuilder); !ok {
		t.Errorf("ForChain(ETH) = %T, want *EVMBuilder", b)
	}
}
