package txfactory

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/klingon-exchange/lnswap/internal/chain"
)

const testContract = "0x00000000000000000000000000000000000000aa"

func newEVMBuilder(t *testing.T) *EVMBuilder {
	t.Helper()
	params, _ := chain.Get("ETH", chain.Regtest)
	b, err := NewEVMBuilder(params, testContract)
	if err != nil {
		t.Fatalf("NewEVMBuilder() error = %v", err)
	}
	return b
}

func decodeEVMTx(t *testing.T, raw []byte) *types.Transaction {
	t.Helper()
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary() error = %v", err)
	}
	return tx
}

func TestGasFee(t *testing.T) {
	tests := []struct {
		gasPrice, gas, want uint64
	}{
		{1_000_000_000, 50000, 5000},
		{1, 1, 1},
		{0, 50000, 0},
		{10_000_000_000, 3, 3},
	}
	for _, tt := range tests {
		if got := GasFee(tt.gasPrice, tt.gas); got != tt.want {
			t.Errorf("GasFee(%d, %d) = %d, want %d", tt.gasPrice, tt.gas, got, tt.want)
		}
	}
}

func TestEVMBuildClaim(t *testing.T) {
	b := newEVMBuilder(t)
	h, preimage := testHTLC(1000)
	key := testKey(1)

	res, err := b.BuildClaim(&ClaimRequest{
		HTLC:     h,
		Lockup:   Outpoint{Amount: 100000},
		Preimage: preimage,
		Key:      key,
		FeeRate:  1_000_000_000,
		Nonce:    7,
	})
	if err != nil {
		t.Fatalf("BuildClaim() error = %v", err)
	}
	if res.Fee != 5000 || res.Amount != 95000 {
		t.Errorf("Fee = %d, Amount = %d, want 5000, 95000", res.Fee, res.Amount)
	}

	tx := decodeEVMTx(t, res.Raw)
	if tx.Hash().Hex() != res.TxID {
		t.Error("TxID mismatch")
	}
	if *tx.To() != common.HexToAddress(testContract) {
		t.Errorf("To = %s, want contract", tx.To().Hex())
	}
	if tx.Nonce() != 7 || tx.Gas() != EVMClaimGas {
		t.Errorf("Nonce = %d, Gas = %d", tx.Nonce(), tx.Gas())
	}
	if tx.Value().Sign() != 0 {
		t.Errorf("claim must not carry value, got %s", tx.Value())
	}
	if !bytes.Equal(tx.Data()[:4], b.abi.Methods["claim"].ID) {
		t.Error("calldata does not select claim()")
	}

	sender, err := types.Sender(types.NewEIP155Signer(big.NewInt(1337)), tx)
	if err != nil {
		t.Fatalf("Sender() error = %v", err)
	}
	if sender != crypto.PubkeyToAddress(*key.PubKey().ToECDSA()) {
		t.Error("transaction not signed by the claim key")
	}
}

func TestEVMBuildLockupAndRefund(t *testing.T) {
	b := newEVMBuilder(t)
	h, _ := testHTLC(1000)

	lock, err := b.BuildLockup(&LockupRequest{HTLC: h, Amount: 100000, Key: testKey(2), FeeRate: 2_000_000_000})
	if err != nil {
		t.Fatalf("BuildLockup() error = %v", err)
	}
	tx := decodeEVMTx(t, lock.Raw)
	wantValue := new(big.Int).Mul(big.NewInt(100000), big.NewInt(10_000_000_000))
	if tx.Value().Cmp(wantValue) != 0 {
		t.Errorf("lock value = %s, want %s", tx.Value(), wantValue)
	}
	if !bytes.Equal(tx.Data()[:4], b.abi.Methods["lock"].ID) {
		t.Error("calldata does not select lock()")
	}

	refund, err := b.BuildRefund(&RefundRequest{HTLC: h, Lockup: Outpoint{Amount: 100000}, Key: testKey(2), FeeRate: 2_000_000_000, Nonce: 1})
	if err != nil {
		t.Fatalf("BuildRefund() error = %v", err)
	}
	tx = decodeEVMTx(t, refund.Raw)
	if !bytes.Equal(tx.Data()[:4], b.abi.Methods["refund"].ID) {
		t.Error("calldata does not select refund()")
	}
}

func TestEVMInsufficientFunds(t *testing.T) {
	b := newEVMBuilder(t)
	h, preimage := testHTLC(1000)

	_, err := b.BuildClaim(&ClaimRequest{
		HTLC:     h,
		Lockup:   Outpoint{Amount: 4000},
		Preimage: preimage,
		Key:      testKey(1),
		FeeRate:  1_000_000_000,
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("BuildClaim() error = %v, want ErrInsufficientFunds", err)
	}

	_, err = b.BuildRefund(&RefundRequest{HTLC: h, Lockup: Outpoint{Amount: 5000}, Key: testKey(2), FeeRate: 1_000_000_000})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("BuildRefund() error = %v, want ErrInsufficientFunds", err)
	}
}
