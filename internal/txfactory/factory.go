// Package txfactory builds lockup, claim and refund transactions for swap HTLCs.
//
// Builders are stateless: the same request always produces the same signed
// transaction. Fees are a fee rate times a fixed size estimate per
// transaction kind, so the amounts are predictable before signing.
package txfactory

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/lnswap/internal/chain"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrDustOutput        = errors.New("output below dust limit")
	ErrInvalidScript     = errors.New("invalid HTLC script")
	ErrInvalidTxID       = errors.New("invalid transaction ID")
	ErrMissingKey        = errors.New("signing key required")
	ErrInvalidPreimage   = errors.New("preimage does not match hash")
	ErrUnsupportedChain  = errors.New("unsupported chain type")
)

// Outpoint identifies the lockup output being spent, with its value.
// Account-based builders only use Amount.
type Outpoint struct {
	TxID   string
	Vout   uint32
	Amount uint64
}

// Input is a wallet output funding a lockup.
type Input struct {
	Outpoint
	Key *btcec.PrivateKey
}

// LockupRequest funds an HTLC from the service wallet.
type LockupRequest struct {
	HTLC          *HTLC
	RedeemScript  []byte
	Amount        uint64
	Inputs        []Input // UTXO only
	ChangeAddress string  // UTXO only
	FeeRate       uint64  // sat/vB, or gas price in wei
	Nonce         uint64  // account only
	Key           *btcec.PrivateKey
}

// ClaimRequest spends an HTLC through the preimage branch.
type ClaimRequest struct {
	HTLC         *HTLC
	RedeemScript []byte
	Lockup       Outpoint
	Preimage     []byte
	Key          *btcec.PrivateKey
	Destination  string
	FeeRate      uint64
	Nonce        uint64
}

// RefundRequest spends an HTLC through the timeout branch.
type RefundRequest struct {
	HTLC         *HTLC
	RedeemScript []byte
	Lockup       Outpoint
	Key          *btcec.PrivateKey
	Destination  string
	FeeRate      uint64
	Nonce        uint64
}

// Tx is a signed transaction ready for broadcast.
type Tx struct {
	TxID   string
	Raw    []byte
	Fee    uint64
	Amount uint64 // value of the HTLC output (lockup) or paid to the destination
	Vout   uint32 // HTLC output index, lockups only
}

// Builder is the capability set of one currency kind.
type Builder interface {
	BuildLockup(req *LockupRequest) (*Tx, error)
	BuildClaim(req *ClaimRequest) (*Tx, error)
	BuildRefund(req *RefundRequest) (*Tx, error)
}

// EVMOptions configures the account-based builder.
type EVMOptions struct {
	Contract string // EtherSwap contract address
}

// ForChain selects the builder for a currency once, from its chain type.
func ForChain(params *chain.Params, evm *EVMOptions) (Builder, error) {
	switch params.Type {
	case chain.ChainTypeBitcoin:
		return NewUTXOBuilder(params), nil
	case chain.ChainTypeEVM:
		if evm == nil || evm.Contract == "" {
			return nil, fmt.Errorf("%s: EtherSwap contract address required", params.Symbol)
		}
		return NewEVMBuilder(params, evm.Contract)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, params.Type)
	}
}

// outputAfterFee returns amount-fee, failing when nothing would be left.
func outputAfterFee(amount, fee uint64) (uint64, error) {
	if amount <= fee {
		return 0, fmt.Errorf("%w: amount %d <= fee %d", ErrInsufficientFunds, amount, fee)
	}
	return amount - fee, nil
}
