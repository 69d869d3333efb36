package txfactory

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/klingon-exchange/lnswap/internal/chain"
)

// Gas limits per EtherSwap call.
const (
	EVMLockupGas uint64 = 60000
	EVMClaimGas  uint64 = 50000
	EVMRefundGas uint64 = 50000
)

// Swap amounts are kept with 8 decimals; one unit is 10^10 wei.
var weiPerUnit = big.NewInt(10_000_000_000)

const etherSwapABI = `[
	{"type":"function","name":"lock","stateMutability":"payable","inputs":[
		{"name":"preimageHash","type":"bytes32"},
		{"name":"claimAddress","type":"address"},
		{"name":"timelock","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[
		{"name":"preimage","type":"bytes32"},
		{"name":"amount","type":"uint256"},
		{"name":"refundAddress","type":"address"},
		{"name":"timelock","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
		{"name":"preimageHash","type":"bytes32"},
		{"name":"amount","type":"uint256"},
		{"name":"claimAddress","type":"address"},
		{"name":"timelock","type":"uint256"}],"outputs":[]}
]`

// EVMBuilder builds EtherSwap contract invocations. FeeRate in requests is the
// gas price in wei.
type EVMBuilder struct {
	params   *chain.Params
	contract common.Address
	chainID  *big.Int
	abi      abi.ABI
}

// NewEVMBuilder creates a builder for an account-based currency.
func NewEVMBuilder(params *chain.Params, contract string) (*EVMBuilder, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("invalid contract address %q", contract)
	}
	parsed, err := abi.JSON(strings.NewReader(etherSwapABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse EtherSwap ABI: %w", err)
	}
	return &EVMBuilder{
		params:   params,
		contract: common.HexToAddress(contract),
		chainID:  new(big.Int).SetUint64(params.ChainID),
		abi:      parsed,
	}, nil
}

// GasFee returns gasPrice*gasLimit in swap units, rounded up.
func GasFee(gasPrice, gasLimit uint64) uint64 {
	wei := new(big.Int).Mul(new(big.Int).SetUint64(gasPrice), new(big.Int).SetUint64(gasLimit))
	units, rem := new(big.Int).QuoRem(wei, weiPerUnit, new(big.Int))
	if rem.Sign() > 0 {
		units.Add(units, big.NewInt(1))
	}
	return units.Uint64()
}

// BuildLockup calls lock() with the swap amount as value.
func (b *EVMBuilder) BuildLockup(req *LockupRequest) (*Tx, error) {
	if req.Key == nil {
		return nil, ErrMissingKey
	}
	if err := req.HTLC.Validate(); err != nil {
		return nil, err
	}
	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: zero lockup amount", ErrInsufficientFunds)
	}
	claimAddr, err := pubKeyAddress(req.HTLC.ClaimPubKey)
	if err != nil {
		return nil, err
	}

	data, err := b.abi.Pack("lock", toBytes32(req.HTLC.PreimageHash), claimAddr, timelock(req.HTLC))
	if err != nil {
		return nil, fmt.Errorf("failed to encode lock call: %w", err)
	}
	return b.signCall(req.Key, req.Nonce, req.FeeRate, EVMLockupGas, toWei(req.Amount), data, req.Amount)
}

// BuildClaim calls claim() with the preimage.
func (b *EVMBuilder) BuildClaim(req *ClaimRequest) (*Tx, error) {
	if req.Key == nil {
		return nil, ErrMissingKey
	}
	if err := req.HTLC.Validate(); err != nil {
		return nil, err
	}
	if !VerifyPreimage(req.Preimage, req.HTLC.PreimageHash) {
		return nil, ErrInvalidPreimage
	}
	net, err := outputAfterFee(req.Lockup.Amount, GasFee(req.FeeRate, EVMClaimGas))
	if err != nil {
		return nil, err
	}
	refundAddr, err := pubKeyAddress(req.HTLC.RefundPubKey)
	if err != nil {
		return nil, err
	}

	data, err := b.abi.Pack("claim", toBytes32(req.Preimage), toWei(req.Lockup.Amount), refundAddr, timelock(req.HTLC))
	if err != nil {
		return nil, fmt.Errorf("failed to encode claim call: %w", err)
	}
	return b.signCall(req.Key, req.Nonce, req.FeeRate, EVMClaimGas, new(big.Int), data, net)
}

// BuildRefund calls refund() after the timelock.
func (b *EVMBuilder) BuildRefund(req *RefundRequest) (*Tx, error) {
	if req.Key == nil {
		return nil, ErrMissingKey
	}
	if err := req.HTLC.Validate(); err != nil {
		return nil, err
	}
	net, err := outputAfterFee(req.Lockup.Amount, GasFee(req.FeeRate, EVMRefundGas))
	if err != nil {
		return nil, err
	}
	claimAddr, err := pubKeyAddress(req.HTLC.ClaimPubKey)
	if err != nil {
		return nil, err
	}

	data, err := b.abi.Pack("refund", toBytes32(req.HTLC.PreimageHash), toWei(req.Lockup.Amount), claimAddr, timelock(req.HTLC))
	if err != nil {
		return nil, fmt.Errorf("failed to encode refund call: %w", err)
	}
	return b.signCall(req.Key, req.Nonce, req.FeeRate, EVMRefundGas, new(big.Int), data, net)
}

func (b *EVMBuilder) signCall(key *btcec.PrivateKey, nonce, gasPrice, gas uint64, value *big.Int, data []byte, amount uint64) (*Tx, error) {
	to := b.contract
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: new(big.Int).SetUint64(gasPrice),
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.NewEIP155Signer(b.chainID), key.ToECDSA())
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}

	return &Tx{
		TxID:   signed.Hash().Hex(),
		Raw:    raw,
		Fee:    GasFee(gasPrice, gas),
		Amount: amount,
	}, nil
}

func pubKeyAddress(pub []byte) (common.Address, error) {
	key, err := btcec.ParsePubKey(pub)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	return crypto.PubkeyToAddress(*key.ToECDSA()), nil
}

func toBytes32(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}

func toWei(units uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(units), weiPerUnit)
}

func timelock(h *HTLC) *big.Int {
	return new(big.Int).SetUint64(uint64(h.TimeoutHeight))
}
