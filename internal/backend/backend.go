// Package backend provides read/broadcast access to UTXO chain indexers.
// It never touches private keys; signing happens in txfactory.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrNotFound           = errors.New("not found")
	ErrBroadcastFailed    = errors.New("broadcast failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
)

// IsTransient reports whether err is worth retrying with the same request.
func IsTransient(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrRateLimited)
}

// Type represents the backend type.
type Type string

const (
	TypeMempool Type = "mempool" // mempool.space API
	TypeEsplora Type = "esplora" // blockstream.info API
)

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"value"`
	Confirmations int64  `json:"confirmations"`
	BlockHeight   int64  `json:"block_height,omitempty"`
}

// Transaction is the indexer's view of a transaction.
type Transaction struct {
	TxID          string     `json:"txid"`
	Version       int32      `json:"version"`
	VSize         int64      `json:"vsize"`
	LockTime      uint32     `json:"locktime"`
	Fee           uint64     `json:"fee"`
	Confirmed     bool       `json:"confirmed"`
	BlockHash     string     `json:"block_hash,omitempty"`
	BlockHeight   int64      `json:"block_height,omitempty"`
	Confirmations int64      `json:"confirmations"`
	Inputs        []TxInput  `json:"vin"`
	Outputs       []TxOutput `json:"vout"`
}

// TxInput represents a transaction input.
type TxInput struct {
	TxID     string    `json:"txid"`
	Vout     uint32    `json:"vout"`
	Witness  []string  `json:"witness,omitempty"` // hex items
	Sequence uint32    `json:"sequence"`
	PrevOut  *TxOutput `json:"prevout,omitempty"`
}

// TxOutput represents a transaction output.
type TxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            uint64 `json:"value"`
}

// SignalsRBF reports BIP125 opt-in replaceability.
func (t *Transaction) SignalsRBF() bool {
	for _, in := range t.Inputs {
		if in.Sequence < 0xfffffffe {
			return true
		}
	}
	return false
}

// FindOutput returns the first output paying address.
func (t *Transaction) FindOutput(address string) (vout uint32, value uint64, ok bool) {
	for i, out := range t.Outputs {
		if out.ScriptPubKeyAddr == address {
			return uint32(i), out.Value, true
		}
	}
	return 0, 0, false
}

// FeeEstimate contains fee estimation for different confirmation targets, in sat/vB.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastest_fee"`
	HalfHourFee uint64 `json:"half_hour_fee"`
	HourFee     uint64 `json:"hour_fee"`
	EconomyFee  uint64 `json:"economy_fee"`
	MinimumFee  uint64 `json:"minimum_fee"`
}

// Backend defines the interface for blockchain data providers.
type Backend interface {
	Type() Type

	// Connect checks the backend is reachable.
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool

	GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error)
	// GetAddressTxs returns mempool and recent confirmed transactions touching address.
	GetAddressTxs(ctx context.Context, address string) ([]Transaction, error)

	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetRawTransaction(ctx context.Context, txID string) ([]byte, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)

	GetBlockHeight(ctx context.Context) (int64, error)
	GetFeeEstimates(ctx context.Context) (*FeeEstimate, error)
}

// Config contains backend configuration.
type Config struct {
	Type    Type          `yaml:"type"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// DefaultURLs lists public indexers per currency symbol, mainnet then testnet.
var DefaultURLs = map[string][2]string{
	"BTC": {"https://mempool.space/api", "https://mempool.space/testnet4/api"},
	"LTC": {"https://litecoinspace.org/api", "https://litecoinspace.org/testnet/api"},
}

// New creates a backend from configuration.
func New(cfg *Config) (Backend, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("%w: missing url", ErrUnsupportedBackend)
	}

	var b *MempoolBackend
	switch cfg.Type {
	case TypeMempool, "":
		b = NewMempoolBackend(cfg.URL)
	case TypeEsplora:
		e := NewEsploraBackend(cfg.URL)
		if cfg.Timeout > 0 {
			e.httpClient.Timeout = cfg.Timeout
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Type)
	}
	if cfg.Timeout > 0 {
		b.httpClient.Timeout = cfg.Timeout
	}
	return b, nil
}
