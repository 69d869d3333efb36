package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klingon-exchange/lnswap/internal/storage"
	"github.com/klingon-exchange/lnswap/internal/swap"
)

// Version of the daemon
const Version = "0.1.0-dev"

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return fmt.Errorf("%w: missing params", errInvalidParams)
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

func decodeHex(field, value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not hex", errInvalidParams, field)
	}
	return b, nil
}

// ========================================
// Swap results
// ========================================

// SwapInfo is the client view of a submarine swap.
type SwapInfo struct {
	ID             string `json:"id"`
	PairID         string `json:"pair_id"`
	OrderSide      string `json:"order_side"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
	LockupAddress  string `json:"lockup_address"`
	RedeemScript   string `json:"redeem_script"`
	TimeoutHeight  uint32 `json:"timeout_height"`
	ExpectedAmount uint64 `json:"expected_amount"`
	OnchainAmount  uint64 `json:"onchain_amount,omitempty"`
	Invoice        string `json:"invoice"`
	PreimageHash   string `json:"preimage_hash"`
	LockupTxID     string `json:"lockup_txid,omitempty"`
	ClaimTxID      string `json:"claim_txid,omitempty"`
	RefundTxID     string `json:"refund_txid,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

func swapToInfo(s *storage.Swap) *SwapInfo {
	return &SwapInfo{
		ID:             s.ID,
		PairID:         s.PairID,
		OrderSide:      s.OrderSide,
		Currency:       s.Currency,
		Status:         string(s.Status),
		LockupAddress:  s.LockupAddress,
		RedeemScript:   hex.EncodeToString(s.RedeemScript),
		TimeoutHeight:  s.TimeoutHeight,
		ExpectedAmount: s.ExpectedAmount,
		OnchainAmount:  s.OnchainAmount,
		Invoice:        s.Invoice,
		PreimageHash:   hex.EncodeToString(s.PreimageHash),
		LockupTxID:     s.LockupTxID,
		ClaimTxID:      s.ClaimTxID,
		RefundTxID:     s.RefundTxID,
		FailureReason:  s.FailureReason,
		CreatedAt:      s.CreatedAt.Unix(),
	}
}

// ReverseSwapInfo is the client view of a reverse swap.
type ReverseSwapInfo struct {
	ID              string `json:"id"`
	PairID          string `json:"pair_id"`
	OrderSide       string `json:"order_side"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
	LockupAddress   string `json:"lockup_address"`
	RedeemScript    string `json:"redeem_script"`
	TimeoutHeight   uint32 `json:"timeout_height"`
	Invoice         string `json:"invoice"`
	InvoiceAmount   uint64 `json:"invoice_amount"`
	MinerFeeInvoice string `json:"miner_fee_invoice,omitempty"`
	MinerFeeAmount  uint64 `json:"miner_fee_amount,omitempty"`
	OnchainAmount   uint64 `json:"onchain_amount"`
	PreimageHash    string `json:"preimage_hash"`
	LockupTxID      string `json:"lockup_txid,omitempty"`
	ClaimTxID       string `json:"claim_txid,omitempty"`
	RefundTxID      string `json:"refund_txid,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
	CreatedAt       int64  `json:"created_at"`

	// Preimage is only returned by swap_createReverse when the service
	// generated it.
	Preimage string `json:"preimage,omitempty"`
}

func reverseToInfo(r *storage.ReverseSwap) *ReverseSwapInfo {
	return &ReverseSwapInfo{
		ID:              r.ID,
		PairID:          r.PairID,
		OrderSide:       r.OrderSide,
		Currency:        r.Currency,
		Status:          string(r.Status),
		LockupAddress:   r.LockupAddress,
		RedeemScript:    hex.EncodeToString(r.RedeemScript),
		TimeoutHeight:   r.TimeoutHeight,
		Invoice:         r.Invoice,
		InvoiceAmount:   r.InvoiceAmount,
		MinerFeeInvoice: r.MinerFeeInvoice,
		MinerFeeAmount:  r.MinerFeeAmount,
		OnchainAmount:   r.OnchainAmount,
		PreimageHash:    hex.EncodeToString(r.PreimageHash),
		LockupTxID:      r.LockupTxID,
		ClaimTxID:       r.ClaimTxID,
		RefundTxID:      r.RefundTxID,
		FailureReason:   r.FailureReason,
		CreatedAt:       r.CreatedAt.Unix(),
	}
}

// ========================================
// Swap handlers
// ========================================

// SwapCreateParams are the parameters for swap_create.
type SwapCreateParams struct {
	PairID        string `json:"pair_id"`
	OrderSide     string `json:"order_side"`
	Invoice       string `json:"invoice"`
	RefundPubKey  string `json:"refund_pubkey,omitempty"`
	RefundAddress string `json:"refund_address,omitempty"`
}

func (s *Server) swapCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapCreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Invoice == "" {
		return nil, fmt.Errorf("%w: invoice is required", errInvalidParams)
	}
	refund, err := decodeHex("refund_pubkey", p.RefundPubKey)
	if err != nil {
		return nil, err
	}

	sw, err := s.swaps.CreateSwap(ctx, &swap.CreateSwapRequest{
		PairID:        p.PairID,
		OrderSide:     p.OrderSide,
		Invoice:       p.Invoice,
		RefundPubKey:  refund,
		RefundAddress: p.RefundAddress,
	})
	if err != nil {
		return nil, err
	}
	return swapToInfo(sw), nil
}

// SwapCreateReverseParams are the parameters for swap_createReverse.
type SwapCreateReverseParams struct {
	PairID        string `json:"pair_id"`
	OrderSide     string `json:"order_side"`
	InvoiceAmount uint64 `json:"invoice_amount"`
	ClaimPubKey   string `json:"claim_pubkey"`
	PreimageHash  string `json:"preimage_hash,omitempty"`
}

func (s *Server) swapCreateReverse(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapCreateReverseParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	claim, err := decodeHex("claim_pubkey", p.ClaimPubKey)
	if err != nil {
		return nil, err
	}
	hash, err := decodeHex("preimage_hash", p.PreimageHash)
	if err != nil {
		return nil, err
	}

	r, err := s.swaps.CreateReverseSwap(ctx, &swap.CreateReverseSwapRequest{
		PairID:        p.PairID,
		OrderSide:     p.OrderSide,
		InvoiceAmount: p.InvoiceAmount,
		ClaimPubKey:   claim,
		PreimageHash:  hash,
	})
	if err != nil {
		return nil, err
	}
	info := reverseToInfo(r)
	if len(hash) == 0 && len(r.Preimage) > 0 {
		info.Preimage = hex.EncodeToString(r.Preimage)
	}
	return info, nil
}

// SwapIDParams identify a single swap.
type SwapIDParams struct {
	ID string `json:"id"`
}

func (s *Server) swapGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sw, err := s.swaps.GetSwap(p.ID)
	if err != nil {
		return nil, err
	}
	return swapToInfo(sw), nil
}

func (s *Server) swapGetReverse(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	r, err := s.swaps.GetReverseSwap(p.ID)
	if err != nil {
		return nil, err
	}
	return reverseToInfo(r), nil
}

// SwapListParams are the parameters for swap_list.
type SwapListParams struct {
	Limit int `json:"limit,omitempty"`
}

// SwapListResult is the response for swap_list.
type SwapListResult struct {
	Swaps        []*SwapInfo        `json:"swaps"`
	ReverseSwaps []*ReverseSwapInfo `json:"reverse_swaps"`
}

func (s *Server) swapList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapListParams
	if len(params) > 0 {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}
	if p.Limit <= 0 {
		p.Limit = defaultListLimit
	}
	if p.Limit > maxListLimit {
		p.Limit = maxListLimit
	}

	swaps, reverse, err := s.swaps.ListSwaps(p.Limit)
	if err != nil {
		return nil, err
	}
	result := &SwapListResult{
		Swaps:        make([]*SwapInfo, 0, len(swaps)),
		ReverseSwaps: make([]*ReverseSwapInfo, 0, len(reverse)),
	}
	for _, sw := range swaps {
		result.Swaps = append(result.Swaps, swapToInfo(sw))
	}
	for _, r := range reverse {
		result.ReverseSwaps = append(result.ReverseSwaps, reverseToInfo(r))
	}
	return result, nil
}

// SwapStatsResult is the response for swap_stats.
type SwapStatsResult struct {
	// Counts is keyed by kind, then status.
	Counts map[string]map[string]int `json:"counts"`
	Total  int                       `json:"total"`
}

func (s *Server) swapStats(ctx context.Context, params json.RawMessage) (interface{}, error) {
	stats, err := s.swaps.Stats()
	if err != nil {
		return nil, err
	}
	result := &SwapStatsResult{Counts: make(map[string]map[string]int)}
	for _, c := range stats {
		kind := string(c.Kind)
		if result.Counts[kind] == nil {
			result.Counts[kind] = make(map[string]int)
		}
		result.Counts[kind][string(c.Status)] += c.Count
		result.Total += c.Count
	}
	return result, nil
}

// ========================================
// Operator handlers
// ========================================

// KeysDeriveParams are the parameters for keys_derive.
type KeysDeriveParams struct {
	Currency string `json:"currency"`
	Index    uint32 `json:"index"`
}

func (s *Server) keysDerive(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p KeysDeriveParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Currency == "" {
		return nil, fmt.Errorf("%w: currency is required", errInvalidParams)
	}
	return s.swaps.DeriveKeys(p.Currency, p.Index)
}

// PairTimeoutParams are the parameters for pair_setTimeoutDelta.
type PairTimeoutParams struct {
	Pair         string `json:"pair"`
	Delta        uint32 `json:"delta"`
	ReverseDelta uint32 `json:"reverse_delta"`
}

func (s *Server) pairSetTimeoutDelta(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p PairTimeoutParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ReverseDelta == 0 {
		p.ReverseDelta = p.Delta
	}
	if err := s.swaps.SetPairTimeoutDelta(p.Pair, p.Delta, p.ReverseDelta); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"pair":          p.Pair,
		"delta":         p.Delta,
		"reverse_delta": p.ReverseDelta,
	}, nil
}

// ChainHealthResult is the response for chain_health.
type ChainHealthResult struct {
	Currencies []swap.CurrencyHealth `json:"currencies"`
	WSClients  int                   `json:"ws_clients"`
	Version    string                `json:"version"`
	Time       int64                 `json:"time"`
}

func (s *Server) chainHealth(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return &ChainHealthResult{
		Currencies: s.swaps.Health(),
		WSClients:  s.wsHub.ClientCount(),
		Version:    Version,
		Time:       time.Now().Unix(),
	}, nil
}
