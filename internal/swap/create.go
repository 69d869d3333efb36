// Package swap - Swap creation.
package swap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"

	"github.com/klingon-exchange/lnswap/internal/chain"
	"github.com/klingon-exchange/lnswap/internal/lightning"
	"github.com/klingon-exchange/lnswap/internal/storage"
	"github.com/klingon-exchange/lnswap/internal/txfactory"
)

// holdInvoiceCltvMargin is added to the reverse timeout delta for the final
// CLTV of hold invoices, so the incoming HTLC outlives the on-chain refund.
const holdInvoiceCltvMargin = 20

// CreateSwapRequest asks for a submarine swap: the client locks coins on-chain
// and the service pays Invoice.
type CreateSwapRequest struct {
	PairID    string
	OrderSide string
	Invoice   string

	// RefundPubKey is the client's compressed refund key. Without it the
	// service holds the refund key and sweeps timed out lockups to
	// RefundAddress, which is then required.
	RefundPubKey  []byte
	RefundAddress string
}

// CreateReverseSwapRequest asks for a reverse swap: the client pays a hold
// invoice and the service locks coins the client claims with the preimage.
type CreateReverseSwapRequest struct {
	PairID        string
	OrderSide     string
	InvoiceAmount uint64 // sat, what the client pays in total
	ClaimPubKey   []byte

	// PreimageHash is optional. Without it the service generates the
	// preimage and returns it with the swap.
	PreimageHash []byte
}

func (m *Manager) resolve(pairID, side string, reverse bool) (*Pair, *currencyLoop, error) {
	pair, ok := m.pairs[pairID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownPair, pairID)
	}
	symbol, err := pair.chainCurrency(side, reverse)
	if err != nil {
		return nil, nil, err
	}
	l, ok := m.loops[symbol]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownCurrency, symbol)
	}
	if l.cur.Params.Type != chain.ChainTypeBitcoin {
		return nil, nil, fmt.Errorf("%w: %s swaps", txfactory.ErrUnsupportedChain, symbol)
	}
	return pair, l, nil
}

// CreateSwap validates the invoice, allocates a key index, builds the lockup
// script and starts watching the lockup address.
func (m *Manager) CreateSwap(ctx context.Context, req *CreateSwapRequest) (*storage.Swap, error) {
	if m.ctx.Err() != nil {
		return nil, ErrNotRunning
	}
	pair, l, err := m.resolve(req.PairID, req.OrderSide, false)
	if err != nil {
		return nil, err
	}
	cur := l.cur
	net := cur.Params.NetParams()

	inv, err := m.decode(req.Invoice)
	if err != nil {
		return nil, err
	}
	if inv.AmountSat == 0 {
		return nil, fmt.Errorf("%w: invoice has no amount", ErrInvalidRequest)
	}
	if !inv.ExpiresAt.IsZero() && time.Now().After(inv.ExpiresAt) {
		return nil, ErrInvoiceExpired
	}

	if len(req.RefundPubKey) > 0 {
		if _, err := btcec.ParsePubKey(req.RefundPubKey); err != nil || len(req.RefundPubKey) != 33 {
			return nil, fmt.Errorf("%w: refund public key must be a compressed secp256k1 key", ErrInvalidRequest)
		}
		if req.RefundAddress != "" {
			return nil, fmt.Errorf("%w: refund address only applies to service-held refunds", ErrInvalidRequest)
		}
	} else {
		if req.RefundAddress == "" {
			return nil, fmt.Errorf("%w: a refund public key or a refund address is required", ErrInvalidRequest)
		}
		addr, err := btcutil.DecodeAddress(req.RefundAddress, net)
		if err != nil {
			return nil, fmt.Errorf("%w: refund address: %v", ErrInvalidRequest, err)
		}
		if !addr.IsForNet(net) {
			return nil, fmt.Errorf("%w: refund address is not a %s address", ErrInvalidRequest, cur.Symbol)
		}
	}

	height, err := cur.Watcher.GetBlockHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("get %s height: %w", cur.Symbol, err)
	}
	delta, _, err := m.timeoutDeltas(pair)
	if err != nil {
		return nil, err
	}

	kp, err := m.alloc.Next(cur.Symbol)
	if err != nil {
		return nil, err
	}
	refundPub := kp.RefundPublicKey()
	if len(req.RefundPubKey) > 0 {
		refundPub = req.RefundPubKey
	}

	htlc := &txfactory.HTLC{
		PreimageHash:  inv.PaymentHash,
		ClaimPubKey:   kp.ClaimPublicKey(),
		RefundPubKey:  refundPub,
		TimeoutHeight: height + delta,
	}
	script, err := txfactory.BuildScript(htlc)
	if err != nil {
		return nil, err
	}
	address, err := txfactory.Address(script, net)
	if err != nil {
		return nil, err
	}

	// The claim fee comes out of the lockup, so the client covers it.
	expected := inv.AmountSat + txfactory.ClaimFee(cur.Watcher.FeeRate(ctx))

	s := &storage.Swap{
		ID:             uuid.New().String(),
		PairID:         pair.ID,
		OrderSide:      req.OrderSide,
		Currency:       cur.Symbol,
		Status:         storage.StatusCreated,
		KeyIndex:       kp.Index,
		RedeemScript:   script,
		LockupAddress:  address,
		TimeoutHeight:  htlc.TimeoutHeight,
		Invoice:        req.Invoice,
		PreimageHash:   inv.PaymentHash,
		ExpectedAmount: expected,
		RefundPubKey:   req.RefundPubKey,
		RefundAddress:  req.RefundAddress,
	}
	if err := m.store.CreateSwap(s); err != nil {
		return nil, err
	}

	m.track(address, nil, swapRef{kind: storage.KindSubmarine, id: s.ID, currency: cur.Symbol})
	cur.Watcher.Watch(address)
	m.publishSwap(s)

	m.log.Info("Swap created", "swap", s.ID, "currency", cur.Symbol, "address", address,
		"expected", expected, "timeout", s.TimeoutHeight, "key_index", kp.Index)
	return s, nil
}

// CreateReverseSwap creates the hold invoice (and the optional miner fee
// prepay invoice) and persists the swap. The lockup is funded once the hold
// invoice is accepted.
func (m *Manager) CreateReverseSwap(ctx context.Context, req *CreateReverseSwapRequest) (*storage.ReverseSwap, error) {
	if m.ctx.Err() != nil {
		return nil, ErrNotRunning
	}
	pair, l, err := m.resolve(req.PairID, req.OrderSide, true)
	if err != nil {
		return nil, err
	}
	cur := l.cur

	if _, err := btcec.ParsePubKey(req.ClaimPubKey); err != nil || len(req.ClaimPubKey) != 33 {
		return nil, fmt.Errorf("%w: claim public key must be a compressed secp256k1 key", ErrInvalidRequest)
	}

	var preimage, hash []byte
	if len(req.PreimageHash) == 0 {
		if preimage, hash, err = txfactory.GeneratePreimage(); err != nil {
			return nil, err
		}
	} else {
		if len(req.PreimageHash) != 32 {
			return nil, fmt.Errorf("%w: preimage hash must be 32 bytes", ErrInvalidRequest)
		}
		hash = req.PreimageHash
	}

	minerFee := txfactory.LockupFee(1, cur.Watcher.FeeRate(ctx))
	if req.InvoiceAmount <= minerFee+txfactory.ClaimFee(1) {
		return nil, fmt.Errorf("%w: %d sat does not cover the lockup fee of %d", ErrAmountTooLow, req.InvoiceAmount, minerFee)
	}
	onchain := req.InvoiceAmount - minerFee
	holdAmount := req.InvoiceAmount
	if pair.PrepayMinerFee {
		holdAmount = onchain
	}

	height, err := cur.Watcher.GetBlockHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("get %s height: %w", cur.Symbol, err)
	}
	_, delta, err := m.timeoutDeltas(pair)
	if err != nil {
		return nil, err
	}

	kp, err := m.alloc.Next(cur.Symbol)
	if err != nil {
		return nil, err
	}
	htlc := &txfactory.HTLC{
		PreimageHash:  hash,
		ClaimPubKey:   req.ClaimPubKey,
		RefundPubKey:  kp.RefundPublicKey(),
		TimeoutHeight: height + delta,
	}
	script, err := txfactory.BuildScript(htlc)
	if err != nil {
		return nil, err
	}
	address, err := txfactory.Address(script, cur.Params.NetParams())
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	invoice, err := m.ln.AddHoldInvoice(ctx, &lightning.HoldInvoiceRequest{
		Hash:       hash,
		AmountSat:  holdAmount,
		Memo:       "Reverse swap " + id,
		Expiry:     m.expiry,
		CltvExpiry: uint64(delta) + holdInvoiceCltvMargin,
	})
	if err != nil {
		return nil, fmt.Errorf("add hold invoice: %w", err)
	}

	r := &storage.ReverseSwap{
		ID:            id,
		PairID:        pair.ID,
		OrderSide:     req.OrderSide,
		Currency:      cur.Symbol,
		Status:        storage.StatusCreated,
		KeyIndex:      kp.Index,
		RedeemScript:  script,
		LockupAddress: address,
		TimeoutHeight: htlc.TimeoutHeight,
		ClaimPubKey:   req.ClaimPubKey,
		Invoice:       invoice,
		InvoiceAmount: holdAmount,
		PreimageHash:  hash,
		Preimage:      preimage,
		OnchainAmount: onchain,
	}

	hashes := map[string]swapRef{
		hex.EncodeToString(hash): {kind: storage.KindReverse, id: id, currency: cur.Symbol},
	}
	if pair.PrepayMinerFee {
		feePreimage, feeHash, err := txfactory.GeneratePreimage()
		if err != nil {
			return nil, err
		}
		prepay, err := m.ln.AddInvoice(ctx, feePreimage, minerFee, "Miner fee for reverse swap "+id)
		if err != nil {
			m.cancelInvoice(ctx, hash)
			return nil, fmt.Errorf("add miner fee invoice: %w", err)
		}
		r.MinerFeeInvoice = prepay
		r.MinerFeePreimage = feePreimage
		r.MinerFeeAmount = minerFee
		hashes[hex.EncodeToString(feeHash)] = swapRef{kind: storage.KindReverse, id: id, currency: cur.Symbol, prepay: true}
	}

	if err := m.store.CreateReverseSwap(r); err != nil {
		m.cancelInvoice(ctx, hash)
		return nil, err
	}

	m.track(address, hashes, swapRef{kind: storage.KindReverse, id: id, currency: cur.Symbol})
	cur.Watcher.Watch(address)
	if err := m.subscribeReverse(r); err != nil {
		m.log.Warn("Invoice subscription failed", "swap", id, "error", err)
	}
	m.publishReverse(r)

	m.log.Info("Reverse swap created", "swap", id, "currency", cur.Symbol, "address", address,
		"onchain", onchain, "prepay", pair.PrepayMinerFee, "timeout", r.TimeoutHeight, "key_index", kp.Index)
	return r, nil
}

// subscribeReverse streams the hold invoice and, while unpaid, the prepay
// invoice into the Lightning router.
func (m *Manager) subscribeReverse(r *storage.ReverseSwap) error {
	if err := m.ln.SubscribeInvoice(m.ctx, r.PreimageHash); err != nil {
		return err
	}
	if r.RequiresPrepay() && !r.MinerFeePaid {
		feeHash := sha256.Sum256(r.MinerFeePreimage)
		return m.ln.SubscribeInvoice(m.ctx, feeHash[:])
	}
	return nil
}

func (m *Manager) cancelInvoice(ctx context.Context, hash []byte) {
	if err := m.ln.CancelInvoice(ctx, hash); err != nil && !errors.Is(err, lightning.ErrInvoiceNotFound) {
		m.log.Warn("Cancel invoice failed", "hash", hex.EncodeToString(hash), "error", err)
	}
}
