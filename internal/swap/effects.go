// Package swap - Effect execution: payments, claims, refunds and lockups.
package swap

import (
	"context"
	"crypto/sha256"
	"errors"

	"github.com/klingon-exchange/lnswap/internal/storage"
	"github.com/klingon-exchange/lnswap/internal/txfactory"
	"github.com/klingon-exchange/lnswap/internal/wallet"
)

// minFeeLimit is the routing fee floor in sat, so tiny invoices stay payable.
const minFeeLimit = 10

func (l *currencyLoop) runSwapEffect(ctx context.Context, s *storage.Swap, e Effect) {
	switch e {
	case EffectStartPayment:
		l.applySwap(ctx, s, Event{Type: EventPaymentStarted, Height: l.tip()})
	case EffectPay:
		l.pay(s, false)
	case EffectTrackPayment:
		l.pay(s, true)
	case EffectClaim:
		l.claim(ctx, s)
	case EffectRefund:
		l.refundSwap(ctx, s)
	case EffectUnwatch:
		l.m.forget(s.LockupAddress)
		l.cur.Watcher.Unwatch(s.LockupAddress)
	default:
		l.log.Error("Unexpected effect for swap", "swap", s.ID, "effect", e)
	}
}

func (l *currencyLoop) runReverseEffect(ctx context.Context, r *storage.ReverseSwap, e Effect) {
	switch e {
	case EffectFundLockup:
		l.fundLockup(ctx, r)
	case EffectSettleInvoice:
		l.settle(ctx, r)
	case EffectCancelInvoice:
		l.m.cancelInvoice(ctx, r.PreimageHash)
		if r.RequiresPrepay() && !r.MinerFeePaid {
			feeHash := sha256.Sum256(r.MinerFeePreimage)
			l.m.cancelInvoice(ctx, feeHash[:])
		}
	case EffectRefund:
		l.refundReverse(ctx, r)
	case EffectUnwatch:
		hashes := [][]byte{r.PreimageHash}
		if r.RequiresPrepay() {
			feeHash := sha256.Sum256(r.MinerFeePreimage)
			hashes = append(hashes, feeHash[:])
		}
		l.m.forget(r.LockupAddress, hashes...)
		l.cur.Watcher.Unwatch(r.LockupAddress)
		delete(l.accepted, r.ID)
	default:
		l.log.Error("Unexpected effect for reverse swap", "swap", r.ID, "effect", e)
	}
}

func (m *Manager) feeLimit(amount uint64) uint64 {
	limit := amount * m.feePPM / 1_000_000
	if limit < minFeeLimit {
		return minFeeLimit
	}
	return limit
}

// pay pays the swap invoice, or with track only follows an earlier payment,
// outside the loop. The outcome comes back through l.results. Lightning nodes
// deduplicate by payment hash, so paying again after a restart returns the
// first outcome.
func (l *currencyLoop) pay(s *storage.Swap, track bool) {
	if l.paying[s.ID] {
		return
	}
	l.paying[s.ID] = true

	if track {
		l.log.Info("Tracking earlier payment", "swap", s.ID)
	} else {
		l.log.Info("Paying invoice", "swap", s.ID)
	}

	id, invoice, hash, limit := s.ID, s.Invoice, s.PreimageHash, l.m.feeLimit(s.ExpectedAmount)
	l.m.wg.Add(1)
	go func() {
		defer l.m.wg.Done()
		pctx, cancel := context.WithTimeout(l.m.ctx, l.m.payLimit)
		defer cancel()

		res := paymentOutcome{id: id, tracked: track}
		if track {
			res.preimage, res.err = l.m.ln.TrackPayment(pctx, hash)
		} else {
			res.preimage, res.err = l.m.ln.PayInvoice(pctx, invoice, limit)
		}
		select {
		case l.results <- res:
		case <-l.m.ctx.Done():
		}
	}()
}

func (l *currencyLoop) claim(ctx context.Context, s *storage.Swap) {
	if len(s.Preimage) == 0 || s.LockupTxID == "" {
		l.log.Error("Claim without preimage or lockup", "swap", s.ID)
		return
	}
	htlc, err := txfactory.ParseScript(s.RedeemScript)
	if err != nil {
		l.log.Error("Corrupt redeem script", "swap", s.ID, "error", err)
		return
	}
	kp, err := l.m.deriver.Derive(s.Currency, s.KeyIndex)
	if err != nil {
		l.log.Error("Derive claim key failed", "swap", s.ID, "error", err)
		return
	}

	tx, err := l.cur.Builder.BuildClaim(&txfactory.ClaimRequest{
		HTLC:         htlc,
		RedeemScript: s.RedeemScript,
		Lockup:       txfactory.Outpoint{TxID: s.LockupTxID, Vout: s.LockupVout, Amount: s.OnchainAmount},
		Preimage:     s.Preimage,
		Key:          kp.Claim,
		Destination:  l.cur.Wallet.Address(),
		FeeRate:      l.cur.Watcher.FeeRate(ctx),
	})
	if err != nil {
		l.log.Error("Build claim failed", "swap", s.ID, "error", err)
		if errors.Is(err, txfactory.ErrInsufficientFunds) || errors.Is(err, txfactory.ErrDustOutput) {
			l.applySwap(ctx, s, Event{Type: EventClaimFailed, Height: l.tip(), Reason: "claim not buildable: " + err.Error()})
		}
		return
	}
	txid, err := l.cur.Watcher.BroadcastTransaction(ctx, tx.Raw)
	if err != nil {
		l.log.Warn("Claim broadcast failed, retrying next block", "swap", s.ID, "error", err)
		return
	}

	l.log.Info("Claim broadcast", "swap", s.ID, "txid", txid, "fee", tx.Fee)
	l.applySwap(ctx, s, Event{Type: EventClaimBroadcast, Height: l.tip(), TxID: txid})
}

func (l *currencyLoop) refundSwap(ctx context.Context, s *storage.Swap) {
	if !s.ServiceRefund() || s.LockupTxID == "" {
		return
	}
	// The lockup holds the client's coins; without their address there is
	// nowhere to refund to.
	if s.RefundAddress == "" {
		l.log.Error("Swap has no refund address", "swap", s.ID)
		return
	}
	txid, err := l.refund(ctx, s.Currency, s.KeyIndex, s.RedeemScript,
		txfactory.Outpoint{TxID: s.LockupTxID, Vout: s.LockupVout, Amount: s.OnchainAmount}, s.RefundAddress)
	if err != nil {
		l.log.Warn("Refund failed, retrying next block", "swap", s.ID, "error", err)
		return
	}
	l.log.Info("Refund broadcast", "swap", s.ID, "txid", txid)
	l.applySwap(ctx, s, Event{Type: EventRefundBroadcast, Height: l.tip(), TxID: txid})
}

func (l *currencyLoop) refundReverse(ctx context.Context, r *storage.ReverseSwap) {
	if r.LockupTxID == "" {
		return
	}
	txid, err := l.refund(ctx, r.Currency, r.KeyIndex, r.RedeemScript,
		txfactory.Outpoint{TxID: r.LockupTxID, Vout: r.LockupVout, Amount: r.OnchainAmount}, l.cur.Wallet.Address())
	if err != nil {
		l.log.Warn("Refund failed, retrying next block", "swap", r.ID, "error", err)
		return
	}
	l.log.Info("Refund broadcast", "swap", r.ID, "txid", txid)
	l.applyReverse(ctx, r, Event{Type: EventRefundBroadcast, Height: l.tip(), TxID: txid})
}

// refund builds and broadcasts the timeout spend of a lockup with the
// refund key of index.
func (l *currencyLoop) refund(ctx context.Context, currency string, index uint32, script []byte, lockup txfactory.Outpoint, dest string) (string, error) {
	htlc, err := txfactory.ParseScript(script)
	if err != nil {
		return "", err
	}
	kp, err := l.m.deriver.Derive(currency, index)
	if err != nil {
		return "", err
	}
	tx, err := l.cur.Builder.BuildRefund(&txfactory.RefundRequest{
		HTLC:         htlc,
		RedeemScript: script,
		Lockup:       lockup,
		Key:          kp.Refund,
		Destination:  dest,
		FeeRate:      l.cur.Watcher.FeeRate(ctx),
	})
	if err != nil {
		return "", err
	}
	return l.cur.Watcher.BroadcastTransaction(ctx, tx.Raw)
}

// fundLockup locks the on-chain side of a reverse swap. An existing payment
// to the lockup address is adopted instead, so a restart between broadcast
// and persistence never funds twice.
func (l *currencyLoop) fundLockup(ctx context.Context, r *storage.ReverseSwap) {
	existing, err := l.cur.Watcher.Lookup(ctx, r.LockupAddress)
	if err != nil {
		l.log.Warn("Lockup lookup failed, retrying next block", "swap", r.ID, "error", err)
		return
	}
	if existing != nil {
		l.log.Info("Adopting existing lockup", "swap", r.ID, "txid", existing.TxID)
		l.applyReverse(ctx, r, Event{
			Type:          EventLockupSeen,
			Height:        l.tip(),
			TxID:          existing.TxID,
			Vout:          existing.Vout,
			Amount:        existing.Amount,
			Confirmations: existing.Confirmations,
		})
		return
	}

	htlc, err := txfactory.ParseScript(r.RedeemScript)
	if err != nil {
		l.log.Error("Corrupt redeem script", "swap", r.ID, "error", err)
		return
	}
	tx, err := l.cur.Wallet.FundLockup(ctx, htlc, r.RedeemScript, r.OnchainAmount, l.cur.Watcher.FeeRate(ctx), l.cur.Watcher)
	if err != nil {
		if errors.Is(err, txfactory.ErrInsufficientFunds) || errors.Is(err, wallet.ErrNoUTXOs) {
			l.log.Error("Cannot fund lockup", "swap", r.ID, "error", err)
			l.applyReverse(ctx, r, Event{Type: EventLockupFundingFailed, Height: l.tip(), Reason: err.Error()})
			return
		}
		l.log.Warn("Lockup funding failed, retrying next block", "swap", r.ID, "error", err)
		return
	}

	l.log.Info("Lockup broadcast", "swap", r.ID, "txid", tx.TxID, "amount", tx.Amount, "fee", tx.Fee)
	l.applyReverse(ctx, r, Event{
		Type:   EventLockupBroadcast,
		Height: l.tip(),
		TxID:   tx.TxID,
		Vout:   tx.Vout,
		Amount: tx.Amount,
		Fee:    tx.Fee,
	})
}

func (l *currencyLoop) settle(ctx context.Context, r *storage.ReverseSwap) {
	if len(r.Preimage) == 0 {
		l.log.Error("Settle without preimage", "swap", r.ID)
		return
	}
	if err := l.m.ln.SettleInvoice(ctx, r.Preimage); err != nil {
		l.log.Warn("Settle invoice failed, retrying next block", "swap", r.ID, "error", err)
		return
	}
	l.log.Info("Hold invoice settled", "swap", r.ID)
	l.applyReverse(ctx, r, Event{Type: EventInvoiceSettled, Height: l.tip()})
}
