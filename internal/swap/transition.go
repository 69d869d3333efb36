// Package swap - Pure state transitions for submarine and reverse swaps.
//
// Transition and TransitionReverse look only at the persisted record, the
// event and the currency policy. They never touch the network or the
// database; the Manager applies the returned Decision with a compare-and-swap
// on the prior status and then runs the listed effects.
package swap

import (
	"fmt"

	"github.com/klingon-exchange/lnswap/internal/storage"
	"github.com/klingon-exchange/lnswap/internal/txfactory"
)

// EventType classifies the inputs of the state machine.
type EventType int

const (
	// EventLockupSeen reports a transaction paying the lockup address, either
	// a first sighting or an increased confirmation depth.
	EventLockupSeen EventType = iota
	EventLockupUnconfirmed
	EventLockupDropped
	// EventLockupSpent reports a spend of the lockup output.
	EventLockupSpent
	EventBlock
	// EventRecover is fed once per record when the manager starts.
	EventRecover

	EventPaymentStarted
	EventPaymentSucceeded
	EventPaymentFailed
	EventClaimBroadcast
	// EventClaimFailed reports a claim that cannot be built at the current
	// fee rate.
	EventClaimFailed
	EventRefundBroadcast

	EventLockupBroadcast
	EventLockupFundingFailed
	EventPrepaySettled
	EventInvoiceAccepted
	EventInvoiceSettled
	EventInvoiceCanceled
)

var eventNames = map[EventType]string{
	EventLockupSeen:          "lockup_seen",
	EventLockupUnconfirmed:   "lockup_unconfirmed",
	EventLockupDropped:       "lockup_dropped",
	EventLockupSpent:         "lockup_spent",
	EventBlock:               "block",
	EventRecover:             "recover",
	EventPaymentStarted:      "payment_started",
	EventPaymentSucceeded:    "payment_succeeded",
	EventPaymentFailed:       "payment_failed",
	EventClaimBroadcast:      "claim_broadcast",
	EventClaimFailed:         "claim_failed",
	EventRefundBroadcast:     "refund_broadcast",
	EventLockupBroadcast:     "lockup_broadcast",
	EventLockupFundingFailed: "lockup_funding_failed",
	EventPrepaySettled:       "prepay_settled",
	EventInvoiceAccepted:     "invoice_accepted",
	EventInvoiceSettled:      "invoice_settled",
	EventInvoiceCanceled:     "invoice_canceled",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// Event is one input to Transition. Only the fields relevant to Type are set.
type Event struct {
	Type EventType

	// Height is the chain tip when the event was observed.
	Height uint32

	TxID          string
	Vout          uint32
	Amount        uint64
	Confirmations int64
	RBF           bool
	Fee           uint64

	Preimage []byte
	Reason   string

	// HoldAccepted tells reverse transitions whether the client's hold
	// invoice is currently accepted by the node.
	HoldAccepted bool
}

// Effect is a side effect the manager runs after a decision is persisted.
type Effect int

const (
	// EffectStartPayment moves an eligible swap to invoice.pending and pays.
	EffectStartPayment Effect = iota + 1
	// EffectPay pays the invoice of a swap already in invoice.pending.
	EffectPay
	// EffectTrackPayment resolves an earlier payment without sending a new one.
	EffectTrackPayment
	EffectClaim
	EffectRefund
	EffectFundLockup
	EffectSettleInvoice
	EffectCancelInvoice
	EffectUnwatch
)

func (e Effect) String() string {
	switch e {
	case EffectStartPayment:
		return "start_payment"
	case EffectPay:
		return "pay"
	case EffectTrackPayment:
		return "track_payment"
	case EffectClaim:
		return "claim"
	case EffectRefund:
		return "refund"
	case EffectFundLockup:
		return "fund_lockup"
	case EffectSettleInvoice:
		return "settle_invoice"
	case EffectCancelInvoice:
		return "cancel_invoice"
	case EffectUnwatch:
		return "unwatch"
	default:
		return fmt.Sprintf("unknown(%d)", int(e))
	}
}

// Policy holds the per-currency acceptance rules.
type Policy struct {
	// ZeroConfThreshold is the largest lockup amount accepted from mempool.
	ZeroConfThreshold uint64
	// RequiredConfirmations is the depth needed above the threshold.
	RequiredConfirmations int64
	// RejectRBFZeroConf refuses zero-conf for lockups signalling BIP125.
	RejectRBFZeroConf bool
}

func (p Policy) required() int64 {
	if p.RequiredConfirmations < 1 {
		return 1
	}
	return p.RequiredConfirmations
}

// acceptsZeroConf reports whether a mempool lockup may be paid out.
func (p Policy) acceptsZeroConf(amount uint64, rbf bool) bool {
	if amount > p.ZeroConfThreshold {
		return false
	}
	return !(rbf && p.RejectRBFZeroConf)
}

// Decision is the outcome of a transition. Status equals the current status
// when nothing changes; Update may still carry fields for a same-status write.
type Decision struct {
	Status  storage.SwapStatus
	Update  *storage.SwapUpdate
	Effects []Effect
}

// Writes reports whether the decision needs a repository update.
func (d Decision) Writes(current storage.SwapStatus) bool {
	return d.Status != current || d.Update != nil
}

// Has reports whether e is among the decision's effects.
func (d Decision) Has(e Effect) bool {
	for _, x := range d.Effects {
		if x == e {
			return true
		}
	}
	return false
}

func stay(s storage.SwapStatus, effects ...Effect) Decision {
	return Decision{Status: s, Effects: effects}
}

func move(s storage.SwapStatus, upd *storage.SwapUpdate, effects ...Effect) Decision {
	return Decision{Status: s, Update: upd, Effects: effects}
}

func lockupUpdate(ev Event) *storage.SwapUpdate {
	txid, vout, amount := ev.TxID, ev.Vout, ev.Amount
	return &storage.SwapUpdate{LockupTxID: &txid, LockupVout: &vout, OnchainAmount: &amount}
}

func clearedLockup() *storage.SwapUpdate {
	var txid string
	var vout uint32
	var amount uint64
	return &storage.SwapUpdate{LockupTxID: &txid, LockupVout: &vout, OnchainAmount: &amount}
}

func reason(format string, args ...interface{}) *string {
	s := fmt.Sprintf(format, args...)
	return &s
}

// =========================================================================
// Submarine swaps
// =========================================================================

// Transition decides how a submarine swap reacts to ev.
func Transition(s *storage.Swap, ev Event, p Policy) Decision {
	cur := s.Status

	switch ev.Type {
	case EventLockupSeen:
		return lockupSeen(s, ev, p)

	case EventLockupUnconfirmed:
		if cur == storage.StatusLockupConfirmed && ev.TxID == s.LockupTxID {
			return move(storage.StatusLockupMempool, nil)
		}

	case EventLockupDropped:
		if (cur == storage.StatusLockupMempool || cur == storage.StatusLockupConfirmed) && ev.TxID == s.LockupTxID {
			return move(storage.StatusCreated, clearedLockup())
		}

	case EventPaymentStarted:
		if cur == storage.StatusLockupMempool || cur == storage.StatusLockupConfirmed {
			return move(storage.StatusInvoicePending, nil, EffectPay)
		}

	case EventPaymentSucceeded:
		if cur != storage.StatusInvoicePending {
			break
		}
		if !txfactory.VerifyPreimage(ev.Preimage, s.PreimageHash) {
			return move(storage.StatusInvoiceFailedToPay, &storage.SwapUpdate{
				FailureReason: reason("payment returned a preimage that does not match the invoice"),
			})
		}
		return move(storage.StatusInvoicePaid, &storage.SwapUpdate{Preimage: ev.Preimage}, EffectClaim)

	case EventPaymentFailed:
		if cur == storage.StatusInvoicePending {
			return move(storage.StatusInvoiceFailedToPay, &storage.SwapUpdate{FailureReason: reason("%s", ev.Reason)})
		}

	case EventClaimBroadcast:
		if cur == storage.StatusInvoicePaid {
			txid := ev.TxID
			return move(storage.StatusClaimed, &storage.SwapUpdate{ClaimTxID: &txid}, EffectUnwatch)
		}

	case EventClaimFailed:
		if cur == storage.StatusInvoicePaid && s.FailureReason != ev.Reason {
			return move(cur, &storage.SwapUpdate{FailureReason: reason("%s", ev.Reason)})
		}

	case EventRefundBroadcast:
		switch cur {
		case storage.StatusLockupMempool, storage.StatusLockupConfirmed,
			storage.StatusLockupFailed, storage.StatusInvoiceFailedToPay:
			txid := ev.TxID
			return move(storage.StatusRefunded, &storage.SwapUpdate{RefundTxID: &txid}, EffectUnwatch)
		}

	case EventLockupSpent:
		// Both spend paths are ours unless the client holds the refund key,
		// so a spend here is a claim or refund whose status write was lost.
		txid := ev.TxID
		if ev.Preimage != nil {
			if cur == storage.StatusInvoicePaid && txfactory.VerifyPreimage(ev.Preimage, s.PreimageHash) {
				return move(storage.StatusClaimed, &storage.SwapUpdate{ClaimTxID: &txid}, EffectUnwatch)
			}
			break
		}
		switch cur {
		case storage.StatusLockupMempool, storage.StatusLockupConfirmed, storage.StatusLockupFailed:
			if s.ServiceRefund() {
				return move(storage.StatusRefunded, &storage.SwapUpdate{RefundTxID: &txid}, EffectUnwatch)
			}
			return move(storage.StatusExpired, nil, EffectUnwatch)
		case storage.StatusInvoiceFailedToPay:
			if s.ServiceRefund() {
				return move(storage.StatusRefunded, &storage.SwapUpdate{RefundTxID: &txid}, EffectUnwatch)
			}
		}

	case EventBlock:
		return swapBlock(s, ev)

	case EventRecover:
		switch cur {
		case storage.StatusInvoicePending:
			if ev.Height < s.TimeoutHeight {
				return stay(cur, EffectPay)
			}
			return stay(cur, EffectTrackPayment)
		case storage.StatusInvoicePaid:
			return stay(cur, EffectClaim)
		}
	}

	return stay(cur)
}

func lockupSeen(s *storage.Swap, ev Event, p Policy) Decision {
	cur := s.Status
	confirmed := ev.Confirmations >= p.required()
	payable := ev.Height < s.TimeoutHeight && (confirmed || p.acceptsZeroConf(ev.Amount, ev.RBF))

	switch cur {
	case storage.StatusCreated:
		if ev.Amount < s.ExpectedAmount {
			upd := lockupUpdate(ev)
			upd.FailureReason = reason("lockup of %d is less than the expected %d", ev.Amount, s.ExpectedAmount)
			return move(storage.StatusLockupFailed, upd)
		}
		next := storage.StatusLockupMempool
		if confirmed {
			next = storage.StatusLockupConfirmed
		}
		if payable {
			return move(next, lockupUpdate(ev), EffectStartPayment)
		}
		return move(next, lockupUpdate(ev))

	case storage.StatusLockupMempool:
		if ev.TxID != s.LockupTxID {
			break
		}
		if confirmed {
			if payable {
				return move(storage.StatusLockupConfirmed, nil, EffectStartPayment)
			}
			return move(storage.StatusLockupConfirmed, nil)
		}
		if payable {
			return stay(cur, EffectStartPayment)
		}

	case storage.StatusLockupConfirmed:
		if ev.TxID == s.LockupTxID && payable {
			return stay(cur, EffectStartPayment)
		}
	}

	return stay(cur)
}

func swapBlock(s *storage.Swap, ev Event) Decision {
	cur := s.Status

	if ev.Height < s.TimeoutHeight {
		switch cur {
		case storage.StatusInvoicePending:
			return stay(cur, EffectPay)
		case storage.StatusInvoicePaid:
			return stay(cur, EffectClaim)
		}
		return stay(cur)
	}

	switch cur {
	case storage.StatusCreated:
		return move(storage.StatusExpired, &storage.SwapUpdate{FailureReason: reason("no lockup before block %d", s.TimeoutHeight)}, EffectUnwatch)

	case storage.StatusLockupMempool, storage.StatusLockupConfirmed, storage.StatusLockupFailed:
		if s.ServiceRefund() {
			return stay(cur, EffectRefund)
		}
		return move(storage.StatusExpired, nil, EffectUnwatch)

	case storage.StatusInvoiceFailedToPay:
		if s.ServiceRefund() {
			return stay(cur, EffectRefund)
		}

	case storage.StatusInvoicePending:
		// No new payment past the timeout, but one already sent may still
		// settle.
		return stay(cur, EffectTrackPayment)

	case storage.StatusInvoicePaid:
		// The preimage is ours; claiming races the client's refund.
		return stay(cur, EffectClaim)
	}

	return stay(cur)
}

// =========================================================================
// Reverse swaps
// =========================================================================

// TransitionReverse decides how a reverse swap reacts to ev.
func TransitionReverse(r *storage.ReverseSwap, ev Event, p Policy) Decision {
	cur := r.Status
	awaitingLockup := cur == storage.StatusCreated || cur == storage.StatusMinerFeePaid

	switch ev.Type {
	case EventPrepaySettled:
		if cur == storage.StatusCreated && r.RequiresPrepay() {
			paid := true
			upd := &storage.SwapUpdate{MinerFeePaid: &paid}
			if ev.HoldAccepted && ev.Height < r.TimeoutHeight {
				return move(storage.StatusMinerFeePaid, upd, EffectFundLockup)
			}
			return move(storage.StatusMinerFeePaid, upd)
		}

	case EventInvoiceAccepted:
		if readyToLock(r) && ev.Height < r.TimeoutHeight {
			return stay(cur, EffectFundLockup)
		}

	case EventLockupBroadcast:
		if awaitingLockup {
			fee := ev.Fee
			upd := lockupUpdate(ev)
			upd.LockupFee = &fee
			return move(storage.StatusLockupMempool, upd)
		}

	case EventLockupFundingFailed:
		if awaitingLockup {
			return move(storage.StatusLockupFailed, &storage.SwapUpdate{FailureReason: reason("%s", ev.Reason)}, EffectCancelInvoice)
		}

	case EventLockupSeen:
		switch {
		case awaitingLockup && ev.Amount >= r.OnchainAmount:
			// Our own lockup found after a restart.
			next := storage.StatusLockupMempool
			if ev.Confirmations >= 1 {
				next = storage.StatusLockupConfirmed
			}
			return move(next, lockupUpdate(ev))
		case cur == storage.StatusLockupMempool && ev.TxID == r.LockupTxID && ev.Confirmations >= 1:
			return move(storage.StatusLockupConfirmed, nil)
		}

	case EventLockupUnconfirmed:
		if cur == storage.StatusLockupConfirmed && ev.TxID == r.LockupTxID {
			return move(storage.StatusLockupMempool, nil)
		}

	case EventLockupDropped:
		if (cur == storage.StatusLockupMempool || cur == storage.StatusLockupConfirmed) && ev.TxID == r.LockupTxID {
			next := storage.StatusCreated
			if r.MinerFeePaid {
				next = storage.StatusMinerFeePaid
			}
			if ev.HoldAccepted && ev.Height < r.TimeoutHeight {
				return move(next, clearedLockup(), EffectFundLockup)
			}
			return move(next, clearedLockup())
		}

	case EventLockupSpent:
		if cur != storage.StatusLockupMempool && cur != storage.StatusLockupConfirmed {
			break
		}
		if ev.Preimage != nil && txfactory.VerifyPreimage(ev.Preimage, r.PreimageHash) {
			txid := ev.TxID
			return move(storage.StatusClaimed, &storage.SwapUpdate{Preimage: ev.Preimage, ClaimTxID: &txid},
				EffectSettleInvoice, EffectUnwatch)
		}

	case EventRefundBroadcast:
		if cur == storage.StatusLockupMempool || cur == storage.StatusLockupConfirmed {
			txid := ev.TxID
			return move(storage.StatusRefunded, &storage.SwapUpdate{RefundTxID: &txid}, EffectCancelInvoice, EffectUnwatch)
		}

	case EventInvoiceSettled:
		if cur == storage.StatusClaimed && !r.InvoiceSettled {
			settled := true
			return move(cur, &storage.SwapUpdate{InvoiceSettled: &settled})
		}

	case EventInvoiceCanceled:
		if awaitingLockup {
			return move(storage.StatusExpired, &storage.SwapUpdate{FailureReason: reason("invoice canceled before lockup")}, EffectUnwatch)
		}

	case EventBlock:
		return reverseBlock(r, ev)

	case EventRecover:
		if cur == storage.StatusClaimed && !r.InvoiceSettled {
			return stay(cur, EffectSettleInvoice)
		}
	}

	return stay(cur)
}

// readyToLock reports whether the reverse swap waits only for the hold invoice.
func readyToLock(r *storage.ReverseSwap) bool {
	switch r.Status {
	case storage.StatusCreated:
		return !r.RequiresPrepay()
	case storage.StatusMinerFeePaid:
		return true
	}
	return false
}

func reverseBlock(r *storage.ReverseSwap, ev Event) Decision {
	cur := r.Status

	if cur == storage.StatusClaimed {
		if !r.InvoiceSettled {
			return stay(cur, EffectSettleInvoice)
		}
		return stay(cur)
	}

	if ev.Height < r.TimeoutHeight {
		if ev.HoldAccepted && readyToLock(r) {
			return stay(cur, EffectFundLockup)
		}
		return stay(cur)
	}

	switch cur {
	case storage.StatusCreated, storage.StatusMinerFeePaid:
		return move(storage.StatusExpired, &storage.SwapUpdate{FailureReason: reason("no lockup before block %d", r.TimeoutHeight)},
			EffectCancelInvoice, EffectUnwatch)
	case storage.StatusLockupFailed:
		return move(storage.StatusExpired, nil, EffectUnwatch)
	case storage.StatusLockupMempool, storage.StatusLockupConfirmed:
		return stay(cur, EffectRefund)
	}

	return stay(cur)
}
