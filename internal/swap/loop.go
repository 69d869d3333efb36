// Package swap - Per-currency event loop.
package swap

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/klingon-exchange/lnswap/internal/chainwatch"
	"github.com/klingon-exchange/lnswap/internal/lightning"
	"github.com/klingon-exchange/lnswap/internal/storage"
	"github.com/klingon-exchange/lnswap/internal/txfactory"
	"github.com/klingon-exchange/lnswap/pkg/logging"
)

// invoiceItem is a Lightning update routed to the loop owning the swap.
type invoiceItem struct {
	update lightning.InvoiceUpdate
	ref    swapRef
}

// paymentOutcome is the result of a payment run outside the loop.
type paymentOutcome struct {
	id       string
	preimage []byte
	err      error
	tracked  bool
}

// currencyLoop is the single consumer of one currency's chain events, of
// the invoice updates of its reverse swaps and of payment outcomes. Every
// record of the currency is only ever mutated from this goroutine.
type currencyLoop struct {
	m   *Manager
	cur *Currency
	log *logging.Logger

	// Invoice updates queue without bound so the router never waits on a
	// busy loop.
	queueMu sync.Mutex
	queue   []invoiceItem
	wake    chan struct{}

	results chan paymentOutcome
	// paying holds swaps with a payment in flight.
	paying map[string]bool

	height atomic.Uint32

	// accepted tracks hold invoices the node reports as accepted. Rebuilt
	// from invoice subscriptions after a restart.
	accepted map[string]bool
}

func newCurrencyLoop(m *Manager, c *Currency) *currencyLoop {
	return &currencyLoop{
		m:        m,
		cur:      c,
		log:      m.log.With("currency", c.Symbol),
		wake:     make(chan struct{}, 1),
		results:  make(chan paymentOutcome, 64),
		paying:   make(map[string]bool),
		accepted: make(map[string]bool),
	}
}

func (l *currencyLoop) enqueue(item invoiceItem) {
	l.queueMu.Lock()
	l.queue = append(l.queue, item)
	l.queueMu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *currencyLoop) dequeue() []invoiceItem {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	items := l.queue
	l.queue = nil
	return items
}

func (l *currencyLoop) tip() uint32 {
	return l.height.Load()
}

func (l *currencyLoop) observe(height uint32) {
	for {
		cur := l.height.Load()
		if height <= cur || l.height.CompareAndSwap(cur, height) {
			return
		}
	}
}

func (l *currencyLoop) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-l.cur.Watcher.Events():
			if !ok {
				return
			}
			l.handleChain(ctx, ev)
		case <-l.wake:
			for _, item := range l.dequeue() {
				l.handleInvoice(ctx, item)
			}
		case res := <-l.results:
			l.handlePayment(ctx, res)
		}
	}
}

// routeInvoices forwards Lightning updates to the loop of the swap's currency.
func (m *Manager) routeInvoices(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-m.ln.Events():
			if !ok {
				return
			}
			ref, known := m.lookupHash(u.Hash)
			if !known {
				continue
			}
			if l, ok := m.loops[ref.currency]; ok {
				l.enqueue(invoiceItem{update: u, ref: ref})
			}
		}
	}
}

// =========================================================================
// Chain events
// =========================================================================

func (l *currencyLoop) handleChain(ctx context.Context, ev chainwatch.Event) {
	if ev.Type == chainwatch.NewBlock {
		l.observe(ev.Height)
		l.log.Debug("New block", "height", ev.Height)
		l.sweep(ctx, ev.Height)
		return
	}
	l.observe(ev.Height)

	ref, ok := l.m.lookupAddress(ev.Address)
	if !ok {
		return
	}

	if ref.kind == storage.KindReverse {
		r, err := l.m.store.GetReverseSwap(ref.id)
		if err != nil {
			l.log.Error("Load reverse swap failed", "swap", ref.id, "error", err)
			return
		}
		if sev, ok := l.chainEvent(ev, r.RedeemScript, r.LockupTxID); ok {
			sev.HoldAccepted = l.accepted[r.ID]
			l.applyReverse(ctx, r, sev)
		}
		return
	}

	s, err := l.m.store.GetSwap(ref.id)
	if err != nil {
		l.log.Error("Load swap failed", "swap", ref.id, "error", err)
		return
	}
	if sev, ok := l.chainEvent(ev, s.RedeemScript, s.LockupTxID); ok {
		l.applySwap(ctx, s, sev)
	}
}

// chainEvent translates a watcher event on a lockup address.
func (l *currencyLoop) chainEvent(ev chainwatch.Event, script []byte, lockupTxID string) (Event, bool) {
	out := Event{
		Height:        l.tip(),
		TxID:          ev.TxID,
		Vout:          ev.Vout,
		Amount:        ev.Amount,
		Confirmations: ev.Confirmations,
		RBF:           ev.RBF,
	}

	switch ev.Type {
	case chainwatch.TxSeen, chainwatch.TxConfirmed:
		out.Type = EventLockupSeen
	case chainwatch.TxUnconfirmed:
		out.Type = EventLockupUnconfirmed
	case chainwatch.TxDropped:
		out.Type = EventLockupDropped
	case chainwatch.OutputSpent:
		if lockupTxID != "" && ev.SpentTxID != lockupTxID {
			return out, false
		}
		out.Type = EventLockupSpent
		witness, err := txfactory.DecodeWitness(ev.Witness)
		if err != nil {
			l.log.Warn("Undecodable witness on lockup spend", "txid", ev.TxID, "error", err)
			return out, false
		}
		if preimage, ok := txfactory.PreimageFromWitness(witness, script); ok {
			out.Preimage = preimage
		}
	default:
		return out, false
	}
	return out, true
}

// sweep feeds a block to every open record of the currency: timeouts,
// retried claims and payments, and lockups waiting on an accepted invoice.
func (l *currencyLoop) sweep(ctx context.Context, height uint32) {
	swaps, err := l.m.store.GetNonTerminalSwaps()
	if err != nil {
		l.log.Error("Load open swaps failed", "error", err)
		return
	}
	due, err := l.m.store.GetSwapsPastTimeout(l.cur.Symbol, height)
	if err != nil {
		l.log.Error("Load timed out swaps failed", "error", err)
		return
	}
	seen := make(map[string]bool, len(swaps))
	for _, s := range append(swaps, due...) {
		if s.Currency != l.cur.Symbol || seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		l.applySwap(ctx, s, Event{Type: EventBlock, Height: height})
	}

	reverse, err := l.m.store.GetNonTerminalReverseSwaps()
	if err != nil {
		l.log.Error("Load open reverse swaps failed", "error", err)
		return
	}
	dueReverse, err := l.m.store.GetReverseSwapsPastTimeout(l.cur.Symbol, height)
	if err != nil {
		l.log.Error("Load timed out reverse swaps failed", "error", err)
		return
	}
	unsettled, err := l.m.store.GetUnsettledClaimedReverseSwaps()
	if err != nil {
		l.log.Error("Load unsettled reverse swaps failed", "error", err)
		return
	}
	seen = make(map[string]bool, len(reverse))
	for _, r := range append(append(dueReverse, reverse...), unsettled...) {
		if r.Currency != l.cur.Symbol || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		l.applyReverse(ctx, r, Event{Type: EventBlock, Height: height, HoldAccepted: l.accepted[r.ID]})
	}
}

// =========================================================================
// Invoice events
// =========================================================================

func (l *currencyLoop) handleInvoice(ctx context.Context, item invoiceItem) {
	r, err := l.m.store.GetReverseSwap(item.ref.id)
	if err != nil {
		l.log.Error("Load reverse swap failed", "swap", item.ref.id, "error", err)
		return
	}
	u := item.update

	if item.ref.prepay {
		if u.State == lightning.InvoiceSettled {
			l.log.Info("Miner fee prepaid", "swap", r.ID, "amount", u.AmountPaid)
			l.applyReverse(ctx, r, Event{Type: EventPrepaySettled, Height: l.tip(), HoldAccepted: l.accepted[r.ID]})
		}
		return
	}

	switch u.State {
	case lightning.InvoiceAccepted:
		l.accepted[r.ID] = true
		l.log.Info("Hold invoice accepted", "swap", r.ID)
		l.applyReverse(ctx, r, Event{Type: EventInvoiceAccepted, Height: l.tip(), HoldAccepted: true})
	case lightning.InvoiceSettled:
		delete(l.accepted, r.ID)
		l.applyReverse(ctx, r, Event{Type: EventInvoiceSettled, Height: l.tip()})
	case lightning.InvoiceCanceled:
		delete(l.accepted, r.ID)
		l.applyReverse(ctx, r, Event{Type: EventInvoiceCanceled, Height: l.tip()})
	}
}

// =========================================================================
// Payment outcomes
// =========================================================================

func (l *currencyLoop) handlePayment(ctx context.Context, res paymentOutcome) {
	delete(l.paying, res.id)

	s, err := l.m.store.GetSwap(res.id)
	if err != nil {
		l.log.Error("Load swap failed", "swap", res.id, "error", err)
		return
	}

	switch {
	case res.err == nil:
		l.applySwap(ctx, s, Event{Type: EventPaymentSucceeded, Height: l.tip(), Preimage: res.preimage})
	case errors.Is(res.err, lightning.ErrPaymentFailed):
		l.log.Warn("Invoice payment failed", "swap", s.ID, "error", res.err)
		l.applySwap(ctx, s, Event{Type: EventPaymentFailed, Height: l.tip(), Reason: res.err.Error()})
	case res.tracked && errors.Is(res.err, lightning.ErrPaymentNotFound):
		// Nothing was ever sent and nothing will be past the timeout.
		l.log.Warn("No payment in flight past the timeout", "swap", s.ID)
		l.applySwap(ctx, s, Event{Type: EventPaymentFailed, Height: l.tip(), Reason: "invoice not paid before the timeout"})
	default:
		l.log.Warn("Payment outcome unknown, retrying next block", "swap", s.ID, "error", res.err)
	}
}

// =========================================================================
// Applying decisions
// =========================================================================

// applySwap computes the decision for ev, persists it with a compare-and-swap
// on the status the decision was computed from, and runs its effects. A lost
// CAS means another path already handled the event.
func (l *currencyLoop) applySwap(ctx context.Context, s *storage.Swap, ev Event) {
	d := Transition(s, ev, l.cur.policy())

	if d.Writes(s.Status) {
		if !ValidTransition(storage.KindSubmarine, s.Status, d.Status) {
			l.log.Error("Refusing invalid transition", "swap", s.ID, "from", s.Status, "to", d.Status, "event", ev.Type)
			return
		}
		ok, err := l.m.store.UpdateSwapStatus(s.ID, s.Status, d.Status, d.Update)
		if err != nil {
			l.log.Error("Update swap failed", "swap", s.ID, "error", err)
			return
		}
		if !ok {
			l.log.Debug("Swap changed concurrently", "swap", s.ID, "event", ev.Type)
			return
		}
		fresh, err := l.m.store.GetSwap(s.ID)
		if err != nil {
			l.log.Error("Reload swap failed", "swap", s.ID, "error", err)
			return
		}
		if fresh.Status != s.Status {
			l.log.Info("Swap status changed", "swap", s.ID, "from", s.Status, "to", fresh.Status, "event", ev.Type)
			l.m.publishSwap(fresh)
		}
		s = fresh
	}

	for _, e := range d.Effects {
		l.runSwapEffect(ctx, s, e)
	}
}

func (l *currencyLoop) applyReverse(ctx context.Context, r *storage.ReverseSwap, ev Event) {
	d := TransitionReverse(r, ev, l.cur.policy())

	if d.Writes(r.Status) {
		if !ValidTransition(storage.KindReverse, r.Status, d.Status) {
			l.log.Error("Refusing invalid transition", "swap", r.ID, "from", r.Status, "to", d.Status, "event", ev.Type)
			return
		}
		ok, err := l.m.store.UpdateReverseSwapStatus(r.ID, r.Status, d.Status, d.Update)
		if err != nil {
			l.log.Error("Update reverse swap failed", "swap", r.ID, "error", err)
			return
		}
		if !ok {
			l.log.Debug("Reverse swap changed concurrently", "swap", r.ID, "event", ev.Type)
			return
		}
		fresh, err := l.m.store.GetReverseSwap(r.ID)
		if err != nil {
			l.log.Error("Reload reverse swap failed", "swap", r.ID, "error", err)
			return
		}
		if fresh.Status != r.Status {
			l.log.Info("Reverse swap status changed", "swap", r.ID, "from", r.Status, "to", fresh.Status, "event", ev.Type)
			l.m.publishReverse(fresh)
		}
		r = fresh
	}

	for _, e := range d.Effects {
		l.runReverseEffect(ctx, r, e)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
