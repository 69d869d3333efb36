// Package swap - Startup recovery.
package swap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/klingon-exchange/lnswap/internal/storage"
)

// recover rebuilds the in-memory indexes from persisted records and resumes
// in-flight effects. Nothing it needs lives outside the database: keys come
// from the key index, addresses from the stored script, and the watchers
// replay blocks from the last scanned height.
func (m *Manager) recover(ctx context.Context) error {
	for _, sym := range sortedKeys(m.loops) {
		l := m.loops[sym]
		height, err := l.cur.Watcher.GetBlockHeight(ctx)
		if err != nil {
			l.log.Warn("Tip unavailable at startup", "error", err)
			continue
		}
		l.observe(height)
	}

	swaps, err := m.store.GetNonTerminalSwaps()
	if err != nil {
		return err
	}
	reverse, err := m.store.GetNonTerminalReverseSwaps()
	if err != nil {
		return err
	}
	unsettled, err := m.store.GetUnsettledClaimedReverseSwaps()
	if err != nil {
		return err
	}

	for _, s := range swaps {
		l, ok := m.loops[s.Currency]
		if !ok {
			m.log.Warn("Swap of unconfigured currency left untouched", "swap", s.ID, "currency", s.Currency)
			continue
		}
		m.track(s.LockupAddress, nil, swapRef{kind: storage.KindSubmarine, id: s.ID, currency: s.Currency})
		l.cur.Watcher.Watch(s.LockupAddress)
	}

	for _, r := range reverse {
		l, ok := m.loops[r.Currency]
		if !ok {
			m.log.Warn("Reverse swap of unconfigured currency left untouched", "swap", r.ID, "currency", r.Currency)
			continue
		}
		ref := swapRef{kind: storage.KindReverse, id: r.ID, currency: r.Currency}
		hashes := map[string]swapRef{hex.EncodeToString(r.PreimageHash): ref}
		if r.RequiresPrepay() {
			feeHash := sha256.Sum256(r.MinerFeePreimage)
			prepay := ref
			prepay.prepay = true
			hashes[hex.EncodeToString(feeHash[:])] = prepay
		}
		m.track(r.LockupAddress, hashes, ref)
		l.cur.Watcher.Watch(r.LockupAddress)
		if err := m.subscribeReverse(r); err != nil {
			m.log.Warn("Invoice subscription failed", "swap", r.ID, "error", err)
		}
	}

	for _, s := range swaps {
		if l, ok := m.loops[s.Currency]; ok {
			l.applySwap(ctx, s, Event{Type: EventRecover, Height: l.tip()})
		}
	}
	for _, r := range unsettled {
		if l, ok := m.loops[r.Currency]; ok {
			l.applyReverse(ctx, r, Event{Type: EventRecover, Height: l.tip()})
		}
	}

	// The watcher persists a height before the loop has processed it, so
	// timeouts at the current tip are swept once more.
	for _, sym := range sortedKeys(m.loops) {
		l := m.loops[sym]
		if tip := l.tip(); tip > 0 {
			l.sweep(ctx, tip)
		}
	}

	m.log.Info("Recovered swaps", "swaps", len(swaps), "reverse_swaps", len(reverse), "unsettled", len(unsettled))
	return nil
}
