// Package wallet is the service's per-currency on-chain wallet. It supplies
// sweep addresses for claims and refunds, and funds reverse-swap lockups
// one at a time so concurrent swaps never select the same outputs.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/lnswap/internal/backend"
	"github.com/klingon-exchange/lnswap/internal/chain"
	"github.com/klingon-exchange/lnswap/internal/txfactory"
	"github.com/klingon-exchange/lnswap/pkg/logging"
)

var ErrNoUTXOs = errors.New("no spendable outputs")

// KeySource derives wallet keys.
type KeySource interface {
	WalletKey(currency string, index uint32) (*btcec.PrivateKey, error)
}

// UTXOSource lists unspent outputs of an address.
type UTXOSource interface {
	GetAddressUTXOs(ctx context.Context, address string) ([]backend.UTXO, error)
}

// Broadcaster publishes a signed transaction.
type Broadcaster interface {
	BroadcastTransaction(ctx context.Context, raw []byte) (string, error)
}

// Config configures a Wallet.
type Config struct {
	Params    *chain.Params
	Keys      KeySource
	UTXOs     UTXOSource
	Addresses uint32 // number of receive addresses scanned, default 1
}

type walletAddress struct {
	address string
	key     *btcec.PrivateKey
}

// Wallet funds lockups from P2WPKH outputs of its first N addresses.
type Wallet struct {
	params  *chain.Params
	utxos   UTXOSource
	builder *txfactory.UTXOBuilder
	log     *logging.Logger

	addresses []walletAddress
	byAddress map[string]int

	mu sync.Mutex
	// outpoint -> spending txid, until the backend stops listing the outpoint
	pending map[string]string
	// txids we broadcast; their unconfirmed change is spendable
	own map[string]bool
}

// New derives the wallet addresses and returns a ready wallet.
func New(cfg *Config) (*Wallet, error) {
	if cfg.Params.Type != chain.ChainTypeBitcoin {
		return nil, fmt.Errorf("%w: wallet for %s", txfactory.ErrUnsupportedChain, cfg.Params.Symbol)
	}
	n := cfg.Addresses
	if n == 0 {
		n = 1
	}

	w := &Wallet{
		params:    cfg.Params,
		utxos:     cfg.UTXOs,
		builder:   txfactory.NewUTXOBuilder(cfg.Params),
		log:       logging.GetDefault().Component("wallet").With("currency", cfg.Params.Symbol),
		byAddress: make(map[string]int),
		pending:   make(map[string]string),
		own:       make(map[string]bool),
	}

	for i := uint32(0); i < n; i++ {
		key, err := cfg.Keys.WalletKey(cfg.Params.Symbol, i)
		if err != nil {
			return nil, fmt.Errorf("derive wallet key %d: %w", i, err)
		}
		addr, err := txfactory.WalletAddress(key.PubKey(), cfg.Params.NetParams())
		if err != nil {
			return nil, err
		}
		w.byAddress[addr] = len(w.addresses)
		w.addresses = append(w.addresses, walletAddress{address: addr, key: key})
	}
	return w, nil
}

// Address returns the wallet's primary address, used for sweeps and change.
func (w *Wallet) Address() string {
	return w.addresses[0].address
}

// Addresses returns every scanned address.
func (w *Wallet) Addresses() []string {
	out := make([]string, len(w.addresses))
	for i, a := range w.addresses {
		out[i] = a.address
	}
	return out
}

// Balance sums spendable outputs, split by confirmation.
func (w *Wallet) Balance(ctx context.Context) (confirmed, unconfirmed uint64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	candidates, err := w.spendable(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, c := range candidates {
		if c.Confirmations > 0 {
			confirmed += c.Amount
		} else {
			unconfirmed += c.Amount
		}
	}
	return confirmed, unconfirmed, nil
}

// FundLockup selects outputs, builds the lockup for htlc and broadcasts it.
// Calls are serialized; spent outputs stay reserved until the backend drops them.
func (w *Wallet) FundLockup(ctx context.Context, htlc *txfactory.HTLC, script []byte, amount, feeRate uint64, b Broadcaster) (*txfactory.Tx, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	candidates, err := w.spendable(ctx)
	if err != nil {
		return nil, err
	}
	selected, err := selectInputs(candidates, amount, feeRate)
	if err != nil {
		return nil, err
	}

	inputs := make([]txfactory.Input, len(selected))
	for i, u := range selected {
		inputs[i] = txfactory.Input{
			Outpoint: txfactory.Outpoint{TxID: u.TxID, Vout: u.Vout, Amount: u.Amount},
			Key:      w.addresses[u.addrIndex].key,
		}
	}

	tx, err := w.builder.BuildLockup(&txfactory.LockupRequest{
		HTLC:          htlc,
		RedeemScript:  script,
		Amount:        amount,
		Inputs:        inputs,
		ChangeAddress: w.Address(),
		FeeRate:       feeRate,
	})
	if err != nil {
		return nil, err
	}

	txid, err := b.BroadcastTransaction(ctx, tx.Raw)
	if err != nil {
		return nil, fmt.Errorf("broadcast lockup: %w", err)
	}
	if txid != tx.TxID {
		w.log.Warn("Backend returned unexpected txid", "expected", tx.TxID, "got", txid)
	}

	for _, u := range selected {
		w.pending[outpointKey(u.TxID, u.Vout)] = tx.TxID
	}
	w.own[tx.TxID] = true
	w.log.Info("Lockup funded", "txid", tx.TxID, "amount", amount, "fee", tx.Fee, "inputs", len(inputs))
	return tx, nil
}

type candidate struct {
	backend.UTXO
	addrIndex int
}

// spendable lists outputs not reserved by an earlier lockup. Unconfirmed
// outputs are only used when they are change of our own transactions.
// Caller must hold w.mu.
func (w *Wallet) spendable(ctx context.Context) ([]candidate, error) {
	seen := make(map[string]bool)
	var out []candidate

	for i, a := range w.addresses {
		utxos, err := w.utxos.GetAddressUTXOs(ctx, a.address)
		if err != nil && !errors.Is(err, backend.ErrNotFound) {
			return nil, fmt.Errorf("list utxos of %s: %w", a.address, err)
		}
		for _, u := range utxos {
			key := outpointKey(u.TxID, u.Vout)
			seen[key] = true
			if _, reserved := w.pending[key]; reserved {
				continue
			}
			if u.Confirmations == 0 && !w.own[u.TxID] {
				continue
			}
			out = append(out, candidate{UTXO: u, addrIndex: i})
		}
	}

	for key := range w.pending {
		if !seen[key] {
			delete(w.pending, key)
		}
	}
	return out, nil
}

// selectInputs picks the largest outputs first until amount plus the fee
// for that many inputs is covered.
func selectInputs(candidates []candidate, amount, feeRate uint64) ([]candidate, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %w", txfactory.ErrInsufficientFunds, ErrNoUTXOs)
	}

	sorted := make([]candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })

	var total uint64
	for i, c := range sorted {
		total += c.Amount
		if total >= amount+txfactory.LockupFee(i+1, feeRate) {
			return sorted[:i+1], nil
		}
	}
	need := amount + txfactory.LockupFee(len(sorted), feeRate)
	return nil, fmt.Errorf("%w: need %d, have %d", txfactory.ErrInsufficientFunds, need, total)
}

func outpointKey(txid string, vout uint32) string {
	return fmt.Sprintf("%s:%d", txid, vout)
}
