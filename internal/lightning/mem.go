package lightning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/lntypes"
)

type memInvoice struct {
	request  string
	amount   uint64
	preimage []byte
	state    InvoiceState
}

type memPayment struct {
	preimage []byte
	err      error
}

// Mem is an in-memory Client for tests and dry runs. Payments succeed only
// for invoices registered with SetPayment.
type Mem struct {
	mu       sync.Mutex
	events   chan InvoiceUpdate
	payments map[string]memPayment
	attempts map[string]int
	tracked  map[lntypes.Hash]memPayment
	invoices map[lntypes.Hash]*memInvoice
	subs     map[lntypes.Hash]bool
}

// NewMem creates an empty in-memory node.
func NewMem() *Mem {
	return &Mem{
		events:   make(chan InvoiceUpdate, 1024),
		payments: make(map[string]memPayment),
		attempts: make(map[string]int),
		tracked:  make(map[lntypes.Hash]memPayment),
		invoices: make(map[lntypes.Hash]*memInvoice),
		subs:     make(map[lntypes.Hash]bool),
	}
}

// SetPayment fixes the outcome of paying invoice.
func (m *Mem) SetPayment(invoice string, preimage []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[invoice] = memPayment{preimage: preimage, err: err}
}

// PayAttempts returns how often invoice was paid.
func (m *Mem) PayAttempts(invoice string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[invoice]
}

func (m *Mem) PayInvoice(ctx context.Context, invoice string, feeLimitSat uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[invoice]++
	p, ok := m.payments[invoice]
	if !ok {
		return nil, fmt.Errorf("%w: no route", ErrPaymentFailed)
	}
	if p.err != nil {
		return nil, p.err
	}
	m.tracked[lntypes.Hash(sha256.Sum256(p.preimage))] = p
	return p.preimage, nil
}

// SetTracked fixes what tracking the payment of hash reports, for payments
// whose outcome the sender never learned.
func (m *Mem) SetTracked(hash []byte, preimage []byte, err error) {
	h, _ := lntypes.MakeHash(hash)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[h] = memPayment{preimage: preimage, err: err}
}

// TrackPayment reports payments that succeeded or were set with SetTracked.
func (m *Mem) TrackPayment(ctx context.Context, hash []byte) ([]byte, error) {
	h, err := lntypes.MakeHash(hash)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.tracked[h]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.preimage, nil
}

func (m *Mem) AddHoldInvoice(ctx context.Context, req *HoldInvoiceRequest) (string, error) {
	h, err := lntypes.MakeHash(req.Hash)
	if err != nil {
		return "", err
	}
	request := "lnmemhold" + h.String()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[h]; ok {
		return "", fmt.Errorf("invoice with hash %s already exists", h)
	}
	m.invoices[h] = &memInvoice{request: request, amount: req.AmountSat}
	return request, nil
}

func (m *Mem) AddInvoice(ctx context.Context, preimage []byte, amountSat uint64, memo string) (string, error) {
	h := lntypes.Hash(sha256.Sum256(preimage))
	request := "lnmem" + h.String()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[h] = &memInvoice{request: request, amount: amountSat, preimage: preimage}
	return request, nil
}

func (m *Mem) SettleInvoice(ctx context.Context, preimage []byte) error {
	h := lntypes.Hash(sha256.Sum256(preimage))
	m.mu.Lock()
	inv, ok := m.invoices[h]
	if !ok {
		m.mu.Unlock()
		return ErrInvoiceNotFound
	}
	if inv.state == InvoiceSettled {
		m.mu.Unlock()
		return nil
	}
	if inv.state != InvoiceAccepted {
		m.mu.Unlock()
		return fmt.Errorf("invoice %s is %s, not accepted", h, inv.state)
	}
	inv.state = InvoiceSettled
	inv.preimage = preimage
	m.mu.Unlock()

	m.notify(h)
	return nil
}

func (m *Mem) CancelInvoice(ctx context.Context, hash []byte) error {
	h, err := lntypes.MakeHash(hash)
	if err != nil {
		return err
	}
	m.mu.Lock()
	inv, ok := m.invoices[h]
	if !ok {
		m.mu.Unlock()
		return ErrInvoiceNotFound
	}
	if inv.state == InvoiceSettled {
		m.mu.Unlock()
		return fmt.Errorf("invoice %s already settled", h)
	}
	inv.state = InvoiceCanceled
	m.mu.Unlock()

	m.notify(h)
	return nil
}

// SubscribeInvoice reports the current state immediately, like lnd does.
func (m *Mem) SubscribeInvoice(ctx context.Context, hash []byte) error {
	h, err := lntypes.MakeHash(hash)
	if err != nil {
		return err
	}
	m.mu.Lock()
	_, ok := m.invoices[h]
	m.subs[h] = true
	m.mu.Unlock()
	if !ok {
		return ErrInvoiceNotFound
	}
	m.notify(h)
	return nil
}

func (m *Mem) Events() <-chan InvoiceUpdate {
	return m.events
}

// ClientPays simulates the client paying one of our invoices: hold invoices
// become accepted, regular invoices settle at once.
func (m *Mem) ClientPays(request string) error {
	m.mu.Lock()
	var found *memInvoice
	var hash lntypes.Hash
	for h, inv := range m.invoices {
		if inv.request == request {
			found, hash = inv, h
			break
		}
	}
	if found == nil {
		m.mu.Unlock()
		return ErrInvoiceNotFound
	}
	if found.preimage != nil {
		found.state = InvoiceSettled
	} else {
		found.state = InvoiceAccepted
	}
	m.mu.Unlock()

	m.notify(hash)
	return nil
}

// State returns the state of the invoice for hash.
func (m *Mem) State(hash []byte) (InvoiceState, bool) {
	h, err := lntypes.MakeHash(hash)
	if err != nil {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[h]
	if !ok {
		return 0, false
	}
	return inv.state, true
}

// HashOf returns the payment hash encoded in a Mem invoice request.
func HashOf(request string) ([]byte, error) {
	for _, prefix := range []string{"lnmemhold", "lnmem"} {
		if len(request) == len(prefix)+64 && request[:len(prefix)] == prefix {
			return hex.DecodeString(request[len(prefix):])
		}
	}
	return nil, ErrInvalidInvoice
}

func (m *Mem) notify(h lntypes.Hash) {
	m.mu.Lock()
	inv := m.invoices[h]
	if inv == nil || !m.subs[h] {
		m.mu.Unlock()
		return
	}
	update := InvoiceUpdate{Hash: append([]byte(nil), h[:]...), State: inv.state}
	if inv.state == InvoiceSettled {
		update.Preimage = inv.preimage
		update.AmountPaid = inv.amount
	}
	m.mu.Unlock()

	m.events <- update
}

var _ Client = (*Mem)(nil)
