// Package lightning is the swap engine's view of a Lightning node: paying
// invoices, issuing hold invoices and streaming invoice state changes.
package lightning

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrPaymentFailed   = errors.New("payment failed")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrNotConnected    = errors.New("lightning node not connected")
	ErrInvalidInvoice  = errors.New("invalid invoice")
	ErrInvoiceNotFound = errors.New("invoice not found")
)

// InvoiceState mirrors the lifecycle of a (hold) invoice.
type InvoiceState int

const (
	InvoiceOpen InvoiceState = iota
	InvoiceAccepted
	InvoiceSettled
	InvoiceCanceled
)

func (s InvoiceState) String() string {
	switch s {
	case InvoiceOpen:
		return "open"
	case InvoiceAccepted:
		return "accepted"
	case InvoiceSettled:
		return "settled"
	case InvoiceCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Final reports whether no further updates will follow.
func (s InvoiceState) Final() bool {
	return s == InvoiceSettled || s == InvoiceCanceled
}

// InvoiceUpdate is emitted for every state change of a subscribed invoice.
type InvoiceUpdate struct {
	Hash       []byte
	State      InvoiceState
	Preimage   []byte // set once settled
	AmountPaid uint64 // sat
}

// HoldInvoiceRequest creates an invoice the node accepts but does not settle.
type HoldInvoiceRequest struct {
	Hash       []byte
	AmountSat  uint64
	Memo       string
	Expiry     time.Duration
	CltvExpiry uint64
}

// Client is the contract the swap manager relies on.
type Client interface {
	// PayInvoice pays a BOLT11 invoice and returns the preimage. Paying the
	// same invoice twice returns the original outcome.
	PayInvoice(ctx context.Context, invoice string, feeLimitSat uint64) ([]byte, error)
	// TrackPayment waits for the outcome of an earlier payment to hash
	// without sending a new one.
	TrackPayment(ctx context.Context, hash []byte) ([]byte, error)

	AddHoldInvoice(ctx context.Context, req *HoldInvoiceRequest) (string, error)
	// AddInvoice creates a regular invoice for a preimage we hold.
	AddInvoice(ctx context.Context, preimage []byte, amountSat uint64, memo string) (string, error)
	SettleInvoice(ctx context.Context, preimage []byte) error
	CancelInvoice(ctx context.Context, hash []byte) error

	// SubscribeInvoice streams updates for hash into Events until the
	// invoice reaches a final state or ctx is cancelled.
	SubscribeInvoice(ctx context.Context, hash []byte) error
	Events() <-chan InvoiceUpdate
}
