package lightning

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/klingon-exchange/lnswap/pkg/logging"
)

// LNDConfig configures the gRPC connection to lnd.
type LNDConfig struct {
	Host           string        `yaml:"host"`
	TLSCertPath    string        `yaml:"tls_cert"`
	MacaroonPath   string        `yaml:"macaroon"`
	PaymentTimeout time.Duration `yaml:"payment_timeout"`
}

// LND implements Client over lnd's gRPC API.
type LND struct {
	cfg      *LNDConfig
	conn     *grpc.ClientConn
	ln       lnrpc.LightningClient
	router   routerrpc.RouterClient
	invoices invoicesrpc.InvoicesClient
	macaroon string
	log      *logging.Logger

	events chan InvoiceUpdate

	mu   sync.Mutex
	subs map[lntypes.Hash]context.CancelFunc
}

// NewLND dials lnd. The connection is lazy; Connect verifies it.
func NewLND(cfg *LNDConfig) (*LND, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: lnd host not configured", ErrNotConnected)
	}

	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load lnd tls cert: %w", err)
	}

	var macaroon string
	if cfg.MacaroonPath != "" {
		mac, err := os.ReadFile(cfg.MacaroonPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read macaroon: %w", err)
		}
		macaroon = hex.EncodeToString(mac)
	}

	conn, err := grpc.NewClient(cfg.Host, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to dial lnd: %w", err)
	}

	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = time.Minute
	}

	return &LND{
		cfg:      cfg,
		conn:     conn,
		ln:       lnrpc.NewLightningClient(conn),
		router:   routerrpc.NewRouterClient(conn),
		invoices: invoicesrpc.NewInvoicesClient(conn),
		macaroon: macaroon,
		log:      logging.GetDefault().Component("lnd"),
		events:   make(chan InvoiceUpdate, 256),
		subs:     make(map[lntypes.Hash]context.CancelFunc),
	}, nil
}

func (l *LND) ctx(ctx context.Context) context.Context {
	if l.macaroon == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "macaroon", l.macaroon)
}

// Connect checks the node answers and logs its identity.
func (l *LND) Connect(ctx context.Context) error {
	info, err := l.ln.GetInfo(l.ctx(ctx), &lnrpc.GetInfoRequest{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	if info.GetIdentityPubkey() == "" {
		return fmt.Errorf("%w: empty identity pubkey", ErrNotConnected)
	}
	l.log.Info("Connected to lnd", "version", info.GetVersion(), "pubkey", info.GetIdentityPubkey())
	return nil
}

// Close cancels subscriptions and closes the connection.
func (l *LND) Close() error {
	l.mu.Lock()
	for _, cancel := range l.subs {
		cancel()
	}
	l.subs = make(map[lntypes.Hash]context.CancelFunc)
	l.mu.Unlock()
	return l.conn.Close()
}

// Events returns invoice updates from all subscriptions.
func (l *LND) Events() <-chan InvoiceUpdate {
	return l.events
}

// PayInvoice sends a payment through the router and waits for a final result.
// lnd refuses a second payment to the same hash, in which case the existing
// attempt is tracked instead.
func (l *LND) PayInvoice(ctx context.Context, invoice string, feeLimitSat uint64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.PaymentTimeout+10*time.Second)
	defer cancel()

	stream, err := l.router.SendPaymentV2(l.ctx(ctx), &routerrpc.SendPaymentRequest{
		PaymentRequest:    invoice,
		TimeoutSeconds:    int32(l.cfg.PaymentTimeout.Seconds()),
		FeeLimitSat:       int64(feeLimitSat),
		NoInflightUpdates: true,
	})
	if err != nil {
		return nil, fmt.Errorf("send payment: %w", err)
	}

	payment, err := waitPayment(stream)
	if err != nil && isDuplicatePayment(err) {
		return l.trackPayment(ctx, invoice)
	}
	if err != nil {
		return nil, err
	}
	return paymentResult(payment)
}

// TrackPayment waits for the final outcome of an earlier payment to hash.
func (l *LND) TrackPayment(ctx context.Context, hash []byte) ([]byte, error) {
	stream, err := l.router.TrackPaymentV2(l.ctx(ctx), &routerrpc.TrackPaymentRequest{
		PaymentHash:       hash,
		NoInflightUpdates: true,
	})
	if err != nil {
		return nil, trackError(err)
	}
	payment, err := waitPayment(stream)
	if err != nil {
		return nil, trackError(err)
	}
	return paymentResult(payment)
}

func (l *LND) trackPayment(ctx context.Context, invoice string) ([]byte, error) {
	decoded, err := DecodeInvoice(invoice)
	if err != nil {
		return nil, err
	}
	l.log.Debug("Payment already initiated, tracking", "hash", hex.EncodeToString(decoded.PaymentHash))
	return l.TrackPayment(ctx, decoded.PaymentHash)
}

// trackError maps lnd's answer for an unknown payment hash.
func trackError(err error) error {
	if status.Code(err) == codes.NotFound || strings.Contains(err.Error(), "payment isn't initiated") {
		return fmt.Errorf("%w: %v", ErrPaymentNotFound, err)
	}
	return fmt.Errorf("track payment: %w", err)
}

type paymentStream interface {
	Recv() (*lnrpc.Payment, error)
}

func waitPayment(stream paymentStream) (*lnrpc.Payment, error) {
	for {
		payment, err := stream.Recv()
		if err != nil {
			return nil, err
		}
		switch payment.GetStatus() {
		case lnrpc.Payment_SUCCEEDED, lnrpc.Payment_FAILED:
			return payment, nil
		}
	}
}

func paymentResult(payment *lnrpc.Payment) ([]byte, error) {
	if payment.GetStatus() != lnrpc.Payment_SUCCEEDED {
		return nil, fmt.Errorf("%w: %s", ErrPaymentFailed, payment.GetFailureReason())
	}
	preimage, err := lntypes.MakePreimageFromStr(payment.GetPaymentPreimage())
	if err != nil {
		return nil, fmt.Errorf("invalid preimage from lnd: %w", err)
	}
	return preimage[:], nil
}

func isDuplicatePayment(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already paid") ||
		strings.Contains(msg, "in transition") ||
		strings.Contains(msg, "already exists")
}

// AddHoldInvoice creates a hold invoice bound to req.Hash.
func (l *LND) AddHoldInvoice(ctx context.Context, req *HoldInvoiceRequest) (string, error) {
	resp, err := l.invoices.AddHoldInvoice(l.ctx(ctx), &invoicesrpc.AddHoldInvoiceRequest{
		Memo:       req.Memo,
		Hash:       req.Hash,
		Value:      int64(req.AmountSat),
		Expiry:     int64(req.Expiry.Seconds()),
		CltvExpiry: req.CltvExpiry,
	})
	if err != nil {
		return "", fmt.Errorf("add hold invoice: %w", err)
	}
	return resp.GetPaymentRequest(), nil
}

// AddInvoice creates a regular invoice for a preimage we hold.
func (l *LND) AddInvoice(ctx context.Context, preimage []byte, amountSat uint64, memo string) (string, error) {
	resp, err := l.ln.AddInvoice(l.ctx(ctx), &lnrpc.Invoice{
		Memo:      memo,
		RPreimage: preimage,
		Value:     int64(amountSat),
	})
	if err != nil {
		return "", fmt.Errorf("add invoice: %w", err)
	}
	return resp.GetPaymentRequest(), nil
}

// SettleInvoice releases an accepted hold invoice.
func (l *LND) SettleInvoice(ctx context.Context, preimage []byte) error {
	_, err := l.invoices.SettleInvoice(l.ctx(ctx), &invoicesrpc.SettleInvoiceMsg{Preimage: preimage})
	if err != nil && !strings.Contains(err.Error(), "already settled") {
		return fmt.Errorf("settle invoice: %w", err)
	}
	return nil
}

// CancelInvoice cancels an open or accepted hold invoice.
func (l *LND) CancelInvoice(ctx context.Context, hash []byte) error {
	_, err := l.invoices.CancelInvoice(l.ctx(ctx), &invoicesrpc.CancelInvoiceMsg{PaymentHash: hash})
	if err != nil {
		return fmt.Errorf("cancel invoice: %w", err)
	}
	return nil
}

// SubscribeInvoice follows one invoice, reconnecting with backoff, until it
// is settled or canceled.
func (l *LND) SubscribeInvoice(ctx context.Context, hash []byte) error {
	h, err := lntypes.MakeHash(hash)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if _, ok := l.subs[h]; ok {
		l.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	l.subs[h] = cancel
	l.mu.Unlock()

	go func() {
		defer func() {
			l.mu.Lock()
			delete(l.subs, h)
			l.mu.Unlock()
			cancel()
		}()

		exp := backoff.NewExponentialBackOff()
		exp.MaxElapsedTime = 0
		bo := backoff.WithContext(exp, subCtx)
		err := backoff.Retry(func() error {
			done, err := l.followInvoice(subCtx, h)
			if done || subCtx.Err() != nil {
				return nil
			}
			if err != nil {
				l.log.Warn("Invoice subscription interrupted", "hash", h.String(), "error", err)
			}
			return fmt.Errorf("subscription for %s ended", h)
		}, bo)
		if err != nil {
			l.log.Error("Giving up invoice subscription", "hash", h.String(), "error", err)
		}
	}()
	return nil
}

// followInvoice returns done once a final state was delivered.
func (l *LND) followInvoice(ctx context.Context, h lntypes.Hash) (bool, error) {
	stream, err := l.invoices.SubscribeSingleInvoice(l.ctx(ctx), &invoicesrpc.SubscribeSingleInvoiceRequest{
		RHash: h[:],
	})
	if err != nil {
		return false, err
	}

	for {
		inv, err := stream.Recv()
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		update := InvoiceUpdate{
			Hash:       append([]byte(nil), h[:]...),
			State:      convertState(inv.GetState()),
			AmountPaid: uint64(inv.GetAmtPaidSat()),
		}
		if update.State == InvoiceSettled {
			update.Preimage = inv.GetRPreimage()
		}

		select {
		case l.events <- update:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		if update.State.Final() {
			return true, nil
		}
	}
}

func convertState(s lnrpc.Invoice_InvoiceState) InvoiceState {
	switch s {
	case lnrpc.Invoice_ACCEPTED:
		return InvoiceAccepted
	case lnrpc.Invoice_SETTLED:
		return InvoiceSettled
	case lnrpc.Invoice_CANCELED:
		return InvoiceCanceled
	default:
		return InvoiceOpen
	}
}

var _ Client = (*LND)(nil)
