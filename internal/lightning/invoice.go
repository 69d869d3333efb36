package lightning

import (
	"encoding/hex"
	"fmt"
	"time"

	decodepay "github.com/nbd-wtf/ln-decodepay"
)

// Invoice is the subset of a decoded BOLT11 invoice the swap engine uses.
type Invoice struct {
	AmountSat   uint64
	PaymentHash []byte
	Currency    string // bech32 prefix after "ln", e.g. "bc" or "bcrt"
	ExpiresAt   time.Time
}

// DecodeInvoice parses and signature-checks a BOLT11 invoice.
func DecodeInvoice(invoice string) (*Invoice, error) {
	bolt11, err := decodepay.Decodepay(invoice)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
	}

	hash, err := hex.DecodeString(bolt11.PaymentHash)
	if err != nil || len(hash) != 32 {
		return nil, fmt.Errorf("%w: bad payment hash", ErrInvalidInvoice)
	}

	return &Invoice{
		AmountSat:   uint64(bolt11.MSatoshi / 1000),
		PaymentHash: hash,
		Currency:    bolt11.Currency,
		ExpiresAt:   time.Unix(int64(bolt11.CreatedAt+bolt11.Expiry), 0),
	}, nil
}
