package storage

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// ReverseSwap is a persisted reverse submarine swap.
type ReverseSwap struct {
	ID        string     `json:"id"`
	PairID    string     `json:"pair_id"`
	OrderSide string     `json:"order_side"`
	Currency  string     `json:"currency"`
	Status    SwapStatus `json:"status"`

	KeyIndex      uint32 `json:"key_index"`
	RedeemScript  []byte `json:"redeem_script"`
	LockupAddress string `json:"lockup_address"`
	TimeoutHeight uint32 `json:"timeout_height"`
	ClaimPubKey   []byte `json:"claim_pubkey"`

	Invoice       string `json:"invoice"`
	InvoiceAmount uint64 `json:"invoice_amount"`
	PreimageHash  []byte `json:"preimage_hash"`
	// Preimage is known from creation when we generated it, otherwise it is
	// learned from the client's claim.
	Preimage []byte `json:"preimage,omitempty"`

	MinerFeeInvoice  string `json:"miner_fee_invoice,omitempty"`
	MinerFeePreimage []byte `json:"-"`
	MinerFeeAmount   uint64 `json:"miner_fee_amount,omitempty"`
	MinerFeePaid     bool   `json:"miner_fee_paid"`
	// InvoiceSettled is set once the hold invoice has been settled with the
	// client's preimage.
	InvoiceSettled bool `json:"invoice_settled"`

	OnchainAmount uint64 `json:"onchain_amount"`
	LockupTxID    string `json:"lockup_txid,omitempty"`
	LockupVout    uint32 `json:"lockup_vout"`
	LockupFee     uint64 `json:"lockup_fee,omitempty"`
	ClaimTxID     string `json:"claim_txid,omitempty"`
	RefundTxID    string `json:"refund_txid,omitempty"`

	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RequiresPrepay reports whether a miner fee invoice must settle before lockup.
func (r *ReverseSwap) RequiresPrepay() bool {
	return r.MinerFeeInvoice != ""
}

const reverseSwapColumns = `id, pair_id, order_side, currency, status,
	key_index, redeem_script, lockup_address, timeout_height, claim_pubkey,
	invoice, invoice_amount, preimage_hash, preimage,
	miner_fee_invoice, miner_fee_preimage, miner_fee_amount, miner_fee_paid,
	onchain_amount, lockup_txid, lockup_vout, lockup_fee, claim_txid, refund_txid,
	invoice_settled, failure_reason, created_at, updated_at`

// CreateReverseSwap inserts a new reverse swap.
func (s *Storage) CreateReverseSwap(r *ReverseSwap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := s.db.Exec(`INSERT INTO reverse_swaps (`+reverseSwapColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PairID, r.OrderSide, r.Currency, string(r.Status),
		r.KeyIndex, hex.EncodeToString(r.RedeemScript), r.LockupAddress, r.TimeoutHeight, hex.EncodeToString(r.ClaimPubKey),
		r.Invoice, r.InvoiceAmount, hex.EncodeToString(r.PreimageHash), nullHex(r.Preimage),
		nullString(r.MinerFeeInvoice), nullHex(r.MinerFeePreimage), r.MinerFeeAmount, boolToInt(r.MinerFeePaid),
		r.OnchainAmount, nullString(r.LockupTxID), r.LockupVout, r.LockupFee, nullString(r.ClaimTxID), nullString(r.RefundTxID),
		boolToInt(r.InvoiceSettled), nullString(r.FailureReason), r.CreatedAt.Unix(), r.UpdatedAt.Unix(),
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("%w: %s", ErrSwapExists, r.ID)
		}
		return fmt.Errorf("failed to create reverse swap: %w", err)
	}
	return nil
}

// GetReverseSwap returns a reverse swap by id.
func (s *Storage) GetReverseSwap(id string) (*ReverseSwap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+reverseSwapColumns+` FROM reverse_swaps WHERE id = ?`, id)
	r, err := scanReverseSwap(row)
	if err == sql.ErrNoRows {
		return nil, ErrSwapNotFound
	}
	return r, err
}

// GetNonTerminalReverseSwaps returns every reverse swap that can still change status.
func (s *Storage) GetNonTerminalReverseSwaps() ([]*ReverseSwap, error) {
	return s.queryReverseSwaps(`SELECT `+reverseSwapColumns+` FROM reverse_swaps
		WHERE status NOT IN (`+placeholders(len(finalStatuses))+`)
		ORDER BY created_at ASC`, statusArgs(finalStatuses)...)
}

// GetReverseSwapsPastTimeout returns unsettled reverse swaps of a currency at
// or past their timeout height.
func (s *Storage) GetReverseSwapsPastTimeout(currency string, height uint32) ([]*ReverseSwap, error) {
	args := append([]interface{}{currency, height}, statusArgs(finalStatuses)...)
	return s.queryReverseSwaps(`SELECT `+reverseSwapColumns+` FROM reverse_swaps
		WHERE currency = ? AND timeout_height <= ?
		AND status NOT IN (`+placeholders(len(finalStatuses))+`)
		ORDER BY timeout_height ASC`, args...)
}

// GetUnsettledClaimedReverseSwaps returns claimed reverse swaps whose hold
// invoice has not been settled yet.
func (s *Storage) GetUnsettledClaimedReverseSwaps() ([]*ReverseSwap, error) {
	return s.queryReverseSwaps(`SELECT `+reverseSwapColumns+` FROM reverse_swaps
		WHERE status = ? AND invoice_settled = 0 AND preimage IS NOT NULL
		ORDER BY updated_at ASC`, string(StatusClaimed))
}

// ListReverseSwaps returns the most recent reverse swaps, newest first.
func (s *Storage) ListReverseSwaps(limit int) ([]*ReverseSwap, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryReverseSwaps(`SELECT `+reverseSwapColumns+` FROM reverse_swaps ORDER BY created_at DESC LIMIT ?`, limit)
}

// UpdateReverseSwapStatus is the compare-and-swap status update for reverse swaps.
func (s *Storage) UpdateReverseSwapStatus(id string, expected, next SwapStatus, upd *SwapUpdate) (bool, error) {
	return s.casUpdate("reverse_swaps", id, expected, next, upd, true)
}

func (s *Storage) queryReverseSwaps(query string, args ...interface{}) ([]*ReverseSwap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reverse swaps: %w", err)
	}
	defer rows.Close()

	var out []*ReverseSwap
	for rows.Next() {
		r, err := scanReverseSwap(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReverseSwap(row scanner) (*ReverseSwap, error) {
	var r ReverseSwap
	var status, redeemScript, claimPubKey, preimageHash string
	var preimage, minerFeeInvoice, minerFeePreimage sql.NullString
	var lockupTxID, claimTxID, refundTxID, failureReason sql.NullString
	var minerFeePaid, invoiceSettled int
	var createdAt, updatedAt int64

	err := row.Scan(
		&r.ID, &r.PairID, &r.OrderSide, &r.Currency, &status,
		&r.KeyIndex, &redeemScript, &r.LockupAddress, &r.TimeoutHeight, &claimPubKey,
		&r.Invoice, &r.InvoiceAmount, &preimageHash, &preimage,
		&minerFeeInvoice, &minerFeePreimage, &r.MinerFeeAmount, &minerFeePaid,
		&r.OnchainAmount, &lockupTxID, &r.LockupVout, &r.LockupFee, &claimTxID, &refundTxID,
		&invoiceSettled, &failureReason, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan reverse swap: %w", err)
	}

	r.Status = SwapStatus(status)
	for _, f := range []struct {
		dst *[]byte
		src string
	}{
		{&r.RedeemScript, redeemScript},
		{&r.ClaimPubKey, claimPubKey},
		{&r.PreimageHash, preimageHash},
	} {
		if *f.dst, err = hex.DecodeString(f.src); err != nil {
			return nil, fmt.Errorf("corrupt reverse swap %s: %w", r.ID, err)
		}
	}
	if r.Preimage, err = decodeNullHex(preimage); err != nil {
		return nil, fmt.Errorf("corrupt preimage for %s: %w", r.ID, err)
	}
	if r.MinerFeePreimage, err = decodeNullHex(minerFeePreimage); err != nil {
		return nil, fmt.Errorf("corrupt miner fee preimage for %s: %w", r.ID, err)
	}
	r.MinerFeeInvoice = minerFeeInvoice.String
	r.MinerFeePaid = minerFeePaid != 0
	r.InvoiceSettled = invoiceSettled != 0
	r.LockupTxID = lockupTxID.String
	r.ClaimTxID = claimTxID.String
	r.RefundTxID = refundTxID.String
	r.FailureReason = failureReason.String
	r.CreatedAt = time.Unix(createdAt, 0)
	r.UpdatedAt = time.Unix(updatedAt, 0)

	return &r, nil
}
