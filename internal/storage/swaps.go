package storage

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrSwapNotFound = errors.New("swap not found")
	ErrSwapExists   = errors.New("swap already exists")
)

// Swap is a persisted submarine swap.
type Swap struct {
	ID        string     `json:"id"`
	PairID    string     `json:"pair_id"`
	OrderSide string     `json:"order_side"`
	Currency  string     `json:"currency"`
	Status    SwapStatus `json:"status"`

	KeyIndex      uint32 `json:"key_index"`
	RedeemScript  []byte `json:"redeem_script"`
	LockupAddress string `json:"lockup_address"`
	TimeoutHeight uint32 `json:"timeout_height"`

	Invoice      string `json:"invoice"`
	PreimageHash []byte `json:"preimage_hash"`
	Preimage     []byte `json:"preimage,omitempty"`

	ExpectedAmount uint64 `json:"expected_amount"`
	OnchainAmount  uint64 `json:"onchain_amount"`

	LockupTxID string `json:"lockup_txid,omitempty"`
	LockupVout uint32 `json:"lockup_vout"`
	ClaimTxID  string `json:"claim_txid,omitempty"`
	RefundTxID string `json:"refund_txid,omitempty"`

	// RefundPubKey is set when the client holds the refund key.
	RefundPubKey  []byte `json:"refund_pubkey,omitempty"`
	RefundAddress string `json:"refund_address,omitempty"`

	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ServiceRefund reports whether the refund key of the swap is ours.
func (s *Swap) ServiceRefund() bool {
	return len(s.RefundPubKey) == 0
}

// SwapUpdate holds the fields written together with a status change.
// Nil fields are left untouched.
type SwapUpdate struct {
	OnchainAmount *uint64
	LockupTxID    *string
	LockupVout    *uint32
	Preimage      []byte
	ClaimTxID     *string
	RefundTxID    *string
	FailureReason *string

	// Reverse swaps only.
	LockupFee      *uint64
	MinerFeePaid   *bool
	InvoiceSettled *bool
}

func (u *SwapUpdate) assignments(reverse bool) ([]string, []interface{}) {
	var cols []string
	var args []interface{}
	if u == nil {
		return cols, args
	}
	add := func(col string, v interface{}) {
		cols = append(cols, col+" = ?")
		args = append(args, v)
	}

	if u.OnchainAmount != nil {
		add("onchain_amount", *u.OnchainAmount)
	}
	if u.LockupTxID != nil {
		add("lockup_txid", nullString(*u.LockupTxID))
	}
	if u.LockupVout != nil {
		add("lockup_vout", *u.LockupVout)
	}
	if u.Preimage != nil {
		add("preimage", hex.EncodeToString(u.Preimage))
	}
	if u.ClaimTxID != nil {
		add("claim_txid", nullString(*u.ClaimTxID))
	}
	if u.RefundTxID != nil {
		add("refund_txid", nullString(*u.RefundTxID))
	}
	if u.FailureReason != nil {
		add("failure_reason", nullString(*u.FailureReason))
	}
	if reverse {
		if u.LockupFee != nil {
			add("lockup_fee", *u.LockupFee)
		}
		if u.MinerFeePaid != nil {
			add("miner_fee_paid", boolToInt(*u.MinerFeePaid))
		}
		if u.InvoiceSettled != nil {
			add("invoice_settled", boolToInt(*u.InvoiceSettled))
		}
	}
	return cols, args
}

const swapColumns = `id, pair_id, order_side, currency, status,
	key_index, redeem_script, lockup_address, timeout_height,
	invoice, preimage_hash, preimage, expected_amount, onchain_amount,
	lockup_txid, lockup_vout, claim_txid, refund_txid,
	refund_pubkey, refund_address, failure_reason, created_at, updated_at`

// CreateSwap inserts a new swap. Existing ids are never overwritten.
func (s *Storage) CreateSwap(swap *Swap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if swap.CreatedAt.IsZero() {
		swap.CreatedAt = now
	}
	swap.UpdatedAt = now

	_, err := s.db.Exec(`INSERT INTO swaps (`+swapColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		swap.ID, swap.PairID, swap.OrderSide, swap.Currency, string(swap.Status),
		swap.KeyIndex, hex.EncodeToString(swap.RedeemScript), swap.LockupAddress, swap.TimeoutHeight,
		swap.Invoice, hex.EncodeToString(swap.PreimageHash), nullHex(swap.Preimage),
		swap.ExpectedAmount, swap.OnchainAmount,
		nullString(swap.LockupTxID), swap.LockupVout, nullString(swap.ClaimTxID), nullString(swap.RefundTxID),
		nullHex(swap.RefundPubKey), nullString(swap.RefundAddress), nullString(swap.FailureReason),
		swap.CreatedAt.Unix(), swap.UpdatedAt.Unix(),
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("%w: %s", ErrSwapExists, swap.ID)
		}
		return fmt.Errorf("failed to create swap: %w", err)
	}
	return nil
}

// GetSwap returns a swap by id.
func (s *Storage) GetSwap(id string) (*Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+swapColumns+` FROM swaps WHERE id = ?`, id)
	swap, err := scanSwap(row)
	if err == sql.ErrNoRows {
		return nil, ErrSwapNotFound
	}
	return swap, err
}

// GetNonTerminalSwaps returns every swap that can still change status.
func (s *Storage) GetNonTerminalSwaps() ([]*Swap, error) {
	return s.querySwaps(`SELECT `+swapColumns+` FROM swaps
		WHERE status NOT IN (`+placeholders(len(finalStatuses))+`)
		ORDER BY created_at ASC`, statusArgs(finalStatuses)...)
}

// GetSwapsPastTimeout returns swaps of a currency whose timeout height has
// been reached and that have not settled. Includes InvoiceFailedToPay swaps
// so a service-held refund can still be swept.
func (s *Storage) GetSwapsPastTimeout(currency string, height uint32) ([]*Swap, error) {
	args := append([]interface{}{currency, height}, statusArgs(settledStatuses)...)
	args = append(args, string(StatusInvoiceFailedToPay))
	return s.querySwaps(`SELECT `+swapColumns+` FROM swaps
		WHERE currency = ? AND timeout_height <= ?
		AND status NOT IN (`+placeholders(len(settledStatuses))+`)
		AND (status != ? OR refund_pubkey IS NULL)
		ORDER BY timeout_height ASC`, args...)
}

// ListSwaps returns the most recent swaps, newest first.
func (s *Storage) ListSwaps(limit int) ([]*Swap, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.querySwaps(`SELECT `+swapColumns+` FROM swaps ORDER BY created_at DESC LIMIT ?`, limit)
}

// UpdateSwapStatus moves a swap from expected to next and writes the given
// fields in the same statement. It returns false without error when the
// stored status is not expected, which means another writer got there first.
func (s *Storage) UpdateSwapStatus(id string, expected, next SwapStatus, upd *SwapUpdate) (bool, error) {
	return s.casUpdate("swaps", id, expected, next, upd, false)
}

func (s *Storage) casUpdate(table, id string, expected, next SwapStatus, upd *SwapUpdate, reverse bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cols, args := upd.assignments(reverse)
	cols = append([]string{"status = ?", "updated_at = ?"}, cols...)
	args = append([]interface{}{string(next), time.Now().Unix()}, args...)
	args = append(args, id, string(expected))

	result, err := s.db.Exec(
		"UPDATE "+table+" SET "+strings.Join(cols, ", ")+" WHERE id = ? AND status = ?",
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update %s status: %w", table, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return true, nil
	}

	// Distinguish a lost race from a missing record.
	var exists int
	err = s.db.QueryRow("SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", table, err)
	}
	if exists == 0 {
		return false, ErrSwapNotFound
	}
	return false, nil
}

// StatusCount is one row of SwapStats.
type StatusCount struct {
	Kind   Kind       `json:"kind"`
	Status SwapStatus `json:"status"`
	Count  int        `json:"count"`
}

// SwapStats aggregates swaps and reverse swaps by status.
func (s *Storage) SwapStats() ([]StatusCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT 'submarine', status, COUNT(*) FROM swaps GROUP BY status
		UNION ALL
		SELECT 'reverse', status, COUNT(*) FROM reverse_swaps GROUP BY status
		ORDER BY 1, 2`)
	if err != nil {
		return nil, fmt.Errorf("failed to query swap stats: %w", err)
	}
	defer rows.Close()

	var stats []StatusCount
	for rows.Next() {
		var c StatusCount
		var kind, status string
		if err := rows.Scan(&kind, &status, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan swap stats: %w", err)
		}
		c.Kind = Kind(kind)
		c.Status = SwapStatus(status)
		stats = append(stats, c)
	}
	return stats, rows.Err()
}

func (s *Storage) querySwaps(query string, args ...interface{}) ([]*Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query swaps: %w", err)
	}
	defer rows.Close()

	var swaps []*Swap
	for rows.Next() {
		swap, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, swap)
	}
	return swaps, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSwap(row scanner) (*Swap, error) {
	var swap Swap
	var status, redeemScript, preimageHash string
	var preimage, lockupTxID, claimTxID, refundTxID, refundPubKey, refundAddress, failureReason sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&swap.ID, &swap.PairID, &swap.OrderSide, &swap.Currency, &status,
		&swap.KeyIndex, &redeemScript, &swap.LockupAddress, &swap.TimeoutHeight,
		&swap.Invoice, &preimageHash, &preimage, &swap.ExpectedAmount, &swap.OnchainAmount,
		&lockupTxID, &swap.LockupVout, &claimTxID, &refundTxID,
		&refundPubKey, &refundAddress, &failureReason, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan swap: %w", err)
	}

	swap.Status = SwapStatus(status)
	if swap.RedeemScript, err = hex.DecodeString(redeemScript); err != nil {
		return nil, fmt.Errorf("corrupt redeem script for %s: %w", swap.ID, err)
	}
	if swap.PreimageHash, err = hex.DecodeString(preimageHash); err != nil {
		return nil, fmt.Errorf("corrupt preimage hash for %s: %w", swap.ID, err)
	}
	if swap.Preimage, err = decodeNullHex(preimage); err != nil {
		return nil, fmt.Errorf("corrupt preimage for %s: %w", swap.ID, err)
	}
	if swap.RefundPubKey, err = decodeNullHex(refundPubKey); err != nil {
		return nil, fmt.Errorf("corrupt refund pubkey for %s: %w", swap.ID, err)
	}
	swap.LockupTxID = lockupTxID.String
	swap.ClaimTxID = claimTxID.String
	swap.RefundTxID = refundTxID.String
	swap.RefundAddress = refundAddress.String
	swap.FailureReason = failureReason.String
	swap.CreatedAt = time.Unix(createdAt, 0)
	swap.UpdatedAt = time.Unix(updatedAt, 0)

	return &swap, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullHex(b []byte) sql.NullString {
	return sql.NullString{String: hex.EncodeToString(b), Valid: len(b) > 0}
}

func decodeNullHex(ns sql.NullString) ([]byte, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	return hex.DecodeString(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func statusArgs(statuses []SwapStatus) []interface{} {
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return args
}

func isConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
