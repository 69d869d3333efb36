package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrPairNotFound is returned when a pair has no stored settings.
var ErrPairNotFound = errors.New("pair settings not found")

// ReserveKeyIndex returns the next unused key index for a currency and
// persists the increment before returning.
func (s *Storage) ReserveKeyIndex(currency string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next uint32
	err = tx.QueryRow("SELECT next_index FROM key_indexes WHERE currency = ?", currency).Scan(&next)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to read key index: %w", err)
	}

	_, err = tx.Exec(`INSERT INTO key_indexes (currency, next_index) VALUES (?, ?)
		ON CONFLICT(currency) DO UPDATE SET next_index = excluded.next_index`, currency, next+1)
	if err != nil {
		return 0, fmt.Errorf("failed to reserve key index: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit key index: %w", err)
	}
	return next, nil
}

// GetLastScannedHeight returns the last block height processed for a
// currency, or ok=false if the chain was never scanned.
func (s *Storage) GetLastScannedHeight(currency string) (height uint32, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow("SELECT last_height FROM chain_state WHERE currency = ?", currency).Scan(&height)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read chain state: %w", err)
	}
	return height, true, nil
}

// SetLastScannedHeight records scan progress for a currency.
func (s *Storage) SetLastScannedHeight(currency string, height uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO chain_state (currency, last_height, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(currency) DO UPDATE SET last_height = excluded.last_height, updated_at = excluded.updated_at`,
		currency, height, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write chain state: %w", err)
	}
	return nil
}

// PairSettings are the runtime-tunable settings of a trading pair.
type PairSettings struct {
	ID                  string    `json:"id"`
	TimeoutDelta        uint32    `json:"timeout_delta"`
	ReverseTimeoutDelta uint32    `json:"reverse_timeout_delta"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// GetPairSettings returns stored settings for a pair.
func (s *Storage) GetPairSettings(id string) (*PairSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p PairSettings
	var updatedAt int64
	err := s.db.QueryRow("SELECT id, timeout_delta, reverse_timeout_delta, updated_at FROM pairs WHERE id = ?", id).
		Scan(&p.ID, &p.TimeoutDelta, &p.ReverseTimeoutDelta, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPairNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pair settings: %w", err)
	}
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

// SavePairSettings upserts the settings of a pair.
func (s *Storage) SavePairSettings(p *PairSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.UpdatedAt = time.Now()
	_, err := s.db.Exec(`INSERT INTO pairs (id, timeout_delta, reverse_timeout_delta, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			timeout_delta = excluded.timeout_delta,
			reverse_timeout_delta = excluded.reverse_timeout_delta,
			updated_at = excluded.updated_at`,
		p.ID, p.TimeoutDelta, p.ReverseTimeoutDelta, p.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save pair settings: %w", err)
	}
	return nil
}
