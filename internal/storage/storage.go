// Package storage persists swap records and engine state in SQLite.
//
// Records are never deleted. Status changes go through compare-and-swap
// updates so concurrent or replayed events cannot move a swap twice.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DBName is the database file name inside the data directory.
const DBName = "lnswap.db"

// Storage provides persistent storage for the swap engine.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New opens (or creates) the database in cfg.DataDir.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBName)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

func (s *Storage) initSchema() error {
	schema := `
	-- Submarine swaps: the client locks on-chain, we pay their invoice
	CREATE TABLE IF NOT EXISTS swaps (
		id TEXT PRIMARY KEY,
		pair_id TEXT NOT NULL,
		order_side TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,

		key_index INTEGER NOT NULL,
		redeem_script TEXT NOT NULL,
		lockup_address TEXT NOT NULL UNIQUE,
		timeout_height INTEGER NOT NULL,

		invoice TEXT NOT NULL,
		preimage_hash TEXT NOT NULL,
		preimage TEXT,

		expected_amount INTEGER NOT NULL,
		onchain_amount INTEGER DEFAULT 0,

		lockup_txid TEXT,
		lockup_vout INTEGER DEFAULT 0,
		claim_txid TEXT,
		refund_txid TEXT,

		-- Empty when the refund key is ours
		refund_pubkey TEXT,
		refund_address TEXT,

		failure_reason TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,

		UNIQUE (currency, key_index)
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_status ON swaps(status);
	CREATE INDEX IF NOT EXISTS idx_swaps_timeout ON swaps(currency, timeout_height);
	CREATE INDEX IF NOT EXISTS idx_swaps_preimage_hash ON swaps(preimage_hash);

	-- Reverse swaps: we lock on-chain after the client's payment is held
	CREATE TABLE IF NOT EXISTS reverse_swaps (
		id TEXT PRIMARY KEY,
		pair_id TEXT NOT NULL,
		order_side TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,

		key_index INTEGER NOT NULL,
		redeem_script TEXT NOT NULL,
		lockup_address TEXT NOT NULL UNIQUE,
		timeout_height INTEGER NOT NULL,
		claim_pubkey TEXT NOT NULL,

		invoice TEXT NOT NULL,
		invoice_amount INTEGER NOT NULL,
		preimage_hash TEXT NOT NULL UNIQUE,
		preimage TEXT,

		miner_fee_invoice TEXT,
		miner_fee_preimage TEXT,
		miner_fee_amount INTEGER DEFAULT 0,
		miner_fee_paid INTEGER DEFAULT 0,

		onchain_amount INTEGER NOT NULL,
		lockup_txid TEXT,
		lockup_vout INTEGER DEFAULT 0,
		lockup_fee INTEGER DEFAULT 0,
		claim_txid TEXT,
		refund_txid TEXT,
		invoice_settled INTEGER DEFAULT 0,

		failure_reason TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,

		UNIQUE (currency, key_index)
	);

	CREATE INDEX IF NOT EXISTS idx_reverse_swaps_status ON reverse_swaps(status);
	CREATE INDEX IF NOT EXISTS idx_reverse_swaps_timeout ON reverse_swaps(currency, timeout_height);

	-- Next unused swap key index per currency
	CREATE TABLE IF NOT EXISTS key_indexes (
		currency TEXT PRIMARY KEY,
		next_index INTEGER NOT NULL DEFAULT 0
	);

	-- Chain scan progress per currency
	CREATE TABLE IF NOT EXISTS chain_state (
		currency TEXT PRIMARY KEY,
		last_height INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Runtime pair settings that override the config file
	CREATE TABLE IF NOT EXISTS pairs (
		id TEXT PRIMARY KEY,
		timeout_delta INTEGER NOT NULL,
		reverse_timeout_delta INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return s.runMigrations()
}

// runMigrations adds columns to databases created by older versions.
// Errors are ignored since the columns may already exist.
func (s *Storage) runMigrations() error {
	migrations := []string{
		"ALTER TABLE reverse_swaps ADD COLUMN lockup_fee INTEGER DEFAULT 0",
		"ALTER TABLE reverse_swaps ADD COLUMN invoice_settled INTEGER DEFAULT 0",
	}

	for _, migration := range migrations {
		_, _ = s.db.Exec(migration)
	}

	return nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
