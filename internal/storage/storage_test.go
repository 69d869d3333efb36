package storage

import (
	"os"
	"path/filepath"
	"testing"
)

// newTestStorage opens a fresh database in a temp directory.
func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "lnswap-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew(t *testing.T) {
	store := newTestStorage(t)

	if _, err := os.Stat(store.Path()); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if filepath.Base(store.Path()) != DBName {
		t.Errorf("Path() = %s, want %s", store.Path(), DBName)
	}
	if store.DB() == nil {
		t.Error("DB() returned nil")
	}
}

func TestNewWithTildeExpansion(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got, want := expandPath("~/.lnswap"), filepath.Join(home, ".lnswap"); got != want {
		t.Errorf("expandPath(~/.lnswap) = %s, want %s", got, want)
	}
}

func TestStorageSchema(t *testing.T) {
	store := newTestStorage(t)

	for _, table := range []string{"swaps", "reverse_swaps", "key_indexes", "chain_state", "pairs"} {
		var name string
		err := store.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("%s table not found: %v", table, err)
		}
	}
}

func TestReopenKeepsData(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "lnswap-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := store.CreateSwap(testSwap("persist-1", 0)); err != nil {
		t.Fatalf("CreateSwap() error = %v", err)
	}
	store.Close()

	store, err = New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() reopen error = %v", err)
	}
	defer store.Close()

	if _, err := store.GetSwap("persist-1"); err != nil {
		t.Errorf("GetSwap() after reopen error = %v", err)
	}
}
