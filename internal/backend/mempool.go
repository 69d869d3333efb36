package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MempoolBackend implements Backend using the mempool.space REST API.
// Compatible with mempool.space, litecoinspace.org, and self-hosted instances.
type MempoolBackend struct {
	baseURL    string
	httpClient *http.Client
	mu         sync.RWMutex
	connected  bool

	// feePath differs between mempool.space and plain Esplora.
	feePath string
}

// NewMempoolBackend creates a new mempool.space backend.
func NewMempoolBackend(baseURL string) *MempoolBackend {
	return &MempoolBackend{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		feePath:    "/v1/fees/recommended",
	}
}

// Type returns TypeMempool.
func (m *MempoolBackend) Type() Type {
	return TypeMempool
}

// Connect tests the connection by fetching the tip height.
func (m *MempoolBackend) Connect(ctx context.Context) error {
	if _, err := m.GetBlockHeight(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

// Close marks the backend disconnected.
func (m *MempoolBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected returns true after a successful Connect.
func (m *MempoolBackend) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// GetAddressUTXOs returns unspent outputs for an address.
func (m *MempoolBackend) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var result []struct {
		TxID   string `json:"txid"`
		Vout   uint32 `json:"vout"`
		Status struct {
			Confirmed   bool  `json:"confirmed"`
			BlockHeight int64 `json:"block_height"`
		} `json:"status"`
		Value uint64 `json:"value"`
	}

	if err := m.getJSON(ctx, "/address/"+address+"/utxo", &result); err != nil {
		return nil, err
	}

	tip, err := m.GetBlockHeight(ctx)
	if err != nil {
		return nil, err
	}

	utxos := make([]UTXO, len(result))
	for i, u := range result {
		utxos[i] = UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Amount:        u.Value,
			BlockHeight:   u.Status.BlockHeight,
			Confirmations: confirmations(u.Status.Confirmed, u.Status.BlockHeight, tip),
		}
	}
	return utxos, nil
}

// GetAddressTxs returns mempool and the most recent confirmed transactions for an address.
func (m *MempoolBackend) GetAddressTxs(ctx context.Context, address string) ([]Transaction, error) {
	var result []mempoolTx
	if err := m.getJSON(ctx, "/address/"+address+"/txs", &result); err != nil {
		return nil, err
	}

	txs := make([]Transaction, len(result))
	for i := range result {
		txs[i] = result[i].convert()
	}
	return txs, nil
}

// GetTransaction returns a transaction by ID, with confirmations filled in.
func (m *MempoolBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var result mempoolTx
	if err := m.getJSON(ctx, "/tx/"+txID, &result); err != nil {
		if err == ErrNotFound {
			return nil, ErrTxNotFound
		}
		return nil, err
	}

	tx := result.convert()
	if tx.Confirmed {
		tip, err := m.GetBlockHeight(ctx)
		if err != nil {
			return nil, err
		}
		tx.Confirmations = confirmations(true, tx.BlockHeight, tip)
	}
	return &tx, nil
}

// GetRawTransaction returns the raw transaction hex.
func (m *MempoolBackend) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	body, err := m.do(ctx, http.MethodGet, "/tx/"+txID+"/hex", nil)
	if err == ErrNotFound {
		return nil, ErrTxNotFound
	}
	return body, err
}

// BroadcastTransaction pushes a raw transaction and returns its txid.
func (m *MempoolBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	body, err := m.do(ctx, http.MethodPost, "/tx", strings.NewReader(rawTxHex))
	if err != nil {
		if IsTransient(err) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	return strings.TrimSpace(string(body)), nil
}

// GetBlockHeight returns the current tip height.
func (m *MempoolBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	body, err := m.do(ctx, http.MethodGet, "/blocks/tip/height", nil)
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid height %q: %w", body, err)
	}
	return height, nil
}

// GetFeeEstimates returns recommended fee rates.
func (m *MempoolBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64
	if err := m.getJSON(ctx, m.feePath, &result); err != nil {
		return nil, err
	}

	return &FeeEstimate{
		FastestFee:  uint64(result["fastestFee"]),
		HalfHourFee: uint64(result["halfHourFee"]),
		HourFee:     uint64(result["hourFee"]),
		EconomyFee:  uint64(result["economyFee"]),
		MinimumFee:  uint64(result["minimumFee"]),
	}, nil
}

func (m *MempoolBackend) getJSON(ctx context.Context, path string, result interface{}) error {
	body, err := m.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// do performs a request and classifies failures: transport errors and 5xx
// are ErrBackendUnavailable, 404 is ErrNotFound, 429 is ErrRateLimited.
func (m *MempoolBackend) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "text/plain")
	} else {
		// Avoid stale CDN responses
		req.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.setConnected(false)
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		m.setConnected(true)
		return data, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode >= 500:
		m.setConnected(false)
		return nil, fmt.Errorf("%w: status %d", ErrBackendUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
}

func (m *MempoolBackend) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func confirmations(confirmed bool, blockHeight, tip int64) int64 {
	if !confirmed || blockHeight <= 0 {
		return 0
	}
	if tip < blockHeight {
		return 1
	}
	return tip - blockHeight + 1
}

// mempoolTx is the mempool.space / Esplora transaction format.
type mempoolTx struct {
	TxID     string `json:"txid"`
	Version  int32  `json:"version"`
	LockTime uint32 `json:"locktime"`
	Weight   int64  `json:"weight"`
	Fee      uint64 `json:"fee"`
	Status   struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight int64  `json:"block_height"`
		BlockHash   string `json:"block_hash"`
	} `json:"status"`
	Vin []struct {
		TxID     string       `json:"txid"`
		Vout     uint32       `json:"vout"`
		Witness  []string     `json:"witness"`
		Sequence uint32       `json:"sequence"`
		Prevout  *mempoolVout `json:"prevout"`
	} `json:"vin"`
	Vout []mempoolVout `json:"vout"`
}

type mempoolVout struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address"`
	Value            uint64 `json:"value"`
}

func (v mempoolVout) convert() TxOutput {
	return TxOutput{ScriptPubKey: v.ScriptPubKey, ScriptPubKeyAddr: v.ScriptPubKeyAddr, Value: v.Value}
}

func (mt *mempoolTx) convert() Transaction {
	tx := Transaction{
		TxID:        mt.TxID,
		Version:     mt.Version,
		VSize:       (mt.Weight + 3) / 4,
		LockTime:    mt.LockTime,
		Fee:         mt.Fee,
		Confirmed:   mt.Status.Confirmed,
		BlockHash:   mt.Status.BlockHash,
		BlockHeight: mt.Status.BlockHeight,
		Inputs:      make([]TxInput, len(mt.Vin)),
		Outputs:     make([]TxOutput, len(mt.Vout)),
	}

	for j, vin := range mt.Vin {
		input := TxInput{
			TxID:     vin.TxID,
			Vout:     vin.Vout,
			Witness:  vin.Witness,
			Sequence: vin.Sequence,
		}
		if vin.Prevout != nil {
			out := vin.Prevout.convert()
			input.PrevOut = &out
		}
		tx.Inputs[j] = input
	}
	for j, vout := range mt.Vout {
		tx.Outputs[j] = vout.convert()
	}
	return tx
}

var _ Backend = (*MempoolBackend)(nil)
