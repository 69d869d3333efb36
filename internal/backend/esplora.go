package backend

import "context"

// EsploraBackend implements Backend using the Esplora API (blockstream.info).
// Esplora shares mempool.space's REST surface except for fee estimates.
type EsploraBackend struct {
	*MempoolBackend
}

// NewEsploraBackend creates a new Esplora backend.
func NewEsploraBackend(baseURL string) *EsploraBackend {
	m := NewMempoolBackend(baseURL)
	m.feePath = "/fee-estimates"
	return &EsploraBackend{MempoolBackend: m}
}

// Type returns TypeEsplora.
func (e *EsploraBackend) Type() Type {
	return TypeEsplora
}

// GetFeeEstimates maps Esplora's confirmation-target table onto FeeEstimate.
func (e *EsploraBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64
	if err := e.getJSON(ctx, e.feePath, &result); err != nil {
		return nil, err
	}

	return &FeeEstimate{
		FastestFee:  uint64(result["1"]),
		HalfHourFee: uint64(result["3"]),
		HourFee:     uint64(result["6"]),
		EconomyFee:  uint64(result["144"]),
		MinimumFee:  1, // not reported by Esplora
	}, nil
}

var _ Backend = (*EsploraBackend)(nil)
