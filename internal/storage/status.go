package storage

// SwapStatus is the persisted status of a swap or reverse swap.
type SwapStatus string

const (
	StatusCreated            SwapStatus = "swap.created"
	StatusMinerFeePaid       SwapStatus = "minerfee.paid"
	StatusLockupMempool      SwapStatus = "transaction.mempool"
	StatusLockupConfirmed    SwapStatus = "transaction.confirmed"
	StatusLockupFailed       SwapStatus = "transaction.lockupFailed"
	StatusInvoicePending     SwapStatus = "invoice.pending"
	StatusInvoicePaid        SwapStatus = "invoice.paid"
	StatusClaimed            SwapStatus = "transaction.claimed"
	StatusRefunded           SwapStatus = "transaction.refunded"
	StatusInvoiceFailedToPay SwapStatus = "invoice.failedToPay"
	StatusExpired            SwapStatus = "swap.expired"
)

// IsFinal reports whether no further transition can leave this status.
// InvoiceFailedToPay is final for progress, but a service-held refund may
// still be swept from it once the timeout passes.
func (s SwapStatus) IsFinal() bool {
	switch s {
	case StatusClaimed, StatusRefunded, StatusInvoiceFailedToPay, StatusExpired:
		return true
	}
	return false
}

// finalStatuses is used in SQL filters; keep in sync with IsFinal.
var finalStatuses = []SwapStatus{StatusClaimed, StatusRefunded, StatusInvoiceFailedToPay, StatusExpired}

// settledStatuses can never move again.
var settledStatuses = []SwapStatus{StatusClaimed, StatusRefunded, StatusExpired}

// Kind distinguishes swap directions.
type Kind string

const (
	KindSubmarine Kind = "submarine"
	KindReverse   Kind = "reverse"
)
