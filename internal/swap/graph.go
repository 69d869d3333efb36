package swap

import "github.com/klingon-exchange/lnswap/internal/storage"

type edgeSet map[storage.SwapStatus][]storage.SwapStatus

// forwardEdges lists every status change a submarine swap may take. The
// only backwards edges are the reorg reverts out of the lockup statuses.
var forwardEdges = edgeSet{
	storage.StatusCreated: {
		storage.StatusLockupMempool, storage.StatusLockupConfirmed,
		storage.StatusLockupFailed, storage.StatusExpired,
	},
	storage.StatusLockupMempool: {
		storage.StatusLockupConfirmed, storage.StatusCreated, storage.StatusInvoicePending,
		storage.StatusRefunded, storage.StatusExpired,
	},
	storage.StatusLockupConfirmed: {
		storage.StatusLockupMempool, storage.StatusCreated, storage.StatusInvoicePending,
		storage.StatusRefunded, storage.StatusExpired,
	},
	storage.StatusLockupFailed:       {storage.StatusRefunded, storage.StatusExpired},
	storage.StatusInvoicePending:     {storage.StatusInvoicePaid, storage.StatusInvoiceFailedToPay},
	storage.StatusInvoicePaid:        {storage.StatusClaimed},
	storage.StatusInvoiceFailedToPay: {storage.StatusRefunded},
}

var reverseEdges = edgeSet{
	storage.StatusCreated: {
		storage.StatusMinerFeePaid, storage.StatusLockupMempool, storage.StatusLockupConfirmed,
		storage.StatusLockupFailed, storage.StatusExpired,
	},
	storage.StatusMinerFeePaid: {
		storage.StatusLockupMempool, storage.StatusLockupConfirmed,
		storage.StatusLockupFailed, storage.StatusExpired,
	},
	storage.StatusLockupMempool: {
		storage.StatusLockupConfirmed, storage.StatusCreated, storage.StatusMinerFeePaid,
		storage.StatusClaimed, storage.StatusRefunded,
	},
	storage.StatusLockupConfirmed: {
		storage.StatusLockupMempool, storage.StatusCreated, storage.StatusMinerFeePaid,
		storage.StatusClaimed, storage.StatusRefunded,
	},
	storage.StatusLockupFailed: {storage.StatusExpired},
}

func (e edgeSet) allows(from, to storage.SwapStatus) bool {
	if from == to {
		return true
	}
	for _, s := range e[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidTransition reports whether a swap of kind may move from one status to
// another. Staying in place is always valid.
func ValidTransition(kind storage.Kind, from, to storage.SwapStatus) bool {
	if kind == storage.KindReverse {
		return reverseEdges.allows(from, to)
	}
	return forwardEdges.allows(from, to)
}
