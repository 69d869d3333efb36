package chainwatch

import "fmt"

// EventType classifies a watcher event.
type EventType int

const (
	// NewBlock is emitted once per height, in order.
	NewBlock EventType = iota
	// TxSeen is the first sighting of a transaction paying a watched address.
	TxSeen
	// TxConfirmed reports an increased confirmation depth.
	TxConfirmed
	// TxUnconfirmed reports a transaction that lost its confirmations.
	TxUnconfirmed
	// TxDropped reports a transaction that vanished from mempool and chain.
	TxDropped
	// OutputSpent reports a transaction spending an output of a watched address.
	OutputSpent
)

func (t EventType) String() string {
	switch t {
	case NewBlock:
		return "new_block"
	case TxSeen:
		return "tx_seen"
	case TxConfirmed:
		return "tx_confirmed"
	case TxUnconfirmed:
		return "tx_unconfirmed"
	case TxDropped:
		return "tx_dropped"
	case OutputSpent:
		return "output_spent"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Event is delivered on Watcher.Events.
type Event struct {
	Type     EventType
	Currency string
	Height   uint32 // NewBlock: the new height; otherwise the tip when observed

	Address       string
	TxID          string
	Vout          uint32
	Amount        uint64
	Confirmations int64
	RBF           bool // transaction signals BIP125 replaceability

	// OutputSpent only: the spent watched outpoint and the spending input's witness.
	SpentTxID string
	SpentVout uint32
	Witness   []string
}
