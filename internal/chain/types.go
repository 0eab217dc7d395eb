package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Block is the header subset the detector consumes.
type Block struct {
	Number    uint64
	Hash      common.Hash
	BaseFee   *big.Int
	Timestamp uint64
	GasUsed   uint64
	GasLimit  uint64
}

// BlockContext is produced once per observed block.
type BlockContext struct {
	Block
	PredictedNextBaseFee *big.Int
}

// TargetBlock is the block a bundle built on this context aims for.
func (c BlockContext) TargetBlock() uint64 { return c.Number + 1 }

// EventKind tags what an Event carries.
type EventKind int

const (
	EventBlock EventKind = iota + 1
	EventPendingTx
	EventLog
)

func (k EventKind) String() string {
	switch k {
	case EventBlock:
		return "block"
	case EventPendingTx:
		return "pending_tx"
	case EventLog:
		return "log"
	default:
		return "unknown"
	}
}

// Event is one upstream notification. Exactly one of Block, TxHash, Log is
// meaningful depending on Kind.
type Event struct {
	Kind   EventKind
	Block  Block
	TxHash common.Hash
	Log    types.Log
}
