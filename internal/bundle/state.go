package bundle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle state of a bundle.
type State string

const (
	StateBuilt            State = "BUILT"
	StateSimulationPassed State = "SIMULATION_PASSED"
	StateSimulationFailed State = "SIMULATION_FAILED"
	StateSent             State = "SENT"
	StateIncluded         State = "INCLUDED"
	StateNotIncluded      State = "NOT_INCLUDED"
)

// Event triggers a state transition.
type Event string

const (
	EventSimulationPass Event = "SIMULATION_PASS"
	EventSimulationFail Event = "SIMULATION_FAIL"
	EventSend           Event = "SEND"
	EventInclude        Event = "INCLUDE"
	EventMiss           Event = "MISS"
)

// ErrInvalidTransition is returned for any edge missing from the table.
var ErrInvalidTransition = errors.New("bundle: invalid transition")

type transition struct {
	from  State
	event Event
}

// transitions is the authoritative transition table. There is no edge into
// StateSent except from StateSimulationPassed.
var transitions = map[transition]State{
	{StateBuilt, EventSimulationPass}: StateSimulationPassed,
	{StateBuilt, EventSimulationFail}: StateSimulationFailed,
	{StateSimulationPassed, EventSend}: StateSent,
	{StateSent, EventInclude}:          StateIncluded,
	{StateSent, EventMiss}:             StateNotIncluded,
}

// Bundle is an ordered set of signed transactions aimed at one block. The
// transaction list is fixed at construction.
type Bundle struct {
	mu sync.Mutex

	ReplacementUUID     string
	TargetBlock         uint64
	SimulationBlock     uint64
	SimulationTimestamp uint64 // 0 lets the relay pick

	txs []*types.Transaction
	raw [][]byte

	state      State
	bundleHash common.Hash
	failure    string
	createdAt  time.Time
	updatedAt  time.Time
}

// New assembles a bundle in StateBuilt.
func New(uuid string, target, simBlock uint64, txs []*types.Transaction) (*Bundle, error) {
	if len(txs) == 0 {
		return nil, fmt.Errorf("bundle: empty")
	}
	raw := make([][]byte, len(txs))
	for i, tx := range txs {
		b, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("bundle: encode tx %d: %w", i, err)
		}
		raw[i] = b
	}
	now := time.Now()
	return &Bundle{
		ReplacementUUID: uuid,
		TargetBlock:     target,
		SimulationBlock: simBlock,
		txs:             txs,
		raw:             raw,
		state:           StateBuilt,
		createdAt:       now,
		updatedAt:       now,
	}, nil
}

// Transactions returns the signed transactions in order.
func (b *Bundle) Transactions() []*types.Transaction {
	return append([]*types.Transaction(nil), b.txs...)
}

// RawTransactions returns the RLP-encoded signed transactions in order.
func (b *Bundle) RawTransactions() [][]byte {
	out := make([][]byte, len(b.raw))
	for i, r := range b.raw {
		out[i] = common.CopyBytes(r)
	}
	return out
}

// Len returns the number of transactions.
func (b *Bundle) Len() int { return len(b.txs) }

// State returns the current state.
func (b *Bundle) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Hash is the relay bundle hash, set once sent.
func (b *Bundle) Hash() common.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bundleHash
}

// Failure is the simulation failure reason, if any.
func (b *Bundle) Failure() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failure
}

// Transition advances the bundle. detail is the failure reason for
// EventSimulationFail and the bundle hash (hex) for EventSend.
func (b *Bundle) Transition(event Event, detail string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.state
	next, ok := transitions[transition{from: b.state, event: event}]
	if !ok {
		return fmt.Errorf("%w: state=%s event=%s", ErrInvalidTransition, b.state, event)
	}

	switch event {
	case EventSimulationFail:
		b.failure = detail
	case EventSend:
		b.bundleHash = common.HexToHash(detail)
	}
	b.state = next
	b.updatedAt = time.Now()

	log.Info().
		Str("uuid", b.ReplacementUUID).
		Uint64("target_block", b.TargetBlock).
		Str("prev_state", string(prev)).
		Str("event", string(event)).
		Str("new_state", string(next)).
		Msg("bundle state transition")
	return nil
}

// IsTerminal reports whether no further transition is possible.
func (b *Bundle) IsTerminal() bool {
	switch b.State() {
	case StateSimulationFailed, StateIncluded, StateNotIncluded:
		return true
	default:
		return false
	}
}
