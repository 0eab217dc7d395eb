package multicall

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/nexus-trading/triarb/internal/contract"
)

// MaxBatch is the most calls one aggregate request may carry. Larger
// requests fail at the node rather than being truncated.
const MaxBatch = 250

// ErrBatchTooLarge is returned before dispatch when a batch exceeds the limit.
var ErrBatchTooLarge = errors.New("multicall: batch exceeds limit")

// Caller is the read-only slice of an Ethereum client this package needs.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Call is one sub-call in an aggregate.
type Call struct {
	Target   common.Address
	CallData []byte
}

// Result is the outcome of one sub-call.
type Result struct {
	Success    bool
	ReturnData []byte
}

// call3 mirrors Multicall3.Call3 for ABI packing.
type call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// Client batches read calls through a Multicall3 deployment.
type Client struct {
	caller  Caller
	address common.Address
	limit   int
}

// New creates a Client. limit is clamped to MaxBatch.
func New(caller Caller, address common.Address, limit int) *Client {
	if limit <= 0 || limit > MaxBatch {
		limit = MaxBatch
	}
	return &Client{caller: caller, address: address, limit: limit}
}

// Limit returns the per-request call cap.
func (c *Client) Limit() int { return c.limit }

// Aggregate executes calls in one aggregate3 request at blockNumber (nil =
// latest). Individual sub-calls may fail without failing the batch.
func (c *Client) Aggregate(ctx context.Context, calls []Call, blockNumber *big.Int) ([]Result, error) {
	if len(calls) > c.limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(calls), c.limit)
	}
	if len(calls) == 0 {
		return nil, nil
	}

	packed := make([]call3, len(calls))
	for i, cl := range calls {
		packed[i] = call3{Target: cl.Target, AllowFailure: true, CallData: cl.CallData}
	}
	input, err := contract.MulticallABI.Pack("aggregate3", packed)
	if err != nil {
		return nil, fmt.Errorf("multicall: pack: %w", err)
	}

	to := c.address
	raw, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("multicall: call: %w", err)
	}

	out, err := contract.MulticallABI.Unpack("aggregate3", raw)
	if err != nil {
		return nil, fmt.Errorf("multicall: unpack: %w", err)
	}
	results := *abi.ConvertType(out[0], new([]Result)).(*[]Result)
	if len(results) != len(calls) {
		return nil, fmt.Errorf("multicall: got %d results for %d calls", len(results), len(calls))
	}
	return results, nil
}
