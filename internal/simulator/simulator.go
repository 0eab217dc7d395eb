package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/triarb/internal/chain"
	"github.com/nexus-trading/triarb/internal/contract"
)

// ---------------------------------------------------------------------------
// Fork simulator: runs the order against the pinned block through
// eth_simulateV1 with an explicit override table.
// ---------------------------------------------------------------------------

// ErrNotSuccess is wrapped by Outcome.Err for reverted or halted runs.
var ErrNotSuccess = errors.New("simulator: trade did not succeed")

// revertCode is the JSON-RPC error code nodes use for EVM reverts.
const revertCode = 3

// Kind classifies a simulation.
type Kind int

const (
	Success Kind = iota + 1
	Revert
	Halt
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Revert:
		return "revert"
	case Halt:
		return "halt"
	default:
		return "unknown"
	}
}

// Outcome is the result of one simulated trade. GasUsed and Balance are set
// on Success, RevertData on Revert, Reason on Revert and Halt.
type Outcome struct {
	Kind       Kind
	GasUsed    uint64
	Balance    *big.Int
	RevertData []byte
	Reason     string
}

// Err is nil for Success and wraps ErrNotSuccess otherwise.
func (o Outcome) Err() error {
	if o.Kind == Success {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", ErrNotSuccess, o.Kind, o.Reason)
}

// Config describes the execution environment of a simulation.
type Config struct {
	Executor     common.Address // execution contract address
	Owner        common.Address // signer of the order
	Code         []byte         // execution contract runtime bytecode
	BalanceSlot  int64          // balanceOf mapping slot of input tokens
	OwnerBalance *big.Int       // wei credited to Owner
	Builder      common.Address // fee recipient of the simulated block
	GasLimit     uint64
}

// Caller is the JSON-RPC surface used; *rpc.Client satisfies it.
type Caller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// Trade is one order to validate.
type Trade struct {
	Token    common.Address // input token credited to the executor
	AmountIn *big.Int       // raw units
	Calldata []byte         // order calldata for the executor
}

// Simulator is safe for concurrent use; every run works on its own table.
type Simulator struct {
	config Config
	rpc    Caller
	base   OverrideTable
}

// New creates a Simulator. The executor gets the configured code and a zero
// balance; the owner gets OwnerBalance.
func New(config Config, rpc Caller) *Simulator {
	base := make(OverrideTable)
	base.SetCode(config.Executor, config.Code)
	base.SetBalance(config.Executor, new(big.Int))
	if config.OwnerBalance != nil {
		base.SetBalance(config.Owner, config.OwnerBalance)
	}
	if config.GasLimit == 0 {
		config.GasLimit = 700_000
	}
	return &Simulator{config: config, rpc: rpc, base: base}
}

// Overrides returns the table a simulation of tr would apply.
func (s *Simulator) Overrides(tr Trade) OverrideTable {
	t := s.base.Clone()
	slot := BalanceSlot(s.config.Executor, s.config.BalanceSlot)
	t.SetStorage(tr.Token, slot, common.BigToHash(tr.AmountIn))
	return t
}

type simCall struct {
	From                 common.Address `json:"from"`
	To                   common.Address `json:"to"`
	Gas                  hexutil.Uint64 `json:"gas,omitempty"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas,omitempty"`
	Input                hexutil.Bytes  `json:"input"`
}

type blockOverrides struct {
	Number       hexutil.Uint64 `json:"number"`
	Time         hexutil.Uint64 `json:"time"`
	BaseFee      *hexutil.Big   `json:"baseFeePerGas"`
	FeeRecipient common.Address `json:"feeRecipient"`
}

type blockStateCall struct {
	BlockOverrides blockOverrides `json:"blockOverrides"`
	StateOverrides OverrideTable  `json:"stateOverrides"`
	Calls          []simCall      `json:"calls"`
}

type simOpts struct {
	BlockStateCalls []blockStateCall `json:"blockStateCalls"`
	Validation      bool             `json:"validation"`
}

type callResult struct {
	Status     hexutil.Uint64 `json:"status"`
	GasUsed    hexutil.Uint64 `json:"gasUsed"`
	ReturnData hexutil.Bytes  `json:"returnData"`
	Error      *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    string `json:"data"`
	} `json:"error"`
}

type simBlock struct {
	Number hexutil.Uint64 `json:"number"`
	Calls  []callResult   `json:"calls"`
}

// Simulate executes tr on top of the state of bc's block with the block
// context of the next one. The returned error is a transport or decoding
// failure; EVM failures are reported through the Outcome.
func (s *Simulator) Simulate(ctx context.Context, bc chain.BlockContext, tr Trade) (Outcome, error) {
	balanceOf, err := contract.EncodeBalanceOf(s.config.Executor)
	if err != nil {
		return Outcome{}, fmt.Errorf("simulator: encode balanceOf: %w", err)
	}
	baseFee := bc.PredictedNextBaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}

	opts := simOpts{
		BlockStateCalls: []blockStateCall{{
			BlockOverrides: blockOverrides{
				Number:       hexutil.Uint64(bc.TargetBlock()),
				Time:         hexutil.Uint64(bc.Timestamp + 12),
				BaseFee:      (*hexutil.Big)(baseFee),
				FeeRecipient: s.config.Builder,
			},
			StateOverrides: s.Overrides(tr),
			Calls: []simCall{
				{
					From:                 s.config.Owner,
					To:                   s.config.Executor,
					Gas:                  hexutil.Uint64(s.config.GasLimit),
					MaxFeePerGas:         (*hexutil.Big)(baseFee),
					MaxPriorityFeePerGas: (*hexutil.Big)(new(big.Int)),
					Input:                tr.Calldata,
				},
				{
					From:  s.config.Owner,
					To:    tr.Token,
					Input: balanceOf,
				},
			},
		}},
	}

	var blocks []simBlock
	if err := s.rpc.CallContext(ctx, &blocks, "eth_simulateV1", opts, hexutil.EncodeUint64(bc.Number)); err != nil {
		return Outcome{}, fmt.Errorf("simulator: eth_simulateV1: %w", err)
	}
	if len(blocks) != 1 || len(blocks[0].Calls) != 2 {
		return Outcome{}, fmt.Errorf("simulator: unexpected result shape")
	}

	out := classify(blocks[0].Calls[0])
	if out.Kind == Success {
		bal, err := contract.DecodeBalanceOf(blocks[0].Calls[1].ReturnData)
		if err != nil {
			return Outcome{}, fmt.Errorf("simulator: decode balance: %w", err)
		}
		out.Balance = bal
	}

	log.Debug().
		Uint64("block", bc.Number).
		Str("token", tr.Token.Hex()).
		Str("outcome", out.Kind.String()).
		Uint64("gas_used", out.GasUsed).
		Str("reason", out.Reason).
		Msg("simulator: done")
	return out, nil
}

func classify(r callResult) Outcome {
	if r.Status == 1 {
		return Outcome{Kind: Success, GasUsed: uint64(r.GasUsed)}
	}
	if r.Error == nil {
		return Outcome{Kind: Halt, Reason: "failed without error"}
	}
	if r.Error.Code == revertCode || strings.Contains(r.Error.Message, "execution reverted") {
		data := []byte(r.ReturnData)
		if len(data) == 0 && r.Error.Data != "" {
			if b, err := hexutil.Decode(r.Error.Data); err == nil {
				data = b
			}
		}
		return Outcome{Kind: Revert, RevertData: data, Reason: r.Error.Message}
	}
	return Outcome{Kind: Halt, Reason: r.Error.Message}
}
