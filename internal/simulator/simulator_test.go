package simulator

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/triarb/internal/chain"
)

var (
	executor = common.HexToAddress("0xe0")
	owner    = common.HexToAddress("0x0a")
	builder  = common.HexToAddress("0x690B9A9E9aa1C9dB991C7721a92d351Db4FaC990")
	usdc     = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode answers every request with result, or with rpcErr when set.
type fakeNode struct {
	mu      sync.Mutex
	result  any
	rpcErr  map[string]any
	lastReq rpcRequest
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	n.lastReq = req
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if n.rpcErr != nil {
		resp["error"] = n.rpcErr
	} else {
		resp["result"] = n.result
	}
	n.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func newSim(t *testing.T, node *fakeNode) *Simulator {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)
	client, err := rpc.DialContext(context.Background(), srv.URL)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return New(Config{
		Executor:     executor,
		Owner:        owner,
		Code:         []byte{0x60, 0x80, 0x60, 0x40},
		BalanceSlot:  3,
		OwnerBalance: new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18)),
		Builder:      builder,
		GasLimit:     700_000,
	}, client)
}

func blockCtx() chain.BlockContext {
	return chain.BlockContext{
		Block:                chain.Block{Number: 100, Timestamp: 1_700_000_000, BaseFee: big.NewInt(20e9)},
		PredictedNextBaseFee: big.NewInt(21e9),
	}
}

func trade() Trade {
	return Trade{Token: usdc, AmountIn: big.NewInt(1_000_000_000), Calldata: []byte{0xde, 0xad}}
}

func word(v int64) string {
	return hexutil.Encode(common.BigToHash(big.NewInt(v)).Bytes())
}

func TestSimulate_Success(t *testing.T) {
	node := &fakeNode{result: []map[string]any{{
		"number": "0x65",
		"calls": []map[string]any{
			{"status": "0x1", "gasUsed": "0x3d090", "returnData": "0x", "logs": []any{}},
			{"status": "0x1", "gasUsed": "0x5208", "returnData": word(1_002_500_000), "logs": []any{}},
		},
	}}}
	sim := newSim(t, node)

	out, err := sim.Simulate(context.Background(), blockCtx(), trade())
	require.NoError(t, err)
	require.Equal(t, Success, out.Kind)
	assert.NoError(t, out.Err())
	assert.Equal(t, uint64(250_000), out.GasUsed)
	assert.Equal(t, big.NewInt(1_002_500_000), out.Balance)

	// Request shape: state pinned at block 100, context of block 101.
	req := node.lastReq
	assert.Equal(t, "eth_simulateV1", req.Method)
	require.Len(t, req.Params, 2)
	var tag string
	require.NoError(t, json.Unmarshal(req.Params[1], &tag))
	assert.Equal(t, "0x64", tag)

	var opts struct {
		BlockStateCalls []struct {
			BlockOverrides struct {
				Number       hexutil.Uint64 `json:"number"`
				Time         hexutil.Uint64 `json:"time"`
				BaseFee      *hexutil.Big   `json:"baseFeePerGas"`
				FeeRecipient common.Address `json:"feeRecipient"`
			} `json:"blockOverrides"`
			StateOverrides map[common.Address]struct {
				Balance   *hexutil.Big                `json:"balance"`
				Code      hexutil.Bytes               `json:"code"`
				StateDiff map[common.Hash]common.Hash `json:"stateDiff"`
			} `json:"stateOverrides"`
			Calls []struct {
				From         common.Address `json:"from"`
				To           common.Address `json:"to"`
				Gas          hexutil.Uint64 `json:"gas"`
				MaxFeePerGas *hexutil.Big   `json:"maxFeePerGas"`
				Input        hexutil.Bytes  `json:"input"`
			} `json:"calls"`
		} `json:"blockStateCalls"`
	}
	require.NoError(t, json.Unmarshal(req.Params[0], &opts))
	require.Len(t, opts.BlockStateCalls, 1)
	bsc := opts.BlockStateCalls[0]

	assert.Equal(t, uint64(101), uint64(bsc.BlockOverrides.Number))
	assert.Greater(t, uint64(bsc.BlockOverrides.Time), uint64(1_700_000_000))
	assert.Equal(t, big.NewInt(21e9), bsc.BlockOverrides.BaseFee.ToInt())
	assert.Equal(t, builder, bsc.BlockOverrides.FeeRecipient)

	exec := bsc.StateOverrides[executor]
	assert.Equal(t, []byte{0x60, 0x80, 0x60, 0x40}, []byte(exec.Code))
	assert.Equal(t, 0, exec.Balance.ToInt().Sign())
	assert.Equal(t, "100000000000000000000", bsc.StateOverrides[owner].Balance.ToInt().String())
	tok := bsc.StateOverrides[usdc]
	assert.Equal(t, common.BigToHash(big.NewInt(1_000_000_000)), tok.StateDiff[BalanceSlot(executor, 3)])

	require.Len(t, bsc.Calls, 2)
	assert.Equal(t, executor, bsc.Calls[0].To)
	assert.Equal(t, owner, bsc.Calls[0].From)
	assert.Equal(t, uint64(700_000), uint64(bsc.Calls[0].Gas))
	assert.Equal(t, []byte{0xde, 0xad}, []byte(bsc.Calls[0].Input))
	assert.Equal(t, usdc, bsc.Calls[1].To)
}

func TestSimulate_Revert(t *testing.T) {
	node := &fakeNode{result: []map[string]any{{
		"number": "0x65",
		"calls": []map[string]any{
			{"status": "0x0", "gasUsed": "0x1000", "returnData": "0x08c379a0",
				"error": map[string]any{"code": 3, "message": "execution reverted"}},
			{"status": "0x1", "gasUsed": "0x5208", "returnData": word(0)},
		},
	}}}
	out, err := newSim(t, node).Simulate(context.Background(), blockCtx(), trade())
	require.NoError(t, err)
	assert.Equal(t, Revert, out.Kind)
	assert.Equal(t, []byte{0x08, 0xc3, 0x79, 0xa0}, out.RevertData)
	assert.Nil(t, out.Balance)
	assert.ErrorIs(t, out.Err(), ErrNotSuccess)
}

func TestSimulate_Halt(t *testing.T) {
	node := &fakeNode{result: []map[string]any{{
		"number": "0x65",
		"calls": []map[string]any{
			{"status": "0x0", "gasUsed": "0xaae60", "returnData": "0x",
				"error": map[string]any{"code": -32015, "message": "out of gas"}},
			{"status": "0x1", "gasUsed": "0x5208", "returnData": word(0)},
		},
	}}}
	out, err := newSim(t, node).Simulate(context.Background(), blockCtx(), trade())
	require.NoError(t, err)
	assert.Equal(t, Halt, out.Kind)
	assert.Equal(t, "out of gas", out.Reason)
	assert.ErrorIs(t, out.Err(), ErrNotSuccess)
}

func TestSimulate_TransportError(t *testing.T) {
	node := &fakeNode{rpcErr: map[string]any{"code": -32601, "message": "method not found"}}
	_, err := newSim(t, node).Simulate(context.Background(), blockCtx(), trade())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotSuccess)
}

func TestOverrides_CloneIsolation(t *testing.T) {
	sim := New(Config{Executor: executor, Owner: owner, BalanceSlot: 3, OwnerBalance: big.NewInt(1)}, nil)

	a := sim.Overrides(Trade{Token: usdc, AmountIn: big.NewInt(5)})
	other := common.HexToAddress("0xdac17f958d2ee523a2206206994597c13d831ec7")
	b := sim.Overrides(Trade{Token: other, AmountIn: big.NewInt(7)})

	assert.Contains(t, a, usdc)
	assert.NotContains(t, a, other)
	assert.Contains(t, b, other)
	assert.NotContains(t, b, usdc)
	assert.NotContains(t, sim.base, usdc)
	assert.NotContains(t, sim.base, other)

	// Mutating a clone leaves the source alone.
	a[owner].Balance.SetInt64(999)
	assert.Equal(t, int64(1), sim.base[owner].Balance.Int64())
}

func TestBalanceSlot(t *testing.T) {
	s3 := BalanceSlot(executor, 3)
	assert.Equal(t, s3, BalanceSlot(executor, 3))
	assert.NotEqual(t, s3, BalanceSlot(executor, 2))
	assert.NotEqual(t, s3, BalanceSlot(owner, 3))
}
