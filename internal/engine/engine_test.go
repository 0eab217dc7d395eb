package engine

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/triarb/internal/bundle"
	"github.com/nexus-trading/triarb/internal/bus"
	"github.com/nexus-trading/triarb/internal/chain"
	"github.com/nexus-trading/triarb/internal/evaluator"
	"github.com/nexus-trading/triarb/internal/metrics"
	"github.com/nexus-trading/triarb/internal/path"
	"github.com/nexus-trading/triarb/internal/pool"
	"github.com/nexus-trading/triarb/internal/reserve"
	"github.com/nexus-trading/triarb/internal/simulator"
)

var (
	tokT   = common.HexToAddress("0x1000")
	tokA   = common.HexToAddress("0x2000")
	tokB   = common.HexToAddress("0x3000")
	router = common.HexToAddress("0x7a25")
	poolTA = common.HexToAddress("0x01")
	poolAB = common.HexToAddress("0x02")
	poolBT = common.HexToAddress("0x03")
)

func units(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), big.NewInt(1e18))
}

func v2(addr common.Address, t0, t1 common.Address) pool.Pool {
	return pool.Pool{Address: addr, Version: pool.V2, Token0: t0, Token1: t1, Decimals0: 18, Decimals1: 18, Fee: 3}
}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeUpdater struct {
	touched []common.Address
	err     error
	calls   []uint64
}

func (f *fakeUpdater) ApplyBlock(_ context.Context, block uint64) ([]common.Address, error) {
	f.calls = append(f.calls, block)
	return f.touched, f.err
}

type fakeSim struct {
	mu      sync.Mutex
	outcome simulator.Outcome
	profit  *big.Int // added to AmountIn when outcome is Success
	trades  []simulator.Trade
	blocks  []chain.BlockContext
}

func (f *fakeSim) Simulate(_ context.Context, bc chain.BlockContext, tr simulator.Trade) (simulator.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, tr)
	f.blocks = append(f.blocks, bc)
	out := f.outcome
	if out.Kind == simulator.Success {
		out.Balance = new(big.Int).Add(tr.AmountIn, f.profit)
	}
	return out, nil
}

type fakeBuilder struct {
	mu     sync.Mutex
	orders []bundle.Order
}

func (f *fakeBuilder) OrderCalldata(o bundle.Order) ([]byte, error) {
	return append([]byte{0xde, 0xad}, o.AmountIn.Bytes()...), nil
}

func (f *fakeBuilder) Build(_ context.Context, bc chain.BlockContext, o bundle.Order) (*bundle.Bundle, error) {
	f.mu.Lock()
	f.orders = append(f.orders, o)
	f.mu.Unlock()
	tx := types.NewTx(&types.DynamicFeeTx{ChainID: big.NewInt(1), Gas: bundle.OrderGas})
	return bundle.New("uuid-1", bc.TargetBlock(), bc.Number, []*types.Transaction{tx})
}

func (f *fakeBuilder) built() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

type fakePipeline struct {
	mu       sync.Mutex
	execErr  error
	executed int
	resolved []bundle.State
}

func (f *fakePipeline) Execute(_ context.Context, b *bundle.Bundle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed++
	if f.execErr != nil {
		_ = b.Transition(bundle.EventSimulationFail, f.execErr.Error())
		return f.execErr
	}
	if err := b.Transition(bundle.EventSimulationPass, ""); err != nil {
		return err
	}
	return b.Transition(bundle.EventSend, "0xb0")
}

func (f *fakePipeline) Resolve(_ context.Context, b *bundle.Bundle) (bundle.State, error) {
	if err := b.Transition(bundle.EventInclude, ""); err != nil {
		return b.State(), err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, b.State())
	return b.State(), nil
}

type harness struct {
	engine   *Engine
	updater  *fakeUpdater
	sim      *fakeSim
	builder  *fakeBuilder
	pipeline *fakePipeline
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()
	pools := []pool.Pool{v2(poolTA, tokT, tokA), v2(poolAB, tokA, tokB), v2(poolBT, tokB, tokT)}
	reserves := reserve.Map{
		poolTA: {Reserve0: units(100_000), Reserve1: units(200_000)},
		poolAB: {Reserve0: units(200_000), Reserve1: units(300_000)},
		poolBT: {Reserve0: units(300_000), Reserve1: units(120_000)},
	}
	ev, err := evaluator.New(evaluator.DefaultConfig(), tokT, tokT, pool.Pool{})
	require.NoError(t, err)

	h := &harness{
		updater:  &fakeUpdater{touched: []common.Address{poolTA}},
		sim:      &fakeSim{outcome: simulator.Outcome{Kind: simulator.Success, GasUsed: 300_000}, profit: units(50)},
		builder:  &fakeBuilder{},
		pipeline: &fakePipeline{},
		metrics:  metrics.Discard(),
	}
	h.engine = New(config, Deps{
		Predictor: chain.NewPredictor(0, 1),
		Updater:   h.updater,
		Reserves:  reserves,
		Index:     path.NewIndex(path.Generate(pools, tokT)),
		Evaluator: ev,
		Simulator: h.sim,
		Builder:   h.builder,
		Pipeline:  h.pipeline,
		RouterFor: func(common.Address) common.Address { return router },
		Metrics:   h.metrics,
	})
	return h
}

func head(n uint64) chain.Block {
	return chain.Block{Number: n, BaseFee: big.NewInt(1e9), GasUsed: 15_000_000, GasLimit: 30_000_000, Timestamp: 1_700_000_000}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestHandleBlock_SimulatesBuildsAndResolves(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.engine.HandleBlock(context.Background(), head(100)))
	h.engine.resolving.Wait()

	assert.Equal(t, []uint64{100}, h.updater.calls)
	require.Len(t, h.sim.trades, 1)
	tr := h.sim.trades[0]
	assert.Equal(t, tokT, tr.Token)
	assert.Positive(t, tr.AmountIn.Sign())
	assert.Equal(t, uint64(100), h.sim.blocks[0].Number)
	assert.Equal(t, uint64(101), h.sim.blocks[0].TargetBlock())
	assert.Equal(t, big.NewInt(1e9), h.sim.blocks[0].PredictedNextBaseFee, "half-full block keeps the base fee")

	require.Equal(t, 1, h.builder.built())
	o := h.builder.orders[0]
	assert.Equal(t, tr.AmountIn, o.AmountIn)
	require.Len(t, o.Routes, 3)
	assert.Equal(t, router, o.Routes[0].Router)
	assert.Equal(t, tokT, o.Routes[0].TokenIn)
	assert.Equal(t, tokT, o.Routes[2].TokenOut)

	assert.Equal(t, 1, h.pipeline.executed)
	assert.Equal(t, []bundle.State{bundle.StateIncluded}, h.pipeline.resolved)

	s := h.engine.Stats()
	assert.Equal(t, int64(1), s.Blocks)
	assert.Equal(t, uint64(100), s.LastBlock)
	assert.Equal(t, int64(1), s.Candidates)
	assert.Equal(t, int64(1), s.Simulated)
	assert.Equal(t, int64(1), s.Submitted)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Simulations.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Bundles.WithLabelValues(string(bundle.StateIncluded))))
	assert.False(t, h.engine.LastBlockTime().IsZero())
}

func TestHandleBlock_RevertIsNeverBuilt(t *testing.T) {
	h := newHarness(t, Config{})
	h.sim.outcome = simulator.Outcome{Kind: simulator.Revert, Reason: "execution reverted"}

	require.NoError(t, h.engine.HandleBlock(context.Background(), head(100)))
	assert.Len(t, h.sim.trades, 1)
	assert.Zero(t, h.builder.built())
	assert.Zero(t, h.pipeline.executed)
	assert.Equal(t, int64(1), h.engine.Stats().Rejected)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Simulations.WithLabelValues("revert")))
}

func TestHandleBlock_SimulatedLossIsSkipped(t *testing.T) {
	h := newHarness(t, Config{})
	h.sim.profit = big.NewInt(0) // balance back to amountIn, gas unpaid

	require.NoError(t, h.engine.HandleBlock(context.Background(), head(100)))
	assert.Zero(t, h.builder.built())
	assert.Equal(t, int64(1), h.engine.Stats().Rejected)
}

func TestHandleBlock_DryRunDoesNotSend(t *testing.T) {
	h := newHarness(t, Config{DryRun: true})
	require.NoError(t, h.engine.HandleBlock(context.Background(), head(100)))
	assert.Len(t, h.sim.trades, 1)
	assert.Zero(t, h.builder.built())
	assert.Zero(t, h.pipeline.executed)
}

func TestHandleBlock_FailedRelaySimulationIsNotResolved(t *testing.T) {
	h := newHarness(t, Config{})
	h.pipeline.execErr = bundle.ErrSimulationFailed

	require.NoError(t, h.engine.HandleBlock(context.Background(), head(100)))
	h.engine.resolving.Wait()
	assert.Equal(t, 1, h.pipeline.executed)
	assert.Empty(t, h.pipeline.resolved)
	assert.Zero(t, h.engine.Stats().Submitted)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Bundles.WithLabelValues(string(bundle.StateSimulationFailed))))
}

func TestHandleBlock_StaleHeadIgnored(t *testing.T) {
	h := newHarness(t, Config{DryRun: true})
	ctx := context.Background()
	require.NoError(t, h.engine.HandleBlock(ctx, head(100)))
	require.NoError(t, h.engine.HandleBlock(ctx, head(100)))
	require.NoError(t, h.engine.HandleBlock(ctx, head(99)))
	assert.Equal(t, []uint64{100}, h.updater.calls)
	assert.Equal(t, int64(1), h.engine.Stats().Blocks)
}

func TestHandleBlock_ReserveErrorSkipsBlock(t *testing.T) {
	h := newHarness(t, Config{})
	h.updater.err = errors.New("rpc down")

	require.NoError(t, h.engine.HandleBlock(context.Background(), head(100)))
	assert.Empty(t, h.sim.trades)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Errors.WithLabelValues("reserves")))
}

func TestHandleBlock_UntouchedPathsNotRepriced(t *testing.T) {
	h := newHarness(t, Config{})
	h.updater.touched = []common.Address{common.HexToAddress("0x99")}

	require.NoError(t, h.engine.HandleBlock(context.Background(), head(100)))
	assert.Empty(t, h.sim.trades)
	assert.Zero(t, h.engine.Stats().Candidates)
}

func TestRun_ConsumesFeedTopic(t *testing.T) {
	h := newHarness(t, Config{DryRun: true})
	topic := bus.NewTopic[chain.Event]("chain", 16)
	blocks := topic.Subscribe("engine")
	stats := topic.Subscribe("stats")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 2)
	go func() { done <- h.engine.Run(ctx, blocks) }()
	go func() { done <- h.engine.RunStats(ctx, stats) }()

	topic.Publish(chain.Event{Kind: chain.EventPendingTx, TxHash: common.HexToHash("0x1")})
	topic.Publish(chain.Event{Kind: chain.EventLog})
	topic.Publish(chain.Event{Kind: chain.EventBlock, Block: head(200)})
	topic.Publish(chain.Event{Kind: chain.EventPendingTx, TxHash: common.HexToHash("0x2")})

	require.Eventually(t, func() bool {
		s := h.engine.Stats()
		return s.Blocks == 1 && s.PendingTxs == 2 && s.Logs == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(200), h.engine.Stats().LastBlock)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.FeedEvents.WithLabelValues(chain.EventPendingTx.String())))

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not stop")
		}
	}
}
