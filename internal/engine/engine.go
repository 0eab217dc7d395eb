package engine

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/triarb/internal/bundle"
	"github.com/nexus-trading/triarb/internal/bus"
	"github.com/nexus-trading/triarb/internal/chain"
	"github.com/nexus-trading/triarb/internal/contract"
	"github.com/nexus-trading/triarb/internal/evaluator"
	"github.com/nexus-trading/triarb/internal/metrics"
	"github.com/nexus-trading/triarb/internal/path"
	"github.com/nexus-trading/triarb/internal/pricing"
	"github.com/nexus-trading/triarb/internal/reserve"
	"github.com/nexus-trading/triarb/internal/simulator"
)

// ---------------------------------------------------------------------------
// Engine: per-block decision loop.
//
//   head -> base fee prediction -> Sync logs -> affected paths -> evaluate
//        -> fork simulation -> bundle build -> relay simulate/send -> resolve
// ---------------------------------------------------------------------------

// Config tunes the decision loop.
type Config struct {
	MaxCandidatesPerBlock int
	DryRun                bool
}

// ReserveUpdater applies one block of Sync logs to the cache.
type ReserveUpdater interface {
	ApplyBlock(ctx context.Context, block uint64) ([]common.Address, error)
}

// Simulator validates a trade against forked state.
type Simulator interface {
	Simulate(ctx context.Context, bc chain.BlockContext, tr simulator.Trade) (simulator.Outcome, error)
}

// Builder turns an order into a signed bundle.
type Builder interface {
	OrderCalldata(o bundle.Order) ([]byte, error)
	Build(ctx context.Context, bc chain.BlockContext, o bundle.Order) (*bundle.Bundle, error)
}

// Pipeline submits and resolves bundles.
type Pipeline interface {
	Execute(ctx context.Context, b *bundle.Bundle) error
	Resolve(ctx context.Context, b *bundle.Bundle) (bundle.State, error)
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Predictor *chain.Predictor
	Updater   ReserveUpdater
	Reserves  reserve.Reader
	Index     *path.Index
	Evaluator *evaluator.Evaluator
	Simulator Simulator
	Builder   Builder
	Pipeline  Pipeline
	RouterFor func(pool common.Address) common.Address
	Metrics   *metrics.Metrics
}

// Engine consumes block events and acts on the best candidates.
type Engine struct {
	config Config
	deps   Deps

	resolving sync.WaitGroup
	lastBlock atomic.Uint64
	lastSeen  atomic.Int64 // unix nanos of the last processed head

	// Stats.
	blocks     atomic.Int64
	candidates atomic.Int64
	simulated  atomic.Int64
	rejected   atomic.Int64
	submitted  atomic.Int64
	pending    atomic.Int64
	logs       atomic.Int64
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	Blocks     int64  `json:"blocks"`
	LastBlock  uint64 `json:"last_block"`
	Candidates int64  `json:"candidates"`
	Simulated  int64  `json:"simulated"`
	Rejected   int64  `json:"rejected"`
	Submitted  int64  `json:"submitted"`
	PendingTxs int64  `json:"pending_txs"`
	Logs       int64  `json:"logs"`
}

// New creates an engine.
func New(config Config, deps Deps) *Engine {
	if config.MaxCandidatesPerBlock <= 0 {
		config.MaxCandidatesPerBlock = 1
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Discard()
	}
	return &Engine{config: config, deps: deps}
}

// Run consumes block events from sub until ctx is done, then waits for
// in-flight resolutions.
func (e *Engine) Run(ctx context.Context, sub *bus.Subscriber[chain.Event]) error {
	var dropped uint64
	err := bus.Consume(ctx, sub, func(ctx context.Context, env bus.Envelope[chain.Event]) error {
		if d := sub.Dropped(); d > dropped {
			e.deps.Metrics.BusLagged.WithLabelValues("engine").Add(float64(d - dropped))
			dropped = d
		}
		if env.Payload.Kind != chain.EventBlock {
			return nil
		}
		return e.HandleBlock(ctx, env.Payload.Block)
	})
	e.resolving.Wait()
	return err
}

// RunStats counts pending-transaction and log events from sub. It runs
// beside Run on its own subscription.
func (e *Engine) RunStats(ctx context.Context, sub *bus.Subscriber[chain.Event]) error {
	return bus.Consume(ctx, sub, func(_ context.Context, env bus.Envelope[chain.Event]) error {
		switch env.Payload.Kind {
		case chain.EventPendingTx:
			e.pending.Add(1)
		case chain.EventLog:
			e.logs.Add(1)
		}
		e.deps.Metrics.FeedEvents.WithLabelValues(env.Payload.Kind.String()).Inc()
		return nil
	})
}

// HandleBlock runs one decision round for b. Stale or repeated heads are
// ignored. Errors of individual stages are logged and do not fail the block.
func (e *Engine) HandleBlock(ctx context.Context, b chain.Block) error {
	if last := e.lastBlock.Load(); last != 0 && b.Number <= last {
		log.Debug().Uint64("block", b.Number).Uint64("last", last).Msg("engine: stale head ignored")
		return nil
	}
	start := time.Now()
	e.lastBlock.Store(b.Number)
	e.lastSeen.Store(start.UnixNano())
	e.blocks.Add(1)
	m := e.deps.Metrics
	m.HeadBlock.Set(float64(b.Number))
	m.BlocksProcessed.Inc()
	defer func() { m.BlockDuration.Observe(time.Since(start).Seconds()) }()

	bc := e.deps.Predictor.Context(b)

	touched, err := e.deps.Updater.ApplyBlock(ctx, b.Number)
	if err != nil {
		m.Errors.WithLabelValues("reserves").Inc()
		log.Error().Err(err).Uint64("block", b.Number).Msg("engine: reserve update failed")
		return nil
	}
	if len(touched) == 0 {
		return nil
	}
	affected := e.deps.Index.Affected(touched)
	m.PoolsTouched.Add(float64(len(touched)))
	m.PathsRepriced.Add(float64(len(affected)))

	cands := e.deps.Evaluator.Evaluate(affected, bc.PredictedNextBaseFee, e.deps.Reserves)
	e.candidates.Add(int64(len(cands)))
	m.Candidates.Add(float64(len(cands)))

	log.Info().
		Uint64("block", b.Number).
		Str("base_fee", b.BaseFee.String()).
		Str("next_base_fee", bc.PredictedNextBaseFee.String()).
		Int("touched_pools", len(touched)).
		Int("affected_paths", len(affected)).
		Int("candidates", len(cands)).
		Msg("engine: block evaluated")

	for i, c := range cands {
		if i >= e.config.MaxCandidatesPerBlock {
			break
		}
		if ctx.Err() != nil {
			return nil
		}
		e.act(ctx, bc, c)
	}
	return nil
}

// act simulates c on forked state and, if the trade still pays after
// simulated gas, submits it.
func (e *Engine) act(ctx context.Context, bc chain.BlockContext, c evaluator.Candidate) {
	m := e.deps.Metrics
	order := e.order(c)
	pathID := c.Path.ID()

	calldata, err := e.deps.Builder.OrderCalldata(order)
	if err != nil {
		m.Errors.WithLabelValues("encode").Inc()
		log.Error().Err(err).Str("path", pathID).Msg("engine: encode order failed")
		return
	}

	out, err := e.deps.Simulator.Simulate(ctx, bc, simulator.Trade{
		Token:    order.Token,
		AmountIn: order.AmountIn,
		Calldata: calldata,
	})
	if err != nil {
		m.Errors.WithLabelValues("simulate").Inc()
		log.Error().Err(err).Str("path", pathID).Uint64("block", bc.Number).Msg("engine: simulation call failed")
		return
	}
	e.simulated.Add(1)
	m.Simulations.WithLabelValues(out.Kind.String()).Inc()
	if err := out.Err(); err != nil {
		e.rejected.Add(1)
		log.Warn().
			Str("path", pathID).
			Uint64("block", bc.Number).
			Str("outcome", out.Kind.String()).
			Str("reason", out.Reason).
			Msg("engine: simulation rejected trade")
		return
	}

	net, err := e.simulatedNet(c, out, bc.PredictedNextBaseFee)
	if err != nil {
		m.Errors.WithLabelValues("gas").Inc()
		log.Warn().Err(err).Str("path", pathID).Msg("engine: cannot price simulated gas")
		return
	}
	logger := log.With().
		Str("path", pathID).
		Uint64("block", bc.Number).
		Uint64("amount_in", c.AmountIn).
		Str("expected_net", c.NetProfit.String()).
		Str("simulated_net", net.String()).
		Uint64("gas_used", out.GasUsed).
		Logger()
	if !net.IsPositive() {
		e.rejected.Add(1)
		logger.Info().Msg("engine: simulated profit does not cover gas")
		return
	}
	if e.config.DryRun {
		logger.Info().Msg("engine: dry run, bundle not sent")
		return
	}

	b, err := e.deps.Builder.Build(ctx, bc, order)
	if err != nil {
		m.Errors.WithLabelValues("build").Inc()
		logger.Error().Err(err).Msg("engine: build bundle failed")
		return
	}
	err = e.deps.Pipeline.Execute(ctx, b)
	m.Bundles.WithLabelValues(string(b.State())).Inc()
	switch {
	case errors.Is(err, bundle.ErrSimulationFailed):
		return
	case err != nil:
		m.Errors.WithLabelValues("relay").Inc()
		logger.Error().Err(err).Str("uuid", b.ReplacementUUID).Msg("engine: bundle submission failed")
		return
	}
	e.submitted.Add(1)
	logger.Info().Str("uuid", b.ReplacementUUID).Uint64("target_block", b.TargetBlock).Msg("engine: bundle sent")

	e.resolving.Add(1)
	go func() {
		defer e.resolving.Done()
		state, err := e.deps.Pipeline.Resolve(ctx, b)
		if err != nil {
			log.Error().Err(err).Str("uuid", b.ReplacementUUID).Msg("engine: resolve failed")
			return
		}
		m.Bundles.WithLabelValues(string(state)).Inc()
	}()
}

func (e *Engine) order(c evaluator.Candidate) bundle.Order {
	params := path.RoutingParams(c.Path, e.deps.RouterFor)
	routes := make([]contract.Route, len(params))
	for i, p := range params {
		routes[i] = contract.Route{Router: p.Router, TokenIn: p.TokenIn, TokenOut: p.TokenOut}
	}
	return bundle.Order{Token: c.Path.BaseToken(), AmountIn: c.RawAmountIn(), Routes: routes}
}

// simulatedNet is the balance gained by the executor minus the gas the
// simulation actually burned, in base-token units.
func (e *Engine) simulatedNet(c evaluator.Candidate, out simulator.Outcome, baseFee *big.Int) (decimal.Decimal, error) {
	gained := new(big.Int).Sub(out.Balance, c.RawAmountIn())
	profit := pricing.ToUnits(gained, c.Path.Hops[0].DecimalsIn)
	gas, err := e.deps.Evaluator.GasCost(baseFee, out.GasUsed, e.deps.Reserves)
	if err != nil {
		return decimal.Zero, err
	}
	return profit.Sub(gas), nil
}

// LastBlockTime returns when the last head was processed.
func (e *Engine) LastBlockTime() time.Time {
	n := e.lastSeen.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Blocks:     e.blocks.Load(),
		LastBlock:  e.lastBlock.Load(),
		Candidates: e.candidates.Load(),
		Simulated:  e.simulated.Load(),
		Rejected:   e.rejected.Load(),
		Submitted:  e.submitted.Load(),
		PendingTxs: e.pending.Load(),
		Logs:       e.logs.Load(),
	}
}
