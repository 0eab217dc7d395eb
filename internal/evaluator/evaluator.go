package evaluator

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/triarb/internal/path"
	"github.com/nexus-trading/triarb/internal/pool"
	"github.com/nexus-trading/triarb/internal/pricing"
	"github.com/nexus-trading/triarb/internal/reserve"
)

// ---------------------------------------------------------------------------
// Profitability evaluator: probe, rank by spread, size, subtract gas.
// ---------------------------------------------------------------------------

// Config controls sizing and gas accounting.
type Config struct {
	ProbeAmount       uint64  // whole base units
	MaxAmountIn       uint64  // whole base units
	StepSize          uint64  // whole base units
	GasUnits          uint64  // estimated gas of one order
	GasCostMultiplier float64 // safety buffer on the gas estimate
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		ProbeAmount:       1,
		MaxAmountIn:       1000,
		StepSize:          10,
		GasUnits:          550_000,
		GasCostMultiplier: 1.1,
	}
}

// Candidate is a path worth simulating. All decimal amounts are whole units
// of the path's base token.
type Candidate struct {
	Path              path.ArbPath
	AmountIn          uint64
	ExpectedAmountOut *big.Int // raw units
	Spread            decimal.Decimal
	Profit            decimal.Decimal
	GasCost           decimal.Decimal
	NetProfit         decimal.Decimal
}

// RawAmountIn is AmountIn scaled to the base token decimals.
func (c Candidate) RawAmountIn() *big.Int {
	return pricing.Scale(c.AmountIn, c.Path.Hops[0].DecimalsIn)
}

// Evaluator prices paths against a reserve view. It holds no mutable state.
type Evaluator struct {
	config      Config
	baseToken   common.Address
	nativeToken common.Address
	reference   pool.Pool
}

var errReferencePool = errors.New("evaluator: reference pool does not pair base and native token")

// New creates an evaluator. reference must pair baseToken with nativeToken
// unless the two are the same token.
func New(config Config, baseToken, nativeToken common.Address, reference pool.Pool) (*Evaluator, error) {
	if baseToken != nativeToken && !(reference.Has(baseToken) && reference.Has(nativeToken)) {
		return nil, fmt.Errorf("%w: %s", errReferencePool, reference.Address.Hex())
	}
	if config.StepSize == 0 {
		config.StepSize = 1
	}
	return &Evaluator{config: config, baseToken: baseToken, nativeToken: nativeToken, reference: reference}, nil
}

// NativePrice returns the value of one native token in base units, read
// from the reference pool.
func (e *Evaluator) NativePrice(reserves reserve.Reader) (decimal.Decimal, error) {
	if e.baseToken == e.nativeToken {
		return decimal.NewFromInt(1), nil
	}
	snap, ok := reserves.Reserves(e.reference.Address)
	if !ok {
		return decimal.Zero, pricing.ErrNoQuote
	}
	return pricing.ReservesToPrice(snap.Reserve0, snap.Reserve1,
		e.reference.Decimals0, e.reference.Decimals1, e.reference.Token0 == e.nativeToken)
}

// GasCost converts gasUnits at baseFee (wei) into base units using the
// reference price and the configured buffer.
func (e *Evaluator) GasCost(baseFee *big.Int, gasUnits uint64, reserves reserve.Reader) (decimal.Decimal, error) {
	price, err := e.NativePrice(reserves)
	if err != nil {
		return decimal.Zero, err
	}
	wei := new(big.Int).Mul(baseFee, new(big.Int).SetUint64(gasUnits))
	native := decimal.NewFromBigInt(wei, -18)
	return native.Mul(price).Mul(decimal.NewFromFloat(e.config.GasCostMultiplier)), nil
}

// Spread is the percentage return of pushing the probe amount through p.
func (e *Evaluator) Spread(p path.ArbPath, reserves reserve.Reader) (decimal.Decimal, error) {
	out, err := pricing.SimulatePath(e.config.ProbeAmount, p, reserves)
	if err != nil {
		return decimal.Zero, err
	}
	probe := decimal.NewFromInt(int64(e.config.ProbeAmount))
	if probe.IsZero() {
		return decimal.Zero, pricing.ErrNoQuote
	}
	got := pricing.ToUnits(out, p.Hops[0].DecimalsIn)
	return got.Sub(probe).Div(probe).Mul(decimal.NewFromInt(100)), nil
}

type ranked struct {
	path   path.ArbPath
	spread decimal.Decimal
}

// Evaluate ranks paths by probe spread and returns, best spread first, the
// ones whose optimized profit exceeds the gas cost at nextBaseFee. Paths
// that cannot be priced are skipped.
func (e *Evaluator) Evaluate(paths []path.ArbPath, nextBaseFee *big.Int, reserves reserve.Reader) []Candidate {
	var positive []ranked
	for _, p := range paths {
		spread, err := e.Spread(p, reserves)
		if err != nil {
			continue
		}
		if spread.IsPositive() {
			positive = append(positive, ranked{path: p, spread: spread})
		}
	}
	if len(positive) == 0 {
		return nil
	}
	sort.SliceStable(positive, func(i, j int) bool {
		return positive[i].spread.GreaterThan(positive[j].spread)
	})

	gasCost, err := e.GasCost(nextBaseFee, e.config.GasUnits, reserves)
	if err != nil {
		log.Warn().Err(err).Str("reference_pool", e.reference.Address.Hex()).Msg("evaluator: cannot price gas")
		return nil
	}

	var out []Candidate
	for _, r := range positive {
		opt, err := pricing.OptimizeAmountIn(e.config.MaxAmountIn, e.config.StepSize, r.path, reserves)
		if err != nil {
			continue
		}
		net := opt.Profit.Sub(gasCost)
		log.Debug().
			Str("path", r.path.ID()).
			Str("spread", r.spread.StringFixed(4)).
			Uint64("amount_in", opt.AmountIn).
			Str("profit", opt.Profit.String()).
			Str("gas_cost", gasCost.String()).
			Msg("evaluator: sized")
		if opt.AmountIn == 0 || !net.IsPositive() {
			continue
		}
		out = append(out, Candidate{
			Path:              r.path,
			AmountIn:          opt.AmountIn,
			ExpectedAmountOut: opt.AmountOut,
			Spread:            r.spread,
			Profit:            opt.Profit,
			GasCost:           gasCost,
			NetProfit:         net,
		})
	}
	return out
}
