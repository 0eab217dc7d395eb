package pricing

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/triarb/internal/path"
	"github.com/nexus-trading/triarb/internal/reserve"
)

// FeeDenominator is the unit of Pool.Fee: fee 3 means 3/1000.
const FeeDenominator = 1000

// ErrNoQuote means a hop or path cannot be priced: a pool is missing from
// the reserve map or has an empty side. It is not a failure.
var ErrNoQuote = errors.New("pricing: no quote")

var feeDen = big.NewInt(FeeDenominator)

// GetAmountOut is the constant-product output of selling amountIn:
//
//	in' = amountIn * (1000 - fee)
//	out = floor(in' * reserveOut / (reserveIn*1000 + in'))
func GetAmountOut(amountIn, reserveIn, reserveOut *big.Int, fee uint32) (*big.Int, error) {
	if reserveIn == nil || reserveOut == nil || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, ErrNoQuote
	}
	if amountIn.Sign() <= 0 {
		return new(big.Int), nil
	}
	if fee >= FeeDenominator {
		return nil, ErrNoQuote
	}

	withFee := new(big.Int).Mul(amountIn, big.NewInt(int64(FeeDenominator-fee)))
	num := new(big.Int).Mul(withFee, reserveOut)
	den := new(big.Int).Mul(reserveIn, feeDen)
	den.Add(den, withFee)
	return num.Quo(num, den), nil
}

// HopAmountOut prices one hop against the current reserves.
func HopAmountOut(amountIn *big.Int, h path.Hop, reserves reserve.Reader) (*big.Int, error) {
	snap, ok := reserves.Reserves(h.Pool)
	if !ok {
		return nil, ErrNoQuote
	}
	rIn, rOut := snap.Reserve0, snap.Reserve1
	if !h.ZeroForOne {
		rIn, rOut = rOut, rIn
	}
	return GetAmountOut(amountIn, rIn, rOut, h.Fee)
}

// Scale converts whole token units into raw units.
func Scale(amount uint64, decimals uint8) *big.Int {
	v := new(big.Int).SetUint64(amount)
	return v.Mul(v, pow10(decimals))
}

// SimulatePath pushes amountIn whole units of the base token through the
// three hops and returns the raw output amount.
func SimulatePath(amountIn uint64, p path.ArbPath, reserves reserve.Reader) (*big.Int, error) {
	return SimulatePathRaw(Scale(amountIn, p.Hops[0].DecimalsIn), p, reserves)
}

// SimulatePathRaw is SimulatePath for an amount already in raw units.
func SimulatePathRaw(amountIn *big.Int, p path.ArbPath, reserves reserve.Reader) (*big.Int, error) {
	amount := amountIn
	for _, h := range p.Hops {
		out, err := HopAmountOut(amount, h, reserves)
		if err != nil {
			return nil, err
		}
		amount = out
	}
	return amount, nil
}

// Optimum is the best input found by OptimizeAmountIn. Profit is in whole
// base-token units.
type Optimum struct {
	AmountIn  uint64
	AmountOut *big.Int
	Profit    decimal.Decimal
}

// OptimizeAmountIn walks amountIn = 0, step, 2*step, ... and finally
// maxAmountIn itself when step does not divide it, and stops at the first step whose profit is lower than the previous one,
// returning the last non-decreasing point. This relies on profit being
// unimodal in amountIn for a constant-product cycle.
func OptimizeAmountIn(maxAmountIn, step uint64, p path.ArbPath, reserves reserve.Reader) (Optimum, error) {
	if step == 0 {
		step = 1
	}
	dec := p.Hops[0].DecimalsIn
	best := Optimum{AmountOut: new(big.Int)}
	bestProfit := new(big.Int)

	for in := uint64(0); ; {
		rawIn := Scale(in, dec)
		out, err := SimulatePathRaw(rawIn, p, reserves)
		if err != nil {
			return Optimum{}, err
		}
		profit := new(big.Int).Sub(out, rawIn)
		if profit.Cmp(bestProfit) < 0 {
			break
		}
		best.AmountIn, best.AmountOut, bestProfit = in, out, profit
		if in == maxAmountIn {
			break
		}
		if maxAmountIn-in < step {
			in = maxAmountIn
		} else {
			in += step
		}
	}

	best.Profit = decimal.NewFromBigInt(bestProfit, -int32(dec))
	return best, nil
}

// ReservesToPrice returns how many units of the pool's other token one unit
// of the sold token is worth: r1/r0 * 10^(d0-d1) when token0 is sold, the
// inverse otherwise.
func ReservesToPrice(r0, r1 *big.Int, d0, d1 uint8, token0In bool) (decimal.Decimal, error) {
	if r0 == nil || r1 == nil || r0.Sign() <= 0 || r1.Sign() <= 0 {
		return decimal.Zero, ErrNoQuote
	}
	a := decimal.NewFromBigInt(r0, -int32(d0))
	b := decimal.NewFromBigInt(r1, -int32(d1))
	if token0In {
		return b.Div(a), nil
	}
	return a.Div(b), nil
}

// ToUnits converts a raw amount into whole token units.
func ToUnits(raw *big.Int, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(raw, -int32(decimals))
}

func pow10(d uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(d)), nil)
}
