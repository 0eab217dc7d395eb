package pricing

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/triarb/internal/path"
	"github.com/nexus-trading/triarb/internal/pool"
	"github.com/nexus-trading/triarb/internal/reserve"
)

var (
	base = common.HexToAddress("0x1000")
	tokA = common.HexToAddress("0x2000")
	tokB = common.HexToAddress("0x3000")
)

func e18(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func trianglePath(t *testing.T, fee uint32) path.ArbPath {
	t.Helper()
	pools := []pool.Pool{
		{Address: common.HexToAddress("0x01"), Version: pool.V2, Token0: base, Token1: tokA, Decimals0: 18, Decimals1: 18, Fee: fee},
		{Address: common.HexToAddress("0x02"), Version: pool.V2, Token0: tokA, Token1: tokB, Decimals0: 18, Decimals1: 18, Fee: fee},
		{Address: common.HexToAddress("0x03"), Version: pool.V2, Token0: tokB, Token1: base, Decimals0: 18, Decimals1: 18, Fee: fee},
	}
	paths := path.Generate(pools, base)
	for _, p := range paths {
		if p.Hops[0].Pool == common.HexToAddress("0x01") {
			return p
		}
	}
	t.Fatal("forward path not generated")
	return path.ArbPath{}
}

// ---------------------------------------------------------------------------
// GetAmountOut
// ---------------------------------------------------------------------------

func TestGetAmountOut_KnownValue(t *testing.T) {
	out, err := GetAmountOut(big.NewInt(1000), big.NewInt(1000), big.NewInt(1000), 3)
	require.NoError(t, err)
	// 997000*1000 / (1000*1000 + 997000) = 499.24...
	assert.Equal(t, int64(499), out.Int64())
}

func TestGetAmountOut_ZeroInput(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		rIn := big.NewInt(rng.Int63n(1e15) + 1)
		rOut := big.NewInt(rng.Int63n(1e15) + 1)
		out, err := GetAmountOut(big.NewInt(0), rIn, rOut, uint32(rng.Intn(30)))
		require.NoError(t, err)
		assert.Zero(t, out.Sign())
	}
}

func TestGetAmountOut_EmptyReservesNoQuote(t *testing.T) {
	_, err := GetAmountOut(big.NewInt(1), big.NewInt(0), big.NewInt(10), 3)
	assert.ErrorIs(t, err, ErrNoQuote)
	_, err = GetAmountOut(big.NewInt(1), big.NewInt(10), big.NewInt(0), 3)
	assert.ErrorIs(t, err, ErrNoQuote)
	_, err = GetAmountOut(big.NewInt(1), nil, big.NewInt(10), 3)
	assert.ErrorIs(t, err, ErrNoQuote)
}

func TestGetAmountOut_MonotonicInAmountIn(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		rIn := new(big.Int).Mul(big.NewInt(rng.Int63n(1e9)+1), big.NewInt(1e9))
		rOut := new(big.Int).Mul(big.NewInt(rng.Int63n(1e9)+1), big.NewInt(1e9))
		fee := uint32(rng.Intn(100))

		prev := new(big.Int)
		amount := new(big.Int)
		step := big.NewInt(rng.Int63n(1e15) + 1)
		for i := 0; i < 200; i++ {
			amount.Add(amount, step)
			out, err := GetAmountOut(amount, rIn, rOut, fee)
			require.NoError(t, err)
			require.True(t, out.Cmp(prev) >= 0, "trial %d step %d decreased", trial, i)
			require.True(t, out.Cmp(rOut) < 0, "output must stay below reserveOut")
			prev = out
		}
	}
}

// ---------------------------------------------------------------------------
// SimulatePath
// ---------------------------------------------------------------------------

func TestSimulatePath_ChainsHops(t *testing.T) {
	p := trianglePath(t, 3)
	reserves := reserve.Map{
		common.HexToAddress("0x01"): {Reserve0: e18(1000), Reserve1: e18(2000)},
		common.HexToAddress("0x02"): {Reserve0: e18(2000), Reserve1: e18(3000)},
		common.HexToAddress("0x03"): {Reserve0: e18(3000), Reserve1: e18(1200)},
	}

	out, err := SimulatePath(1, p, reserves)
	require.NoError(t, err)

	// Same result hop by hop.
	amt := e18(1)
	amt, _ = GetAmountOut(amt, e18(1000), e18(2000), 3)
	amt, _ = GetAmountOut(amt, e18(2000), e18(3000), 3)
	amt, _ = GetAmountOut(amt, e18(3000), e18(1200), 3)
	assert.Equal(t, amt, out)
	assert.True(t, out.Cmp(e18(1)) > 0, "cycle is mispriced in favour of the trade")
}

func TestSimulatePath_MissingPoolIsNoQuote(t *testing.T) {
	p := trianglePath(t, 3)
	reserves := reserve.Map{
		common.HexToAddress("0x01"): {Reserve0: e18(1000), Reserve1: e18(2000)},
		common.HexToAddress("0x03"): {Reserve0: e18(3000), Reserve1: e18(1200)},
	}
	out, err := SimulatePath(1, p, reserves)
	assert.ErrorIs(t, err, ErrNoQuote)
	assert.Nil(t, out)
}

// ---------------------------------------------------------------------------
// OptimizeAmountIn
// ---------------------------------------------------------------------------

func profitableReserves() reserve.Map {
	return reserve.Map{
		common.HexToAddress("0x01"): {Reserve0: e18(100_000), Reserve1: e18(200_000)},
		common.HexToAddress("0x02"): {Reserve0: e18(200_000), Reserve1: e18(300_000)},
		common.HexToAddress("0x03"): {Reserve0: e18(300_000), Reserve1: e18(120_000)},
	}
}

func TestOptimizeAmountIn_FindsInteriorOptimum(t *testing.T) {
	p := trianglePath(t, 3)
	opt, err := OptimizeAmountIn(100_000, 100, p, profitableReserves())
	require.NoError(t, err)

	assert.Greater(t, opt.AmountIn, uint64(0))
	assert.Less(t, opt.AmountIn, uint64(100_000))
	assert.True(t, opt.Profit.IsPositive())

	// Neighbours on the grid are no better.
	for _, in := range []uint64{opt.AmountIn - 100, opt.AmountIn + 100} {
		out, err := SimulatePath(in, p, profitableReserves())
		require.NoError(t, err)
		profit := ToUnits(new(big.Int).Sub(out, Scale(in, 18)), 18)
		assert.True(t, profit.LessThanOrEqual(opt.Profit), "amount %d beats optimum", in)
	}
}

func TestOptimizeAmountIn_UnprofitableStaysAtZero(t *testing.T) {
	p := trianglePath(t, 3)
	balanced := reserve.Map{
		common.HexToAddress("0x01"): {Reserve0: e18(1000), Reserve1: e18(1000)},
		common.HexToAddress("0x02"): {Reserve0: e18(1000), Reserve1: e18(1000)},
		common.HexToAddress("0x03"): {Reserve0: e18(1000), Reserve1: e18(1000)},
	}
	opt, err := OptimizeAmountIn(1000, 10, p, balanced)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), opt.AmountIn)
	assert.True(t, opt.Profit.IsZero())
}

func TestOptimizeAmountIn_NoQuote(t *testing.T) {
	p := trianglePath(t, 3)
	_, err := OptimizeAmountIn(1000, 10, p, reserve.Map{})
	assert.ErrorIs(t, err, ErrNoQuote)
}

func TestOptimizeAmountIn_IncludesUpperBound(t *testing.T) {
	p := trianglePath(t, 3)
	// Deep, heavily mispriced pools: profit still rising at the cap.
	deep := reserve.Map{
		common.HexToAddress("0x01"): {Reserve0: e18(1_000_000_000), Reserve1: e18(2_000_000_000)},
		common.HexToAddress("0x02"): {Reserve0: e18(2_000_000_000), Reserve1: e18(3_000_000_000)},
		common.HexToAddress("0x03"): {Reserve0: e18(3_000_000_000), Reserve1: e18(1_200_000_000)},
	}
	opt, err := OptimizeAmountIn(1000, 10, p, deep)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), opt.AmountIn)

	// The cap is evaluated even when the step does not divide it.
	opt, err = OptimizeAmountIn(1005, 10, p, deep)
	require.NoError(t, err)
	assert.Equal(t, uint64(1005), opt.AmountIn)

	opt, err = OptimizeAmountIn(7, 10, p, deep)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), opt.AmountIn)
}

// Profit along the step grid rises to a single peak and then falls. The
// early-stopping optimizer depends on it, so check many random and lopsided
// reserve ratios and fees.
func TestOptimizeAmountIn_UnimodalAcrossReserveRegimes(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tolerance := decimal.New(1, -9) // rounding noise, in whole base units

	// Depth anywhere from 10^3 to 10^12 whole units; price between 0.1 and 10.
	randPair := func() reserve.Snapshot {
		exp := 3 + rng.Intn(10)
		depth := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
		depth.Mul(depth, big.NewInt(rng.Int63n(9)+1))
		depth.Mul(depth, e18(1))
		ratioBps := rng.Int63n(99_000) + 1_000 // 0.1 .. 10.0
		other := new(big.Int).Mul(depth, big.NewInt(ratioBps))
		other.Quo(other, big.NewInt(10_000))
		if rng.Intn(2) == 0 {
			return reserve.Snapshot{Reserve0: depth, Reserve1: other}
		}
		return reserve.Snapshot{Reserve0: other, Reserve1: depth}
	}

	for trial := 0; trial < 200; trial++ {
		fee := []uint32{0, 1, 3, 5, 10, 30}[rng.Intn(6)]
		p := trianglePath(t, fee)
		reserves := reserve.Map{
			common.HexToAddress("0x01"): randPair(),
			common.HexToAddress("0x02"): randPair(),
			common.HexToAddress("0x03"): randPair(),
		}
		const maxIn, step = 5000, 25

		var profits []decimal.Decimal
		for in := uint64(0); in <= maxIn; in += step {
			out, err := SimulatePath(in, p, reserves)
			require.NoError(t, err)
			profits = append(profits, ToUnits(new(big.Int).Sub(out, Scale(in, 18)), 18))
		}

		// Once profit has fallen by more than the noise, it never climbs again.
		falling := false
		for i := 1; i < len(profits); i++ {
			delta := profits[i].Sub(profits[i-1])
			if delta.LessThan(tolerance.Neg()) {
				falling = true
			}
			if falling {
				require.True(t, delta.LessThanOrEqual(tolerance), "trial %d: profit rose again at step %d", trial, i)
			}
		}

		// Early stop lands on the grid maximum.
		best := profits[0]
		for _, pr := range profits {
			if pr.GreaterThan(best) {
				best = pr
			}
		}
		opt, err := OptimizeAmountIn(maxIn, step, p, reserves)
		require.NoError(t, err)
		require.True(t, opt.Profit.GreaterThanOrEqual(best.Sub(tolerance)),
			"trial %d: early stop %s below grid max %s", trial, opt.Profit, best)
	}
}

// ---------------------------------------------------------------------------
// ReservesToPrice
// ---------------------------------------------------------------------------

func TestReservesToPrice(t *testing.T) {
	// USDC (6 decimals) / WETH (18 decimals) at 2000 USDC per WETH.
	r0 := new(big.Int).Mul(big.NewInt(2_000_000), big.NewInt(1e6))
	r1 := e18(1000)

	wethInUSDC, err := ReservesToPrice(r0, r1, 6, 18, false)
	require.NoError(t, err)
	assert.True(t, wethInUSDC.Equal(decimal.NewFromInt(2000)), wethInUSDC.String())

	usdcInWETH, err := ReservesToPrice(r0, r1, 6, 18, true)
	require.NoError(t, err)
	assert.True(t, usdcInWETH.Equal(decimal.RequireFromString("0.0005")), usdcInWETH.String())

	_, err = ReservesToPrice(big.NewInt(0), r1, 6, 18, true)
	assert.ErrorIs(t, err, ErrNoQuote)
}

func TestScaleAndUnits(t *testing.T) {
	assert.Equal(t, big.NewInt(5_000_000), Scale(5, 6))
	assert.True(t, ToUnits(big.NewInt(1_500_000), 6).Equal(decimal.RequireFromString("1.5")))
}
