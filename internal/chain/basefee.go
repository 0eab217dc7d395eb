package chain

import (
	"math/big"
	"math/rand"
)

var (
	one                = big.NewInt(1)
	baseFeeChangeDenom = big.NewInt(8)
)

// NextBaseFee applies the EIP-1559 adjustment: the base fee moves toward the
// utilization delta from the gasLimit/2 target by at most 1/8 of itself. Any
// move is at least one wei and the result never drops below zero.
func NextBaseFee(baseFee *big.Int, gasUsed, gasLimit uint64) *big.Int {
	if baseFee == nil {
		return new(big.Int)
	}
	target := gasLimit / 2
	if target == 0 {
		target = 1
	}
	t := new(big.Int).SetUint64(target)
	next := new(big.Int).Set(baseFee)

	switch {
	case gasUsed > target:
		delta := new(big.Int).SetUint64(gasUsed - target)
		delta.Mul(delta, baseFee).Quo(delta, t).Quo(delta, baseFeeChangeDenom)
		if delta.Cmp(one) < 0 {
			delta.Set(one)
		}
		next.Add(next, delta)
	case gasUsed < target:
		delta := new(big.Int).SetUint64(target - gasUsed)
		delta.Mul(delta, baseFee).Quo(delta, t).Quo(delta, baseFeeChangeDenom)
		if delta.Cmp(one) < 0 {
			delta.Set(one)
		}
		next.Sub(next, delta)
		if next.Sign() < 0 {
			next.SetInt64(0)
		}
	}
	return next
}

// Predictor turns observed blocks into BlockContexts.
type Predictor struct {
	jitterWei int64
	rng       *rand.Rand
}

// NewPredictor returns a Predictor adding uniform jitter in [0, jitterWei]
// to every prediction. jitterWei <= 0 disables it. The predictor is used by
// a single goroutine.
func NewPredictor(jitterWei int64, seed int64) *Predictor {
	return &Predictor{jitterWei: jitterWei, rng: rand.New(rand.NewSource(seed))}
}

// Context builds the BlockContext of b.
func (p *Predictor) Context(b Block) BlockContext {
	next := NextBaseFee(b.BaseFee, b.GasUsed, b.GasLimit)
	if p.jitterWei > 0 {
		next.Add(next, big.NewInt(p.rng.Int63n(p.jitterWei+1)))
	}
	return BlockContext{Block: b, PredictedNextBaseFee: next}
}
