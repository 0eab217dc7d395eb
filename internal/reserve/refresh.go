package reserve

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-trading/triarb/internal/contract"
	"github.com/nexus-trading/triarb/internal/multicall"
)

// Aggregator executes one batch of read calls.
type Aggregator interface {
	Aggregate(ctx context.Context, calls []multicall.Call, blockNumber *big.Int) ([]multicall.Result, error)
	Limit() int
}

var errCallFailed = errors.New("reserve: call failed")

// Batch is a half-open index range [Start, End) into the pool list.
type Batch struct {
	Start, End int
}

// PlanBatches splits n items into ceil(n/limit) batches of near-equal size,
// none larger than limit.
func PlanBatches(n, limit int) []Batch {
	if n <= 0 || limit <= 0 {
		return nil
	}
	count := (n + limit - 1) / limit
	per := (n + count - 1) / count
	batches := make([]Batch, 0, count)
	for start := 0; start < n; start += per {
		batches = append(batches, Batch{Start: start, End: min(start+per, n)})
	}
	return batches
}

// Refresher bulk-loads reserves with concurrent aggregate batches.
type Refresher struct {
	agg Aggregator
}

func NewRefresher(agg Aggregator) *Refresher {
	return &Refresher{agg: agg}
}

// Refresh reads getReserves for every pool at blockNumber (nil = latest).
// All batches must succeed; a failed batch fails the whole refresh. Pools
// whose individual call fails are left out of the result.
func (r *Refresher) Refresh(ctx context.Context, pools []common.Address, blockNumber *big.Int) (map[common.Address]Snapshot, error) {
	input, err := contract.PairABI.Pack("getReserves")
	if err != nil {
		return nil, fmt.Errorf("reserve: pack getReserves: %w", err)
	}

	batches := PlanBatches(len(pools), r.agg.Limit())
	for _, b := range batches {
		if b.End-b.Start > r.agg.Limit() {
			return nil, fmt.Errorf("reserve: batch of %d exceeds limit %d", b.End-b.Start, r.agg.Limit())
		}
	}

	var block uint64
	if blockNumber != nil {
		block = blockNumber.Uint64()
	}

	parts := make([]map[common.Address]Snapshot, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range batches {
		i, b := i, b
		g.Go(func() error {
			calls := make([]multicall.Call, 0, b.End-b.Start)
			for _, p := range pools[b.Start:b.End] {
				calls = append(calls, multicall.Call{Target: p, CallData: input})
			}
			results, err := r.agg.Aggregate(gctx, calls, blockNumber)
			if err != nil {
				return fmt.Errorf("reserve: batch %d: %w", i, err)
			}
			part := make(map[common.Address]Snapshot, len(results))
			for j, res := range results {
				pool := pools[b.Start+j]
				snap, err := decodeReserves(res, block)
				if err != nil {
					log.Debug().Err(err).Str("pool", pool.Hex()).Msg("reserve: getReserves failed")
					continue
				}
				part[pool] = snap
			}
			parts[i] = part
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[common.Address]Snapshot, len(pools))
	for _, part := range parts {
		for k, v := range part {
			merged[k] = v
		}
	}

	log.Info().
		Int("pools", len(pools)).
		Int("batches", len(batches)).
		Int("loaded", len(merged)).
		Msg("reserve: refresh complete")
	return merged, nil
}

func decodeReserves(res multicall.Result, block uint64) (Snapshot, error) {
	if !res.Success {
		return Snapshot{}, errCallFailed
	}
	out, err := contract.PairABI.Unpack("getReserves", res.ReturnData)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Reserve0: abi.ConvertType(out[0], new(big.Int)).(*big.Int),
		Reserve1: abi.ConvertType(out[1], new(big.Int)).(*big.Int),
		Block:    block,
	}, nil
}
