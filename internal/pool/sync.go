package pool

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/triarb/internal/contract"
	"github.com/nexus-trading/triarb/internal/multicall"
)

// Factory is a pool factory to scan for PairCreated events.
type Factory struct {
	Address    common.Address
	StartBlock uint64
	Fee        uint32
	Version    Version
}

// ChainReader is what factory sync needs from the node.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Aggregator batches decimals() lookups.
type Aggregator interface {
	Aggregate(ctx context.Context, calls []multicall.Call, blockNumber *big.Int) ([]multicall.Result, error)
	Limit() int
}

// Syncer discovers pools from factory creation logs.
type Syncer struct {
	chain     ChainReader
	agg       Aggregator
	chunkSize uint64
}

// NewSyncer creates a Syncer scanning chunkSize blocks per log query.
func NewSyncer(chain ChainReader, agg Aggregator, chunkSize uint64) *Syncer {
	if chunkSize == 0 {
		chunkSize = 2000
	}
	return &Syncer{chain: chain, agg: agg, chunkSize: chunkSize}
}

type created struct {
	pair, token0, token1 common.Address
}

// Sync scans every factory from its start block to the current head. Pools
// whose token decimals cannot be read are skipped.
func (s *Syncer) Sync(ctx context.Context, factories []Factory) ([]Pool, error) {
	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool: head block: %w", err)
	}

	decimals := make(map[common.Address]uint8)
	var pools []Pool
	for _, f := range factories {
		found, err := s.scanFactory(ctx, f, head)
		if err != nil {
			return nil, err
		}
		if err := s.resolveDecimals(ctx, found, decimals); err != nil {
			return nil, err
		}

		skipped := 0
		for _, c := range found {
			d0, ok0 := decimals[c.token0]
			d1, ok1 := decimals[c.token1]
			if !ok0 || !ok1 {
				skipped++
				log.Warn().Str("pool", c.pair.Hex()).Msg("pool: token decimals unavailable, skipping")
				continue
			}
			pools = append(pools, Pool{
				Address:   c.pair,
				Version:   f.Version,
				Token0:    c.token0,
				Token1:    c.token1,
				Decimals0: d0,
				Decimals1: d1,
				Fee:       f.Fee,
			})
		}

		log.Info().
			Str("factory", f.Address.Hex()).
			Int("found", len(found)).
			Int("skipped", skipped).
			Msg("pool: factory synced")
	}
	return pools, nil
}

func (s *Syncer) scanFactory(ctx context.Context, f Factory, head uint64) ([]created, error) {
	var out []created
	for from := f.StartBlock; from <= head; from += s.chunkSize {
		to := from + s.chunkSize - 1
		if to > head {
			to = head
		}
		logs, err := s.chain.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{f.Address},
			Topics:    [][]common.Hash{{contract.PairCreatedTopic}},
		})
		if err != nil {
			return nil, fmt.Errorf("pool: pair logs %d-%d: %w", from, to, err)
		}
		for _, l := range logs {
			c, ok := decodePairCreated(l)
			if !ok {
				log.Warn().Str("tx", l.TxHash.Hex()).Msg("pool: malformed PairCreated log")
				continue
			}
			out = append(out, c)
		}
		log.Debug().Uint64("from", from).Uint64("to", to).Int("logs", len(logs)).Msg("pool: scanned chunk")
	}
	return out, nil
}

func decodePairCreated(l types.Log) (created, bool) {
	if len(l.Topics) != 3 || len(l.Data) < 32 {
		return created{}, false
	}
	return created{
		token0: common.BytesToAddress(l.Topics[1].Bytes()),
		token1: common.BytesToAddress(l.Topics[2].Bytes()),
		pair:   common.BytesToAddress(l.Data[:32]),
	}, true
}

// resolveDecimals fills cache for every token in found that is not cached.
func (s *Syncer) resolveDecimals(ctx context.Context, found []created, cache map[common.Address]uint8) error {
	seen := make(map[common.Address]bool)
	var tokens []common.Address
	for _, c := range found {
		for _, tok := range []common.Address{c.token0, c.token1} {
			if _, ok := cache[tok]; ok || seen[tok] {
				continue
			}
			seen[tok] = true
			tokens = append(tokens, tok)
		}
	}

	input, err := contract.ERC20ABI.Pack("decimals")
	if err != nil {
		return fmt.Errorf("pool: pack decimals: %w", err)
	}
	limit := s.agg.Limit()
	for start := 0; start < len(tokens); start += limit {
		end := min(start+limit, len(tokens))
		calls := make([]multicall.Call, 0, end-start)
		for _, tok := range tokens[start:end] {
			calls = append(calls, multicall.Call{Target: tok, CallData: input})
		}
		results, err := s.agg.Aggregate(ctx, calls, nil)
		if err != nil {
			return fmt.Errorf("pool: decimals batch: %w", err)
		}
		for i, r := range results {
			if !r.Success {
				continue
			}
			out, err := contract.ERC20ABI.Unpack("decimals", r.ReturnData)
			if err != nil || len(out) == 0 {
				continue
			}
			cache[tokens[start+i]] = *abi.ConvertType(out[0], new(uint8)).(*uint8)
		}
	}
	return nil
}
