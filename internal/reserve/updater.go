package reserve

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/triarb/internal/contract"
)

// LogFilterer fetches logs for a block range.
type LogFilterer interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// SyncUpdate is the decoded payload of a Sync event.
type SyncUpdate struct {
	Pool     common.Address
	Reserve0 *big.Int
	Reserve1 *big.Int
	TxIndex  uint
	LogIndex uint
}

// after reports whether u was emitted later in the block than o.
func (u SyncUpdate) after(o SyncUpdate) bool {
	if u.TxIndex != o.TxIndex {
		return u.TxIndex > o.TxIndex
	}
	return u.LogIndex >= o.LogIndex
}

// DecodeSyncLogs keeps, per pool, the Sync event with the highest
// transaction index in the batch, whatever order the logs arrived in.
func DecodeSyncLogs(logs []types.Log) map[common.Address]SyncUpdate {
	latest := make(map[common.Address]SyncUpdate)
	for _, l := range logs {
		if l.Removed || len(l.Topics) == 0 || l.Topics[0] != contract.SyncTopic || len(l.Data) < 64 {
			continue
		}
		u := SyncUpdate{
			Pool:     l.Address,
			Reserve0: new(big.Int).SetBytes(l.Data[0:32]),
			Reserve1: new(big.Int).SetBytes(l.Data[32:64]),
			TxIndex:  l.TxIndex,
			LogIndex: l.Index,
		}
		if prev, ok := latest[l.Address]; ok && !u.after(prev) {
			continue
		}
		latest[l.Address] = u
	}
	return latest
}

// Updater patches the cache from Sync logs, one block at a time.
type Updater struct {
	logs  LogFilterer
	cache *Cache
}

func NewUpdater(logs LogFilterer, cache *Cache) *Updater {
	return &Updater{logs: logs, cache: cache}
}

// ApplyBlock fetches Sync logs for [block, block], writes the winning update
// of every tracked pool into the cache and returns the touched pools, sorted.
func (u *Updater) ApplyBlock(ctx context.Context, block uint64) ([]common.Address, error) {
	n := new(big.Int).SetUint64(block)
	logs, err := u.logs.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: n,
		ToBlock:   n,
		Topics:    [][]common.Hash{{contract.SyncTopic}},
	})
	if err != nil {
		return nil, fmt.Errorf("reserve: sync logs for block %d: %w", block, err)
	}
	return u.Apply(block, logs), nil
}

// Apply is ApplyBlock without the fetch.
func (u *Updater) Apply(block uint64, logs []types.Log) []common.Address {
	updates := DecodeSyncLogs(logs)
	touched := make([]common.Address, 0, len(updates))
	for pool, up := range updates {
		if !u.cache.Replace(pool, Snapshot{Reserve0: up.Reserve0, Reserve1: up.Reserve1, Block: block}) {
			continue
		}
		touched = append(touched, pool)
	}
	sort.Slice(touched, func(i, j int) bool { return touched[i].Cmp(touched[j]) < 0 })

	log.Debug().
		Uint64("block", block).
		Int("logs", len(logs)).
		Int("touched", len(touched)).
		Msg("reserve: block applied")
	return touched
}
