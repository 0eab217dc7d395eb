package pool

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// Discoverer finds pools on-chain.
type Discoverer interface {
	Sync(ctx context.Context, factories []Factory) ([]Pool, error)
}

// LoadPools replays the snapshot at path if it exists. Otherwise it syncs
// the factories and writes the snapshot for the next start.
func LoadPools(ctx context.Context, path string, factories []Factory, d Discoverer) ([]Pool, error) {
	pools, ok, err := LoadSnapshot(path)
	if err != nil {
		return nil, err
	}
	if ok {
		return pools, nil
	}

	log.Info().Int("factories", len(factories)).Msg("pool: no snapshot, syncing from factory logs")
	pools, err = d.Sync(ctx, factories)
	if err != nil {
		return nil, fmt.Errorf("pool: sync: %w", err)
	}
	if err := SaveSnapshot(path, pools); err != nil {
		return nil, err
	}
	return pools, nil
}

// Store is the read-only pool universe. It owns Pool records; other
// components refer to pools by address.
type Store struct {
	pools  []Pool
	byAddr map[common.Address]int
}

// NewStore indexes pools. Later duplicates of an address are dropped.
func NewStore(pools []Pool) *Store {
	s := &Store{byAddr: make(map[common.Address]int, len(pools))}
	for _, p := range pools {
		if _, dup := s.byAddr[p.Address]; dup {
			continue
		}
		s.byAddr[p.Address] = len(s.pools)
		s.pools = append(s.pools, p)
	}
	return s
}

// Get returns the pool at addr.
func (s *Store) Get(addr common.Address) (Pool, bool) {
	i, ok := s.byAddr[addr]
	if !ok {
		return Pool{}, false
	}
	return s.pools[i], true
}

// Has reports whether addr is in the universe.
func (s *Store) Has(addr common.Address) bool {
	_, ok := s.byAddr[addr]
	return ok
}

// Len returns the number of pools.
func (s *Store) Len() int { return len(s.pools) }

// All returns every pool in insertion order. Callers must not modify it.
func (s *Store) All() []Pool { return s.pools }

// ConstantProduct returns the V2 pools, the only ones that can be priced.
func (s *Store) ConstantProduct() []Pool {
	out := make([]Pool, 0, len(s.pools))
	for _, p := range s.pools {
		if p.Version == V2 {
			out = append(out, p)
		}
	}
	return out
}

// Addresses returns every pool address, sorted.
func (s *Store) Addresses() []common.Address {
	out := make([]common.Address, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, p.Address)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}
