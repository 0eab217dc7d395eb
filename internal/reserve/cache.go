package reserve

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Snapshot is the reserve pair of one pool. Values are never mutated after
// being stored; an update replaces the whole Snapshot.
type Snapshot struct {
	Reserve0 *big.Int
	Reserve1 *big.Int
	Block    uint64 // last block that touched the pool
}

// Reader is the read side of the cache used by pricing.
type Reader interface {
	Reserves(pool common.Address) (Snapshot, bool)
}

// Cache holds the reserves of every tracked pool. It is written by a single
// owner (bulk refresh at startup, then the block consumer) and read
// concurrently; readers always see a whole Snapshot.
type Cache struct {
	mu      sync.RWMutex
	tracked map[common.Address]struct{}
	entries map[common.Address]Snapshot
}

// NewCache creates a cache tracking the given pools.
func NewCache(pools []common.Address) *Cache {
	c := &Cache{
		tracked: make(map[common.Address]struct{}, len(pools)),
		entries: make(map[common.Address]Snapshot, len(pools)),
	}
	for _, p := range pools {
		c.tracked[p] = struct{}{}
	}
	return c
}

// Tracked reports whether pool belongs to the monitored universe.
func (c *Cache) Tracked(pool common.Address) bool {
	_, ok := c.tracked[pool]
	return ok
}

// Reserves returns the current snapshot for pool.
func (c *Cache) Reserves(pool common.Address) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.entries[pool]
	return s, ok
}

// Replace stores snap for pool if it is tracked. It reports whether the
// entry was written.
func (c *Cache) Replace(pool common.Address, snap Snapshot) bool {
	if !c.Tracked(pool) {
		return false
	}
	c.mu.Lock()
	c.entries[pool] = snap
	c.mu.Unlock()
	return true
}

// ReplaceAll stores every tracked entry of snaps under one lock.
func (c *Cache) ReplaceAll(snaps map[common.Address]Snapshot) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for pool, s := range snaps {
		if _, ok := c.tracked[pool]; !ok {
			continue
		}
		c.entries[pool] = s
		n++
	}
	return n
}

// Len returns the number of pools with known reserves.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Map is a plain Reader, handy for tests and one-off pricing.
type Map map[common.Address]Snapshot

func (m Map) Reserves(pool common.Address) (Snapshot, bool) {
	s, ok := m[pool]
	return s, ok
}
