package path

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// ShouldBlacklist reports whether any hop of p trades a blacklisted token.
func ShouldBlacklist(p ArbPath, blacklist map[common.Address]struct{}) bool {
	for _, h := range p.Hops {
		if _, bad := blacklist[h.TokenIn]; bad {
			return true
		}
		if _, bad := blacklist[h.TokenOut]; bad {
			return true
		}
	}
	return false
}

// FilterBlacklisted drops every path touching a blacklisted token. It runs
// once at generation time.
func FilterBlacklisted(paths []ArbPath, tokens []common.Address) []ArbPath {
	if len(tokens) == 0 {
		return paths
	}
	bl := make(map[common.Address]struct{}, len(tokens))
	for _, t := range tokens {
		bl[t] = struct{}{}
	}
	kept := make([]ArbPath, 0, len(paths))
	for _, p := range paths {
		if !ShouldBlacklist(p, bl) {
			kept = append(kept, p)
		}
	}
	log.Info().Int("before", len(paths)).Int("after", len(kept)).Msg("path: blacklist applied")
	return kept
}

// Index maps each pool to the paths that swap through it.
type Index struct {
	paths  []ArbPath
	byPool map[common.Address][]int
}

func NewIndex(paths []ArbPath) *Index {
	idx := &Index{paths: paths, byPool: make(map[common.Address][]int)}
	for i, p := range paths {
		for _, pool := range p.Pools() {
			idx.byPool[pool] = append(idx.byPool[pool], i)
		}
	}
	return idx
}

// Len returns the number of indexed paths.
func (x *Index) Len() int { return len(x.paths) }

// Paths returns every indexed path.
func (x *Index) Paths() []ArbPath { return x.paths }

// Affected returns each path touching any of pools exactly once, in index order.
func (x *Index) Affected(pools []common.Address) []ArbPath {
	seen := make(map[int]bool)
	var ids []int
	for _, pool := range pools {
		for _, i := range x.byPool[pool] {
			if !seen[i] {
				seen[i] = true
				ids = append(ids, i)
			}
		}
	}
	sort.Ints(ids)
	out := make([]ArbPath, len(ids))
	for j, i := range ids {
		out[j] = x.paths[i]
	}
	return out
}
