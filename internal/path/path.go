package path

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/triarb/internal/pool"
)

// Hop is one swap of a cycle. ZeroForOne is true when token0 of the pool is
// sold.
type Hop struct {
	Pool       common.Address
	ZeroForOne bool
	TokenIn    common.Address
	TokenOut   common.Address
	Fee        uint32
	DecimalsIn uint8
}

// ArbPath is a closed 3-hop cycle starting and ending at the base token.
type ArbPath struct {
	Hops [3]Hop
}

// BaseToken returns the token the cycle starts and ends with.
func (p ArbPath) BaseToken() common.Address { return p.Hops[0].TokenIn }

// Pools returns the three pool addresses in hop order.
func (p ArbPath) Pools() [3]common.Address {
	return [3]common.Address{p.Hops[0].Pool, p.Hops[1].Pool, p.Hops[2].Pool}
}

// HasPool reports whether the path swaps through pool.
func (p ArbPath) HasPool(pool common.Address) bool {
	for _, h := range p.Hops {
		if h.Pool == pool {
			return true
		}
	}
	return false
}

// ID is a stable identity used in logs: the pool addresses joined by '>'.
func (p ArbPath) ID() string {
	parts := make([]string, len(p.Hops))
	for i, h := range p.Hops {
		parts[i] = h.Pool.Hex()
	}
	return strings.Join(parts, ">")
}

// Valid checks the cycle invariants: hop outputs feed the next hop, the last
// hop returns to the first input, and the pools are pairwise distinct.
func (p ArbPath) Valid() bool {
	for i := range p.Hops {
		next := p.Hops[(i+1)%len(p.Hops)]
		if p.Hops[i].TokenOut != next.TokenIn {
			return false
		}
	}
	a, b, c := p.Hops[0].Pool, p.Hops[1].Pool, p.Hops[2].Pool
	return a != b && b != c && a != c
}

func newHop(p pool.Pool, tokenIn common.Address) Hop {
	zeroForOne := p.Token0 == tokenIn
	out := p.Token0
	if zeroForOne {
		out = p.Token1
	}
	return Hop{
		Pool:       p.Address,
		ZeroForOne: zeroForOne,
		TokenIn:    tokenIn,
		TokenOut:   out,
		Fee:        p.Fee,
		DecimalsIn: p.DecimalsOf(tokenIn),
	}
}

// Generate enumerates every 3-hop cycle on base over pools. Pools are first
// narrowed to those whose tokens are both base or a direct neighbour of
// base, since no other pool can sit on a 3-cycle through base. Each hop is
// rejected as soon as it cannot continue the cycle.
func Generate(pools []pool.Pool, base common.Address) []ArbPath {
	candidates := reachable(pools, base)

	var paths []ArbPath
	for _, p1 := range candidates {
		if !p1.Has(base) {
			continue
		}
		h1 := newHop(p1, base)

		for _, p2 := range candidates {
			if p2.Address == p1.Address || !p2.Has(h1.TokenOut) {
				continue
			}
			h2 := newHop(p2, h1.TokenOut)
			if h2.TokenOut == base {
				continue
			}

			for _, p3 := range candidates {
				if p3.Address == p1.Address || p3.Address == p2.Address || !p3.Has(h2.TokenOut) {
					continue
				}
				h3 := newHop(p3, h2.TokenOut)
				if h3.TokenOut != base {
					continue
				}
				paths = append(paths, ArbPath{Hops: [3]Hop{h1, h2, h3}})
			}
		}
	}

	log.Info().
		Int("pools", len(pools)).
		Int("candidates", len(candidates)).
		Int("paths", len(paths)).
		Str("base", base.Hex()).
		Msg("path: generated")
	return paths
}

func reachable(pools []pool.Pool, base common.Address) []pool.Pool {
	near := map[common.Address]bool{base: true}
	for _, p := range pools {
		if other, ok := p.Other(base); ok {
			near[other] = true
		}
	}
	out := make([]pool.Pool, 0, len(pools))
	for _, p := range pools {
		if near[p.Token0] && near[p.Token1] && p.Token0 != p.Token1 {
			out = append(out, p)
		}
	}
	return out
}
