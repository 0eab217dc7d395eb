package path

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// RoutingParam is the per-hop input of the execution contract.
type RoutingParam struct {
	Router   common.Address
	TokenIn  common.Address
	TokenOut common.Address
}

// RoutingParams derives the routing params of p. routerFor supplies the
// router that can trade each hop's pool.
func RoutingParams(p ArbPath, routerFor func(pool common.Address) common.Address) []RoutingParam {
	out := make([]RoutingParam, len(p.Hops))
	for i, h := range p.Hops {
		out[i] = RoutingParam{
			Router:   routerFor(h.Pool),
			TokenIn:  h.TokenIn,
			TokenOut: h.TokenOut,
		}
	}
	return out
}

// RouterTokens is every token a router sells across a path set.
type RouterTokens struct {
	Router common.Address
	Tokens []common.Address
}

// TokensByRouter groups the input token of every hop under the router that
// trades the hop's pool. Routers and their tokens are sorted by address.
func TokensByRouter(paths []ArbPath, routerFor func(pool common.Address) common.Address) []RouterTokens {
	grouped := make(map[common.Address]map[common.Address]bool)
	for _, p := range paths {
		for _, h := range p.Hops {
			r := routerFor(h.Pool)
			if grouped[r] == nil {
				grouped[r] = make(map[common.Address]bool)
			}
			grouped[r][h.TokenIn] = true
		}
	}

	out := make([]RouterTokens, 0, len(grouped))
	for r, set := range grouped {
		tokens := make([]common.Address, 0, len(set))
		for tok := range set {
			tokens = append(tokens, tok)
		}
		sort.Slice(tokens, func(i, j int) bool { return tokens[i].Cmp(tokens[j]) < 0 })
		out = append(out, RouterTokens{Router: r, Tokens: tokens})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Router.Cmp(out[j].Router) < 0 })
	return out
}
