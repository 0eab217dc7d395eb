package pool

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Version identifies the AMM family a pool belongs to.
type Version uint8

const (
	V2 Version = 2 // constant product
	V3 Version = 3 // concentrated liquidity, kept in snapshots but never priced
)

func ParseVersion(v int) (Version, error) {
	switch Version(v) {
	case V2, V3:
		return Version(v), nil
	}
	return 0, fmt.Errorf("pool: unknown version %d", v)
}

// Pool is immutable pool metadata. Fee is in parts per 1000 (3 = 0.3%).
type Pool struct {
	Address   common.Address
	Version   Version
	Token0    common.Address
	Token1    common.Address
	Decimals0 uint8
	Decimals1 uint8
	Fee       uint32
}

// Has reports whether token is one side of the pool.
func (p Pool) Has(token common.Address) bool {
	return p.Token0 == token || p.Token1 == token
}

// Other returns the counterpart of token and whether token is in the pool.
func (p Pool) Other(token common.Address) (common.Address, bool) {
	switch token {
	case p.Token0:
		return p.Token1, true
	case p.Token1:
		return p.Token0, true
	}
	return common.Address{}, false
}

// DecimalsOf returns the decimals of token, which must be in the pool.
func (p Pool) DecimalsOf(token common.Address) uint8 {
	if token == p.Token0 {
		return p.Decimals0
	}
	return p.Decimals1
}
