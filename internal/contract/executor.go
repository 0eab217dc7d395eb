package contract

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Flashloan names the external liquidity source that funds a trade.
type Flashloan int

const (
	FlashloanNotUsed Flashloan = iota
	FlashloanBalancer
	FlashloanUniswapV2
)

func (f Flashloan) String() string {
	switch f {
	case FlashloanNotUsed:
		return "not_used"
	case FlashloanBalancer:
		return "balancer"
	case FlashloanUniswapV2:
		return "uniswap_v2"
	default:
		return fmt.Sprintf("flashloan(%d)", int(f))
	}
}

// ParseFlashloan maps a config name onto a Flashloan.
func ParseFlashloan(name string) (Flashloan, error) {
	switch name {
	case "", "not_used":
		return FlashloanNotUsed, nil
	case "balancer":
		return FlashloanBalancer, nil
	case "uniswap_v2":
		return FlashloanUniswapV2, nil
	}
	return 0, fmt.Errorf("contract: unknown flashloan %q", name)
}

// selector is the wire integer the execution contract expects.
func (f Flashloan) selector() (*big.Int, error) {
	switch f {
	case FlashloanNotUsed:
		return big.NewInt(0), nil
	case FlashloanBalancer:
		return big.NewInt(1), nil
	case FlashloanUniswapV2:
		return big.NewInt(2), nil
	}
	return nil, fmt.Errorf("contract: invalid flashloan %d", int(f))
}

// Route is one hop of an order as the execution contract sees it.
type Route struct {
	Router   common.Address
	TokenIn  common.Address
	TokenOut common.Address
}

var (
	uint256Type, _ = abi.NewType("uint256", "", nil)
	addressType, _ = abi.NewType("address", "", nil)
)

// ErrEmptyOrder is returned when an order has no hops.
var ErrEmptyOrder = errors.New("contract: order has no routes")

// EncodeOrder builds the calldata for the execution contract's fallback:
// abi.encode(amountIn, flashloan, loanFrom, router0, tokenIn0, tokenOut0, ...).
func EncodeOrder(amountIn *big.Int, fl Flashloan, loanFrom common.Address, routes []Route) ([]byte, error) {
	if len(routes) == 0 {
		return nil, ErrEmptyOrder
	}
	sel, err := fl.selector()
	if err != nil {
		return nil, err
	}

	args := abi.Arguments{{Type: uint256Type}, {Type: uint256Type}, {Type: addressType}}
	values := []interface{}{amountIn, sel, loanFrom}
	for _, r := range routes {
		args = append(args, abi.Argument{Type: addressType}, abi.Argument{Type: addressType}, abi.Argument{Type: addressType})
		values = append(values, r.Router, r.TokenIn, r.TokenOut)
	}

	data, err := args.Pack(values...)
	if err != nil {
		return nil, fmt.Errorf("contract: pack order: %w", err)
	}
	return data, nil
}

// EncodeRecoverToken builds recoverToken(token) calldata.
func EncodeRecoverToken(token common.Address) ([]byte, error) {
	return ExecutorABI.Pack("recoverToken", token)
}

// EncodeApproveRouter builds approveRouter(router, tokens, force) calldata.
func EncodeApproveRouter(router common.Address, tokens []common.Address, force bool) ([]byte, error) {
	return ExecutorABI.Pack("approveRouter", router, tokens, force)
}

// EncodeTransfer builds ERC-20 transfer(to, amount) calldata.
func EncodeTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return ERC20ABI.Pack("transfer", to, amount)
}

// EncodeBalanceOf builds ERC-20 balanceOf(owner) calldata.
func EncodeBalanceOf(owner common.Address) ([]byte, error) {
	return ERC20ABI.Pack("balanceOf", owner)
}

// DecodeBalanceOf unpacks a balanceOf return value.
func DecodeBalanceOf(data []byte) (*big.Int, error) {
	out, err := ERC20ABI.Unpack("balanceOf", data)
	if err != nil {
		return nil, fmt.Errorf("contract: unpack balanceOf: %w", err)
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}
