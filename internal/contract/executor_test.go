package contract

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func word(b []byte, i int) []byte { return b[i*32 : (i+1)*32] }

func TestEncodeOrder_Layout(t *testing.T) {
	router := common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	usdc := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	weth := common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	loan := common.HexToAddress("0xBA12222222228d8Ba445958a75a0704d566BF2C8")

	data, err := EncodeOrder(big.NewInt(1_000_000), FlashloanBalancer, loan, []Route{
		{Router: router, TokenIn: usdc, TokenOut: weth},
		{Router: router, TokenIn: weth, TokenOut: usdc},
	})
	require.NoError(t, err)
	require.Len(t, data, 32*(3+2*3))

	assert.Equal(t, common.LeftPadBytes(big.NewInt(1_000_000).Bytes(), 32), word(data, 0))
	assert.Equal(t, common.LeftPadBytes([]byte{1}, 32), word(data, 1))
	assert.Equal(t, common.LeftPadBytes(loan.Bytes(), 32), word(data, 2))
	assert.Equal(t, common.LeftPadBytes(router.Bytes(), 32), word(data, 3))
	assert.Equal(t, common.LeftPadBytes(usdc.Bytes(), 32), word(data, 4))
	assert.Equal(t, common.LeftPadBytes(weth.Bytes(), 32), word(data, 5))
	assert.Equal(t, common.LeftPadBytes(usdc.Bytes(), 32), word(data, 8))
}

func TestEncodeOrder_Empty(t *testing.T) {
	_, err := EncodeOrder(big.NewInt(1), FlashloanNotUsed, common.Address{}, nil)
	assert.ErrorIs(t, err, ErrEmptyOrder)
}

func TestEncodeOrder_InvalidFlashloan(t *testing.T) {
	_, err := EncodeOrder(big.NewInt(1), Flashloan(9), common.Address{}, []Route{{}})
	assert.Error(t, err)
}

func TestParseFlashloan(t *testing.T) {
	for name, want := range map[string]Flashloan{
		"not_used":   FlashloanNotUsed,
		"":           FlashloanNotUsed,
		"balancer":   FlashloanBalancer,
		"uniswap_v2": FlashloanUniswapV2,
	} {
		got, err := ParseFlashloan(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		if name != "" {
			assert.Equal(t, name, got.String())
		}
	}
	_, err := ParseFlashloan("aave")
	assert.Error(t, err)
}

func TestEncodeRecoverAndApprove(t *testing.T) {
	token := common.HexToAddress("0x01")
	data, err := EncodeRecoverToken(token)
	require.NoError(t, err)
	assert.Equal(t, ExecutorABI.Methods["recoverToken"].ID, data[:4])

	data, err = EncodeApproveRouter(token, []common.Address{token, token}, true)
	require.NoError(t, err)
	assert.Equal(t, ExecutorABI.Methods["approveRouter"].ID, data[:4])
}

func TestBalanceOfRoundTrip(t *testing.T) {
	packed, err := ERC20ABI.Methods["balanceOf"].Outputs.Pack(big.NewInt(12345))
	require.NoError(t, err)
	bal, err := DecodeBalanceOf(packed)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), bal.Int64())
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "0x1c411e9a96e071241c2f21f7726b17ae89e3cab4c78be50e062b03a9fffbbad1", SyncTopic.Hex())
	assert.Equal(t, "0x0d3648bd0f6ba80134a33ba9275ac585d9d315f0ad8355cddefde31afa28d0e9", PairCreatedTopic.Hex())
	assert.Equal(t, SyncTopic, PairABI.Events["Sync"].ID)
}
