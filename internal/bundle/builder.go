package bundle

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/nexus-trading/triarb/internal/chain"
	"github.com/nexus-trading/triarb/internal/contract"
)

// FundMode selects how the executor gets its input tokens.
type FundMode string

const (
	// FundFlashloan sends one order transaction; the executor borrows.
	FundFlashloan FundMode = "flashloan"
	// FundTransfer wraps the order between a token transfer in and a
	// recoverToken out.
	FundTransfer FundMode = "transfer"
)

// Gas limits per leg.
const (
	TransferGas uint64 = 60_000
	OrderGas    uint64 = 600_000
	RecoverGas  uint64 = 50_000

	ApproveGasPerToken uint64 = 55_000
)

// NonceSource is satisfied by *ethclient.Client.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// BuilderConfig holds what every bundle of this process shares.
type BuilderConfig struct {
	ChainID    *big.Int
	Executor   common.Address
	TipWei     *big.Int
	FundMode   FundMode
	Flashloan  contract.Flashloan
	LoanSource common.Address
}

// Order is a sized trade ready to be encoded.
type Order struct {
	Token    common.Address // input and output token of the cycle
	AmountIn *big.Int       // raw units
	Routes   []contract.Route
}

// Builder signs bundle transactions with the owner key.
type Builder struct {
	config BuilderConfig
	key    *ecdsa.PrivateKey
	from   common.Address
	signer types.Signer
	nonces NonceSource
}

// NewBuilder creates a builder signing with key.
func NewBuilder(config BuilderConfig, key *ecdsa.PrivateKey, nonces NonceSource) *Builder {
	if config.TipWei == nil {
		config.TipWei = new(big.Int)
	}
	if config.FundMode == "" {
		config.FundMode = FundFlashloan
	}
	return &Builder{
		config: config,
		key:    key,
		from:   crypto.PubkeyToAddress(key.PublicKey),
		signer: types.LatestSignerForChainID(config.ChainID),
		nonces: nonces,
	}
}

// From returns the signing account.
func (b *Builder) From() common.Address { return b.from }

// OrderCalldata encodes the order the way Build places it in the bundle.
func (b *Builder) OrderCalldata(o Order) ([]byte, error) {
	if b.config.FundMode == FundTransfer {
		return contract.EncodeOrder(o.AmountIn, contract.FlashloanNotUsed, common.Address{}, o.Routes)
	}
	return contract.EncodeOrder(o.AmountIn, b.config.Flashloan, b.config.LoanSource, o.Routes)
}

type leg struct {
	to   common.Address
	gas  uint64
	data []byte
}

// Build signs the legs of o and assembles a bundle for bc's next block,
// simulated against bc's block with the relay's default timestamp.
func (b *Builder) Build(ctx context.Context, bc chain.BlockContext, o Order) (*Bundle, error) {
	order, err := b.OrderCalldata(o)
	if err != nil {
		return nil, fmt.Errorf("bundle: encode order: %w", err)
	}

	legs := []leg{{to: b.config.Executor, gas: OrderGas, data: order}}
	if b.config.FundMode == FundTransfer {
		transfer, err := contract.EncodeTransfer(b.config.Executor, o.AmountIn)
		if err != nil {
			return nil, fmt.Errorf("bundle: encode transfer: %w", err)
		}
		recoverData, err := contract.EncodeRecoverToken(o.Token)
		if err != nil {
			return nil, fmt.Errorf("bundle: encode recoverToken: %w", err)
		}
		legs = []leg{
			{to: o.Token, gas: TransferGas, data: transfer},
			legs[0],
			{to: b.config.Executor, gas: RecoverGas, data: recoverData},
		}
	}

	nonce, err := b.nonces.PendingNonceAt(ctx, b.from)
	if err != nil {
		return nil, fmt.Errorf("bundle: nonce: %w", err)
	}

	feeCap := new(big.Int).Add(bc.PredictedNextBaseFee, b.config.TipWei)
	txs := make([]*types.Transaction, len(legs))
	for i, l := range legs {
		to := l.to
		tx, err := types.SignNewTx(b.key, b.signer, &types.DynamicFeeTx{
			ChainID:   b.config.ChainID,
			Nonce:     nonce + uint64(i),
			GasTipCap: new(big.Int).Set(b.config.TipWei),
			GasFeeCap: new(big.Int).Set(feeCap),
			Gas:       l.gas,
			To:        &to,
			Value:     new(big.Int),
			Data:      l.data,
		})
		if err != nil {
			return nil, fmt.Errorf("bundle: sign leg %d: %w", i, err)
		}
		txs[i] = tx
	}

	return New(uuid.NewString(), bc.TargetBlock(), bc.Number, txs)
}

// Approval lets Router pull Tokens from the executor.
type Approval struct {
	Router common.Address
	Tokens []common.Address
}

// SignApprovals signs one approveRouter transaction per approval, on
// consecutive pending nonces so they can all be broadcast together.
func (b *Builder) SignApprovals(ctx context.Context, approvals []Approval, baseFee *big.Int) ([]*types.Transaction, error) {
	nonce, err := b.nonces.PendingNonceAt(ctx, b.from)
	if err != nil {
		return nil, fmt.Errorf("bundle: nonce: %w", err)
	}
	to := b.config.Executor
	txs := make([]*types.Transaction, len(approvals))
	for i, a := range approvals {
		data, err := contract.EncodeApproveRouter(a.Router, a.Tokens, true)
		if err != nil {
			return nil, fmt.Errorf("bundle: encode approveRouter %s: %w", a.Router.Hex(), err)
		}
		tx, err := types.SignNewTx(b.key, b.signer, &types.DynamicFeeTx{
			ChainID:   b.config.ChainID,
			Nonce:     nonce + uint64(i),
			GasTipCap: new(big.Int).Set(b.config.TipWei),
			GasFeeCap: new(big.Int).Add(baseFee, b.config.TipWei),
			Gas:       ApproveGasPerToken * uint64(len(a.Tokens)),
			To:        &to,
			Value:     new(big.Int),
			Data:      data,
		})
		if err != nil {
			return nil, fmt.Errorf("bundle: sign approveRouter %s: %w", a.Router.Hex(), err)
		}
		txs[i] = tx
	}
	return txs, nil
}
