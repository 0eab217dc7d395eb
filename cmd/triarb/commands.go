package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/triarb/internal/bundle"
	"github.com/nexus-trading/triarb/internal/config"
	"github.com/nexus-trading/triarb/internal/contract"
	"github.com/nexus-trading/triarb/internal/path"
	"github.com/nexus-trading/triarb/internal/pool"
)

func newBuilder(cfg *config.Config, key *ecdsa.PrivateKey, n *node) (*bundle.Builder, error) {
	fl, err := contract.ParseFlashloan(cfg.Strategy.Flashloan)
	if err != nil {
		return nil, err
	}
	tip := decimal.NewFromFloat(cfg.Strategy.PriorityFeeGwei).Shift(9).BigInt()
	var loan common.Address
	if cfg.Strategy.LoanSource != "" {
		loan = common.HexToAddress(cfg.Strategy.LoanSource)
	}
	return bundle.NewBuilder(bundle.BuilderConfig{
		ChainID:    big.NewInt(cfg.Chain.ChainID),
		Executor:   common.HexToAddress(cfg.Executor.Address),
		TipWei:     tip,
		FundMode:   bundle.FundMode(cfg.Strategy.FundMode),
		Flashloan:  fl,
		LoanSource: loan,
	}, key, n.eth), nil
}

// syncPools rescans every factory and overwrites the snapshot.
func syncPools(ctx context.Context, cfg *config.Config) error {
	n, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	pools, err := pool.NewSyncer(n.eth, n.mc, cfg.Pools.ChunkSize).Sync(ctx, factories(cfg))
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := pool.SaveSnapshot(cfg.Pools.SnapshotPath, pools); err != nil {
		return err
	}
	log.Info().
		Int("pools", len(pools)).
		Str("snapshot", cfg.Pools.SnapshotPath).
		Msg("Pool snapshot written")
	return nil
}

// approve signs one approveRouter(router, tokens, force) per router that
// trades a pool on a path, covering every token that router sells. The
// transactions are printed and, with send, broadcast.
func approve(ctx context.Context, cfg *config.Config, send bool) error {
	n, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	_, paths, err := universe(ctx, cfg, n)
	if err != nil {
		return err
	}
	groups := path.TokensByRouter(paths, cfg.RouterFor)
	if len(groups) == 0 {
		return fmt.Errorf("approve: no tokens on the path universe")
	}
	approvals := make([]bundle.Approval, len(groups))
	for i, g := range groups {
		approvals[i] = bundle.Approval{Router: g.Router, Tokens: g.Tokens}
	}

	key, err := parseKey(cfg.Wallet.PrivateKey)
	if err != nil {
		return fmt.Errorf("wallet.private_key: %w", err)
	}
	builder, err := newBuilder(cfg, key, n)
	if err != nil {
		return err
	}
	header, err := n.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("approve: head: %w", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	// Two blocks of headroom at the maximum base fee increase.
	baseFee = new(big.Int).Div(new(big.Int).Mul(baseFee, big.NewInt(81)), big.NewInt(64))

	txs, err := builder.SignApprovals(ctx, approvals, baseFee)
	if err != nil {
		return err
	}
	for i, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return err
		}
		fmt.Printf("router:   %s\n", approvals[i].Router.Hex())
		fmt.Printf("to:       %s\n", tx.To().Hex())
		fmt.Printf("calldata: %s\n", hexutil.Encode(tx.Data()))
		fmt.Printf("raw:      %s\n\n", hexutil.Encode(raw))

		log.Info().
			Str("router", approvals[i].Router.Hex()).
			Int("tokens", len(approvals[i].Tokens)).
			Uint64("nonce", tx.Nonce()).
			Str("tx_hash", tx.Hash().Hex()).
			Bool("send", send).
			Msg("approveRouter signed")
	}

	if !send {
		return nil
	}
	for _, tx := range txs {
		if err := n.eth.SendTransaction(ctx, tx); err != nil {
			return fmt.Errorf("approve: send %s: %w", tx.Hash().Hex(), err)
		}
		log.Info().Str("tx_hash", tx.Hash().Hex()).Msg("approveRouter broadcast")
	}
	return nil
}
