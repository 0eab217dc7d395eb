package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-trading/triarb/internal/bundle"
	"github.com/nexus-trading/triarb/internal/bus"
	"github.com/nexus-trading/triarb/internal/chain"
	"github.com/nexus-trading/triarb/internal/config"
	"github.com/nexus-trading/triarb/internal/engine"
	"github.com/nexus-trading/triarb/internal/evaluator"
	"github.com/nexus-trading/triarb/internal/metrics"
	"github.com/nexus-trading/triarb/internal/path"
	"github.com/nexus-trading/triarb/internal/reserve"
	"github.com/nexus-trading/triarb/internal/simulator"
)

func run(ctx context.Context, cfg *config.Config) error {
	log.Info().Msg("=============================================")
	log.Info().Msg("triarb - Starting")
	log.Info().Msg("SYNC -> PRICE -> SIMULATE -> BUNDLE")
	log.Info().Msg("=============================================")
	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Bool("dry_run", cfg.General.DryRun).
		Int64("chain_id", cfg.Chain.ChainID).
		Str("fund_mode", cfg.Strategy.FundMode).
		Str("flashloan", cfg.Strategy.Flashloan).
		Uint64("max_amount_in", cfg.Strategy.MaxAmountIn).
		Uint64("step_size", cfg.Strategy.StepSize).
		Msg("Configuration loaded")

	// 1. Node connection.
	n, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	// 2. Pool universe and paths.
	store, paths, err := universe(ctx, cfg, n)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no triangular paths for base token %s", cfg.Strategy.BaseToken)
	}
	index := path.NewIndex(paths)

	// 3. Reserve cache: every pool on a path plus the reference pool.
	refAddr := common.HexToAddress(cfg.Strategy.ReferencePool)
	reference, ok := store.Get(refAddr)
	if !ok {
		return fmt.Errorf("%w: reference pool %s not in pool snapshot", config.ErrInvalid, refAddr.Hex())
	}
	tracked := trackedPools(paths, refAddr)
	cache := reserve.NewCache(tracked)

	head, err := n.eth.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("head: %w", err)
	}
	start := time.Now()
	snaps, err := reserve.NewRefresher(n.mc).Refresh(ctx, tracked, new(big.Int).SetUint64(head))
	if err != nil {
		return err
	}
	loaded := cache.ReplaceAll(snaps)
	log.Info().
		Int("pools", len(tracked)).
		Int("loaded", loaded).
		Uint64("block", head).
		Dur("took", time.Since(start)).
		Msg("Reserve cache populated")

	// 4. Decision components.
	ev, err := evaluator.New(evaluator.Config{
		ProbeAmount:       cfg.Strategy.ProbeAmount,
		MaxAmountIn:       cfg.Strategy.MaxAmountIn,
		StepSize:          cfg.Strategy.StepSize,
		GasUnits:          cfg.Strategy.GasUnits,
		GasCostMultiplier: cfg.Strategy.GasCostMultiplier,
	}, common.HexToAddress(cfg.Strategy.BaseToken), common.HexToAddress(cfg.Strategy.NativeToken), reference)
	if err != nil {
		return err
	}

	ownerKey, err := keyOrEphemeral(cfg.Wallet.PrivateKey, "wallet.private_key", cfg.General.DryRun)
	if err != nil {
		return err
	}
	signingKey, err := keyOrEphemeral(cfg.Wallet.SigningKey, "wallet.signing_key", cfg.General.DryRun)
	if err != nil {
		return err
	}
	builder, err := newBuilder(cfg, ownerKey, n)
	if err != nil {
		return err
	}

	executor := common.HexToAddress(cfg.Executor.Address)
	code, err := executorCode(ctx, cfg, n, executor)
	if err != nil {
		return err
	}
	ownerWei := decimal.NewFromFloat(cfg.Executor.OwnerBalanceETH).Shift(18).BigInt()
	sim := simulator.New(simulator.Config{
		Executor:     executor,
		Owner:        builder.From(),
		Code:         code,
		BalanceSlot:  cfg.Executor.BalanceSlot,
		OwnerBalance: ownerWei,
		Builder:      common.HexToAddress(cfg.Executor.Builder),
		GasLimit:     cfg.Executor.GasLimit,
	}, n.rpc)

	relay := bundle.NewFlashbotsClient(bundle.RelayConfig{URL: cfg.Relay.URL, TimeoutMs: cfg.Relay.TimeoutMs}, signingKey)
	pipeline := bundle.NewPipeline(bundle.PipelineConfig{
		ResolveTimeout: time.Duration(cfg.Relay.ResolveTimeoutMs) * time.Millisecond,
		PollInterval:   time.Duration(cfg.Relay.PollIntervalMs) * time.Millisecond,
	}, relay, n.eth)

	// 5. Metrics.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 6. Event bus, feed and engine. Subscriptions exist before the feed
	// publishes its first event.
	topic := bus.NewTopic[chain.Event]("chain", cfg.Bus.Capacity)
	blocks := topic.Subscribe("engine")
	events := topic.Subscribe("stats")
	feed := chain.NewFeed(chain.FeedConfig{
		WSURL:            cfg.Chain.WSURL,
		SubscribePending: cfg.Chain.SubscribePending,
		ReconnectDelayMs: cfg.Chain.ReconnectDelayMs,
		PingIntervalS:    cfg.Chain.PingIntervalS,
	}, topic)

	eng := engine.New(engine.Config{
		MaxCandidatesPerBlock: cfg.Strategy.MaxCandidatesPerBlock,
		DryRun:                cfg.General.DryRun,
	}, engine.Deps{
		Predictor: chain.NewPredictor(cfg.Strategy.BaseFeeJitterWei, time.Now().UnixNano()),
		Updater:   reserve.NewUpdater(n.eth, cache),
		Reserves:  cache,
		Index:     index,
		Evaluator: ev,
		Simulator: sim,
		Builder:   builder,
		Pipeline:  pipeline,
		RouterFor: cfg.RouterFor,
		Metrics:   m,
	})

	health := metrics.NewHealth()
	health.Register("feed", func(context.Context) metrics.ComponentHealth {
		if feed.Stats().Connected {
			return metrics.ComponentHealth{Status: metrics.StatusHealthy}
		}
		return metrics.ComponentHealth{Status: metrics.StatusUnhealthy, Message: "websocket disconnected"}
	})
	health.Register("blocks", metrics.FreshnessCheck("block", time.Minute, eng.LastBlockTime))

	// 7. Start services.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer topic.Close()
		return feed.Run(gctx)
	})
	g.Go(func() error { return eng.Run(gctx, blocks) })
	g.Go(func() error { return eng.RunStats(gctx, events) })
	if cfg.Metrics.Enabled {
		handler := metrics.Handler(reg, health, func() map[string]any {
			return map[string]any{
				"engine":   eng.Stats(),
				"feed":     feed.Stats(),
				"relay":    relay.Stats(),
				"pipeline": pipeline.Stats(),
				"bus":      topic.Stats(),
				"dry_run":  cfg.General.DryRun,
			}
		})
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.PrometheusPort, handler) })
	}

	// Periodic stats logging.
	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				es, fs, ps := eng.Stats(), feed.Stats(), pipeline.Stats()
				if fs.Connected {
					m.FeedConnected.Set(1)
				} else {
					m.FeedConnected.Set(0)
				}
				log.Info().
					Uint64("last_block", es.LastBlock).
					Int64("blocks", es.Blocks).
					Int64("candidates", es.Candidates).
					Int64("simulated", es.Simulated).
					Int64("rejected", es.Rejected).
					Int64("submitted", es.Submitted).
					Int64("included", ps.Included).
					Int64("not_included", ps.NotIncluded).
					Int64("pending_txs", es.PendingTxs).
					Int64("reconnects", fs.Reconnects).
					Bool("connected", fs.Connected).
					Msg("[STATS]")
			}
		}
	})

	log.Info().
		Int("paths", index.Len()).
		Int("tracked_pools", len(tracked)).
		Str("executor", executor.Hex()).
		Str("owner", builder.From().Hex()).
		Str("relay_signer", relay.Signer().Hex()).
		Msg("triarb - Running")

	err = g.Wait()

	ps := pipeline.Stats()
	es := eng.Stats()
	log.Info().
		Int64("blocks", es.Blocks).
		Int64("candidates", es.Candidates).
		Int64("simulated", es.Simulated).
		Int64("submitted", es.Submitted).
		Int64("relay_sim_failed", ps.SimFailed).
		Int64("included", ps.Included).
		Int64("not_included", ps.NotIncluded).
		Msg("triarb - Final Statistics")
	log.Info().Msg("triarb - Shutdown complete")
	return err
}

func trackedPools(paths []path.ArbPath, extra ...common.Address) []common.Address {
	seen := make(map[common.Address]bool)
	var out []common.Address
	add := func(a common.Address) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, p := range paths {
		for _, a := range p.Pools() {
			add(a)
		}
	}
	for _, a := range extra {
		add(a)
	}
	return out
}

// executorCode reads the runtime bytecode from executor.bytecode_file, or
// from the deployed contract when no file is configured.
func executorCode(ctx context.Context, cfg *config.Config, n *node, executor common.Address) ([]byte, error) {
	if cfg.Executor.BytecodeFile == "" {
		code, err := n.eth.CodeAt(ctx, executor, nil)
		if err != nil {
			return nil, fmt.Errorf("executor code: %w", err)
		}
		if len(code) == 0 {
			return nil, fmt.Errorf("%w: no code at executor %s and no bytecode_file", config.ErrInvalid, executor.Hex())
		}
		return code, nil
	}
	raw, err := os.ReadFile(cfg.Executor.BytecodeFile)
	if err != nil {
		return nil, fmt.Errorf("executor bytecode: %w", err)
	}
	s := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	code, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("executor bytecode %s: %w", cfg.Executor.BytecodeFile, err)
	}
	return code, nil
}
