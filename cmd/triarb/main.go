package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/triarb/internal/config"
	"github.com/nexus-trading/triarb/internal/multicall"
	"github.com/nexus-trading/triarb/internal/path"
	"github.com/nexus-trading/triarb/internal/pool"
)

const usage = `usage: triarb [run|sync|approve] [flags]

  run      watch the chain and submit profitable bundles (default)
  sync     rebuild the pool snapshot from factory logs and exit
  approve  sign approveRouter for every token on the path universe
`

func main() {
	// 1. Pick the sub-command.
	cmd, args := "run", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	configPath := fs.String("config", "config/config.yaml", "Path to configuration file")
	envFile := fs.String("env", ".env", "Secrets file loaded before the configuration")
	send := fs.Bool("send", false, "approve: broadcast the signed transaction")
	_ = fs.Parse(args)

	// 2. Load configuration.
	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	switch cmd {
	case "run":
		err = run(ctx, cfg)
	case "sync":
		err = syncPools(ctx, cfg)
	case "approve":
		err = approve(ctx, cfg, *send)
	default:
		fs.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("triarb failed")
	}
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "console" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "triarb").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "triarb").
			Str("instance", general.InstanceID).Logger()
	}
}

// ---------------------------------------------------------------------------
// Shared startup
// ---------------------------------------------------------------------------

type node struct {
	rpc *rpc.Client
	eth *ethclient.Client
	mc  *multicall.Client
}

func dial(ctx context.Context, cfg *config.Config) (*node, error) {
	rc, err := rpc.DialContext(ctx, cfg.Chain.HTTPURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Chain.HTTPURL, err)
	}
	eth := ethclient.NewClient(rc)
	id, err := eth.ChainID(ctx)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("chain id: %w", err)
	}
	if id.Int64() != cfg.Chain.ChainID {
		rc.Close()
		return nil, fmt.Errorf("%w: node chain id %d, configured %d", config.ErrInvalid, id.Int64(), cfg.Chain.ChainID)
	}
	mc := multicall.New(eth, common.HexToAddress(cfg.Pools.Multicall), cfg.Pools.BatchLimit)
	return &node{rpc: rc, eth: eth, mc: mc}, nil
}

func (n *node) Close() { n.rpc.Close() }

func factories(cfg *config.Config) []pool.Factory {
	out := make([]pool.Factory, len(cfg.Pools.Factories))
	for i, f := range cfg.Pools.Factories {
		out[i] = pool.Factory{
			Address:    common.HexToAddress(f.Address),
			StartBlock: f.StartBlock,
			Fee:        f.Fee,
			Version:    pool.V2,
		}
	}
	return out
}

// universe loads the pool snapshot (syncing it on a cold cache) and derives
// the blacklist-filtered path set of the base token.
func universe(ctx context.Context, cfg *config.Config, n *node) (*pool.Store, []path.ArbPath, error) {
	pools, err := pool.LoadPools(ctx, cfg.Pools.SnapshotPath, factories(cfg), pool.NewSyncer(n.eth, n.mc, cfg.Pools.ChunkSize))
	if err != nil {
		return nil, nil, err
	}
	store := pool.NewStore(pools)

	blacklist := make([]common.Address, len(cfg.Strategy.Blacklist))
	for i, b := range cfg.Strategy.Blacklist {
		blacklist[i] = common.HexToAddress(b)
	}
	base := common.HexToAddress(cfg.Strategy.BaseToken)
	paths := path.FilterBlacklisted(path.Generate(store.ConstantProduct(), base), blacklist)

	log.Info().
		Int("pools", store.Len()).
		Int("constant_product", len(store.ConstantProduct())).
		Int("paths", len(paths)).
		Str("base_token", base.Hex()).
		Msg("Path universe ready")
	return store, paths, nil
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
}

// keyOrEphemeral parses hexKey, or in dry-run mode without a key returns a
// throwaway one.
func keyOrEphemeral(hexKey, name string, dryRun bool) (*ecdsa.PrivateKey, error) {
	if hexKey == "" && dryRun {
		log.Warn().Str("key", name).Msg("No key configured, using an ephemeral key for dry run")
		return crypto.GenerateKey()
	}
	k, err := parseKey(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return k, nil
}
