package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid marks a configuration that must abort startup.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root configuration structure for triarb. It is built once at
// startup and handed to components by reference; nothing mutates it afterwards.
type Config struct {
	General  GeneralConfig  `yaml:"general"`
	Chain    ChainConfig    `yaml:"chain"`
	Wallet   WalletConfig   `yaml:"wallet"`
	Executor ExecutorConfig `yaml:"executor"`
	Pools    PoolsConfig    `yaml:"pools"`
	Strategy StrategyConfig `yaml:"strategy"`
	Relay    RelayConfig    `yaml:"relay"`
	Bus      BusConfig      `yaml:"bus"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type GeneralConfig struct {
	InstanceID string `yaml:"instance_id"`
	DryRun     bool   `yaml:"dry_run"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"` // json|console
}

type ChainConfig struct {
	HTTPURL          string `yaml:"http_url"`
	WSURL            string `yaml:"ws_url"`
	ChainID          int64  `yaml:"chain_id"`
	SubscribePending bool   `yaml:"subscribe_pending"`
	ReconnectDelayMs int    `yaml:"reconnect_delay_ms"`
	PingIntervalS    int    `yaml:"ping_interval_s"`
}

type WalletConfig struct {
	PrivateKey string `yaml:"private_key"` // signs bundle transactions
	SigningKey string `yaml:"signing_key"` // relay reputation key, never holds funds
}

type ExecutorConfig struct {
	Address         string  `yaml:"address"`
	BytecodeFile    string  `yaml:"bytecode_file"`
	BalanceSlot     int64   `yaml:"balance_slot"`
	OwnerBalanceETH float64 `yaml:"owner_balance_eth"`
	Builder         string  `yaml:"builder"` // coinbase used for simulation
	GasLimit        uint64  `yaml:"gas_limit"`
}

type FactoryConfig struct {
	Address    string `yaml:"address"`
	StartBlock uint64 `yaml:"start_block"`
	Fee        uint32 `yaml:"fee"` // parts per 1000
}

type PoolsConfig struct {
	SnapshotPath string            `yaml:"snapshot_path"`
	Factories    []FactoryConfig   `yaml:"factories"`
	ChunkSize    uint64            `yaml:"chunk_size"`
	BatchLimit   int               `yaml:"batch_limit"`
	Multicall    string            `yaml:"multicall"`
	Routers      map[string]string `yaml:"routers"` // pool -> router override
}

type StrategyConfig struct {
	BaseToken             string   `yaml:"base_token"`
	NativeToken           string   `yaml:"native_token"` // wrapped gas token priced by reference_pool
	ReferencePool         string   `yaml:"reference_pool"`
	Router                string   `yaml:"router"`
	Blacklist             []string `yaml:"blacklist"`
	ProbeAmount           uint64   `yaml:"probe_amount"`
	MaxAmountIn           uint64   `yaml:"max_amount_in"`
	StepSize              uint64   `yaml:"step_size"`
	GasUnits              uint64   `yaml:"gas_units"`
	GasCostMultiplier     float64  `yaml:"gas_cost_multiplier"`
	BaseFeeJitterWei      int64    `yaml:"base_fee_jitter_wei"`
	PriorityFeeGwei       float64  `yaml:"priority_fee_gwei"`
	MaxCandidatesPerBlock int      `yaml:"max_candidates_per_block"`
	FundMode              string   `yaml:"fund_mode"` // flashloan|transfer
	Flashloan             string   `yaml:"flashloan"` // not_used|balancer|uniswap_v2
	LoanSource            string   `yaml:"loan_source"`
}

type RelayConfig struct {
	URL              string `yaml:"url"`
	TimeoutMs        int    `yaml:"timeout_ms"`
	ResolveTimeoutMs int    `yaml:"resolve_timeout_ms"`
	PollIntervalMs   int    `yaml:"poll_interval_ms"`
}

type BusConfig struct {
	Capacity int `yaml:"capacity"`
}

type MetricsConfig struct {
	PrometheusPort int  `yaml:"prometheus_port"`
	Enabled        bool `yaml:"enabled"`
}

// Load reads secrets from envFile (if present) into the environment, then
// reads and parses the YAML configuration at path.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "triarb-1"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}
	if cfg.Chain.ReconnectDelayMs == 0 {
		cfg.Chain.ReconnectDelayMs = 1000
	}
	if cfg.Chain.PingIntervalS == 0 {
		cfg.Chain.PingIntervalS = 30
	}
	if cfg.Executor.BalanceSlot == 0 {
		cfg.Executor.BalanceSlot = 3
	}
	if cfg.Executor.OwnerBalanceETH == 0 {
		cfg.Executor.OwnerBalanceETH = 100
	}
	if cfg.Executor.Builder == "" {
		cfg.Executor.Builder = "0x690B9A9E9aa1C9dB991C7721a92d351Db4FaC990"
	}
	if cfg.Executor.GasLimit == 0 {
		cfg.Executor.GasLimit = 700_000
	}
	if cfg.Pools.SnapshotPath == "" {
		cfg.Pools.SnapshotPath = "cache/pools.csv"
	}
	if cfg.Pools.ChunkSize == 0 {
		cfg.Pools.ChunkSize = 2000
	}
	if cfg.Pools.BatchLimit == 0 {
		cfg.Pools.BatchLimit = 250
	}
	if cfg.Pools.Multicall == "" {
		cfg.Pools.Multicall = "0xcA11bde05977b3631167028862bE2a173976CA11"
	}
	if cfg.Strategy.NativeToken == "" {
		cfg.Strategy.NativeToken = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	}
	if cfg.Strategy.ProbeAmount == 0 {
		cfg.Strategy.ProbeAmount = 1
	}
	if cfg.Strategy.MaxAmountIn == 0 {
		cfg.Strategy.MaxAmountIn = 1000
	}
	if cfg.Strategy.StepSize == 0 {
		cfg.Strategy.StepSize = 10
	}
	if cfg.Strategy.GasUnits == 0 {
		cfg.Strategy.GasUnits = 550_000
	}
	if cfg.Strategy.GasCostMultiplier == 0 {
		cfg.Strategy.GasCostMultiplier = 1.1
	}
	if cfg.Strategy.MaxCandidatesPerBlock == 0 {
		cfg.Strategy.MaxCandidatesPerBlock = 1
	}
	if cfg.Strategy.FundMode == "" {
		cfg.Strategy.FundMode = "flashloan"
	}
	if cfg.Strategy.Flashloan == "" {
		cfg.Strategy.Flashloan = "not_used"
	}
	if cfg.Relay.URL == "" {
		cfg.Relay.URL = "https://relay.flashbots.net"
	}
	if cfg.Relay.TimeoutMs == 0 {
		cfg.Relay.TimeoutMs = 5000
	}
	if cfg.Relay.ResolveTimeoutMs == 0 {
		cfg.Relay.ResolveTimeoutMs = 60_000
	}
	if cfg.Relay.PollIntervalMs == 0 {
		cfg.Relay.PollIntervalMs = 2000
	}
	if cfg.Bus.Capacity == 0 {
		cfg.Bus.Capacity = 512
	}
	if cfg.Metrics.PrometheusPort == 0 {
		cfg.Metrics.PrometheusPort = 9090
	}
}

// Validate reports fatal configuration errors. Signing keys are only
// required when the process may submit bundles.
func (c *Config) Validate() error {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	addr := func(field, v string, required bool) {
		if v == "" {
			if required {
				fail("%s is required", field)
			}
			return
		}
		if !common.IsHexAddress(v) {
			fail("%s: malformed address %q", field, v)
		}
	}

	if c.Chain.HTTPURL == "" {
		fail("chain.http_url is required")
	}
	switch {
	case c.Chain.WSURL == "":
		fail("chain.ws_url is required")
	case !strings.HasPrefix(c.Chain.WSURL, "ws://") && !strings.HasPrefix(c.Chain.WSURL, "wss://"):
		fail("chain.ws_url %q must be a ws:// or wss:// URL", c.Chain.WSURL)
	}
	if c.Chain.ChainID <= 0 {
		fail("chain.chain_id must be positive")
	}
	addr("executor.address", c.Executor.Address, true)
	addr("executor.builder", c.Executor.Builder, true)
	addr("pools.multicall", c.Pools.Multicall, true)
	addr("strategy.base_token", c.Strategy.BaseToken, true)
	addr("strategy.native_token", c.Strategy.NativeToken, true)
	addr("strategy.reference_pool", c.Strategy.ReferencePool, true)
	addr("strategy.router", c.Strategy.Router, true)
	addr("strategy.loan_source", c.Strategy.LoanSource, false)
	for i, f := range c.Pools.Factories {
		addr(fmt.Sprintf("pools.factories[%d].address", i), f.Address, true)
		if f.Fee >= 1000 {
			fail("pools.factories[%d].fee %d out of range", i, f.Fee)
		}
	}
	for pool, router := range c.Pools.Routers {
		addr("pools.routers key", pool, true)
		addr("pools.routers["+pool+"]", router, true)
	}
	for i, tok := range c.Strategy.Blacklist {
		addr(fmt.Sprintf("strategy.blacklist[%d]", i), tok, true)
	}
	if c.Pools.BatchLimit <= 0 || c.Pools.BatchLimit > 250 {
		fail("pools.batch_limit must be in 1..250")
	}
	if c.Strategy.StepSize == 0 || c.Strategy.StepSize > c.Strategy.MaxAmountIn {
		fail("strategy.step_size must be in 1..max_amount_in")
	}
	switch c.Strategy.FundMode {
	case "flashloan", "transfer":
	default:
		fail("strategy.fund_mode %q unknown", c.Strategy.FundMode)
	}
	switch c.Strategy.Flashloan {
	case "not_used", "balancer", "uniswap_v2":
	default:
		fail("strategy.flashloan %q unknown", c.Strategy.Flashloan)
	}
	if c.Strategy.Flashloan != "not_used" && c.Strategy.LoanSource == "" {
		fail("strategy.loan_source is required with flashloan %q", c.Strategy.Flashloan)
	}
	if !c.General.DryRun {
		if c.Wallet.PrivateKey == "" {
			fail("wallet.private_key is required")
		}
		if c.Wallet.SigningKey == "" {
			fail("wallet.signing_key is required")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// RouterFor returns the router configured for pool, falling back to the
// strategy default.
func (c *Config) RouterFor(pool common.Address) common.Address {
	for p, r := range c.Pools.Routers {
		if common.HexToAddress(p) == pool {
			return common.HexToAddress(r)
		}
	}
	return common.HexToAddress(c.Strategy.Router)
}
