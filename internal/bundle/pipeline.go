package bundle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
)

// ErrSimulationFailed means the relay reported an error or revert on at
// least one leg; the bundle was discarded without sending.
var ErrSimulationFailed = errors.New("bundle: simulation failed")

// ChainReader is satisfied by *ethclient.Client.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// PipelineConfig bounds resolution.
type PipelineConfig struct {
	ResolveTimeout time.Duration
	PollInterval   time.Duration
}

// DefaultPipelineConfig returns the configuration defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{ResolveTimeout: time.Minute, PollInterval: 2 * time.Second}
}

// Pipeline drives bundles through simulate, send and resolve.
type Pipeline struct {
	config PipelineConfig
	relay  Relay
	chain  ChainReader

	simulated   atomic.Int64
	simFailed   atomic.Int64
	sent        atomic.Int64
	included    atomic.Int64
	notIncluded atomic.Int64
}

// PipelineStats is a snapshot of the pipeline counters.
type PipelineStats struct {
	Simulated   int64
	SimFailed   int64
	Sent        int64
	Included    int64
	NotIncluded int64
}

// NewPipeline creates a pipeline.
func NewPipeline(config PipelineConfig, relay Relay, chain ChainReader) *Pipeline {
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.ResolveTimeout <= 0 {
		config.ResolveTimeout = time.Minute
	}
	return &Pipeline{config: config, relay: relay, chain: chain}
}

// Execute simulates b through the relay and sends it only if every leg
// passed. A failed simulation returns ErrSimulationFailed.
func (p *Pipeline) Execute(ctx context.Context, b *Bundle) error {
	results, err := p.relay.CallBundle(ctx, b)
	if err != nil {
		// A relay error counts as a failed simulation.
		_ = b.Transition(EventSimulationFail, err.Error())
		p.simFailed.Add(1)
		return fmt.Errorf("%w: %v", ErrSimulationFailed, err)
	}
	p.simulated.Add(1)

	var failures []string
	if len(results) != b.Len() {
		failures = append(failures, fmt.Sprintf("relay returned %d results for %d legs", len(results), b.Len()))
	}
	for i, r := range results {
		if r.Failed() {
			failures = append(failures, fmt.Sprintf("leg %d: error=%q revert=%q", i, r.Error, r.Revert))
		}
	}
	if len(failures) > 0 {
		reason := strings.Join(failures, "; ")
		if err := b.Transition(EventSimulationFail, reason); err != nil {
			return err
		}
		p.simFailed.Add(1)
		log.Warn().Str("uuid", b.ReplacementUUID).Uint64("target_block", b.TargetBlock).Str("reason", reason).Msg("bundle: simulation failed")
		return fmt.Errorf("%w: %s", ErrSimulationFailed, reason)
	}
	if err := b.Transition(EventSimulationPass, ""); err != nil {
		return err
	}

	if err := p.send(ctx, b); err != nil {
		return err
	}
	return nil
}

// send is reachable only through the transition table's
// SimulationPassed -> Sent edge.
func (p *Pipeline) send(ctx context.Context, b *Bundle) error {
	if b.State() != StateSimulationPassed {
		return fmt.Errorf("%w: send from %s", ErrInvalidTransition, b.State())
	}
	hash, err := p.relay.SendBundle(ctx, b)
	if err != nil {
		return fmt.Errorf("bundle: send: %w", err)
	}
	if err := b.Transition(EventSend, hash.Hex()); err != nil {
		return err
	}
	p.sent.Add(1)
	return nil
}

// Resolve waits until the chain is past the target block and checks whether
// the last leg landed successfully in that block. Non-inclusion is an expected outcome: the bundle is
// cancelled and NotIncluded is returned with a nil error.
func (p *Pipeline) Resolve(ctx context.Context, b *Bundle) (State, error) {
	if b.State() != StateSent {
		return b.State(), fmt.Errorf("%w: resolve from %s", ErrInvalidTransition, b.State())
	}
	ctx, cancel := context.WithTimeout(ctx, p.config.ResolveTimeout)
	defer cancel()

	txs := b.Transactions()
	last := txs[len(txs)-1].Hash()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()
	for {
		head, err := p.chain.BlockNumber(ctx)
		if err == nil && head >= b.TargetBlock {
			break
		}
		if err != nil {
			log.Debug().Err(err).Msg("bundle: head poll failed")
		}
		select {
		case <-ctx.Done():
			return p.miss(b, "resolve timeout")
		case <-ticker.C:
		}
	}

	receipt, err := p.chain.TransactionReceipt(ctx, last)
	switch {
	case errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil):
		return p.miss(b, "not in target block")
	case err != nil:
		return p.miss(b, err.Error())
	case receipt.BlockNumber == nil || receipt.BlockNumber.Uint64() != b.TargetBlock:
		return p.miss(b, fmt.Sprintf("landed outside target block: %v", receipt.BlockNumber))
	case receipt.Status != types.ReceiptStatusSuccessful:
		return p.miss(b, "last leg reverted on chain")
	}
	if err := b.Transition(EventInclude, ""); err != nil {
		return b.State(), err
	}
	p.included.Add(1)
	log.Info().
		Str("bundle_hash", b.Hash().Hex()).
		Uint64("block", receipt.BlockNumber.Uint64()).
		Uint64("gas_used", receipt.GasUsed).
		Msg("bundle: included")
	return StateIncluded, nil
}

func (p *Pipeline) miss(b *Bundle, reason string) (State, error) {
	if err := b.Transition(EventMiss, reason); err != nil {
		return b.State(), err
	}
	p.notIncluded.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.relay.CancelBundle(ctx, b.ReplacementUUID); err != nil {
		log.Warn().Err(err).Str("uuid", b.ReplacementUUID).Msg("bundle: cancel failed")
	}
	log.Info().Str("uuid", b.ReplacementUUID).Uint64("target_block", b.TargetBlock).Str("reason", reason).Msg("bundle: not included")
	return StateNotIncluded, nil
}

// Stats returns the pipeline counters.
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Simulated:   p.simulated.Load(),
		SimFailed:   p.simFailed.Load(),
		Sent:        p.sent.Load(),
		Included:    p.included.Load(),
		NotIncluded: p.notIncluded.Load(),
	}
}
