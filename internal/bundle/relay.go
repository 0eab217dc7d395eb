package bundle

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Flashbots relay client: eth_callBundle / eth_sendBundle / eth_cancelBundle
// over signed JSON-RPC.
// https://docs.flashbots.net/flashbots-auction/advanced/rpc-endpoint
// ---------------------------------------------------------------------------

// SignatureHeader carries the relay reputation signature.
const SignatureHeader = "X-Flashbots-Signature"

// RelayConfig configures the relay client.
type RelayConfig struct {
	URL       string `yaml:"url"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// DefaultRelayConfig returns mainnet defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{URL: "https://relay.flashbots.net", TimeoutMs: 5000}
}

// TxResult is the relay's simulation verdict for one leg.
type TxResult struct {
	TxHash  common.Hash `json:"txHash"`
	GasUsed uint64      `json:"gasUsed"`
	Error   string      `json:"error,omitempty"`
	Revert  string      `json:"revert,omitempty"`
}

// Failed reports whether the leg errored or reverted.
func (r TxResult) Failed() bool { return r.Error != "" || r.Revert != "" }

// Relay is the bundle submission surface the pipeline depends on.
type Relay interface {
	CallBundle(ctx context.Context, b *Bundle) ([]TxResult, error)
	SendBundle(ctx context.Context, b *Bundle) (common.Hash, error)
	CancelBundle(ctx context.Context, replacementUUID string) error
}

// FlashbotsClient talks to a Flashbots-compatible relay.
type FlashbotsClient struct {
	config     RelayConfig
	httpClient *http.Client
	key        *ecdsa.PrivateKey
	signer     common.Address
	nextID     atomic.Int64

	// Stats.
	requests atomic.Int64
	failures atomic.Int64
}

// NewFlashbotsClient creates a relay client signing requests with key. The
// key only builds relay reputation and never holds funds.
func NewFlashbotsClient(config RelayConfig, key *ecdsa.PrivateKey) *FlashbotsClient {
	timeout := time.Duration(config.TimeoutMs) * time.Millisecond
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &FlashbotsClient{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		key:        key,
		signer:     crypto.PubkeyToAddress(key.PublicKey),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Sign returns the X-Flashbots-Signature value for body.
func Sign(body []byte, key *ecdsa.PrivateKey) (string, error) {
	digest := accounts.TextHash([]byte(hexutil.Encode(crypto.Keccak256(body))))
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex() + ":" + hexutil.Encode(sig), nil
}

func (c *FlashbotsClient) call(ctx context.Context, method string, params any, result any) error {
	c.requests.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: []any{params}}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("relay: marshal %s: %w", method, err)
	}
	sig, err := Sign(body, c.key)
	if err != nil {
		return fmt.Errorf("relay: sign: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("relay: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(SignatureHeader, sig)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.failures.Add(1)
		return fmt.Errorf("relay: %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.failures.Add(1)
		return fmt.Errorf("relay: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.failures.Add(1)
		return fmt.Errorf("relay: %s: HTTP %d: %s", method, resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		c.failures.Add(1)
		return fmt.Errorf("relay: parse response: %w", err)
	}
	if rpcResp.Error != nil {
		c.failures.Add(1)
		return fmt.Errorf("relay: %s: error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("relay: decode %s result: %w", method, err)
	}
	return nil
}

func encodeTxs(b *Bundle) []string {
	raw := b.RawTransactions()
	out := make([]string, len(raw))
	for i, r := range raw {
		out[i] = hexutil.Encode(r)
	}
	return out
}

// CallBundle simulates b at its simulation block.
func (c *FlashbotsClient) CallBundle(ctx context.Context, b *Bundle) ([]TxResult, error) {
	params := map[string]any{
		"txs":              encodeTxs(b),
		"blockNumber":      hexutil.EncodeUint64(b.TargetBlock),
		"stateBlockNumber": hexutil.EncodeUint64(b.SimulationBlock),
	}
	if b.SimulationTimestamp != 0 {
		params["timestamp"] = b.SimulationTimestamp
	}

	var res struct {
		BundleHash common.Hash `json:"bundleHash"`
		Results    []TxResult  `json:"results"`
	}
	if err := c.call(ctx, "eth_callBundle", params, &res); err != nil {
		return nil, err
	}
	if len(res.Results) != b.Len() {
		return nil, fmt.Errorf("relay: eth_callBundle returned %d results for %d txs", len(res.Results), b.Len())
	}
	return res.Results, nil
}

// SendBundle submits b for its target block and returns the bundle hash.
func (c *FlashbotsClient) SendBundle(ctx context.Context, b *Bundle) (common.Hash, error) {
	params := map[string]any{
		"txs":             encodeTxs(b),
		"blockNumber":     hexutil.EncodeUint64(b.TargetBlock),
		"replacementUuid": b.ReplacementUUID,
	}
	var res struct {
		BundleHash common.Hash `json:"bundleHash"`
	}
	if err := c.call(ctx, "eth_sendBundle", params, &res); err != nil {
		return common.Hash{}, err
	}
	log.Info().
		Str("bundle_hash", res.BundleHash.Hex()).
		Uint64("target_block", b.TargetBlock).
		Int("tx_count", b.Len()).
		Msg("relay: bundle submitted")
	return res.BundleHash, nil
}

// CancelBundle withdraws every bundle sent under replacementUUID.
func (c *FlashbotsClient) CancelBundle(ctx context.Context, replacementUUID string) error {
	return c.call(ctx, "eth_cancelBundle", map[string]any{"replacementUuid": replacementUUID}, nil)
}

// Signer returns the reputation address.
func (c *FlashbotsClient) Signer() common.Address { return c.signer }

// RelayStats counts relay round trips.
type RelayStats struct {
	Requests int64
	Failures int64
}

// Stats returns the request counters.
func (c *FlashbotsClient) Stats() RelayStats {
	return RelayStats{Requests: c.requests.Load(), Failures: c.failures.Load()}
}
