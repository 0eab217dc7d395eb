package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/triarb/internal/bus"
	"github.com/nexus-trading/triarb/internal/contract"
)

// ---------------------------------------------------------------------------
// Upstream feed: eth_subscribe newHeads / newPendingTransactions / logs over
// one websocket, republished as Events on a bus topic.
// ---------------------------------------------------------------------------

// FeedConfig configures the websocket feed.
type FeedConfig struct {
	WSURL            string `yaml:"ws_url"`
	SubscribePending bool   `yaml:"subscribe_pending"`
	ReconnectDelayMs int    `yaml:"reconnect_delay_ms"`
	PingIntervalS    int    `yaml:"ping_interval_s"`
}

// DefaultFeedConfig returns defaults for a local node.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		WSURL:            "ws://127.0.0.1:8546",
		ReconnectDelayMs: 1000,
		PingIntervalS:    30,
	}
}

const maxReconnectDelay = 30 * time.Second

// Feed is the single producer of chain Events.
type Feed struct {
	config FeedConfig
	topic  *bus.Topic[Event]

	mu   sync.Mutex // guards conn and writes to it
	conn *websocket.Conn

	// Owned by the read goroutine.
	requests map[int64]EventKind
	subs     map[string]EventKind
	nextID   int64

	blocks     atomic.Int64
	pendingTxs atomic.Int64
	logs       atomic.Int64
	reconnects atomic.Int64
	connected  atomic.Bool
}

// FeedStats is a point-in-time view of the feed counters.
type FeedStats struct {
	Blocks     int64
	PendingTxs int64
	Logs       int64
	Reconnects int64
	Connected  bool
}

// NewFeed creates a feed publishing into topic.
func NewFeed(config FeedConfig, topic *bus.Topic[Event]) *Feed {
	return &Feed{config: config, topic: topic}
}

// Run connects, subscribes and publishes events until ctx is cancelled,
// reconnecting with exponential backoff after any failure.
func (f *Feed) Run(ctx context.Context) error {
	base := time.Duration(f.config.ReconnectDelayMs) * time.Millisecond
	if base <= 0 {
		base = time.Second
	}
	delay := base

	for {
		if ctx.Err() != nil {
			return nil
		}

		connected, err := f.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = base
		}
		f.reconnects.Add(1)
		log.Warn().Err(err).Dur("retry_in", delay).Msg("feed: disconnected")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// session runs one connection from dial to first read error. connected
// reports whether the dial succeeded.
func (f *Feed) session(ctx context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.config.WSURL, nil)
	if err != nil {
		return false, fmt.Errorf("feed: dial: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	f.connected.Store(true)
	f.requests = make(map[int64]EventKind)
	f.subs = make(map[string]EventKind)
	log.Info().Str("endpoint", f.config.WSURL).Msg("feed: connected")

	done := make(chan struct{})
	defer func() {
		close(done)
		f.disconnect()
	}()
	go f.keepalive(ctx, done)

	if err := f.subscribe(EventBlock, "newHeads"); err != nil {
		return true, err
	}
	if f.config.SubscribePending {
		if err := f.subscribe(EventPendingTx, "newPendingTransactions"); err != nil {
			return true, err
		}
	}
	filter := map[string]any{"topics": []common.Hash{contract.SyncTopic}}
	if err := f.subscribe(EventLog, "logs", filter); err != nil {
		return true, err
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("feed: read: %w", err)
		}
		f.handleMessage(msg)
	}
}

// keepalive pings the peer and closes the connection when ctx ends so the
// blocked reader returns.
func (f *Feed) keepalive(ctx context.Context, done <-chan struct{}) {
	interval := time.Duration(f.config.PingIntervalS) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			f.disconnect()
			return
		case <-ticker.C:
			f.mu.Lock()
			var err error
			if f.conn != nil {
				err = f.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
			f.mu.Unlock()
			if err != nil {
				log.Debug().Err(err).Msg("feed: ping failed")
				f.disconnect()
				return
			}
		}
	}
}

func (f *Feed) disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.connected.Store(false)
}

func (f *Feed) subscribe(kind EventKind, params ...any) error {
	f.nextID++
	id := f.nextID
	f.requests[id] = kind

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "eth_subscribe",
		"params":  params,
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed: not connected")
	}
	if err := f.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("feed: write subscribe %s: %w", kind, err)
	}
	return nil
}

type rpcMessage struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Method string `json:"method"`
	Params struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

type rpcHead struct {
	Number    hexutil.Uint64 `json:"number"`
	Hash      common.Hash    `json:"hash"`
	BaseFee   *hexutil.Big   `json:"baseFeePerGas"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
	GasUsed   hexutil.Uint64 `json:"gasUsed"`
	GasLimit  hexutil.Uint64 `json:"gasLimit"`
}

func (f *Feed) handleMessage(data []byte) {
	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debug().Err(err).Msg("feed: unparsable message")
		return
	}

	if msg.ID != nil {
		kind := f.requests[*msg.ID]
		delete(f.requests, *msg.ID)
		if msg.Error != nil {
			log.Error().Int("code", msg.Error.Code).Str("kind", kind.String()).Str("error", msg.Error.Message).Msg("feed: subscribe rejected")
			return
		}
		var subID string
		if err := json.Unmarshal(msg.Result, &subID); err != nil {
			log.Warn().Err(err).Msg("feed: bad subscription id")
			return
		}
		f.subs[subID] = kind
		log.Info().Str("kind", kind.String()).Str("sub_id", subID).Msg("feed: subscribed")
		return
	}

	if msg.Method != "eth_subscription" {
		return
	}
	kind, ok := f.subs[msg.Params.Subscription]
	if !ok {
		return
	}

	ev := Event{Kind: kind}
	switch kind {
	case EventBlock:
		var h rpcHead
		if err := json.Unmarshal(msg.Params.Result, &h); err != nil {
			log.Warn().Err(err).Msg("feed: bad head")
			return
		}
		ev.Block = Block{
			Number:    uint64(h.Number),
			Hash:      h.Hash,
			BaseFee:   h.BaseFee.ToInt(),
			Timestamp: uint64(h.Timestamp),
			GasUsed:   uint64(h.GasUsed),
			GasLimit:  uint64(h.GasLimit),
		}
		f.blocks.Add(1)
	case EventPendingTx:
		if err := json.Unmarshal(msg.Params.Result, &ev.TxHash); err != nil {
			return
		}
		f.pendingTxs.Add(1)
	case EventLog:
		if err := json.Unmarshal(msg.Params.Result, &ev.Log); err != nil {
			log.Warn().Err(err).Msg("feed: bad log")
			return
		}
		f.logs.Add(1)
	}
	f.topic.Publish(ev)
}

// Stats returns the feed counters.
func (f *Feed) Stats() FeedStats {
	return FeedStats{
		Blocks:     f.blocks.Load(),
		PendingTxs: f.pendingTxs.Load(),
		Logs:       f.logs.Load(),
		Reconnects: f.reconnects.Load(),
		Connected:  f.connected.Load(),
	}
}
