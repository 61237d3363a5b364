package stream

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/quantfeed/l2capture/internal/model"
)

// Errors
var (
	ErrAlreadyRunning  = errors.New("receiver already running")
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (heartbeat timeout)")
)

// Envelope selects the wire framing the feed speaks.
type Envelope string

const (
	// EnvelopePlain is the bare {"type": ..., "channel": ...} framing used
	// by feeds that key channels on numeric market ids.
	EnvelopePlain Envelope = "plain"

	// EnvelopeJSONRPC is the {"jsonrpc","method","params"} framing used by
	// feeds that key channels on symbols and require an auth message.
	EnvelopeJSONRPC Envelope = "jsonrpc"
)

// FeedKind identifies a per-market channel family.
type FeedKind string

const (
	FeedOrderBook FeedKind = "order_book"
	FeedTrades    FeedKind = "trade"
)

// Market pairs a feed's numeric market id with its symbol. Plain feeds
// subscribe by id; JSON-RPC feeds subscribe by symbol.
type Market struct {
	ID     int
	Symbol string
}

// State is the receiver's connection lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateSubscribing
	StateStreaming
	StateClosing
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Handlers are the caller-supplied event callbacks. Any handler may be nil.
// Handlers execute on the receiver's read loop; blocking a handler stalls
// message consumption and heartbeat detection for that connection.
type Handlers struct {
	OnSnapshot func(model.L2Snapshot)
	OnUpdate   func(model.L2Update)
	OnTrade    func(model.Trade)
	OnError    func(error)
}

// Config configures a Receiver.
type Config struct {
	URL      string
	Exchange string
	Envelope Envelope
	Markets  []Market
	Feeds    []FeedKind

	// BearerToken is sent once per connection before subscribing, for feeds
	// that require authentication. Obtaining and refreshing the token is the
	// caller's concern.
	BearerToken string

	// JSON-RPC book channel parameters (levels@frequency@min_delta).
	SnapshotLevels    int
	SnapshotFrequency string
	SnapshotMinDelta  string

	ReconnectInterval time.Duration // fixed wait between reconnect attempts
	HeartbeatTimeout  time.Duration // max silence before force-closing
	HeartbeatInterval time.Duration // how often silence is checked
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Envelope:          EnvelopePlain,
		Feeds:             []FeedKind{FeedOrderBook},
		SnapshotLevels:    15,
		SnapshotFrequency: "50ms",
		SnapshotMinDelta:  "0_01",
		ReconnectInterval: 5 * time.Second,
		HeartbeatTimeout:  180 * time.Second,
		HeartbeatInterval: 60 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Envelope == "" {
		c.Envelope = def.Envelope
	}
	if len(c.Feeds) == 0 {
		c.Feeds = def.Feeds
	}
	if c.SnapshotLevels == 0 {
		c.SnapshotLevels = def.SnapshotLevels
	}
	if c.SnapshotFrequency == "" {
		c.SnapshotFrequency = def.SnapshotFrequency
	}
	if c.SnapshotMinDelta == "" {
		c.SnapshotMinDelta = def.SnapshotMinDelta
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = def.ReconnectInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	return c
}

// -----------------------------------------------------------------------------
// Plain envelope wire types
// -----------------------------------------------------------------------------

type plainMessage struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	Timestamp int64           `json:"timestamp"`
	OrderBook *plainOrderBook `json:"order_book"`
	Trades    []plainTrade    `json:"trades"`
}

type plainOrderBook struct {
	Offset int64        `json:"offset"`
	Bids   []plainLevel `json:"bids"`
	Asks   []plainLevel `json:"asks"`
}

type plainLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type plainTrade struct {
	TradeID    int64  `json:"trade_id"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	IsMakerAsk bool   `json:"is_maker_ask"`
	Timestamp  int64  `json:"timestamp"`
}

type plainSubscribe struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

// -----------------------------------------------------------------------------
// JSON-RPC envelope wire types
// -----------------------------------------------------------------------------

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      int64       `json:"id"`
}

type rpcMessage struct {
	Method string          `json:"method"`
	ID     *int64          `json:"id"`
	Params *rpcParams      `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcParams struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcBookData struct {
	Market        string     `json:"market"`
	SeqNo         int64      `json:"seq_no"`
	LastUpdatedAt int64      `json:"last_updated_at"` // milliseconds
	Inserts       []rpcLevel `json:"inserts"`
	Updates       []rpcLevel `json:"updates"`
	Deletes       []rpcLevel `json:"deletes"`
}

type rpcLevel struct {
	Side  string `json:"side"` // BUY or SELL
	Price string `json:"price"`
	Size  string `json:"size"`
}

type rpcTradeData struct {
	ID        string `json:"id"`
	Market    string `json:"market"`
	Side      string `json:"side"`
	Size      string `json:"size"`
	Price     string `json:"price"`
	CreatedAt int64  `json:"created_at"` // milliseconds
}
