package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/quantfeed/l2capture/internal/book"
	"github.com/quantfeed/l2capture/internal/convert"
	"github.com/quantfeed/l2capture/internal/model"
)

// Receiver keeps one logical feed subscription alive and pushes normalized
// events to its handlers.
type Receiver struct {
	cfg      Config
	handlers Handlers
	conv     *convert.Converter
	logger   *slog.Logger

	running     atomic.Bool
	state       atomic.Int32
	lastMessage atomic.Int64 // unix µs of the last inbound frame, any kind

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	rpcID atomic.Int64
}

// New creates a receiver. Handlers may be partially populated; nil callbacks
// are skipped.
func New(cfg Config, handlers Handlers, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	symbols := make(map[int]string, len(cfg.Markets))
	for _, m := range cfg.Markets {
		symbols[m.ID] = m.Symbol
	}

	return &Receiver{
		cfg:      cfg,
		handlers: handlers,
		conv:     convert.New(cfg.Exchange, symbols),
		logger:   logger.With("exchange", cfg.Exchange),
	}
}

// State returns the current lifecycle state.
func (r *Receiver) State() State {
	return State(r.state.Load())
}

// LastMessageAt returns when the last inbound frame arrived.
func (r *Receiver) LastMessageAt() time.Time {
	return time.UnixMicro(r.lastMessage.Load())
}

// Book exposes the converter's live book for a market, for best-of-book
// queries by external collaborators. May be nil before the first snapshot.
func (r *Receiver) Book(symbol string) *book.Book {
	return r.conv.Book(symbol)
}

// Run drives the connection loop until Stop is called or ctx is cancelled.
// It never returns a feed error; all failures are surfaced through the
// error handler and answered with a reconnect after the configured interval.
func (r *Receiver) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.setState(StateIdle)

	for r.running.Load() && ctx.Err() == nil {
		err := r.runConnection(ctx)
		if err != nil && r.running.Load() && ctx.Err() == nil {
			r.setState(StateFaulted)
			r.reportError(err)
		}
		if !r.running.Load() || ctx.Err() != nil {
			break
		}

		r.logger.Warn("disconnected, retrying", "wait", r.cfg.ReconnectInterval)
		select {
		case <-ctx.Done():
		case <-time.After(r.cfg.ReconnectInterval):
		}
	}

	r.running.Store(false)
	return nil
}

// Stop cooperatively shuts the receiver down: the running flag flips, the
// live connection is closed, and the loop exits without reconnecting.
func (r *Receiver) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.setState(StateClosing)

	r.connMu.Lock()
	conn := r.conn
	r.conn = nil
	r.connMu.Unlock()

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		conn.Close()
	}
}

// runConnection dials, subscribes, and reads until the connection dies.
func (r *Receiver) runConnection(ctx context.Context) error {
	r.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: r.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, r.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", r.cfg.URL, err)
	}

	r.connMu.Lock()
	r.conn = conn
	r.connMu.Unlock()
	defer r.forceClose(conn)

	session := uuid.New()
	r.logger.Info("connected", "url", r.cfg.URL, "session", session)
	r.touch()

	// Transport-level ping/pong both count as liveness.
	conn.SetPingHandler(func(data string) error {
		r.touch()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(r.cfg.WriteTimeout))
	})
	conn.SetPongHandler(func(string) error {
		r.touch()
		return nil
	})

	// Fresh baseline: deltas missed while disconnected are unrecoverable.
	r.conv.ResetAll()

	r.setState(StateSubscribing)
	if err := r.subscribeAll(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	// Live as soon as the requests are sent; acks are not gated on, and
	// non-matching messages are simply ignored.
	r.setState(StateStreaming)

	done := make(chan struct{})
	defer close(done)
	go r.heartbeatLoop(conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !r.running.Load() {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		r.touch()

		if err := r.dispatch(data); err != nil {
			// Message-level failure: drop the frame, keep the connection.
			r.reportError(err)
		}
	}
}

// heartbeatLoop force-closes the connection when nothing at all has arrived
// within the heartbeat timeout, so connections that are dead at the
// application layer but still open at the transport layer get recycled.
func (r *Receiver) heartbeatLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			last := r.lastMessage.Load()
			if last == 0 {
				continue
			}
			silence := time.Duration(time.Now().UnixMicro()-last) * time.Microsecond
			if silence > r.cfg.HeartbeatTimeout {
				r.logger.Warn("no message received, force-closing",
					"silence", silence,
					"timeout", r.cfg.HeartbeatTimeout,
				)
				r.forceClose(conn)
				return
			}
		}
	}
}

// forceClose closes conn if it is still the receiver's live connection.
// Safe to call more than once.
func (r *Receiver) forceClose(conn *websocket.Conn) {
	r.connMu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.connMu.Unlock()
	conn.Close()
}

func (r *Receiver) touch() {
	r.lastMessage.Store(time.Now().UnixMicro())
}

func (r *Receiver) setState(s State) {
	r.state.Store(int32(s))
}

func (r *Receiver) reportError(err error) {
	if r.handlers.OnError != nil {
		r.handlers.OnError(err)
		return
	}
	r.logger.Error("feed error", "error", err)
}

// subscribeAll sends the auth message (where required) and one subscribe
// request per configured (market, feed) pair.
func (r *Receiver) subscribeAll() error {
	if r.cfg.Envelope == EnvelopeJSONRPC && r.cfg.BearerToken != "" {
		auth := rpcRequest{
			JSONRPC: "2.0",
			Method:  "auth",
			Params:  map[string]string{"bearer": r.cfg.BearerToken},
			ID:      0,
		}
		if err := r.send(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	for _, feed := range r.cfg.Feeds {
		for _, m := range r.cfg.Markets {
			var req interface{}
			switch r.cfg.Envelope {
			case EnvelopeJSONRPC:
				req = rpcRequest{
					JSONRPC: "2.0",
					Method:  "subscribe",
					Params:  map[string]string{"channel": r.rpcChannel(feed, m)},
					ID:      r.rpcID.Add(1),
				}
			default:
				req = plainSubscribe{
					Type:    "subscribe",
					Channel: fmt.Sprintf("%s/%d", feed, m.ID),
				}
			}
			if err := r.send(req); err != nil {
				return err
			}
			r.logger.Info("subscribed", "feed", feed, "market", m.Symbol)
		}
	}
	return nil
}

func (r *Receiver) rpcChannel(feed FeedKind, m Market) string {
	if feed == FeedTrades {
		return "trades." + m.Symbol
	}
	return fmt.Sprintf("order_book.%s.snapshot@%d@%s@%s",
		m.Symbol, r.cfg.SnapshotLevels, r.cfg.SnapshotFrequency, r.cfg.SnapshotMinDelta)
}

func (r *Receiver) send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	r.connMu.Lock()
	conn := r.conn
	r.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// dispatch decodes one inbound frame and routes it. Handler panics are
// contained here and reported like any other per-message failure.
func (r *Receiver) dispatch(data []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()

	if r.cfg.Envelope == EnvelopeJSONRPC {
		return r.handleRPC(data)
	}
	return r.handlePlain(data)
}

func (r *Receiver) handlePlain(data []byte) error {
	var msg plainMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	switch msg.Type {
	case "subscribed/order_book", "update/order_book":
		if msg.OrderBook == nil {
			return nil
		}
		symbol := r.conv.Symbol(plainChannelID(msg.Channel))
		bids := plainLevels(msg.OrderBook.Bids)
		asks := plainLevels(msg.OrderBook.Asks)

		if msg.Type == "subscribed/order_book" {
			snap, updates := r.conv.Snapshot(symbol, msg.Timestamp, bids, asks)
			r.emitSnapshot(snap)
			r.emitUpdates(updates)
		} else {
			r.emitUpdates(r.conv.Delta(symbol, msg.Timestamp, bids, asks))
		}

	case "subscribed/trade", "update/trade":
		symbol := r.conv.Symbol(plainChannelID(msg.Channel))
		local := r.conv.LocalNow()
		for _, t := range msg.Trades {
			// is_maker_ask means the resting order was an ask, so the taker
			// bought.
			side := model.TradeSell
			if t.IsMakerAsk {
				side = model.TradeBuy
			}
			r.emitTrade(model.Trade{
				Exchange:       r.cfg.Exchange,
				Symbol:         symbol,
				Timestamp:      convert.NormalizeTimestamp(t.Timestamp, local),
				LocalTimestamp: local,
				TradeID:        strconv.FormatInt(t.TradeID, 10),
				Side:           side,
				Price:          t.Price,
				Amount:         t.Size,
			})
		}

	case "ping":
		// Application-level ping must be answered in kind, immediately.
		return r.send(plainSubscribe{Type: "pong"})

	case "pong":
		// Liveness already recorded by touch.

	case "error":
		return fmt.Errorf("server error: %s", data)
	}
	return nil
}

func (r *Receiver) handleRPC(data []byte) error {
	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	switch {
	case msg.Method == "subscription" && msg.Params != nil:
		return r.handleRPCSubscription(msg.Params)

	case msg.Method == "ping":
		var id int64
		if msg.ID != nil {
			id = *msg.ID
		}
		return r.send(rpcRequest{JSONRPC: "2.0", Method: "pong", ID: id})

	case msg.Method == "pong":

	case msg.Error != nil:
		return fmt.Errorf("server error %d: %s", msg.Error.Code, msg.Error.Message)

	case msg.Result != nil:
		r.logger.Debug("request acknowledged", "id", msg.ID)
	}
	return nil
}

func (r *Receiver) handleRPCSubscription(params *rpcParams) error {
	switch {
	case strings.HasPrefix(params.Channel, "order_book."):
		var data rpcBookData
		if err := json.Unmarshal(params.Data, &data); err != nil {
			return fmt.Errorf("decode order_book data: %w", err)
		}
		bids, asks := rpcBookLevels(data.Inserts, r.cfg.SnapshotLevels)
		snap, updates := r.conv.DiffSnapshot(data.Market, data.LastUpdatedAt, bids, asks)
		r.emitSnapshot(snap)
		r.emitUpdates(updates)

	case strings.HasPrefix(params.Channel, "trades."):
		var data rpcTradeData
		if err := json.Unmarshal(params.Data, &data); err != nil {
			return fmt.Errorf("decode trade data: %w", err)
		}
		local := r.conv.LocalNow()
		side := model.TradeSell
		if data.Side == "BUY" {
			side = model.TradeBuy
		}
		r.emitTrade(model.Trade{
			Exchange:       r.cfg.Exchange,
			Symbol:         data.Market,
			Timestamp:      convert.NormalizeTimestamp(data.CreatedAt, local),
			LocalTimestamp: local,
			TradeID:        data.ID,
			Side:           side,
			Price:          data.Price,
			Amount:         data.Size,
		})
	}
	return nil
}

func (r *Receiver) emitSnapshot(snap model.L2Snapshot) {
	if r.handlers.OnSnapshot != nil {
		r.handlers.OnSnapshot(snap)
	}
}

func (r *Receiver) emitUpdates(updates []model.L2Update) {
	if r.handlers.OnUpdate == nil {
		return
	}
	for _, u := range updates {
		r.handlers.OnUpdate(u)
	}
}

func (r *Receiver) emitTrade(t model.Trade) {
	if r.handlers.OnTrade != nil {
		r.handlers.OnTrade(t)
	}
}

// plainChannelID extracts the market id from channels like "order_book:3"
// (inbound) or "order_book/3" (outbound form, accepted for symmetry).
func plainChannelID(channel string) int {
	for _, sep := range []string{":", "/"} {
		if _, rest, ok := strings.Cut(channel, sep); ok {
			if id, err := strconv.Atoi(rest); err == nil {
				return id
			}
		}
	}
	return 0
}

func plainLevels(levels []plainLevel) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(levels))
	for _, l := range levels {
		out = append(out, model.PriceLevel{Price: l.Price, Amount: l.Size})
	}
	return out
}

// rpcBookLevels partitions the snapshot's levels by side and orders them as
// a book: bids descending, asks ascending, truncated to maxLevels.
func rpcBookLevels(inserts []rpcLevel, maxLevels int) (bids, asks []model.PriceLevel) {
	type priced struct {
		level model.PriceLevel
		price decimal.Decimal
	}
	var bidLevels, askLevels []priced

	for _, ins := range inserts {
		price, err := decimal.NewFromString(ins.Price)
		if err != nil {
			continue
		}
		p := priced{level: model.PriceLevel{Price: ins.Price, Amount: ins.Size}, price: price}
		if ins.Side == "BUY" {
			bidLevels = append(bidLevels, p)
		} else {
			askLevels = append(askLevels, p)
		}
	}

	sort.Slice(bidLevels, func(i, j int) bool { return bidLevels[i].price.GreaterThan(bidLevels[j].price) })
	sort.Slice(askLevels, func(i, j int) bool { return askLevels[i].price.LessThan(askLevels[j].price) })

	if maxLevels > 0 && len(bidLevels) > maxLevels {
		bidLevels = bidLevels[:maxLevels]
	}
	if maxLevels > 0 && len(askLevels) > maxLevels {
		askLevels = askLevels[:maxLevels]
	}

	for _, p := range bidLevels {
		bids = append(bids, p.level)
	}
	for _, p := range askLevels {
		asks = append(asks, p.level)
	}
	return bids, asks
}
