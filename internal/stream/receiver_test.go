package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantfeed/l2capture/internal/model"
)

// mockFeedServer is a WebSocket endpoint whose per-connection behavior is
// supplied by the test.
type mockFeedServer struct {
	server *httptest.Server
	dials  atomic.Int32
}

func newMockFeedServer(t *testing.T, handler func(conn *websocket.Conn)) *mockFeedServer {
	t.Helper()
	m := &mockFeedServer{}
	upgrader := websocket.Upgrader{}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		m.dials.Add(1)
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockFeedServer) url() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Exchange = "lighter"
	cfg.Envelope = EnvelopePlain
	cfg.Markets = []Market{{ID: 0, Symbol: "ETH-USD"}}
	cfg.Feeds = []FeedKind{FeedOrderBook}
	cfg.ReconnectInterval = 20 * time.Millisecond
	cfg.HandshakeTimeout = time.Second
	return cfg
}

func TestReceiverSnapshotDelivery(t *testing.T) {
	srv := newMockFeedServer(t, func(conn *websocket.Conn) {
		var sub plainSubscribe
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if sub.Type != "subscribe" || sub.Channel != "order_book/0" {
			t.Errorf("got subscribe %q %q, want subscribe order_book/0", sub.Type, sub.Channel)
		}

		snapshot := `{"type":"subscribed/order_book","channel":"order_book:0","order_book":{` +
			`"bids":[{"price":"1999.5","size":"2"}],"asks":[{"price":"2000.1","size":"1.5"}]}}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(snapshot)); err != nil {
			return
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	snapshots := make(chan model.L2Snapshot, 1)
	updates := make(chan model.L2Update, 8)
	r := New(testConfig(srv.url()), Handlers{
		OnSnapshot: func(s model.L2Snapshot) { snapshots <- s },
		OnUpdate:   func(u model.L2Update) { updates <- u },
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	defer r.Stop()

	select {
	case snap := <-snapshots:
		if snap.Symbol != "ETH-USD" {
			t.Errorf("got symbol %q, want ETH-USD", snap.Symbol)
		}
		if len(snap.Bids) != 1 || snap.Bids[0].Price != "1999.5" {
			t.Errorf("got bids %v, want one level at 1999.5", snap.Bids)
		}
		if snap.Timestamp <= 0 {
			t.Errorf("got timestamp %d, want local fallback > 0", snap.Timestamp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}

	// Snapshot rows follow through the update stream, flagged as such.
	select {
	case u := <-updates:
		if !u.IsSnapshot {
			t.Errorf("got IsSnapshot=false, want true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot rows")
	}

	if got := r.State(); got != StateStreaming {
		t.Errorf("got state %v, want %v", got, StateStreaming)
	}
}

func TestReceiverHeartbeatForcesReconnect(t *testing.T) {
	srv := newMockFeedServer(t, func(conn *websocket.Conn) {
		// Accept the subscribe, then go silent. The receiver must notice and
		// recycle the connection.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	cfg := testConfig(srv.url())
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 60 * time.Millisecond

	errs := make(chan error, 16)
	r := New(cfg, Handlers{OnError: func(err error) { errs <- err }}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	defer r.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for srv.dials.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("got %d dials, want at least 2", srv.dials.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReceiverStopIsIdempotent(t *testing.T) {
	r := New(testConfig("ws://localhost:1"), Handlers{}, nil)
	r.Stop()
	r.Stop()
	if got := r.State(); got != StateIdle {
		t.Errorf("got state %v, want %v", got, StateIdle)
	}
}

func TestRunTwiceFails(t *testing.T) {
	srv := newMockFeedServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	r := New(testConfig(srv.url()), Handlers{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	defer r.Stop()

	deadline := time.Now().Add(time.Second)
	for srv.dials.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := r.Run(ctx); err != ErrAlreadyRunning {
		t.Errorf("got %v, want ErrAlreadyRunning", err)
	}
}

func TestRPCSubscribeSendsAuthAndChannels(t *testing.T) {
	inbound := make(chan rpcRequest, 8)
	srv := newMockFeedServer(t, func(conn *websocket.Conn) {
		for {
			var req rpcRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			inbound <- req
		}
	})

	cfg := testConfig(srv.url())
	cfg.Exchange = "paradex"
	cfg.Envelope = EnvelopeJSONRPC
	cfg.BearerToken = "jwt-token"
	cfg.Markets = []Market{{ID: 1, Symbol: "BTC-USD-PERP"}}
	cfg.Feeds = []FeedKind{FeedOrderBook, FeedTrades}

	r := New(cfg, Handlers{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	defer r.Stop()

	want := []struct {
		method  string
		channel string
	}{
		{"auth", ""},
		{"subscribe", "order_book.BTC-USD-PERP.snapshot@15@50ms@0_01"},
		{"subscribe", "trades.BTC-USD-PERP"},
	}
	for _, w := range want {
		select {
		case req := <-inbound:
			if req.Method != w.method {
				t.Errorf("got method %q, want %q", req.Method, w.method)
			}
			if w.channel != "" {
				params, ok := req.Params.(map[string]interface{})
				if !ok {
					t.Fatalf("got params %T, want object", req.Params)
				}
				if got := params["channel"]; got != w.channel {
					t.Errorf("got channel %v, want %q", got, w.channel)
				}
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s request", w.method)
		}
	}
}

func TestHandlePlainTrade(t *testing.T) {
	var trades []model.Trade
	cfg := testConfig("ws://unused")
	r := New(cfg, Handlers{OnTrade: func(tr model.Trade) { trades = append(trades, tr) }}, nil)

	frame := `{"type":"update/trade","channel":"trade:0","trades":[` +
		`{"trade_id":42,"price":"2000.5","size":"0.25","is_maker_ask":true,"timestamp":1719000000123}]}`
	if err := r.dispatch([]byte(frame)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if len(trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(trades))
	}
	tr := trades[0]
	if tr.Side != model.TradeBuy {
		t.Errorf("got side %q, want buy for maker-ask trade", tr.Side)
	}
	if tr.TradeID != "42" {
		t.Errorf("got trade id %q, want 42", tr.TradeID)
	}
	// Millisecond input must come out in microseconds.
	if tr.Timestamp != 1719000000123000 {
		t.Errorf("got timestamp %d, want 1719000000123000", tr.Timestamp)
	}
	if tr.Symbol != "ETH-USD" {
		t.Errorf("got symbol %q, want ETH-USD", tr.Symbol)
	}
}

func TestHandlePlainIgnoresUnknownTypes(t *testing.T) {
	r := New(testConfig("ws://unused"), Handlers{}, nil)
	if err := r.dispatch([]byte(`{"type":"connected"}`)); err != nil {
		t.Errorf("dispatch: %v", err)
	}
}

func TestHandlePlainMalformed(t *testing.T) {
	r := New(testConfig("ws://unused"), Handlers{}, nil)
	if err := r.dispatch([]byte(`{nope`)); err == nil {
		t.Error("got nil error for malformed frame")
	}
}

func TestDispatchRecoversHandlerPanic(t *testing.T) {
	r := New(testConfig("ws://unused"), Handlers{
		OnSnapshot: func(model.L2Snapshot) { panic("boom") },
	}, nil)

	frame := `{"type":"subscribed/order_book","channel":"order_book:0","order_book":{` +
		`"bids":[],"asks":[{"price":"1","size":"1"}]}}`
	err := r.dispatch([]byte(frame))
	if err == nil || !strings.Contains(err.Error(), "handler panic") {
		t.Errorf("got %v, want handler panic error", err)
	}
}

func TestHandleRPCBookSnapshot(t *testing.T) {
	cfg := testConfig("ws://unused")
	cfg.Exchange = "paradex"
	cfg.Envelope = EnvelopeJSONRPC

	var snaps []model.L2Snapshot
	var updates []model.L2Update
	r := New(cfg, Handlers{
		OnSnapshot: func(s model.L2Snapshot) { snaps = append(snaps, s) },
		OnUpdate:   func(u model.L2Update) { updates = append(updates, u) },
	}, nil)

	frame := `{"jsonrpc":"2.0","method":"subscription","params":{` +
		`"channel":"order_book.BTC-USD-PERP.snapshot@15@50ms@0_01","data":{` +
		`"market":"BTC-USD-PERP","seq_no":7,"last_updated_at":1719000000500,"update_type":"s",` +
		`"inserts":[` +
		`{"side":"SELL","price":"64001","size":"1"},` +
		`{"side":"BUY","price":"63999","size":"2"},` +
		`{"side":"BUY","price":"63990","size":"3"}],` +
		`"updates":[],"deletes":[]}}}`
	if err := r.dispatch([]byte(frame)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if len(snaps) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(snaps))
	}
	snap := snaps[0]
	if snap.Timestamp != 1719000000500000 {
		t.Errorf("got timestamp %d, want microseconds", snap.Timestamp)
	}
	if len(snap.Bids) != 2 || snap.Bids[0].Price != "63999" {
		t.Errorf("got bids %v, want best bid 63999 first", snap.Bids)
	}
	if len(snap.Asks) != 1 || snap.Asks[0].Price != "64001" {
		t.Errorf("got asks %v, want 64001", snap.Asks)
	}
	// Cold start: every level arrives as a snapshot row.
	if len(updates) != 3 {
		t.Errorf("got %d updates, want 3", len(updates))
	}
	for _, u := range updates {
		if !u.IsSnapshot {
			t.Errorf("got IsSnapshot=false on cold start row %v", u)
		}
	}
}

func TestHandleRPCTrade(t *testing.T) {
	cfg := testConfig("ws://unused")
	cfg.Envelope = EnvelopeJSONRPC

	var trades []model.Trade
	r := New(cfg, Handlers{OnTrade: func(tr model.Trade) { trades = append(trades, tr) }}, nil)

	frame := `{"jsonrpc":"2.0","method":"subscription","params":{` +
		`"channel":"trades.BTC-USD-PERP","data":{` +
		`"id":"t-1","market":"BTC-USD-PERP","side":"SELL","size":"0.5","price":"64000",` +
		`"created_at":1719000000250}}}`
	if err := r.dispatch([]byte(frame)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if len(trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(trades))
	}
	if trades[0].Side != model.TradeSell {
		t.Errorf("got side %q, want sell", trades[0].Side)
	}
	if trades[0].Timestamp != 1719000000250000 {
		t.Errorf("got timestamp %d, want microseconds", trades[0].Timestamp)
	}
}

func TestHandleRPCPingAnswersWithSameID(t *testing.T) {
	pongs := make(chan rpcRequest, 1)
	srv := newMockFeedServer(t, func(conn *websocket.Conn) {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"ping","id":99}`)); err != nil {
			return
		}
		for {
			var req rpcRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.Method == "pong" {
				pongs <- req
			}
		}
	})

	cfg := testConfig(srv.url())
	cfg.Envelope = EnvelopeJSONRPC
	cfg.Feeds = nil

	r := New(cfg, Handlers{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	defer r.Stop()

	select {
	case req := <-pongs:
		if req.ID != 99 {
			t.Errorf("got pong id %v, want 99", req.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pong")
	}
}

func TestHandleRPCServerError(t *testing.T) {
	cfg := testConfig("ws://unused")
	cfg.Envelope = EnvelopeJSONRPC
	r := New(cfg, Handlers{}, nil)

	err := r.dispatch([]byte(`{"jsonrpc":"2.0","error":{"code":-32600,"message":"bad request"},"id":1}`))
	if err == nil || !strings.Contains(err.Error(), "bad request") {
		t.Errorf("got %v, want server error", err)
	}
}

func TestPlainChannelID(t *testing.T) {
	tests := []struct {
		channel string
		want    int
	}{
		{"order_book:3", 3},
		{"order_book/7", 7},
		{"trade:12", 12},
		{"order_book", 0},
		{"order_book:x", 0},
	}
	for _, tt := range tests {
		if got := plainChannelID(tt.channel); got != tt.want {
			t.Errorf("plainChannelID(%q) = %d, want %d", tt.channel, got, tt.want)
		}
	}
}

func TestRPCBookLevelsOrdering(t *testing.T) {
	inserts := []rpcLevel{
		{Side: "BUY", Price: "10", Size: "1"},
		{Side: "SELL", Price: "12", Size: "1"},
		{Side: "BUY", Price: "11", Size: "1"},
		{Side: "SELL", Price: "13", Size: "1"},
		{Side: "BUY", Price: "9", Size: "1"},
	}
	bids, asks := rpcBookLevels(inserts, 2)

	if len(bids) != 2 || bids[0].Price != "11" || bids[1].Price != "10" {
		t.Errorf("got bids %v, want [11 10]", bids)
	}
	if len(asks) != 2 || asks[0].Price != "12" || asks[1].Price != "13" {
		t.Errorf("got asks %v, want [12 13]", asks)
	}
}

func TestRPCBookLevelsSkipsBadPrices(t *testing.T) {
	bids, asks := rpcBookLevels([]rpcLevel{
		{Side: "BUY", Price: "not-a-number", Size: "1"},
		{Side: "SELL", Price: "5", Size: "1"},
	}, 0)
	if len(bids) != 0 {
		t.Errorf("got %d bids, want 0", len(bids))
	}
	if len(asks) != 1 {
		t.Errorf("got %d asks, want 1", len(asks))
	}
}

func TestStateString(t *testing.T) {
	if got := StateStreaming.String(); got != "streaming" {
		t.Errorf("got %q, want streaming", got)
	}
	if got := State(99).String(); got != "unknown" {
		t.Errorf("got %q, want unknown", got)
	}
}
