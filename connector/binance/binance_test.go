package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marketstream/connector"
	"marketstream/models"
)

func newTestConnector() *Connector {
	return New(connector.Options{}, func(models.Envelope) {})
}

func TestParseCombinedTickerFrame(t *testing.T) {
	c := newTestConnector()
	raw := []byte(`{"stream":"btcusdt@ticker","data":{"e":"24hrTicker","s":"BTCUSDT","c":"65000.12","P":"2.5","h":"66000.00","l":"64000.00","v":"1234.5"}}`)

	envs := c.parseFrame(raw)
	if len(envs) != 1 {
		t.Fatalf("parseFrame returned %d envelopes, want 1", len(envs))
	}
	env := envs[0]
	if env.Exchange != Exchange {
		t.Errorf("exchange = %q, want %q", env.Exchange, Exchange)
	}
	if env.Symbol != "BTC" {
		t.Errorf("symbol = %q, want BTC", env.Symbol)
	}
	if env.Kind != models.KindTicker {
		t.Errorf("kind = %q, want %q", env.Kind, models.KindTicker)
	}
	ticker, ok := env.Payload.(models.TickerPayload)
	if !ok {
		t.Fatalf("payload is %T, want TickerPayload", env.Payload)
	}
	if ticker.Price != 65000.12 {
		t.Errorf("price = %v, want 65000.12", ticker.Price)
	}
	if ticker.ChangePercent != 2.5 {
		t.Errorf("change = %v, want 2.5", ticker.ChangePercent)
	}
	if ticker.Volume24h != 1234.5 {
		t.Errorf("volume = %v, want 1234.5", ticker.Volume24h)
	}
}

func TestParseBareEventFrame(t *testing.T) {
	c := newTestConnector()
	raw := []byte(`{"e":"trade","s":"ETHUSDT","p":"3500.5","q":"0.25","T":1700000000000,"m":true}`)

	envs := c.parseFrame(raw)
	if len(envs) != 1 {
		t.Fatalf("parseFrame returned %d envelopes, want 1", len(envs))
	}
	env := envs[0]
	if env.Symbol != "ETH" {
		t.Errorf("symbol = %q, want ETH", env.Symbol)
	}
	trade, ok := env.Payload.(models.TradePayload)
	if !ok {
		t.Fatalf("payload is %T, want TradePayload", env.Payload)
	}
	if trade.Side != models.SideSell {
		t.Errorf("buyer-maker trade mapped to side %q, want sell", trade.Side)
	}
	if want := time.UnixMilli(1700000000000).UTC(); !trade.TradeTime.Equal(want) {
		t.Errorf("trade time = %s, want %s", trade.TradeTime, want)
	}
}

func TestParseDepthFrame(t *testing.T) {
	c := newTestConnector()
	raw := []byte(`{"e":"depthUpdate","s":"BTCUSDT","b":[["65000.1","0.5"],["64999.9","1.2","extra"]],"a":[["65000.2","0.7"]]}`)

	envs := c.parseFrame(raw)
	if len(envs) != 1 {
		t.Fatalf("parseFrame returned %d envelopes, want 1", len(envs))
	}
	depth, ok := envs[0].Payload.(models.DepthPayload)
	if !ok {
		t.Fatalf("payload is %T, want DepthPayload", envs[0].Payload)
	}
	if len(depth.Bids) != 2 || len(depth.Asks) != 1 {
		t.Fatalf("got %d bids / %d asks, want 2 / 1", len(depth.Bids), len(depth.Asks))
	}
	if depth.Bids[0].Price != 65000.1 || depth.Bids[0].Quantity != 0.5 {
		t.Errorf("top bid = %+v", depth.Bids[0])
	}
}

func TestParseKlineFrame(t *testing.T) {
	c := newTestConnector()
	raw := []byte(`{"e":"kline","s":"BTCUSDT","k":{"i":"1m","o":"64000","c":"65000","h":"65500","l":"63900","v":"100.5","x":true}}`)

	envs := c.parseFrame(raw)
	if len(envs) != 1 {
		t.Fatalf("parseFrame returned %d envelopes, want 1", len(envs))
	}
	kline, ok := envs[0].Payload.(models.KlinePayload)
	if !ok {
		t.Fatalf("payload is %T, want KlinePayload", envs[0].Payload)
	}
	if kline.Interval != "1m" || !kline.Closed {
		t.Errorf("kline = %+v", kline)
	}
	if kline.Open != 64000 || kline.Close != 65000 {
		t.Errorf("kline open/close = %v/%v", kline.Open, kline.Close)
	}
}

// A malformed frame is dropped and the very next frame still parses.
func TestMalformedFrameIsolated(t *testing.T) {
	c := newTestConnector()

	bad := [][]byte{
		[]byte(`not json at all`),
		[]byte(`{"e":"24hrTicker","s":"BTCUSDT","c":"not-a-number","P":"1","h":"1","l":"1","v":"1"}`),
		[]byte(`{"e":"depthUpdate","s":"BTCUSDT","b":[["65000.1"]],"a":[]}`),
	}
	for _, raw := range bad {
		if envs := c.parseFrame(raw); envs != nil {
			t.Fatalf("malformed frame %s produced %v", raw, envs)
		}
	}

	good := []byte(`{"e":"24hrTicker","s":"BTCUSDT","c":"65000.12","P":"2.5","h":"66000","l":"64000","v":"1234.5"}`)
	if envs := c.parseFrame(good); len(envs) != 1 {
		t.Fatalf("frame after malformed input produced %d envelopes, want 1", len(envs))
	}
}

// Subscribe acks and unknown event types are silently consumed.
func TestControlFramesIgnored(t *testing.T) {
	c := newTestConnector()

	for _, raw := range [][]byte{
		[]byte(`{"result":null,"id":1}`),
		[]byte(`{"e":"someFutureEvent","s":"BTCUSDT"}`),
	} {
		if envs := c.parseFrame(raw); envs != nil {
			t.Fatalf("frame %s produced %v", raw, envs)
		}
	}
}

func TestTopicsFor(t *testing.T) {
	topics := topicsFor("BTC", []models.StreamKind{models.KindTicker, models.KindDepth, models.KindKline})
	want := []string{"btcusdt@ticker", "btcusdt@depth@100ms", "btcusdt@kline_1m"}
	if len(topics) != len(want) {
		t.Fatalf("topics = %v, want %v", topics, want)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Fatalf("topics = %v, want %v", topics, want)
		}
	}
}

// Subscribing while disconnected only records the request; the table
// replays it on the next connect.
func TestSubscribeWhileDisconnected(t *testing.T) {
	c := newTestConnector()

	if err := c.Subscribe("BTC", []models.StreamKind{models.KindTicker}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	snap := c.table.Snapshot()
	if kinds := snap["BTC"]; len(kinds) != 1 || kinds[0] != models.KindTicker {
		t.Fatalf("table snapshot = %v", snap)
	}

	if err := c.Unsubscribe("BTC", []models.StreamKind{models.KindTicker}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if snap := c.table.Snapshot(); len(snap) != 0 {
		t.Fatalf("table snapshot after unsubscribe = %v", snap)
	}
}

// The connector reopens a dropped connection after backoff and replays the
// full subscription table on the new socket.
func TestResubscribeOnReconnect(t *testing.T) {
	var mu sync.Mutex
	var requests []request
	connects := 0
	resubscribed := make(chan struct{})

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()

		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var req request
		if err := json.Unmarshal(raw, &req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}

		mu.Lock()
		requests = append(requests, req)
		connects++
		n := connects
		mu.Unlock()

		if n == 1 {
			// Drop the first connection right after the subscribe.
			return
		}
		close(resubscribed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	opts := connector.Options{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
	}
	c := New(opts, func(models.Envelope) {})
	if err := c.Subscribe("BTC", []models.StreamKind{models.KindTicker, models.KindTrade}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case <-resubscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for resubscribe after reconnect")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(requests) < 2 {
		t.Fatalf("recorded %d requests, want 2", len(requests))
	}
	want := []string{"btcusdt@ticker", "btcusdt@trade"}
	for i, req := range requests[:2] {
		if req.Method != "SUBSCRIBE" {
			t.Errorf("request %d method = %q", i, req.Method)
		}
		if len(req.Params) != len(want) {
			t.Fatalf("request %d params = %v, want %v", i, req.Params, want)
		}
		for j := range want {
			if req.Params[j] != want[j] {
				t.Fatalf("request %d params = %v, want %v", i, req.Params, want)
			}
		}
	}
}
