package binance

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"marketstream/connector"
	"marketstream/logger"
	"marketstream/models"
	"marketstream/symbols"
)

const (
	Exchange   = "binance"
	DefaultURL = "wss://stream.binance.com:9443/stream"
)

// One combined-stream socket carries every topic; topics are added and
// removed with SUBSCRIBE/UNSUBSCRIBE control messages.
var streamSuffix = map[models.StreamKind]string{
	models.KindTicker: "ticker",
	models.KindTrade:  "trade",
	models.KindDepth:  "depth@100ms",
	models.KindKline:  "kline_1m",
}

// Connector streams ticker, trade, depth and kline data from Binance.
type Connector struct {
	opts  connector.Options
	emit  connector.Emit
	log   *logger.Log
	table *connector.Table

	mu    sync.Mutex
	ctx   context.Context
	conn  *connector.Conn
	reqID int64
}

// New creates a Binance connector. Envelopes are delivered through emit
// from the connector's own read loop.
func New(opts connector.Options, emit connector.Emit) *Connector {
	opts = opts.WithDefaults()
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	return &Connector{
		opts:  opts,
		emit:  emit,
		log:   logger.GetLogger(),
		table: connector.NewTable(),
	}
}

// Factory adapts New to the stream manager's connector factory signature.
func Factory(opts connector.Options, emit connector.Emit) connector.Connector {
	return New(opts, emit)
}

func (c *Connector) Exchange() string { return Exchange }

// Run supervises the connection until ctx is cancelled: dial, replay the
// subscription table, read until the connection drops, back off, repeat.
func (c *Connector) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	log := c.log.WithComponent("binance_connector")
	bo := connector.NewBackoff(c.opts)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := connector.Dial(ctx, c.opts)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := bo.Duration()
			log.WithError(err).WithFields(logger.Fields{"retry_in": delay.String()}).Warn("connect failed")
			if !connector.Wait(ctx, delay) {
				return ctx.Err()
			}
			continue
		}

		bo.Reset()
		c.setConn(conn)
		log.WithFields(logger.Fields{"url": c.opts.URL}).Info("connected")

		c.resubscribe(ctx, conn)

		pingCtx, stopPing := context.WithCancel(ctx)
		go conn.KeepAlive(pingCtx, c.opts.PingInterval)

		c.readLoop(ctx, conn)

		stopPing()
		c.setConn(nil)
		_ = conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := bo.Duration()
		log.WithFields(logger.Fields{"retry_in": delay.String()}).Warn("connection lost, reconnecting")
		if !connector.Wait(ctx, delay) {
			return ctx.Err()
		}
	}
}

// Subscribe records the kinds for a symbol and, when connected, opens the
// vendor topics that were not already tracked. The table entry alone
// guarantees replay on the next connect.
func (c *Connector) Subscribe(symbol string, kinds []models.StreamKind) error {
	added := c.table.Add(symbol, kinds)
	if len(added) == 0 {
		return nil
	}
	c.send("SUBSCRIBE", topicsFor(symbol, added))
	return nil
}

// Unsubscribe removes kinds from the table and, when connected, closes the
// vendor topics for exactly the removed kinds.
func (c *Connector) Unsubscribe(symbol string, kinds []models.StreamKind) error {
	removed := c.table.Remove(symbol, kinds)
	if len(removed) == 0 {
		return nil
	}
	c.send("UNSUBSCRIBE", topicsFor(symbol, removed))
	return nil
}

type request struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func topicsFor(symbol string, kinds []models.StreamKind) []string {
	pair := strings.ToLower(symbols.ToBinance(symbol))
	topics := make([]string, 0, len(kinds))
	for _, k := range kinds {
		topics = append(topics, pair+"@"+streamSuffix[k])
	}
	return topics
}

// send issues one control message on the current connection. Sends are
// fire-and-forget: a failed send means the connection is dying and the
// table replays the request on reconnect.
func (c *Connector) send(method string, topics []string) {
	c.mu.Lock()
	conn := c.conn
	ctx := c.ctx
	c.reqID++
	id := c.reqID
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := conn.WriteControl(ctx, request{Method: method, Params: topics, ID: id}); err != nil {
		c.log.WithComponent("binance_connector").WithError(err).WithFields(logger.Fields{
			"method": method,
			"topics": strings.Join(topics, ","),
		}).Warn("control message failed")
	}
}

// resubscribe replays the whole table as the first action after a connect.
func (c *Connector) resubscribe(ctx context.Context, conn *connector.Conn) {
	snapshot := c.table.Snapshot()
	if len(snapshot) == 0 {
		return
	}

	syms := make([]string, 0, len(snapshot))
	for symbol := range snapshot {
		syms = append(syms, symbol)
	}
	sort.Strings(syms)

	var topics []string
	for _, symbol := range syms {
		topics = append(topics, topicsFor(symbol, snapshot[symbol])...)
	}

	c.mu.Lock()
	c.reqID++
	id := c.reqID
	c.mu.Unlock()

	if err := conn.WriteControl(ctx, request{Method: "SUBSCRIBE", Params: topics, ID: id}); err != nil {
		c.log.WithComponent("binance_connector").WithError(err).Warn("resubscribe failed")
		return
	}
	c.log.WithComponent("binance_connector").WithFields(logger.Fields{
		"topics": strings.Join(topics, ","),
	}).Info("resubscribed")
}

func (c *Connector) setConn(conn *connector.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Connector) readLoop(ctx context.Context, conn *connector.Conn) {
	log := c.log.WithComponent("binance_connector")
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("websocket read failed")
			}
			return
		}
		for _, env := range c.parseFrame(raw) {
			c.emit(env)
		}
	}
}

// parseFrame converts one raw inbound frame into zero or more envelopes.
// Unparseable or out-of-scope frames are dropped without affecting the
// connection.
func (c *Connector) parseFrame(raw []byte) []models.Envelope {
	var combined struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	event := raw
	if err := json.Unmarshal(raw, &combined); err == nil && combined.Stream != "" {
		event = combined.Data
	}

	env, err := c.parseEvent(event)
	if err != nil {
		c.log.WithComponent("binance_connector").WithError(err).Debug("dropping malformed frame")
		return nil
	}
	if env == nil {
		return nil
	}
	return []models.Envelope{*env}
}

func (c *Connector) parseEvent(data []byte) (*models.Envelope, error) {
	var probe struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	switch probe.Event {
	case "24hrTicker":
		return parseTicker(data)
	case "trade":
		return parseTrade(data)
	case "depthUpdate":
		return parseDepth(data)
	case "kline":
		return parseKline(data)
	default:
		// Subscribe acks and unknown event types are not data.
		return nil, nil
	}
}

func parseTicker(data []byte) (*models.Envelope, error) {
	var ev struct {
		Symbol    string `json:"s"`
		LastPrice string `json:"c"`
		ChangePct string `json:"P"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}

	price, err := models.ParsePrice(ev.LastPrice)
	if err != nil {
		return nil, err
	}
	change, err := models.ParsePrice(ev.ChangePct)
	if err != nil {
		return nil, err
	}
	high, err := models.ParsePrice(ev.High)
	if err != nil {
		return nil, err
	}
	low, err := models.ParsePrice(ev.Low)
	if err != nil {
		return nil, err
	}
	volume, err := models.ParsePrice(ev.Volume)
	if err != nil {
		return nil, err
	}

	return &models.Envelope{
		Exchange:  Exchange,
		Symbol:    symbols.FromBinance(ev.Symbol),
		Kind:      models.KindTicker,
		Timestamp: time.Now().UTC(),
		Payload: models.TickerPayload{
			Price:         price,
			ChangePercent: change,
			High24h:       high,
			Low24h:        low,
			Volume24h:     volume,
		},
	}, nil
}

func parseTrade(data []byte) (*models.Envelope, error) {
	var ev struct {
		Symbol    string `json:"s"`
		Price     string `json:"p"`
		Quantity  string `json:"q"`
		TradeTime int64  `json:"T"`
		// m is true when the buyer is the maker, i.e. a sell aggression.
		BuyerMaker bool `json:"m"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}

	price, err := models.ParsePrice(ev.Price)
	if err != nil {
		return nil, err
	}
	qty, err := models.ParsePrice(ev.Quantity)
	if err != nil {
		return nil, err
	}
	side := models.SideBuy
	if ev.BuyerMaker {
		side = models.SideSell
	}

	return &models.Envelope{
		Exchange:  Exchange,
		Symbol:    symbols.FromBinance(ev.Symbol),
		Kind:      models.KindTrade,
		Timestamp: time.Now().UTC(),
		Payload: models.TradePayload{
			Price:     price,
			Quantity:  qty,
			Side:      side,
			TradeTime: time.UnixMilli(ev.TradeTime).UTC(),
		},
	}, nil
}

func parseDepth(data []byte) (*models.Envelope, error) {
	var ev struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}

	bids, err := models.ParseLevels(ev.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := models.ParseLevels(ev.Asks)
	if err != nil {
		return nil, err
	}

	return &models.Envelope{
		Exchange:  Exchange,
		Symbol:    symbols.FromBinance(ev.Symbol),
		Kind:      models.KindDepth,
		Timestamp: time.Now().UTC(),
		Payload:   models.DepthPayload{Bids: bids, Asks: asks},
	}, nil
}

func parseKline(data []byte) (*models.Envelope, error) {
	var ev struct {
		Symbol string `json:"s"`
		Kline  struct {
			Interval string `json:"i"`
			Open     string `json:"o"`
			Close    string `json:"c"`
			High     string `json:"h"`
			Low      string `json:"l"`
			Volume   string `json:"v"`
			Closed   bool   `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}

	open, err := models.ParsePrice(ev.Kline.Open)
	if err != nil {
		return nil, err
	}
	closePrice, err := models.ParsePrice(ev.Kline.Close)
	if err != nil {
		return nil, err
	}
	high, err := models.ParsePrice(ev.Kline.High)
	if err != nil {
		return nil, err
	}
	low, err := models.ParsePrice(ev.Kline.Low)
	if err != nil {
		return nil, err
	}
	volume, err := models.ParsePrice(ev.Kline.Volume)
	if err != nil {
		return nil, err
	}

	return &models.Envelope{
		Exchange:  Exchange,
		Symbol:    symbols.FromBinance(ev.Symbol),
		Kind:      models.KindKline,
		Timestamp: time.Now().UTC(),
		Payload: models.KlinePayload{
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closePrice,
			Volume:   volume,
			Interval: ev.Kline.Interval,
			Closed:   ev.Kline.Closed,
		},
	}, nil
}
