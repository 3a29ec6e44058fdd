package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"marketstream/connector"
	"marketstream/logger"
	"marketstream/models"
	"marketstream/symbols"
)

const (
	Exchange   = "kraken"
	DefaultURL = "wss://ws.kraken.com"

	bookDepth    = 10
	ohlcInterval = 1 // minutes
)

var channelName = map[models.StreamKind]string{
	models.KindTicker: "ticker",
	models.KindTrade:  "trade",
	models.KindDepth:  "book",
	models.KindKline:  "ohlc",
}

// Connector streams ticker, trade, book and ohlc data from Kraken.
// Data frames are JSON arrays whose last two elements name the channel and
// the pair; JSON objects carry status traffic only.
type Connector struct {
	opts  connector.Options
	emit  connector.Emit
	log   *logger.Log
	table *connector.Table

	mu   sync.Mutex
	ctx  context.Context
	conn *connector.Conn
}

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

// Run supervises the connection until ctx is cancelled.
func (c *Connector) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	log := c.log.WithComponent("kraken_connector")
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

// Subscribe records kinds for a symbol and opens one vendor channel per
// newly tracked kind when connected.
func (c *Connector) Subscribe(symbol string, kinds []models.StreamKind) error {
	added := c.table.Add(symbol, kinds)
	for _, kind := range added {
		c.send("subscribe", symbol, kind)
	}
	return nil
}

// Unsubscribe removes kinds and closes the vendor channels for exactly the
// removed kinds.
func (c *Connector) Unsubscribe(symbol string, kinds []models.StreamKind) error {
	removed := c.table.Remove(symbol, kinds)
	for _, kind := range removed {
		c.send("unsubscribe", symbol, kind)
	}
	return nil
}

type request struct {
	Event        string       `json:"event"`
	Pair         []string     `json:"pair"`
	Subscription subscription `json:"subscription"`
}

type subscription struct {
	Name     string `json:"name"`
	Depth    int    `json:"depth,omitempty"`
	Interval int    `json:"interval,omitempty"`
}

func requestFor(event, symbol string, kind models.StreamKind) request {
	sub := subscription{Name: channelName[kind]}
	switch kind {
	case models.KindDepth:
		sub.Depth = bookDepth
	case models.KindKline:
		sub.Interval = ohlcInterval
	}
	return request{Event: event, Pair: []string{symbols.ToKraken(symbol)}, Subscription: sub}
}

func (c *Connector) send(event, symbol string, kind models.StreamKind) {
	c.mu.Lock()
	conn := c.conn
	ctx := c.ctx
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := conn.WriteControl(ctx, requestFor(event, symbol, kind)); err != nil {
		c.log.WithComponent("kraken_connector").WithError(err).WithFields(logger.Fields{
			"event":   event,
			"symbol":  symbol,
			"channel": channelName[kind],
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

	log := c.log.WithComponent("kraken_connector")
	for _, symbol := range syms {
		for _, kind := range snapshot[symbol] {
			if err := conn.WriteControl(ctx, requestFor("subscribe", symbol, kind)); err != nil {
				log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("resubscribe failed")
				return
			}
		}
	}
	log.WithFields(logger.Fields{"symbols": strings.Join(syms, ",")}).Info("resubscribed")
}

func (c *Connector) setConn(conn *connector.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Connector) readLoop(ctx context.Context, conn *connector.Conn) {
	log := c.log.WithComponent("kraken_connector")
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
// Status objects and unparseable frames produce none; the connection is
// never affected.
func (c *Connector) parseFrame(raw []byte) []models.Envelope {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil
	}

	if trimmed[0] == '{' {
		c.handleStatus([]byte(trimmed))
		return nil
	}

	envs, err := parseData([]byte(trimmed))
	if err != nil {
		c.log.WithComponent("kraken_connector").WithError(err).Debug("dropping malformed frame")
		return nil
	}
	return envs
}

// handleStatus consumes connection/status objects: systemStatus,
// subscriptionStatus, heartbeat and pong.
func (c *Connector) handleStatus(raw []byte) {
	var status struct {
		Event        string `json:"event"`
		Status       string `json:"status"`
		ErrorMessage string `json:"errorMessage"`
		Pair         string `json:"pair"`
	}
	if err := json.Unmarshal(raw, &status); err != nil {
		c.log.WithComponent("kraken_connector").WithError(err).Debug("dropping malformed status frame")
		return
	}
	if status.Event == "subscriptionStatus" && status.Status == "error" {
		c.log.WithComponent("kraken_connector").WithFields(logger.Fields{
			"pair":  status.Pair,
			"error": status.ErrorMessage,
		}).Warn("subscription rejected")
	}
}

// parseData decodes one data array: [chanID, data..., channelName, pair].
// Book frames may split bid and ask updates into two data elements.
func parseData(raw []byte) ([]models.Envelope, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, err
	}
	if len(elems) < 4 {
		return nil, fmt.Errorf("data frame has %d elements, want at least 4", len(elems))
	}

	var channel, pair string
	if err := json.Unmarshal(elems[len(elems)-2], &channel); err != nil {
		return nil, fmt.Errorf("channel element: %w", err)
	}
	if err := json.Unmarshal(elems[len(elems)-1], &pair); err != nil {
		return nil, fmt.Errorf("pair element: %w", err)
	}

	symbol := symbols.FromKraken(pair)
	data := elems[1 : len(elems)-2]

	switch {
	case channel == "ticker":
		return parseTicker(symbol, data)
	case channel == "trade":
		return parseTrades(symbol, data)
	case strings.HasPrefix(channel, "book"):
		return parseBook(symbol, data)
	case strings.HasPrefix(channel, "ohlc"):
		return parseOHLC(symbol, channel, data)
	default:
		return nil, nil
	}
}

func parseTicker(symbol string, data []json.RawMessage) ([]models.Envelope, error) {
	if len(data) != 1 {
		return nil, fmt.Errorf("ticker frame has %d data elements", len(data))
	}
	var td struct {
		Close  []string `json:"c"`
		High   []string `json:"h"`
		Low    []string `json:"l"`
		Volume []string `json:"v"`
		Open   []string `json:"o"`
	}
	if err := json.Unmarshal(data[0], &td); err != nil {
		return nil, err
	}
	if len(td.Close) < 1 || len(td.High) < 2 || len(td.Low) < 2 || len(td.Volume) < 2 || len(td.Open) < 2 {
		return nil, fmt.Errorf("ticker frame missing fields")
	}

	price, err := models.ParsePrice(td.Close[0])
	if err != nil {
		return nil, err
	}
	high, err := models.ParsePrice(td.High[1])
	if err != nil {
		return nil, err
	}
	low, err := models.ParsePrice(td.Low[1])
	if err != nil {
		return nil, err
	}
	volume, err := models.ParsePrice(td.Volume[1])
	if err != nil {
		return nil, err
	}
	open, err := models.ParsePrice(td.Open[1])
	if err != nil {
		return nil, err
	}

	// Kraken reports no 24h change; derive it from the 24h open.
	var change float64
	if open != 0 {
		change = (price - open) / open * 100
	}

	return []models.Envelope{{
		Exchange:  Exchange,
		Symbol:    symbol,
		Kind:      models.KindTicker,
		Timestamp: time.Now().UTC(),
		Payload: models.TickerPayload{
			Price:         price,
			ChangePercent: change,
			High24h:       high,
			Low24h:        low,
			Volume24h:     volume,
		},
	}}, nil
}

func parseTrades(symbol string, data []json.RawMessage) ([]models.Envelope, error) {
	if len(data) != 1 {
		return nil, fmt.Errorf("trade frame has %d data elements", len(data))
	}
	var trades [][]string
	if err := json.Unmarshal(data[0], &trades); err != nil {
		return nil, err
	}

	envs := make([]models.Envelope, 0, len(trades))
	for _, t := range trades {
		if len(t) < 4 {
			return nil, fmt.Errorf("trade entry has %d fields, want at least 4", len(t))
		}
		price, err := models.ParsePrice(t[0])
		if err != nil {
			return nil, err
		}
		qty, err := models.ParsePrice(t[1])
		if err != nil {
			return nil, err
		}
		seconds, err := strconv.ParseFloat(t[2], 64)
		if err != nil {
			return nil, fmt.Errorf("parse trade time %q: %w", t[2], err)
		}
		side := models.SideSell
		if t[3] == "b" {
			side = models.SideBuy
		}

		envs = append(envs, models.Envelope{
			Exchange:  Exchange,
			Symbol:    symbol,
			Kind:      models.KindTrade,
			Timestamp: time.Now().UTC(),
			Payload: models.TradePayload{
				Price:     price,
				Quantity:  qty,
				Side:      side,
				TradeTime: time.Unix(0, int64(seconds*float64(time.Second))).UTC(),
			},
		})
	}
	return envs, nil
}

func parseBook(symbol string, data []json.RawMessage) ([]models.Envelope, error) {
	var bids, asks []models.PriceLevel
	for _, elem := range data {
		var bd struct {
			AskSnapshot [][]string `json:"as"`
			BidSnapshot [][]string `json:"bs"`
			Asks        [][]string `json:"a"`
			Bids        [][]string `json:"b"`
		}
		if err := json.Unmarshal(elem, &bd); err != nil {
			return nil, err
		}

		for _, raw := range [][][]string{bd.BidSnapshot, bd.Bids} {
			levels, err := models.ParseLevels(raw)
			if err != nil {
				return nil, err
			}
			bids = append(bids, levels...)
		}
		for _, raw := range [][][]string{bd.AskSnapshot, bd.Asks} {
			levels, err := models.ParseLevels(raw)
			if err != nil {
				return nil, err
			}
			asks = append(asks, levels...)
		}
	}

	if len(bids) == 0 && len(asks) == 0 {
		return nil, nil
	}
	return []models.Envelope{{
		Exchange:  Exchange,
		Symbol:    symbol,
		Kind:      models.KindDepth,
		Timestamp: time.Now().UTC(),
		Payload:   models.DepthPayload{Bids: bids, Asks: asks},
	}}, nil
}

func parseOHLC(symbol, channel string, data []json.RawMessage) ([]models.Envelope, error) {
	if len(data) != 1 {
		return nil, fmt.Errorf("ohlc frame has %d data elements", len(data))
	}
	var fields []json.RawMessage
	if err := json.Unmarshal(data[0], &fields); err != nil {
		return nil, err
	}
	if len(fields) < 8 {
		return nil, fmt.Errorf("ohlc frame has %d fields, want at least 8", len(fields))
	}

	numeric := func(raw json.RawMessage) (float64, error) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		return models.ParsePrice(s)
	}

	open, err := numeric(fields[2])
	if err != nil {
		return nil, err
	}
	high, err := numeric(fields[3])
	if err != nil {
		return nil, err
	}
	low, err := numeric(fields[4])
	if err != nil {
		return nil, err
	}
	closePrice, err := numeric(fields[5])
	if err != nil {
		return nil, err
	}
	volume, err := numeric(fields[7])
	if err != nil {
		return nil, err
	}

	interval := "1m"
	if i := strings.IndexByte(channel, '-'); i >= 0 {
		interval = channel[i+1:] + "m"
	}

	// Kraken never flags candle completion; consumers track interval
	// rollover themselves.
	return []models.Envelope{{
		Exchange:  Exchange,
		Symbol:    symbol,
		Kind:      models.KindKline,
		Timestamp: time.Now().UTC(),
		Payload: models.KlinePayload{
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closePrice,
			Volume:   volume,
			Interval: interval,
			Closed:   false,
		},
	}}, nil
}
