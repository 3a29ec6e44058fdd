package models

import (
	"fmt"
	"strconv"
	"time"
)

// StreamKind identifies the shape of an envelope payload and which vendor
// topic a connector must open for it.
type StreamKind string

const (
	KindTicker StreamKind = "ticker"
	KindTrade  StreamKind = "trade"
	KindDepth  StreamKind = "depth"
	KindKline  StreamKind = "kline"
)

// AllKinds lists every stream kind in the order connectors replay
// subscriptions, keeping resubscribe traffic deterministic.
var AllKinds = []StreamKind{KindTicker, KindTrade, KindDepth, KindKline}

func (k StreamKind) Valid() bool {
	switch k {
	case KindTicker, KindTrade, KindDepth, KindKline:
		return true
	}
	return false
}

// Trade side values.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Envelope is the normalized unit of market data produced by every
// connector regardless of vendor format. Values are immutable once emitted.
type Envelope struct {
	Exchange  string
	Symbol    string
	Kind      StreamKind
	Timestamp time.Time
	Payload   Payload
}

// Payload is implemented by the kind-specific payload types.
type Payload interface {
	PayloadKind() StreamKind
}

// TickerPayload is a summary quote update for a symbol.
type TickerPayload struct {
	Price         float64
	ChangePercent float64
	High24h       float64
	Low24h        float64
	Volume24h     float64
}

func (TickerPayload) PayloadKind() StreamKind { return KindTicker }

// TradePayload is a single executed trade.
type TradePayload struct {
	Price     float64
	Quantity  float64
	Side      string
	TradeTime time.Time
}

func (TradePayload) PayloadKind() StreamKind { return KindTrade }

// PriceLevel is one price/quantity pair of an order book side.
type PriceLevel struct {
	Price    float64
	Quantity float64
}

// DepthPayload is an incremental order book update. Levels keep vendor
// order; a zero quantity means the level was removed.
type DepthPayload struct {
	Bids []PriceLevel
	Asks []PriceLevel
}

func (DepthPayload) PayloadKind() StreamKind { return KindDepth }

// KlinePayload is a candlestick aggregate for a fixed interval.
type KlinePayload struct {
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Interval string
	Closed   bool
}

func (KlinePayload) PayloadKind() StreamKind { return KindKline }

// ParsePrice converts a vendor decimal string into a float64. A failure
// invalidates only the message being parsed, never the connection.
func ParsePrice(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	return v, nil
}

// ParseLevels converts vendor [price, quantity, ...] string tuples into
// price levels. Tuples may carry trailing vendor fields (timestamps,
// republish flags) which are ignored.
func ParseLevels(raw [][]string) ([]PriceLevel, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	levels := make([]PriceLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			return nil, fmt.Errorf("level entry has %d fields, want at least 2", len(entry))
		}
		price, err := ParsePrice(entry[0])
		if err != nil {
			return nil, err
		}
		qty, err := ParsePrice(entry[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}
