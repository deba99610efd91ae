// Package schema defines the canonical event and order model shared across the core.
package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies the decoded variant carried by an Event. The set is closed:
// frames from channels the core does not recognize decode to KindUnrecognized
// instead of failing dispatch.
type Kind string

const (
	KindTicker          Kind = "ticker"
	KindOrderBook       Kind = "orderbook"
	KindTrade           Kind = "trade"
	KindExecution       Kind = "execution"
	KindOrder           Kind = "order"
	KindPosition        Kind = "position"
	KindPositionSummary Kind = "position_summary"
	KindUnrecognized    Kind = "unrecognized"
)

// Event is the tagged union delivered to per-channel handlers. Exactly one
// payload pointer matching Kind is non-nil.
type Event struct {
	Kind       Kind
	Channel    string
	Symbol     string
	ReceivedAt time.Time

	Ticker          *Ticker
	Book            *BookSnapshot
	Trade           *Trade
	Execution       *ExecutionEvent
	Order           *OrderEvent
	Position        *PositionEvent
	PositionSummary *PositionSummaryEvent
}

// Ticker is a top-of-book quote update.
type Ticker struct {
	Symbol    string
	Ask       decimal.Decimal
	Bid       decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Last      decimal.Decimal
	Volume    decimal.Decimal
	Timestamp time.Time
}

// BookLevel is a single price level in an order book snapshot.
type BookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// BookSnapshot is a full-depth order book image as streamed by the venue.
type BookSnapshot struct {
	Symbol    string
	Asks      []BookLevel
	Bids      []BookLevel
	Timestamp time.Time
}

// Trade is a public trade print.
type Trade struct {
	Symbol    string
	Side      Side
	Price     decimal.Decimal
	Size      decimal.Decimal
	Timestamp time.Time
}

// Bar is one candle assembled from the venue's kline endpoint. The
// venue streams no candles, so bars reach callers through polling.
type Bar struct {
	Symbol   string
	Interval string
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// ExecutionEvent reports a private fill streamed on the execution channel.
type ExecutionEvent struct {
	ExecutionID string
	OrderID     string
	Symbol      string
	Side        Side
	SettleType  string
	Size        decimal.Decimal
	Price       decimal.Decimal
	LossGain    decimal.Decimal
	Fee         decimal.Decimal
	Timestamp   time.Time
}

// OrderEvent reports a private order-state change streamed on the order channel.
type OrderEvent struct {
	OrderID       string
	Symbol        string
	Side          Side
	ExecutionType OrderType
	MsgType       string
	Price         decimal.Decimal
	Size          decimal.Decimal
	ExecutedSize  decimal.Decimal
	VenueStatus   string
	TimeInForce   TimeInForce
	Timestamp     time.Time
}

// PositionEvent reports a single open-position change.
type PositionEvent struct {
	PositionID   string
	Symbol       string
	Side         Side
	Size         decimal.Decimal
	OrderedSize  decimal.Decimal
	Price        decimal.Decimal
	LossGain     decimal.Decimal
	LosscutPrice decimal.Decimal
	Timestamp    time.Time
}

// PositionSummaryEvent reports the per-symbol aggregated position.
type PositionSummaryEvent struct {
	Symbol              string
	Side                Side
	SumSize             decimal.Decimal
	AvgPositionRate     decimal.Decimal
	PositionLossGain    decimal.Decimal
	SumOrderQuantity    decimal.Decimal
	SumPositionQuantity decimal.Decimal
	Timestamp           time.Time
}
