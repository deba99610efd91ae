package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies the trade direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType identifies the venue execution type.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

// TimeInForce is the venue's execution constraint vocabulary.
type TimeInForce string

const (
	// TimeInForceFAK fills what it can and cancels the rest (IOC).
	TimeInForceFAK TimeInForce = "FAK"
	// TimeInForceFAS rests any unfilled remainder (GTC).
	TimeInForceFAS TimeInForce = "FAS"
	// TimeInForceFOK fills completely or cancels.
	TimeInForceFOK TimeInForce = "FOK"
	// TimeInForceSOK rests without crossing (post-only), limit orders only.
	TimeInForceSOK TimeInForce = "SOK"
)

// OrderStatus is the local order lifecycle state. Transitions are monotonic:
// rank never decreases, and terminal states accept no further transitions.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status accepts no further transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

func (s OrderStatus) rank() int {
	switch s {
	case StatusNew:
		return 0
	case StatusPartiallyFilled:
		return 1
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
// Re-entering PartiallyFilled from PartiallyFilled is legal (successive fills).
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next.rank() < 0 {
		return false
	}
	if s == StatusPartiallyFilled && next == StatusNew {
		return false
	}
	return next.rank() >= s.rank()
}

// OrderIntent carries the caller's order parameters into Submit.
type OrderIntent struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	Price         *decimal.Decimal
	TimeInForce   TimeInForce
	LosscutPrice  *decimal.Decimal
}

// OrderChanges carries the mutable fields of a Modify command.
type OrderChanges struct {
	Price        *decimal.Decimal
	LosscutPrice *decimal.Decimal
}

// OrderRecord is the ledger's authoritative view of one order. Each client
// order id maps to at most one exchange order id for the process lifetime.
type OrderRecord struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            Side
	Type            OrderType
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	FilledQuantity  decimal.Decimal
	Status          OrderStatus
	LastUpdateID    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Clone returns a deep copy safe to hand to readers.
func (o OrderRecord) Clone() OrderRecord {
	return o
}

// PositionRecord is the ledger's derived view of one net position.
type PositionRecord struct {
	Symbol        string
	Side          Side
	Size          decimal.Decimal
	AvgPrice      decimal.Decimal
	UnrealizedPnL decimal.Decimal
	UpdatedAt     time.Time
}

// Fill records one execution. Immutable once recorded.
type Fill struct {
	ExecutionID string
	OrderID     string
	Symbol      string
	Side        Side
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Fee         decimal.Decimal
	Timestamp   time.Time
}
