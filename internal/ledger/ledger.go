// Package ledger maintains the local view of order and position state,
// reconciled against venue snapshots.
package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/penguinworks/gmoconnect/internal/observability"
	"github.com/penguinworks/gmoconnect/internal/schema"
	"github.com/penguinworks/gmoconnect/internal/telemetry"
)

// Transition is one observable order-state change. Synthesized marks
// transitions manufactured by reconciliation for updates the stream
// missed; each is emitted exactly once.
type Transition struct {
	Record      schema.OrderRecord
	Fill        *schema.Fill
	Synthesized bool
}

// Ledger is the authoritative in-process order book. All mutation
// funnels through a single mutex so transitions apply in arrival
// order; reads hand out copies.
type Ledger struct {
	log     observability.Logger
	metrics *telemetry.Metrics

	mu        sync.Mutex
	orders    map[string]*schema.OrderRecord // keyed by exchange order id
	byClient  map[string]string              // client order id -> exchange order id
	seen      map[string]struct{}            // orderID|updateID dedupe
	fills     map[string]string              // execution id -> order id dedupe
	positions map[string]schema.PositionRecord
	subs      map[int]chan Transition
	nextSub   int
}

func New(log observability.Logger, metrics *telemetry.Metrics) *Ledger {
	return &Ledger{
		log:       log,
		metrics:   metrics,
		orders:    make(map[string]*schema.OrderRecord),
		byClient:  make(map[string]string),
		seen:      make(map[string]struct{}),
		fills:     make(map[string]string),
		positions: make(map[string]schema.PositionRecord),
		subs:      make(map[int]chan Transition),
	}
}

// Subscribe registers a transition listener. Delivery is best effort:
// a subscriber whose buffer is full misses the transition rather than
// blocking the ledger. The returned cancel func closes the channel.
func (l *Ledger) Subscribe(buffer int) (<-chan Transition, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Transition, buffer)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if held, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(held)
		}
	}
	return ch, cancel
}

func (l *Ledger) publishLocked(transition Transition) {
	for _, ch := range l.subs {
		select {
		case ch <- transition:
		default:
		}
	}
}

// Track registers a locally submitted order. Called after the venue
// acknowledged the submission, so the exchange id is known.
func (l *Ledger) Track(record schema.OrderRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	held := record.Clone()
	l.orders[record.ExchangeOrderID] = &held
	if record.ClientOrderID != "" {
		l.byClient[record.ClientOrderID] = record.ExchangeOrderID
	}
}

// ApplyOrderEvent folds one streamed order update into the ledger.
// Returns the post-transition record and whether anything changed.
// Duplicate deliveries of the same update are dropped, and transitions
// out of a terminal state are refused and logged as anomalies.
func (l *Ledger) ApplyOrderEvent(ctx context.Context, event *schema.OrderEvent, status schema.OrderStatus) (schema.OrderRecord, bool) {
	updateID := event.MsgType + "|" + event.Timestamp.UTC().Format(time.RFC3339Nano)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.dupLocked(event.OrderID, updateID) {
		return l.peekLocked(event.OrderID), false
	}

	record := l.orders[event.OrderID]
	if record == nil {
		record = &schema.OrderRecord{
			ExchangeOrderID: event.OrderID,
			Symbol:          event.Symbol,
			Side:            event.Side,
			Type:            event.ExecutionType,
			Quantity:        event.Size,
			CreatedAt:       event.Timestamp,
		}
		l.orders[event.OrderID] = record
	}

	if !record.Status.CanTransition(status) {
		if record.Status != status {
			l.log.Warn("refused order transition",
				observability.F("order_id", event.OrderID),
				observability.F("from", string(record.Status)),
				observability.F("to", string(status)))
		}
		return record.Clone(), false
	}

	record.Status = status
	record.Price = event.Price
	if event.ExecutedSize.GreaterThan(record.FilledQuantity) {
		record.FilledQuantity = event.ExecutedSize
	}
	record.LastUpdateID = updateID
	record.UpdatedAt = event.Timestamp
	held := record.Clone()
	l.publishLocked(Transition{Record: held})
	return held, true
}

// ApplyExecution folds one streamed fill into the ledger. Duplicate
// execution ids are dropped. The owning order advances to partially
// filled or filled as the accumulated quantity dictates.
func (l *Ledger) ApplyExecution(ctx context.Context, event *schema.ExecutionEvent) (*Transition, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.fills[event.ExecutionID]; dup {
		return nil, false
	}
	l.fills[event.ExecutionID] = event.OrderID

	if record := l.orders[event.OrderID]; record != nil && record.Status.IsTerminal() {
		l.log.Warn("discarded fill for terminal order",
			observability.F("order_id", event.OrderID),
			observability.F("execution_id", event.ExecutionID),
			observability.F("status", string(record.Status)))
		return nil, false
	}

	fill := schema.Fill{
		ExecutionID: event.ExecutionID,
		OrderID:     event.OrderID,
		Symbol:      event.Symbol,
		Side:        event.Side,
		Price:       event.Price,
		Quantity:    event.Size,
		Fee:         event.Fee,
		Timestamp:   event.Timestamp,
	}

	record := l.orders[event.OrderID]
	if record == nil {
		record = &schema.OrderRecord{
			ExchangeOrderID: event.OrderID,
			Symbol:          event.Symbol,
			Side:            event.Side,
			CreatedAt:       event.Timestamp,
			Status:          schema.StatusNew,
		}
		l.orders[event.OrderID] = record
	}

	record.FilledQuantity = record.FilledQuantity.Add(event.Size)
	next := schema.StatusPartiallyFilled
	if record.Quantity.IsPositive() && record.FilledQuantity.GreaterThanOrEqual(record.Quantity) {
		next = schema.StatusFilled
	}
	if record.Status.CanTransition(next) {
		record.Status = next
	}
	record.UpdatedAt = event.Timestamp

	transition := Transition{Record: record.Clone(), Fill: &fill}
	l.publishLocked(transition)
	return &transition, true
}

// ApplyPositionSummary replaces the held aggregate for a symbol.
func (l *Ledger) ApplyPositionSummary(record schema.PositionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.positions[positionKey(record.Symbol, record.Side)]
	if ok && record.UpdatedAt.Before(held.UpdatedAt) {
		return
	}
	l.positions[positionKey(record.Symbol, record.Side)] = record
}

// Reconcile compares a venue order snapshot against local state and
// synthesizes the transitions the stream missed. A snapshot entry
// wins only when it is newer than the local record; terminal local
// state is never rewound. Returns the synthesized transitions, each
// of which the caller emits exactly once.
func (l *Ledger) Reconcile(ctx context.Context, snapshot []schema.OrderRecord) []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()

	var healed []Transition
	for _, remote := range snapshot {
		record := l.orders[remote.ExchangeOrderID]
		if record == nil {
			held := remote.Clone()
			l.orders[remote.ExchangeOrderID] = &held
			healed = append(healed, Transition{Record: held.Clone(), Synthesized: true})
			continue
		}
		if !remote.UpdatedAt.After(record.UpdatedAt) {
			continue
		}
		if record.Status == remote.Status && record.FilledQuantity.Equal(remote.FilledQuantity) {
			record.UpdatedAt = remote.UpdatedAt
			continue
		}
		if !record.Status.CanTransition(remote.Status) {
			l.log.Warn("reconcile refused transition",
				observability.F("order_id", remote.ExchangeOrderID),
				observability.F("from", string(record.Status)),
				observability.F("to", string(remote.Status)))
			continue
		}
		record.Status = remote.Status
		record.FilledQuantity = remote.FilledQuantity
		record.Price = remote.Price
		record.UpdatedAt = remote.UpdatedAt
		healed = append(healed, Transition{Record: record.Clone(), Synthesized: true})
	}

	if len(healed) > 0 {
		for _, transition := range healed {
			l.metrics.RecordLedgerHeal(ctx, transition.Record.Symbol)
			l.publishLocked(transition)
		}
		l.log.Info("reconciliation healed order state",
			observability.F("transitions", len(healed)))
	}
	return healed
}

// Order returns a copy of the record for an exchange order id.
func (l *Ledger) Order(exchangeOrderID string) (schema.OrderRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record := l.orders[exchangeOrderID]
	if record == nil {
		return schema.OrderRecord{}, false
	}
	return record.Clone(), true
}

// OrderByClientID resolves a locally assigned client order id.
func (l *Ledger) OrderByClientID(clientOrderID string) (schema.OrderRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	exchangeID, ok := l.byClient[clientOrderID]
	if !ok {
		return schema.OrderRecord{}, false
	}
	record := l.orders[exchangeID]
	if record == nil {
		return schema.OrderRecord{}, false
	}
	return record.Clone(), true
}

// Orders returns copies of every tracked order, sorted by exchange id
// for stable iteration.
func (l *Ledger) Orders() []schema.OrderRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]schema.OrderRecord, 0, len(l.orders))
	for _, record := range l.orders {
		out = append(out, record.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExchangeOrderID < out[j].ExchangeOrderID })
	return out
}

// OpenOrders returns copies of every non-terminal order.
func (l *Ledger) OpenOrders() []schema.OrderRecord {
	all := l.Orders()
	out := all[:0]
	for _, record := range all {
		if !record.Status.IsTerminal() {
			out = append(out, record)
		}
	}
	return out
}

// Positions returns copies of the held per-symbol aggregates.
func (l *Ledger) Positions() []schema.PositionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]schema.PositionRecord, 0, len(l.positions))
	for _, record := range l.positions {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Side < out[j].Side
	})
	return out
}

// Prune drops terminal orders last touched before cutoff, together
// with their dedupe entries, bounding memory on long sessions.
func (l *Ledger) Prune(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	pruned := make(map[string]struct{})
	for id, record := range l.orders {
		if record.Status.IsTerminal() && record.UpdatedAt.Before(cutoff) {
			delete(l.orders, id)
			if record.ClientOrderID != "" {
				delete(l.byClient, record.ClientOrderID)
			}
			pruned[id] = struct{}{}
		}
	}
	if len(pruned) == 0 {
		return 0
	}
	for key := range l.seen {
		orderID := key
		if i := strings.IndexByte(key, '|'); i >= 0 {
			orderID = key[:i]
		}
		if _, gone := pruned[orderID]; gone {
			delete(l.seen, key)
		}
	}
	for executionID, orderID := range l.fills {
		if _, gone := pruned[orderID]; gone {
			delete(l.fills, executionID)
		}
	}
	return len(pruned)
}

func (l *Ledger) dupLocked(orderID, updateID string) bool {
	key := orderID + "|" + updateID
	if _, dup := l.seen[key]; dup {
		return true
	}
	l.seen[key] = struct{}{}
	return false
}

func (l *Ledger) peekLocked(orderID string) schema.OrderRecord {
	if record := l.orders[orderID]; record != nil {
		return record.Clone()
	}
	return schema.OrderRecord{}
}

func positionKey(symbol string, side schema.Side) string {
	return symbol + "|" + string(side)
}
