package gmocoin

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/penguinworks/gmoconnect/errs"
	"github.com/penguinworks/gmoconnect/internal/ledger"
	"github.com/penguinworks/gmoconnect/internal/observability"
	"github.com/penguinworks/gmoconnect/internal/ratelimit"
	"github.com/penguinworks/gmoconnect/internal/schema"
)

// activeOrdersPageSize is the page size requested when walking the
// venue's open-order snapshot; the venue caps count at 100.
const activeOrdersPageSize = 100

// Handlers carries the caller's event callbacks. Nil entries are
// skipped. Callbacks run on session goroutines and must not block.
type Handlers struct {
	OnTicker      func(schema.Ticker)
	OnBook        func(schema.BookSnapshot)
	OnTrade       func(schema.Trade)
	OnBar         func(schema.Bar)
	OnOrderUpdate func(record schema.OrderRecord, synthesized bool)
	OnFill        func(schema.Fill)
	OnPosition    func(schema.PositionRecord)
	OnEvent       func(schema.Event)
	OnSessionDown func(session string, err error)
}

// Provider wires the venue adapter together: signed REST pipeline,
// token lifecycle, public and private sessions, and the order ledger.
type Provider struct {
	opts     Options
	limiter  *ratelimit.Limiter
	rest     *RESTClient
	tokens   *TokenManager
	books    *BookAssembler
	ledger   *ledger.Ledger
	handlers Handlers
	symbols  []string
	log      observability.Logger

	public  *sessionManager
	private *sessionManager

	barMu      sync.Mutex
	barCancels map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// NewProvider builds the adapter. Start must be called before use.
func NewProvider(opts Options, limiter *ratelimit.Limiter, symbols []string, handlers Handlers) (*Provider, error) {
	opts.applyDefaults()
	rest, err := NewRESTClient(opts, limiter)
	if err != nil {
		return nil, err
	}
	return &Provider{
		opts:       opts,
		limiter:    limiter,
		rest:       rest,
		tokens:     NewTokenManager(rest, opts),
		books:      NewBookAssembler(opts.BookDepth),
		ledger:     ledger.New(opts.Logger, opts.Metrics),
		handlers:   handlers,
		symbols:    symbols,
		log:        opts.Logger,
		barCancels: make(map[string]context.CancelFunc),
	}, nil
}

// REST exposes the typed endpoint surface for callers that need
// requests outside the streaming path, such as catalog lookups.
func (p *Provider) REST() *RESTClient { return p.rest }

// Ledger exposes the read side of order and position state.
func (p *Provider) Ledger() *ledger.Ledger { return p.ledger }

// Start connects both sessions, begins token renewal, subscribes the
// private account channels, and launches the reconcile loop.
func (p *Provider) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.tokens.Start(p.ctx)

	p.public = newSessionManager(p.ctx, "public",
		func(context.Context) (string, error) { return p.opts.PublicWSURL, nil },
		p.limiter, p.handlePublicFrame, p.sessionDown("public"), p.opts)
	p.private = newSessionManager(p.ctx, "private",
		func(ctx context.Context) (string, error) {
			token, err := p.tokens.Current(ctx)
			if err != nil {
				return "", err
			}
			return p.opts.PrivateWSURL + "/" + token, nil
		},
		p.limiter, p.handlePrivateFrame, p.sessionDown("private"), p.opts)

	if err := p.public.start(); err != nil {
		return err
	}
	if err := p.private.start(); err != nil {
		p.public.stop()
		return err
	}

	for _, channel := range []string{
		channelExecutionEvents,
		channelOrderEvents,
		channelPositionEvents,
		channelPositionSummaryEvents,
	} {
		if err := p.private.subscribe(p.ctx, subscription{Channel: channel}); err != nil {
			return err
		}
	}

	p.wg.Go(func() { p.watchTokenRenewals() })
	p.wg.Go(func() { p.reconcileLoop() })
	return nil
}

// Close tears down sessions, stops reconciliation, and revokes the
// access token.
func (p *Provider) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.public != nil {
		p.public.stop()
	}
	if p.private != nil {
		p.private.stop()
	}
	p.wg.Wait()
	p.tokens.Close()
}

// SubscribeTicker starts the top-of-book stream for a symbol.
func (p *Provider) SubscribeTicker(ctx context.Context, symbol string) error {
	return p.public.subscribe(ctx, subscription{Channel: channelTicker, Symbol: symbol})
}

// SubscribeOrderBooks starts the depth stream for a symbol.
func (p *Provider) SubscribeOrderBooks(ctx context.Context, symbol string) error {
	return p.public.subscribe(ctx, subscription{Channel: channelOrderBooks, Symbol: symbol})
}

// SubscribeTrades starts the public print stream for a symbol,
// restricted to taker prints when configured.
func (p *Provider) SubscribeTrades(ctx context.Context, symbol string) error {
	sub := subscription{Channel: channelTrades, Symbol: symbol}
	if p.opts.TakerOnly {
		sub.Option = "TAKER_ONLY"
	}
	return p.public.subscribe(ctx, sub)
}

// Unsubscribe stops a public stream for a symbol.
func (p *Provider) Unsubscribe(ctx context.Context, channel, symbol string) error {
	return p.public.unsubscribe(ctx, subscription{Channel: channel, Symbol: symbol})
}

// SubmitOrder places an order and tracks it in the ledger. A client
// order id is assigned when the intent carries none. The venue ack is
// the authority for the exchange id; stream events complete the rest.
func (p *Provider) SubmitOrder(ctx context.Context, intent schema.OrderIntent) (schema.OrderRecord, error) {
	if intent.ClientOrderID == "" {
		intent.ClientOrderID = uuid.NewString()
	}
	orderID, err := p.rest.SubmitOrder(ctx, intent)
	if err != nil {
		return schema.OrderRecord{}, err
	}
	now := p.opts.Clock()
	record := schema.OrderRecord{
		ClientOrderID:   intent.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(orderID, 10),
		Symbol:          intent.Symbol,
		Side:            intent.Side,
		Type:            intent.Type,
		Quantity:        intent.Quantity,
		Status:          schema.StatusNew,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if intent.Price != nil {
		record.Price = *intent.Price
	}
	p.ledger.Track(record)
	return record, nil
}

// ModifyOrder amends an open order's price or losscut price, keyed by
// the client order id assigned at submission.
func (p *Provider) ModifyOrder(ctx context.Context, clientOrderID string, changes schema.OrderChanges) error {
	record, ok := p.ledger.OrderByClientID(clientOrderID)
	if !ok {
		return errs.New(venueName, errs.CodeInvalid, errs.WithMessage("unknown client order id "+clientOrderID))
	}
	return p.ModifyOrderByExchangeID(ctx, record.ExchangeOrderID, changes)
}

// ModifyOrderByExchangeID amends an order by its venue-assigned id.
func (p *Provider) ModifyOrderByExchangeID(ctx context.Context, exchangeOrderID string, changes schema.OrderChanges) error {
	if changes.Price == nil {
		return errs.New(venueName, errs.CodeInvalid, errs.WithMessage("modify requires a price"))
	}
	orderID, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return errs.New(venueName, errs.CodeInvalid, errs.WithMessage("bad order id "+exchangeOrderID))
	}
	return p.rest.ChangeOrder(ctx, orderID, *changes.Price, changes.LosscutPrice)
}

// CancelOrder requests cancellation, keyed by the client order id
// assigned at submission. The ledger transitions when the stream (or
// reconciliation) confirms CANCELED; CANCELLING stays a venue-side
// transitional state.
func (p *Provider) CancelOrder(ctx context.Context, clientOrderID string) error {
	record, ok := p.ledger.OrderByClientID(clientOrderID)
	if !ok {
		return errs.New(venueName, errs.CodeInvalid, errs.WithMessage("unknown client order id "+clientOrderID))
	}
	return p.CancelOrderByExchangeID(ctx, record.ExchangeOrderID)
}

// CancelOrderByExchangeID requests cancellation by the venue-assigned id.
func (p *Provider) CancelOrderByExchangeID(ctx context.Context, exchangeOrderID string) error {
	orderID, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return errs.New(venueName, errs.CodeInvalid, errs.WithMessage("bad order id "+exchangeOrderID))
	}
	return p.rest.CancelOrder(ctx, orderID)
}

// CancelAll cancels every open order on the configured symbols.
func (p *Provider) CancelAll(ctx context.Context, side schema.Side) error {
	return p.rest.CancelBulkOrder(ctx, p.symbols, side)
}

// Book returns the latest assembled depth image for a symbol.
func (p *Provider) Book(symbol string) (schema.BookSnapshot, bool) {
	return p.books.Book(symbol)
}

// Orders reports every order the ledger tracks.
func (p *Provider) Orders() []schema.OrderRecord { return p.ledger.Orders() }

// OpenOrders reports the orders still working at the venue.
func (p *Provider) OpenOrders() []schema.OrderRecord { return p.ledger.OpenOrders() }

// Positions reports the held per-symbol position aggregates.
func (p *Provider) Positions() []schema.PositionRecord { return p.ledger.Positions() }

func (p *Provider) sessionDown(name string) func(error) {
	return func(err error) {
		if p.handlers.OnSessionDown != nil {
			p.handlers.OnSessionDown(name, err)
		}
	}
}

// watchTokenRenewals forces the private session to rebind whenever the
// token manager reissues rather than extends.
func (p *Provider) watchTokenRenewals() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.tokens.Renewed():
			p.log.Info("access token reissued, rebinding private session")
			p.private.requestReconnect()
		}
	}
}

func (p *Provider) handlePublicFrame(data []byte, receivedAt time.Time) error {
	event, err := parseFrame(data, receivedAt)
	if err != nil {
		return err
	}
	p.dispatch(event)
	return nil
}

func (p *Provider) handlePrivateFrame(data []byte, receivedAt time.Time) error {
	event, err := parseFrame(data, receivedAt)
	if err != nil {
		return err
	}
	p.dispatch(event)
	return nil
}

func (p *Provider) dispatch(event *schema.Event) {
	if p.handlers.OnEvent != nil {
		p.handlers.OnEvent(*event)
	}
	switch event.Kind {
	case schema.KindTicker:
		if p.handlers.OnTicker != nil {
			p.handlers.OnTicker(*event.Ticker)
		}
	case schema.KindOrderBook:
		normalized, err := p.books.ApplySnapshot(*event.Book)
		if err != nil {
			p.log.Debug("skipped stale book snapshot",
				observability.F("symbol", event.Book.Symbol))
			return
		}
		if p.handlers.OnBook != nil {
			p.handlers.OnBook(normalized)
		}
	case schema.KindTrade:
		if p.handlers.OnTrade != nil {
			p.handlers.OnTrade(*event.Trade)
		}
	case schema.KindOrder:
		status := MapOrderStatus(event.Order.VenueStatus, event.Order.Size, event.Order.ExecutedSize)
		record, changed := p.ledger.ApplyOrderEvent(p.ctx, event.Order, status)
		if changed && p.handlers.OnOrderUpdate != nil {
			p.handlers.OnOrderUpdate(record, false)
		}
	case schema.KindExecution:
		transition, applied := p.ledger.ApplyExecution(p.ctx, event.Execution)
		if !applied {
			return
		}
		if p.handlers.OnFill != nil && transition.Fill != nil {
			p.handlers.OnFill(*transition.Fill)
		}
		if p.handlers.OnOrderUpdate != nil {
			p.handlers.OnOrderUpdate(transition.Record, false)
		}
	case schema.KindPosition:
		if p.handlers.OnPosition != nil {
			p.handlers.OnPosition(schema.PositionRecord{
				Symbol:    event.Position.Symbol,
				Side:      event.Position.Side,
				Size:      event.Position.Size,
				AvgPrice:  event.Position.Price,
				UpdatedAt: event.Position.Timestamp,
			})
		}
	case schema.KindPositionSummary:
		record := schema.PositionRecord{
			Symbol:        event.PositionSummary.Symbol,
			Side:          event.PositionSummary.Side,
			Size:          event.PositionSummary.SumPositionQuantity,
			AvgPrice:      event.PositionSummary.AvgPositionRate,
			UnrealizedPnL: event.PositionSummary.PositionLossGain,
			UpdatedAt:     event.PositionSummary.Timestamp,
		}
		p.ledger.ApplyPositionSummary(record)
		if p.handlers.OnPosition != nil {
			p.handlers.OnPosition(record)
		}
	case schema.KindUnrecognized:
		p.log.Debug("unrecognized channel frame",
			observability.F("channel", event.Channel))
	}
}

// reconcileLoop pulls a venue order snapshot at startup and then
// periodically, letting the ledger synthesize any transitions the
// stream missed, covering gaps from disconnects.
func (p *Provider) reconcileLoop() {
	p.reconcileOnce()
	ticker := time.NewTicker(p.opts.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.reconcileOnce()
		}
	}
}

func (p *Provider) reconcileOnce() {
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.ReconcileInterval)
	defer cancel()

	snapshot := make(map[string]schema.OrderRecord)
	for _, symbol := range p.symbols {
		for page := 1; ; page++ {
			orders, err := p.rest.ActiveOrders(ctx, symbol, page, activeOrdersPageSize)
			if err != nil {
				p.log.Warn("reconcile: active orders fetch failed",
					observability.F("symbol", symbol),
					observability.F("page", page),
					observability.F("error", err.Error()))
				break
			}
			for _, order := range orders.List {
				record := OrderRecordFromVenue(order)
				snapshot[record.ExchangeOrderID] = record
			}
			if len(orders.List) < activeOrdersPageSize {
				break
			}
		}
	}

	// Open orders missing from the active snapshot reached a terminal
	// state while we were not listening; ask for them by id.
	var missing []int64
	for _, record := range p.ledger.OpenOrders() {
		if _, present := snapshot[record.ExchangeOrderID]; present {
			continue
		}
		if id, err := strconv.ParseInt(record.ExchangeOrderID, 10, 64); err == nil {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		page, err := p.rest.Orders(ctx, missing)
		if err != nil {
			p.log.Warn("reconcile: order lookup failed",
				observability.F("error", err.Error()))
		} else {
			for _, order := range page.List {
				record := OrderRecordFromVenue(order)
				snapshot[record.ExchangeOrderID] = record
			}
		}
	}

	records := make([]schema.OrderRecord, 0, len(snapshot))
	for _, record := range snapshot {
		records = append(records, record)
	}
	for _, transition := range p.ledger.Reconcile(ctx, records) {
		if p.handlers.OnOrderUpdate != nil {
			p.handlers.OnOrderUpdate(transition.Record, transition.Synthesized)
		}
	}

	summaries, err := p.rest.PositionSummaries(ctx, "")
	if err != nil {
		p.log.Warn("reconcile: position summary fetch failed",
			observability.F("error", err.Error()))
		return
	}
	now := p.opts.Clock()
	for _, summary := range summaries.List {
		p.ledger.ApplyPositionSummary(PositionRecordFromSummary(summary, now))
	}
}
