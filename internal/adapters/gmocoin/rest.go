package gmocoin

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/penguinworks/gmoconnect/errs"
	"github.com/penguinworks/gmoconnect/internal/ratelimit"
	"github.com/penguinworks/gmoconnect/internal/schema"
)

// KlineIntervals lists the candle intervals the venue accepts.
var KlineIntervals = []string{
	"1min", "5min", "10min", "15min", "30min",
	"1hour", "4hour", "8hour", "12hour",
	"1day", "1week", "1month",
}

// ExchangeStatus is the venue availability flag from GET /v1/status.
type ExchangeStatus struct {
	Status string `json:"status"`
}

// TickerEntry is one symbol quote from GET /v1/ticker.
type TickerEntry struct {
	Ask       string `json:"ask"`
	Bid       string `json:"bid"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Last      string `json:"last"`
	Symbol    string `json:"symbol"`
	Timestamp string `json:"timestamp"`
	Volume    string `json:"volume"`
}

// DepthLevel is one price level from GET /v1/orderbooks.
type DepthLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Depth is a full order book image from GET /v1/orderbooks.
type Depth struct {
	Asks   []DepthLevel `json:"asks"`
	Bids   []DepthLevel `json:"bids"`
	Symbol string       `json:"symbol"`
}

// TradeEntry is one public print from GET /v1/trades.
type TradeEntry struct {
	Price     string `json:"price"`
	Side      string `json:"side"`
	Size      string `json:"size"`
	Timestamp string `json:"timestamp"`
}

// TradesPage wraps the paginated trade history response.
type TradesPage struct {
	Pagination Pagination   `json:"pagination"`
	List       []TradeEntry `json:"list"`
}

// Pagination echoes the requested page window.
type Pagination struct {
	CurrentPage int `json:"currentPage"`
	Count       int `json:"count"`
}

// Kline is one candle from GET /v1/klines.
type Kline struct {
	OpenTime string `json:"openTime"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
}

// SymbolInfo is one catalog entry from GET /v1/symbols.
type SymbolInfo struct {
	Symbol            string `json:"symbol"`
	MinOrderSize      string `json:"minOrderSize"`
	MaxOrderSize      string `json:"maxOrderSize"`
	SizeStep          string `json:"sizeStep"`
	TickSize          string `json:"tickSize"`
	MinCloseOrderSize string `json:"minCloseOrderSize"`
	TakerFee          string `json:"takerFee"`
	MakerFee          string `json:"makerFee"`
}

// Asset is one balance from GET /v1/account/assets.
type Asset struct {
	Amount         string `json:"amount"`
	Available      string `json:"available"`
	ConversionRate string `json:"conversionRate"`
	Symbol         string `json:"symbol"`
}

// Margin is the account margin summary from GET /v1/account/margin.
type Margin struct {
	ActualProfitLoss string `json:"actualProfitLoss"`
	AvailableAmount  string `json:"availableAmount"`
	Margin           string `json:"margin"`
	ProfitLoss       string `json:"profitLoss"`
}

// TradingVolume is the tier-relevant volume report from GET /v1/account/tradingVolume.
type TradingVolume struct {
	JPYVolume string `json:"jpyVolume"`
	TierLevel int    `json:"tierLevel"`
}

// VenueOrder is one order from the orders/activeOrders endpoints.
type VenueOrder struct {
	OrderID       int64  `json:"orderId"`
	RootOrderID   int64  `json:"rootOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	OrderType     string `json:"orderType"`
	ExecutionType string `json:"executionType"`
	SettleType    string `json:"settleType"`
	Size          string `json:"size"`
	ExecutedSize  string `json:"executedSize"`
	Price         string `json:"price"`
	LosscutPrice  string `json:"losscutPrice"`
	Status        string `json:"status"`
	TimeInForce   string `json:"timeInForce"`
	Timestamp     string `json:"timestamp"`
}

// OrdersPage wraps paginated order list responses.
type OrdersPage struct {
	Pagination Pagination   `json:"pagination"`
	List       []VenueOrder `json:"list"`
}

// VenueExecution is one fill from the executions endpoints.
type VenueExecution struct {
	ExecutionID int64  `json:"executionId"`
	OrderID     int64  `json:"orderId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	SettleType  string `json:"settleType"`
	Size        string `json:"size"`
	Price       string `json:"price"`
	LossGain    string `json:"lossGain"`
	Fee         string `json:"fee"`
	Timestamp   string `json:"timestamp"`
}

// ExecutionsPage wraps paginated execution list responses.
type ExecutionsPage struct {
	Pagination Pagination       `json:"pagination"`
	List       []VenueExecution `json:"list"`
}

// VenuePosition is one open position from GET /v1/openPositions.
type VenuePosition struct {
	PositionID   int64  `json:"positionId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	Size         string `json:"size"`
	OrderdSize   string `json:"orderdSize"`
	Price        string `json:"price"`
	LossGain     string `json:"lossGain"`
	Leverage     string `json:"leverage"`
	LosscutPrice string `json:"losscutPrice"`
	Timestamp    string `json:"timestamp"`
}

// PositionsPage wraps the paginated open positions response.
type PositionsPage struct {
	Pagination Pagination      `json:"pagination"`
	List       []VenuePosition `json:"list"`
}

// PositionSummary is one per-symbol aggregate from GET /v1/positionSummary.
type PositionSummary struct {
	AverageLossGain     string `json:"averageLossGain"`
	AveragePositionRate string `json:"averagePositionRate"`
	PositionLossGain    string `json:"positionLossGain"`
	Side                string `json:"side"`
	SumOrderQuantity    string `json:"sumOrderQuantity"`
	SumPositionQuantity string `json:"sumPositionQuantity"`
	Symbol              string `json:"symbol"`
}

// PositionSummaryPage wraps the position summary response.
type PositionSummaryPage struct {
	List []PositionSummary `json:"list"`
}

// SettlePosition identifies a position leg closed by a close order.
type SettlePosition struct {
	PositionID int64  `json:"positionId"`
	Size       string `json:"size"`
}

type orderRequest struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	ExecutionType string `json:"executionType"`
	Size          string `json:"size"`
	Price         string `json:"price,omitempty"`
	TimeInForce   string `json:"timeInForce,omitempty"`
	LosscutPrice  string `json:"losscutPrice,omitempty"`
	CancelBefore  *bool  `json:"cancelBefore,omitempty"`
}

type changeOrderRequest struct {
	OrderID      int64  `json:"orderId"`
	Price        string `json:"price"`
	LosscutPrice string `json:"losscutPrice,omitempty"`
}

type closeOrderRequest struct {
	Symbol         string           `json:"symbol"`
	Side           string           `json:"side"`
	ExecutionType  string           `json:"executionType"`
	SettlePosition []SettlePosition `json:"settlePosition"`
	Price          string           `json:"price,omitempty"`
	TimeInForce    string           `json:"timeInForce,omitempty"`
}

type closeBulkOrderRequest struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	ExecutionType string `json:"executionType"`
	Size          string `json:"size"`
	Price         string `json:"price,omitempty"`
	TimeInForce   string `json:"timeInForce,omitempty"`
}

// Status fetches the venue availability flag.
func (c *RESTClient) Status(ctx context.Context) (ExchangeStatus, error) {
	var out ExchangeStatus
	err := c.Public(ctx, "/v1/status", nil, &out)
	return out, err
}

// Ticker fetches quotes for one symbol, or all symbols when symbol is empty.
func (c *RESTClient) Ticker(ctx context.Context, symbol string) ([]TickerEntry, error) {
	query := url.Values{}
	if symbol != "" {
		query.Set("symbol", symbol)
	}
	var out []TickerEntry
	err := c.Public(ctx, "/v1/ticker", query, &out)
	return out, err
}

// OrderBooks fetches the full depth snapshot for a symbol.
func (c *RESTClient) OrderBooks(ctx context.Context, symbol string) (Depth, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	var out Depth
	err := c.Public(ctx, "/v1/orderbooks", query, &out)
	return out, err
}

// Trades fetches a page of public trade history.
func (c *RESTClient) Trades(ctx context.Context, symbol string, page, count int) (TradesPage, error) {
	query := pageQuery(symbol, page, count)
	var out TradesPage
	err := c.Public(ctx, "/v1/trades", query, &out)
	return out, err
}

// Klines fetches candles for one interval and date.
func (c *RESTClient) Klines(ctx context.Context, symbol, interval, date string) ([]Kline, error) {
	if !validInterval(interval) {
		return nil, errs.New(venueName, errs.CodeInvalid, errs.WithMessage("unsupported kline interval "+interval))
	}
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("interval", interval)
	query.Set("date", date)
	var out []Kline
	err := c.Public(ctx, "/v1/klines", query, &out)
	return out, err
}

// Symbols fetches the tradable symbol catalog.
func (c *RESTClient) Symbols(ctx context.Context) ([]SymbolInfo, error) {
	var out []SymbolInfo
	err := c.Public(ctx, "/v1/symbols", nil, &out)
	return out, err
}

// Assets fetches account balances.
func (c *RESTClient) Assets(ctx context.Context) ([]Asset, error) {
	var out []Asset
	err := c.PrivateGet(ctx, ratelimit.ClassQuery, "/v1/account/assets", nil, &out)
	return out, err
}

// Margin fetches the account margin summary.
func (c *RESTClient) Margin(ctx context.Context) (Margin, error) {
	var out Margin
	err := c.PrivateGet(ctx, ratelimit.ClassQuery, "/v1/account/margin", nil, &out)
	return out, err
}

// TradingVolume fetches the weekly volume used for rate-limit tiering.
func (c *RESTClient) TradingVolume(ctx context.Context) (TradingVolume, error) {
	var out TradingVolume
	err := c.PrivateGet(ctx, ratelimit.ClassQuery, "/v1/account/tradingVolume", nil, &out)
	return out, err
}

// Orders looks up orders by id.
func (c *RESTClient) Orders(ctx context.Context, orderIDs []int64) (OrdersPage, error) {
	query := url.Values{}
	query.Set("orderId", joinIDs(orderIDs))
	var out OrdersPage
	err := c.PrivateGet(ctx, ratelimit.ClassQuery, "/v1/orders", query, &out)
	return out, err
}

// ActiveOrders fetches a page of open orders for a symbol.
func (c *RESTClient) ActiveOrders(ctx context.Context, symbol string, page, count int) (OrdersPage, error) {
	var out OrdersPage
	err := c.PrivateGet(ctx, ratelimit.ClassQuery, "/v1/activeOrders", pageQuery(symbol, page, count), &out)
	return out, err
}

// Executions fetches fills for one order.
func (c *RESTClient) Executions(ctx context.Context, orderID int64) (ExecutionsPage, error) {
	query := url.Values{}
	query.Set("orderId", strconv.FormatInt(orderID, 10))
	var out ExecutionsPage
	err := c.PrivateGet(ctx, ratelimit.ClassQuery, "/v1/executions", query, &out)
	return out, err
}

// LatestExecutions fetches a page of recent fills for a symbol.
func (c *RESTClient) LatestExecutions(ctx context.Context, symbol string, page, count int) (ExecutionsPage, error) {
	var out ExecutionsPage
	err := c.PrivateGet(ctx, ratelimit.ClassQuery, "/v1/latestExecutions", pageQuery(symbol, page, count), &out)
	return out, err
}

// OpenPositions fetches a page of open positions for a symbol.
func (c *RESTClient) OpenPositions(ctx context.Context, symbol string, page, count int) (PositionsPage, error) {
	var out PositionsPage
	err := c.PrivateGet(ctx, ratelimit.ClassQuery, "/v1/openPositions", pageQuery(symbol, page, count), &out)
	return out, err
}

// PositionSummaries fetches per-symbol aggregates; empty symbol means all.
func (c *RESTClient) PositionSummaries(ctx context.Context, symbol string) (PositionSummaryPage, error) {
	query := url.Values{}
	if symbol != "" {
		query.Set("symbol", symbol)
	}
	var out PositionSummaryPage
	err := c.PrivateGet(ctx, ratelimit.ClassQuery, "/v1/positionSummary", query, &out)
	return out, err
}

// SubmitOrder places a new order and returns the exchange order id.
func (c *RESTClient) SubmitOrder(ctx context.Context, intent schema.OrderIntent) (int64, error) {
	req := orderRequest{
		Symbol:        intent.Symbol,
		Side:          string(intent.Side),
		ExecutionType: string(intent.Type),
		Size:          intent.Quantity.String(),
		TimeInForce:   string(intent.TimeInForce),
	}
	if intent.Price != nil {
		req.Price = intent.Price.String()
	}
	if intent.LosscutPrice != nil {
		req.LosscutPrice = intent.LosscutPrice.String()
	}
	var raw string
	if err := c.PrivateSend(ctx, ratelimit.ClassOrder, http.MethodPost, "/v1/order", req, &raw); err != nil {
		return 0, err
	}
	orderID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errs.New(venueName, errs.CodeDecode, errs.WithMessage("order ack is not an order id"), errs.WithCause(err))
	}
	return orderID, nil
}

// ChangeOrder amends the price (and optionally losscut price) of an open order.
func (c *RESTClient) ChangeOrder(ctx context.Context, orderID int64, price decimal.Decimal, losscut *decimal.Decimal) error {
	req := changeOrderRequest{OrderID: orderID, Price: price.String()}
	if losscut != nil {
		req.LosscutPrice = losscut.String()
	}
	return c.PrivateSend(ctx, ratelimit.ClassOrder, http.MethodPost, "/v1/changeOrder", req, nil)
}

// CancelOrder cancels one order by id.
func (c *RESTClient) CancelOrder(ctx context.Context, orderID int64) error {
	req := map[string]int64{"orderId": orderID}
	return c.PrivateSend(ctx, ratelimit.ClassOrder, http.MethodPost, "/v1/cancelOrder", req, nil)
}

// CancelOrders cancels a batch of orders by id.
func (c *RESTClient) CancelOrders(ctx context.Context, orderIDs []int64) error {
	req := map[string][]int64{"orderIds": orderIDs}
	return c.PrivateSend(ctx, ratelimit.ClassOrder, http.MethodPost, "/v1/cancelOrders", req, nil)
}

// CancelBulkOrder cancels every open order on the given symbols, optionally one side.
func (c *RESTClient) CancelBulkOrder(ctx context.Context, symbols []string, side schema.Side) error {
	req := map[string]any{"symbols": symbols}
	if side != "" {
		req["side"] = string(side)
	}
	return c.PrivateSend(ctx, ratelimit.ClassOrder, http.MethodPost, "/v1/cancelBulkOrder", req, nil)
}

// CloseOrder settles specific position legs.
func (c *RESTClient) CloseOrder(ctx context.Context, symbol string, side schema.Side, execType schema.OrderType, legs []SettlePosition, price *decimal.Decimal, tif schema.TimeInForce) (int64, error) {
	req := closeOrderRequest{
		Symbol:         symbol,
		Side:           string(side),
		ExecutionType:  string(execType),
		SettlePosition: legs,
		TimeInForce:    string(tif),
	}
	if price != nil {
		req.Price = price.String()
	}
	var raw string
	if err := c.PrivateSend(ctx, ratelimit.ClassOrder, http.MethodPost, "/v1/closeOrder", req, &raw); err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// CloseBulkOrder settles up to size of the net position in one order.
func (c *RESTClient) CloseBulkOrder(ctx context.Context, symbol string, side schema.Side, execType schema.OrderType, size decimal.Decimal, price *decimal.Decimal, tif schema.TimeInForce) (int64, error) {
	req := closeBulkOrderRequest{
		Symbol:        symbol,
		Side:          string(side),
		ExecutionType: string(execType),
		Size:          size.String(),
		TimeInForce:   string(tif),
	}
	if price != nil {
		req.Price = price.String()
	}
	var raw string
	if err := c.PrivateSend(ctx, ratelimit.ClassOrder, http.MethodPost, "/v1/closeBulkOrder", req, &raw); err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// ChangeLosscutPrice amends the losscut price of an open position.
func (c *RESTClient) ChangeLosscutPrice(ctx context.Context, positionID int64, losscut decimal.Decimal) error {
	req := map[string]any{"positionId": positionID, "losscutPrice": losscut.String()}
	return c.PrivateSend(ctx, ratelimit.ClassOrder, http.MethodPut, "/v1/changeLosscutPrice", req, nil)
}

// IssueToken requests a fresh private-channel access token.
func (c *RESTClient) IssueToken(ctx context.Context) (string, error) {
	var token string
	if err := c.PrivateSend(ctx, ratelimit.ClassQuery, http.MethodPost, "/v1/ws-auth", nil, &token); err != nil {
		return "", err
	}
	if token == "" {
		return "", errs.New(venueName, errs.CodeDecode, errs.WithMessage("empty access token"))
	}
	return token, nil
}

// ExtendToken pushes the token expiry out by its full lifetime.
func (c *RESTClient) ExtendToken(ctx context.Context, token string) error {
	req := map[string]string{"token": token}
	return c.PrivateSend(ctx, ratelimit.ClassQuery, http.MethodPut, "/v1/ws-auth", req, nil)
}

// RevokeToken invalidates the token. The venue's signature validation for
// DELETE-with-body requests is unreliable, so callers treat failure as
// non-fatal and rely on natural expiry.
func (c *RESTClient) RevokeToken(ctx context.Context, token string) error {
	req := map[string]string{"token": token}
	return c.PrivateSend(ctx, ratelimit.ClassQuery, http.MethodDelete, "/v1/ws-auth", req, nil)
}

func pageQuery(symbol string, page, count int) url.Values {
	query := url.Values{}
	query.Set("symbol", symbol)
	if page > 0 {
		query.Set("page", strconv.Itoa(page))
	}
	if count > 0 {
		query.Set("count", strconv.Itoa(count))
	}
	return query
}

func joinIDs(ids []int64) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += strconv.FormatInt(id, 10)
	}
	return out
}

func validInterval(interval string) bool {
	for _, known := range KlineIntervals {
		if interval == known {
			return true
		}
	}
	return false
}

// OrderRecordFromVenue converts a venue order into the canonical record.
func OrderRecordFromVenue(order VenueOrder) schema.OrderRecord {
	size := parseDecimal(order.Size)
	executed := parseDecimal(order.ExecutedSize)
	record := schema.OrderRecord{
		ExchangeOrderID: strconv.FormatInt(order.OrderID, 10),
		Symbol:          order.Symbol,
		Side:            schema.Side(order.Side),
		Type:            schema.OrderType(order.ExecutionType),
		Quantity:        size,
		Price:           parseDecimal(order.Price),
		FilledQuantity:  executed,
		Status:          MapOrderStatus(order.Status, size, executed),
		UpdatedAt:       parseTimestamp(order.Timestamp),
	}
	return record
}

// MapOrderStatus maps a venue status string onto the local lifecycle,
// deriving partial fills from executed size.
func MapOrderStatus(venueStatus string, size, executed decimal.Decimal) schema.OrderStatus {
	switch venueStatus {
	case "WAITING", "ORDERED", "MODIFYING", "CANCELLING":
		if executed.IsPositive() && executed.LessThan(size) {
			return schema.StatusPartiallyFilled
		}
		return schema.StatusNew
	case "EXECUTED":
		return schema.StatusFilled
	case "CANCELED":
		return schema.StatusCanceled
	case "EXPIRED":
		return schema.StatusExpired
	default:
		return schema.StatusRejected
	}
}

// PositionRecordFromSummary converts a venue aggregate into the canonical record.
func PositionRecordFromSummary(sum PositionSummary, at time.Time) schema.PositionRecord {
	return schema.PositionRecord{
		Symbol:        sum.Symbol,
		Side:          schema.Side(sum.Side),
		Size:          parseDecimal(sum.SumPositionQuantity),
		AvgPrice:      parseDecimal(sum.AveragePositionRate),
		UnrealizedPnL: parseDecimal(sum.PositionLossGain),
		UpdatedAt:     at,
	}
}

func parseDecimal(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return value
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
