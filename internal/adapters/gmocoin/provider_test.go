package gmocoin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/penguinworks/gmoconnect/errs"
	"github.com/penguinworks/gmoconnect/internal/ratelimit"
	"github.com/penguinworks/gmoconnect/internal/schema"
)

func testProvider(t *testing.T, server *httptest.Server, handlers Handlers) *Provider {
	t.Helper()
	opts := Options{
		APIKey:            "test-key",
		APISecret:         "test-secret",
		PublicRESTURL:     server.URL,
		PrivateRESTURL:    server.URL,
		ReconcileInterval: time.Hour,
	}
	provider, err := NewProvider(opts, ratelimit.New(ratelimit.TierLimits(1)), []string{"BTC_JPY"}, handlers)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	return provider
}

func TestCancelOrderResolvesClientOrderID(t *testing.T) {
	var canceled atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/cancelOrder" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			OrderID int64 `json:"orderId"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		canceled.Store(req.OrderID)
		_, _ = io.WriteString(w, `{"status":0,"responsetime":"2023-10-01T00:00:00.000Z"}`)
	}))
	defer server.Close()

	p := testProvider(t, server, Handlers{})
	p.Ledger().Track(schema.OrderRecord{
		ClientOrderID:   "client-1",
		ExchangeOrderID: "123456789",
		Symbol:          "BTC_JPY",
		Status:          schema.StatusNew,
	})

	if err := p.CancelOrder(context.Background(), "client-1"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if canceled.Load() != 123456789 {
		t.Fatalf("canceled order id = %d, want 123456789", canceled.Load())
	}

	err := p.CancelOrder(context.Background(), "never-submitted")
	if errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("unknown client id code = %s, want %s", errs.CodeOf(err), errs.CodeInvalid)
	}
}

func TestModifyOrderResolvesClientOrderID(t *testing.T) {
	var changed atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/changeOrder" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			OrderID int64 `json:"orderId"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		changed.Store(req.OrderID)
		_, _ = io.WriteString(w, `{"status":0,"responsetime":"2023-10-01T00:00:00.000Z"}`)
	}))
	defer server.Close()

	p := testProvider(t, server, Handlers{})
	p.Ledger().Track(schema.OrderRecord{
		ClientOrderID:   "client-2",
		ExchangeOrderID: "42",
		Symbol:          "BTC_JPY",
		Status:          schema.StatusNew,
	})

	price := decimal.RequireFromString("760000")
	if err := p.ModifyOrder(context.Background(), "client-2", schema.OrderChanges{Price: &price}); err != nil {
		t.Fatalf("ModifyOrder: %v", err)
	}
	if changed.Load() != 42 {
		t.Fatalf("changed order id = %d, want 42", changed.Load())
	}
}

func venueOrderJSON(orderID int) string {
	return fmt.Sprintf(`{"orderId":%d,"symbol":"BTC_JPY","side":"BUY","executionType":"LIMIT","size":"1","executedSize":"0","price":"100","status":"ORDERED","timestamp":"2023-10-01T00:00:00.000Z"}`, orderID)
}

func TestReconcileRunsAtStartupAndWalksPages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/activeOrders":
			// A full first page followed by a partial second one: both
			// must land in the snapshot.
			page := r.URL.Query().Get("page")
			var list []string
			if page == "1" || page == "" {
				for i := 1; i <= activeOrdersPageSize; i++ {
					list = append(list, venueOrderJSON(i))
				}
			} else if page == "2" {
				list = append(list, venueOrderJSON(activeOrdersPageSize+1))
			}
			_, _ = io.WriteString(w, `{"status":0,"data":{"list":[`+strings.Join(list, ",")+`]},"responsetime":"2023-10-01T00:00:00.000Z"}`)
		case "/v1/positionSummary":
			_, _ = io.WriteString(w, `{"status":0,"data":{"list":[]},"responsetime":"2023-10-01T00:00:00.000Z"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	var mu sync.Mutex
	adopted := 0
	p := testProvider(t, server, Handlers{
		OnOrderUpdate: func(schema.OrderRecord, bool) {
			mu.Lock()
			adopted++
			mu.Unlock()
		},
	})
	p.ctx, p.cancel = context.WithCancel(context.Background())
	defer p.cancel()

	// The interval is an hour, so every update must come from the
	// startup pass.
	go p.reconcileLoop()

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		got := adopted
		mu.Unlock()
		if got == activeOrdersPageSize+1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("adopted = %d, want %d", got, activeOrdersPageSize+1)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEmitNewBarsDeduplicatesByOpenTime(t *testing.T) {
	var body atomic.Value
	body.Store(`{"status":0,"data":[{"openTime":"1696118400000","open":"100","high":"110","low":"90","close":"105","volume":"1"}],"responsetime":"2023-10-01T00:00:00.000Z"}`)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/klines" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, body.Load().(string))
	}))
	defer server.Close()

	var mu sync.Mutex
	var bars []schema.Bar
	p := testProvider(t, server, Handlers{
		OnBar: func(bar schema.Bar) {
			mu.Lock()
			bars = append(bars, bar)
			mu.Unlock()
		},
	})
	ctx := context.Background()

	last := p.emitNewBars(ctx, "BTC_JPY", "1min", "")
	if last != "1696118400000" {
		t.Fatalf("last = %s, want 1696118400000", last)
	}
	if len(bars) != 1 {
		t.Fatalf("bars = %d, want 1", len(bars))
	}
	bar := bars[0]
	if bar.Symbol != "BTC_JPY" || bar.Interval != "1min" {
		t.Fatalf("bar identity = %s %s", bar.Symbol, bar.Interval)
	}
	if !bar.OpenTime.Equal(time.UnixMilli(1696118400000).UTC()) {
		t.Fatalf("open time = %s", bar.OpenTime)
	}
	if !bar.Close.Equal(decimal.RequireFromString("105")) {
		t.Fatalf("close = %s, want 105", bar.Close)
	}

	// Same response again: nothing new.
	last = p.emitNewBars(ctx, "BTC_JPY", "1min", last)
	if len(bars) != 1 {
		t.Fatalf("bars after repoll = %d, want 1", len(bars))
	}

	// A fresh candle appears: only it is emitted.
	body.Store(`{"status":0,"data":[{"openTime":"1696118400000","open":"100","high":"110","low":"90","close":"105","volume":"1"},{"openTime":"1696118460000","open":"105","high":"112","low":"104","close":"111","volume":"2"}],"responsetime":"2023-10-01T00:00:00.000Z"}`)
	last = p.emitNewBars(ctx, "BTC_JPY", "1min", last)
	if last != "1696118460000" {
		t.Fatalf("last = %s, want 1696118460000", last)
	}
	if len(bars) != 2 {
		t.Fatalf("bars = %d, want 2", len(bars))
	}
	if !bars[1].Open.Equal(decimal.RequireFromString("105")) {
		t.Fatalf("second bar open = %s, want 105", bars[1].Open)
	}
}

func TestSubscribeBarsValidation(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	p := testProvider(t, server, Handlers{})
	err := p.SubscribeBars(context.Background(), "BTC_JPY", "2min")
	if errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("bad interval code = %s, want %s", errs.CodeOf(err), errs.CodeInvalid)
	}
	err = p.SubscribeBars(context.Background(), "BTC_JPY", "1min")
	if errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("not-started code = %s, want %s", errs.CodeOf(err), errs.CodeUnavailable)
	}
}
