package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the connectivity instruments. A zero value is unusable;
// construct via NewMetrics, which falls back to the global (possibly noop)
// meter provider.
type Metrics struct {
	reconnects    metric.Int64Counter
	decodeDrops   metric.Int64Counter
	restRetries   metric.Int64Counter
	venueThrottle metric.Int64Counter
	ledgerHeals   metric.Int64Counter
	tokenRenewals metric.Int64Counter
	limiterWait   metric.Float64Histogram
}

// NewMetrics registers the connectivity instruments on the given provider.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("gmoconnect/connectivity")

	reconnects, err := meter.Int64Counter("ws.reconnects",
		metric.WithDescription("websocket reconnect attempts per session"))
	if err != nil {
		return nil, err
	}
	decodeDrops, err := meter.Int64Counter("ws.decode_drops",
		metric.WithDescription("inbound frames dropped due to decode failure"))
	if err != nil {
		return nil, err
	}
	restRetries, err := meter.Int64Counter("rest.retries",
		metric.WithDescription("REST attempts retried after transient failure"))
	if err != nil {
		return nil, err
	}
	venueThrottle, err := meter.Int64Counter("rest.venue_throttle",
		metric.WithDescription("rate-limit rejections reported by the venue despite local limiting"))
	if err != nil {
		return nil, err
	}
	ledgerHeals, err := meter.Int64Counter("ledger.heals",
		metric.WithDescription("order transitions synthesized during snapshot reconciliation"))
	if err != nil {
		return nil, err
	}
	tokenRenewals, err := meter.Int64Counter("token.renewals",
		metric.WithDescription("private access token issue/extend operations"))
	if err != nil {
		return nil, err
	}

	limiterWait, err := meter.Float64Histogram("ratelimit.wait",
		metric.WithDescription("seconds spent waiting on a limiter class before dispatch"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		reconnects:    reconnects,
		decodeDrops:   decodeDrops,
		restRetries:   restRetries,
		venueThrottle: venueThrottle,
		ledgerHeals:   ledgerHeals,
		tokenRenewals: tokenRenewals,
		limiterWait:   limiterWait,
	}, nil
}

// RecordReconnect counts a reconnect attempt for the named session.
func (m *Metrics) RecordReconnect(ctx context.Context, session string) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("session", session)))
}

// RecordDecodeDrop counts a dropped frame on the named channel.
func (m *Metrics) RecordDecodeDrop(ctx context.Context, channel string) {
	if m == nil {
		return
	}
	m.decodeDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordRESTRetry counts a retried REST attempt for the given path.
func (m *Metrics) RecordRESTRetry(ctx context.Context, path string) {
	if m == nil {
		return
	}
	m.restRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

// RecordVenueThrottle counts an exchange-reported rate-limit rejection, a
// signal that the local limiter calibration is off.
func (m *Metrics) RecordVenueThrottle(ctx context.Context, path string) {
	if m == nil {
		return
	}
	m.venueThrottle.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

// RecordLedgerHeal counts a synthesized transition for the given symbol.
func (m *Metrics) RecordLedgerHeal(ctx context.Context, symbol string) {
	if m == nil {
		return
	}
	m.ledgerHeals.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// RecordLimiterWait records the time a request spent blocked on its
// rate class before dispatch.
func (m *Metrics) RecordLimiterWait(ctx context.Context, class string, seconds float64) {
	if m == nil {
		return
	}
	m.limiterWait.Record(ctx, seconds, metric.WithAttributes(attribute.String("class", class)))
}

// RecordTokenRenewal counts a token lifecycle operation ("issue" or "extend").
func (m *Metrics) RecordTokenRenewal(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.tokenRenewals.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
