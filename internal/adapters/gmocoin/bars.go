package gmocoin

import (
	"context"
	"strconv"
	"time"

	"github.com/penguinworks/gmoconnect/errs"
	"github.com/penguinworks/gmoconnect/internal/observability"
	"github.com/penguinworks/gmoconnect/internal/schema"
)

// The venue has no candle channel, so bars are assembled by polling
// GET /v1/klines per subscribed (symbol, interval) pair and emitting
// candles not seen before.

// intervalDurations maps the venue's interval vocabulary to wall time.
var intervalDurations = map[string]time.Duration{
	"1min":   time.Minute,
	"5min":   5 * time.Minute,
	"10min":  10 * time.Minute,
	"15min":  15 * time.Minute,
	"30min":  30 * time.Minute,
	"1hour":  time.Hour,
	"4hour":  4 * time.Hour,
	"8hour":  8 * time.Hour,
	"12hour": 12 * time.Hour,
	"1day":   24 * time.Hour,
	"1week":  7 * 24 * time.Hour,
	"1month": 30 * 24 * time.Hour,
}

// barPollInterval derives the poll cadence for one bar interval.
// Shorter bars poll more often; the cadence is clamped so a 1min bar
// does not hammer the endpoint and a monthly bar still checks in.
func barPollInterval(interval string) time.Duration {
	poll := intervalDurations[interval] / 4
	if poll < 10*time.Second {
		poll = 10 * time.Second
	}
	if poll > 10*time.Minute {
		poll = 10 * time.Minute
	}
	return poll
}

func barKey(symbol, interval string) string {
	return symbol + "|" + interval
}

// SubscribeBars starts polling candles for a symbol and interval,
// delivering each new one through OnBar. Requires Start.
func (p *Provider) SubscribeBars(ctx context.Context, symbol, interval string) error {
	if !validInterval(interval) {
		return errs.New(venueName, errs.CodeInvalid, errs.WithMessage("unsupported kline interval "+interval))
	}
	if p.ctx == nil {
		return errs.New(venueName, errs.CodeUnavailable, errs.WithMessage("provider not started"))
	}

	p.barMu.Lock()
	defer p.barMu.Unlock()
	key := barKey(symbol, interval)
	if _, exists := p.barCancels[key]; exists {
		return nil
	}
	streamCtx, cancel := context.WithCancel(p.ctx)
	p.barCancels[key] = cancel
	p.wg.Go(func() { p.pollBars(streamCtx, symbol, interval) })
	return nil
}

// UnsubscribeBars stops the poll loop for a symbol and interval.
func (p *Provider) UnsubscribeBars(symbol, interval string) {
	p.barMu.Lock()
	defer p.barMu.Unlock()
	key := barKey(symbol, interval)
	if cancel, ok := p.barCancels[key]; ok {
		cancel()
		delete(p.barCancels, key)
	}
}

func (p *Provider) pollBars(ctx context.Context, symbol, interval string) {
	ticker := time.NewTicker(barPollInterval(interval))
	defer ticker.Stop()
	last := ""
	for {
		last = p.emitNewBars(ctx, symbol, interval, last)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// emitNewBars fetches the current day's candles and pushes the ones
// newer than last through OnBar. Returns the newest open time seen so
// the next poll resumes from there. Fetch failures keep last and are
// retried on the next cycle.
func (p *Provider) emitNewBars(ctx context.Context, symbol, interval, last string) string {
	date := p.opts.Clock().UTC().Format("20060102")
	klines, err := p.rest.Klines(ctx, symbol, interval, date)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("bar poll failed",
				observability.F("symbol", symbol),
				observability.F("interval", interval),
				observability.F("error", err.Error()))
		}
		return last
	}
	for _, kline := range klines {
		// Open times are fixed-width ms epochs, so the string compare
		// orders them correctly.
		if kline.OpenTime == "" || kline.OpenTime <= last {
			continue
		}
		bar, err := barFromKline(symbol, interval, kline)
		if err != nil {
			p.log.Warn("skipped malformed kline",
				observability.F("symbol", symbol),
				observability.F("open_time", kline.OpenTime),
				observability.F("error", err.Error()))
			continue
		}
		if p.handlers.OnBar != nil {
			p.handlers.OnBar(bar)
		}
		last = kline.OpenTime
	}
	return last
}

func barFromKline(symbol, interval string, kline Kline) (schema.Bar, error) {
	openMillis, err := strconv.ParseInt(kline.OpenTime, 10, 64)
	if err != nil {
		return schema.Bar{}, errs.New(venueName, errs.CodeDecode,
			errs.WithMessage("bad kline open time "+kline.OpenTime), errs.WithCause(err))
	}
	return schema.Bar{
		Symbol:   symbol,
		Interval: interval,
		OpenTime: time.UnixMilli(openMillis).UTC(),
		Open:     parseDecimal(kline.Open),
		High:     parseDecimal(kline.High),
		Low:      parseDecimal(kline.Low),
		Close:    parseDecimal(kline.Close),
		Volume:   parseDecimal(kline.Volume),
	}, nil
}
