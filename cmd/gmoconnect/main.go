// Command gmoconnect runs the exchange connectivity core: it connects both
// stream sessions, mirrors order state, and logs normalized events.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/penguinworks/gmoconnect/config"
	"github.com/penguinworks/gmoconnect/internal/adapters/gmocoin"
	"github.com/penguinworks/gmoconnect/internal/observability"
	"github.com/penguinworks/gmoconnect/internal/ratelimit"
	"github.com/penguinworks/gmoconnect/internal/schema"
	"github.com/penguinworks/gmoconnect/internal/telemetry"
)

const (
	defaultConfigPath        = "config/gmoconnect.yaml"
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "gmoconnect: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	path := configPath
	if _, err := os.Stat(path); os.IsNotExist(err) && path == defaultConfigPath {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger := observability.NewLogrusLogger(os.Stdout, cfg.LogLevel)
	observability.SetLogger(logger)
	log := logger.WithComponent("main")

	provider, shutdownTelemetry, err := buildProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer shutdownCancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown failed", observability.F("error", err.Error()))
		}
	}()

	if err := provider.Start(ctx); err != nil {
		return fmt.Errorf("start provider: %w", err)
	}
	defer provider.Close()

	var wg conc.WaitGroup
	defer wg.Wait()
	wg.Go(func() { subscribeAll(ctx, provider, cfg.Symbols, log) })

	log.Info("connectivity core running",
		observability.F("symbols", cfg.Symbols),
		observability.F("tier", cfg.REST.RateLimitTier))

	<-ctx.Done()
	log.Info("shutdown signal received, draining")
	return nil
}

func buildProvider(ctx context.Context, cfg config.Config, logger *observability.LogrusLogger) (*gmocoin.Provider, func(context.Context) error, error) {
	meterProvider, shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, nil, fmt.Errorf("init telemetry: %w", err)
	}
	metrics, err := telemetry.NewMetrics(meterProvider)
	if err != nil {
		return nil, nil, fmt.Errorf("register metrics: %w", err)
	}

	limiter := buildLimiter(cfg)

	opts := gmocoin.Options{
		APIKey:            cfg.Credentials.APIKey,
		APISecret:         cfg.Credentials.APISecret,
		HTTPTimeout:       cfg.REST.Timeout,
		ProxyURL:          cfg.REST.ProxyURL,
		MaxRetries:        cfg.REST.MaxRetries,
		HeartbeatTimeout:  cfg.WS.HeartbeatTimeout,
		MaxReconnects:     cfg.WS.MaxReconnects,
		BookDepth:         cfg.MarketData.BookDepth,
		TakerOnly:         cfg.MarketData.TakerOnly,
		ReconcileInterval: cfg.ReconcileInterval,
		Logger:            logger.WithComponent("gmocoin"),
		Metrics:           metrics,
	}

	eventLog := logger.WithComponent("events")
	handlers := gmocoin.Handlers{
		OnTicker: func(ticker schema.Ticker) {
			eventLog.Debug("ticker",
				observability.F("symbol", ticker.Symbol),
				observability.F("bid", ticker.Bid.String()),
				observability.F("ask", ticker.Ask.String()))
		},
		OnTrade: func(trade schema.Trade) {
			eventLog.Debug("trade",
				observability.F("symbol", trade.Symbol),
				observability.F("side", string(trade.Side)),
				observability.F("price", trade.Price.String()),
				observability.F("size", trade.Size.String()))
		},
		OnBook: func(book schema.BookSnapshot) {
			eventLog.Debug("book",
				observability.F("symbol", book.Symbol),
				observability.F("levels", len(book.Bids)+len(book.Asks)))
		},
		OnOrderUpdate: func(record schema.OrderRecord, synthesized bool) {
			eventLog.Info("order update",
				observability.F("order_id", record.ExchangeOrderID),
				observability.F("status", string(record.Status)),
				observability.F("filled", record.FilledQuantity.String()),
				observability.F("synthesized", synthesized))
		},
		OnFill: func(fill schema.Fill) {
			eventLog.Info("fill",
				observability.F("order_id", fill.OrderID),
				observability.F("execution_id", fill.ExecutionID),
				observability.F("price", fill.Price.String()),
				observability.F("size", fill.Quantity.String()))
		},
		OnPosition: func(position schema.PositionRecord) {
			eventLog.Debug("position",
				observability.F("symbol", position.Symbol),
				observability.F("side", string(position.Side)),
				observability.F("size", position.Size.String()))
		},
		OnSessionDown: func(session string, err error) {
			eventLog.Error("session down",
				observability.F("session", session),
				observability.F("error", err.Error()))
		},
	}

	provider, err := gmocoin.NewProvider(opts, limiter, cfg.Symbols, handlers)
	if err != nil {
		return nil, nil, fmt.Errorf("build provider: %w", err)
	}
	return provider, shutdownTelemetry, nil
}

func buildLimiter(cfg config.Config) *ratelimit.Limiter {
	limits := ratelimit.TierLimits(cfg.REST.RateLimitTier)
	for class, override := range cfg.REST.RateOverrides {
		limits[ratelimit.Class(class)] = ratelimit.Limit{Rate: override.Rate, Burst: override.Burst}
	}
	if cfg.WS.CommandRate != nil {
		limits[ratelimit.ClassWSCommand] = ratelimit.Limit{
			Rate:  cfg.WS.CommandRate.Rate,
			Burst: cfg.WS.CommandRate.Burst,
		}
	}
	return ratelimit.New(limits)
}

func subscribeAll(ctx context.Context, provider *gmocoin.Provider, symbols []string, log observability.Logger) {
	for _, symbol := range symbols {
		if err := provider.SubscribeTicker(ctx, symbol); err != nil {
			log.Error("subscribe ticker failed", observability.F("symbol", symbol), observability.F("error", err.Error()))
		}
		if err := provider.SubscribeOrderBooks(ctx, symbol); err != nil {
			log.Error("subscribe orderbooks failed", observability.F("symbol", symbol), observability.F("error", err.Error()))
		}
		if err := provider.SubscribeTrades(ctx, symbol); err != nil {
			log.Error("subscribe trades failed", observability.F("symbol", symbol), observability.F("error", err.Error()))
		}
	}
}
