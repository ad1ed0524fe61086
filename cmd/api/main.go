package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/example/trading-ledger/internal/api"
	"github.com/example/trading-ledger/internal/config"
	"github.com/example/trading-ledger/internal/events"
	"github.com/example/trading-ledger/internal/ledger"
	"github.com/example/trading-ledger/internal/marketdata"
	"github.com/example/trading-ledger/internal/quotes"
	"github.com/example/trading-ledger/internal/settlement"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).
		With("service", "trading-ledger-api", "env", cfg.Environment)
	slog.SetDefault(logger)

	ctx := context.Background()

	var store ledger.Store
	if cfg.SQLite() {
		ss, err := ledger.OpenSQLite(ctx, cfg.SQLiteDSN())
		if err != nil {
			logger.Error("failed to open sqlite store", "error", err)
			os.Exit(1)
		}
		defer ss.Close()
		store = ss
	} else {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to create postgres pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		ps := ledger.NewPostgresStore(pool)
		if err := ps.EnsureSchema(ctx); err != nil {
			logger.Error("failed to prepare schema", "error", err)
			os.Exit(1)
		}
		store = ps
	}

	feed := marketdata.NewFeed(0)
	seedPrices(feed, os.Getenv("PRICE_SEED"), logger)

	engine := quotes.NewEngine(feed, quotes.FeeSchedule{
		DefaultSpreadBps: cfg.SpreadBps,
		DefaultFeeBps:    cfg.FeeBps,
	}, cfg.PriceLockWindow, cfg.QuoteFetchTimeout)

	var publisher events.Publisher = events.Disabled{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers)
		defer kp.Close()
		publisher = kp
		logger.Info("settlement events enabled", "brokers", cfg.KafkaBrokers)
	}

	coordinator := settlement.NewCoordinator(store, engine, publisher, logger)

	router := api.NewRouter(api.Dependencies{
		Logger:  logger,
		Settler: coordinator,
		Quotes:  engine,
		Ledger:  store,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("trading ledger api listening", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// seedPrices loads development prices from PRICE_SEED
// ("XAU=2000,AGX=25"). Production feeds the board from the ticker
// pipeline instead.
func seedPrices(feed *marketdata.Feed, seed string, logger *slog.Logger) {
	if seed == "" {
		return
	}
	for _, pair := range strings.Split(seed, ",") {
		symbol, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(value)
		if err != nil {
			logger.Warn("skipping malformed price seed", "pair", pair)
			continue
		}
		feed.Publish(strings.ToUpper(symbol), price)
	}
}
