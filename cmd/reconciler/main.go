package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/example/trading-ledger/internal/config"
	"github.com/example/trading-ledger/internal/ledger"
	"github.com/example/trading-ledger/pkg/audit"
)

type runReport struct {
	RanAt    time.Time         `json:"ran_at"`
	Balanced bool              `json:"balanced"`
	Breaches map[string]string `json:"breaches,omitempty"`
	Error    string            `json:"error,omitempty"`
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).
		With("service", "trading-ledger-reconciler", "env", cfg.Environment)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
		store = ledger.NewPostgresStore(pool)
	}

	verifyExistingTrail(cfg.AuditTrailPath, logger)

	sink, err := os.OpenFile(cfg.AuditTrailPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		logger.Error("failed to open audit trail", "path", cfg.AuditTrailPath, "error", err)
		os.Exit(1)
	}
	defer sink.Close()
	trail := audit.NewTrail(sink)

	logger.Info("reconciler started", "interval", cfg.ReconcileInterval.String())

	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()

	runOnce(ctx, store, trail, logger)
	for {
		select {
		case <-ctx.Done():
			logger.Info("reconciler stopping")
			return
		case <-ticker.C:
			runOnce(ctx, store, trail, logger)
		}
	}
}

func runOnce(ctx context.Context, store ledger.Store, trail *audit.Trail, logger *slog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	report := runReport{RanAt: time.Now().UTC(), Balanced: true}

	lines, err := store.TrialBalance(runCtx)
	if err != nil {
		report.Balanced = false
		report.Error = err.Error()
		logger.Error("trial balance run failed", "error", err)
	}
	for _, line := range lines {
		if line.Difference.IsZero() {
			continue
		}
		report.Balanced = false
		if report.Breaches == nil {
			report.Breaches = make(map[string]string)
		}
		report.Breaches[line.Asset] = line.Difference.String()
		// Breaches alarm; correction happens out of band.
		logger.Error("ledger integrity breach",
			"asset", line.Asset, "difference", line.Difference.String())
	}

	payload, err := json.Marshal(report)
	if err != nil {
		logger.Error("failed to encode reconciliation report", "error", err)
		return
	}
	if _, err := trail.Record(string(payload)); err != nil {
		logger.Error("failed to record reconciliation run", "error", err)
		return
	}
	if report.Balanced {
		logger.Info("trial balance clean", "assets", len(lines))
	}
}

func verifyExistingTrail(path string, logger *slog.Logger) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	records, err := audit.ReadTrail(f)
	if err != nil {
		logger.Error("audit trail unreadable", "path", path, "error", err)
		return
	}
	if !audit.VerifyTrail(records) {
		logger.Error("audit trail failed verification", "path", path, "records", len(records))
		return
	}
	logger.Info("audit trail verified", "path", path, "records", len(records))
}
