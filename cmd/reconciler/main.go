// Command reconciler links bridge events that start a transfer to the events
// that complete it on the other chain.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marko911/bridge-indexer/internal/config"
	"github.com/marko911/bridge-indexer/internal/logging"
	"github.com/marko911/bridge-indexer/internal/platform/storage"
	"github.com/marko911/bridge-indexer/internal/reconcile"
)

func main() {
	var (
		configPath = flag.String("config", envOrDefault("CONFIG_PATH", "configs/indexer.yaml"), "Path to the YAML config")
		logLevel   = flag.String("log-level", "", "Log level override: debug, info, warn, error")
		interval   = flag.Duration("interval", 30*time.Second, "Reconciliation interval")
		batchSize  = flag.Int("batch-size", 500, "Initiations loaded per query")
		maxPer     = flag.Int("max-per-cycle", 10_000, "Initiations examined per cycle")
		httpAddr   = flag.String("http-addr", envOrDefault("RECONCILER_ADDR", ":9093"), "Address for /health and /metrics")
		once       = flag.Bool("once", false, "Run a single cycle and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, "reconciler")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := storage.New(ctx, storage.FromConfig(cfg.Database))
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := storage.NewStore(db, cfg.Outbox.TopicPrefix).VerifySchema(ctx); err != nil {
		logger.Error("database schema is not migrated", "error", err)
		os.Exit(1)
	}

	r := reconcile.New(reconcile.Config{
		Interval:    *interval,
		BatchSize:   *batchSize,
		MaxPerCycle: *maxPer,
	}, storage.NewStore(db, cfg.Outbox.TopicPrefix), logger)

	if *once {
		linked, err := r.Cycle(ctx)
		if err != nil {
			logger.Error("reconcile cycle failed", "error", err)
			os.Exit(1)
		}
		logger.Info("reconcile cycle complete", "linked", linked, "stats", r.Stats())
		return
	}

	srv := &http.Server{
		Addr:              *httpAddr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting http server", "addr", *httpAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	if err := r.Run(ctx); err != nil {
		logger.Error("reconciler error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	logger.Info("reconciler shutdown complete")
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
