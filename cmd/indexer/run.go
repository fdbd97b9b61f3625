package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marko911/bridge-indexer/internal/health"
	"github.com/marko911/bridge-indexer/internal/platform/objectstore"
	"github.com/marko911/bridge-indexer/internal/platform/storage"
	"github.com/marko911/bridge-indexer/internal/supervisor"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Index every enabled chain until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIndexer(cmd.Context(), g, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "Apply pending migrations before starting")
	return cmd
}

func runIndexer(parent context.Context, g *globalFlags, migrate bool) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store := storage.NewStore(db, cfg.Outbox.TopicPrefix)
	if migrate {
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	} else if err := store.VerifySchema(ctx); err != nil {
		return fmt.Errorf("database schema is not migrated: %w", err)
	}

	reg := health.NewRegistry()
	opts := supervisor.Options{Health: reg}
	if cfg.Archive.Enabled {
		archive, err := objectstore.NewArchive(ctx, cfg.Archive, logger)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		opts.Archiver = archive
	}

	sup, err := supervisor.New(ctx, cfg, store, opts, logger)
	if err != nil {
		return err
	}

	srv := health.Serve(cfg.Health.Addr, reg, health.Checker{DBPing: db.Health})
	logger.Info("health server started", "addr", cfg.Health.Addr)

	if cfg.Health.RedisURL != "" {
		mirror, err := health.NewRedisMirror(ctx, cfg.Health.RedisURL, reg, cfg.Health.RedisTTL, logger)
		if err != nil {
			logger.Warn("redis health mirror disabled", "error", err)
		} else {
			defer mirror.Close()
			go mirror.Run(ctx)
		}
	}

	runErr := sup.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("health server shutdown error", "error", err)
	}

	if runErr != nil {
		logger.Error("chains failed", "error", runErr)
		return errors.Join(errors.New("one or more chains failed"), runErr)
	}
	logger.Info("indexer shutdown complete")
	return nil
}
