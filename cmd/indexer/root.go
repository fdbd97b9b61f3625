package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/marko911/bridge-indexer/internal/config"
	"github.com/marko911/bridge-indexer/internal/logging"
	"github.com/marko911/bridge-indexer/internal/platform/storage"
)

type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "indexer",
		Short:         "Multi-chain bridge event indexer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", envOrDefault("CONFIG_PATH", "configs/indexer.yaml"), "Path to the YAML config")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level override: debug, info, warn, error")

	root.AddCommand(
		newRunCmd(g),
		newMigrateCmd(g),
		newCursorCmd(g),
		newVerifyCmd(g),
	)
	return root
}

// Execute runs the root command tree.
func Execute() error {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

// load reads the config and builds the process logger.
func (g *globalFlags) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	return cfg, logging.New(os.Stdout, cfg.LogLevel, "indexer"), nil
}

func openDB(ctx context.Context, cfg *config.Config) (*storage.DB, error) {
	db, err := storage.New(ctx, storage.FromConfig(cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return db, nil
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
