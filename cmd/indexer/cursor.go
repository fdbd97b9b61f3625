package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/marko911/bridge-indexer/internal/adapter/chains"
	"github.com/marko911/bridge-indexer/internal/config"
	"github.com/marko911/bridge-indexer/internal/platform/storage"
	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

func newCursorCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect or move per-chain sync cursors",
	}
	cmd.AddCommand(newCursorShowCmd(g), newCursorResetCmd(g))
	return cmd
}

func newCursorShowCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show [chain]",
		Short: "Print sync cursors",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			cursors, err := storage.NewStore(db, cfg.Outbox.TopicPrefix).Cursors(ctx)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cursors = filterCursors(cursors, args[0])
				if len(cursors) == 0 {
					return fmt.Errorf("no cursor for chain %q", args[0])
				}
			}
			return printCursors(cmd.OutOrStdout(), cursors)
		},
	}
}

func newCursorResetCmd(g *globalFlags) *cobra.Command {
	var (
		height  uint64
		blockID string
	)
	cmd := &cobra.Command{
		Use:   "reset <chain>",
		Short: "Move a chain's cursor to a height, deleting everything indexed above it",
		Long: "Move a chain's cursor to --height and delete the events and block ids above it.\n" +
			"The chain's watcher must be stopped. Without --block-id the block id is fetched from the chain.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			chainCfg, ok := cfg.Chain(args[0])
			if !ok {
				return fmt.Errorf("unknown chain %q", args[0])
			}
			ctx := cmd.Context()

			if blockID == "" {
				blockID, err = fetchBlockID(ctx, chainCfg, height, logger)
				if err != nil {
					return err
				}
			}

			db, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			deleted, err := storage.NewStore(db, cfg.Outbox.TopicPrefix).
				ResetCursor(ctx, chainCfg.Name, chainCfg.ChainID, height, blockID)
			if err != nil {
				return err
			}
			logger.Info("cursor reset",
				"chain", chainCfg.Name,
				"height", height,
				"block_id", blockID,
				"events_deleted", deleted,
			)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&height, "height", 0, "Last processed height after the reset")
	cmd.Flags().StringVar(&blockID, "block-id", "", "Block id at --height")
	_ = cmd.MarkFlagRequired("height")
	return cmd
}

func fetchBlockID(ctx context.Context, cfg config.ChainConfig, height uint64, logger *slog.Logger) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	a, err := chains.Open(ctx, cfg, logger)
	if err != nil {
		return "", err
	}
	defer a.Close()

	ref, err := a.FetchBlock(ctx, height)
	if err != nil {
		return "", fmt.Errorf("fetch block %d on %s: %w", height, cfg.Name, err)
	}
	if ref.ID == "" {
		return "", fmt.Errorf("no block at height %d on %s; pass --block-id", height, cfg.Name)
	}
	return ref.ID, nil
}

func filterCursors(cursors []bridgev1.SyncCursor, chain string) []bridgev1.SyncCursor {
	var out []bridgev1.SyncCursor
	for _, c := range cursors {
		if c.Chain == chain {
			out = append(out, c)
		}
	}
	return out
}

func printCursors(w io.Writer, cursors []bridgev1.SyncCursor) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHAIN\tCHAIN ID\tHEIGHT\tBLOCK ID\tMODE\tUPDATED")
	for _, c := range cursors {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\n",
			c.Chain, c.ChainID, c.Height, c.BlockID, c.Mode, c.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
