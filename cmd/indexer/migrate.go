package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd(g *globalFlags) *cobra.Command {
	var (
		down   int
		status bool
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, roll back or list schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			switch {
			case status:
				applied, err := db.AppliedMigrations(ctx)
				if err != nil {
					return err
				}
				for _, m := range applied {
					fmt.Fprintln(cmd.OutOrStdout(), m.String())
				}
				return nil
			case down > 0:
				if err := db.MigrateDown(ctx, down); err != nil {
					return err
				}
				logger.Info("migrations rolled back", "steps", down)
				return nil
			}
			if err := db.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
	cmd.Flags().IntVar(&down, "down", 0, "Roll back this many migrations")
	cmd.Flags().BoolVar(&status, "status", false, "List applied migrations")
	cmd.MarkFlagsMutuallyExclusive("down", "status")
	return cmd
}
