package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marko911/bridge-indexer/internal/adapter/chains"
	"github.com/marko911/bridge-indexer/internal/decoder"
	"github.com/marko911/bridge-indexer/internal/platform/storage"
	"github.com/marko911/bridge-indexer/internal/verify"
)

func newVerifyCmd(g *globalFlags) *cobra.Command {
	var (
		from, to uint64
		rpcURL   string
		vcfg     = verify.DefaultConfig()
	)
	cmd := &cobra.Command{
		Use:   "verify <chain>",
		Short: "Re-decode a height range from the chain and compare it with the stored events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			chainCfg, ok := cfg.Chain(args[0])
			if !ok {
				return fmt.Errorf("unknown chain %q", args[0])
			}
			if rpcURL != "" {
				chainCfg.RPC.HTTPURL = rpcURL
				chainCfg.RPC.WSURL = ""
				chainCfg.RPC.FallbackURLs = nil
			}
			ctx := cmd.Context()

			dec, err := decoder.New(chainCfg)
			if err != nil {
				return err
			}
			src, err := chains.Open(ctx, chainCfg, logger)
			if err != nil {
				return err
			}
			defer src.Close()

			db, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			store := storage.NewStore(db, cfg.Outbox.TopicPrefix)
			if to == 0 {
				cur, err := store.LoadCursor(ctx, chainCfg.Name)
				if err != nil {
					return err
				}
				to = cur.Height
			}

			res, err := verify.New(vcfg, chainCfg.Name, src, dec, store, logger).Verify(ctx, from, to)
			if err != nil {
				return err
			}
			for _, m := range res.Mismatches {
				fmt.Fprintln(cmd.OutOrStdout(), m.String())
			}
			if !res.Verified() {
				return fmt.Errorf("%d mismatches in [%d, %d]", len(res.Mismatches), res.From, res.To)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s [%d, %d]: %d events match\n", res.Chain, res.From, res.To, res.Checked)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "First height to verify")
	cmd.Flags().Uint64Var(&to, "to", 0, "Last height to verify (default: the chain's cursor)")
	cmd.Flags().StringVar(&rpcURL, "rpc-url", "", "Reference endpoint (default: the chain's configured endpoint)")
	cmd.Flags().Uint64Var(&vcfg.BatchSize, "batch", vcfg.BatchSize, "Heights fetched per request")
	cmd.Flags().BoolVar(&vcfg.FailFast, "fail-fast", false, "Stop at the first mismatching batch")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}
