// Package chains builds the chain adapter configured for a chain.
package chains

import (
	"context"
	"log/slog"
	"strings"

	"github.com/marko911/bridge-indexer/internal/adapter"
	"github.com/marko911/bridge-indexer/internal/adapter/evm"
	"github.com/marko911/bridge-indexer/internal/adapter/replay"
	"github.com/marko911/bridge-indexer/internal/adapter/svm"
	"github.com/marko911/bridge-indexer/internal/adapter/twine"
	"github.com/marko911/bridge-indexer/internal/bridge"
	"github.com/marko911/bridge-indexer/internal/config"
	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

// Open returns the adapter for cfg's family. A file:// endpoint selects the
// replay adapter over recorded fixtures regardless of family.
func Open(ctx context.Context, cfg config.ChainConfig, logger *slog.Logger) (adapter.ChainAdapter, error) {
	if strings.HasPrefix(cfg.RPC.HTTPURL, "file://") {
		return replay.Open(cfg.RPC.HTTPURL, cfg.Name, cfg.Family, logger)
	}

	switch cfg.Family {
	case bridgev1.FamilyEVM:
		return evm.New(ctx, cfg, logger)
	case bridgev1.FamilyTwine:
		return twine.New(ctx, cfg, logger)
	case bridgev1.FamilySVM:
		return svm.New(cfg, logger)
	}
	return nil, bridge.NewConfigError("chains."+cfg.Name+".family", "unknown chain family %q", cfg.Family)
}
