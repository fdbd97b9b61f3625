// Command fixture-recorder records raw block ranges of a configured chain as
// JSON fixtures for the replay adapter. Blocks come from the chain endpoint
// or, with -from-archive, from the raw batch archive.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/marko911/bridge-indexer/internal/adapter"
	"github.com/marko911/bridge-indexer/internal/adapter/chains"
	"github.com/marko911/bridge-indexer/internal/adapter/replay"
	"github.com/marko911/bridge-indexer/internal/config"
	"github.com/marko911/bridge-indexer/internal/logging"
	"github.com/marko911/bridge-indexer/internal/platform/objectstore"
)

func main() {
	var (
		configPath  = flag.String("config", "configs/indexer.yaml", "Path to the YAML config")
		chain       = flag.String("chain", "", "Configured chain name (required)")
		outputDir   = flag.String("output", "./fixtures", "Output directory for fixtures")
		from        = flag.Uint64("from", 0, "First height to record")
		to          = flag.Uint64("to", 0, "Last height to record (0 records -count blocks ending at head)")
		count       = flag.Uint64("count", 10, "Blocks to record when -to is not set")
		batch       = flag.Uint64("batch", 20, "Heights fetched per request")
		fromArchive = flag.Bool("from-archive", false, "Read blocks from the raw batch archive instead of RPC")
		logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	)
	flag.Parse()

	logger := logging.New(os.Stderr, *logLevel, "fixture-recorder")
	if *chain == "" {
		logger.Error("-chain is required")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cc, ok := cfg.Chain(*chain)
	if !ok {
		logger.Error("chain not configured", "chain", *chain)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var src adapter.ChainAdapter
	if *fromArchive {
		src, err = archiveSource(ctx, cfg.Archive, cc, logger)
	} else {
		src, err = chains.Open(ctx, cc, logger)
	}
	if err != nil {
		logger.Error("failed to open block source", "error", err)
		os.Exit(1)
	}
	defer src.Close()

	start, end := *from, *to
	if end == 0 {
		head, err := src.FetchHead(ctx)
		if err != nil {
			logger.Error("failed to fetch head", "error", err)
			os.Exit(1)
		}
		end = head
		if *count > 0 && head+1 > *count {
			start = head + 1 - *count
		}
	}

	written, err := record(ctx, src, *outputDir, start, end, *batch, logger)
	if err != nil {
		logger.Error("recording failed", "error", err, "written", written)
		os.Exit(1)
	}
	logger.Info("recording complete", "chain", cc.Name, "from", start, "to", end, "files", written, "dir", *outputDir)
}

func archiveSource(ctx context.Context, cfg config.ArchiveConfig, cc config.ChainConfig, logger *slog.Logger) (adapter.ChainAdapter, error) {
	if !cfg.Enabled {
		return nil, errors.New("archive is not configured")
	}
	archive, err := objectstore.NewArchive(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	blocks, err := archive.Load(ctx, cc.Name)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("no archived batches for %s", cc.Name)
	}
	return replay.New(cc.Name, cc.Family, blocks, logger), nil
}

// record writes every block in [from, to] as a fixture and returns the
// number of files written.
func record(ctx context.Context, src adapter.ChainAdapter, dir string, from, to, batch uint64, logger *slog.Logger) (int, error) {
	if to < from {
		return 0, fmt.Errorf("empty range %d..%d", from, to)
	}
	if batch == 0 {
		batch = 1
	}

	written := 0
	for lo := from; lo <= to; {
		hi := min(lo+batch-1, to)
		blocks, err := src.FetchRange(ctx, lo, hi)
		if err != nil {
			return written, fmt.Errorf("fetch %d..%d: %w", lo, hi, err)
		}
		for _, b := range blocks {
			path, err := replay.WriteBlock(dir, src.Chain(), src.Family(), b)
			if err != nil {
				return written, err
			}
			written++
			logger.Debug("fixture written", "height", b.Height, "path", path)
		}
		logger.Info("recorded range", "from", lo, "to", hi)
		if hi == to {
			break
		}
		lo = hi + 1
	}
	return written, nil
}
