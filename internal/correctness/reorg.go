package correctness

import (
	"context"
	"log/slog"

	"github.com/marko911/bridge-indexer/internal/bridge"
	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

// BlockFetcher re-reads a block identifier from the chain.
type BlockFetcher interface {
	FetchBlock(ctx context.Context, height uint64) (bridgev1.BlockRef, error)
}

// BlockStore returns the block id persisted when a height was indexed.
type BlockStore interface {
	BlockID(ctx context.Context, chain string, height uint64) (id string, found bool, err error)
}

// ReorgEvent describes a detected fork.
type ReorgEvent struct {
	Chain string

	// FromHeight is the cursor height at detection.
	FromHeight uint64

	// ForkPoint is the highest height whose persisted id still matches the
	// chain. ForkID is that block's id.
	ForkPoint uint64
	ForkID    string

	OrphanedBlocks []uint64
	OrphanedHashes []string
	NewHashes      []string

	Depth uint64
}

// ReorgDetector compares the chain against block ids persisted by the store.
type ReorgDetector struct {
	chain    string
	maxDepth uint64
	fetcher  BlockFetcher
	store    BlockStore
	logger   *slog.Logger
}

func NewReorgDetector(chain string, maxDepth uint64, fetcher BlockFetcher, store BlockStore, logger *slog.Logger) *ReorgDetector {
	return &ReorgDetector{
		chain:    chain,
		maxDepth: maxDepth,
		fetcher:  fetcher,
		store:    store,
		logger:   logger.With("component", "reorg-detector", "chain", chain),
	}
}

// Check re-fetches the block at the cursor height and reports whether its id
// differs from the one recorded in the cursor.
func (d *ReorgDetector) Check(ctx context.Context, cursor bridgev1.SyncCursor) (bool, error) {
	ref, err := d.fetcher.FetchBlock(ctx, cursor.Height)
	if err != nil {
		return false, err
	}
	if ref.ID == cursor.BlockID {
		return false, nil
	}
	d.logger.Warn("block id changed at cursor - potential reorg",
		"height", cursor.Height,
		"stored", cursor.BlockID,
		"observed", ref.ID,
	)
	return true, nil
}

// FindForkPoint walks back from below the cursor until the re-fetched id
// equals the persisted id. Walking further than the maximum depth, or past
// the persisted history, is a *bridge.ReorgDepthExceededError.
func (d *ReorgDetector) FindForkPoint(ctx context.Context, cursor bridgev1.SyncCursor) (*ReorgEvent, error) {
	event := &ReorgEvent{
		Chain:          d.chain,
		FromHeight:     cursor.Height,
		OrphanedBlocks: []uint64{cursor.Height},
		OrphanedHashes: []string{cursor.BlockID},
	}
	current, err := d.fetcher.FetchBlock(ctx, cursor.Height)
	if err != nil {
		return nil, err
	}
	event.NewHashes = []string{current.ID}

	for depth := uint64(1); depth <= d.maxDepth && depth <= cursor.Height; depth++ {
		h := cursor.Height - depth

		stored, found, err := d.store.BlockID(ctx, d.chain, h)
		if err != nil {
			return nil, &bridge.PersistenceError{Op: "load block id", Err: err}
		}
		if !found {
			break
		}

		ref, err := d.fetcher.FetchBlock(ctx, h)
		if err != nil {
			return nil, err
		}
		if ref.ID == stored {
			event.ForkPoint = h
			event.ForkID = stored
			event.Depth = depth
			d.logger.Warn("fork point found",
				"fork_point", h,
				"depth", depth,
				"orphaned", len(event.OrphanedBlocks),
			)
			return event, nil
		}

		event.OrphanedBlocks = append(event.OrphanedBlocks, h)
		event.OrphanedHashes = append(event.OrphanedHashes, stored)
		event.NewHashes = append(event.NewHashes, ref.ID)
	}

	return nil, &bridge.ReorgDepthExceededError{
		Chain:      d.chain,
		FromHeight: cursor.Height,
		MaxDepth:   d.maxDepth,
	}
}
