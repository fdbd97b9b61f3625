// Package watcher runs the per-chain indexing loop: fetch head, check for
// reorgs, fetch and validate a batch, decode it and commit it together with
// the cursor.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marko911/bridge-indexer/internal/adapter"
	"github.com/marko911/bridge-indexer/internal/bridge"
	"github.com/marko911/bridge-indexer/internal/config"
	"github.com/marko911/bridge-indexer/internal/correctness"
	"github.com/marko911/bridge-indexer/internal/decoder"
	"github.com/marko911/bridge-indexer/internal/health"
	"github.com/marko911/bridge-indexer/internal/metrics"
	"github.com/marko911/bridge-indexer/internal/platform/storage"
	"github.com/marko911/bridge-indexer/internal/retry"
	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

// Store is the part of the persistence store a watcher uses.
type Store interface {
	correctness.BlockStore

	LoadCursor(ctx context.Context, chain string) (bridgev1.SyncCursor, error)
	InitCursor(ctx context.Context, chain string, chainID, height uint64, blockID string) (bridgev1.SyncCursor, error)
	SetMode(ctx context.Context, chain string, mode bridgev1.CursorMode) error
	CommitBatch(ctx context.Context, upd storage.CursorUpdate, events []*bridgev1.BridgeEvent, blocks []bridgev1.BlockRef) (int, error)
	Rollback(ctx context.Context, upd storage.RollbackUpdate) (int64, error)
}

// Archiver stores the raw blocks of committed batches.
type Archiver interface {
	ArchiveBatch(ctx context.Context, chain string, family bridgev1.Family, blocks []adapter.Block) error
}

// Options are the optional collaborators of a watcher.
type Options struct {
	// CommitTimeout bounds a commit or rollback. Commits run on a context
	// detached from shutdown so an in-flight transaction completes.
	CommitTimeout time.Duration

	Health   *health.Registry
	Archiver Archiver
}

// Watcher indexes one chain. It is not safe for concurrent use; the
// supervisor runs exactly one per chain.
type Watcher struct {
	cfg     config.ChainConfig
	adapter adapter.ChainAdapter
	decoder decoder.Decoder
	store   Store
	reorg   *correctness.ReorgDetector
	opts    Options
	backoff retry.Backoff
	logger  *slog.Logger

	cursor bridgev1.SyncCursor
	mode   bridgev1.CursorMode
	// anchor is the highest produced block at or below the cursor. It
	// differs from the cursor only when the cursor sits on skipped slots.
	anchor     bridgev1.SyncCursor
	needCursor bool
	heads      <-chan uint64
}

// New creates a watcher for cfg.
func New(cfg config.ChainConfig, a adapter.ChainAdapter, dec decoder.Decoder, store Store, opts Options, logger *slog.Logger) *Watcher {
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = 30 * time.Second
	}
	if opts.Health == nil {
		opts.Health = health.NewRegistry()
	}
	logger = logger.With("component", "watcher", "chain", cfg.Name)
	return &Watcher{
		cfg:     cfg,
		adapter: a,
		decoder: dec,
		store:   store,
		reorg:   correctness.NewReorgDetector(cfg.Name, cfg.MaxReorgDepth, a, store, logger),
		opts:    opts,
		backoff: retry.Backoff{
			Initial:    cfg.Retry.InitialDelay,
			Max:        cfg.Retry.MaxDelay,
			Multiplier: 2,
			Jitter:     0.2,
		},
		logger:     logger,
		needCursor: true,
	}
}

// Run indexes until ctx is cancelled, returning nil, or until a chain-fatal
// error, which is returned. Retryable errors never end Run.
func (w *Watcher) Run(ctx context.Context) error {
	w.setState(health.StateStarting, nil)
	w.logger.Info("starting chain watcher",
		"family", w.cfg.Family,
		"batch_size", w.cfg.BatchSize,
		"start_height", w.cfg.StartHeight,
		"max_reorg_depth", w.cfg.MaxReorgDepth,
	)
	w.subscribeHeads(ctx)

	attempts := 0
	for {
		if ctx.Err() != nil {
			w.stop()
			return nil
		}

		progressed, err := w.step(ctx)
		if err == nil {
			if attempts > 0 {
				w.logger.Info("recovered after retries", "attempts", attempts)
			}
			attempts = 0
			w.setState(health.StateHealthy, nil)
			if !progressed {
				w.wait(ctx)
			}
			continue
		}
		if ctx.Err() != nil {
			w.stop()
			return nil
		}

		if !bridge.IsRetryable(err) {
			w.setState(health.StateFailed, err)
			w.logger.Error("chain watcher stopped", "error", err, "height", w.cursor.Height)
			return fmt.Errorf("%s: %w", w.cfg.Name, err)
		}

		attempts++
		delay := w.backoff.Delay(min(attempts-1, 30))
		class := "transient"
		var perr *bridge.PersistenceError
		if errors.As(err, &perr) {
			class = "persistence"
		}
		metrics.Retries.WithLabelValues(w.cfg.Name, class).Inc()

		if attempts >= w.cfg.Retry.MaxAttempts {
			w.setState(health.StateDegraded, err)
			w.logger.Error("batch still failing, chain degraded",
				"error", err,
				"attempts", attempts,
				"retry_in", delay,
			)
		} else {
			w.logger.Warn("batch failed, retrying",
				"error", err,
				"attempt", attempts,
				"max_attempts", w.cfg.Retry.MaxAttempts,
				"retry_in", delay,
			)
		}

		if err := retry.Sleep(ctx, delay); err != nil {
			w.stop()
			return nil
		}
	}
}

func (w *Watcher) stop() {
	w.setState(health.StateStopped, nil)
	w.logger.Info("chain watcher stopped", "height", w.cursor.Height)
}

// step runs one iteration. It reports whether it made progress; false means
// the cursor is at head.
func (w *Watcher) step(ctx context.Context) (bool, error) {
	if w.needCursor {
		if err := w.loadCursor(ctx); err != nil {
			return false, err
		}
	}
	cursor := w.cursor

	head, err := w.adapter.FetchHead(ctx)
	if err != nil {
		return false, err
	}
	w.observeHeights(cursor.Height, head)

	from, to, ok := correctness.PlanBatch(cursor.Height, head, w.cfg.BatchSize)
	if !ok {
		w.mode = correctness.NextMode(w.mode, correctness.Observation{
			Cursor: cursor.Height, Head: head, BatchSize: w.cfg.BatchSize,
		})
		return false, nil
	}

	anchor := w.anchor
	if anchor.BlockID != "" {
		diverged, err := w.reorg.Check(ctx, anchor)
		if err != nil {
			return false, err
		}
		if diverged {
			return true, w.recoverReorg(ctx, cursor, anchor)
		}
	}
	if w.mode == bridgev1.ModeReorgRecovering {
		w.mode = correctness.NextMode(w.mode, correctness.Observation{Recovered: true})
	}

	start := time.Now()
	blocks, err := w.adapter.FetchRange(ctx, from, to)
	if err != nil {
		return false, err
	}
	link := cursor
	link.BlockID = anchor.BlockID
	if err := correctness.ValidateBatch(w.cfg.Name, link, from, to, blocks); err != nil {
		return false, err
	}
	if err := correctness.CheckAdvance(cursor.Height, to, head); err != nil {
		return false, &bridge.RpcProtocolError{Chain: w.cfg.Name, Op: "plan batch", Err: err}
	}

	events, malformed := decoder.DecodeBlocks(w.decoder, blocks)
	for _, m := range malformed {
		w.logger.Warn("skipping malformed item",
			"height", m.Height,
			"tx", m.TxID,
			"item_index", m.ItemIndex,
			"event", m.Event,
			"error", m.Err,
		)
	}
	metrics.MalformedItems.WithLabelValues(w.cfg.Name).Add(float64(len(malformed)))

	last := blocks[len(blocks)-1]
	mode := correctness.NextMode(w.mode, correctness.Observation{
		Cursor: to, Head: head, BatchSize: w.cfg.BatchSize,
	})
	upd := storage.CursorUpdate{
		Chain:      w.cfg.Name,
		ChainID:    w.cfg.ChainID,
		PrevHeight: cursor.Height,
		Height:     to,
		BlockID:    last.ID,
		Mode:       mode,
		KeepBlocks: w.cfg.MaxReorgDepth + 1,
	}
	refs := make([]bridgev1.BlockRef, len(blocks))
	for i, b := range blocks {
		refs[i] = b.Ref()
	}

	cctx, cancel := w.commitContext(ctx)
	inserted, err := w.store.CommitBatch(cctx, upd, events, refs)
	cancel()
	if err != nil {
		w.needCursor = true
		return false, err
	}

	w.cursor = bridgev1.SyncCursor{
		ChainID:   w.cfg.ChainID,
		Chain:     w.cfg.Name,
		Height:    to,
		BlockID:   last.ID,
		Mode:      mode,
		UpdatedAt: time.Now().UTC(),
	}
	if produced, ok := lastProduced(blocks); ok {
		w.anchor = bridgev1.SyncCursor{ChainID: w.cfg.ChainID, Chain: w.cfg.Name, Height: produced.Height, BlockID: produced.ID}
	}
	if mode != w.mode {
		w.logger.Info("mode changed", "from", w.mode, "to", mode, "height", to, "head", head)
	}
	w.mode = mode

	metrics.BatchesCommitted.WithLabelValues(w.cfg.Name).Inc()
	metrics.BatchLatency.WithLabelValues(w.cfg.Name).Observe(time.Since(start).Seconds())
	for _, ev := range events {
		metrics.EventsPersisted.WithLabelValues(w.cfg.Name, string(ev.Kind)).Inc()
	}
	w.observeHeights(to, head)

	w.logger.Info("batch committed",
		"from", from,
		"to", to,
		"head", head,
		"events", len(events),
		"inserted", inserted,
		"malformed", len(malformed),
		"mode", mode,
	)

	w.archive(ctx, blocks)
	return true, nil
}

// loadCursor reads the stored cursor, creating it at the configured start
// height on first run.
func (w *Watcher) loadCursor(ctx context.Context) error {
	cursor, err := w.store.LoadCursor(ctx, w.cfg.Name)
	if errors.Is(err, storage.ErrCursorNotFound) {
		ref, ferr := w.adapter.FetchBlock(ctx, w.cfg.StartHeight)
		if ferr != nil {
			return ferr
		}
		cursor, err = w.store.InitCursor(ctx, w.cfg.Name, w.cfg.ChainID, w.cfg.StartHeight, ref.ID)
		if err == nil {
			w.logger.Info("initialized cursor", "height", cursor.Height, "block_id", cursor.BlockID)
		}
	}
	if err != nil {
		return err
	}
	if cursor.ChainID != w.cfg.ChainID {
		return bridge.NewConfigError("chains."+w.cfg.Name+".chain_id",
			"stored cursor belongs to chain id %d, configured %d", cursor.ChainID, w.cfg.ChainID)
	}

	anchor, err := w.findAnchor(ctx, cursor)
	if err != nil {
		return err
	}

	w.cursor = cursor
	w.anchor = anchor
	w.mode = cursor.Mode
	if w.mode == "" {
		w.mode = bridgev1.ModeBackfilling
	}
	w.needCursor = false
	w.logger.Info("resuming from cursor", "height", cursor.Height, "mode", w.mode)
	return nil
}

// findAnchor walks back from a cursor left on a skipped slot to the highest
// indexed block with an id, within the reorg window. With no such block the
// returned anchor has an empty id and reorg checks wait for the next batch.
func (w *Watcher) findAnchor(ctx context.Context, cursor bridgev1.SyncCursor) (bridgev1.SyncCursor, error) {
	if cursor.BlockID != "" {
		return cursor, nil
	}
	anchor := cursor
	for depth := uint64(1); depth <= w.cfg.MaxReorgDepth && depth <= cursor.Height; depth++ {
		h := cursor.Height - depth
		id, found, err := w.store.BlockID(ctx, w.cfg.Name, h)
		if err != nil {
			return anchor, &bridge.PersistenceError{Op: "load block id", Err: err}
		}
		if !found {
			break
		}
		if id != "" {
			anchor.Height, anchor.BlockID = h, id
			return anchor, nil
		}
	}
	return anchor, nil
}

func lastProduced(blocks []adapter.Block) (adapter.Block, bool) {
	for i := len(blocks) - 1; i >= 0; i-- {
		if !blocks[i].Skipped {
			return blocks[i], true
		}
	}
	return adapter.Block{}, false
}

// recoverReorg rolls back to the fork point below anchor. The store's cursor
// is still expected at cursor.Height.
func (w *Watcher) recoverReorg(ctx context.Context, cursor, anchor bridgev1.SyncCursor) error {
	w.mode = correctness.NextMode(w.mode, correctness.Observation{Diverged: true})
	if err := w.store.SetMode(ctx, w.cfg.Name, w.mode); err != nil {
		return err
	}

	ev, err := w.reorg.FindForkPoint(ctx, anchor)
	if err != nil {
		return err
	}

	cctx, cancel := w.commitContext(ctx)
	deleted, err := w.store.Rollback(cctx, storage.RollbackUpdate{
		Chain:      w.cfg.Name,
		ChainID:    w.cfg.ChainID,
		PrevHeight: cursor.Height,
		ForkHeight: ev.ForkPoint,
		ForkID:     ev.ForkID,
	})
	cancel()
	if err != nil {
		w.needCursor = true
		return err
	}

	w.mode = correctness.NextMode(w.mode, correctness.Observation{Recovered: true})
	w.cursor = bridgev1.SyncCursor{
		ChainID:   w.cfg.ChainID,
		Chain:     w.cfg.Name,
		Height:    ev.ForkPoint,
		BlockID:   ev.ForkID,
		Mode:      w.mode,
		UpdatedAt: time.Now().UTC(),
	}
	w.anchor = w.cursor
	if ev.ForkID == "" {
		w.needCursor = true
	}

	metrics.Reorgs.WithLabelValues(w.cfg.Name).Inc()
	metrics.ReorgDepth.WithLabelValues(w.cfg.Name).Observe(float64(ev.Depth))
	w.observeHeights(ev.ForkPoint, 0)
	w.logger.Warn("rolled back reorg",
		"from_height", cursor.Height,
		"fork_point", ev.ForkPoint,
		"depth", ev.Depth,
		"orphaned", len(ev.OrphanedBlocks),
		"events_deleted", deleted,
	)
	return nil
}

func (w *Watcher) commitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.opts.CommitTimeout)
}

func (w *Watcher) archive(ctx context.Context, blocks []adapter.Block) {
	if w.opts.Archiver == nil {
		return
	}
	if err := w.opts.Archiver.ArchiveBatch(ctx, w.cfg.Name, w.cfg.Family, blocks); err != nil {
		w.logger.Warn("failed to archive batch", "error", err, "from", blocks[0].Height)
	}
}

// subscribeHeads wires the adapter's head subscription when it has one and a
// websocket endpoint is configured. Polling remains the fallback.
func (w *Watcher) subscribeHeads(ctx context.Context) {
	notifier, ok := w.adapter.(adapter.HeadNotifier)
	if !ok || w.cfg.RPC.WSURL == "" {
		return
	}
	heads, err := notifier.SubscribeHeads(ctx)
	if err != nil {
		w.logger.Warn("head subscription unavailable, polling", "error", err)
		return
	}
	w.heads = heads
}

// wait sleeps until the poll interval elapses, a new head is announced or
// ctx is done.
func (w *Watcher) wait(ctx context.Context) {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case _, ok := <-w.heads:
		if !ok {
			w.heads = nil
		}
	}
}

func (w *Watcher) setState(state health.State, err error) {
	w.opts.Health.SetState(w.cfg.Name, state, err)
}

// observeHeights publishes the cursor and, when known, the head.
func (w *Watcher) observeHeights(cursor, head uint64) {
	metrics.CursorHeight.WithLabelValues(w.cfg.Name).Set(float64(cursor))
	if head == 0 {
		if h, ok := w.opts.Health.Get(w.cfg.Name); ok {
			head = h.HeadHeight
		}
	} else {
		metrics.HeadHeight.WithLabelValues(w.cfg.Name).Set(float64(head))
	}
	w.opts.Health.SetHeights(w.cfg.Name, cursor, head)
}
