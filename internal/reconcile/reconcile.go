// Package reconcile links the event that starts a cross-chain transfer to
// the event that completes it. It runs after ingestion and only reads what
// the watchers committed.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/marko911/bridge-indexer/internal/metrics"
	"github.com/marko911/bridge-indexer/internal/platform/storage"
	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

// Store is the link-related part of the persistence store.
type Store interface {
	UnlinkedInitiations(ctx context.Context, afterID int64, limit int) ([]storage.StoredEvent, error)
	UnlinkedByNonce(ctx context.Context, kind bridgev1.EventKind, nonce string) ([]storage.StoredEvent, error)
	SaveLink(ctx context.Context, l storage.TransferLink) (bool, error)
}

type Config struct {
	Interval time.Duration

	// BatchSize is the page size when scanning unlinked initiations.
	BatchSize int

	// MaxPerCycle bounds the initiations examined in one cycle.
	MaxPerCycle int
}

func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		BatchSize:   500,
		MaxPerCycle: 10_000,
	}
}

// rule describes how an initiating event is completed.
type rule struct {
	target    bridgev1.EventKind
	direction string
	status    bridgev1.EventStatus
}

// completes returns the rule for an initiating event.
func completes(ev *bridgev1.BridgeEvent) (rule, bool) {
	switch ev.Kind {
	case bridgev1.EventKindDeposit:
		return rule{target: bridgev1.EventKindMessageRelayed, direction: "deposit", status: bridgev1.EventStatusRelayed}, true
	case bridgev1.EventKindWithdrawal:
		// forced withdrawals queued on L1 are executed on the L2
		return rule{target: bridgev1.EventKindMessageRelayed, direction: "withdraw", status: bridgev1.EventStatusRelayed}, true
	case bridgev1.EventKindMessageSent:
		return rule{target: bridgev1.EventKindWithdrawal, status: bridgev1.EventStatusFinalized}, true
	}
	return rule{}, false
}

// Matches reports whether target completes source.
func Matches(source, target *bridgev1.BridgeEvent) bool {
	if source.Status != bridgev1.EventStatusInitiated || source.Nonce == "" || source.Nonce != target.Nonce {
		return false
	}
	r, ok := completes(source)
	if !ok || target.Kind != r.target || target.Status != r.status {
		return false
	}
	if r.direction != "" && target.Payload["direction"] != r.direction {
		return false
	}
	if source.ChainID == target.ChainID {
		return false
	}
	// the relayed record carries the chain id the initiating event named,
	// or the id of the chain it was emitted on
	if origin, ok := target.Payload["chain_id"]; ok && r.target == bridgev1.EventKindMessageRelayed {
		return origin == source.Payload["chain_id"] || origin == strconv.FormatUint(source.ChainID, 10)
	}
	return true
}

type Stats struct {
	Cycles     int64     `json:"cycles"`
	Scanned    int64     `json:"scanned"`
	Linked     int64     `json:"linked"`
	Unmatched  int64     `json:"unmatched"`
	Ambiguous  int64     `json:"ambiguous"`
	Errors     int64     `json:"errors"`
	LastCycle  time.Time `json:"last_cycle_at"`
	LastLinked time.Time `json:"last_linked_at"`
}

// Reconciler periodically links unlinked initiations.
type Reconciler struct {
	cfg    Config
	store  Store
	logger *slog.Logger

	mu    sync.RWMutex
	stats Stats
}

func New(cfg Config, store Store, logger *slog.Logger) *Reconciler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxPerCycle <= 0 {
		cfg.MaxPerCycle = def.MaxPerCycle
	}
	return &Reconciler{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "reconciler"),
	}
}

// Run reconciles once immediately and then every interval until ctx is done.
// Cycle errors are logged; the next cycle retries.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("starting reconciler",
		"interval", r.cfg.Interval,
		"batch_size", r.cfg.BatchSize,
	)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.Cycle(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reconcile cycle error", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Cycle scans every unlinked initiation once and returns the number of links
// recorded.
func (r *Reconciler) Cycle(ctx context.Context) (int, error) {
	var (
		afterID int64
		scanned int
		linked  int
	)
	defer func() {
		r.mu.Lock()
		r.stats.Cycles++
		r.stats.LastCycle = time.Now()
		r.mu.Unlock()
	}()

	for scanned < r.cfg.MaxPerCycle {
		page, err := r.store.UnlinkedInitiations(ctx, afterID, r.cfg.BatchSize)
		if err != nil {
			r.count(func(s *Stats) { s.Errors++ })
			return linked, fmt.Errorf("load unlinked initiations: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for i := range page {
			src := &page[i]
			afterID = src.ID
			scanned++

			ok, err := r.link(ctx, src)
			if err != nil {
				r.count(func(s *Stats) { s.Errors++ })
				return linked, err
			}
			if ok {
				linked++
			}
		}
		if len(page) < r.cfg.BatchSize {
			break
		}
	}

	r.count(func(s *Stats) { s.Scanned += int64(scanned) })
	if linked > 0 {
		r.logger.Info("linked transfers", "linked", linked, "scanned", scanned)
	} else {
		r.logger.Debug("reconcile cycle complete", "scanned", scanned)
	}
	return linked, nil
}

func (r *Reconciler) link(ctx context.Context, src *storage.StoredEvent) (bool, error) {
	rl, ok := completes(&src.Event)
	if !ok {
		return false, nil
	}
	candidates, err := r.store.UnlinkedByNonce(ctx, rl.target, src.Event.Nonce)
	if err != nil {
		return false, fmt.Errorf("load candidates for nonce %s: %w", src.Event.Nonce, err)
	}

	var matches []*storage.StoredEvent
	for i := range candidates {
		if Matches(&src.Event, &candidates[i].Event) {
			matches = append(matches, &candidates[i])
		}
	}
	if len(matches) == 0 {
		r.count(func(s *Stats) { s.Unmatched++ })
		return false, nil
	}
	if len(matches) > 1 {
		r.count(func(s *Stats) { s.Ambiguous++ })
		r.logger.Warn("several completions for one transfer, linking the earliest",
			"source_tx", src.Event.TxID,
			"nonce", src.Event.Nonce,
			"candidates", len(matches),
		)
	}

	dst := matches[0]
	saved, err := r.store.SaveLink(ctx, storage.TransferLink{
		SourceEventID:   src.ID,
		TargetEventID:   dst.ID,
		SourceChainID:   src.Event.ChainID,
		SourceTxID:      src.Event.TxID,
		SourceItemIndex: src.Event.ItemIndex,
		TargetChainID:   dst.Event.ChainID,
		TargetTxID:      dst.Event.TxID,
		TargetItemIndex: dst.Event.ItemIndex,
		Nonce:           src.Event.Nonce,
	})
	if err != nil {
		return false, fmt.Errorf("save link for %s: %w", src.Event.TxID, err)
	}
	if !saved {
		return false, nil
	}

	metrics.TransfersLinked.WithLabelValues(string(src.Event.Kind)).Inc()
	r.count(func(s *Stats) {
		s.Linked++
		s.LastLinked = time.Now()
	})
	r.logger.Debug("transfer linked",
		"kind", src.Event.Kind,
		"nonce", src.Event.Nonce,
		"source_chain", src.Event.Chain,
		"source_tx", src.Event.TxID,
		"target_chain", dst.Event.Chain,
		"target_tx", dst.Event.TxID,
	)
	return true, nil
}

func (r *Reconciler) count(f func(*Stats)) {
	r.mu.Lock()
	f(&r.stats)
	r.mu.Unlock()
}

func (r *Reconciler) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// Handler serves /health with the reconciler's stats and /metrics.
func (r *Reconciler) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "healthy",
			"stats":  r.Stats(),
		})
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
