// Package verify re-decodes a height range from a chain endpoint and compares
// the result with the events already persisted for it.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/marko911/bridge-indexer/internal/adapter"
	"github.com/marko911/bridge-indexer/internal/decoder"
	"github.com/marko911/bridge-indexer/internal/metrics"
	"github.com/marko911/bridge-indexer/internal/platform/storage"
	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

// Source is where reference blocks come from. Any adapter.ChainAdapter
// works, usually pointed at a different endpoint than the indexer's.
type Source interface {
	FetchRange(ctx context.Context, from, to uint64) ([]adapter.Block, error)
}

// EventStore reads persisted events.
type EventStore interface {
	EventsInRange(ctx context.Context, chain string, from, to uint64) ([]storage.StoredEvent, error)
}

// Reason classifies a mismatch.
type Reason string

const (
	ReasonMissing    Reason = "missing"
	ReasonUnexpected Reason = "unexpected"
	ReasonDiffers    Reason = "differs"
)

// Mismatch is one event on which the store and the reference disagree.
type Mismatch struct {
	Key    string `json:"key"`
	Height uint64 `json:"height"`
	Reason Reason `json:"reason"`
	Field  string `json:"field,omitempty"`
}

func (m Mismatch) String() string {
	if m.Field != "" {
		return fmt.Sprintf("%s at %d: %s (%s)", m.Key, m.Height, m.Reason, m.Field)
	}
	return fmt.Sprintf("%s at %d: %s", m.Key, m.Height, m.Reason)
}

// Result is the outcome of verifying one range.
type Result struct {
	Chain      string     `json:"chain"`
	From       uint64     `json:"from"`
	To         uint64     `json:"to"`
	Checked    int        `json:"checked"`
	Malformed  int        `json:"malformed"`
	Mismatches []Mismatch `json:"mismatches,omitempty"`
}

// Verified reports whether the range matched.
func (r *Result) Verified() bool { return len(r.Mismatches) == 0 }

type Config struct {
	// BatchSize is the number of heights fetched per request.
	BatchSize uint64

	// FailFast stops at the first batch with a mismatch.
	FailFast bool
}

func DefaultConfig() Config {
	return Config{BatchSize: 100}
}

type Stats struct {
	BatchesVerified    uint64
	BatchesFailed      uint64
	EventsChecked      uint64
	LastVerifiedHeight uint64
	LastVerifiedAt     time.Time
}

// Verifier compares one chain's persisted events with a reference source.
type Verifier struct {
	cfg     Config
	chain   string
	source  Source
	decoder decoder.Decoder
	store   EventStore
	logger  *slog.Logger

	mu    sync.Mutex
	stats Stats
}

func New(cfg Config, chain string, source Source, dec decoder.Decoder, store EventStore, logger *slog.Logger) *Verifier {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		cfg:     cfg,
		chain:   chain,
		source:  source,
		decoder: dec,
		store:   store,
		logger:  logger.With("component", "verifier", "chain", chain),
	}
}

// Verify checks every height in [from, to]. Fetch and store errors abort the
// run; mismatches are collected in the result.
func (v *Verifier) Verify(ctx context.Context, from, to uint64) (*Result, error) {
	if from > to {
		return nil, fmt.Errorf("invalid range [%d, %d]", from, to)
	}
	res := &Result{Chain: v.chain, From: from, To: to}

	for lo := from; lo <= to; {
		hi := min(lo+v.cfg.BatchSize-1, to)

		mismatches, checked, malformed, err := v.verifyBatch(ctx, lo, hi)
		if err != nil {
			return res, err
		}
		res.Checked += checked
		res.Malformed += malformed
		res.Mismatches = append(res.Mismatches, mismatches...)

		v.mu.Lock()
		v.stats.EventsChecked += uint64(checked)
		v.stats.LastVerifiedHeight = hi
		v.stats.LastVerifiedAt = time.Now()
		if len(mismatches) == 0 {
			v.stats.BatchesVerified++
		} else {
			v.stats.BatchesFailed++
		}
		v.mu.Unlock()

		if len(mismatches) > 0 {
			v.logger.Warn("range does not match",
				"from", lo,
				"to", hi,
				"mismatches", len(mismatches),
			)
			if v.cfg.FailFast {
				res.To = hi
				return res, nil
			}
		}

		if hi == to {
			break
		}
		lo = hi + 1
	}

	v.logger.Info("verification complete",
		"from", from,
		"to", res.To,
		"checked", res.Checked,
		"mismatches", len(res.Mismatches),
	)
	return res, nil
}

func (v *Verifier) verifyBatch(ctx context.Context, from, to uint64) ([]Mismatch, int, int, error) {
	blocks, err := v.source.FetchRange(ctx, from, to)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("fetch [%d, %d]: %w", from, to, err)
	}
	reference, malformed := decoder.DecodeBlocks(v.decoder, blocks)

	rows, err := v.store.EventsInRange(ctx, v.chain, from, to)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("load events [%d, %d]: %w", from, to, err)
	}
	stored := make([]*bridgev1.BridgeEvent, len(rows))
	for i := range rows {
		stored[i] = &rows[i].Event
	}

	mismatches := Compare(stored, reference)
	for _, m := range mismatches {
		metrics.VerifyMismatches.WithLabelValues(v.chain, string(m.Reason)).Inc()
	}
	return mismatches, len(reference), len(malformed), nil
}

func (v *Verifier) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stats
}

// Compare matches stored against reference events by identity key. The
// result is ordered by the reference events first, then unexpected ones.
func Compare(stored, reference []*bridgev1.BridgeEvent) []Mismatch {
	byKey := make(map[string]*bridgev1.BridgeEvent, len(stored))
	for _, ev := range stored {
		byKey[ev.Key()] = ev
	}

	var out []Mismatch
	for _, want := range reference {
		key := want.Key()
		got, ok := byKey[key]
		if !ok {
			out = append(out, Mismatch{Key: key, Height: want.BlockHeight, Reason: ReasonMissing})
			continue
		}
		delete(byKey, key)
		if field := diffField(got, want); field != "" {
			out = append(out, Mismatch{Key: key, Height: want.BlockHeight, Reason: ReasonDiffers, Field: field})
		}
	}

	for _, ev := range stored {
		if _, ok := byKey[ev.Key()]; ok {
			out = append(out, Mismatch{Key: ev.Key(), Height: ev.BlockHeight, Reason: ReasonUnexpected})
		}
	}
	return out
}

// diffField returns the first field on which a and b differ.
func diffField(a, b *bridgev1.BridgeEvent) string {
	switch {
	case a.Kind != b.Kind:
		return "kind"
	case a.Status != b.Status:
		return "status"
	case a.Source != b.Source:
		return "source"
	case a.BlockHeight != b.BlockHeight:
		return "block_height"
	case a.BlockID != b.BlockID:
		return "block_id"
	case !a.BlockTime.Equal(b.BlockTime):
		return "block_time"
	case a.Nonce != b.Nonce:
		return "nonce"
	case !maps.Equal(a.Payload, b.Payload):
		return "payload"
	}
	return ""
}
