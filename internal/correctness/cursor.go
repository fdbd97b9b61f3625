// Package correctness holds the per-chain sync state machine, reorg
// detection against persisted block ids, and batch continuity checks.
package correctness

import (
	"errors"
	"fmt"

	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

var (
	ErrCursorRegression = errors.New("cursor regression not allowed")
	ErrBeyondHead       = errors.New("cursor would pass the observed head")
)

// Observation is what a watcher learned in one iteration.
type Observation struct {
	Cursor    uint64
	Head      uint64
	BatchSize uint64

	// Diverged is set when the block at the cursor height no longer has the
	// persisted id.
	Diverged bool
	// Recovered is set once a rollback to the fork point has committed.
	Recovered bool
}

// NextMode is the cursor state machine.
func NextMode(mode bridgev1.CursorMode, obs Observation) bridgev1.CursorMode {
	if obs.Diverged {
		return bridgev1.ModeReorgRecovering
	}
	if mode == bridgev1.ModeReorgRecovering {
		if obs.Recovered {
			return bridgev1.ModeBackfilling
		}
		return bridgev1.ModeReorgRecovering
	}
	if obs.Head > obs.Cursor && obs.Head-obs.Cursor > obs.BatchSize {
		return bridgev1.ModeBackfilling
	}
	return bridgev1.ModeLiveTailing
}

// PlanBatch returns the next range to index, [cursor+1, min(cursor+size, head)].
// ok is false when the cursor has caught up with head.
func PlanBatch(cursor, head, size uint64) (from, to uint64, ok bool) {
	if head <= cursor {
		return 0, 0, false
	}
	if size == 0 {
		size = 1
	}
	from = cursor + 1
	to = cursor + size
	if to > head || to < cursor {
		to = head
	}
	return from, to, true
}

// CheckAdvance verifies a forward cursor move against the head observed
// when the batch was fetched.
func CheckAdvance(prev, next, head uint64) error {
	if next < prev {
		return fmt.Errorf("%w: current=%d requested=%d", ErrCursorRegression, prev, next)
	}
	if next > head {
		return fmt.Errorf("%w: requested=%d head=%d", ErrBeyondHead, next, head)
	}
	return nil
}
