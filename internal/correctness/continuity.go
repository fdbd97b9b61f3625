package correctness

import (
	"fmt"

	"github.com/marko911/bridge-indexer/internal/adapter"
	"github.com/marko911/bridge-indexer/internal/bridge"
	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

// GapError reports a fetched batch whose heights do not cover the requested
// range one by one.
type GapError struct {
	Expected uint64
	Received uint64
	Missing  []uint64
}

func (e *GapError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("gap in batch: expected height %d, received %d (%d missing)", e.Expected, e.Received, len(e.Missing))
	}
	return fmt.Sprintf("unexpected height in batch: expected %d, received %d", e.Expected, e.Received)
}

// BrokenLinkError reports a block whose parent is not the previous block
// known to the watcher. The chain reorganized while the batch was fetched.
type BrokenLinkError struct {
	Height         uint64
	ExpectedParent string
	Parent         string
}

func (e *BrokenLinkError) Error() string {
	return fmt.Sprintf("block %d parent %s does not match %s", e.Height, e.Parent, e.ExpectedParent)
}

// ValidateBatch checks that blocks are exactly [from, to] in ascending order
// and that every produced block links to the previous produced block,
// starting from the cursor. Skipped slots carry no link. A malformed range is
// an *bridge.RpcProtocolError; a broken link is a *bridge.TransientRpcError
// so the batch is retried after the next reorg check.
func ValidateBatch(chain string, cursor bridgev1.SyncCursor, from, to uint64, blocks []adapter.Block) error {
	if uint64(len(blocks)) != to-from+1 {
		return &bridge.RpcProtocolError{Chain: chain, Op: "validate batch", Err: fmt.Errorf("asked for %d blocks, got %d", to-from+1, len(blocks))}
	}

	prevID := ""
	if cursor.Height+1 == from {
		prevID = cursor.BlockID
	}
	for i, b := range blocks {
		want := from + uint64(i)
		if b.Height != want {
			gap := &GapError{Expected: want, Received: b.Height}
			for h := want; h < b.Height; h++ {
				gap.Missing = append(gap.Missing, h)
			}
			return &bridge.RpcProtocolError{Chain: chain, Op: "validate batch", Err: gap}
		}
		if b.Skipped {
			continue
		}
		if b.ID == "" {
			return &bridge.RpcProtocolError{Chain: chain, Op: "validate batch", Err: fmt.Errorf("block %d has no id", b.Height)}
		}
		if prevID != "" && b.ParentID != prevID {
			return &bridge.TransientRpcError{Chain: chain, Op: "validate batch", Err: &BrokenLinkError{
				Height:         b.Height,
				ExpectedParent: prevID,
				Parent:         b.ParentID,
			}}
		}
		prevID = b.ID
	}
	return nil
}
