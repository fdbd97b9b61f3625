package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/marko911/bridge-indexer/internal/bridge"
	"github.com/marko911/bridge-indexer/internal/platform/storage"
	"github.com/marko911/bridge-indexer/internal/watcher"
	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

// cursorStore keeps cursors and block ids in memory. Events are counted,
// not kept.
type cursorStore struct {
	mu      sync.Mutex
	cursors map[string]bridgev1.SyncCursor
	blocks  map[string]map[uint64]string
	commits map[string]int
}

var _ watcher.Store = (*cursorStore)(nil)

func newCursorStore() *cursorStore {
	return &cursorStore{
		cursors: make(map[string]bridgev1.SyncCursor),
		blocks:  make(map[string]map[uint64]string),
		commits: make(map[string]int),
	}
}

func (s *cursorStore) LoadCursor(_ context.Context, chain string) (bridgev1.SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[chain]
	if !ok {
		return bridgev1.SyncCursor{}, storage.ErrCursorNotFound
	}
	return c, nil
}

func (s *cursorStore) InitCursor(_ context.Context, chain string, chainID, height uint64, blockID string) (bridgev1.SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cursors[chain]; ok {
		return c, nil
	}
	c := bridgev1.SyncCursor{ChainID: chainID, Chain: chain, Height: height, BlockID: blockID, Mode: bridgev1.ModeBackfilling}
	s.cursors[chain] = c
	s.blockMap(chain)[height] = blockID
	return c, nil
}

func (s *cursorStore) SetMode(_ context.Context, chain string, mode bridgev1.CursorMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cursors[chain]
	c.Mode = mode
	s.cursors[chain] = c
	return nil
}

func (s *cursorStore) BlockID(_ context.Context, chain string, height uint64) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.blockMap(chain)[height]
	return id, ok, nil
}

func (s *cursorStore) CommitBatch(_ context.Context, upd storage.CursorUpdate, events []*bridgev1.BridgeEvent, blocks []bridgev1.BlockRef) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.cursors[upd.Chain]; c.Height != upd.PrevHeight {
		return 0, &bridge.PersistenceError{Op: "commit batch", Err: fmt.Errorf("%w: expected height %d", storage.ErrCursorConflict, upd.PrevHeight)}
	}
	for _, b := range blocks {
		s.blockMap(upd.Chain)[b.Height] = b.ID
	}
	s.cursors[upd.Chain] = bridgev1.SyncCursor{
		ChainID: upd.ChainID, Chain: upd.Chain, Height: upd.Height, BlockID: upd.BlockID, Mode: upd.Mode,
	}
	s.commits[upd.Chain]++
	return len(events), nil
}

func (s *cursorStore) Rollback(_ context.Context, upd storage.RollbackUpdate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[upd.Chain] = bridgev1.SyncCursor{
		ChainID: upd.ChainID, Chain: upd.Chain, Height: upd.ForkHeight, BlockID: upd.ForkID, Mode: bridgev1.ModeBackfilling,
	}
	return 0, nil
}

func (s *cursorStore) blockMap(chain string) map[uint64]string {
	bm, ok := s.blocks[chain]
	if !ok {
		bm = make(map[uint64]string)
		s.blocks[chain] = bm
	}
	return bm
}

// height returns the cursor height of chain and whether a cursor exists.
func (s *cursorStore) height(chain string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[chain]
	return c.Height, ok
}

func (s *cursorStore) commitCount(chain string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits[chain]
}
