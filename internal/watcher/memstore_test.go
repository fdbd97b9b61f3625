package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/marko911/bridge-indexer/internal/bridge"
	"github.com/marko911/bridge-indexer/internal/platform/storage"
	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

// memStore is an in-memory Store with the same conditional-write semantics
// as the Postgres store.
type memStore struct {
	mu        sync.Mutex
	cursors   map[string]bridgev1.SyncCursor
	events    map[string]*bridgev1.BridgeEvent
	blocks    map[string]map[uint64]string
	commits   []storage.CursorUpdate
	rollbacks []storage.RollbackUpdate

	// failCommits makes the next n commits fail before writing anything.
	failCommits int
	// afterCommit runs after each successful commit, outside the lock.
	afterCommit func(storage.CursorUpdate)
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		cursors: make(map[string]bridgev1.SyncCursor),
		events:  make(map[string]*bridgev1.BridgeEvent),
		blocks:  make(map[string]map[uint64]string),
	}
}

func (s *memStore) LoadCursor(_ context.Context, chain string) (bridgev1.SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[chain]
	if !ok {
		return bridgev1.SyncCursor{}, storage.ErrCursorNotFound
	}
	return c, nil
}

func (s *memStore) InitCursor(_ context.Context, chain string, chainID, height uint64, blockID string) (bridgev1.SyncCursor, error) {
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

func (s *memStore) SetMode(_ context.Context, chain string, mode bridgev1.CursorMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cursors[chain]
	c.Mode = mode
	s.cursors[chain] = c
	return nil
}

func (s *memStore) BlockID(_ context.Context, chain string, height uint64) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.blockMap(chain)[height]
	return id, ok, nil
}

func (s *memStore) CommitBatch(_ context.Context, upd storage.CursorUpdate, events []*bridgev1.BridgeEvent, blocks []bridgev1.BlockRef) (int, error) {
	s.mu.Lock()
	if s.failCommits > 0 {
		s.failCommits--
		s.mu.Unlock()
		return 0, &bridge.PersistenceError{Op: "commit batch", Err: errors.New("connection reset")}
	}
	c, ok := s.cursors[upd.Chain]
	if !ok || c.Height != upd.PrevHeight {
		s.mu.Unlock()
		return 0, &bridge.PersistenceError{Op: "commit batch", Err: fmt.Errorf("%w: expected height %d", storage.ErrCursorConflict, upd.PrevHeight)}
	}

	inserted := 0
	for _, ev := range events {
		if _, dup := s.events[ev.Key()]; dup {
			continue
		}
		cp := *ev
		s.events[ev.Key()] = &cp
		inserted++
	}
	bm := s.blockMap(upd.Chain)
	for _, b := range blocks {
		bm[b.Height] = b.ID
	}
	if upd.KeepBlocks > 0 {
		for h := range bm {
			if h+upd.KeepBlocks < upd.Height {
				delete(bm, h)
			}
		}
	}
	s.cursors[upd.Chain] = bridgev1.SyncCursor{
		ChainID: upd.ChainID, Chain: upd.Chain, Height: upd.Height, BlockID: upd.BlockID, Mode: upd.Mode,
	}
	s.commits = append(s.commits, upd)
	hook := s.afterCommit
	s.mu.Unlock()

	if hook != nil {
		hook(upd)
	}
	return inserted, nil
}

func (s *memStore) Rollback(_ context.Context, upd storage.RollbackUpdate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[upd.Chain]
	if !ok || c.Height != upd.PrevHeight {
		return 0, &bridge.PersistenceError{Op: "rollback", Err: storage.ErrCursorConflict}
	}
	var deleted int64
	for k, ev := range s.events {
		if ev.Chain == upd.Chain && ev.BlockHeight > upd.ForkHeight {
			delete(s.events, k)
			deleted++
		}
	}
	bm := s.blockMap(upd.Chain)
	for h := range bm {
		if h > upd.ForkHeight {
			delete(bm, h)
		}
	}
	s.cursors[upd.Chain] = bridgev1.SyncCursor{
		ChainID: upd.ChainID, Chain: upd.Chain, Height: upd.ForkHeight, BlockID: upd.ForkID, Mode: bridgev1.ModeBackfilling,
	}
	s.rollbacks = append(s.rollbacks, upd)
	return deleted, nil
}

func (s *memStore) blockMap(chain string) map[uint64]string {
	bm, ok := s.blocks[chain]
	if !ok {
		bm = make(map[uint64]string)
		s.blocks[chain] = bm
	}
	return bm
}

func (s *memStore) cursor(chain string) bridgev1.SyncCursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[chain]
}

func (s *memStore) setCursor(c bridgev1.SyncCursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[c.Chain] = c
}

// eventsByHeight returns the stored events of a chain keyed by height.
func (s *memStore) eventsByHeight(chain string) map[uint64][]*bridgev1.BridgeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64][]*bridgev1.BridgeEvent)
	for _, ev := range s.events {
		if ev.Chain == chain {
			out[ev.BlockHeight] = append(out[ev.BlockHeight], ev)
		}
	}
	return out
}

func (s *memStore) snapshotCommits() []storage.CursorUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.CursorUpdate(nil), s.commits...)
}

func (s *memStore) snapshotRollbacks() []storage.RollbackUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.RollbackUpdate(nil), s.rollbacks...)
}
