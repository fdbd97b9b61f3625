package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/marko911/bridge-indexer/internal/bridge"
	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

func countRows(t *testing.T, db *DB, sql string, args ...any) int {
	t.Helper()
	var n int
	if err := db.pool.QueryRow(context.Background(), sql, args...).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
	applied, err := db.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations failed: %v", err)
	}
	if len(applied) == 0 || applied[0].Version != 1 {
		t.Errorf("applied = %v", applied)
	}
	if err := NewStore(db, "bridge.events").VerifySchema(ctx); err != nil {
		t.Errorf("VerifySchema failed: %v", err)
	}
}

func TestInitCursor_KeepsExisting(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, "bridge.events")
	ctx := context.Background()
	chain, chainID := testChain(t)

	if _, err := store.LoadCursor(ctx, chain); !errors.Is(err, ErrCursorNotFound) {
		t.Fatalf("expected ErrCursorNotFound, got %v", err)
	}

	c, err := store.InitCursor(ctx, chain, chainID, 100, blockID(100))
	if err != nil {
		t.Fatalf("InitCursor failed: %v", err)
	}
	if c.Height != 100 || c.BlockID != blockID(100) || c.Mode != bridgev1.ModeBackfilling {
		t.Errorf("cursor = %+v", c)
	}

	c, err = store.InitCursor(ctx, chain, chainID, 500, blockID(500))
	if err != nil {
		t.Fatalf("InitCursor failed: %v", err)
	}
	if c.Height != 100 {
		t.Errorf("second InitCursor moved cursor to %d", c.Height)
	}

	id, found, err := store.BlockID(ctx, chain, 100)
	if err != nil || !found || id != blockID(100) {
		t.Errorf("BlockID(100) = %q, %v, %v", id, found, err)
	}
}

func TestCommitBatch_Idempotent(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, "bridge.events")
	ctx := context.Background()
	chain, chainID := testChain(t)

	if _, err := store.InitCursor(ctx, chain, chainID, 100, blockID(100)); err != nil {
		t.Fatalf("InitCursor failed: %v", err)
	}

	events := []*bridgev1.BridgeEvent{
		testEvent(chain, chainID, 103, "0xaa", 0),
		testEvent(chain, chainID, 107, "0xbb", 4),
	}
	n, err := store.CommitBatch(ctx, CursorUpdate{
		Chain: chain, ChainID: chainID, PrevHeight: 100, Height: 110, BlockID: blockID(110),
		Mode: bridgev1.ModeBackfilling,
	}, events, blockRefs(101, 110))
	if err != nil {
		t.Fatalf("CommitBatch failed: %v", err)
	}
	if n != 2 {
		t.Errorf("inserted = %d, want 2", n)
	}

	// The same events arriving in a later batch are not duplicated.
	n, err = store.CommitBatch(ctx, CursorUpdate{
		Chain: chain, ChainID: chainID, PrevHeight: 110, Height: 120, BlockID: blockID(120),
		Mode: bridgev1.ModeLiveTailing,
	}, events, blockRefs(111, 120))
	if err != nil {
		t.Fatalf("CommitBatch failed: %v", err)
	}
	if n != 0 {
		t.Errorf("reinserted = %d, want 0", n)
	}

	if got := countRows(t, db, `SELECT count(*) FROM bridge_events WHERE chain = $1`, chain); got != 2 {
		t.Errorf("events = %d, want 2", got)
	}
	if got := countRows(t, db, `SELECT count(*) FROM outbox_messages WHERE chain = $1`, chain); got != 2 {
		t.Errorf("outbox messages = %d, want 2", got)
	}

	c, err := store.LoadCursor(ctx, chain)
	if err != nil {
		t.Fatalf("LoadCursor failed: %v", err)
	}
	if c.Height != 120 || c.BlockID != blockID(120) || c.Mode != bridgev1.ModeLiveTailing {
		t.Errorf("cursor = %+v", c)
	}

	stored, err := store.EventsInRange(ctx, chain, 0, 200)
	if err != nil {
		t.Fatalf("EventsInRange failed: %v", err)
	}
	if len(stored) != 2 || stored[0].Event.TxID != "0xaa" || stored[1].Event.ItemIndex != 4 {
		t.Fatalf("stored = %+v", stored)
	}
	if stored[0].Event.Payload["amount"] != "1000000000000000000000" || stored[0].Event.Nonce != "7" {
		t.Errorf("payload = %v nonce = %q", stored[0].Event.Payload, stored[0].Event.Nonce)
	}
}

func TestCommitBatch_ConflictWritesNothing(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, "bridge.events")
	ctx := context.Background()
	chain, chainID := testChain(t)

	if _, err := store.InitCursor(ctx, chain, chainID, 100, blockID(100)); err != nil {
		t.Fatalf("InitCursor failed: %v", err)
	}

	_, err := store.CommitBatch(ctx, CursorUpdate{
		Chain: chain, ChainID: chainID, PrevHeight: 90, Height: 110, BlockID: blockID(110),
		Mode: bridgev1.ModeBackfilling,
	}, []*bridgev1.BridgeEvent{testEvent(chain, chainID, 105, "0xcc", 1)}, blockRefs(101, 110))

	var perr *bridge.PersistenceError
	if !errors.As(err, &perr) || !errors.Is(err, ErrCursorConflict) {
		t.Fatalf("expected PersistenceError wrapping ErrCursorConflict, got %v", err)
	}
	if got := countRows(t, db, `SELECT count(*) FROM bridge_events WHERE chain = $1`, chain); got != 0 {
		t.Errorf("events visible after failed commit: %d", got)
	}
	if got := countRows(t, db, `SELECT count(*) FROM outbox_messages WHERE chain = $1`, chain); got != 0 {
		t.Errorf("outbox messages visible after failed commit: %d", got)
	}
	if _, found, _ := store.BlockID(ctx, chain, 105); found {
		t.Error("block id visible after failed commit")
	}
}

func TestCommitBatch_PrunesBlockIDs(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, "bridge.events")
	ctx := context.Background()
	chain, chainID := testChain(t)

	if _, err := store.InitCursor(ctx, chain, chainID, 100, blockID(100)); err != nil {
		t.Fatalf("InitCursor failed: %v", err)
	}
	_, err := store.CommitBatch(ctx, CursorUpdate{
		Chain: chain, ChainID: chainID, PrevHeight: 100, Height: 120, BlockID: blockID(120),
		Mode: bridgev1.ModeBackfilling, KeepBlocks: 5,
	}, nil, blockRefs(101, 120))
	if err != nil {
		t.Fatalf("CommitBatch failed: %v", err)
	}

	if _, found, _ := store.BlockID(ctx, chain, 114); found {
		t.Error("height 114 should have been pruned")
	}
	if id, found, _ := store.BlockID(ctx, chain, 115); !found || id != blockID(115) {
		t.Error("height 115 should be retained")
	}
}

func TestRollback(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, "bridge.events")
	ctx := context.Background()
	chain, chainID := testChain(t)

	if _, err := store.InitCursor(ctx, chain, chainID, 100, blockID(100)); err != nil {
		t.Fatalf("InitCursor failed: %v", err)
	}
	events := []*bridgev1.BridgeEvent{
		testEvent(chain, chainID, 102, "0x01", 0),
		testEvent(chain, chainID, 104, "0x02", 0),
		testEvent(chain, chainID, 106, "0x03", 0),
	}
	if _, err := store.CommitBatch(ctx, CursorUpdate{
		Chain: chain, ChainID: chainID, PrevHeight: 100, Height: 110, BlockID: blockID(110),
		Mode: bridgev1.ModeBackfilling,
	}, events, blockRefs(101, 110)); err != nil {
		t.Fatalf("CommitBatch failed: %v", err)
	}

	deleted, err := store.Rollback(ctx, RollbackUpdate{
		Chain: chain, ChainID: chainID, PrevHeight: 110, ForkHeight: 104, ForkID: blockID(104),
	})
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	c, err := store.LoadCursor(ctx, chain)
	if err != nil {
		t.Fatalf("LoadCursor failed: %v", err)
	}
	if c.Height != 104 || c.BlockID != blockID(104) || c.Mode != bridgev1.ModeBackfilling {
		t.Errorf("cursor = %+v", c)
	}
	if _, found, _ := store.BlockID(ctx, chain, 105); found {
		t.Error("block id above fork survived rollback")
	}
	if _, found, _ := store.BlockID(ctx, chain, 104); !found {
		t.Error("fork block id removed")
	}

	var payload []byte
	err = db.pool.QueryRow(ctx, `
		SELECT payload FROM outbox_messages WHERE chain = $1 AND event_id IS NULL
	`, chain).Scan(&payload)
	if err != nil {
		t.Fatalf("rollback notice missing: %v", err)
	}
	var env bridgev1.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("unmarshal notice: %v", err)
	}
	if env.Type != bridgev1.MessageTypeRollback || env.Rollback.ForkHeight != 104 || env.Rollback.FromHeight != 110 {
		t.Errorf("notice = %+v", env.Rollback)
	}
	if got := countRows(t, db, `SELECT count(*) FROM outbox_messages WHERE chain = $1 AND event_id IS NOT NULL`, chain); got != 2 {
		t.Errorf("event messages = %d, want 2", got)
	}

	// A stale rollback is rejected.
	_, err = store.Rollback(ctx, RollbackUpdate{Chain: chain, ChainID: chainID, PrevHeight: 110, ForkHeight: 101})
	if !errors.Is(err, ErrCursorConflict) {
		t.Errorf("expected ErrCursorConflict, got %v", err)
	}
}

func TestResetCursor(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, "bridge.events")
	ctx := context.Background()
	chain, chainID := testChain(t)

	if _, err := store.InitCursor(ctx, chain, chainID, 100, blockID(100)); err != nil {
		t.Fatalf("InitCursor failed: %v", err)
	}
	if _, err := store.CommitBatch(ctx, CursorUpdate{
		Chain: chain, ChainID: chainID, PrevHeight: 100, Height: 110, BlockID: blockID(110),
		Mode: bridgev1.ModeLiveTailing,
	}, []*bridgev1.BridgeEvent{testEvent(chain, chainID, 108, "0x08", 0)}, blockRefs(101, 110)); err != nil {
		t.Fatalf("CommitBatch failed: %v", err)
	}

	deleted, err := store.ResetCursor(ctx, chain, chainID, 105, "")
	if err != nil {
		t.Fatalf("ResetCursor failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	c, err := store.LoadCursor(ctx, chain)
	if err != nil {
		t.Fatalf("LoadCursor failed: %v", err)
	}
	if c.Height != 105 || c.Mode != bridgev1.ModeBackfilling {
		t.Errorf("cursor = %+v", c)
	}
}
