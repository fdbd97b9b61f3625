package storage

import (
	"context"
	"errors"
	"testing"

	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

func TestTransferLinks(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, "bridge.events")
	ctx := context.Background()
	l1, l1ID := testChain(t)
	l2, l2ID := testChain(t)

	for _, c := range []struct {
		name string
		id   uint64
	}{{l1, l1ID}, {l2, l2ID}} {
		if _, err := store.InitCursor(ctx, c.name, c.id, 0, blockID(0)); err != nil {
			t.Fatalf("InitCursor failed: %v", err)
		}
	}

	deposit := testEvent(l1, l1ID, 5, "0xdep", 0)
	deposit.Nonce = "42-" + l1
	relayed := testEvent(l2, l2ID, 9, "0xrel", 0)
	relayed.Kind = bridgev1.EventKindMessageRelayed
	relayed.Status = bridgev1.EventStatusRelayed
	relayed.Nonce = deposit.Nonce

	if _, err := store.CommitBatch(ctx, CursorUpdate{Chain: l1, ChainID: l1ID, Height: 5, BlockID: blockID(5), Mode: bridgev1.ModeLiveTailing},
		[]*bridgev1.BridgeEvent{deposit}, blockRefs(1, 5)); err != nil {
		t.Fatalf("CommitBatch failed: %v", err)
	}
	if _, err := store.CommitBatch(ctx, CursorUpdate{Chain: l2, ChainID: l2ID, Height: 9, BlockID: blockID(9), Mode: bridgev1.ModeLiveTailing},
		[]*bridgev1.BridgeEvent{relayed}, blockRefs(1, 9)); err != nil {
		t.Fatalf("CommitBatch failed: %v", err)
	}

	src, err := store.EventsInRange(ctx, l1, 5, 5)
	if err != nil || len(src) != 1 {
		t.Fatalf("EventsInRange = %v, %v", src, err)
	}
	targets, err := store.UnlinkedByNonce(ctx, bridgev1.EventKindMessageRelayed, deposit.Nonce)
	if err != nil || len(targets) != 1 {
		t.Fatalf("UnlinkedByNonce = %v, %v", targets, err)
	}

	link := TransferLink{
		SourceEventID: src[0].ID, TargetEventID: targets[0].ID,
		SourceChainID: l1ID, SourceTxID: "0xdep",
		TargetChainID: l2ID, TargetTxID: "0xrel",
		Nonce: deposit.Nonce,
	}
	ok, err := store.SaveLink(ctx, link)
	if err != nil || !ok {
		t.Fatalf("SaveLink = %v, %v", ok, err)
	}
	ok, err = store.SaveLink(ctx, link)
	if err != nil || ok {
		t.Errorf("second SaveLink = %v, %v", ok, err)
	}

	got, err := store.LinkFor(ctx, src[0].ID)
	if err != nil {
		t.Fatalf("LinkFor failed: %v", err)
	}
	if got.TargetTxID != "0xrel" || got.LinkedAt.IsZero() {
		t.Errorf("link = %+v", got)
	}

	if targets, _ := store.UnlinkedByNonce(ctx, bridgev1.EventKindMessageRelayed, deposit.Nonce); len(targets) != 0 {
		t.Errorf("linked target still returned: %v", targets)
	}

	// Rolling back the target chain drops the link with the event.
	if _, err := store.Rollback(ctx, RollbackUpdate{Chain: l2, ChainID: l2ID, PrevHeight: 9, ForkHeight: 8, ForkID: blockID(8)}); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if _, err := store.LinkFor(ctx, src[0].ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after rollback, got %v", err)
	}
}
