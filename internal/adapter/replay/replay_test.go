package replay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/marko911/bridge-indexer/internal/adapter"
	"github.com/marko911/bridge-indexer/internal/bridge"
	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestWriteAndOpen(t *testing.T) {
	dir := t.TempDir()
	blocks := []adapter.Block{
		{Height: 12, ID: "0xc", ParentID: "0xb", Time: time.Unix(1_700_000_012, 0).UTC()},
		{Height: 10, ID: "0xa", ParentID: "0x9", Time: time.Unix(1_700_000_010, 0).UTC()},
		{Height: 11, ID: "0xb", ParentID: "0xa", Time: time.Unix(1_700_000_011, 0).UTC(), Logs: []adapter.Log{{
			Address: common.HexToAddress("0x01"),
			Topics:  []common.Hash{common.HexToHash("0x02")},
			Data:    []byte{0xde, 0xad},
			TxHash:  common.HexToHash("0x03"),
			Index:   7,
		}}},
	}
	for _, b := range blocks {
		if _, err := WriteBlock(dir, "ethereum", bridgev1.FamilyEVM, b); err != nil {
			t.Fatalf("WriteBlock: %v", err)
		}
	}
	// another chain's fixtures are ignored
	if _, err := WriteBlock(dir, "twine", bridgev1.FamilyTwine, adapter.Block{Height: 99, ID: "0x99"}); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	a, err := Open("file://"+dir, "ethereum", bridgev1.FamilyEVM, discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	head, err := a.FetchHead(context.Background())
	if err != nil || head != 12 {
		t.Fatalf("FetchHead = %d, %v", head, err)
	}

	got, err := a.FetchRange(context.Background(), 10, 12)
	if err != nil {
		t.Fatalf("FetchRange: %v", err)
	}
	for i, b := range got {
		if b.Height != 10+uint64(i) {
			t.Errorf("block %d has height %d", i, b.Height)
		}
	}
	if len(got[1].Logs) != 1 || got[1].Logs[0].Index != 7 || string(got[1].Logs[0].Data) != "\xde\xad" {
		t.Errorf("logs did not round trip: %+v", got[1].Logs)
	}
}

func TestOpen_NoFixtures(t *testing.T) {
	_, err := Open("file://"+t.TempDir(), "ethereum", bridgev1.FamilyEVM, discard())
	if err == nil {
		t.Fatal("expected error for empty fixture dir")
	}
}

func TestFetch_MissingHeightIsTransient(t *testing.T) {
	a := New("solana", bridgev1.FamilySVM, []adapter.Block{{Height: 5, ID: "x"}}, discard())

	_, err := a.FetchRange(context.Background(), 5, 6)
	var transient *bridge.TransientRpcError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientRpcError, got %v", err)
	}
}

func TestPut_ReplacesFork(t *testing.T) {
	a := New("ethereum", bridgev1.FamilyEVM, []adapter.Block{{Height: 1, ID: "a"}, {Height: 2, ID: "b"}}, discard())
	a.Put(adapter.Block{Height: 2, ID: "b2", ParentID: "a"})

	ref, err := a.FetchBlock(context.Background(), 2)
	if err != nil {
		t.Fatalf("FetchBlock: %v", err)
	}
	if ref.ID != "b2" {
		t.Errorf("id = %s, want fork block b2", ref.ID)
	}
}
