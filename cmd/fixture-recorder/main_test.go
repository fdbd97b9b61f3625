package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marko911/bridge-indexer/internal/adapter"
	"github.com/marko911/bridge-indexer/internal/adapter/replay"
	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

func TestRecord_RoundTripsThroughReplay(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var blocks []adapter.Block
	for h := uint64(10); h <= 34; h++ {
		blocks = append(blocks, adapter.Block{
			Height:   h,
			ID:       fmt.Sprintf("0x%x", h),
			ParentID: fmt.Sprintf("0x%x", h-1),
		})
	}
	src := replay.New("ethereum", bridgev1.FamilyEVM, blocks, logger)
	dir := t.TempDir()

	written, err := record(context.Background(), src, dir, 12, 30, 7, logger)
	require.NoError(t, err)
	assert.Equal(t, 19, written)

	loaded, err := replay.LoadDir(dir, "ethereum")
	require.NoError(t, err)
	require.Len(t, loaded, 19)
	assert.Equal(t, uint64(12), loaded[0].Height)
	assert.Equal(t, uint64(30), loaded[18].Height)
	assert.Equal(t, "0x1e", loaded[18].ID)
}

func TestRecord_MissingHeightFails(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	src := replay.New("solana", bridgev1.FamilySVM, []adapter.Block{{Height: 1, ID: "a"}}, logger)

	written, err := record(context.Background(), src, t.TempDir(), 1, 3, 1, logger)
	require.Error(t, err)
	assert.Equal(t, 1, written)
}

func TestRecord_EmptyRange(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	src := replay.New("solana", bridgev1.FamilySVM, nil, logger)
	_, err := record(context.Background(), src, t.TempDir(), 5, 4, 1, logger)
	assert.Error(t, err)
}
