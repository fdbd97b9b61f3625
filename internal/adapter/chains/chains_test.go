package chains

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marko911/bridge-indexer/internal/adapter"
	"github.com/marko911/bridge-indexer/internal/adapter/replay"
	"github.com/marko911/bridge-indexer/internal/adapter/svm"
	"github.com/marko911/bridge-indexer/internal/bridge"
	"github.com/marko911/bridge-indexer/internal/config"
	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestOpen_FileURLSelectsReplay(t *testing.T) {
	dir := t.TempDir()
	_, err := replay.WriteBlock(dir, "ethereum", bridgev1.FamilyEVM, adapter.Block{Height: 7, ID: "0x07", ParentID: "0x06"})
	require.NoError(t, err)

	a, err := Open(context.Background(), config.ChainConfig{
		Name:   "ethereum",
		Family: bridgev1.FamilyEVM,
		RPC:    config.RPCConfig{HTTPURL: "file://" + dir},
	}, discard)
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &replay.Adapter{}, a)
	head, err := a.FetchHead(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), head)
}

func TestOpen_SVM(t *testing.T) {
	a, err := Open(context.Background(), config.ChainConfig{
		Name:      "solana",
		Family:    bridgev1.FamilySVM,
		RPC:       config.RPCConfig{HTTPURL: "http://127.0.0.1:8899"},
		Contracts: config.ContractsConfig{TokensGatewayProgram: "11111111111111111111111111111111"},
	}, discard)
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &svm.Adapter{}, a)
	assert.Equal(t, bridgev1.FamilySVM, a.Family())
}

func TestOpen_UnknownFamily(t *testing.T) {
	_, err := Open(context.Background(), config.ChainConfig{
		Name:   "cosmos",
		Family: "tendermint",
		RPC:    config.RPCConfig{HTTPURL: "http://127.0.0.1:26657"},
	}, discard)

	var cfgErr *bridge.ConfigError
	assert.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
}
