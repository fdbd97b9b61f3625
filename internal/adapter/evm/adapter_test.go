package evm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marko911/bridge-indexer/internal/adapter/rpctest"
	"github.com/marko911/bridge-indexer/internal/bridge"
	"github.com/marko911/bridge-indexer/internal/config"
	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

var queueAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")

type fakeChain struct {
	headers map[uint64]*types.Header
	logs    []types.Log
	head    uint64
	chainID int64
}

func newFakeChain(n uint64) *fakeChain {
	fc := &fakeChain{headers: make(map[uint64]*types.Header), head: n, chainID: 1}
	parent := common.Hash{}
	for i := uint64(0); i <= n; i++ {
		h := &types.Header{
			ParentHash: parent,
			Number:     new(big.Int).SetUint64(i),
			Difficulty: big.NewInt(0),
			Time:       1_700_000_000 + i*12,
			Extra:      []byte("fake"),
		}
		fc.headers[i] = h
		parent = h.Hash()
	}
	return fc
}

func parseBlockArg(t *testing.T, raw json.RawMessage) uint64 {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("block arg: %v", err)
	}
	n, err := hexutil.DecodeUint64(s)
	if err != nil {
		t.Fatalf("block arg %q: %v", s, err)
	}
	return n
}

func (fc *fakeChain) serve(t *testing.T) *rpctest.Server {
	srv := rpctest.NewServer(t)
	srv.Handle("eth_chainId", func([]json.RawMessage) (any, error) {
		return (*hexutil.Big)(big.NewInt(fc.chainID)), nil
	})
	srv.Handle("eth_blockNumber", func([]json.RawMessage) (any, error) {
		return hexutil.Uint64(fc.head), nil
	})
	srv.Handle("eth_getBlockByNumber", func(params []json.RawMessage) (any, error) {
		h, ok := fc.headers[parseBlockArg(t, params[0])]
		if !ok {
			return nil, nil
		}
		return h, nil
	})
	srv.Handle("eth_getLogs", func(params []json.RawMessage) (any, error) {
		var q struct {
			FromBlock string `json:"fromBlock"`
			ToBlock   string `json:"toBlock"`
		}
		if err := json.Unmarshal(params[0], &q); err != nil {
			return nil, err
		}
		from, _ := hexutil.DecodeUint64(q.FromBlock)
		to, _ := hexutil.DecodeUint64(q.ToBlock)
		out := []types.Log{}
		for _, l := range fc.logs {
			if l.BlockNumber >= from && l.BlockNumber <= to {
				out = append(out, l)
			}
		}
		return out, nil
	})
	return srv
}

func (fc *fakeChain) addLog(height uint64, index uint) {
	fc.logs = append(fc.logs, types.Log{
		Address:     queueAddr,
		Topics:      []common.Hash{common.HexToHash("0xabc")},
		Data:        []byte{1, 2, 3},
		BlockNumber: height,
		BlockHash:   fc.headers[height].Hash(),
		TxHash:      common.HexToHash("0x" + strconv.FormatUint(height, 16) + "ff"),
		Index:       index,
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAdapter(t *testing.T, url string, chainID uint64) *Adapter {
	t.Helper()
	cfg := config.ChainConfig{
		Name:          "ethereum",
		ChainID:       chainID,
		Family:        bridgev1.FamilyEVM,
		Confirmations: 2,
		RPC:           config.RPCConfig{HTTPURL: url, MaxConcurrency: 4},
		Retry:         config.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond},
		Contracts:     config.ContractsConfig{L1MessageQueue: queueAddr.Hex()},
	}
	a, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestAdapter_FetchHeadSubtractsConfirmations(t *testing.T) {
	fc := newFakeChain(20)
	srv := fc.serve(t)
	a := newTestAdapter(t, srv.URL, 1)

	head, err := a.FetchHead(context.Background())
	if err != nil {
		t.Fatalf("FetchHead: %v", err)
	}
	if head != 18 {
		t.Errorf("head = %d, want 18", head)
	}

	if _, err := a.FetchHead(context.Background()); err != nil {
		t.Fatalf("second FetchHead: %v", err)
	}
	if n := srv.Calls("eth_chainId"); n != 1 {
		t.Errorf("chain id verified %d times, want 1", n)
	}
}

func TestAdapter_ChainIDMismatchIsProtocolError(t *testing.T) {
	fc := newFakeChain(5)
	fc.chainID = 10
	srv := fc.serve(t)
	a := newTestAdapter(t, srv.URL, 1)

	_, err := a.FetchHead(context.Background())
	var protocol *bridge.RpcProtocolError
	if !errors.As(err, &protocol) {
		t.Fatalf("expected RpcProtocolError, got %v", err)
	}
}

func TestAdapter_FetchRange(t *testing.T) {
	fc := newFakeChain(20)
	fc.addLog(11, 0)
	fc.addLog(11, 3)
	fc.addLog(14, 1)
	srv := fc.serve(t)
	a := newTestAdapter(t, srv.URL, 1)

	blocks, err := a.FetchRange(context.Background(), 10, 15)
	if err != nil {
		t.Fatalf("FetchRange: %v", err)
	}
	if len(blocks) != 6 {
		t.Fatalf("got %d blocks, want 6", len(blocks))
	}

	for i, b := range blocks {
		want := fc.headers[10+uint64(i)]
		if b.Height != 10+uint64(i) {
			t.Errorf("block %d height = %d", i, b.Height)
		}
		if b.ID != want.Hash().Hex() {
			t.Errorf("block %d id = %s, want %s", i, b.ID, want.Hash().Hex())
		}
		if b.ParentID != want.ParentHash.Hex() {
			t.Errorf("block %d parent = %s", i, b.ParentID)
		}
	}
	if len(blocks[1].Logs) != 2 || len(blocks[4].Logs) != 1 {
		t.Errorf("logs not attached: %d, %d", len(blocks[1].Logs), len(blocks[4].Logs))
	}
	if blocks[1].Logs[1].Index != 3 {
		t.Errorf("log index = %d, want 3", blocks[1].Logs[1].Index)
	}

	ref, err := a.FetchBlock(context.Background(), 12)
	if err != nil {
		t.Fatalf("FetchBlock: %v", err)
	}
	if ref.ID != blocks[2].ID {
		t.Errorf("FetchBlock id = %s, want %s", ref.ID, blocks[2].ID)
	}
}

func TestAdapter_LogFromOtherForkIsTransient(t *testing.T) {
	fc := newFakeChain(20)
	fc.addLog(12, 0)
	fc.logs[0].BlockHash = common.HexToHash("0xdead")
	srv := fc.serve(t)
	a := newTestAdapter(t, srv.URL, 1)

	_, err := a.FetchRange(context.Background(), 10, 15)
	var transient *bridge.TransientRpcError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientRpcError, got %v", err)
	}
}

func TestAdapter_HTTPUnavailableIsTransient(t *testing.T) {
	fc := newFakeChain(20)
	srv := fc.serve(t)
	a := newTestAdapter(t, srv.URL, 1)

	srv.FailWithStatus(http.StatusServiceUnavailable)
	_, err := a.FetchHead(context.Background())
	if !bridge.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestAdapter_MissingBlockIsTransient(t *testing.T) {
	fc := newFakeChain(5)
	srv := fc.serve(t)
	a := newTestAdapter(t, srv.URL, 1)

	_, err := a.FetchBlock(context.Background(), 50)
	if !bridge.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestAdapter_FailsOverToFallbackEndpoint(t *testing.T) {
	fc := newFakeChain(20)
	fc.addLog(12, 0)
	srv := fc.serve(t)

	cfg := config.ChainConfig{
		Name:          "ethereum",
		ChainID:       1,
		Family:        bridgev1.FamilyEVM,
		Confirmations: 2,
		RPC: config.RPCConfig{
			HTTPURL:        "http://127.0.0.1:1",
			FallbackURLs:   []string{srv.URL},
			MaxConcurrency: 2,
		},
		Retry:     config.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond},
		Contracts: config.ContractsConfig{L1MessageQueue: queueAddr.Hex()},
	}
	a, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)

	head, err := a.FetchHead(context.Background())
	if err != nil {
		t.Fatalf("FetchHead: %v", err)
	}
	if head != 18 {
		t.Errorf("head = %d, want 18", head)
	}
	if got := a.client.URL(); got != srv.URL {
		t.Errorf("endpoint in use = %s, want %s", got, srv.URL)
	}

	blocks, err := a.FetchRange(context.Background(), 11, 13)
	if err != nil {
		t.Fatalf("FetchRange after failover: %v", err)
	}
	if len(blocks) != 3 || len(blocks[1].Logs) != 1 {
		t.Errorf("unexpected range after failover: %d blocks", len(blocks))
	}
}

func TestAdapter_AllEndpointsDownIsTransient(t *testing.T) {
	a := newTestAdapter(t, "http://127.0.0.1:1", 1)
	a.client.cfg.FallbackURLs = []string{"http://127.0.0.1:2"}

	_, err := a.FetchHead(context.Background())
	var transient *bridge.TransientRpcError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientRpcError, got %v", err)
	}
}
