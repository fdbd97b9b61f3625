// Package twine implements the chain adapter for the Twine L2. Twine speaks
// the Ethereum JSON-RPC dialect, but its headers carry fields ethclient cannot
// decode, so the adapter works on raw rpc calls and trusts the node's hashes.
package twine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/marko911/bridge-indexer/internal/adapter"
	"github.com/marko911/bridge-indexer/internal/bridge"
	"github.com/marko911/bridge-indexer/internal/config"
	"github.com/marko911/bridge-indexer/internal/retry"
	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

const (
	tagFinalized = "finalized"
	tagLatest    = "latest"
)

// header is the subset of a Twine block header the indexer needs.
type header struct {
	Number     *hexutil.Big   `json:"number"`
	Hash       *common.Hash   `json:"hash"`
	ParentHash common.Hash    `json:"parentHash"`
	Timestamp  hexutil.Uint64 `json:"timestamp"`
}

func (h *header) ref(chain string, want uint64) (bridgev1.BlockRef, error) {
	if h.Number == nil || h.Hash == nil {
		return bridgev1.BlockRef{}, &bridge.RpcProtocolError{Chain: chain, Op: "get block", Err: fmt.Errorf("block %d: missing number or hash", want)}
	}
	if got := h.Number.ToInt().Uint64(); got != want {
		return bridgev1.BlockRef{}, &bridge.RpcProtocolError{Chain: chain, Op: "get block", Err: fmt.Errorf("asked for block %d, got %d", want, got)}
	}
	return bridgev1.BlockRef{Height: want, ID: h.Hash.Hex(), ParentID: h.ParentHash.Hex()}, nil
}

// Adapter reads Twine blocks and L2 messenger logs.
type Adapter struct {
	cfg       config.ChainConfig
	client    *rpc.Client
	limiter   *rate.Limiter
	addresses []common.Address
	logger    *slog.Logger

	mu      sync.Mutex
	headTag string
}

var _ adapter.ChainAdapter = (*Adapter)(nil)

// New dials the Twine HTTP endpoint.
func New(ctx context.Context, cfg config.ChainConfig, logger *slog.Logger) (*Adapter, error) {
	client, err := rpc.DialContext(ctx, cfg.RPC.HTTPURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Name, err)
	}

	sources := cfg.MonitoredSources()
	addresses := make([]common.Address, len(sources))
	for i, s := range sources {
		addresses[i] = common.HexToAddress(s)
	}

	return &Adapter{
		cfg:       cfg,
		client:    client,
		limiter:   adapter.NewLimiter(cfg.RPC.RequestsPerSecond),
		addresses: addresses,
		logger:    logger.With("component", "twine-adapter", "chain", cfg.Name),
		headTag:   tagFinalized,
	}, nil
}

func (a *Adapter) Chain() string           { return a.cfg.Name }
func (a *Adapter) Family() bridgev1.Family { return bridgev1.FamilyTwine }

func (a *Adapter) Close() {
	a.client.Close()
}

func (a *Adapter) call(ctx context.Context, op string, result any, method string, args ...any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()
	if err := a.client.CallContext(callCtx, result, method, args...); err != nil {
		return retry.Wrap(a.cfg.Name, op, err)
	}
	return nil
}

func (a *Adapter) timeout() time.Duration {
	if a.cfg.RPC.Timeout > 0 {
		return a.cfg.RPC.Timeout
	}
	return 30 * time.Second
}

// FetchHead returns the finalized head. Nodes that do not know the finalized
// tag are followed at latest instead.
func (a *Adapter) FetchHead(ctx context.Context) (uint64, error) {
	a.mu.Lock()
	tag := a.headTag
	a.mu.Unlock()

	var h *header
	err := a.call(ctx, "head", &h, "eth_getBlockByNumber", tag, false)
	if tag == tagFinalized && finalizedUnsupported(h, err) {
		a.logger.Warn("finalized tag unsupported, following latest", "error", err)
		a.mu.Lock()
		a.headTag = tagLatest
		a.mu.Unlock()
		return a.FetchHead(ctx)
	}
	if err != nil {
		return 0, err
	}
	if h == nil || h.Number == nil {
		return 0, &bridge.RpcProtocolError{Chain: a.cfg.Name, Op: "head", Err: fmt.Errorf("no %s block", tag)}
	}
	return h.Number.ToInt().Uint64(), nil
}

func finalizedUnsupported(h *header, err error) bool {
	if err == nil {
		return h == nil
	}
	return bridge.IsChainFatal(err) || strings.Contains(strings.ToLower(err.Error()), tagFinalized)
}

// FetchBlock returns the hash and parent hash at height.
func (a *Adapter) FetchBlock(ctx context.Context, height uint64) (bridgev1.BlockRef, error) {
	var h *header
	if err := a.call(ctx, "get block", &h, "eth_getBlockByNumber", hexutil.EncodeUint64(height), false); err != nil {
		return bridgev1.BlockRef{}, err
	}
	if h == nil {
		return bridgev1.BlockRef{}, &bridge.TransientRpcError{Chain: a.cfg.Name, Op: "get block", Err: fmt.Errorf("block %d not found", height)}
	}
	return h.ref(a.cfg.Name, height)
}

// FetchRange reads all headers of [from, to] in one batch request, then the
// messenger logs for the range.
func (a *Adapter) FetchRange(ctx context.Context, from, to uint64) ([]adapter.Block, error) {
	if to < from {
		return nil, nil
	}

	n := int(to - from + 1)
	headers := make([]*header, n)
	batch := make([]rpc.BatchElem, n)
	for i := range batch {
		batch[i] = rpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []any{hexutil.EncodeUint64(from + uint64(i)), false},
			Result: &headers[i],
		}
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, a.timeout())
	err := a.client.BatchCallContext(callCtx, batch)
	cancel()
	if err != nil {
		return nil, retry.Wrap(a.cfg.Name, "batch get blocks", err)
	}

	blocks := make([]adapter.Block, n)
	for i, elem := range batch {
		height := from + uint64(i)
		if elem.Error != nil {
			return nil, retry.Wrap(a.cfg.Name, "batch get blocks", elem.Error)
		}
		if headers[i] == nil {
			return nil, &bridge.TransientRpcError{Chain: a.cfg.Name, Op: "batch get blocks", Err: fmt.Errorf("block %d not found", height)}
		}
		ref, err := headers[i].ref(a.cfg.Name, height)
		if err != nil {
			return nil, err
		}
		blocks[i] = adapter.Block{
			Height:   height,
			ID:       ref.ID,
			ParentID: ref.ParentID,
			Time:     time.Unix(int64(headers[i].Timestamp), 0).UTC(),
		}
	}

	var logs []types.Log
	filter := map[string]any{
		"fromBlock": hexutil.EncodeUint64(from),
		"toBlock":   hexutil.EncodeUint64(to),
		"address":   a.addresses,
	}
	if err := a.call(ctx, "get logs", &logs, "eth_getLogs", filter); err != nil {
		return nil, err
	}

	if err := adapter.AttachLogs(a.cfg.Name, blocks, logs); err != nil {
		return nil, err
	}
	return blocks, nil
}
