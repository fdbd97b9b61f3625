// Package evm implements the chain adapter for the EVM settlement chain on
// top of go-ethereum's ethclient.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/marko911/bridge-indexer/internal/adapter"
	"github.com/marko911/bridge-indexer/internal/bridge"
	"github.com/marko911/bridge-indexer/internal/config"
	"github.com/marko911/bridge-indexer/internal/retry"
	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

// Adapter reads headers and bridge contract logs from an EVM chain.
type Adapter struct {
	cfg       config.ChainConfig
	client    *Client
	limiter   *rate.Limiter
	addresses []common.Address
	logger    *slog.Logger

	verifyMu sync.Mutex
	verified bool
}

var _ adapter.ChainAdapter = (*Adapter)(nil)

// New creates an adapter and dials the configured HTTP endpoint.
func New(ctx context.Context, cfg config.ChainConfig, logger *slog.Logger) (*Adapter, error) {
	logger = logger.With("component", "evm-adapter", "chain", cfg.Name)

	client := NewClient(ClientConfig{
		URL:           cfg.RPC.HTTPURL,
		FallbackURLs:  cfg.RPC.FallbackURLs,
		MaxRetries:    cfg.Retry.MaxAttempts,
		RetryInterval: cfg.Retry.InitialDelay,
	}, logger)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Name, err)
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
		logger:    logger,
	}, nil
}

func (a *Adapter) Chain() string           { return a.cfg.Name }
func (a *Adapter) Family() bridgev1.Family { return bridgev1.FamilyEVM }

func (a *Adapter) Close() {
	a.client.Close()
}

// verifyChainID checks that the endpoint serves the configured chain. Only a
// successful check is remembered.
func (a *Adapter) verifyChainID(ctx context.Context) error {
	a.verifyMu.Lock()
	defer a.verifyMu.Unlock()
	if a.verified {
		return nil
	}

	var id *big.Int
	err := a.withFailover(ctx, "chain id", func() error {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		id, err = a.client.ChainID(ctx)
		return err
	})
	if err != nil {
		return retry.Wrap(a.cfg.Name, "chain id", err)
	}
	if id.Uint64() != a.cfg.ChainID {
		return &bridge.RpcProtocolError{
			Chain: a.cfg.Name,
			Op:    "chain id",
			Err:   fmt.Errorf("endpoint serves chain %s, configured %d", id, a.cfg.ChainID),
		}
	}
	a.verified = true
	return nil
}

// withFailover runs call against the current endpoint. After a transient
// failure it rotates to the next configured endpoint and tries again, at most
// once per endpoint. The last error is returned classified.
func (a *Adapter) withFailover(ctx context.Context, op string, call func() error) error {
	var err error
	for range a.client.Endpoints() {
		url := a.client.URL()
		if err = call(); err == nil {
			return nil
		}
		if errors.Is(err, ethereum.NotFound) || ctx.Err() != nil {
			return err
		}
		err = retry.Wrap(a.cfg.Name, op, err)
		if !bridge.IsRetryable(err) || !a.client.Rotate(ctx, url) {
			return err
		}
	}
	return err
}

// FetchHead returns the latest block number minus the confirmation depth.
func (a *Adapter) FetchHead(ctx context.Context) (uint64, error) {
	if err := a.verifyChainID(ctx); err != nil {
		return 0, err
	}
	var n uint64
	err := a.withFailover(ctx, "block number", func() error {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		n, err = a.client.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, retry.Wrap(a.cfg.Name, "block number", err)
	}
	if n < a.cfg.Confirmations {
		return 0, nil
	}
	return n - a.cfg.Confirmations, nil
}

func (a *Adapter) header(ctx context.Context, height uint64) (*types.Header, error) {
	var h *types.Header
	err := a.withFailover(ctx, "header", func() error {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		h, err = a.client.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		// the node has not caught up to a height we saw as head
		return nil, &bridge.TransientRpcError{Chain: a.cfg.Name, Op: "header", Err: fmt.Errorf("block %d not found", height)}
	}
	if err != nil {
		return nil, retry.Wrap(a.cfg.Name, "header", err)
	}
	if h.Number == nil || h.Number.Uint64() != height {
		return nil, &bridge.RpcProtocolError{Chain: a.cfg.Name, Op: "header", Err: fmt.Errorf("asked for block %d, got %v", height, h.Number)}
	}
	return h, nil
}

// FetchBlock returns the hash and parent hash of the block at height.
func (a *Adapter) FetchBlock(ctx context.Context, height uint64) (bridgev1.BlockRef, error) {
	h, err := a.header(ctx, height)
	if err != nil {
		return bridgev1.BlockRef{}, err
	}
	return bridgev1.BlockRef{Height: height, ID: h.Hash().Hex(), ParentID: h.ParentHash.Hex()}, nil
}

// FetchRange fetches headers for every height in [from, to] and the monitored
// contracts' logs over the same range.
func (a *Adapter) FetchRange(ctx context.Context, from, to uint64) ([]adapter.Block, error) {
	if to < from {
		return nil, nil
	}

	headers := make([]*types.Header, to-from+1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(a.cfg.RPC.MaxConcurrency, 1))
	for h := from; h <= to; h++ {
		g.Go(func() error {
			header, err := a.header(gctx, h)
			if err != nil {
				return err
			}
			headers[h-from] = header
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var logs []types.Log
	err := a.withFailover(ctx, "filter logs", func() error {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		logs, err = a.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: a.addresses,
		})
		return err
	})
	if err != nil {
		return nil, retry.Wrap(a.cfg.Name, "filter logs", err)
	}

	blocks := make([]adapter.Block, len(headers))
	for i, h := range headers {
		blocks[i] = adapter.Block{
			Height:   from + uint64(i),
			ID:       h.Hash().Hex(),
			ParentID: h.ParentHash.Hex(),
			Time:     time.Unix(int64(h.Time), 0).UTC(),
		}
	}

	if err := adapter.AttachLogs(a.cfg.Name, blocks, logs); err != nil {
		return nil, err
	}
	return blocks, nil
}
