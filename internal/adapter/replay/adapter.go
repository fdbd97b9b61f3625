package replay

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/marko911/bridge-indexer/internal/adapter"
	"github.com/marko911/bridge-indexer/internal/bridge"
	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

// Adapter serves an in-memory chain. Heights without a block are reported
// as not yet available, the way a lagging node would.
type Adapter struct {
	chain  string
	family bridgev1.Family
	logger *slog.Logger

	mu     sync.RWMutex
	blocks map[uint64]adapter.Block
	head   uint64
	fail   error
}

var _ adapter.ChainAdapter = (*Adapter)(nil)

// New returns an adapter serving blocks. The head is the highest height
// given.
func New(chain string, family bridgev1.Family, blocks []adapter.Block, logger *slog.Logger) *Adapter {
	a := &Adapter{
		chain:  chain,
		family: family,
		logger: logger.With("component", "replay-adapter", "chain", chain),
		blocks: make(map[uint64]adapter.Block, len(blocks)),
	}
	a.Put(blocks...)
	return a
}

// Open loads fixtures from a file:// URL such as file:///var/fixtures.
func Open(rawURL, chain string, family bridgev1.Family, logger *slog.Logger) (*Adapter, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "file" {
		return nil, bridge.NewConfigError(chain+".rpc.http_url", "not a file url: %q", rawURL)
	}
	dir := u.Path
	if u.Host != "" {
		// file://relative/dir
		dir = u.Host + u.Path
	}
	blocks, err := LoadDir(dir, chain)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, bridge.NewConfigError(chain+".rpc.http_url", "no fixtures for %s in %s", chain, dir)
	}
	a := New(chain, family, blocks, logger)
	a.logger.Info("loaded fixtures", "dir", dir, "blocks", len(blocks), "head", a.head)
	return a, nil
}

// Put adds or replaces blocks and raises the head to the highest height.
func (a *Adapter) Put(blocks ...adapter.Block) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range blocks {
		a.blocks[b.Height] = b
		if b.Height > a.head {
			a.head = b.Height
		}
	}
}

// SetHead overrides the reported head.
func (a *Adapter) SetHead(h uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.head = h
}

// FailWith makes every fetch return err until it is called with nil.
func (a *Adapter) FailWith(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail = err
}

func (a *Adapter) Chain() string           { return a.chain }
func (a *Adapter) Family() bridgev1.Family { return a.family }
func (a *Adapter) Close()                  {}

func (a *Adapter) FetchHead(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.fail != nil {
		return 0, a.fail
	}
	return a.head, nil
}

func (a *Adapter) FetchBlock(ctx context.Context, height uint64) (bridgev1.BlockRef, error) {
	b, err := a.block(ctx, height)
	if err != nil {
		return bridgev1.BlockRef{}, err
	}
	return b.Ref(), nil
}

func (a *Adapter) FetchRange(ctx context.Context, from, to uint64) ([]adapter.Block, error) {
	if to < from {
		return nil, nil
	}
	out := make([]adapter.Block, 0, to-from+1)
	for h := from; h <= to; h++ {
		b, err := a.block(ctx, h)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (a *Adapter) block(ctx context.Context, height uint64) (adapter.Block, error) {
	if err := ctx.Err(); err != nil {
		return adapter.Block{}, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.fail != nil {
		return adapter.Block{}, a.fail
	}
	b, ok := a.blocks[height]
	if !ok {
		return adapter.Block{}, &bridge.TransientRpcError{Chain: a.chain, Op: "fetch block", Err: fmt.Errorf("block %d not available", height)}
	}
	return b, nil
}
