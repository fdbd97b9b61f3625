package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marko911/bridge-indexer/internal/adapter"
	"github.com/marko911/bridge-indexer/internal/adapter/replay"
	"github.com/marko911/bridge-indexer/internal/bridge"
	"github.com/marko911/bridge-indexer/internal/config"
	"github.com/marko911/bridge-indexer/internal/health"
	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

func newTestSupervisor() *Supervisor {
	return &Supervisor{health: health.NewRegistry(), logger: testLogger()}
}

func TestSupervisor_FailureDoesNotStopOtherChains(t *testing.T) {
	s := newTestSupervisor()

	var ticks atomic.Int64
	healthyStopped := make(chan struct{})
	s.add("ethereum", runnerFunc(func(ctx context.Context) error {
		defer close(healthyStopped)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Millisecond):
				ticks.Add(1)
			}
		}
	}), nil)

	failErr := &bridge.RpcProtocolError{Chain: "solana", Op: "get block", Err: errors.New("bad encoding")}
	s.add("solana", runnerFunc(func(ctx context.Context) error {
		s.health.SetState("solana", health.StateFailed, failErr)
		return failErr
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		ch, _ := s.health.Get("solana")
		return ch.State == health.StateFailed
	}, time.Second, time.Millisecond)

	before := ticks.Load()
	require.Eventually(t, func() bool { return ticks.Load() > before+5 }, time.Second, time.Millisecond)
	select {
	case <-healthyStopped:
		t.Fatal("healthy chain stopped after another chain failed")
	default:
	}

	cancel()
	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	var protoErr *bridge.RpcProtocolError
	assert.ErrorAs(t, err, &protoErr)
	<-healthyStopped
}

func TestSupervisor_RecoversWatcherPanic(t *testing.T) {
	s := newTestSupervisor()
	s.add("twine", runnerFunc(func(context.Context) error { panic("nil block") }), nil)

	closed := false
	s.add("ethereum", runnerFunc(func(context.Context) error { return nil }), func() { closed = true })

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watcher panic")

	ch, ok := s.health.Get("twine")
	require.True(t, ok)
	assert.Equal(t, health.StateFailed, ch.State)
	assert.True(t, closed, "adapters are closed when Run returns")
}

func TestSupervisor_CleanShutdownReturnsNil(t *testing.T) {
	s := newTestSupervisor()
	for _, name := range []string{"ethereum", "twine", "solana"} {
		s.add(name, runnerFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}), nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.Run(ctx))
}

func writeFixtures(t *testing.T, dir, chain string, family bridgev1.Family) {
	t.Helper()
	for h := uint64(1); h <= 3; h++ {
		_, err := replay.WriteBlock(dir, chain, family, adapter.Block{Height: h, ID: fmt.Sprintf("0x%02x", h), ParentID: fmt.Sprintf("0x%02x", h-1)})
		require.NoError(t, err)
	}
}

func TestNew_BuildsEnabledChains(t *testing.T) {
	dir := t.TempDir()
	writeFixtures(t, dir, "ethereum", bridgev1.FamilyEVM)
	writeFixtures(t, dir, "solana", bridgev1.FamilySVM)

	cfg := config.DefaultConfig()
	cfg.Chains = []config.ChainConfig{
		{Name: "ethereum", ChainID: 1, Family: bridgev1.FamilyEVM, RPC: config.RPCConfig{HTTPURL: "file://" + dir}},
		{Name: "solana", ChainID: 900, Family: bridgev1.FamilySVM, RPC: config.RPCConfig{HTTPURL: "file://" + dir}},
		{Name: "twine", ChainID: 2, Family: bridgev1.FamilyTwine, Disabled: true},
	}

	s, err := New(context.Background(), cfg, nil, Options{}, testLogger())
	require.NoError(t, err)
	require.Len(t, s.chains, 2)

	for _, name := range []string{"ethereum", "solana"} {
		ch, ok := s.Health().Get(name)
		require.True(t, ok, name)
		assert.Equal(t, health.StateStarting, ch.State)
	}
	_, ok := s.Health().Get("twine")
	assert.False(t, ok, "disabled chain has no watcher")
}

func TestNew_ConfigErrorIsReturned(t *testing.T) {
	dir := t.TempDir()
	writeFixtures(t, dir, "ethereum", bridgev1.FamilyEVM)

	var closed atomic.Int32
	open := func(ctx context.Context, cc config.ChainConfig, logger *slog.Logger) (adapter.ChainAdapter, error) {
		if cc.Family == "cosmos" {
			return nil, bridge.NewConfigError("chains."+cc.Name+".family", "unknown chain family %q", cc.Family)
		}
		a, err := replay.Open("file://"+dir, cc.Name, cc.Family, logger)
		if err != nil {
			return nil, err
		}
		return closeCounter{Adapter: a, n: &closed}, nil
	}

	cfg := config.DefaultConfig()
	cfg.Chains = []config.ChainConfig{
		{Name: "ethereum", ChainID: 1, Family: bridgev1.FamilyEVM},
		{Name: "hub", ChainID: 7, Family: "cosmos"},
	}

	_, err := New(context.Background(), cfg, nil, Options{Open: open}, testLogger())
	var cfgErr *bridge.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, int32(1), closed.Load(), "adapters opened before the error are closed")
}

func TestNew_NoEnabledChains(t *testing.T) {
	cfg := config.DefaultConfig()
	for i := range cfg.Chains {
		cfg.Chains[i].Disabled = true
	}
	_, err := New(context.Background(), cfg, nil, Options{}, testLogger())
	assert.Error(t, err)
}

type closeCounter struct {
	*replay.Adapter
	n *atomic.Int32
}

func (c closeCounter) Close() { c.n.Add(1) }

func chainBlocks(name string, from, to uint64) []adapter.Block {
	var blocks []adapter.Block
	parent := fmt.Sprintf("%s-%d", name, from-1)
	for h := from; h <= to; h++ {
		id := fmt.Sprintf("%s-%d", name, h)
		blocks = append(blocks, adapter.Block{Height: h, ID: id, ParentID: parent, Time: time.Unix(int64(1_700_000_000+h), 0).UTC()})
		parent = id
	}
	return blocks
}

func watchedChain(name string, chainID uint64, family bridgev1.Family) config.ChainConfig {
	return config.ChainConfig{
		Name:          name,
		ChainID:       chainID,
		Family:        family,
		BatchSize:     10,
		StartHeight:   100,
		PollInterval:  5 * time.Millisecond,
		MaxReorgDepth: 64,
		Retry: config.RetryConfig{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
		},
	}
}

func TestSupervisor_TransientOutageStaysWithinChain(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Chains = []config.ChainConfig{
		watchedChain("ethereum", 1, bridgev1.FamilyEVM),
		watchedChain("twine", 1337, bridgev1.FamilyTwine),
	}

	adapters := make(map[string]*replay.Adapter)
	open := func(_ context.Context, cc config.ChainConfig, logger *slog.Logger) (adapter.ChainAdapter, error) {
		a := replay.New(cc.Name, cc.Family, chainBlocks(cc.Name, 100, 130), logger)
		adapters[cc.Name] = a
		return a, nil
	}

	store := newCursorStore()
	s, err := New(context.Background(), cfg, store, Options{Open: open}, testLogger())
	require.NoError(t, err)
	adapters["twine"].FailWith(&bridge.TransientRpcError{Chain: "twine", Op: "block number", Err: errors.New("connection reset by peer")})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		h, _ := store.height("ethereum")
		return h == 130
	}, 5*time.Second, 2*time.Millisecond, "healthy chain never reached head")
	require.Eventually(t, func() bool {
		ch, _ := s.Health().Get("twine")
		return ch.State == health.StateDegraded
	}, 5*time.Second, 2*time.Millisecond)

	_, started := store.height("twine")
	assert.False(t, started, "failing chain wrote a cursor")
	assert.Equal(t, 0, store.commitCount("twine"))
	eth, _ := s.Health().Get("ethereum")
	assert.Equal(t, health.StateHealthy, eth.State)

	adapters["twine"].FailWith(nil)
	require.Eventually(t, func() bool {
		h, _ := store.height("twine")
		return h == 130
	}, 5*time.Second, 2*time.Millisecond, "chain did not recover after the outage")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}
