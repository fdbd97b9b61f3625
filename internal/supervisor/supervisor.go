// Package supervisor runs one chain watcher per enabled chain and keeps a
// failing chain from stopping the others.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/marko911/bridge-indexer/internal/adapter"
	"github.com/marko911/bridge-indexer/internal/adapter/chains"
	"github.com/marko911/bridge-indexer/internal/config"
	"github.com/marko911/bridge-indexer/internal/decoder"
	"github.com/marko911/bridge-indexer/internal/health"
	"github.com/marko911/bridge-indexer/internal/watcher"
)

// Runner is a per-chain loop. *watcher.Watcher implements it.
type Runner interface {
	Run(ctx context.Context) error
}

// OpenFunc builds the adapter for a chain.
type OpenFunc func(ctx context.Context, cfg config.ChainConfig, logger *slog.Logger) (adapter.ChainAdapter, error)

type Options struct {
	Health   *health.Registry
	Archiver watcher.Archiver

	// Open defaults to chains.Open.
	Open OpenFunc
}

type chainRun struct {
	chain  string
	runner Runner
	close  func()
}

// Supervisor owns the watchers of one indexer process.
type Supervisor struct {
	runID  uuid.UUID
	health *health.Registry
	chains []chainRun
	logger *slog.Logger
}

// New builds a watcher for every enabled chain. Any error is a configuration
// problem and is returned before anything runs; adapters already opened are
// closed.
func New(ctx context.Context, cfg *config.Config, store watcher.Store, opts Options, logger *slog.Logger) (*Supervisor, error) {
	if opts.Health == nil {
		opts.Health = health.NewRegistry()
	}
	if opts.Open == nil {
		opts.Open = chains.Open
	}

	s := &Supervisor{
		runID:  uuid.New(),
		health: opts.Health,
	}
	s.logger = logger.With("component", "supervisor", "run_id", s.runID.String())

	for _, cc := range cfg.EnabledChains() {
		a, err := opts.Open(ctx, cc, logger)
		if err != nil {
			s.closeAll()
			return nil, fmt.Errorf("open %s adapter: %w", cc.Name, err)
		}
		dec, err := decoder.New(cc)
		if err != nil {
			a.Close()
			s.closeAll()
			return nil, fmt.Errorf("build %s decoder: %w", cc.Name, err)
		}
		w := watcher.New(cc, a, dec, store, watcher.Options{
			CommitTimeout: cfg.Database.CommitTimeout,
			Health:        opts.Health,
			Archiver:      opts.Archiver,
		}, logger)
		s.add(cc.Name, w, a.Close)
	}
	if len(s.chains) == 0 {
		return nil, errors.New("no enabled chains")
	}
	return s, nil
}

func (s *Supervisor) add(chain string, r Runner, closeFn func()) {
	s.health.SetState(chain, health.StateStarting, nil)
	s.chains = append(s.chains, chainRun{chain: chain, runner: r, close: closeFn})
}

// Health returns the registry the watchers report to.
func (s *Supervisor) Health() *health.Registry { return s.health }

// Run starts every watcher and blocks until all of them have returned. A
// watcher that fails stays failed while the rest keep running. The returned
// error joins the failures of every chain that stopped on its own.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.closeAll()

	s.logger.Info("starting chain watchers", "chains", len(s.chains))
	start := time.Now()

	var (
		g        errgroup.Group
		failures = make([]error, len(s.chains))
	)
	for i, c := range s.chains {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					err := fmt.Errorf("%s: watcher panic: %v", c.chain, r)
					s.health.SetState(c.chain, health.StateFailed, err)
					s.logger.Error("chain watcher panicked", "chain", c.chain, "panic", r)
					failures[i] = err
				}
			}()

			if err := c.runner.Run(ctx); err != nil {
				s.logger.Error("chain watcher failed, other chains continue",
					"chain", c.chain,
					"error", err,
				)
				failures[i] = err
			}
			// never cancel siblings
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(failures...)
	s.logger.Info("all chain watchers stopped", "uptime", time.Since(start).Round(time.Second), "failed", err != nil)
	return err
}

func (s *Supervisor) closeAll() {
	for _, c := range s.chains {
		if c.close != nil {
			c.close()
		}
	}
}
