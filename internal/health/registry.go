// Package health tracks per-chain watcher health and serves it over HTTP,
// optionally mirroring snapshots to Redis for the query layer.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/marko911/bridge-indexer/internal/metrics"
)

// State is a chain watcher's health.
type State string

const (
	StateStarting State = "starting"
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateFailed   State = "failed"
	StateStopped  State = "stopped"
)

var allStates = []State{StateStarting, StateHealthy, StateDegraded, StateFailed, StateStopped}

// ChainHealth is a point-in-time view of one chain.
type ChainHealth struct {
	Chain        string    `json:"chain"`
	State        State     `json:"state"`
	LastError    string    `json:"last_error,omitempty"`
	CursorHeight uint64    `json:"cursor_height"`
	HeadHeight   uint64    `json:"head_height"`
	Lag          uint64    `json:"lag"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Registry is the only in-memory state shared between chain watchers.
type Registry struct {
	mu     sync.RWMutex
	chains map[string]*ChainHealth
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		chains: make(map[string]*ChainHealth),
		now:    time.Now,
	}
}

func (r *Registry) entry(chain string) *ChainHealth {
	h, ok := r.chains[chain]
	if !ok {
		h = &ChainHealth{Chain: chain, State: StateStarting}
		r.chains[chain] = h
	}
	return h
}

// SetState records a state change. A nil err keeps the previous error unless
// the chain became healthy.
func (r *Registry) SetState(chain string, state State, err error) {
	r.mu.Lock()
	h := r.entry(chain)
	h.State = state
	if err != nil {
		h.LastError = err.Error()
	} else if state == StateHealthy {
		h.LastError = ""
	}
	h.UpdatedAt = r.now().UTC()
	r.mu.Unlock()

	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		metrics.ChainState.WithLabelValues(chain, string(s)).Set(v)
	}
}

// SetHeights records the cursor and observed head.
func (r *Registry) SetHeights(chain string, cursor, head uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.entry(chain)
	h.CursorHeight = cursor
	h.HeadHeight = head
	h.Lag = 0
	if head > cursor {
		h.Lag = head - cursor
	}
	h.UpdatedAt = r.now().UTC()
}

// Get returns the chain's health.
func (r *Registry) Get(chain string) (ChainHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.chains[chain]
	if !ok {
		return ChainHealth{}, false
	}
	return *h, true
}

// Snapshot returns every chain's health ordered by name.
func (r *Registry) Snapshot() []ChainHealth {
	r.mu.RLock()
	out := make([]ChainHealth, 0, len(r.chains))
	for _, h := range r.chains {
		out = append(out, *h)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Chain < out[j].Chain })
	return out
}

// AnyFailed reports whether a chain watcher has stopped on a fatal error.
func (r *Registry) AnyFailed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.chains {
		if h.State == StateFailed {
			return true
		}
	}
	return false
}
