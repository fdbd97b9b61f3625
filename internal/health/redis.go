package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyHealth = "bridge:health:"

// RedisMirror copies registry snapshots to Redis under bridge:health:<chain>
// with a TTL, so a stale key means the indexer stopped reporting.
type RedisMirror struct {
	client *redis.Client
	reg    *Registry
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisMirror connects to redisURL (redis://host:port/db).
func NewRedisMirror(ctx context.Context, redisURL string, reg *Registry, ttl time.Duration, logger *slog.Logger) (*RedisMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisMirrorWithClient(client, reg, ttl, logger), nil
}

func NewRedisMirrorWithClient(client *redis.Client, reg *Registry, ttl time.Duration, logger *slog.Logger) *RedisMirror {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisMirror{
		client: client,
		reg:    reg,
		ttl:    ttl,
		logger: logger.With("component", "health-mirror"),
	}
}

// Key returns the Redis key holding a chain's health.
func Key(chain string) string {
	return keyHealth + chain
}

// Publish writes the current snapshot in one pipeline.
func (m *RedisMirror) Publish(ctx context.Context) error {
	snapshot := m.reg.Snapshot()
	if len(snapshot) == 0 {
		return nil
	}
	pipe := m.client.Pipeline()
	for _, h := range snapshot {
		data, err := json.Marshal(h)
		if err != nil {
			return fmt.Errorf("marshal health %s: %w", h.Chain, err)
		}
		pipe.Set(ctx, Key(h.Chain), data, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("health pipeline: %w", err)
	}
	return nil
}

// Run publishes every ttl/3 until ctx is cancelled, then once more so the
// final states are visible.
func (m *RedisMirror) Run(ctx context.Context) {
	ticker := time.NewTicker(m.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			if err := m.Publish(fctx); err != nil {
				m.logger.Warn("final health publish failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := m.Publish(ctx); err != nil {
				m.logger.Warn("health publish failed", "error", err)
			}
		}
	}
}

// Close releases the Redis client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
