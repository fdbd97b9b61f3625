package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// ClientConfig holds the dial settings for a Client.
type ClientConfig struct {
	URL           string
	FallbackURLs  []string
	MaxRetries    int
	RetryInterval time.Duration
}

// Client wraps an ethclient connection, redialling through the fallback
// endpoints when the connection is lost.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	mu        sync.RWMutex
	client    *ethclient.Client
	rpcClient *rpc.Client
	url       string
	idx       int
	isWS      bool
}

func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "evm-client"),
	}
}

func (c *Client) endpoints() []string {
	return append([]string{c.cfg.URL}, c.cfg.FallbackURLs...)
}

// Connect dials the first reachable endpoint. Endpoints are tried in order,
// cycling until MaxRetries attempts have been made.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	urls := c.endpoints()
	var err error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		url := urls[attempt%len(urls)]
		if attempt > 0 {
			c.logger.Info("retrying connection", "attempt", attempt, "url", url)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryInterval):
			}
		}

		var rpcClient *rpc.Client
		rpcClient, err = rpc.DialContext(ctx, url)
		if err != nil {
			c.logger.Warn("connection failed", "error", err, "attempt", attempt, "url", url)
			continue
		}

		c.use(rpcClient, url, attempt%len(urls))
		return nil
	}

	return fmt.Errorf("failed to connect after %d attempts: %w", c.cfg.MaxRetries, err)
}

// use swaps in a dialled connection. c.mu must be held.
func (c *Client) use(rpcClient *rpc.Client, url string, idx int) {
	if c.client != nil {
		c.client.Close()
	}
	c.rpcClient = rpcClient
	c.client = ethclient.NewClient(rpcClient)
	c.url = url
	c.idx = idx
	c.isWS = strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://")

	c.logger.Info("connected", "url", url, "is_websocket", c.isWS)
}

// Endpoints reports how many URLs the client can fail over between.
func (c *Client) Endpoints() int {
	return 1 + len(c.cfg.FallbackURLs)
}

// URL returns the endpoint currently in use.
func (c *Client) URL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.url
}

// Rotate redials the endpoint after failed. If another caller has already
// moved off failed, the current connection is kept. It returns false when
// there is no other endpoint or every other endpoint fails to dial.
func (c *Client) Rotate(ctx context.Context, failed string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.url != failed {
		return c.client != nil
	}
	urls := c.endpoints()
	for step := 1; step < len(urls); step++ {
		idx := (c.idx + step) % len(urls)
		rpcClient, err := rpc.DialContext(ctx, urls[idx])
		if err != nil {
			c.logger.Warn("failover dial failed", "error", err, "url", urls[idx])
			continue
		}
		c.logger.Warn("failing over", "from", failed, "to", urls[idx])
		c.use(rpcClient, urls[idx], idx)
		return true
	}
	return false
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
		c.rpcClient = nil
	}
}

func (c *Client) eth() (*ethclient.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}
	return c.client, nil
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	client, err := c.eth()
	if err != nil {
		return nil, err
	}
	return client.ChainID(ctx)
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	client, err := c.eth()
	if err != nil {
		return 0, err
	}
	return client.BlockNumber(ctx)
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	client, err := c.eth()
	if err != nil {
		return nil, err
	}
	return client.HeaderByNumber(ctx, number)
}

func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	client, err := c.eth()
	if err != nil {
		return nil, err
	}
	return client.FilterLogs(ctx, query)
}

func (c *Client) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	c.mu.RLock()
	client, isWS := c.client, c.isWS
	c.mu.RUnlock()

	if client == nil {
		return nil, fmt.Errorf("not connected")
	}
	if !isWS {
		return nil, fmt.Errorf("subscriptions require WebSocket connection")
	}
	return client.SubscribeNewHead(ctx, ch)
}
