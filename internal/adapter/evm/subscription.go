package evm

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
)

// SubscribeHeads opens a newHeads subscription on the configured WebSocket
// endpoint and forwards confirmed head heights. The channel is closed when the
// subscription ends; the watcher then falls back to polling.
func (a *Adapter) SubscribeHeads(ctx context.Context) (<-chan uint64, error) {
	if a.cfg.RPC.WSURL == "" {
		return nil, fmt.Errorf("no websocket endpoint configured")
	}

	ws := NewClient(ClientConfig{URL: a.cfg.RPC.WSURL}, a.logger)
	if err := ws.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect websocket: %w", err)
	}

	headerCh := make(chan *types.Header, 16)
	sub, err := ws.SubscribeNewHead(ctx, headerCh)
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("subscribe new head: %w", err)
	}

	out := make(chan uint64, 1)
	go func() {
		defer close(out)
		defer ws.Close()
		defer sub.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				a.logger.Warn("head subscription ended", "error", err)
				return
			case header := <-headerCh:
				n := header.Number.Uint64()
				if n < a.cfg.Confirmations {
					continue
				}
				select {
				case out <- n - a.cfg.Confirmations:
				default:
					// a wake-up is already pending
				}
			}
		}
	}()
	return out, nil
}
