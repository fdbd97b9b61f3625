package svm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// SubscribeHeads streams rooted slots from the websocket endpoint. The
// connection is re-established with backoff until ctx is cancelled. Slots
// are dropped when the consumer is behind.
func (a *Adapter) SubscribeHeads(ctx context.Context) (<-chan uint64, error) {
	if a.cfg.RPC.WSURL == "" {
		return nil, fmt.Errorf("%s: no websocket endpoint configured", a.cfg.Name)
	}
	heads := make(chan uint64, 1)
	go a.connectionLoop(ctx, heads)
	return heads, nil
}

func (a *Adapter) connectionLoop(ctx context.Context, heads chan<- uint64) {
	defer close(heads)

	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		err := a.connectAndStream(ctx, heads)
		if ctx.Err() != nil {
			return
		}
		a.logger.Warn("slot subscription dropped, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (a *Adapter) connectAndStream(ctx context.Context, heads chan<- uint64) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsEndpoint(a.cfg.RPC.WSURL), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	// unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "slotSubscribe",
	}); err != nil {
		return fmt.Errorf("slot subscribe: %w", err)
	}

	var last uint64
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}
		root, ok := parseSlotNotification(message)
		if !ok || root <= last {
			continue
		}
		last = root
		select {
		case heads <- root:
		default:
		}
	}
}

// parseSlotNotification returns the rooted slot carried by a slotNotification.
func parseSlotNotification(msg []byte) (uint64, bool) {
	var base struct {
		Method string `json:"method"`
		Params struct {
			Result struct {
				Slot   uint64 `json:"slot"`
				Parent uint64 `json:"parent"`
				Root   uint64 `json:"root"`
			} `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(msg, &base); err != nil {
		return 0, false
	}
	if base.Method != "slotNotification" || base.Params.Result.Root == 0 {
		return 0, false
	}
	return base.Params.Result.Root, true
}

func wsEndpoint(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "https"):
		return "wss" + endpoint[5:]
	case strings.HasPrefix(endpoint, "http"):
		return "ws" + endpoint[4:]
	}
	return endpoint
}
