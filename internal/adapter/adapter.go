// Package adapter defines the chain-family agnostic contract used by chain
// watchers to read raw block ranges, and the raw entry types they return.
package adapter

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

// Block is one raw block (EVM-style) or slot (SVM-style) as fetched from a
// chain endpoint. Only the family-relevant item list is populated.
type Block struct {
	Height   uint64    `json:"height"`
	ID       string    `json:"id"`
	ParentID string    `json:"parent_id"`
	Time     time.Time `json:"time"`

	// Skipped is set for SVM slots that produced no block. ID and ParentID
	// are empty for skipped slots.
	Skipped bool `json:"skipped,omitempty"`

	Logs         []Log         `json:"logs,omitempty"`
	Transactions []Transaction `json:"transactions,omitempty"`
}

// Ref returns the identifying part of the block.
func (b Block) Ref() bridgev1.BlockRef {
	return bridgev1.BlockRef{Height: b.Height, ID: b.ID, ParentID: b.ParentID}
}

// Log is a contract log emitted on an EVM-style chain.
type Log struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    []byte         `json:"data"`
	TxHash  common.Hash    `json:"tx_hash"`
	TxIndex uint           `json:"tx_index"`
	Index   uint           `json:"log_index"`
}

// Transaction is a successful SVM transaction that touched a monitored program.
type Transaction struct {
	Signature   string   `json:"signature"`
	Index       uint32   `json:"index"`
	Accounts    []string `json:"accounts"`
	LogMessages []string `json:"log_messages"`
}

// ChainAdapter fetches raw entries from one chain. Implementations return
// *bridge.TransientRpcError for retryable transport failures and
// *bridge.RpcProtocolError for responses that cannot be interpreted.
type ChainAdapter interface {
	Chain() string
	Family() bridgev1.Family

	// FetchHead returns the highest height that may be indexed.
	FetchHead(ctx context.Context) (uint64, error)

	// FetchBlock returns the identifier of the block at height.
	FetchBlock(ctx context.Context, height uint64) (bridgev1.BlockRef, error)

	// FetchRange returns every height in [from, to] in ascending order.
	FetchRange(ctx context.Context, from, to uint64) ([]Block, error)

	Close()
}

// HeadNotifier is implemented by adapters that can push head updates over a
// persistent subscription. Watchers use it to wake before the poll interval.
type HeadNotifier interface {
	SubscribeHeads(ctx context.Context) (<-chan uint64, error)
}

// NewLimiter returns a request limiter for an endpoint. A non-positive rate
// disables limiting.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}
