package storage

import (
	"time"

	"github.com/google/uuid"

	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

// OutboxStatus represents the processing state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusPublished  OutboxStatus = "published"
	OutboxStatusFailed     OutboxStatus = "failed"
)

// CursorUpdate moves a chain's cursor from PrevHeight to Height as part of a
// batch commit.
type CursorUpdate struct {
	Chain      string
	ChainID    uint64
	PrevHeight uint64
	Height     uint64
	BlockID    string
	Mode       bridgev1.CursorMode

	// KeepBlocks is how many heights of block ids to retain below Height.
	KeepBlocks uint64
}

// RollbackUpdate moves a chain's cursor back to a fork point.
type RollbackUpdate struct {
	Chain      string
	ChainID    uint64
	PrevHeight uint64
	ForkHeight uint64
	ForkID     string
}

// StoredEvent is a persisted bridge event with its row id.
type StoredEvent struct {
	ID        int64
	Event     bridgev1.BridgeEvent
	CreatedAt time.Time
}

// OutboxMessage represents a message in the transactional outbox.
type OutboxMessage struct {
	ID           uuid.UUID
	Seq          int64
	EventID      *int64
	Chain        string
	ChainID      uint64
	BlockHeight  uint64
	Topic        string
	Subject      string
	PartitionKey string
	Payload      []byte
	Status       OutboxStatus
	RetryCount   int32
	MaxRetries   int32
	LastError    *string
	CreatedAt    time.Time
	ProcessedAt  *time.Time
	PublishedAt  *time.Time
}

// TransferLink joins the event that initiated a transfer to the event that
// completed it on the other side of the bridge.
type TransferLink struct {
	SourceEventID   int64
	TargetEventID   int64
	SourceChainID   uint64
	SourceTxID      string
	SourceItemIndex uint64
	TargetChainID   uint64
	TargetTxID      string
	TargetItemIndex uint64
	Nonce           string
	LinkedAt        time.Time
}
