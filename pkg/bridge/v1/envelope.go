package bridgev1

import "time"

type MessageType string

const (
	MessageTypeEvent    MessageType = "event"
	MessageTypeRollback MessageType = "rollback"
)

// Envelope is the message published for every outbox row.
type Envelope struct {
	Type     MessageType     `json:"type"`
	Event    *BridgeEvent    `json:"event,omitempty"`
	Rollback *RollbackNotice `json:"rollback,omitempty"`
}

// RollbackNotice tells consumers that every event of Chain above ForkHeight
// was retracted by a reorg.
type RollbackNotice struct {
	ChainID    uint64    `json:"chain_id"`
	Chain      string    `json:"chain"`
	FromHeight uint64    `json:"from_height"`
	ForkHeight uint64    `json:"fork_height"`
	ForkID     string    `json:"fork_id"`
	At         time.Time `json:"at"`
}

// Topic returns the Kafka topic for a chain's events.
func Topic(prefix, chain string) string {
	return prefix + "." + chain
}

// Subject returns the NATS subject for an event kind on a chain.
func Subject(prefix, chain, kind string) string {
	return prefix + "." + chain + "." + kind
}
