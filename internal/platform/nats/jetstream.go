package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// StreamConfig defines the configuration for a JetStream stream.
type StreamConfig struct {
	Name        string
	Subjects    []string
	Retention   jetstream.RetentionPolicy
	MaxAge      time.Duration
	MaxBytes    int64
	Replicas    int
	Duplicates  time.Duration
	Description string
}

// BridgeEventsStreamConfig returns the stream capturing every subject under
// prefix.
func BridgeEventsStreamConfig(name, prefix string) StreamConfig {
	return StreamConfig{
		Name:        name,
		Subjects:    []string{prefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Replicas:    1,
		Duplicates:  10 * time.Minute,
		Description: "Bridge events and rollback notices, mirrored from the outbox",
	}
}

// EnsureStream creates or updates a stream. Safe to call repeatedly.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Name,
		Subjects:    cfg.Subjects,
		Retention:   cfg.Retention,
		MaxAge:      cfg.MaxAge,
		MaxBytes:    cfg.MaxBytes,
		Replicas:    cfg.Replicas,
		Duplicates:  cfg.Duplicates,
		Description: cfg.Description,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// ConsumerConfig defines a durable consumer for downstream readers.
type ConsumerConfig struct {
	Name          string
	FilterSubject string
	DeliverPolicy jetstream.DeliverPolicy
	AckWait       time.Duration
	MaxDeliver    int
	MaxAckPending int
}

// DefaultConsumerConfig returns a durable consumer reading the whole stream
// from the start.
func DefaultConsumerConfig(name string) ConsumerConfig {
	return ConsumerConfig{
		Name:          name,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 1000,
	}
}

// EnsureConsumer creates or updates a durable consumer on the given stream.
func EnsureConsumer(ctx context.Context, stream jetstream.Stream, cfg ConsumerConfig) (jetstream.Consumer, error) {
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		DeliverPolicy: cfg.DeliverPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %s: %w", cfg.Name, err)
	}
	return consumer, nil
}

// ChainConsumerConfigs returns one durable consumer per chain, each filtered
// to that chain's subjects, so a downstream reader can follow a single chain
// with its own replay position.
func ChainConsumerConfigs(prefix string, chains []string) []ConsumerConfig {
	configs := make([]ConsumerConfig, 0, len(chains))
	for _, chain := range chains {
		cfg := DefaultConsumerConfig("mirror-" + chain)
		cfg.FilterSubject = SubjectForChain(prefix, chain)
		configs = append(configs, cfg)
	}
	return configs
}

// EnsureChainConsumers creates or updates the consumers of
// ChainConsumerConfigs on stream.
func EnsureChainConsumers(ctx context.Context, stream jetstream.Stream, prefix string, chains []string) error {
	for _, cfg := range ChainConsumerConfigs(prefix, chains) {
		if _, err := EnsureConsumer(ctx, stream, cfg); err != nil {
			return err
		}
	}
	return nil
}

// SubjectForChain returns the wildcard subject for every message of a chain.
func SubjectForChain(prefix, chain string) string {
	return fmt.Sprintf("%s.%s.>", prefix, chain)
}
