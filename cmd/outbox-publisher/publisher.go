package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"github.com/marko911/bridge-indexer/internal/metrics"
	pnats "github.com/marko911/bridge-indexer/internal/platform/nats"
	"github.com/marko911/bridge-indexer/internal/platform/storage"
)

// Outbox is the part of storage.OutboxRepository the publisher uses.
type Outbox interface {
	FetchPendingMessages(ctx context.Context, limit int) ([]storage.OutboxMessage, error)
	MarkAsProcessing(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)
	MarkAsPublished(ctx context.Context, ids []uuid.UUID) error
	MarkAsFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	ReleaseClaims(ctx context.Context, ids []uuid.UUID) error
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Sink is a publish destination.
type Sink interface {
	Name() string
	Publish(ctx context.Context, msg storage.OutboxMessage) error
}

type PublisherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// StaleAfter releases claims left behind by a crashed publisher.
	StaleAfter time.Duration
}

// Publisher drains the outbox into a primary sink, mirroring to optional
// secondary sinks. Messages of one chain are published strictly in commit
// order; chains are published concurrently.
type Publisher struct {
	cfg     PublisherConfig
	outbox  Outbox
	primary Sink
	mirrors []Sink
	logger  *slog.Logger
}

func NewPublisher(cfg PublisherConfig, outbox Outbox, primary Sink, mirrors []Sink, logger *slog.Logger) *Publisher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	return &Publisher{
		cfg:     cfg,
		outbox:  outbox,
		primary: primary,
		mirrors: mirrors,
		logger:  logger.With("component", "outbox-publisher"),
	}
}

func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("starting publisher polling loop",
		"poll_interval", p.cfg.PollInterval,
		"batch_size", p.cfg.BatchSize,
		"primary", p.primary.Name(),
		"mirrors", len(p.mirrors),
	)

	if n, err := p.outbox.ReleaseStale(ctx, p.cfg.StaleAfter); err != nil {
		p.logger.Warn("failed to release stale claims", "error", err)
	} else if n > 0 {
		p.logger.Info("released stale claims", "count", n)
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.PollAndPublish(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("poll and publish error", "error", err)
			}
		}
	}
}

// PollAndPublish claims one batch of pending messages and publishes it. It
// returns the number of messages published to the primary sink.
func (p *Publisher) PollAndPublish(ctx context.Context) (int, error) {
	messages, err := p.outbox.FetchPendingMessages(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch pending messages: %w", err)
	}
	if len(messages) == 0 {
		return 0, nil
	}

	ids := make([]uuid.UUID, len(messages))
	for i, msg := range messages {
		ids[i] = msg.ID
	}
	claimed, err := p.outbox.MarkAsProcessing(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("mark as processing: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	claimedSet := make(map[uuid.UUID]bool, len(claimed))
	for _, id := range claimed {
		claimedSet[id] = true
	}

	// per-chain queues keep seq order
	var order []string
	queues := make(map[string][]storage.OutboxMessage)
	for _, msg := range messages {
		if !claimedSet[msg.ID] {
			continue
		}
		if _, ok := queues[msg.Chain]; !ok {
			order = append(order, msg.Chain)
		}
		queues[msg.Chain] = append(queues[msg.Chain], msg)
	}

	published := make([][]uuid.UUID, len(order))
	var g errgroup.Group
	for i, chain := range order {
		g.Go(func() error {
			published[i] = p.publishChain(ctx, chain, queues[chain])
			return nil
		})
	}
	_ = g.Wait()

	var ok []uuid.UUID
	for _, ids := range published {
		ok = append(ok, ids...)
	}
	if err := p.outbox.MarkAsPublished(ctx, ok); err != nil {
		return 0, fmt.Errorf("mark as published: %w", err)
	}
	if len(ok) > 0 {
		p.logger.Info("published messages", "count", len(ok), "chains", len(order))
	}
	return len(ok), nil
}

// publishChain publishes msgs in order and stops at the first failure. The
// failed message counts a retry; the ones behind it are released untouched.
func (p *Publisher) publishChain(ctx context.Context, chain string, msgs []storage.OutboxMessage) []uuid.UUID {
	var done []uuid.UUID
	for i, msg := range msgs {
		if err := p.primary.Publish(ctx, msg); err != nil {
			metrics.OutboxFailures.WithLabelValues(p.primary.Name()).Inc()
			p.logger.Error("failed to publish message",
				"chain", chain,
				"id", msg.ID,
				"seq", msg.Seq,
				"retry_count", msg.RetryCount,
				"error", err,
			)
			if err := p.outbox.MarkAsFailed(ctx, msg.ID, err.Error()); err != nil {
				p.logger.Error("failed to mark message as failed", "id", msg.ID, "error", err)
			}

			rest := make([]uuid.UUID, 0, len(msgs)-i-1)
			for _, m := range msgs[i+1:] {
				rest = append(rest, m.ID)
			}
			if err := p.outbox.ReleaseClaims(ctx, rest); err != nil {
				p.logger.Error("failed to release claims", "chain", chain, "error", err)
			}
			return done
		}
		metrics.OutboxPublished.WithLabelValues(p.primary.Name()).Inc()

		for _, m := range p.mirrors {
			if err := m.Publish(ctx, msg); err != nil {
				metrics.OutboxFailures.WithLabelValues(m.Name()).Inc()
				p.logger.Warn("mirror publish failed", "sink", m.Name(), "id", msg.ID, "error", err)
				continue
			}
			metrics.OutboxPublished.WithLabelValues(m.Name()).Inc()
		}
		done = append(done, msg.ID)
	}
	return done
}

// KafkaSink produces each message to its chain topic keyed by chain id, so a
// chain's messages land on one partition in order.
type KafkaSink struct {
	client *kgo.Client
}

func NewKafkaClient(brokers []string) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.MaxProduceRequestsInflightPerBroker(1),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordRetries(5),
		kgo.RetryBackoffFn(func(n int) time.Duration {
			return time.Duration(n*100) * time.Millisecond
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return client, nil
}

func NewKafkaSink(client *kgo.Client) *KafkaSink {
	return &KafkaSink{client: client}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, msg storage.OutboxMessage) error {
	results := s.client.ProduceSync(ctx, kafkaRecord(msg))
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("kafka produce: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close(ctx context.Context) {
	_ = s.client.Flush(ctx)
	s.client.Close()
}

func kafkaRecord(msg storage.OutboxMessage) *kgo.Record {
	return &kgo.Record{
		Topic: msg.Topic,
		Key:   []byte(msg.PartitionKey),
		Value: msg.Payload,
		Headers: []kgo.RecordHeader{
			{Key: "message_id", Value: []byte(msg.ID.String())},
			{Key: "chain", Value: []byte(msg.Chain)},
			{Key: "chain_id", Value: []byte(strconv.FormatUint(msg.ChainID, 10))},
			{Key: "block_height", Value: []byte(strconv.FormatUint(msg.BlockHeight, 10))},
			{Key: "subject", Value: []byte(msg.Subject)},
		},
	}
}

var errNATSDisconnected = errors.New("nats: not connected")

// NATSSink mirrors messages onto JetStream, de-duplicated by message id.
type NATSSink struct {
	client *pnats.Client
}

func NewNATSSink(client *pnats.Client) *NATSSink {
	return &NATSSink{client: client}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Publish(ctx context.Context, msg storage.OutboxMessage) error {
	if !s.client.IsConnected() {
		return errNATSDisconnected
	}
	_, err := s.client.Publish(ctx, msg.Subject, msg.ID.String(), msg.Payload)
	return err
}
