// Command outbox-publisher drains the transactional outbox written by the
// indexer and publishes bridge events and rollback notices to Kafka, with
// an optional NATS JetStream mirror.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marko911/bridge-indexer/internal/config"
	"github.com/marko911/bridge-indexer/internal/logging"
	"github.com/marko911/bridge-indexer/internal/platform/kafka"
	pnats "github.com/marko911/bridge-indexer/internal/platform/nats"
	"github.com/marko911/bridge-indexer/internal/platform/storage"
)

func main() {
	var (
		configPath   = flag.String("config", envOrDefault("CONFIG_PATH", "configs/indexer.yaml"), "Path to the YAML config")
		logLevel     = flag.String("log-level", "", "Log level override: debug, info, warn, error")
		pollInterval = flag.Duration("poll-interval", 0, "Polling interval override")
		batchSize    = flag.Int("batch-size", 0, "Maximum messages per poll override")
		ensureTopics = flag.Bool("ensure-topics", true, "Create missing chain topics on startup")
		topicWait    = flag.Duration("topic-wait", 30*time.Second, "How long to wait for created topics to appear")
		natsConsumer = flag.Bool("nats-chain-consumers", true, "Create a durable per-chain consumer on the NATS mirror stream")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, "outbox-publisher")

	pubCfg := PublisherConfig{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
	}
	if *pollInterval > 0 {
		pubCfg.PollInterval = *pollInterval
	}
	if *batchSize > 0 {
		pubCfg.BatchSize = *batchSize
	}

	logger.Info("starting outbox publisher",
		"brokers", cfg.Outbox.Brokers,
		"topic_prefix", cfg.Outbox.TopicPrefix,
		"nats_url", cfg.Outbox.NATSURL,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := storage.New(ctx, storage.FromConfig(cfg.Database))
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	client, err := NewKafkaClient(cfg.Outbox.Brokers)
	if err != nil {
		logger.Error("failed to create kafka client", "error", err)
		os.Exit(1)
	}
	sink := NewKafkaSink(client)
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer flushCancel()
		sink.Close(flushCtx)
	}()

	if *ensureTopics {
		names := make([]string, 0, len(cfg.Chains))
		for _, c := range cfg.EnabledChains() {
			names = append(names, c.Name)
		}
		topics := kafka.BridgeTopics(cfg.Outbox.TopicPrefix, names, cfg.Outbox.Partitions)
		topicNames := make([]string, len(topics))
		for i, tc := range topics {
			topicNames[i] = tc.Name
		}
		manager := kafka.NewTopicManagerFromClient(client)
		if err := manager.EnsureTopics(ctx, topics); err != nil {
			logger.Warn("failed to ensure topics", "error", err)
		} else if err := manager.WaitForTopics(ctx, topicNames, *topicWait); err != nil {
			logger.Warn("topics not visible yet, first publishes may be retried", "error", err)
		}
	}

	var mirrors []Sink
	if cfg.Outbox.NATSURL != "" {
		natsCfg := pnats.DefaultConfig()
		natsCfg.URL = cfg.Outbox.NATSURL
		natsCfg.Name = "outbox-publisher"

		nc, err := pnats.Connect(ctx, natsCfg, logger)
		if err != nil {
			logger.Error("failed to connect to nats", "error", err)
			os.Exit(1)
		}
		defer nc.Close()

		streamCfg := pnats.BridgeEventsStreamConfig(cfg.Outbox.NATSStream, cfg.Outbox.TopicPrefix)
		stream, err := pnats.EnsureStream(ctx, nc.JetStream(), streamCfg)
		if err != nil {
			logger.Error("failed to ensure nats stream", "error", err)
			os.Exit(1)
		}
		if *natsConsumer {
			chains := make([]string, 0, len(cfg.Chains))
			for _, c := range cfg.EnabledChains() {
				chains = append(chains, c.Name)
			}
			if err := pnats.EnsureChainConsumers(ctx, stream, cfg.Outbox.TopicPrefix, chains); err != nil {
				logger.Warn("failed to ensure nats chain consumers", "error", err)
			}
		}
		logger.Info("nats jetstream mirror enabled", "stream", streamCfg.Name)
		mirrors = append(mirrors, NewNATSSink(nc))
	}

	publisher := NewPublisher(pubCfg, storage.NewOutboxRepository(db), sink, mirrors, logger)
	if err := publisher.Run(ctx); err != nil {
		logger.Error("publisher error", "error", err)
		os.Exit(1)
	}

	logger.Info("outbox publisher stopped")
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
