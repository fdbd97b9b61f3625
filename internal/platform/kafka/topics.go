// Package kafka manages the Kafka/Redpanda topics bridge events are
// published to.
package kafka

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

// TopicConfig defines the configuration for a Kafka topic.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	RetentionMs       int64
	CleanupPolicy     string
}

const eventRetention = 30 * 24 * time.Hour

// BridgeTopics returns one event topic per chain. Events and rollback
// notices of a chain share its topic so consumers see them in commit order.
func BridgeTopics(prefix string, chains []string, partitions int32) []TopicConfig {
	if partitions <= 0 {
		partitions = 1
	}
	configs := make([]TopicConfig, 0, len(chains))
	for _, chain := range chains {
		configs = append(configs, TopicConfig{
			Name:              bridgev1.Topic(prefix, chain),
			Partitions:        partitions,
			ReplicationFactor: 1,
			RetentionMs:       eventRetention.Milliseconds(),
			CleanupPolicy:     "delete",
		})
	}
	return configs
}

// TopicManager manages Kafka topics.
type TopicManager struct {
	admin *kadm.Client
}

// NewTopicManagerFromClient shares an existing client. Close closes it.
func NewTopicManagerFromClient(client *kgo.Client) *TopicManager {
	return &TopicManager{admin: kadm.NewClient(client)}
}

// EnsureTopics creates topics that don't exist yet.
func (m *TopicManager) EnsureTopics(ctx context.Context, configs []TopicConfig) error {
	existing, err := m.admin.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	for _, cfg := range configs {
		if _, ok := existing[cfg.Name]; ok {
			continue
		}
		if err := m.CreateTopic(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

// CreateTopic creates a single topic with the given configuration.
func (m *TopicManager) CreateTopic(ctx context.Context, cfg TopicConfig) error {
	resp, err := m.admin.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor,
		map[string]*string{
			"retention.ms":   stringPtr(strconv.FormatInt(cfg.RetentionMs, 10)),
			"cleanup.policy": stringPtr(cfg.CleanupPolicy),
		},
		cfg.Name,
	)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", cfg.Name, err)
	}
	for _, r := range resp {
		if r.Err != nil {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

// ListTopics returns the names of all topics.
func (m *TopicManager) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := m.admin.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	names := make([]string, 0, len(topics))
	for _, t := range topics {
		names = append(names, t.Topic)
	}
	sort.Strings(names)
	return names, nil
}

func (m *TopicManager) Close() {
	m.admin.Close()
}

// WaitForTopics polls the broker until every named topic is listed. Topic
// creation is asynchronous on multi-broker clusters.
func (m *TopicManager) WaitForTopics(ctx context.Context, names []string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	missing := names
	for {
		have, err := m.ListTopics(ctx)
		if err == nil {
			missing = missingTopics(have, names)
			if len(missing) == 0 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for topics %v", missing)
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// missingTopics returns the entries of want absent from the sorted list have.
func missingTopics(have, want []string) []string {
	var missing []string
	for _, name := range want {
		if _, found := sort.Find(len(have), func(i int) int { return strings.Compare(name, have[i]) }); !found {
			missing = append(missing, name)
		}
	}
	return missing
}

func stringPtr(s string) *string {
	return &s
}
