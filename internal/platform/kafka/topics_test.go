package kafka

import (
	"testing"
)

func TestBridgeTopics(t *testing.T) {
	configs := BridgeTopics("bridge.events", []string{"ethereum", "twine", "solana"}, 0)
	if len(configs) != 3 {
		t.Fatalf("Expected 3 topics, got %d", len(configs))
	}

	want := []string{"bridge.events.ethereum", "bridge.events.twine", "bridge.events.solana"}
	for i, cfg := range configs {
		if cfg.Name != want[i] {
			t.Errorf("topic %d = %s, want %s", i, cfg.Name, want[i])
		}
		if cfg.Partitions != 1 {
			t.Errorf("%s: partitions = %d, want 1", cfg.Name, cfg.Partitions)
		}
		if cfg.RetentionMs != 30*24*60*60*1000 {
			t.Errorf("%s: retention = %d", cfg.Name, cfg.RetentionMs)
		}
		if cfg.CleanupPolicy != "delete" {
			t.Errorf("%s: cleanup policy = %s", cfg.Name, cfg.CleanupPolicy)
		}
	}
}

func TestMissingTopics(t *testing.T) {
	have := []string{"__consumer_offsets", "bridge.events.ethereum", "bridge.events.solana"}
	got := missingTopics(have, []string{"bridge.events.ethereum", "bridge.events.twine", "bridge.events.solana"})
	if len(got) != 1 || got[0] != "bridge.events.twine" {
		t.Errorf("missingTopics = %v, want [bridge.events.twine]", got)
	}
	if got := missingTopics(have, nil); len(got) != 0 {
		t.Errorf("missingTopics(nil) = %v", got)
	}
}

func TestBridgeTopics_Partitions(t *testing.T) {
	for _, cfg := range BridgeTopics("events", []string{"solana"}, 6) {
		if cfg.Partitions != 6 {
			t.Errorf("partitions = %d, want 6", cfg.Partitions)
		}
	}
}
