package storage

import (
	"context"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/marko911/bridge-indexer/internal/bridge"
)

// requiredColumns is the schema the store reads and writes.
var requiredColumns = map[string][]string{
	"sync_cursors": {
		"chain", "chain_id", "last_processed_height", "last_processed_block_id", "mode", "updated_at",
	},
	"bridge_events": {
		"id", "chain_id", "chain", "kind", "status", "source", "block_height", "block_id",
		"block_time", "tx_id", "item_index", "nonce", "payload", "created_at",
	},
	"indexed_blocks": {"chain", "height", "block_id", "parent_id"},
	"outbox_messages": {
		"id", "seq", "event_id", "chain", "chain_id", "block_height", "topic", "subject",
		"partition_key", "payload", "status", "retry_count", "max_retries", "last_error",
		"created_at", "processed_at", "published_at",
	},
	"transfer_links": {
		"source_event_id", "target_event_id", "source_chain_id", "source_tx_id", "source_item_index",
		"target_chain_id", "target_tx_id", "target_item_index", "nonce", "linked_at",
	},
}

// VerifySchema checks that every table and column the store uses exists.
// A mismatch is a *bridge.ConfigError.
func (s *Store) VerifySchema(ctx context.Context) error {
	rows, err := s.db.pool.Query(ctx, `
		SELECT table_name, column_name
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = ANY($1)
	`, tableNames())
	if err != nil {
		return &bridge.PersistenceError{Op: "verify schema", Err: err}
	}
	present := make(map[string]map[string]bool)
	var table, column string
	_, err = pgx.ForEachRow(rows, []any{&table, &column}, func() error {
		if present[table] == nil {
			present[table] = make(map[string]bool)
		}
		present[table][column] = true
		return nil
	})
	if err != nil {
		return &bridge.PersistenceError{Op: "verify schema", Err: err}
	}

	var missing []string
	for _, t := range tableNames() {
		cols, ok := present[t]
		if !ok {
			missing = append(missing, t)
			continue
		}
		for _, c := range requiredColumns[t] {
			if !cols[c] {
				missing = append(missing, t+"."+c)
			}
		}
	}
	if len(missing) > 0 {
		return bridge.NewConfigError("database", "schema is missing %s (run migrations)", strings.Join(missing, ", "))
	}
	return nil
}

func tableNames() []string {
	names := make([]string, 0, len(requiredColumns))
	for t := range requiredColumns {
		names = append(names, t)
	}
	sort.Strings(names)
	return names
}
