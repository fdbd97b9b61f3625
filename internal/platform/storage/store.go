package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/marko911/bridge-indexer/internal/bridge"
	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

var (
	// ErrCursorConflict means the stored cursor moved since it was read.
	ErrCursorConflict = errors.New("cursor changed concurrently")
	// ErrCursorNotFound means the chain has never been indexed.
	ErrCursorNotFound = errors.New("cursor not found")
	ErrNotFound       = errors.New("not found")
)

// Store is the persistence store used by chain watchers.
type Store struct {
	db          *DB
	topicPrefix string
}

// NewStore creates a Store. topicPrefix names the outbox topics written
// alongside events, e.g. "bridge.events".
func NewStore(db *DB, topicPrefix string) *Store {
	return &Store{db: db, topicPrefix: topicPrefix}
}

// LoadCursor returns the chain's cursor or ErrCursorNotFound.
func (s *Store) LoadCursor(ctx context.Context, chain string) (bridgev1.SyncCursor, error) {
	sql := `
		SELECT chain, chain_id, last_processed_height, last_processed_block_id, mode, updated_at
		FROM sync_cursors
		WHERE chain = $1
	`
	var c bridgev1.SyncCursor
	err := s.db.pool.QueryRow(ctx, sql, chain).Scan(
		&c.Chain, &c.ChainID, &c.Height, &c.BlockID, &c.Mode, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return bridgev1.SyncCursor{}, ErrCursorNotFound
	}
	if err != nil {
		return bridgev1.SyncCursor{}, &bridge.PersistenceError{Op: "load cursor", Err: err}
	}
	return c, nil
}

// Cursors returns every stored cursor ordered by chain name.
func (s *Store) Cursors(ctx context.Context) ([]bridgev1.SyncCursor, error) {
	sql := `
		SELECT chain, chain_id, last_processed_height, last_processed_block_id, mode, updated_at
		FROM sync_cursors
		ORDER BY chain
	`
	rows, err := s.db.pool.Query(ctx, sql)
	if err != nil {
		return nil, &bridge.PersistenceError{Op: "list cursors", Err: err}
	}
	cursors, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (bridgev1.SyncCursor, error) {
		var c bridgev1.SyncCursor
		err := row.Scan(&c.Chain, &c.ChainID, &c.Height, &c.BlockID, &c.Mode, &c.UpdatedAt)
		return c, err
	})
	if err != nil {
		return nil, &bridge.PersistenceError{Op: "list cursors", Err: err}
	}
	return cursors, nil
}

// InitCursor creates the chain's cursor at height if none exists and returns
// the stored cursor. The block id is also recorded so the first reorg check
// has a persisted reference.
func (s *Store) InitCursor(ctx context.Context, chain string, chainID, height uint64, blockID string) (bridgev1.SyncCursor, error) {
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO sync_cursors (chain, chain_id, last_processed_height, last_processed_block_id, mode)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (chain) DO NOTHING
		`, chain, chainID, height, blockID, bridgev1.ModeBackfilling)
		if err != nil {
			return fmt.Errorf("insert cursor: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO indexed_blocks (chain, height, block_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (chain, height) DO UPDATE SET block_id = EXCLUDED.block_id
		`, chain, height, blockID)
		if err != nil {
			return fmt.Errorf("insert block id: %w", err)
		}
		return nil
	})
	if err != nil {
		return bridgev1.SyncCursor{}, &bridge.PersistenceError{Op: "init cursor", Err: err}
	}
	return s.LoadCursor(ctx, chain)
}

// SetMode records the watcher's mode without moving the cursor.
func (s *Store) SetMode(ctx context.Context, chain string, mode bridgev1.CursorMode) error {
	_, err := s.db.pool.Exec(ctx, `
		UPDATE sync_cursors SET mode = $2, updated_at = NOW() WHERE chain = $1
	`, chain, mode)
	if err != nil {
		return &bridge.PersistenceError{Op: "set mode", Err: err}
	}
	return nil
}

// BlockID returns the block id recorded for a height, if still retained.
func (s *Store) BlockID(ctx context.Context, chain string, height uint64) (string, bool, error) {
	var id string
	err := s.db.pool.QueryRow(ctx, `
		SELECT block_id FROM indexed_blocks WHERE chain = $1 AND height = $2
	`, chain, height).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query block id: %w", err)
	}
	return id, true, nil
}

// CommitBatch atomically persists a batch: new events with their outbox
// messages, the batch's block ids, and the cursor move. Events already stored
// are skipped. It returns the number of events inserted.
//
// The cursor is only moved if it still sits at upd.PrevHeight; otherwise
// nothing is written and the error wraps ErrCursorConflict.
func (s *Store) CommitBatch(ctx context.Context, upd CursorUpdate, events []*bridgev1.BridgeEvent, blocks []bridgev1.BlockRef) (int, error) {
	inserted := 0
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		inserted = 0
		for _, ev := range events {
			id, ok, err := insertEvent(ctx, tx, ev)
			if err != nil {
				return fmt.Errorf("insert event %s: %w", ev.Key(), err)
			}
			if !ok {
				continue
			}
			inserted++
			if err := s.insertEventMessage(ctx, tx, id, ev); err != nil {
				return fmt.Errorf("insert outbox for %s: %w", ev.Key(), err)
			}
		}

		for _, b := range blocks {
			_, err := tx.Exec(ctx, `
				INSERT INTO indexed_blocks (chain, height, block_id, parent_id)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (chain, height) DO UPDATE
				SET block_id = EXCLUDED.block_id, parent_id = EXCLUDED.parent_id
			`, upd.Chain, b.Height, b.ID, b.ParentID)
			if err != nil {
				return fmt.Errorf("upsert block %d: %w", b.Height, err)
			}
		}
		if upd.KeepBlocks > 0 && upd.Height > upd.KeepBlocks {
			_, err := tx.Exec(ctx, `
				DELETE FROM indexed_blocks WHERE chain = $1 AND height < $2
			`, upd.Chain, upd.Height-upd.KeepBlocks)
			if err != nil {
				return fmt.Errorf("prune blocks: %w", err)
			}
		}

		tag, err := tx.Exec(ctx, `
			UPDATE sync_cursors
			SET last_processed_height = $3, last_processed_block_id = $4, mode = $5, updated_at = NOW()
			WHERE chain = $1 AND last_processed_height = $2
		`, upd.Chain, upd.PrevHeight, upd.Height, upd.BlockID, upd.Mode)
		if err != nil {
			return fmt.Errorf("update cursor: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: expected height %d", ErrCursorConflict, upd.PrevHeight)
		}
		return nil
	})
	if err != nil {
		return 0, &bridge.PersistenceError{Op: "commit batch", Err: err}
	}
	return inserted, nil
}

// Rollback deletes everything a chain indexed above the fork point and moves
// its cursor back there, in one transaction. A rollback notice is queued in
// the outbox so consumers can retract published events. It returns the number
// of events deleted.
func (s *Store) Rollback(ctx context.Context, upd RollbackUpdate) (int64, error) {
	var deleted int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE sync_cursors
			SET last_processed_height = $3, last_processed_block_id = $4, mode = $5, updated_at = NOW()
			WHERE chain = $1 AND last_processed_height = $2
		`, upd.Chain, upd.PrevHeight, upd.ForkHeight, upd.ForkID, bridgev1.ModeBackfilling)
		if err != nil {
			return fmt.Errorf("update cursor: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: expected height %d", ErrCursorConflict, upd.PrevHeight)
		}

		deleted, err = deleteAbove(ctx, tx, upd.Chain, upd.ForkHeight)
		if err != nil {
			return err
		}

		return s.insertRollbackMessage(ctx, tx, bridgev1.RollbackNotice{
			ChainID:    upd.ChainID,
			Chain:      upd.Chain,
			FromHeight: upd.PrevHeight,
			ForkHeight: upd.ForkHeight,
			ForkID:     upd.ForkID,
			At:         time.Now().UTC(),
		})
	})
	if err != nil {
		return 0, &bridge.PersistenceError{Op: "rollback", Err: err}
	}
	return deleted, nil
}

// ResetCursor unconditionally moves a chain's cursor to height, deleting
// events and block ids above it. It is an operator tool; the chain's
// watcher must not be running.
func (s *Store) ResetCursor(ctx context.Context, chain string, chainID, height uint64, blockID string) (int64, error) {
	var deleted int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var prev uint64
		err := tx.QueryRow(ctx, `
			SELECT last_processed_height FROM sync_cursors WHERE chain = $1 FOR UPDATE
		`, chain).Scan(&prev)
		if errors.Is(err, pgx.ErrNoRows) {
			prev = height
		} else if err != nil {
			return fmt.Errorf("lock cursor: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO sync_cursors (chain, chain_id, last_processed_height, last_processed_block_id, mode)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (chain) DO UPDATE SET
				last_processed_height = EXCLUDED.last_processed_height,
				last_processed_block_id = EXCLUDED.last_processed_block_id,
				mode = EXCLUDED.mode,
				updated_at = NOW()
		`, chain, chainID, height, blockID, bridgev1.ModeBackfilling)
		if err != nil {
			return fmt.Errorf("upsert cursor: %w", err)
		}

		deleted, err = deleteAbove(ctx, tx, chain, height)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO indexed_blocks (chain, height, block_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (chain, height) DO UPDATE SET block_id = EXCLUDED.block_id
		`, chain, height, blockID)
		if err != nil {
			return fmt.Errorf("record block id: %w", err)
		}

		if prev <= height {
			return nil
		}
		return s.insertRollbackMessage(ctx, tx, bridgev1.RollbackNotice{
			ChainID:    chainID,
			Chain:      chain,
			FromHeight: prev,
			ForkHeight: height,
			ForkID:     blockID,
			At:         time.Now().UTC(),
		})
	})
	if err != nil {
		return 0, &bridge.PersistenceError{Op: "reset cursor", Err: err}
	}
	return deleted, nil
}

// EventsInRange returns a chain's events with from <= height <= to in
// persistence order.
func (s *Store) EventsInRange(ctx context.Context, chain string, from, to uint64) ([]StoredEvent, error) {
	rows, err := s.db.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM bridge_events
		WHERE chain = $1 AND block_height BETWEEN $2 AND $3
		ORDER BY block_height, item_index, tx_id
	`, chain, from, to)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return pgx.CollectRows(rows, scanEvent)
}

const eventColumns = `id, chain_id, chain, kind, status, source, block_height, block_id,
		block_time, tx_id, item_index, nonce, payload, created_at`

func scanEvent(row pgx.CollectableRow) (StoredEvent, error) {
	var (
		se        StoredEvent
		blockTime *time.Time
		nonce     *string
	)
	ev := &se.Event
	err := row.Scan(
		&se.ID, &ev.ChainID, &ev.Chain, &ev.Kind, &ev.Status, &ev.Source, &ev.BlockHeight, &ev.BlockID,
		&blockTime, &ev.TxID, &ev.ItemIndex, &nonce, &ev.Payload, &se.CreatedAt,
	)
	if blockTime != nil {
		ev.BlockTime = blockTime.UTC()
	}
	if nonce != nil {
		ev.Nonce = *nonce
	}
	return se, err
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev *bridgev1.BridgeEvent) (int64, bool, error) {
	var blockTime *time.Time
	if !ev.BlockTime.IsZero() {
		blockTime = &ev.BlockTime
	}
	var nonce *string
	if ev.Nonce != "" {
		nonce = &ev.Nonce
	}
	payload := ev.Payload
	if payload == nil {
		payload = map[string]string{}
	}

	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO bridge_events (
			chain_id, chain, kind, status, source, block_height, block_id,
			block_time, tx_id, item_index, nonce, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (chain_id, tx_id, item_index) DO NOTHING
		RETURNING id
	`,
		ev.ChainID, ev.Chain, ev.Kind, ev.Status, ev.Source, ev.BlockHeight, ev.BlockID,
		blockTime, ev.TxID, ev.ItemIndex, nonce, payload,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func deleteAbove(ctx context.Context, tx pgx.Tx, chain string, height uint64) (int64, error) {
	tag, err := tx.Exec(ctx, `
		DELETE FROM bridge_events WHERE chain = $1 AND block_height > $2
	`, chain, height)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM indexed_blocks WHERE chain = $1 AND height > $2
	`, chain, height); err != nil {
		return 0, fmt.Errorf("delete block ids: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) insertEventMessage(ctx context.Context, tx pgx.Tx, eventID int64, ev *bridgev1.BridgeEvent) error {
	payload, err := json.Marshal(bridgev1.Envelope{Type: bridgev1.MessageTypeEvent, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return insertMessage(ctx, tx, OutboxMessage{
		EventID:      &eventID,
		Chain:        ev.Chain,
		ChainID:      ev.ChainID,
		BlockHeight:  ev.BlockHeight,
		Topic:        bridgev1.Topic(s.topicPrefix, ev.Chain),
		Subject:      bridgev1.Subject(s.topicPrefix, ev.Chain, string(ev.Kind)),
		PartitionKey: partitionKey(ev.ChainID),
		Payload:      payload,
	})
}

func (s *Store) insertRollbackMessage(ctx context.Context, tx pgx.Tx, n bridgev1.RollbackNotice) error {
	payload, err := json.Marshal(bridgev1.Envelope{Type: bridgev1.MessageTypeRollback, Rollback: &n})
	if err != nil {
		return fmt.Errorf("marshal rollback: %w", err)
	}
	return insertMessage(ctx, tx, OutboxMessage{
		Chain:        n.Chain,
		ChainID:      n.ChainID,
		BlockHeight:  n.ForkHeight,
		Topic:        bridgev1.Topic(s.topicPrefix, n.Chain),
		Subject:      bridgev1.Subject(s.topicPrefix, n.Chain, string(bridgev1.MessageTypeRollback)),
		PartitionKey: partitionKey(n.ChainID),
		Payload:      payload,
	})
}

func insertMessage(ctx context.Context, tx pgx.Tx, msg OutboxMessage) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_messages (
			id, event_id, chain, chain_id, block_height, topic, subject, partition_key, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, uuid.New(), msg.EventID, msg.Chain, msg.ChainID, msg.BlockHeight,
		msg.Topic, msg.Subject, msg.PartitionKey, msg.Payload)
	return err
}

// Messages of one chain share a partition so consumers see them in order.
func partitionKey(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}
