package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// OutboxRepository is used by the outbox publisher to claim and settle
// messages written by CommitBatch and Rollback.
type OutboxRepository struct {
	db *DB
}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

const outboxColumns = `id, seq, event_id, chain, chain_id, block_height, topic, subject,
		partition_key, payload, status, retry_count, max_retries, last_error,
		created_at, processed_at, published_at`

func scanOutbox(row pgx.CollectableRow) (OutboxMessage, error) {
	var msg OutboxMessage
	err := row.Scan(
		&msg.ID, &msg.Seq, &msg.EventID, &msg.Chain, &msg.ChainID, &msg.BlockHeight, &msg.Topic, &msg.Subject,
		&msg.PartitionKey, &msg.Payload, &msg.Status, &msg.RetryCount, &msg.MaxRetries, &msg.LastError,
		&msg.CreatedAt, &msg.ProcessedAt, &msg.PublishedAt,
	)
	return msg, err
}

// FetchPendingMessages retrieves pending outbox messages for publishing.
// Messages are returned in commit order.
func (r *OutboxRepository) FetchPendingMessages(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_messages
		WHERE status = 'pending'
		ORDER BY seq ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	return pgx.CollectRows(rows, scanOutbox)
}

// MarkAsProcessing atomically marks messages as processing.
// Returns the IDs that were successfully claimed (handles concurrent workers).
func (r *OutboxRepository) MarkAsProcessing(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.pool.Query(ctx, `
		UPDATE outbox_messages
		SET status = 'processing', processed_at = $1
		WHERE id = ANY($2) AND status = 'pending'
		RETURNING id
	`, time.Now().UTC(), ids)
	if err != nil {
		return nil, fmt.Errorf("mark processing: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// MarkAsPublished marks messages as successfully published.
func (r *OutboxRepository) MarkAsPublished(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := r.db.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'published', published_at = $1
		WHERE id = ANY($2)
	`, time.Now().UTC(), ids)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// MarkAsFailed records a failed publish. The message goes back to pending
// until it exhausts its retries.
func (r *OutboxRepository) MarkAsFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := r.db.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = CASE
				WHEN retry_count + 1 >= max_retries THEN 'failed'
				ELSE 'pending'
			END,
			retry_count = retry_count + 1,
			last_error = $1,
			processed_at = NULL
		WHERE id = $2
	`, errMsg, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// ReleaseClaims returns claimed messages to pending without counting a
// retry. The publisher uses it for messages queued behind a failed one.
func (r *OutboxRepository) ReleaseClaims(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'pending', processed_at = NULL
		WHERE id = ANY($1) AND status = 'processing'
	`, ids)
	if err != nil {
		return fmt.Errorf("release claims: %w", err)
	}
	return nil
}

// ReleaseStale returns messages stuck in processing for longer than
// olderThan to pending, e.g. after a publisher crash.
func (r *OutboxRepository) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'pending', processed_at = NULL
		WHERE status = 'processing' AND processed_at < $1
	`, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("release stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetMessage retrieves a message by id. It returns nil, nil when absent.
func (r *OutboxRepository) GetMessage(ctx context.Context, id uuid.UUID) (*OutboxMessage, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT `+outboxColumns+` FROM outbox_messages WHERE id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}
	msg, err := pgx.CollectOneRow(rows, scanOutbox)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}
	return &msg, nil
}
