package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

// UnlinkedInitiations returns initiated events with a nonce and no transfer
// link, with row id above afterID, oldest first.
func (s *Store) UnlinkedInitiations(ctx context.Context, afterID int64, limit int) ([]StoredEvent, error) {
	rows, err := s.db.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM bridge_events e
		WHERE e.status = $1 AND e.nonce IS NOT NULL AND e.id > $2
		  AND NOT EXISTS (SELECT 1 FROM transfer_links l WHERE l.source_event_id = e.id)
		ORDER BY e.id
		LIMIT $3
	`, bridgev1.EventStatusInitiated, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query unlinked: %w", err)
	}
	return pgx.CollectRows(rows, scanEvent)
}

// UnlinkedByNonce returns events of kind carrying nonce that are not yet the
// target of a link.
func (s *Store) UnlinkedByNonce(ctx context.Context, kind bridgev1.EventKind, nonce string) ([]StoredEvent, error) {
	rows, err := s.db.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM bridge_events e
		WHERE e.kind = $1 AND e.nonce = $2
		  AND NOT EXISTS (SELECT 1 FROM transfer_links l WHERE l.target_event_id = e.id)
		ORDER BY e.id
	`, kind, nonce)
	if err != nil {
		return nil, fmt.Errorf("query by nonce: %w", err)
	}
	return pgx.CollectRows(rows, scanEvent)
}

// SaveLink records a transfer link. It reports false if either side was
// already linked.
func (s *Store) SaveLink(ctx context.Context, l TransferLink) (bool, error) {
	tag, err := s.db.pool.Exec(ctx, `
		INSERT INTO transfer_links (
			source_event_id, target_event_id,
			source_chain_id, source_tx_id, source_item_index,
			target_chain_id, target_tx_id, target_item_index, nonce
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING
	`, l.SourceEventID, l.TargetEventID,
		l.SourceChainID, l.SourceTxID, l.SourceItemIndex,
		l.TargetChainID, l.TargetTxID, l.TargetItemIndex, l.Nonce)
	if err != nil {
		return false, fmt.Errorf("insert link: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// LinkFor returns the link whose source is the given event, or ErrNotFound.
func (s *Store) LinkFor(ctx context.Context, sourceEventID int64) (TransferLink, error) {
	var l TransferLink
	err := s.db.pool.QueryRow(ctx, `
		SELECT source_event_id, target_event_id,
		       source_chain_id, source_tx_id, source_item_index,
		       target_chain_id, target_tx_id, target_item_index, nonce, linked_at
		FROM transfer_links
		WHERE source_event_id = $1
	`, sourceEventID).Scan(
		&l.SourceEventID, &l.TargetEventID,
		&l.SourceChainID, &l.SourceTxID, &l.SourceItemIndex,
		&l.TargetChainID, &l.TargetTxID, &l.TargetItemIndex, &l.Nonce, &l.LinkedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return TransferLink{}, ErrNotFound
	}
	if err != nil {
		return TransferLink{}, fmt.Errorf("query link: %w", err)
	}
	return l, nil
}
