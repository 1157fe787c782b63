package store

import (
	"context"

	"order-platform/internal/models"

	"github.com/jmoiron/sqlx"
)

// EnqueueOutbox stores an event to publish once the surrounding transaction
// commits. Enqueuing the same event id twice is a no-op.
func (s *Store) EnqueueOutbox(ctx context.Context, msg *models.OutboxMessage) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO outbox (event_id, source, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`,
		msg.EventID, msg.Source, msg.EventType, jsonText(msg.Payload))
	return err
}

// ListPendingOutbox returns unpublished events of a source, oldest first
func (s *Store) ListPendingOutbox(ctx context.Context, source string, limit int) ([]models.OutboxMessage, error) {
	var msgs []models.OutboxMessage
	err := sqlx.SelectContext(ctx, s.conn(ctx), &msgs, `
		SELECT * FROM outbox
		WHERE source = $1 AND published_at IS NULL
		ORDER BY created_at, event_id
		LIMIT $2`, source, limit)
	return msgs, err
}

// MarkOutboxPublished records that an event reached the bus
func (s *Store) MarkOutboxPublished(ctx context.Context, eventID string) error {
	_, err := s.conn(ctx).ExecContext(ctx,
		"UPDATE outbox SET published_at = NOW() WHERE event_id = $1 AND published_at IS NULL", eventID)
	return err
}
