package store

import (
	"context"
	"fmt"

	"order-platform/internal/models"

	"github.com/jmoiron/sqlx"
)

// ClaimEvent inserts the dedup record for (service, event id) and reports
// whether this call created it. Called inside the handler's transaction, the
// record commits or rolls back with the handler's writes; a concurrent claim
// waits for the other transaction and then reports false.
func (s *Store) ClaimEvent(ctx context.Context, ev models.ProcessedEvent) (bool, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO processed_events (service, event_id, event_type, correlation_id, causation_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (service, event_id) DO NOTHING`,
		ev.Service, ev.EventID, ev.EventType, ev.CorrelationID, ev.CausationID)
	if err != nil {
		return false, fmt.Errorf("failed to record processed event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// IsEventProcessed checks if a service has processed an event
func (s *Store) IsEventProcessed(ctx context.Context, service, eventID string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, s.conn(ctx), &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE service = $1 AND event_id = $2)", service, eventID)
	return exists, err
}

// SagaLog returns every event processed for one saga instance, oldest first
func (s *Store) SagaLog(ctx context.Context, correlationID string) ([]models.ProcessedEvent, error) {
	var log []models.ProcessedEvent
	err := sqlx.SelectContext(ctx, s.conn(ctx), &log,
		"SELECT * FROM processed_events WHERE correlation_id = $1 ORDER BY processed_at, service", correlationID)
	return log, err
}
