package service

import (
	"context"
	"fmt"
	"time"

	"order-platform/internal/broker"
	"order-platform/internal/events"
	"order-platform/internal/models"
	"order-platform/internal/util"

	"go.uber.org/zap"
)

// stage adds env to the outbox inside the caller's transaction
func stage(ctx context.Context, repo Outbox, env events.Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := repo.EnqueueOutbox(ctx, &models.OutboxMessage{
		EventID:   env.EventID,
		Source:    env.Source,
		EventType: env.EventType,
		Payload:   body,
	}); err != nil {
		return fmt.Errorf("failed to stage %s: %w", env.EventType, err)
	}
	return nil
}

// deliver publishes a committed outbox event. A failed publish stays pending
// for the relay.
func deliver(ctx context.Context, repo Outbox, publisher broker.Publisher, env events.Envelope, logger *zap.Logger) {
	if err := publisher.Publish(ctx, env); err != nil {
		logger.Warn("Publish deferred to outbox relay",
			zap.String("event_id", env.EventID),
			zap.String("event_type", env.EventType),
			zap.Error(err))
		return
	}
	if err := repo.MarkOutboxPublished(ctx, env.EventID); err != nil {
		logger.Warn("Failed to mark outbox event published", zap.String("event_id", env.EventID), zap.Error(err))
	}
}

// OutboxRelay republishes committed events of one source that were not
// published right after their commit
type OutboxRelay struct {
	repo      Outbox
	publisher broker.Publisher
	source    string
	interval  time.Duration
	batch     int
	logger    *zap.Logger
}

// NewOutboxRelay creates a relay polling every interval for up to batch events
func NewOutboxRelay(repo Outbox, publisher broker.Publisher, source string, interval time.Duration, batch int) *OutboxRelay {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &OutboxRelay{
		repo:      repo,
		publisher: publisher,
		source:    source,
		interval:  interval,
		batch:     batch,
		logger:    util.GetLogger().With(zap.String("source", source)),
	}
}

// Name identifies the relay in the worker pool
func (r *OutboxRelay) Name() string {
	return r.source + "-outbox"
}

// Start flushes the outbox every interval until ctx is cancelled
func (r *OutboxRelay) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("Outbox flush failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Flush publishes pending events oldest first and stops at the first publish
// failure so per-source order is kept. It returns how many were published.
func (r *OutboxRelay) Flush(ctx context.Context) (int, error) {
	pending, err := r.repo.ListPendingOutbox(ctx, r.source, r.batch)
	if err != nil {
		return 0, fmt.Errorf("failed to list outbox: %w", err)
	}

	published := 0
	for _, msg := range pending {
		env, err := events.Decode(msg.Payload)
		if err != nil {
			r.logger.Error("Dropping undecodable outbox event",
				zap.String("event_id", msg.EventID),
				zap.ByteString("payload", msg.Payload),
				zap.Error(err))
			if err := r.repo.MarkOutboxPublished(ctx, msg.EventID); err != nil {
				return published, err
			}
			continue
		}

		if err := r.publisher.Publish(ctx, env); err != nil {
			return published, err
		}
		if err := r.repo.MarkOutboxPublished(ctx, msg.EventID); err != nil {
			return published, fmt.Errorf("failed to mark %s published: %w", msg.EventID, err)
		}
		util.OutboxRelayedTotal.WithLabelValues(r.source).Inc()
		published++
	}

	if published > 0 {
		r.logger.Info("Outbox relayed", zap.Int("events", published))
	}
	return published, nil
}
