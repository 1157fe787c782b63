package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-platform/internal/events"
	"order-platform/internal/util"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Publisher emits envelopes on the exchange owned by one service.
type Publisher interface {
	Publish(ctx context.Context, env events.Envelope) error
}

// EventPublisher publishes envelopes on a Transport
type EventPublisher struct {
	transport  Transport
	source     string
	exchange   string
	maxRetries uint64
	logger     *zap.Logger
}

// NewEventPublisher creates a new publisher for the given source service
func NewEventPublisher(transport Transport, source string) *EventPublisher {
	return &EventPublisher{
		transport:  transport,
		source:     source,
		exchange:   events.ExchangeFor(source),
		maxRetries: 3,
		logger:     util.GetLogger(),
	}
}

// Publish sends env with routing key equal to its event type. Transport
// errors are retried a few times and then returned; the caller's transaction
// is expected to roll back so the triggering delivery is redelivered.
func (p *EventPublisher) Publish(ctx context.Context, env events.Envelope) error {
	ctx, span := util.StartSpan(ctx, "EventPublisher.Publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", env.EventID),
		attribute.String("event.type", env.EventType),
	)

	if env.Source != p.source {
		return fmt.Errorf("publisher for %s cannot publish events from %s", p.source, env.Source)
	}

	body, err := env.Encode()
	if err != nil {
		util.EventsPublishedTotal.WithLabelValues(env.EventType, "error").Inc()
		return fmt.Errorf("failed to encode event: %w", err)
	}

	headers := map[string]string{}
	util.InjectHeaders(ctx, headers)

	msg := Message{
		ID:          env.EventID,
		Type:        env.EventType,
		Key:         env.CorrelationID(),
		ContentType: "application/json",
		Body:        body,
		Headers:     headers,
		Timestamp:   time.Now().UTC(),
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	op := func() error {
		err := p.transport.Publish(ctx, p.exchange, env.EventType, msg)
		if errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Warn("Publish failed, retrying",
			zap.String("event_id", env.EventID),
			zap.String("event_type", env.EventType),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err = backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, p.maxRetries), ctx), notify)
	if err != nil {
		span.RecordError(err)
		util.EventsPublishedTotal.WithLabelValues(env.EventType, "error").Inc()
		return fmt.Errorf("failed to publish %s: %w", env.EventType, err)
	}

	util.EventsPublishedTotal.WithLabelValues(env.EventType, "ok").Inc()
	p.logger.Info("Published event",
		zap.String("event_id", env.EventID),
		zap.String("event_type", env.EventType),
		zap.String("correlation_id", env.CorrelationID()),
	)
	return nil
}
