package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"order-platform/internal/events"
	"order-platform/internal/models"
	"order-platform/internal/util"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Handler reacts to one event inside the dispatcher's ledger transaction. A
// returned error rolls the transaction back; errors wrapping
// events.ErrMalformed dead-letter the message, anything else redelivers it.
type Handler func(ctx context.Context, env events.Envelope) error

// Ledger records processed event ids. InTx must carry the transaction in the
// context so ClaimEvent and the handler's writes commit together.
type Ledger interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	ClaimEvent(ctx context.Context, ev models.ProcessedEvent) (bool, error)
	IsEventProcessed(ctx context.Context, service, eventID string) (bool, error)
}

// DedupCache is a fast, lossy front for the ledger.
type DedupCache interface {
	Seen(ctx context.Context, service, eventID string) (bool, error)
	Remember(ctx context.Context, service, eventID string) error
}

// Delivery outcomes reported in metrics and logs.
const (
	OutcomeProcessed    = "processed"
	OutcomeDuplicate    = "duplicate"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
)

// Dead-letter reasons.
const (
	reasonMalformed     = "malformed"
	reasonUnknownType   = "unknown_event_type"
	reasonMaxDeliveries = "max_deliveries"
)

var errAlreadyClaimed = errors.New("event already claimed")

// DispatcherConfig configures one service's consumer.
type DispatcherConfig struct {
	// Service is the ledger namespace, normally the service's event source.
	Service             string
	Queue               string
	Prefetch            int
	HandlerTimeout      time.Duration
	MaxDeliveries       int
	RetryBackoffInitial time.Duration
	RetryBackoffMax     time.Duration
}

type route struct {
	exchange string
	handler  Handler
}

// Dispatcher consumes a service queue and runs registered handlers with
// per-aggregate serialization, deduplication and bounded redelivery.
type Dispatcher struct {
	cfg       DispatcherConfig
	transport Transport
	ledger    Ledger
	locker    Locker
	dedup     DedupCache
	routes    map[string]route
	order     []string
	logger    *zap.Logger
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithLocker replaces the default in-process lock.
func WithLocker(l Locker) Option {
	return func(d *Dispatcher) { d.locker = l }
}

// WithDedupCache puts cache in front of the ledger lookups.
func WithDedupCache(cache DedupCache) Option {
	return func(d *Dispatcher) { d.dedup = cache }
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(cfg DispatcherConfig, transport Transport, ledger Ledger, opts ...Option) *Dispatcher {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.RetryBackoffInitial <= 0 {
		cfg.RetryBackoffInitial = 500 * time.Millisecond
	}
	if cfg.RetryBackoffMax < cfg.RetryBackoffInitial {
		cfg.RetryBackoffMax = cfg.RetryBackoffInitial
	}

	d := &Dispatcher{
		cfg:       cfg,
		transport: transport,
		ledger:    ledger,
		locker:    NewKeyedMutex(),
		routes:    make(map[string]route),
		logger:    util.GetLogger().With(zap.String("service", cfg.Service)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register binds eventType published on exchange to h. Registering the same
// event type twice replaces the handler.
func (d *Dispatcher) Register(exchange, eventType string, h Handler) {
	if _, ok := d.routes[eventType]; !ok {
		d.order = append(d.order, eventType)
	}
	d.routes[eventType] = route{exchange: exchange, handler: h}
}

// Subscription describes the queue and bindings for the registered handlers.
func (d *Dispatcher) Subscription() Subscription {
	sub := Subscription{Queue: d.cfg.Queue, Prefetch: d.cfg.Prefetch}
	for _, eventType := range d.order {
		sub.Bindings = append(sub.Bindings, Binding{
			Exchange:   d.routes[eventType].exchange,
			RoutingKey: eventType,
		})
	}
	return sub
}

// Run consumes until ctx ends, reconnecting with backoff when the delivery
// stream closes. At most Prefetch deliveries are processed concurrently.
func (d *Dispatcher) Run(ctx context.Context) error {
	reconnect := backoff.NewExponentialBackOff()
	reconnect.MaxInterval = 30 * time.Second
	reconnect.MaxElapsedTime = 0

	sem := make(chan struct{}, d.cfg.Prefetch)
	var wg sync.WaitGroup
	defer wg.Wait()

	d.logger.Info("Starting dispatcher", zap.String("queue", d.cfg.Queue), zap.Int("prefetch", d.cfg.Prefetch))

	for {
		deliveries, err := d.transport.Consume(ctx, d.Subscription())
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			wait := reconnect.NextBackOff()
			d.logger.Error("Failed to consume, reconnecting", zap.Duration("wait", wait), zap.Error(err))
			if sleepCtx(ctx, wait) != nil {
				return nil
			}
			continue
		}
		reconnect.Reset()

		for del := range deliveries {
			sem <- struct{}{}
			wg.Add(1)
			go func(del *Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := d.Process(ctx, del); err != nil {
					d.logger.Error("Failed to settle delivery", zap.String("message_id", del.ID), zap.Error(err))
				}
			}(del)
		}

		if ctx.Err() != nil {
			d.logger.Info("Dispatcher stopped", zap.String("queue", d.cfg.Queue))
			return nil
		}
		d.logger.Warn("Delivery stream closed, reconnecting", zap.String("queue", d.cfg.Queue))
	}
}

// Process handles one delivery and settles it exactly once. The returned
// error only reports a failed settlement.
func (d *Dispatcher) Process(ctx context.Context, del *Delivery) error {
	start := time.Now()

	env, err := events.Decode(del.Body)
	if err != nil {
		return d.deadLetter(ctx, del, del.Type, reasonMalformed, err)
	}
	rt, ok := d.routes[env.EventType]
	if !ok {
		return d.deadLetter(ctx, del, env.EventType, reasonUnknownType,
			fmt.Errorf("no handler for %s", env.EventType))
	}

	ctx = util.ExtractHeaders(ctx, del.Headers)
	ctx, span := util.StartSpan(ctx, "Dispatcher.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", env.EventID),
		attribute.String("event.type", env.EventType),
		attribute.Int("delivery.attempt", del.Attempt),
	)

	key := d.cfg.Service + ":" + AggregateKey(env)
	release, err := d.locker.Lock(ctx, key)
	if err != nil {
		span.RecordError(err)
		return d.retry(ctx, del, env, fmt.Errorf("failed to lock %s: %w", key, err))
	}
	outcome, err := d.handle(ctx, env, rt.handler)
	release()

	util.EventHandlerLatency.WithLabelValues(d.cfg.Service, env.EventType).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		d.logger.Debug("Event handled",
			zap.String("event_id", env.EventID),
			zap.String("event_type", env.EventType),
			zap.String("outcome", outcome),
		)
		util.EventsConsumedTotal.WithLabelValues(d.cfg.Service, env.EventType, outcome).Inc()
		return del.Ack(ctx)
	case errors.Is(err, events.ErrMalformed):
		span.RecordError(err)
		return d.deadLetter(ctx, del, env.EventType, reasonMalformed, err)
	default:
		span.RecordError(err)
		return d.retry(ctx, del, env, err)
	}
}

func (d *Dispatcher) handle(ctx context.Context, env events.Envelope, h Handler) (string, error) {
	if d.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.HandlerTimeout)
		defer cancel()
	}

	if d.dedup != nil {
		seen, err := d.dedup.Seen(ctx, d.cfg.Service, env.EventID)
		if err != nil {
			d.logger.Warn("Dedup cache lookup failed", zap.String("event_id", env.EventID), zap.Error(err))
		} else if seen {
			return OutcomeDuplicate, nil
		}
	}

	done, err := d.ledger.IsEventProcessed(ctx, d.cfg.Service, env.EventID)
	if err != nil {
		return "", fmt.Errorf("failed to check ledger: %w", err)
	}
	if done {
		d.remember(ctx, env)
		return OutcomeDuplicate, nil
	}

	err = d.ledger.InTx(ctx, func(ctx context.Context) error {
		claimed, err := d.ledger.ClaimEvent(ctx, processedEvent(d.cfg.Service, env))
		if err != nil {
			return err
		}
		if !claimed {
			return errAlreadyClaimed
		}
		return h(ctx, env)
	})
	if errors.Is(err, errAlreadyClaimed) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}

	d.remember(ctx, env)
	return OutcomeProcessed, nil
}

func (d *Dispatcher) remember(ctx context.Context, env events.Envelope) {
	if d.dedup == nil {
		return
	}
	if err := d.dedup.Remember(ctx, d.cfg.Service, env.EventID); err != nil {
		d.logger.Warn("Failed to cache processed event", zap.String("event_id", env.EventID), zap.Error(err))
	}
}

func (d *Dispatcher) retry(ctx context.Context, del *Delivery, env events.Envelope, cause error) error {
	if del.Attempt >= d.cfg.MaxDeliveries {
		return d.deadLetter(ctx, del, env.EventType, reasonMaxDeliveries,
			fmt.Errorf("gave up after %d deliveries: %w", del.Attempt, cause))
	}

	wait := d.retryDelay(del.Attempt)
	d.logger.Warn("Handler failed, redelivering",
		zap.String("event_id", env.EventID),
		zap.String("event_type", env.EventType),
		zap.Int("attempt", del.Attempt),
		zap.Duration("wait", wait),
		zap.Error(cause),
	)
	util.EventsConsumedTotal.WithLabelValues(d.cfg.Service, env.EventType, OutcomeRetried).Inc()

	_ = sleepCtx(ctx, wait)
	return del.Retry(context.WithoutCancel(ctx))
}

func (d *Dispatcher) deadLetter(ctx context.Context, del *Delivery, eventType, reason string, cause error) error {
	fields := []zap.Field{
		zap.String("message_id", del.ID),
		zap.String("event_type", eventType),
		zap.String("reason", reason),
		zap.Int("attempt", del.Attempt),
		zap.Error(cause),
	}
	if reason == reasonMalformed || reason == reasonUnknownType {
		fields = append(fields, zap.ByteString("payload", del.Body))
	}
	d.logger.Error("Dead-lettering message", fields...)
	util.EventsConsumedTotal.WithLabelValues(d.cfg.Service, eventType, OutcomeDeadLettered).Inc()
	util.EventsDeadLetteredTotal.WithLabelValues(d.cfg.Service, eventType, reason).Inc()

	return del.DeadLetter(context.WithoutCancel(ctx), fmt.Sprintf("%s: %v", reason, cause))
}

// retryDelay is the wait before redelivering a message that failed on the
// given attempt: RetryBackoffInitial doubled per attempt, capped at
// RetryBackoffMax.
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     d.cfg.RetryBackoffInitial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         d.cfg.RetryBackoffMax,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	policy.Reset()

	wait := policy.NextBackOff()
	for i := 1; i < attempt; i++ {
		wait = policy.NextBackOff()
	}
	return wait
}

// AggregateKey picks the lock key for env: the saga correlation id, then the
// order id in the payload, then the event id.
func AggregateKey(env events.Envelope) string {
	if id := env.CorrelationID(); id != "" {
		return id
	}
	var ref struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(env.Data, &ref); err == nil && ref.OrderID != "" {
		return ref.OrderID
	}
	return env.EventID
}

func processedEvent(service string, env events.Envelope) models.ProcessedEvent {
	ev := models.ProcessedEvent{
		Service:       service,
		EventID:       env.EventID,
		EventType:     env.EventType,
		CorrelationID: AggregateKey(env),
		ProcessedAt:   time.Now().UTC(),
	}
	if env.Metadata != nil {
		ev.CausationID = env.Metadata.CausationID
	}
	return ev
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
