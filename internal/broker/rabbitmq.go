package broker

import (
	"context"
	"fmt"
	"sync"

	"order-platform/internal/util"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitTransport talks AMQP 0-9-1. Exchanges are durable topic exchanges,
// queues are durable, messages are persistent and publishing waits for the
// broker's confirm.
type RabbitTransport struct {
	url    string
	logger *zap.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	declared map[string]bool
	closed   bool
}

// NewRabbitTransport creates a transport; the connection is opened lazily and
// reopened after it drops.
func NewRabbitTransport(url string) *RabbitTransport {
	return &RabbitTransport{
		url:      url,
		logger:   util.GetLogger(),
		declared: make(map[string]bool),
	}
}

// Connect opens the connection eagerly so startup fails fast.
func (t *RabbitTransport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.publishChannelLocked()
	return err
}

func (t *RabbitTransport) connectionLocked() (*amqp.Connection, error) {
	if t.closed {
		return nil, ErrClosed
	}
	if t.conn != nil && !t.conn.IsClosed() {
		return t.conn, nil
	}

	conn, err := amqp.Dial(t.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	t.conn = conn
	t.pubCh = nil
	t.declared = make(map[string]bool)
	t.logger.Info("RabbitMQ connected")
	return conn, nil
}

func (t *RabbitTransport) publishChannelLocked() (*amqp.Channel, error) {
	conn, err := t.connectionLocked()
	if err != nil {
		return nil, err
	}
	if t.pubCh != nil && !t.pubCh.IsClosed() {
		return t.pubCh, nil
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	t.pubCh = ch
	t.declared = make(map[string]bool)
	return ch, nil
}

func declareExchange(ch *amqp.Channel, name string) error {
	err := ch.ExchangeDeclare(
		name,    // name
		"topic", // type
		true,    // durable
		false,   // auto-deleted
		false,   // internal
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", name, err)
	}
	return nil
}

// Publish declares the exchange (once per channel), publishes persistently and
// waits for the broker to confirm. An empty exchange publishes straight to the
// queue named by routingKey.
func (t *RabbitTransport) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	t.mu.Lock()
	ch, err := t.publishChannelLocked()
	if err == nil && exchange != "" && !t.declared[exchange] {
		if err = declareExchange(ch, exchange); err == nil {
			t.declared[exchange] = true
		}
	}
	if err != nil {
		t.mu.Unlock()
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  msg.ContentType,
			MessageId:    msg.ID,
			Type:         msg.Type,
			Timestamp:    msg.Timestamp,
			Headers:      toTable(msg.Headers),
			Body:         msg.Body,
		})
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to publish to %s/%s: %w", exchange, routingKey, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for publish confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker rejected message %s on %s/%s", msg.ID, exchange, routingKey)
	}
	return nil
}

// Consume declares the durable queue, its dead-letter queue and bindings, then
// streams deliveries with manual acknowledgement.
func (t *RabbitTransport) Consume(ctx context.Context, sub Subscription) (<-chan *Delivery, error) {
	t.mu.Lock()
	conn, err := t.connectionLocked()
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := t.declareSubscription(ch, sub); err != nil {
		ch.Close()
		return nil, err
	}

	deliveries, err := ch.Consume(
		sub.Queue, // queue
		"",        // consumer tag
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to start consuming %s: %w", sub.Queue, err)
	}

	t.logger.Info("RabbitMQ subscription started",
		zap.String("queue", sub.Queue),
		zap.Int("bindings", len(sub.Bindings)))

	out := make(chan *Delivery)
	go func() {
		defer close(out)
		defer ch.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-deliveries:
				if !ok {
					t.logger.Warn("RabbitMQ delivery channel closed", zap.String("queue", sub.Queue))
					return
				}
				select {
				case out <- t.wrap(sub, raw):
				case <-ctx.Done():
					_ = raw.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

func (t *RabbitTransport) declareSubscription(ch *amqp.Channel, sub Subscription) error {
	if sub.Prefetch > 0 {
		if err := ch.Qos(sub.Prefetch, 0, false); err != nil {
			return fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	for _, queue := range []string{sub.Queue, sub.DeadLetterQueue()} {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
	}

	for _, b := range sub.Bindings {
		if err := declareExchange(ch, b.Exchange); err != nil {
			return err
		}
		if err := ch.QueueBind(sub.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s to %s/%s: %w", sub.Queue, b.Exchange, b.RoutingKey, err)
		}
	}
	return nil
}

func (t *RabbitTransport) wrap(sub Subscription, raw amqp.Delivery) *Delivery {
	msg := Message{
		ID:          raw.MessageId,
		Type:        raw.Type,
		ContentType: raw.ContentType,
		Body:        raw.Body,
		Headers:     fromTable(raw.Headers),
		Timestamp:   raw.Timestamp,
	}

	// Retried messages arrive through the default exchange addressed to the
	// queue; the header carries the routing key they were first published with.
	exchange, routingKey := raw.Exchange, raw.RoutingKey
	if rk := msg.Headers[HeaderRoutingKey]; rk != "" {
		routingKey = rk
	}
	if ex := msg.Headers[HeaderOriginalExchange]; ex != "" {
		exchange = ex
	}

	d := &Delivery{
		Message:    msg,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Attempt:    attemptOf(msg.Headers),
	}
	d.ack = func(context.Context) error {
		return raw.Ack(false)
	}
	d.retry = func(ctx context.Context) error {
		next := retryCopy(msg, routingKey, d.Attempt)
		next.Headers[HeaderOriginalExchange] = exchange
		if err := t.Publish(ctx, "", sub.Queue, next); err != nil {
			_ = raw.Nack(false, true)
			return err
		}
		return raw.Ack(false)
	}
	d.deadLetter = func(ctx context.Context, reason string) error {
		if err := t.Publish(ctx, "", sub.DeadLetterQueue(), deadLetterCopy(msg, exchange, routingKey, reason)); err != nil {
			_ = raw.Nack(false, true)
			return err
		}
		return raw.Ack(false)
	}
	return d
}

// Close closes the channel and connection.
func (t *RabbitTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	var lastErr error
	if t.pubCh != nil {
		if err := t.pubCh.Close(); err != nil {
			lastErr = err
		}
		t.pubCh = nil
	}
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			lastErr = err
		}
		t.conn = nil
	}
	return lastErr
}

func toTable(headers map[string]string) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}
	return table
}

func fromTable(table amqp.Table) map[string]string {
	headers := make(map[string]string, len(table))
	for k, v := range table {
		if s, ok := v.(string); ok {
			headers[k] = s
		} else {
			headers[k] = fmt.Sprint(v)
		}
	}
	return headers
}
