// Package broker moves event envelopes between services: the transports that
// talk to the message bus, the publisher, and the per-service dispatcher.
package broker

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// ErrClosed is returned when using a transport after Close.
var ErrClosed = errors.New("transport closed")

// Header names set by this package.
const (
	HeaderAttempt          = "x-attempt"
	HeaderRoutingKey       = "x-routing-key"
	HeaderDeadLetterReason = "x-dead-letter-reason"
	HeaderOriginalExchange = "x-original-exchange"
)

// Message is a transport-neutral bus message.
type Message struct {
	ID          string
	Type        string
	Key         string
	ContentType string
	Body        []byte
	Headers     map[string]string
	Timestamp   time.Time
}

func (m Message) clone() Message {
	c := m
	c.Body = append([]byte(nil), m.Body...)
	c.Headers = make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		c.Headers[k] = v
	}
	return c
}

// Binding routes messages published on Exchange whose routing key matches
// RoutingKey (topic syntax, "*" and "#") into a queue.
type Binding struct {
	Exchange   string
	RoutingKey string
}

// Subscription describes the durable queue a service consumes from.
type Subscription struct {
	Queue    string
	Bindings []Binding
	Prefetch int
}

// DeadLetterQueue names the queue that holds messages Queue gave up on.
func (s Subscription) DeadLetterQueue() string {
	return s.Queue + ".dlq"
}

func (s Subscription) matches(exchange, routingKey string) bool {
	for _, b := range s.Bindings {
		if b.Exchange == exchange && MatchTopic(b.RoutingKey, routingKey) {
			return true
		}
	}
	return false
}

// Transport is an at-least-once message bus client. Implementations own their
// connections; callers create one per process and Close it on shutdown.
type Transport interface {
	// Publish durably hands msg to the bus. A nil error means the bus has
	// accepted the message.
	Publish(ctx context.Context, exchange, routingKey string, msg Message) error
	// Consume declares sub and streams its deliveries. The channel is closed
	// when ctx ends or the underlying connection is lost.
	Consume(ctx context.Context, sub Subscription) (<-chan *Delivery, error)
	Close() error
}

// Delivery is a received message awaiting exactly one settlement: Ack, Retry
// or DeadLetter.
type Delivery struct {
	Message
	Exchange   string
	RoutingKey string
	// Attempt counts deliveries of this message to the queue, starting at 1.
	Attempt int

	ack        func(ctx context.Context) error
	retry      func(ctx context.Context) error
	deadLetter func(ctx context.Context, reason string) error
}

// Ack removes the message from the queue.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.ack(ctx)
}

// Retry puts the message back on the queue with Attempt incremented.
func (d *Delivery) Retry(ctx context.Context) error {
	return d.retry(ctx)
}

// DeadLetter moves the message to the queue's dead-letter queue.
func (d *Delivery) DeadLetter(ctx context.Context, reason string) error {
	return d.deadLetter(ctx, reason)
}

func attemptOf(headers map[string]string) int {
	n, err := strconv.Atoi(headers[HeaderAttempt])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// retryCopy prepares msg for redelivery, keeping the original routing key.
func retryCopy(msg Message, routingKey string, attempt int) Message {
	c := msg.clone()
	c.Headers[HeaderAttempt] = strconv.Itoa(attempt + 1)
	c.Headers[HeaderRoutingKey] = routingKey
	return c
}

func deadLetterCopy(msg Message, exchange, routingKey, reason string) Message {
	c := msg.clone()
	c.Headers[HeaderDeadLetterReason] = reason
	c.Headers[HeaderOriginalExchange] = exchange
	c.Headers[HeaderRoutingKey] = routingKey
	return c
}
