package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"order-platform/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Kafka header names carrying the fields AMQP has native properties for.
const (
	kafkaHeaderMessageID   = "message-id"
	kafkaHeaderType        = "type"
	kafkaHeaderContentType = "content-type"
)

// KafkaTransport maps the topic-exchange model onto Kafka: every exchange is
// a topic, the routing key travels in a header and consumers filter on it.
// Redelivery goes through a per-queue retry topic and dead letters through a
// per-queue dlq topic.
type KafkaTransport struct {
	brokers []string
	writer  *kafka.Writer
	logger  *zap.Logger

	mu      sync.Mutex
	readers []*kafka.Reader
	closed  bool
}

// NewKafkaTransport creates a new Kafka transport
func NewKafkaTransport(brokers []string) *KafkaTransport {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}

	return &KafkaTransport{
		brokers: brokers,
		writer:  writer,
		logger:  util.GetLogger(),
	}
}

func (t *KafkaTransport) retryTopic(sub Subscription) string {
	return sub.Queue + ".retry"
}

// Publish writes msg to the exchange topic, keyed for partition affinity
func (t *KafkaTransport) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	headers := []kafka.Header{
		{Key: HeaderRoutingKey, Value: []byte(routingKey)},
		{Key: kafkaHeaderMessageID, Value: []byte(msg.ID)},
		{Key: kafkaHeaderType, Value: []byte(msg.Type)},
		{Key: kafkaHeaderContentType, Value: []byte(msg.ContentType)},
	}
	for k, v := range msg.Headers {
		if k == HeaderRoutingKey {
			continue
		}
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	err := t.writer.WriteMessages(ctx, kafka.Message{
		Topic:   exchange,
		Key:     []byte(msg.Key),
		Value:   msg.Body,
		Headers: headers,
		Time:    msg.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

// Consume joins the consumer group named after the queue
func (t *KafkaTransport) Consume(ctx context.Context, sub Subscription) (<-chan *Delivery, error) {
	topics := []string{t.retryTopic(sub)}
	seen := map[string]bool{}
	for _, b := range sub.Bindings {
		if !seen[b.Exchange] {
			seen[b.Exchange] = true
			topics = append(topics, b.Exchange)
		}
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     t.brokers,
		GroupID:     sub.Queue,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
		MaxWait:     500 * time.Millisecond,
	})

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		reader.Close()
		return nil, ErrClosed
	}
	t.readers = append(t.readers, reader)
	t.mu.Unlock()

	t.logger.Info("Starting Kafka consumer", zap.String("group", sub.Queue), zap.Strings("topics", topics))

	tracker := newCommitTracker(func(ctx context.Context, m kafka.Message) error {
		return reader.CommitMessages(ctx, m)
	})
	out := make(chan *Delivery)
	go func() {
		defer close(out)
		defer reader.Close()

		for {
			raw, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, io.EOF) {
					t.logger.Error("Error fetching message", zap.Error(err))
				}
				return
			}

			tracker.track(raw)
			d, ok := t.wrap(sub, raw, tracker)
			if !ok {
				_ = tracker.settle(ctx, raw)
				continue
			}

			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (t *KafkaTransport) wrap(sub Subscription, raw kafka.Message, tracker *commitTracker) (*Delivery, bool) {
	headers := make(map[string]string, len(raw.Headers))
	for _, h := range raw.Headers {
		headers[h.Key] = string(h.Value)
	}

	routingKey := headers[HeaderRoutingKey]
	exchange := raw.Topic
	if raw.Topic == t.retryTopic(sub) {
		exchange = headers[HeaderOriginalExchange]
	} else if !sub.matches(exchange, routingKey) {
		return nil, false
	}

	msg := Message{
		ID:          headers[kafkaHeaderMessageID],
		Type:        headers[kafkaHeaderType],
		ContentType: headers[kafkaHeaderContentType],
		Key:         string(raw.Key),
		Body:        raw.Value,
		Headers:     headers,
		Timestamp:   raw.Time,
	}
	for _, k := range []string{kafkaHeaderMessageID, kafkaHeaderType, kafkaHeaderContentType} {
		delete(msg.Headers, k)
	}

	d := &Delivery{
		Message:    msg,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Attempt:    attemptOf(headers),
	}
	d.ack = func(ctx context.Context) error {
		return tracker.settle(ctx, raw)
	}
	d.retry = func(ctx context.Context) error {
		next := retryCopy(msg, routingKey, d.Attempt)
		next.Headers[HeaderOriginalExchange] = exchange
		if err := t.Publish(ctx, t.retryTopic(sub), routingKey, next); err != nil {
			return err
		}
		return tracker.settle(ctx, raw)
	}
	d.deadLetter = func(ctx context.Context, reason string) error {
		dead := deadLetterCopy(msg, exchange, routingKey, reason)
		if err := t.Publish(ctx, sub.DeadLetterQueue(), routingKey, dead); err != nil {
			return err
		}
		return tracker.settle(ctx, raw)
	}
	return d, true
}

// Close closes the writer and every reader
func (t *KafkaTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	var lastErr error
	for _, r := range t.readers {
		if err := r.Close(); err != nil {
			lastErr = err
		}
	}
	t.readers = nil
	if err := t.writer.Close(); err != nil {
		lastErr = err
	}
	return lastErr
}

type partition struct {
	topic string
	id    int
}

type partitionState struct {
	pending []int64
	done    map[int64]kafka.Message
}

// commitTracker commits offsets only once every earlier message of the same
// partition has been settled, so concurrent handlers never commit past an
// unfinished message.
type commitTracker struct {
	commit func(ctx context.Context, m kafka.Message) error
	mu     sync.Mutex
	parts  map[partition]*partitionState
}

func newCommitTracker(commit func(ctx context.Context, m kafka.Message) error) *commitTracker {
	return &commitTracker{commit: commit, parts: make(map[partition]*partitionState)}
}

func (c *commitTracker) track(m kafka.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := partition{m.Topic, m.Partition}
	ps, ok := c.parts[key]
	if !ok {
		ps = &partitionState{done: make(map[int64]kafka.Message)}
		c.parts[key] = ps
	}
	ps.pending = append(ps.pending, m.Offset)
}

func (c *commitTracker) settle(ctx context.Context, m kafka.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ps, ok := c.parts[partition{m.Topic, m.Partition}]
	if !ok {
		return nil
	}
	ps.done[m.Offset] = m

	var last *kafka.Message
	for len(ps.pending) > 0 {
		dm, ok := ps.done[ps.pending[0]]
		if !ok {
			break
		}
		delete(ps.done, ps.pending[0])
		ps.pending = ps.pending[1:]
		last = &dm
	}
	if last == nil {
		return nil
	}
	return c.commit(ctx, *last)
}
