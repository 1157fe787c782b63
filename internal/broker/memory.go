package broker

import (
	"context"
	"sync"
)

// MemoryTransport is an in-process topic bus. It keeps the queue, binding and
// dead-letter semantics of the real transports and lets tests step deliveries
// one at a time with Next.
type MemoryTransport struct {
	mu        sync.Mutex
	subs      map[string]Subscription
	queues    map[string][]*Delivery
	dead      map[string][]*Delivery
	published []Published
	notify    chan struct{}
	closed    bool
	// PublishErr, when set, fails every Publish call.
	PublishErr error
}

// Published records a message accepted by MemoryTransport.
type Published struct {
	Exchange   string
	RoutingKey string
	Message    Message
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		subs:   make(map[string]Subscription),
		queues: make(map[string][]*Delivery),
		dead:   make(map[string][]*Delivery),
		notify: make(chan struct{}),
	}
}

// Declare registers a queue and its bindings without consuming from it.
func (t *MemoryTransport) Declare(sub Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[sub.Queue] = sub
}

func (t *MemoryTransport) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.PublishErr != nil {
		return t.PublishErr
	}

	t.published = append(t.published, Published{Exchange: exchange, RoutingKey: routingKey, Message: msg.clone()})
	for queue, sub := range t.subs {
		if sub.matches(exchange, routingKey) {
			t.enqueueLocked(queue, exchange, routingKey, msg.clone())
		}
	}
	return nil
}

func (t *MemoryTransport) enqueueLocked(queue, exchange, routingKey string, msg Message) {
	d := &Delivery{
		Message:    msg,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Attempt:    attemptOf(msg.Headers),
	}

	var once sync.Once
	settle := func(fn func()) {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			fn()
		})
	}
	d.ack = func(context.Context) error {
		settle(func() {})
		return nil
	}
	d.retry = func(context.Context) error {
		settle(func() {
			t.enqueueLocked(queue, exchange, routingKey, retryCopy(d.Message, routingKey, d.Attempt))
		})
		return nil
	}
	d.deadLetter = func(_ context.Context, reason string) error {
		settle(func() {
			dl := *d
			dl.Message = deadLetterCopy(d.Message, exchange, routingKey, reason)
			t.dead[queue] = append(t.dead[queue], &dl)
		})
		return nil
	}

	t.queues[queue] = append(t.queues[queue], d)
	close(t.notify)
	t.notify = make(chan struct{})
}

// Next pops the oldest pending delivery of queue without blocking.
func (t *MemoryTransport) Next(queue string) (*Delivery, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.queues[queue]
	if len(q) == 0 {
		return nil, false
	}
	t.queues[queue] = q[1:]
	return q[0], true
}

// Pending returns the number of deliveries waiting in queue.
func (t *MemoryTransport) Pending(queue string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues[queue])
}

// DeadLetters returns the messages dead-lettered from queue.
func (t *MemoryTransport) DeadLetters(queue string) []*Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Delivery(nil), t.dead[queue]...)
}

// PublishedMessages returns every accepted message in publish order.
func (t *MemoryTransport) PublishedMessages() []Published {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Published(nil), t.published...)
}

func (t *MemoryTransport) Consume(ctx context.Context, sub Subscription) (<-chan *Delivery, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.subs[sub.Queue] = sub
	t.mu.Unlock()

	out := make(chan *Delivery)
	go func() {
		defer close(out)
		for {
			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				return
			}
			wait := t.notify
			t.mu.Unlock()

			if d, ok := t.Next(sub.Queue); ok {
				select {
				case out <- d:
				case <-ctx.Done():
					t.mu.Lock()
					t.queues[sub.Queue] = append([]*Delivery{d}, t.queues[sub.Queue]...)
					t.mu.Unlock()
					return
				}
				continue
			}

			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.notify)
		t.notify = make(chan struct{})
	}
	return nil
}
