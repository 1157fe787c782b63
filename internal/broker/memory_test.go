package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSubscription() Subscription {
	return Subscription{
		Queue: "products-service",
		Bindings: []Binding{
			{Exchange: "orders", RoutingKey: "order.created"},
			{Exchange: "orders", RoutingKey: "order.cancelled"},
		},
	}
}

func TestMemoryTransportRoutesByExchangeAndKey(t *testing.T) {
	tr := NewMemoryTransport()
	tr.Declare(testSubscription())
	ctx := context.Background()

	require.NoError(t, tr.Publish(ctx, "orders", "order.created", Message{ID: "1"}))
	require.NoError(t, tr.Publish(ctx, "orders", "order.confirmed", Message{ID: "2"}))
	require.NoError(t, tr.Publish(ctx, "payments", "order.created", Message{ID: "3"}))

	assert.Equal(t, 1, tr.Pending("products-service"))
	assert.Len(t, tr.PublishedMessages(), 3)

	d, ok := tr.Next("products-service")
	require.True(t, ok)
	assert.Equal(t, "1", d.ID)
	assert.Equal(t, "orders", d.Exchange)
	assert.Equal(t, "order.created", d.RoutingKey)
	assert.Equal(t, 1, d.Attempt)
}

func TestMemoryTransportRetryIncrementsAttempt(t *testing.T) {
	tr := NewMemoryTransport()
	tr.Declare(testSubscription())
	ctx := context.Background()
	require.NoError(t, tr.Publish(ctx, "orders", "order.created", Message{ID: "1", Body: []byte("x")}))

	d, _ := tr.Next("products-service")
	require.NoError(t, d.Retry(ctx))
	// a second settlement is ignored
	require.NoError(t, d.Ack(ctx))

	again, ok := tr.Next("products-service")
	require.True(t, ok)
	assert.Equal(t, 2, again.Attempt)
	assert.Equal(t, "order.created", again.RoutingKey)
	assert.Equal(t, []byte("x"), again.Body)
	assert.Equal(t, 0, tr.Pending("products-service"))
}

func TestMemoryTransportDeadLetter(t *testing.T) {
	tr := NewMemoryTransport()
	tr.Declare(testSubscription())
	ctx := context.Background()
	require.NoError(t, tr.Publish(ctx, "orders", "order.cancelled", Message{ID: "1"}))

	d, _ := tr.Next("products-service")
	require.NoError(t, d.DeadLetter(ctx, "malformed: bad json"))

	dead := tr.DeadLetters("products-service")
	require.Len(t, dead, 1)
	assert.Equal(t, "malformed: bad json", dead[0].Headers[HeaderDeadLetterReason])
	assert.Equal(t, "orders", dead[0].Headers[HeaderOriginalExchange])
	assert.Equal(t, 0, tr.Pending("products-service"))
}

func TestMemoryTransportConsume(t *testing.T) {
	tr := NewMemoryTransport()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := tr.Consume(ctx, testSubscription())
	require.NoError(t, err)

	require.NoError(t, tr.Publish(ctx, "orders", "order.created", Message{ID: "1"}))

	select {
	case d := <-deliveries:
		assert.Equal(t, "1", d.ID)
		require.NoError(t, d.Ack(ctx))
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}

	require.NoError(t, tr.Close())
	_, ok := <-deliveries
	assert.False(t, ok)

	assert.ErrorIs(t, tr.Publish(ctx, "orders", "order.created", Message{}), ErrClosed)
}
