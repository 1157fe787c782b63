package service

import (
	"context"
	"errors"
	"testing"

	"order-platform/internal/broker"
	"order-platform/internal/events"
	"order-platform/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrderService() (*OrderService, *memStore, *broker.MemoryTransport) {
	db := newMemStore()
	bus := broker.NewMemoryTransport()
	return NewOrderService(db, broker.NewEventPublisher(bus, events.SourceOrders), "USD"), db, bus
}

func TestCreateOrderPublishesOrderCreated(t *testing.T) {
	svc, db, bus := newTestOrderService()

	resp, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID: "user-1",
		Items:  twoItems(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2000), resp.TotalAmount)

	order, items, err := svc.GetOrder(context.Background(), resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "USD", order.Currency)
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].LineNo)
	assert.Equal(t, "p2", items[1].ProductID)
	assert.Len(t, db.orders, 1)

	published := bus.PublishedMessages()
	require.Len(t, published, 1)
	assert.Equal(t, events.ExchangeOrders, published[0].Exchange)

	env, err := events.Decode(published[0].Message.Body)
	require.NoError(t, err)
	assert.Equal(t, events.OrderCreated, env.EventType)
	assert.Equal(t, resp.OrderID, env.CorrelationID())
	assert.Equal(t, "user-1", env.Metadata.UserID)

	var data events.OrderCreatedData
	require.NoError(t, env.DecodeData(&data))
	assert.Equal(t, resp.OrderID, data.OrderID)
	assert.Len(t, data.Items, 2)
	assert.Equal(t, int64(2000), data.TotalAmount)
}

func TestCreateOrderValidation(t *testing.T) {
	svc, _, bus := newTestOrderService()

	cases := map[string]*CreateOrderRequest{
		"missing user": {Items: twoItems()},
		"no items":     {UserID: "u"},
		"zero quantity": {UserID: "u", Items: []OrderItemRequest{
			{ProductID: "p1", Quantity: 0},
		}},
		"duplicate product": {UserID: "u", Items: []OrderItemRequest{
			{ProductID: "p1", Quantity: 1},
			{ProductID: "p1", Quantity: 2},
		}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateOrder(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Empty(t, bus.PublishedMessages())
}

func TestCreateOrderIdempotencyKey(t *testing.T) {
	svc, db, bus := newTestOrderService()
	req := &CreateOrderRequest{UserID: "u", Items: twoItems(), IdempotencyKey: "key-1"}

	first, err := svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Len(t, db.orders, 1)
	assert.Len(t, bus.PublishedMessages(), 1)
}

func TestCreateOrderKeepsEventInOutboxWhenPublishFails(t *testing.T) {
	svc, db, bus := newTestOrderService()
	bus.PublishErr = errors.New("broker down")

	resp, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{UserID: "u", Items: twoItems()})
	require.NoError(t, err)
	assert.Len(t, db.orders, 1)
	assert.Empty(t, bus.PublishedMessages())

	pending := db.pendingOutbox(events.SourceOrders)
	require.Len(t, pending, 1)
	assert.Equal(t, events.OrderCreated, pending[0].EventType)

	bus.PublishErr = nil
	relay := NewOutboxRelay(db, broker.NewEventPublisher(bus, events.SourceOrders), events.SourceOrders, 0, 0)
	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, db.pendingOutbox(events.SourceOrders))

	published := bus.PublishedMessages()
	require.Len(t, published, 1)
	env, err := events.Decode(published[0].Message.Body)
	require.NoError(t, err)
	assert.Equal(t, pending[0].EventID, env.EventID)
	assert.Equal(t, resp.OrderID, env.CorrelationID())
}

func TestCreateOrderPublishesNothingWhenCommitFails(t *testing.T) {
	svc, db, bus := newTestOrderService()
	db.commitErr = errors.New("commit failed")

	_, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{UserID: "u", Items: twoItems()})
	require.Error(t, err)
	assert.Empty(t, db.orders)
	assert.Empty(t, db.pendingOutbox(events.SourceOrders))
	assert.Empty(t, bus.PublishedMessages())
}

func TestCreateOrderMarksOutboxPublished(t *testing.T) {
	svc, db, _ := newTestOrderService()

	_, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{UserID: "u", Items: twoItems()})
	require.NoError(t, err)
	require.Len(t, db.outbox, 1)
	assert.Empty(t, db.pendingOutbox(events.SourceOrders))
}

func TestCancelOrderStagesNothingWhenCommitFails(t *testing.T) {
	svc, db, bus := newTestOrderService()
	resp, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{UserID: "u", Items: twoItems()})
	require.NoError(t, err)

	db.commitErr = errors.New("commit failed")
	_, err = svc.CancelOrder(context.Background(), resp.OrderID, "")
	require.Error(t, err)
	assert.Equal(t, models.OrderStatusPending, db.orders[resp.OrderID].Status)
	assert.Len(t, bus.PublishedMessages(), 1)
}

func TestShipAndDeliver(t *testing.T) {
	svc, db, bus := newTestOrderService()
	resp, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{UserID: "u", Items: twoItems()})
	require.NoError(t, err)

	_, err = svc.ShipOrder(context.Background(), resp.OrderID, "1Z999", "UPS")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	order := db.orders[resp.OrderID]
	order.Status = models.OrderStatusProcessing
	db.orders[resp.OrderID] = order

	shipped, err := svc.ShipOrder(context.Background(), resp.OrderID, "1Z999", "UPS")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusShipped, shipped.Status)
	assert.Equal(t, "1Z999", db.orders[resp.OrderID].TrackingNumber)

	_, err = svc.CancelOrder(context.Background(), resp.OrderID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	delivered, err := svc.DeliverOrder(context.Background(), resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusDelivered, delivered.Status)

	var types []string
	for _, p := range bus.PublishedMessages() {
		types = append(types, p.RoutingKey)
	}
	assert.Equal(t, []string{events.OrderCreated, events.OrderShipped, events.OrderDelivered}, types)
}

func TestCancelOrderIsIdempotent(t *testing.T) {
	svc, _, bus := newTestOrderService()
	resp, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{UserID: "u", Items: twoItems()})
	require.NoError(t, err)

	first, err := svc.CancelOrder(context.Background(), resp.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, first.Status)
	assert.Equal(t, "Cancelled by customer", first.CancelReason)

	_, err = svc.CancelOrder(context.Background(), resp.OrderID, "again")
	require.NoError(t, err)

	cancelled := 0
	for _, p := range bus.PublishedMessages() {
		if p.RoutingKey == events.OrderCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 1, cancelled)
}

func TestMalformedPayloadIsRejected(t *testing.T) {
	svc, _, _ := newTestOrderService()
	env, err := events.New(events.InventoryReserved, events.SourceProducts, map[string]string{"orderId": "o-1"}, events.Metadata{})
	require.NoError(t, err)

	err = svc.HandleInventoryReserved(context.Background(), env)
	assert.ErrorIs(t, err, events.ErrMalformed)
}
