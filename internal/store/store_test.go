package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"order-platform/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStore connects to TEST_DATABASE_URL; the tests are skipped without it.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - requires database")
	}

	store, err := NewStore(url)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	order := &models.Order{
		ID:             uuid.NewString(),
		UserID:         "user-123",
		TotalAmount:    1500,
		Currency:       "USD",
		Status:         models.OrderStatusPending,
		IdempotencyKey: uuid.NewString(),
	}
	items := []models.OrderItem{
		{ProductID: "p1", WarehouseID: "main", Quantity: 1, UnitPrice: 1000},
		{ProductID: "p2", WarehouseID: "main", Quantity: 1, UnitPrice: 500},
	}
	require.NoError(t, store.CreateOrder(ctx, order, items))

	retrieved, err := store.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.UserID, retrieved.UserID)
	assert.Equal(t, order.TotalAmount, retrieved.TotalAmount)

	byKey, err := store.GetOrderByIdempotencyKey(ctx, order.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, order.ID, byKey.ID)

	stored, err := store.GetOrderItems(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	first, err := store.MarkItemReserved(ctx, order.ID, "p1", "main")
	require.NoError(t, err)
	assert.True(t, first)
	again, err := store.MarkItemReserved(ctx, order.ID, "p1", "main")
	require.NoError(t, err)
	assert.False(t, again)

	_, err = store.GetOrderByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimEventRollsBackWithTransaction(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ev := models.ProcessedEvent{
		Service:       "orders-service",
		EventID:       uuid.NewString(),
		EventType:     "inventory.reserved",
		CorrelationID: uuid.NewString(),
	}

	boom := errors.New("handler failed")
	err := store.InTx(ctx, func(ctx context.Context) error {
		claimed, err := store.ClaimEvent(ctx, ev)
		require.NoError(t, err)
		assert.True(t, claimed)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	processed, err := store.IsEventProcessed(ctx, ev.Service, ev.EventID)
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, store.InTx(ctx, func(ctx context.Context) error {
		claimed, err := store.ClaimEvent(ctx, ev)
		require.NoError(t, err)
		assert.True(t, claimed)
		return nil
	}))

	claimed, err := store.ClaimEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, claimed)

	log, err := store.SagaLog(ctx, ev.CorrelationID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, ev.EventType, log[0].EventType)
}

func TestStockReservation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	productID := uuid.NewString()
	orderID := uuid.NewString()
	require.NoError(t, store.SetStockAvailable(ctx, productID, "main", 5))

	require.NoError(t, store.InTx(ctx, func(ctx context.Context) error {
		st, err := store.LockStock(ctx, productID, "main")
		require.NoError(t, err)
		assert.Equal(t, 5, st.Available)

		if err := store.AdjustStock(ctx, productID, "main", -2, 2); err != nil {
			return err
		}
		return store.CreateReservation(ctx, &models.Reservation{
			ProductID:   productID,
			WarehouseID: "main",
			OrderID:     orderID,
			Quantity:    2,
			Status:      models.ReservationReserved,
		})
	}))

	st, err := store.GetStock(ctx, productID, "main")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Available)
	assert.Equal(t, 2, st.Reserved)

	err = store.AdjustStock(ctx, productID, "main", -10, 10)
	assert.Error(t, err, "available must never go negative")

	reservations, err := store.ListReservationsByOrder(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, reservations, 1)
	require.NoError(t, store.SetReservationStatus(ctx, &reservations[0], models.ReservationReleased))

	r, err := store.GetReservation(ctx, productID, "main", orderID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationReleased, r.Status)
}

func TestCancellationTombstones(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	orderID := uuid.NewString()

	cancelled, err := store.IsOrderCancelled(ctx, "payments-service", orderID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	require.NoError(t, store.MarkOrderCancelled(ctx, "payments-service", orderID))
	require.NoError(t, store.MarkOrderCancelled(ctx, "payments-service", orderID))

	cancelled, err = store.IsOrderCancelled(ctx, "payments-service", orderID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	cancelled, err = store.IsOrderCancelled(ctx, "products-service", orderID)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestOutboxRollsBackAndMarksPublished(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	source := "test-" + uuid.NewString()

	rolledBack := &models.OutboxMessage{EventID: uuid.NewString(), Source: source, EventType: "order.created", Payload: []byte(`{"n":1}`)}
	err := store.InTx(ctx, func(ctx context.Context) error {
		require.NoError(t, store.EnqueueOutbox(ctx, rolledBack))
		return errors.New("abort")
	})
	require.Error(t, err)

	first := &models.OutboxMessage{EventID: uuid.NewString(), Source: source, EventType: "order.created", Payload: []byte(`{"n":2}`)}
	second := &models.OutboxMessage{EventID: uuid.NewString(), Source: source, EventType: "order.cancelled", Payload: []byte(`{"n":3}`)}
	require.NoError(t, store.EnqueueOutbox(ctx, first))
	require.NoError(t, store.EnqueueOutbox(ctx, second))
	require.NoError(t, store.EnqueueOutbox(ctx, first))

	pending, err := store.ListPendingOutbox(ctx, source, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.EventID, pending[0].EventID)

	require.NoError(t, store.MarkOutboxPublished(ctx, first.EventID))
	pending, err = store.ListPendingOutbox(ctx, source, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.EventID, pending[0].EventID)
}

func TestProductsRejectDuplicateSKU(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sku := "SKU-" + uuid.NewString()

	p := &models.Product{ID: uuid.NewString(), Name: "Widget", SKU: sku, Price: 100, IsActive: true}
	require.NoError(t, store.CreateProduct(ctx, p))

	dup := &models.Product{ID: uuid.NewString(), Name: "Other", SKU: sku, Price: 200, IsActive: true}
	assert.ErrorIs(t, store.CreateProduct(ctx, dup), ErrConflict)

	p.Price = 250
	require.NoError(t, store.UpdateProduct(ctx, p))
	got, err := store.LockProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(250), got.Price)

	_, err = store.LockProduct(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}
