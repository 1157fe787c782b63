package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-platform/internal/broker"
	"order-platform/internal/events"
	"order-platform/internal/models"
	"order-platform/internal/store"
	"order-platform/internal/util"

	"go.uber.org/zap"
)

// InventoryService reserves stock for new orders and releases it on cancellation
type InventoryService struct {
	repo             InventoryRepository
	publisher        broker.Publisher
	defaultWarehouse string
	logger           *zap.Logger
}

// NewInventoryService creates a new inventory service
func NewInventoryService(repo InventoryRepository, publisher broker.Publisher, defaultWarehouse string) *InventoryService {
	return &InventoryService{
		repo:             repo,
		publisher:        publisher,
		defaultWarehouse: defaultWarehouse,
		logger:           util.GetLogger(),
	}
}

// Register binds the inventory handlers on d
func (is *InventoryService) Register(d *broker.Dispatcher) {
	d.Register(events.ExchangeOrders, events.OrderCreated, is.HandleOrderCreated)
	d.Register(events.ExchangeOrders, events.OrderCancelled, is.HandleOrderCancelled)
}

type orderLines struct {
	OrderID string `json:"orderId"`
	Items   []struct {
		ProductID   string `json:"productId"`
		WarehouseID string `json:"warehouseId"`
		Quantity    int    `json:"quantity"`
	} `json:"items"`
}

func (e *orderLines) Validate() error {
	if e.OrderID == "" {
		return errors.New("orderId is required")
	}
	if len(e.Items) == 0 {
		return errors.New("items are required")
	}
	for _, item := range e.Items {
		if item.ProductID == "" || item.Quantity <= 0 {
			return errors.New("every item needs a productId and a positive quantity")
		}
	}
	return nil
}

type orderRef struct {
	OrderID string `json:"orderId"`
}

func (e *orderRef) Validate() error {
	if e.OrderID == "" {
		return errors.New("orderId is required")
	}
	return nil
}

// HandleOrderCreated reserves each line in order and stops at the first one
// that cannot be covered. Lines already reserved stay reserved until the
// order is cancelled.
func (is *InventoryService) HandleOrderCreated(ctx context.Context, env events.Envelope) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.HandleOrderCreated")
	defer span.End()

	var data orderLines
	if err := env.DecodeData(&data); err != nil {
		return err
	}

	cancelled, err := is.repo.IsOrderCancelled(ctx, events.SourceProducts, data.OrderID)
	if err != nil {
		return fmt.Errorf("failed to check cancellation: %w", err)
	}
	if cancelled {
		is.logger.Info("Skipping reservation for cancelled order", zap.String("order_id", data.OrderID))
		return nil
	}

	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	for _, item := range data.Items {
		warehouse := item.WarehouseID
		if warehouse == "" {
			warehouse = is.defaultWarehouse
		}

		ok, err := is.reserve(ctx, env, data.OrderID, item.ProductID, warehouse, item.Quantity)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	return nil
}

// reserve holds quantity of one product and publishes the result. It reports
// false when stock was insufficient.
func (is *InventoryService) reserve(ctx context.Context, cause events.Envelope, orderID, productID, warehouse string, quantity int) (bool, error) {
	key := productID + "|" + warehouse

	existing, err := is.repo.GetReservation(ctx, productID, warehouse, orderID)
	switch {
	case err == nil:
		if existing.Status != models.ReservationReserved {
			return false, nil
		}
		is.logger.Info("Reservation already held",
			zap.String("order_id", orderID),
			zap.String("product_id", productID))
		return true, is.publishReserved(ctx, cause, key, existing)
	case !errors.Is(err, store.ErrNotFound):
		return false, fmt.Errorf("failed to load reservation: %w", err)
	}

	available := 0
	stock, err := is.repo.LockStock(ctx, productID, warehouse)
	switch {
	case err == nil:
		available = stock.Available
	case !errors.Is(err, store.ErrNotFound):
		return false, fmt.Errorf("failed to lock stock: %w", err)
	}

	if available < quantity {
		util.InventoryReservationsTotal.WithLabelValues("insufficient").Inc()
		is.logger.Warn("Insufficient stock",
			zap.String("order_id", orderID),
			zap.String("product_id", productID),
			zap.String("warehouse_id", warehouse),
			zap.Int("requested", quantity),
			zap.Int("available", available))

		env, err := events.Derive(cause, events.InventoryInsufficient, events.SourceProducts, key, events.InventoryInsufficientData{
			OrderID:           orderID,
			ProductID:         productID,
			WarehouseID:       warehouse,
			RequestedQuantity: quantity,
			AvailableQuantity: available,
			Reason:            "insufficient_stock",
		})
		if err != nil {
			return false, err
		}
		return false, is.publisher.Publish(ctx, env)
	}

	if err := is.repo.AdjustStock(ctx, productID, warehouse, -quantity, quantity); err != nil {
		return false, fmt.Errorf("failed to reserve stock: %w", err)
	}
	r := &models.Reservation{
		ProductID:   productID,
		WarehouseID: warehouse,
		OrderID:     orderID,
		Quantity:    quantity,
		Status:      models.ReservationReserved,
	}
	if err := is.repo.CreateReservation(ctx, r); err != nil {
		return false, fmt.Errorf("failed to create reservation: %w", err)
	}

	util.InventoryReservationsTotal.WithLabelValues("reserved").Inc()
	return true, is.publishReserved(ctx, cause, key, r)
}

func (is *InventoryService) publishReserved(ctx context.Context, cause events.Envelope, key string, r *models.Reservation) error {
	env, err := events.Derive(cause, events.InventoryReserved, events.SourceProducts, key, events.InventoryReservedData{
		OrderID:     r.OrderID,
		ProductID:   r.ProductID,
		WarehouseID: r.WarehouseID,
		Quantity:    r.Quantity,
		ReservedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return is.publisher.Publish(ctx, env)
}

// HandleOrderCancelled releases every held reservation of the order. Released
// reservations are skipped, so repeats change nothing.
func (is *InventoryService) HandleOrderCancelled(ctx context.Context, env events.Envelope) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.HandleOrderCancelled")
	defer span.End()

	var data orderRef
	if err := env.DecodeData(&data); err != nil {
		return err
	}

	if err := is.repo.MarkOrderCancelled(ctx, events.SourceProducts, data.OrderID); err != nil {
		return fmt.Errorf("failed to record cancellation: %w", err)
	}

	reservations, err := is.repo.ListReservationsByOrder(ctx, data.OrderID)
	if err != nil {
		return fmt.Errorf("failed to load reservations: %w", err)
	}

	released := 0
	for i := range reservations {
		r := &reservations[i]
		if r.Status != models.ReservationReserved {
			continue
		}
		if _, err := is.repo.LockStock(ctx, r.ProductID, r.WarehouseID); err != nil {
			return fmt.Errorf("failed to lock stock: %w", err)
		}
		if err := is.repo.AdjustStock(ctx, r.ProductID, r.WarehouseID, r.Quantity, -r.Quantity); err != nil {
			return fmt.Errorf("failed to release stock: %w", err)
		}
		if err := is.repo.SetReservationStatus(ctx, r, models.ReservationReleased); err != nil {
			return fmt.Errorf("failed to release reservation: %w", err)
		}
		released++
	}

	util.InventoryReleasesTotal.Add(float64(released))
	is.logger.Info("Reservations released", zap.String("order_id", data.OrderID), zap.Int("released", released))
	return nil
}

// SetStock sets the unreserved quantity of a product in a warehouse
func (is *InventoryService) SetStock(ctx context.Context, productID, warehouseID string, available int) error {
	if productID == "" || available < 0 {
		return fmt.Errorf("%w: productId is required and available must not be negative", ErrInvalidRequest)
	}
	if warehouseID == "" {
		warehouseID = is.defaultWarehouse
	}
	return is.repo.SetStockAvailable(ctx, productID, warehouseID, available)
}

// GetStock lists the stock of a product across warehouses
func (is *InventoryService) GetStock(ctx context.Context, productID string) ([]models.Stock, error) {
	return is.repo.ListStock(ctx, productID)
}
