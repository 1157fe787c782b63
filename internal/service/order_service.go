package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"order-platform/internal/broker"
	"order-platform/internal/events"
	"order-platform/internal/models"
	"order-platform/internal/store"
	"order-platform/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// OrderService owns the order lifecycle
type OrderService struct {
	repo      OrderRepository
	publisher broker.Publisher
	currency  string
	logger    *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(repo OrderRepository, publisher broker.Publisher, currency string) *OrderService {
	return &OrderService{
		repo:      repo,
		publisher: publisher,
		currency:  currency,
		logger:    util.GetLogger(),
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	UserID          string             `json:"userId" binding:"required"`
	Items           []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	Currency        string             `json:"currency,omitempty"`
	ShippingAddress events.Address     `json:"shippingAddress"`
	BillingAddress  *events.Address    `json:"billingAddress,omitempty"`
	IdempotencyKey  string             `json:"idempotencyKey,omitempty"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductID       string          `json:"productId" binding:"required"`
	WarehouseID     string          `json:"warehouseId,omitempty"`
	Quantity        int             `json:"quantity" binding:"required,min=1"`
	UnitPrice       int64           `json:"unitPrice" binding:"min=0"`
	ProductSnapshot json.RawMessage `json:"productSnapshot,omitempty"`
}

// CreateOrderResponse represents the response after creating an order
type CreateOrderResponse struct {
	OrderID     string `json:"orderId"`
	Status      string `json:"status"`
	TotalAmount int64  `json:"totalAmount"`
}

func (r *CreateOrderRequest) validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidRequest)
	}
	seen := make(map[string]bool, len(r.Items))
	for _, item := range r.Items {
		if item.ProductID == "" {
			return fmt.Errorf("%w: productId is required", ErrInvalidRequest)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: quantity for %s must be positive", ErrInvalidRequest, item.ProductID)
		}
		if item.UnitPrice < 0 {
			return fmt.Errorf("%w: unitPrice for %s must not be negative", ErrInvalidRequest, item.ProductID)
		}
		if seen[item.ProductID] {
			return fmt.Errorf("%w: duplicate productId %s", ErrInvalidRequest, item.ProductID)
		}
		seen[item.ProductID] = true
	}
	return nil
}

// CreateOrder stores a pending order with order.created in the outbox and
// publishes the event once committed. A repeated idempotency key returns the
// existing order.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.repo.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
		switch {
		case err == nil:
			s.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("order_id", existing.ID))
			return &CreateOrderResponse{OrderID: existing.ID, Status: existing.Status, TotalAmount: existing.TotalAmount}, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
	}

	currency := req.Currency
	if currency == "" {
		currency = s.currency
	}

	order := &models.Order{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		Currency:       currency,
		Status:         models.OrderStatusPending,
		IdempotencyKey: req.IdempotencyKey,
	}

	shipping, err := json.Marshal(req.ShippingAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to encode shipping address: %w", err)
	}
	order.ShippingAddress = shipping
	if req.BillingAddress != nil {
		if order.BillingAddress, err = json.Marshal(req.BillingAddress); err != nil {
			return nil, fmt.Errorf("failed to encode billing address: %w", err)
		}
	}

	items := make([]models.OrderItem, 0, len(req.Items))
	lines := make([]events.LineItem, 0, len(req.Items))
	for i, item := range req.Items {
		order.TotalAmount += item.UnitPrice * int64(item.Quantity)
		items = append(items, models.OrderItem{
			OrderID:         order.ID,
			LineNo:          i + 1,
			ProductID:       item.ProductID,
			WarehouseID:     item.WarehouseID,
			Quantity:        item.Quantity,
			UnitPrice:       item.UnitPrice,
			ProductSnapshot: item.ProductSnapshot,
		})
		lines = append(lines, events.LineItem{
			ProductID:   item.ProductID,
			WarehouseID: item.WarehouseID,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		})
	}
	span.SetAttributes(attribute.String("order.id", order.ID))

	env, err := events.New(events.OrderCreated, events.SourceOrders, events.OrderCreatedData{
		OrderID:         order.ID,
		UserID:          order.UserID,
		Items:           lines,
		TotalAmount:     order.TotalAmount,
		Currency:        order.Currency,
		ShippingAddress: req.ShippingAddress,
		CreatedAt:       time.Now().UTC(),
	}, events.Metadata{CorrelationID: order.ID, UserID: order.UserID})
	if err != nil {
		return nil, err
	}

	err = s.repo.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.CreateOrder(ctx, order, items); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		return stage(ctx, s.repo, env)
	})
	if err != nil {
		return nil, err
	}
	deliver(ctx, s.repo, s.publisher, env, s.logger)

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.Int("items", len(items)),
		zap.Int64("total_amount", order.TotalAmount))

	return &CreateOrderResponse{OrderID: order.ID, Status: order.Status, TotalAmount: order.TotalAmount}, nil
}

// GetOrder retrieves an order with its items
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, []models.OrderItem, error) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	items, err := s.repo.GetOrderItems(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	return order, items, nil
}

// ListOrders retrieves the orders of a user, newest first
func (s *OrderService) ListOrders(ctx context.Context, userID string) ([]models.Order, error) {
	return s.repo.ListOrdersByUserID(ctx, userID)
}

// CancelOrder cancels an order that has not shipped yet. Cancelling a
// cancelled order returns it unchanged.
func (s *OrderService) CancelOrder(ctx context.Context, orderID, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	if reason == "" {
		reason = "Cancelled by customer"
	}

	var (
		result *models.Order
		staged *events.Envelope
	)
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		order, err := s.repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		result = order
		if order.Status == models.OrderStatusCancelled {
			return nil
		}
		if err := s.transition(order, models.OrderStatusCancelled); err != nil {
			return err
		}
		order.CancelReason = reason

		data, err := s.cancelledData(ctx, order)
		if err != nil {
			return err
		}
		env, err := events.New(events.OrderCancelled, events.SourceOrders, data,
			events.Metadata{CorrelationID: order.ID, UserID: order.UserID})
		if err != nil {
			return err
		}
		staged = &env
		return s.persist(ctx, order, env)
	})
	if err != nil {
		return nil, err
	}
	if staged == nil {
		return result, nil
	}

	deliver(ctx, s.repo, s.publisher, *staged, s.logger)
	util.OrdersCancelledTotal.WithLabelValues("manual").Inc()
	return result, nil
}

// ShipOrder moves a processing order to shipped
func (s *OrderService) ShipOrder(ctx context.Context, orderID, trackingNumber, carrier string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ShipOrder")
	defer span.End()

	var (
		result *models.Order
		staged events.Envelope
	)
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		order, err := s.repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := s.transition(order, models.OrderStatusShipped); err != nil {
			return err
		}
		order.TrackingNumber = trackingNumber
		order.Carrier = carrier
		result = order

		env, err := events.New(events.OrderShipped, events.SourceOrders, events.OrderShippedData{
			OrderID:        order.ID,
			UserID:         order.UserID,
			TrackingNumber: trackingNumber,
			Carrier:        carrier,
			ShippedAt:      time.Now().UTC(),
		}, events.Metadata{CorrelationID: order.ID, UserID: order.UserID})
		if err != nil {
			return err
		}
		staged = env
		return s.persist(ctx, order, env)
	})
	if err != nil {
		return nil, err
	}

	deliver(ctx, s.repo, s.publisher, staged, s.logger)
	return result, nil
}

// DeliverOrder moves a shipped order to delivered
func (s *OrderService) DeliverOrder(ctx context.Context, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.DeliverOrder")
	defer span.End()

	var (
		result *models.Order
		staged events.Envelope
	)
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		order, err := s.repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := s.transition(order, models.OrderStatusDelivered); err != nil {
			return err
		}
		result = order

		env, err := events.New(events.OrderDelivered, events.SourceOrders, events.OrderDeliveredData{
			OrderID:     order.ID,
			UserID:      order.UserID,
			DeliveredAt: time.Now().UTC(),
		}, events.Metadata{CorrelationID: order.ID, UserID: order.UserID})
		if err != nil {
			return err
		}
		staged = env
		return s.persist(ctx, order, env)
	})
	if err != nil {
		return nil, err
	}

	deliver(ctx, s.repo, s.publisher, staged, s.logger)
	return result, nil
}

// Register binds the order handlers on d
func (s *OrderService) Register(d *broker.Dispatcher) {
	d.Register(events.ExchangeProducts, events.InventoryReserved, s.HandleInventoryReserved)
	d.Register(events.ExchangeProducts, events.InventoryInsufficient, s.HandleInventoryInsufficient)
	d.Register(events.ExchangePayments, events.PaymentCompleted, s.HandlePaymentCompleted)
	d.Register(events.ExchangePayments, events.PaymentFailed, s.HandlePaymentFailed)
	d.Register(events.ExchangePayments, events.RefundCreated, s.HandleRefundCreated)
}

type itemReserved struct {
	OrderID     string `json:"orderId"`
	ProductID   string `json:"productId"`
	WarehouseID string `json:"warehouseId"`
}

func (e *itemReserved) Validate() error {
	if e.OrderID == "" || e.ProductID == "" {
		return errors.New("orderId and productId are required")
	}
	return nil
}

type stockShortfall struct {
	OrderID           string `json:"orderId"`
	ProductID         string `json:"productId"`
	RequestedQuantity int    `json:"requestedQuantity"`
	AvailableQuantity int    `json:"availableQuantity"`
}

func (e *stockShortfall) Validate() error {
	if e.OrderID == "" || e.ProductID == "" {
		return errors.New("orderId and productId are required")
	}
	return nil
}

type paymentOutcome struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
	Error     string `json:"error"`
}

func (e *paymentOutcome) Validate() error {
	if e.OrderID == "" || e.PaymentID == "" {
		return errors.New("orderId and paymentId are required")
	}
	return nil
}

type refundIssued struct {
	OrderID  string `json:"orderId"`
	RefundID string `json:"refundId"`
	Amount   int64  `json:"amount"`
}

func (e *refundIssued) Validate() error {
	if e.OrderID == "" || e.RefundID == "" {
		return errors.New("orderId and refundId are required")
	}
	return nil
}

// HandleInventoryReserved marks one line reserved and confirms the order once
// every line is.
func (s *OrderService) HandleInventoryReserved(ctx context.Context, env events.Envelope) error {
	var data itemReserved
	if err := env.DecodeData(&data); err != nil {
		return err
	}

	order, err := s.lockOrder(ctx, data.OrderID)
	if err != nil {
		return err
	}
	if order.Status != models.OrderStatusPending {
		s.logger.Info("Ignoring reservation for non-pending order",
			zap.String("order_id", order.ID),
			zap.String("status", order.Status),
			zap.String("product_id", data.ProductID))
		return nil
	}

	matched, err := s.repo.MarkItemReserved(ctx, order.ID, data.ProductID, data.WarehouseID)
	if err != nil {
		return fmt.Errorf("failed to mark item reserved: %w", err)
	}
	if !matched {
		s.logger.Warn("Reservation does not match any order line",
			zap.String("order_id", order.ID),
			zap.String("product_id", data.ProductID),
			zap.String("warehouse_id", data.WarehouseID))
		return nil
	}

	items, err := s.repo.GetOrderItems(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("failed to load order items: %w", err)
	}
	for _, item := range items {
		if !item.Reserved {
			return nil
		}
	}

	if err := s.transition(order, models.OrderStatusConfirmed); err != nil {
		return err
	}
	confirmed, err := events.Derive(env, events.OrderConfirmed, events.SourceOrders, order.ID, events.OrderConfirmedData{
		OrderID:     order.ID,
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount,
		Currency:    order.Currency,
		ConfirmedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	s.logger.Info("Order confirmed", zap.String("order_id", order.ID), zap.Int64("total_amount", order.TotalAmount))
	return s.save(ctx, order, confirmed)
}

// HandleInventoryInsufficient cancels the order
func (s *OrderService) HandleInventoryInsufficient(ctx context.Context, env events.Envelope) error {
	var data stockShortfall
	if err := env.DecodeData(&data); err != nil {
		return err
	}

	reason := fmt.Sprintf("Insufficient stock for product %s: requested %d, available %d",
		data.ProductID, data.RequestedQuantity, data.AvailableQuantity)
	return s.cancelFromEvent(ctx, env, data.OrderID, reason, "inventory")
}

// HandlePaymentCompleted moves a confirmed order to processing
func (s *OrderService) HandlePaymentCompleted(ctx context.Context, env events.Envelope) error {
	var data paymentOutcome
	if err := env.DecodeData(&data); err != nil {
		return err
	}

	order, err := s.lockOrder(ctx, data.OrderID)
	if err != nil {
		return err
	}
	if order.Status != models.OrderStatusConfirmed {
		s.logger.Info("Ignoring payment for order not awaiting payment",
			zap.String("order_id", order.ID),
			zap.String("status", order.Status),
			zap.String("payment_id", data.PaymentID))
		return nil
	}

	if err := s.transition(order, models.OrderStatusProcessing); err != nil {
		return err
	}
	order.PaymentID = data.PaymentID
	return s.repo.UpdateOrder(ctx, order)
}

// HandlePaymentFailed cancels the order
func (s *OrderService) HandlePaymentFailed(ctx context.Context, env events.Envelope) error {
	var data paymentOutcome
	if err := env.DecodeData(&data); err != nil {
		return err
	}

	reason := "Payment failed"
	if data.Error != "" {
		reason = "Payment failed: " + data.Error
	}
	return s.cancelFromEvent(ctx, env, data.OrderID, reason, "payment")
}

// HandleRefundCreated moves a cancelled order to refunded
func (s *OrderService) HandleRefundCreated(ctx context.Context, env events.Envelope) error {
	var data refundIssued
	if err := env.DecodeData(&data); err != nil {
		return err
	}

	order, err := s.lockOrder(ctx, data.OrderID)
	if err != nil {
		return err
	}
	if order.Status != models.OrderStatusCancelled {
		s.logger.Warn("Refund for order that is not cancelled",
			zap.String("order_id", order.ID),
			zap.String("status", order.Status))
		return nil
	}

	if err := s.transition(order, models.OrderStatusRefunded); err != nil {
		return err
	}
	s.logger.Info("Order refunded",
		zap.String("order_id", order.ID),
		zap.String("refund_id", data.RefundID),
		zap.Int64("amount", data.Amount))
	return s.repo.UpdateOrder(ctx, order)
}

func (s *OrderService) cancelFromEvent(ctx context.Context, env events.Envelope, orderID, reason, cause string) error {
	order, err := s.lockOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !models.CanTransition(order.Status, models.OrderStatusCancelled) {
		s.logger.Info("Order can no longer be cancelled",
			zap.String("order_id", order.ID),
			zap.String("status", order.Status),
			zap.String("event_type", env.EventType))
		return nil
	}

	if err := s.transition(order, models.OrderStatusCancelled); err != nil {
		return err
	}
	order.CancelReason = reason

	data, err := s.cancelledData(ctx, order)
	if err != nil {
		return err
	}
	cancelled, err := events.Derive(env, events.OrderCancelled, events.SourceOrders, order.ID, data)
	if err != nil {
		return err
	}
	if err := s.save(ctx, order, cancelled); err != nil {
		return err
	}

	util.OrdersCancelledTotal.WithLabelValues(cause).Inc()
	s.logger.Info("Order cancelled", zap.String("order_id", order.ID), zap.String("reason", reason))
	return nil
}

// lockOrder loads the order for update. A missing order is retried: the event
// may have overtaken the commit that created it.
func (s *OrderService) lockOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.repo.LockOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("order %s not found yet: %w", orderID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", orderID, err)
	}
	return order, nil
}

func (s *OrderService) transition(order *models.Order, to string) error {
	if !models.CanTransition(order.Status, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, order.Status, to)
	}
	util.OrderTransitionsTotal.WithLabelValues(order.Status, to).Inc()
	order.Status = to
	return nil
}

func (s *OrderService) cancelledData(ctx context.Context, order *models.Order) (events.OrderCancelledData, error) {
	items, err := s.repo.GetOrderItems(ctx, order.ID)
	if err != nil {
		return events.OrderCancelledData{}, fmt.Errorf("failed to load order items: %w", err)
	}

	lines := make([]events.LineItem, 0, len(items))
	for _, item := range items {
		lines = append(lines, events.LineItem{
			ProductID:   item.ProductID,
			WarehouseID: item.WarehouseID,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		})
	}
	return events.OrderCancelledData{
		OrderID:     order.ID,
		UserID:      order.UserID,
		Items:       lines,
		Reason:      order.CancelReason,
		CancelledAt: time.Now().UTC(),
	}, nil
}

// persist updates order and stages env in the outbox of the same transaction.
func (s *OrderService) persist(ctx context.Context, order *models.Order, env events.Envelope) error {
	if err := s.repo.UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return stage(ctx, s.repo, env)
}

// save updates order and publishes env from inside a handler transaction. The
// event id is derived from the cause, so a rolled back run re-emits the same id.
func (s *OrderService) save(ctx context.Context, order *models.Order, env events.Envelope) error {
	if err := s.repo.UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return s.publisher.Publish(ctx, env)
}
