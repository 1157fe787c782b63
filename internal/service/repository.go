package service

import (
	"context"
	"errors"

	"order-platform/internal/models"
)

var (
	// ErrInvalidRequest is returned for requests that fail validation.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidTransition is returned when an order cannot move to the requested status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TxRunner runs fn in a transaction carried by the context passed to it.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Outbox holds events committed together with the state change that caused
// them. Implemented by store.Store.
type Outbox interface {
	EnqueueOutbox(ctx context.Context, msg *models.OutboxMessage) error
	ListPendingOutbox(ctx context.Context, source string, limit int) ([]models.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, eventID string) error
}

// OrderRepository persists orders. Implemented by store.Store.
type OrderRepository interface {
	TxRunner
	Outbox
	CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	LockOrder(ctx context.Context, id string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	UpdateOrder(ctx context.Context, order *models.Order) error
	ListOrdersByUserID(ctx context.Context, userID string) ([]models.Order, error)
	GetOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error)
	MarkItemReserved(ctx context.Context, orderID, productID, warehouseID string) (bool, error)
}

// CancellationLog records orders a service has seen cancelled.
type CancellationLog interface {
	MarkOrderCancelled(ctx context.Context, service, orderID string) error
	IsOrderCancelled(ctx context.Context, service, orderID string) (bool, error)
}

// InventoryRepository persists stock and reservations. Implemented by store.Store.
type InventoryRepository interface {
	TxRunner
	CancellationLog
	Outbox
	CreateProduct(ctx context.Context, p *models.Product) error
	LockProduct(ctx context.Context, id string) (*models.Product, error)
	UpdateProduct(ctx context.Context, p *models.Product) error
	LockStock(ctx context.Context, productID, warehouseID string) (*models.Stock, error)
	ListStock(ctx context.Context, productID string) ([]models.Stock, error)
	SetStockAvailable(ctx context.Context, productID, warehouseID string, available int) error
	AdjustStock(ctx context.Context, productID, warehouseID string, availableDelta, reservedDelta int) error
	GetReservation(ctx context.Context, productID, warehouseID, orderID string) (*models.Reservation, error)
	CreateReservation(ctx context.Context, r *models.Reservation) error
	ListReservationsByOrder(ctx context.Context, orderID string) ([]models.Reservation, error)
	SetReservationStatus(ctx context.Context, r *models.Reservation, status string) error
}

// PaymentRepository persists payments and refunds. Implemented by store.Store.
type PaymentRepository interface {
	TxRunner
	CancellationLog
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error)
	UpdatePayment(ctx context.Context, payment *models.Payment) error
	CreateRefund(ctx context.Context, refund *models.Refund) error
	ListRefundsByOrderID(ctx context.Context, orderID string) ([]models.Refund, error)
}
