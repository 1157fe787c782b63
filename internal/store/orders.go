package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"order-platform/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, user_id, total_amount, currency, status, shipping_address, billing_address,
	cancel_reason, payment_id, tracking_number, carrier, COALESCE(idempotency_key, '') AS idempotency_key,
	created_at, updated_at`

// CreateOrder inserts an order together with its items
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		query := `
			INSERT INTO orders (id, user_id, total_amount, currency, status, shipping_address, billing_address, idempotency_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
			RETURNING created_at, updated_at`

		row := s.conn(ctx).QueryRowxContext(ctx, query,
			order.ID, order.UserID, order.TotalAmount, order.Currency, order.Status,
			jsonText(order.ShippingAddress), jsonText(order.BillingAddress), order.IdempotencyKey)
		if err := row.Scan(&order.CreatedAt, &order.UpdatedAt); err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}

		for _, item := range items {
			_, err := s.conn(ctx).ExecContext(ctx, `
				INSERT INTO order_items (order_id, line_no, product_id, warehouse_id, quantity, unit_price, product_snapshot)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				order.ID, item.LineNo, item.ProductID, item.WarehouseID, item.Quantity, item.UnitPrice,
				jsonText(item.ProductSnapshot))
			if err != nil {
				return fmt.Errorf("failed to insert order item %d: %w", item.LineNo, err)
			}
		}
		return nil
	})
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	return s.getOrder(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
}

// LockOrder retrieves an order and, inside a transaction, locks its row
func (s *Store) LockOrder(ctx context.Context, id string) (*models.Order, error) {
	return s.getOrder(ctx, forUpdate(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1"), id)
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	return s.getOrder(ctx, "SELECT "+orderColumns+" FROM orders WHERE idempotency_key = $1", key)
}

func (s *Store) getOrder(ctx context.Context, query string, arg any) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, s.conn(ctx), &order, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrder persists the mutable order fields
func (s *Store) UpdateOrder(ctx context.Context, order *models.Order) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE orders
		SET status = $1, cancel_reason = $2, payment_id = $3, tracking_number = $4, carrier = $5, updated_at = NOW()
		WHERE id = $6`,
		order.Status, order.CancelReason, order.PaymentID, order.TrackingNumber, order.Carrier, order.ID)
	return err
}

// ListOrdersByUserID retrieves orders for a user
func (s *Store) ListOrdersByUserID(ctx context.Context, userID string) ([]models.Order, error) {
	var orders []models.Order
	err := sqlx.SelectContext(ctx, s.conn(ctx), &orders,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return orders, err
}

// GetOrderItems retrieves all items for an order in line order
func (s *Store) GetOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := sqlx.SelectContext(ctx, s.conn(ctx), &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY line_no", orderID)
	return items, err
}

// MarkItemReserved flags the line matching product and warehouse as reserved.
// It reports whether a line matched.
func (s *Store) MarkItemReserved(ctx context.Context, orderID, productID, warehouseID string) (bool, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE order_items SET reserved = TRUE
		WHERE order_id = $1 AND product_id = $2 AND (warehouse_id = $3 OR warehouse_id = '')`,
		orderID, productID, warehouseID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// jsonText converts raw JSON to a text parameter; lib/pq sends []byte as bytea.
func jsonText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
