package store

import (
	"context"
	"database/sql"
	"errors"

	"order-platform/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetStock retrieves stock for a product in a warehouse
func (s *Store) GetStock(ctx context.Context, productID, warehouseID string) (*models.Stock, error) {
	return s.getStock(ctx, "SELECT * FROM stock WHERE product_id = $1 AND warehouse_id = $2", productID, warehouseID)
}

// LockStock retrieves stock and, inside a transaction, locks its row
func (s *Store) LockStock(ctx context.Context, productID, warehouseID string) (*models.Stock, error) {
	return s.getStock(ctx,
		forUpdate(ctx, "SELECT * FROM stock WHERE product_id = $1 AND warehouse_id = $2"), productID, warehouseID)
}

func (s *Store) getStock(ctx context.Context, query, productID, warehouseID string) (*models.Stock, error) {
	var st models.Stock
	err := sqlx.GetContext(ctx, s.conn(ctx), &st, query, productID, warehouseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ListStock retrieves stock rows for a product across warehouses
func (s *Store) ListStock(ctx context.Context, productID string) ([]models.Stock, error) {
	var rows []models.Stock
	err := sqlx.SelectContext(ctx, s.conn(ctx), &rows,
		"SELECT * FROM stock WHERE product_id = $1 ORDER BY warehouse_id", productID)
	return rows, err
}

// SetStockAvailable sets the unreserved on-hand quantity, creating the row if needed
func (s *Store) SetStockAvailable(ctx context.Context, productID, warehouseID string, available int) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO stock (product_id, warehouse_id, available)
		VALUES ($1, $2, $3)
		ON CONFLICT (product_id, warehouse_id)
		DO UPDATE SET available = EXCLUDED.available, updated_at = NOW()`,
		productID, warehouseID, available)
	return err
}

// AdjustStock moves quantity between available and reserved
func (s *Store) AdjustStock(ctx context.Context, productID, warehouseID string, availableDelta, reservedDelta int) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE stock
		SET available = available + $1, reserved = reserved + $2, updated_at = NOW()
		WHERE product_id = $3 AND warehouse_id = $4`,
		availableDelta, reservedDelta, productID, warehouseID)
	return err
}

// GetReservation retrieves the reservation for an order line
func (s *Store) GetReservation(ctx context.Context, productID, warehouseID, orderID string) (*models.Reservation, error) {
	var r models.Reservation
	err := sqlx.GetContext(ctx, s.conn(ctx), &r,
		"SELECT * FROM reservations WHERE product_id = $1 AND warehouse_id = $2 AND order_id = $3",
		productID, warehouseID, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateReservation inserts a reservation
func (s *Store) CreateReservation(ctx context.Context, r *models.Reservation) error {
	return sqlx.GetContext(ctx, s.conn(ctx), r, `
		INSERT INTO reservations (product_id, warehouse_id, order_id, quantity, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING *`,
		r.ProductID, r.WarehouseID, r.OrderID, r.Quantity, r.Status)
}

// ListReservationsByOrder retrieves, and inside a transaction locks, every reservation of an order
func (s *Store) ListReservationsByOrder(ctx context.Context, orderID string) ([]models.Reservation, error) {
	var rows []models.Reservation
	err := sqlx.SelectContext(ctx, s.conn(ctx), &rows,
		forUpdate(ctx, "SELECT * FROM reservations WHERE order_id = $1 ORDER BY product_id, warehouse_id"), orderID)
	return rows, err
}

// SetReservationStatus updates the state of a reservation
func (s *Store) SetReservationStatus(ctx context.Context, r *models.Reservation, status string) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE reservations SET status = $1, updated_at = NOW()
		WHERE product_id = $2 AND warehouse_id = $3 AND order_id = $4`,
		status, r.ProductID, r.WarehouseID, r.OrderID)
	if err == nil {
		r.Status = status
	}
	return err
}

// MarkOrderCancelled remembers that a service saw the cancellation of an order
func (s *Store) MarkOrderCancelled(ctx context.Context, service, orderID string) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO cancelled_orders (service, order_id) VALUES ($1, $2)
		ON CONFLICT (service, order_id) DO NOTHING`,
		service, orderID)
	return err
}

// IsOrderCancelled reports whether a service saw the cancellation of an order
func (s *Store) IsOrderCancelled(ctx context.Context, service, orderID string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, s.conn(ctx), &exists,
		"SELECT EXISTS(SELECT 1 FROM cancelled_orders WHERE service = $1 AND order_id = $2)", service, orderID)
	return exists, err
}
