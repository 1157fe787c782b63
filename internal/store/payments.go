package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"order-platform/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreatePayment creates a new payment record
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (id, order_id, amount, currency, method, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	row := s.conn(ctx).QueryRowxContext(ctx, query,
		payment.ID, payment.OrderID, payment.Amount, payment.Currency, payment.Method, payment.Status)
	if err := row.Scan(&payment.CreatedAt, &payment.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("payment for order %s exists: %w", payment.OrderID, err)
		}
		return err
	}
	return nil
}

// GetPaymentByOrderID retrieves, and inside a transaction locks, the payment for an order
func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	var payment models.Payment
	err := sqlx.GetContext(ctx, s.conn(ctx), &payment,
		forUpdate(ctx, "SELECT * FROM payments WHERE order_id = $1"), orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// UpdatePayment persists payment status and gateway results
func (s *Store) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE payments
		SET status = $1, transaction_id = $2, failure_reason = $3, updated_at = NOW()
		WHERE id = $4`,
		payment.Status, payment.TransactionID, payment.FailureReason, payment.ID)
	return err
}

// CreateRefund creates a refund record
func (s *Store) CreateRefund(ctx context.Context, refund *models.Refund) error {
	return s.conn(ctx).QueryRowxContext(ctx, `
		INSERT INTO refunds (id, payment_id, order_id, amount, currency, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		refund.ID, refund.PaymentID, refund.OrderID, refund.Amount, refund.Currency, refund.Reason).
		Scan(&refund.CreatedAt)
}

// ListRefundsByOrderID retrieves refunds issued for an order
func (s *Store) ListRefundsByOrderID(ctx context.Context, orderID string) ([]models.Refund, error) {
	var refunds []models.Refund
	err := sqlx.SelectContext(ctx, s.conn(ctx), &refunds,
		"SELECT * FROM refunds WHERE order_id = $1 ORDER BY created_at", orderID)
	return refunds, err
}
