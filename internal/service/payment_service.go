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

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaymentService charges confirmed orders and refunds cancelled ones
type PaymentService struct {
	repo      PaymentRepository
	publisher broker.Publisher
	gateway   Gateway
	currency  string
	method    string
	logger    *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(repo PaymentRepository, publisher broker.Publisher, gateway Gateway, currency, method string) *PaymentService {
	return &PaymentService{
		repo:      repo,
		publisher: publisher,
		gateway:   gateway,
		currency:  currency,
		method:    method,
		logger:    util.GetLogger(),
	}
}

// Register binds the payment handlers on d
func (ps *PaymentService) Register(d *broker.Dispatcher) {
	d.Register(events.ExchangeOrders, events.OrderConfirmed, ps.HandleOrderConfirmed)
	d.Register(events.ExchangeOrders, events.OrderCancelled, ps.HandleOrderCancelled)
}

type orderToCharge struct {
	OrderID     string `json:"orderId"`
	TotalAmount int64  `json:"totalAmount"`
	Currency    string `json:"currency"`
}

func (e *orderToCharge) Validate() error {
	if e.OrderID == "" {
		return errors.New("orderId is required")
	}
	if e.TotalAmount < 0 {
		return errors.New("totalAmount must not be negative")
	}
	return nil
}

type orderToRefund struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

func (e *orderToRefund) Validate() error {
	if e.OrderID == "" {
		return errors.New("orderId is required")
	}
	return nil
}

// HandleOrderConfirmed creates the payment, charges it and publishes the outcome
func (ps *PaymentService) HandleOrderConfirmed(ctx context.Context, env events.Envelope) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandleOrderConfirmed")
	defer span.End()

	var data orderToCharge
	if err := env.DecodeData(&data); err != nil {
		return err
	}

	cancelled, err := ps.repo.IsOrderCancelled(ctx, events.SourcePayments, data.OrderID)
	if err != nil {
		return fmt.Errorf("failed to check cancellation: %w", err)
	}
	if cancelled {
		ps.logger.Info("Skipping payment for cancelled order", zap.String("order_id", data.OrderID))
		return nil
	}

	existing, err := ps.repo.GetPaymentByOrderID(ctx, data.OrderID)
	if err == nil {
		ps.logger.Info("Payment already exists for order",
			zap.String("order_id", data.OrderID),
			zap.String("payment_id", existing.ID),
			zap.String("status", existing.Status))
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to load payment: %w", err)
	}

	currency := data.Currency
	if currency == "" {
		currency = ps.currency
	}
	payment := &models.Payment{
		ID:       uuid.NewString(),
		OrderID:  data.OrderID,
		Amount:   data.TotalAmount,
		Currency: currency,
		Method:   ps.method,
		Status:   models.PaymentStatusPending,
	}
	if err := ps.repo.CreatePayment(ctx, payment); err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}

	payment.Status = models.PaymentStatusProcessing
	if err := ps.repo.UpdatePayment(ctx, payment); err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}
	if err := ps.emit(ctx, env, events.PaymentInitiated, payment, nil); err != nil {
		return err
	}

	ps.logger.Info("Processing payment",
		zap.String("order_id", payment.OrderID),
		zap.String("payment_id", payment.ID),
		zap.Int64("amount", payment.Amount))

	util.PaymentAttemptsTotal.Inc()
	start := time.Now()
	txID, err := ps.gateway.Charge(ctx, ChargeRequest{
		IdempotencyKey: payment.OrderID,
		OrderID:        payment.OrderID,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		Method:         payment.Method,
	})
	util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())

	var declined *DeclinedError
	switch {
	case err == nil:
		payment.Status = models.PaymentStatusCompleted
		payment.TransactionID = txID
		if err := ps.repo.UpdatePayment(ctx, payment); err != nil {
			return fmt.Errorf("failed to update payment status: %w", err)
		}
		util.PaymentSuccessTotal.Inc()
		ps.logger.Info("Payment succeeded", zap.String("order_id", payment.OrderID), zap.String("tx_id", txID))
		return ps.emit(ctx, env, events.PaymentCompleted, payment, nil)

	case errors.As(err, &declined):
		payment.Status = models.PaymentStatusFailed
		payment.FailureReason = declined.Message
		if err := ps.repo.UpdatePayment(ctx, payment); err != nil {
			return fmt.Errorf("failed to update payment status: %w", err)
		}
		util.PaymentFailedTotal.WithLabelValues(declined.Code).Inc()
		ps.logger.Warn("Payment failed", zap.String("order_id", payment.OrderID), zap.String("code", declined.Code))
		return ps.emit(ctx, env, events.PaymentFailed, payment, declined)

	default:
		return fmt.Errorf("payment gateway error: %w", err)
	}
}

// HandleOrderCancelled refunds a completed payment in full and remembers the
// cancellation so a late order.confirmed is not charged.
func (ps *PaymentService) HandleOrderCancelled(ctx context.Context, env events.Envelope) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandleOrderCancelled")
	defer span.End()

	var data orderToRefund
	if err := env.DecodeData(&data); err != nil {
		return err
	}

	if err := ps.repo.MarkOrderCancelled(ctx, events.SourcePayments, data.OrderID); err != nil {
		return fmt.Errorf("failed to record cancellation: %w", err)
	}

	payment, err := ps.repo.GetPaymentByOrderID(ctx, data.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		ps.logger.Info("No payment to refund", zap.String("order_id", data.OrderID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load payment: %w", err)
	}
	if payment.Status != models.PaymentStatusCompleted {
		ps.logger.Info("Payment not refundable",
			zap.String("order_id", data.OrderID),
			zap.String("payment_id", payment.ID),
			zap.String("status", payment.Status))
		return nil
	}

	if _, err := ps.gateway.Refund(ctx, RefundRequest{
		IdempotencyKey: "refund-" + payment.OrderID,
		TransactionID:  payment.TransactionID,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
	}); err != nil {
		return fmt.Errorf("refund gateway error: %w", err)
	}

	reason := data.Reason
	if reason == "" {
		reason = "Order cancelled"
	}
	refund := &models.Refund{
		ID:        uuid.NewString(),
		PaymentID: payment.ID,
		OrderID:   payment.OrderID,
		Amount:    payment.Amount,
		Currency:  payment.Currency,
		Reason:    reason,
	}
	if err := ps.repo.CreateRefund(ctx, refund); err != nil {
		return fmt.Errorf("failed to create refund: %w", err)
	}

	payment.Status = models.PaymentStatusRefunded
	if err := ps.repo.UpdatePayment(ctx, payment); err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}

	out, err := events.Derive(env, events.RefundCreated, events.SourcePayments, payment.OrderID, events.RefundCreatedData{
		RefundID:  refund.ID,
		PaymentID: payment.ID,
		OrderID:   payment.OrderID,
		Amount:    refund.Amount,
		Currency:  refund.Currency,
		Reason:    refund.Reason,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := ps.publisher.Publish(ctx, out); err != nil {
		return err
	}

	util.RefundsCreatedTotal.Inc()
	ps.logger.Info("Refund created",
		zap.String("order_id", payment.OrderID),
		zap.String("refund_id", refund.ID),
		zap.Int64("amount", refund.Amount))
	return nil
}

// GetPayment retrieves the payment and refunds for an order
func (ps *PaymentService) GetPayment(ctx context.Context, orderID string) (*models.Payment, []models.Refund, error) {
	payment, err := ps.repo.GetPaymentByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	refunds, err := ps.repo.ListRefundsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return payment, refunds, nil
}

func (ps *PaymentService) emit(ctx context.Context, cause events.Envelope, eventType string, payment *models.Payment, declined *DeclinedError) error {
	data := events.PaymentData{
		PaymentID:     payment.ID,
		OrderID:       payment.OrderID,
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		PaymentMethod: payment.Method,
		TransactionID: payment.TransactionID,
		OccurredAt:    time.Now().UTC(),
	}
	if declined != nil {
		data.Error = declined.Message
		data.ErrorCode = declined.Code
	}

	env, err := events.Derive(cause, eventType, events.SourcePayments, payment.OrderID, data)
	if err != nil {
		return err
	}
	return ps.publisher.Publish(ctx, env)
}
