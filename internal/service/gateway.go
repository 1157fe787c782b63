package service

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChargeRequest asks the payment provider to capture an amount. Requests with
// the same IdempotencyKey are charged at most once.
type ChargeRequest struct {
	IdempotencyKey string
	OrderID        string
	Amount         int64
	Currency       string
	Method         string
}

// RefundRequest returns a captured amount.
type RefundRequest struct {
	IdempotencyKey string
	TransactionID  string
	Amount         int64
	Currency       string
}

// DeclinedError is a definitive rejection by the provider. Any other gateway
// error is treated as transient.
type DeclinedError struct {
	Code    string
	Message string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("payment declined (%s): %s", e.Code, e.Message)
}

// Gateway is the payment provider.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (transactionID string, err error)
	Refund(ctx context.Context, req RefundRequest) (refundID string, err error)
}

type chargeResult struct {
	transactionID string
	err           error
}

// MockGateway approves a configurable share of charges after a short delay
type MockGateway struct {
	successRate float64
	maxLatency  time.Duration

	mu      sync.Mutex
	rng     *rand.Rand
	charges map[string]chargeResult
	refunds map[string]string
}

// NewMockGateway creates a gateway that approves successRate of new charges
func NewMockGateway(successRate float64, maxLatency time.Duration) *MockGateway {
	return &MockGateway{
		successRate: successRate,
		maxLatency:  maxLatency,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		charges:     make(map[string]chargeResult),
		refunds:     make(map[string]string),
	}
}

func (g *MockGateway) Charge(ctx context.Context, req ChargeRequest) (string, error) {
	if err := g.wait(ctx); err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if res, ok := g.charges[req.IdempotencyKey]; ok {
		return res.transactionID, res.err
	}

	var res chargeResult
	if g.rng.Float64() < g.successRate {
		res.transactionID = fmt.Sprintf("TXN-%s", uuid.New().String()[:8])
	} else {
		res.err = &DeclinedError{Code: "card_declined", Message: "mock payment declined"}
	}
	g.charges[req.IdempotencyKey] = res
	return res.transactionID, res.err
}

func (g *MockGateway) Refund(ctx context.Context, req RefundRequest) (string, error) {
	if err := g.wait(ctx); err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if id, ok := g.refunds[req.IdempotencyKey]; ok {
		return id, nil
	}
	id := fmt.Sprintf("RFD-%s", uuid.New().String()[:8])
	g.refunds[req.IdempotencyKey] = id
	return id, nil
}

func (g *MockGateway) wait(ctx context.Context) error {
	if g.maxLatency <= 0 {
		return nil
	}
	g.mu.Lock()
	d := time.Duration(g.rng.Int63n(int64(g.maxLatency)))
	g.mu.Unlock()

	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
