package models

import (
	"encoding/json"
	"time"
)

// Order represents a customer order
type Order struct {
	ID              string          `db:"id" json:"id"`
	UserID          string          `db:"user_id" json:"userId"`
	TotalAmount     int64           `db:"total_amount" json:"totalAmount"`
	Currency        string          `db:"currency" json:"currency"`
	Status          string          `db:"status" json:"status"`
	ShippingAddress json.RawMessage `db:"shipping_address" json:"shippingAddress"`
	BillingAddress  json.RawMessage `db:"billing_address" json:"billingAddress,omitempty"`
	CancelReason    string          `db:"cancel_reason" json:"cancelReason,omitempty"`
	PaymentID       string          `db:"payment_id" json:"paymentId,omitempty"`
	TrackingNumber  string          `db:"tracking_number" json:"trackingNumber,omitempty"`
	Carrier         string          `db:"carrier" json:"carrier,omitempty"`
	IdempotencyKey  string          `db:"idempotency_key" json:"idempotencyKey,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updatedAt"`
}

// OrderItem represents a line of an order
type OrderItem struct {
	OrderID         string          `db:"order_id" json:"orderId"`
	LineNo          int             `db:"line_no" json:"lineNo"`
	ProductID       string          `db:"product_id" json:"productId"`
	WarehouseID     string          `db:"warehouse_id" json:"warehouseId,omitempty"`
	Quantity        int             `db:"quantity" json:"quantity"`
	UnitPrice       int64           `db:"unit_price" json:"unitPrice"`
	ProductSnapshot json.RawMessage `db:"product_snapshot" json:"productSnapshot,omitempty"`
	Reserved        bool            `db:"reserved" json:"reserved"`
}

// Stock is the on-hand quantity of a product in one warehouse
type Stock struct {
	ProductID   string    `db:"product_id" json:"productId"`
	WarehouseID string    `db:"warehouse_id" json:"warehouseId"`
	Available   int       `db:"available" json:"available"`
	Reserved    int       `db:"reserved" json:"reserved"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// Reservation holds stock for one order line
type Reservation struct {
	ProductID   string    `db:"product_id" json:"productId"`
	WarehouseID string    `db:"warehouse_id" json:"warehouseId"`
	OrderID     string    `db:"order_id" json:"orderId"`
	Quantity    int       `db:"quantity" json:"quantity"`
	Status      string    `db:"status" json:"status"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// Payment represents a payment transaction
type Payment struct {
	ID            string    `db:"id" json:"id"`
	OrderID       string    `db:"order_id" json:"orderId"`
	Amount        int64     `db:"amount" json:"amount"`
	Currency      string    `db:"currency" json:"currency"`
	Method        string    `db:"method" json:"method"`
	Status        string    `db:"status" json:"status"`
	TransactionID string    `db:"transaction_id" json:"transactionId,omitempty"`
	FailureReason string    `db:"failure_reason" json:"failureReason,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time `db:"updated_at" json:"updatedAt"`
}

// Refund is issued against a completed payment
type Refund struct {
	ID        string    `db:"id" json:"id"`
	PaymentID string    `db:"payment_id" json:"paymentId"`
	OrderID   string    `db:"order_id" json:"orderId"`
	Amount    int64     `db:"amount" json:"amount"`
	Currency  string    `db:"currency" json:"currency"`
	Reason    string    `db:"reason" json:"reason"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Order statuses
const (
	OrderStatusPending    = "pending"
	OrderStatusConfirmed  = "confirmed"
	OrderStatusProcessing = "processing"
	OrderStatusShipped    = "shipped"
	OrderStatusDelivered  = "delivered"
	OrderStatusCancelled  = "cancelled"
	OrderStatusRefunded   = "refunded"
)

// Reservation statuses
const (
	ReservationReserved = "reserved"
	ReservationReleased = "released"
)

// Payment statuses
const (
	PaymentStatusPending           = "pending"
	PaymentStatusProcessing        = "processing"
	PaymentStatusCompleted         = "completed"
	PaymentStatusFailed            = "failed"
	PaymentStatusRefunded          = "refunded"
	PaymentStatusPartiallyRefunded = "partially_refunded"
)

// ProcessedEvent records that a service handled an event. Rows sharing a
// correlation id form the saga log of one order.
type ProcessedEvent struct {
	Service       string    `db:"service" json:"service"`
	EventID       string    `db:"event_id" json:"eventId"`
	EventType     string    `db:"event_type" json:"eventType"`
	CorrelationID string    `db:"correlation_id" json:"correlationId"`
	CausationID   string    `db:"causation_id" json:"causationId,omitempty"`
	ProcessedAt   time.Time `db:"processed_at" json:"processedAt"`
}

// OutboxMessage is an event committed with the state change that caused it
// and published after the commit
type OutboxMessage struct {
	EventID     string          `db:"event_id" json:"eventId"`
	Source      string          `db:"source" json:"source"`
	EventType   string          `db:"event_type" json:"eventType"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	CreatedAt   time.Time       `db:"created_at" json:"createdAt"`
	PublishedAt *time.Time      `db:"published_at" json:"publishedAt,omitempty"`
}

// Product is a catalog entry owned by the products service
type Product struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	SKU         string    `db:"sku" json:"sku"`
	Price       int64     `db:"price" json:"price"`
	CategoryID  string    `db:"category_id" json:"categoryId,omitempty"`
	IsActive    bool      `db:"is_active" json:"isActive"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}
