package events

import (
	"errors"
	"time"
)

// Address is a postal address carried on order events.
type Address struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

// LineItem is an order line as published by the orders service.
type LineItem struct {
	ProductID   string `json:"productId"`
	WarehouseID string `json:"warehouseId,omitempty"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unitPrice"`
}

// OrderCreatedData is published on order.created.
type OrderCreatedData struct {
	OrderID         string     `json:"orderId"`
	UserID          string     `json:"userId"`
	Items           []LineItem `json:"items"`
	TotalAmount     int64      `json:"totalAmount"`
	Currency        string     `json:"currency"`
	ShippingAddress Address    `json:"shippingAddress"`
	CreatedAt       time.Time  `json:"createdAt"`
}

func (d *OrderCreatedData) Validate() error {
	if d.OrderID == "" {
		return errors.New("orderId is required")
	}
	if len(d.Items) == 0 {
		return errors.New("items are required")
	}
	return nil
}

// OrderConfirmedData is published on order.confirmed.
type OrderConfirmedData struct {
	OrderID     string    `json:"orderId"`
	UserID      string    `json:"userId"`
	TotalAmount int64     `json:"totalAmount"`
	Currency    string    `json:"currency"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}

func (d *OrderConfirmedData) Validate() error {
	if d.OrderID == "" {
		return errors.New("orderId is required")
	}
	return nil
}

// OrderCancelledData is published on order.cancelled.
type OrderCancelledData struct {
	OrderID     string     `json:"orderId"`
	UserID      string     `json:"userId"`
	Items       []LineItem `json:"items"`
	Reason      string     `json:"reason"`
	CancelledAt time.Time  `json:"cancelledAt"`
}

func (d *OrderCancelledData) Validate() error {
	if d.OrderID == "" {
		return errors.New("orderId is required")
	}
	return nil
}

// OrderShippedData is published on order.shipped.
type OrderShippedData struct {
	OrderID        string    `json:"orderId"`
	UserID         string    `json:"userId"`
	TrackingNumber string    `json:"trackingNumber,omitempty"`
	Carrier        string    `json:"carrier,omitempty"`
	ShippedAt      time.Time `json:"shippedAt"`
}

func (d *OrderShippedData) Validate() error {
	if d.OrderID == "" {
		return errors.New("orderId is required")
	}
	return nil
}

// OrderDeliveredData is published on order.delivered.
type OrderDeliveredData struct {
	OrderID     string    `json:"orderId"`
	UserID      string    `json:"userId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

func (d *OrderDeliveredData) Validate() error {
	if d.OrderID == "" {
		return errors.New("orderId is required")
	}
	return nil
}

// InventoryReservedData is published on inventory.reserved, once per line item.
type InventoryReservedData struct {
	OrderID     string    `json:"orderId"`
	ProductID   string    `json:"productId"`
	WarehouseID string    `json:"warehouseId"`
	Quantity    int       `json:"quantity"`
	ReservedAt  time.Time `json:"reservedAt"`
}

func (d *InventoryReservedData) Validate() error {
	if d.OrderID == "" || d.ProductID == "" {
		return errors.New("orderId and productId are required")
	}
	return nil
}

// InventoryInsufficientData is published on inventory.insufficient.
type InventoryInsufficientData struct {
	OrderID           string `json:"orderId"`
	ProductID         string `json:"productId"`
	WarehouseID       string `json:"warehouseId"`
	RequestedQuantity int    `json:"requestedQuantity"`
	AvailableQuantity int    `json:"availableQuantity"`
	Reason            string `json:"reason"`
}

func (d *InventoryInsufficientData) Validate() error {
	if d.OrderID == "" || d.ProductID == "" {
		return errors.New("orderId and productId are required")
	}
	return nil
}

// ProductCreatedData is published on product.created.
type ProductCreatedData struct {
	ProductID  string    `json:"productId"`
	Name       string    `json:"name"`
	SKU        string    `json:"sku"`
	Price      int64     `json:"price"`
	CategoryID string    `json:"categoryId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (d *ProductCreatedData) Validate() error {
	if d.ProductID == "" || d.SKU == "" {
		return errors.New("productId and sku are required")
	}
	return nil
}

// ProductUpdatedData is published on product.updated. Changes holds only the
// fields that were modified, keyed by their JSON name.
type ProductUpdatedData struct {
	ProductID string                 `json:"productId"`
	Changes   map[string]interface{} `json:"changes"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

func (d *ProductUpdatedData) Validate() error {
	if d.ProductID == "" {
		return errors.New("productId is required")
	}
	if len(d.Changes) == 0 {
		return errors.New("changes are required")
	}
	return nil
}

// PaymentData is shared by payment.initiated, payment.completed and payment.failed.
type PaymentData struct {
	PaymentID     string    `json:"paymentId"`
	OrderID       string    `json:"orderId"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	PaymentMethod string    `json:"paymentMethod"`
	TransactionID string    `json:"transactionId,omitempty"`
	Error         string    `json:"error,omitempty"`
	ErrorCode     string    `json:"errorCode,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

func (d *PaymentData) Validate() error {
	if d.OrderID == "" || d.PaymentID == "" {
		return errors.New("orderId and paymentId are required")
	}
	return nil
}

// RefundCreatedData is published on refund.created.
type RefundCreatedData struct {
	RefundID  string    `json:"refundId"`
	PaymentID string    `json:"paymentId"`
	OrderID   string    `json:"orderId"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

func (d *RefundCreatedData) Validate() error {
	if d.OrderID == "" || d.RefundID == "" {
		return errors.New("orderId and refundId are required")
	}
	return nil
}
