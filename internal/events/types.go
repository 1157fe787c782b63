package events

// Event types. The routing key of a message is always its event type.
const (
	OrderCreated   = "order.created"
	OrderConfirmed = "order.confirmed"
	OrderCancelled = "order.cancelled"
	OrderShipped   = "order.shipped"
	OrderDelivered = "order.delivered"

	InventoryReserved     = "inventory.reserved"
	InventoryInsufficient = "inventory.insufficient"

	ProductCreated = "product.created"
	ProductUpdated = "product.updated"

	PaymentInitiated = "payment.initiated"
	PaymentCompleted = "payment.completed"
	PaymentFailed    = "payment.failed"
	RefundCreated    = "refund.created"
)

// Event sources.
const (
	SourceOrders   = "orders-service"
	SourceProducts = "products-service"
	SourcePayments = "payments-service"
)

// Topic exchanges, one per publishing service.
const (
	ExchangeOrders   = "orders"
	ExchangeProducts = "products"
	ExchangePayments = "payments"
)

// ExchangeFor maps a source service to the exchange it publishes on.
func ExchangeFor(source string) string {
	switch source {
	case SourceOrders:
		return ExchangeOrders
	case SourceProducts:
		return ExchangeProducts
	case SourcePayments:
		return ExchangePayments
	default:
		return ""
	}
}
