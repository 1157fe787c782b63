package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"order-platform/internal/models"
	"order-platform/internal/store"
)

type memTxKey struct{}

// memStore is an in-memory stand-in for store.Store. InTx snapshots the state
// and restores it when fn fails or commitErr is set.
type memStore struct {
	commitErr error

	mu           sync.Mutex
	orders       map[string]models.Order
	items        map[string][]models.OrderItem
	stock        map[string]models.Stock
	reservations map[string]models.Reservation
	payments     map[string]models.Payment
	refunds      []models.Refund
	cancelled    map[string]bool
	processed    map[string]models.ProcessedEvent
	outbox       map[string]models.OutboxMessage
	outboxSeq    map[string]int
	products     map[string]models.Product
}

func newMemStore() *memStore {
	return &memStore{
		orders:       map[string]models.Order{},
		items:        map[string][]models.OrderItem{},
		stock:        map[string]models.Stock{},
		reservations: map[string]models.Reservation{},
		payments:     map[string]models.Payment{},
		cancelled:    map[string]bool{},
		processed:    map[string]models.ProcessedEvent{},
		outbox:       map[string]models.OutboxMessage{},
		outboxSeq:    map[string]int{},
		products:     map[string]models.Product{},
	}
}

func (m *memStore) snapshot() *memStore {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := newMemStore()
	for k, v := range m.orders {
		c.orders[k] = v
	}
	for k, v := range m.items {
		c.items[k] = append([]models.OrderItem(nil), v...)
	}
	for k, v := range m.stock {
		c.stock[k] = v
	}
	for k, v := range m.reservations {
		c.reservations[k] = v
	}
	for k, v := range m.payments {
		c.payments[k] = v
	}
	c.refunds = append([]models.Refund(nil), m.refunds...)
	for k, v := range m.cancelled {
		c.cancelled[k] = v
	}
	for k, v := range m.processed {
		c.processed[k] = v
	}
	for k, v := range m.outbox {
		c.outbox[k] = v
	}
	for k, v := range m.outboxSeq {
		c.outboxSeq[k] = v
	}
	for k, v := range m.products {
		c.products[k] = v
	}
	return c
}

func (m *memStore) restore(c *memStore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders, m.items, m.stock = c.orders, c.items, c.stock
	m.reservations, m.payments, m.refunds = c.reservations, c.payments, c.refunds
	m.cancelled, m.processed = c.cancelled, c.processed
	m.outbox, m.outboxSeq, m.products = c.outbox, c.outboxSeq, c.products
}

func (m *memStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	snap := m.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.restore(snap)
		return err
	}
	if m.commitErr != nil {
		m.restore(snap)
		return m.commitErr
	}
	return nil
}

func (m *memStore) ClaimEvent(_ context.Context, ev models.ProcessedEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ev.Service + "|" + ev.EventID
	if _, ok := m.processed[key]; ok {
		return false, nil
	}
	m.processed[key] = ev
	return true, nil
}

func (m *memStore) IsEventProcessed(_ context.Context, service, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[service+"|"+eventID]
	return ok, nil
}

func (m *memStore) CreateOrder(_ context.Context, order *models.Order, items []models.OrderItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	order.CreatedAt, order.UpdatedAt = now, now
	m.orders[order.ID] = *order
	m.items[order.ID] = append([]models.OrderItem(nil), items...)
	return nil
}

func (m *memStore) GetOrderByID(_ context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

func (m *memStore) LockOrder(ctx context.Context, id string) (*models.Order, error) {
	return m.GetOrderByID(ctx, id)
}

func (m *memStore) GetOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.IdempotencyKey == key {
			o := o
			return &o, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) UpdateOrder(_ context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order.UpdatedAt = time.Now()
	m.orders[order.ID] = *order
	return nil
}

func (m *memStore) ListOrdersByUserID(_ context.Context, userID string) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memStore) GetOrderItems(_ context.Context, orderID string) ([]models.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OrderItem(nil), m.items[orderID]...), nil
}

func (m *memStore) MarkItemReserved(_ context.Context, orderID, productID, warehouseID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := false
	for i, item := range m.items[orderID] {
		if item.ProductID == productID && (item.WarehouseID == warehouseID || item.WarehouseID == "") {
			m.items[orderID][i].Reserved = true
			matched = true
		}
	}
	return matched, nil
}

func stockKey(productID, warehouseID string) string { return productID + "|" + warehouseID }

func (m *memStore) LockStock(_ context.Context, productID, warehouseID string) (*models.Stock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stock[stockKey(productID, warehouseID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &st, nil
}

func (m *memStore) ListStock(_ context.Context, productID string) ([]models.Stock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Stock
	for _, st := range m.stock {
		if st.ProductID == productID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WarehouseID < out[j].WarehouseID })
	return out, nil
}

func (m *memStore) SetStockAvailable(_ context.Context, productID, warehouseID string, available int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stockKey(productID, warehouseID)
	st := m.stock[key]
	st.ProductID, st.WarehouseID, st.Available = productID, warehouseID, available
	m.stock[key] = st
	return nil
}

func (m *memStore) AdjustStock(_ context.Context, productID, warehouseID string, availableDelta, reservedDelta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stockKey(productID, warehouseID)
	st := m.stock[key]
	st.Available += availableDelta
	st.Reserved += reservedDelta
	if st.Available < 0 || st.Reserved < 0 {
		return errNegativeStock
	}
	m.stock[key] = st
	return nil
}

func reservationKey(productID, warehouseID, orderID string) string {
	return productID + "|" + warehouseID + "|" + orderID
}

func (m *memStore) GetReservation(_ context.Context, productID, warehouseID, orderID string) (*models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[reservationKey(productID, warehouseID, orderID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (m *memStore) CreateReservation(_ context.Context, r *models.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := reservationKey(r.ProductID, r.WarehouseID, r.OrderID)
	if _, ok := m.reservations[key]; ok {
		return errDuplicate
	}
	m.reservations[key] = *r
	return nil
}

func (m *memStore) ListReservationsByOrder(_ context.Context, orderID string) ([]models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Reservation
	for _, r := range m.reservations {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (m *memStore) SetReservationStatus(_ context.Context, r *models.Reservation, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Status = status
	m.reservations[reservationKey(r.ProductID, r.WarehouseID, r.OrderID)] = *r
	return nil
}

func (m *memStore) MarkOrderCancelled(_ context.Context, service, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled[service+"|"+orderID] = true
	return nil
}

func (m *memStore) IsOrderCancelled(_ context.Context, service, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled[service+"|"+orderID], nil
}

func (m *memStore) CreatePayment(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.OrderID]; ok {
		return errDuplicate
	}
	m.payments[p.OrderID] = *p
	return nil
}

func (m *memStore) GetPaymentByOrderID(_ context.Context, orderID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (m *memStore) UpdatePayment(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.OrderID] = *p
	return nil
}

func (m *memStore) CreateRefund(_ context.Context, r *models.Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunds = append(m.refunds, *r)
	return nil
}

func (m *memStore) ListRefundsByOrderID(_ context.Context, orderID string) ([]models.Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Refund
	for _, r := range m.refunds {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) EnqueueOutbox(_ context.Context, msg *models.OutboxMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.outbox[msg.EventID]; ok {
		return nil
	}
	msg.CreatedAt = time.Now()
	m.outbox[msg.EventID] = *msg
	m.outboxSeq[msg.EventID] = len(m.outboxSeq)
	return nil
}

func (m *memStore) ListPendingOutbox(_ context.Context, source string, limit int) ([]models.OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.OutboxMessage
	for _, msg := range m.outbox {
		if msg.Source == source && msg.PublishedAt == nil {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.outboxSeq[out[i].EventID] < m.outboxSeq[out[j].EventID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) MarkOutboxPublished(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.outbox[eventID]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	msg.PublishedAt = &now
	m.outbox[eventID] = msg
	return nil
}

// pendingOutbox returns the unpublished events of source in commit order.
func (m *memStore) pendingOutbox(source string) []models.OutboxMessage {
	out, _ := m.ListPendingOutbox(context.Background(), source, 0)
	return out
}

func (m *memStore) CreateProduct(_ context.Context, p *models.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[p.ID]; ok {
		return fmt.Errorf("product %s: %w", p.ID, store.ErrConflict)
	}
	for _, existing := range m.products {
		if existing.SKU == p.SKU {
			return fmt.Errorf("sku %s: %w", p.SKU, store.ErrConflict)
		}
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	m.products[p.ID] = *p
	return nil
}

func (m *memStore) LockProduct(_ context.Context, id string) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (m *memStore) UpdateProduct(_ context.Context, p *models.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[p.ID]; !ok {
		return store.ErrNotFound
	}
	p.UpdatedAt = time.Now()
	m.products[p.ID] = *p
	return nil
}
