package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"order-platform/internal/models"
	"order-platform/internal/service"
	"order-platform/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOrders struct {
	created *service.CreateOrderRequest
	orders  map[string]*models.Order
	err     error
}

func (f *fakeOrders) CreateOrder(_ context.Context, req *service.CreateOrderRequest) (*service.CreateOrderResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = req
	return &service.CreateOrderResponse{OrderID: "o-1", Status: models.OrderStatusPending, TotalAmount: 1000}, nil
}

func (f *fakeOrders) GetOrder(_ context.Context, id string) (*models.Order, []models.OrderItem, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	return o, nil, nil
}

func (f *fakeOrders) ListOrders(context.Context, string) ([]models.Order, error) { return nil, nil }

func (f *fakeOrders) CancelOrder(_ context.Context, id, _ string) (*models.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.Order{ID: id, Status: models.OrderStatusCancelled}, nil
}

func (f *fakeOrders) ShipOrder(_ context.Context, id, _, _ string) (*models.Order, error) {
	return &models.Order{ID: id, Status: models.OrderStatusShipped}, nil
}

func (f *fakeOrders) DeliverOrder(_ context.Context, id string) (*models.Order, error) {
	return &models.Order{ID: id, Status: models.OrderStatusDelivered}, nil
}

type fakeStock struct {
	created *service.CreateProductRequest
	err     error
}

func (f *fakeStock) CreateProduct(_ context.Context, req *service.CreateProductRequest) (*models.Product, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = req
	return &models.Product{ID: "p-1", Name: req.Name, SKU: req.SKU, Price: req.Price, IsActive: true}, nil
}

func (f *fakeStock) UpdateProduct(_ context.Context, id string, req *service.UpdateProductRequest) (*models.Product, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := &models.Product{ID: id, Name: "Widget", Price: 100}
	if req.Price != nil {
		p.Price = *req.Price
	}
	return p, nil
}

func (f *fakeStock) GetProduct(_ context.Context, id string) (*models.Product, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.Product{ID: id}, nil
}

func (f *fakeStock) SetStock(context.Context, string, string, int) error { return f.err }

func (f *fakeStock) GetStock(_ context.Context, productID string) ([]models.Stock, error) {
	return []models.Stock{{ProductID: productID, WarehouseID: "main", Available: 5}}, nil
}

type fakeSagas struct{ log []models.ProcessedEvent }

func (f fakeSagas) SagaLog(context.Context, string) ([]models.ProcessedEvent, error) {
	return f.log, nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func setupRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	h.SetupRoutes(router)
	return router
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateOrderEndpoint(t *testing.T) {
	orders := &fakeOrders{}
	router := setupRouter(NewHandler(orders, nil, nil, nil))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders",
		strings.NewReader(`{"userId":"u-1","items":[{"productId":"p1","quantity":2,"unitPrice":500}]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "key-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"orderId":"o-1","status":"pending","totalAmount":1000}`, w.Body.String())
	require.NotNil(t, orders.created)
	assert.Equal(t, "key-1", orders.created.IdempotencyKey)
}

func TestCreateOrderRejectsBadBody(t *testing.T) {
	router := setupRouter(NewHandler(&fakeOrders{}, nil, nil, nil))

	w := do(router, http.MethodPost, "/api/v1/orders", `{"userId":"u-1","items":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPost, "/api/v1/orders", `{"userId":"u-1","items":[{"productId":"p1","quantity":0}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorMapping(t *testing.T) {
	orders := &fakeOrders{orders: map[string]*models.Order{}}
	router := setupRouter(NewHandler(orders, nil, nil, nil))

	w := do(router, http.MethodGet, "/api/v1/orders/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	orders.err = service.ErrInvalidTransition
	w = do(router, http.MethodPost, "/api/v1/orders/o-1/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	orders.err = errors.New("boom")
	w = do(router, http.MethodPost, "/api/v1/orders/o-1/cancel", `{"reason":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestShipRequiresTrackingNumber(t *testing.T) {
	router := setupRouter(NewHandler(&fakeOrders{}, nil, nil, nil))

	w := do(router, http.MethodPost, "/api/v1/orders/o-1/ship", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPost, "/api/v1/orders/o-1/ship", `{"trackingNumber":"1Z","carrier":"UPS"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"shipped"`)
}

func TestProductEndpoints(t *testing.T) {
	stock := &fakeStock{}
	router := setupRouter(NewHandler(nil, stock, nil, nil))

	w := do(router, http.MethodPost, "/api/v1/products", `{"name":"Widget","sku":"W-1","price":1500}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	require.NotNil(t, stock.created)
	assert.Equal(t, "W-1", stock.created.SKU)

	w = do(router, http.MethodPost, "/api/v1/products", `{"name":"Widget"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPut, "/api/v1/products/p-1", `{"price":2500}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"price":2500`)

	stock.err = store.ErrConflict
	w = do(router, http.MethodPost, "/api/v1/products", `{"name":"Widget","sku":"W-1","price":1500}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	stock.err = store.ErrNotFound
	w = do(router, http.MethodGet, "/api/v1/products/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSagaLogEndpoint(t *testing.T) {
	router := setupRouter(NewHandler(nil, nil, nil, fakeSagas{log: []models.ProcessedEvent{
		{Service: "orders-service", EventID: "e-1", EventType: "inventory.reserved", CorrelationID: "o-1"},
	}}))

	w := do(router, http.MethodGet, "/api/v1/sagas/o-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"eventType":"inventory.reserved"`)

	w = do(router, http.MethodGet, "/api/v1/orders/o-1", "")
	assert.Equal(t, http.StatusNotFound, w.Code, "order routes are not mounted without an order service")
}

func TestReadiness(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil)
	h.AddReadinessCheck("database", fakePinger{})
	router := setupRouter(h)

	w := do(router, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)

	h.AddReadinessCheck("redis", fakePinger{err: errors.New("connection refused")})
	w = do(router, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis")
}
