package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"order-platform/internal/models"
	"order-platform/internal/service"
	"order-platform/internal/store"
	"order-platform/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// OrderManager is the order surface exposed over HTTP
type OrderManager interface {
	CreateOrder(ctx context.Context, req *service.CreateOrderRequest) (*service.CreateOrderResponse, error)
	GetOrder(ctx context.Context, orderID string) (*models.Order, []models.OrderItem, error)
	ListOrders(ctx context.Context, userID string) ([]models.Order, error)
	CancelOrder(ctx context.Context, orderID, reason string) (*models.Order, error)
	ShipOrder(ctx context.Context, orderID, trackingNumber, carrier string) (*models.Order, error)
	DeliverOrder(ctx context.Context, orderID string) (*models.Order, error)
}

// StockManager is the catalog and stock administration surface
type StockManager interface {
	CreateProduct(ctx context.Context, req *service.CreateProductRequest) (*models.Product, error)
	UpdateProduct(ctx context.Context, productID string, req *service.UpdateProductRequest) (*models.Product, error)
	GetProduct(ctx context.Context, productID string) (*models.Product, error)
	SetStock(ctx context.Context, productID, warehouseID string, available int) error
	GetStock(ctx context.Context, productID string) ([]models.Stock, error)
}

// PaymentReader looks up payments by order
type PaymentReader interface {
	GetPayment(ctx context.Context, orderID string) (*models.Payment, []models.Refund, error)
}

// SagaLogReader returns the processed events of one saga instance
type SagaLogReader interface {
	SagaLog(ctx context.Context, correlationID string) ([]models.ProcessedEvent, error)
}

// Pinger is a dependency checked by /ready
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers. Nil services leave their routes unmounted.
type Handler struct {
	orders   OrderManager
	stock    StockManager
	payments PaymentReader
	sagas    SagaLogReader
	deps     map[string]Pinger
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(orders OrderManager, stock StockManager, payments PaymentReader, sagas SagaLogReader) *Handler {
	return &Handler{
		orders:   orders,
		stock:    stock,
		payments: payments,
		sagas:    sagas,
		deps:     make(map[string]Pinger),
		logger:   util.GetLogger(),
	}
}

// AddReadinessCheck registers a dependency for /ready
func (h *Handler) AddReadinessCheck(name string, p Pinger) {
	h.deps[name] = p
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	if h.orders != nil {
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/ship", h.shipOrder)
		v1.POST("/orders/:id/deliver", h.deliverOrder)
	}
	if h.stock != nil {
		v1.POST("/products", h.createProduct)
		v1.GET("/products/:id", h.getProduct)
		v1.PUT("/products/:id", h.updateProduct)
		v1.PUT("/stock/:productId", h.setStock)
		v1.GET("/stock/:productId", h.getStock)
	}
	if h.payments != nil {
		v1.GET("/payments/:orderId", h.getPayment)
	}
	if h.sagas != nil {
		v1.GET("/sagas/:correlationId", h.getSagaLog)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, "Failed to create order", err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, items, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "Order not found", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

func (h *Handler) listOrders(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId query parameter is required"})
		return
	}

	orders, err := h.orders.ListOrders(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, "Failed to list orders", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelOrder(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
			return
		}
	}

	order, err := h.orders.CancelOrder(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.fail(c, "Failed to cancel order", err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type shipRequest struct {
	TrackingNumber string `json:"trackingNumber" binding:"required"`
	Carrier        string `json:"carrier"`
}

func (h *Handler) shipOrder(c *gin.Context) {
	var req shipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	order, err := h.orders.ShipOrder(c.Request.Context(), c.Param("id"), req.TrackingNumber, req.Carrier)
	if err != nil {
		h.fail(c, "Failed to ship order", err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) deliverOrder(c *gin.Context) {
	order, err := h.orders.DeliverOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "Failed to deliver order", err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) createProduct(c *gin.Context) {
	var req service.CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	product, err := h.stock.CreateProduct(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, "Failed to create product", err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

func (h *Handler) getProduct(c *gin.Context) {
	product, err := h.stock.GetProduct(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "Product not found", err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *Handler) updateProduct(c *gin.Context) {
	var req service.UpdateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	product, err := h.stock.UpdateProduct(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		h.fail(c, "Failed to update product", err)
		return
	}
	c.JSON(http.StatusOK, product)
}

type stockRequest struct {
	WarehouseID string `json:"warehouseId"`
	Available   *int   `json:"available" binding:"required"`
}

func (h *Handler) setStock(c *gin.Context) {
	var req stockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	productID := c.Param("productId")
	if err := h.stock.SetStock(c.Request.Context(), productID, req.WarehouseID, *req.Available); err != nil {
		h.fail(c, "Failed to set stock", err)
		return
	}

	rows, err := h.stock.GetStock(c.Request.Context(), productID)
	if err != nil {
		h.fail(c, "Failed to load stock", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"productId": productID, "stock": rows})
}

func (h *Handler) getStock(c *gin.Context) {
	productID := c.Param("productId")
	rows, err := h.stock.GetStock(c.Request.Context(), productID)
	if err != nil {
		h.fail(c, "Failed to load stock", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"productId": productID, "stock": rows})
}

func (h *Handler) getPayment(c *gin.Context) {
	payment, refunds, err := h.payments.GetPayment(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.fail(c, "Payment not found", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": payment, "refunds": refunds})
}

func (h *Handler) getSagaLog(c *gin.Context) {
	correlationID := c.Param("correlationId")
	log, err := h.sagas.SagaLog(c.Request.Context(), correlationID)
	if err != nil {
		h.fail(c, "Failed to load saga log", err)
		return
	}
	if len(log) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Saga not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"correlationId": correlationID, "events": log})
}

// fail maps service errors to HTTP status codes
func (h *Handler) fail(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	}

	c.JSON(status, gin.H{
		"error":   msg,
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
