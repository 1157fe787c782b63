package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"order-platform/config"
	"order-platform/internal/api"
	"order-platform/internal/broker"
	"order-platform/internal/events"
	"order-platform/internal/redisclient"
	"order-platform/internal/service"
	"order-platform/internal/store"
	"order-platform/internal/util"
	"order-platform/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel, cfg.Server.Service); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting order platform", zap.String("service", cfg.Server.Service))

	tp, err := util.InitTracer("order-platform-"+cfg.Server.Service, cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	if cfg.Database.Migrate {
		if err := db.Migrate(context.Background()); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
	}

	var redisClient *redisclient.Client
	if cfg.Redis.Enabled() {
		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.LockTTL, cfg.Redis.DedupTTL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		log.Println("Redis connected")
	}

	transport, err := newTransport(cfg.Bus)
	if err != nil {
		log.Fatalf("Failed to connect to message bus: %v", err)
	}
	defer transport.Close()
	log.Printf("Message bus connected (%s)", cfg.Bus.Driver)

	newDispatcher := func(source string) *broker.Dispatcher {
		opts := []broker.Option{}
		if redisClient != nil {
			opts = append(opts,
				broker.WithLocker(broker.ChainLocker{broker.NewKeyedMutex(), redisClient}),
				broker.WithDedupCache(redisClient))
		}
		return broker.NewDispatcher(broker.DispatcherConfig{
			Service:             source,
			Queue:               source,
			Prefetch:            cfg.Dispatch.Prefetch,
			HandlerTimeout:      cfg.Dispatch.HandlerTimeout,
			MaxDeliveries:       cfg.Dispatch.MaxDeliveries,
			RetryBackoffInitial: cfg.Dispatch.RetryBackoffInitial,
			RetryBackoffMax:     cfg.Dispatch.RetryBackoffMax,
		}, transport, db, opts...)
	}

	var (
		workers  []worker.Runner
		orders   api.OrderManager
		stock    api.StockManager
		payments api.PaymentReader
	)

	newRelay := func(publisher *broker.EventPublisher, source string) *service.OutboxRelay {
		return service.NewOutboxRelay(db, publisher, source, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize)
	}

	if cfg.Runs(config.ServiceOrders) {
		publisher := broker.NewEventPublisher(transport, events.SourceOrders)
		orderService := service.NewOrderService(db, publisher, cfg.Payment.Currency)
		workers = append(workers,
			worker.NewServiceWorker("orders", newDispatcher(events.SourceOrders), orderService),
			newRelay(publisher, events.SourceOrders))
		orders = orderService
	}
	if cfg.Runs(config.ServiceInventory) {
		publisher := broker.NewEventPublisher(transport, events.SourceProducts)
		inventoryService := service.NewInventoryService(db, publisher, cfg.Inventory.DefaultWarehouse)
		workers = append(workers,
			worker.NewServiceWorker("inventory", newDispatcher(events.SourceProducts), inventoryService),
			newRelay(publisher, events.SourceProducts))
		stock = inventoryService
	}
	if cfg.Runs(config.ServicePayments) {
		gateway := service.NewMockGateway(cfg.Payment.SuccessRate, 500*time.Millisecond)
		paymentService := service.NewPaymentService(db, broker.NewEventPublisher(transport, events.SourcePayments), gateway, cfg.Payment.Currency, cfg.Payment.Method)
		workers = append(workers, worker.NewServiceWorker("payments", newDispatcher(events.SourcePayments), paymentService))
		payments = paymentService
	}
	if len(workers) == 0 {
		log.Fatalf("Unknown SERVICE %q", cfg.Server.Service)
	}

	pool := worker.NewPool(workers...)
	pool.Start(context.Background())

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orders, stock, payments, db)
	handler.AddReadinessCheck("database", db)
	if redisClient != nil {
		handler.AddReadinessCheck("redis", redisClient)
	}
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	pool.Stop()

	log.Println("Server exited")
}

func newTransport(cfg config.BusConfig) (broker.Transport, error) {
	switch cfg.Driver {
	case "rabbitmq":
		t := broker.NewRabbitTransport(cfg.AMQPURL)
		if err := t.Connect(); err != nil {
			return nil, err
		}
		return t, nil
	case "kafka":
		return broker.NewKafkaTransport(cfg.KafkaBrokers), nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}
