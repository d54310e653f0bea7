package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkout-service/config"
	"checkout-service/internal/api"
	"checkout-service/internal/broker"
	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/spool"
	"checkout-service/internal/store"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout service", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint, cfg.Server.Env)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	if tp != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Error("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	ctx := context.Background()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("Failed to apply schema", zap.Error(err))
	}
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	webhookSpool, err := spool.Open(cfg.Spool.Dir)
	if err != nil {
		logger.Fatal("Failed to open webhook spool", zap.String("dir", cfg.Spool.Dir), zap.Error(err))
	}
	defer webhookSpool.Close()

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicPayments))

	eventPublisher := broker.NewEventPublisher(producer)

	batzir := gateway.NewBatzir(gateway.BatzirConfig{
		BaseURL:       cfg.Gateway.Batzir.BaseURL,
		APIKey:        cfg.Gateway.Batzir.APIKey,
		WebhookSecret: cfg.Gateway.Batzir.WebhookSecret,
		Timeout:       cfg.Gateway.Timeout,
	}, nil)
	tikal := gateway.NewTikal(cfg.Gateway.Tikal.MerchantID)
	registry := gateway.NewRegistry(batzir, tikal)

	merchants := []models.Merchant{
		{Name: "Tienda", Gateway: gateway.BatzirCode, ExternalMerchantID: cfg.Gateway.Batzir.MerchantID},
		{Name: "Tienda", Gateway: gateway.TikalCode, ExternalMerchantID: cfg.Gateway.Tikal.MerchantID},
	}
	for i := range merchants {
		if err := db.UpsertMerchant(ctx, &merchants[i]); err != nil {
			logger.Fatal("Failed to register merchant", zap.String("gateway", merchants[i].Gateway), zap.Error(err))
		}
	}

	settlement := service.NewSettlementEngine(db, eventPublisher, redisClient, cfg.Business.StockRetryLimit)
	webhookService := service.NewWebhookService(db, registry, settlement, redisClient, webhookSpool, cfg.Business.WebhookDedupTTL)
	services := api.Services{
		Orders:   service.NewOrderService(db, eventPublisher, redisClient, []byte(cfg.Cart.Secret), cfg.Cart.MaxAge),
		Checkout: service.NewCheckoutService(db, registry, service.CheckoutConfig{
			Currency:  cfg.Gateway.Currency,
			PublicURL: cfg.Gateway.PublicURL,
			Timeout:   cfg.Gateway.Timeout,
		}),
		Webhooks: webhookService,
		Catalog:  service.NewCatalogService(db, redisClient, eventPublisher, cfg.Business.StockRetryLimit),
		Operator: service.NewOperatorService(db, settlement, eventPublisher, redisClient),
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments, cfg.Kafka.ConsumerGroup)
	notificationWorker := worker.NewNotificationWorker(consumer, redisClient, redisClient)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil {
			logger.Error("Notification worker error", zap.Error(err))
		}
	}()

	drainer := worker.NewSpoolDrainer(webhookService, cfg.Spool.DrainInterval)
	go drainer.Start(workerCtx)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(services, []byte(cfg.Auth.JWTSecret), map[string]api.Pinger{
		"database": db,
		"redis":    redisClient,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := notificationWorker.Stop(); err != nil {
		logger.Error("Failed to stop notification worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
