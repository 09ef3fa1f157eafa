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
	"checkout-service/internal/notify"
	"checkout-service/internal/pesapal"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const serviceName = "checkout-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout service", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer(serviceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	logger.Info("Database connected")

	if cfg.Database.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := db.Migrate(ctx)
		cancel()
		if err != nil {
			logger.Fatal("Failed to apply migrations", zap.Error(err))
		}
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	logger.Info("Redis connected")

	orderProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	notificationProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
	logger.Info("Kafka producers initialized",
		zap.String("order_topic", cfg.Kafka.TopicOrder),
		zap.String("notification_topic", cfg.Kafka.TopicNotifications))

	eventPublisher := broker.NewEventPublisher(orderProducer, notificationProducer)

	gateway := pesapal.NewClient(pesapal.Config{
		ConsumerKey:    cfg.Pesapal.ConsumerKey,
		ConsumerSecret: cfg.Pesapal.ConsumerSecret,
		BaseURLs:       cfg.Pesapal.BaseURLs(),
		Timeout:        cfg.Pesapal.Timeout,
		MaxRetries:     cfg.Pesapal.MaxRetries,
		RetryDelay:     cfg.Pesapal.RetryDelay,
		TokenTTL:       cfg.Pesapal.TokenTTL,
	}, redisclient.NewTokenCache(redisClient))

	orderService := service.NewOrderService(db, redisClient, eventPublisher, cfg.Business.ReservationPeriod)
	paymentService := service.NewPaymentService(db, gateway, eventPublisher,
		redisclient.NewIPNGuard(redisClient, cfg.Business.IPNDedupeWindow),
		service.PaymentConfig{
			NotificationID:  cfg.Pesapal.NotificationID,
			IPNURL:          cfg.Pesapal.IPNURL,
			CallbackURL:     cfg.Pesapal.CallbackURL,
			Currency:        cfg.Pesapal.Currency,
			PaymentExpiry:   cfg.Business.PaymentExpiry,
			AmountTolerance: cfg.Business.AmountTolerance,
		})
	receiptService := notify.NewService(db,
		notify.NewKafkaChannel(notify.ChannelEmail, eventPublisher),
		notify.NewKafkaChannel(notify.ChannelWhatsApp, eventPublisher))

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	receiptConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	receiptWorker := worker.NewReceiptWorker(receiptConsumer, receiptService, db)
	go func() {
		if err := receiptWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Receipt worker error", zap.Error(err))
		}
	}()

	sweeper := worker.NewPaymentSweeper(paymentService, cfg.Business.SweepInterval)
	go func() {
		if err := sweeper.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Payment sweeper error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, paymentService, cfg.Server.StaffAPIKey, map[string]api.Pinger{
		"postgres": db,
		"redis":    redisClient,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
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
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	err = multierr.Combine(
		receiptWorker.Stop(),
		orderProducer.Close(),
		notificationProducer.Close(),
		redisClient.Close(),
		db.Close(),
	)
	if err != nil {
		logger.Warn("Errors while closing resources", zap.Error(err))
	}

	logger.Info("Server exited")
}
