package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"

	"ms-settlement/internal/api"
	"ms-settlement/internal/capacity"
	"ms-settlement/internal/config"
	"ms-settlement/internal/database"
	"ms-settlement/internal/database/migrations"
	"ms-settlement/internal/kafka"
	"ms-settlement/internal/ledger"
	"ms-settlement/internal/logger"
	"ms-settlement/internal/notify"
	"ms-settlement/internal/outbox"
	"ms-settlement/internal/payment"
	"ms-settlement/internal/settlement"
)

func main() {
	log := logger.NewLogger("settlement-service")
	defer log.Close()

	log.Info("APP", "Starting Settlement Service initialization")

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}

	cfg := config.Load()
	log.SetLevel(logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bunDB, err := database.Connect(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer bunDB.Close()

	if cfg.Database.AutoMigrate {
		// The runner is not closed here: closing it would close bunDB too.
		if err := migrations.NewRunner(bunDB, cfg.Database.MigrationsDir, log).Up(); err != nil {
			log.Fatal("MIGRATE", err.Error())
		}
	}

	store, closeStore := capacityStore(ctx, cfg, bunDB, log)
	defer closeStore()

	publisher, closePublisher := taskPublisher(ctx, cfg.Kafka, log)
	defer closePublisher()

	var qr *notify.QRGenerator
	if cfg.Notify.QRSecret != "" {
		qr = notify.NewQRGenerator(cfg.Notify.QRSecret)
	} else {
		log.Warn("CONFIG", "QR_SECRET not set, confirmed bookings carry no check-in code")
	}

	tasks := outbox.New(bunDB, log)
	dispatcher := notify.NewDispatcher(tasks, publisher, notify.Topics{
		BookingConfirmed: cfg.Kafka.Topics.BookingConfirmed,
		BookingRefunded:  cfg.Kafka.Topics.BookingRefunded,
		Reconciliation:   cfg.Kafka.Topics.Reconciliation,
	}, qr, notify.Options{
		PollInterval: cfg.Notify.PollInterval,
		BatchSize:    cfg.Notify.BatchSize,
		MaxAttempts:  cfg.Notify.MaxAttempts,
		BaseDelay:    cfg.Notify.BaseDelay,
		MaxDelay:     cfg.Notify.MaxDelay,
	}, log)
	dispatcher.Start(context.Background())

	if cfg.Stripe.WebhookSecret == "" {
		log.Error("CONFIG", "STRIPE_WEBHOOK_SECRET not set, every notification will be answered with 500")
	}
	verifier := payment.NewStripeVerifier(cfg.Stripe.WebhookSecret, cfg.Stripe.WebhookTolerance, log)
	refunder, err := payment.NewStripeRefunder(cfg.Stripe.SecretKey, log)
	if err != nil {
		log.Fatal("CONFIG", fmt.Sprintf("Stripe client: %v", err))
	}

	orders := ledger.New(bunDB, log, ledger.WithNumberRetries(cfg.Settlement.NumberRetries))
	engine := settlement.NewEngine(verifier, store, orders, refunder, tasks, log)

	handler := &api.Handler{Settlement: engine, Orders: orders, Logger: log}
	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      api.NewRouter(handler, cfg.Server.CORSAllowedOrigins, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("Settlement Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server shutdown failed: %v", err))
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		log.Error("NOTIFY", fmt.Sprintf("Dispatcher stop: %v", err))
	}
	log.Info("APP", "Settlement Service shutdown complete")
}

func capacityStore(ctx context.Context, cfg *config.Config, bunDB *bun.DB, log *logger.Logger) (settlement.CapacityStore, func()) {
	switch cfg.Settlement.CapacityBackend {
	case "redis":
		client, err := database.ConnectRedis(ctx, cfg.Redis, log)
		if err != nil {
			log.Fatal("DATABASE", err.Error())
		}
		log.Info("APP", "Capacity backend: redis")
		return capacity.NewRedisStore(client, log), func() { closeRedis(client, log) }
	case "sql", "":
		log.Info("APP", "Capacity backend: sql")
		return capacity.NewSQLStore(bunDB, log), func() {}
	default:
		log.Fatal("CONFIG", fmt.Sprintf("unknown CAPACITY_BACKEND %q", cfg.Settlement.CapacityBackend))
		return nil, nil
	}
}

func closeRedis(client *redis.Client, log *logger.Logger) {
	if err := client.Close(); err != nil {
		log.Warn("DATABASE", fmt.Sprintf("Redis close: %v", err))
	}
}

func taskPublisher(ctx context.Context, cfg config.KafkaConfig, log *logger.Logger) (notify.Publisher, func()) {
	if !cfg.Enabled {
		log.Warn("KAFKA", "Kafka disabled, settlement tasks are only logged")
		return notify.LogPublisher{Log: log}, func() {}
	}

	topics := []string{cfg.Topics.BookingConfirmed, cfg.Topics.BookingRefunded, cfg.Topics.Reconciliation}
	if err := kafka.EnsureTopicsExist(ctx, cfg.Brokers, topics, log); err != nil {
		log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
	}

	producer := kafka.NewProducer(cfg.Brokers, log)
	log.Info("KAFKA", "Kafka producer initialized successfully")
	return producer, func() {
		if err := producer.Close(); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Producer close: %v", err))
		}
	}
}
