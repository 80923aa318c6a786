package main

import (
	"commerce-reconciler/internal/auth"
	"commerce-reconciler/internal/client"
	"commerce-reconciler/internal/config"
	"commerce-reconciler/internal/consumer"
	"commerce-reconciler/internal/lock"
	"commerce-reconciler/internal/logger"
	"commerce-reconciler/internal/publisher"
	"commerce-reconciler/internal/repository"
	"commerce-reconciler/internal/server"
	"commerce-reconciler/internal/service"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// load .env into os.Environ
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found (ok in prod)")
	}

	cfg := &config.Config{}
	if err := env.Parse(cfg); err != nil {
		fmt.Printf("Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	verifier, err := auth.NewVerifier(cfg.JWT.Secret)
	if err != nil {
		log.Fatal("invalid jwt configuration", zap.Error(err))
	}

	db, err := client.InitDatabase(cfg.Database)
	if err != nil {
		log.Fatal("init database", zap.Error(err))
	}

	var locker lock.Locker
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatal("connect redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		locker = lock.NewRedisLocker(rdb)
	} else {
		log.Warn("REDIS_ADDR not set, using in-process locks")
		locker = lock.NewMemoryLocker()
	}

	lockTTL := client.CallBudget(cfg.PaymentClient)
	if cfg.CancelLockTTL > lockTTL {
		lockTTL = cfg.CancelLockTTL
	}

	pgClient := client.NewPGClient(&cfg.PG)
	cancelClient := client.NewPaymentCancelClient(cfg.PaymentServiceURL, cfg.PaymentClient,
		client.ServiceTokenSource(verifier.Sign), log)

	orderRepo := repository.NewOrderRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	cancelRepo := repository.NewOrderCancelRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)
	webhookEventRepo := repository.NewWebhookEventRepository(db)

	orderService := service.NewOrderService(
		db,
		orderRepo,
		paymentRepo,
		cancelRepo,
		outboxRepo,
		cancelClient,
		locker,
		service.OrderConfig{
			CancelLockTTL: lockTTL,
			RetryBackoff:  cfg.Reconcile.Backoff,
			MaxAttempts:   cfg.Reconcile.MaxAttempts,
		},
		log,
	)
	paymentService := service.NewPaymentService(
		db,
		pgClient,
		orderService,
		orderRepo,
		paymentRepo,
		webhookEventRepo,
		outboxRepo,
		locker,
		log,
	)

	ctx, stopWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	runWorker := func(name string, run func(context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			log.Info("worker started", zap.String("worker", name))
			run(ctx)
		}()
	}

	reconciler := service.NewReconciler(cancelRepo, orderService, cfg.Reconcile.Interval, cfg.Reconcile.BatchSize, log)
	runWorker("reconciler", reconciler.Run)

	if len(cfg.Kafka.Brokers) > 0 {
		writer := publisher.NewKafkaWriter(cfg.Kafka.OutboxTopic, cfg.Kafka.Brokers...)
		defer writer.Close()
		runWorker("outbox", publisher.NewOutboxPoller(outboxRepo, writer, log).Run)

		withdrawals := consumer.NewWithdrawalConsumer(orderService,
			consumer.NewKafkaReader(cfg.Kafka.WithdrawalTopic, cfg.Kafka.GroupID, cfg.Kafka.Brokers...), log)
		defer withdrawals.Close()
		runWorker("withdrawal", withdrawals.Run)
	} else {
		log.Warn("KAFKA_BROKERS not set, outbox publishing and withdrawal events disabled")
	}

	serverAddr := cfg.HTTP.Host + ":" + cfg.HTTP.Port

	// Init HTTP server
	srv := server.NewServer(orderService, paymentService, verifier, log)

	log.Info("starting HTTP server", zap.String("addr", serverAddr))
	go func() {
		if err := srv.Start(serverAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	<-sigChan
	log.Info("signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	stopWorkers()
	workers.Wait()
	log.Info("shutdown complete")
}
