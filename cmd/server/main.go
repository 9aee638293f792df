package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/riteshkumar/credit-ledger/internal/config"
	"github.com/riteshkumar/credit-ledger/internal/database"
	"github.com/riteshkumar/credit-ledger/internal/handler"
	"github.com/riteshkumar/credit-ledger/internal/repository"
	"github.com/riteshkumar/credit-ledger/internal/service"
	"github.com/riteshkumar/credit-ledger/internal/webhook"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err.Error())
		os.Exit(1)
	}

	// Initialise logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	// Connect to the database
	db, err := database.Connect(context.Background(), cfg.DSN(), database.DefaultPool)
	if err != nil {
		logger.Error("failed to connect to database", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()

	logger.Info("connected to database successfully")

	if cfg.MigrateOnStart {
		if err := database.Migrate(context.Background(), cfg.DSN()); err != nil {
			logger.Error("failed to migrate database", "error", err.Error())
			os.Exit(1)
		}
		logger.Info("database migrations applied")
	}

	// Initialise repo
	accountRepo := repository.NewAccountRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	eventRepo := repository.NewWebhookEventRepository(db)
	store := repository.NewLedgerStore(db, accountRepo, ledgerRepo)

	// Initialise services
	accountService := service.NewAccountService(store, cfg.TierDefaults, logger)
	creditService := service.NewCreditService(store, logger)

	// Retry queue is optional; the sweeper covers pending events without it
	var queue webhook.RetryQueue
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()

		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Error("failed to connect to redis", "addr", cfg.RedisAddr, "error", err.Error())
			os.Exit(1)
		}
		queue = webhook.NewRedisRetryQueue(rdb, cfg.RetryQueueKey)
		logger.Info("connected to redis retry queue", "addr", cfg.RedisAddr)
	}

	processor := webhook.NewProcessor(webhook.ProcessorConfig{
		Verifier:     webhook.NewVerifier(cfg.WebhookSigningSecret, cfg.WebhookTolerance),
		Events:       eventRepo,
		Credits:      creditService,
		Queue:        queue,
		ApplyTimeout: cfg.WebhookApplyTimeout,
		Logger:       logger,
	})
	retrier := webhook.NewRetrier(processor, eventRepo, queue, webhook.RetrierConfig{
		Workers:       cfg.RetryWorkers,
		MaxAttempts:   cfg.RetryMaxAttempts,
		SweepInterval: cfg.RetrySweepInterval,
		StaleAfter:    cfg.RetryStaleAfter,
	}, logger)

	// Initialise handlers
	accountHandler := handler.NewAccountHandler(accountService, logger)
	creditHandler := handler.NewCreditHandler(creditService, logger)
	webhookHandler := handler.NewWebhookHandler(processor, cfg.WebhookSignatureHeader, cfg.WebhookMaxBodyBytes, logger)

	// Setup router
	router := mux.NewRouter()

	// Register routes
	accountHandler.RegisterRoutes(router)
	creditHandler.RegisterRoutes(router)
	webhookHandler.RegisterRoutes(router)

	// Add health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	// Add middleware for logging
	router.Use(handler.LoggingMiddleware(logger))

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start retry workers
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		retrier.Run(workerCtx)
	}()

	// Start server in a go routine
	go func() {
		logger.Info("starting server on port " + cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("failed to start server", "error", err.Error())
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server...")

	// Create context with timeout for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err.Error())
	}

	stopWorkers()
	workers.Wait()

	logger.Info("server exited gracefully")
}
