package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerd/ledgerd/internal/config"
	"github.com/ledgerd/ledgerd/internal/handler"
	"github.com/ledgerd/ledgerd/internal/infra/events"
	"github.com/ledgerd/ledgerd/internal/infra/memstore"
	"github.com/ledgerd/ledgerd/internal/infra/observability"
	"github.com/ledgerd/ledgerd/internal/infra/resilience"
	"github.com/ledgerd/ledgerd/internal/infra/sqlstore"
	"github.com/ledgerd/ledgerd/internal/port"
	"github.com/ledgerd/ledgerd/internal/service"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("db_driver", cfg.DBDriver),
		zap.Bool("migrate_on_start", cfg.MigrateOnStart),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
		zap.Int("max_concurrency", cfg.MaxConcurrency),
		zap.String("account_delete_policy", cfg.AccountDeletePolicy),
		zap.Duration("idempotency_ttl", cfg.IdempotencyTTL),
		zap.Bool("auth_enabled", cfg.JWTSecret != ""),
		zap.Bool("events_enabled", cfg.AMQPURL != ""),
	)

	// --- Tracing ---
	shutdownTracer, err := observability.InitTracer(cfg.OTLPEndpoint, "ledgerd")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Store ---
	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer store.Close()

	// --- Events ---
	var publisher port.EventPublisher = events.Nop{}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.Dial(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			logger.Fatal("failed to connect to broker", zap.Error(err))
		}
		publisher = amqpPublisher
		logger.Info("publishing ledger events", zap.String("exchange", cfg.AMQPExchange))
	}
	defer publisher.Close()

	// --- Services ---
	ledger := service.NewLedger(store,
		resilience.Config{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.InitialBackoff,
			MaxConcurrency: cfg.MaxConcurrency,
		},
		metrics, logger,
		service.WithEvents(publisher),
	)
	svcs := &handler.Services{
		Ledger:       ledger,
		Accounts:     service.NewAccountService(ledger, cfg.AccountDeletePolicy, logger),
		Transactions: service.NewTransactionRecorder(ledger, logger),
		Transfers:    service.NewTransferEngine(ledger, logger),
		Interest:     service.NewInterestEngine(ledger, cfg.AccrualConcurrency, logger),
	}

	idem := handler.NewIdempotency(cfg.IdempotencyTTL, metrics, logger)
	defer idem.Close()

	// --- Router ---
	router := handler.NewRouter(svcs, metrics, handler.RouterOptions{
		JWTSecret:   cfg.JWTSecret,
		Idempotency: idem,
	}, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

func openStore(cfg *config.Config, logger *zap.Logger) (port.LedgerStore, error) {
	if cfg.DBDriver == config.DriverMemory {
		logger.Warn("using in-memory store, data is lost on restart")
		return memstore.New(), nil
	}

	if cfg.MigrateOnStart {
		if err := sqlstore.RunMigrations(cfg.DBDriver, cfg.DatabaseURL); err != nil {
			return nil, err
		}
		logger.Info("migrations applied", zap.String("driver", cfg.DBDriver))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := sqlstore.Open(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	logger.Info("using SQL store", zap.String("driver", cfg.DBDriver))
	return store, nil
}
