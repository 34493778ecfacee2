package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/ledgerd/ledgerd/internal/infra/observability"
	"github.com/ledgerd/ledgerd/internal/service"
)

var tracer = otel.Tracer("handler")

// Services groups the ledger services exposed over HTTP.
type Services struct {
	Ledger       *service.Ledger
	Accounts     *service.AccountService
	Transactions *service.TransactionRecorder
	Transfers    *service.TransferEngine
	Interest     *service.InterestEngine
}

// RouterOptions tunes the optional HTTP features.
type RouterOptions struct {
	// JWTSecret enables owner scoping through Bearer tokens when set.
	JWTSecret string
	// Idempotency enables Idempotency-Key replay on POST when set.
	Idempotency *Idempotency
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(svcs *Services, metrics *observability.Metrics, opts RouterOptions, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler())
	r.Get("/readyz", readyzHandler(svcs.Ledger, logger))
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		if opts.JWTSecret != "" {
			r.Use(OwnerAuthMiddleware(opts.JWTSecret, logger))
		}
		if opts.Idempotency != nil {
			r.Use(opts.Idempotency.Middleware)
		}

		r.Get("/metrics/ledger", ledgerMetricsHandler(metrics, logger))

		// Accounts
		r.Post("/accounts", createAccountHandler(svcs.Accounts, logger))
		r.Get("/accounts/{accountId}", getAccountHandler(svcs.Accounts, logger))
		r.Get("/accounts/{accountId}/balance", getBalanceHandler(svcs.Ledger, logger))
		r.Get("/accounts/{accountId}/reconcile", reconcileAccountHandler(svcs.Accounts, logger))
		r.Delete("/accounts/{accountId}", deleteAccountHandler(svcs.Accounts, logger))

		// Transactions
		r.Post("/transactions", createTransactionHandler(svcs.Transactions, logger))
		r.Get("/transactions/{transactionId}", getTransactionHandler(svcs.Transactions, logger))
		r.Put("/transactions/{transactionId}", replaceTransactionHandler(svcs.Transactions, logger))
		r.Patch("/transactions/{transactionId}", patchTransactionHandler(svcs.Transactions, logger))
		r.Delete("/transactions/{transactionId}", deleteTransactionHandler(svcs.Transactions, logger))

		// Transfers
		r.Post("/transfers", createTransferHandler(svcs.Transfers, logger))
		r.Get("/transfers/{groupId}", getTransferHandler(svcs.Transfers, logger))
		r.Put("/transfers/{groupId}", updateTransferHandler(svcs.Transfers, logger))
		r.Delete("/transfers/{groupId}", deleteTransferHandler(svcs.Transfers, logger))

		// Credit card interest
		r.Post("/credit-cards/interest", accrueInterestHandler(svcs.Interest, logger))
		r.Post("/credit-cards/interest/run", runInterestHandler(svcs.Interest, logger))
	})

	return r
}

func healthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func readyzHandler(ledger *service.Ledger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := ledger.Store().Ping(ctx); err != nil {
			logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "unavailable", "store not ready")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func ledgerMetricsHandler(metrics *observability.Metrics, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := metrics.Snapshot()
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}
