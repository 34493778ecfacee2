package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ledgerd/ledgerd/internal/domain"
	"github.com/ledgerd/ledgerd/internal/service"
)

// ============================================================
// Accounts Handlers
// ============================================================

type createAccountRequest struct {
	OwnerID         string `json:"owner_id" validate:"max=128"`
	Name            string `json:"name" validate:"required,max=120"`
	Type            string `json:"type" validate:"required,oneof=checking savings credit cash investment"`
	Currency        string `json:"currency" validate:"required,len=3,alpha"`
	OpeningBalance  int64  `json:"opening_balance"`
	OpeningDate     string `json:"opening_date" validate:"omitempty,datetime=2006-01-02"`
	CreditLimit     int64  `json:"credit_limit" validate:"gte=0"`
	InterestRateBps int64  `json:"interest_rate_bps" validate:"gte=0"`
	BillingCycleDay int    `json:"billing_cycle_day" validate:"gte=0,lte=31"`
}

type balanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	Formatted string `json:"formatted"`
}

func createAccountHandler(svc *service.AccountService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/accounts")
		defer span.End()

		req, err := decodeAndValidate[createAccountRequest](w, r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		openingDate, err := parseOptionalDate("opening_date", req.OpeningDate)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		acc, err := svc.Create(ctx, domain.CreateAccountInput{
			OwnerID:         req.OwnerID,
			Name:            req.Name,
			Type:            domain.AccountType(req.Type),
			Currency:        req.Currency,
			OpeningBalance:  req.OpeningBalance,
			OpeningDate:     openingDate,
			CreditLimit:     req.CreditLimit,
			InterestRateBps: req.InterestRateBps,
			BillingCycleDay: req.BillingCycleDay,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, acc)
	}
}

func getAccountHandler(svc *service.AccountService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/accounts/{accountId}")
		defer span.End()
		acc, err := svc.Get(ctx, chi.URLParam(r, "accountId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, acc)
	}
}

func getBalanceHandler(ledger *service.Ledger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/accounts/{accountId}/balance")
		defer span.End()
		accountID := chi.URLParam(r, "accountId")
		balance, err := ledger.GetBalance(ctx, accountID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, balanceResponse{
			AccountID: accountID,
			Balance:   balance,
			Formatted: domain.FormatMinor(balance),
		})
	}
}

func reconcileAccountHandler(svc *service.AccountService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/accounts/{accountId}/reconcile")
		defer span.End()
		rec, err := svc.Reconcile(ctx, chi.URLParam(r, "accountId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func deleteAccountHandler(svc *service.AccountService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /v1/accounts/{accountId}")
		defer span.End()
		if err := svc.Delete(ctx, chi.URLParam(r, "accountId")); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
