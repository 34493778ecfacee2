package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ledgerd/ledgerd/internal/domain"
	"github.com/ledgerd/ledgerd/internal/service"
)

// ============================================================
// Transactions Handlers
// ============================================================

type createTransactionRequest struct {
	AccountID   string `json:"account_id" validate:"required,max=128"`
	Amount      int64  `json:"amount"`
	Date        string `json:"date" validate:"required,datetime=2006-01-02"`
	Category    string `json:"category" validate:"max=64"`
	Description string `json:"description" validate:"max=500"`
}

// replaceTransactionRequest is the PUT body: every editable field is required.
type replaceTransactionRequest struct {
	AccountID   string `json:"account_id" validate:"max=128"`
	Amount      int64  `json:"amount"`
	Date        string `json:"date" validate:"required,datetime=2006-01-02"`
	Category    string `json:"category" validate:"max=64"`
	Description string `json:"description" validate:"max=500"`
}

// patchTransactionRequest is the PATCH body: absent fields keep their value.
type patchTransactionRequest struct {
	AccountID   string  `json:"account_id" validate:"max=128"`
	Amount      *int64  `json:"amount"`
	Date        *string `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Category    *string `json:"category" validate:"omitempty,max=64"`
	Description *string `json:"description" validate:"omitempty,max=500"`
}

func createTransactionHandler(svc *service.TransactionRecorder, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/transactions")
		defer span.End()

		req, err := decodeAndValidate[createTransactionRequest](w, r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		date, err := parseOptionalDate("date", req.Date)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		txn, err := svc.Create(ctx, domain.CreateTransactionInput{
			AccountID:   req.AccountID,
			Amount:      req.Amount,
			Date:        date,
			Category:    req.Category,
			Description: req.Description,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, txn)
	}
}

func getTransactionHandler(svc *service.TransactionRecorder, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/transactions/{transactionId}")
		defer span.End()
		txn, err := svc.Get(ctx, chi.URLParam(r, "transactionId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, txn)
	}
}

func replaceTransactionHandler(svc *service.TransactionRecorder, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /v1/transactions/{transactionId}")
		defer span.End()

		req, err := decodeAndValidate[replaceTransactionRequest](w, r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		date, err := parseOptionalDate("date", req.Date)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		txn, err := svc.Update(ctx, chi.URLParam(r, "transactionId"), domain.TransactionUpdate{
			AccountID:   req.AccountID,
			Amount:      &req.Amount,
			Date:        &date,
			Category:    &req.Category,
			Description: &req.Description,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, txn)
	}
}

func patchTransactionHandler(svc *service.TransactionRecorder, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PATCH /v1/transactions/{transactionId}")
		defer span.End()

		req, err := decodeAndValidate[patchTransactionRequest](w, r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		upd := domain.TransactionUpdate{
			AccountID:   req.AccountID,
			Amount:      req.Amount,
			Category:    req.Category,
			Description: req.Description,
		}
		if req.Date != nil {
			var date time.Time
			if date, err = parseOptionalDate("date", *req.Date); err != nil {
				handleServiceError(w, err, logger)
				return
			}
			upd.Date = &date
		}

		txn, err := svc.Update(ctx, chi.URLParam(r, "transactionId"), upd)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, txn)
	}
}

func deleteTransactionHandler(svc *service.TransactionRecorder, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /v1/transactions/{transactionId}")
		defer span.End()
		if err := svc.Delete(ctx, chi.URLParam(r, "transactionId")); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
