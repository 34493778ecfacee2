package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ledgerd/ledgerd/internal/domain"
	"github.com/ledgerd/ledgerd/internal/service"
)

// ============================================================
// Transfers Handlers
// ============================================================

type createTransferRequest struct {
	SourceAccountID      string `json:"source_account_id" validate:"required,max=128"`
	DestinationAccountID string `json:"destination_account_id" validate:"required,max=128"`
	Amount               int64  `json:"amount"`
	Date                 string `json:"date" validate:"required,datetime=2006-01-02"`
	Category             string `json:"category" validate:"max=64"`
	Description          string `json:"description" validate:"max=500"`
}

type updateTransferRequest struct {
	Amount int64  `json:"amount"`
	Date   string `json:"date" validate:"required,datetime=2006-01-02"`
}

func createTransferHandler(svc *service.TransferEngine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/transfers")
		defer span.End()

		req, err := decodeAndValidate[createTransferRequest](w, r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		date, err := parseOptionalDate("date", req.Date)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		tr, err := svc.Create(ctx, domain.CreateTransferInput{
			SourceAccountID:      req.SourceAccountID,
			DestinationAccountID: req.DestinationAccountID,
			Amount:               req.Amount,
			Date:                 date,
			Category:             req.Category,
			Description:          req.Description,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, tr)
	}
}

func getTransferHandler(svc *service.TransferEngine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/transfers/{groupId}")
		defer span.End()
		tr, err := svc.Get(ctx, chi.URLParam(r, "groupId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, tr)
	}
}

func updateTransferHandler(svc *service.TransferEngine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /v1/transfers/{groupId}")
		defer span.End()

		req, err := decodeAndValidate[updateTransferRequest](w, r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		date, err := parseOptionalDate("date", req.Date)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		tr, err := svc.Update(ctx, chi.URLParam(r, "groupId"), domain.UpdateTransferInput{
			Amount: req.Amount,
			Date:   date,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, tr)
	}
}

func deleteTransferHandler(svc *service.TransferEngine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /v1/transfers/{groupId}")
		defer span.End()
		if err := svc.Delete(ctx, chi.URLParam(r, "groupId")); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
