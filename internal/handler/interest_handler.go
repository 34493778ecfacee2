package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ledgerd/ledgerd/internal/service"
)

// ============================================================
// Credit card interest Handlers
// ============================================================

// accountId is the documented field; account_id is still accepted from older clients.
type accrueInterestRequest struct {
	AccountID       string `json:"accountId" validate:"required_without=LegacyAccountID,max=128"`
	LegacyAccountID string `json:"account_id" validate:"required_without=AccountID,max=128"`
	Date            string `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

func (r accrueInterestRequest) accountID() string {
	if r.AccountID != "" {
		return r.AccountID
	}
	return r.LegacyAccountID
}

type runInterestRequest struct {
	Date string `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

type runInterestResponse struct {
	Date     string                   `json:"date,omitempty"`
	Accounts int                      `json:"accounts"`
	Charged  int                      `json:"charged"`
	Failed   int                      `json:"failed"`
	Outcomes []service.AccrualOutcome `json:"outcomes"`
}

func accrueInterestHandler(svc *service.InterestEngine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/credit-cards/interest")
		defer span.End()

		req, err := decodeAndValidate[accrueInterestRequest](w, r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		asOf, err := parseOptionalDate("date", req.Date)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		res, err := svc.Accrue(ctx, req.accountID(), asOf)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		status := http.StatusOK
		if res.Charged {
			status = http.StatusCreated
		}
		writeJSON(w, status, res)
	}
}

func runInterestHandler(svc *service.InterestEngine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/credit-cards/interest/run")
		defer span.End()

		// The body is optional: no date means today.
		req := &runInterestRequest{}
		if r.ContentLength != 0 {
			var err error
			if req, err = decodeAndValidate[runInterestRequest](w, r); err != nil {
				handleServiceError(w, err, logger)
				return
			}
		}
		asOf, err := parseOptionalDate("date", req.Date)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		outcomes, err := svc.AccrueAll(ctx, asOf)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		resp := runInterestResponse{Date: req.Date, Accounts: len(outcomes), Outcomes: outcomes}
		for _, o := range outcomes {
			switch {
			case o.Error != "":
				resp.Failed++
			case o.Result != nil && o.Result.Charged:
				resp.Charged++
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
