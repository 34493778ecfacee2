package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ledgerd/ledgerd/internal/domain"
)

// ============================================================
// Shared helper functions
// ============================================================

const (
	maxBodyBytes = 1 << 20

	// nginx convention for a client that went away mid-request.
	statusClientClosedRequest = 499

	codeInvalidRequest = "invalid_request"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json field names instead of Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeAndValidate reads a JSON body into T and runs its validate tags.
// Failures come back as *domain.ErrValidation.
func decodeAndValidate[T any](w http.ResponseWriter, r *http.Request) (*T, error) {
	var in T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &domain.ErrValidation{Field: "body", Code: codeInvalidRequest, Message: "request body is required"}
		}
		return nil, &domain.ErrValidation{Field: "body", Code: codeInvalidRequest, Message: "invalid JSON body: " + err.Error()}
	}
	if err := validate.Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return nil, &domain.ErrValidation{
				Field:   fe.Field(),
				Code:    codeInvalidRequest,
				Message: fmt.Sprintf("%s failed on '%s'", fe.Field(), fe.Tag()),
			}
		}
		return nil, &domain.ErrValidation{Field: "body", Code: codeInvalidRequest, Message: err.Error()}
	}
	return &in, nil
}

// parseOptionalDate parses a YYYY-MM-DD value; an empty string yields the zero time.
func parseOptionalDate(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	d, err := domain.ParseDate(s)
	if err != nil {
		return time.Time{}, &domain.ErrValidation{Field: field, Code: domain.CodeInvalidDate, Message: "date must be YYYY-MM-DD"}
	}
	return d, nil
}

// handleServiceError maps domain errors to HTTP responses.
func handleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var notFound *domain.ErrNotFound
	var circuitOpen *domain.ErrCircuitOpen
	var validation *domain.ErrValidation
	var limitExceeded *domain.ErrLimitExceeded
	var duplicate *domain.ErrDuplicate
	var forbidden *domain.ErrForbidden
	var conflict *domain.ErrConflict
	var invariant *domain.ErrInvariant

	switch {
	case errors.As(err, &invariant):
		logger.Error("ledger invariant violated",
			zap.String("resource", invariant.Resource),
			zap.String("id", invariant.ID),
			zap.String("detail", invariant.Detail),
		)
		writeError(w, http.StatusInternalServerError, "ledger_invariant_violation", err.Error())
	case errors.As(err, &notFound):
		logger.Debug("not found", zap.String("error", err.Error()))
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &circuitOpen):
		logger.Error("circuit breaker open", zap.Error(err))
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.As(err, &validation):
		logger.Debug("validation error", zap.String("error", err.Error()))
		code := validation.Code
		if code == "" {
			code = domain.KindValidation
		}
		writeError(w, http.StatusBadRequest, code, validation.Message)
	case errors.As(err, &limitExceeded):
		logger.Warn("credit limit exceeded",
			zap.String("account_id", limitExceeded.AccountID),
			zap.Int64("limit", limitExceeded.Limit),
			zap.Int64("debt", limitExceeded.Current),
		)
		writeError(w, http.StatusUnprocessableEntity, "credit_limit_exceeded", err.Error())
	case errors.As(err, &conflict):
		logger.Warn("conflict", zap.String("operation", conflict.Operation), zap.Int("attempts", conflict.Attempts))
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, domain.KindConflict, err.Error())
	case errors.As(err, &duplicate):
		logger.Debug("duplicate resource", zap.String("error", err.Error()))
		writeError(w, http.StatusConflict, "duplicate", err.Error())
	case errors.As(err, &forbidden):
		logger.Warn("forbidden access", zap.String("error", err.Error()))
		writeError(w, http.StatusForbidden, domain.KindForbidden, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		logger.Error("request timeout", zap.Error(err))
		writeError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
	case errors.Is(err, context.Canceled):
		logger.Debug("request canceled", zap.Error(err))
		writeError(w, statusClientClosedRequest, domain.KindCanceled, "request canceled")
	default:
		logger.Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, domain.KindInternal, "internal server error")
	}
}
