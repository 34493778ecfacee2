package domain

import (
	"context"
	"errors"
	"fmt"
)

// Error types for consistent error handling across the ledger.

// ErrSerialization is returned by stores when the atomic unit lost a
// serialization race (lock conflict, deadlock victim, busy database).
// It is retried by the ledger and never reaches callers as is.
var ErrSerialization = errors.New("serialization failure")

// Validation codes carried by ErrValidation.
const (
	CodeInvalidAmount        = "invalid_amount"
	CodeInvalidDate          = "invalid_date"
	CodeInvalidTransfer      = "invalid_transfer"
	CodeAccountMismatch      = "account_mismatch"
	CodeProtectedTransaction = "protected_transaction"
	CodeNotACreditAccount    = "not_a_credit_account"
	CodeInvalidAccount       = "invalid_account"
	CodeAccountInUse         = "account_has_transactions"
)

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Code    string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrLimitExceeded indicates a credit limit would be exceeded.
type ErrLimitExceeded struct {
	AccountID string
	Limit     int64
	Current   int64
}

func (e *ErrLimitExceeded) Error() string {
	return fmt.Sprintf("credit limit exceeded [%s]: limit=%s debt=%s",
		e.AccountID, FormatMinor(e.Limit), FormatMinor(e.Current))
}

// ErrConflict indicates the operation kept losing serialization races and
// gave up. Callers may retry it safely.
type ErrConflict struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("conflict on %s after %d attempts, retry later", e.Operation, e.Attempts)
}

func (e *ErrConflict) Unwrap() error {
	return e.Err
}

// ErrInvariant indicates stored data breaks a ledger invariant (a transfer
// missing a leg, a balance that no longer matches its transactions).
// It signals corruption, not a user mistake.
type ErrInvariant struct {
	Resource string
	ID       string
	Detail   string
}

func (e *ErrInvariant) Error() string {
	return fmt.Sprintf("ledger invariant violated [%s %s]: %s", e.Resource, e.ID, e.Detail)
}

// ErrForbidden indicates the caller does not own the resource.
type ErrForbidden struct {
	Action string
}

func (e *ErrForbidden) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Action)
}

// ErrCircuitOpen indicates the circuit breaker in front of the store is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrDuplicate indicates a uniqueness constraint rejected a write.
type ErrDuplicate struct {
	Key string
}

func (e *ErrDuplicate) Error() string {
	return fmt.Sprintf("duplicate: %s", e.Key)
}

// Error kinds reported to callers and metrics.
const (
	KindNotFound      = "not_found"
	KindValidation    = "validation"
	KindLimitExceeded = "limit_exceeded"
	KindConflict      = "conflict"
	KindInvariant     = "invariant"
	KindForbidden     = "forbidden"
	KindUnavailable   = "unavailable"
	KindCanceled      = "canceled"
	KindInternal      = "internal"
)

// KindOf classifies err into one of the Kind* constants. A nil error is "ok".
func KindOf(err error) string {
	var (
		notFound   *ErrNotFound
		validation *ErrValidation
		limit      *ErrLimitExceeded
		conflict   *ErrConflict
		invariant  *ErrInvariant
		forbidden  *ErrForbidden
		open       *ErrCircuitOpen
		duplicate  *ErrDuplicate
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &invariant):
		return KindInvariant
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &limit):
		return KindLimitExceeded
	case errors.As(err, &conflict), errors.As(err, &duplicate), errors.Is(err, ErrSerialization):
		return KindConflict
	case errors.As(err, &forbidden):
		return KindForbidden
	case errors.As(err, &open):
		return KindUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}

// IsDomainError reports whether err is an expected business outcome rather
// than an infrastructure failure.
func IsDomainError(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindValidation, KindLimitExceeded, KindForbidden, KindInvariant:
		return true
	}
	return false
}
