// Package service holds the ledger use cases: the account ledger, the
// transaction recorder, the transfer engine and the interest accrual engine.
package service

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/ledgerd/ledgerd/internal/domain"
	"github.com/ledgerd/ledgerd/internal/infra/events"
	"github.com/ledgerd/ledgerd/internal/infra/observability"
	"github.com/ledgerd/ledgerd/internal/infra/resilience"
	"github.com/ledgerd/ledgerd/internal/port"
)

var ledgerTracer = otel.Tracer("service/ledger")

// TxFunc is the body of an atomic unit.
type TxFunc func(ctx context.Context, tx port.LedgerTx) error

// Ledger owns account balances. Every mutation runs through Atomic, which
// is the only transactional boundary of the service layer.
type Ledger struct {
	store    port.LedgerStore
	events   port.EventPublisher
	cfg      resilience.Config
	cb       *gobreaker.CircuitBreaker
	bulkhead *resilience.Bulkhead
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// LedgerOption customises a Ledger.
type LedgerOption func(*Ledger)

// WithEvents sets the publisher that receives events after commit.
func WithEvents(p port.EventPublisher) LedgerOption {
	return func(l *Ledger) { l.events = p }
}

// WithClock overrides the wall clock used for timestamps and default dates.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a ledger over store.
func NewLedger(store port.LedgerStore, cfg resilience.Config, metrics *observability.Metrics, logger *zap.Logger, opts ...LedgerOption) *Ledger {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 64
	}
	l := &Ledger{
		store:    store,
		events:   events.Nop{},
		cfg:      cfg,
		bulkhead: resilience.NewBulkhead(cfg.MaxConcurrency),
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
	// business outcomes and lost races say nothing about store health
	l.cb = resilience.NewCircuitBreaker("ledger-store", func(err error) bool {
		return domain.KindOf(err) != domain.KindInternal
	})
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the underlying store for committed reads.
func (l *Ledger) Store() port.LedgerStore { return l.store }

// Today returns the current date in UTC.
func (l *Ledger) Today() time.Time { return domain.DateOf(l.now()) }

// Atomic runs fn as one atomic unit, retrying lost serialization races with
// backoff. A unit that keeps losing fails with *domain.ErrConflict.
func (l *Ledger) Atomic(ctx context.Context, op string, fn TxFunc) error {
	ctx, span := ledgerTracer.Start(ctx, "Ledger."+op)
	defer span.End()

	start := time.Now()
	attempts, err := l.atomic(ctx, op, fn)
	l.metrics.RecordOperation(op, domain.KindOf(err), time.Since(start))
	span.SetAttributes(attribute.Int("ledger.attempts", attempts))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		var inv *domain.ErrInvariant
		if errors.As(err, &inv) {
			l.metrics.IncrInvariantViolation(inv.Resource)
			l.logger.Error("ledger invariant violated",
				zap.String("operation", op),
				zap.String("resource", inv.Resource),
				zap.String("id", inv.ID),
				zap.String("detail", inv.Detail),
			)
		}
	}
	return err
}

func (l *Ledger) atomic(ctx context.Context, op string, fn TxFunc) (int, error) {
	if err := l.bulkhead.Acquire(ctx); err != nil {
		return 0, err
	}
	defer l.bulkhead.Release()

	cfg := l.cfg
	cfg.RetryIf = func(err error) bool { return errors.Is(err, domain.ErrSerialization) }
	cfg.OnRetry = func(attempt int, err error) {
		l.metrics.IncrConflictRetry(op)
		l.logger.Debug("retrying atomic unit",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	attempts := 0
	err := resilience.RetryWithBackoff(ctx, cfg, func() error {
		attempts++
		_, err := l.cb.Execute(func() (any, error) {
			return nil, l.store.WithinTx(ctx, fn)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &domain.ErrCircuitOpen{Service: "ledger-store"}
		}
		return err
	})
	if errors.Is(err, domain.ErrSerialization) {
		l.logger.Warn("atomic unit gave up after conflicts",
			zap.String("operation", op),
			zap.Int("attempts", attempts),
		)
		return attempts, &domain.ErrConflict{Operation: op, Attempts: attempts, Err: err}
	}
	return attempts, err
}

// Lock locks accountIDs for the rest of the unit and checks that the
// caller owns each of them.
func (l *Ledger) Lock(ctx context.Context, tx port.LedgerTx, accountIDs ...string) (map[string]*domain.Account, error) {
	accounts, err := tx.LockAccounts(ctx, accountIDs...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*domain.Account, len(accounts))
	for _, acc := range accounts {
		if err := checkOwner(ctx, acc); err != nil {
			return nil, err
		}
		out[acc.ID] = acc
	}
	return out, nil
}

// ApplyDelta adds amount to the balance of accountID inside an open unit
// and returns the updated account. A balance-decreasing delta on a credit
// account may not leave its debt above the credit limit.
func (l *Ledger) ApplyDelta(ctx context.Context, tx port.LedgerTx, accountID string, amount int64) (*domain.Account, error) {
	return l.applyDelta(ctx, tx, accountID, amount, true)
}

// postInterest applies an interest charge, which may exceed the credit limit.
func (l *Ledger) postInterest(ctx context.Context, tx port.LedgerTx, accountID string, amount int64) (*domain.Account, error) {
	return l.applyDelta(ctx, tx, accountID, amount, false)
}

// reverse undoes a posted amount. Removing a movement restores the balance
// it changed even when the account has since used its credit limit.
func (l *Ledger) reverse(ctx context.Context, tx port.LedgerTx, accountID string, posted int64) (*domain.Account, error) {
	return l.applyDelta(ctx, tx, accountID, -posted, false)
}

func (l *Ledger) applyDelta(ctx context.Context, tx port.LedgerTx, accountID string, amount int64, enforceLimit bool) (*domain.Account, error) {
	if amount == 0 {
		return nil, &domain.ErrValidation{Field: "amount", Code: domain.CodeInvalidAmount, Message: "amount must not be zero"}
	}
	accounts, err := l.Lock(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	acc := accounts[accountID]

	balance, ok := domain.AddMinor(acc.Balance, amount)
	if !ok || balance == math.MinInt64 {
		return nil, &domain.ErrValidation{Field: "amount", Code: domain.CodeInvalidAmount, Message: "balance out of range"}
	}
	if enforceLimit && acc.IsCredit() && amount < 0 && -balance > acc.CreditLimit {
		return nil, &domain.ErrLimitExceeded{AccountID: acc.ID, Limit: acc.CreditLimit, Current: -balance}
	}

	if err := tx.UpdateBalance(ctx, accountID, balance); err != nil {
		return nil, err
	}
	acc.Balance = balance
	return acc, nil
}

// GetBalance returns the committed balance of an account.
func (l *Ledger) GetBalance(ctx context.Context, accountID string) (int64, error) {
	ctx, span := ledgerTracer.Start(ctx, "Ledger.GetBalance")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", accountID))

	acc, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if err := checkOwner(ctx, acc); err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// publish hands events to the broker after commit. Failures are logged and
// counted; the committed change stands.
func (l *Ledger) publish(ctx context.Context, eventType string, payload any, accountIDs ...string) {
	event := domain.Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: l.now().UTC(),
		AccountIDs: accountIDs,
		Payload:    payload,
	}
	if err := l.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		l.metrics.IncrEventPublished("error")
		l.logger.Warn("failed to publish ledger event",
			zap.String("type", eventType),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		return
	}
	l.metrics.IncrEventPublished("ok")
}

func checkOwner(ctx context.Context, acc *domain.Account) error {
	owner := domain.OwnerFromContext(ctx)
	if owner != "" && acc.OwnerID != owner {
		return &domain.ErrForbidden{Action: "access account " + acc.ID}
	}
	return nil
}
