package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerd/ledgerd/internal/domain"
	"github.com/ledgerd/ledgerd/internal/port"
)

const defaultAccrualConcurrency = 4

// InterestEngine posts interest on outstanding credit-card debt.
type InterestEngine struct {
	ledger      *Ledger
	concurrency int
	logger      *zap.Logger
}

// NewInterestEngine creates an interest engine. concurrency bounds AccrueAll.
func NewInterestEngine(ledger *Ledger, concurrency int, logger *zap.Logger) *InterestEngine {
	if concurrency <= 0 {
		concurrency = defaultAccrualConcurrency
	}
	return &InterestEngine{ledger: ledger, concurrency: concurrency, logger: logger}
}

// Accrue charges interest on the debt of a credit account for the days
// elapsed since its last accrual (or its opening) up to asOf. A zero asOf
// means today. It is idempotent per date and per billing period: repeating
// it posts nothing and reports why.
func (e *InterestEngine) Accrue(ctx context.Context, accountID string, asOf time.Time) (*domain.AccrualResult, error) {
	ctx, span := ledgerTracer.Start(ctx, "InterestEngine.Accrue")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", accountID))

	if asOf.IsZero() {
		asOf = e.ledger.Today()
	}
	asOf = domain.DateOf(asOf)

	var result *domain.AccrualResult
	err := e.ledger.Atomic(ctx, "interest.accrue", func(ctx context.Context, tx port.LedgerTx) error {
		var err error
		result, err = e.accrue(ctx, tx, accountID, asOf)
		return err
	})
	if err != nil {
		return nil, err
	}

	if result.Charged {
		e.ledger.metrics.AddInterestCharged(result.Charge)
		e.logger.Info("interest accrued",
			zap.String("account_id", accountID),
			zap.String("as_of", domain.FormatDate(asOf)),
			zap.Int("days", result.ElapsedDays),
			zap.String("charge", domain.FormatMinor(result.Charge)),
			zap.String("balance", domain.FormatMinor(result.Balance)),
		)
		e.ledger.publish(ctx, domain.EventInterestAccrued, result, accountID)
	} else {
		e.logger.Debug("no interest accrued",
			zap.String("account_id", accountID),
			zap.String("reason", result.Reason),
		)
	}
	return result, nil
}

func (e *InterestEngine) accrue(ctx context.Context, tx port.LedgerTx, accountID string, asOf time.Time) (*domain.AccrualResult, error) {
	accounts, err := e.ledger.Lock(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	acc := accounts[accountID]
	result := &domain.AccrualResult{AccountID: accountID, AsOf: asOf, Balance: acc.Balance}

	if !acc.IsCredit() {
		return nil, &domain.ErrValidation{
			Field:   "account_id",
			Code:    domain.CodeNotACreditAccount,
			Message: "interest accrues on credit accounts only",
		}
	}
	if acc.Debt() == 0 {
		result.Reason = domain.AccrualNoDebt
		return result, nil
	}
	if acc.InterestRateBps == 0 {
		result.Reason = domain.AccrualZeroRate
		return result, nil
	}

	baseline := domain.DateOf(acc.CreatedAt)
	if acc.LastInterestAccrual != nil {
		baseline = domain.DateOf(*acc.LastInterestAccrual)
		if asOf.Equal(baseline) {
			result.Reason = domain.AccrualAlreadyAccrued
			return result, nil
		}
	}
	if asOf.Before(baseline) {
		return nil, &domain.ErrValidation{
			Field:   "date",
			Code:    domain.CodeInvalidDate,
			Message: "date " + domain.FormatDate(asOf) + " precedes the last accrual " + domain.FormatDate(baseline),
		}
	}
	period := domain.BillingPeriodStart(asOf, acc.BillingCycleDay)
	if acc.BillingCycleDay > 0 && acc.LastInterestAccrual != nil &&
		period.Equal(domain.BillingPeriodStart(*acc.LastInterestAccrual, acc.BillingCycleDay)) {
		result.Reason = domain.AccrualAlreadyAccrued
		return result, nil
	}

	days := domain.ElapsedDays(baseline, asOf)
	result.ElapsedDays = days
	charge, ok := domain.InterestCharge(acc.Debt(), acc.InterestRateBps, days)
	if !ok {
		return nil, &domain.ErrValidation{Field: "amount", Code: domain.CodeInvalidAmount, Message: "interest charge out of range"}
	}
	if charge == 0 {
		result.Reason = domain.AccrualRoundsToZero
		return result, nil
	}

	now := e.ledger.now().UTC()
	txn := &domain.Transaction{
		ID:              uuid.NewString(),
		AccountID:       accountID,
		Amount:          -charge,
		Date:            asOf,
		Category:        domain.CategoryInterest,
		Description:     "Interest " + domain.FormatDate(baseline) + " to " + domain.FormatDate(asOf),
		InterestAccrual: true,
		AccrualPeriod:   domain.FormatDate(period),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	updated, err := e.ledger.postInterest(ctx, tx, accountID, txn.Amount)
	if err != nil {
		return nil, err
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return nil, err
	}
	if err := tx.SetLastAccrual(ctx, accountID, asOf); err != nil {
		return nil, err
	}

	result.Charged = true
	result.Charge = charge
	result.Transaction = txn
	result.Balance = updated.Balance
	return result, nil
}

// AccrualOutcome is the per-account result of AccrueAll.
type AccrualOutcome struct {
	AccountID string                `json:"account_id"`
	Result    *domain.AccrualResult `json:"result,omitempty"`
	Error     string                `json:"error,omitempty"`
	ErrorKind string                `json:"error_kind,omitempty"`
}

// AccrueAll runs Accrue for every credit account visible to the caller.
// Failures are reported per account and do not stop the run.
func (e *InterestEngine) AccrueAll(ctx context.Context, asOf time.Time) ([]AccrualOutcome, error) {
	ctx, span := ledgerTracer.Start(ctx, "InterestEngine.AccrueAll")
	defer span.End()

	accounts, err := e.ledger.store.ListCreditAccounts(ctx)
	if err != nil {
		return nil, err
	}
	owner := domain.OwnerFromContext(ctx)

	var ids []string
	for _, acc := range accounts {
		if owner == "" || acc.OwnerID == owner {
			ids = append(ids, acc.ID)
		}
	}
	span.SetAttributes(attribute.Int("accounts", len(ids)))

	outcomes := make([]AccrualOutcome, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			res, err := e.Accrue(gctx, id, asOf)
			outcomes[i] = AccrualOutcome{AccountID: id, Result: res}
			if err != nil {
				outcomes[i].Error = err.Error()
				outcomes[i].ErrorKind = domain.KindOf(err)
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}

	charged := 0
	for _, o := range outcomes {
		if o.Result != nil && o.Result.Charged {
			charged++
		}
	}
	e.logger.Info("interest run finished",
		zap.Int("accounts", len(ids)),
		zap.Int("charged", charged),
	)
	return outcomes, nil
}
