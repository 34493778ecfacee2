package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ledgerd/ledgerd/internal/domain"
	"github.com/ledgerd/ledgerd/internal/port"
)

// Account deletion policies.
const (
	DeletePolicyBlock   = "block"
	DeletePolicyCascade = "cascade"
)

// AccountService opens, inspects, reconciles and closes accounts.
type AccountService struct {
	ledger       *Ledger
	deletePolicy string
	logger       *zap.Logger
}

// NewAccountService creates an account service. deletePolicy is one of the
// DeletePolicy* constants; anything else behaves as DeletePolicyBlock.
func NewAccountService(ledger *Ledger, deletePolicy string, logger *zap.Logger) *AccountService {
	if deletePolicy != DeletePolicyCascade {
		deletePolicy = DeletePolicyBlock
	}
	return &AccountService{ledger: ledger, deletePolicy: deletePolicy, logger: logger}
}

// Create opens an account. A non-zero opening balance is posted as an
// opening_balance transaction in the same unit.
func (s *AccountService) Create(ctx context.Context, in domain.CreateAccountInput) (*domain.Account, error) {
	ctx, span := ledgerTracer.Start(ctx, "AccountService.Create")
	defer span.End()
	span.SetAttributes(attribute.String("account.type", string(in.Type)))

	if owner := domain.OwnerFromContext(ctx); owner != "" {
		if in.OwnerID != "" && in.OwnerID != owner {
			return nil, &domain.ErrForbidden{Action: "open an account for another owner"}
		}
		in.OwnerID = owner
	}
	if err := validateAccount(in); err != nil {
		return nil, err
	}

	now := s.ledger.now().UTC()
	acc := &domain.Account{
		ID:        uuid.NewString(),
		OwnerID:   in.OwnerID,
		Name:      strings.TrimSpace(in.Name),
		Type:      in.Type,
		Currency:  strings.ToUpper(in.Currency),
		CreatedAt: now,
	}
	if acc.IsCredit() {
		acc.CreditLimit = in.CreditLimit
		acc.InterestRateBps = in.InterestRateBps
		acc.BillingCycleDay = in.BillingCycleDay
	}
	openingDate := in.OpeningDate
	if openingDate.IsZero() {
		openingDate = now
	}

	err := s.ledger.Atomic(ctx, "account.create", func(ctx context.Context, tx port.LedgerTx) error {
		created := *acc
		if err := tx.CreateAccount(ctx, &created); err != nil {
			return err
		}
		if in.OpeningBalance == 0 {
			return nil
		}
		updated, err := s.ledger.ApplyDelta(ctx, tx, created.ID, in.OpeningBalance)
		if err != nil {
			return err
		}
		acc.Balance = updated.Balance
		return tx.InsertTransaction(ctx, &domain.Transaction{
			ID:          uuid.NewString(),
			AccountID:   created.ID,
			Amount:      in.OpeningBalance,
			Date:        domain.DateOf(openingDate),
			Category:    domain.CategoryOpeningBalance,
			Description: "Opening balance",
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("account created",
		zap.String("account_id", acc.ID),
		zap.String("type", string(acc.Type)),
		zap.String("balance", domain.FormatMinor(acc.Balance)),
	)
	s.ledger.publish(ctx, domain.EventAccountCreated, acc, acc.ID)
	return acc, nil
}

func validateAccount(in domain.CreateAccountInput) error {
	invalid := func(field, msg string) error {
		return &domain.ErrValidation{Field: field, Code: domain.CodeInvalidAccount, Message: msg}
	}
	switch {
	case strings.TrimSpace(in.Name) == "":
		return invalid("name", "name is required")
	case !in.Type.Valid():
		return invalid("type", fmt.Sprintf("unknown account type %q", in.Type))
	case len(in.Currency) != 3:
		return invalid("currency", "currency must be a 3-letter ISO code")
	}
	if in.Type == domain.AccountCredit {
		switch {
		case in.CreditLimit <= 0:
			return invalid("credit_limit", "credit accounts need a positive credit limit")
		case in.InterestRateBps < 0:
			return invalid("interest_rate_bps", "interest rate must not be negative")
		case in.BillingCycleDay < 0 || in.BillingCycleDay > 31:
			return invalid("billing_cycle_day", "billing cycle day must be between 1 and 31")
		}
		return nil
	}
	if in.CreditLimit != 0 || in.InterestRateBps != 0 || in.BillingCycleDay != 0 {
		return invalid("type", "only credit accounts carry a limit, a rate or a billing cycle")
	}
	return nil
}

// Get returns the committed state of an account.
func (s *AccountService) Get(ctx context.Context, id string) (*domain.Account, error) {
	ctx, span := ledgerTracer.Start(ctx, "AccountService.Get")
	defer span.End()

	acc, err := s.ledger.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(ctx, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// Delete closes an account according to the configured policy. Under
// "block" an account with transactions cannot be deleted; under "cascade"
// its transactions go with it and every transfer it took part in is
// reversed on the other side.
func (s *AccountService) Delete(ctx context.Context, id string) error {
	ctx, span := ledgerTracer.Start(ctx, "AccountService.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", id), attribute.String("policy", s.deletePolicy))

	touched := []string{id}
	err := s.ledger.Atomic(ctx, "account.delete", func(ctx context.Context, tx port.LedgerTx) error {
		touched = touched[:1]
		if _, err := s.ledger.Lock(ctx, tx, id); err != nil {
			return err
		}
		txns, err := tx.ListAccountTransactions(ctx, id)
		if err != nil {
			return err
		}
		if len(txns) > 0 && s.deletePolicy == DeletePolicyBlock {
			return &domain.ErrValidation{
				Field:   "id",
				Code:    domain.CodeAccountInUse,
				Message: fmt.Sprintf("account has %d transactions", len(txns)),
			}
		}

		for _, txn := range txns {
			if txn.IsTransferLeg() {
				other, err := s.reverseCounterpart(ctx, tx, txn)
				if err != nil {
					return err
				}
				touched = append(touched, other)
			}
			if err := tx.DeleteTransaction(ctx, txn.ID); err != nil {
				return err
			}
		}
		return tx.DeleteAccount(ctx, id)
	})
	if err != nil {
		return err
	}

	s.logger.Info("account deleted", zap.String("account_id", id), zap.String("policy", s.deletePolicy))
	s.ledger.publish(ctx, domain.EventAccountDeleted, map[string]string{"account_id": id}, touched...)
	return nil
}

// reverseCounterpart undoes the other leg of a transfer and deletes it.
// It returns the counterpart's account id.
func (s *AccountService) reverseCounterpart(ctx context.Context, tx port.LedgerTx, leg domain.Transaction) (string, error) {
	legs, err := tx.ListTransferLegsForUpdate(ctx, leg.TransferGroupID)
	if err != nil {
		return "", err
	}
	transfer, err := domain.TransferFromLegs(leg.TransferGroupID, legs)
	if err != nil {
		return "", err
	}
	other := transfer.Credit
	if other.ID == leg.ID {
		other = transfer.Debit
	}
	if _, err := s.ledger.reverse(ctx, tx, other.AccountID, other.Amount); err != nil {
		return "", err
	}
	if err := tx.DeleteTransaction(ctx, other.ID); err != nil {
		return "", err
	}
	return other.AccountID, nil
}

// Reconcile recomputes the sum of an account's transactions and compares
// it with the stored balance. A mismatch is an invariant violation.
func (s *AccountService) Reconcile(ctx context.Context, id string) (*domain.Reconciliation, error) {
	ctx, span := ledgerTracer.Start(ctx, "AccountService.Reconcile")
	defer span.End()

	var rec *domain.Reconciliation
	err := s.ledger.Atomic(ctx, "account.reconcile", func(ctx context.Context, tx port.LedgerTx) error {
		accounts, err := s.ledger.Lock(ctx, tx, id)
		if err != nil {
			return err
		}
		txns, err := tx.ListAccountTransactions(ctx, id)
		if err != nil {
			return err
		}
		var sum int64
		for _, t := range txns {
			sum += t.Amount
		}
		balance := accounts[id].Balance
		rec = &domain.Reconciliation{
			AccountID:        id,
			Balance:          balance,
			TransactionSum:   sum,
			TransactionCount: len(txns),
			Consistent:       sum == balance,
		}
		if !rec.Consistent {
			return &domain.ErrInvariant{
				Resource: "account",
				ID:       id,
				Detail:   fmt.Sprintf("balance %s differs from transaction sum %s", domain.FormatMinor(balance), domain.FormatMinor(sum)),
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}
