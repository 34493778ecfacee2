package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ledgerd/ledgerd/internal/domain"
	"github.com/ledgerd/ledgerd/internal/port"
)

// TransactionRecorder records incomes and expenses against a single account.
type TransactionRecorder struct {
	ledger *Ledger
	logger *zap.Logger
}

// NewTransactionRecorder creates a recorder on top of ledger.
func NewTransactionRecorder(ledger *Ledger, logger *zap.Logger) *TransactionRecorder {
	return &TransactionRecorder{ledger: ledger, logger: logger}
}

// Create inserts a transaction and applies its amount to the account balance.
func (r *TransactionRecorder) Create(ctx context.Context, in domain.CreateTransactionInput) (*domain.Transaction, error) {
	ctx, span := ledgerTracer.Start(ctx, "TransactionRecorder.Create")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", in.AccountID), attribute.Int64("amount", in.Amount))

	if strings.TrimSpace(in.AccountID) == "" {
		return nil, &domain.ErrValidation{Field: "account_id", Code: domain.CodeInvalidAccount, Message: "account_id is required"}
	}
	if in.Amount == 0 {
		return nil, &domain.ErrValidation{Field: "amount", Code: domain.CodeInvalidAmount, Message: "amount must not be zero"}
	}
	if in.Date.IsZero() {
		return nil, &domain.ErrValidation{Field: "date", Code: domain.CodeInvalidDate, Message: "date is required"}
	}

	now := r.ledger.now().UTC()
	txn := &domain.Transaction{
		ID:          uuid.NewString(),
		AccountID:   in.AccountID,
		Amount:      in.Amount,
		Date:        domain.DateOf(in.Date),
		Category:    in.Category,
		Description: in.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var balance int64
	err := r.ledger.Atomic(ctx, "transaction.create", func(ctx context.Context, tx port.LedgerTx) error {
		acc, err := r.ledger.ApplyDelta(ctx, tx, txn.AccountID, txn.Amount)
		if err != nil {
			return err
		}
		balance = acc.Balance
		return tx.InsertTransaction(ctx, txn)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("transaction recorded",
		zap.String("transaction_id", txn.ID),
		zap.String("account_id", txn.AccountID),
		zap.String("amount", domain.FormatMinor(txn.Amount)),
		zap.String("balance", domain.FormatMinor(balance)),
	)
	r.ledger.publish(ctx, domain.EventTransactionCreated, txn, txn.AccountID)
	return txn, nil
}

// Get returns a committed transaction.
func (r *TransactionRecorder) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	ctx, span := ledgerTracer.Start(ctx, "TransactionRecorder.Get")
	defer span.End()

	txn, err := r.ledger.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	acc, err := r.ledger.store.GetAccount(ctx, txn.AccountID)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(ctx, acc); err != nil {
		return nil, err
	}
	return txn, nil
}

// Update replaces the editable fields of a transaction and applies the
// difference between the new and the old amount to the balance.
// Transfer legs and interest postings cannot be edited here.
func (r *TransactionRecorder) Update(ctx context.Context, id string, upd domain.TransactionUpdate) (*domain.Transaction, error) {
	ctx, span := ledgerTracer.Start(ctx, "TransactionRecorder.Update")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", id))

	if upd.Amount != nil && *upd.Amount == 0 {
		return nil, &domain.ErrValidation{Field: "amount", Code: domain.CodeInvalidAmount, Message: "amount must not be zero"}
	}
	if upd.Date != nil && upd.Date.IsZero() {
		return nil, &domain.ErrValidation{Field: "date", Code: domain.CodeInvalidDate, Message: "date must not be empty"}
	}

	var updated *domain.Transaction
	err := r.ledger.Atomic(ctx, "transaction.update", func(ctx context.Context, tx port.LedgerTx) error {
		cur, err := r.editable(ctx, tx, id, upd.AccountID)
		if err != nil {
			return err
		}

		next := *cur
		if upd.Amount != nil {
			next.Amount = *upd.Amount
		}
		if upd.Date != nil {
			next.Date = domain.DateOf(*upd.Date)
		}
		if upd.Category != nil {
			next.Category = *upd.Category
		}
		if upd.Description != nil {
			next.Description = *upd.Description
		}
		next.UpdatedAt = r.ledger.now().UTC()

		delta, ok := domain.AddMinor(next.Amount, -cur.Amount)
		if !ok {
			return &domain.ErrValidation{Field: "amount", Code: domain.CodeInvalidAmount, Message: "amount out of range"}
		}
		if delta != 0 {
			if _, err := r.ledger.ApplyDelta(ctx, tx, cur.AccountID, delta); err != nil {
				return err
			}
		}
		if err := tx.UpdateTransaction(ctx, &next); err != nil {
			return err
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("transaction updated",
		zap.String("transaction_id", updated.ID),
		zap.String("account_id", updated.AccountID),
		zap.String("amount", domain.FormatMinor(updated.Amount)),
	)
	r.ledger.publish(ctx, domain.EventTransactionUpdated, updated, updated.AccountID)
	return updated, nil
}

// Delete removes a transaction and reverses its amount.
func (r *TransactionRecorder) Delete(ctx context.Context, id string) error {
	ctx, span := ledgerTracer.Start(ctx, "TransactionRecorder.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", id))

	var deleted *domain.Transaction
	err := r.ledger.Atomic(ctx, "transaction.delete", func(ctx context.Context, tx port.LedgerTx) error {
		cur, err := r.editable(ctx, tx, id, "")
		if err != nil {
			return err
		}
		if _, err := r.ledger.reverse(ctx, tx, cur.AccountID, cur.Amount); err != nil {
			return err
		}
		deleted = cur
		return tx.DeleteTransaction(ctx, id)
	})
	if err != nil {
		return err
	}

	r.logger.Info("transaction deleted",
		zap.String("transaction_id", id),
		zap.String("account_id", deleted.AccountID),
	)
	r.ledger.publish(ctx, domain.EventTransactionDeleted, deleted, deleted.AccountID)
	return nil
}

// editable locks a transaction for change and checks that the recorder may
// touch it.
func (r *TransactionRecorder) editable(ctx context.Context, tx port.LedgerTx, id, assertedAccount string) (*domain.Transaction, error) {
	cur, err := tx.GetTransactionForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := r.ledger.Lock(ctx, tx, cur.AccountID); err != nil {
		return nil, err
	}
	if assertedAccount != "" && assertedAccount != cur.AccountID {
		return nil, &domain.ErrValidation{
			Field:   "account_id",
			Code:    domain.CodeAccountMismatch,
			Message: "transaction " + id + " does not belong to account " + assertedAccount,
		}
	}
	if cur.Protected() {
		return nil, &domain.ErrValidation{
			Field:   "id",
			Code:    domain.CodeProtectedTransaction,
			Message: "transfer legs and interest postings are changed through their own endpoints",
		}
	}
	return cur, nil
}
