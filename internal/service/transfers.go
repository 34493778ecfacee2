package service

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ledgerd/ledgerd/internal/domain"
	"github.com/ledgerd/ledgerd/internal/port"
)

// TransferEngine moves money between two accounts as a pair of legs that
// share a group id. A transfer never creates or destroys money.
type TransferEngine struct {
	ledger *Ledger
	logger *zap.Logger
}

// NewTransferEngine creates a transfer engine on top of ledger.
func NewTransferEngine(ledger *Ledger, logger *zap.Logger) *TransferEngine {
	return &TransferEngine{ledger: ledger, logger: logger}
}

// Create debits the source and credits the destination in one unit.
func (e *TransferEngine) Create(ctx context.Context, in domain.CreateTransferInput) (*domain.Transfer, error) {
	ctx, span := ledgerTracer.Start(ctx, "TransferEngine.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("transfer.source", in.SourceAccountID),
		attribute.String("transfer.destination", in.DestinationAccountID),
		attribute.Int64("amount", in.Amount),
	)

	switch {
	case in.SourceAccountID == "" || in.DestinationAccountID == "":
		return nil, invalidTransfer("source and destination accounts are required")
	case in.SourceAccountID == in.DestinationAccountID:
		return nil, invalidTransfer("source and destination must differ")
	case in.Amount <= 0:
		return nil, invalidTransfer("amount must be positive")
	case in.Date.IsZero():
		return nil, &domain.ErrValidation{Field: "date", Code: domain.CodeInvalidDate, Message: "date is required"}
	}

	category := in.Category
	if category == "" {
		category = domain.CategoryTransfer
	}
	now := e.ledger.now().UTC()
	groupID := uuid.NewString()
	leg := func(accountID string, amount int64) domain.Transaction {
		return domain.Transaction{
			ID:              uuid.NewString(),
			AccountID:       accountID,
			Amount:          amount,
			Date:            domain.DateOf(in.Date),
			Category:        category,
			Description:     in.Description,
			TransferGroupID: groupID,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
	}
	debit := leg(in.SourceAccountID, -in.Amount)
	credit := leg(in.DestinationAccountID, in.Amount)

	err := e.ledger.Atomic(ctx, "transfer.create", func(ctx context.Context, tx port.LedgerTx) error {
		accounts, err := e.ledger.Lock(ctx, tx, in.SourceAccountID, in.DestinationAccountID)
		if err != nil {
			return err
		}
		if accounts[in.SourceAccountID].Currency != accounts[in.DestinationAccountID].Currency {
			return invalidTransfer("accounts hold different currencies")
		}
		if _, err := e.ledger.ApplyDelta(ctx, tx, debit.AccountID, debit.Amount); err != nil {
			return err
		}
		if _, err := e.ledger.ApplyDelta(ctx, tx, credit.AccountID, credit.Amount); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, &debit); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &credit)
	})
	if err != nil {
		return nil, err
	}

	transfer, err := domain.TransferFromLegs(groupID, []domain.Transaction{debit, credit})
	if err != nil {
		return nil, err
	}
	e.logger.Info("transfer created",
		zap.String("group_id", groupID),
		zap.String("source", transfer.SourceAccountID),
		zap.String("destination", transfer.DestinationAccountID),
		zap.String("amount", domain.FormatMinor(transfer.Amount)),
	)
	e.ledger.publish(ctx, domain.EventTransferCreated, transfer, transfer.SourceAccountID, transfer.DestinationAccountID)
	return transfer, nil
}

// Get returns the committed transfer for a group id.
func (e *TransferEngine) Get(ctx context.Context, groupID string) (*domain.Transfer, error) {
	ctx, span := ledgerTracer.Start(ctx, "TransferEngine.Get")
	defer span.End()

	legs, err := e.ledger.store.ListTransferLegs(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(legs) == 0 {
		return nil, &domain.ErrNotFound{Resource: "transfer", ID: groupID}
	}
	transfer, err := domain.TransferFromLegs(groupID, legs)
	if err != nil {
		e.ledger.metrics.IncrInvariantViolation("transfer")
		e.logger.Error("ledger invariant violated", zap.String("group_id", groupID), zap.Error(err))
		return nil, err
	}
	for _, id := range []string{transfer.SourceAccountID, transfer.DestinationAccountID} {
		acc, err := e.ledger.store.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := checkOwner(ctx, acc); err != nil {
			return nil, err
		}
	}
	return transfer, nil
}

// Update changes the amount and date of a transfer. Both legs are reversed
// and reapplied in one unit, so each account only sees the net difference.
func (e *TransferEngine) Update(ctx context.Context, groupID string, in domain.UpdateTransferInput) (*domain.Transfer, error) {
	ctx, span := ledgerTracer.Start(ctx, "TransferEngine.Update")
	defer span.End()
	span.SetAttributes(attribute.String("transfer.group_id", groupID), attribute.Int64("amount", in.Amount))

	if in.Amount <= 0 {
		return nil, invalidTransfer("amount must be positive")
	}
	if in.Date.IsZero() {
		return nil, &domain.ErrValidation{Field: "date", Code: domain.CodeInvalidDate, Message: "date is required"}
	}

	var updated *domain.Transfer
	err := e.ledger.Atomic(ctx, "transfer.update", func(ctx context.Context, tx port.LedgerTx) error {
		cur, err := e.lockTransfer(ctx, tx, groupID)
		if err != nil {
			return err
		}

		if diff := in.Amount - cur.Amount; diff != 0 {
			if _, err := e.ledger.ApplyDelta(ctx, tx, cur.SourceAccountID, -diff); err != nil {
				return err
			}
			if _, err := e.ledger.ApplyDelta(ctx, tx, cur.DestinationAccountID, diff); err != nil {
				return err
			}
		}

		now := e.ledger.now().UTC()
		debit, credit := cur.Debit, cur.Credit
		debit.Amount, credit.Amount = -in.Amount, in.Amount
		debit.Date, credit.Date = domain.DateOf(in.Date), domain.DateOf(in.Date)
		debit.UpdatedAt, credit.UpdatedAt = now, now
		if err := tx.UpdateTransaction(ctx, &debit); err != nil {
			return err
		}
		if err := tx.UpdateTransaction(ctx, &credit); err != nil {
			return err
		}

		updated, err = domain.TransferFromLegs(groupID, []domain.Transaction{debit, credit})
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("transfer updated",
		zap.String("group_id", groupID),
		zap.String("amount", domain.FormatMinor(updated.Amount)),
	)
	e.ledger.publish(ctx, domain.EventTransferUpdated, updated, updated.SourceAccountID, updated.DestinationAccountID)
	return updated, nil
}

// Delete reverses both legs and removes them.
func (e *TransferEngine) Delete(ctx context.Context, groupID string) error {
	ctx, span := ledgerTracer.Start(ctx, "TransferEngine.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("transfer.group_id", groupID))

	var deleted *domain.Transfer
	err := e.ledger.Atomic(ctx, "transfer.delete", func(ctx context.Context, tx port.LedgerTx) error {
		cur, err := e.lockTransfer(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if _, err := e.ledger.reverse(ctx, tx, cur.SourceAccountID, cur.Debit.Amount); err != nil {
			return err
		}
		if _, err := e.ledger.reverse(ctx, tx, cur.DestinationAccountID, cur.Credit.Amount); err != nil {
			return err
		}
		if err := tx.DeleteTransaction(ctx, cur.Debit.ID); err != nil {
			return err
		}
		if err := tx.DeleteTransaction(ctx, cur.Credit.ID); err != nil {
			return err
		}
		deleted = cur
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Info("transfer deleted", zap.String("group_id", groupID))
	e.ledger.publish(ctx, domain.EventTransferDeleted, deleted, deleted.SourceAccountID, deleted.DestinationAccountID)
	return nil
}

// lockTransfer loads both legs of a group under lock and checks that they
// still form a valid pair.
func (e *TransferEngine) lockTransfer(ctx context.Context, tx port.LedgerTx, groupID string) (*domain.Transfer, error) {
	legs, err := tx.ListTransferLegsForUpdate(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(legs) == 0 {
		return nil, &domain.ErrNotFound{Resource: "transfer", ID: groupID}
	}
	transfer, err := domain.TransferFromLegs(groupID, legs)
	if err != nil {
		return nil, err
	}
	if _, err := e.ledger.Lock(ctx, tx, transfer.SourceAccountID, transfer.DestinationAccountID); err != nil {
		return nil, err
	}
	return transfer, nil
}

func invalidTransfer(msg string) error {
	return &domain.ErrValidation{Field: "transfer", Code: domain.CodeInvalidTransfer, Message: msg}
}
