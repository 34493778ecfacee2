package domain

import (
	"strconv"
	"time"
)

// ============================================================
// Transfers
// ============================================================

// Transfer is the logical pairing of two transfer legs sharing a group id:
// a debit on the source account and a credit of the same magnitude on the
// destination account.
type Transfer struct {
	GroupID              string      `json:"group_id"`
	SourceAccountID      string      `json:"source_account_id"`
	DestinationAccountID string      `json:"destination_account_id"`
	Amount               int64       `json:"amount"`
	Date                 time.Time   `json:"date"`
	Debit                Transaction `json:"debit"`
	Credit               Transaction `json:"credit"`
}

// CreateTransferInput is the payload for moving money between two accounts.
type CreateTransferInput struct {
	SourceAccountID      string
	DestinationAccountID string
	Amount               int64
	Date                 time.Time
	Category             string
	Description          string
}

// UpdateTransferInput carries the new amount and date of an existing transfer.
type UpdateTransferInput struct {
	Amount int64
	Date   time.Time
}

// TransferFromLegs rebuilds a Transfer from its two legs. It returns an
// ErrInvariant when the legs do not form a valid pair.
func TransferFromLegs(groupID string, legs []Transaction) (*Transfer, error) {
	if len(legs) != 2 {
		return nil, &ErrInvariant{
			Resource: "transfer",
			ID:       groupID,
			Detail:   "expected 2 legs, found " + strconv.Itoa(len(legs)),
		}
	}
	debit, credit := legs[0], legs[1]
	if debit.Amount > 0 {
		debit, credit = credit, debit
	}
	switch {
	case debit.AccountID == credit.AccountID:
		return nil, &ErrInvariant{Resource: "transfer", ID: groupID, Detail: "both legs on the same account"}
	case debit.Amount >= 0 || credit.Amount != -debit.Amount:
		return nil, &ErrInvariant{Resource: "transfer", ID: groupID, Detail: "legs are not negated amounts"}
	case debit.TransferGroupID != groupID || credit.TransferGroupID != groupID:
		return nil, &ErrInvariant{Resource: "transfer", ID: groupID, Detail: "leg carries a different group id"}
	}
	return &Transfer{
		GroupID:              groupID,
		SourceAccountID:      debit.AccountID,
		DestinationAccountID: credit.AccountID,
		Amount:               credit.Amount,
		Date:                 credit.Date,
		Debit:                debit,
		Credit:               credit,
	}, nil
}
