package domain

import "time"

// Ledger event types, also used as AMQP routing keys.
const (
	EventAccountCreated     = "account.created"
	EventAccountDeleted     = "account.deleted"
	EventTransactionCreated = "transaction.created"
	EventTransactionUpdated = "transaction.updated"
	EventTransactionDeleted = "transaction.deleted"
	EventTransferCreated    = "transfer.created"
	EventTransferUpdated    = "transfer.updated"
	EventTransferDeleted    = "transfer.deleted"
	EventInterestAccrued    = "interest.accrued"
)

// Event describes a committed ledger change.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	AccountIDs []string  `json:"account_ids"`
	Payload    any       `json:"payload"`
}
