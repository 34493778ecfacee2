// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the ledger services
// from the concrete stores, brokers and caches behind them.
package port

import (
	"context"
	"time"

	"github.com/ledgerd/ledgerd/internal/domain"
)

// LedgerStore is the relational store holding accounts and transactions.
//
// WithinTx is the only way to mutate state: fn runs inside a single atomic
// unit with serializable semantics for account balances. If fn returns an
// error the unit is rolled back and nothing it wrote is visible. Stores
// report lost serialization races as domain.ErrSerialization so the caller
// can retry the whole unit.
type LedgerStore interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error

	// Committed reads, outside any unit.
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)
	GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error)
	ListTransferLegs(ctx context.Context, groupID string) ([]domain.Transaction, error)
	ListCreditAccounts(ctx context.Context) ([]domain.Account, error)
	SumTransactions(ctx context.Context, accountID string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// LedgerTx is the view of the store inside an atomic unit.
//
// Every method that returns accounts or transactions locks the rows it
// returns (and, for transactions, their owning accounts) until the unit
// ends. LockAccounts acquires locks in ascending id order.
type LedgerTx interface {
	CreateAccount(ctx context.Context, acc *domain.Account) error
	LockAccounts(ctx context.Context, accountIDs ...string) ([]*domain.Account, error)
	UpdateBalance(ctx context.Context, accountID string, balance int64) error
	SetLastAccrual(ctx context.Context, accountID string, date time.Time) error
	DeleteAccount(ctx context.Context, accountID string) error

	InsertTransaction(ctx context.Context, txn *domain.Transaction) error
	GetTransactionForUpdate(ctx context.Context, transactionID string) (*domain.Transaction, error)
	UpdateTransaction(ctx context.Context, txn *domain.Transaction) error
	DeleteTransaction(ctx context.Context, transactionID string) error
	ListTransferLegsForUpdate(ctx context.Context, groupID string) ([]domain.Transaction, error)
	ListAccountTransactions(ctx context.Context, accountID string) ([]domain.Transaction, error)
}

// EventPublisher delivers ledger events after their unit committed.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
	Close() error
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}
