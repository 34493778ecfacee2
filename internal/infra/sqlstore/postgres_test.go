package sqlstore_test

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerd/ledgerd/internal/domain"
	"github.com/ledgerd/ledgerd/internal/infra/sqlstore"
	"github.com/ledgerd/ledgerd/internal/port"
)

func newPostgresMock(t *testing.T) (*sqlstore.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := sqlstore.New(db, sqlstore.DriverPostgres)
	require.NoError(t, err)
	return store, mock
}

func TestPostgres_LockAccountsUsesForUpdate(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE id IN ($1, $2) ORDER BY id FOR UPDATE`)).
		WithArgs("a", "b").
		WillReturnError(&pq.Error{Code: "40P01", Message: "deadlock detected"})
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.LedgerTx) error {
		_, err := tx.LockAccounts(ctx, "a", "b")
		return err
	})
	assert.ErrorIs(t, err, domain.ErrSerialization)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SerializationFailureAtCommit(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE accounts SET balance = $1 WHERE id = $2`)).
		WithArgs(int64(10), "a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.LedgerTx) error {
		return tx.UpdateBalance(ctx, "a", 10)
	})
	assert.ErrorIs(t, err, domain.ErrSerialization)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UniqueViolationIsDuplicate(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO transactions`)).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.LedgerTx) error {
		return tx.InsertTransaction(ctx, &domain.Transaction{
			ID: "i1", AccountID: "card", Amount: -740, InterestAccrual: true, AccrualPeriod: "2024-03-15",
		})
	})
	var dup *domain.ErrDuplicate
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "accrual card 2024-03-15", dup.Key)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateMissingAccount(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE accounts SET balance = $1 WHERE id = $2`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.LedgerTx) error {
		return tx.UpdateBalance(ctx, "ghost", 10)
	})
	var nf *domain.ErrNotFound
	require.ErrorAs(t, err, &nf)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNew_RejectsUnknownDriver(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = sqlstore.New(db, "oracle")
	assert.Error(t, err)
}
