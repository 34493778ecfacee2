// Package sqlstore implements the ledger store on database/sql, for
// Postgres (lib/pq) and SQLite (modernc.org/sqlite).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/ledgerd/ledgerd/internal/domain"
	"github.com/ledgerd/ledgerd/internal/port"
)

const accountColumns = `id, owner_id, name, type, currency, balance, credit_limit,
	interest_rate_bps, billing_cycle_day, last_interest_accrual, created_at`

const transactionColumns = `id, account_id, amount, date, category, description,
	transfer_group_id, interest_accrual, accrual_period, created_at, updated_at`

// Store is a port.LedgerStore backed by a SQL database.
type Store struct {
	db *sql.DB
	d  dialect
}

var _ port.LedgerStore = (*Store)(nil)

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if driver == DriverSQLite {
		dsn = SQLiteDSN(dsn)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}

	return New(db, driver)
}

// New wraps an open database handle.
func New(db *sql.DB, driver string) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, d: d}, nil
}

func (s *Store) conn() traced { return traced{q: s.db, d: s.d} }

// WithinTx runs fn in a database transaction at the dialect's isolation
// level. Serialization failures, including those reported at commit, come
// back as domain.ErrSerialization.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.LedgerTx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: s.d.isolation})
	if err != nil {
		return mapError(fmt.Errorf("begin: %w", err), "")
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(ctx, &tx{c: traced{q: sqlTx, d: s.d}, d: s.d}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("commit: %w", err), "")
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	return getAccount(ctx, s.conn(), accountID)
}

func (s *Store) GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	return getTransaction(ctx, s.conn(), transactionID, "")
}

func (s *Store) ListTransferLegs(ctx context.Context, groupID string) ([]domain.Transaction, error) {
	return listTransactions(ctx, s.conn(), "transfer_group_id = ?", "", groupID)
}

func (s *Store) ListCreditAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.conn().query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE type = ? ORDER BY id`, string(domain.AccountCredit))
	if err != nil {
		return nil, fmt.Errorf("list credit accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *acc)
	}
	return out, rows.Err()
}

func (s *Store) SumTransactions(ctx context.Context, accountID string) (int64, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return 0, err
	}
	var sum int64
	err := s.conn().queryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE account_id = ?`, accountID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum transactions: %w", err)
	}
	return sum, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ============================================================
// Transaction-scoped operations
// ============================================================

type tx struct {
	c traced
	d dialect
}

func (t *tx) CreateAccount(ctx context.Context, acc *domain.Account) error {
	_, err := t.c.exec(ctx, `INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		acc.ID, acc.OwnerID, acc.Name, string(acc.Type), acc.Currency, acc.Balance, acc.CreditLimit,
		acc.InterestRateBps, acc.BillingCycleDay, dateValue{acc.LastInterestAccrual}, stampValue(acc.CreatedAt))
	if err != nil {
		return mapError(fmt.Errorf("insert account: %w", err), "account "+acc.ID)
	}
	return nil
}

func (t *tx) LockAccounts(ctx context.Context, accountIDs ...string) ([]*domain.Account, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(accountIDs))
	for i, id := range accountIDs {
		args[i] = id
	}
	rows, err := t.c.query(ctx, `SELECT `+accountColumns+` FROM accounts
		WHERE id IN (`+placeholders(len(args))+`) ORDER BY id`+t.d.forUpdate, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("lock accounts: %w", err), "")
	}
	defer rows.Close()

	found := make(map[string]bool, len(accountIDs))
	var out []*domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		found[acc.ID] = true
		out = append(out, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(fmt.Errorf("lock accounts: %w", err), "")
	}
	for _, id := range accountIDs {
		if !found[id] {
			return nil, &domain.ErrNotFound{Resource: "account", ID: id}
		}
	}
	return out, nil
}

func (t *tx) UpdateBalance(ctx context.Context, accountID string, balance int64) error {
	return t.updateAccount(ctx, `UPDATE accounts SET balance = ? WHERE id = ?`, balance, accountID)
}

func (t *tx) SetLastAccrual(ctx context.Context, accountID string, date time.Time) error {
	return t.updateAccount(ctx, `UPDATE accounts SET last_interest_accrual = ? WHERE id = ?`,
		dateValue{&date}, accountID)
}

func (t *tx) DeleteAccount(ctx context.Context, accountID string) error {
	return t.updateAccount(ctx, `DELETE FROM accounts WHERE id = ?`, accountID)
}

func (t *tx) updateAccount(ctx context.Context, query string, args ...any) error {
	accountID, _ := args[len(args)-1].(string)
	res, err := t.c.exec(ctx, query, args...)
	if err != nil {
		return mapError(fmt.Errorf("write account %s: %w", accountID, err), "")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &domain.ErrNotFound{Resource: "account", ID: accountID}
	}
	return nil
}

func (t *tx) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	_, err := t.c.exec(ctx, `INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.AccountID, txn.Amount, dateValue{&txn.Date}, txn.Category, txn.Description,
		nullable(txn.TransferGroupID), txn.InterestAccrual, nullable(txn.AccrualPeriod),
		stampValue(txn.CreatedAt), stampValue(txn.UpdatedAt))
	if err != nil {
		key := "transaction " + txn.ID
		if txn.InterestAccrual {
			key = "accrual " + txn.AccountID + " " + txn.AccrualPeriod
		}
		return mapError(fmt.Errorf("insert transaction: %w", err), key)
	}
	return nil
}

func (t *tx) GetTransactionForUpdate(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	txn, err := getTransaction(ctx, t.c, transactionID, "")
	if err != nil {
		return nil, err
	}
	if _, err := t.LockAccounts(ctx, txn.AccountID); err != nil {
		return nil, err
	}
	// re-read under the account lock
	return getTransaction(ctx, t.c, transactionID, t.d.forUpdate)
}

func (t *tx) UpdateTransaction(ctx context.Context, txn *domain.Transaction) error {
	res, err := t.c.exec(ctx, `UPDATE transactions
		SET amount = ?, date = ?, category = ?, description = ?, updated_at = ?
		WHERE id = ? AND account_id = ?`,
		txn.Amount, dateValue{&txn.Date}, txn.Category, txn.Description, stampValue(txn.UpdatedAt),
		txn.ID, txn.AccountID)
	if err != nil {
		return mapError(fmt.Errorf("update transaction: %w", err), "")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &domain.ErrNotFound{Resource: "transaction", ID: txn.ID}
	}
	return nil
}

func (t *tx) DeleteTransaction(ctx context.Context, transactionID string) error {
	res, err := t.c.exec(ctx, `DELETE FROM transactions WHERE id = ?`, transactionID)
	if err != nil {
		return mapError(fmt.Errorf("delete transaction: %w", err), "")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &domain.ErrNotFound{Resource: "transaction", ID: transactionID}
	}
	return nil
}

func (t *tx) ListTransferLegsForUpdate(ctx context.Context, groupID string) ([]domain.Transaction, error) {
	legs, err := listTransactions(ctx, t.c, "transfer_group_id = ?", "", groupID)
	if err != nil || len(legs) == 0 {
		return legs, err
	}
	ids := make([]string, 0, len(legs))
	for _, l := range legs {
		ids = append(ids, l.AccountID)
	}
	if _, err := t.LockAccounts(ctx, ids...); err != nil {
		return nil, err
	}
	return listTransactions(ctx, t.c, "transfer_group_id = ?", t.d.forUpdate, groupID)
}

func (t *tx) ListAccountTransactions(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	return listTransactions(ctx, t.c, "account_id = ?", "", accountID)
}

// ============================================================
// Row helpers
// ============================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*domain.Account, error) {
	var (
		acc     domain.Account
		typ     string
		last    dateScan
		created stampScan
	)
	if err := row.Scan(&acc.ID, &acc.OwnerID, &acc.Name, &typ, &acc.Currency, &acc.Balance,
		&acc.CreditLimit, &acc.InterestRateBps, &acc.BillingCycleDay, &last, &created); err != nil {
		return nil, err
	}
	acc.Type = domain.AccountType(typ)
	acc.LastInterestAccrual = last.ptr()
	acc.CreatedAt = created.t
	return &acc, nil
}

func scanTransaction(row scanner) (*domain.Transaction, error) {
	var (
		txn              domain.Transaction
		date             dateScan
		group, period    sql.NullString
		created, updated stampScan
	)
	if err := row.Scan(&txn.ID, &txn.AccountID, &txn.Amount, &date, &txn.Category, &txn.Description,
		&group, &txn.InterestAccrual, &period, &created, &updated); err != nil {
		return nil, err
	}
	txn.Date = date.t
	txn.TransferGroupID = group.String
	txn.AccrualPeriod = period.String
	txn.CreatedAt = created.t
	txn.UpdatedAt = updated.t
	return &txn, nil
}

func getAccount(ctx context.Context, c traced, accountID string) (*domain.Account, error) {
	acc, err := scanAccount(c.queryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "account", ID: accountID}
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("get account: %w", err), "")
	}
	return acc, nil
}

func getTransaction(ctx context.Context, c traced, transactionID, suffix string) (*domain.Transaction, error) {
	txn, err := scanTransaction(c.queryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`+suffix, transactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "transaction", ID: transactionID}
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("get transaction: %w", err), "")
	}
	return txn, nil
}

func listTransactions(ctx context.Context, c traced, where, suffix string, args ...any) ([]domain.Transaction, error) {
	rows, err := c.query(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE `+where+` ORDER BY date, id`+suffix, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("list transactions: %w", err), "")
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(fmt.Errorf("list transactions: %w", err), "")
	}
	return out, nil
}
