// Package memstore is an in-process LedgerStore. It backs DB_DRIVER=memory
// and the service tests.
//
// Each account has its own lock (a one-slot channel) held until the unit
// ends, so units over disjoint accounts run in parallel. Locks are taken in
// ascending id order; a unit that needs a lower id after already holding a
// higher one only try-locks it and reports domain.ErrSerialization when it
// is busy, which the ledger retries. Writes go to a per-unit overlay that is
// applied under the store mutex at commit, so readers never observe a
// half-applied unit.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ledgerd/ledgerd/internal/domain"
	"github.com/ledgerd/ledgerd/internal/port"
)

// Store implements port.LedgerStore in memory.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*domain.Account
	txns     map[string]*domain.Transaction

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

var _ port.LedgerStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		accounts: make(map[string]*domain.Account),
		txns:     make(map[string]*domain.Transaction),
		locks:    make(map[string]chan struct{}),
	}
}

// WithinTx runs fn in an atomic unit. Nothing fn wrote is visible unless it
// returns nil and the context is still live at commit.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.LedgerTx) error) error {
	tx := &unit{
		store:       s,
		held:        make(map[string]chan struct{}),
		accounts:    make(map[string]*domain.Account),
		delAccounts: make(map[string]bool),
		txns:        make(map[string]*domain.Transaction),
		delTxns:     make(map[string]bool),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// LockCount reports how many account locks the store is tracking.
func (s *Store) LockCount() int {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	return len(s.locks)
}

func (s *Store) lockFor(accountID string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	ch, ok := s.locks[accountID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[accountID] = ch
	}
	return ch
}

// GetAccount returns the committed state of an account.
func (s *Store) GetAccount(_ context.Context, accountID string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "account", ID: accountID}
	}
	return cloneAccount(acc), nil
}

// GetTransaction returns a committed transaction.
func (s *Store) GetTransaction(_ context.Context, transactionID string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.txns[transactionID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "transaction", ID: transactionID}
	}
	cp := *t
	return &cp, nil
}

// ListTransferLegs returns the committed legs of a transfer group.
func (s *Store) ListTransferLegs(_ context.Context, groupID string) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var legs []domain.Transaction
	for _, t := range s.txns {
		if t.TransferGroupID == groupID {
			legs = append(legs, *t)
		}
	}
	sortTransactions(legs)
	return legs, nil
}

// ListCreditAccounts returns every credit account ordered by id.
func (s *Store) ListCreditAccounts(_ context.Context) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Account
	for _, acc := range s.accounts {
		if acc.IsCredit() {
			out = append(out, *cloneAccount(acc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SumTransactions returns the committed sum of an account's transactions.
func (s *Store) SumTransactions(_ context.Context, accountID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.accounts[accountID]; !ok {
		return 0, &domain.ErrNotFound{Resource: "account", ID: accountID}
	}
	var sum int64
	for _, t := range s.txns {
		if t.AccountID == accountID {
			sum += t.Amount
		}
	}
	return sum, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// ============================================================
// Atomic unit
// ============================================================

type unit struct {
	store *Store

	held    map[string]chan struct{}
	maxHeld string

	accounts    map[string]*domain.Account
	delAccounts map[string]bool
	txns        map[string]*domain.Transaction
	delTxns     map[string]bool
}

// release frees every held lock. Locks of accounts that do not exist once
// the unit ends (deleted, rolled back, or never created) leave the lock table.
func (u *unit) release() {
	s := u.store
	s.locksMu.Lock()
	s.mu.RLock()
	for id, ch := range u.held {
		if _, ok := s.accounts[id]; !ok && s.locks[id] == ch {
			delete(s.locks, id)
		}
		<-ch
	}
	s.mu.RUnlock()
	s.locksMu.Unlock()
	u.held = nil
}

func (u *unit) commit() {
	s := u.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, acc := range u.accounts {
		s.accounts[id] = acc
	}
	for id := range u.delAccounts {
		delete(s.accounts, id)
	}
	for id, t := range u.txns {
		s.txns[id] = t
	}
	for id := range u.delTxns {
		delete(s.txns, id)
	}
}

func (u *unit) lock(ctx context.Context, id string) error {
	if u.held[id] != nil {
		return nil
	}
	ch := u.store.lockFor(id)
	if u.maxHeld != "" && id < u.maxHeld {
		select {
		case ch <- struct{}{}:
		default:
			return domain.ErrSerialization
		}
	} else {
		select {
		case ch <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	u.held[id] = ch
	if id > u.maxHeld {
		u.maxHeld = id
	}
	return nil
}

func (u *unit) account(id string) (*domain.Account, bool) {
	if u.delAccounts[id] {
		return nil, false
	}
	if acc, ok := u.accounts[id]; ok {
		return acc, true
	}
	u.store.mu.RLock()
	defer u.store.mu.RUnlock()
	acc, ok := u.store.accounts[id]
	if !ok {
		return nil, false
	}
	return cloneAccount(acc), true
}

func (u *unit) transaction(id string) (*domain.Transaction, bool) {
	if u.delTxns[id] {
		return nil, false
	}
	if t, ok := u.txns[id]; ok {
		return t, true
	}
	u.store.mu.RLock()
	defer u.store.mu.RUnlock()
	t, ok := u.store.txns[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// visible returns every transaction matching keep as seen by this unit.
func (u *unit) visible(keep func(*domain.Transaction) bool) []domain.Transaction {
	var out []domain.Transaction
	u.store.mu.RLock()
	for id, t := range u.store.txns {
		if _, shadowed := u.txns[id]; shadowed || u.delTxns[id] {
			continue
		}
		if keep(t) {
			out = append(out, *t)
		}
	}
	u.store.mu.RUnlock()

	for id, t := range u.txns {
		if !u.delTxns[id] && keep(t) {
			out = append(out, *t)
		}
	}
	sortTransactions(out)
	return out
}

func (u *unit) CreateAccount(ctx context.Context, acc *domain.Account) error {
	if err := u.lock(ctx, acc.ID); err != nil {
		return err
	}
	if _, exists := u.account(acc.ID); exists {
		return &domain.ErrDuplicate{Key: "account " + acc.ID}
	}
	delete(u.delAccounts, acc.ID)
	u.accounts[acc.ID] = cloneAccount(acc)
	return nil
}

func (u *unit) LockAccounts(ctx context.Context, accountIDs ...string) ([]*domain.Account, error) {
	ids := append([]string(nil), accountIDs...)
	sort.Strings(ids)

	out := make([]*domain.Account, 0, len(ids))
	for i, id := range ids {
		if i > 0 && ids[i-1] == id {
			continue
		}
		if err := u.lock(ctx, id); err != nil {
			return nil, err
		}
		acc, ok := u.account(id)
		if !ok {
			return nil, &domain.ErrNotFound{Resource: "account", ID: id}
		}
		out = append(out, cloneAccount(acc))
	}
	return out, nil
}

func (u *unit) mutateAccount(id string, fn func(*domain.Account)) error {
	if u.held[id] == nil {
		return &domain.ErrInvariant{Resource: "account", ID: id, Detail: "mutated without holding its lock"}
	}
	acc, ok := u.account(id)
	if !ok {
		return &domain.ErrNotFound{Resource: "account", ID: id}
	}
	fn(acc)
	u.accounts[id] = acc
	return nil
}

func (u *unit) UpdateBalance(_ context.Context, accountID string, balance int64) error {
	return u.mutateAccount(accountID, func(acc *domain.Account) { acc.Balance = balance })
}

func (u *unit) SetLastAccrual(_ context.Context, accountID string, date time.Time) error {
	return u.mutateAccount(accountID, func(acc *domain.Account) {
		d := domain.DateOf(date)
		acc.LastInterestAccrual = &d
	})
}

func (u *unit) DeleteAccount(_ context.Context, accountID string) error {
	if u.held[accountID] == nil {
		return &domain.ErrInvariant{Resource: "account", ID: accountID, Detail: "deleted without holding its lock"}
	}
	if _, ok := u.account(accountID); !ok {
		return &domain.ErrNotFound{Resource: "account", ID: accountID}
	}
	delete(u.accounts, accountID)
	u.delAccounts[accountID] = true
	return nil
}

func (u *unit) InsertTransaction(_ context.Context, txn *domain.Transaction) error {
	if u.held[txn.AccountID] == nil {
		return &domain.ErrInvariant{Resource: "transaction", ID: txn.ID, Detail: "inserted without holding the account lock"}
	}
	if _, exists := u.transaction(txn.ID); exists {
		return &domain.ErrDuplicate{Key: "transaction " + txn.ID}
	}
	if txn.InterestAccrual && txn.AccrualPeriod != "" {
		clash := u.visible(func(t *domain.Transaction) bool {
			return t.AccountID == txn.AccountID && t.InterestAccrual && t.AccrualPeriod == txn.AccrualPeriod
		})
		if len(clash) > 0 {
			return &domain.ErrDuplicate{Key: "accrual " + txn.AccountID + " " + txn.AccrualPeriod}
		}
	}
	cp := *txn
	delete(u.delTxns, txn.ID)
	u.txns[txn.ID] = &cp
	return nil
}

func (u *unit) GetTransactionForUpdate(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	t, ok := u.transaction(transactionID)
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "transaction", ID: transactionID}
	}
	if err := u.lock(ctx, t.AccountID); err != nil {
		return nil, err
	}
	// re-read under the account lock
	t, ok = u.transaction(transactionID)
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "transaction", ID: transactionID}
	}
	cp := *t
	return &cp, nil
}

func (u *unit) UpdateTransaction(_ context.Context, txn *domain.Transaction) error {
	if u.held[txn.AccountID] == nil {
		return &domain.ErrInvariant{Resource: "transaction", ID: txn.ID, Detail: "updated without holding the account lock"}
	}
	if _, ok := u.transaction(txn.ID); !ok {
		return &domain.ErrNotFound{Resource: "transaction", ID: txn.ID}
	}
	cp := *txn
	u.txns[txn.ID] = &cp
	return nil
}

func (u *unit) DeleteTransaction(_ context.Context, transactionID string) error {
	t, ok := u.transaction(transactionID)
	if !ok {
		return &domain.ErrNotFound{Resource: "transaction", ID: transactionID}
	}
	if u.held[t.AccountID] == nil {
		return &domain.ErrInvariant{Resource: "transaction", ID: transactionID, Detail: "deleted without holding the account lock"}
	}
	delete(u.txns, transactionID)
	u.delTxns[transactionID] = true
	return nil
}

func (u *unit) ListTransferLegsForUpdate(ctx context.Context, groupID string) ([]domain.Transaction, error) {
	byGroup := func(t *domain.Transaction) bool { return t.TransferGroupID == groupID }

	legs := u.visible(byGroup)
	ids := make([]string, 0, len(legs))
	for _, l := range legs {
		ids = append(ids, l.AccountID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := u.lock(ctx, id); err != nil {
			return nil, err
		}
	}

	legs = u.visible(byGroup)
	for _, l := range legs {
		if u.held[l.AccountID] == nil {
			// a leg moved while we were locking
			return nil, domain.ErrSerialization
		}
	}
	return legs, nil
}

func (u *unit) ListAccountTransactions(_ context.Context, accountID string) ([]domain.Transaction, error) {
	return u.visible(func(t *domain.Transaction) bool { return t.AccountID == accountID }), nil
}

func cloneAccount(acc *domain.Account) *domain.Account {
	cp := *acc
	if acc.LastInterestAccrual != nil {
		d := *acc.LastInterestAccrual
		cp.LastInterestAccrual = &d
	}
	return &cp
}

func sortTransactions(ts []domain.Transaction) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].Date.Equal(ts[j].Date) {
			return ts[i].Date.Before(ts[j].Date)
		}
		return ts[i].ID < ts[j].ID
	})
}
