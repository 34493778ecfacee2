package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerd/ledgerd/internal/domain"
	"github.com/ledgerd/ledgerd/internal/infra/memstore"
	"github.com/ledgerd/ledgerd/internal/infra/observability"
	"github.com/ledgerd/ledgerd/internal/infra/resilience"
	"github.com/ledgerd/ledgerd/internal/port"
	"github.com/ledgerd/ledgerd/internal/service"
)

// --- Test doubles ---

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

// conflictStore loses every serialization race.
type conflictStore struct {
	*memstore.Store
	calls int
}

func (s *conflictStore) WithinTx(context.Context, func(context.Context, port.LedgerTx) error) error {
	s.calls++
	return domain.ErrSerialization
}

// --- Fixture ---

type env struct {
	store     *memstore.Store
	clock     *clock
	events    *recordingPublisher
	metrics   *observability.Metrics
	ledger    *service.Ledger
	accounts  *service.AccountService
	recorder  *service.TransactionRecorder
	transfers *service.TransferEngine
	interest  *service.InterestEngine
}

func newEnv(t *testing.T, deletePolicy string) *env {
	t.Helper()
	e := &env{
		store:   memstore.New(),
		clock:   &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
		events:  &recordingPublisher{},
		metrics: observability.NewMetrics(),
	}
	logger := zap.NewNop()
	e.ledger = service.NewLedger(e.store,
		resilience.Config{MaxRetries: 20, InitialBackoff: time.Millisecond, MaxConcurrency: 32},
		e.metrics, logger,
		service.WithClock(e.clock.Now),
		service.WithEvents(e.events),
	)
	e.accounts = service.NewAccountService(e.ledger, deletePolicy, logger)
	e.recorder = service.NewTransactionRecorder(e.ledger, logger)
	e.transfers = service.NewTransferEngine(e.ledger, logger)
	e.interest = service.NewInterestEngine(e.ledger, 4, logger)
	return e
}

func (e *env) open(t *testing.T, in domain.CreateAccountInput) *domain.Account {
	t.Helper()
	if in.Name == "" {
		in.Name = "account"
	}
	if in.Type == "" {
		in.Type = domain.AccountChecking
	}
	if in.Currency == "" {
		in.Currency = "USD"
	}
	acc, err := e.accounts.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("open account: %v", err)
	}
	return acc
}

func (e *env) balance(t *testing.T, id string) int64 {
	t.Helper()
	b, err := e.ledger.GetBalance(context.Background(), id)
	if err != nil {
		t.Fatalf("balance of %s: %v", id, err)
	}
	return b
}

// assertConsistent checks that every account balance equals the sum of its transactions.
func (e *env) assertConsistent(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		acc, err := e.store.GetAccount(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		sum, err := e.store.SumTransactions(context.Background(), id)
		if err != nil {
			t.Fatalf("sum %s: %v", id, err)
		}
		if sum != acc.Balance {
			t.Fatalf("account %s: balance %d != transaction sum %d", id, acc.Balance, sum)
		}
	}
}

func date(s string) time.Time {
	d, err := domain.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func ptr[T any](v T) *T { return &v }

// --- Tests ---

func TestApplyDelta_RejectsZeroAndMissingAccount(t *testing.T) {
	e := newEnv(t, service.DeletePolicyBlock)
	acc := e.open(t, domain.CreateAccountInput{})

	err := e.ledger.Atomic(context.Background(), "test", func(ctx context.Context, tx port.LedgerTx) error {
		_, err := e.ledger.ApplyDelta(ctx, tx, acc.ID, 0)
		return err
	})
	var verr *domain.ErrValidation
	if !errors.As(err, &verr) || verr.Code != domain.CodeInvalidAmount {
		t.Fatalf("expected invalid_amount, got %v", err)
	}

	err = e.ledger.Atomic(context.Background(), "test", func(ctx context.Context, tx port.LedgerTx) error {
		_, err := e.ledger.ApplyDelta(ctx, tx, "missing", 10)
		return err
	})
	var nf *domain.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestApplyDelta_Overflow(t *testing.T) {
	e := newEnv(t, service.DeletePolicyBlock)
	acc := e.open(t, domain.CreateAccountInput{OpeningBalance: 1<<63 - 10})

	_, err := e.recorder.Create(context.Background(), domain.CreateTransactionInput{
		AccountID: acc.ID, Amount: 100, Date: date("2024-03-02"),
	})
	var verr *domain.ErrValidation
	if !errors.As(err, &verr) || verr.Code != domain.CodeInvalidAmount {
		t.Fatalf("expected invalid_amount on overflow, got %v", err)
	}
	if got := e.balance(t, acc.ID); got != 1<<63-10 {
		t.Errorf("balance changed to %d", got)
	}
}

func TestAtomic_ConflictAfterRetries(t *testing.T) {
	store := &conflictStore{Store: memstore.New()}
	metrics := observability.NewMetrics()
	ledger := service.NewLedger(store,
		resilience.Config{MaxRetries: 3, InitialBackoff: time.Millisecond},
		metrics, zap.NewNop())

	err := ledger.Atomic(context.Background(), "transfer.create", func(context.Context, port.LedgerTx) error {
		return nil
	})

	var conflict *domain.ErrConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.Attempts != 4 || store.calls != 4 {
		t.Errorf("expected 4 attempts, got %d (store saw %d)", conflict.Attempts, store.calls)
	}
	if domain.KindOf(err) != domain.KindConflict {
		t.Errorf("expected conflict kind, got %s", domain.KindOf(err))
	}

	snap, _ := metrics.Snapshot()
	if snap.ConflictRetries["transfer.create"] != 3 {
		t.Errorf("expected 3 retries recorded, got %v", snap.ConflictRetries["transfer.create"])
	}
	if snap.Operations["transfer.create:conflict"] != 1 {
		t.Errorf("expected conflict outcome recorded, got %v", snap.Operations)
	}
}

func TestAtomic_BusinessErrorsAreNotRetried(t *testing.T) {
	e := newEnv(t, service.DeletePolicyBlock)
	calls := 0
	err := e.ledger.Atomic(context.Background(), "test", func(context.Context, port.LedgerTx) error {
		calls++
		return &domain.ErrValidation{Field: "x", Message: "bad"}
	})
	if domain.KindOf(err) != domain.KindValidation || calls != 1 {
		t.Fatalf("expected a single validation failure, got %v after %d calls", err, calls)
	}
}

func TestOwnership(t *testing.T) {
	e := newEnv(t, service.DeletePolicyBlock)
	alice := domain.WithOwner(context.Background(), "alice")
	bob := domain.WithOwner(context.Background(), "bob")

	acc, err := e.accounts.Create(alice, domain.CreateAccountInput{Name: "main", Type: domain.AccountChecking, Currency: "USD", OpeningBalance: 1000})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if acc.OwnerID != "alice" {
		t.Fatalf("expected owner from context, got %q", acc.OwnerID)
	}

	if _, err := e.ledger.GetBalance(bob, acc.ID); domain.KindOf(err) != domain.KindForbidden {
		t.Errorf("expected forbidden balance read, got %v", err)
	}
	_, err = e.recorder.Create(bob, domain.CreateTransactionInput{AccountID: acc.ID, Amount: -10, Date: date("2024-03-01")})
	if domain.KindOf(err) != domain.KindForbidden {
		t.Errorf("expected forbidden write, got %v", err)
	}
	if _, err := e.accounts.Create(bob, domain.CreateAccountInput{OwnerID: "alice", Name: "x", Type: domain.AccountCash, Currency: "USD"}); domain.KindOf(err) != domain.KindForbidden {
		t.Errorf("expected forbidden create for another owner, got %v", err)
	}
	if b, err := e.ledger.GetBalance(alice, acc.ID); err != nil || b != 1000 {
		t.Errorf("expected owner read 1000, got %d %v", b, err)
	}
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	e := newEnv(t, service.DeletePolicyBlock)
	a := e.open(t, domain.CreateAccountInput{OpeningBalance: 1000})
	card := e.open(t, domain.CreateAccountInput{Type: domain.AccountCredit, CreditLimit: 500})

	if _, err := e.transfers.Create(context.Background(), domain.CreateTransferInput{
		SourceAccountID: a.ID, DestinationAccountID: card.ID, Amount: 300, Date: date("2024-03-01"),
	}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	// fails on the credit limit: nothing committed, nothing published
	if _, err := e.recorder.Create(context.Background(), domain.CreateTransactionInput{
		AccountID: card.ID, Amount: -2000, Date: date("2024-03-01"),
	}); domain.KindOf(err) != domain.KindLimitExceeded {
		t.Fatalf("expected limit exceeded, got %v", err)
	}

	want := []string{domain.EventAccountCreated, domain.EventAccountCreated, domain.EventTransferCreated}
	got := e.events.Types()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestPublishFailureDoesNotRollBack(t *testing.T) {
	e := newEnv(t, service.DeletePolicyBlock)
	acc := e.open(t, domain.CreateAccountInput{})
	e.events.err = errors.New("broker down")

	if _, err := e.recorder.Create(context.Background(), domain.CreateTransactionInput{
		AccountID: acc.ID, Amount: 250, Date: date("2024-03-01"),
	}); err != nil {
		t.Fatalf("expected commit despite broker failure, got %v", err)
	}
	if got := e.balance(t, acc.ID); got != 250 {
		t.Errorf("expected balance 250, got %d", got)
	}
}
