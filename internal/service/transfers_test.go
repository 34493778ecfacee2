package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ledgerd/ledgerd/internal/domain"
	"github.com/ledgerd/ledgerd/internal/port"
	"github.com/ledgerd/ledgerd/internal/service"
)

func TestTransfer_Scenario(t *testing.T) {
	e := newEnv(t, service.DeletePolicyBlock)
	a := e.open(t, domain.CreateAccountInput{Name: "A", OpeningBalance: 1000})
	b := e.open(t, domain.CreateAccountInput{Name: "B"})

	tr, err := e.transfers.Create(context.Background(), domain.CreateTransferInput{
		SourceAccountID: a.ID, DestinationAccountID: b.ID, Amount: 300, Date: date("2024-03-01"),
	})
	if err != nil {
		t.Fatalf("expected transfer, got %v", err)
	}
	if tr.Debit.Amount != -300 || tr.Credit.Amount != 300 || tr.Debit.TransferGroupID != tr.GroupID {
		t.Errorf("unexpected legs %+v", tr)
	}
	if got := e.balance(t, a.ID); got != 700 {
		t.Errorf("expected A=700, got %d", got)
	}
	if got := e.balance(t, b.ID); got != 300 {
		t.Errorf("expected B=300, got %d", got)
	}
	e.assertConsistent(t, a.ID, b.ID)

	fetched, err := e.transfers.Get(context.Background(), tr.GroupID)
	if err != nil || fetched.Amount != 300 || fetched.SourceAccountID != a.ID {
		t.Errorf("unexpected fetched transfer %+v, err=%v", fetched, err)
	}
}

func TestTransfer_Validation(t *testing.T) {
	e := newEnv(t, service.DeletePolicyBlock)
	a := e.open(t, domain.CreateAccountInput{})
	eur := e.open(t, domain.CreateAccountInput{Currency: "EUR"})

	cases := []struct {
		name string
		in   domain.CreateTransferInput
		code string
	}{
		{"self transfer", domain.CreateTransferInput{SourceAccountID: a.ID, DestinationAccountID: a.ID, Amount: 1, Date: date("2024-03-01")}, domain.CodeInvalidTransfer},
		{"zero amount", domain.CreateTransferInput{SourceAccountID: a.ID, DestinationAccountID: eur.ID, Amount: 0, Date: date("2024-03-01")}, domain.CodeInvalidTransfer},
		{"negative amount", domain.CreateTransferInput{SourceAccountID: a.ID, DestinationAccountID: eur.ID, Amount: -5, Date: date("2024-03-01")}, domain.CodeInvalidTransfer},
		{"currency mismatch", domain.CreateTransferInput{SourceAccountID: a.ID, DestinationAccountID: eur.ID, Amount: 5, Date: date("2024-03-01")}, domain.CodeInvalidTransfer},
		{"missing date", domain.CreateTransferInput{SourceAccountID: a.ID, DestinationAccountID: eur.ID, Amount: 5}, domain.CodeInvalidDate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.transfers.Create(context.Background(), tc.in)
			var verr *domain.ErrValidation
			if !errors.As(err, &verr) || verr.Code != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}

	_, err := e.transfers.Create(context.Background(), domain.CreateTransferInput{
		SourceAccountID: a.ID, DestinationAccountID: "nowhere", Amount: 5, Date: date("2024-03-01"),
	})
	if domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTransfer_CreditLimitExceeded(t *testing.T) {
	e := newEnv(t, service.DeletePolicyBlock)
	card := e.open(t, domain.CreateAccountInput{Type: domain.AccountCredit, CreditLimit: 5000, InterestRateBps: 1800})
	dst := e.open(t, domain.CreateAccountInput{})

	_, err := e.transfers.Create(context.Background(), domain.CreateTransferInput{
		SourceAccountID: card.ID, DestinationAccountID: dst.ID, Amount: 10000, Date: date("2024-03-01"),
	})
	var limit *domain.ErrLimitExceeded
	if !errors.As(err, &limit) {
		t.Fatalf("expected limit exceeded, got %v", err)
	}
	if limit.Limit != 5000 || limit.Current != 10000 {
		t.Errorf("unexpected limit error %+v", limit)
	}
	if e.balance(t, card.ID) != 0 || e.balance(t, dst.ID) != 0 {
		t.Error("expected no balance change")
	}

	// exactly at the limit is allowed
	if _, err := e.transfers.Create(context.Background(), domain.CreateTransferInput{
		SourceAccountID: card.ID, DestinationAccountID: dst.ID, Amount: 5000, Date: date("2024-03-01"),
	}); err != nil {
		t.Fatalf("expected transfer up to the limit, got %v", err)
	}
}

func TestTransfer_UpdateAppliesNetDifference(t *testing.T) {
	e := newEnv(t, service.DeletePolicyBlock)
	a := e.open(t, domain.CreateAccountInput{OpeningBalance: 1000})
	b := e.open(t, domain.CreateAccountInput{})

	tr, err := e.transfers.Create(context.Background(), domain.CreateTransferInput{
		SourceAccountID: a.ID, DestinationAccountID: b.ID, Amount: 300, Date: date("2024-03-01"),
	})
	if err != nil {
		t.Fatal(err)
	}

	updated, err := e.transfers.Update(context.Background(), tr.GroupID, domain.UpdateTransferInput{Amount: 450, Date: date("2024-03-05")})
	if err != nil {
		t.Fatalf("expected update, got %v", err)
	}
	if updated.Amount != 450 || !updated.Date.Equal(date("2024-03-05")) {
		t.Errorf("unexpected update %+v", updated)
	}
	if e.balance(t, a.ID) != 550 || e.balance(t, b.ID) != 450 {
		t.Errorf("expected 550/450, got %d/%d", e.balance(t, a.ID), e.balance(t, b.ID))
	}
	e.assertConsistent(t, a.ID, b.ID)

	if _, err := e.transfers.Update(context.Background(), "nope", domain.UpdateTransferInput{Amount: 1, Date: date("2024-03-05")}); domain.KindOf(err) != domain.KindNotFound {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestTransfer_UpdateOverLimitRollsBack(t *testing.T) {
	e := newEnv(t, service.DeletePolicyBlock)
	card := e.open(t, domain.CreateAccountInput{Type: domain.AccountCredit, CreditLimit: 1000})
	dst := e.open(t, domain.CreateAccountInput{})

	tr, err := e.transfers.Create(context.Background(), domain.CreateTransferInput{
		SourceAccountID: card.ID, DestinationAccountID: dst.ID, Amount: 800, Date: date("2024-03-01"),
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.transfers.Update(context.Background(), tr.GroupID, domain.UpdateTransferInput{Amount: 1200, Date: date("2024-03-01")})
	if domain.KindOf(err) != domain.KindLimitExceeded {
		t.Fatalf("expected limit exceeded, got %v", err)
	}
	if e.balance(t, card.ID) != -800 || e.balance(t, dst.ID) != 800 {
		t.Error("expected balances untouched")
	}
	got, _ := e.transfers.Get(context.Background(), tr.GroupID)
	if got.Amount != 800 {
		t.Errorf("expected legs untouched, got %d", got.Amount)
	}
}

func TestTransfer_DeleteRestoresBalances(t *testing.T) {
	e := newEnv(t, service.DeletePolicyBlock)
	a := e.open(t, domain.CreateAccountInput{OpeningBalance: 1000})
	b := e.open(t, domain.CreateAccountInput{OpeningBalance: 20})

	tr, err := e.transfers.Create(context.Background(), domain.CreateTransferInput{
		SourceAccountID: a.ID, DestinationAccountID: b.ID, Amount: 300, Date: date("2024-03-01"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.transfers.Delete(context.Background(), tr.GroupID); err != nil {
		t.Fatalf("expected delete, got %v", err)
	}
	if e.balance(t, a.ID) != 1000 || e.balance(t, b.ID) != 20 {
		t.Errorf("expected 1000/20, got %d/%d", e.balance(t, a.ID), e.balance(t, b.ID))
	}
	e.assertConsistent(t, a.ID, b.ID)

	if err := e.transfers.Delete(context.Background(), tr.GroupID); domain.KindOf(err) != domain.KindNotFound {
		t.Errorf("expected not found on second delete, got %v", err)
	}
}

func TestTransfer_DeleteRestoresCardAtLimit(t *testing.T) {
	e := newEnv(t, service.DeletePolicyBlock)
	ctx := context.Background()
	chk := e.open(t, domain.CreateAccountInput{OpeningBalance: 10000})
	card := e.open(t, domain.CreateAccountInput{Type: domain.AccountCredit, CreditLimit: 5000, OpeningBalance: -4000})

	tr, err := e.transfers.Create(ctx, domain.CreateTransferInput{
		SourceAccountID: chk.ID, DestinationAccountID: card.ID, Amount: 1000, Date: date("2024-03-01"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.recorder.Create(ctx, domain.CreateTransactionInput{AccountID: card.ID, Amount: -2000, Date: date("2024-03-02")}); err != nil {
		t.Fatalf("expected expense up to the limit, got %v", err)
	}

	if err := e.transfers.Delete(ctx, tr.GroupID); err != nil {
		t.Fatalf("expected delete to succeed, got %v", err)
	}
	if e.balance(t, chk.ID) != 10000 || e.balance(t, card.ID) != -6000 {
		t.Errorf("expected 10000/-6000, got %d/%d", e.balance(t, chk.ID), e.balance(t, card.ID))
	}
	e.assertConsistent(t, chk.ID, card.ID)
}

func TestTransfer_MissingLegIsInvariantViolation(t *testing.T) {
	e := newEnv(t, service.DeletePolicyBlock)
	a := e.open(t, domain.CreateAccountInput{})

	// corrupt: a lone leg
	err := e.store.WithinTx(context.Background(), func(ctx context.Context, tx port.LedgerTx) error {
		if _, err := tx.LockAccounts(ctx, a.ID); err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, a.ID, -50); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &domain.Transaction{
			ID: "lone", AccountID: a.ID, Amount: -50, Date: date("2024-03-01"), TransferGroupID: "broken",
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	err = e.transfers.Delete(context.Background(), "broken")
	var inv *domain.ErrInvariant
	if !errors.As(err, &inv) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	if e.balance(t, a.ID) != -50 {
		t.Error("expected no change")
	}
	snap, _ := e.metrics.Snapshot()
	if snap.InvariantViolations != 1 {
		t.Errorf("expected 1 invariant violation counted, got %v", snap.InvariantViolations)
	}

	if _, err := e.transfers.Get(context.Background(), "broken"); domain.KindOf(err) != domain.KindInvariant {
		t.Errorf("expected invariant on read, got %v", err)
	}
}

func TestTransfer_LegsAreProtected(t *testing.T) {
	e := newEnv(t, service.DeletePolicyBlock)
	a := e.open(t, domain.CreateAccountInput{OpeningBalance: 1000})
	b := e.open(t, domain.CreateAccountInput{})

	tr, err := e.transfers.Create(context.Background(), domain.CreateTransferInput{
		SourceAccountID: a.ID, DestinationAccountID: b.ID, Amount: 300, Date: date("2024-03-01"),
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.recorder.Update(context.Background(), tr.Debit.ID, domain.TransactionUpdate{Amount: ptr(int64(-1))})
	var verr *domain.ErrValidation
	if !errors.As(err, &verr) || verr.Code != domain.CodeProtectedTransaction {
		t.Fatalf("expected protected_transaction on update, got %v", err)
	}
	err = e.recorder.Delete(context.Background(), tr.Credit.ID)
	if !errors.As(err, &verr) || verr.Code != domain.CodeProtectedTransaction {
		t.Fatalf("expected protected_transaction on delete, got %v", err)
	}
}

func TestTransfer_OppositeDirectionsConcurrently(t *testing.T) {
	e := newEnv(t, service.DeletePolicyBlock)
	a := e.open(t, domain.CreateAccountInput{OpeningBalance: 100000})
	b := e.open(t, domain.CreateAccountInput{OpeningBalance: 100000})
	const total = 200000

	ctx := context.Background()
	stop := make(chan struct{})
	var readerErr error
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			err := e.ledger.Atomic(ctx, "test.read", func(ctx context.Context, tx port.LedgerTx) error {
				accs, err := tx.LockAccounts(ctx, a.ID, b.ID)
				if err != nil {
					return err
				}
				if sum := accs[0].Balance + accs[1].Balance; sum != total {
					return errors.New("intermediate balance observed")
				}
				return nil
			})
			if err != nil {
				readerErr = err
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if _, err := e.transfers.Create(ctx, domain.CreateTransferInput{
				SourceAccountID: a.ID, DestinationAccountID: b.ID, Amount: int64(100 + i), Date: date("2024-03-01"),
			}); err != nil {
				t.Errorf("A->B: %v", err)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			if _, err := e.transfers.Create(ctx, domain.CreateTransferInput{
				SourceAccountID: b.ID, DestinationAccountID: a.ID, Amount: int64(100 + i), Date: date("2024-03-01"),
			}); err != nil {
				t.Errorf("B->A: %v", err)
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	readers.Wait()

	if readerErr != nil {
		t.Fatalf("reader: %v", readerErr)
	}
	if e.balance(t, a.ID) != 100000 || e.balance(t, b.ID) != 100000 {
		t.Errorf("expected balances restored, got %d/%d", e.balance(t, a.ID), e.balance(t, b.ID))
	}
	e.assertConsistent(t, a.ID, b.ID)
}
