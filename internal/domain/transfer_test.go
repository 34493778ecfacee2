package domain_test

import (
	"errors"
	"testing"

	"github.com/ledgerd/ledgerd/internal/domain"
)

func TestTransferFromLegs(t *testing.T) {
	legs := []domain.Transaction{
		{ID: "t2", AccountID: "b", Amount: 300, TransferGroupID: "g"},
		{ID: "t1", AccountID: "a", Amount: -300, TransferGroupID: "g"},
	}
	tr, err := domain.TransferFromLegs("g", legs)
	if err != nil {
		t.Fatalf("expected valid transfer, got %v", err)
	}
	if tr.SourceAccountID != "a" || tr.DestinationAccountID != "b" || tr.Amount != 300 {
		t.Errorf("unexpected transfer: %+v", tr)
	}
}

func TestTransferFromLegs_Invariants(t *testing.T) {
	tests := map[string][]domain.Transaction{
		"single leg": {
			{AccountID: "a", Amount: -300, TransferGroupID: "g"},
		},
		"same account": {
			{AccountID: "a", Amount: -300, TransferGroupID: "g"},
			{AccountID: "a", Amount: 300, TransferGroupID: "g"},
		},
		"not negated": {
			{AccountID: "a", Amount: -300, TransferGroupID: "g"},
			{AccountID: "b", Amount: 200, TransferGroupID: "g"},
		},
	}
	for name, legs := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := domain.TransferFromLegs("g", legs)
			var inv *domain.ErrInvariant
			if !errors.As(err, &inv) {
				t.Fatalf("expected ErrInvariant, got %v", err)
			}
			if domain.KindOf(err) != domain.KindInvariant {
				t.Errorf("expected kind invariant, got %s", domain.KindOf(err))
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{&domain.ErrNotFound{Resource: "account", ID: "x"}, domain.KindNotFound},
		{&domain.ErrValidation{Field: "amount"}, domain.KindValidation},
		{&domain.ErrLimitExceeded{}, domain.KindLimitExceeded},
		{&domain.ErrConflict{Err: domain.ErrSerialization}, domain.KindConflict},
		{domain.ErrSerialization, domain.KindConflict},
		{&domain.ErrCircuitOpen{Service: "store"}, domain.KindUnavailable},
		{errors.New("boom"), domain.KindInternal},
	}
	for _, tt := range tests {
		if got := domain.KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
