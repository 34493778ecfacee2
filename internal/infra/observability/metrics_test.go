package observability_test

import (
	"testing"
	"time"

	"github.com/ledgerd/ledgerd/internal/infra/observability"
)

func TestMetrics_Snapshot(t *testing.T) {
	m := observability.NewMetrics()

	m.RecordOperation("transfer.create", "ok", 5*time.Millisecond)
	m.RecordOperation("transfer.create", "ok", 7*time.Millisecond)
	m.RecordOperation("transfer.create", "limit_exceeded", time.Millisecond)
	m.IncrConflictRetry("transfer.create")
	m.IncrInvariantViolation("transfer")
	m.AddInterestCharged(740)
	m.IncrIdempotentReplay()

	snap, err := m.Snapshot()
	if err != nil {
		t.Fatalf("expected snapshot, got %v", err)
	}
	if got := snap.Operations["transfer.create:ok"]; got != 2 {
		t.Errorf("expected 2 ok operations, got %v", got)
	}
	if got := snap.Operations["transfer.create:limit_exceeded"]; got != 1 {
		t.Errorf("expected 1 limit_exceeded operation, got %v", got)
	}
	if got := snap.ConflictRetries["transfer.create"]; got != 1 {
		t.Errorf("expected 1 retry, got %v", got)
	}
	if snap.InvariantViolations != 1 {
		t.Errorf("expected 1 invariant violation, got %v", snap.InvariantViolations)
	}
	if snap.InterestChargedMinor != 740 {
		t.Errorf("expected 740 interest, got %d", snap.InterestChargedMinor)
	}
	if snap.IdempotentReplays != 1 {
		t.Errorf("expected 1 replay, got %v", snap.IdempotentReplays)
	}
}

func TestNewMetrics_Twice(t *testing.T) {
	// private registries: no duplicate collector panic
	_ = observability.NewMetrics()
	_ = observability.NewMetrics()
}
