package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the ledger.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	operationDuration   *prometheus.HistogramVec
	operationsTotal     *prometheus.CounterVec
	conflictRetries     *prometheus.CounterVec
	invariantViolations *prometheus.CounterVec
	interestCharged     prometheus.Counter
	eventsPublished     *prometheus.CounterVec
	idempotentReplays   prometheus.Counter
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// ledger metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_operation_duration_seconds",
				Help:    "Duration of ledger atomic units by operation, retries included.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_operations_total",
				Help: "Total ledger operations by outcome kind.",
			},
			[]string{"operation", "outcome"},
		),
		conflictRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_conflict_retries_total",
				Help: "Serialization conflicts that triggered a retry.",
			},
			[]string{"operation"},
		),
		invariantViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_invariant_violations_total",
				Help: "Stored data found breaking a ledger invariant.",
			},
			[]string{"resource"},
		),
		interestCharged: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_interest_charged_minor_total",
				Help: "Interest posted to credit accounts, in minor units.",
			},
		),
		eventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_events_published_total",
				Help: "Ledger events handed to the broker.",
			},
			[]string{"outcome"},
		),
		idempotentReplays: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_idempotent_replays_total",
				Help: "Requests answered from the idempotency cache.",
			},
		),
	}
}

// RecordOperation records the duration and outcome of an atomic unit.
func (m *Metrics) RecordOperation(operation, outcome string, d time.Duration) {
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
	m.operationsTotal.WithLabelValues(operation, outcome).Inc()
}

// IncrConflictRetry increments the retry counter for an operation.
func (m *Metrics) IncrConflictRetry(operation string) {
	m.conflictRetries.WithLabelValues(operation).Inc()
}

// IncrInvariantViolation counts a detected invariant violation.
func (m *Metrics) IncrInvariantViolation(resource string) {
	m.invariantViolations.WithLabelValues(resource).Inc()
}

// AddInterestCharged adds a posted interest charge.
func (m *Metrics) AddInterestCharged(minor int64) {
	m.interestCharged.Add(float64(minor))
}

// IncrEventPublished counts an event publish attempt by outcome (ok, error).
func (m *Metrics) IncrEventPublished(outcome string) {
	m.eventsPublished.WithLabelValues(outcome).Inc()
}

// IncrIdempotentReplay counts a replayed response.
func (m *Metrics) IncrIdempotentReplay() {
	m.idempotentReplays.Inc()
}

// LedgerSnapshot is returned by GET /v1/metrics/ledger.
type LedgerSnapshot struct {
	Operations           map[string]float64 `json:"operations"`
	ConflictRetries      map[string]float64 `json:"conflict_retries"`
	InvariantViolations  float64            `json:"invariant_violations"`
	InterestChargedMinor int64              `json:"interest_charged_minor"`
	IdempotentReplays    float64            `json:"idempotent_replays"`
}

// Snapshot gathers the current counter values from the registry.
func (m *Metrics) Snapshot() (*LedgerSnapshot, error) {
	families, err := m.Registry.Gather()
	if err != nil {
		return nil, err
	}

	snap := &LedgerSnapshot{
		Operations:      map[string]float64{},
		ConflictRetries: map[string]float64{},
	}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			value := counterValue(metric)
			switch mf.GetName() {
			case "ledger_operations_total":
				key := labelValue(metric, "operation") + ":" + labelValue(metric, "outcome")
				snap.Operations[key] += value
			case "ledger_conflict_retries_total":
				snap.ConflictRetries[labelValue(metric, "operation")] += value
			case "ledger_invariant_violations_total":
				snap.InvariantViolations += value
			case "ledger_interest_charged_minor_total":
				snap.InterestChargedMinor = int64(value)
			case "ledger_idempotent_replays_total":
				snap.IdempotentReplays = value
			}
		}
	}
	return snap, nil
}

// counterValue extracts the float64 value of a gathered counter sample.
func counterValue(m *dto.Metric) float64 {
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
