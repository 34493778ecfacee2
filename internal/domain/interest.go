package domain

import (
	"math/big"
	"time"
)

// ============================================================
// Interest accrual
// ============================================================

const (
	bpsPerUnit  = 10000
	daysPerYear = 365
)

// Reasons for an accrual that posted nothing.
const (
	AccrualNoDebt         = "no_debt"
	AccrualZeroRate       = "zero_rate"
	AccrualAlreadyAccrued = "already_accrued"
	AccrualRoundsToZero   = "rounds_to_zero"
)

// AccrualResult is the outcome of an interest accrual. When Charged is false
// Reason says why no interest was posted and Transaction is nil.
type AccrualResult struct {
	AccountID   string       `json:"account_id"`
	AsOf        time.Time    `json:"as_of"`
	Charged     bool         `json:"charged"`
	Reason      string       `json:"reason,omitempty"`
	ElapsedDays int          `json:"elapsed_days,omitempty"`
	Charge      int64        `json:"charge,omitempty"`
	Transaction *Transaction `json:"transaction,omitempty"`
	Balance     int64        `json:"balance"`
}

// ElapsedDays returns the number of whole calendar days from `from` to `to`
// (actual day count). Negative when `to` precedes `from`.
func ElapsedDays(from, to time.Time) int {
	return int(DateOf(to).Sub(DateOf(from)).Hours() / 24)
}

// InterestCharge computes |debt| × rateBps/10000 × days/365 in minor units,
// rounded half-up. ok is false when the charge does not fit in int64.
func InterestCharge(debt, rateBps int64, days int) (charge int64, ok bool) {
	if debt <= 0 || rateBps <= 0 || days <= 0 {
		return 0, true
	}
	num := new(big.Int).Mul(big.NewInt(debt), big.NewInt(rateBps))
	num.Mul(num, big.NewInt(int64(days)))
	den := big.NewInt(bpsPerUnit * daysPerYear)

	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	// half-up: round away from zero when the remainder is at least half the divisor
	if r.Lsh(r, 1).Cmp(den) >= 0 {
		q.Add(q, big.NewInt(1))
	}
	if !q.IsInt64() {
		return 0, false
	}
	return q.Int64(), true
}

// BillingPeriodStart returns the first day of the billing period containing d.
// A period starts on cycleDay of each month (clamped to the month's length).
// With no billing cycle (cycleDay <= 0) every day is its own period.
func BillingPeriodStart(d time.Time, cycleDay int) time.Time {
	d = DateOf(d)
	if cycleDay <= 0 {
		return d
	}
	y, m, _ := d.Date()
	start := time.Date(y, m, clampDay(y, m, cycleDay), 0, 0, 0, 0, time.UTC)
	if !d.Before(start) {
		return start
	}
	prev := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	py, pm, _ := prev.Date()
	return time.Date(py, pm, clampDay(py, pm, cycleDay), 0, 0, 0, 0, time.UTC)
}

func clampDay(y int, m time.Month, day int) int {
	last := time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}
