package domain

import (
	"fmt"
	"time"
)

// MinorUnitsPerMajor is the precision of every amount handled by the ledger (cents).
const MinorUnitsPerMajor = 100

// DateLayout is the wire and storage format of calendar dates.
const DateLayout = "2006-01-02"

// FormatMinor renders an amount in minor units as a decimal string, e.g. -50740 -> "-507.40".
func FormatMinor(amount int64) string {
	sign := ""
	// Work on uint64 so math.MinInt64 renders correctly.
	u := uint64(amount)
	if amount < 0 {
		sign = "-"
		u = uint64(-(amount + 1)) + 1
	}
	return fmt.Sprintf("%s%d.%02d", sign, u/MinorUnitsPerMajor, u%MinorUnitsPerMajor)
}

// AddMinor adds two amounts and reports false when the result overflows int64.
func AddMinor(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

// DateOf truncates t to its calendar date in UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// FormatDate renders a date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}
