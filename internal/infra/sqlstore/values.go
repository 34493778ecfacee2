package sqlstore

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/ledgerd/ledgerd/internal/domain"
)

// Dates are written as YYYY-MM-DD and timestamps as RFC 3339 text so both
// dialects store and return the same representation.

type dateValue struct{ t *time.Time }

func (d dateValue) Value() (driver.Value, error) {
	if d.t == nil {
		return nil, nil
	}
	return domain.FormatDate(*d.t), nil
}

type dateScan struct {
	t     time.Time
	valid bool
}

func (d *dateScan) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		d.valid = false
		return nil
	case time.Time:
		d.t, d.valid = domain.DateOf(v), true
		return nil
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	default:
		return fmt.Errorf("scan date: unsupported type %T", src)
	}
}

func (d *dateScan) parse(s string) error {
	if len(s) > len(domain.DateLayout) {
		s = s[:len(domain.DateLayout)]
	}
	t, err := domain.ParseDate(s)
	if err != nil {
		return fmt.Errorf("scan date %q: %w", s, err)
	}
	d.t, d.valid = t, true
	return nil
}

func (d *dateScan) ptr() *time.Time {
	if !d.valid {
		return nil
	}
	t := d.t
	return &t
}

type stampValue time.Time

func (s stampValue) Value() (driver.Value, error) {
	return time.Time(s).UTC().Format(time.RFC3339Nano), nil
}

type stampScan struct{ t time.Time }

func (s *stampScan) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case time.Time:
		s.t = v.UTC()
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("scan timestamp: unsupported type %T", src)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return fmt.Errorf("scan timestamp %q: %w", raw, err)
	}
	s.t = t.UTC()
	return nil
}

// nullable stores "" as NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
