package sqlstore

import (
	"context"
	"database/sql"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var dbTracer = otel.Tracer("ledgerd.db")

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// traced runs statements through q with a span per statement. Queries are
// written with ? placeholders and rebound for the dialect.
type traced struct {
	q querier
	d dialect
}

func (t traced) start(ctx context.Context, name, query string) (context.Context, trace.Span) {
	return dbTracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", t.d.system),
		attribute.String("db.operation", sqlVerb(query)),
		attribute.String("db.statement", query),
	))
}

func (t traced) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	query = t.d.rebind(query)
	ctx, span := t.start(ctx, "db.Exec", query)
	defer span.End()

	res, err := t.q.ExecContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (t traced) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	query = t.d.rebind(query)
	ctx, span := t.start(ctx, "db.Query", query)
	defer span.End()

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return rows, err
}

// tracedRow keeps the span open until Scan, where sql.Row reports its errors.
type tracedRow struct {
	row  *sql.Row
	span trace.Span
}

func (r *tracedRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if err != nil && err != sql.ErrNoRows {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
	}
	r.span.End()
	return err
}

func (t traced) queryRow(ctx context.Context, query string, args ...any) *tracedRow {
	query = t.d.rebind(query)
	ctx, span := t.start(ctx, "db.QueryRow", query)
	return &tracedRow{row: t.q.QueryRowContext(ctx, query, args...), span: span}
}

func sqlVerb(q string) string {
	q = strings.TrimSpace(q)
	if idx := strings.IndexByte(q, ' '); idx > 0 {
		return strings.ToUpper(q[:idx])
	}
	return strings.ToUpper(q)
}
