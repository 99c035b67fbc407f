package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/koustreak/schemagate/internal/database"
	"github.com/koustreak/schemagate/internal/mutate"
)

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Begin starts a transaction for one column request.
func (d *Driver) Begin(ctx context.Context) (mutate.Tx, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, mapError(err, "begin transaction")
	}
	return &pgTx{tx: tx, d: d}, nil
}

// AppendAudit writes an audit row in its own implicit transaction.
func (d *Driver) AppendAudit(ctx context.Context, entry mutate.AuditEntry) error {
	return d.insertAudit(ctx, d.pool, entry)
}

func (d *Driver) insertAudit(ctx context.Context, ex execer, e mutate.AuditEntry) error {
	samples := e.SampleValues
	if samples == nil {
		samples = []string{}
	}
	raw, err := json.Marshal(samples)
	if err != nil {
		return fmt.Errorf("encode sample values: %w", err)
	}

	q := fmt.Sprintf(`
		INSERT INTO %s
			(table_name, column_name, column_type, requested_by, status,
			 source_field, sample_values, completed_at, error_message)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7::jsonb, $8, NULLIF($9, ''))`,
		d.qualified(database.AuditTable))

	_, err = ex.Exec(ctx, q,
		e.Table, e.Column, e.Type, e.RequestedBy, string(e.Status),
		e.SourceField, string(raw), e.CompletedAt, e.ErrorMessage)
	return mapError(err, "insert audit row")
}

// ResolveReferences returns the values not present in table.column.
func (d *Driver) ResolveReferences(ctx context.Context, table, column string, values []string) ([]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	q, args, err := database.Select(table, database.DialectPostgres).
		InSchema(d.schema).
		Columns(column).
		AsText().
		WhereTextIn(column, values).
		Build()
	if err != nil {
		return nil, err
	}

	ctx, cancel := d.withQueryTimeout(ctx)
	defer cancel()
	rows, err := d.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, mapError(err, "resolve references")
	}
	present, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, mapError(err, "scan references")
	}
	return database.MissingValues(values, present), nil
}

// ListUsage returns every usage row ordered by table, then column.
func (d *Driver) ListUsage(ctx context.Context) ([]mutate.Usage, error) {
	q, args, err := database.Select(database.UsageTable, database.DialectPostgres).
		InSchema(d.schema).
		Columns("table_name", "column_name", "usage_count", "last_used_at").
		OrderBy("table_name", database.Asc).
		OrderBy("column_name", database.Asc).
		Build()
	if err != nil {
		return nil, err
	}

	rows, err := d.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, mapError(err, "list usage")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (mutate.Usage, error) {
		var u mutate.Usage
		err := row.Scan(&u.Table, &u.Column, &u.Count, &u.LastUsedAt)
		return u, err
	})
	if err != nil {
		return nil, mapError(err, "scan usage")
	}
	return out, nil
}

// pgTx wraps pgx.Tx to satisfy mutate.Tx.
type pgTx struct {
	tx pgx.Tx
	d  *Driver
}

// AcquireLock sets a transaction-local lock_timeout and takes the
// transaction-scoped advisory lock. The timeout also bounds the DDL lock
// taken later in the same transaction.
func (t *pgTx) AcquireLock(ctx context.Context, key int64, wait time.Duration) error {
	ms := wait.Milliseconds()
	if ms < 1 {
		ms = 1 // zero would mean wait forever
	}
	if _, err := t.tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", fmt.Sprintf("%dms", ms)); err != nil {
		return mapError(err, "set lock_timeout")
	}
	if _, err := t.tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", key); err != nil {
		return mapError(err, fmt.Sprintf("advisory lock %d", key))
	}
	return nil
}

func (t *pgTx) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_schema = $1 AND table_name = $2 AND column_name = $3
		)`

	var exists bool
	if err := t.tx.QueryRow(ctx, q, t.d.schema, table, column).Scan(&exists); err != nil {
		return false, mapError(err, "column exists check")
	}
	return exists, nil
}

func (t *pgTx) AddColumn(ctx context.Context, table, column, dataType string) error {
	ddl, err := database.AddColumnDDL(database.DialectPostgres, t.d.schema, table, column, dataType)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, ddl)
	return mapError(err, "add column")
}

func (t *pgTx) AppendAudit(ctx context.Context, entry mutate.AuditEntry) error {
	return t.d.insertAudit(ctx, t.tx, entry)
}

func (t *pgTx) TouchUsage(ctx context.Context, table, column string, at time.Time) error {
	q := fmt.Sprintf(`
		INSERT INTO %s AS u (table_name, column_name, usage_count, last_used_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (table_name, column_name)
		DO UPDATE SET usage_count = u.usage_count + 1, last_used_at = EXCLUDED.last_used_at`,
		t.d.qualified(database.UsageTable))

	_, err := t.tx.Exec(ctx, q, table, column, at)
	return mapError(err, "touch usage")
}

func (t *pgTx) Commit(ctx context.Context) error {
	return mapError(t.tx.Commit(ctx), "commit")
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return mapError(err, "rollback")
}
