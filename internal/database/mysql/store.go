package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/koustreak/schemagate/internal/database"
	"github.com/koustreak/schemagate/internal/errs"
	"github.com/koustreak/schemagate/internal/mutate"
)

// Begin pins a connection for one column request.
func (d *Driver) Begin(ctx context.Context) (mutate.Tx, error) {
	conn, err := d.db.Connx(ctx)
	if err != nil {
		return nil, mapError(err, "acquire connection")
	}
	return &lockedConn{conn: conn, d: d}, nil
}

// AppendAudit writes an audit row outside of any request connection.
func (d *Driver) AppendAudit(ctx context.Context, entry mutate.AuditEntry) error {
	return insertAudit(ctx, d.db, entry)
}

func insertAudit(ctx context.Context, ex sqlx.ExecerContext, e mutate.AuditEntry) error {
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
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''))`,
		quoted(database.AuditTable))

	_, err = ex.ExecContext(ctx, q,
		e.Table, e.Column, e.Type, e.RequestedBy, string(e.Status),
		e.SourceField, string(raw), e.CompletedAt.UTC(), e.ErrorMessage)
	return mapError(err, "insert audit row")
}

func touchUsage(ctx context.Context, ex sqlx.ExecerContext, u mutate.Usage) error {
	q := fmt.Sprintf(`
		INSERT INTO %s (table_name, column_name, usage_count, last_used_at)
		VALUES (?, ?, 1, ?)
		ON DUPLICATE KEY UPDATE usage_count = usage_count + 1, last_used_at = VALUES(last_used_at)`,
		quoted(database.UsageTable))

	_, err := ex.ExecContext(ctx, q, u.Table, u.Column, u.LastUsedAt.UTC())
	return mapError(err, "touch usage")
}

// ResolveReferences returns the values not present in table.column.
func (d *Driver) ResolveReferences(ctx context.Context, table, column string, values []string) ([]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	q, args, err := database.Select(table, database.DialectMySQL).
		Columns(column).
		AsText().
		WhereTextIn(column, values).
		Build()
	if err != nil {
		return nil, err
	}

	ctx, cancel := d.withQueryTimeout(ctx)
	defer cancel()
	var present []string
	if err := d.db.SelectContext(ctx, &present, q, args...); err != nil {
		return nil, mapError(err, "resolve references")
	}
	return database.MissingValues(values, present), nil
}

type usageRow struct {
	Table      string    `db:"table_name"`
	Column     string    `db:"column_name"`
	Count      int64     `db:"usage_count"`
	LastUsedAt time.Time `db:"last_used_at"`
}

// ListUsage returns every usage row ordered by table, then column.
func (d *Driver) ListUsage(ctx context.Context) ([]mutate.Usage, error) {
	q, args, err := database.Select(database.UsageTable, database.DialectMySQL).
		Columns("table_name", "column_name", "usage_count", "last_used_at").
		OrderBy("table_name", database.Asc).
		OrderBy("column_name", database.Asc).
		Build()
	if err != nil {
		return nil, err
	}

	var rows []usageRow
	if err := d.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, mapError(err, "list usage")
	}
	out := make([]mutate.Usage, len(rows))
	for i, r := range rows {
		out[i] = mutate.Usage{Table: r.Table, Column: r.Column, Count: r.Count, LastUsedAt: r.LastUsedAt}
	}
	return out, nil
}

// lockedConn implements mutate.Tx on a pinned connection holding a named
// lock. Audit and usage writes are buffered until Commit.
type lockedConn struct {
	conn    *sqlx.Conn
	d       *Driver
	lock    string
	audit   []mutate.AuditEntry
	touches []mutate.Usage
	done    bool
}

func lockName(key int64) string {
	return fmt.Sprintf("schemagate:%d", key)
}

// AcquireLock calls GET_LOCK, which takes whole seconds.
func (c *lockedConn) AcquireLock(ctx context.Context, key int64, wait time.Duration) error {
	secs := int64(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	name := lockName(key)

	var got sql.NullInt64
	if err := c.conn.QueryRowxContext(ctx, "SELECT GET_LOCK(?, ?)", name, secs).Scan(&got); err != nil {
		return mapError(err, "get lock "+name)
	}
	switch {
	case !got.Valid:
		return errs.Newf(errs.ErrKindQueryFailed, "GET_LOCK(%s) returned NULL", name)
	case got.Int64 == 0:
		return errs.Newf(errs.ErrKindLockTimeout, "lock %s not acquired within %s", name, wait)
	}
	c.lock = name
	return nil
}

func (c *lockedConn) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	const q = `
		SELECT COUNT(*) > 0
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND COLUMN_NAME = ?`

	var exists bool
	if err := c.conn.QueryRowxContext(ctx, q, table, column).Scan(&exists); err != nil {
		return false, mapError(err, "column exists check")
	}
	return exists, nil
}

func (c *lockedConn) AddColumn(ctx context.Context, table, column, dataType string) error {
	ddl, err := database.AddColumnDDL(database.DialectMySQL, "", table, column, mysqlType(dataType))
	if err != nil {
		return err
	}
	_, err = c.conn.ExecContext(ctx, ddl)
	return mapError(err, "add column")
}

func (c *lockedConn) AppendAudit(_ context.Context, entry mutate.AuditEntry) error {
	c.audit = append(c.audit, entry)
	return nil
}

func (c *lockedConn) TouchUsage(_ context.Context, table, column string, at time.Time) error {
	c.touches = append(c.touches, mutate.Usage{Table: table, Column: column, LastUsedAt: at})
	return nil
}

// Commit writes the buffered audit and usage rows in one transaction, then
// releases the lock and the connection.
func (c *lockedConn) Commit(ctx context.Context) error {
	if c.done {
		return errs.New(errs.ErrKindQueryFailed, "request already finished")
	}
	defer c.finish()

	tx, err := c.conn.BeginTxx(ctx, nil)
	if err != nil {
		return mapError(err, "begin bookkeeping transaction")
	}
	for _, e := range c.audit {
		if err := insertAudit(ctx, tx, e); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	for _, u := range c.touches {
		if err := touchUsage(ctx, tx, u); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return mapError(tx.Commit(), "commit bookkeeping transaction")
}

// Rollback discards buffered writes. DDL already executed stays applied.
func (c *lockedConn) Rollback(_ context.Context) error {
	if c.done {
		return nil
	}
	c.finish()
	return nil
}

func (c *lockedConn) finish() {
	c.done = true
	if c.lock != "" {
		if _, err := c.conn.ExecContext(context.Background(), "SELECT RELEASE_LOCK(?)", c.lock); err != nil {
			c.d.log.WarnWith("release lock failed", err, map[string]interface{}{"lock": c.lock})
		}
	}
	_ = c.conn.Close()
}

// mysqlType translates the Postgres-flavoured allow-list to MySQL types.
func mysqlType(t string) string {
	switch t {
	case "timestamptz":
		return "datetime(6)"
	case "jsonb":
		return "json"
	case "integer":
		return "int"
	case "numeric":
		return "decimal(38,10)"
	}
	return t
}
