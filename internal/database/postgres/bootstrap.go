package postgres

import (
	"context"
	"fmt"

	"github.com/koustreak/schemagate/internal/database"
)

// EnsureTables creates the audit trail and usage counter tables if they do
// not exist yet. It is idempotent.
func (d *Driver) EnsureTables(ctx context.Context) error {
	audit := d.qualified(database.AuditTable)
	usage := d.qualified(database.UsageTable)

	stmts := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id            BIGSERIAL   PRIMARY KEY,
			table_name    TEXT        NOT NULL,
			column_name   TEXT        NOT NULL,
			column_type   TEXT        NOT NULL,
			requested_by  TEXT        NOT NULL DEFAULT '',
			status        TEXT        NOT NULL,
			source_field  TEXT,
			sample_values JSONB       NOT NULL DEFAULT '[]'::jsonb,
			completed_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			error_message TEXT
		)`, audit),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS schema_evolution_audit_table_column_idx ON %s (table_name, column_name)`, audit),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			table_name   TEXT        NOT NULL,
			column_name  TEXT        NOT NULL,
			usage_count  BIGINT      NOT NULL DEFAULT 0,
			last_used_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (table_name, column_name)
		)`, usage),
	}

	for _, stmt := range stmts {
		if _, err := d.pool.Exec(ctx, stmt); err != nil {
			return mapError(err, "ensure bookkeeping tables")
		}
	}
	d.log.DebugWith("bookkeeping tables ready", map[string]interface{}{"audit": audit, "usage": usage})
	return nil
}
