package mysql

import (
	"context"
	"fmt"

	"github.com/koustreak/schemagate/internal/database"
)

// EnsureTables creates the audit trail and usage counter tables if they do
// not exist yet. It is idempotent.
func (d *Driver) EnsureTables(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id            BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
			table_name    VARCHAR(64)  NOT NULL,
			column_name   VARCHAR(64)  NOT NULL,
			column_type   VARCHAR(64)  NOT NULL,
			requested_by  VARCHAR(255) NOT NULL DEFAULT '',
			status        VARCHAR(32)  NOT NULL,
			source_field  VARCHAR(255) NULL,
			sample_values JSON         NOT NULL,
			completed_at  DATETIME(6)  NOT NULL,
			error_message TEXT         NULL,
			KEY schema_evolution_audit_table_column_idx (table_name, column_name)
		)`, quoted(database.AuditTable)),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			table_name   VARCHAR(64) NOT NULL,
			column_name  VARCHAR(64) NOT NULL,
			usage_count  BIGINT      NOT NULL DEFAULT 0,
			last_used_at DATETIME(6) NOT NULL,
			PRIMARY KEY (table_name, column_name)
		)`, quoted(database.UsageTable)),
	}

	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return mapError(err, "ensure bookkeeping tables")
		}
	}
	return nil
}
