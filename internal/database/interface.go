package database

import (
	"context"

	"github.com/koustreak/schemagate/internal/mutate"
	"github.com/koustreak/schemagate/internal/schema"
)

// DB is the central contract for a direct backing store.
// Layers above this package talk only to this interface; they never import
// the postgres, mysql or memory packages directly.
type DB interface {
	// FetchMetadata returns a fresh snapshot of tables and the enums their
	// columns use. Per-table failures land in Snapshot.Failed.
	schema.Source

	// Begin and AppendAudit back the column mutator.
	mutate.Store

	// Ping verifies the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the connection pool.
	Close()

	// EnsureTables creates the audit and usage tables when missing.
	EnsureTables(ctx context.Context) error

	// ResolveReferences returns the values not present in table.column.
	ResolveReferences(ctx context.Context, table, column string, values []string) ([]string, error)

	// ListUsage returns every usage row ordered by table, then column.
	ListUsage(ctx context.Context) ([]mutate.Usage, error)
}

// Table names of the bookkeeping tables managed by EnsureTables.
const (
	AuditTable = "schema_evolution_audit"
	UsageTable = "schema_column_usage"
)

// MissingValues returns the values of want that are not in present,
// preserving the order of want.
func MissingValues(want, present []string) []string {
	set := make(map[string]bool, len(present))
	for _, p := range present {
		set[p] = true
	}
	var missing []string
	for _, w := range want {
		if !set[w] {
			missing = append(missing, w)
		}
	}
	return missing
}
