// Package backend selects how schemagate reaches its backing store.
//
// Direct talks to a database.DB in-process and runs the column mutator
// locally. Remote routes every operation through a gateway.Client to a
// schemagate server in another process or network zone. The variant is
// chosen once at construction; callers only see the Backend interface.
package backend

import (
	"context"

	"github.com/koustreak/schemagate/internal/mutate"
	"github.com/koustreak/schemagate/internal/schema"
)

// Backend is the capability set the service needs from a backing store.
type Backend interface {
	// FetchMetadata feeds the schema cache.
	schema.Source

	// ResolveReferences returns the values not present in table.column.
	ResolveReferences(ctx context.Context, table, column string, values []string) ([]string, error)

	// CreateColumnSafe never fails with an error; see mutate.Mutator.
	CreateColumnSafe(ctx context.Context, req mutate.Request) *mutate.Result

	// ListUsage returns the usage counters of dynamically created columns.
	ListUsage(ctx context.Context) ([]mutate.Usage, error)

	Ping(ctx context.Context) error
	Close()
}

// Operation names of the inventory tool group. A tool's full name is
// gateway.ToolName(group, operation).
const (
	OpGetTableSchema       = "get_table_schema"
	OpGetEnumValues        = "get_enum_values"
	OpGetAllSchemaMetadata = "get_all_schema_metadata"
	OpColumnExists         = "column_exists"
	OpMatchColumn          = "match_column"
	OpValidateImport       = "validate_import"
	OpCreateColumnSafe     = "create_column_safe"
	OpResolveReferences    = "resolve_references"
	OpListUsage            = "list_usage"
)

// MetadataArgs are the arguments of get_all_schema_metadata.
type MetadataArgs struct {
	Tables []string `json:"tables,omitempty"`
}

// ReferenceArgs are the arguments of resolve_references.
type ReferenceArgs struct {
	Table  string   `json:"table"`
	Column string   `json:"column"`
	Values []string `json:"values"`
}

// ReferenceResult is the result of resolve_references.
type ReferenceResult struct {
	Missing []string `json:"missing"`
}

// UsageResult is the result of list_usage.
type UsageResult struct {
	Usage []mutate.Usage `json:"usage"`
}
