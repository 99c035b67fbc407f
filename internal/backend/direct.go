package backend

import (
	"context"

	"github.com/koustreak/schemagate/internal/database"
	"github.com/koustreak/schemagate/internal/logger"
	"github.com/koustreak/schemagate/internal/mutate"
	"github.com/koustreak/schemagate/internal/schema"
)

var _ Backend = (*Direct)(nil)

// Direct serves every operation from a database.DB in the same process.
type Direct struct {
	db      database.DB
	mutator *mutate.Mutator
}

// NewDirect wires db to a local Mutator enforcing policy.
func NewDirect(db database.DB, policy mutate.Policy, log *logger.Logger, opts ...mutate.Option) *Direct {
	opts = append([]mutate.Option{mutate.WithLogger(log)}, opts...)
	return &Direct{db: db, mutator: mutate.New(db, policy, opts...)}
}

// Policy returns the mutation policy in force.
func (d *Direct) Policy() mutate.Policy { return d.mutator.Policy() }

func (d *Direct) FetchMetadata(ctx context.Context, tables []string) (*schema.Snapshot, error) {
	return d.db.FetchMetadata(ctx, tables)
}

func (d *Direct) ResolveReferences(ctx context.Context, table, column string, values []string) ([]string, error) {
	return d.db.ResolveReferences(ctx, table, column, values)
}

func (d *Direct) CreateColumnSafe(ctx context.Context, req mutate.Request) *mutate.Result {
	return d.mutator.CreateColumnSafe(ctx, req)
}

func (d *Direct) ListUsage(ctx context.Context) ([]mutate.Usage, error) {
	return d.db.ListUsage(ctx)
}

func (d *Direct) Ping(ctx context.Context) error { return d.db.Ping(ctx) }

func (d *Direct) Close() { d.db.Close() }
