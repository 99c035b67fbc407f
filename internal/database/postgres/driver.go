// Package postgres implements database.DB for PostgreSQL on pgx/v5.
//
// Column creation is serialized per (table, column) with transaction-scoped
// advisory locks (pg_advisory_xact_lock) bounded by a transaction-local
// lock_timeout, so the lock is released on commit or rollback and never
// outlives the request.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/koustreak/schemagate/internal/database"
	"github.com/koustreak/schemagate/internal/logger"
)

var _ database.DB = (*Driver)(nil)

// Driver is a PostgreSQL implementation of database.DB backed by pgxpool.
// It is safe for concurrent use by multiple goroutines.
type Driver struct {
	pool         *pgxpool.Pool
	schema       string
	queryTimeout time.Duration
	concurrency  int
	log          *logger.Logger
}

// New connects to PostgreSQL using the provided Config and returns a Driver.
// It calls Ping to validate the connection before returning.
func New(ctx context.Context, cfg *database.Config, log *logger.Logger) (*Driver, error) {
	pool, err := buildPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	d := &Driver{
		pool:         pool,
		schema:       cfg.Schema,
		queryTimeout: cfg.QueryTimeout,
		concurrency:  cfg.FetchConcurrency,
		log:          logger.OrNop(log).Component("postgres"),
	}
	if d.schema == "" {
		d.schema = "public"
	}
	if d.concurrency <= 0 {
		d.concurrency = 4
	}

	if err := d.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	d.log.InfoWith("connected", map[string]interface{}{
		"schema":    d.schema,
		"max_conns": pool.Config().MaxConns,
	})
	return d, nil
}

// Ping verifies the database is reachable by acquiring and releasing a connection.
func (d *Driver) Ping(ctx context.Context) error {
	return mapError(d.pool.Ping(ctx), "ping failed")
}

// Close drains the connection pool. Call when the application shuts down.
func (d *Driver) Close() {
	d.pool.Close()
}

// withQueryTimeout bounds one metadata query.
func (d *Driver) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.queryTimeout)
}

func (d *Driver) qualified(table string) string {
	return database.QualifiedName(database.DialectPostgres, d.schema, table)
}
