// Package mysql implements database.DB for MySQL 8 on sqlx and
// go-sql-driver/mysql.
//
// MySQL commits DDL implicitly, so a column request cannot be one atomic
// transaction. The driver instead pins one connection per request, takes a
// named lock with GET_LOCK on it, runs the existence check and DDL, and then
// writes the audit row and usage counter in a transaction of their own
// before releasing the lock.
package mysql

import (
	"context"
	"time"

	_ "github.com/go-sql-driver/mysql" // register "mysql" driver
	"github.com/jmoiron/sqlx"
	"github.com/koustreak/schemagate/internal/database"
	"github.com/koustreak/schemagate/internal/logger"
)

var _ database.DB = (*Driver)(nil)

// Driver is a MySQL implementation of database.DB backed by sqlx.
// It is safe for concurrent use by multiple goroutines.
type Driver struct {
	db           *sqlx.DB
	queryTimeout time.Duration
	concurrency  int
	log          *logger.Logger
}

// New opens a MySQL connection pool using the provided Config and returns a Driver.
// It calls Ping to validate the connection before returning.
func New(ctx context.Context, cfg *database.Config, log *logger.Logger) (*Driver, error) {
	db, err := buildPool(cfg)
	if err != nil {
		return nil, err
	}

	d := &Driver{
		db:           db,
		queryTimeout: cfg.QueryTimeout,
		concurrency:  cfg.FetchConcurrency,
		log:          logger.OrNop(log).Component("mysql"),
	}
	if d.concurrency <= 0 {
		d.concurrency = 4
	}

	pingCtx, cancel := context.WithTimeout(ctx, durationOr(cfg.ConnectTimeout, 10*time.Second))
	defer cancel()

	if err := d.Ping(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	d.log.Info("connected")
	return d, nil
}

// Ping verifies the database is reachable.
func (d *Driver) Ping(ctx context.Context) error {
	return mapError(d.db.PingContext(ctx), "ping failed")
}

// Close releases the connection pool.
func (d *Driver) Close() {
	_ = d.db.Close()
}

func (d *Driver) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.queryTimeout)
}

func quoted(table string) string {
	return database.QuoteIdent(database.DialectMySQL, table)
}
