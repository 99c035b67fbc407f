// Package schema caches relational schema metadata (columns, types,
// nullability, enums, foreign keys) for the matcher, the validator and the
// mutator.
//
// The Cache holds exactly one Snapshot at a time. Readers never lock: a
// refresh builds a new Snapshot and swaps the pointer, so a reader sees
// either the old snapshot or the new one, never a half-updated mix.
//
// Usage:
//
//	cache := schema.NewCache(source, []string{"pending_entries", "pending_entry_items"},
//	    schema.WithTTL(5*time.Minute), schema.WithLogger(log))
//
//	table, err := cache.GetTableSchema(ctx, "pending_entry_items")
package schema

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/koustreak/schemagate/internal/errs"
	"github.com/koustreak/schemagate/internal/logger"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a snapshot is served before it is refetched.
const DefaultTTL = 5 * time.Minute

// DefaultRefreshTimeout bounds one shared metadata fetch.
const DefaultRefreshTimeout = 30 * time.Second

// Cache serves schema metadata from a TTL-bounded snapshot.
// It is safe for concurrent use by multiple goroutines.
type Cache struct {
	source Source
	tables []string
	ttl    time.Duration
	limit  time.Duration // refresh timeout
	now    func() time.Time
	log    *logger.Logger

	current atomic.Pointer[entry]
	group   singleflight.Group
}

type entry struct {
	snap    *Snapshot
	expires time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithRefreshTimeout overrides DefaultRefreshTimeout. Non-positive values are
// ignored.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.limit = d
		}
	}
}

// WithClock injects the time source used for TTL decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger used for refresh and partial-fetch messages.
func WithLogger(l *logger.Logger) Option {
	return func(c *Cache) {
		c.log = logger.OrNop(l)
	}
}

// NewCache creates a cache that fetches the given tables from source.
// Nothing is fetched until the first read.
func NewCache(source Source, tables []string, opts ...Option) *Cache {
	c := &Cache{
		source: source,
		tables: append([]string(nil), tables...),
		ttl:    DefaultTTL,
		limit:  DefaultRefreshTimeout,
		now:    time.Now,
		log:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetTableSchema returns the cached schema of table, refreshing the snapshot
// if it has expired. A table that is unknown to the store, or that could not
// be fetched, yields an ErrKindNotFound error.
func (c *Cache) GetTableSchema(ctx context.Context, table string) (*Table, error) {
	snap, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	t, ok := snap.Table(table)
	if !ok {
		return nil, errs.Newf(errs.ErrKindNotFound, "table %q is not in the schema snapshot", table)
	}
	return t, nil
}

// GetEnumValues returns the ordered values of the named enum type.
func (c *Cache) GetEnumValues(ctx context.Context, enumName string) ([]string, error) {
	snap, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	e, ok := snap.Enum(enumName)
	if !ok {
		return nil, errs.Newf(errs.ErrKindNotFound, "enum %q is not in the schema snapshot", enumName)
	}
	return append([]string(nil), e.Values...), nil
}

// GetAllSchemaMetadata returns the whole current snapshot. The returned value
// is shared and must be treated as read-only.
func (c *Cache) GetAllSchemaMetadata(ctx context.Context) (*Snapshot, error) {
	return c.snapshot(ctx)
}

// ColumnExists answers from whatever snapshot is currently held, without
// triggering a refresh. Before the first fetch it reports false.
func (c *Cache) ColumnExists(table, column string) bool {
	e := c.current.Load()
	if e == nil {
		return false
	}
	t, ok := e.snap.Table(table)
	if !ok {
		return false
	}
	return t.HasColumn(column)
}

// Invalidate drops the current snapshot so the next read refetches.
func (c *Cache) Invalidate() {
	c.current.Store(nil)
}

func (c *Cache) fresh() *Snapshot {
	if e := c.current.Load(); e != nil && c.now().Before(e.expires) {
		return e.snap
	}
	return nil
}

// snapshot returns a fresh snapshot, collapsing concurrent refreshes into a
// single fetch. The shared fetch is detached from any one caller; each caller
// stops waiting when its own ctx is done.
func (c *Cache) snapshot(ctx context.Context) (*Snapshot, error) {
	if snap := c.fresh(); snap != nil {
		return snap, nil
	}

	ch := c.group.DoChan("refresh", func() (any, error) {
		if snap := c.fresh(); snap != nil {
			return snap, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.limit)
		defer cancel()
		return c.refresh(fetchCtx)
	})
	select {
	case <-ctx.Done():
		return nil, errs.Wrap(errs.ErrKindTimeout, "waiting for schema refresh", ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Snapshot), nil
	}
}

func (c *Cache) refresh(ctx context.Context) (*Snapshot, error) {
	start := c.now()
	snap, err := c.source.FetchMetadata(ctx, c.tables)
	if err != nil {
		c.log.ErrorWith("schema metadata fetch failed", err, map[string]interface{}{
			"tables": len(c.tables),
		})
		return nil, err
	}
	if snap == nil {
		return nil, errs.New(errs.ErrKindMalformedResponse, "schema source returned no snapshot")
	}

	// Zero observed columns means the table is unknown, not broken.
	for name, t := range snap.Tables {
		if t == nil || len(t.Columns) == 0 {
			delete(snap.Tables, name)
		}
	}

	if len(snap.Failed) > 0 {
		failed := make([]string, 0, len(snap.Failed))
		for name := range snap.Failed {
			failed = append(failed, name)
		}
		sort.Strings(failed)
		c.log.WarnWith("schema snapshot is partial", nil, map[string]interface{}{
			"failed_tables": failed,
		})
	}

	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = start
	}
	c.current.Store(&entry{snap: snap, expires: start.Add(c.ttl)})

	c.log.DebugWith("schema snapshot refreshed", map[string]interface{}{
		"tables": len(snap.Tables),
		"enums":  len(snap.Enums),
	})
	return snap, nil
}
