// Package memory is an in-process backing store for schemagate.
//
// It implements the same capability set as the Postgres and MySQL drivers
// (schema metadata, guarded column creation with advisory locks, audit and
// usage tables, foreign-key reference lookups) and is used by tests and by
// the daemon when database.driver is "memory".
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/koustreak/schemagate/internal/database"
	"github.com/koustreak/schemagate/internal/errs"
	"github.com/koustreak/schemagate/internal/mutate"
	"github.com/koustreak/schemagate/internal/schema"
)

var _ database.DB = (*DB)(nil)

// DB holds tables, enums, reference values, the audit trail and usage
// counters. The zero value is not usable; call New.
type DB struct {
	mu     sync.RWMutex
	tables map[string]*schema.Table
	enums  map[string]*schema.Enum
	values map[string]map[string]bool // "table.column" → stored values
	audit  []mutate.AuditEntry
	usage  map[string]*mutate.Usage

	fetchErr  map[string]error
	addErr    error
	auditErr  error
	fetchHook func(tables []string)

	locksMu sync.Mutex
	locks   map[int64]chan struct{}
}

// New returns an empty DB.
func New() *DB {
	return &DB{
		tables:   make(map[string]*schema.Table),
		enums:    make(map[string]*schema.Enum),
		values:   make(map[string]map[string]bool),
		usage:    make(map[string]*mutate.Usage),
		fetchErr: make(map[string]error),
		locks:    make(map[int64]chan struct{}),
	}
}

// Ping always succeeds.
func (db *DB) Ping(context.Context) error { return nil }

// Close does nothing; the data lives as long as the DB value.
func (db *DB) Close() {}

// EnsureTables does nothing; the audit trail and usage counters are built in.
func (db *DB) EnsureTables(context.Context) error { return nil }

// CreateTable registers t, replacing any table with the same name.
func (db *DB) CreateTable(t *schema.Table) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.tables[t.Name] = copyTable(t)
}

// CreateEnum registers e, replacing any enum with the same name.
func (db *DB) CreateEnum(e *schema.Enum) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.enums[e.Name] = &schema.Enum{Name: e.Name, Values: append([]string(nil), e.Values...)}
}

// Insert stores values for table.column so reference lookups can find them.
func (db *DB) Insert(table, column string, values ...string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	key := table + "." + column
	set := db.values[key]
	if set == nil {
		set = make(map[string]bool)
		db.values[key] = set
	}
	for _, v := range values {
		set[v] = true
	}
}

// FailFetch makes FetchMetadata report err for table. A nil err clears it.
func (db *DB) FailFetch(table string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err == nil {
		delete(db.fetchErr, table)
		return
	}
	db.fetchErr[table] = err
}

// FailAddColumn makes every AddColumn return err. A nil err clears it.
func (db *DB) FailAddColumn(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.addErr = err
}

// FailAudit makes every audit write return err. A nil err clears it.
func (db *DB) FailAudit(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.auditErr = err
}

// OnFetch registers fn to be called at the start of every FetchMetadata.
func (db *DB) OnFetch(fn func(tables []string)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.fetchHook = fn
}

// Audit returns a copy of the audit trail in insertion order.
func (db *DB) Audit() []mutate.AuditEntry {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return append([]mutate.AuditEntry(nil), db.audit...)
}

// Usage returns the usage row for table.column.
func (db *DB) Usage(table, column string) (mutate.Usage, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	u, ok := db.usage[table+"."+column]
	if !ok {
		return mutate.Usage{}, false
	}
	return *u, true
}

// ListUsage returns every usage row ordered by table, then column.
func (db *DB) ListUsage(_ context.Context) ([]mutate.Usage, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]mutate.Usage, 0, len(db.usage))
	for _, u := range db.usage {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		return out[i].Column < out[j].Column
	})
	return out, nil
}

// FetchMetadata returns a fresh snapshot of the requested tables and of the
// enums their columns use. Unknown tables are left out.
func (db *DB) FetchMetadata(ctx context.Context, tables []string) (*schema.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.ErrKindTimeout, "fetch metadata", err)
	}

	db.mu.RLock()
	hook := db.fetchHook
	db.mu.RUnlock()
	if hook != nil {
		hook(tables)
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	snap := schema.NewSnapshot()
	for _, name := range tables {
		if err, ok := db.fetchErr[name]; ok {
			snap.Failed[name] = err.Error()
			continue
		}
		t, ok := db.tables[name]
		if !ok {
			continue
		}
		snap.Tables[name] = copyTable(t)
		for _, c := range t.Columns {
			if c.EnumName == "" {
				continue
			}
			if e, ok := db.enums[c.EnumName]; ok {
				snap.Enums[e.Name] = &schema.Enum{Name: e.Name, Values: append([]string(nil), e.Values...)}
			}
		}
	}
	if len(tables) > 0 && len(snap.Failed) == len(tables) {
		return nil, errs.Newf(errs.ErrKindQueryFailed, "fetch metadata: all %d tables failed", len(tables))
	}
	snap.FetchedAt = time.Now()
	return snap, nil
}

// ResolveReferences returns the values not stored in table.column.
func (db *DB) ResolveReferences(ctx context.Context, table, column string, values []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.ErrKindTimeout, "resolve references", err)
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if _, ok := db.tables[table]; !ok {
		return nil, errs.Newf(errs.ErrKindNotFound, "table %q not found", table)
	}
	set := db.values[table+"."+column]
	var missing []string
	for _, v := range values {
		if !set[v] {
			missing = append(missing, v)
		}
	}
	return missing, nil
}

// AppendAudit writes entry outside of any transaction.
func (db *DB) AppendAudit(_ context.Context, entry mutate.AuditEntry) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.auditErr != nil {
		return db.auditErr
	}
	db.audit = append(db.audit, entry)
	return nil
}

// Begin opens a transaction. Its writes become visible on Commit.
func (db *DB) Begin(ctx context.Context) (mutate.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.ErrKindTimeout, "begin", err)
	}
	return &tx{db: db}, nil
}

func (db *DB) lockChan(key int64) chan struct{} {
	db.locksMu.Lock()
	defer db.locksMu.Unlock()
	ch, ok := db.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		db.locks[key] = ch
	}
	return ch
}

type pendingColumn struct {
	table    string
	column   string
	dataType string
}

type tx struct {
	db      *DB
	held    []int64
	columns []pendingColumn
	audit   []mutate.AuditEntry
	touches []mutate.Usage
	done    bool
}

func (t *tx) AcquireLock(ctx context.Context, key int64, wait time.Duration) error {
	if t.done {
		return errs.New(errs.ErrKindQueryFailed, "transaction already finished")
	}
	ch := t.db.lockChan(key)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		t.held = append(t.held, key)
		return nil
	case <-timer.C:
		return errs.Newf(errs.ErrKindLockTimeout, "advisory lock %d not acquired within %s", key, wait)
	case <-ctx.Done():
		return errs.Wrap(errs.ErrKindTimeout, "waiting for advisory lock", ctx.Err())
	}
}

func (t *tx) ColumnExists(_ context.Context, table, column string) (bool, error) {
	for _, p := range t.columns {
		if p.table == table && p.column == column {
			return true, nil
		}
	}
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()
	tbl, ok := t.db.tables[table]
	if !ok {
		return false, errs.Newf(errs.ErrKindNotFound, "table %q not found", table)
	}
	return tbl.HasColumn(column), nil
}

func (t *tx) AddColumn(_ context.Context, table, column, dataType string) error {
	t.db.mu.RLock()
	addErr := t.db.addErr
	tbl, ok := t.db.tables[table]
	exists := ok && tbl.HasColumn(column)
	t.db.mu.RUnlock()

	switch {
	case addErr != nil:
		return errs.Wrap(errs.ErrKindQueryFailed, "add column", addErr)
	case !ok:
		return errs.Newf(errs.ErrKindNotFound, "table %q not found", table)
	case exists:
		return errs.Newf(errs.ErrKindConflict, "column %q of relation %q already exists", column, table)
	}
	t.columns = append(t.columns, pendingColumn{table: table, column: column, dataType: dataType})
	return nil
}

func (t *tx) AppendAudit(_ context.Context, entry mutate.AuditEntry) error {
	t.db.mu.RLock()
	auditErr := t.db.auditErr
	t.db.mu.RUnlock()
	if auditErr != nil {
		return auditErr
	}
	t.audit = append(t.audit, entry)
	return nil
}

func (t *tx) TouchUsage(_ context.Context, table, column string, at time.Time) error {
	t.touches = append(t.touches, mutate.Usage{Table: table, Column: column, LastUsedAt: at})
	return nil
}

func (t *tx) Commit(_ context.Context) error {
	if t.done {
		return errs.New(errs.ErrKindQueryFailed, "transaction already finished")
	}
	t.db.mu.Lock()
	for _, p := range t.columns {
		tbl := t.db.tables[p.table]
		tbl.Columns = append(tbl.Columns, schema.Column{
			Name:     p.column,
			DataType: p.dataType,
			Nullable: true,
			Position: len(tbl.Columns) + 1,
		})
	}
	t.db.audit = append(t.db.audit, t.audit...)
	for _, u := range t.touches {
		key := u.Table + "." + u.Column
		row, ok := t.db.usage[key]
		if !ok {
			row = &mutate.Usage{Table: u.Table, Column: u.Column}
			t.db.usage[key] = row
		}
		row.Count++
		row.LastUsedAt = u.LastUsedAt
	}
	t.db.mu.Unlock()
	t.finish()
	return nil
}

func (t *tx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

// finish releases held locks in reverse order.
func (t *tx) finish() {
	t.done = true
	for i := len(t.held) - 1; i >= 0; i-- {
		<-t.db.lockChan(t.held[i])
	}
	t.held = nil
}

func copyTable(t *schema.Table) *schema.Table {
	out := &schema.Table{
		Name:        t.Name,
		Columns:     make([]schema.Column, len(t.Columns)),
		ForeignKeys: append([]schema.ForeignKey(nil), t.ForeignKeys...),
	}
	for i, c := range t.Columns {
		if c.MaxLength != nil {
			n := *c.MaxLength
			c.MaxLength = &n
		}
		out.Columns[i] = c
	}
	return out
}
