// Package mutate adds columns to allow-listed tables at runtime.
//
// A request is sanitized, checked against the allow-lists, and then executed
// inside one transaction that holds a per-(table, column) advisory lock for
// its whole duration. Inside the lock the column is checked for existence
// before any DDL runs, so concurrent requests for the same column serialize
// and exactly one of them creates it. Every request produces exactly one
// audit row.
package mutate

import (
	"context"
	"time"

	"github.com/koustreak/schemagate/internal/errs"
	"github.com/koustreak/schemagate/internal/logger"
)

// Mutator performs guarded schema evolution against a Store.
type Mutator struct {
	store  Store
	policy Policy
	now    func() time.Time
	log    *logger.Logger
}

// Option configures a Mutator.
type Option func(*Mutator)

// WithClock overrides the clock used for audit and usage timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Mutator) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(m *Mutator) { m.log = l }
}

// New creates a Mutator. Zero fields of policy take their defaults.
func New(store Store, policy Policy, opts ...Option) *Mutator {
	m := &Mutator{
		store:  store,
		policy: policy.withDefaults(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logger.OrNop(m.log).Component("mutator")
	return m
}

// Policy returns the effective policy.
func (m *Mutator) Policy() Policy { return m.policy }

// CreateColumnSafe adds req.Column to req.Table if it does not exist yet.
//
// It never returns an error: every outcome, including store failures, is
// reported through the Result. Failed and rejected results carry
// Fallback=true, telling the caller to park the value out of schema.
func (m *Mutator) CreateColumnSafe(ctx context.Context, req Request) *Result {
	s := m.policy.sanitize(req)
	res := &Result{
		Table:           s.table,
		Column:          s.column,
		Type:            s.dataType,
		TypeSubstituted: s.typeSubstituted,
	}
	entry := AuditEntry{
		Table:        s.table,
		Column:       s.column,
		Type:         s.dataType,
		RequestedBy:  req.RequestedBy,
		SourceField:  req.SourceField,
		SampleValues: s.samples,
	}

	if s.typeSubstituted {
		m.log.WarnWith("requested type not allowed, substituting default", nil, map[string]interface{}{
			"table":     s.table,
			"column":    s.column,
			"requested": req.Type,
			"type":      s.dataType,
		})
	}

	if s.table == "" || !m.policy.tableAllowed(s.table) {
		return m.reject(ctx, res, entry, StatusFailed, ReasonTableNotAllowed,
			errs.Newf(errs.ErrKindNotAllowed, "table %q is not open to schema evolution", req.Table))
	}
	if s.column == "" {
		return m.reject(ctx, res, entry, StatusRejected, ReasonInvalidIdentifier,
			errs.Newf(errs.ErrKindInvalidInput, "column name %q has no usable characters", req.Column))
	}

	tx, err := m.store.Begin(ctx)
	if err != nil {
		return m.fail(ctx, res, entry, ReasonStoreError, err)
	}
	// Rollback after Commit is a no-op; this releases the lock on every
	// early return.
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := tx.AcquireLock(ctx, LockKey(s.table, s.column), m.policy.LockTimeout); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		if errs.IsLockTimeout(err) {
			return m.fail(ctx, res, entry, ReasonLockTimeout, err)
		}
		return m.fail(ctx, res, entry, ReasonStoreError, err)
	}

	exists, err := tx.ColumnExists(ctx, s.table, s.column)
	if err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return m.fail(ctx, res, entry, ReasonStoreError, err)
	}

	status := StatusAlreadyExists
	if !exists {
		if err := tx.AddColumn(ctx, s.table, s.column, s.dataType); err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			return m.fail(ctx, res, entry, ReasonDDLFailed, err)
		}
		status = StatusCreated
	}

	now := m.now()
	entry.Status = status
	entry.CompletedAt = now
	if err := tx.AppendAudit(ctx, entry); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return m.fail(ctx, res, entry, ReasonStoreError, err)
	}
	if err := tx.TouchUsage(ctx, s.table, s.column, now); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return m.fail(ctx, res, entry, ReasonStoreError, err)
	}
	if err := tx.Commit(ctx); err != nil {
		if status == StatusCreated {
			return m.fail(ctx, res, entry, ReasonDDLFailed, err)
		}
		return m.fail(ctx, res, entry, ReasonStoreError, err)
	}

	res.Status = status
	m.log.InfoWith("column request completed", map[string]interface{}{
		"table":        s.table,
		"column":       s.column,
		"type":         s.dataType,
		"status":       string(status),
		"requested_by": req.RequestedBy,
	})
	return res
}

// reject finishes a request refused before any lock was taken. A table
// outside the allow-list ends as failed; an unusable identifier as rejected.
func (m *Mutator) reject(ctx context.Context, res *Result, entry AuditEntry, status Status, reason string, cause error) *Result {
	res.Status = status
	res.Reason = reason
	res.Fallback = true
	res.Error = cause.Error()

	entry.Status = status
	entry.ErrorMessage = cause.Error()
	m.auditBestEffort(ctx, entry)

	m.log.WarnWith("column request rejected", cause, map[string]interface{}{
		"table":  res.Table,
		"column": res.Column,
		"reason": reason,
	})
	return res
}

// fail finishes a request whose transaction was rolled back.
func (m *Mutator) fail(ctx context.Context, res *Result, entry AuditEntry, reason string, cause error) *Result {
	res.Status = StatusFailed
	res.Reason = reason
	res.Fallback = true
	res.Error = cause.Error()

	entry.Status = StatusFailed
	entry.ErrorMessage = cause.Error()
	m.auditBestEffort(ctx, entry)

	m.log.ErrorWith("column request failed", cause, map[string]interface{}{
		"table":  res.Table,
		"column": res.Column,
		"reason": reason,
	})
	return res
}

// auditBestEffort writes entry outside of any transaction. A failure is
// logged and otherwise ignored.
func (m *Mutator) auditBestEffort(ctx context.Context, entry AuditEntry) {
	entry.CompletedAt = m.now()
	if err := m.store.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
		m.log.WarnWith("audit write failed", err, map[string]interface{}{
			"table":  entry.Table,
			"column": entry.Column,
			"status": string(entry.Status),
		})
	}
}
