package mutate

import (
	"context"
	"time"
)

// Status is the terminal state of a mutation request.
type Status string

const (
	StatusCreated       Status = "created"
	StatusAlreadyExists Status = "already_exists"
	StatusRejected      Status = "rejected"
	StatusFailed        Status = "failed"
)

// Reason codes carried by non-successful results.
const (
	ReasonTableNotAllowed   = "table_not_allowed"
	ReasonInvalidIdentifier = "invalid_identifier"
	ReasonLockTimeout       = "lock_timeout"
	ReasonDDLFailed         = "ddl_failed"
	ReasonStoreError        = "store_error"
	ReasonTransportFailure  = "transport_failure"
)

// Request asks for a new column. Column and Type are taken as supplied by the
// caller and sanitized by the Mutator.
type Request struct {
	Table        string   `json:"table"`
	Column       string   `json:"column"`
	Type         string   `json:"type"`
	RequestedBy  string   `json:"requested_by"`
	SourceField  string   `json:"source_field,omitempty"`
	SampleValues []string `json:"sample_values,omitempty"`
}

// Result is the single terminal answer to a Request.
type Result struct {
	Status          Status `json:"status"`
	Table           string `json:"table"`
	Column          string `json:"column"`
	Type            string `json:"type"`
	Reason          string `json:"reason,omitempty"`
	Fallback        bool   `json:"fallback"`         // store the value out-of-schema instead of retrying now
	TypeSubstituted bool   `json:"type_substituted"` // requested type was not allow-listed
	Error           string `json:"error,omitempty"`

	// OverflowKey is set when the caller parked the request's values out of
	// schema after a fallback result.
	OverflowKey string `json:"overflow_key,omitempty"`
}

// OK reports whether the column exists after the call.
func (r *Result) OK() bool {
	return r.Status == StatusCreated || r.Status == StatusAlreadyExists
}

// AuditEntry is one append-only row of the schema evolution audit trail.
type AuditEntry struct {
	Table        string    `json:"table"`
	Column       string    `json:"column"`
	Type         string    `json:"type"`
	RequestedBy  string    `json:"requested_by"`
	Status       Status    `json:"status"`
	SourceField  string    `json:"source_field,omitempty"`
	SampleValues []string  `json:"sample_values,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Store is the backing store the Mutator writes through.
//
// Implementations: internal/database/postgres, internal/database/mysql and
// internal/database/memory.
type Store interface {
	// Begin opens a transaction. Advisory locks taken inside it are released
	// when it commits or rolls back.
	Begin(ctx context.Context) (Tx, error)

	// AppendAudit writes an audit row outside of any transaction. It is used
	// for failures, after the transaction has been rolled back.
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// Tx is one transaction against the backing store.
type Tx interface {
	// AcquireLock takes the advisory lock identified by key, waiting at most
	// wait. It returns an errs.ErrKindLockTimeout error when the wait expires.
	AcquireLock(ctx context.Context, key int64, wait time.Duration) error

	ColumnExists(ctx context.Context, table, column string) (bool, error)
	AddColumn(ctx context.Context, table, column, dataType string) error
	AppendAudit(ctx context.Context, entry AuditEntry) error

	// TouchUsage upserts the usage row for (table, column), incrementing its
	// counter and setting its last-used timestamp.
	TouchUsage(ctx context.Context, table, column string, at time.Time) error

	Commit(ctx context.Context) error

	// Rollback must be safe to call after Commit, where it does nothing.
	Rollback(ctx context.Context) error
}

// Usage is the usage counter row kept per dynamically managed column.
type Usage struct {
	Table      string    `json:"table"`
	Column     string    `json:"column"`
	Count      int64     `json:"usage_count"`
	LastUsedAt time.Time `json:"last_used_at"`
}
