package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/koustreak/schemagate/internal/errs"
)

// PostgreSQL SQLSTATE error codes
// Full list: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	pgErrLockNotAvailable      = "55P03"
	pgErrQueryCanceled         = "57014"
	pgErrDuplicateColumn       = "42701"
	pgErrDuplicateTable        = "42P07"
	pgErrUndefinedTable        = "42P01"
	pgErrUndefinedColumn       = "42703"
	pgErrInsufficientPrivilege = "42501"
	pgErrUniqueViolation       = "23505"
)

// mapError translates pgx / pgconn native errors into *errs.Error.
// It returns nil for a nil err.
func mapError(err error, msg string) error {
	if err == nil {
		return nil
	}

	// Context cancellation / deadline exceeded
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.ErrKindTimeout, msg, err)
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return errs.Wrap(errs.ErrKindNotFound, msg, err)
	}

	// Postgres server-side error (SQLSTATE codes)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return errs.Wrap(classifySQLState(pgErr.Code), fmt.Sprintf("%s: %s", msg, pgErr.Message), err)
	}

	// Fallthrough: connection-level errors (TLS, network, auth)
	return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
}

func classifySQLState(code string) errs.ErrKind {
	switch code {
	case pgErrLockNotAvailable:
		return errs.ErrKindLockTimeout
	case pgErrQueryCanceled:
		return errs.ErrKindTimeout
	case pgErrDuplicateColumn, pgErrDuplicateTable, pgErrUniqueViolation:
		return errs.ErrKindConflict
	case pgErrUndefinedTable, pgErrUndefinedColumn:
		return errs.ErrKindNotFound
	case pgErrInsufficientPrivilege:
		return errs.ErrKindPermissionDenied
	}
	// Class 08: connection errors
	if len(code) >= 2 && code[:2] == "08" {
		return errs.ErrKindConnectionFailed
	}
	return errs.ErrKindQueryFailed
}
