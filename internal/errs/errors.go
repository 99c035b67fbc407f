// Package errs provides the unified error type used across all of schemagate.
//
// Every subsystem (database, filestore, gateway, mutate, …) wraps its native
// errors into *errs.Error before returning them to callers. Callers use the
// Is* predicates to decide between retry, fallback, and abort without
// importing driver-specific packages.
//
// Usage:
//
//	// In a driver, wrap native errors:
//	return errs.Wrap(errs.ErrKindLockTimeout, "advisory lock wait exceeded", pgErr)
//
//	// In a caller, check the error kind:
//	if errs.IsLockTimeout(err) {
//	    // store the value out-of-schema and retry later
//	}
package errs

import (
	"errors"
	"fmt"
)

// ErrKind categorises an error without exposing subsystem-specific codes.
// All backends (Postgres, MySQL, MinIO, the gateway) map their native errors
// to one of these kinds, giving callers a single consistent API.
type ErrKind int

const (
	ErrKindUnknown           ErrKind = iota
	ErrKindNotFound                  // no rows, no object, unknown table
	ErrKindConnectionFailed          // cannot reach the backend
	ErrKindTimeout                   // context deadline / cancellation
	ErrKindQueryFailed               // SQL or storage operation error
	ErrKindInvalidInput              // bad arguments from the caller
	ErrKindPermissionDenied          // access denied / auth failure
	ErrKindNotAllowed                // table or type outside an allow-list; permanent
	ErrKindLockTimeout               // advisory lock contention; retryable, fallback-eligible
	ErrKindConflict                  // duplicate object / constraint violation
	ErrKindValidationFailed          // one or more error-severity validation issues
	ErrKindTransportFailure          // network, signing or HTTP failure on the gateway
	ErrKindMalformedResponse         // payload shape not understood
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindNotFound:
		return "not_found"
	case ErrKindConnectionFailed:
		return "connection_failed"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindQueryFailed:
		return "query_failed"
	case ErrKindInvalidInput:
		return "invalid_input"
	case ErrKindPermissionDenied:
		return "permission_denied"
	case ErrKindNotAllowed:
		return "not_allowed"
	case ErrKindLockTimeout:
		return "lock_timeout"
	case ErrKindConflict:
		return "conflict"
	case ErrKindValidationFailed:
		return "validation_failed"
	case ErrKindTransportFailure:
		return "transport_failure"
	case ErrKindMalformedResponse:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of ErrKind.String. Unrecognised names map to
// ErrKindUnknown.
func ParseKind(s string) ErrKind {
	for k := ErrKindNotFound; k <= ErrKindMalformedResponse; k++ {
		if k.String() == s {
			return k
		}
	}
	return ErrKindUnknown
}

// Retryable reports whether an error of this kind may succeed if the caller
// tries again later.
func (k ErrKind) Retryable() bool {
	switch k {
	case ErrKindLockTimeout, ErrKindTransportFailure, ErrKindTimeout, ErrKindConnectionFailed:
		return true
	}
	return false
}

// Error is the single error type returned by all schemagate subsystems.
// Drivers produce it; callers inspect it via the Is* predicates below.
type Error struct {
	Kind    ErrKind
	Message string
	Cause   error // original driver-level error, preserved for logging
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is / errors.As to traverse the cause chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// --- Constructors ---

// New creates an *Error with the given kind and message and no cause.
func New(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf is New with a format string.
func Newf(kind ErrKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error with the given kind, message, and an underlying cause.
func Wrap(kind ErrKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// --- Predicates ---

// IsNotFound reports whether err represents a "not found" result
// (no rows, missing object, unknown table, …).
func IsNotFound(err error) bool {
	return KindOf(err) == ErrKindNotFound
}

// IsTimeout reports whether err was caused by a deadline or context cancellation.
func IsTimeout(err error) bool {
	return KindOf(err) == ErrKindTimeout
}

// IsConnectionFailed reports whether err is a connectivity or auth failure.
func IsConnectionFailed(err error) bool {
	return KindOf(err) == ErrKindConnectionFailed
}

// IsQueryFailed reports whether err is a backend operation failure
// (SQL execution error, storage I/O error, …).
func IsQueryFailed(err error) bool {
	return KindOf(err) == ErrKindQueryFailed
}

// IsInvalidInput reports whether err was caused by bad input from the caller.
func IsInvalidInput(err error) bool {
	return KindOf(err) == ErrKindInvalidInput
}

// IsPermissionDenied reports whether err is an access control failure.
func IsPermissionDenied(err error) bool {
	return KindOf(err) == ErrKindPermissionDenied
}

// IsNotAllowed reports whether err was raised by an allow-list check.
func IsNotAllowed(err error) bool {
	return KindOf(err) == ErrKindNotAllowed
}

// IsLockTimeout reports whether err is advisory lock contention.
func IsLockTimeout(err error) bool {
	return KindOf(err) == ErrKindLockTimeout
}

// IsConflict reports whether err is a duplicate / constraint violation.
func IsConflict(err error) bool {
	return KindOf(err) == ErrKindConflict
}

// IsValidationFailed reports whether err carries error-severity validation issues.
func IsValidationFailed(err error) bool {
	return KindOf(err) == ErrKindValidationFailed
}

// IsTransportFailure reports whether err happened on the gateway transport.
func IsTransportFailure(err error) bool {
	return KindOf(err) == ErrKindTransportFailure
}

// IsMalformedResponse reports whether err describes an unexpected payload shape.
func IsMalformedResponse(err error) bool {
	return KindOf(err) == ErrKindMalformedResponse
}

// IsRetryable reports whether the kind of err is retryable at the caller's discretion.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// KindOf extracts the ErrKind from any error in the chain.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindUnknown
}
