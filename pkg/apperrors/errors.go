package apperrors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Kind classifies a failure at the point where it is produced. Retry decisions
// are made from the kind alone.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindMalformedInput Kind = "malformed_input"
	KindConflict       Kind = "conflict"
	KindNotFound       Kind = "not_found"
	KindTransient      Kind = "transient"
	KindTimeout        Kind = "timeout"
	KindInternal       Kind = "internal"
)

// Retryable reports whether an operation that failed with this kind may succeed
// when attempted again.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindTimeout:
		return true
	default:
		return false
	}
}

// Error is a classified error carrying the operation that produced it.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(string(e.Kind))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable implements the retry.RetryableError interface.
func (e *Error) IsRetryable() bool {
	return e.Kind.Retryable()
}

// Is lets errors.Is(err, ErrConflict) and errors.Is(err, ErrNotFound) match
// classified errors of the corresponding kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// New creates a classified error without a cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err with an explicit kind.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Cause: err}
}

// Validation is shorthand for a non-retryable input error.
func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the first classified error in err's chain, or
// KindInternal when err has not been classified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsRetryable reports whether err carries a retryable kind.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// FromStore classifies an error returned by PostgreSQL (through pgx). The
// SQLSTATE class decides the kind; the message is never inspected.
func FromStore(op string, err error) error {
	if err == nil {
		return nil
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		return err
	}

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return Wrap(KindNotFound, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTimeout, op, err)
	case errors.Is(err, context.Canceled):
		return Wrap(KindInternal, op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return Wrap(kindForSQLState(pgErr.Code), op, err)
	}

	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return Wrap(KindTransient, op, err)
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return Wrap(KindTransient, op, err)
	}

	return Wrap(KindInternal, op, err)
}

// kindForSQLState maps a SQLSTATE code to a Kind.
func kindForSQLState(code string) Kind {
	switch code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03", // lock_not_available
		"53300", // too_many_connections
		"57P01", // admin_shutdown
		"57P02", // crash_shutdown
		"57P03": // cannot_connect_now
		return KindTransient
	case "57014": // query_canceled (statement_timeout)
		return KindTimeout
	}

	if len(code) < 2 {
		return KindInternal
	}
	switch code[:2] {
	case "23": // integrity constraint violation
		return KindConflict
	case "22": // data exception
		return KindMalformedInput
	case "08": // connection exception
		return KindTransient
	}
	return KindInternal
}
