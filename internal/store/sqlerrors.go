package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// ErrRetriesExceeded is returned when a transaction is retried more than the
// max allowed number of times without success.
var ErrRetriesExceeded = errors.New("store: tx retries exceeded")

// MapSQLError attempts to interpret err as a database-agnostic SQL error,
// classifying sqlite-specific error codes into the taxonomy below so the
// transaction executor and callers can reason about them without importing
// mattn/go-sqlite3 themselves.
func MapSQLError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return parseSqliteError(sqliteErr)
	}

	return err
}

func parseSqliteError(sqliteErr sqlite3.Error) error {
	switch sqliteErr.Code {
	case sqlite3.ErrConstraint:
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {

			return &ErrUniqueConstraintViolation{DBError: sqliteErr}
		}

		return fmt.Errorf("sqlite constraint error: %w", sqliteErr)

	case sqlite3.ErrBusy:
		return &ErrSerializationError{DBError: sqliteErr}

	case sqlite3.ErrLocked:
		return &ErrDeadlockError{DBError: sqliteErr}

	case sqlite3.ErrError:
		errMsg := sqliteErr.Error()
		if strings.Contains(errMsg, "no such table") {
			return &ErrSchemaError{DBError: sqliteErr}
		}

		return fmt.Errorf("unknown sqlite error: %w", sqliteErr)

	default:
		return fmt.Errorf("unknown sqlite error: %w", sqliteErr)
	}
}

// ErrUniqueConstraintViolation is a database-agnostic unique constraint
// violation, used by membership's SqliteTable.Register to detect
// "already exists" races.
type ErrUniqueConstraintViolation struct{ DBError error }

func (e ErrUniqueConstraintViolation) Error() string {
	return fmt.Sprintf("unique constraint violation: %v", e.DBError)
}

func (e ErrUniqueConstraintViolation) Unwrap() error { return e.DBError }

// ErrSerializationError represents a transaction that could not be
// serialized against concurrent transactions and should be retried.
type ErrSerializationError struct{ DBError error }

func (e ErrSerializationError) Error() string { return e.DBError.Error() }
func (e ErrSerializationError) Unwrap() error { return e.DBError }

// ErrDeadlockError represents a lock-acquisition conflict that should be
// retried.
type ErrDeadlockError struct{ DBError error }

func (e ErrDeadlockError) Error() string { return e.DBError.Error() }
func (e ErrDeadlockError) Unwrap() error { return e.DBError }

// ErrSchemaError represents a query issued against a missing or mismatched
// schema, almost always a sign migrations have not been run.
type ErrSchemaError struct{ DBError error }

func (e ErrSchemaError) Error() string { return e.DBError.Error() }
func (e ErrSchemaError) Unwrap() error { return e.DBError }

// IsUniqueConstraintViolation reports whether err is (or wraps) a unique
// constraint violation.
func IsUniqueConstraintViolation(err error) bool {
	var e *ErrUniqueConstraintViolation
	return errors.As(err, &e)
}

// IsSerializationError reports whether err is a serialization error.
func IsSerializationError(err error) bool {
	var e *ErrSerializationError
	return errors.As(err, &e)
}

// IsDeadlockError reports whether err is a deadlock error.
func IsDeadlockError(err error) bool {
	var e *ErrDeadlockError
	return errors.As(err, &e)
}

// IsSerializationOrDeadlockError reports whether err is retriable under the
// transaction executor's retry loop.
func IsSerializationOrDeadlockError(err error) bool {
	return IsDeadlockError(err) || IsSerializationError(err)
}
