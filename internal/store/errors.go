package store

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// Error represents a failure reported by the document store.
//
// Error includes structured fields so callers can react to the category
// without parsing messages.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Key identifies the affected document, when there is one.
	Key string

	// Collection identifies the affected collection, when there is one.
	Collection string

	// Err is the underlying driver error, if any.
	Err error
}

// ErrorCode categorizes store errors.
type ErrorCode string

const (
	// ErrCodeConstraintViolation indicates an insert of a key that already exists.
	ErrCodeConstraintViolation ErrorCode = "CONSTRAINT_VIOLATION"

	// ErrCodeConcurrencyConflict indicates the stored version moved since load.
	ErrCodeConcurrencyConflict ErrorCode = "CONCURRENCY_CONFLICT"

	// ErrCodeSchemaMismatch indicates a query literal whose kind differs from
	// every indexed value of that field.
	ErrCodeSchemaMismatch ErrorCode = "SCHEMA_MISMATCH"

	// ErrCodeNotTracked indicates an operation on a key the session never saw.
	ErrCodeNotTracked ErrorCode = "NOT_TRACKED"

	// ErrCodeDeletedEntity indicates a store of a key already deleted in the session.
	ErrCodeDeletedEntity ErrorCode = "DELETED_ENTITY"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Key != "" {
		msg += fmt.Sprintf(" (key=%s)", e.Key)
	} else if e.Collection != "" {
		msg += fmt.Sprintf(" (collection=%s)", e.Collection)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying driver error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsConstraintViolation returns true if err is a duplicate-key insert.
// Uses errors.As to handle wrapped errors.
func IsConstraintViolation(err error) bool {
	return hasCode(err, ErrCodeConstraintViolation)
}

// IsConcurrencyConflict returns true if err is an optimistic concurrency failure.
func IsConcurrencyConflict(err error) bool {
	return hasCode(err, ErrCodeConcurrencyConflict)
}

// IsSchemaMismatch returns true if err is a query shape mismatch.
func IsSchemaMismatch(err error) bool {
	return hasCode(err, ErrCodeSchemaMismatch)
}

// ConflictKey returns the document key of a constraint violation or
// concurrency conflict, or "".
func ConflictKey(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Key
	}
	return ""
}

func hasCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// classifyInsertError maps a driver error from an INSERT into documents.
// Primary key violations become CONSTRAINT_VIOLATION; anything else is
// returned unchanged.
func classifyInsertError(err error, key, collection string) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return &Error{
				Code:       ErrCodeConstraintViolation,
				Message:    "document already exists",
				Key:        key,
				Collection: collection,
				Err:        err,
			}
		}
	}
	return err
}
