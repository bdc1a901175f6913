package saga

import (
	"errors"
	"strings"

	"github.com/roach88/sagastore/internal/store"
)

var (
	// ErrMissingSagaID is returned when a record has no id.
	ErrMissingSagaID = errors.New("saga record has no id")

	// ErrMissingVariant is returned when a record names no variant.
	ErrMissingVariant = errors.New("saga record has no variant")

	// ErrSagaNotFound is returned by Update when the record was never saved.
	ErrSagaNotFound = errors.New("saga not found")

	// ErrDuplicateVariant is returned when a variant is registered twice.
	ErrDuplicateVariant = errors.New("saga variant already registered")

	// ErrInvalidDescriptor is returned for malformed descriptors.
	ErrInvalidDescriptor = errors.New("invalid saga descriptor")
)

// IsUniqueValueConflict reports whether err is a SaveChanges failure caused
// by another saga already owning a unique value.
func IsUniqueValueConflict(err error) bool {
	return store.IsConstraintViolation(err) &&
		strings.HasPrefix(store.ConflictKey(err), uniqueIdentityPrefix)
}
