// Package saga persists saga records and emulates a unique constraint on one
// correlation property per saga variant.
//
// The document store only guarantees that a key is inserted once. For every
// live saga whose variant declares a unique property, the Persister keeps a
// UniqueIdentity document whose key is derived from (variant, property,
// value). Two units of work claiming the same value both try to insert that
// key, and the store lets exactly one of them commit. The loser sees a
// constraint violation from SaveChanges (see IsUniqueValueConflict).
//
// Index cleanup is never applied immediately. Old identity documents are
// removed with deferred deletes, so they disappear in the same transaction
// that writes the new state.
//
// A Persister wraps one store session and must not be shared between
// concurrent units of work. The Registry it consults is process-wide and
// safe for concurrent use.
package saga
