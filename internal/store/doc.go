// Package store provides a SQLite-backed document store with unit-of-work
// sessions.
//
// The store offers exactly one uniqueness guarantee: a document key can be
// inserted at most once. Everything else (optimistic concurrency, deferred
// deletes, per-document metadata, the field index used by queries) is built
// on top of that.
//
// # Tables
//
//   - documents: key (PRIMARY KEY), collection, JSON body, JSON metadata, version
//   - changes: append-only feed of written keys (seq is a logical clock)
//   - query_index: top-level scalar fields of every indexed document
//   - index_state: how far the indexer has consumed the change feed
//
// # Sessions
//
// A Session is one unit of work. Loads are tracked, writes are buffered, and
// SaveChanges applies everything in a single SQL transaction or nothing at
// all. Sessions are not safe for concurrent use; open one per caller.
//
// # Queries
//
// Queries read query_index, which the Indexer maintains from the change feed.
// Results are therefore eventually consistent unless the caller asks to wait
// for a non-stale index.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
package store
