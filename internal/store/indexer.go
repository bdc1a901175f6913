package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Indexer maintains query_index from the change feed.
//
// Each catch-up pass reads the changes recorded since the last pass,
// re-derives the index rows of every affected key from the current document
// body, and advances index_state.indexed_seq, all in one transaction.
// Only top-level string, integer and boolean fields are indexed.
type Indexer struct {
	db     *sql.DB
	logger *slog.Logger

	// mu serializes catch-up passes started from queries and from Run.
	mu sync.Mutex
}

// reindexSQL rebuilds index rows for the keys changed in (from, to].
// Booleans are stored as the atoms 1/0 with value_type 'bool'.
const reindexSQL = `
	INSERT INTO query_index (key, collection, field, value, value_type)
	SELECT d.key, d.collection, j.key, j.atom,
	       CASE j.type WHEN 'true' THEN 'bool' WHEN 'false' THEN 'bool' ELSE j.type END
	FROM documents d, json_each(d.body) j
	WHERE d.key IN (SELECT key FROM changes WHERE seq > ? AND seq <= ?)
	  AND json_type(d.body) = 'object'
	  AND j.type IN ('text', 'integer', 'true', 'false')
`

// CatchUp indexes every change committed before the call.
// Returns the number of distinct keys reindexed.
func (ix *Indexer) CatchUp(ctx context.Context) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("index catch-up: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	from, to, err := indexRange(ctx, tx)
	if err != nil {
		return 0, fmt.Errorf("index catch-up: %w", err)
	}
	if to <= from {
		return 0, nil
	}

	var keys int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT key) FROM changes WHERE seq > ? AND seq <= ?", from, to,
	).Scan(&keys); err != nil {
		return 0, fmt.Errorf("index catch-up: count keys: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM query_index WHERE key IN (SELECT key FROM changes WHERE seq > ? AND seq <= ?)",
		from, to,
	); err != nil {
		return 0, fmt.Errorf("index catch-up: clear stale rows: %w", err)
	}

	if _, err := tx.ExecContext(ctx, reindexSQL, from, to); err != nil {
		return 0, fmt.Errorf("index catch-up: reindex: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE index_state SET indexed_seq = ? WHERE id = 1", to,
	); err != nil {
		return 0, fmt.Errorf("index catch-up: advance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("index catch-up: commit: %w", err)
	}

	ix.logger.Debug("index caught up", "from_seq", from, "to_seq", to, "keys", keys)
	return keys, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// indexRange returns (indexed_seq, latest change seq).
func indexRange(ctx context.Context, q queryRower) (from, to int64, err error) {
	if err := q.QueryRowContext(ctx,
		"SELECT indexed_seq FROM index_state WHERE id = 1").Scan(&from); err != nil {
		return 0, 0, fmt.Errorf("read index state: %w", err)
	}
	var latest sql.NullInt64
	if err := q.QueryRowContext(ctx, "SELECT MAX(seq) FROM changes").Scan(&latest); err != nil {
		return 0, 0, fmt.Errorf("read change feed: %w", err)
	}
	return from, latest.Int64, nil
}

// Lag returns how many changes the index has not processed yet.
func (ix *Indexer) Lag(ctx context.Context) (int64, error) {
	from, to, err := indexRange(ctx, ix.db)
	if err != nil {
		return 0, fmt.Errorf("index lag: %w", err)
	}
	if to < from {
		return 0, nil
	}
	return to - from, nil
}

// Stale reports whether some committed change is not yet indexed.
func (ix *Indexer) Stale(ctx context.Context) (bool, error) {
	lag, err := ix.Lag(ctx)
	if err != nil {
		return false, err
	}
	return lag > 0, nil
}

// Run catches up every interval until ctx is cancelled. Errors from a pass
// are logged and retried on the next tick.
func (ix *Indexer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("index run: interval must be positive, got %s", interval)
	}

	ix.logger.Info("indexer started", "interval", interval)
	defer ix.logger.Info("indexer stopped")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := ix.CatchUp(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			ix.logger.Error("index catch-up failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
