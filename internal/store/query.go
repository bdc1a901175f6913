package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/sagastore/internal/ir"
	"github.com/roach88/sagastore/internal/queryir"
	"github.com/roach88/sagastore/internal/querysql"
)

// QueryOptions controls index freshness for a query.
type QueryOptions struct {
	// WaitForNonStale makes the query catch the index up to every write
	// committed before the call. Without it, results reflect whatever the
	// indexer has processed so far.
	WaitForNonStale bool
}

// Query returns the documents matching q, ordered by key.
//
// Every Equals literal is checked against the kinds already indexed for its
// field. If the field is indexed and none of its values share the literal's
// kind, Query fails with SCHEMA_MISMATCH instead of silently matching
// nothing.
//
// Matching documents become tracked by the session. Documents already
// tracked are returned as the session sees them; deleted ones and those
// with a pending deferred delete are skipped.
func (s *Session) Query(ctx context.Context, q queryir.Select, opts QueryOptions) ([]*Document, error) {
	sqlStr, params, err := querysql.NewSQLCompiler().Compile(q)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.From, err)
	}

	if opts.WaitForNonStale {
		s.roundTrips++
		if _, err := s.store.indexer.CatchUp(ctx); err != nil {
			return nil, fmt.Errorf("query %s: %w", q.From, err)
		}
	}

	if err := s.checkShape(ctx, q); err != nil {
		return nil, err
	}

	s.roundTrips++
	rows, err := s.store.db.QueryContext(ctx, sqlStr, params...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.From, err)
	}
	defer rows.Close()

	var found []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", q.From, err)
		}
		found = append(found, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", q.From, err)
	}

	results := make([]*Document, 0, len(found))
	for _, doc := range found {
		if e, ok := s.entities[doc.Key]; ok {
			if e.deleted {
				continue
			}
			tracked, err := e.document()
			if err != nil {
				return nil, err
			}
			results = append(results, tracked)
			continue
		}
		if s.isPendingDelete(doc.Key) {
			continue
		}
		delete(s.included, doc.Key)
		s.trackLoaded(doc)
		results = append(results, doc)
	}
	return results, nil
}

func (s *Session) checkShape(ctx context.Context, q queryir.Select) error {
	for _, eq := range queryir.Equalities(q.Filter) {
		kinds, err := s.indexedKinds(ctx, q.From, eq.Field)
		if err != nil {
			return fmt.Errorf("query %s: %w", q.From, err)
		}
		want := ir.Kind(eq.Value)
		if len(kinds) > 0 && !slices.Contains(kinds, want) {
			return &Error{
				Code:       ErrCodeSchemaMismatch,
				Message:    fmt.Sprintf("field %q is indexed as %v, query compares %s", eq.Field, kinds, want),
				Collection: q.From,
			}
		}
	}
	return nil
}

func (s *Session) indexedKinds(ctx context.Context, collection, field string) ([]string, error) {
	s.roundTrips++
	probe, params := querysql.ShapeProbe(collection, field)
	rows, err := s.store.db.QueryContext(ctx, probe, params...)
	if err != nil {
		return nil, fmt.Errorf("shape probe %s.%s: %w", collection, field, err)
	}
	defer rows.Close()

	var kinds []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, rows.Err()
}
