package store

import (
	"context"
	"path/filepath"
	"testing"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type order struct {
	OrderID  string `json:"orderId"`
	Customer string `json:"customer,omitempty"`
	Total    int64  `json:"total"`
	Shipped  bool   `json:"shipped"`
}

// seed stores documents in one session and flushes.
func seed(t *testing.T, s *Store, collection string, docs map[string]any) {
	t.Helper()
	sess := s.OpenSession()
	for key, v := range docs {
		if err := sess.Store(key, collection, v); err != nil {
			t.Fatalf("Store(%s) failed: %v", key, err)
		}
	}
	if err := sess.SaveChanges(context.Background()); err != nil {
		t.Fatalf("SaveChanges() failed: %v", err)
	}
}
