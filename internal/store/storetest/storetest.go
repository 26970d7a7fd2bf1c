// Package storetest opens throwaway SQLite-backed stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"cogspace/api/internal/store"
)

// Open returns a migrated store in a temporary directory, closed when the
// test ends.
func Open(t testing.TB) *store.SQLStore {
	t.Helper()
	ctx := context.Background()
	db, dialect, err := store.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "cogspace.db"), 0)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.ApplyMigrations(ctx, db, dialect); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store.NewSQLStore(db, dialect, store.RetryPolicy{Attempts: 3, Backoff: 0})
}
