package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()
	db, dialect, err := Open(ctx, "sqlite", filepath.Join(t.TempDir(), "cogspace.db"), 0)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := ApplyMigrations(ctx, db, dialect); err != nil {
		t.Fatalf("ApplyMigrations() error = %v", err)
	}
	return NewSQLStore(db, dialect, RetryPolicy{Attempts: 1})
}
