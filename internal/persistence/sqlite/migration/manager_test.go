package migration

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestManager_Run(t *testing.T) {
	t.Parallel()

	t.Run("applies pending migrations once", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		db := openTestDB(t)
		fsys := fstest.MapFS{
			"m/001_create_items.sql": {Data: []byte("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT);")},
			"m/002_add_index.sql":    {Data: []byte("CREATE INDEX idx_items_name ON items (name);")},
		}
		manager := NewManager(NewScanner(fsys, "m"), NewSQLiteExecutor(db), nil)

		if err := manager.Run(ctx); err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
		if err := manager.Run(ctx); err != nil {
			t.Fatalf("second Run returned error: %v", err)
		}

		status, err := manager.Status(ctx)
		if err != nil {
			t.Fatalf("Status returned error: %v", err)
		}
		if status.CurrentVersion != "002" {
			t.Fatalf("expected current version 002, got %q", status.CurrentVersion)
		}
		if len(status.Pending) != 0 || len(status.Applied) != 2 {
			t.Fatalf("unexpected status: %+v", status)
		}

		if _, err := db.ExecContext(ctx, "INSERT INTO items (name) VALUES ('sample')"); err != nil {
			t.Fatalf("expected migrated table to exist: %v", err)
		}
	})

	t.Run("rolls back a failing migration", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		db := openTestDB(t)
		fsys := fstest.MapFS{
			"m/001_create_items.sql": {Data: []byte("CREATE TABLE items (id INTEGER PRIMARY KEY);")},
			"m/002_broken.sql":       {Data: []byte("CREATE TABLE extra (id INTEGER);\nINSERT INTO missing_table VALUES (1);")},
		}
		manager := NewManager(NewScanner(fsys, "m"), NewSQLiteExecutor(db), nil)

		err := manager.Run(ctx)
		if !errors.Is(err, ErrMigrationFailed) {
			t.Fatalf("expected ErrMigrationFailed, got %v", err)
		}

		status, err := manager.Status(ctx)
		if err != nil {
			t.Fatalf("Status returned error: %v", err)
		}
		if status.CurrentVersion != "001" || len(status.Pending) != 1 {
			t.Fatalf("expected 002 to stay pending, got %+v", status)
		}
		var count int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE name = 'extra'").Scan(&count); err != nil {
			t.Fatalf("query sqlite_master: %v", err)
		}
		if count != 0 {
			t.Fatal("expected partial migration to be rolled back")
		}
	})

	t.Run("detects gaps and edited files", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		db := openTestDB(t)

		gap := fstest.MapFS{
			"m/001_a.sql": {Data: []byte("CREATE TABLE a (id INTEGER);")},
			"m/003_c.sql": {Data: []byte("CREATE TABLE c (id INTEGER);")},
		}
		if err := NewManager(NewScanner(gap, "m"), NewSQLiteExecutor(db), nil).Run(ctx); !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("expected ErrVersionConflict, got %v", err)
		}

		original := fstest.MapFS{"m/001_a.sql": {Data: []byte("CREATE TABLE a (id INTEGER);")}}
		if err := NewManager(NewScanner(original, "m"), NewSQLiteExecutor(db), nil).Run(ctx); err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
		edited := fstest.MapFS{"m/001_a.sql": {Data: []byte("CREATE TABLE a (id INTEGER, name TEXT);")}}
		if err := NewManager(NewScanner(edited, "m"), NewSQLiteExecutor(db), nil).Run(ctx); !errors.Is(err, ErrChecksumMismatch) {
			t.Fatalf("expected ErrChecksumMismatch, got %v", err)
		}
	})
}
