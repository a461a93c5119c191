package migration

import (
	"errors"
	"testing"
	"testing/fstest"
)

func TestScanner_Scan(t *testing.T) {
	t.Parallel()

	t.Run("orders migrations numerically and reads descriptions", func(t *testing.T) {
		t.Parallel()

		fsys := fstest.MapFS{
			"migrations/010_tenth.sql":         {Data: []byte("CREATE TABLE ten (id INTEGER);")},
			"migrations/002_second.sql":        {Data: []byte("-- Description: add second table\nCREATE TABLE two (id INTEGER);")},
			"migrations/README.md":             {Data: []byte("ignored")},
			"migrations/001_create_things.sql": {Data: []byte("CREATE TABLE one (id INTEGER);")},
		}

		migrations, err := NewScanner(fsys, "migrations").Scan()
		if err != nil {
			t.Fatalf("Scan returned error: %v", err)
		}
		if len(migrations) != 3 {
			t.Fatalf("expected 3 migrations, got %d", len(migrations))
		}
		got := []string{migrations[0].Version, migrations[1].Version, migrations[2].Version}
		want := []string{"001", "002", "010"}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("expected order %v, got %v", want, got)
			}
		}
		if migrations[0].Description != "create things" {
			t.Fatalf("expected filename description, got %q", migrations[0].Description)
		}
		if migrations[1].Description != "add second table" {
			t.Fatalf("expected content description, got %q", migrations[1].Description)
		}
		if migrations[0].Checksum == "" {
			t.Fatal("expected checksum to be computed")
		}
	})

	t.Run("rejects malformed files", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			name string
			fsys fstest.MapFS
			want error
		}{
			{
				name: "bad filename",
				fsys: fstest.MapFS{"m/first.sql": {Data: []byte("SELECT 1;")}},
				want: ErrInvalidMigrationFile,
			},
			{
				name: "duplicate version",
				fsys: fstest.MapFS{
					"m/001_a.sql": {Data: []byte("SELECT 1;")},
					"m/001_b.sql": {Data: []byte("SELECT 2;")},
				},
				want: ErrDuplicateVersion,
			},
			{
				name: "comment only",
				fsys: fstest.MapFS{"m/001_empty.sql": {Data: []byte("-- nothing here\n")}},
				want: ErrInvalidMigrationFile,
			},
			{
				name: "unbalanced parentheses",
				fsys: fstest.MapFS{"m/001_broken.sql": {Data: []byte("CREATE TABLE x (id INTEGER;")}},
				want: ErrInvalidMigrationFile,
			},
		}

		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				t.Parallel()

				_, err := NewScanner(tc.fsys, "m").Scan()
				if !errors.Is(err, tc.want) {
					t.Fatalf("expected %v, got %v", tc.want, err)
				}
			})
		}
	})
}

func TestSplitStatements(t *testing.T) {
	t.Parallel()

	sql := "-- header\nCREATE TABLE a (id INTEGER);\n\n-- second\nCREATE INDEX idx_a ON a (id);\n"
	statements := splitStatements(sql)
	if len(statements) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(statements), statements)
	}
	if statements[1] != "CREATE INDEX idx_a ON a (id)" {
		t.Fatalf("unexpected statement %q", statements[1])
	}
}
