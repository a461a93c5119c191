// Package migration applies versioned SQL migrations to the gateway's SQLite
// database.
//
// Migrations are read from an fs.FS (normally an embedded directory) and must
// be named {version}_{description}.sql, e.g. "001_create_queue_entries.sql".
// Each migration runs in its own transaction and is recorded in the
// schema_migrations table so it is applied at most once.
//
//	manager := migration.NewManager(migration.NewScanner(files, "migrations"), migration.NewSQLiteExecutor(db), logger)
//	if err := manager.Run(ctx); err != nil {
//		return err
//	}
package migration
