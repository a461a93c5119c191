package sqlite

import (
	"context"
	"embed"
	"fmt"
	"log/slog"

	"github.com/example/instrument-gateway/internal/persistence"
	"github.com/example/instrument-gateway/internal/persistence/sqlite/migration"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Storage bundles the SQLite-backed repositories over one connection pool.
type Storage struct {
	pool     *ConnectionPool
	logger   *slog.Logger
	Queue    *QueueRepository
	Sessions *ActiveSessionRepository
}

var (
	_ persistence.QueueRepository         = (*QueueRepository)(nil)
	_ persistence.ActiveSessionRepository = (*ActiveSessionRepository)(nil)
)

// Open connects to the database described by cfg. Call Migrate before use.
func Open(cfg Config, logger *slog.Logger) (*Storage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := NewConnectionPool(cfg)
	if err != nil {
		return nil, err
	}
	return &Storage{
		pool:     pool,
		logger:   logger,
		Queue:    NewQueueRepository(pool),
		Sessions: NewActiveSessionRepository(pool),
	}, nil
}

// Migrate applies the embedded schema migrations.
func (s *Storage) Migrate(ctx context.Context) error {
	manager := migration.NewManager(
		migration.NewScanner(migrationFiles, "migrations"),
		migration.NewSQLiteExecutor(s.pool.DB()),
		s.logger,
	)
	if err := manager.Run(ctx); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Storage) Close() error {
	return s.pool.Close()
}
