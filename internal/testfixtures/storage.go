package testfixtures

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/example/instrument-gateway/internal/persistence"
	badgerstore "github.com/example/instrument-gateway/internal/persistence/badger"
	"github.com/example/instrument-gateway/internal/persistence/sqlite"
)

// StorageHarness exposes the queue and session repositories of one on-disk
// backend in a temporary directory. Reopen closes and reopens the backend to
// simulate a process restart.
type StorageHarness struct {
	Name     string
	Queue    persistence.QueueRepository
	Sessions persistence.ActiveSessionRepository

	open  func() (persistence.QueueRepository, persistence.ActiveSessionRepository, func() error, error)
	close func() error
}

// NewSQLiteHarness opens a migrated SQLite database under tb.TempDir.
func NewSQLiteHarness(tb testing.TB) *StorageHarness {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "gateway.db")
	h := &StorageHarness{
		Name: "sqlite",
		open: func() (persistence.QueueRepository, persistence.ActiveSessionRepository, func() error, error) {
			storage, err := sqlite.Open(sqlite.TempFileTestConfig(path), nil)
			if err != nil {
				return nil, nil, nil, err
			}
			if err := storage.Migrate(context.Background()); err != nil {
				_ = storage.Close()
				return nil, nil, nil, err
			}
			return storage.Queue, storage.Sessions, storage.Close, nil
		},
	}
	h.mustOpen(tb)
	return h
}

// NewBadgerHarness opens a Badger directory under tb.TempDir.
func NewBadgerHarness(tb testing.TB) *StorageHarness {
	tb.Helper()
	dir := filepath.Join(tb.TempDir(), "queue.badger")
	h := &StorageHarness{
		Name: "badger",
		open: func() (persistence.QueueRepository, persistence.ActiveSessionRepository, func() error, error) {
			store, err := badgerstore.Open(dir)
			if err != nil {
				return nil, nil, nil, err
			}
			return store, store, store.Close, nil
		},
	}
	h.mustOpen(tb)
	return h
}

// StorageHarnesses returns one harness per supported backend.
func StorageHarnesses(tb testing.TB) []*StorageHarness {
	tb.Helper()
	return []*StorageHarness{NewSQLiteHarness(tb), NewBadgerHarness(tb)}
}

// Reopen closes the backend and opens it again from disk.
func (h *StorageHarness) Reopen(tb testing.TB) {
	tb.Helper()
	h.Close()
	h.mustOpen(tb)
}

// Close releases the backend. It is also registered as a test cleanup.
func (h *StorageHarness) Close() {
	if h != nil && h.close != nil {
		_ = h.close()
		h.close = nil
	}
}

func (h *StorageHarness) mustOpen(tb testing.TB) {
	tb.Helper()
	queue, sessions, closeFn, err := h.open()
	if err != nil {
		tb.Fatalf("failed to open %s storage: %v", h.Name, err)
	}
	h.Queue = queue
	h.Sessions = sessions
	h.close = closeFn
	tb.Cleanup(h.Close)
}
