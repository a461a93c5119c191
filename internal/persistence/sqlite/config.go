package sqlite

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds SQLite connection settings for the queue database.
type Config struct {
	// Path is the database file path. ":memory:" opens a private in-memory database.
	Path string

	// BusyTimeout sets how long to wait for database locks.
	BusyTimeout time.Duration

	// JournalMode sets the SQLite journal mode (WAL, DELETE, MEMORY, ...).
	JournalMode string

	// Synchronous sets the synchronous mode. FULL is required for the queue's
	// durable-before-return guarantee.
	Synchronous string

	// MaxOpenConns bounds the pool. The queue serializes writes itself, so a
	// single connection is enough and keeps in-memory databases coherent.
	MaxOpenConns int

	// ConnMaxLifetime sets the maximum lifetime of connections.
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns the production settings for a database file.
func DefaultConfig(path string) Config {
	return Config{
		Path:            path,
		BusyTimeout:     5 * time.Second,
		JournalMode:     "WAL",
		Synchronous:     "FULL",
		MaxOpenConns:    1,
		ConnMaxLifetime: time.Hour,
	}
}

// TempFileTestConfig returns a configuration for a temporary database file.
func TempFileTestConfig(path string) Config {
	cfg := DefaultConfig(path)
	cfg.BusyTimeout = time.Second
	return cfg
}

// Validate checks the configuration before a connection is opened.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return fmt.Errorf("sqlite: path cannot be empty")
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("sqlite: busy timeout cannot be negative")
	}

	validJournalModes := map[string]bool{
		"DELETE":   true,
		"TRUNCATE": true,
		"PERSIST":  true,
		"MEMORY":   true,
		"WAL":      true,
		"OFF":      true,
	}
	if c.JournalMode != "" && !validJournalModes[c.JournalMode] {
		return fmt.Errorf("sqlite: invalid journal mode: %s", c.JournalMode)
	}

	validSyncModes := map[string]bool{
		"OFF":    true,
		"NORMAL": true,
		"FULL":   true,
		"EXTRA":  true,
	}
	if c.Synchronous != "" && !validSyncModes[c.Synchronous] {
		return fmt.Errorf("sqlite: invalid synchronous mode: %s", c.Synchronous)
	}

	if c.MaxOpenConns < 0 {
		return fmt.Errorf("sqlite: MaxOpenConns cannot be negative")
	}
	if c.ConnMaxLifetime < 0 {
		return fmt.Errorf("sqlite: ConnMaxLifetime cannot be negative")
	}
	return nil
}

// DSN renders the modernc.org/sqlite connection string. Pragmas travel in the
// DSN so they apply to every pooled connection.
func (c Config) DSN() string {
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", c.BusyTimeout.Milliseconds()))
	if c.JournalMode != "" {
		params.Add("_pragma", fmt.Sprintf("journal_mode(%s)", c.JournalMode))
	}
	if c.Synchronous != "" {
		params.Add("_pragma", fmt.Sprintf("synchronous(%s)", c.Synchronous))
	}
	params.Add("_pragma", "foreign_keys(ON)")

	if c.Path == ":memory:" {
		return "file::memory:?" + params.Encode()
	}
	return "file:" + c.Path + "?" + params.Encode()
}
