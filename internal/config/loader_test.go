package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var gatewayKeys = []string{
	"GATEWAY_BACKEND_URL",
	"GATEWAY_BACKEND_API_KEY",
	"SUPABASE_URL",
	"SUPABASE_KEY",
	"GATEWAY_DATA_DIR",
	"GATEWAY_QUEUE_BACKEND",
	"GATEWAY_QUEUE_CAPACITY",
	"GATEWAY_BACKOFF_BASE",
	"GATEWAY_BACKOFF_MAX",
	"GATEWAY_BACKOFF_JITTER",
	"GATEWAY_SYNC_INTERVAL",
	"GATEWAY_SYNC_CONCURRENCY",
	"GATEWAY_MAX_SESSION_DURATION",
	"GATEWAY_SECRET_BACKEND",
	"GATEWAY_SECRET_PASSPHRASE",
}

// clearEnv unsets the gateway variables for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range gatewayKeys {
		t.Setenv(key, "")
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("failed to unset %s: %v", key, err)
		}
	}
}

func TestLoader_ParseEnvironment(t *testing.T) {
	t.Run("applies defaults when optional variables are missing", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("GATEWAY_BACKEND_URL", "https://backend.example.com/")
		t.Setenv("GATEWAY_BACKEND_API_KEY", "anon-key")
		t.Setenv("GATEWAY_DATA_DIR", "/var/lib/gateway")

		cfg, err := LoadFile("")
		if err != nil {
			t.Fatalf("LoadFile returned error: %v", err)
		}

		if cfg.BackendURL != "https://backend.example.com" {
			t.Fatalf("expected trailing slash to be trimmed, got %q", cfg.BackendURL)
		}
		if cfg.QueueBackend != QueueBackendSQLite {
			t.Fatalf("expected sqlite queue backend, got %q", cfg.QueueBackend)
		}
		if cfg.BackoffBase != time.Second || cfg.BackoffMax != 60*time.Second {
			t.Fatalf("unexpected backoff defaults: base=%s max=%s", cfg.BackoffBase, cfg.BackoffMax)
		}
		if cfg.BackoffJitter != 0.2 {
			t.Fatalf("expected jitter 0.2, got %v", cfg.BackoffJitter)
		}
		if cfg.SyncInterval != 30*time.Second {
			t.Fatalf("expected 30s sync interval, got %s", cfg.SyncInterval)
		}
		if cfg.QueueCapacity != 1000 {
			t.Fatalf("expected capacity 1000, got %d", cfg.QueueCapacity)
		}
		if cfg.SQLitePath() != filepath.Join("/var/lib/gateway", "gateway.db") {
			t.Fatalf("unexpected sqlite path %q", cfg.SQLitePath())
		}
	})

	t.Run("falls back to legacy supabase variables", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("SUPABASE_URL", "https://legacy.example.com")
		t.Setenv("SUPABASE_KEY", "legacy-key")
		t.Setenv("GATEWAY_DATA_DIR", t.TempDir())

		cfg, err := LoadFile("")
		if err != nil {
			t.Fatalf("LoadFile returned error: %v", err)
		}
		if cfg.BackendURL != "https://legacy.example.com" || cfg.BackendAPIKey != "legacy-key" {
			t.Fatalf("expected legacy values, got %q / %q", cfg.BackendURL, cfg.BackendAPIKey)
		}
	})

	t.Run("errors when required values are missing", func(t *testing.T) {
		clearEnv(t)

		_, err := LoadFile("")
		if err == nil {
			t.Fatal("expected error when required values are missing")
		}
		expected := "config: missing required environment variables: GATEWAY_BACKEND_URL, GATEWAY_BACKEND_API_KEY"
		if err.Error() != expected {
			t.Fatalf("unexpected error message: %q", err.Error())
		}
	})

	t.Run("parses duration and numeric fields", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("GATEWAY_BACKEND_URL", "https://backend.example.com")
		t.Setenv("GATEWAY_BACKEND_API_KEY", "anon-key")
		t.Setenv("GATEWAY_DATA_DIR", t.TempDir())
		t.Setenv("GATEWAY_QUEUE_BACKEND", "Badger")
		t.Setenv("GATEWAY_QUEUE_CAPACITY", "25")
		t.Setenv("GATEWAY_BACKOFF_BASE", "500ms")
		t.Setenv("GATEWAY_BACKOFF_MAX", "2m")
		t.Setenv("GATEWAY_BACKOFF_JITTER", "0.1")
		t.Setenv("GATEWAY_MAX_SESSION_DURATION", "1h")

		cfg, err := LoadFile("")
		if err != nil {
			t.Fatalf("LoadFile returned error: %v", err)
		}
		if cfg.QueueBackend != QueueBackendBadger {
			t.Fatalf("expected badger backend, got %q", cfg.QueueBackend)
		}
		if cfg.QueueCapacity != 25 {
			t.Fatalf("expected capacity 25, got %d", cfg.QueueCapacity)
		}
		if cfg.BackoffBase != 500*time.Millisecond || cfg.BackoffMax != 2*time.Minute {
			t.Fatalf("unexpected backoff: base=%s max=%s", cfg.BackoffBase, cfg.BackoffMax)
		}
		if cfg.BackoffJitter != 0.1 {
			t.Fatalf("expected jitter 0.1, got %v", cfg.BackoffJitter)
		}
		if cfg.MaxSessionDuration != time.Hour {
			t.Fatalf("expected 1h max session, got %s", cfg.MaxSessionDuration)
		}
	})

	t.Run("reports invalid values", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("GATEWAY_BACKEND_URL", "https://backend.example.com")
		t.Setenv("GATEWAY_BACKEND_API_KEY", "anon-key")
		t.Setenv("GATEWAY_DATA_DIR", t.TempDir())
		t.Setenv("GATEWAY_QUEUE_BACKEND", "postgres")
		t.Setenv("GATEWAY_BACKOFF_BASE", "10s")
		t.Setenv("GATEWAY_BACKOFF_MAX", "5s")

		_, err := LoadFile("")
		if err == nil {
			t.Fatal("expected validation error")
		}
		for _, key := range []string{"GATEWAY_QUEUE_BACKEND", "GATEWAY_BACKOFF_MAX"} {
			if !strings.Contains(err.Error(), key) {
				t.Fatalf("expected %s in error, got %q", key, err.Error())
			}
		}
	})

	t.Run("requires a passphrase for the file secret backend", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("GATEWAY_BACKEND_URL", "https://backend.example.com")
		t.Setenv("GATEWAY_BACKEND_API_KEY", "anon-key")
		t.Setenv("GATEWAY_DATA_DIR", t.TempDir())
		t.Setenv("GATEWAY_SECRET_BACKEND", "file")

		_, err := LoadFile("")
		if err == nil || !strings.Contains(err.Error(), "GATEWAY_SECRET_PASSPHRASE") {
			t.Fatalf("expected missing passphrase error, got %v", err)
		}
	})

	t.Run("reads dotenv files with environment taking precedence", func(t *testing.T) {
		clearEnv(t)
		dir := t.TempDir()
		envFile := filepath.Join(dir, ".env")
		content := "SUPABASE_URL=https://dotenv.example.com\nSUPABASE_KEY=dotenv-key\nGATEWAY_QUEUE_CAPACITY=7\n"
		if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
			t.Fatalf("write env file: %v", err)
		}
		t.Setenv("GATEWAY_DATA_DIR", dir)
		t.Setenv("GATEWAY_QUEUE_CAPACITY", "9")

		cfg, err := LoadFile(envFile)
		if err != nil {
			t.Fatalf("LoadFile returned error: %v", err)
		}
		if cfg.BackendURL != "https://dotenv.example.com" {
			t.Fatalf("expected url from dotenv, got %q", cfg.BackendURL)
		}
		if cfg.QueueCapacity != 9 {
			t.Fatalf("expected environment to override dotenv, got %d", cfg.QueueCapacity)
		}
	})
}
