package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestContextWithLogger(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := ContextWithLogger(context.Background(), logger)
	if got := FromContext(ctx); got != logger {
		t.Fatalf("expected logger from context, got %v", got)
	}
	if got := FromContext(context.Background()); got != nil {
		t.Fatalf("expected nil logger for bare context, got %v", got)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("writes json at the configured level", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		logger, err := New(&buf, "warn", "json")
		if err != nil {
			t.Fatalf("New returned error: %v", err)
		}
		logger.Info("dropped")
		logger.Warn("kept", "key", "value")

		out := buf.String()
		if strings.Contains(out, "dropped") {
			t.Fatalf("info record should be filtered, got %s", out)
		}
		if !strings.Contains(out, `"msg":"kept"`) {
			t.Fatalf("expected json warn record, got %s", out)
		}
	})

	t.Run("rejects unknown values", func(t *testing.T) {
		t.Parallel()

		if _, err := New(&bytes.Buffer{}, "loud", "json"); err == nil {
			t.Fatal("expected error for unknown level")
		}
		if _, err := New(&bytes.Buffer{}, "info", "xml"); err == nil {
			t.Fatal("expected error for unknown format")
		}
	})
}
