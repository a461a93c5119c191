package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
)

func TestDefaultLogger(t *testing.T) {
	t.Parallel()

	custom := slog.New(slog.NewTextHandler(io.Discard, nil))
	if got := defaultLogger(custom); got != custom {
		t.Fatalf("expected custom logger to be returned")
	}

	if got := defaultLogger(nil); got != slog.Default() {
		t.Fatalf("expected default logger when none provided")
	}
}

func TestErrorKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: fmt.Errorf("wrap: %w", ErrQueueFull), want: "queue_full"},
		{err: ErrSessionActive, want: "session_active"},
		{err: fmt.Errorf("%w: disk full", ErrLocalStorage), want: "local_storage"},
		{err: ErrAuthExpired, want: "auth_expired"},
		{err: context.DeadlineExceeded, want: "canceled"},
		{err: &ValidationError{FieldErrors: map[string]string{"a": "b"}}, want: "validation"},
		{err: errors.New("boom"), want: "unexpected"},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Fatalf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
