package testfixtures

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/example/instrument-gateway/internal/persistence"
)

func TestStorageHarness_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	start := ReferenceTime()
	duration := int64(2700)

	for _, h := range StorageHarnesses(t) {
		t.Run(h.Name, func(t *testing.T) {
			first, err := h.Queue.AppendEntry(ctx, persistence.QueueRecord{
				EventID:    "evt-start",
				SessionID:  "sess-1",
				Kind:       "session_start",
				ProductID:  "prod-1",
				UserID:     "user-1",
				OccurredAt: start,
				StartTime:  start,
				Status:     "pending",
				EnqueuedAt: start,
			})
			if err != nil {
				t.Fatalf("append start: %v", err)
			}
			stop := persistence.QueueRecord{
				EventID:         "evt-stop",
				SessionID:       "sess-1",
				Kind:            "session_stop",
				ProductID:       "prod-1",
				UserID:          "user-1",
				OccurredAt:      start.Add(45 * time.Minute),
				StartTime:       start,
				DurationSeconds: &duration,
				SessionStatus:   "completed",
				Status:          "in_flight",
				EnqueuedAt:      start.Add(45 * time.Minute),
			}
			second, err := h.Queue.AppendEntry(ctx, stop)
			if err != nil {
				t.Fatalf("append stop: %v", err)
			}
			if second.Seq <= first.Seq {
				t.Fatalf("expected increasing seq, got %d then %d", first.Seq, second.Seq)
			}
			if err := h.Sessions.SaveActiveSession(ctx, persistence.ActiveSessionRecord{
				SessionID: "sess-2",
				ProductID: "prod-2",
				UserID:    "user-1",
				StartTime: start.Add(time.Hour),
			}); err != nil {
				t.Fatalf("save session: %v", err)
			}

			h.Reopen(t)

			records, err := h.Queue.ListEntries(ctx)
			if err != nil {
				t.Fatalf("list after reopen: %v", err)
			}
			if len(records) != 2 {
				t.Fatalf("expected 2 records after reopen, got %d", len(records))
			}
			if diff := cmp.Diff(second, records[1]); diff != "" {
				t.Fatalf("stop record changed across restart (-want +got):\n%s", diff)
			}

			session, err := h.Sessions.LoadActiveSession(ctx)
			if err != nil {
				t.Fatalf("load session after reopen: %v", err)
			}
			if session.SessionID != "sess-2" || !session.StartTime.Equal(start.Add(time.Hour)) {
				t.Fatalf("unexpected session after reopen: %+v", session)
			}

			if _, err := h.Queue.AppendEntry(ctx, persistence.QueueRecord{EventID: "evt-stop", Status: "pending"}); !errors.Is(err, persistence.ErrDuplicate) {
				t.Fatalf("expected ErrDuplicate after reopen, got %v", err)
			}
			third, err := h.Queue.AppendEntry(ctx, persistence.QueueRecord{EventID: "evt-next", Status: "pending", OccurredAt: start, StartTime: start, EnqueuedAt: start})
			if err != nil {
				t.Fatalf("append after reopen: %v", err)
			}
			if third.Seq <= second.Seq {
				t.Fatalf("seq must keep increasing across restarts, got %d after %d", third.Seq, second.Seq)
			}
		})
	}
}
