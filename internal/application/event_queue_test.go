package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newTestQueue(t *testing.T, store *memoryQueueStore, capacity int, clock *testClock) *EventQueue {
	t.Helper()
	queue := NewEventQueue(store, capacity, clock.Now)
	if err := queue.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return queue
}

func eventIDs(entries []QueueEntry) []string {
	ids := make([]string, len(entries))
	for i, entry := range entries {
		ids[i] = entry.Event.EventID
	}
	return ids
}

func TestEventQueue_Enqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("persists before returning", func(t *testing.T) {
		store := &memoryQueueStore{}
		queue := newTestQueue(t, store, 10, newTestClock())

		entry, err := queue.Enqueue(ctx, newEvent("evt-1", "sess-1", EventSessionStart))
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if entry.Status != EntryPending || entry.Seq == 0 || !entry.EnqueuedAt.Equal(referenceTime) {
			t.Fatalf("unexpected entry: %#v", entry)
		}
		if _, ok := store.stored("evt-1"); !ok {
			t.Fatalf("expected entry to be stored")
		}
	})

	t.Run("duplicate event id", func(t *testing.T) {
		queue := newTestQueue(t, &memoryQueueStore{}, 10, newTestClock())
		if _, err := queue.Enqueue(ctx, newEvent("evt-1", "sess-1", EventSessionStart)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if _, err := queue.Enqueue(ctx, newEvent("evt-1", "sess-1", EventSessionStart)); !errors.Is(err, ErrDuplicateEvent) {
			t.Fatalf("expected ErrDuplicateEvent, got %v", err)
		}
		if queue.Len() != 1 {
			t.Fatalf("expected 1 entry, got %d", queue.Len())
		}
	})

	t.Run("validation", func(t *testing.T) {
		queue := newTestQueue(t, &memoryQueueStore{}, 10, newTestClock())
		_, err := queue.Enqueue(ctx, SessionEvent{Kind: "bogus"})
		var vErr *ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
		for _, field := range []string{"event_id", "session_id", "kind", "product_id", "user_id"} {
			if _, ok := vErr.FieldErrors[field]; !ok {
				t.Fatalf("expected %s to be reported, got %#v", field, vErr.FieldErrors)
			}
		}
	})

	t.Run("storage failure", func(t *testing.T) {
		store := &memoryQueueStore{}
		queue := newTestQueue(t, store, 10, newTestClock())
		store.appendErr = errDisk

		_, err := queue.Enqueue(ctx, newEvent("evt-1", "sess-1", EventSessionStart))
		if !errors.Is(err, ErrLocalStorage) {
			t.Fatalf("expected ErrLocalStorage, got %v", err)
		}
		if queue.Len() != 0 {
			t.Fatalf("expected nothing in memory after failed append")
		}
	})

	t.Run("full queue counts terminal entries", func(t *testing.T) {
		queue := newTestQueue(t, &memoryQueueStore{}, 2, newTestClock())
		for _, id := range []string{"evt-1", "evt-2"} {
			if _, err := queue.Enqueue(ctx, newEvent(id, "sess-1", EventSessionStart)); err != nil {
				t.Fatalf("Enqueue(%s) failed: %v", id, err)
			}
		}
		if _, err := queue.MarkTerminal(ctx, "evt-1", ErrRemotePermanent); err != nil {
			t.Fatalf("MarkTerminal failed: %v", err)
		}
		if _, err := queue.Enqueue(ctx, newEvent("evt-3", "sess-1", EventSessionStop)); !errors.Is(err, ErrQueueFull) {
			t.Fatalf("expected ErrQueueFull, got %v", err)
		}
		if got := eventIDs(queue.Entries()); !cmp.Equal(got, []string{"evt-1", "evt-2"}) {
			t.Fatalf("expected nothing dropped, got %v", got)
		}
	})
}

func TestEventQueue_PeekReady(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	queue := newTestQueue(t, &memoryQueueStore{}, 20, clock)

	other := func(id string, kind EventKind) SessionEvent {
		event := newEvent(id, "sess-b", kind)
		event.ProductID = "prod-2"
		return event
	}
	for _, event := range []SessionEvent{
		newEvent("a-start", "sess-a", EventSessionStart),
		other("b-start", EventSessionStart),
		newEvent("a-stop", "sess-a", EventSessionStop),
		other("b-stop", EventSessionStop),
	} {
		if _, err := queue.Enqueue(ctx, event); err != nil {
			t.Fatalf("Enqueue(%s) failed: %v", event.EventID, err)
		}
	}

	if got := eventIDs(queue.PeekReady(clock.Now())); !cmp.Equal(got, []string{"a-start", "b-start", "a-stop", "b-stop"}) {
		t.Fatalf("expected all pending entries in FIFO order, got %v", got)
	}

	t.Run("in flight entry withholds its stream", func(t *testing.T) {
		if _, err := queue.MarkInFlight(ctx, "a-start"); err != nil {
			t.Fatalf("MarkInFlight failed: %v", err)
		}
		if got := eventIDs(queue.PeekReady(clock.Now())); !cmp.Equal(got, []string{"b-start", "b-stop"}) {
			t.Fatalf("unexpected ready set: %v", got)
		}
	})

	t.Run("failure waits for its retry time", func(t *testing.T) {
		retryAt := clock.Now().Add(4 * time.Second)
		if _, err := queue.MarkFailed(ctx, "a-start", Failure{Err: ErrRemoteTransient, AttemptedAt: clock.Now(), NextRetryAt: retryAt}); err != nil {
			t.Fatalf("MarkFailed failed: %v", err)
		}
		if got := eventIDs(queue.PeekReady(clock.Now())); !cmp.Equal(got, []string{"b-start", "b-stop"}) {
			t.Fatalf("expected stream a withheld until retry, got %v", got)
		}
		if got := eventIDs(queue.PeekReady(retryAt)); !cmp.Equal(got, []string{"a-start", "b-start", "a-stop", "b-stop"}) {
			t.Fatalf("expected stream a ready at retry time, got %v", got)
		}
	})

	t.Run("terminal entries are skipped without blocking", func(t *testing.T) {
		if _, err := queue.MarkTerminal(ctx, "b-start", ErrRemotePermanent); err != nil {
			t.Fatalf("MarkTerminal failed: %v", err)
		}
		got := eventIDs(queue.PeekReady(clock.Now().Add(time.Hour)))
		if !cmp.Equal(got, []string{"a-start", "a-stop", "b-stop"}) {
			t.Fatalf("unexpected ready set: %v", got)
		}
	})
}

func TestEventQueue_Transitions(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := &memoryQueueStore{}
	queue := newTestQueue(t, store, 10, clock)

	if _, err := queue.Enqueue(ctx, newEvent("evt-1", "sess-1", EventSessionStart)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	t.Run("failed increments attempts", func(t *testing.T) {
		retryAt := clock.Now().Add(2 * time.Second)
		entry, err := queue.MarkFailed(ctx, "evt-1", Failure{Err: errOffline, AttemptedAt: clock.Now(), NextRetryAt: retryAt})
		if err != nil {
			t.Fatalf("MarkFailed failed: %v", err)
		}
		if entry.AttemptCount != 1 || entry.Status != EntryFailed || entry.LastErrorKind != FailureTransient {
			t.Fatalf("unexpected entry: %#v", entry)
		}
		stored, _ := store.stored("evt-1")
		if diff := cmp.Diff(entry, stored); diff != "" {
			t.Fatalf("stored entry differs (-memory +stored):\n%s", diff)
		}
	})

	t.Run("requeue rejects retrying entry", func(t *testing.T) {
		if _, err := queue.Requeue(ctx, "evt-1"); !errors.Is(err, ErrEntryNotTerminal) {
			t.Fatalf("expected ErrEntryNotTerminal, got %v", err)
		}
	})

	t.Run("terminal then requeue", func(t *testing.T) {
		entry, err := queue.MarkTerminal(ctx, "evt-1", ErrRemotePermanent)
		if err != nil {
			t.Fatalf("MarkTerminal failed: %v", err)
		}
		if !entry.Terminal || entry.AttemptCount != 2 || entry.LastErrorKind != FailurePermanent {
			t.Fatalf("unexpected terminal entry: %#v", entry)
		}
		if stats := queue.Stats(); stats.Terminal != 1 || stats.Total != 1 {
			t.Fatalf("unexpected stats: %#v", stats)
		}

		entry, err = queue.Requeue(ctx, "evt-1")
		if err != nil {
			t.Fatalf("Requeue failed: %v", err)
		}
		if entry.Terminal || entry.AttemptCount != 0 || entry.Status != EntryPending || entry.NextRetryAt != nil {
			t.Fatalf("unexpected requeued entry: %#v", entry)
		}
	})

	t.Run("storage failure leaves memory untouched", func(t *testing.T) {
		store.updateErr = errDisk
		defer func() { store.updateErr = nil }()

		if _, err := queue.MarkInFlight(ctx, "evt-1"); !errors.Is(err, ErrLocalStorage) {
			t.Fatalf("expected ErrLocalStorage, got %v", err)
		}
		entry, _ := queue.Get("evt-1")
		if entry.Status != EntryPending {
			t.Fatalf("expected in-memory status to stay pending, got %s", entry.Status)
		}
	})

	t.Run("confirm deletes", func(t *testing.T) {
		if err := queue.MarkConfirmed(ctx, "evt-1"); err != nil {
			t.Fatalf("MarkConfirmed failed: %v", err)
		}
		if _, ok := store.stored("evt-1"); ok {
			t.Fatalf("expected entry deleted from store")
		}
		if err := queue.MarkConfirmed(ctx, "evt-1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestEventQueue_RequeueKind(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t, &memoryQueueStore{}, 10, newTestClock())

	for _, id := range []string{"evt-1", "evt-2", "evt-3"} {
		if _, err := queue.Enqueue(ctx, newEvent(id, "sess-"+id, EventSessionStart)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if _, err := queue.MarkTerminal(ctx, "evt-1", ErrAuthExpired); err != nil {
		t.Fatalf("MarkTerminal failed: %v", err)
	}
	if _, err := queue.MarkTerminal(ctx, "evt-2", ErrRemotePermanent); err != nil {
		t.Fatalf("MarkTerminal failed: %v", err)
	}

	count, err := queue.RequeueKind(ctx, FailureAuth)
	if err != nil {
		t.Fatalf("RequeueKind failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 entry requeued, got %d", count)
	}
	if entry, _ := queue.Get("evt-2"); !entry.Terminal {
		t.Fatalf("expected permanent failure to stay terminal")
	}
}

func TestEventQueue_DiscardTerminal(t *testing.T) {
	ctx := context.Background()

	fill := func(t *testing.T, store *memoryQueueStore) *EventQueue {
		t.Helper()
		queue := newTestQueue(t, store, 2, newTestClock())
		for _, id := range []string{"evt-1", "evt-2"} {
			if _, err := queue.Enqueue(ctx, newEvent(id, "sess-"+id, EventSessionStart)); err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
			if _, err := queue.MarkTerminal(ctx, id, ErrRemotePermanent); err != nil {
				t.Fatalf("MarkTerminal failed: %v", err)
			}
		}
		if _, err := queue.Enqueue(ctx, newEvent("evt-3", "sess-3", EventSessionStart)); !errors.Is(err, ErrQueueFull) {
			t.Fatalf("expected ErrQueueFull while terminal entries fill the queue, got %v", err)
		}
		return queue
	}

	t.Run("discard frees capacity", func(t *testing.T) {
		store := &memoryQueueStore{}
		queue := fill(t, store)

		entry, err := queue.Discard(ctx, "evt-1")
		if err != nil {
			t.Fatalf("Discard failed: %v", err)
		}
		if entry.Event.EventID != "evt-1" || !entry.Terminal {
			t.Fatalf("unexpected discarded entry: %#v", entry)
		}
		if _, ok := store.stored("evt-1"); ok {
			t.Fatalf("expected discarded entry to be deleted from the store")
		}
		if _, err := queue.Enqueue(ctx, newEvent("evt-3", "sess-3", EventSessionStart)); err != nil {
			t.Fatalf("Enqueue after discard failed: %v", err)
		}
	})

	t.Run("discard refuses live entries", func(t *testing.T) {
		queue := newTestQueue(t, &memoryQueueStore{}, 10, newTestClock())
		if _, err := queue.Enqueue(ctx, newEvent("evt-1", "sess-1", EventSessionStart)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if _, err := queue.Discard(ctx, "evt-1"); !errors.Is(err, ErrEntryNotTerminal) {
			t.Fatalf("expected ErrEntryNotTerminal, got %v", err)
		}
		if _, err := queue.Discard(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if queue.Len() != 1 {
			t.Fatalf("expected entry to remain, got %d entries", queue.Len())
		}
	})

	t.Run("clear removes every terminal entry", func(t *testing.T) {
		store := &memoryQueueStore{}
		queue := fill(t, store)

		removed, err := queue.ClearTerminal(ctx)
		if err != nil {
			t.Fatalf("ClearTerminal failed: %v", err)
		}
		if diff := cmp.Diff([]string{"evt-1", "evt-2"}, eventIDs(removed)); diff != "" {
			t.Fatalf("removed entries mismatch (-want +got):\n%s", diff)
		}
		if stats := queue.Stats(); stats.Total != 0 || stats.Terminal != 0 {
			t.Fatalf("expected empty queue, got %+v", stats)
		}
		if entries, _ := store.ListEntries(ctx); len(entries) != 0 {
			t.Fatalf("expected store to be empty, got %d entries", len(entries))
		}
		if _, err := queue.Enqueue(ctx, newEvent("evt-3", "sess-3", EventSessionStart)); err != nil {
			t.Fatalf("Enqueue after clear failed: %v", err)
		}
	})

	t.Run("clear keeps entries on storage failure", func(t *testing.T) {
		store := &memoryQueueStore{}
		queue := fill(t, store)
		store.deleteErr = errDisk

		removed, err := queue.ClearTerminal(ctx)
		if !errors.Is(err, ErrLocalStorage) {
			t.Fatalf("expected ErrLocalStorage, got %v", err)
		}
		if len(removed) != 0 || queue.Len() != 2 {
			t.Fatalf("expected nothing removed, got %d removed and %d left", len(removed), queue.Len())
		}
	})
}

func TestEventQueue_OpenAndCloseReleaseInFlight(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := &memoryQueueStore{}
	queue := newTestQueue(t, store, 10, clock)

	if _, err := queue.Enqueue(ctx, newEvent("evt-1", "sess-1", EventSessionStart)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := queue.MarkInFlight(ctx, "evt-1"); err != nil {
		t.Fatalf("MarkInFlight failed: %v", err)
	}

	// Simulate a crash: a new queue over the same store sees the entry in flight.
	reopened := newTestQueue(t, store, 10, clock)
	entry, ok := reopened.Get("evt-1")
	if !ok || entry.Status != EntryPending {
		t.Fatalf("expected in-flight entry recovered as pending, got %#v", entry)
	}

	if _, err := reopened.MarkInFlight(ctx, "evt-1"); err != nil {
		t.Fatalf("MarkInFlight failed: %v", err)
	}
	if err := reopened.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	stored, _ := store.stored("evt-1")
	if stored.Status != EntryPending {
		t.Fatalf("expected Close to persist pending status, got %s", stored.Status)
	}
}

type statsRecorder struct {
	last QueueStats
	seen int
}

func (r *statsRecorder) QueueChanged(stats QueueStats) {
	r.last = stats
	r.seen++
}

func TestEventQueue_Observer(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t, &memoryQueueStore{}, 5, newTestClock())
	recorder := &statsRecorder{}
	queue.SetObserver(recorder)

	if _, err := queue.Enqueue(ctx, newEvent("evt-1", "sess-1", EventSessionStart)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	want := QueueStats{Pending: 1, Total: 1, Capacity: 5}
	if diff := cmp.Diff(want, recorder.last); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
	if recorder.seen != 2 {
		t.Fatalf("expected initial and enqueue notifications, got %d", recorder.seen)
	}
}
