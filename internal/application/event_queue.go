package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// QueueStore persists queue entries. AppendEntry assigns Seq and returns
// ErrDuplicateEvent for a repeated event id; UpdateEntry and DeleteEntry
// return ErrNotFound for unknown ids.
type QueueStore interface {
	AppendEntry(ctx context.Context, entry QueueEntry) (QueueEntry, error)
	UpdateEntry(ctx context.Context, entry QueueEntry) error
	DeleteEntry(ctx context.Context, eventID string) error
	ListEntries(ctx context.Context) ([]QueueEntry, error)
}

// QueueObserver is notified with fresh stats after every queue mutation.
type QueueObserver interface {
	QueueChanged(stats QueueStats)
}

// EventQueue is the durable FIFO log of session events awaiting delivery.
// Every mutation reaches the store before the in-memory view changes.
type EventQueue struct {
	mu       sync.Mutex
	store    QueueStore
	capacity int
	now      func() time.Time
	logger   *slog.Logger
	observer QueueObserver
	entries  []QueueEntry
}

// NewEventQueue constructs an EventQueue. Call Open before use.
func NewEventQueue(store QueueStore, capacity int, now func() time.Time) *EventQueue {
	return NewEventQueueWithLogger(store, capacity, now, nil)
}

// NewEventQueueWithLogger constructs an EventQueue with a specified logger.
func NewEventQueueWithLogger(store QueueStore, capacity int, now func() time.Time, logger *slog.Logger) *EventQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	if now == nil {
		now = time.Now
	}
	return &EventQueue{
		store:    store,
		capacity: capacity,
		now:      now,
		logger:   defaultLogger(logger),
	}
}

// SetObserver registers an observer for queue changes.
func (q *EventQueue) SetObserver(observer QueueObserver) {
	q.mu.Lock()
	q.observer = observer
	q.notifyLocked()
	q.mu.Unlock()
}

func (q *EventQueue) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, q.logger, "EventQueue", operation, attrs...)
}

// Open loads stored entries. Entries left in flight by a previous run are
// returned to pending.
func (q *EventQueue) Open(ctx context.Context) (err error) {
	if q.store == nil {
		return fmt.Errorf("%w: queue store not configured", ErrLocalStorage)
	}
	logger := q.loggerWith(ctx, "Open")
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "queue open failed", "error", err, "error_kind", ErrorKind(err))
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	stored, err := q.store.ListEntries(ctx)
	if err != nil {
		return fmt.Errorf("%w: list entries: %v", ErrLocalStorage, err)
	}

	recovered := 0
	for i := range stored {
		if stored[i].Status != EntryInFlight {
			continue
		}
		stored[i].Status = EntryPending
		if err = q.store.UpdateEntry(ctx, stored[i]); err != nil {
			return fmt.Errorf("%w: recover entry %s: %v", ErrLocalStorage, stored[i].Event.EventID, err)
		}
		recovered++
	}

	q.entries = stored
	q.notifyLocked()
	logger.InfoContext(ctx, "queue opened", "entries", len(stored), "recovered_in_flight", recovered)
	return nil
}

// Close returns in-flight entries to pending so the next run retries them.
func (q *EventQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var errs []error
	for i := range q.entries {
		if q.entries[i].Status != EntryInFlight {
			continue
		}
		next := cloneEntry(q.entries[i])
		next.Status = EntryPending
		if err := q.store.UpdateEntry(ctx, next); err != nil {
			errs = append(errs, fmt.Errorf("%w: release %s: %v", ErrLocalStorage, next.Event.EventID, err))
			continue
		}
		q.entries[i] = next
	}
	q.notifyLocked()
	return errors.Join(errs...)
}

// Enqueue appends a pending entry for event. The entry is durable when
// Enqueue returns.
func (q *EventQueue) Enqueue(ctx context.Context, event SessionEvent) (entry QueueEntry, err error) {
	logger := q.loggerWith(ctx, "Enqueue",
		"event_id", event.EventID,
		"event_kind", string(event.Kind),
		"session_id", event.SessionID,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "enqueue failed", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "event enqueued", "seq", entry.Seq)
	}()

	if vErr := validateEvent(event); vErr.HasErrors() {
		err = vErr
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.indexLocked(event.EventID) >= 0 {
		err = ErrDuplicateEvent
		return
	}
	if len(q.entries) >= q.capacity {
		err = ErrQueueFull
		return
	}

	candidate := QueueEntry{
		Event:      cloneEvent(event),
		Status:     EntryPending,
		EnqueuedAt: q.now(),
	}
	entry, err = q.store.AppendEntry(ctx, candidate)
	if err != nil {
		if !errors.Is(err, ErrDuplicateEvent) {
			err = fmt.Errorf("%w: append entry: %v", ErrLocalStorage, err)
		}
		return
	}

	q.entries = append(q.entries, entry)
	q.notifyLocked()
	entry = cloneEntry(entry)
	return
}

// PeekReady returns the entries that may be delivered at now, in FIFO order.
// Pending entries are ready, as are non-terminal failures whose retry time
// has passed. Within a session stream, an in-flight entry or a failure still
// waiting for its retry time withholds every later entry.
func (q *EventQueue) PeekReady(now time.Time) []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	blocked := make(map[string]bool)
	var ready []QueueEntry
	for _, entry := range q.entries {
		if entry.Terminal {
			continue
		}
		key := entry.Event.StreamKey()
		if blocked[key] {
			continue
		}
		switch entry.Status {
		case EntryPending:
			ready = append(ready, cloneEntry(entry))
		case EntryFailed:
			if entry.NextRetryAt == nil || !entry.NextRetryAt.After(now) {
				ready = append(ready, cloneEntry(entry))
				continue
			}
			blocked[key] = true
		case EntryInFlight:
			blocked[key] = true
		}
	}
	return ready
}

// MarkInFlight records that delivery of the entry has started.
func (q *EventQueue) MarkInFlight(ctx context.Context, eventID string) (QueueEntry, error) {
	return q.mutate(ctx, "MarkInFlight", eventID, func(entry *QueueEntry) error {
		if entry.Terminal {
			return fmt.Errorf("entry %s is terminal", eventID)
		}
		entry.Status = EntryInFlight
		return nil
	})
}

// MarkConfirmed removes a delivered entry.
func (q *EventQueue) MarkConfirmed(ctx context.Context, eventID string) (err error) {
	logger := q.loggerWith(ctx, "MarkConfirmed", "event_id", eventID)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "confirm failed", "error", err, "error_kind", ErrorKind(err))
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(eventID)
	if idx < 0 {
		err = ErrNotFound
		return
	}
	err = q.removeLocked(ctx, idx)
	return
}

// Discard deletes a terminal entry so it no longer counts against capacity.
// Entries still being retried are refused with ErrEntryNotTerminal.
func (q *EventQueue) Discard(ctx context.Context, eventID string) (entry QueueEntry, err error) {
	logger := q.loggerWith(ctx, "Discard", "event_id", eventID)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "discard failed", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.WarnContext(ctx, "terminal entry discarded",
			"event_kind", string(entry.Event.Kind),
			"session_id", entry.Event.SessionID,
			"last_error", entry.LastError,
		)
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(eventID)
	if idx < 0 {
		err = ErrNotFound
		return
	}
	if !q.entries[idx].Terminal {
		err = ErrEntryNotTerminal
		return
	}
	removed := cloneEntry(q.entries[idx])
	if err = q.removeLocked(ctx, idx); err != nil {
		return
	}
	entry = removed
	return
}

// ClearTerminal deletes every terminal entry and returns the removed entries.
// Entries removed before a storage failure stay removed.
func (q *EventQueue) ClearTerminal(ctx context.Context) (removed []QueueEntry, err error) {
	logger := q.loggerWith(ctx, "ClearTerminal")
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "clear failed", "error", err, "error_kind", ErrorKind(err), "removed", len(removed))
			return
		}
		if len(removed) > 0 {
			logger.WarnContext(ctx, "terminal entries discarded", "removed", len(removed))
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	for i := 0; i < len(q.entries); {
		if !q.entries[i].Terminal {
			i++
			continue
		}
		entry := cloneEntry(q.entries[i])
		if err = q.removeLocked(ctx, i); err != nil {
			return
		}
		removed = append(removed, entry)
	}
	return
}

// removeLocked deletes the entry at idx from the store and then from memory.
func (q *EventQueue) removeLocked(ctx context.Context, idx int) error {
	eventID := q.entries[idx].Event.EventID
	if err := q.store.DeleteEntry(ctx, eventID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: delete entry: %v", ErrLocalStorage, err)
	}
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	q.notifyLocked()
	return nil
}

// MarkFailed records a retryable failure and schedules the next attempt.
func (q *EventQueue) MarkFailed(ctx context.Context, eventID string, failure Failure) (QueueEntry, error) {
	return q.mutate(ctx, "MarkFailed", eventID, func(entry *QueueEntry) error {
		attemptedAt := failure.AttemptedAt
		if attemptedAt.IsZero() {
			attemptedAt = q.now()
		}
		retryAt := failure.NextRetryAt
		entry.Status = EntryFailed
		entry.Terminal = false
		entry.AttemptCount++
		entry.LastAttemptAt = &attemptedAt
		entry.NextRetryAt = &retryAt
		entry.LastError = errorText(failure.Err)
		entry.LastErrorKind = FailureKindOf(failure.Err)
		return nil
	})
}

// MarkTerminal records a failure that will not be retried automatically.
func (q *EventQueue) MarkTerminal(ctx context.Context, eventID string, cause error) (QueueEntry, error) {
	return q.mutate(ctx, "MarkTerminal", eventID, func(entry *QueueEntry) error {
		attemptedAt := q.now()
		entry.Status = EntryFailed
		entry.Terminal = true
		entry.AttemptCount++
		entry.LastAttemptAt = &attemptedAt
		entry.NextRetryAt = nil
		entry.LastError = errorText(cause)
		entry.LastErrorKind = FailureKindOf(cause)
		return nil
	})
}

// Release returns an in-flight entry to pending without counting an attempt.
func (q *EventQueue) Release(ctx context.Context, eventID string) (QueueEntry, error) {
	return q.mutate(ctx, "Release", eventID, func(entry *QueueEntry) error {
		if entry.Status == EntryInFlight {
			entry.Status = EntryPending
		}
		return nil
	})
}

// Requeue resets a terminal entry to pending with zero attempts.
func (q *EventQueue) Requeue(ctx context.Context, eventID string) (QueueEntry, error) {
	return q.mutate(ctx, "Requeue", eventID, func(entry *QueueEntry) error {
		if !entry.Terminal {
			return ErrEntryNotTerminal
		}
		resetEntry(entry)
		return nil
	})
}

// RequeueKind resets every terminal entry whose last failure has the given
// kind and returns how many were reset.
func (q *EventQueue) RequeueKind(ctx context.Context, kind FailureKind) (count int, err error) {
	logger := q.loggerWith(ctx, "RequeueKind", "failure_kind", string(kind))
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "requeue failed", "error", err, "error_kind", ErrorKind(err))
			return
		}
		if count > 0 {
			logger.InfoContext(ctx, "entries requeued", "count", count)
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.entries {
		if !q.entries[i].Terminal || q.entries[i].LastErrorKind != kind {
			continue
		}
		next := cloneEntry(q.entries[i])
		resetEntry(&next)
		if err = q.store.UpdateEntry(ctx, next); err != nil {
			err = fmt.Errorf("%w: update entry: %v", ErrLocalStorage, err)
			break
		}
		q.entries[i] = next
		count++
	}
	q.notifyLocked()
	return
}

// Get returns a copy of the entry carrying eventID.
func (q *EventQueue) Get(eventID string) (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(eventID)
	if idx < 0 {
		return QueueEntry{}, false
	}
	return cloneEntry(q.entries[idx]), true
}

// Entries returns copies of all entries in FIFO order.
func (q *EventQueue) Entries() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueueEntry, len(q.entries))
	for i, entry := range q.entries {
		out[i] = cloneEntry(entry)
	}
	return out
}

// Len returns the number of stored entries, terminal failures included.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Stats returns per-status counts.
func (q *EventQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

func (q *EventQueue) statsLocked() QueueStats {
	stats := QueueStats{Total: len(q.entries), Capacity: q.capacity}
	for _, entry := range q.entries {
		switch {
		case entry.Terminal:
			stats.Terminal++
		case entry.Status == EntryPending:
			stats.Pending++
		case entry.Status == EntryInFlight:
			stats.InFlight++
		case entry.Status == EntryFailed:
			stats.Failed++
		}
	}
	return stats
}

func (q *EventQueue) notifyLocked() {
	if q.observer != nil {
		q.observer.QueueChanged(q.statsLocked())
	}
}

// mutate applies fn to a copy of the entry, persists it and only then
// replaces the in-memory entry.
func (q *EventQueue) mutate(ctx context.Context, operation, eventID string, fn func(*QueueEntry) error) (entry QueueEntry, err error) {
	logger := q.loggerWith(ctx, operation, "event_id", eventID)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "queue update failed", "error", err, "error_kind", ErrorKind(err))
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(eventID)
	if idx < 0 {
		err = ErrNotFound
		return
	}

	next := cloneEntry(q.entries[idx])
	if err = fn(&next); err != nil {
		return
	}
	if err = q.store.UpdateEntry(ctx, next); err != nil {
		err = fmt.Errorf("%w: update entry: %v", ErrLocalStorage, err)
		return
	}

	q.entries[idx] = next
	q.notifyLocked()
	entry = cloneEntry(next)
	return
}

func (q *EventQueue) indexLocked(eventID string) int {
	for i := range q.entries {
		if q.entries[i].Event.EventID == eventID {
			return i
		}
	}
	return -1
}

func validateEvent(event SessionEvent) *ValidationError {
	vErr := &ValidationError{}
	if strings.TrimSpace(event.EventID) == "" {
		vErr.add("event_id", "is required")
	}
	if strings.TrimSpace(event.SessionID) == "" {
		vErr.add("session_id", "is required")
	}
	if !event.Kind.Valid() {
		vErr.add("kind", "is not a known event kind")
	}
	if strings.TrimSpace(event.ProductID) == "" {
		vErr.add("product_id", "is required")
	}
	if strings.TrimSpace(event.UserID) == "" {
		vErr.add("user_id", "is required")
	}
	return vErr
}

func resetEntry(entry *QueueEntry) {
	entry.Status = EntryPending
	entry.Terminal = false
	entry.AttemptCount = 0
	entry.NextRetryAt = nil
	entry.LastAttemptAt = nil
	entry.LastError = ""
	entry.LastErrorKind = ""
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func cloneEvent(event SessionEvent) SessionEvent {
	if event.Payload.DurationSeconds != nil {
		d := *event.Payload.DurationSeconds
		event.Payload.DurationSeconds = &d
	}
	return event
}

func cloneEntry(entry QueueEntry) QueueEntry {
	entry.Event = cloneEvent(entry.Event)
	entry.NextRetryAt = cloneTime(entry.NextRetryAt)
	entry.LastAttemptAt = cloneTime(entry.LastAttemptAt)
	return entry
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
