package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// SessionRecordWriter writes session records to the remote store.
type SessionRecordWriter interface {
	UpsertSessionRecord(ctx context.Context, req UpsertRequest) (SessionRecord, error)
}

// TokenRefresher obtains fresh credentials after the remote rejected the current ones.
type TokenRefresher interface {
	Refresh(ctx context.Context) error
}

// ConnectivityReporter receives delivery outcomes as reachability hints.
type ConnectivityReporter interface {
	ReportFailure(err error)
	ReportSuccess()
}

// SyncObserver is notified about delivery outcomes.
type SyncObserver interface {
	CycleCompleted(report CycleReport, elapsed time.Duration)
	EntryConfirmed(kind EventKind)
	EntryFailed(kind FailureKind)
}

// SyncEngineConfig wires the collaborators of a SyncEngine.
type SyncEngineConfig struct {
	Queue        *EventQueue
	Remote       SessionRecordWriter
	Auth         TokenRefresher
	Notices      *NoticeBoard
	Connectivity ConnectivityReporter
	Observer     SyncObserver
	Backoff      BackoffPolicy
	// Concurrency bounds how many session streams drain at once.
	Concurrency int
	// NotifyAfter raises a retrying notice once an entry reaches this many attempts.
	NotifyAfter int
	Interval    time.Duration
	Limiter     *rate.Limiter
	Now         func() time.Time
	Logger      *slog.Logger
}

// SyncEngine drains the event queue into the remote store.
type SyncEngine struct {
	queue        *EventQueue
	remote       SessionRecordWriter
	auth         TokenRefresher
	notices      *NoticeBoard
	connectivity ConnectivityReporter
	observer     SyncObserver
	backoff      BackoffPolicy
	concurrency  int
	notifyAfter  int
	interval     time.Duration
	limiter      *rate.Limiter
	now          func() time.Time
	logger       *slog.Logger

	// cycle holds one token while a cycle runs.
	cycle    chan struct{}
	trigger  chan struct{}
	paused   atomic.Bool
	stopping atomic.Bool
}

// NewSyncEngine constructs a SyncEngine from cfg.
func NewSyncEngine(cfg SyncEngineConfig) *SyncEngine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Backoff.Base == 0 && cfg.Backoff.Max == 0 && cfg.Backoff.Jitter == 0 && cfg.Backoff.Rand == nil {
		cfg.Backoff = DefaultBackoffPolicy()
	}
	return &SyncEngine{
		queue:        cfg.Queue,
		remote:       cfg.Remote,
		auth:         cfg.Auth,
		notices:      cfg.Notices,
		connectivity: cfg.Connectivity,
		observer:     cfg.Observer,
		backoff:      cfg.Backoff,
		concurrency:  cfg.Concurrency,
		notifyAfter:  cfg.NotifyAfter,
		interval:     cfg.Interval,
		limiter:      cfg.Limiter,
		now:          cfg.Now,
		logger:       defaultLogger(cfg.Logger),
		cycle:        make(chan struct{}, 1),
		trigger:      make(chan struct{}, 1),
	}
}

func (e *SyncEngine) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, e.logger, "SyncEngine", operation, attrs...)
}

// Trigger requests a cycle as soon as possible. Triggers arriving while a
// cycle runs coalesce into one follow-up cycle.
func (e *SyncEngine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Pause stops cycles from delivering until Resume is called.
func (e *SyncEngine) Pause() {
	e.paused.Store(true)
}

// Paused reports whether delivery is paused waiting for re-authentication.
func (e *SyncEngine) Paused() bool {
	return e.paused.Load()
}

// Resume clears the pause, requeues entries that failed on authentication and
// triggers a cycle.
func (e *SyncEngine) Resume(ctx context.Context) error {
	e.paused.Store(false)
	if e.notices != nil {
		e.notices.DismissKind(NoticeAuthRequired)
	}
	count, err := e.queue.RequeueKind(ctx, FailureAuth)
	if err != nil {
		return err
	}
	e.loggerWith(ctx, "Resume").InfoContext(ctx, "sync resumed", "requeued", count)
	e.Trigger()
	return nil
}

// RestoreNotices raises the notices for entries a previous run left behind:
// terminal failures, and entries past the retrying threshold. When any entry
// failed on authentication, delivery is paused until the next sign in.
func (e *SyncEngine) RestoreNotices(ctx context.Context) int {
	logger := e.loggerWith(ctx, "RestoreNotices")

	raised := 0
	authFailed := false
	for _, entry := range e.queue.Entries() {
		switch {
		case entry.Terminal && entry.LastErrorKind == FailureAuth:
			authFailed = true
		case entry.Terminal:
			if e.notices != nil {
				e.notices.Raise(ctx, NoticePermanentFailure, entry.Event.EventID, rejectedMessage(entry.Event.Kind, entry.LastError))
				raised++
			}
		case e.notifyAfter > 0 && entry.AttemptCount >= e.notifyAfter:
			if e.notices != nil {
				e.notices.Raise(ctx, NoticeRetrying, entry.Event.EventID, retryingMessage(entry.Event.Kind, entry.AttemptCount))
				raised++
			}
		}
	}
	if authFailed {
		e.Pause()
		if e.notices != nil {
			e.notices.Raise(ctx, NoticeAuthRequired, "", authRequiredMessage)
			raised++
		}
	}

	if raised > 0 || authFailed {
		logger.WarnContext(ctx, "notices restored from queue", "raised", raised, "paused", authFailed)
	}
	return raised
}

// Run executes a cycle immediately, then on every interval tick and every
// Trigger, until ctx is cancelled or Shutdown is called.
func (e *SyncEngine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-e.trigger:
		}
		if e.stopping.Load() {
			return nil
		}
		e.runOnce(ctx)
	}
}

func (e *SyncEngine) runOnce(ctx context.Context) {
	if _, err := e.RunCycle(ctx, e.now()); err != nil && !errors.Is(err, ErrEngineStopped) && ctx.Err() == nil {
		e.loggerWith(ctx, "Run").ErrorContext(ctx, "sync cycle failed", "error", err, "error_kind", ErrorKind(err))
	}
}

// Shutdown stops new cycles and waits for a running cycle to finish its
// in-flight calls, or for ctx to expire.
func (e *SyncEngine) Shutdown(ctx context.Context) error {
	e.stopping.Store(true)
	select {
	case e.cycle <- struct{}{}:
		<-e.cycle
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunCycle delivers every entry ready at now. Session streams drain
// concurrently; entries within a stream go one at a time and a stream stops
// at its first retryable failure. Cycles never overlap.
func (e *SyncEngine) RunCycle(ctx context.Context, now time.Time) (report CycleReport, err error) {
	if e.stopping.Load() {
		err = ErrEngineStopped
		return
	}
	select {
	case e.cycle <- struct{}{}:
	case <-ctx.Done():
		err = ctx.Err()
		return
	}
	defer func() { <-e.cycle }()

	started := time.Now()
	logger := e.loggerWith(ctx, "RunCycle")
	defer func() {
		if e.observer != nil {
			e.observer.CycleCompleted(report, time.Since(started))
		}
		if report.Attempted > 0 || report.StorageErrors > 0 {
			logger.InfoContext(ctx, "sync cycle finished",
				"attempted", report.Attempted,
				"confirmed", report.Confirmed,
				"retried", report.Retried,
				"failed", report.Failed,
				"storage_errors", report.StorageErrors,
			)
		}
	}()

	if e.paused.Load() {
		report.SkippedPaused = true
		return
	}

	streams := groupStreams(e.queue.PeekReady(now))
	if len(streams) == 0 {
		return
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)
	for _, stream := range streams {
		g.Go(func() error {
			outcome := e.drainStream(ctx, now, stream)
			mu.Lock()
			report.Attempted += outcome.Attempted
			report.Confirmed += outcome.Confirmed
			report.Retried += outcome.Retried
			report.Failed += outcome.Failed
			report.StorageErrors += outcome.StorageErrors
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return
}

func (e *SyncEngine) drainStream(ctx context.Context, now time.Time, stream []QueueEntry) CycleReport {
	var report CycleReport
	for _, entry := range stream {
		if e.stopping.Load() || e.paused.Load() || ctx.Err() != nil {
			return report
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return report
		}
		if !e.deliver(ctx, now, entry, &report) {
			return report
		}
	}
	return report
}

// deliver makes one attempt for entry and reports whether the stream may
// continue with its next entry.
func (e *SyncEngine) deliver(ctx context.Context, now time.Time, entry QueueEntry, report *CycleReport) bool {
	// In-flight work completes even when the caller is shutting down.
	callCtx := context.WithoutCancel(ctx)
	eventID := entry.Event.EventID
	logger := e.loggerWith(ctx, "deliver",
		"event_id", eventID,
		"event_kind", string(entry.Event.Kind),
		"session_id", entry.Event.SessionID,
		"attempt", entry.AttemptCount+1,
	)

	if _, err := e.queue.MarkInFlight(callCtx, eventID); err != nil {
		report.StorageErrors++
		return false
	}
	report.Attempted++

	req := sessionRecordRequest(entry.Event)
	_, err := e.remote.UpsertSessionRecord(callCtx, req)
	if err != nil && FailureKindOf(err) == FailureAuth && e.auth != nil {
		if refreshErr := e.auth.Refresh(callCtx); refreshErr != nil {
			logger.WarnContext(ctx, "token refresh failed", "error", refreshErr, "error_kind", ErrorKind(refreshErr))
			if FailureKindOf(refreshErr) == FailureTransient {
				err = refreshErr
			}
		} else {
			_, err = e.remote.UpsertSessionRecord(callCtx, req)
		}
	}

	if err == nil {
		if mErr := e.queue.MarkConfirmed(callCtx, eventID); mErr != nil {
			report.StorageErrors++
			return false
		}
		report.Confirmed++
		if e.notices != nil {
			e.notices.DismissEvent(eventID)
		}
		if e.connectivity != nil {
			e.connectivity.ReportSuccess()
		}
		if e.observer != nil {
			e.observer.EntryConfirmed(entry.Event.Kind)
		}
		logger.InfoContext(ctx, "event delivered")
		return true
	}

	kind := FailureKindOf(err)
	if e.observer != nil {
		e.observer.EntryFailed(kind)
	}
	switch kind {
	case FailureAuth:
		if _, mErr := e.queue.MarkTerminal(callCtx, eventID, err); mErr != nil {
			report.StorageErrors++
			return false
		}
		report.Failed++
		e.Pause()
		if e.notices != nil {
			e.notices.Raise(ctx, NoticeAuthRequired, "", authRequiredMessage)
		}
		logger.WarnContext(ctx, "delivery paused until sign in", "error", err, "error_kind", ErrorKind(err))
		return false

	case FailurePermanent:
		if _, mErr := e.queue.MarkTerminal(callCtx, eventID, err); mErr != nil {
			report.StorageErrors++
			return false
		}
		report.Failed++
		if e.notices != nil {
			e.notices.Raise(ctx, NoticePermanentFailure, eventID, rejectedMessage(entry.Event.Kind, err.Error()))
		}
		logger.WarnContext(ctx, "event rejected", "error", err, "error_kind", ErrorKind(err))
		return true
	}

	attempt := entry.AttemptCount + 1
	delay := e.backoff.Delay(attempt, previousDelay(entry))
	if _, mErr := e.queue.MarkFailed(callCtx, eventID, Failure{Err: err, AttemptedAt: now, NextRetryAt: now.Add(delay)}); mErr != nil {
		report.StorageErrors++
		return false
	}
	report.Retried++
	if e.connectivity != nil {
		e.connectivity.ReportFailure(err)
	}
	if e.notifyAfter > 0 && attempt >= e.notifyAfter && e.notices != nil {
		e.notices.Raise(ctx, NoticeRetrying, eventID,
			retryingMessage(entry.Event.Kind, attempt))
	}
	logger.InfoContext(ctx, "delivery will be retried", "error", err, "retry_in", delay)
	return false
}

const authRequiredMessage = "Sign in again to resume syncing session records."

func rejectedMessage(kind EventKind, cause string) string {
	return fmt.Sprintf("The server rejected the %s event: %s", humanKind(kind), cause)
}

func retryingMessage(kind EventKind, attempts int) string {
	return fmt.Sprintf("The %s event has failed %d times and is still being retried.", humanKind(kind), attempts)
}

// sessionRecordRequest maps an event to the remote write that materialises it.
// Starts and heartbeats never overwrite an existing record; stops carry the
// complete record and merge over whatever is there.
func sessionRecordRequest(event SessionEvent) UpsertRequest {
	record := SessionRecord{
		ID:        event.SessionID,
		ProductID: event.ProductID,
		UserID:    event.UserID,
		BookingID: event.BookingID,
		StartTime: event.StartTime,
		Status:    SessionStatusActive,
	}
	merge := false
	if event.Kind == EventSessionStop {
		end := event.Timestamp
		record.EndTime = &end
		if event.Payload.DurationSeconds != nil {
			d := *event.Payload.DurationSeconds
			record.DurationSeconds = &d
		}
		record.Status = event.Payload.Status
		if record.Status == "" {
			record.Status = SessionStatusCompleted
		}
		merge = true
	}
	return UpsertRequest{Record: record, Merge: merge, IdempotencyKey: event.EventID}
}

func groupStreams(entries []QueueEntry) [][]QueueEntry {
	var (
		order   []string
		streams = make(map[string][]QueueEntry)
	)
	for _, entry := range entries {
		key := entry.Event.StreamKey()
		if _, ok := streams[key]; !ok {
			order = append(order, key)
		}
		streams[key] = append(streams[key], entry)
	}
	out := make([][]QueueEntry, 0, len(order))
	for _, key := range order {
		out = append(out, streams[key])
	}
	return out
}

func humanKind(kind EventKind) string {
	switch kind {
	case EventSessionStart:
		return "session start"
	case EventSessionStop:
		return "session stop"
	case EventHeartbeat:
		return "heartbeat"
	}
	return string(kind)
}
