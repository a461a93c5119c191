package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ActiveSessionStore persists the snapshot of the session in progress.
// LoadActiveSession returns ErrNotFound when no snapshot is stored.
type ActiveSessionStore interface {
	SaveActiveSession(ctx context.Context, session ActiveSession) error
	LoadActiveSession(ctx context.Context) (ActiveSession, error)
	ClearActiveSession(ctx context.Context) error
}

// PrincipalSource reports the signed-in user.
type PrincipalSource interface {
	Principal(ctx context.Context) (Principal, error)
}

// BookingResolver finds the booking a new session belongs to. It returns an
// empty id when there is none.
type BookingResolver interface {
	ResolveBooking(ctx context.Context, userID, productID string, at time.Time) (string, error)
}

// SessionMachineConfig wires the collaborators of a SessionMachine.
type SessionMachineConfig struct {
	Queue          *EventQueue
	Store          ActiveSessionStore
	Principals     PrincipalSource
	Bookings       BookingResolver
	BookingTimeout time.Duration
	IDGenerator    func() string
	Now            func() time.Time
	// OnEnqueue is called after every event the machine emits.
	OnEnqueue func()
	Logger    *slog.Logger
}

// SessionMachine owns the Idle/Active session state. Transitions are
// serialised by one mutex; Current reads a lock-free snapshot.
type SessionMachine struct {
	mu             sync.Mutex
	current        atomic.Pointer[ActiveSession]
	queue          *EventQueue
	store          ActiveSessionStore
	principals     PrincipalSource
	bookings       BookingResolver
	bookingTimeout time.Duration
	idGenerator    func() string
	now            func() time.Time
	onEnqueue      func()
	logger         *slog.Logger
}

// NewSessionMachine constructs an idle SessionMachine.
func NewSessionMachine(cfg SessionMachineConfig) *SessionMachine {
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BookingTimeout <= 0 {
		cfg.BookingTimeout = 3 * time.Second
	}
	if cfg.OnEnqueue == nil {
		cfg.OnEnqueue = func() {}
	}
	return &SessionMachine{
		queue:          cfg.Queue,
		store:          cfg.Store,
		principals:     cfg.Principals,
		bookings:       cfg.Bookings,
		bookingTimeout: cfg.BookingTimeout,
		idGenerator:    cfg.IDGenerator,
		now:            cfg.Now,
		onEnqueue:      cfg.OnEnqueue,
		logger:         defaultLogger(cfg.Logger),
	}
}

func (m *SessionMachine) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, m.logger, "SessionMachine", operation, attrs...)
}

// Current returns the active session, if any.
func (m *SessionMachine) Current() (ActiveSession, bool) {
	session := m.current.Load()
	if session == nil {
		return ActiveSession{}, false
	}
	return *session, true
}

// Restore loads the persisted snapshot so a restart resumes the Active state.
func (m *SessionMachine) Restore(ctx context.Context) (session ActiveSession, active bool, err error) {
	logger := m.loggerWith(ctx, "Restore")
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "session restore failed", "error", err, "error_kind", ErrorKind(err))
			return
		}
		if active {
			logger.InfoContext(ctx, "active session restored",
				"session_id", session.SessionID,
				"product_id", session.ProductID,
				"start_time", session.StartTime,
			)
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	session, err = m.store.LoadActiveSession(ctx)
	if errors.Is(err, ErrNotFound) {
		err = nil
		m.current.Store(nil)
		return ActiveSession{}, false, nil
	}
	if err != nil {
		err = fmt.Errorf("%w: load active session: %v", ErrLocalStorage, err)
		return
	}
	snapshot := session
	m.current.Store(&snapshot)
	active = true
	return
}

// Start begins a session on params.ProductID. It fails with ErrSessionActive
// when a session is already running and never touches the network for that check.
func (m *SessionMachine) Start(ctx context.Context, params StartParams) (session ActiveSession, err error) {
	productID := strings.TrimSpace(params.ProductID)
	bookingID := strings.TrimSpace(params.BookingID)

	logger := m.loggerWith(ctx, "Start", "product_id", productID)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "session start failed", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With(
			"session_id", session.SessionID,
			"booking_id", session.BookingID,
		).InfoContext(ctx, "session started")
	}()

	if productID == "" {
		vErr := &ValidationError{}
		vErr.add("product_id", "is required")
		err = vErr
		return
	}
	if _, active := m.Current(); active {
		err = ErrSessionActive
		return
	}
	if m.principals == nil {
		err = ErrNotAuthenticated
		return
	}

	var principal Principal
	principal, err = m.principals.Principal(ctx)
	if err != nil {
		return
	}
	if principal.UserID == "" {
		err = ErrNotAuthenticated
		return
	}

	now := m.now()
	if bookingID == "" {
		bookingID = m.resolveBooking(ctx, logger, principal.UserID, productID, now)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.Load() != nil {
		err = ErrSessionActive
		return
	}

	candidate := ActiveSession{
		SessionID: m.idGenerator(),
		ProductID: productID,
		UserID:    principal.UserID,
		BookingID: bookingID,
		StartTime: now,
	}
	if err = m.store.SaveActiveSession(ctx, candidate); err != nil {
		err = fmt.Errorf("%w: save active session: %v", ErrLocalStorage, err)
		return
	}

	event := SessionEvent{
		EventID:   m.idGenerator(),
		SessionID: candidate.SessionID,
		Kind:      EventSessionStart,
		ProductID: candidate.ProductID,
		UserID:    candidate.UserID,
		BookingID: candidate.BookingID,
		Timestamp: now,
		StartTime: now,
	}
	if _, err = m.queue.Enqueue(ctx, event); err != nil {
		if clearErr := m.store.ClearActiveSession(ctx); clearErr != nil {
			logger.ErrorContext(ctx, "failed to clear snapshot after enqueue failure", "error", clearErr)
		}
		return
	}

	m.current.Store(&candidate)
	m.onEnqueue()
	session = candidate
	return
}

// Stop ends the active session as completed. Stopping while idle is a no-op.
func (m *SessionMachine) Stop(ctx context.Context) (result StopResult, err error) {
	logger := m.loggerWith(ctx, "Stop")
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "session stop failed", "error", err, "error_kind", ErrorKind(err))
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.current.Load()
	if current == nil {
		logger.WarnContext(ctx, "stop requested with no active session")
		return StopResult{Noop: true}, nil
	}

	end := m.now()
	duration := int64(end.Sub(current.StartTime) / time.Second)
	if duration < 0 {
		duration = 0
	}
	return m.finishLocked(ctx, logger, *current, end, duration, SessionStatusCompleted)
}

// ForceTimeout ends the active session as timed out once it has run for
// maxDuration. The recorded end is start+maxDuration and the duration is
// exactly maxDuration. It is a no-op when idle or when the session is younger.
func (m *SessionMachine) ForceTimeout(ctx context.Context, maxDuration time.Duration) (result StopResult, err error) {
	logger := m.loggerWith(ctx, "ForceTimeout", "max_duration", maxDuration)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "session timeout failed", "error", err, "error_kind", ErrorKind(err))
		}
	}()

	if maxDuration <= 0 {
		return StopResult{Noop: true}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.current.Load()
	if current == nil || m.now().Sub(current.StartTime) < maxDuration {
		return StopResult{Noop: true}, nil
	}

	end := current.StartTime.Add(maxDuration)
	return m.finishLocked(ctx, logger, *current, end, int64(maxDuration/time.Second), SessionStatusTimeout)
}

// Heartbeat emits a heartbeat event for the active session.
func (m *SessionMachine) Heartbeat(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.current.Load()
	if current == nil {
		return nil
	}
	event := SessionEvent{
		EventID:   m.idGenerator(),
		SessionID: current.SessionID,
		Kind:      EventHeartbeat,
		ProductID: current.ProductID,
		UserID:    current.UserID,
		BookingID: current.BookingID,
		Timestamp: m.now(),
		StartTime: current.StartTime,
	}
	if _, err := m.queue.Enqueue(ctx, event); err != nil {
		return err
	}
	m.onEnqueue()
	return nil
}

func (m *SessionMachine) finishLocked(ctx context.Context, logger *slog.Logger, current ActiveSession, end time.Time, duration int64, status SessionStatus) (StopResult, error) {
	d := duration
	event := SessionEvent{
		EventID:   m.idGenerator(),
		SessionID: current.SessionID,
		Kind:      EventSessionStop,
		ProductID: current.ProductID,
		UserID:    current.UserID,
		BookingID: current.BookingID,
		Timestamp: end,
		StartTime: current.StartTime,
		Payload: EventPayload{
			DurationSeconds: &d,
			Status:          status,
		},
	}
	if _, err := m.queue.Enqueue(ctx, event); err != nil {
		return StopResult{}, err
	}

	// The stop event is already durable; a failed clear is only logged.
	if err := m.store.ClearActiveSession(ctx); err != nil {
		logger.ErrorContext(ctx, "failed to clear active session snapshot", "error", err, "error_kind", ErrorKind(err))
	}
	m.current.Store(nil)
	m.onEnqueue()

	logger.With(
		"session_id", current.SessionID,
		"status", string(status),
		"duration_seconds", duration,
	).InfoContext(ctx, "session ended")

	return StopResult{
		Session:         current,
		EventID:         event.EventID,
		EndTime:         end,
		DurationSeconds: duration,
		Status:          status,
	}, nil
}

func (m *SessionMachine) resolveBooking(ctx context.Context, logger *slog.Logger, userID, productID string, at time.Time) string {
	if m.bookings == nil {
		return ""
	}
	lookupCtx, cancel := context.WithTimeout(ctx, m.bookingTimeout)
	defer cancel()

	bookingID, err := m.bookings.ResolveBooking(lookupCtx, userID, productID, at)
	if err != nil {
		logger.WarnContext(ctx, "booking lookup failed, starting without booking", "error", err, "error_kind", ErrorKind(err))
		return ""
	}
	return bookingID
}
