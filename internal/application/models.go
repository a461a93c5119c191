package application

import "time"

// EventKind identifies the lifecycle step a session event records.
type EventKind string

const (
	// EventSessionStart records the beginning of a usage session.
	EventSessionStart EventKind = "session_start"
	// EventSessionStop records the end of a usage session.
	EventSessionStop EventKind = "session_stop"
	// EventHeartbeat records that an active session is still running.
	EventHeartbeat EventKind = "heartbeat"
)

// Valid reports whether the kind is one of the known event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventSessionStart, EventSessionStop, EventHeartbeat:
		return true
	}
	return false
}

// SessionStatus is the lifecycle status stored on the remote session record.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusTimeout   SessionStatus = "timeout"
)

// EventPayload carries the fields that only stop events set.
type EventPayload struct {
	DurationSeconds *int64
	Status          SessionStatus
}

// SessionEvent is an immutable record of one session lifecycle step. EventID
// doubles as the idempotency key for remote delivery.
type SessionEvent struct {
	EventID   string
	SessionID string
	Kind      EventKind
	ProductID string
	UserID    string
	BookingID string
	Timestamp time.Time
	StartTime time.Time
	Payload   EventPayload
}

// StreamKey groups events that must be delivered in order.
func (e SessionEvent) StreamKey() string {
	return e.ProductID + "|" + e.UserID
}

// EntryStatus is the delivery state of a queue entry.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryInFlight  EntryStatus = "in_flight"
	EntryConfirmed EntryStatus = "confirmed"
	EntryFailed    EntryStatus = "failed"
)

// FailureKind classifies why a delivery attempt failed.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
	FailureAuth      FailureKind = "auth"
)

// QueueEntry wraps a SessionEvent with its delivery bookkeeping.
type QueueEntry struct {
	Seq           uint64
	Event         SessionEvent
	Status        EntryStatus
	Terminal      bool
	AttemptCount  int
	NextRetryAt   *time.Time
	LastAttemptAt *time.Time
	LastError     string
	LastErrorKind FailureKind
	EnqueuedAt    time.Time
}

// QueueStats summarises queue contents per status.
type QueueStats struct {
	Pending  int
	InFlight int
	Failed   int
	Terminal int
	Total    int
	Capacity int
}

// Failure describes a retryable delivery failure.
type Failure struct {
	Err         error
	AttemptedAt time.Time
	NextRetryAt time.Time
}

// ActiveSession is the snapshot of the session in progress.
type ActiveSession struct {
	SessionID string
	ProductID string
	UserID    string
	BookingID string
	StartTime time.Time
}

// StartParams describes a session start request.
type StartParams struct {
	ProductID string
	BookingID string
}

// StopResult reports the outcome of ending a session. Noop is set when no
// session was active.
type StopResult struct {
	Noop            bool
	Session         ActiveSession
	EventID         string
	EndTime         time.Time
	DurationSeconds int64
	Status          SessionStatus
}

// SessionRecord is the remote mirror of a session.
type SessionRecord struct {
	ID              string
	ProductID       string
	UserID          string
	BookingID       string
	StartTime       time.Time
	EndTime         *time.Time
	DurationSeconds *int64
	Status          SessionStatus
}

// UpsertRequest describes one remote write of a session record. Merge selects
// merge-on-conflict; otherwise an existing record is left untouched.
type UpsertRequest struct {
	Record         SessionRecord
	Merge          bool
	IdempotencyKey string
}

// Credentials are the tokens issued by the backend for one user.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	UserID       string
	Email        string
}

// Principal identifies the signed-in user.
type Principal struct {
	UserID string
	Email  string
}

// Instrument is a bookable lab instrument.
type Instrument struct {
	ID          string
	Name        string
	Description string
	Location    string
	Status      string
}

// InstrumentFilter narrows instrument listings.
type InstrumentFilter struct {
	Status string
}

// InstrumentList is a catalog listing. Stale is set when the list was served
// from cache because the backend could not be reached.
type InstrumentList struct {
	Instruments []Instrument
	Stale       bool
	FetchedAt   time.Time
}

// Booking is a reservation of an instrument.
type Booking struct {
	ID        string
	UserID    string
	ProductID string
	StartTime time.Time
	EndTime   time.Time
	Status    string
}

// BookingQuery narrows booking listings to one user and instrument.
type BookingQuery struct {
	UserID    string
	ProductID string
}

// NoticeKind classifies user-visible notices.
type NoticeKind string

const (
	NoticePermanentFailure NoticeKind = "permanent_failure"
	NoticeAuthRequired     NoticeKind = "auth_required"
	NoticeRetrying         NoticeKind = "retrying"
)

// Notice is a persistent user-visible message about a delivery problem.
type Notice struct {
	ID        string
	Kind      NoticeKind
	EventID   string
	Message   string
	CreatedAt time.Time
}

// CycleReport summarises one sync cycle.
type CycleReport struct {
	Attempted     int
	Confirmed     int
	Retried       int
	Failed        int
	StorageErrors int
	SkippedPaused bool
}
