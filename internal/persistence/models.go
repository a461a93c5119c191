package persistence

import "time"

// QueueRecord is the stored form of one event queue entry. Seq is assigned
// by the repository on append and defines FIFO order.
type QueueRecord struct {
	Seq             uint64
	EventID         string
	SessionID       string
	Kind            string
	ProductID       string
	UserID          string
	BookingID       string
	OccurredAt      time.Time
	StartTime       time.Time
	DurationSeconds *int64
	SessionStatus   string
	Status          string
	Terminal        bool
	AttemptCount    int
	NextRetryAt     *time.Time
	LastAttemptAt   *time.Time
	LastError       string
	LastErrorKind   string
	EnqueuedAt      time.Time
}

// ActiveSessionRecord is the snapshot of the session currently in progress.
type ActiveSessionRecord struct {
	SessionID string
	ProductID string
	UserID    string
	BookingID string
	StartTime time.Time
}
