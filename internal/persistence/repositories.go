package persistence

import "context"

// QueueRepository stores event queue entries durably. Every call must be
// persisted before it returns.
type QueueRepository interface {
	AppendEntry(ctx context.Context, record QueueRecord) (QueueRecord, error)
	UpdateEntry(ctx context.Context, record QueueRecord) error
	DeleteEntry(ctx context.Context, eventID string) error
	ListEntries(ctx context.Context) ([]QueueRecord, error)
	CountEntries(ctx context.Context) (int, error)
}

// ActiveSessionRepository stores the single in-progress session snapshot.
type ActiveSessionRepository interface {
	SaveActiveSession(ctx context.Context, record ActiveSessionRecord) error
	LoadActiveSession(ctx context.Context) (ActiveSessionRecord, error)
	ClearActiveSession(ctx context.Context) error
}
