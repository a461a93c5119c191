package application

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NoticeBoard holds user-visible notices about delivery problems until the
// user dismisses them. Raising a notice that already exists for the same kind
// and event returns the existing one.
type NoticeBoard struct {
	mu          sync.Mutex
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
	notices     []Notice
}

// NewNoticeBoard constructs an empty NoticeBoard.
func NewNoticeBoard(idGenerator func() string, now func() time.Time) *NoticeBoard {
	return NewNoticeBoardWithLogger(idGenerator, now, nil)
}

// NewNoticeBoardWithLogger constructs a NoticeBoard with a specified logger.
func NewNoticeBoardWithLogger(idGenerator func() string, now func() time.Time, logger *slog.Logger) *NoticeBoard {
	if idGenerator == nil {
		idGenerator = uuid.NewString
	}
	if now == nil {
		now = time.Now
	}
	return &NoticeBoard{
		idGenerator: idGenerator,
		now:         now,
		logger:      defaultLogger(logger),
	}
}

// Raise records a notice unless one of the same kind for the same event is
// already present.
func (b *NoticeBoard) Raise(ctx context.Context, kind NoticeKind, eventID, message string) Notice {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.notices {
		if existing.Kind == kind && existing.EventID == eventID {
			return existing
		}
	}

	notice := Notice{
		ID:        b.idGenerator(),
		Kind:      kind,
		EventID:   eventID,
		Message:   message,
		CreatedAt: b.now(),
	}
	b.notices = append(b.notices, notice)
	serviceLogger(ctx, b.logger, "NoticeBoard", "Raise",
		"notice_id", notice.ID,
		"notice_kind", string(kind),
		"event_id", eventID,
	).WarnContext(ctx, "notice raised", "message", message)
	return notice
}

// List returns the notices in the order they were raised.
func (b *NoticeBoard) List() []Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Notice, len(b.notices))
	copy(out, b.notices)
	return out
}

// Dismiss removes the notice with the given id.
func (b *NoticeBoard) Dismiss(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, notice := range b.notices {
		if notice.ID == id {
			b.notices = append(b.notices[:i], b.notices[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// DismissEvent removes every notice about eventID and returns how many were removed.
func (b *NoticeBoard) DismissEvent(eventID string) int {
	return b.dismissWhere(func(n Notice) bool { return eventID != "" && n.EventID == eventID })
}

// DismissKind removes every notice of the given kind.
func (b *NoticeBoard) DismissKind(kind NoticeKind) int {
	return b.dismissWhere(func(n Notice) bool { return n.Kind == kind })
}

func (b *NoticeBoard) dismissWhere(match func(Notice) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.notices[:0]
	removed := 0
	for _, notice := range b.notices {
		if match(notice) {
			removed++
			continue
		}
		kept = append(kept, notice)
	}
	b.notices = kept
	return removed
}
