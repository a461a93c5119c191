package sqlite

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/instrument-gateway/internal/persistence"
)

// ActiveSessionRepository implements persistence.ActiveSessionRepository
// using a single-row table.
type ActiveSessionRepository struct {
	pool   *ConnectionPool
	helper *QueryHelper
	mapper *ErrorMapper
	retry  *RetryHelper
}

// NewActiveSessionRepository creates a new SQLite active session repository.
func NewActiveSessionRepository(pool *ConnectionPool) *ActiveSessionRepository {
	return &ActiveSessionRepository{
		pool:   pool,
		helper: NewQueryHelper(pool),
		mapper: NewErrorMapper(),
		retry:  NewRetryHelper(DefaultRetryConfig()),
	}
}

// SaveActiveSession stores or replaces the snapshot.
func (r *ActiveSessionRepository) SaveActiveSession(ctx context.Context, record persistence.ActiveSessionRecord) error {
	if record.SessionID == "" {
		return fmt.Errorf("sqlite: session id is required")
	}

	const query = `
		INSERT INTO active_session (slot, session_id, product_id, user_id, booking_id, start_time)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			session_id = excluded.session_id,
			product_id = excluded.product_id,
			user_id = excluded.user_id,
			booking_id = excluded.booking_id,
			start_time = excluded.start_time`

	return r.retry.WithRetry(ctx, func() error {
		_, err := r.helper.Exec(ctx, query,
			record.SessionID,
			record.ProductID,
			record.UserID,
			record.BookingID,
			formatTime(record.StartTime),
		)
		return err
	})
}

// LoadActiveSession returns the snapshot or persistence.ErrNotFound.
func (r *ActiveSessionRepository) LoadActiveSession(ctx context.Context) (persistence.ActiveSessionRecord, error) {
	const query = `
		SELECT session_id, product_id, user_id, booking_id, start_time
		FROM active_session WHERE slot = 1`

	var (
		record    persistence.ActiveSessionRecord
		startTime string
	)
	err := r.helper.QueryRow(ctx, query).Scan(
		&record.SessionID,
		&record.ProductID,
		&record.UserID,
		&record.BookingID,
		&startTime,
	)
	if err != nil {
		mapped := r.mapper.MapError(err)
		if errors.Is(mapped, persistence.ErrNotFound) {
			return persistence.ActiveSessionRecord{}, persistence.ErrNotFound
		}
		return persistence.ActiveSessionRecord{}, mapped
	}

	if record.StartTime, err = parseTime(startTime); err != nil {
		return persistence.ActiveSessionRecord{}, err
	}
	return record, nil
}

// ClearActiveSession removes the snapshot. Clearing an empty slot is not an error.
func (r *ActiveSessionRepository) ClearActiveSession(ctx context.Context) error {
	return r.retry.WithRetry(ctx, func() error {
		_, err := r.helper.Exec(ctx, `DELETE FROM active_session WHERE slot = 1`)
		return err
	})
}
