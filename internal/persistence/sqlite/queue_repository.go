package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/example/instrument-gateway/internal/persistence"
)

// QueueRepository implements persistence.QueueRepository using SQLite.
type QueueRepository struct {
	pool   *ConnectionPool
	helper *QueryHelper
	mapper *ErrorMapper
	retry  *RetryHelper
}

// NewQueueRepository creates a new SQLite queue repository.
func NewQueueRepository(pool *ConnectionPool) *QueueRepository {
	return &QueueRepository{
		pool:   pool,
		helper: NewQueryHelper(pool),
		mapper: NewErrorMapper(),
		retry:  NewRetryHelper(DefaultRetryConfig()),
	}
}

const queueColumns = `seq, event_id, session_id, kind, product_id, user_id, booking_id,
	occurred_at, start_time, duration_seconds, session_status, status, terminal,
	attempt_count, next_retry_at, last_attempt_at, last_error, last_error_kind, enqueued_at`

// AppendEntry inserts a new entry and returns it with its assigned sequence.
func (r *QueueRepository) AppendEntry(ctx context.Context, record persistence.QueueRecord) (persistence.QueueRecord, error) {
	if record.EventID == "" {
		return persistence.QueueRecord{}, fmt.Errorf("sqlite: event id is required")
	}

	const query = `
		INSERT INTO queue_entries (event_id, session_id, kind, product_id, user_id, booking_id,
			occurred_at, start_time, duration_seconds, session_status, status, terminal,
			attempt_count, next_retry_at, last_attempt_at, last_error, last_error_kind, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var result sql.Result
	err := r.retry.WithRetry(ctx, func() error {
		var execErr error
		result, execErr = r.helper.Exec(ctx, query,
			record.EventID,
			record.SessionID,
			record.Kind,
			record.ProductID,
			record.UserID,
			record.BookingID,
			formatTime(record.OccurredAt),
			formatTime(record.StartTime),
			nullInt64(record.DurationSeconds),
			record.SessionStatus,
			record.Status,
			boolToInt(record.Terminal),
			record.AttemptCount,
			nullTime(record.NextRetryAt),
			nullTime(record.LastAttemptAt),
			record.LastError,
			record.LastErrorKind,
			formatTime(record.EnqueuedAt),
		)
		return execErr
	})
	if err != nil {
		return persistence.QueueRecord{}, err
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return persistence.QueueRecord{}, fmt.Errorf("sqlite: read queue sequence: %w", err)
	}
	record.Seq = uint64(seq)
	return record, nil
}

// UpdateEntry replaces the mutable columns of an existing entry.
func (r *QueueRepository) UpdateEntry(ctx context.Context, record persistence.QueueRecord) error {
	const query = `
		UPDATE queue_entries
		SET status = ?, terminal = ?, attempt_count = ?, next_retry_at = ?, last_attempt_at = ?,
			last_error = ?, last_error_kind = ?
		WHERE event_id = ?`

	return r.retry.WithRetry(ctx, func() error {
		result, err := r.helper.Exec(ctx, query,
			record.Status,
			boolToInt(record.Terminal),
			record.AttemptCount,
			nullTime(record.NextRetryAt),
			nullTime(record.LastAttemptAt),
			record.LastError,
			record.LastErrorKind,
			record.EventID,
		)
		if err != nil {
			return err
		}
		return requireAffected(result)
	})
}

// DeleteEntry removes an entry by event id.
func (r *QueueRepository) DeleteEntry(ctx context.Context, eventID string) error {
	return r.retry.WithRetry(ctx, func() error {
		result, err := r.helper.Exec(ctx, `DELETE FROM queue_entries WHERE event_id = ?`, eventID)
		if err != nil {
			return err
		}
		return requireAffected(result)
	})
}

// ListEntries returns every entry in enqueue order.
func (r *QueueRepository) ListEntries(ctx context.Context) ([]persistence.QueueRecord, error) {
	rows, err := r.helper.Query(ctx, `SELECT `+queueColumns+` FROM queue_entries ORDER BY seq ASC`)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	var records []persistence.QueueRecord
	for rows.Next() {
		record, err := scanQueueRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return records, nil
}

// CountEntries returns the number of stored entries.
func (r *QueueRepository) CountEntries(ctx context.Context) (int, error) {
	var count int
	if err := r.helper.QueryRow(ctx, `SELECT COUNT(*) FROM queue_entries`).Scan(&count); err != nil {
		return 0, r.mapper.MapError(err)
	}
	return count, nil
}

func scanQueueRecord(rows *sql.Rows) (persistence.QueueRecord, error) {
	var (
		record                            persistence.QueueRecord
		seq                               int64
		occurredAt, startTime, enqueuedAt string
		duration                          sql.NullInt64
		terminal                          int
		nextRetryAt, lastAttemptAt        sql.NullString
	)
	if err := rows.Scan(
		&seq,
		&record.EventID,
		&record.SessionID,
		&record.Kind,
		&record.ProductID,
		&record.UserID,
		&record.BookingID,
		&occurredAt,
		&startTime,
		&duration,
		&record.SessionStatus,
		&record.Status,
		&terminal,
		&record.AttemptCount,
		&nextRetryAt,
		&lastAttemptAt,
		&record.LastError,
		&record.LastErrorKind,
		&enqueuedAt,
	); err != nil {
		return persistence.QueueRecord{}, fmt.Errorf("sqlite: scan queue entry: %w", err)
	}

	var err error
	record.Seq = uint64(seq)
	record.Terminal = terminal != 0
	if record.OccurredAt, err = parseTime(occurredAt); err != nil {
		return persistence.QueueRecord{}, err
	}
	if record.StartTime, err = parseTime(startTime); err != nil {
		return persistence.QueueRecord{}, err
	}
	if record.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return persistence.QueueRecord{}, err
	}
	if duration.Valid {
		value := duration.Int64
		record.DurationSeconds = &value
	}
	if record.NextRetryAt, err = parseNullTime(nextRetryAt); err != nil {
		return persistence.QueueRecord{}, err
	}
	if record.LastAttemptAt, err = parseNullTime(lastAttemptAt); err != nil {
		return persistence.QueueRecord{}, err
	}
	return record, nil
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", value, err)
	}
	return t.UTC(), nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
