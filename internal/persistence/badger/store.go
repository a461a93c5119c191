// Package badger stores the event queue and active session snapshot in a
// Badger key-value database.
//
// Layout:
//   - q/<seq>: queue entry JSON, seq zero-padded so key order is FIFO order
//   - e/<event id>: seq of the entry carrying that event
//   - s/active: active session snapshot JSON
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/example/instrument-gateway/internal/persistence"
)

const (
	queuePrefix   = "q/"
	eventPrefix   = "e/"
	activeKey     = "s/active"
	sequenceKey   = "m/seq"
	sequenceLease = 64
)

var (
	_ persistence.QueueRepository         = (*Store)(nil)
	_ persistence.ActiveSessionRepository = (*Store)(nil)
)

// Store implements the queue and active session repositories.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Open opens (or creates) a store in dir with synchronous writes.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil).WithSyncWrites(true)
	return open(opts)
}

// OpenInMemory opens a non-persistent store for tests.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	return open(opts)
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}
	seq, err := db.GetSequence([]byte(sequenceKey), sequenceLease)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("badger: sequence: %w", err)
	}
	return &Store{db: db, seq: seq}, nil
}

// Close releases the sequence lease and closes the database.
func (s *Store) Close() error {
	var errs []error
	if s.seq != nil {
		if err := s.seq.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// queueDoc is the JSON form of a queue record.
type queueDoc struct {
	Seq             uint64     `json:"seq"`
	EventID         string     `json:"event_id"`
	SessionID       string     `json:"session_id"`
	Kind            string     `json:"kind"`
	ProductID       string     `json:"product_id"`
	UserID          string     `json:"user_id"`
	BookingID       string     `json:"booking_id,omitempty"`
	OccurredAt      time.Time  `json:"occurred_at"`
	StartTime       time.Time  `json:"start_time"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
	SessionStatus   string     `json:"session_status,omitempty"`
	Status          string     `json:"status"`
	Terminal        bool       `json:"terminal,omitempty"`
	AttemptCount    int        `json:"attempt_count"`
	NextRetryAt     *time.Time `json:"next_retry_at,omitempty"`
	LastAttemptAt   *time.Time `json:"last_attempt_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	LastErrorKind   string     `json:"last_error_kind,omitempty"`
	EnqueuedAt      time.Time  `json:"enqueued_at"`
}

func toDoc(r persistence.QueueRecord) queueDoc {
	return queueDoc(r)
}

func fromDoc(d queueDoc) persistence.QueueRecord {
	return persistence.QueueRecord(d)
}

func queueKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", queuePrefix, seq))
}

func eventKey(eventID string) []byte {
	return []byte(eventPrefix + eventID)
}

// AppendEntry stores a new entry under the next sequence number.
func (s *Store) AppendEntry(ctx context.Context, record persistence.QueueRecord) (persistence.QueueRecord, error) {
	if err := ctx.Err(); err != nil {
		return persistence.QueueRecord{}, err
	}
	if record.EventID == "" {
		return persistence.QueueRecord{}, fmt.Errorf("badger: event id is required")
	}

	next, err := s.seq.Next()
	if err != nil {
		return persistence.QueueRecord{}, fmt.Errorf("badger: next sequence: %w", err)
	}
	// Sequences start at zero; keep zero free so it never names an entry.
	record.Seq = next + 1

	buf, err := json.Marshal(toDoc(record))
	if err != nil {
		return persistence.QueueRecord{}, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(eventKey(record.EventID)); err == nil {
			return persistence.ErrDuplicate
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		seqBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(seqBuf, record.Seq)
		if err := txn.Set(eventKey(record.EventID), seqBuf); err != nil {
			return err
		}
		return txn.Set(queueKey(record.Seq), buf)
	})
	if err != nil {
		return persistence.QueueRecord{}, err
	}
	return record, nil
}

// UpdateEntry rewrites the entry carrying record.EventID, keeping its sequence.
func (s *Store) UpdateEntry(ctx context.Context, record persistence.QueueRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		seq, err := lookupSeq(txn, record.EventID)
		if err != nil {
			return err
		}
		record.Seq = seq
		buf, err := json.Marshal(toDoc(record))
		if err != nil {
			return err
		}
		return txn.Set(queueKey(seq), buf)
	})
}

// DeleteEntry removes the entry and its event index.
func (s *Store) DeleteEntry(ctx context.Context, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		seq, err := lookupSeq(txn, eventID)
		if err != nil {
			return err
		}
		if err := txn.Delete(queueKey(seq)); err != nil {
			return err
		}
		return txn.Delete(eventKey(eventID))
	})
}

// ListEntries returns every entry in sequence order.
func (s *Store) ListEntries(ctx context.Context) ([]persistence.QueueRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var records []persistence.QueueRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(queuePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var doc queueDoc
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &doc)
			}); err != nil {
				return err
			}
			records = append(records, fromDoc(doc))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// CountEntries returns the number of stored entries.
func (s *Store) CountEntries(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(queuePrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func lookupSeq(txn *badger.Txn, eventID string) (uint64, error) {
	item, err := txn.Get(eventKey(eventID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, persistence.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	var seq uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("badger: corrupt index for event %s", eventID)
		}
		seq = binary.BigEndian.Uint64(val)
		return nil
	})
	return seq, err
}

type activeDoc struct {
	SessionID string    `json:"session_id"`
	ProductID string    `json:"product_id"`
	UserID    string    `json:"user_id"`
	BookingID string    `json:"booking_id,omitempty"`
	StartTime time.Time `json:"start_time"`
}

// SaveActiveSession stores or replaces the snapshot.
func (s *Store) SaveActiveSession(ctx context.Context, record persistence.ActiveSessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.SessionID == "" {
		return fmt.Errorf("badger: session id is required")
	}
	buf, err := json.Marshal(activeDoc(record))
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(activeKey), buf)
	})
}

// LoadActiveSession returns the snapshot or persistence.ErrNotFound.
func (s *Store) LoadActiveSession(ctx context.Context) (persistence.ActiveSessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return persistence.ActiveSessionRecord{}, err
	}
	var doc activeDoc
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(activeKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &doc)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return persistence.ActiveSessionRecord{}, persistence.ErrNotFound
	}
	if err != nil {
		return persistence.ActiveSessionRecord{}, err
	}
	return persistence.ActiveSessionRecord(doc), nil
}

// ClearActiveSession removes the snapshot.
func (s *Store) ClearActiveSession(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(activeKey))
	})
}
