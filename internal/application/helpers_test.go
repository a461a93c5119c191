package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var referenceTime = time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu      sync.Mutex
	current time.Time
}

func newTestClock() *testClock {
	return &testClock{current: referenceTime}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	return c.current
}

type sequenceIDs struct {
	mu      sync.Mutex
	prefix  string
	counter int
}

func (g *sequenceIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("%s-%d", g.prefix, g.counter)
}

// memoryQueueStore is a QueueStore stub that can be told to fail.
type memoryQueueStore struct {
	mu        sync.Mutex
	seq       uint64
	entries   []QueueEntry
	appendErr error
	updateErr error
	deleteErr error
	updates   int
}

func (s *memoryQueueStore) AppendEntry(ctx context.Context, entry QueueEntry) (QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return QueueEntry{}, s.appendErr
	}
	for _, existing := range s.entries {
		if existing.Event.EventID == entry.Event.EventID {
			return QueueEntry{}, ErrDuplicateEvent
		}
	}
	s.seq++
	entry.Seq = s.seq
	s.entries = append(s.entries, cloneEntry(entry))
	return entry, nil
}

func (s *memoryQueueStore) UpdateEntry(ctx context.Context, entry QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	for i := range s.entries {
		if s.entries[i].Event.EventID == entry.Event.EventID {
			entry.Seq = s.entries[i].Seq
			s.entries[i] = cloneEntry(entry)
			s.updates++
			return nil
		}
	}
	return ErrNotFound
}

func (s *memoryQueueStore) DeleteEntry(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	for i := range s.entries {
		if s.entries[i].Event.EventID == eventID {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *memoryQueueStore) ListEntries(ctx context.Context) ([]QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QueueEntry, len(s.entries))
	for i, entry := range s.entries {
		out[i] = cloneEntry(entry)
	}
	return out, nil
}

func (s *memoryQueueStore) stored(eventID string) (QueueEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		if entry.Event.EventID == eventID {
			return cloneEntry(entry), true
		}
	}
	return QueueEntry{}, false
}

type memorySessionStore struct {
	mu       sync.Mutex
	session  *ActiveSession
	saveErr  error
	clearErr error
}

func (s *memorySessionStore) SaveActiveSession(ctx context.Context, session ActiveSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.session = &session
	return nil
}

func (s *memorySessionStore) LoadActiveSession(ctx context.Context) (ActiveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return ActiveSession{}, ErrNotFound
	}
	return *s.session, nil
}

func (s *memorySessionStore) ClearActiveSession(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clearErr != nil {
		return s.clearErr
	}
	s.session = nil
	return nil
}

type staticPrincipal struct {
	principal Principal
	err       error
}

func (p staticPrincipal) Principal(ctx context.Context) (Principal, error) {
	return p.principal, p.err
}

// fakeRemote is a SessionRecordWriter that keeps records by id and applies
// the same conflict rules as the backend.
type fakeRemote struct {
	mu       sync.Mutex
	records  map[string]SessionRecord
	seenKeys map[string]int
	calls    []UpsertRequest
	// failures are returned, in order, before any write succeeds.
	failures []error
	offline  bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{records: make(map[string]SessionRecord), seenKeys: make(map[string]int)}
}

var errOffline = fmt.Errorf("%w: dial tcp: connection refused", ErrRemoteTransient)

func (r *fakeRemote) UpsertSessionRecord(ctx context.Context, req UpsertRequest) (SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	if r.offline {
		return SessionRecord{}, errOffline
	}
	if len(r.failures) > 0 {
		err := r.failures[0]
		r.failures = r.failures[1:]
		if err != nil {
			return SessionRecord{}, err
		}
	}
	r.seenKeys[req.IdempotencyKey]++
	existing, ok := r.records[req.Record.ID]
	if ok && !req.Merge {
		return existing, nil
	}
	r.records[req.Record.ID] = req.Record
	return req.Record, nil
}

func (r *fakeRemote) setOffline(offline bool) {
	r.mu.Lock()
	r.offline = offline
	r.mu.Unlock()
}

func (r *fakeRemote) record(id string) (SessionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

func (r *fakeRemote) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type refresherStub struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (r *refresherStub) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

type testPipeline struct {
	clock    *testClock
	ids      *sequenceIDs
	store    *memoryQueueStore
	sessions *memorySessionStore
	queue    *EventQueue
	notices  *NoticeBoard
	remote   *fakeRemote
	engine   *SyncEngine
	machine  *SessionMachine
}

type pipelineOption func(*SyncEngineConfig, *SessionMachineConfig)

func withRefresher(refresher TokenRefresher) pipelineOption {
	return func(engine *SyncEngineConfig, _ *SessionMachineConfig) {
		engine.Auth = refresher
	}
}

func withNotifyAfter(attempts int) pipelineOption {
	return func(engine *SyncEngineConfig, _ *SessionMachineConfig) {
		engine.NotifyAfter = attempts
	}
}

func newTestPipeline(capacity int, opts ...pipelineOption) *testPipeline {
	clock := newTestClock()
	ids := &sequenceIDs{prefix: "id"}
	store := &memoryQueueStore{}
	queue := NewEventQueue(store, capacity, clock.Now)
	if err := queue.Open(context.Background()); err != nil {
		panic(err)
	}
	notices := NewNoticeBoard((&sequenceIDs{prefix: "notice"}).Next, clock.Now)
	remote := newFakeRemote()

	engineCfg := SyncEngineConfig{
		Queue:       queue,
		Remote:      remote,
		Notices:     notices,
		Backoff:     BackoffPolicy{Base: time.Second, Max: time.Minute},
		Concurrency: 2,
		NotifyAfter: 5,
		Now:         clock.Now,
	}
	sessions := &memorySessionStore{}
	machineCfg := SessionMachineConfig{
		Queue:       queue,
		Store:       sessions,
		Principals:  staticPrincipal{principal: Principal{UserID: "user-1", Email: "user@example.com"}},
		IDGenerator: ids.Next,
		Now:         clock.Now,
	}
	for _, opt := range opts {
		opt(&engineCfg, &machineCfg)
	}

	return &testPipeline{
		clock:    clock,
		ids:      ids,
		store:    store,
		sessions: sessions,
		queue:    queue,
		notices:  notices,
		remote:   remote,
		engine:   NewSyncEngine(engineCfg),
		machine:  NewSessionMachine(machineCfg),
	}
}

func newEvent(id, sessionID string, kind EventKind) SessionEvent {
	return SessionEvent{
		EventID:   id,
		SessionID: sessionID,
		Kind:      kind,
		ProductID: "prod-1",
		UserID:    "user-1",
		Timestamp: referenceTime,
		StartTime: referenceTime,
	}
}

var errDisk = errors.New("disk I/O error")
