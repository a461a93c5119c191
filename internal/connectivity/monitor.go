// Package connectivity tracks whether the backend is reachable and notifies
// listeners when it comes back.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is the last observed reachability of the backend.
type State string

const (
	StateUnknown State = "unknown"
	StateOnline  State = "online"
	StateOffline State = "offline"
)

// Pinger checks that the backend answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status is a snapshot of the monitor.
type Status struct {
	State     State
	Since     time.Time
	LastError string
}

// Config configures a Monitor.
type Config struct {
	Pinger   Pinger
	Interval time.Duration
	// Timeout bounds each probe. Defaults to Interval.
	Timeout time.Duration
	Now     func() time.Time
	Logger  *slog.Logger
}

// Monitor probes the backend on an interval and also accepts reports from
// callers that talk to it. Listeners run on the offline to online edge.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	since    time.Time
	lastErr  string
	onOnline []func()
	onChange []func(State)
}

// NewMonitor constructs a Monitor in StateUnknown.
func NewMonitor(cfg Config) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = interval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		pinger:   cfg.Pinger,
		interval: interval,
		timeout:  timeout,
		now:      now,
		logger:   logger.With("component", "connectivity"),
		state:    StateUnknown,
		since:    now(),
	}
}

// OnOnline registers fn to run whenever the backend becomes reachable after
// being unreachable or unknown.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	m.onOnline = append(m.onOnline, fn)
	m.mu.Unlock()
}

// OnChange registers fn to run on every state change.
func (m *Monitor) OnChange(fn func(State)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// Status returns the current snapshot.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{State: m.state, Since: m.since, LastError: m.lastErr}
}

// Online reports whether the last observation succeeded.
func (m *Monitor) Online() bool {
	return m.Status().State == StateOnline
}

// ReportSuccess records a successful backend call.
func (m *Monitor) ReportSuccess() {
	m.transition(StateOnline, "")
}

// ReportFailure records a failed backend call.
func (m *Monitor) ReportFailure(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	m.transition(StateOffline, msg)
}

// Probe pings the backend once and records the outcome.
func (m *Monitor) Probe(ctx context.Context) error {
	if m.pinger == nil {
		return nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.pinger.Ping(probeCtx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		m.ReportFailure(err)
		return err
	}
	m.ReportSuccess()
	return nil
}

// Run probes immediately and then on every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	_ = m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = m.Probe(ctx)
		}
	}
}

func (m *Monitor) transition(next State, lastErr string) {
	m.mu.Lock()
	prev := m.state
	m.lastErr = lastErr
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.since = m.now()
	changeListeners := append([]func(State){}, m.onChange...)
	var onlineListeners []func()
	if next == StateOnline {
		onlineListeners = append(onlineListeners, m.onOnline...)
	}
	m.mu.Unlock()

	if next == StateOnline {
		m.logger.Info("backend reachable", "previous", string(prev))
	} else {
		m.logger.Warn("backend unreachable", "previous", string(prev), "error", lastErr)
	}
	for _, fn := range changeListeners {
		fn(next)
	}
	for _, fn := range onlineListeners {
		fn()
	}
}
