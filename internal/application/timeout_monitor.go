package application

import (
	"context"
	"log/slog"
	"time"
)

// TimeoutMonitor closes sessions that outlive the maximum duration and emits
// heartbeats for the active session.
type TimeoutMonitor struct {
	sessions          *SessionMachine
	maxDuration       time.Duration
	checkInterval     time.Duration
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

// NewTimeoutMonitor constructs a TimeoutMonitor. A zero heartbeatInterval
// disables heartbeats.
func NewTimeoutMonitor(sessions *SessionMachine, maxDuration, checkInterval, heartbeatInterval time.Duration) *TimeoutMonitor {
	return NewTimeoutMonitorWithLogger(sessions, maxDuration, checkInterval, heartbeatInterval, nil)
}

// NewTimeoutMonitorWithLogger constructs a TimeoutMonitor with a specified logger.
func NewTimeoutMonitorWithLogger(sessions *SessionMachine, maxDuration, checkInterval, heartbeatInterval time.Duration, logger *slog.Logger) *TimeoutMonitor {
	if checkInterval <= 0 {
		checkInterval = 15 * time.Second
	}
	return &TimeoutMonitor{
		sessions:          sessions,
		maxDuration:       maxDuration,
		checkInterval:     checkInterval,
		heartbeatInterval: heartbeatInterval,
		logger:            defaultLogger(logger),
	}
}

// Check times out the active session if it is due.
func (t *TimeoutMonitor) Check(ctx context.Context) (StopResult, error) {
	result, err := t.sessions.ForceTimeout(ctx, t.maxDuration)
	if err == nil && !result.Noop {
		serviceLogger(ctx, t.logger, "TimeoutMonitor", "Check",
			"session_id", result.Session.SessionID,
		).WarnContext(ctx, "session timed out", "duration_seconds", result.DurationSeconds)
	}
	return result, err
}

// Run checks on every interval tick until ctx is cancelled.
func (t *TimeoutMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.checkInterval)
	defer ticker.Stop()

	var heartbeats <-chan time.Time
	if t.heartbeatInterval > 0 {
		hb := time.NewTicker(t.heartbeatInterval)
		defer hb.Stop()
		heartbeats = hb.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// Errors are logged by the session machine.
			_, _ = t.Check(ctx)
		case <-heartbeats:
			if err := t.sessions.Heartbeat(ctx); err != nil {
				serviceLogger(ctx, t.logger, "TimeoutMonitor", "Heartbeat").
					WarnContext(ctx, "heartbeat not recorded", "error", err, "error_kind", ErrorKind(err))
			}
		}
	}
}
