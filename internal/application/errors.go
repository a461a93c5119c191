package application

import "errors"

var (
	// ErrNotFound is returned when the requested resource does not exist.
	ErrNotFound = errors.New("application: not found")
	// ErrRemoteTransient marks a remote failure that is worth retrying.
	ErrRemoteTransient = errors.New("application: remote temporarily unavailable")
	// ErrRemotePermanent marks a request the remote rejected for good.
	ErrRemotePermanent = errors.New("application: remote rejected request")
	// ErrAuthExpired is returned when the remote no longer accepts the stored credentials.
	ErrAuthExpired = errors.New("application: authentication expired")
	// ErrLocalStorage is returned when the queue store or secret store cannot be used.
	ErrLocalStorage = errors.New("application: local storage unavailable")
	// ErrSessionActive is returned when an operation requires no session in progress.
	ErrSessionActive = errors.New("application: session already active")
	// ErrQueueFull is returned when the event queue is at capacity.
	ErrQueueFull = errors.New("application: event queue full")
	// ErrDuplicateEvent is returned when an event id is already queued.
	ErrDuplicateEvent = errors.New("application: duplicate event")
	// ErrNotAuthenticated is returned when no user is signed in.
	ErrNotAuthenticated = errors.New("application: not authenticated")
	// ErrInvalidCredentials is returned when login details are rejected.
	ErrInvalidCredentials = errors.New("application: invalid credentials")
	// ErrEntryNotTerminal is returned when requeueing or discarding an entry that is still being retried.
	ErrEntryNotTerminal = errors.New("application: entry is not terminal")
	// ErrEngineStopped is returned by the sync engine after Shutdown.
	ErrEngineStopped = errors.New("application: sync engine stopped")
)

// ValidationError captures field level validation issues that callers can surface to users.
type ValidationError struct {
	FieldErrors map[string]string
}

// Error implements the error interface.
func (v *ValidationError) Error() string {
	if v == nil {
		return ""
	}
	return "validation failed"
}

// HasErrors reports whether any field level issues were recorded.
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

// add records a field level validation error.
func (v *ValidationError) add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}

// FailureKindOf classifies a delivery error. Anything not recognised as
// permanent or an auth failure is treated as transient.
func FailureKindOf(err error) FailureKind {
	switch {
	case errors.Is(err, ErrAuthExpired), errors.Is(err, ErrNotAuthenticated):
		return FailureAuth
	case errors.Is(err, ErrRemotePermanent):
		return FailurePermanent
	}
	return FailureTransient
}
