package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failed call for retry purposes.
type Kind string

const (
	// KindTransient failures may succeed when retried later.
	KindTransient Kind = "transient"
	// KindPermanent failures are rejected by the backend and will not succeed
	// on retry.
	KindPermanent Kind = "permanent"
	// KindAuthExpired means the access token was rejected.
	KindAuthExpired Kind = "auth_expired"
)

// Error describes a failed backend call.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("remote: %s: %s (status %d): %s", e.Op, e.Kind, e.Status, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("remote: %s: %s (status %d)", e.Op, e.Kind, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("remote: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("remote: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf reports the Kind of err, or "" when err is not a remote error.
func KindOf(err error) Kind {
	var rErr *Error
	if errors.As(err, &rErr) {
		return rErr.Kind
	}
	return ""
}

// IsConflict reports whether err is a 409 from the backend.
func IsConflict(err error) bool {
	var rErr *Error
	return errors.As(err, &rErr) && rErr.Status == http.StatusConflict
}

// statusKind maps an HTTP status to a Kind. On the token endpoints a 400 or
// 401 means the submitted credentials were refused, not that a session
// expired.
func statusKind(status int, tokenEndpoint bool) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if tokenEndpoint {
			return KindPermanent
		}
		return KindAuthExpired
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return KindTransient
	}
	return KindPermanent
}
