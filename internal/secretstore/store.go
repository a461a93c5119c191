// Package secretstore keeps the signed-in user's tokens in the OS keychain,
// an encrypted file, or process memory.
package secretstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoCredentials is returned by Get when nothing is stored.
	ErrNoCredentials = errors.New("secretstore: no stored credentials")
	// ErrUnavailable wraps failures of the underlying backend.
	ErrUnavailable = errors.New("secretstore: backend unavailable")
)

// Credentials is the stored token set.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
}

// Store persists one set of credentials.
type Store interface {
	Get(ctx context.Context) (Credentials, error)
	Set(ctx context.Context, creds Credentials) error
	Clear(ctx context.Context) error
	// Name identifies the backend in logs.
	Name() string
}
