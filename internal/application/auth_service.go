package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// CredentialStore keeps the signed-in user's tokens. Get returns
// ErrNotAuthenticated when nothing is stored.
type CredentialStore interface {
	Get(ctx context.Context) (Credentials, error)
	Set(ctx context.Context, creds Credentials) error
	Clear(ctx context.Context) error
}

// AuthBackend exchanges passwords and refresh tokens for credentials.
type AuthBackend interface {
	Authenticate(ctx context.Context, email, password string) (Credentials, error)
	Refresh(ctx context.Context, refreshToken string) (Credentials, error)
	SignOut(ctx context.Context, accessToken string) error
}

// SessionState reports whether a session is in progress.
type SessionState interface {
	Current() (ActiveSession, bool)
}

// SyncResumer restarts delivery after a successful sign in.
type SyncResumer interface {
	Resume(ctx context.Context) error
}

// AuthService coordinates sign in, token refresh and sign out.
type AuthService struct {
	backend     AuthBackend
	credentials CredentialStore
	sessions    SessionState
	sync        SyncResumer
	now         func() time.Time
	refreshSkew time.Duration
	logger      *slog.Logger

	// refreshMu keeps concurrent 401s from spending the refresh token twice.
	refreshMu sync.Mutex
}

// NewAuthService constructs an AuthService with the provided dependencies.
func NewAuthService(backend AuthBackend, credentials CredentialStore, now func() time.Time, refreshSkew time.Duration) *AuthService {
	return NewAuthServiceWithLogger(backend, credentials, now, refreshSkew, nil)
}

// NewAuthServiceWithLogger constructs an AuthService with a specified logger.
func NewAuthServiceWithLogger(backend AuthBackend, credentials CredentialStore, now func() time.Time, refreshSkew time.Duration, logger *slog.Logger) *AuthService {
	if now == nil {
		now = time.Now
	}
	if refreshSkew < 0 {
		refreshSkew = 0
	}
	return &AuthService{
		backend:     backend,
		credentials: credentials,
		now:         now,
		refreshSkew: refreshSkew,
		logger:      defaultLogger(logger),
	}
}

// Attach connects the services that themselves depend on AuthService.
func (s *AuthService) Attach(sessions SessionState, sync SyncResumer) {
	s.sessions = sessions
	s.sync = sync
}

func (s *AuthService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "AuthService", operation, attrs...)
}

// Login signs in with email and password, stores the credentials and resumes
// delivery that was paused for re-authentication.
func (s *AuthService) Login(ctx context.Context, email, password string) (principal Principal, err error) {
	if s == nil {
		err = fmt.Errorf("AuthService is nil")
		return
	}
	if s.backend == nil || s.credentials == nil {
		err = fmt.Errorf("auth backend not configured")
		return
	}

	email = strings.TrimSpace(strings.ToLower(email))
	logger := s.loggerWith(ctx, "Login", "email", email)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "login failed", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "login succeeded", "user_id", principal.UserID)
	}()

	if email == "" || password == "" {
		err = ErrInvalidCredentials
		return
	}

	var creds Credentials
	creds, err = s.backend.Authenticate(ctx, email, password)
	if err != nil {
		if errors.Is(err, ErrRemotePermanent) || errors.Is(err, ErrAuthExpired) {
			err = fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
		return
	}
	if creds.Email == "" {
		creds.Email = email
	}
	if err = s.credentials.Set(ctx, creds); err != nil {
		return
	}

	if s.sync != nil {
		if resumeErr := s.sync.Resume(ctx); resumeErr != nil {
			logger.WarnContext(ctx, "failed to resume sync after login", "error", resumeErr, "error_kind", ErrorKind(resumeErr))
		}
	}

	principal = Principal{UserID: creds.UserID, Email: creds.Email}
	return
}

// Logout signs out remotely (best effort) and clears stored credentials. It
// is refused while a session is active.
func (s *AuthService) Logout(ctx context.Context) (err error) {
	logger := s.loggerWith(ctx, "Logout")
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "logout failed", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "logged out")
	}()

	if s.sessions != nil {
		if _, active := s.sessions.Current(); active {
			err = ErrSessionActive
			return
		}
	}

	creds, getErr := s.credentials.Get(ctx)
	switch {
	case getErr == nil:
		if s.backend != nil && creds.AccessToken != "" {
			if signOutErr := s.backend.SignOut(ctx, creds.AccessToken); signOutErr != nil {
				logger.WarnContext(ctx, "remote sign out failed", "error", signOutErr, "error_kind", ErrorKind(signOutErr))
			}
		}
	case errors.Is(getErr, ErrNotAuthenticated):
	default:
		logger.WarnContext(ctx, "could not read credentials before clearing", "error", getErr)
	}

	err = s.credentials.Clear(ctx)
	return
}

// Principal returns the signed-in user.
func (s *AuthService) Principal(ctx context.Context) (Principal, error) {
	creds, err := s.credentials.Get(ctx)
	if err != nil {
		return Principal{}, err
	}
	if creds.UserID == "" {
		return Principal{}, ErrNotAuthenticated
	}
	return Principal{UserID: creds.UserID, Email: creds.Email}, nil
}

// AccessToken returns a usable access token, refreshing it when it expires
// within the configured skew. A token that has not yet expired is still
// returned when the refresh fails.
func (s *AuthService) AccessToken(ctx context.Context) (string, error) {
	creds, err := s.credentials.Get(ctx)
	if err != nil {
		return "", err
	}
	if creds.Expiry.IsZero() || s.now().Add(s.refreshSkew).Before(creds.Expiry) {
		return creds.AccessToken, nil
	}

	refreshed, err := s.refresh(ctx, creds)
	if err != nil {
		if s.now().Before(creds.Expiry) {
			s.loggerWith(ctx, "AccessToken").WarnContext(ctx, "token refresh failed, using current token",
				"error", err, "error_kind", ErrorKind(err))
			return creds.AccessToken, nil
		}
		return "", err
	}
	return refreshed.AccessToken, nil
}

// Refresh exchanges the stored refresh token for new credentials.
func (s *AuthService) Refresh(ctx context.Context) error {
	creds, err := s.credentials.Get(ctx)
	if err != nil {
		return err
	}
	_, err = s.refresh(ctx, creds)
	return err
}

func (s *AuthService) refresh(ctx context.Context, stale Credentials) (creds Credentials, err error) {
	logger := s.loggerWith(ctx, "Refresh", "user_id", stale.UserID)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "token refresh failed", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "token refreshed", "expires_at", creds.Expiry)
	}()

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	// Another caller may have refreshed while we waited.
	current, err := s.credentials.Get(ctx)
	if err != nil {
		return Credentials{}, err
	}
	if current.AccessToken != stale.AccessToken && s.now().Add(s.refreshSkew).Before(current.Expiry) {
		return current, nil
	}

	if current.RefreshToken == "" {
		err = fmt.Errorf("%w: no refresh token", ErrAuthExpired)
		return
	}

	creds, err = s.backend.Refresh(ctx, current.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrRemotePermanent) {
			err = fmt.Errorf("%w: %v", ErrAuthExpired, err)
		}
		return
	}
	if creds.UserID == "" {
		creds.UserID = current.UserID
	}
	if creds.Email == "" {
		creds.Email = current.Email
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = current.RefreshToken
	}
	if err = s.credentials.Set(ctx, creds); err != nil {
		return
	}
	return
}
