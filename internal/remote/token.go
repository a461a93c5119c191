package remote

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims reads the expiry and subject from an access token without
// verifying its signature. The backend is the only party that verifies it.
func tokenClaims(accessToken string) (expiresAt time.Time, subject string, ok bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &claims); err != nil {
		return time.Time{}, "", false
	}
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return expiresAt, claims.Subject, true
}

func (r tokenResponse) credentials(now time.Time) Credentials {
	creds := Credentials{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		UserID:       r.User.ID,
		Email:        r.User.Email,
	}
	expiry, subject, ok := tokenClaims(r.AccessToken)
	switch {
	case r.ExpiresAt > 0:
		creds.ExpiresAt = time.Unix(r.ExpiresAt, 0).UTC()
	case ok && !expiry.IsZero():
		creds.ExpiresAt = expiry.UTC()
	case r.ExpiresIn > 0:
		creds.ExpiresAt = now.Add(time.Duration(r.ExpiresIn) * time.Second).UTC()
	}
	if creds.UserID == "" && ok {
		creds.UserID = subject
	}
	return creds
}
