package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CredentialClaims are the claims the client reads from an access token.
// The signature is verified by the backend, never by the client.
type CredentialClaims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// Credential is a parsed access token.
type Credential struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// ParseCredential reads the user id and expiry of token without verifying
// its signature. The user id comes from the userId claim, falling back to sub.
// A malformed or expired token wraps ErrUnauthorized.
func ParseCredential(token string, now time.Time) (Credential, error) {
	claims := &CredentialClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Credential{}, fmt.Errorf("%w: parse token: %v", ErrUnauthorized, err)
	}
	cred := Credential{Token: token, UserID: claims.UserID}
	if cred.UserID == "" {
		cred.UserID = claims.Subject
	}
	if cred.UserID == "" {
		return Credential{}, fmt.Errorf("%w: token has no user id", ErrUnauthorized)
	}
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
		if !now.Before(cred.ExpiresAt) {
			return Credential{}, fmt.Errorf("%w: token expired at %s", ErrUnauthorized,
				cred.ExpiresAt.Format(time.RFC3339))
		}
	}
	return cred, nil
}

// Expired reports whether the credential has expired at now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// IsUnauthorized reports whether err is an authentication fault.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
