// Package auth turns an identity provider login into game credentials.
package auth

import (
	"context"
	"errors"
	"time"
)

// ErrAuthenticationFailed wraps every failure of the login chain. Callers
// test for it with errors.Is and never show the wrapped detail to users.
var ErrAuthenticationFailed = errors.New("authentication failed")

// Profile is the result of a successful login.
type Profile struct {
	DisplayName  string
	UUID         string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Authenticator is the identity provider boundary. Exchange serves the
// authorization code redirect, Authenticate a provider access token the
// browser already holds, Refresh a stored refresh token.
type Authenticator interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (Profile, error)
	Authenticate(ctx context.Context, providerToken string) (Profile, error)
	Refresh(ctx context.Context, refreshToken string) (Profile, error)
}
