// Package auth defines the identity contract storage backends depend on.
// Implementations are constructed once at startup and injected into the
// components that need them; there is no package-level instance.
package auth

import (
	"context"
	"errors"
)

// ErrSignedOut is returned by AccessToken when no user session exists.
var ErrSignedOut = errors.New("auth: not signed in")

// User is the identity handed to storage backends. ID scopes every
// backend namespace; different provider implementations never share an
// id space, so switching providers is a new identity, not a merge.
type User struct {
	ID          string
	DisplayName string
	Email       string
}

// Provider supplies identity and bearer credentials.
type Provider interface {
	// SignIn establishes a session and returns the user.
	SignIn(ctx context.Context) (*User, error)

	// SignOut ends the session. Listeners observe a nil user.
	SignOut(ctx context.Context) error

	// CurrentUser returns the signed-in user, if any. Never blocks.
	CurrentUser() (*User, bool)

	// OnAuthStateChanged registers fn and invokes it immediately with
	// the current user (nil when signed out), then on every transition.
	OnAuthStateChanged(fn func(*User)) (unsubscribe func())

	// IsSignedIn reports whether a session exists.
	IsSignedIn() bool

	// AccessToken returns a bearer credential for backend calls,
	// refreshing it first when it is stale. ErrSignedOut without a
	// session.
	AccessToken(ctx context.Context) (string, error)

	// RefreshToken discards any cached token and obtains a new one.
	// Storage backends call it once after an auth rejection before
	// surfacing the failure.
	RefreshToken(ctx context.Context) (string, error)
}
