package providers

import (
	"context"

	"github.com/brizzai/marketweb/internal/auth/models"
)

// Provider is the identity provider capability the session core depends on
type Provider interface {
	// ObtainProviderToken signs in with the provider and returns the
	// provider-issued identity token
	ObtainProviderToken(ctx context.Context, creds models.Credentials) (string, error)

	// SignOut ends the provider session
	SignOut(ctx context.Context) error

	// SubscribeToAuthChanges streams provider auth state changes until the
	// returned func is called
	SubscribeToAuthChanges() (<-chan models.AuthChange, func())

	// CompletePendingRedirect returns the token of a redirect sign-in that
	// finished but has not been consumed yet. ok is false when nothing is
	// pending.
	CompletePendingRedirect(ctx context.Context) (token string, ok bool, err error)
}

// RedirectProvider is a provider that signs in through a full-page
// navigation to the provider and back
type RedirectProvider interface {
	Provider

	// AuthURL starts a redirect sign-in for state
	AuthURL(state string) string

	// HandleCallback completes the redirect. The resulting token is kept
	// until CompletePendingRedirect consumes it.
	HandleCallback(ctx context.Context, code, state string) error
}
