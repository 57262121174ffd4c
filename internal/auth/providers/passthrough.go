package providers

import (
	"context"
	"fmt"

	"github.com/brizzai/marketweb/internal/auth/models"
)

// PassthroughProvider accepts a token the page already obtained from the
// identity provider's own SDK. It never redirects.
type PassthroughProvider struct {
	changes changes
}

var _ Provider = (*PassthroughProvider)(nil)

func NewPassthroughProvider() *PassthroughProvider {
	return &PassthroughProvider{}
}

func (p *PassthroughProvider) ObtainProviderToken(_ context.Context, creds models.Credentials) (string, error) {
	if creds.ProviderToken == "" {
		return "", fmt.Errorf("provider token is required")
	}
	p.changes.publish(models.AuthChange{Kind: models.SignedIn})
	return creds.ProviderToken, nil
}

func (p *PassthroughProvider) SignOut(context.Context) error {
	p.changes.publish(models.AuthChange{Kind: models.SignedOut})
	return nil
}

func (p *PassthroughProvider) SubscribeToAuthChanges() (<-chan models.AuthChange, func()) {
	return p.changes.subscribe()
}

func (p *PassthroughProvider) CompletePendingRedirect(context.Context) (string, bool, error) {
	return "", false, nil
}
