package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brizzai/marketweb/internal/auth/constants"
	"github.com/brizzai/marketweb/internal/auth/models"
	"github.com/brizzai/marketweb/internal/config"
	"github.com/brizzai/marketweb/internal/logger"
	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
)

const (
	googleIssuer = "https://accounts.google.com"
	stateTTL     = 10 * time.Minute
)

var githubScopes = []string{"read:user", "user:email"}

type redirectState struct {
	verifier  string
	createdAt time.Time
}

type providerToken struct {
	raw     string
	subject string
}

// OAuthProvider signs in against an OAuth2 / OpenID Connect provider.
// The provider token handed to the backend is the ID token when the
// provider issues one, else the access token.
type OAuthProvider struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	now          func() time.Time
	changes      changes

	mu      sync.Mutex
	states  map[string]redirectState
	pending *providerToken
	current *providerToken
}

var _ RedirectProvider = (*OAuthProvider)(nil)

func NewOAuthProvider(ctx context.Context, cfg *config.OAuthConfig) (*OAuthProvider, error) {
	oauth2Cfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
	}

	var verifier *oidc.IDTokenVerifier
	switch cfg.Provider {
	case constants.ProviderGoogle, "":
		provider, err := oidc.NewProvider(ctx, googleIssuer)
		if err != nil {
			return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
		}
		oauth2Cfg.Endpoint = google.Endpoint
		verifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	case constants.ProviderGitHub:
		oauth2Cfg.Endpoint = github.Endpoint
		if len(oauth2Cfg.Scopes) == 0 {
			oauth2Cfg.Scopes = githubScopes
		}
	case constants.ProviderOIDC:
		if cfg.IssuerURL != "" {
			provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
			if err != nil {
				return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
			}
			oauth2Cfg.Endpoint = provider.Endpoint()
			verifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
		} else {
			oauth2Cfg.Endpoint = oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL}
		}
	default:
		return nil, fmt.Errorf("unsupported OAuth provider: %s", cfg.Provider)
	}

	if len(oauth2Cfg.Scopes) == 0 {
		oauth2Cfg.Scopes = constants.DefaultScopes
	}
	return newOAuthProvider(oauth2Cfg, verifier), nil
}

func newOAuthProvider(cfg *oauth2.Config, verifier *oidc.IDTokenVerifier) *OAuthProvider {
	return &OAuthProvider{
		oauth2Config: cfg,
		verifier:     verifier,
		now:          time.Now,
		states:       make(map[string]redirectState),
	}
}

// ObtainProviderToken uses the password grant, or verifies a token the page
// obtained on its own
func (p *OAuthProvider) ObtainProviderToken(ctx context.Context, creds models.Credentials) (string, error) {
	var tok *providerToken
	switch {
	case creds.ProviderToken != "":
		subject, err := p.verify(ctx, creds.ProviderToken)
		if err != nil {
			return "", err
		}
		tok = &providerToken{raw: creds.ProviderToken, subject: subject}
	case creds.Username != "":
		oauthToken, err := p.oauth2Config.PasswordCredentialsToken(ctx, creds.Username, creds.Password)
		if err != nil {
			return "", fmt.Errorf("password grant failed: %w", err)
		}
		if tok, err = p.fromOAuthToken(ctx, oauthToken); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("credentials are required")
	}

	p.mu.Lock()
	p.current = tok
	p.mu.Unlock()

	p.changes.publish(models.AuthChange{Kind: models.SignedIn, Subject: tok.subject})
	return tok.raw, nil
}

// AuthURL returns the provider authorization URL for a PKCE redirect sign-in
func (p *OAuthProvider) AuthURL(state string) string {
	verifier := oauth2.GenerateVerifier()

	p.mu.Lock()
	now := p.now()
	for s, rs := range p.states {
		if now.Sub(rs.createdAt) > stateTTL {
			delete(p.states, s)
		}
	}
	p.states[state] = redirectState{verifier: verifier, createdAt: now}
	p.mu.Unlock()

	return p.oauth2Config.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// HandleCallback exchanges the authorization code of a redirect started by AuthURL
func (p *OAuthProvider) HandleCallback(ctx context.Context, code, state string) error {
	p.mu.Lock()
	rs, ok := p.states[state]
	delete(p.states, state)
	p.mu.Unlock()

	if !ok || p.now().Sub(rs.createdAt) > stateTTL {
		return fmt.Errorf("unknown or expired state")
	}

	oauthToken, err := p.oauth2Config.Exchange(ctx, code, oauth2.VerifierOption(rs.verifier))
	if err != nil {
		return fmt.Errorf("failed to exchange code: %w", err)
	}
	tok, err := p.fromOAuthToken(ctx, oauthToken)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.pending = tok
	p.current = tok
	p.mu.Unlock()

	p.changes.publish(models.AuthChange{Kind: models.SignedIn, Subject: tok.subject})
	return nil
}

// CompletePendingRedirect hands out the token of the last finished redirect once
func (p *OAuthProvider) CompletePendingRedirect(context.Context) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending == nil {
		return "", false, nil
	}
	raw := p.pending.raw
	p.pending = nil
	return raw, true, nil
}

// SignOut forgets the provider session. Provider-side revocation is not
// part of the OAuth2 core protocol, so it stays local.
func (p *OAuthProvider) SignOut(context.Context) error {
	p.mu.Lock()
	subject := ""
	if p.current != nil {
		subject = p.current.subject
	}
	p.current = nil
	p.pending = nil
	p.mu.Unlock()

	p.changes.publish(models.AuthChange{Kind: models.SignedOut, Subject: subject})
	return nil
}

func (p *OAuthProvider) SubscribeToAuthChanges() (<-chan models.AuthChange, func()) {
	return p.changes.subscribe()
}

func (p *OAuthProvider) fromOAuthToken(ctx context.Context, token *oauth2.Token) (*providerToken, error) {
	if rawIDToken, ok := token.Extra("id_token").(string); ok && rawIDToken != "" {
		subject, err := p.verify(ctx, rawIDToken)
		if err != nil {
			return nil, err
		}
		return &providerToken{raw: rawIDToken, subject: subject}, nil
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("no token in provider response")
	}
	return &providerToken{raw: token.AccessToken}, nil
}

// verify checks an ID token when the provider publishes signing keys and
// returns its subject
func (p *OAuthProvider) verify(ctx context.Context, rawIDToken string) (string, error) {
	if p.verifier == nil {
		return "", nil
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		logger.Warn("Rejected provider ID token", zap.Error(err))
		return "", fmt.Errorf("failed to verify ID token: %w", err)
	}
	return idToken.Subject, nil
}
