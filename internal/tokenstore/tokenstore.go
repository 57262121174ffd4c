// Package tokenstore persists the backend token pair in the storage shared
// by every execution context.
package tokenstore

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/brizzai/marketweb/internal/apperrors"
	"github.com/brizzai/marketweb/internal/logger"
	"github.com/brizzai/marketweb/internal/models"
	"github.com/brizzai/marketweb/internal/storage"
	"go.uber.org/zap"
)

// Storage keys of the three token fields
const (
	AccessTokenKey  = "mw_access_token"
	RefreshTokenKey = "mw_refresh_token"
	TokenTypeKey    = "mw_token_type"
)

const defaultTTL = 7 * 24 * time.Hour

type Config struct {
	// Validity window of a persisted pair; defaults to 7 days
	TTL time.Duration

	// Production marks the persisted fields secure-only
	Production bool

	// Now is the clock; defaults to time.Now
	Now func() time.Time
}

// Store is the process-wide token store
type Store struct {
	backend storage.Store
	ttl     time.Duration
	secure  bool
	now     func() time.Time
}

func New(backend storage.Store, cfg Config) *Store {
	if cfg.TTL == 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		backend: backend,
		ttl:     cfg.TTL,
		secure:  cfg.Production,
		now:     cfg.Now,
	}
}

func (s *Store) options() storage.SetOptions {
	return storage.SetOptions{
		Expires:  s.now().Add(s.ttl),
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
		Path:     "/",
	}
}

// Set persists the pair as one unit
func (s *Store) Set(ctx context.Context, pair models.TokenPair) error {
	if !pair.Complete() {
		return fmt.Errorf("refusing to store incomplete token pair")
	}
	err := s.backend.SetMany(ctx, map[string]string{
		AccessTokenKey:  pair.AccessToken,
		RefreshTokenKey: pair.RefreshToken,
		TokenTypeKey:    pair.TokenType,
	}, s.options())
	if err != nil {
		return fmt.Errorf("%w: set token pair: %v", apperrors.ErrStorage, err)
	}
	return nil
}

// Get returns the pair, or nil when any field is missing
func (s *Store) Get(ctx context.Context) (*models.TokenPair, error) {
	var pair models.TokenPair
	fields := []struct {
		key string
		dst *string
	}{
		{AccessTokenKey, &pair.AccessToken},
		{RefreshTokenKey, &pair.RefreshToken},
		{TokenTypeKey, &pair.TokenType},
	}
	for _, f := range fields {
		v, ok, err := s.backend.Get(ctx, f.key)
		if err != nil {
			return nil, fmt.Errorf("%w: get %s: %v", apperrors.ErrStorage, f.key, err)
		}
		if !ok || v == "" {
			return nil, nil
		}
		*f.dst = v
	}
	return &pair, nil
}

// UpdateAccessToken replaces only the access field after a refresh exchange
func (s *Store) UpdateAccessToken(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("refusing to store empty access token")
	}
	if err := storage.Set(ctx, s.backend, AccessTokenKey, token, s.options()); err != nil {
		return fmt.Errorf("%w: update access token: %v", apperrors.ErrStorage, err)
	}
	return nil
}

// Clear removes all three fields
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Delete(ctx, AccessTokenKey, RefreshTokenKey, TokenTypeKey); err != nil {
		return fmt.Errorf("%w: clear: %v", apperrors.ErrStorage, err)
	}
	return nil
}

// IsLoggedIn reports whether a complete pair is stored. A storage failure
// counts as logged out.
func (s *Store) IsLoggedIn(ctx context.Context) bool {
	pair, err := s.Get(ctx)
	if err != nil {
		logger.Warn("Token storage read failed, treating as logged out", zap.Error(err))
		return false
	}
	return pair != nil
}

// Cookies renders pair with the attributes used for persistence, for
// surfaces that hand the pair to a browser
func (s *Store) Cookies(pair models.TokenPair) []*http.Cookie {
	opts := s.options()
	build := func(name, value string) *http.Cookie {
		return &http.Cookie{
			Name:     name,
			Value:    value,
			Path:     opts.Path,
			Expires:  opts.Expires,
			MaxAge:   int(s.ttl.Seconds()),
			Secure:   opts.Secure,
			SameSite: opts.SameSite,
		}
	}
	return []*http.Cookie{
		build(AccessTokenKey, pair.AccessToken),
		build(RefreshTokenKey, pair.RefreshToken),
		build(TokenTypeKey, pair.TokenType),
	}
}

// ExpiredCookies returns cookies deleting the three fields
func (s *Store) ExpiredCookies() []*http.Cookie {
	var out []*http.Cookie
	for _, name := range []string{AccessTokenKey, RefreshTokenKey, TokenTypeKey} {
		out = append(out, &http.Cookie{
			Name:     name,
			Path:     "/",
			MaxAge:   -1,
			Secure:   s.secure,
			SameSite: http.SameSiteStrictMode,
		})
	}
	return out
}
