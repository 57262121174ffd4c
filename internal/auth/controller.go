package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/brizzai/marketweb/internal/apperrors"
	"github.com/brizzai/marketweb/internal/auth/constants"
	authmodels "github.com/brizzai/marketweb/internal/auth/models"
	"github.com/brizzai/marketweb/internal/auth/providers"
	"github.com/brizzai/marketweb/internal/logger"
	"github.com/brizzai/marketweb/internal/models"
	"go.uber.org/zap"
)

// TokenStore is the token persistence the controller drives
type TokenStore interface {
	Set(ctx context.Context, pair models.TokenPair) error
	Get(ctx context.Context) (*models.TokenPair, error)
	UpdateAccessToken(ctx context.Context, token string) error
	Clear(ctx context.Context) error
	IsLoggedIn(ctx context.Context) bool
}

// SessionCache is the shared profile cache
type SessionCache interface {
	Refresh(ctx context.Context, force bool) (models.SessionEntry, error)
	Clear()
}

// Backend is the marketplace API auth surface
type Backend interface {
	Exchange(ctx context.Context, providerToken string) (models.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (string, error)
	Logout(ctx context.Context, pair models.TokenPair) error
}

// Resetter is a per-user cache derived from the session
type Resetter interface {
	Reset()
}

// Reloader tells the page to reload after the session ended
type Reloader interface {
	Reload(reason string)
}

// Controller drives login and logout. It owns the single subscription to
// the identity provider's auth changes.
type Controller struct {
	provider providers.Provider
	backend  Backend
	tokens   TokenStore
	cache    SessionCache
	derived  []Resetter
	reloader Reloader

	startMu sync.Mutex
	started bool
	cancel  func()
	done    chan struct{}

	// set while Logout runs so the provider's own sign-out event is not
	// handled a second time
	loggingOut atomic.Bool
}

func NewController(provider providers.Provider, backend Backend, tokens TokenStore, cache SessionCache, reloader Reloader, derived ...Resetter) *Controller {
	return &Controller{
		provider: provider,
		backend:  backend,
		tokens:   tokens,
		cache:    cache,
		derived:  derived,
		reloader: reloader,
	}
}

// Provider returns the configured identity provider
func (c *Controller) Provider() providers.Provider {
	return c.provider
}

// Login signs in with the identity provider, exchanges the provider token
// for a backend pair and loads the profile
func (c *Controller) Login(ctx context.Context, creds authmodels.Credentials) (models.SessionEntry, error) {
	providerToken, err := c.provider.ObtainProviderToken(ctx, creds)
	if err != nil {
		logger.Warn("Identity provider sign-in failed", zap.Error(err))
		return models.SessionEntry{}, fmt.Errorf("%w: %v", apperrors.ErrAuthExchange, err)
	}
	return c.establish(ctx, providerToken)
}

// CompletePendingRedirect finishes a redirect sign-in. It reports false
// when nothing was pending.
func (c *Controller) CompletePendingRedirect(ctx context.Context) (models.SessionEntry, bool, error) {
	providerToken, ok, err := c.provider.CompletePendingRedirect(ctx)
	if err != nil {
		return models.SessionEntry{}, false, fmt.Errorf("%w: %v", apperrors.ErrAuthExchange, err)
	}
	if !ok {
		return models.SessionEntry{}, false, nil
	}
	entry, err := c.establish(ctx, providerToken)
	return entry, true, err
}

func (c *Controller) establish(ctx context.Context, providerToken string) (models.SessionEntry, error) {
	pair, err := c.backend.Exchange(ctx, providerToken)
	if err != nil {
		logger.Warn("Backend token exchange failed", zap.Error(err))
		return models.SessionEntry{}, fmt.Errorf("%w: %v", apperrors.ErrAuthExchange, err)
	}

	// the previous user's profile and derived state must not leak into the
	// new session; clearing also drops any profile fetch still in flight
	c.cache.Clear()
	c.resetDerived()

	if err := c.tokens.Set(ctx, pair); err != nil {
		logger.Error("Failed to persist token pair", zap.Error(err))
		return models.SessionEntry{}, err
	}

	entry, err := c.cache.Refresh(ctx, true)
	if err != nil {
		return entry, err
	}
	logger.Info("Logged in")
	return entry, nil
}

// Start checks for a pending redirect sign-in once and begins listening
// to provider auth changes
func (c *Controller) Start(ctx context.Context) error {
	c.startMu.Lock()
	if c.started {
		c.startMu.Unlock()
		return apperrors.ErrAlreadyStarted
	}
	c.started = true

	changes, unsubscribe := c.provider.SubscribeToAuthChanges()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.done = done
	c.cancel = func() {
		unsubscribe()
		cancel()
	}
	c.startMu.Unlock()

	go c.run(runCtx, changes, done)

	if _, ok, err := c.CompletePendingRedirect(ctx); err != nil {
		logger.Warn("Failed to complete pending redirect sign-in", zap.Error(err))
	} else if ok {
		logger.Info("Completed pending redirect sign-in")
	}
	return nil
}

// Stop ends the provider subscription
func (c *Controller) Stop() {
	c.startMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.startMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Controller) run(ctx context.Context, changes <-chan authmodels.AuthChange, done chan struct{}) {
	defer close(done)
	for change := range changes {
		switch change.Kind {
		case authmodels.SignedOut:
			if c.loggingOut.Load() {
				continue
			}
			if !c.tokens.IsLoggedIn(ctx) {
				continue
			}
			logger.Info("Identity provider signed out, ending session")
			if err := c.logout(ctx, false, constants.ReloadProviderLogout); err != nil {
				logger.Error("Logout after provider sign-out failed", zap.Error(err))
			}
		case authmodels.SignedIn:
			logger.Debug("Identity provider signed in", zap.String("subject", change.Subject))
		}
	}
}

// Logout ends the session everywhere. Backend and provider sign-out are
// best effort; local state is always cleared.
func (c *Controller) Logout(ctx context.Context) error {
	return c.logout(ctx, true, constants.ReloadLogout)
}

func (c *Controller) logout(ctx context.Context, signOutProvider bool, reason string) error {
	c.loggingOut.Store(true)
	defer c.loggingOut.Store(false)

	pair, err := c.tokens.Get(ctx)
	if err != nil {
		logger.Warn("Failed to read tokens for logout", zap.Error(err))
	}
	if pair != nil {
		if err := c.backend.Logout(ctx, *pair); err != nil {
			logger.Warn("Backend logout failed", zap.Error(err))
		}
	}

	if signOutProvider {
		if err := c.provider.SignOut(ctx); err != nil {
			logger.Warn("Identity provider sign-out failed", zap.Error(err))
		}
	}

	clearErr := c.tokens.Clear(ctx)
	if clearErr != nil {
		logger.Error("Failed to clear tokens", zap.Error(clearErr))
	}

	c.LogoutLocal(ctx, reason)
	return clearErr
}

// LogoutLocal drops the in-process session state after the session ended
// elsewhere. Storage is not touched.
func (c *Controller) LogoutLocal(_ context.Context, reason string) {
	c.cache.Clear()
	c.resetDerived()
	if c.reloader != nil {
		c.reloader.Reload(reason)
	}
	logger.Info("Session ended", zap.String("reason", reason))
}

// RefreshAccessToken trades the refresh token for a new access token.
// A rejected refresh ends the session.
func (c *Controller) RefreshAccessToken(ctx context.Context) error {
	pair, err := c.tokens.Get(ctx)
	if err != nil {
		return err
	}
	if pair == nil {
		return apperrors.ErrSessionExpired
	}

	accessToken, err := c.backend.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		if errors.Is(err, apperrors.ErrUnauthorized) {
			if logoutErr := c.logout(ctx, true, constants.ReloadLogout); logoutErr != nil {
				logger.Error("Logout after rejected refresh failed", zap.Error(logoutErr))
			}
			return apperrors.ErrSessionExpired
		}
		return err
	}

	if err := c.tokens.UpdateAccessToken(ctx, accessToken); err != nil {
		return err
	}
	c.resetDerived()
	return nil
}

func (c *Controller) resetDerived() {
	for _, d := range c.derived {
		d.Reset()
	}
}
