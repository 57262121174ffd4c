// Package crosstab keeps this execution context in step with logins and
// logouts performed by other contexts sharing the same storage.
package crosstab

import (
	"context"
	"sync"

	"github.com/brizzai/marketweb/internal/apperrors"
	"github.com/brizzai/marketweb/internal/auth/constants"
	"github.com/brizzai/marketweb/internal/logger"
	"github.com/brizzai/marketweb/internal/models"
	"github.com/brizzai/marketweb/internal/storage"
	"github.com/brizzai/marketweb/internal/tokenstore"
	"go.uber.org/zap"
)

// LocalLogout drops in-process session state
type LocalLogout interface {
	LogoutLocal(ctx context.Context, reason string)
}

// Refresher reloads the shared session entry
type Refresher interface {
	Refresh(ctx context.Context, force bool) (models.SessionEntry, error)
	FetchedWith(accessToken string) bool
}

// Sync watches the access token key. Removal by another context ends the
// local session. A login by another context reloads the profile, and so
// does a replaced token the cached profile was not loaded with. Mutations
// made by this context are ignored.
type Sync struct {
	store   storage.Store
	auth    LocalLogout
	session Refresher

	mu      sync.Mutex
	started bool
	cancel  func()
	done    chan struct{}
}

func New(store storage.Store, auth LocalLogout, session Refresher) *Sync {
	return &Sync{store: store, auth: auth, session: session}
}

// Start subscribes to storage mutations. It can be called once.
func (s *Sync) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return apperrors.ErrAlreadyStarted
	}

	mutations, unsubscribe, err := s.store.Subscribe(ctx)
	if err != nil {
		return err
	}
	s.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.done = done
	s.cancel = func() {
		unsubscribe()
		cancel()
	}

	go s.run(runCtx, mutations, done)
	return nil
}

// Stop ends the subscription and waits for the handler to return
func (s *Sync) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sync) run(ctx context.Context, mutations <-chan models.Mutation, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-mutations:
			if !ok {
				return
			}
			s.handle(ctx, m)
		}
	}
}

func (s *Sync) handle(ctx context.Context, m models.Mutation) {
	if m.Key != tokenstore.AccessTokenKey || m.Origin == s.store.Origin() {
		return
	}

	switch {
	case m.OldValue != "" && m.NewValue == "":
		logger.Info("Logged out in another context", zap.String("origin", m.Origin))
		s.auth.LogoutLocal(ctx, constants.ReloadRemoteLogout)
	case m.OldValue == "" && m.NewValue != "":
		logger.Debug("Logged in in another context", zap.String("origin", m.Origin))
		s.reload(ctx)
	case m.NewValue != "" && !s.session.FetchedWith(m.NewValue):
		// possibly a different user signed in over the existing session
		logger.Debug("Access token replaced in another context", zap.String("origin", m.Origin))
		s.reload(ctx)
	}
}

func (s *Sync) reload(ctx context.Context) {
	if _, err := s.session.Refresh(ctx, true); err != nil {
		logger.Warn("Failed to reload session changed in another context", zap.Error(err))
	}
}
