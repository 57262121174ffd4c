// Package app wires every component of the session core into one fx
// application.
package app

import (
	"context"
	"fmt"

	"github.com/brizzai/marketweb/internal/auth"
	"github.com/brizzai/marketweb/internal/auth/handlers"
	"github.com/brizzai/marketweb/internal/auth/providers"
	"github.com/brizzai/marketweb/internal/backend"
	"github.com/brizzai/marketweb/internal/config"
	"github.com/brizzai/marketweb/internal/crosstab"
	"github.com/brizzai/marketweb/internal/events"
	"github.com/brizzai/marketweb/internal/identity"
	"github.com/brizzai/marketweb/internal/logger"
	"github.com/brizzai/marketweb/internal/metrics"
	"github.com/brizzai/marketweb/internal/proxy"
	"github.com/brizzai/marketweb/internal/server"
	"github.com/brizzai/marketweb/internal/session"
	"github.com/brizzai/marketweb/internal/storage"
	"github.com/brizzai/marketweb/internal/storage/file"
	"github.com/brizzai/marketweb/internal/storage/memory"
	redisstore "github.com/brizzai/marketweb/internal/storage/redis"
	"github.com/brizzai/marketweb/internal/tokenstore"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the whole application. It expects a *config.Config.
var Module = fx.Module("marketweb",
	fx.Provide(
		configParts,
		metrics.New,
		NewStore,
		NewTokenStore,
		NewSessionCache,
		NewProvider,
		identity.NewCache,
		events.NewHub,
		NewController,
		NewAuthHandler,
		auth.NewService,
		proxy.New,
		NewCrossTab,
	),
	backend.Module,
	server.Module,
	fx.Invoke(registerHooks),
)

func configParts(cfg *config.Config) (*config.ServerConfig, *config.BackendConfig, *config.ProxyConfig, *config.StorageConfig) {
	return &cfg.Server, &cfg.Backend, &cfg.Proxy, &cfg.Storage
}

// NewStore opens the storage shared by execution contexts
func NewStore(lc fx.Lifecycle, cfg *config.StorageConfig) (storage.Store, error) {
	origin := cfg.Origin
	if origin == "" {
		origin = uuid.NewString()
	}

	var (
		store storage.Store
		err   error
	)
	switch cfg.Driver {
	case config.StorageMemory, "":
		store = memory.NewBackend().Store(origin)
	case config.StorageFile:
		store, err = file.New(cfg.FilePath, origin)
	case config.StorageRedis:
		store, err = redisstore.New(context.Background(), cfg.RedisURL, cfg.Prefix, origin)
	default:
		err = fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Opened storage", zap.String("driver", string(cfg.Driver)), zap.String("origin", origin))
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return store.Close() },
	})
	return store, nil
}

func NewTokenStore(store storage.Store, cfg *config.Config) *tokenstore.Store {
	return tokenstore.New(store, tokenstore.Config{
		TTL:        cfg.Tokens.TTL,
		Production: cfg.Tokens.Production,
	})
}

func NewSessionCache(tokens *tokenstore.Store, client *backend.Client, cfg *config.Config, m *metrics.Metrics) *session.Cache {
	return session.New(tokens, client, session.Config{
		ProfileTTL: cfg.Session.ProfileTTL,
		AvatarTTL:  cfg.Session.AvatarTTL,
		Metrics:    m,
	})
}

// NewProvider returns the OAuth provider when configured, else a provider
// accepting tokens obtained by the page
func NewProvider(cfg *config.Config) (providers.Provider, error) {
	if cfg.OAuth == nil || !cfg.OAuth.Enabled {
		logger.Info("OAuth disabled, accepting provider tokens from the page")
		return providers.NewPassthroughProvider(), nil
	}
	provider, err := providers.NewOAuthProvider(context.Background(), cfg.OAuth)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize provider %s: %w", cfg.OAuth.Provider, err)
	}
	return provider, nil
}

func NewController(provider providers.Provider, client *backend.Client, tokens *tokenstore.Store, cache *session.Cache, hub *events.Hub, ids *identity.Cache) *auth.Controller {
	return auth.NewController(provider, client, tokens, cache, hub, ids)
}

func NewAuthHandler(ctrl *auth.Controller, cache *session.Cache, tokens *tokenstore.Store, ids *identity.Cache, cfg *config.Config) *handlers.Handler {
	return handlers.NewHandler(ctrl, cache, tokens, ids, cfg.Tokens.Production)
}

func NewCrossTab(store storage.Store, ctrl *auth.Controller, cache *session.Cache) *crosstab.Sync {
	return crosstab.New(store, ctrl, cache)
}

type hookParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Controller *auth.Controller
	CrossTab   *crosstab.Sync
	Cache      *session.Cache
	Hub        *events.Hub
	Server     *server.Server
}

func registerHooks(p hookParams) {
	forwardCtx, cancelForward := context.WithCancel(context.Background())
	updates, unsubscribe := p.Cache.Subscribe()

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go p.Hub.Forward(forwardCtx, updates)
			if err := p.CrossTab.Start(ctx); err != nil {
				return fmt.Errorf("failed to start cross-context sync: %w", err)
			}
			if err := p.Controller.Start(ctx); err != nil {
				return fmt.Errorf("failed to start auth controller: %w", err)
			}
			go func() {
				select {
				case err := <-p.Server.Errors():
					logger.Error("Server stopped unexpectedly", zap.Error(err))
					_ = p.Shutdowner.Shutdown(fx.ExitCode(1))
				case <-forwardCtx.Done():
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			p.Controller.Stop()
			p.CrossTab.Stop()
			cancelForward()
			unsubscribe()
			p.Hub.Close()
			p.Cache.Close()
			return nil
		},
	})
}
