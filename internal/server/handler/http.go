// Package handler assembles the HTTP routes of the front-end server.
package handler

import (
	"net/http"

	"github.com/brizzai/marketweb/internal/auth"
	"github.com/brizzai/marketweb/internal/events"
	"github.com/brizzai/marketweb/internal/logger"
	"github.com/brizzai/marketweb/internal/metrics"
	"github.com/brizzai/marketweb/internal/proxy"
	"github.com/brizzai/marketweb/internal/server/middleware"
	"github.com/brizzai/marketweb/internal/utils"
	"github.com/go-chi/chi/v5"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Handler manages HTTP request handling and middleware configuration.
type Handler struct {
	auth    *auth.Service
	proxy   *proxy.Proxy
	events  *events.Hub
	metrics *metrics.Metrics
}

type Params struct {
	fx.In

	Auth    *auth.Service
	Proxy   *proxy.Proxy
	Events  *events.Hub
	Metrics *metrics.Metrics `optional:"true"`
}

// NewHandler creates a new HTTP handler.
func NewHandler(params Params) *Handler {
	return &Handler{
		auth:    params.Auth,
		proxy:   params.Proxy,
		events:  params.Events,
		metrics: params.Metrics,
	}
}

// CreateHTTPHandler creates the router with the middleware stack
func (h *Handler) CreateHTTPHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover, middleware.Logging)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.WriteJSON(w, map[string]string{"status": "ok"})
	})
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}
	r.Method(http.MethodGet, "/events", h.events)

	h.auth.RegisterRoutes(r)
	r.Mount(h.proxy.MountPath(), h.proxy)

	logger.Info("Registered routes", zap.String("proxy_mount", h.proxy.MountPath()))
	return r
}
