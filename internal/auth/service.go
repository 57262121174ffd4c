package auth

import (
	"github.com/brizzai/marketweb/internal/auth/handlers"
	"github.com/go-chi/chi/v5"
)

// Service exposes the session and auth endpoints
type Service struct {
	controller *Controller
	handler    *handlers.Handler
}

// NewService creates a new auth service
func NewService(controller *Controller, handler *handlers.Handler) *Service {
	return &Service{
		controller: controller,
		handler:    handler,
	}
}

// RegisterRoutes registers all session and auth routes
func (s *Service) RegisterRoutes(r chi.Router) {
	r.Get("/session", s.handler.HandleSession)
	r.Post("/session/refresh", s.handler.HandleSessionRefresh)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.handler.HandleLogin)
		r.Post("/logout", s.handler.HandleLogout)
		r.Post("/refresh", s.handler.HandleTokenRefresh)
		r.Get("/authorize", s.handler.HandleAuthorize)
		r.Get("/callback", s.handler.HandleAuthCallback)
	})
}

// Controller returns the login/logout controller
func (s *Service) Controller() *Controller {
	return s.controller
}
