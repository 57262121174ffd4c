package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/brizzai/marketweb/internal/apperrors"
	"github.com/brizzai/marketweb/internal/auth/constants"
	authmodels "github.com/brizzai/marketweb/internal/auth/models"
	"github.com/brizzai/marketweb/internal/auth/providers"
	"github.com/brizzai/marketweb/internal/identity"
	"github.com/brizzai/marketweb/internal/logger"
	"github.com/brizzai/marketweb/internal/models"
	"github.com/brizzai/marketweb/internal/session"
	"github.com/brizzai/marketweb/internal/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const stateCookieTTL = 10 * time.Minute

// Controller is the login/logout surface used by the handlers
type Controller interface {
	Login(ctx context.Context, creds authmodels.Credentials) (models.SessionEntry, error)
	Logout(ctx context.Context) error
	CompletePendingRedirect(ctx context.Context) (models.SessionEntry, bool, error)
	RefreshAccessToken(ctx context.Context) error
	Provider() providers.Provider
}

// SessionReader refreshes the shared session entry
type SessionReader interface {
	Refresh(ctx context.Context, force bool) (models.SessionEntry, error)
}

// Tokens is the read side of the token store
type Tokens interface {
	Get(ctx context.Context) (*models.TokenPair, error)
	Cookies(pair models.TokenPair) []*http.Cookie
	ExpiredCookies() []*http.Cookie
}

// Handler handles session and auth HTTP requests
type Handler struct {
	controller Controller
	session    SessionReader
	tokens     Tokens
	identity   *identity.Cache
	secure     bool
}

// NewHandler creates a new Handler instance
func NewHandler(controller Controller, session SessionReader, tokens Tokens, idCache *identity.Cache, secure bool) *Handler {
	return &Handler{
		controller: controller,
		session:    session,
		tokens:     tokens,
		identity:   idCache,
		secure:     secure,
	}
}

type sessionResponse struct {
	LoggedIn  bool             `json:"logged_in"`
	User      *models.User     `json:"user,omitempty"`
	FetchedAt *time.Time       `json:"fetched_at,omitempty"`
	Avatar    *models.Avatar   `json:"avatar,omitempty"`
	Claims    *identity.Claims `json:"claims,omitempty"`
	// Stale marks an entry served after a failed refresh
	Stale bool `json:"stale,omitempty"`
}

// HandleSession handles GET /session
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	h.refresh(w, r, false)
}

// HandleSessionRefresh handles POST /session/refresh
func (h *Handler) HandleSessionRefresh(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			utils.WriteError(w, "invalid_request", "force must be a boolean", http.StatusBadRequest)
			return
		}
		force = parsed
	}
	h.refresh(w, r, force)
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request, force bool) {
	entry, err := h.session.Refresh(r.Context(), force)
	var transient *session.TransientFetchError
	switch {
	case err == nil:
	case errors.As(err, &transient):
		resp := h.sessionResponse(r.Context(), entry)
		resp.Stale = true
		utils.WriteJSON(w, resp)
		return
	default:
		writeAuthError(w, err)
		return
	}
	utils.WriteJSON(w, h.sessionResponse(r.Context(), entry))
}

// HandleLogin handles POST /auth/login
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var creds authmodels.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		utils.WriteError(w, "invalid_request", "Invalid request body", http.StatusBadRequest)
		return
	}

	entry, err := h.controller.Login(r.Context(), creds)
	if err != nil {
		var transient *session.TransientFetchError
		if !errors.As(err, &transient) {
			writeAuthError(w, err)
			return
		}
	}
	h.setTokenCookies(w, r)
	utils.WriteJSON(w, h.sessionResponse(r.Context(), entry))
}

// HandleLogout handles POST /auth/logout
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	err := h.controller.Logout(r.Context())
	for _, c := range h.tokens.ExpiredCookies() {
		http.SetCookie(w, c)
	}
	if err != nil {
		writeAuthError(w, err)
		return
	}
	utils.WriteJSON(w, sessionResponse{})
}

// HandleTokenRefresh handles POST /auth/refresh
func (h *Handler) HandleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.RefreshAccessToken(r.Context()); err != nil {
		if errors.Is(err, apperrors.ErrSessionExpired) {
			for _, c := range h.tokens.ExpiredCookies() {
				http.SetCookie(w, c)
			}
		}
		writeAuthError(w, err)
		return
	}
	h.setTokenCookies(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// HandleAuthorize handles GET /auth/authorize and starts a redirect sign-in
func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.controller.Provider().(providers.RedirectProvider)
	if !ok {
		utils.WriteError(w, "unsupported", "Identity provider does not support redirect sign-in", http.StatusNotFound)
		return
	}

	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     constants.StateCookieName,
		Value:    state,
		Path:     "/auth",
		MaxAge:   int(stateCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, provider.AuthURL(state), http.StatusFound)
}

// HandleAuthCallback handles the identity provider redirect back
func (h *Handler) HandleAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.controller.Provider().(providers.RedirectProvider)
	if !ok {
		utils.WriteError(w, "unsupported", "Identity provider does not support redirect sign-in", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	if providerErr := q.Get("error"); providerErr != "" {
		logger.Warn("Identity provider returned an error", zap.String("error", providerErr))
		utils.WriteError(w, "access_denied", q.Get("error_description"), http.StatusBadRequest)
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" {
		utils.WriteError(w, "invalid_request", "Code is required", http.StatusBadRequest)
		return
	}
	stateCookie, err := r.Cookie(constants.StateCookieName)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != state {
		utils.WriteError(w, "invalid_request", "State mismatch", http.StatusBadRequest)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: constants.StateCookieName, Path: "/auth", MaxAge: -1})

	if err := provider.HandleCallback(r.Context(), code, state); err != nil {
		logger.Error("Failed to complete redirect sign-in", zap.Error(err))
		utils.WriteError(w, "invalid_grant", "Failed to complete sign-in", http.StatusBadRequest)
		return
	}

	if _, _, err := h.controller.CompletePendingRedirect(r.Context()); err != nil {
		var transient *session.TransientFetchError
		if !errors.As(err, &transient) {
			writeAuthError(w, err)
			return
		}
	}
	h.setTokenCookies(w, r)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) setTokenCookies(w http.ResponseWriter, r *http.Request) {
	pair, err := h.tokens.Get(r.Context())
	if err != nil || pair == nil {
		return
	}
	for _, c := range h.tokens.Cookies(*pair) {
		http.SetCookie(w, c)
	}
}

func (h *Handler) sessionResponse(ctx context.Context, entry models.SessionEntry) sessionResponse {
	if entry.User == nil {
		return sessionResponse{}
	}
	resp := sessionResponse{
		LoggedIn:  true,
		User:      entry.User,
		FetchedAt: &entry.FetchedAt,
		Avatar:    entry.Avatar,
	}
	if h.identity == nil {
		return resp
	}
	pair, err := h.tokens.Get(ctx)
	if err != nil || pair == nil {
		return resp
	}
	claims, err := h.identity.Resolve(pair.AccessToken)
	if err != nil {
		// opaque access tokens carry no claims
		logger.Debug("Access token claims unavailable", zap.Error(err))
		return resp
	}
	resp.Claims = &claims
	return resp
}

func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperrors.ErrSessionExpired):
		utils.WriteError(w, "session_expired", "Session expired", http.StatusUnauthorized)
	case errors.Is(err, apperrors.ErrAuthExchange):
		utils.WriteError(w, "auth_failed", "Sign-in failed", http.StatusUnauthorized)
	case errors.Is(err, apperrors.ErrStorage):
		utils.WriteError(w, "storage_error", "Session storage unavailable", http.StatusInternalServerError)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		utils.WriteError(w, "timeout", "Request cancelled", http.StatusGatewayTimeout)
	default:
		logger.Error("Marketplace API request failed", zap.Error(err))
		utils.WriteError(w, "backend_error", "Marketplace API request failed", http.StatusBadGateway)
	}
}
