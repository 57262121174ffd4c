// Package backend is the HTTP client of the marketplace API endpoints the
// session core consumes: token exchange, token refresh, logout and the
// profile fetch.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/brizzai/marketweb/internal/apperrors"
	"github.com/brizzai/marketweb/internal/config"
	"github.com/brizzai/marketweb/internal/logger"
	"github.com/brizzai/marketweb/internal/models"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4 << 10
)

// StatusError is returned for any other non-2xx response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend responded with status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the marketplace API
type Client struct {
	client *http.Client
	cfg    *config.BackendConfig
}

type ClientParams struct {
	fx.In

	Config *config.BackendConfig
}

// NewClient creates a new Client with default configuration
func NewClient(params ClientParams) *Client {
	timeout := params.Config.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		client: &http.Client{Timeout: timeout},
		cfg:    params.Config,
	}
}

// SetTimeout sets the timeout for the HTTP client
func (c *Client) SetTimeout(timeout time.Duration) {
	c.client.Timeout = timeout
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// do sends a request and decodes a JSON response into out (when non-nil)
func (c *Client) do(ctx context.Context, method, path string, body interface{}, auth AuthManager, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := auth.ApplyAuth(req); err != nil {
		return fmt.Errorf("failed to apply authentication: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Error("Failed to close response body", zap.Error(err))
		}
	}()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%s %s: %w", method, path, apperrors.ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Exchange trades an identity provider token for a backend token pair
func (c *Client) Exchange(ctx context.Context, providerToken string) (models.TokenPair, error) {
	var pair models.TokenPair
	err := c.do(ctx, http.MethodPost, c.cfg.ExchangePath,
		map[string]string{"provider_token": providerToken}, NoAuth{}, &pair)
	if err != nil {
		return models.TokenPair{}, err
	}
	if !pair.Complete() {
		return models.TokenPair{}, fmt.Errorf("exchange returned an incomplete token pair")
	}
	return pair, nil
}

// Refresh trades a refresh token for a new access token
func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	err := c.do(ctx, http.MethodPost, c.cfg.RefreshPath,
		map[string]string{"refresh_token": refreshToken}, NoAuth{}, &resp)
	if err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("refresh returned no access token")
	}
	return resp.AccessToken, nil
}

// Logout ends the backend session of pair
func (c *Client) Logout(ctx context.Context, pair models.TokenPair) error {
	return c.do(ctx, http.MethodPost, c.cfg.LogoutPath,
		map[string]string{"refresh_token": pair.RefreshToken},
		TokenAuth{TokenType: pair.TokenType, AccessToken: pair.AccessToken}, nil)
}

// FetchProfile returns the authenticated user
func (c *Client) FetchProfile(ctx context.Context, pair models.TokenPair) (*models.User, error) {
	var user models.User
	err := c.do(ctx, http.MethodGet, c.cfg.ProfilePath, nil,
		TokenAuth{TokenType: pair.TokenType, AccessToken: pair.AccessToken}, &user)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Module provides the backend client
var Module = fx.Options(
	fx.Provide(NewClient),
)
