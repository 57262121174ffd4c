package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/brizzai/marketweb/internal/events"
	"github.com/brizzai/marketweb/internal/models"
)

// Session is the body of the session endpoints
type Session struct {
	LoggedIn  bool           `json:"logged_in"`
	User      *models.User   `json:"user,omitempty"`
	FetchedAt *time.Time     `json:"fetched_at,omitempty"`
	Avatar    *models.Avatar `json:"avatar,omitempty"`
	Stale     bool           `json:"stale,omitempty"`
}

// Client talks to a running marketweb server
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Session reads the cached session
func (c *Client) Session(ctx context.Context) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodGet, "/session", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Refresh forces a profile fetch on the server
func (c *Client) Refresh(ctx context.Context) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodPost, "/session/refresh?force=true", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", nil)
}

// Stream calls fn for every event the server publishes until ctx is done,
// the server closes the stream or fn returns an error
func (c *Client) Stream(ctx context.Context, fn func(events.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}
	return events.ReadStream(resp.Body, fn)
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", apiErr.Error, apiErr.Description)
		}
		return fmt.Errorf("%s %s returned status %d", method, path, resp.StatusCode)
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
