package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brizzai/marketweb/internal/apperrors"
	"github.com/brizzai/marketweb/internal/config"
	"github.com/brizzai/marketweb/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(ClientParams{Config: &config.BackendConfig{
		BaseURL:      server.URL + "/",
		ExchangePath: "/auth/exchange",
		RefreshPath:  "/auth/refresh",
		LogoutPath:   "/auth/logout",
		ProfilePath:  "/users/me",
		Headers:      map[string]string{"X-Client": "marketweb"},
	}})
}

var pair = models.TokenPair{AccessToken: "acc", RefreshToken: "ref", TokenType: "Bearer"}

func TestClient_Exchange(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    models.TokenPair
		wantErr error
		anyErr  bool
	}{
		{
			name: "success",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/auth/exchange", r.URL.Path)
				assert.Equal(t, "marketweb", r.Header.Get("X-Client"))
				assert.Empty(t, r.Header.Get("Authorization"))
				var body map[string]string
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "provider-token", body["provider_token"])
				_ = json.NewEncoder(w).Encode(pair)
			},
			want: pair,
		},
		{
			name: "rejected",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			wantErr: apperrors.ErrUnauthorized,
		},
		{
			name: "incomplete pair",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "acc"})
			},
			anyErr: true,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusBadGateway)
			},
			anyErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler)
			got, err := c.Exchange(context.Background(), "provider-token")
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.anyErr:
				assert.Error(t, err)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestClient_FetchProfile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/users/me", r.URL.Path)
		assert.Equal(t, "Bearer acc", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(models.User{ID: "u1", Name: "Ann", AvatarRef: "avatars/u1"})
	})

	user, err := c.FetchProfile(context.Background(), pair)
	require.NoError(t, err)
	assert.Equal(t, &models.User{ID: "u1", Name: "Ann", AvatarRef: "avatars/u1"}, user)
}

func TestClient_FetchProfile_Errors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	_, err := c.FetchProfile(context.Background(), pair)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	c = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	})
	_, err = c.FetchProfile(context.Background(), pair)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, "maintenance", statusErr.Body)
}

func TestClient_Timeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	c.SetTimeout(50 * time.Millisecond)
	_, err := c.FetchProfile(context.Background(), pair)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestClient_RefreshAndLogout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ref", body["refresh_token"])

		switch r.URL.Path {
		case "/auth/refresh":
			_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "acc-2"})
		case "/auth/logout":
			assert.Equal(t, "Bearer acc", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	token, err := c.Refresh(context.Background(), "ref")
	require.NoError(t, err)
	assert.Equal(t, "acc-2", token)

	assert.NoError(t, c.Logout(context.Background(), pair))
}

func TestTokenAuth_ApplyAuth(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, TokenAuth{AccessToken: "abc"}.ApplyAuth(req))
	assert.Equal(t, "Bearer abc", req.Header.Get("Authorization"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, TokenAuth{TokenType: "JWT", AccessToken: "abc"}.ApplyAuth(req))
	assert.Equal(t, "JWT abc", req.Header.Get("Authorization"))

	assert.Error(t, TokenAuth{}.ApplyAuth(req))
	assert.NoError(t, NoAuth{}.ApplyAuth(req))
}
