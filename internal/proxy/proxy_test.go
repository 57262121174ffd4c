package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brizzai/marketweb/internal/config"
	"github.com/brizzai/marketweb/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upstreamRequest struct {
	method string
	path   string
	query  string
	header http.Header
	body   string
}

type seen struct {
	mu   sync.Mutex
	last upstreamRequest
}

func newUpstream(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *seen) {
	t.Helper()
	got := &seen{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		got.mu.Lock()
		got.last = upstreamRequest{
			method: r.Method,
			path:   r.URL.EscapedPath(),
			query:  r.URL.RawQuery,
			header: r.Header.Clone(),
			body:   string(body),
		}
		got.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

// snapshot returns what the upstream received last
func (s *seen) snapshot() upstreamRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func newProxy(t *testing.T, upstream string, m *metrics.Metrics) *Proxy {
	t.Helper()
	p, err := New(Params{
		Config: &config.ProxyConfig{
			MountPath:       "/api/proxy",
			UpstreamBaseURL: upstream,
			Timeout:         5 * time.Second,
		},
		Metrics: m,
	})
	require.NoError(t, err)
	return p
}

func TestProxy_PostBodyForwardedVerbatim(t *testing.T) {
	srv, got := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":7}`))
	})
	p := newProxy(t, srv.URL, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/proxy/listings", strings.NewReader(`{"a":1}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer caller-token")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	up := got.snapshot()
	assert.Equal(t, http.MethodPost, up.method)
	assert.Equal(t, "/listings", up.path)
	assert.Equal(t, `{"a":1}`, up.body)
	assert.Equal(t, "Bearer caller-token", up.header.Get("Authorization"))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, `{"id":7}`, rec.Body.String())
}

func TestProxy_TargetURL(t *testing.T) {
	tests := []struct {
		name      string
		target    string
		wantPath  string
		wantQuery string
	}{
		{name: "nested path", target: "/api/proxy/v1/items/42", wantPath: "/base/v1/items/42"},
		{name: "raw query kept", target: "/api/proxy/search?q=a%20b&tag=x&tag=y", wantPath: "/base/search", wantQuery: "q=a%20b&tag=x&tag=y"},
		{name: "mount root", target: "/api/proxy", wantPath: "/base/"},
		{name: "trailing slash", target: "/api/proxy/items/", wantPath: "/base/items/"},
		{name: "dot segments dropped", target: "/api/proxy/a/../../secret", wantPath: "/base/a/secret"},
		{name: "encoded dot segments dropped", target: "/api/proxy/a/%2E%2E/secret", wantPath: "/base/a/secret"},
		{name: "encoded slash stays in its segment", target: "/api/proxy/files/a%2Fb", wantPath: "/base/files/a%2Fb"},
		{name: "escaped characters kept", target: "/api/proxy/tags/a%20b", wantPath: "/base/tags/a%20b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, got := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
			p := newProxy(t, srv.URL+"/base", nil)

			rec := httptest.NewRecorder()
			p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))

			up := got.snapshot()
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.wantPath, up.path)
			assert.Equal(t, tt.wantQuery, up.query)
		})
	}
}

func TestProxy_SkipsTransportHeaders(t *testing.T) {
	srv, got := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	p := newProxy(t, srv.URL, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/proxy/x", nil)
	req.Header.Set("Accept-Encoding", "br")
	req.Header.Set("Connection", "x-internal")
	req.Header.Set("X-Request-Source", "listing-page")
	p.ServeHTTP(httptest.NewRecorder(), req)

	up := got.snapshot()
	assert.Equal(t, "listing-page", up.header.Get("X-Request-Source"))
	assert.NotContains(t, up.header.Get("Accept-Encoding"), "br")
}

func TestProxy_DoesNotFollowRedirects(t *testing.T) {
	srv, _ := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	})
	p := newProxy(t, srv.URL, nil)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxy/old", nil))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/elsewhere", rec.Header().Get("Location"))
}

func TestProxy_UpstreamStatusPassedThrough(t *testing.T) {
	srv, _ := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("nope"))
	})
	m := metrics.New()
	p := newProxy(t, srv.URL, m)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/proxy/listings/1", nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "nope", rec.Body.String())
	assert.Contains(t, scrape(t, m), `marketweb_proxy_requests_total{method="DELETE",status="403"} 1`)
}

func TestProxy_UpstreamUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	m := metrics.New()
	p := newProxy(t, url, m)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxy/anything", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var envelope map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, map[string]string{
		"error":             "proxy_error",
		"error_description": "Failed to reach upstream",
	}, envelope)
	assert.Contains(t, scrape(t, m), "marketweb_proxy_upstream_failures_total 1")
}

func TestNew_InvalidUpstream(t *testing.T) {
	for _, upstream := range []string{"", "/relative", "::bad"} {
		_, err := New(Params{Config: &config.ProxyConfig{MountPath: "/api/proxy", UpstreamBaseURL: upstream}})
		assert.Error(t, err, upstream)
	}
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}
