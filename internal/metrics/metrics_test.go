package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.CacheHit()
	m.CacheHit()
	m.ProfileFetch(FetchOK)
	m.ProxyRequest(http.MethodPost, 201)
	m.ProxyFailure()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.profileFetch.WithLabelValues(FetchOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.proxyRequests.WithLabelValues("POST", "201")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.proxyFailures))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "marketweb_session_cache_hits_total 2")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CacheHit()
		m.ProfileFetch(FetchTransient)
		m.ProxyRequest(http.MethodGet, 200)
		m.ProxyFailure()
	})
}
