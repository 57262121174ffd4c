// Package metrics exposes prometheus counters for the session cache and
// the request proxy. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Profile fetch outcomes
const (
	FetchOK        = "ok"
	FetchExpired   = "session_expired"
	FetchTransient = "transient_error"
	FetchDiscarded = "discarded"
)

type Metrics struct {
	registry *prometheus.Registry

	cacheHits     prometheus.Counter
	profileFetch  *prometheus.CounterVec
	proxyRequests *prometheus.CounterVec
	proxyFailures prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketweb",
			Subsystem: "session",
			Name:      "cache_hits_total",
			Help:      "Profile refreshes answered from the cache without a fetch.",
		}),
		profileFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketweb",
			Subsystem: "session",
			Name:      "profile_fetches_total",
			Help:      "Profile fetches by outcome.",
		}, []string{"result"}),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketweb",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Proxied requests by method and upstream status.",
		}, []string{"method", "status"}),
		proxyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketweb",
			Subsystem: "proxy",
			Name:      "upstream_failures_total",
			Help:      "Proxied requests that could not reach the upstream.",
		}),
	}
	reg.MustRegister(
		m.cacheHits,
		m.profileFetch,
		m.proxyRequests,
		m.proxyFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) ProfileFetch(result string) {
	if m == nil {
		return
	}
	m.profileFetch.WithLabelValues(result).Inc()
}

func (m *Metrics) ProxyRequest(method string, status int) {
	if m == nil {
		return
	}
	m.proxyRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func (m *Metrics) ProxyFailure() {
	if m == nil {
		return
	}
	m.proxyFailures.Inc()
}

// Registry returns the registry holding every collector
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
