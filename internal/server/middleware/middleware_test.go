package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/brizzai/marketweb/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecover(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	defer logger.SetLogger(zap.New(core))()

	h := Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/session", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "/session", logs.All()[0].ContextMap()["path"])
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	defer logger.SetLogger(zap.New(core))()

	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short"))
		w.(http.Flusher).Flush()
	}), Recover, Logging)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.True(t, rec.Flushed)
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, int64(http.StatusTeapot), fields["status"])
	assert.Equal(t, int64(5), fields["bytes"])
	assert.Equal(t, "POST", fields["method"])
}
