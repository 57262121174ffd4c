// Package middleware holds the net/http middleware shared by every route
package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/brizzai/marketweb/internal/logger"
	"github.com/brizzai/marketweb/internal/utils"
	"go.uber.org/zap"
)

// Middleware is a standard net/http middleware
type Middleware func(http.Handler) http.Handler

// Chain applies mws to h in the order they are listed
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Recover turns a panic into a 500 without leaking details to the client
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("Recovered from panic",
					zap.String("path", r.URL.Path),
					zap.Any("reason", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				utils.WriteError(w, "internal_error", "Internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Logging logs one line per request
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := newStatusWriter(w)
		start := time.Now()
		next.ServeHTTP(sw, r)

		logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Int("bytes", sw.count),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// statusWriter wraps a ResponseWriter to capture status and size
type statusWriter struct {
	http.ResponseWriter
	status int
	count  int
}

func newStatusWriter(w http.ResponseWriter) *statusWriter {
	return &statusWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.count += n
	return n, err
}

// Flush keeps streaming responses streaming through the wrapper
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
