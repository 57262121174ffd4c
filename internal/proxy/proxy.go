// Package proxy forwards same-origin API calls to the configured upstream.
// It is a transparent pass-through: no auth injection, no retries.
package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/brizzai/marketweb/internal/config"
	"github.com/brizzai/marketweb/internal/logger"
	"github.com/brizzai/marketweb/internal/metrics"
	"github.com/brizzai/marketweb/internal/utils"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const copyBufferSize = 32 * 1024

// headers never copied onto the upstream request
var skipHeaders = map[string]bool{
	"Host":            true,
	"Connection":      true,
	"Accept-Encoding": true,
}

type Proxy struct {
	client    *http.Client
	upstream  *url.URL
	mountPath string
	metrics   *metrics.Metrics
}

type Params struct {
	fx.In

	Config  *config.ProxyConfig
	Metrics *metrics.Metrics `optional:"true"`
}

func New(params Params) (*Proxy, error) {
	upstream, err := url.Parse(params.Config.UpstreamBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base URL: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("upstream base URL must be absolute, got %q", params.Config.UpstreamBaseURL)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = params.Config.Timeout

	return &Proxy{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		upstream:  upstream,
		mountPath: strings.TrimSuffix(params.Config.MountPath, "/"),
		metrics:   params.Metrics,
	}, nil
}

// MountPath is the path prefix the proxy serves
func (p *Proxy) MountPath() string {
	return p.mountPath
}

// ServeHTTP forwards r to the upstream and streams the response back
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := p.targetURL(r)

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			logger.Warn("Failed to read proxied request body", zap.Error(err))
			utils.WriteError(w, "invalid_request", "Failed to read request body", http.StatusBadRequest)
			return
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		logger.Error("Failed to build upstream request", zap.String("url", target), zap.Error(err))
		p.fail(w)
		return
	}
	for key, values := range r.Header {
		if skipHeaders[key] {
			continue
		}
		req.Header[key] = append([]string(nil), values...)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if r.Context().Err() != nil {
			logger.Debug("Client went away before upstream answered", zap.String("url", target))
			return
		}
		logger.Warn("Upstream request failed", zap.String("url", target), zap.Error(err))
		p.fail(w)
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Debug("Failed to close upstream body", zap.Error(closeErr))
		}
	}()

	for key, values := range resp.Header {
		w.Header()[key] = append([]string(nil), values...)
	}
	w.WriteHeader(resp.StatusCode)
	p.metrics.ProxyRequest(r.Method, resp.StatusCode)

	if r.Method == http.MethodHead {
		return
	}
	if err := stream(w, resp.Body); err != nil {
		logger.Warn("Failed to stream upstream response", zap.String("url", target), zap.Error(err))
	}
}

// targetURL joins the path below the mount point onto the upstream base
// and keeps the raw query. Segments stay escaped, so an encoded slash is
// forwarded as part of its segment.
func (p *Proxy) targetURL(r *http.Request) string {
	rest := strings.TrimPrefix(r.URL.EscapedPath(), p.mountPath)

	var segments []string
	for _, segment := range strings.Split(rest, "/") {
		decoded, err := url.PathUnescape(segment)
		if err != nil || decoded == "" || decoded == "." || decoded == ".." {
			continue
		}
		segments = append(segments, segment)
	}

	u := *p.upstream
	rawPath := strings.TrimSuffix(p.upstream.EscapedPath(), "/") + "/" + strings.Join(segments, "/")
	if len(segments) > 0 && strings.HasSuffix(rest, "/") {
		rawPath += "/"
	}
	path, err := url.PathUnescape(rawPath)
	if err != nil {
		path = rawPath
	}
	u.Path = path
	u.RawPath = rawPath
	u.RawQuery = r.URL.RawQuery
	return u.String()
}

func (p *Proxy) fail(w http.ResponseWriter) {
	p.metrics.ProxyFailure()
	utils.WriteError(w, "proxy_error", "Failed to reach upstream", http.StatusInternalServerError)
}

// stream copies the body, flushing after every chunk
func stream(w http.ResponseWriter, body io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, copyBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
