/*
 * Kubarr
 * Copyright (C) 2025  Kubarr Contributors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package proxy forwards HTTP and WebSocket traffic to in-cluster app
// backends.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kubarr/kubarr/lib/defaults"
	"github.com/kubarr/kubarr/lib/httplib"
)

// hopHeaders are connection-scoped headers that must not travel past the
// proxy, plus content-length which is recomputed for the buffered body.
var hopHeaders = []string{
	"Host",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

var proxiedRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "kubarr_proxy_requests_total",
	Help: "Number of requests forwarded to app backends.",
}, []string{"app", "code"})

func init() {
	prometheus.MustRegister(proxiedRequests)
}

// ForwarderConfig holds parameters for the HTTP forwarder.
type ForwarderConfig struct {
	// Client issues the upstream requests. Defaults to a client that
	// never follows redirects, so upstream Location headers reach the
	// browser untouched.
	Client *http.Client
	// Log is the forwarder logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *ForwarderConfig) CheckAndSetDefaults() error {
	if c.Client == nil {
		c.Client = &http.Client{
			Timeout: defaults.ProxyTimeout,
			// The default transport re-adds Accept-Encoding: gzip and
			// transparently decodes responses; bodies must pass through
			// verbatim with the header stripped.
			Transport: &http.Transport{
				DisableCompression: true,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if c.Log == nil {
		c.Log = slog.With("component", "proxy")
	}
	return nil
}

// Forwarder relays a single HTTP exchange to an app backend. Bodies are
// buffered in full on both legs; apps behind it serve dashboards, not
// streams.
type Forwarder struct {
	cfg ForwarderConfig
}

// NewForwarder creates an HTTP forwarder.
func NewForwarder(cfg ForwarderConfig) (*Forwarder, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Forwarder{cfg: cfg}, nil
}

// Forward relays the request to targetURL and writes the upstream response
// back to w. targetURL already carries the rewritten path and the original
// query string.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, appName, targetURL string) error {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return trace.BadParameter("failed to read request body")
	}

	upstream, err := http.NewRequestWithContext(ctx, r.Method, targetURL, bytes.NewReader(body))
	if err != nil {
		return trace.Wrap(err)
	}
	copyRequestHeaders(upstream.Header, r.Header)

	resp, err := f.cfg.Client.Do(upstream)
	if err != nil {
		return classifyUpstreamError(err, appName)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return httplib.BadGateway("failed to read response from app %q", appName)
	}

	writeResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(respBody); err != nil {
		f.cfg.Log.DebugContext(ctx, "Failed to write proxied response.",
			"app", appName, "error", err)
	}
	proxiedRequests.WithLabelValues(appName, strconv.Itoa(resp.StatusCode)).Inc()
	return nil
}

// copyRequestHeaders copies the client headers minus the hop-by-hop set and
// Accept-Encoding. Dropping Accept-Encoding makes upstreams respond with
// identity encoding, so the body can be re-framed without decompressing.
func copyRequestHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopHeader(key) || http.CanonicalHeaderKey(key) == "Accept-Encoding" {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// writeResponseHeaders copies the upstream headers minus the hop-by-hop set
// and Content-Encoding, which no longer describes the re-framed body.
func writeResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Encoding" {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func isHopHeader(key string) bool {
	canonical := http.CanonicalHeaderKey(key)
	for _, hop := range hopHeaders {
		if canonical == hop {
			return true
		}
	}
	return false
}

// classifyUpstreamError maps transport failures onto the service taxonomy:
// unreachable or timed-out backends are unavailable, everything else is a
// bad gateway.
func classifyUpstreamError(err error, appName string) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return trace.ConnectionProblem(err, "app %q timed out", appName)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return trace.ConnectionProblem(err, "app %q is unreachable", appName)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return trace.ConnectionProblem(err, "app %q timed out", appName)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return trace.ConnectionProblem(err, "app %q timed out", appName)
	}
	return httplib.BadGateway("app %q returned an invalid response", appName)
}
