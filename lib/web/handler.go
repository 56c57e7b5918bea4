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

// Package web implements the HTTP API, the app reverse proxy and the
// WebSocket endpoints.
package web

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/kubarr/kubarr/lib/auth"
	"github.com/kubarr/kubarr/lib/authz"
	"github.com/kubarr/kubarr/lib/bootstrap"
	"github.com/kubarr/kubarr/lib/defaults"
	"github.com/kubarr/kubarr/lib/helm"
	"github.com/kubarr/kubarr/lib/httplib"
	"github.com/kubarr/kubarr/lib/kube"
	"github.com/kubarr/kubarr/lib/proxy"
	"github.com/kubarr/kubarr/lib/telemetry"
)

// Config holds parameters for the web handler.
type Config struct {
	// Auth owns sessions, tokens and permissions.
	Auth *auth.Server
	// Clients is the shared Kubernetes client holder.
	Clients *kube.Clients
	// Resolver maps app names to backend endpoints.
	Resolver *kube.Resolver
	// Forwarder relays HTTP exchanges to app backends.
	Forwarder *proxy.Forwarder
	// WebSockets relays WebSocket traffic to app backends.
	WebSockets *proxy.WebSocketBridge
	// Helm installs and removes apps.
	Helm *helm.Driver
	// Bootstrap drives first-boot component installs.
	Bootstrap *bootstrap.Orchestrator
	// Telemetry publishes network metrics.
	Telemetry *telemetry.Broadcaster
	// AssetsDir is the built SPA directory. Empty disables static serving.
	AssetsDir string
	// Clock is used for cookie expiry stamps.
	Clock clockwork.Clock
	// Log is the handler logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Auth == nil {
		return trace.BadParameter("missing parameter Auth")
	}
	if c.Clients == nil {
		return trace.BadParameter("missing parameter Clients")
	}
	if c.Resolver == nil {
		return trace.BadParameter("missing parameter Resolver")
	}
	if c.Forwarder == nil {
		return trace.BadParameter("missing parameter Forwarder")
	}
	if c.WebSockets == nil {
		return trace.BadParameter("missing parameter WebSockets")
	}
	if c.Helm == nil {
		return trace.BadParameter("missing parameter Helm")
	}
	if c.Bootstrap == nil {
		return trace.BadParameter("missing parameter Bootstrap")
	}
	if c.Telemetry == nil {
		return trace.BadParameter("missing parameter Telemetry")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With("component", "web")
	}
	return nil
}

// Handler routes API calls, proxies app traffic and serves the SPA.
type Handler struct {
	cfg    Config
	router *httprouter.Router
}

// NewHandler creates the web handler and registers all routes.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg:    cfg,
		router: httprouter.New(),
	}

	h.router.POST("/auth/login", httplib.MakeHandler(h.login))
	h.router.POST("/auth/logout", httplib.MakeHandler(h.logout))

	h.router.GET("/api/user", httplib.MakeHandler(h.currentUser))
	h.router.POST("/api/tokens", httplib.MakeHandler(h.createToken))
	h.router.GET("/api/sessions", httplib.MakeHandler(h.listSessions))
	h.router.DELETE("/api/sessions/:id", httplib.MakeHandler(h.revokeSession))

	h.router.GET("/api/bootstrap/status", httplib.MakeHandler(h.bootstrapStatus))
	h.router.POST("/api/bootstrap/start", httplib.MakeHandler(h.bootstrapStart))
	h.router.POST("/api/bootstrap/retry/:component", httplib.MakeHandler(h.bootstrapRetry))
	h.router.GET("/api/bootstrap/events", h.bootstrapEvents)

	h.router.GET("/api/network/stats", httplib.MakeHandler(h.networkStats))
	h.router.GET("/api/network/events", h.networkEvents)

	h.router.GET("/api/apps", httplib.MakeHandler(h.listApps))
	h.router.GET("/api/apps/:app", httplib.MakeHandler(h.getApp))
	h.router.POST("/api/apps/:app/install", httplib.MakeHandler(h.installApp))
	h.router.DELETE("/api/apps/:app", httplib.MakeHandler(h.deleteApp))

	// Anything the router does not know is either an app route or a SPA
	// asset.
	h.router.NotFound = http.HandlerFunc(h.dispatch)
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// dispatch routes unknown paths: a first segment that is not reserved
// names an app and goes through the proxy; everything else falls back to
// the SPA so client-side routes resolve after a full page load.
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	segment := firstSegment(r.URL.Path)
	if segment != "" && !defaults.IsReservedPathSegment(segment) {
		h.proxyApp(w, r, segment)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/api/") {
		httplib.ReplyError(r.Context(), w, trace.NotFound("endpoint not found"))
		return
	}
	h.serveSPA(w, r)
}

// serveSPA serves a built asset when one exists and index.html otherwise.
func (h *Handler) serveSPA(w http.ResponseWriter, r *http.Request) {
	if h.cfg.AssetsDir == "" {
		http.NotFound(w, r)
		return
	}
	requested := filepath.Join(h.cfg.AssetsDir, filepath.Clean("/"+r.URL.Path))
	if info, err := os.Stat(requested); err == nil && !info.IsDir() {
		http.ServeFile(w, r, requested)
		return
	}
	http.ServeFile(w, r, filepath.Join(h.cfg.AssetsDir, "index.html"))
}

// firstSegment returns the first path segment of a request path.
func firstSegment(path string) string {
	path = strings.TrimPrefix(path, "/")
	segment, _, _ := strings.Cut(path, "/")
	return segment
}

// currentUser returns the authenticated user and its resolved permissions.
func (h *Handler) currentUser(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	identity, err := authz.IdentityFromContext(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"user":        identity.User,
		"permissions": identity.Permissions,
	}, nil
}
