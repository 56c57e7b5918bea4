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

package web

import (
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/kubarr/kubarr/lib/auth"
	"github.com/kubarr/kubarr/lib/authz"
	"github.com/kubarr/kubarr/lib/helm"
	"github.com/kubarr/kubarr/lib/httplib"
	"github.com/kubarr/kubarr/lib/proxy"
)

// proxyApp relays a /<app>/... request to the app's in-cluster backend.
// App access is decided here, not in the middleware, so the response is a
// clean 401/403 JSON rather than the SPA fallback.
func (h *Handler) proxyApp(w http.ResponseWriter, r *http.Request, appName string) {
	ctx := r.Context()

	identity, err := authz.IdentityFromContext(ctx)
	if err != nil {
		httplib.ReplyError(ctx, w, httplib.Unauthorized("not authenticated"))
		return
	}
	if !auth.HasAppAccess(identity.Permissions, appName) {
		httplib.ReplyError(ctx, w, trace.AccessDenied("No access to app: %s", appName))
		return
	}

	endpoint, err := h.cfg.Resolver.ResolveApp(ctx, appName)
	if err != nil {
		httplib.ReplyError(ctx, w, err)
		return
	}
	targetURL := endpoint.BaseURL + rewriteAppPath(r, appName, endpoint.BasePath)

	if proxy.IsWebSocketUpgrade(r) {
		if err := h.cfg.WebSockets.Bridge(w, r, appName, targetURL); err != nil {
			httplib.ReplyError(ctx, w, err)
		}
		return
	}
	if err := h.cfg.Forwarder.Forward(w, r, appName, targetURL); err != nil {
		httplib.ReplyError(ctx, w, err)
	}
}

// rewriteAppPath strips the /<app> prefix, reattaches the app's base path
// and keeps the query string.
func rewriteAppPath(r *http.Request, appName, basePath string) string {
	path := strings.TrimPrefix(r.URL.Path, "/"+appName)
	if path == "" {
		path = "/"
	}
	if basePath != "" {
		path = "/" + strings.Trim(basePath, "/") + path
	}
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	return path
}

// listApps returns the chart catalog.
func (h *Handler) listApps(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	if _, err := authz.RequirePermission(r.Context(), auth.PermAppsView); err != nil {
		return nil, trace.Wrap(err)
	}
	charts, err := h.cfg.Helm.ListCharts()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return charts, nil
}

// appDetails is the GET /api/apps/:app response. Healthy is omitted while
// the cluster is unreachable.
type appDetails struct {
	Chart   helm.ChartMetadata `json:"chart"`
	Healthy *bool              `json:"healthy,omitempty"`
}

// getApp returns one chart's metadata plus the current deployment health.
func (h *Handler) getApp(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	ctx := r.Context()
	if _, err := authz.RequirePermission(ctx, auth.PermAppsView); err != nil {
		return nil, trace.Wrap(err)
	}
	appName := p.ByName("app")

	chart, err := h.cfg.Helm.GetChart(appName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	details := appDetails{Chart: chart}
	if h.cfg.Clients.Ready() {
		healthy, err := h.cfg.Helm.CheckHealth(ctx, appName)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		details.Healthy = &healthy
	}
	return details, nil
}

// installAppRequest is the POST /api/apps/:app/install body.
type installAppRequest struct {
	Overrides   map[string]string `json:"overrides,omitempty"`
	StoragePath string            `json:"storage_path,omitempty"`
}

func (h *Handler) installApp(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	ctx := r.Context()
	if _, err := authz.RequirePermission(ctx, auth.PermAppsInstall); err != nil {
		return nil, trace.Wrap(err)
	}
	appName := p.ByName("app")

	var req installAppRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Helm.Deploy(ctx, appName, req.Overrides, req.StoragePath); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"status": "installing", "app": appName}, nil
}

func (h *Handler) deleteApp(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	ctx := r.Context()
	if _, err := authz.RequirePermission(ctx, auth.PermAppsDelete); err != nil {
		return nil, trace.Wrap(err)
	}
	appName := p.ByName("app")
	if err := h.cfg.Helm.Remove(ctx, appName); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"status": "deleted", "app": appName}, nil
}
