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

// Package defaults keeps the process-wide constants and tunable defaults
// shared by the kubarr subsystems.
package defaults

import (
	"strings"
	"time"
)

const (
	// SessionCookieName is the name of the browser session cookie.
	SessionCookieName = "kubarr_session"

	// SessionTTL is how long an issued session stays valid. Expiry is
	// enforced against the database row, not the cookie.
	SessionTTL = 7 * 24 * time.Hour

	// BasePathAnnotation marks Services whose apps are served under a
	// non-root path prefix.
	BasePathAnnotation = "kubarr.io/base-path"

	// ProxyTimeout bounds a single proxied upstream request.
	ProxyTimeout = 30 * time.Second

	// SampleInterval is the cadence of the network telemetry sampler.
	SampleInterval = time.Second

	// RateWindowSize is the number of per-second rate samples averaged
	// before a rate is published.
	RateWindowSize = 5

	// HealthPollInterval is how often the bootstrap orchestrator polls a
	// component for deployment health after helm reports success.
	HealthPollInterval = 5 * time.Second

	// HealthPollAttempts caps the health polling loop; together with
	// HealthPollInterval this allows five minutes per component.
	HealthPollAttempts = 60

	// FanoutCapacity is the per-subscriber buffer of broadcast channels.
	// A subscriber that falls this far behind is dropped.
	FanoutCapacity = 64

	// AuthProxyEmailHeader and AuthProxyUserHeader identify the caller
	// when requests arrive through a trusted SSO reverse proxy.
	AuthProxyEmailHeader = "X-Auth-Request-Email"
	AuthProxyUserHeader  = "X-Auth-Request-User"

	// HTTPListenAddr is the default address the backend binds to.
	HTTPListenAddr = "0.0.0.0:8080"
)

// ReservedPathSegments are first path segments that can never name an app;
// requests for them fall through to the SPA.
var ReservedPathSegments = []string{
	"api", "auth", "proxy", "assets", "favicon.svg", "login", "setup",
}

// IsReservedPathSegment reports whether the first path segment of a request
// is reserved for the backend or the SPA rather than an app route.
func IsReservedPathSegment(segment string) bool {
	if strings.Contains(segment, ".") {
		return true
	}
	for _, reserved := range ReservedPathSegments {
		if segment == reserved {
			return true
		}
	}
	return false
}

// hiddenNamespaces are cluster namespaces that never appear in telemetry.
var hiddenNamespaces = map[string]struct{}{
	"local-path-storage": {},
	"default":            {},
	"linux":              {},
	"":                   {},
}

// IsHiddenNamespace reports whether a namespace is excluded from the
// telemetry pipeline.
func IsHiddenNamespace(namespace string) bool {
	if strings.HasPrefix(namespace, "kube-") {
		return true
	}
	_, ok := hiddenNamespaces[namespace]
	return ok
}

// BootstrapComponent describes one infrastructure component installed by the
// bootstrap orchestrator.
type BootstrapComponent struct {
	// Name is the component id, the chart name and the target namespace.
	Name string
	// DisplayName is the human readable component name.
	DisplayName string
}

// BootstrapComponents is the fixed ordered set of infrastructure components
// installed on first boot.
var BootstrapComponents = []BootstrapComponent{
	{Name: "victoria-metrics", DisplayName: "Victoria Metrics"},
	{Name: "victoria-logs", DisplayName: "Victoria Logs"},
	{Name: "fluent-bit", DisplayName: "Fluent Bit"},
}
