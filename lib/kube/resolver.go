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

package kube

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gravitational/trace"
	gocache "github.com/patrickmn/go-cache"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kubarr/kubarr/lib/defaults"
)

// Endpoint is a resolved app backend.
type Endpoint struct {
	// BaseURL is the in-cluster service URL, e.g.
	// http://jellyfin.jellyfin.svc.cluster.local:8096.
	BaseURL string
	// BasePath is the optional path prefix the app is served under, taken
	// from the kubarr.io/base-path Service annotation.
	BasePath string
}

// ResolverConfig holds parameters for the endpoint resolver.
type ResolverConfig struct {
	// Clients is the shared Kubernetes client holder.
	Clients *Clients
	// Log is the resolver logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *ResolverConfig) CheckAndSetDefaults() error {
	if c.Clients == nil {
		return trace.BadParameter("missing parameter Clients")
	}
	if c.Log == nil {
		c.Log = slog.With("component", "resolver")
	}
	return nil
}

// Resolver maps app names to internal service URLs. Successful lookups are
// cached without expiry; entries are invalidated only explicitly when an
// app is uninstalled. Failures are never cached: a missed-then-installed
// transition is common during bootstrap.
type Resolver struct {
	cfg   ResolverConfig
	cache *gocache.Cache
}

// NewResolver creates an endpoint resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Resolver{
		cfg:   cfg,
		cache: gocache.New(gocache.NoExpiration, 0),
	}, nil
}

// ResolveApp resolves an app name to its backend endpoint. Apps are
// deployed one per namespace with matching names, so the lookup is
// Service <app> in namespace <app>.
func (r *Resolver) ResolveApp(ctx context.Context, appName string) (Endpoint, error) {
	if cached, ok := r.cache.Get(appName); ok {
		return cached.(Endpoint), nil
	}

	clientset, err := r.cfg.Clients.Clientset()
	if err != nil {
		return Endpoint{}, trace.Wrap(err)
	}

	svc, err := clientset.CoreV1().Services(appName).Get(ctx, appName, metav1.GetOptions{})
	if err != nil {
		return Endpoint{}, trace.NotFound("app %q has no service", appName)
	}
	if len(svc.Spec.Ports) == 0 {
		return Endpoint{}, trace.NotFound("app %q service has no ports", appName)
	}

	endpoint := Endpoint{
		BaseURL: fmt.Sprintf("http://%s.%s.svc.cluster.local:%d",
			svc.Name, svc.Namespace, svc.Spec.Ports[0].Port),
		BasePath: svc.Annotations[defaults.BasePathAnnotation],
	}
	r.cache.Set(appName, endpoint, gocache.NoExpiration)
	r.cfg.Log.DebugContext(ctx, "Resolved app endpoint.",
		"app", appName, "url", endpoint.BaseURL)
	return endpoint, nil
}

// Invalidate drops the cached endpoint for an app.
func (r *Resolver) Invalidate(appName string) {
	r.cache.Delete(appName)
}
