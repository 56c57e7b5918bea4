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

// Package authz implements the auth gate that authenticates incoming
// requests and the permission gate used by protected handlers.
package authz

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/kubarr/kubarr/lib/auth"
	"github.com/kubarr/kubarr/lib/defaults"
	"github.com/kubarr/kubarr/lib/httplib"
	"github.com/kubarr/kubarr/lib/storage"
)

// contextKey is the private type for request context values.
type contextKey struct{}

// identityKey stores the *auth.Identity attached by the auth gate.
var identityKey contextKey

// ContextWithIdentity returns a context carrying the identity.
func ContextWithIdentity(ctx context.Context, identity *auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext extracts the authenticated identity attached by the
// auth gate.
func IdentityFromContext(ctx context.Context) (*auth.Identity, error) {
	identity, ok := ctx.Value(identityKey).(*auth.Identity)
	if !ok || identity == nil {
		return nil, httplib.Unauthorized("not authenticated")
	}
	return identity, nil
}

// RequirePermission is the permission gate: it extracts the authenticated
// identity and enforces a single declared permission.
func RequirePermission(ctx context.Context, perm string) (*auth.Identity, error) {
	identity, err := IdentityFromContext(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !auth.HasPermission(identity.Permissions, perm) {
		return nil, trace.AccessDenied("Permission denied: %s required", perm)
	}
	return identity, nil
}

// MiddlewareConfig holds parameters for the auth gate.
type MiddlewareConfig struct {
	// Auth validates sessions and tokens.
	Auth *auth.Server
	// Log is the gate logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *MiddlewareConfig) CheckAndSetDefaults() error {
	if c.Auth == nil {
		return trace.BadParameter("missing parameter Auth")
	}
	if c.Log == nil {
		c.Log = slog.With("component", "authz")
	}
	return nil
}

// Middleware is the auth gate. It runs before application handlers,
// attaches the identity to the request context and rejects unauthenticated
// API calls. Auth endpoints and the bootstrap setup surface are skipped;
// everything else proceeds without an identity so that the SPA shell can
// load, and handlers demand one through the permission gate.
type Middleware struct {
	cfg MiddlewareConfig
}

// NewMiddleware creates an auth gate.
func NewMiddleware(cfg MiddlewareConfig) (*Middleware, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Middleware{cfg: cfg}, nil
}

// skipped paths never go through authentication.
func skipped(path string) bool {
	return strings.HasPrefix(path, "/auth/") ||
		strings.HasPrefix(path, "/api/bootstrap/")
}

// Wrap returns a handler that authenticates the request before invoking
// next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if skipped(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := m.authenticate(r)
		switch {
		case err == nil:
			r = r.WithContext(ContextWithIdentity(r.Context(), identity))
		case httplib.IsUnauthorized(err) || trace.IsNotFound(err):
			// Only the API surface hard-fails here: app routes return
			// 401 from their own handler and everything else falls
			// through to the SPA so the login page can load.
			if strings.HasPrefix(r.URL.Path, "/api/") {
				httplib.ReplyError(r.Context(), w, httplib.Unauthorized("not authenticated"))
				return
			}
		default:
			httplib.ReplyError(r.Context(), w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the request identity from, in order: the trusted
// auth-proxy headers, a bearer access token, the session cookie.
func (m *Middleware) authenticate(r *http.Request) (*auth.Identity, error) {
	ctx := r.Context()

	if email, username := r.Header.Get(defaults.AuthProxyEmailHeader), r.Header.Get(defaults.AuthProxyUserHeader); email != "" || username != "" {
		return m.proxyIdentity(ctx, email, username)
	}

	if header := r.Header.Get("Authorization"); header != "" {
		return m.bearerIdentity(ctx, header)
	}

	cookie, err := r.Cookie(defaults.SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, httplib.Unauthorized("missing session cookie")
	}
	identity, err := m.cfg.Auth.ValidateSession(ctx, cookie.Value)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return identity, nil
}

func (m *Middleware) proxyIdentity(ctx context.Context, email, username string) (*auth.Identity, error) {
	user, err := m.cfg.Auth.UserFromProxyHeaders(ctx, email, username)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !user.Active || !user.Approved {
		return nil, httplib.Unauthorized("account is disabled")
	}
	permissions, err := m.cfg.Auth.ResolvePermissions(ctx, user)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &auth.Identity{User: *user, Permissions: permissions}, nil
}

func (m *Middleware) bearerIdentity(ctx context.Context, header string) (*auth.Identity, error) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return nil, trace.BadParameter("malformed Authorization header")
	}
	claims, err := m.cfg.Auth.VerifyAccessToken(ctx, token)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, httplib.Unauthorized("invalid access token")
	}

	// Access tokens carry their permissions directly; app grants arrive as
	// allowed app names.
	permissions := make([]string, 0, len(claims.Permissions)+len(claims.AllowedApps))
	permissions = append(permissions, claims.Permissions...)
	for _, app := range claims.AllowedApps {
		permissions = append(permissions, auth.AppPermissionPrefix+app)
	}

	return &auth.Identity{
		User: storage.User{
			ID:       userID,
			Email:    claims.Email,
			Active:   true,
			Approved: true,
		},
		Permissions: permissions,
	}, nil
}
