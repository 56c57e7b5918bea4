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

package authz

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/kubarr/kubarr/lib/auth"
	"github.com/kubarr/kubarr/lib/defaults"
	"github.com/kubarr/kubarr/lib/storage"
)

type testPack struct {
	middleware *Middleware
	auth       *auth.Server
	storage    *storage.Storage
	user       *storage.User
	cookie     string
}

func newTestPack(t *testing.T) *testPack {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()

	db, err := storage.Open(storage.Config{
		Path:  filepath.Join(t.TempDir(), "test.db"),
		Clock: clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	authServer, err := auth.NewServer(auth.ServerConfig{Storage: db, Clock: clock})
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.MinCost)
	require.NoError(t, err)
	user := &storage.User{
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: string(hash),
		Active:       true,
		Approved:     true,
	}
	_, err = db.CreateUser(ctx, user)
	require.NoError(t, err)

	cookie, _, err := authServer.IssueSession(ctx, user.ID, "", "")
	require.NoError(t, err)

	middleware, err := NewMiddleware(MiddlewareConfig{Auth: authServer})
	require.NoError(t, err)
	return &testPack{
		middleware: middleware,
		auth:       authServer,
		storage:    db,
		user:       user,
		cookie:     cookie,
	}
}

// identityEcho records whether an identity reached the inner handler.
func identityEcho(got **auth.Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if identity, err := IdentityFromContext(r.Context()); err == nil {
			*got = identity
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareSessionCookie(t *testing.T) {
	p := newTestPack(t)

	var identity *auth.Identity
	handler := p.middleware.Wrap(identityEcho(&identity))

	req := httptest.NewRequest("GET", "/api/user", nil)
	req.AddCookie(&http.Cookie{Name: defaults.SessionCookieName, Value: p.cookie})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, identity)
	require.Equal(t, p.user.ID, identity.User.ID)
}

func TestMiddlewareRejectsAPIWithoutSession(t *testing.T) {
	p := newTestPack(t)

	var identity *auth.Identity
	handler := p.middleware.Wrap(identityEcho(&identity))

	req := httptest.NewRequest("GET", "/api/user", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Nil(t, identity)
	require.JSONEq(t, `{"detail":"not authenticated"}`, rec.Body.String())
}

func TestMiddlewarePassesNonAPIWithoutSession(t *testing.T) {
	p := newTestPack(t)

	var identity *auth.Identity
	handler := p.middleware.Wrap(identityEcho(&identity))

	// The SPA shell must load for anonymous visitors.
	req := httptest.NewRequest("GET", "/login", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, identity)
}

func TestMiddlewareSkipsSetupSurface(t *testing.T) {
	p := newTestPack(t)

	handler := p.middleware.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/auth/login", "/api/bootstrap/status"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, "path %q", path)
	}
}

func TestMiddlewareBearerToken(t *testing.T) {
	p := newTestPack(t)
	ctx := context.Background()

	token, err := p.auth.IssueAccessToken(ctx, p.user.ID, p.user.Email,
		[]string{auth.PermAppsView}, []string{"jellyfin"}, time.Hour)
	require.NoError(t, err)

	var identity *auth.Identity
	handler := p.middleware.Wrap(identityEcho(&identity))

	req := httptest.NewRequest("GET", "/api/apps", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, identity)
	require.Equal(t, p.user.ID, identity.User.ID)
	require.Contains(t, identity.Permissions, auth.PermAppsView)
	require.Contains(t, identity.Permissions, "app.jellyfin")
}

func TestMiddlewareProxyHeaders(t *testing.T) {
	p := newTestPack(t)

	var identity *auth.Identity
	handler := p.middleware.Wrap(identityEcho(&identity))

	req := httptest.NewRequest("GET", "/api/user", nil)
	req.Header.Set(defaults.AuthProxyEmailHeader, "carol@example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, identity)
	require.Equal(t, "carol", identity.User.Username)
}

func TestRequirePermission(t *testing.T) {
	ctx := ContextWithIdentity(context.Background(), &auth.Identity{
		Permissions: []string{auth.PermAppsView},
	})

	_, err := RequirePermission(ctx, auth.PermAppsView)
	require.NoError(t, err)

	_, err = RequirePermission(ctx, auth.PermUsersManage)
	require.Error(t, err)
	require.Equal(t, "Permission denied: users.manage required", err.Error())

	_, err = RequirePermission(context.Background(), auth.PermAppsView)
	require.Error(t, err)
}
