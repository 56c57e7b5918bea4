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

package auth

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/kubarr/kubarr/lib/defaults"
	"github.com/kubarr/kubarr/lib/httplib"
	"github.com/kubarr/kubarr/lib/storage"
)

type testPack struct {
	server  *Server
	storage *storage.Storage
	clock   *clockwork.FakeClock
}

func newTestPack(t *testing.T) *testPack {
	t.Helper()
	clock := clockwork.NewFakeClock()
	db, err := storage.Open(storage.Config{
		Path:  filepath.Join(t.TempDir(), "test.db"),
		Clock: clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	server, err := NewServer(ServerConfig{
		Storage: db,
		Clock:   clock,
	})
	require.NoError(t, err)
	return &testPack{server: server, storage: db, clock: clock}
}

func (p *testPack) createUser(t *testing.T, username string, active, approved bool) *storage.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)
	user := &storage.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: string(hash),
		Active:       active,
		Approved:     approved,
	}
	_, err = p.storage.CreateUser(context.Background(), user)
	require.NoError(t, err)
	return user
}

func (p *testPack) assignRole(t *testing.T, userID int64, roleName string) int64 {
	t.Helper()
	role, err := p.storage.GetRoleByName(context.Background(), roleName)
	require.NoError(t, err)
	require.NoError(t, p.storage.AssignRole(context.Background(), userID, role.ID))
	return role.ID
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := newTestPack(t)
	alice := p.createUser(t, "alice", true, true)

	token, expiresAt, err := p.server.IssueSession(ctx, alice.ID, "test-agent", "10.0.0.1")
	require.NoError(t, err)
	require.True(t, expiresAt.Equal(p.clock.Now().Add(defaults.SessionTTL)))

	identity, err := p.server.ValidateSession(ctx, token)
	require.NoError(t, err)
	require.Equal(t, alice.ID, identity.User.ID)
	require.Equal(t, "alice", identity.User.Username)
	require.NotEmpty(t, identity.SessionID)
	p.server.waitForTouches()
}

func TestValidateSessionFailures(t *testing.T) {
	ctx := context.Background()
	p := newTestPack(t)
	alice := p.createUser(t, "alice", true, true)
	disabled := p.createUser(t, "mallory", false, true)

	aliceToken, _, err := p.server.IssueSession(ctx, alice.ID, "", "")
	require.NoError(t, err)
	disabledToken, _, err := p.server.IssueSession(ctx, disabled.ID, "", "")
	require.NoError(t, err)

	t.Run("tampered token", func(t *testing.T) {
		_, err := p.server.ValidateSession(ctx, aliceToken+"x")
		require.True(t, httplib.IsUnauthorized(err))
	})
	t.Run("garbage token", func(t *testing.T) {
		_, err := p.server.ValidateSession(ctx, "not-a-token")
		require.True(t, httplib.IsUnauthorized(err))
	})
	t.Run("disabled user", func(t *testing.T) {
		_, err := p.server.ValidateSession(ctx, disabledToken)
		require.True(t, httplib.IsUnauthorized(err))
	})
	t.Run("revoked", func(t *testing.T) {
		identity, err := p.server.ValidateSession(ctx, aliceToken)
		require.NoError(t, err)
		require.NoError(t, p.server.RevokeSession(ctx, identity.SessionID))
		_, err = p.server.ValidateSession(ctx, aliceToken)
		require.True(t, httplib.IsUnauthorized(err))
	})
	t.Run("expired", func(t *testing.T) {
		token, _, err := p.server.IssueSession(ctx, alice.ID, "", "")
		require.NoError(t, err)
		p.clock.Advance(defaults.SessionTTL + time.Minute)
		_, err = p.server.ValidateSession(ctx, token)
		require.True(t, httplib.IsUnauthorized(err))
	})
	p.server.waitForTouches()
}

func TestRevokeSessionIdempotent(t *testing.T) {
	ctx := context.Background()
	p := newTestPack(t)
	alice := p.createUser(t, "alice", true, true)

	token, _, err := p.server.IssueSession(ctx, alice.ID, "", "")
	require.NoError(t, err)
	identity, err := p.server.ValidateSession(ctx, token)
	require.NoError(t, err)

	require.NoError(t, p.server.RevokeSession(ctx, identity.SessionID))
	require.NoError(t, p.server.RevokeSession(ctx, identity.SessionID))
	p.server.waitForTouches()
}

func TestAuthenticateUser(t *testing.T) {
	ctx := context.Background()
	p := newTestPack(t)
	p.createUser(t, "alice", true, true)
	p.createUser(t, "mallory", false, true)

	user, err := p.server.AuthenticateUser(ctx, "alice", "correct horse")
	require.NoError(t, err)
	require.Equal(t, "alice", user.Username)

	// Wrong password, unknown user and disabled account all collapse into
	// the same generic failure.
	for _, tc := range []struct{ username, password string }{
		{"alice", "wrong"},
		{"nobody", "correct horse"},
		{"mallory", "correct horse"},
	} {
		_, err := p.server.AuthenticateUser(ctx, tc.username, tc.password)
		require.True(t, httplib.IsUnauthorized(err))
		require.Equal(t, "invalid username or password", err.Error())
	}
}

func TestResolvePermissionsAdminBypass(t *testing.T) {
	ctx := context.Background()
	p := newTestPack(t)
	root := p.createUser(t, "root", true, true)
	p.assignRole(t, root.ID, AdminRole)

	perms, err := p.server.ResolvePermissions(ctx, root)
	require.NoError(t, err)
	require.Contains(t, perms, WildcardAppPermission)
	for _, perm := range AllActionPermissions {
		require.True(t, HasPermission(perms, perm))
	}
	require.True(t, HasAppAccess(perms, "anything-we-havent-seen"))
}

func TestResolvePermissionsRoleUnion(t *testing.T) {
	ctx := context.Background()
	p := newTestPack(t)
	alice := p.createUser(t, "alice", true, true)
	viewerID := p.assignRole(t, alice.ID, "viewer")
	downloaderID := p.assignRole(t, alice.ID, "downloader")

	require.NoError(t, p.storage.AddActionPermission(ctx, viewerID, PermAppsView))
	require.NoError(t, p.storage.AddActionPermission(ctx, downloaderID, PermAppsView))
	require.NoError(t, p.storage.AddActionPermission(ctx, downloaderID, PermStorageDownload))
	require.NoError(t, p.storage.AddAppGrant(ctx, viewerID, "jellyfin"))

	perms, err := p.server.ResolvePermissions(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, []string{"app.jellyfin", PermAppsView, PermStorageDownload}, perms)

	// Resolution is deterministic across calls.
	again, err := p.server.ResolvePermissions(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, perms, again)

	require.True(t, HasAppAccess(perms, "jellyfin"))
	require.False(t, HasAppAccess(perms, "qbittorrent"))
	require.False(t, HasPermission(perms, PermUsersManage))
}

func TestHasPermissionOrderInvariance(t *testing.T) {
	forward := []string{"app.jellyfin", PermAppsView, PermMonitoringView}
	backward := []string{PermMonitoringView, PermAppsView, "app.jellyfin"}
	for _, perm := range []string{"app.jellyfin", PermAppsView, PermMonitoringView} {
		require.Equal(t, HasPermission(forward, perm), HasPermission(backward, perm))
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := newTestPack(t)
	alice := p.createUser(t, "alice", true, true)

	token, err := p.server.IssueAccessToken(ctx, alice.ID, alice.Email,
		[]string{PermAppsView}, []string{"jellyfin"}, time.Hour)
	require.NoError(t, err)

	claims, err := p.server.VerifyAccessToken(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "1", claims.Subject)
	require.Equal(t, alice.Email, claims.Email)
	require.Equal(t, []string{PermAppsView}, claims.Permissions)
	require.Equal(t, []string{"jellyfin"}, claims.AllowedApps)

	t.Run("expired", func(t *testing.T) {
		p.clock.Advance(2 * time.Hour)
		_, err := p.server.VerifyAccessToken(ctx, token)
		require.True(t, httplib.IsUnauthorized(err))
	})
}

func TestAccessTokenRejectsTampering(t *testing.T) {
	ctx := context.Background()
	p := newTestPack(t)
	alice := p.createUser(t, "alice", true, true)

	token, err := p.server.IssueAccessToken(ctx, alice.ID, alice.Email, nil, nil, time.Hour)
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	_, err = p.server.VerifyAccessToken(ctx, tampered)
	require.True(t, httplib.IsUnauthorized(err))
}

func TestSigningKeyPersists(t *testing.T) {
	ctx := context.Background()
	p := newTestPack(t)

	first, err := p.server.SigningKey(ctx)
	require.NoError(t, err)

	// A second server over the same database loads the same key instead of
	// generating a new one.
	other, err := NewServer(ServerConfig{Storage: p.storage, Clock: p.clock})
	require.NoError(t, err)
	second, err := other.SigningKey(ctx)
	require.NoError(t, err)
	require.Equal(t, first.D, second.D)
}

func TestDeriveUsername(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{email: "alice@example.com", want: "alice"},
		{email: "Alice.Smith@example.com", want: "alice_smith"},
		{email: "we+ird$chars@example.com", want: "weirdchars"},
		{email: "@example.com", want: "user"},
	}
	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			require.Equal(t, tt.want, deriveUsername(tt.email))
		})
	}
}

func TestUserFromProxyHeaders(t *testing.T) {
	ctx := context.Background()
	p := newTestPack(t)

	// Unknown email auto-provisions an active, approved account.
	user, err := p.server.UserFromProxyHeaders(ctx, "bob@example.com", "")
	require.NoError(t, err)
	require.Equal(t, "bob", user.Username)
	require.True(t, user.Active)
	require.True(t, user.Approved)

	// The same email resolves to the same account.
	again, err := p.server.UserFromProxyHeaders(ctx, "bob@example.com", "")
	require.NoError(t, err)
	require.Equal(t, user.ID, again.ID)

	// A colliding local part gets a numeric suffix.
	other, err := p.server.UserFromProxyHeaders(ctx, "bob@other.org", "")
	require.NoError(t, err)
	require.Equal(t, "bob1", other.Username)
}
