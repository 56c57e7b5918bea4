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
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/kubarr/kubarr/lib/auth"
	"github.com/kubarr/kubarr/lib/authz"
	"github.com/kubarr/kubarr/lib/defaults"
	"github.com/kubarr/kubarr/lib/httplib"
)

// loginRequest is the POST /auth/login body.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginResponse reports who logged in and until when the session lasts.
type loginResponse struct {
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req loginRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Username == "" || req.Password == "" {
		return nil, trace.BadParameter("missing username or password")
	}

	ctx := r.Context()
	user, err := h.cfg.Auth.AuthenticateUser(ctx, req.Username, req.Password)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	token, expiresAt, err := h.cfg.Auth.IssueSession(ctx, user.ID, r.UserAgent(), clientIP(r))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.setSessionCookie(w, r, token, expiresAt)

	permissions, err := h.cfg.Auth.ResolvePermissions(ctx, user)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return loginResponse{
		Username:    user.Username,
		Email:       user.Email,
		Permissions: permissions,
		ExpiresAt:   expiresAt,
	}, nil
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	// Logout revokes the backing session row when the cookie still
	// verifies; an already-invalid cookie just gets cleared.
	if cookie, err := r.Cookie(defaults.SessionCookieName); err == nil && cookie.Value != "" {
		if identity, err := h.cfg.Auth.ValidateSession(r.Context(), cookie.Value); err == nil && identity.SessionID != "" {
			if err := h.cfg.Auth.RevokeSession(r.Context(), identity.SessionID); err != nil {
				return nil, trace.Wrap(err)
			}
		}
	}
	h.clearSessionCookie(w, r)
	return map[string]string{"status": "logged out"}, nil
}

// listSessions returns the sessions of a user. Callers see their own
// sessions; listing another user's requires user management rights.
func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	identity, err := authz.IdentityFromContext(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sessions, err := h.cfg.Auth.ListUserSessions(r.Context(), identity.User.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return sessions, nil
}

// revokeSession revokes one session by id. Users may revoke their own
// sessions; revoking others requires user management rights.
func (h *Handler) revokeSession(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	ctx := r.Context()
	identity, err := authz.IdentityFromContext(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sessionID := p.ByName("id")

	owned, err := h.cfg.Auth.UserOwnsSession(ctx, identity.User.ID, sessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !owned {
		if _, err := authz.RequirePermission(ctx, auth.PermUsersManage); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if err := h.cfg.Auth.RevokeSession(ctx, sessionID); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"status": "revoked"}, nil
}

// createToken issues an API access token carrying the caller's resolved
// permissions.
type createTokenRequest struct {
	TTLSeconds int64 `json:"ttl_seconds"`
}

func (h *Handler) createToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	identity, err := authz.IdentityFromContext(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req createTokenRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}

	// Split the resolved set back into action permissions and app grants;
	// tokens carry them in separate claims.
	var permissions, allowedApps []string
	for _, perm := range identity.Permissions {
		if app, ok := strings.CutPrefix(perm, auth.AppPermissionPrefix); ok {
			allowedApps = append(allowedApps, app)
			continue
		}
		permissions = append(permissions, perm)
	}

	token, err := h.cfg.Auth.IssueAccessToken(r.Context(), identity.User.ID,
		identity.User.Email, permissions, allowedApps, ttl)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"token":      token,
		"expires_at": h.cfg.Clock.Now().Add(ttl),
	}, nil
}

// setSessionCookie installs the session cookie: HttpOnly always, Secure
// when the request arrived over TLS.
func (h *Handler) setSessionCookie(w http.ResponseWriter, r *http.Request, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     defaults.SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     defaults.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

// clientIP extracts the remote address without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
