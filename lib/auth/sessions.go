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
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/kubarr/kubarr/lib/httplib"
	"github.com/kubarr/kubarr/lib/storage"
)

// IssueSession creates a session row for a user and returns the signed
// cookie value together with the session expiry.
func (s *Server) IssueSession(ctx context.Context, userID int64, userAgent, ip string) (string, time.Time, error) {
	key, err := s.SigningKey(ctx)
	if err != nil {
		return "", time.Time{}, trace.Wrap(err)
	}
	now := s.cfg.Clock.Now().UTC()
	sess := &storage.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		UserAgent:      nullString(userAgent),
		IP:             nullString(ip),
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.SessionTTL),
		LastAccessedAt: now,
	}
	if err := s.cfg.Storage.CreateSession(ctx, sess); err != nil {
		return "", time.Time{}, trace.Wrap(err)
	}
	token, err := encodeSessionToken(key, sess.ID)
	if err != nil {
		return "", time.Time{}, trace.Wrap(err)
	}
	return token, sess.ExpiresAt, nil
}

// ValidateSession verifies a cookie value and returns the identity it
// establishes. A session is valid iff the signature verifies, the row
// exists, it is not revoked, it has not expired, and the referenced user
// is active and approved. The last-access stamp is updated off the request
// path in a detached task.
func (s *Server) ValidateSession(ctx context.Context, cookieValue string) (*Identity, error) {
	key, err := s.SigningKey(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sessionID, err := decodeSessionToken(&key.PublicKey, cookieValue)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sess, err := s.cfg.Storage.GetSession(ctx, sessionID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, httplib.Unauthorized("invalid session")
		}
		return nil, trace.Wrap(err)
	}
	if sess.Revoked {
		return nil, httplib.Unauthorized("session revoked")
	}
	if !sess.ExpiresAt.After(s.cfg.Clock.Now()) {
		return nil, httplib.Unauthorized("session expired")
	}

	user, err := s.cfg.Storage.GetUserByID(ctx, sess.UserID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, httplib.Unauthorized("invalid session")
		}
		return nil, trace.Wrap(err)
	}
	if !user.Active || !user.Approved {
		return nil, httplib.Unauthorized("account is disabled")
	}

	permissions, err := s.ResolvePermissions(ctx, user)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.touchSessionAsync(sess.ID)

	return &Identity{
		User:        *user,
		Permissions: permissions,
		SessionID:   sess.ID,
	}, nil
}

// touchSessionAsync updates last_accessed_at in a detached task so its
// latency never shows up in response time.
func (s *Server) touchSessionAsync(sessionID string) {
	now := s.cfg.Clock.Now()
	s.touchWG.Add(1)
	go func() {
		defer s.touchWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TouchTimeout)
		defer cancel()
		if err := s.cfg.Storage.TouchSession(ctx, sessionID, now); err != nil {
			s.cfg.Log.WarnContext(ctx, "Failed to update session last access time.",
				"session", sessionID, "error", err)
		}
	}()
}

// ListUserSessions returns all sessions belonging to a user, newest first.
func (s *Server) ListUserSessions(ctx context.Context, userID int64) ([]storage.Session, error) {
	sessions, err := s.cfg.Storage.ListUserSessions(ctx, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return sessions, nil
}

// UserOwnsSession reports whether a session belongs to a user. An unknown
// session id returns NotFound.
func (s *Server) UserOwnsSession(ctx context.Context, userID int64, sessionID string) (bool, error) {
	sess, err := s.cfg.Storage.GetSession(ctx, sessionID)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return sess.UserID == userID, nil
}

// RevokeSession marks a session revoked. Idempotent.
func (s *Server) RevokeSession(ctx context.Context, sessionID string) error {
	return trace.Wrap(s.cfg.Storage.RevokeSession(ctx, sessionID))
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
