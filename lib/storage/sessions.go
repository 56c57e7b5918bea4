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

package storage

import (
	"context"
	"database/sql"
	"time"
)

// Session is a database-resident record establishing that a cookie value
// represents an authenticated user. ExpiresAt is the hard boundary;
// Revoked is soft revocation.
type Session struct {
	ID             string         `db:"id" json:"id"`
	UserID         int64          `db:"user_id" json:"user_id"`
	UserAgent      sql.NullString `db:"user_agent" json:"user_agent,omitempty"`
	IP             sql.NullString `db:"ip" json:"ip,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	ExpiresAt      time.Time      `db:"expires_at" json:"expires_at"`
	LastAccessedAt time.Time      `db:"last_accessed_at" json:"last_accessed_at"`
	Revoked        bool           `db:"revoked" json:"revoked"`
}

// CreateSession inserts a new session row.
func (s *Storage) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, user_agent, ip, created_at, expires_at, last_accessed_at, revoked)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.UserAgent, sess.IP,
		sess.CreatedAt, sess.ExpiresAt, sess.LastAccessedAt, sess.Revoked)
	return convertError(err)
}

// GetSession fetches a session row by id.
func (s *Storage) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, `SELECT * FROM sessions WHERE id = ?`, id)
	if err != nil {
		return nil, convertError(err)
	}
	return &sess, nil
}

// TouchSession updates last_accessed_at. Missing rows are ignored: the
// touch is best-effort and races with revocation are harmless.
func (s *Storage) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_accessed_at = ? WHERE id = ?`, at.UTC(), id)
	return convertError(err)
}

// RevokeSession marks a session revoked. Idempotent.
func (s *Storage) RevokeSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET revoked = 1 WHERE id = ?`, id)
	return convertError(err)
}

// ListUserSessions returns all sessions for a user, newest first.
func (s *Storage) ListUserSessions(ctx context.Context, userID int64) ([]Session, error) {
	var sessions []Session
	err := s.db.SelectContext(ctx, &sessions,
		`SELECT * FROM sessions WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, convertError(err)
	}
	return sessions, nil
}
