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

	"github.com/gravitational/trace"
)

// User is a human account. Users are never hard-deleted while sessions
// reference them; disabling happens through the active flag.
type User struct {
	ID           int64          `db:"id" json:"id"`
	Username     string         `db:"username" json:"username"`
	Email        string         `db:"email" json:"email"`
	PasswordHash string         `db:"password_hash" json:"-"`
	Active       bool           `db:"active" json:"active"`
	Approved     bool           `db:"approved" json:"approved"`
	TOTPSecret   sql.NullString `db:"totp_secret" json:"-"`
	TOTPEnabled  bool           `db:"totp_enabled" json:"totp_enabled"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

// CreateUser inserts a new user and returns its id. Duplicate usernames or
// emails convert to AlreadyExists.
func (s *Storage) CreateUser(ctx context.Context, u *User) (int64, error) {
	now := s.clock.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, email, password_hash, active, approved, totp_enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.Username, u.Email, u.PasswordHash, u.Active, u.Approved, u.TOTPEnabled, now, now)
	if err != nil {
		return 0, convertError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, trace.Wrap(err)
	}
	u.ID = id
	u.CreatedAt, u.UpdatedAt = now, now
	return id, nil
}

// GetUserByID fetches a user by primary key.
func (s *Storage) GetUserByID(ctx context.Context, id int64) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = ?`, id)
	if err != nil {
		return nil, convertError(err)
	}
	return &u, nil
}

// GetUserByUsername fetches a user by its unique username.
func (s *Storage) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE username = ?`, username)
	if err != nil {
		return nil, convertError(err)
	}
	return &u, nil
}

// GetUserByEmail fetches a user by its unique email.
func (s *Storage) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE email = ?`, email)
	if err != nil {
		return nil, convertError(err)
	}
	return &u, nil
}

// UsernameExists reports whether a username is taken.
func (s *Storage) UsernameExists(ctx context.Context, username string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT count(1) FROM users WHERE username = ?`, username)
	if err != nil {
		return false, convertError(err)
	}
	return n > 0, nil
}
