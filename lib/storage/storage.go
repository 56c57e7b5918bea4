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

// Package storage implements the sqlite-backed persistence layer for users,
// roles, sessions, bootstrap component state and system settings.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/url"

	"github.com/gravitational/trace"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// Config holds parameters for opening the storage layer.
type Config struct {
	// Path is the sqlite database file path, or ":memory:" for tests.
	Path string
	// Clock is used for all row timestamps.
	Clock clockwork.Clock
	// Log is the storage logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing parameter Path")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With("component", "storage")
	}
	return nil
}

// Storage provides access to the kubarr database.
type Storage struct {
	db    *sqlx.DB
	clock clockwork.Clock
	log   *slog.Logger
}

// Open opens the database at the configured path and applies the schema.
func Open(cfg Config) (*Storage, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	dsn := "file:" + cfg.Path + "?" + url.Values{
		"_busy_timeout": []string{"10000"},
		"_fk":           []string{"true"},
		"_journal_mode": []string{"WAL"},
	}.Encode()
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, trace.Wrap(err, "failed to open database %q", cfg.Path)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent bootstrap tasks.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db, clock: cfg.Clock, log: cfg.Log}
	if err := s.applySchema(context.Background()); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	return trace.Wrap(s.db.Close())
}

// inQuery expands an IN (?) clause for the given ids.
func inQuery(query string, ids []int64) (string, []interface{}, error) {
	q, args, err := sqlx.In(query, ids)
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	return q, args, nil
}

// convertError converts driver errors to the canonical taxonomy.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return trace.NotFound("not found")
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		return trace.AlreadyExists("already exists: %v", serr)
	}
	return trace.Wrap(err)
}

func (s *Storage) applySchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return trace.Wrap(err, "failed to apply schema")
		}
	}
	return trace.Wrap(s.seedRoles(ctx))
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		approved INTEGER NOT NULL DEFAULT 0,
		totp_secret TEXT,
		totp_enabled INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS roles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		description TEXT,
		is_system INTEGER NOT NULL DEFAULT 0,
		requires_2fa INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS role_assignments (
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role_id INTEGER NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		PRIMARY KEY (user_id, role_id)
	)`,
	`CREATE TABLE IF NOT EXISTS action_permissions (
		role_id INTEGER NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		permission TEXT NOT NULL,
		UNIQUE (role_id, permission)
	)`,
	`CREATE TABLE IF NOT EXISTS app_grants (
		role_id INTEGER NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		app_name TEXT NOT NULL,
		UNIQUE (role_id, app_name)
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		user_agent TEXT,
		ip TEXT,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		last_accessed_at TIMESTAMP NOT NULL,
		revoked INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS bootstrap_components (
		component TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		message TEXT,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		error TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS system_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// seedRoles inserts the three system roles if they are missing.
func (s *Storage) seedRoles(ctx context.Context) error {
	now := s.clock.Now().UTC()
	for _, r := range []struct {
		name, description string
	}{
		{"admin", "Full administrative access"},
		{"viewer", "Read-only access to granted apps"},
		{"downloader", "Access to download clients"},
	} {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO roles (name, description, is_system, created_at)
			 VALUES (?, ?, 1, ?)
			 ON CONFLICT (name) DO NOTHING`,
			r.name, r.description, now)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}
