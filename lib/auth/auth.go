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

// Package auth implements the session plane: cookie sessions backed by
// RSA-signed tokens whose only payload is a session id, the process
// signing key pair, access tokens for API clients, and the role based
// permission resolver.
package auth

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"

	"github.com/kubarr/kubarr/lib/defaults"
	"github.com/kubarr/kubarr/lib/httplib"
	"github.com/kubarr/kubarr/lib/storage"
)

// ServerConfig holds parameters for the auth server.
type ServerConfig struct {
	// Storage is the persistence layer.
	Storage *storage.Storage
	// SessionTTL bounds the lifetime of issued sessions.
	SessionTTL time.Duration
	// Clock is used for expiry decisions and row timestamps.
	Clock clockwork.Clock
	// Log is the auth logger.
	Log *slog.Logger
	// TouchTimeout bounds the detached last-access update.
	TouchTimeout time.Duration
}

// CheckAndSetDefaults checks and sets default values.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.Storage == nil {
		return trace.BadParameter("missing parameter Storage")
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = defaults.SessionTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With("component", "auth")
	}
	if c.TouchTimeout == 0 {
		c.TouchTimeout = 5 * time.Second
	}
	return nil
}

// Server owns sessions, tokens and permission resolution. It is stateless
// outside the database apart from the cached signing key and is safe for
// unlimited concurrency.
type Server struct {
	cfg ServerConfig

	// keyMu guards the read-through signing key cache.
	keyMu      sync.RWMutex
	signingKey *rsa.PrivateKey

	// touchWG tracks detached last-access updates so tests can drain them.
	touchWG sync.WaitGroup
}

// NewServer creates an auth server and ensures the signing key pair exists.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Server{cfg: cfg}
	if _, err := s.SigningKey(context.Background()); err != nil {
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// Identity is the authenticated principal attached to a request.
type Identity struct {
	// User is the database user record.
	User storage.User
	// Permissions is the resolved permission set, sorted and deduplicated.
	Permissions []string
	// SessionID is set when the identity came from a session cookie.
	SessionID string
}

// AuthenticateUser verifies a username/password pair. All failure modes
// collapse into a generic unauthorized error.
func (s *Server) AuthenticateUser(ctx context.Context, username, password string) (*storage.User, error) {
	user, err := s.cfg.Storage.GetUserByUsername(ctx, username)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, httplib.Unauthorized("invalid username or password")
		}
		return nil, trace.Wrap(err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, httplib.Unauthorized("invalid username or password")
	}
	if !user.Active || !user.Approved {
		return nil, httplib.Unauthorized("account is disabled")
	}
	return user, nil
}

// waitForTouches blocks until detached last-access updates finish. Used by
// tests only.
func (s *Server) waitForTouches() {
	s.touchWG.Wait()
}
