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
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/kubarr/kubarr/lib/storage"
)

// UserFromProxyHeaders locates the user named by a trusted auth-proxy
// header pair, auto-provisioning a new active and approved account with a
// random password when the email is unknown. The upstream proxy is trusted;
// deployments must strip these headers at the perimeter.
func (s *Server) UserFromProxyHeaders(ctx context.Context, email, username string) (*storage.User, error) {
	if email == "" && username == "" {
		return nil, trace.BadParameter("no auth proxy identity provided")
	}
	if email != "" {
		user, err := s.cfg.Storage.GetUserByEmail(ctx, email)
		if err == nil {
			return user, nil
		}
		if !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
		return s.provisionUser(ctx, email, username)
	}
	user, err := s.cfg.Storage.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return user, nil
}

func (s *Server) provisionUser(ctx context.Context, email, preferredUsername string) (*storage.User, error) {
	base := preferredUsername
	if base == "" {
		base = deriveUsername(email)
	}
	username, err := s.uniqueUsername(ctx, base)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// The password is random and never disclosed: proxy users always come
	// back through the trusted headers.
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return nil, trace.Wrap(err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(secret)), bcrypt.DefaultCost)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	user := &storage.User{
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Active:       true,
		Approved:     true,
	}
	if _, err := s.cfg.Storage.CreateUser(ctx, user); err != nil {
		return nil, trace.Wrap(err)
	}
	s.cfg.Log.InfoContext(ctx, "Auto-provisioned user from auth proxy headers.",
		"username", username, "email", email)
	return user, nil
}

// deriveUsername turns an email into a username: the local part lowercased,
// dots replaced with underscores, all other non-alphanumerics stripped.
func deriveUsername(email string) string {
	local, _, _ := strings.Cut(email, "@")
	local = strings.ToLower(local)
	var b strings.Builder
	for _, r := range local {
		switch {
		case r == '.':
			b.WriteByte('_')
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "user"
	}
	return b.String()
}

// uniqueUsername appends an integer suffix until the username is free.
func (s *Server) uniqueUsername(ctx context.Context, base string) (string, error) {
	candidate := base
	for i := 1; ; i++ {
		taken, err := s.cfg.Storage.UsernameExists(ctx, candidate)
		if err != nil {
			return "", trace.Wrap(err)
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s%d", base, i)
	}
}
