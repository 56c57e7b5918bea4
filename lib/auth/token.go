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
	"crypto/rsa"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/kubarr/kubarr/lib/httplib"
)

// tokenIssuer is the iss/aud claim of access tokens.
const tokenIssuer = "kubarr"

// sessionClaims is the payload of a session cookie token. The session id is
// the only field: expiry, revocation and user state are decided against the
// stored row, and the signature exists solely to stop clients forging ids.
type sessionClaims struct {
	SID string `json:"sid"`
	jwt.RegisteredClaims
}

// encodeSessionToken signs {sid} with the process key.
func encodeSessionToken(key *rsa.PrivateKey, sessionID string) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, sessionClaims{SID: sessionID}).
		SignedString(key)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

// decodeSessionToken verifies the signature and extracts the session id.
// Failures collapse into a generic unauthorized error.
func decodeSessionToken(key *rsa.PublicKey, raw string) (string, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (interface{}, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
	)
	if err != nil {
		return "", httplib.Unauthorized("invalid session")
	}
	if claims.SID == "" {
		return "", httplib.Unauthorized("invalid session")
	}
	return claims.SID, nil
}

// AccessTokenClaims is the claim set of RS256 access tokens used by API
// clients. Unlike session tokens these carry permissions directly; refresh
// tokens carry TokenType "refresh" and no permissions.
type AccessTokenClaims struct {
	Email       string   `json:"email,omitempty"`
	TokenType   string   `json:"token_type,omitempty"`
	Scope       string   `json:"scope,omitempty"`
	ClientID    string   `json:"client_id,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	AllowedApps []string `json:"allowed_apps,omitempty"`
	jwt.RegisteredClaims
}

// IssueAccessToken signs an access token for a user with the given
// permission set and lifetime, reusing the session signing key.
func (s *Server) IssueAccessToken(ctx context.Context, userID int64, email string, permissions, allowedApps []string, ttl time.Duration) (string, error) {
	key, err := s.SigningKey(ctx)
	if err != nil {
		return "", trace.Wrap(err)
	}
	now := s.cfg.Clock.Now()
	claims := AccessTokenClaims{
		Email:       email,
		Permissions: permissions,
		AllowedApps: allowedApps,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenIssuer},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

// VerifyAccessToken verifies an access token and returns its claims.
func (s *Server) VerifyAccessToken(ctx context.Context, raw string) (*AccessTokenClaims, error) {
	key, err := s.SigningKey(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var claims AccessTokenClaims
	_, err = jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (interface{}, error) { return &key.PublicKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(s.cfg.Clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, httplib.Unauthorized("invalid access token")
	}
	if claims.TokenType == "refresh" {
		return nil, httplib.Unauthorized("refresh token cannot be used for access")
	}
	return &claims, nil
}
