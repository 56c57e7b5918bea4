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
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"

	"github.com/gravitational/trace"

	"github.com/kubarr/kubarr/lib/storage"
)

// signingKeyBits is the RSA modulus size for the process key pair.
const signingKeyBits = 2048

// SigningKey returns the process RSA key pair, generating and persisting
// it on first boot. Subsequent calls are served from the in-memory cache.
func (s *Server) SigningKey(ctx context.Context) (*rsa.PrivateKey, error) {
	s.keyMu.RLock()
	key := s.signingKey
	s.keyMu.RUnlock()
	if key != nil {
		return key, nil
	}

	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	if s.signingKey != nil {
		return s.signingKey, nil
	}

	pemKey, err := s.cfg.Storage.GetSetting(ctx, storage.SettingJWTPrivateKey)
	switch {
	case err == nil:
		key, err = parsePrivateKeyPEM([]byte(pemKey))
		if err != nil {
			return nil, trace.Wrap(err)
		}
	case trace.IsNotFound(err):
		key, err = s.generateAndPersistKey(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	default:
		return nil, trace.Wrap(err)
	}

	s.signingKey = key
	return key, nil
}

func (s *Server) generateAndPersistKey(ctx context.Context) (*rsa.PrivateKey, error) {
	s.cfg.Log.InfoContext(ctx, "Generating process signing key pair.")
	key, err := rsa.GenerateKey(rand.Reader, signingKeyBits)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubDER,
	})

	if err := s.cfg.Storage.SetSetting(ctx, storage.SettingJWTPrivateKey, string(privPEM)); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.cfg.Storage.SetSetting(ctx, storage.SettingJWTPublicKey, string(pubPEM)); err != nil {
		return nil, trace.Wrap(err)
	}
	return key, nil
}

func parsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, trace.BadParameter("stored signing key is not valid PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, trace.Wrap(err, "failed to parse stored signing key")
	}
	return key, nil
}
