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

package defaults

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsReservedPathSegment(t *testing.T) {
	tests := []struct {
		segment  string
		reserved bool
	}{
		{segment: "api", reserved: true},
		{segment: "auth", reserved: true},
		{segment: "proxy", reserved: true},
		{segment: "assets", reserved: true},
		{segment: "login", reserved: true},
		{segment: "setup", reserved: true},
		{segment: "favicon.svg", reserved: true},
		{segment: "manifest.json", reserved: true},
		{segment: "jellyfin", reserved: false},
		{segment: "qbittorrent", reserved: false},
	}
	for _, tt := range tests {
		t.Run(tt.segment, func(t *testing.T) {
			require.Equal(t, tt.reserved, IsReservedPathSegment(tt.segment))
		})
	}
}

func TestIsHiddenNamespace(t *testing.T) {
	tests := []struct {
		namespace string
		hidden    bool
	}{
		{namespace: "kube-system", hidden: true},
		{namespace: "kube-public", hidden: true},
		{namespace: "local-path-storage", hidden: true},
		{namespace: "default", hidden: true},
		{namespace: "linux", hidden: true},
		{namespace: "", hidden: true},
		{namespace: "jellyfin", hidden: false},
		{namespace: "victoria-metrics", hidden: false},
	}
	for _, tt := range tests {
		t.Run(tt.namespace, func(t *testing.T) {
			require.Equal(t, tt.hidden, IsHiddenNamespace(tt.namespace))
		})
	}
}
