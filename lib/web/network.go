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
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/kubarr/kubarr/lib/auth"
	"github.com/kubarr/kubarr/lib/authz"
	"github.com/kubarr/kubarr/lib/httplib"
)

// networkStats returns the current smoothed per-namespace rates.
func (h *Handler) networkStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	if _, err := authz.RequirePermission(r.Context(), auth.PermMonitoringView); err != nil {
		return nil, trace.Wrap(err)
	}
	return h.cfg.Telemetry.Stats(), nil
}

// networkEvents streams network_metrics messages over a WebSocket.
func (h *Handler) networkEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if _, err := authz.RequirePermission(r.Context(), auth.PermMonitoringView); err != nil {
		httplib.ReplyError(r.Context(), w, err)
		return
	}
	h.serveEventStream(w, r, h.cfg.Telemetry.Subscribe())
}
