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
)

// bootstrapStatusResponse is the GET /api/bootstrap/status shape.
type bootstrapStatusResponse struct {
	Complete   bool        `json:"complete"`
	Started    bool        `json:"started"`
	Components interface{} `json:"components"`
}

// The bootstrap surface is reachable without a session: it runs before
// the first user exists. The auth gate skips /api/bootstrap/ paths.
func (h *Handler) bootstrapStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	ctx := r.Context()
	components, err := h.cfg.Bootstrap.GetStatus(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	complete, err := h.cfg.Bootstrap.IsComplete(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	started, err := h.cfg.Bootstrap.HasStarted(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return bootstrapStatusResponse{
		Complete:   complete,
		Started:    started,
		Components: components,
	}, nil
}

func (h *Handler) bootstrapStart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	ctx := r.Context()
	complete, err := h.cfg.Bootstrap.IsComplete(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if complete {
		return nil, trace.AlreadyExists("bootstrap has already completed")
	}

	// The install runs detached from the request; progress is observed
	// through the event stream or polled status.
	go func() {
		if err := h.cfg.Bootstrap.Start(h.detachedContext()); err != nil {
			h.cfg.Log.Error("Bootstrap run finished with failures.", "error", err)
		}
	}()
	return map[string]string{"status": "started"}, nil
}

func (h *Handler) bootstrapRetry(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	component := p.ByName("component")
	go func() {
		if err := h.cfg.Bootstrap.Retry(h.detachedContext(), component); err != nil {
			h.cfg.Log.Error("Bootstrap retry failed.", "component", component, "error", err)
		}
	}()
	return map[string]string{"status": "retrying", "component": component}, nil
}

// bootstrapEvents streams install progress over a WebSocket.
func (h *Handler) bootstrapEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	h.serveEventStream(w, r, h.cfg.Bootstrap.Subscribe())
}
