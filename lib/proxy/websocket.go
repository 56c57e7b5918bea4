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

package proxy

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
)

// controlWriteWait bounds control frame writes during the relay.
const controlWriteWait = 10 * time.Second

// IsWebSocketUpgrade reports whether the request asks to upgrade the
// connection to a WebSocket.
func IsWebSocketUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// WebSocketConfig holds parameters for the WebSocket bridge.
type WebSocketConfig struct {
	// Dialer opens the upstream connection.
	Dialer *websocket.Dialer
	// Upgrader upgrades the client connection.
	Upgrader *websocket.Upgrader
	// Log is the bridge logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *WebSocketConfig) CheckAndSetDefaults() error {
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Upgrader == nil {
		// Session auth already ran; the apps behind the proxy are not
		// origin-aware, so cross-origin upgrades are allowed through.
		c.Upgrader = &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		}
	}
	if c.Log == nil {
		c.Log = slog.With("component", "proxy")
	}
	return nil
}

// WebSocketBridge relays WebSocket traffic between a browser and an app
// backend, one goroutine pumping each direction.
type WebSocketBridge struct {
	cfg WebSocketConfig
}

// NewWebSocketBridge creates a WebSocket bridge.
func NewWebSocketBridge(cfg WebSocketConfig) (*WebSocketBridge, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &WebSocketBridge{cfg: cfg}, nil
}

// Bridge dials the upstream WebSocket at targetURL, upgrades the client
// connection and relays frames both ways until either side disconnects.
// targetURL uses the http scheme and is rewritten to ws before dialing.
func (b *WebSocketBridge) Bridge(w http.ResponseWriter, r *http.Request, appName, targetURL string) error {
	wsURL := strings.Replace(targetURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	header := make(http.Header)
	for key, values := range r.Header {
		if isWebSocketHeader(key) || isHopHeader(key) {
			continue
		}
		header[key] = values
	}

	upstream, resp, err := b.cfg.Dialer.DialContext(r.Context(), wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return trace.ConnectionProblem(err, "app %q refused the websocket connection", appName)
	}
	if resp != nil {
		resp.Body.Close()
	}

	client, err := b.cfg.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		upstream.Close()
		// Upgrade already wrote the error response.
		return nil
	}

	log := b.cfg.Log.With("app", appName)
	relayControl(client, upstream)
	relayControl(upstream, client)

	var once sync.Once
	teardown := func() {
		once.Do(func() {
			client.Close()
			upstream.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer teardown()
		pump(client, upstream, log)
	}()
	go func() {
		defer wg.Done()
		defer teardown()
		pump(upstream, client, log)
	}()
	wg.Wait()
	return nil
}

// pump copies frames from src to dst until either connection fails. Close
// frames terminate the read loop inside gorilla and surface as errors, so
// closing both ends on return propagates the disconnect.
func pump(src, dst *websocket.Conn, log *slog.Logger) {
	for {
		messageType, payload, err := src.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				log.Debug("WebSocket relay terminated.", "error", err)
			}
			return
		}
		if err := dst.WriteMessage(messageType, payload); err != nil {
			log.Debug("WebSocket relay write failed.", "error", err)
			return
		}
	}
}

// relayControl forwards ping, pong and close frames from src to dst
// instead of answering them locally, keeping the two endpoints' keepalive
// and shutdown exchanges intact across the relay.
func relayControl(src, dst *websocket.Conn) {
	src.SetPingHandler(func(data string) error {
		return dst.WriteControl(websocket.PingMessage, []byte(data), time.Now().Add(controlWriteWait))
	})
	src.SetPongHandler(func(data string) error {
		return dst.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWriteWait))
	})
	src.SetCloseHandler(func(code int, text string) error {
		message := websocket.FormatCloseMessage(code, text)
		dst.WriteControl(websocket.CloseMessage, message, time.Now().Add(controlWriteWait))
		return nil
	})
}

// isWebSocketHeader reports headers owned by the WebSocket handshake; the
// dialer generates its own.
func isWebSocketHeader(key string) bool {
	return strings.HasPrefix(http.CanonicalHeaderKey(key), "Sec-Websocket-")
}
