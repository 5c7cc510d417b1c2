// Package server exposes the HTTP handlers: health check, WebSocket upgrade
// and Prometheus metrics.
package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatrelay/internal/wsnet"
)

// WebSocketHandler upgrades GET requests on /ws and attaches the connection
// to the relay. Browsers and other WebSocket peers then exchange codec
// frames inside binary messages.
func (r *Relay) WebSocketHandler() http.HandlerFunc {
	policy := newOriginPolicy(r.cfg.Origins(), r.log)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     policy.checkOrigin,
	}

	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}
		if r.State() == StateStopped {
			http.Error(w, "relay stopped", http.StatusServiceUnavailable)
			return
		}

		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			// Upgrade has already written the error response.
			r.log.Warn("WebSocket upgrade failed", "remote", req.RemoteAddr, "err", err)
			return
		}

		if _, err := r.attach(wsnet.NewConn(ws), "websocket"); err != nil {
			_ = ws.Close()
		}
	}
}

// HealthHandler reports the relay state and the number of connected clients.
// It answers 503 once the relay is stopped.
func (r *Relay) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	state := r.State()
	if state == StateStopped {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = fmt.Fprintf(w, "chatrelay %s codec=%s clients=%d\n", state, r.codec.Name(), r.registry.Len())
}
