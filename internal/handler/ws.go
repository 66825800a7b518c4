// Package handler holds the gateway's HTTP surface: the websocket
// handshake endpoint and the health check.
package handler

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/gigconnect/realtime/internal/gateway"
)

// ServeWs upgrades the connection and hands it to the gateway. The
// bearer credential travels in the handshake query string; events never
// carry it.
func ServeWs(g *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			slog.Warn("failed to accept websocket connection", "error", err)
			return
		}

		// HandleConn blocks for the lifetime of the connection; the
		// request context is canceled as soon as we return, so we must
		// not hand off to a goroutine here.
		g.HandleConn(r.Context(), conn, r.URL.Query().Get("token"))
	}
}
