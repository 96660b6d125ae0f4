package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"realtime-chat/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the bearer credential is the access control, not the Origin header
	CheckOrigin: func(*http.Request) bool { return true },
}

// serveWS is the connection gateway: it verifies the handshake credential,
// upgrades the connection and hands the session to the hub. A failed
// verification refuses the connection before any session state exists.
func (h *handler) serveWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	identity, err := h.verifier.Verify(bearerCredential(r))
	if err != nil {
		if errors.Is(err, auth.ErrTokenMissing) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	// the request context dies when this handler returns, the session
	// outlives it
	ctx := context.Background()

	sess := h.hub.NewSession(conn, identity)
	if err := h.hub.Register(ctx, sess); err != nil {
		h.logger.Errorw("Session registration failed",
			"session", sess.ID, "username", identity.Username, "error", err)
		conn.Close()
		return
	}

	h.logger.Infow("Connection accepted",
		"session", sess.ID, "username", identity.Username, "remote", r.RemoteAddr)

	go sess.WritePump()
	go sess.ReadPump(ctx)
}
