package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/imagewire/pacsbridge/registry"
	"github.com/imagewire/pacsbridge/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// Workers connect from arbitrary sites; the handshake token is the
	// access control, not the Origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS upgrades a worker handshake and pumps its messages into the
// bridge until the connection drops. The handshake token is the tenant
// identity; when a worker token is configured (closed mode) it must
// match exactly.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "missing token")
		return
	}
	if s.cfg.Auth.WorkerToken != "" && token != s.cfg.Auth.WorkerToken {
		s.logger.Info("rejecting worker handshake",
			zap.String("origin", r.RemoteAddr))
		writeError(w, http.StatusUnauthorized, "token not valid")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		s.logger.Warn("websocket upgrade failed",
			zap.String("origin", r.RemoteAddr),
			zap.Error(err))
		return
	}

	conn := registry.NewWSConn(ws, r.RemoteAddr)
	if err := s.registry.Register(s.baseCtx, token, r.RemoteAddr, conn); err != nil {
		s.logger.Error("failed to register worker connection",
			zap.String("origin", r.RemoteAddr),
			zap.Error(err))
		_ = conn.Close()
		return
	}
	s.metrics.ConnectedWorkers.Inc()
	defer s.metrics.ConnectedWorkers.Dec()

	readErr := conn.ReadLoop(s.baseCtx, func(payload []byte) {
		if err := s.bridge.HandleIncoming(s.baseCtx, token, payload); err != nil {
			if wire.IsFatalWireError(err) {
				s.logger.Warn("closing connection after fatal wire error",
					zap.String("tenant", token),
					zap.Error(err))
				_ = conn.Close()
			}
		}
	})

	reason := "client disconnect"
	if readErr != nil && s.baseCtx.Err() == nil {
		reason = readErr.Error()
	}
	// The base context may already be canceled on shutdown; membership
	// cleanup still needs a live context.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.registry.Unregister(cleanupCtx, token, conn, reason)
	_ = conn.Close()
}
