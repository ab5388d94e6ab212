package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	"github.com/gorilla/websocket"

	"jwxt-agent/internal/domain"
	"jwxt-agent/internal/middleware"
	"jwxt-agent/internal/observability"
	"jwxt-agent/internal/service"
	ws "jwxt-agent/internal/websocket"
)

// WebSocketHandler streams task updates of the authenticated session.
type WebSocketHandler struct {
	hub      *ws.Hub
	portal   *service.Portal
	upgrader websocket.Upgrader
	// ctx outlives the upgrade request and bounds the client's commands.
	ctx context.Context
}

// NewWebSocketHandler creates a WebSocket handler. An empty allowedOrigins or
// "*" accepts any origin.
func NewWebSocketHandler(ctx context.Context, hub *ws.Hub, portal *service.Portal, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		hub:    hub,
		portal: portal,
		ctx:    ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 || slices.Contains(allowed, "*") {
			return true
		}
		if slices.Contains(allowed, origin) {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}

// HandleConnection upgrades the request, sends the current task list and
// starts the client pumps.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.GetSession(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "not authenticated", string(domain.CodeSessionInvalid))
		return
	}
	logger := observability.FromContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := ws.NewClient(h.ctx, h.hub, conn, sess.ID, h.portal)
	if !h.hub.Register(client) {
		logger.Warn("hub stopped, closing websocket")
		_ = conn.Close()
		return
	}
	client.SendTaskList(h.portal.Tasks(sess.ID))

	go client.WritePump()
	go client.ReadPump()
}
