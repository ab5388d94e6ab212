// Package websocket streams task snapshots to browser clients, one room per
// portal session.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"

	"jwxt-agent/internal/observability"
	"jwxt-agent/internal/task"
)

// Outbound message types.
const (
	TypeTaskUpdated = "task.updated"
	TypeTaskList    = "task.list"
	TypeError       = "error"
	TypePong        = "pong"
)

// ServerMessage is every frame the server writes.
type ServerMessage struct {
	Type    string          `json:"type"`
	Task    *task.Snapshot  `json:"task,omitempty"`
	Tasks   []task.Snapshot `json:"tasks,omitempty"`
	Message string          `json:"message,omitempty"`
}

// BroadcastMessage is a frame addressed to every client of one session.
type BroadcastMessage struct {
	SessionID string
	Message   []byte
}

// Hub maintains active clients and fans task updates out to them.
type Hub struct {
	// Registered clients by session
	clients map[string]map[*Client]bool

	broadcast  chan *BroadcastMessage
	register   chan *Client
	unregister chan *Client

	// Closed once Run has returned
	done chan struct{}
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		broadcast:  make(chan *BroadcastMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			slog.Info("hub shutting down gracefully")
			return ctx.Err()

		case client := <-h.register:
			if h.clients[client.sessionID] == nil {
				h.clients[client.sessionID] = make(map[*Client]bool)
			}
			h.clients[client.sessionID][client] = true
			observability.WebSocketConnectionsActive.Inc()
			slog.Info("client registered", slog.String("session_id", client.sessionID))

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			clients, ok := h.clients[message.SessionID]
			if !ok {
				continue
			}
			for client := range clients {
				select {
				case client.send <- message.Message:
					observability.WebSocketMessagesSent.WithLabelValues(TypeTaskUpdated).Inc()
				default:
					// Slow consumer
					h.dropClient(clients, client)
				}
			}
		}
	}
}

func (h *Hub) unregisterClient(client *Client) {
	clients, ok := h.clients[client.sessionID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	h.dropClient(clients, client)
	slog.Info("client unregistered", slog.String("session_id", client.sessionID))
}

func (h *Hub) dropClient(clients map[*Client]bool, client *Client) {
	delete(clients, client)
	close(client.send)
	observability.WebSocketConnectionsActive.Dec()
	if len(clients) == 0 {
		delete(h.clients, client.sessionID)
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	for sessionID, clients := range h.clients {
		for client := range clients {
			h.dropClient(clients, client)
		}
		slog.Info("closed session clients", slog.String("session_id", sessionID))
	}
	slog.Info("hub shutdown complete")
}

// TaskUpdated forwards a snapshot to the clients of its session. It never
// blocks the task goroutine: updates are dropped when the hub is saturated
// or stopped.
func (h *Hub) TaskUpdated(s task.Snapshot) {
	if s.SessionID == "" {
		return
	}
	data, err := json.Marshal(ServerMessage{Type: TypeTaskUpdated, Task: &s})
	if err != nil {
		slog.Error("failed to marshal task update", slog.String("task_id", s.ID), slog.String("error", err.Error()))
		return
	}
	select {
	case h.broadcast <- &BroadcastMessage{SessionID: s.SessionID, Message: data}:
	case <-h.done:
	default:
		slog.Warn("dropping task update, hub is saturated", slog.String("task_id", s.ID))
	}
}

// Register registers a client with the hub. It returns false once the hub
// has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}
