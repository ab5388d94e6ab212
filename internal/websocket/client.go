package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"jwxt-agent/internal/task"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // Must be less than pongWait
	maxMessageSize = 1024
	commandTimeout = 5 * time.Second
)

// Inbound message types.
const (
	TypePing     = "ping"
	TypeStopTask = "task.stop"
)

// Conn is the subset of *websocket.Conn a client uses.
type Conn interface {
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// TaskController executes the task commands clients may send.
type TaskController interface {
	StopTask(ctx context.Context, sessionID, taskID string) (task.Snapshot, error)
}

// ClientMessage is every frame a client may write.
type ClientMessage struct {
	Type   string `json:"type"`
	TaskID string `json:"taskId,omitempty"`
}

type Client struct {
	hub       *Hub
	conn      Conn
	send      chan []byte
	sessionID string
	tasks     TaskController
	writeMu   sync.Mutex
	closed    atomic.Bool
	ctx       context.Context
	ctxCancel context.CancelFunc
}

func NewClient(ctx context.Context, hub *Hub, conn Conn, sessionID string, tasks TaskController) *Client {
	clientCtx, cancel := context.WithCancel(ctx)
	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, 256),
		sessionID: sessionID,
		tasks:     tasks,
		ctx:       clientCtx,
		ctxCancel: cancel,
	}
}

// ReadPump handles client commands until the connection fails.
func (c *Client) ReadPump() {
	defer func() {
		c.ctxCancel()
		c.hub.Unregister(c)
		c.closeConnection()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		slog.Warn("failed to set read deadline", slog.String("error", err.Error()), slog.String("session_id", c.sessionID))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket error", slog.String("error", err.Error()), slog.String("session_id", c.sessionID))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			slog.Warn("invalid message format", slog.String("error", err.Error()), slog.String("session_id", c.sessionID))
			c.reply(ServerMessage{Type: TypeError, Message: "invalid message"})
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg ClientMessage) {
	switch msg.Type {
	case TypePing:
		c.reply(ServerMessage{Type: TypePong})
	case TypeStopTask:
		ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
		defer cancel()
		snap, err := c.tasks.StopTask(ctx, c.sessionID, msg.TaskID)
		if err != nil {
			c.reply(ServerMessage{Type: TypeError, Message: err.Error()})
			return
		}
		c.reply(ServerMessage{Type: TypeTaskUpdated, Task: &snap})
	default:
		c.reply(ServerMessage{Type: TypeError, Message: "unknown message type " + msg.Type})
	}
}

// SendTaskList writes the session's current tasks. Call it before starting
// the pumps.
func (c *Client) SendTaskList(tasks []task.Snapshot) {
	c.reply(ServerMessage{Type: TypeTaskList, Tasks: tasks})
}

// reply writes straight to the connection; the send channel belongs to the hub.
func (c *Client) reply(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal reply", slog.String("error", err.Error()))
		return
	}
	if err := c.writeMessage(websocket.TextMessage, data); err != nil {
		slog.Debug("failed to write reply", slog.String("error", err.Error()), slog.String("session_id", c.sessionID))
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				_ = c.writeMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeMessage writes a message to the WebSocket connection in a thread-safe manner
func (c *Client) writeMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return websocket.ErrCloseSent
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// closeConnection safely closes the WebSocket connection
func (c *Client) closeConnection() {
	if c.closed.CompareAndSwap(false, true) {
		c.writeMu.Lock()
		c.conn.Close()
		c.writeMu.Unlock()
	}
}
