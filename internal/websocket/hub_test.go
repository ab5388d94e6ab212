package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"jwxt-agent/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registered(t *testing.T, hub *Hub, sessionID string) *Client {
	t.Helper()
	c := NewClient(context.Background(), hub, newMockWebSocketConn(), sessionID, nil)
	require.True(t, hub.Register(c))
	return c
}

func receive(t *testing.T, c *Client) ServerMessage {
	t.Helper()
	select {
	case data := <-c.send:
		var msg ServerMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return ServerMessage{}
	}
}

func TestHub_TaskUpdatedReachesOnlyItsSession(t *testing.T) {
	hub := startHub(t)
	mine := registered(t, hub, "s1")
	other := registered(t, hub, "s2")

	hub.TaskUpdated(task.Snapshot{ID: "t1", SessionID: "s1", State: task.StateRunning})

	msg := receive(t, mine)
	assert.Equal(t, TypeTaskUpdated, msg.Type)
	require.NotNil(t, msg.Task)
	assert.Equal(t, "t1", msg.Task.ID)

	select {
	case <-other.send:
		t.Fatal("update leaked to another session")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_IgnoresSnapshotsWithoutSession(t *testing.T) {
	hub := startHub(t)
	c := registered(t, hub, "")

	hub.TaskUpdated(task.Snapshot{ID: "t1"})
	select {
	case <-c.send:
		t.Fatal("unexpected message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_UnregisterClosesSend(t *testing.T) {
	hub := startHub(t)
	c := registered(t, hub, "s1")

	hub.Unregister(c)
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-c.send:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	// A second unregister is a no-op.
	hub.Unregister(c)
}

func TestHub_ContextCancellation(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	errChan := make(chan error, 1)
	go func() { errChan <- hub.Run(ctx) }()

	c := NewClient(context.Background(), hub, newMockWebSocketConn(), "s1", nil)
	require.True(t, hub.Register(c))
	cancel()

	select {
	case err := <-errChan:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop within timeout")
	}

	_, ok := <-c.send
	assert.False(t, ok, "shutdown closes client channels")
	assert.False(t, hub.Register(c), "a stopped hub rejects clients")

	// Updates after shutdown must not block the caller.
	done := make(chan struct{})
	go func() {
		hub.TaskUpdated(task.Snapshot{ID: "t1", SessionID: "s1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("TaskUpdated blocked after shutdown")
	}
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	hub := startHub(t)
	c := registered(t, hub, "s1")

	for i := 0; i < 4*cap(c.send); i++ {
		hub.TaskUpdated(task.Snapshot{ID: "t1", SessionID: "s1"})
		if i%64 == 0 {
			// Let the hub drain its broadcast buffer.
			time.Sleep(time.Millisecond)
		}
	}

	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-c.send:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
}
