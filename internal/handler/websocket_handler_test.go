package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jwxt-agent/internal/middleware"
	"jwxt-agent/internal/task"
	"jwxt-agent/internal/testutil"
	ws "jwxt-agent/internal/websocket"
)

func dial(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tasks"
	header := http.Header{middleware.SessionHeader: {sessionID}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() {
		resp.Body.Close()
		conn.Close()
	})
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) ws.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg ws.ServerMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWebSocket_StreamsTaskUpdates(t *testing.T) {
	a := newAPI(t)
	id := a.login(t)
	srv := httptest.NewServer(a.router)
	t.Cleanup(srv.Close)

	conn := dial(t, srv, id)
	first := readMessage(t, conn)
	assert.Equal(t, ws.TypeTaskList, first.Type)
	assert.Empty(t, first.Tasks)

	w := a.authed(t, id, http.MethodPost, "/api/v1/tasks", task.Request{Kind: "crawl"})
	testutil.AssertStatusCode(t, w, http.StatusAccepted)
	started := testutil.DecodeJSON[task.Snapshot](t, w)

	for {
		msg := readMessage(t, conn)
		require.Equal(t, ws.TypeTaskUpdated, msg.Type)
		require.NotNil(t, msg.Task)
		assert.Equal(t, started.ID, msg.Task.ID)
		if msg.Task.State.Terminal() {
			assert.Equal(t, task.StateSuccess, msg.Task.State)
			break
		}
	}
}

func TestWebSocket_PingAndStop(t *testing.T) {
	a := newAPI(t)
	sec := testutil.NewSection("t1/Zhang Wei/Professor", 30, 30)
	a.portal.Courses = []testutil.Course{{KchID: "C1", Sections: []testutil.Section{sec}}}
	id := a.login(t)
	srv := httptest.NewServer(a.router)
	t.Cleanup(srv.Close)

	w := a.authed(t, id, http.MethodPost, "/api/v1/tasks", map[string]any{
		"kind":    "watch",
		"payload": map[string]any{"pair": map[string]string{"courseId": "C1", "teachingClassId": sec["jxb_id"]}},
		"poll":    map[string]any{"enabled": true},
	})
	testutil.AssertStatusCode(t, w, http.StatusAccepted)
	started := testutil.DecodeJSON[task.Snapshot](t, w)

	conn := dial(t, srv, id)
	first := readMessage(t, conn)
	require.Equal(t, ws.TypeTaskList, first.Type)
	require.Len(t, first.Tasks, 1)

	require.NoError(t, conn.WriteJSON(ws.ClientMessage{Type: ws.TypePing}))
	require.NoError(t, conn.WriteJSON(ws.ClientMessage{Type: ws.TypeStopTask, TaskID: started.ID}))

	var gotPong, gotStopped bool
	for !gotPong || !gotStopped {
		msg := readMessage(t, conn)
		switch {
		case msg.Type == ws.TypePong:
			gotPong = true
		case msg.Type == ws.TypeTaskUpdated && msg.Task.State == task.StateStopped:
			gotStopped = true
		}
	}
}

func TestWebSocket_Unauthenticated(t *testing.T) {
	a := newAPI(t)
	srv := httptest.NewServer(a.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tasks"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no_origin", []string{"https://ui.example"}, "", "api.example", true},
		{"wildcard", []string{"*"}, "https://evil.example", "api.example", true},
		{"listed", []string{"https://ui.example"}, "https://ui.example", "api.example", true},
		{"same_host", []string{"https://ui.example"}, "http://api.example", "api.example", true},
		{"foreign", []string{"https://ui.example"}, "https://evil.example", "api.example", false},
		{"nothing_configured", nil, "https://evil.example", "api.example", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws/tasks", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed)(req))
		})
	}
}
