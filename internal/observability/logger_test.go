package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{" info ", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.input))
		})
	}
}

func TestNewHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	slog.New(newHandler(&buf, "info", "json")).Info("login ok", "attempt", 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "login ok", entry["msg"])
	assert.EqualValues(t, 1, entry["attempt"])
	assert.NotContains(t, entry, slog.SourceKey)

	buf.Reset()
	slog.New(newHandler(&buf, "info", "text")).Info("login ok", "attempt", 1)
	assert.Contains(t, buf.String(), `msg="login ok" attempt=1`)
}

func TestNewHandler_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "warn", "text"))
	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
}

func TestNewHandler_DebugAddsSource(t *testing.T) {
	var buf bytes.Buffer
	slog.New(newHandler(&buf, "debug", "json")).Debug("crawl page")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Contains(t, entry, slog.SourceKey)
}

func captureDefault(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	return &buf
}

func TestFromContext_AttachesIDs(t *testing.T) {
	buf := captureDefault(t)

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = WithSessionID(ctx, "sess-456")
	ctx = WithTaskID(ctx, "task-789")
	FromContext(ctx).Info("attempt")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-123", entry["request_id"])
	assert.Equal(t, "sess-456", entry["session_id"])
	assert.Equal(t, "task-789", entry["task_id"])
}

func TestFromContext_LatestIDWins(t *testing.T) {
	buf := captureDefault(t)

	ctx := WithTaskID(context.Background(), "old")
	ctx = WithTaskID(ctx, "new")
	FromContext(ctx).Info("attempt")

	assert.Equal(t, 1, strings.Count(buf.String(), `"task_id"`))
	assert.Contains(t, buf.String(), `"task_id":"new"`)
}

func TestFromContext_EmptyIDsAreIgnored(t *testing.T) {
	buf := captureDefault(t)

	ctx := WithSessionID(context.Background(), "")
	ctx = WithTaskID(ctx, "")
	FromContext(ctx).Info("attempt")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.NotContains(t, entry, "request_id")
	assert.NotContains(t, entry, "session_id")
	assert.NotContains(t, entry, "task_id")
}

func TestFromContext_NoIDsReturnsDefault(t *testing.T) {
	captureDefault(t)
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}
