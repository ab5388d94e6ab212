package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	sessionIDKey contextKey = "session_id"
	taskIDKey    contextKey = "task_id"
)

// Correlation ids in the order they appear on a log line.
var correlationKeys = []contextKey{requestIDKey, sessionIDKey, taskIDKey}

// InitLogger installs the process-wide slog logger on stdout. format is
// "json" or "text"; level is one of debug, info, warn or error.
func InitLogger(level, format string) {
	slog.SetDefault(slog.New(newHandler(os.Stdout, level, format)))
}

func newHandler(w io.Writer, level, format string) slog.Handler {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl, AddSource: lvl == slog.LevelDebug}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// FromContext returns the default logger carrying the request, session and
// task ids found in ctx.
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	var attrs []any
	for _, key := range correlationKeys {
		if id, _ := ctx.Value(key).(string); id != "" {
			attrs = append(attrs, slog.String(string(key), id))
		}
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

// WithRequestID tags ctx with the HTTP request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithSessionID tags ctx with the portal session id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// WithTaskID tags ctx with the supervised task id.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}
