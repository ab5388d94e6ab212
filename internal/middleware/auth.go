package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"jwxt-agent/internal/domain"
	"jwxt-agent/internal/observability"
)

// Session id carriers, checked in this order.
const (
	SessionHeader = "X-Session-ID"
	SessionCookie = "jwxt_session"
)

type contextKey string

const SessionKey contextKey = "session"

// SessionLookup resolves a session id to a live session.
type SessionLookup interface {
	Session(id string) (*domain.Session, error)
}

// SessionID extracts the session id from the header or the cookie.
func SessionID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(SessionHeader)); id != "" {
		return id
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

func Auth(lookup SessionLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := SessionID(r)
			if id == "" {
				WriteError(w, http.StatusUnauthorized, "not authenticated", string(domain.CodeSessionInvalid))
				return
			}

			session, err := lookup.Session(id)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, "invalid or expired session", string(domain.CodeSessionInvalid))
				return
			}

			ctx := WithSession(r.Context(), session)
			ctx = observability.WithSessionID(ctx, session.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetSession(ctx context.Context) (*domain.Session, bool) {
	session, ok := ctx.Value(SessionKey).(*domain.Session)
	return session, ok
}

func WithSession(ctx context.Context, session *domain.Session) context.Context {
	return context.WithValue(ctx, SessionKey, session)
}

// WriteError writes the API's {"error","code"} body.
func WriteError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
