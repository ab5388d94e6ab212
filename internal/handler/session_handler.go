package handler

import (
	"net/http"
	"time"

	"jwxt-agent/internal/domain"
	"jwxt-agent/internal/middleware"
	"jwxt-agent/internal/service"
)

// SessionHandler handles login, logout and selection refresh.
type SessionHandler struct {
	portal       *service.Portal
	ttl          time.Duration
	secureCookie bool
}

// NewSessionHandler creates a session handler. ttl sets the cookie lifetime.
func NewSessionHandler(portal *service.Portal, ttl time.Duration, secureCookie bool) *SessionHandler {
	return &SessionHandler{portal: portal, ttl: ttl, secureCookie: secureCookie}
}

// LoginRequest is the body of POST /sessions.
type LoginRequest struct {
	UserID   string `json:"userId"`
	Password string `json:"password"`
}

// RefreshRequest is the optional body of POST /sessions/current/refresh.
type RefreshRequest struct {
	XkkzID string `json:"xkkzId"`
}

// Login runs the SSO flow and hands the new session id back as a cookie.
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}

	info, err := h.portal.Login(r.Context(), req.UserID, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}

	http.SetCookie(w, h.cookie(info.ID, int(h.ttl.Seconds())))
	writeJSON(w, http.StatusCreated, info)
}

// Current describes the authenticated session.
func (h *SessionHandler) Current(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.GetSession(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "not authenticated", string(domain.CodeSessionInvalid))
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

// Logout forgets the session and clears the cookie.
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.GetSession(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "not authenticated", string(domain.CodeSessionInvalid))
		return
	}

	h.portal.Logout(r.Context(), sess.ID)
	http.SetCookie(w, h.cookie("", -1))
	w.WriteHeader(http.StatusNoContent)
}

// Refresh re-derives the selection context, optionally pinning a round.
func (h *SessionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.GetSession(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "not authenticated", string(domain.CodeSessionInvalid))
		return
	}

	var req RefreshRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}

	info, err := h.portal.Refresh(r.Context(), sess.ID, req.XkkzID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *SessionHandler) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteStrictMode,
	}
}
