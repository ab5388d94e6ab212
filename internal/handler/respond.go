package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"jwxt-agent/internal/domain"
	"jwxt-agent/internal/observability"
	"jwxt-agent/internal/task"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON reads the request body into v. An empty body leaves v untouched
// unless the body is required.
func decodeJSON(r *http.Request, v any, required bool) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && !required:
		return nil
	default:
		return &domain.Error{Code: domain.CodeInvalidInput, Op: "decode request", Message: "invalid request body", Err: err}
	}
}

// errorStatus maps an error to its HTTP status and API code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrSessionExpired):
		return http.StatusUnauthorized, string(domain.CodeSessionInvalid)
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, task.ErrNotRunning):
		return http.StatusConflict, "TASK_NOT_RUNNING"
	case errors.Is(err, task.ErrUnknownKind):
		return http.StatusBadRequest, string(domain.CodeInvalidInput)
	case errors.Is(err, task.ErrManagerClosed):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	}

	code := domain.CodeOf(err)
	switch code {
	case domain.CodeInvalidInput:
		return http.StatusBadRequest, string(code)
	case domain.CodeSessionInvalid, domain.CodeLoginFailed:
		return http.StatusUnauthorized, string(code)
	case domain.CodeNotEligible:
		return http.StatusForbidden, string(code)
	case domain.CodeEnrollRejected, domain.CodeDropRejected, domain.CodeContextMissing:
		return http.StatusConflict, string(code)
	case domain.CodeTimeout:
		return http.StatusGatewayTimeout, string(code)
	case domain.CodeNetwork, domain.CodeConnReset, domain.CodeUnexpectedStatus,
		domain.CodeRedirectMissing, domain.CodeBadResponse:
		return http.StatusBadGateway, string(code)
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	logger := observability.FromContext(r.Context())

	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("request failed", slog.String("error", message))
		message = "internal error"
	} else {
		logger.Warn("request rejected",
			slog.Int("status", status),
			slog.String("code", code),
			slog.String("error", message))
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Retryable: domain.IsRetryable(err)})
}
