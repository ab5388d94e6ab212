package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorCode is the stable string vocabulary shared by every layer above the
// HTTP client. Task supervisors classify failures by substring matching on it.
type ErrorCode string

const (
	CodeNetwork          ErrorCode = "NETWORK_ERROR"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeConnReset        ErrorCode = "ECONNRESET"
	CodeUnexpectedStatus ErrorCode = "UNEXPECTED_STATUS"
	CodeRedirectMissing  ErrorCode = "REDIRECT_MISSING"
	CodeSessionInvalid   ErrorCode = "SESSION_INVALID"
	CodeContextMissing   ErrorCode = "CONTEXT_INCOMPLETE"
	CodeBadResponse      ErrorCode = "BAD_RESPONSE"
	CodeEnrollRejected   ErrorCode = "ENROLL_REJECTED"
	CodeDropRejected     ErrorCode = "DROP_REJECTED"
	CodeNotEligible      ErrorCode = "NOT_ELIGIBLE"
	CodeLoginFailed      ErrorCode = "LOGIN_FAILED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrInvalidInput    = &Error{Code: CodeInvalidInput}

	// ErrSessionInvalid matches any *Error carrying CodeSessionInvalid.
	ErrSessionInvalid = &Error{Code: CodeSessionInvalid}
	// ErrContextMissing matches any *Error carrying CodeContextMissing.
	ErrContextMissing = &Error{Code: CodeContextMissing}
)

// Error is a typed failure carrying the offending HTTP status or URL.
type Error struct {
	Code      ErrorCode
	Op        string
	Status    int
	URL       string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.URL != "" {
		b.WriteString(" url=")
		b.WriteString(e.URL)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError builds an *Error with retryability derived from its code.
func NewError(code ErrorCode, op string, format string, args ...any) *Error {
	return &Error{
		Code:      code,
		Op:        op,
		Message:   fmt.Sprintf(format, args...),
		Retryable: code == CodeNetwork || code == CodeTimeout || code == CodeConnReset,
	}
}

// StatusError reports a response that arrived with the wrong status code.
func StatusError(op string, status int, url string) *Error {
	return &Error{Code: CodeUnexpectedStatus, Op: op, Status: status, URL: url}
}

// SessionInvalid reports a request that landed back on SSO or the local login page.
func SessionInvalid(op string, status int, url string) *Error {
	return &Error{Code: CodeSessionInvalid, Op: op, Status: status, URL: url, Retryable: true}
}

// TransportError wraps a network failure. Transport errors are always retryable.
func TransportError(op, url string, err error) *Error {
	code := CodeNetwork
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		code = CodeTimeout
	case errors.Is(err, syscall.ECONNRESET):
		code = CodeConnReset
	}
	return &Error{Code: code, Op: op, URL: url, Retryable: true, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
