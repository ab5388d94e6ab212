package domain

import (
	"errors"
	"strings"
)

// retryableMarkers is the fixed vocabulary of transient failures: our own
// error codes plus the phrases the portal uses when it is busy, asks for a
// refresh, is under maintenance or has not opened the round yet.
var retryableMarkers = []string{
	string(CodeTimeout),
	string(CodeConnReset),
	string(CodeNetwork),
	string(CodeSessionInvalid),
	"VALIDATION_FAILED",
	"SERVER_BUSY",
	"context deadline exceeded",
	"connection reset",
	"connection refused",
	"unexpected EOF",
	"繁忙",
	"稍后",
	"重试",
	"刷新",
	"维护",
	"未开放",
	"尚未开始",
	"未开始",
	"不在选课时间",
	"超时",
	"频繁",
}

// RetryableMessage reports whether msg names a transient condition.
func RetryableMessage(msg string) bool {
	if msg == "" {
		return false
	}
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsRetryable prefers an explicit classification carried by *Error and falls
// back to RetryableMessage over the error text.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) && e.Retryable {
		return true
	}
	return RetryableMessage(err.Error())
}
