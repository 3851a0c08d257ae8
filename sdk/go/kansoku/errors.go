// Package kansoku is a Go client for the kansoku agent observability API.
//
// Reporting calls (Emit, EmitBatch, Fire) return a Result instead of an
// error so instrumentation never interrupts the agent it observes.
package kansoku

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a non-2xx response from the kansoku API.
type Error struct {
	StatusCode      int
	Code            string
	Message         string
	Retryable       bool
	UpgradeRequired bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("kansoku: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func statusIs(err error, code int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool { return statusIs(err, http.StatusNotFound) }

// IsUnauthorized reports whether err is a 401.
func IsUnauthorized(err error) bool { return statusIs(err, http.StatusUnauthorized) }

// IsConflict reports whether err is a 409, which covers a paused agent.
func IsConflict(err error) bool { return statusIs(err, http.StatusConflict) }

// IsRateLimited reports whether err is a 429.
func IsRateLimited(err error) bool { return statusIs(err, http.StatusTooManyRequests) }

// IsAgentPaused reports whether the server refused work because the agent is paused.
func IsAgentPaused(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == "AGENT_PAUSED"
}

// IsQuotaExceeded reports whether the workspace tier blocked the request.
func IsQuotaExceeded(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == "QUOTA_EXCEEDED"
}

// IsRetryable reports whether the server marked the failure retryable.
// Transport errors are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}
