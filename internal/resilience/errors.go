// Package resilience provides retry with exponential backoff and the error
// taxonomy shared by the sync and analysis pipelines.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
	"time"
)

// Error classes surfaced in status breakdowns. Stable strings: callers key
// targeted retries off them.
const (
	ClassTransient   = "transient_provider_error"
	ClassRateLimited = "rate_limit_exceeded"
	ClassAuthRevoked = "auth_revoked"
	ClassSchema      = "schema_validation_error"
	ClassBudget      = "budget_exceeded"
)

// TransientError wraps an error that is safe to retry (network timeout, 5xx).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// RateLimitError indicates the provider rejected a call with 429. RetryAfter
// carries the provider's retry hint when one was given.
type RateLimitError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return e.Err.Error() }

func (e *RateLimitError) Unwrap() error { return e.Err }

// NewRateLimitError wraps an error as a provider-side rate limit rejection.
func NewRateLimitError(err error, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{Err: err, RetryAfter: retryAfter}
}

// AuthRevokedError is terminal for a tenant: the provider reported the
// refresh token invalid and every subsequent call would fail identically.
// It is escalated immediately, never retried.
type AuthRevokedError struct {
	TenantID string
	Err      error
}

func (e *AuthRevokedError) Error() string {
	return "auth revoked for tenant " + e.TenantID + ": " + e.Err.Error()
}

func (e *AuthRevokedError) Unwrap() error { return e.Err }

// IsAuthRevoked reports whether the error chain contains an AuthRevokedError.
func IsAuthRevoked(err error) bool {
	var are *AuthRevokedError
	return errors.As(err, &are)
}

// Classify maps an error to its taxonomy class for status reporting.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case IsAuthRevoked(err):
		return ClassAuthRevoked
	case isRateLimited(err):
		return ClassRateLimited
	case IsTransient(err):
		return ClassTransient
	default:
		return "error"
	}
}

func isRateLimited(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError or RateLimitError, or matches common transient network
// failure patterns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
