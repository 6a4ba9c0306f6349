package mailapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorClass is the closed set of failure kinds a mail backend can report.
// Adapters classify once at the API boundary; everything downstream
// branches on the class, never on raw status codes.
type ErrorClass string

const (
	// ErrorClassAuth means the credential was rejected (HTTP 401).
	// Not retryable within a session.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassRateLimit means the quota was exceeded (HTTP 429, or 403
	// with a rate limit reason). Retryable with backoff; escalates the breaker.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassTransient covers 5xx responses and network failures.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassTimeout is a per-item deadline expiry.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassClient means the request itself was rejected: a 4xx other
	// than 401, 403, 408 and 429, such as a malformed query, a stale page
	// token or a message deleted since it was listed. Never retried and
	// ignored by the breaker.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassUnknown is anything else. Treated as transient with a
	// lower attempt ceiling.
	ErrorClassUnknown ErrorClass = "unknown"
)

// ErrCircuitOpen marks an error returned while the tenant's circuit breaker
// is open. Retrying it before the cooldown ends cannot reach the backend.
var ErrCircuitOpen = errors.New("circuit breaker open")

// IsCircuitOpen reports whether err was caused by an open breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// Error is the tagged error returned by every Client implementation.
type Error struct {
	Class      ErrorClass
	StatusCode int

	// RetryAfter is the server's hint for how long to wait, zero if absent.
	RetryAfter time.Duration

	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mail api %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("mail api %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a tagged error.
func NewError(class ErrorClass, status int, msg string, err error) *Error {
	return &Error{Class: class, StatusCode: status, Message: msg, Err: err}
}

// ClassOf returns the class of err. Untagged context deadline errors are
// timeouts; any other untagged error is unknown. A nil error has no class.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	return ErrorClassUnknown
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return ClassOf(err) == ErrorClassAuth
}

// ClassifyStatus maps an HTTP status code and an optional provider reason
// (e.g. "userRateLimitExceeded") to an error class.
func ClassifyStatus(status int, reason string) ErrorClass {
	switch {
	case status == http.StatusUnauthorized:
		return ErrorClassAuth
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status == http.StatusForbidden:
		if isQuotaReason(reason) {
			return ErrorClassRateLimit
		}
		return ErrorClassAuth
	case status == http.StatusRequestTimeout:
		return ErrorClassTransient
	case status >= 500:
		return ErrorClassTransient
	case status >= 400:
		return ErrorClassClient
	default:
		return ErrorClassUnknown
	}
}

func isQuotaReason(reason string) bool {
	r := strings.ToLower(reason)
	return strings.Contains(r, "ratelimitexceeded") ||
		strings.Contains(r, "quotaexceeded") ||
		strings.Contains(r, "rate limit")
}

// ParseRetryAfter parses a Retry-After header value given in seconds or as
// an HTTP date. Unparseable or past values yield zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
