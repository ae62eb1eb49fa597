package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/yourorg/yield-adapters/internal/model"
)

// ErrorType represents the category of error that occurred during a fetch
type ErrorType string

const (
	// ErrorTypeNetwork indicates a network-level error (connection refused, DNS, etc.)
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeRateLimit indicates the request was rejected due to rate limiting (HTTP 429)
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeServer indicates a server error (HTTP 5xx)
	ErrorTypeServer ErrorType = "server"
	// ErrorTypeClient indicates a client error (HTTP 4xx except 429)
	ErrorTypeClient ErrorType = "client"
	// ErrorTypeMalformed indicates the response arrived but had the wrong shape
	ErrorTypeMalformed ErrorType = "malformed"
	// ErrorTypeTimeout indicates the request timed out
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeCircuitOpen indicates the call was refused by the upstream's breaker
	ErrorTypeCircuitOpen ErrorType = "circuit_open"
)

// FetchError is a structured upstream failure. It unwraps to one of the
// model sentinels so callers can branch with errors.Is.
type FetchError struct {
	Type       ErrorType
	Retryable  bool
	StatusCode int
	Upstream   string
	Message    string
	Cause      error
}

// Error implements the error interface
func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s error (status %d): %s", e.Upstream, e.Type, e.StatusCode, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s error: %s: %v", e.Upstream, e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Upstream, e.Type, e.Message)
}

// Unwrap exposes both the taxonomy sentinel and the underlying cause
func (e *FetchError) Unwrap() []error {
	sentinel := model.ErrSourceUnavailable
	if e.Type == ErrorTypeMalformed {
		sentinel = model.ErrMalformedUpstream
	}
	if e.Cause == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Cause}
}

// ClassifyHTTPStatus classifies a non-2xx HTTP status code
func ClassifyHTTPStatus(upstream string, statusCode int, body string) *FetchError {
	e := &FetchError{Upstream: upstream, StatusCode: statusCode, Message: body}
	switch {
	case statusCode == http.StatusTooManyRequests:
		e.Type, e.Retryable = ErrorTypeRateLimit, true
	case statusCode == http.StatusRequestTimeout:
		e.Type, e.Retryable = ErrorTypeTimeout, true
	case statusCode >= 500:
		e.Type, e.Retryable = ErrorTypeServer, true
	default:
		e.Type = ErrorTypeClient
	}
	if e.Message == "" {
		e.Message = http.StatusText(statusCode)
	}
	return e
}

// classifyTransport wraps an error that happened before a response arrived
func classifyTransport(upstream string, err error) *FetchError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Type: ErrorTypeTimeout, Retryable: true, Upstream: upstream, Message: "request timed out", Cause: err}
	}
	return &FetchError{Type: ErrorTypeNetwork, Retryable: true, Upstream: upstream, Message: "request failed", Cause: err}
}

// Malformed reports a response whose shape did not match what the caller expected
func Malformed(upstream, format string, args ...any) *FetchError {
	return &FetchError{Type: ErrorTypeMalformed, Upstream: upstream, Message: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether err is a fetch failure worth retrying
func IsRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}
