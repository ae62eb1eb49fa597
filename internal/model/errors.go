package model

import (
	"context"
	"errors"
)

// Error taxonomy shared by every stage of the pipeline. Per-pool failures wrap one of
// these so the driver can log and count drops by reason.
var (
	// ErrSourceUnavailable: upstream API/RPC/subgraph unreachable or erroring
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrInsufficientHistory: a historical sample could not be obtained
	ErrInsufficientHistory = errors.New("insufficient history")

	// ErrUnresolvedPrice: a required USD price is missing
	ErrUnresolvedPrice = errors.New("unresolved price")

	// ErrMalformedUpstream: the upstream answered with an unexpected shape
	ErrMalformedUpstream = errors.New("malformed upstream response")

	// ErrInvariantViolation: an assembled record breaks an output invariant
	ErrInvariantViolation = errors.New("invariant violation")
)

// Reason maps an error chain to a stable label for logs and metrics
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientHistory):
		return "insufficient_history"
	case errors.Is(err, ErrUnresolvedPrice):
		return "unresolved_price"
	case errors.Is(err, ErrMalformedUpstream):
		return "malformed_upstream"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrSourceUnavailable):
		return "source_unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "unknown"
	}
}

// IsSourceFailure reports whether err should be handled with the source-unavailable
// policy. Malformed responses count as unavailable sources.
func IsSourceFailure(err error) bool {
	return errors.Is(err, ErrSourceUnavailable) || errors.Is(err, ErrMalformedUpstream)
}
