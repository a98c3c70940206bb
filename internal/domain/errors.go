package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthorizationDenied is returned when a non-admin asks for an administrative action.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrVersionConflict is returned by ConversationStore.Append when the session
	// changed since the caller read it.
	ErrVersionConflict = errors.New("session version conflict")
	ErrUnknownCommand  = errors.New("unknown command")
)

// RateLimitedError rejects a request before any model call is made.
type RateLimitedError struct {
	Scope      LimitScope
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (%s), retry after %s", e.Scope, e.RetryAfter)
}

type FailureKind string

const (
	FailureTimeout       FailureKind = "timeout"
	FailureQuotaExceeded FailureKind = "quota_exceeded"
	FailureInvalidInput  FailureKind = "invalid_input"
	FailureCancelled     FailureKind = "cancelled"
	FailureUnknown       FailureKind = "unknown"
)

// UpstreamError is a failed model call. Public, when set, is safe to show to
// the end user verbatim; the wrapped error is only logged.
type UpstreamError struct {
	Kind   FailureKind
	Public string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("upstream failure (%s)", e.Kind)
	}
	return fmt.Sprintf("upstream failure (%s): %v", e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// InvalidInput builds a benign failure whose message is reported directly.
func InvalidInput(public string) *UpstreamError {
	return &UpstreamError{Kind: FailureInvalidInput, Public: public, Err: errors.New(public)}
}

// AsUpstream classifies err as an UpstreamError. Context errors map to
// Timeout or Cancelled; anything unrecognised is Unknown.
func AsUpstream(err error) *UpstreamError {
	if err == nil {
		return nil
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &UpstreamError{Kind: FailureTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &UpstreamError{Kind: FailureCancelled, Err: err}
	default:
		return &UpstreamError{Kind: FailureUnknown, Err: err}
	}
}

// FailureFromStatus maps an HTTP status returned by a model API to a failure kind.
func FailureFromStatus(code int) FailureKind {
	switch {
	case code == 429:
		return FailureQuotaExceeded
	case code == 408 || code == 504:
		return FailureTimeout
	case code == 400 || code == 413 || code == 415 || code == 422:
		return FailureInvalidInput
	default:
		return FailureUnknown
	}
}
