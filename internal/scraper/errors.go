package scraper

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind is a closed category attached to every classified failure.
// The retry executor and circuit breaker make decisions on the kind alone,
// never on concrete error types.
type FailureKind int

// Failure categories, ordered from most to least recoverable.
const (
	// FailureTransient covers timeouts and 5xx-equivalent conditions that a
	// retry may resolve.
	FailureTransient FailureKind = iota
	// FailureThrottled marks an explicit server-side rate-limit signal
	// (HTTP 429 and friends). Retryable, and fed back into the adaptive
	// limiter to halve the configured rate.
	FailureThrottled
	// FailureNonRetryable covers malformed input and validation failures
	// that will not improve on retry.
	FailureNonRetryable
)

// String returns a human-readable category name.
func (k FailureKind) String() string {
	switch k {
	case FailureTransient:
		return "transient"
	case FailureThrottled:
		return "throttled"
	case FailureNonRetryable:
		return "non_retryable"
	default:
		return "unknown"
	}
}

// Failure wraps an underlying error with its category.
type Failure struct {
	Kind FailureKind
	Err  error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

// Unwrap exposes the underlying error to errors.Is/As.
func (f *Failure) Unwrap() error {
	return f.Err
}

// NewFailure wraps err with the given category.
func NewFailure(kind FailureKind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

// Transient wraps err as a retryable transient failure.
func Transient(err error) *Failure {
	return NewFailure(FailureTransient, err)
}

// Throttled wraps err as a server-side rate-limit signal.
func Throttled(err error) *Failure {
	return NewFailure(FailureThrottled, err)
}

// NonRetryable wraps err as a permanent failure.
func NonRetryable(err error) *Failure {
	return NewFailure(FailureNonRetryable, err)
}

// Classify returns the failure category for err. Errors that never carried a
// Failure default to transient, matching the "retry everything" posture of
// the policy layer. Context cancellation is reported separately so callers
// can stop without counting it against a downstream dependency.
func Classify(err error) (kind FailureKind, canceled bool) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FailureNonRetryable, true
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind, false
	}
	return FailureTransient, false
}
