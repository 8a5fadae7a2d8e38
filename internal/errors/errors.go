// Package errors holds the sentinel errors shared across the ingestion
// pipeline, plus category predicates that let callers distinguish
// admission failures from transient backend failures.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	// Admission errors - the caller must back off or drop, not retry immediately.
	ErrQueueFull      = errors.New("batch queue full")
	ErrMaxConnections = errors.New("max connections reached")
	ErrThrottled      = errors.New("rejected due to backpressure")

	// Transient backend errors.
	ErrConnectionFailed = errors.New("connection failed")
	ErrStorage          = errors.New("storage error")
	ErrTimeout          = errors.New("timeout")

	// Protocol/logic errors.
	ErrFlushTimeout = errors.New("flush timeout")
	ErrEmptyBatch   = errors.New("empty batch")

	// State errors.
	ErrCircuitOpen = errors.New("circuit open")
	ErrNotRunning  = errors.New("service not running")
	ErrRunning     = errors.New("service already running")
	ErrClosed      = errors.New("closed")

	// Configuration errors.
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")
)

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsAdmission returns true if err signals that the pipeline refused new
// work. Admission errors are the overload signal back to producers.
func IsAdmission(err error) bool {
	return errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrMaxConnections) ||
		errors.Is(err, ErrThrottled)
}

// IsTransient returns true if err is a transient backend error.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrStorage) ||
		errors.Is(err, ErrTimeout)
}

// IsStateError returns true if err reflects component state rather than a
// failed operation. A caller seeing ErrCircuitOpen should stop sending
// load to that backend, not retry the call.
func IsStateError(err error) bool {
	return errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrNotRunning) ||
		errors.Is(err, ErrRunning) ||
		errors.Is(err, ErrClosed)
}

// IsRetriable returns true if the error is potentially retriable.
// Admission and state errors are deliberately excluded.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrTimeout)
}

// Wrap wraps an error with additional context.
// Returns nil if err is nil.
func Wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
