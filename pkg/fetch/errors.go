package fetch

import (
	"errors"
	"fmt"
)

// Common errors returned by the fetch client.
var (
	// ErrTimeout is returned when the deadline elapsed before a response arrived.
	ErrTimeout = errors.New("fetch timed out")

	// ErrNetwork is returned for transport failures (dial, reset, abort).
	ErrNetwork = errors.New("network error")

	// ErrContextCancelled is returned when the caller's context is cancelled
	// while a request or retry wait is in progress.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of fetch failures.
type ErrorClass string

const (
	// ErrorClassTimeout represents a deadline exceeded before the response arrived.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassNetwork represents transport errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassCancelled represents a caller-side cancellation.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// NetworkError is returned once the retry budget for a request is spent.
// It matches ErrTimeout, ErrNetwork or ErrContextCancelled with errors.Is,
// as well as the underlying transport error.
type NetworkError struct {
	Class    ErrorClass
	Method   string
	URL      string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetch %s %s failed after %d attempt(s) (%s): %v",
		e.Method, e.URL, e.Attempts, e.Class, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *NetworkError) Unwrap() []error {
	return []error{e.sentinel(), e.Err}
}

func (e *NetworkError) sentinel() error {
	switch e.Class {
	case ErrorClassTimeout:
		return ErrTimeout
	case ErrorClassCancelled:
		return ErrContextCancelled
	default:
		return ErrNetwork
	}
}

// shouldRetry determines if a failure should be retried based on its classification.
// HTTP error statuses never reach this point: they are valid responses.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassTimeout, ErrorClassNetwork:
		return true
	default:
		return false
	}
}
