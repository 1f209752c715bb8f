package execute

import (
	"errors"
	"fmt"
	"time"
)

// Error types for classifying command dispatch failures.

// TransientError represents a temporary dispatch failure that may succeed
// on retry (timeouts, unreachable node, ambiguous acknowledgement).
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// PermanentError represents a dispatch failure that will not succeed on
// retry (the node rejected the command).
type PermanentError struct {
	err error
}

func (e *PermanentError) Error() string {
	return e.err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.err
}

// NewPermanentError wraps an error as permanent (non-retryable).
func NewPermanentError(err error) error {
	return &PermanentError{err: err}
}

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsPermanent returns true if the error is permanent and should not be
// retried.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// CircuitOpenError is returned when the node's circuit breaker is open.
// The call failed immediately, without a network attempt.
type CircuitOpenError struct {
	NodeID     string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for node %s, retry in %s", e.NodeID, e.RetryAfter.Round(time.Second))
}

// IsCircuitOpen returns true if the error is a circuit-open rejection.
func IsCircuitOpen(err error) bool {
	var open *CircuitOpenError
	return errors.As(err, &open)
}
