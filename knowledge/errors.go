package knowledge

import (
	"errors"
	"fmt"
)

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrInFlight is returned when an in-flight marker already exists for
	// the (node, plan_code) pair.
	ErrInFlight = errors.New("plan already in flight")
)

// WriteError reports a failed durable write. A cycle that hits a WriteError
// must abort: losing a record would break the in-flight suppression
// invariant.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("knowledge write %s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// NewWriteError wraps an error from a durable write operation.
func NewWriteError(op string, err error) error {
	return &WriteError{Op: op, Err: err}
}

// IsWriteError returns true if the error is a knowledge write failure.
func IsWriteError(err error) bool {
	var we *WriteError
	return errors.As(err, &we)
}
