package models

import (
	"errors"
	"fmt"
)

// ErrNotFound signals a missing row. Handlers map it to 404.
var ErrNotFound = errors.New("not found")

// ErrLeaseLost signals that a worker's lease renewal matched no row. The
// worker must abort without writing a terminal state.
var ErrLeaseLost = errors.New("job lease lost")

// StorageError wraps a storage-layer failure. Treated as transient.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

// ConstraintError wraps an input or invariant violation. Never retried.
type ConstraintError struct {
	Op  string
	Err error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("constraint %s: %v", e.Op, e.Err)
}

func (e *ConstraintError) Unwrap() error { return e.Err }

func NewConstraintError(op string, err error) *ConstraintError {
	return &ConstraintError{Op: op, Err: err}
}

// UpstreamError wraps a failure from an external dependency (LLM provider,
// embedding backend, index backend, spider). Retryable captures whether the
// failure class is worth another attempt.
type UpstreamError struct {
	Backend   string
	Retryable bool
	Err       error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Backend, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func NewUpstreamError(backend string, retryable bool, err error) *UpstreamError {
	return &UpstreamError{Backend: backend, Retryable: retryable, Err: err}
}

// IsConstraint reports whether the error is a permanent input violation.
func IsConstraint(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}

// IsRetryable classifies an error for the lease scheduler. Storage errors
// are transient, constraint errors are permanent, upstream errors carry
// their own flag. Unclassified errors default to retryable so an unknown
// fault does not burn a job permanently.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConstraintError
	if errors.As(err, &ce) {
		return false
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable
	}
	var se *StorageError
	if errors.As(err, &se) {
		return true
	}
	return true
}
