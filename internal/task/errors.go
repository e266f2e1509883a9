package task

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure modes the kernel distinguishes.
// Callers classify with errors.Is; the HTTP layer maps them to status
// codes and stable machine-readable codes.
var (
	// ErrDuplicateID: submitted id already exists, or appears twice in a batch.
	ErrDuplicateID = errors.New("duplicate task id")

	// ErrUnknownDependency: a declared dependency is neither in the store
	// nor in the same batch.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrCycleInBatch: the batch's internal dependency edges form a cycle.
	ErrCycleInBatch = errors.New("dependency cycle in batch")

	// ErrStateConflict: a transition was attempted from an unexpected
	// current state (e.g. completing a task that is no longer RUNNING).
	ErrStateConflict = errors.New("task state conflict")

	// ErrNotFound: no task with the given id.
	ErrNotFound = errors.New("task not found")

	// ErrValidation: a submission failed shape validation before touching
	// the store.
	ErrValidation = errors.New("invalid task spec")
)

// StoreError wraps a transport-level store failure. Transient marks the
// busy/locked category that is worth one retry; everything else surfaces
// as-is.
type StoreError struct {
	Op        string
	Err       error
	Transient bool
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsTransientStore reports whether err is a StoreError in the retryable
// busy/locked category.
func IsTransientStore(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Transient
}
