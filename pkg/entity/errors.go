package entity

import (
	"errors"
	"fmt"
)

// ErrSchedulerClosed is returned to requests still queued when an entity's
// scheduler is torn down.
var ErrSchedulerClosed = errors.New("entity scheduler closed")

// NotFoundError indicates the target entity or version is absent. It is
// surfaced to the caller as a failure and never retried automatically.
type NotFoundError struct {
	ID EntityID
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("entity not found: %s", e.ID)
}

// NewNotFoundError creates a not-found error for the given entity.
func NewNotFoundError(id EntityID) *NotFoundError {
	return &NotFoundError{ID: id}
}

// AlreadyExistsError indicates a create or load raced against an existing
// instance of the same role. Fatal to the single request, not the process.
type AlreadyExistsError struct {
	ID   EntityID
	Role string
}

// Error implements the error interface.
func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s entity %s already exists", e.Role, e.ID)
}

// InvalidStateError indicates an action was issued against an entity in a
// state that cannot service it, such as invoking a non-existent instance or
// fetching against a passive.
type InvalidStateError struct {
	ID     EntityID
	Reason string
}

// Error implements the error interface.
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("entity %s: %s", e.ID, e.Reason)
}

// errNoInstance reports the canonical "actions on a non-existent entity"
// condition.
func errNoInstance(id EntityID) *InvalidStateError {
	return &InvalidStateError{ID: id, Reason: "actions on a non-existent entity"}
}

// CodecError indicates a business payload could not be decoded. The
// originating request is failed and retired immediately so no dependent
// stalls on it.
type CodecError struct {
	ID  EntityID
	Err error
}

// Error implements the error interface.
func (e *CodecError) Error() string {
	return fmt.Sprintf("entity %s: decoding message failed: %v", e.ID, e.Err)
}

// Unwrap returns the underlying decode error.
func (e *CodecError) Unwrap() error {
	return e.Err
}
