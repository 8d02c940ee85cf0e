package domain

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

// Capacity errors: the caller may pick another request or retry after a release.
var (
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrDuplicateClaim   = errors.New("duplicate claim")
	ErrAlreadyClosed    = errors.New("request already closed")
)

// State errors: usage bugs, never retried automatically.
var (
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrNoPendingFeedback  = errors.New("no pending feedback")
	ErrRequestClosed      = errors.New("request closed")
	ErrAssignmentReleased = errors.New("assignment released")
	ErrNotAssignee        = errors.New("actor does not own assignment")
)

// Validation errors are raised before anything is written.
var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidRange   = errors.New("invalid range")
	ErrOutOfBounds    = errors.New("out of bounds")
	ErrReasonRequired = errors.New("reason required")
)

var (
	ErrAlreadySettled      = errors.New("already settled")
	ErrSettlementImmutable = errors.New("settlement immutable")
	ErrInvalidQuarter      = errors.New("invalid quarter")
)

// AlreadySettledError carries the settlement that already exists for the source.
// Callers re-delivering approval events treat it as success with Existing as the result.
type AlreadySettledError struct {
	Existing SettlementRecord
}

func (e *AlreadySettledError) Error() string {
	return fmt.Sprintf("already settled: %s settlement %s for %s", e.Existing.Kind, e.Existing.ID, e.Existing.SourceRef)
}

func (e *AlreadySettledError) Unwrap() error { return ErrAlreadySettled }

// TransitionError names the rejected move on the review state machine.
type TransitionError struct {
	Entity string
	From   string
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s %s in status %s", e.Action, e.Entity, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Invalid wraps ErrInvalidInput with a field-level message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
