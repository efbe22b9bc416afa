package sessions

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound indicates the session does not exist or has
	// already expired from the host.
	ErrSessionNotFound = errors.New("sessions: session not found")

	// ErrSessionExists indicates a create collided with an existing record.
	ErrSessionExists = errors.New("sessions: session already exists")

	// ErrInvalidTransition indicates a status change not present in the
	// transition table. The sentinel matches any *InvalidTransitionError.
	ErrInvalidTransition = errors.New("sessions: invalid status transition")

	// ErrVersionConflict indicates a conditional write lost against a
	// concurrent update and retries were exhausted. Callers may re-read
	// and retry.
	ErrVersionConflict = errors.New("sessions: version conflict")

	// ErrInvalidUpdate indicates a structurally invalid partial update
	// (unknown status value, result and error both set, progress out of
	// range).
	ErrInvalidUpdate = errors.New("sessions: invalid update")
)

// InvalidTransitionError reports the rejected (from, to) pair.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("sessions: invalid status transition %q -> %q", e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) hold for this type.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
