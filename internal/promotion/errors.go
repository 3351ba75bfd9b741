package promotion

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConcurrentModification means the record changed between read and
	// write. The caller should reload and retry.
	ErrConcurrentModification = errors.New("concurrent modification")
)

// InvalidTransitionError is returned when an action is not valid from the
// record's current state. State is a Stage for change requests and
// "inactive" for published versions.
type InvalidTransitionError struct {
	ID     string
	State  string
	Action Action
}

func (e *InvalidTransitionError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("action %s is not valid from %s", e.Action, e.State)
	}
	return fmt.Sprintf("action %s is not valid from %s for %s", e.Action, e.State, e.ID)
}

// ForbiddenTransitionError is returned when the actor's role may not
// perform the action.
type ForbiddenTransitionError struct {
	Action   Action
	Role     Role
	Required Role
}

func (e *ForbiddenTransitionError) Error() string {
	return fmt.Sprintf("role %s may not %s (requires %s)", e.Role, e.Action, e.Required)
}

// ValidationError reports a malformed draft.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
