package engine

import (
	"errors"
	"fmt"
)

// ErrConflict reports that a compare-and-swap update affected zero rows:
// another writer changed the status since the caller last read it. The caller
// must re-fetch; the engine never retries on its own.
var ErrConflict = errors.New("status changed concurrently; re-fetch and retry")

// ErrForbidden reports that the actor is neither the owner nor the assigned
// implementer of the project.
var ErrForbidden = errors.New("access denied")

// InvalidTransitionError reports a status change that is not an edge in the
// transition registry. It always names both statuses.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// ValidationError reports a malformed or missing request field, rejected
// before any storage access.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}
