package engine

import (
	"fmt"

	"ttm/internal/repo"
)

// ErrNotFound is returned when the addressed record does not exist.
var ErrNotFound = repo.ErrNotFound

// TransitionError reports a status change the lifecycle does not allow, or
// one that lost a race with a concurrent change.
type TransitionError struct {
	Entity   string
	ID       string
	From     string
	To       string
	Conflict bool
}

func (e TransitionError) Error() string {
	if e.Conflict {
		return fmt.Sprintf("%s %s changed concurrently; transition %s -> %s not applied", e.Entity, e.ID, e.From, e.To)
	}
	return fmt.Sprintf("invalid %s status transition %s -> %s", e.Entity, e.From, e.To)
}

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}
