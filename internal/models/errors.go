package models

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when no session has the requested id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAmbiguousID is returned when an id prefix matches more than one session.
	ErrAmbiguousID = errors.New("ambiguous session id")

	// ErrConflict is returned when a session changed between being read and
	// being written, for example by another process.
	ErrConflict = errors.New("session changed concurrently")

	// ErrInvalidTransition matches every *TransitionError via errors.Is.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// TransitionError reports a rejected lifecycle edge.
type TransitionError struct {
	From SessionState
	To   SessionState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

// Is lets errors.Is(err, ErrInvalidTransition) match.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
