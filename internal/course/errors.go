package course

import (
	"fmt"
	"time"
)

// AuthorizationError means the actor is not permitted to perform the
// transition. Never retried.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string { return "not authorized: " + e.Reason }

// InvalidStateError means a transition precondition did not hold. When the
// rejection is the pickup-time gate, UnlockTime carries the earliest instant
// the transition becomes legal so callers can show a countdown.
type InvalidStateError struct {
	Reason     string
	UnlockTime *time.Time
}

func (e *InvalidStateError) Error() string { return "invalid state: " + e.Reason }

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

// TransientError wraps backend/network failures that are safe to retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }
