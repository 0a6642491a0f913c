package domain

import "fmt"

// InvalidTransitionError reports an illegal lifecycle event.
type InvalidTransitionError struct {
	From  string
	Event string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s from status %s", e.Event, e.From)
}

// ValidationError reports a missing or malformed required field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s is required", e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ConflictError reports a guard violation: the request was already resolved
// by a competing proposal. It is a normal, recoverable outcome; callers
// refresh and display the authoritative winner.
type ConflictError struct {
	RequestID  string
	AcceptedID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("request %s already has an accepted proposal", e.RequestID)
}

// ForbiddenError reports an action attempted by an actor who does not own
// the target entity.
type ForbiddenError struct {
	ActorID string
	Action  string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("actor %s may not %s", e.ActorID, e.Action)
}

// AuthError reports a missing or invalid credential. Distinct from
// NetworkError: it is detectable before any round trip.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return "authentication required"
	}
	return e.Reason
}

// NetworkError wraps a transport failure talking to the backend of record.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// MalformedRecordError reports a raw record missing an identity field.
// Such records are dropped from canonical lists, never rendered.
type MalformedRecordError struct {
	Field string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record: missing %s", e.Field)
}

// NotFoundError reports a referenced entity that no longer exists or is not
// in a state accepting the action.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}
