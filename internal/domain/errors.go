package domain

import (
	"fmt"
	"strings"
)

// SignatureNotFoundError is returned when a signature key does not resolve,
// either because it was never created or because its record already expired.
type SignatureNotFoundError struct {
	Key string
}

func (e *SignatureNotFoundError) Error() string {
	return fmt.Sprintf("signature not found: %s", e.Key)
}

// MissingSignatureError is returned when a callback or sub-task key that was
// expected to resolve did not. Callbacks are consumed on activation, so a
// missing callback means the signature was already activated once; this is a
// hard stop, never retried.
type MissingSignatureError struct {
	Keys []string
}

func (e *MissingSignatureError) Error() string {
	return fmt.Sprintf("callbacks not found %s, a signature can be activated only once",
		strings.Join(e.Keys, ", "))
}

// TooManyTasksError is returned when AddTask would exceed the swarm's
// MaxTaskAllowed limit or the swarm is already closed.
type TooManyTasksError struct {
	SwarmKey string
	Limit    int
}

func (e *TooManyTasksError) Error() string {
	return fmt.Sprintf("swarm %s cannot accept more tasks (limit %d)", e.SwarmKey, e.Limit)
}

// SwarmCanceledError is returned when an operation targets a swarm that is
// no longer active.
type SwarmCanceledError struct {
	SwarmKey string
}

func (e *SwarmCanceledError) Error() string {
	return fmt.Sprintf("swarm %s is no longer active", e.SwarmKey)
}

// UnknownTaskError is returned when no handler is registered for an internal
// framework task name.
type UnknownTaskError struct {
	TaskName string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("no handler registered for task %q", e.TaskName)
}
