package task

import (
	"errors"
	"fmt"
)

// Sentinels for the orchestration error taxonomy. Callers map them to
// transport responses with errors.Is.
var (
	// ErrInvalidInput indicates missing or malformed request fields.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates a webhook signature mismatch.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrBadRequest indicates an unparseable or unknown webhook event.
	ErrBadRequest = errors.New("bad request")

	// ErrUnknownTask indicates the referenced task does not exist.
	ErrUnknownTask = errors.New("unknown task")

	// ErrUnknownSession indicates the referenced chat session does not exist.
	ErrUnknownSession = errors.New("unknown session")

	// ErrNotAwaitingInput indicates a response for a task that is not paused.
	ErrNotAwaitingInput = errors.New("task is not awaiting input")

	// ErrMissingSession indicates a paused task without a resumable worker handle.
	ErrMissingSession = errors.New("task has no worker session")

	// ErrTerminalState indicates an operation on a task that already finished.
	ErrTerminalState = errors.New("task is in a terminal state")

	// ErrSpawnFailure indicates the worker launch or resume call failed.
	ErrSpawnFailure = errors.New("spawn failure")

	// ErrDeliveryTransient indicates update delivery could not read task state.
	ErrDeliveryTransient = errors.New("delivery transient failure")

	// ErrStatusConflict indicates a compare-and-set precondition did not hold.
	ErrStatusConflict = errors.New("status conflict")

	// ErrStoreUnavailable indicates the persistence backend cannot be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// InvalidInputError wraps ErrInvalidInput with a descriptive message.
func InvalidInputError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrInvalidInput)
}

// BadRequestError wraps ErrBadRequest with a descriptive message.
func BadRequestError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrBadRequest)
}

// UnknownTaskError wraps ErrUnknownTask for the given id.
func UnknownTaskError(taskID string) error {
	return fmt.Errorf("task %s: %w", taskID, ErrUnknownTask)
}

// UnknownSessionError wraps ErrUnknownSession for the given id.
func UnknownSessionError(sessionID string) error {
	return fmt.Errorf("session %s: %w", sessionID, ErrUnknownSession)
}

// TerminalStateError wraps ErrTerminalState with the task's current status.
func TerminalStateError(taskID string, status Status) error {
	return fmt.Errorf("task %s is %s: %w", taskID, status, ErrTerminalState)
}

// StatusConflictError wraps ErrStatusConflict with the observed status.
func StatusConflictError(taskID string, status Status) error {
	return fmt.Errorf("task %s has status %s: %w", taskID, status, ErrStatusConflict)
}
