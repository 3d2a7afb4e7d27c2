package job

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrNotFound          = errors.New("job not found")
	ErrDuplicate         = errors.New("duplicate job id")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrRejected          = errors.New("rejected")
	ErrSpawn             = errors.New("spawn failure")
	ErrBusDisconnected   = errors.New("bus disconnected")
)

// Error provides a classified error with job context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	JobID    string // Job the error concerns, if any
	Reason   string // Short human-readable reason ("not allowed", "concurrency limit")
	Op       string // Operation that failed (e.g., "engine.spawn")
	Cause    error  // Underlying error
}

func (e *Error) Error() string {
	msg := e.Sentinel.Error()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the sentinel and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Sentinel, e.Cause}
	}
	return []error{e.Sentinel}
}

// Rejected creates a policy refusal error.
func Rejected(jobID, reason string) error {
	return &Error{Sentinel: ErrRejected, JobID: jobID, Reason: reason}
}

// NotFound creates a not-found error for a job id.
func NotFound(jobID string) error {
	return &Error{Sentinel: ErrNotFound, JobID: jobID, Reason: jobID}
}

// Duplicate reports an id that is already registered.
func Duplicate(jobID string) error {
	return &Error{Sentinel: ErrDuplicate, JobID: jobID, Reason: jobID}
}

// InvalidTransition creates a transition error.
func InvalidTransition(jobID string, from, to Status) error {
	return &Error{
		Sentinel: ErrInvalidTransition,
		JobID:    jobID,
		Reason:   fmt.Sprintf("%s -> %s", from, to),
	}
}

// SpawnFailure wraps an OS-level failure to start a process.
func SpawnFailure(jobID string, cause error) error {
	return &Error{Sentinel: ErrSpawn, JobID: jobID, Op: "engine.spawn", Cause: cause}
}

// ReasonOf extracts the Reason of a classified error, or err.Error() otherwise.
func ReasonOf(err error) string {
	var je *Error
	if errors.As(err, &je) && je.Reason != "" {
		return je.Reason
	}
	return err.Error()
}
