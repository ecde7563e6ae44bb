package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// The poller leaves the event untouched and retries on the next tick.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting by a collaborator.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict, such as a completed event.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error for this event.
	// The poller marks the event stuck.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// EventID is the service event that caused the error, if applicable.
	EventID int64 `json:"event_id,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.EventID != 0 && e.Operation != "":
		msg = fmt.Sprintf("%s (event=%d, operation=%s)", msg, e.EventID, e.Operation)
	case e.EventID != 0:
		msg = fmt.Sprintf("%s (event=%d)", msg, e.EventID)
	case e.Operation != "":
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewUnknownWorkflowError reports a workflow name missing from the registry.
func NewUnknownWorkflowError(name string) *EngineError {
	return NewPermanentError(fmt.Sprintf("unknown workflow '%s'", name), nil).
		WithCode(ErrCodeUnknownWorkflow).
		WithDetail("workflow", name)
}

// NewUnknownStateError reports a state the workflow has no handler for.
func NewUnknownStateError(workflow, state string) *EngineError {
	return NewPermanentError(fmt.Sprintf("unknown state '%s' for workflow '%s'", state, workflow), nil).
		WithCode(ErrCodeUnknownState).
		WithDetail("workflow", workflow).
		WithDetail("state", state)
}

// WithEvent adds service event context to an error.
func (e *EngineError) WithEvent(eventID int64) *EngineError {
	e.EventID = eventID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// temporary is implemented by collaborator errors that know whether a retry
// can succeed.
type temporary interface {
	Temporary() bool
}

// ClassOf classifies any error. EngineErrors keep their class, collaborator
// errors exposing Temporary() map to transient or permanent, and everything
// else is treated as transient so the event is retried.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTransient
	}
	var t temporary
	if errors.As(err, &t) {
		if t.Temporary() {
			return ErrorClassTransient
		}
		return ErrorClassPermanent
	}
	return ErrorClassTransient
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the poller should retry the event next tick.
func IsRetryable(err error) bool {
	return ClassOf(err) != ErrorClassPermanent
}

// HasCode reports whether err carries the given EngineError code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeUnknownWorkflow     = "UNKNOWN_WORKFLOW"
	ErrCodeUnknownState        = "UNKNOWN_STATE"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeStateNotImplemented = "STATE_NOT_IMPLEMENTED"
	ErrCodeEventCompleted      = "EVENT_COMPLETED"
	ErrCodeFleetFailed         = "FLEET_FAILED"
	ErrCodeStoreFailed         = "STORE_FAILED"
	ErrCodeAlreadyRegistered   = "ALREADY_REGISTERED"
)

// ErrEventCompleted is returned when a completed event would be mutated.
var ErrEventCompleted = &EngineError{
	Class:   ErrorClassConflict,
	Message: "service event is already completed",
	Code:    ErrCodeEventCompleted,
}

// ErrEventNotFound is returned by stores for unknown event ids.
var ErrEventNotFound = &EngineError{
	Class:   ErrorClassPermanent,
	Message: "service event not found",
	Code:    ErrCodeNotFound,
}

// ErrStateNotImplemented is returned by handlers that exist only as
// documented topology.
var ErrStateNotImplemented = &EngineError{
	Class:   ErrorClassPermanent,
	Message: "state handler not implemented",
	Code:    ErrCodeStateNotImplemented,
}
