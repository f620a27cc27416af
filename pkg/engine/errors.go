package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: worker unreachable, capacity momentarily exceeded.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: malformed build spec, authentication rejected.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ErrorKind identifies which stage of a workflow produced an error.
type ErrorKind string

const (
	// ErrorKindProvision means the worker could not be created.
	ErrorKindProvision ErrorKind = "ProvisionError"

	// ErrorKindDispatch means the build command could not be delivered.
	ErrorKindDispatch ErrorKind = "DispatchError"

	// ErrorKindSignalRejected means a completion signal was ignored.
	ErrorKindSignalRejected ErrorKind = "SignalRejected"

	// ErrorKindCleanup means destroying the worker or releasing its bindings failed.
	ErrorKindCleanup ErrorKind = "CleanupError"

	// ErrorKindTimeout means no completion signal arrived before the deadline.
	ErrorKindTimeout ErrorKind = "TimeoutExceeded"

	// ErrorKindWorkerFailed means the worker reported a failed build.
	ErrorKindWorkerFailed ErrorKind = "WorkerReportedFailure"

	// ErrorKindCancelled means the caller cancelled the instance.
	ErrorKindCancelled ErrorKind = "Cancelled"

	// ErrorKindAbandoned means the instance was left behind by a previous process.
	ErrorKindAbandoned ErrorKind = "Abandoned"

	// ErrorKindPolicyDenied means admission policy rejected the request.
	ErrorKindPolicyDenied ErrorKind = "PolicyDenied"

	// ErrorKindValidation means the request was malformed.
	ErrorKindValidation ErrorKind = "ValidationError"
)

// EngineError represents a classified error with workflow context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Kind is the workflow stage that produced the error.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Instance is the workflow instance ID, if known.
	Instance string `json:"instance,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s/%s] %s", e.Kind, e.Class, e.Message)
	if e.Instance != "" {
		msg += fmt.Sprintf(" (instance=%s)", e.Instance)
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

// Is reports whether target is an EngineError of the same kind and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func newError(class ErrorClass, kind ErrorKind, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// NewTransientDispatchError creates a retryable dispatch error.
func NewTransientDispatchError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, ErrorKindDispatch, message, err)
}

// NewPermanentDispatchError creates a dispatch error that short-circuits retries.
func NewPermanentDispatchError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrorKindDispatch, message, err)
}

// NewProvisionError creates an error for a worker that could not be created.
func NewProvisionError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrorKindProvision, message, err)
}

// NewCleanupError creates an error for a failed teardown.
func NewCleanupError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrorKindCleanup, message, err)
}

// NewValidationError creates an error for a malformed request.
func NewValidationError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrorKindValidation, message, err).
		WithCode(ErrCodeValidation)
}

// NewPolicyDeniedError creates an error for a request rejected by admission policy.
func NewPolicyDeniedError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrorKindPolicyDenied, message, err).
		WithCode(ErrCodePermissionDenied)
}

// WithInstance adds instance context to an error.
func (e *EngineError) WithInstance(instanceID string) *EngineError {
	e.Instance = instanceID
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

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
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

// IsRetryable reports whether a dispatch error may be retried. Errors that
// carry no classification are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}

// KindOf returns the workflow error kind carried by err, or "" if none.
func KindOf(err error) ErrorKind {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeNoCapacity       = "NO_CAPACITY"
	ErrCodeUnreachable      = "UNREACHABLE"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// ErrInstanceNotFound is returned when no instance has the requested ID.
var ErrInstanceNotFound = &EngineError{
	Class:   ErrorClassPermanent,
	Kind:    ErrorKindValidation,
	Code:    ErrCodeNotFound,
	Message: "instance not found",
}
