package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of a reconciliation error.
type ErrorClass string

const (
	// ErrorClassSchema indicates a malformed policy document.
	// Always fatal to the whole run: nothing is applied.
	ErrorClassSchema ErrorClass = "schema"

	// ErrorClassProbe indicates the current state of a host object could not be read.
	// Examples: permission denied, I/O error, unsupported capability.
	ErrorClassProbe ErrorClass = "probe"

	// ErrorClassMutation indicates a mutation failed or the re-probe still disagrees
	// with the desired state.
	ErrorClassMutation ErrorClass = "mutation"

	// ErrorClassTimeout indicates a probe or mutation exceeded its time budget.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassAssertion indicates a CommandAssertion reported a violated precondition.
	ErrorClassAssertion ErrorClass = "assertion"

	// ErrorClassHandler indicates a deferred handler action failed.
	// Recorded but never retried.
	ErrorClassHandler ErrorClass = "handler"
)

// EngineError represents a classified error with resource context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the one-line human-readable cause.
	Message string `json:"message"`

	// Resource is the resource ID (or handler name) that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Kind is the resource kind, if applicable.
	Kind Kind `json:"kind,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if cause := e.unwrapMessage(); cause != "" {
		msg = msg + ": " + cause
	}

	switch {
	case e.Resource != "" && e.Kind != "":
		return fmt.Sprintf("[%s] (resource=%s, kind=%s) %s", e.Class, e.Resource, e.Kind, msg)
	case e.Resource != "":
		return fmt.Sprintf("[%s] (resource=%s) %s", e.Class, e.Resource, msg)
	default:
		return fmt.Sprintf("[%s] %s", e.Class, msg)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// Detail returns the message and its cause without class or resource context.
func (e *EngineError) Detail() string {
	if e == nil {
		return ""
	}
	if cause := e.unwrapMessage(); cause != "" {
		return e.Message + ": " + cause
	}
	return e.Message
}

// MarshalJSON includes the rendered cause, which Err alone cannot carry.
func (e *EngineError) MarshalJSON() ([]byte, error) {
	type plain EngineError
	return json.Marshal(struct {
		*plain
		Detail string `json:"detail"`
	}{(*plain)(e), e.Detail()})
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewSchemaError creates a new schema error.
func NewSchemaError(message string, err error) *EngineError {
	return newError(ErrorClassSchema, message, err)
}

// NewProbeError creates a new probe error.
func NewProbeError(message string, err error) *EngineError {
	return newError(ErrorClassProbe, message, err)
}

// NewMutationError creates a new mutation error.
func NewMutationError(message string, err error) *EngineError {
	return newError(ErrorClassMutation, message, err)
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(message string, err error) *EngineError {
	return newError(ErrorClassTimeout, message, err)
}

// NewAssertionFailure creates a new assertion failure.
func NewAssertionFailure(message string, err error) *EngineError {
	return newError(ErrorClassAssertion, message, err)
}

// NewHandlerError creates a new handler error.
func NewHandlerError(message string, err error) *EngineError {
	return newError(ErrorClassHandler, message, err)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithKind adds the resource kind to an error.
func (e *EngineError) WithKind(kind Kind) *EngineError {
	e.Kind = kind
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// classify turns an operation error into an EngineError of the given class,
// promoting deadline overruns to timeout errors.
func classify(class ErrorClass, operation string, err error) *EngineError {
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(operation+" exceeded its time budget", err).WithOperation(operation)
	}
	return newError(class, operation+" failed", err).WithOperation(operation)
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsSchema returns true if the error is classified as a schema error.
func IsSchema(err error) bool { return hasClass(err, ErrorClassSchema) }

// IsProbe returns true if the error is classified as a probe error.
func IsProbe(err error) bool { return hasClass(err, ErrorClassProbe) }

// IsMutation returns true if the error is classified as a mutation error.
func IsMutation(err error) bool { return hasClass(err, ErrorClassMutation) }

// IsTimeout returns true if the error is classified as a timeout.
func IsTimeout(err error) bool { return hasClass(err, ErrorClassTimeout) }

// IsAssertion returns true if the error is classified as an assertion failure.
func IsAssertion(err error) bool { return hasClass(err, ErrorClassAssertion) }

// IsHandler returns true if the error is classified as a handler error.
func IsHandler(err error) bool { return hasClass(err, ErrorClassHandler) }
