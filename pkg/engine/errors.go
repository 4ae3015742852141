// Package engine implements the desired-state convergence engine shared by
// every resource module: validate -> fetch -> plan -> execute -> verify ->
// assemble. Resource families plug in through the Adapter interface; the
// engine itself is generic and stateless across invocations.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for retry and recovery decisions.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on
	// retry: network timeouts, connection resets, HTTP 429.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassNotFound indicates a lookup miss. Never fatal: the caller
	// receives an empty read.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassClient indicates a non-404 4xx controller response.
	ErrorClassClient ErrorClass = "client_error"

	// ErrorClassServer indicates a 5xx controller response; retryable.
	ErrorClassServer ErrorClass = "server_error"

	// ErrorClassProtocol indicates a malformed controller response.
	ErrorClassProtocol ErrorClass = "protocol_error"

	// ErrorClassUnauthorized indicates authentication failure after a token
	// refresh attempt; fatal for the whole run.
	ErrorClassUnauthorized ErrorClass = "unauthorized"

	// ErrorClassPermanent indicates a non-recoverable engine-side error:
	// invalid documents, unresolved references, failed tasks.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error is a classified engine error with context.
type Error struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the taxonomy entry for programmatic handling, e.g.
	// "schema.range_violation" or "task.deadline".
	Code string `json:"code,omitempty"`

	// Item is the identity key of the resource item that caused the error,
	// if applicable.
	Item string `json:"item,omitempty"`

	// Operation is the controller operation being performed.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Item != "" {
		msg += fmt.Sprintf(" (item=%s)", e.Item)
	}
	if e.Operation != "" {
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on class and code so sentinel comparisons work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

// NewError creates a classified error.
func NewError(class ErrorClass, message string, err error) *Error {
	return &Error{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewTransientError creates a transient (retryable) error.
func NewTransientError(message string, err error) *Error {
	return NewError(ErrorClassTransient, message, err)
}

// NewNotFoundError creates a lookup-miss error.
func NewNotFoundError(message string) *Error {
	return NewError(ErrorClassNotFound, message, nil).WithCode(CodeNotFound)
}

// NewPermanentError creates a non-recoverable error.
func NewPermanentError(message string, err error) *Error {
	return NewError(ErrorClassPermanent, message, err)
}

// NewUnauthorizedError creates a fatal authentication error.
func NewUnauthorizedError(message string, err error) *Error {
	return NewError(ErrorClassUnauthorized, message, err).WithCode(CodeUnauthorized)
}

// WithItem adds the offending item key to an error.
func (e *Error) WithItem(key string) *Error {
	e.Item = key
	return e
}

// WithOperation adds the controller operation to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode adds a taxonomy code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// IsRetryable reports whether the error may succeed on retry.
// Transient and server errors are retryable; everything else is not.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient || e.Class == ErrorClassServer
	}
	return false
}

// IsNotFound reports whether the error is a lookup miss.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassNotFound
	}
	return false
}

// IsUnauthorized reports whether the error is an authentication failure.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassUnauthorized
	}
	return false
}

// ClassOf returns the class of a classified error, or ErrorClassPermanent
// for unclassified errors.
func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

// Taxonomy codes shared across components.
const (
	CodeSchemaMissingRequired   = "schema.missing_required"
	CodeSchemaTypeMismatch      = "schema.type_mismatch"
	CodeSchemaEnumViolation     = "schema.enum_violation"
	CodeSchemaRangeViolation    = "schema.range_violation"
	CodeSchemaDuplicateIdentity = "schema.duplicate_identity"
	CodeReferenceUnresolved     = "reference.unresolved"
	CodeNotFound                = "client.not_found"
	CodeUnauthorized            = "client.unauthorized"
	CodeTaskFailed              = "task.failed"
	CodeTaskCancelled           = "task.cancelled"
	CodeTaskDeadline            = "task.deadline"
	CodeVerifyMismatch          = "verify.mismatch"
	CodePredecessorFailed       = "predecessor_failed"
	CodeRunAborted              = "run.aborted"
	CodeVersionGate             = "controller.version_too_old"
)
