package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Common sentinel errors for quick checks
var (
	// ErrRegistryClosed is returned by acquisitions on a closed registry.
	ErrRegistryClosed = errors.New("registry closed")

	// ErrInvalidInput is returned when caller input is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("operation timeout")

	// ErrInternal is returned when an internal error occurs.
	ErrInternal = errors.New("internal error")
)

// Error is the base interface for all custom errors in the system.
// It extends the standard error interface with additional context.
type Error interface {
	error
	// Code returns the error code
	Code() string
	// Message returns the human-readable error message
	Message() string
	// Unwrap returns the underlying cause
	Unwrap() error
}

// BaseError provides a foundation for all typed errors.
type BaseError struct {
	code    string
	message string
	cause   error
	stack   []uintptr
}

// Error implements the error interface.
func (e *BaseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *BaseError) Code() string {
	return e.code
}

// Message returns the error message.
func (e *BaseError) Message() string {
	return e.message
}

// Unwrap returns the underlying cause.
func (e *BaseError) Unwrap() error {
	return e.cause
}

// captureStack captures the current stack trace.
func captureStack(skip int) []uintptr {
	const maxDepth = 32
	stack := make([]uintptr, maxDepth)
	n := runtime.Callers(skip+2, stack)
	return stack[:n]
}

// StackTrace returns a formatted stack trace string.
func (e *BaseError) StackTrace() string {
	if len(e.stack) == 0 {
		return ""
	}

	var buf strings.Builder
	frames := runtime.CallersFrames(e.stack)
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			fmt.Fprintf(&buf, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	return buf.String()
}

// TypeConflictError is returned when a channel is requested with a type that
// differs from the type of its live endpoint.
type TypeConflictError struct {
	*BaseError
	Channel   string
	Role      string
	Existing  string
	Requested string
}

// NewTypeConflictError creates a new type conflict error.
func NewTypeConflictError(channel, role, existing, requested string) *TypeConflictError {
	return &TypeConflictError{
		BaseError: &BaseError{
			code:    CodeConflict,
			message: fmt.Sprintf("type conflict on channel %s: %s - %s", channel, existing, requested),
			stack:   captureStack(1),
		},
		Channel:   channel,
		Role:      role,
		Existing:  existing,
		Requested: requested,
	}
}

// NotReadyError is returned when an operation needs a ready endpoint.
type NotReadyError struct {
	*BaseError
	Channel string
	State   string
}

// NewNotReadyError creates a new not ready error.
func NewNotReadyError(channel, state string) *NotReadyError {
	return &NotReadyError{
		BaseError: &BaseError{
			code:    CodeNotReady,
			message: fmt.Sprintf("channel %s not ready (state %s)", channel, state),
			stack:   captureStack(1),
		},
		Channel: channel,
		State:   state,
	}
}

// WithCause records why the endpoint left the ready state, e.g. the fatal
// transport error that tore it down.
func (e *NotReadyError) WithCause(err error) *NotReadyError {
	e.cause = err
	return e
}

// HandleClosedError is returned by every operation on a closed handle,
// including a second Close.
type HandleClosedError struct {
	*BaseError
	Channel string
	Role    string
}

// NewHandleClosedError creates a new handle closed error.
func NewHandleClosedError(channel, role string) *HandleClosedError {
	return &HandleClosedError{
		BaseError: &BaseError{
			code:    CodeHandleClosed,
			message: fmt.Sprintf("%s handle for channel %s has been closed", role, channel),
			stack:   captureStack(1),
		},
		Channel: channel,
		Role:    role,
	}
}

// ConfigurationError represents a configuration or type resolution failure.
type ConfigurationError struct {
	*BaseError
	Subject string
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(subject, message string, cause error) *ConfigurationError {
	if message == "" {
		message = "invalid configuration"
	}
	return &ConfigurationError{
		BaseError: &BaseError{
			code:    CodeConfigError,
			message: message,
			cause:   cause,
			stack:   captureStack(1),
		},
		Subject: subject,
	}
}

// TransportError represents a failure reported by a transport runtime.
type TransportError struct {
	*BaseError
	Channel string
	Op      string
	Fatal   bool
}

// NewTransportError creates a new transport error.
func NewTransportError(channel, op string, cause error) *TransportError {
	return &TransportError{
		BaseError: &BaseError{
			code:    CodeNetworkError,
			message: fmt.Sprintf("transport %s failed on channel %s", op, channel),
			cause:   cause,
			stack:   captureStack(1),
		},
		Channel: channel,
		Op:      op,
	}
}

// NewFatalTransportError creates a transport error that forced endpoint teardown.
func NewFatalTransportError(channel string, cause error) *TransportError {
	e := NewTransportError(channel, "runtime", cause)
	e.message = fmt.Sprintf("fatal transport error on channel %s", channel)
	e.Fatal = true
	return e
}

// InvariantError reports a broken internal invariant. It is raised with
// panic, never returned.
type InvariantError struct {
	*BaseError
	Invariant string
}

// NewInvariantError creates a new invariant error.
func NewInvariantError(invariant, message string) *InvariantError {
	return &InvariantError{
		BaseError: &BaseError{
			code:    CodeInternal,
			message: fmt.Sprintf("invariant %s violated: %s", invariant, message),
			stack:   captureStack(1),
		},
		Invariant: invariant,
	}
}

// ValidationError represents an input validation error.
type ValidationError struct {
	*BaseError
	Field string
	Value interface{}
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		BaseError: &BaseError{
			code:    CodeValidation,
			message: message,
			stack:   captureStack(1),
		},
		Field: field,
		Value: value,
	}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.message)
	}
	return fmt.Sprintf("validation error: %s", e.message)
}

// InternalError represents an internal error.
type InternalError struct {
	*BaseError
	Operation string
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, cause error) *InternalError {
	if message == "" {
		message = "internal error"
	}
	return &InternalError{
		BaseError: &BaseError{
			code:    CodeInternal,
			message: message,
			cause:   cause,
			stack:   captureStack(1),
		},
	}
}

// WithOperation sets the operation context.
func (e *InternalError) WithOperation(op string) *InternalError {
	e.Operation = op
	return e
}

// TimeoutError represents a timeout error.
type TimeoutError struct {
	*BaseError
	Operation string
	Duration  string
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(operation, duration string) *TimeoutError {
	message := "operation timeout"
	if operation != "" {
		message = fmt.Sprintf("%s timeout", operation)
	}
	return &TimeoutError{
		BaseError: &BaseError{
			code:    CodeTimeout,
			message: message,
			stack:   captureStack(1),
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause attaches the underlying cause, typically a context error.
func (e *TimeoutError) WithCause(err error) *TimeoutError {
	e.cause = err
	return e
}

// SerializationError represents a payload encoding or decoding failure.
type SerializationError struct {
	*BaseError
	Codec string
}

// NewSerializationError creates a new serialization error.
func NewSerializationError(codec, message string, cause error) *SerializationError {
	return &SerializationError{
		BaseError: &BaseError{
			code:    CodeSerializationError,
			message: message,
			cause:   cause,
			stack:   captureStack(1),
		},
		Codec: codec,
	}
}

// Wrap wraps an error with additional context.
// If the error is already one of our custom types, it preserves the code
// and adds the cause chain. Otherwise, it creates an InternalError.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	if e, ok := err.(Error); ok {
		return &BaseError{
			code:    e.Code(),
			message: message,
			cause:   err,
			stack:   captureStack(1),
		}
	}

	return &InternalError{
		BaseError: &BaseError{
			code:    CodeInternal,
			message: message,
			cause:   err,
			stack:   captureStack(1),
		},
	}
}
