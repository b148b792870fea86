package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Pipeline-specific error codes.
const (
	// ErrConfigurationError marks a pipeline that cannot be built or run
	// because of its static configuration (bad ids, cycles, unknown pools).
	ErrConfigurationError = "CONFIGURATION_ERROR"
	// ErrRemoteCallError marks a remote operation that failed.
	ErrRemoteCallError = "REMOTE_CALL_ERROR"
	// ErrResolutionError marks a deferred output lookup evaluated before the
	// producing node succeeded, or against a missing field.
	ErrResolutionError = "RESOLUTION_ERROR"
	ErrRunNotRunnable  = "RUN_NOT_RUNNABLE"
)

// ErrorEnvelope is the standard error value used across the service and
// returned by the HTTP API. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// WithCause returns a copy of the envelope wrapping err.
func (e *ErrorEnvelope) WithCause(err error) *ErrorEnvelope {
	c := *e
	c.cause = err
	return &c
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HasCode reports whether err (or anything it wraps) is an ErrorEnvelope
// with the given code.
func HasCode(err error, code string) bool {
	var env *ErrorEnvelope
	if !errors.As(err, &env) {
		return false
	}
	return env.Code == code
}

// CodeOf returns the code of the first ErrorEnvelope in err's chain, or
// ErrInternalError.
func CodeOf(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ErrInternalError
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The backend service is temporarily unavailable",
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "The backend service did not respond in time",
	}
}

// NewConfigurationError returns a CONFIGURATION_ERROR.
func NewConfigurationError(format string, args ...any) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConfigurationError, Message: fmt.Sprintf(format, args...)}
}

// NewRemoteCallError returns a REMOTE_CALL_ERROR wrapping cause.
func NewRemoteCallError(msg string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrRemoteCallError, Message: msg, cause: cause}
}

// NewResolutionError returns a RESOLUTION_ERROR.
func NewResolutionError(format string, args ...any) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrResolutionError, Message: fmt.Sprintf(format, args...)}
}

// NewRunNotRunnableError returns a RUN_NOT_RUNNABLE error.
func NewRunNotRunnableError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrRunNotRunnable, Message: msg}
}
