package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// AppError is a failure with a code, a client-facing message and an HTTP
// status. Cause is kept for logs and never sent to clients.
type AppError struct {
	Code       ErrorCode      `json:"code"`
	Message    string         `json:"message"`
	Retryable  bool           `json:"retryable"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// WithCause records cause and returns e.
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail sets one detail and returns e.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}

// New returns an AppError with an explicit status. Retryable follows code.
func New(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus, Retryable: IsRetryableCode(code)}
}

func newKind(code ErrorCode, message string, details ...any) *AppError {
	e := New(code, message, StatusOf(code))
	for i := 0; i+1 < len(details); i += 2 {
		e.WithDetail(details[i].(string), details[i+1])
	}
	return e
}

// ServiceUnavailable: service cannot take requests right now.
func ServiceUnavailable(service string) *AppError {
	return newKind(ErrCodeServiceUnavailable, fmt.Sprintf("The %s is temporarily unavailable. Please try again.", service), "service", service)
}

// ConnectionFailed: service could not be reached.
func ConnectionFailed(service string) *AppError {
	return newKind(ErrCodeConnectionFailed, fmt.Sprintf("Unable to connect to %s.", service), "service", service)
}

// Timeout: operation did not finish in time.
func Timeout(operation string) *AppError {
	return newKind(ErrCodeTimeout, "The request took too long. Please try again.", "operation", operation)
}

// MessageNotSent: the transport refused the request.
func MessageNotSent(reason string) *AppError {
	return newKind(ErrCodeMessageNotSent, reason)
}

// AddressNotSupported: the backend cannot be reached with addressType.
func AddressNotSupported(addressType string) *AppError {
	return newKind(ErrCodeAddressNotSupported, "Address type not supported: "+addressType, "address_type", addressType)
}

// NotFound: no resource with id.
func NotFound(resource, id string) *AppError {
	e := newKind(ErrCodeNotFound, fmt.Sprintf("The requested %s was not found.", resource), "resource", resource)
	if id != "" {
		e.WithDetail("id", id)
	}
	return e
}

// Conflict: the resource changed underneath the request.
func Conflict(reason string) *AppError {
	return newKind(ErrCodeConflict, reason)
}

// InvalidInput: field was rejected for reason.
func InvalidInput(field, reason string) *AppError {
	e := newKind(ErrCodeInvalidInput, "Invalid input: "+reason)
	if field != "" {
		e.WithDetail("field", field)
	}
	return e
}

// Validation: message lists the rejected fields.
func Validation(message string) *AppError {
	return newKind(ErrCodeInvalidInput, message)
}

// InvalidFormat: field does not parse as expectedFormat.
func InvalidFormat(field, expectedFormat string) *AppError {
	return newKind(ErrCodeInvalidFormat, fmt.Sprintf("Invalid format for %s. Expected: %s", field, expectedFormat),
		"field", field, "expected_format", expectedFormat)
}

// Internal hides cause behind a generic message.
func Internal(cause error) *AppError {
	return newKind(ErrCodeInternal, "An unexpected error occurred.").WithCause(cause)
}

// ExternalServiceError: service answered with a failure.
func ExternalServiceError(service string, cause error) *AppError {
	return newKind(ErrCodeExternalService, fmt.Sprintf("The %s service reported an error.", service), "service", service).WithCause(cause)
}

// AsAppError finds an AppError in err's chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Wrap returns the AppError in err's chain, a TIMEOUT for an expired
// context deadline, or INTERNAL_ERROR for anything else. Nil stays nil.
func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := AsAppError(err); ok {
		return appErr
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return Timeout("request").WithCause(err)
	}
	return Internal(err)
}

// IsTimeout reports a TIMEOUT AppError or an expired context deadline
// anywhere in err's chain.
func IsTimeout(err error) bool {
	return HasCode(err, ErrCodeTimeout) || stderrors.Is(err, context.DeadlineExceeded)
}

// HasCode reports whether err's chain holds an AppError with code.
func HasCode(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}
