package errors

import "net/http"

// ErrorCode is the machine-readable name of a failure.
type ErrorCode string

// Failures of the remote directory transport. All but
// ErrCodeAddressNotSupported may succeed when retried.
const (
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeConnectionFailed   ErrorCode = "CONNECTION_FAILED"
	// ErrCodeTimeout: the remote call did not complete within its TTL.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
	// ErrCodeMessageNotSent: the request never reached the transport.
	ErrCodeMessageNotSent ErrorCode = "MESSAGE_NOT_SENT"
	// ErrCodeAddressNotSupported: the backend can never be reached with the
	// configured address type.
	ErrCodeAddressNotSupported ErrorCode = "ADDRESS_TYPE_NOT_SUPPORTED"
	ErrCodeExternalService     ErrorCode = "EXTERNAL_SERVICE_ERROR"
)

// Request and state failures.
const (
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeConflict      ErrorCode = "CONFLICT"
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrCodeInvalidFormat ErrorCode = "INVALID_FORMAT"
	ErrCodeInternal      ErrorCode = "INTERNAL_ERROR"
)

type kind struct {
	status    int
	retryable bool
}

var kinds = map[ErrorCode]kind{
	ErrCodeServiceUnavailable:  {http.StatusServiceUnavailable, true},
	ErrCodeConnectionFailed:    {http.StatusServiceUnavailable, true},
	ErrCodeTimeout:             {http.StatusGatewayTimeout, true},
	ErrCodeMessageNotSent:      {http.StatusBadGateway, true},
	ErrCodeAddressNotSupported: {http.StatusBadGateway, false},
	ErrCodeExternalService:     {http.StatusBadGateway, true},
	ErrCodeNotFound:            {http.StatusNotFound, false},
	ErrCodeConflict:            {http.StatusConflict, false},
	ErrCodeInvalidInput:        {http.StatusBadRequest, false},
	ErrCodeInvalidFormat:       {http.StatusBadRequest, false},
	ErrCodeInternal:            {http.StatusInternalServerError, false},
}

// IsRetryableCode reports whether a failure with code may succeed later.
// Unknown codes are not retryable.
func IsRetryableCode(code ErrorCode) bool {
	return kinds[code].retryable
}

// StatusOf returns the HTTP status for code, 500 for unknown codes.
func StatusOf(code ErrorCode) int {
	if k, ok := kinds[code]; ok {
		return k.status
	}
	return http.StatusInternalServerError
}
