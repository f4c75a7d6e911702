package errors

// Error codes for categorizing errors.
// These codes map to HTTP status codes where the bridges surface them.
const (
	// CodeOK indicates success (not an error).
	CodeOK = "OK"

	// CodeCancelled indicates the operation was cancelled.
	CodeCancelled = "CANCELLED"

	// CodeInvalidArgument indicates the caller specified an invalid argument.
	CodeInvalidArgument = "INVALID_ARGUMENT"

	// CodeFailedPrecondition indicates the operation was rejected because the
	// system is not in a required state.
	CodeFailedPrecondition = "FAILED_PRECONDITION"

	// CodeInternal indicates an internal error.
	CodeInternal = "INTERNAL"

	// CodeUnavailable indicates the service is currently unavailable.
	CodeUnavailable = "UNAVAILABLE"

	// Channel-specific error codes

	// CodeValidation indicates input validation failed.
	CodeValidation = "VALIDATION_ERROR"

	// CodeConflict indicates a channel was requested with a type that differs
	// from the type of its live endpoint.
	CodeConflict = "CONFLICT"

	// CodeNotReady indicates the endpoint behind a handle is not ready.
	CodeNotReady = "NOT_READY"

	// CodeHandleClosed indicates an operation on a handle that was closed.
	CodeHandleClosed = "HANDLE_CLOSED"

	// CodeTimeout indicates an operation timed out.
	CodeTimeout = "TIMEOUT"

	// CodeNetworkError indicates the transport runtime failed.
	CodeNetworkError = "NETWORK_ERROR"

	// CodeConfigError indicates a configuration error.
	CodeConfigError = "CONFIG_ERROR"

	// CodeSerializationError indicates payload encoding or decoding failed.
	CodeSerializationError = "SERIALIZATION_ERROR"
)

// ErrorCategory represents a high-level error category.
type ErrorCategory string

const (
	// CategoryClient indicates a caller-side error (4xx).
	CategoryClient ErrorCategory = "CLIENT_ERROR"

	// CategoryServer indicates a server-side error (5xx).
	CategoryServer ErrorCategory = "SERVER_ERROR"

	// CategoryNetwork indicates a transport-related error.
	CategoryNetwork ErrorCategory = "NETWORK_ERROR"

	// CategoryTimeout indicates a timeout error.
	CategoryTimeout ErrorCategory = "TIMEOUT_ERROR"

	// CategoryState indicates an endpoint or handle lifecycle error.
	CategoryState ErrorCategory = "STATE_ERROR"
)

// GetCategory returns the category for an error code.
func GetCategory(code string) ErrorCategory {
	switch code {
	case CodeInvalidArgument, CodeValidation, CodeConflict:
		return CategoryClient

	case CodeNotReady, CodeHandleClosed, CodeFailedPrecondition:
		return CategoryState

	case CodeTimeout, CodeCancelled:
		return CategoryTimeout

	case CodeNetworkError, CodeUnavailable:
		return CategoryNetwork

	default:
		return CategoryServer
	}
}

// IsRetryable returns true if an error with the given code should be retried.
// A not-ready endpoint becomes usable once registration completes, so callers
// retry after BlockUntilReady or by polling IsReady.
func IsRetryable(code string) bool {
	switch code {
	case CodeNotReady, CodeTimeout, CodeUnavailable, CodeNetworkError:
		return true
	default:
		return false
	}
}

// IsClientError returns true if the error is a caller error (4xx).
func IsClientError(code string) bool {
	return GetCategory(code) == CategoryClient
}

// IsServerError returns true if the error is a server error (5xx).
func IsServerError(code string) bool {
	return GetCategory(code) == CategoryServer
}
