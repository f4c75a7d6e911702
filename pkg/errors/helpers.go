package errors

import "errors"

// IsTypeConflict checks if an error indicates a channel type conflict.
func IsTypeConflict(err error) bool {
	if err == nil {
		return false
	}

	var conflictErr *TypeConflictError
	return errors.As(err, &conflictErr)
}

// IsNotReady checks if an error indicates the endpoint is not ready.
func IsNotReady(err error) bool {
	if err == nil {
		return false
	}

	var notReadyErr *NotReadyError
	return errors.As(err, &notReadyErr)
}

// IsHandleClosed checks if an error indicates use of a closed handle.
func IsHandleClosed(err error) bool {
	if err == nil {
		return false
	}

	var closedErr *HandleClosedError
	return errors.As(err, &closedErr)
}

// IsConfiguration checks if an error is a configuration error.
func IsConfiguration(err error) bool {
	if err == nil {
		return false
	}

	var configErr *ConfigurationError
	return errors.As(err, &configErr)
}

// IsTransport checks if an error was reported by a transport runtime.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}

	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// IsValidation checks if an error is a validation error.
func IsValidation(err error) bool {
	if err == nil {
		return false
	}

	var validationErr *ValidationError
	return errors.As(err, &validationErr) || errors.Is(err, ErrInvalidInput)
}

// IsTimeout checks if an error indicates a timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}

	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr) || errors.Is(err, ErrTimeout)
}

// IsInternal checks if an error is an internal error.
func IsInternal(err error) bool {
	if err == nil {
		return false
	}

	var internalErr *InternalError
	return errors.As(err, &internalErr) || errors.Is(err, ErrInternal)
}

// ShouldRetry checks if an operation should be retried based on the error.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	if IsTimeout(err) || IsNotReady(err) {
		return true
	}

	var customErr Error
	if errors.As(err, &customErr) {
		return IsRetryable(customErr.Code())
	}

	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) string {
	if err == nil {
		return CodeOK
	}

	var customErr Error
	if errors.As(err, &customErr) {
		return customErr.Code()
	}

	switch {
	case errors.Is(err, ErrRegistryClosed):
		return CodeFailedPrecondition
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidArgument
	case IsTimeout(err):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

// StackTrace returns the stack captured where the first typed error in
// err's chain was created, or "" when there is none.
func StackTrace(err error) string {
	var traced interface{ StackTrace() string }
	if errors.As(err, &traced) {
		return traced.StackTrace()
	}
	return ""
}

// Cause returns the underlying cause of an error.
// It unwraps the error chain until it finds the root cause.
func Cause(err error) error {
	for {
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		underlying := unwrapper.Unwrap()
		if underlying == nil {
			return err
		}
		err = underlying
	}
}
