package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// HTTPError represents an HTTP error response.
type HTTPError struct {
	Status  int               `json:"-"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	TraceID string            `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return e.Message
}

// StatusCode returns the HTTP status code for an error.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var customErr Error
	if errors.As(err, &customErr) {
		return codeToHTTPStatus(customErr.Code())
	}

	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, ErrRegistryClosed):
		return http.StatusServiceUnavailable
	}

	return http.StatusInternalServerError
}

// codeToHTTPStatus maps error codes to HTTP status codes.
func codeToHTTPStatus(code string) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeCancelled:
		return 499 // Client Closed Request
	case CodeInvalidArgument, CodeValidation:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	case CodeNotReady, CodeUnavailable, CodeFailedPrecondition:
		return http.StatusServiceUnavailable
	case CodeHandleClosed:
		return http.StatusGone
	case CodeTimeout:
		return http.StatusRequestTimeout
	case CodeNetworkError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ToHTTPError converts an error to an HTTPError.
func ToHTTPError(err error, traceID string) *HTTPError {
	if err == nil {
		return &HTTPError{
			Status:  http.StatusOK,
			Code:    CodeOK,
			Message: "success",
			TraceID: traceID,
		}
	}

	httpErr := &HTTPError{
		Status:  StatusCode(err),
		TraceID: traceID,
		Details: make(map[string]string),
	}

	var customErr Error
	if errors.As(err, &customErr) {
		httpErr.Code = customErr.Code()
		httpErr.Message = customErr.Message()
	} else {
		httpErr.Code = GetErrorCode(err)
		httpErr.Message = err.Error()
	}

	var (
		validationErr *ValidationError
		conflictErr   *TypeConflictError
		notReadyErr   *NotReadyError
		closedErr     *HandleClosedError
		transportErr  *TransportError
		timeoutErr    *TimeoutError
	)

	switch {
	case errors.As(err, &validationErr):
		if validationErr.Field != "" {
			httpErr.Details["field"] = validationErr.Field
		}
	case errors.As(err, &conflictErr):
		httpErr.Details["channel"] = conflictErr.Channel
		httpErr.Details["existing"] = conflictErr.Existing
		httpErr.Details["requested"] = conflictErr.Requested
	case errors.As(err, &notReadyErr):
		httpErr.Details["channel"] = notReadyErr.Channel
		httpErr.Details["state"] = notReadyErr.State
	case errors.As(err, &closedErr):
		httpErr.Details["channel"] = closedErr.Channel
	case errors.As(err, &transportErr):
		httpErr.Details["channel"] = transportErr.Channel
		if transportErr.Op != "" {
			httpErr.Details["op"] = transportErr.Op
		}
	case errors.As(err, &timeoutErr):
		if timeoutErr.Operation != "" {
			httpErr.Details["operation"] = timeoutErr.Operation
		}
		if timeoutErr.Duration != "" {
			httpErr.Details["duration"] = timeoutErr.Duration
		}
	}

	if len(httpErr.Details) == 0 {
		httpErr.Details = nil
	}

	return httpErr
}

// WriteHTTPError writes an error response to an http.ResponseWriter.
func WriteHTTPError(w http.ResponseWriter, err error, traceID string) {
	httpErr := ToHTTPError(err, traceID)
	w.Header().Set("Content-Type", "application/json")
	if IsNotReady(err) {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(httpErr.Status)
	_ = json.NewEncoder(w).Encode(httpErr)
}
