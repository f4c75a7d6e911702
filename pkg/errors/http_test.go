package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{name: "nil error", err: nil, expected: http.StatusOK},
		{name: "validation", err: NewValidationError("linear", "out of range", 2.0), expected: http.StatusBadRequest},
		{name: "type conflict", err: NewTypeConflictError("/x", "publisher", "a", "b"), expected: http.StatusConflict},
		{name: "not ready", err: NewNotReadyError("/x", "Connecting"), expected: http.StatusServiceUnavailable},
		{name: "handle closed", err: NewHandleClosedError("/x", "publisher"), expected: http.StatusGone},
		{name: "timeout", err: NewTimeoutError("ready", "1s"), expected: http.StatusRequestTimeout},
		{name: "transport", err: NewTransportError("/x", "send", nil), expected: http.StatusBadGateway},
		{name: "registry closed", err: ErrRegistryClosed, expected: http.StatusServiceUnavailable},
		{name: "plain error", err: errors.New("boom"), expected: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusCode(tt.err); got != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestToHTTPError(t *testing.T) {
	httpErr := ToHTTPError(NewTypeConflictError("/chatter", "publisher", "std_msgs/String", "geometry_msgs/Twist"), "trace-1")

	if httpErr.Status != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", httpErr.Status)
	}
	if httpErr.Code != CodeConflict {
		t.Errorf("Expected code %s, got %s", CodeConflict, httpErr.Code)
	}
	if httpErr.Details["existing"] != "std_msgs/String" {
		t.Errorf("Expected existing type detail, got %v", httpErr.Details)
	}
	if httpErr.TraceID != "trace-1" {
		t.Errorf("Expected trace id, got %q", httpErr.TraceID)
	}

	ok := ToHTTPError(nil, "")
	if ok.Status != http.StatusOK || ok.Code != CodeOK {
		t.Errorf("Unexpected success conversion: %+v", ok)
	}
}

func TestWriteHTTPError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHTTPError(rec, NewNotReadyError("/cmd_vel", "Connecting"), "")

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Expected JSON content type, got %q", rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header for not ready errors")
	}

	var body HTTPError
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Code != CodeNotReady {
		t.Errorf("Expected code %s, got %s", CodeNotReady, body.Code)
	}
	if body.Details["state"] != "Connecting" {
		t.Errorf("Expected state detail, got %v", body.Details)
	}
}
