package controlplane

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ConnectionError means the control plane could not be reached, or answered
// 503. The request itself may be fine.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return "control plane unreachable: " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TooLargeError is returned for 413 responses.
type TooLargeError struct {
	Message string
}

func (e *TooLargeError) Error() string {
	return "payload too large: " + e.Message
}

// ClientError is any 4xx rejection of the request contents.
type ClientError struct {
	StatusCode int
	Message    string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("control plane rejected request (%d): %s", e.StatusCode, e.Message)
}

// NotFoundError is a 404. It is also a ClientError.
type NotFoundError struct{ ClientError }

func (e *NotFoundError) Unwrap() error { return &e.ClientError }

// WaitExceededError is a 408. It is also a ClientError.
type WaitExceededError struct{ ClientError }

func (e *WaitExceededError) Unwrap() error { return &e.ClientError }

// ConflictError is a 409. It is also a ClientError.
type ConflictError struct{ ClientError }

func (e *ConflictError) Unwrap() error { return &e.ClientError }

// ServerError is a 5xx other than 503.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("control plane error (%d): %s", e.StatusCode, e.Message)
}

// IsConnectionError reports whether err means the control plane is down.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// errorForStatus maps a non-2xx response to the error taxonomy.
func errorForStatus(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(code)
	}
	base := ClientError{StatusCode: code, Message: msg}

	switch {
	case code == http.StatusServiceUnavailable:
		return &ConnectionError{Err: fmt.Errorf("status %d: %s", code, msg)}
	case code == http.StatusRequestEntityTooLarge:
		return &TooLargeError{Message: msg}
	case code == http.StatusNotFound:
		return &NotFoundError{base}
	case code == http.StatusRequestTimeout:
		return &WaitExceededError{base}
	case code == http.StatusConflict:
		return &ConflictError{base}
	case code >= 400 && code < 500:
		return &base
	default:
		return &ServerError{StatusCode: code, Message: msg}
	}
}
