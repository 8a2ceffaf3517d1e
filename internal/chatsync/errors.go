package chatsync

import (
	"errors"
	"fmt"
)

// ErrEndpointsExhausted is matched by errors.Is against the aggregate
// failure returned when every candidate endpoint for an operation fails.
var ErrEndpointsExhausted = errors.New("all endpoints failed")

// HTTPError is a non-2xx response from a message-channel endpoint.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// AllEndpointsError aggregates the per-endpoint failures of one
// operation. Last holds the final attempt's error for unwrapping.
type AllEndpointsError struct {
	Operation string
	Attempts  int
	Last      error
}

func (e *AllEndpointsError) Error() string {
	return fmt.Sprintf("%s: all %d endpoints failed, last error: %v", e.Operation, e.Attempts, e.Last)
}

func (e *AllEndpointsError) Unwrap() error { return e.Last }

func (e *AllEndpointsError) Is(target error) bool { return target == ErrEndpointsExhausted }

// IsTransient reports whether an error is worth retrying: connection
// failures, rate limiting (429), and server errors (5xx). Client errors
// (4xx except 429) indicate a permanent problem with the request.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 429 {
			return true
		}
		if httpErr.StatusCode >= 500 {
			return true
		}
		if httpErr.StatusCode >= 400 {
			return false
		}
	}
	return true
}
