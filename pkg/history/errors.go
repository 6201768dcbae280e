package history

import (
	"errors"
	"fmt"
)

// HTTPError represents a non-2xx HTTP response from the history API.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// APIError is a 2xx response whose envelope reports a failure.
type APIError struct {
	Message string
}

func (e *APIError) Error() string {
	return "api: " + e.Message
}

// IsStatus returns true if err (or any wrapped error) is an HTTPError with the given status code.
func IsStatus(err error, code int) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == code
	}
	return false
}
